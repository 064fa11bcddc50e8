// Package wan integrates the DashScope Wan video synthesis API. Submission
// is asynchronous: the create call returns a task id and completion is
// discovered through the tasks endpoint, which reports a coarse task_status.
package wan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/providers"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("wan: api key is required")

// Options configures the DashScope Wan client.
type Options struct {
	APIKey      string
	BaseURL     string
	Model       string
	DefaultSize string
	HTTPClient  *http.Client
	Logger      *zerolog.Logger
}

// Client performs HTTP calls to the DashScope video synthesis API.
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	defaultSize string
	httpClient  *http.Client
	logger      zerolog.Logger
}

type synthesisRequest struct {
	Model      string          `json:"model"`
	Input      synthesisInput  `json:"input"`
	Parameters synthesisParams `json:"parameters"`
}

type synthesisInput struct {
	Prompt string `json:"prompt"`
}

type synthesisParams struct {
	Size     string `json:"size,omitempty"`
	Duration int    `json:"duration,omitempty"`
}

type taskResponse struct {
	Output struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
		VideoURL   string `json:"video_url"`
		Message    string `json:"message"`
	} `json:"output"`
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 45 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://dashscope-intl.aliyuncs.com/api/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "wan2.1-t2v-turbo"
	}
	defaultSize := strings.TrimSpace(opts.DefaultSize)
	if defaultSize == "" {
		defaultSize = "1280*720"
	}
	logger := zerolog.New(io.Discard)
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		apiKey:      strings.TrimSpace(opts.APIKey),
		baseURL:     baseURL,
		model:       model,
		defaultSize: defaultSize,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// Submit creates an asynchronous synthesis task and returns its id.
func (c *Client) Submit(ctx context.Context, params domain.GenerateParams) (string, error) {
	if !c.HasCredentials() {
		return "", ErrMissingAPIKey
	}
	model := c.model
	if m := strings.TrimSpace(params.Model); m != "" {
		model = m
	}
	payload := synthesisRequest{
		Model: model,
		Input: synthesisInput{Prompt: strings.TrimSpace(params.Prompt)},
		Parameters: synthesisParams{
			Size:     sizeForAspect(params.AspectRatio, c.defaultSize),
			Duration: params.DurationSeconds,
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("wan: encode request: %w", err)
	}
	endpoint := c.baseURL + "/services/aigc/video-generation/video-synthesis"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("wan: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-DashScope-Async", "enable")

	decoded, err := c.do(req)
	if err != nil {
		return "", err
	}
	if decoded.Output.TaskID == "" {
		return "", errors.New("wan: empty task id")
	}
	c.logger.Debug().
		Str("model", model).
		Str("task_id", decoded.Output.TaskID).
		Str("request_id", decoded.RequestID).
		Msg("wan: synthesis task created")
	return decoded.Output.TaskID, nil
}

// CheckStatus queries the tasks endpoint and maps task_status onto the
// common task status shape.
func (c *Client) CheckStatus(ctx context.Context, handle string) (providers.TaskStatus, error) {
	if !c.HasCredentials() {
		return providers.TaskStatus{}, ErrMissingAPIKey
	}
	endpoint := c.baseURL + "/tasks/" + url.PathEscape(handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return providers.TaskStatus{}, fmt.Errorf("wan: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	decoded, err := c.do(req)
	if err != nil {
		return providers.TaskStatus{}, err
	}

	switch strings.ToUpper(strings.TrimSpace(decoded.Output.TaskStatus)) {
	case "PENDING", "RUNNING":
		return providers.TaskStatus{State: providers.TaskStatePending}, nil
	case "SUCCEEDED":
		if decoded.Output.VideoURL == "" {
			return providers.TaskStatus{State: providers.TaskStateFailed, Reason: "task succeeded without a video url"}, nil
		}
		return providers.TaskStatus{
			State: providers.TaskStateSucceeded,
			Artifact: &domain.Artifact{
				URL:    decoded.Output.VideoURL,
				Format: "video/mp4",
			},
		}, nil
	default:
		reason := decoded.Output.Message
		if reason == "" {
			reason = fmt.Sprintf("task status %s", decoded.Output.TaskStatus)
		}
		return providers.TaskStatus{State: providers.TaskStateFailed, Reason: reason}, nil
	}
}

func (c *Client) do(req *http.Request) (*taskResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wan: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("wan: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var detail errorResponse
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Message != "" {
			return nil, fmt.Errorf("wan: %s (%s)", detail.Message, detail.Code)
		}
		return nil, fmt.Errorf("wan: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var decoded taskResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("wan: decode response: %w", err)
	}
	if decoded.Code != "" {
		return nil, fmt.Errorf("wan: %s (%s)", decoded.Message, decoded.Code)
	}
	return &decoded, nil
}

func sizeForAspect(aspect, fallback string) string {
	switch strings.TrimSpace(aspect) {
	case "16:9":
		return "1280*720"
	case "9:16":
		return "720*1280"
	case "1:1":
		return "960*960"
	default:
		return fallback
	}
}

var _ providers.AsyncTask = (*Client)(nil)
