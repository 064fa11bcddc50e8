// Package veo integrates the Veo video generation API. Submission returns a
// long-running operation name; completion is discovered by polling the
// operation resource until its done flag flips.
package veo

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
var ErrMissingAPIKey = errors.New("veo: api key is required")

// Options configures the Veo client.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// Client performs HTTP calls against the generative language video API.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     zerolog.Logger
}

type predictRequest struct {
	Instances  []predictInstance `json:"instances"`
	Parameters predictParameters `json:"parameters"`
}

type predictInstance struct {
	Prompt string `json:"prompt"`
}

type predictParameters struct {
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	AspectRatio     string `json:"aspectRatio,omitempty"`
}

type operationResponse struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Response struct {
		GenerateVideoResponse struct {
			GeneratedSamples []struct {
				Video struct {
					URI string `json:"uri"`
				} `json:"video"`
			} `json:"generatedSamples"`
		} `json:"generateVideoResponse"`
	} `json:"response"`
}

type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewClient constructs a Veo client with sane defaults.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "veo-2.0-generate-001"
	}
	logger := zerolog.New(io.Discard)
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		logger:     logger,
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

// Submit starts a video generation and returns the operation name used for
// subsequent status checks.
func (c *Client) Submit(ctx context.Context, params domain.GenerateParams) (string, error) {
	if !c.HasCredentials() {
		return "", ErrMissingAPIKey
	}
	model := c.model
	if m := strings.TrimSpace(params.Model); m != "" {
		model = m
	}
	payload := predictRequest{
		Instances: []predictInstance{{Prompt: strings.TrimSpace(params.Prompt)}},
		Parameters: predictParameters{
			DurationSeconds: params.DurationSeconds,
			AspectRatio:     strings.TrimSpace(params.AspectRatio),
		},
	}

	var decoded operationResponse
	path := fmt.Sprintf("/models/%s:predictLongRunning", url.PathEscape(model))
	if err := c.invoke(ctx, http.MethodPost, path, payload, &decoded); err != nil {
		return "", err
	}
	if decoded.Name == "" {
		return "", errors.New("veo: empty operation name")
	}
	c.logger.Debug().
		Str("model", model).
		Str("operation", decoded.Name).
		Str("request_id", params.RequestID).
		Msg("veo: operation started")
	return decoded.Name, nil
}

// CheckStatus fetches the operation resource and normalizes it into the
// common task status shape.
func (c *Client) CheckStatus(ctx context.Context, handle string) (providers.TaskStatus, error) {
	if !c.HasCredentials() {
		return providers.TaskStatus{}, ErrMissingAPIKey
	}
	var decoded operationResponse
	if err := c.invoke(ctx, http.MethodGet, "/"+strings.TrimLeft(handle, "/"), nil, &decoded); err != nil {
		return providers.TaskStatus{}, err
	}
	if !decoded.Done {
		return providers.TaskStatus{State: providers.TaskStatePending}, nil
	}
	if decoded.Error != nil {
		reason := decoded.Error.Message
		if reason == "" {
			reason = fmt.Sprintf("operation error code %d", decoded.Error.Code)
		}
		return providers.TaskStatus{State: providers.TaskStateFailed, Reason: reason}, nil
	}
	samples := decoded.Response.GenerateVideoResponse.GeneratedSamples
	if len(samples) == 0 || samples[0].Video.URI == "" {
		return providers.TaskStatus{State: providers.TaskStateFailed, Reason: "operation finished without a video"}, nil
	}
	return providers.TaskStatus{
		State: providers.TaskStateSucceeded,
		Artifact: &domain.Artifact{
			URL:    samples[0].Video.URI,
			Format: "video/mp4",
		},
	}, nil
}

func (c *Client) invoke(ctx context.Context, method, path string, payload, out any) error {
	endpoint := c.baseURL + path
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("veo: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("veo: build request: %w", err)
	}
	q := req.URL.Query()
	q.Set("key", c.apiKey)
	req.URL.RawQuery = q.Encode()
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("veo: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("veo: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var detail apiErrorResponse
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Error.Message != "" {
			return fmt.Errorf("veo: status %d: %s", resp.StatusCode, detail.Error.Message)
		}
		return fmt.Errorf("veo: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("veo: decode response: %w", err)
	}
	return nil
}

var _ providers.AsyncTask = (*Client)(nil)
