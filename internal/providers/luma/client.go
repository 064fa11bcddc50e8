// Package luma integrates the Dream Machine video API. The create call
// returns a generation id; the same resource is then re-fetched until its
// state field reports completed or failed.
package luma

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
var ErrMissingAPIKey = errors.New("luma: api key is required")

// Options configures the Dream Machine client.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// Client performs HTTP calls to the Dream Machine generations API.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     zerolog.Logger
}

type generationRequest struct {
	Prompt      string `json:"prompt"`
	Model       string `json:"model,omitempty"`
	Duration    string `json:"duration,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

type generationResponse struct {
	ID            string `json:"id"`
	State         string `json:"state"`
	FailureReason string `json:"failure_reason"`
	Assets        struct {
		Video string `json:"video"`
	} `json:"assets"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// NewClient constructs a client with sane defaults.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 45 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.lumalabs.ai/dream-machine/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "ray-2"
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

// Submit creates a generation and returns its id.
func (c *Client) Submit(ctx context.Context, params domain.GenerateParams) (string, error) {
	if !c.HasCredentials() {
		return "", ErrMissingAPIKey
	}
	model := c.model
	if m := strings.TrimSpace(params.Model); m != "" {
		model = m
	}
	payload := generationRequest{
		Prompt:      strings.TrimSpace(params.Prompt),
		Model:       model,
		AspectRatio: strings.TrimSpace(params.AspectRatio),
	}
	if params.DurationSeconds > 0 {
		payload.Duration = fmt.Sprintf("%ds", params.DurationSeconds)
	}

	decoded, err := c.invoke(ctx, http.MethodPost, "/generations", payload)
	if err != nil {
		return "", err
	}
	if decoded.ID == "" {
		return "", errors.New("luma: empty generation id")
	}
	c.logger.Debug().
		Str("model", model).
		Str("generation_id", decoded.ID).
		Str("state", decoded.State).
		Msg("luma: generation created")
	return decoded.ID, nil
}

// CheckStatus re-fetches the generation and maps its state field onto the
// common task status shape. Anything that is neither completed nor failed
// counts as still pending (queued, dreaming, ...).
func (c *Client) CheckStatus(ctx context.Context, handle string) (providers.TaskStatus, error) {
	if !c.HasCredentials() {
		return providers.TaskStatus{}, ErrMissingAPIKey
	}
	decoded, err := c.invoke(ctx, http.MethodGet, "/generations/"+url.PathEscape(handle), nil)
	if err != nil {
		return providers.TaskStatus{}, err
	}

	switch strings.ToLower(strings.TrimSpace(decoded.State)) {
	case "completed":
		if decoded.Assets.Video == "" {
			return providers.TaskStatus{State: providers.TaskStateFailed, Reason: "generation completed without a video asset"}, nil
		}
		return providers.TaskStatus{
			State: providers.TaskStateSucceeded,
			Artifact: &domain.Artifact{
				URL:    decoded.Assets.Video,
				Format: "video/mp4",
			},
		}, nil
	case "failed":
		reason := decoded.FailureReason
		if reason == "" {
			reason = "generation failed"
		}
		return providers.TaskStatus{State: providers.TaskStateFailed, Reason: reason}, nil
	default:
		return providers.TaskStatus{State: providers.TaskStatePending}, nil
	}
}

func (c *Client) invoke(ctx context.Context, method, path string, payload any) (*generationResponse, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("luma: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("luma: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("luma: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("luma: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var detail errorResponse
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Detail != "" {
			return nil, fmt.Errorf("luma: status %d: %s", resp.StatusCode, detail.Detail)
		}
		return nil, fmt.Errorf("luma: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var decoded generationResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("luma: decode response: %w", err)
	}
	return &decoded, nil
}

var _ providers.AsyncTask = (*Client)(nil)
