// Package gemini integrates the Gemini multimodal generateContent API for
// image generation. The call is synchronous: the response carries the image
// bytes inline, base64 encoded, or a file reference to download.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
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
var ErrMissingAPIKey = errors.New("gemini: api key is required")

// Options configures the Gemini client.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// Client provides a lightweight facade over the generateContent endpoint so
// the queue only ever sees normalized artifacts.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     zerolog.Logger
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts,omitempty"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
	FileData   *fileData   `json:"fileData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type fileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
	CandidateCount     int      `json:"candidateCount,omitempty"`
}

type generateContentRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason,omitempty"`
	} `json:"candidates"`
}

type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

// NewClient constructs a Gemini client with sane defaults.
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
		model = "gemini-2.5-flash-image"
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

// Generate invokes generateContent once and returns the first image part of
// the response as a normalized artifact.
func (c *Client) Generate(ctx context.Context, params domain.GenerateParams) (*domain.Artifact, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingAPIKey
	}
	prompt := strings.TrimSpace(params.Prompt)
	if prompt == "" {
		return nil, errors.New("gemini: prompt is required")
	}
	model := c.model
	if m := strings.TrimSpace(params.Model); m != "" {
		model = m
	}
	payload := generateContentRequest{
		Contents: []content{{
			Role:  "user",
			Parts: []part{{Text: buildPrompt(prompt, params.AspectRatio)}},
		}},
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"IMAGE"},
			CandidateCount:     1,
		},
	}

	var decoded generateContentResponse
	path := fmt.Sprintf("/models/%s:generateContent", url.PathEscape(model))
	if err := c.invoke(ctx, path, payload, &decoded); err != nil {
		return nil, err
	}

	for _, candidate := range decoded.Candidates {
		for _, p := range candidate.Content.Parts {
			artifact, err := c.decodePart(ctx, p)
			if err != nil {
				return nil, err
			}
			if artifact == nil {
				continue
			}
			c.logger.Debug().
				Str("model", model).
				Str("request_id", params.RequestID).
				Str("format", artifact.Format).
				Msg("gemini: generated image asset")
			return artifact, nil
		}
	}
	return nil, errors.New("gemini: no image content returned")
}

func (c *Client) decodePart(ctx context.Context, p part) (*domain.Artifact, error) {
	if p.InlineData != nil && p.InlineData.Data != "" {
		data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil {
			return nil, fmt.Errorf("gemini: decode inline data: %w", err)
		}
		format := p.InlineData.MimeType
		if format == "" {
			format = "image/png"
		}
		return &domain.Artifact{Data: data, Format: format, Length: len(data)}, nil
	}
	if p.FileData != nil && p.FileData.FileURI != "" {
		data, mime, err := c.downloadFile(ctx, p.FileData.FileURI)
		if err != nil {
			return nil, err
		}
		format := p.FileData.MimeType
		if format == "" {
			format = mime
		}
		return &domain.Artifact{URL: p.FileData.FileURI, Data: data, Format: format, Length: len(data)}, nil
	}
	return nil, nil
}

func (c *Client) invoke(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("gemini: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gemini: build request: %w", err)
	}
	q := req.URL.Query()
	q.Set("key", c.apiKey)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gemini: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("gemini: read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var detail apiErrorResponse
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Error.Message != "" {
			return fmt.Errorf("gemini: status %d: %s", resp.StatusCode, detail.Error.Message)
		}
		return fmt.Errorf("gemini: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("gemini: decode response: %w", err)
	}
	return nil
}

func (c *Client) downloadFile(ctx context.Context, uri string) ([]byte, string, error) {
	target := uri
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(uri, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("gemini: build download request: %w", err)
	}
	q := req.URL.Query()
	q.Set("key", c.apiKey)
	req.URL.RawQuery = q.Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("gemini: download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("gemini: download status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("gemini: read file: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func buildPrompt(prompt, aspect string) string {
	var b strings.Builder
	b.WriteString(prompt)
	if aspect = strings.TrimSpace(aspect); aspect != "" {
		b.WriteString("\nAspect ratio: ")
		b.WriteString(aspect)
	}
	return b.String()
}

var _ providers.Synchronous = (*Client)(nil)
