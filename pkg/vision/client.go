// Package vision is a typed wrapper over the external image-AI endpoint.
// It owns auth-token caching, request construction, and retry/backoff; it
// never interprets the structured result — that is the caller's job.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shelfwise/flyer-pipeline/internal/resilience"
)

// defaultMinImageBytes rejects payloads too small to be a decodable image.
const defaultMinImageBytes = 512

// Client defines the vision API operations used by the pipeline.
type Client interface {
	// Call sends one prompt+image request tagged with the operation name
	// and returns the raw structured result.
	Call(ctx context.Context, req Request) (*Result, error)
}

// Request is a single vision API invocation.
type Request struct {
	// Prompt is the instruction text. Must be non-empty.
	Prompt string
	// Image is the raw image payload. Optional for text-only operations;
	// when present it must be at least the configured minimum length.
	Image []byte
	// OperationTag names the calling operation for diagnostics and for
	// RetriesExhausted errors ("region-detection", "image-generation", ...).
	OperationTag string
}

// GeneratedImage is one image produced by a generation operation.
type GeneratedImage struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

// Result is the uninterpreted structured response from the endpoint.
type Result struct {
	// Text is the concatenated text output (typically JSON the caller
	// parses behind its own validation boundary).
	Text string
	// Images holds generated image references, if the operation produced any.
	Images []GeneratedImage
	// ModelVersion echoes the upstream model identifier.
	ModelVersion string
	// Raw is the full response body for diagnostics.
	Raw json.RawMessage
}

// Config holds vision endpoint settings.
type Config struct {
	BaseURL       string
	AuthURL       string
	ClientID      string
	ClientSecret  string
	Model         string
	MinImageBytes int
	Retry         resilience.Policy
}

// HTTPClient implements Client against the HTTP endpoint.
type HTTPClient struct {
	cfg        Config
	httpClient *http.Client
	tokens     *tokenSource
	breaker    *resilience.Breaker
	retry      resilience.Policy
}

// NewHTTPClient creates a vision client. The retry policy's jitter applies
// only to quota errors; server errors back off deterministically.
func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.MinImageBytes <= 0 {
		cfg.MinImageBytes = defaultMinImageBytes
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = resilience.DefaultPolicy()
	}
	retry.Retryable = IsRetryable
	retry.JitterIf = func(err error) bool {
		var qe *QuotaError
		return errors.As(err, &qe)
	}
	retry.OnRetry = resilience.RetryLogger("vision", "call")

	httpClient := &http.Client{Timeout: 120 * time.Second}

	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		ShouldTrip: func(err error) bool {
			var se *ServerError
			return errors.As(err, &se) || resilience.IsTransient(err)
		},
		OnStateChange: func(from, to resilience.BreakerState) {
			zap.L().Warn("vision: circuit breaker state change",
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})

	return &HTTPClient{
		cfg:        cfg,
		httpClient: httpClient,
		tokens:     newTokenSource(cfg.AuthURL, cfg.ClientID, cfg.ClientSecret, httpClient),
		breaker:    breaker,
		retry:      retry,
	}
}

type apiRequest struct {
	Model     string `json:"model"`
	Operation string `json:"operation,omitempty"`
	Prompt    string `json:"prompt"`
	ImageData string `json:"image_data,omitempty"`
}

type apiResponse struct {
	ModelVersion string `json:"model_version"`
	Blocked      bool   `json:"blocked"`
	BlockReason  string `json:"block_reason,omitempty"`
	Candidates   []struct {
		Text string `json:"text"`
	} `json:"candidates"`
	Images []GeneratedImage `json:"images"`
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Call validates the request, then invokes the endpoint under the retry
// policy: 429 retries with jittered backoff, >=500 retries without jitter,
// any other HTTP error fails immediately. Exhausting the budget yields
// RetriesExhaustedError carrying the operation tag.
func (c *HTTPClient) Call(ctx context.Context, req Request) (*Result, error) {
	if req.Prompt == "" {
		return nil, &InvalidInputError{Reason: "empty prompt"}
	}
	if req.Image != nil && len(req.Image) < c.cfg.MinImageBytes {
		return nil, &InvalidInputError{Reason: "image payload below minimum length"}
	}

	result, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*Result, error) {
		var res *Result
		execErr := c.breaker.Execute(ctx, func(ctx context.Context) error {
			var callErr error
			res, callErr = c.doOnce(ctx, req)
			return callErr
		})
		return res, execErr
	})
	if err != nil {
		if IsRetryable(err) {
			return nil, &RetriesExhaustedError{Operation: req.OperationTag, Err: err}
		}
		return nil, err
	}
	return result, nil
}

// doOnce performs a single HTTP exchange and maps the status code onto the
// error taxonomy.
func (c *HTTPClient) doOnce(ctx context.Context, req Request) (*Result, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	body := apiRequest{
		Model:     c.cfg.Model,
		Operation: req.OperationTag,
		Prompt:    req.Prompt,
	}
	if req.Image != nil {
		body.ImageData = base64.StdEncoding.EncodeToString(req.Image)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, eris.Wrap(err, "vision: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/vision:process", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "vision: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "vision: http call"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "vision: read response")
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &QuotaError{StatusCode: resp.StatusCode, Body: truncate(respBody, 200)}
	case resp.StatusCode >= 500:
		return nil, &ServerError{StatusCode: resp.StatusCode, Body: truncate(respBody, 200)}
	case resp.StatusCode == http.StatusUnauthorized:
		// Token may have been revoked upstream; drop the cache so the next
		// operation re-authenticates. Still fails this call immediately.
		c.tokens.Invalidate()
		return nil, &ClientError{StatusCode: resp.StatusCode, Body: truncate(respBody, 200)}
	case resp.StatusCode != http.StatusOK:
		var ae apiError
		if json.Unmarshal(respBody, &ae) == nil && ae.Error.Code == "content_policy_violation" {
			return nil, &ContentPolicyError{Detail: ae.Error.Message}
		}
		return nil, &ClientError{StatusCode: resp.StatusCode, Body: truncate(respBody, 200)}
	}

	var ar apiResponse
	if err := json.Unmarshal(respBody, &ar); err != nil {
		return nil, eris.Wrap(err, "vision: unmarshal response")
	}

	if ar.Blocked {
		return nil, &ContentPolicyError{Detail: ar.BlockReason}
	}

	result := &Result{
		ModelVersion: ar.ModelVersion,
		Images:       ar.Images,
		Raw:          json.RawMessage(respBody),
	}
	for _, cand := range ar.Candidates {
		result.Text += cand.Text
	}
	return result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
