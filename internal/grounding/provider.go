package grounding

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Provider enumerates all UI elements visible in a screenshot. Errors,
// including timeouts, are propagated verbatim: the caller decides whether to
// retry or ask for clarification, and a failure is never downgraded to a
// low-confidence guess.
type Provider interface {
	Name() string
	EnumerateElements(ctx context.Context, image []byte, contextID string) ([]parsedElement, error)
}

// HTTPProvider calls a screen-parser service over HTTP. The service accepts
// a base64 screenshot and replies with one dict literal per element; the
// response is converted by ParseElements before anything else sees it.
type HTTPProvider struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider builds a provider for the given endpoint. requestsPerSecond
// and burst bound the call rate across all sessions.
func NewHTTPProvider(endpoint, apiKey string, timeout time.Duration, requestsPerSecond float64, burst int, logger *zap.Logger) (*HTTPProvider, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("grounding provider endpoint is required")
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &HTTPProvider{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		logger:     logger.Named("grounding_provider"),
	}, nil
}

func (p *HTTPProvider) Name() string { return "screen-parser" }

type parseRequest struct {
	ImageBase64 string `json:"image_base64"`
	Context     string `json:"context,omitempty"`
}

func (p *HTTPProvider) EnumerateElements(ctx context.Context, image []byte, contextID string) ([]parsedElement, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter interrupted: %w", err)
	}

	body, err := json.Marshal(parseRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(image),
		Context:     contextID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal parse request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create parse request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("screen parser request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read screen parser response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("screen parser returned status %d: %s", resp.StatusCode, raw)
	}

	elements, err := ParseElements(string(raw))
	if err != nil {
		return nil, fmt.Errorf("screen parser response rejected: %w", err)
	}

	p.logger.Debug("Screen parsed",
		zap.Int("elements", len(elements)),
		zap.Duration("duration", time.Since(start)),
	)
	return elements, nil
}
