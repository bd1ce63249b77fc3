// internal/oracle/gemini.go
package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
)

// Gemini implements schemas.SemanticOracle and schemas.VisionOracle on the
// Google Gemini API.
type Gemini struct {
	client *genai.Client
	cfg    config.OracleConfig
	logger *zap.Logger

	// backoffFactory is swapped out by tests for faster retries.
	backoffFactory func() backoff.BackOff
}

var (
	_ schemas.SemanticOracle = (*Gemini)(nil)
	_ schemas.VisionOracle   = (*Gemini)(nil)
)

// Option adjusts the underlying client configuration.
type Option func(*genai.ClientConfig)

// WithBaseURL points the client at a different API host.
func WithBaseURL(url string) Option {
	return func(c *genai.ClientConfig) { c.HTTPOptions.BaseURL = url }
}

// WithHTTPClient replaces the transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *genai.ClientConfig) { c.HTTPClient = hc }
}

// NewGemini initializes the client. An API key is required.
func NewGemini(ctx context.Context, cfg config.OracleConfig, logger *zap.Logger, opts ...Option) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: Gemini API key is required", schemas.ErrConfiguration)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: oracle model is required", schemas.ErrConfiguration)
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	for _, opt := range opts {
		opt(cc)
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Gemini{
		client: client,
		cfg:    cfg,
		logger: logger.Named("oracle.gemini"),
		backoffFactory: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 2 * time.Minute
			b.MaxInterval = 30 * time.Second
			return b
		},
	}, nil
}

// generate sends one request and returns the response text. Transient
// failures are retried up to MaxRetries times; a 429 is returned at once as
// schemas.ErrRateLimited so the caller's gate can back off.
func (g *Gemini) generate(ctx context.Context, model, system string, parts []*genai.Part, wantJSON bool) (string, error) {
	temperature := g.cfg.Temperature
	gc := &genai.GenerateContentConfig{
		Temperature:       &temperature,
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
	}
	if wantJSON {
		gc.ResponseMIMEType = "application/json"
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	var text string
	var lastErr error
	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()

		start := time.Now()
		resp, err := g.client.Models.GenerateContent(callCtx, model, contents, gc)
		duration := time.Since(start)
		if err != nil {
			lastErr = classify(err)
			if ctx.Err() == nil && (errors.Is(lastErr, schemas.ErrTransient) || errors.Is(lastErr, schemas.ErrTimeout)) {
				g.logger.Warn("Oracle request failed, retrying...", zap.String("model", model), zap.Error(err))
				return lastErr
			}
			g.logger.Error("Oracle request failed.", zap.String("model", model), zap.Error(err))
			return backoff.Permanent(lastErr)
		}

		out, err := responseText(resp)
		if err != nil {
			lastErr = err
			if errors.Is(err, schemas.ErrTransient) {
				return err
			}
			return backoff.Permanent(err)
		}

		fields := []zap.Field{zap.String("model", model), zap.Duration("duration", duration)}
		if u := resp.UsageMetadata; u != nil {
			fields = append(fields,
				zap.Int32("prompt_tokens", u.PromptTokenCount),
				zap.Int32("completion_tokens", u.CandidatesTokenCount),
				zap.Int32("total_tokens", u.TotalTokenCount))
		}
		g.logger.Info("Oracle generation complete.", fields...)
		text = out
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(g.backoffFactory(), uint64(g.cfg.MaxRetries)), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		if lastErr != nil {
			return "", lastErr
		}
		return "", fmt.Errorf("%w: %v", schemas.ErrTimeout, err)
	}
	return text, nil
}

// responseText extracts the text of the first candidate.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("%w: empty response", schemas.ErrTransient)
	}
	if len(resp.Candidates) == 0 {
		if pf := resp.PromptFeedback; pf != nil && pf.BlockReason != "" {
			return "", fmt.Errorf("%w: prompt blocked (%s)", schemas.ErrMalformedResponse, pf.BlockReason)
		}
		return "", fmt.Errorf("%w: no candidates returned", schemas.ErrMalformedResponse)
	}
	cand := resp.Candidates[0]
	if cand.Content == nil || len(cand.Content.Parts) == 0 {
		switch cand.FinishReason {
		case genai.FinishReasonSafety, genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent:
			return "", fmt.Errorf("%w: response blocked (%s)", schemas.ErrMalformedResponse, cand.FinishReason)
		}
		return "", fmt.Errorf("%w: empty content (%s)", schemas.ErrTransient, cand.FinishReason)
	}
	var sb strings.Builder
	for _, p := range cand.Content.Parts {
		if p != nil && !p.Thought {
			sb.WriteString(p.Text)
		}
	}
	return sb.String(), nil
}

// classify maps client errors onto the shared sentinels.
func classify(err error) error {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}

	switch {
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("gemini: %w: %v", schemas.ErrRateLimited, err)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("gemini: %w: %v", schemas.ErrConfiguration, err)
	case code >= 500 || code == http.StatusRequestTimeout:
		return fmt.Errorf("gemini: %w: %v", schemas.ErrTransient, err)
	case code >= 400:
		return fmt.Errorf("gemini: %w: %v", schemas.ErrValidation, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("gemini: %w: %v", schemas.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	}
	return fmt.Errorf("gemini: %w: %v", schemas.ErrTransient, err)
}
