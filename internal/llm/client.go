// Package llm invokes the model for extraction calls with retry, rate
// limiting and reply parsing.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/docextract/internal/model"
	"github.com/sells-group/docextract/internal/parse"
	"github.com/sells-group/docextract/internal/prompt"
	"github.com/sells-group/docextract/internal/resilience"
	"github.com/sells-group/docextract/pkg/anthropic"
)

// ClientError is returned when a call fails for good, either on a fatal
// error or after retries run out. Cause is the last underlying error.
type ClientError struct {
	Kind     resilience.ErrorKind
	Attempts int
	Cause    error
	// Raw is the last reply received, if any.
	Raw string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("llm: %s after %d attempt(s): %v", e.Kind, e.Attempts, e.Cause)
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// Options configures a Client.
type Options struct {
	Retry resilience.RetryConfig
	// Limiter throttles calls; nil means unlimited.
	Limiter *resilience.AdaptiveLimiter
}

// Client sends prompts to the model. Every call is a real round trip.
type Client struct {
	api     anthropic.Client
	retry   resilience.RetryConfig
	limiter *resilience.AdaptiveLimiter
}

// New creates a Client over an Anthropic API client.
func New(api anthropic.Client, opts Options) *Client {
	retry := opts.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("anthropic", "create_message")
	}
	return &Client{api: api, retry: retry, limiter: opts.Limiter}
}

// Render substitutes the document text into the prompt. When the prompt has
// no placeholder the text is appended.
func Render(promptText, documentText string) string {
	if strings.Contains(promptText, prompt.DocumentPlaceholder) {
		return strings.ReplaceAll(promptText, prompt.DocumentPlaceholder, documentText)
	}
	return promptText + "\n\n" + documentText
}

// Extract runs one extraction call and parses the reply. A reply that cannot
// be parsed is retried at most MaxParseRetries times.
func (c *Client) Extract(ctx context.Context, promptText string, cfg model.ModelConfig, documentText string) (parse.Result, error) {
	req := messageRequest("", Render(promptText, documentText), cfg)

	var lastRaw string
	res, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) (parse.Result, error) {
		raw, err := c.call(ctx, req, "extract")
		if err != nil {
			return parse.Result{}, err
		}
		lastRaw = raw
		res := parse.ParseExtractionResponse(raw)
		if !res.Parsed {
			return res, &resilience.ParseError{Raw: raw}
		}
		return res, nil
	})
	if err != nil {
		return parse.Result{Raw: lastRaw, Confidence: parse.DefaultConfidence}, clientError(err, lastRaw)
	}
	return res, nil
}

// Complete runs a free-form call and returns the reply text.
func (c *Client) Complete(ctx context.Context, system, user string, cfg model.ModelConfig) (string, error) {
	req := messageRequest(system, user, cfg)
	text, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) (string, error) {
		return c.call(ctx, req, "complete")
	})
	if err != nil {
		return "", clientError(err, "")
	}
	return text, nil
}

func (c *Client) call(ctx context.Context, req anthropic.MessageRequest, phase string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	resp, err := c.api.CreateMessage(ctx, req)
	if err != nil {
		if resilience.Classify(err) == resilience.KindRateLimited {
			c.limiter.OnRateLimit()
		}
		return "", err
	}
	c.limiter.OnSuccess()
	if resp == nil {
		return "", nil
	}
	resp.Usage.LogCost(req.Model, phase)
	return resp.Text(), nil
}

func messageRequest(system, user string, cfg model.ModelConfig) anthropic.MessageRequest {
	name := cfg.Model
	if name == "" {
		name = prompt.DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 500
	}
	temp := cfg.Temperature
	return anthropic.MessageRequest{
		Model:       name,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    []anthropic.Message{{Role: "user", Content: user}},
		Temperature: &temp,
	}
}

func clientError(err error, raw string) error {
	var ae *resilience.AttemptError
	if errors.As(err, &ae) {
		zap.L().Debug("llm: call failed",
			zap.Stringer("kind", ae.Kind),
			zap.Int("attempts", ae.Attempts),
			zap.Error(ae.Err),
		)
		return &ClientError{Kind: ae.Kind, Attempts: ae.Attempts, Cause: ae.Err, Raw: raw}
	}
	return &ClientError{Kind: resilience.KindFatal, Attempts: 1, Cause: err, Raw: raw}
}
