package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ronvwieringen/AIbookReview/config"
	"github.com/ronvwieringen/AIbookReview/pkg/logger"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrOracleUnavailable is returned when no generative backend is configured
var ErrOracleUnavailable = errors.New("oracle unavailable")

// CompletionRequest is one prompt sent to the oracle
type CompletionRequest struct {
	Stage      string
	Prompt     string
	Schema     map[string]any // nil requests free-form text
	SchemaName string
}

// Completion is the oracle's answer
type Completion struct {
	Text    string
	Model   string
	Latency time.Duration
}

// Oracle is a text-generation backend
type Oracle interface {
	Name() string
	Model() string
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}

// StatusError is an HTTP-level failure reported by a provider
type StatusError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error (status %d)", e.Provider, e.StatusCode)
}

// Temporary reports whether the request may succeed if repeated
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// NewOracle builds the provider named in cfg wrapped with retries. Without an
// API key it returns an oracle that always reports ErrOracleUnavailable, so
// every stage falls back to its defaults.
func NewOracle(ctx context.Context, cfg config.OracleConfig) (Oracle, error) {
	if cfg.APIKey == "" {
		return &unavailableOracle{provider: cfg.Provider, model: cfg.Model}, nil
	}

	var (
		inner Oracle
		err   error
	)
	switch cfg.Provider {
	case "gemini":
		inner, err = NewGeminiOracle(ctx, GeminiConfig{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			BaseURL:     cfg.BaseURL,
			Temperature: cfg.SamplingTemperature(),
		})
	case "openai":
		inner = NewOpenAIOracle(OpenAIConfig{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			BaseURL:     cfg.BaseURL,
			Temperature: cfg.SamplingTemperature(),
			Timeout:     cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	return NewRetryingOracle(inner, cfg.MaxAttempts, cfg.RetryDelay, cfg.Timeout), nil
}

type unavailableOracle struct {
	provider string
	model    string
}

func (u *unavailableOracle) Name() string  { return u.provider }
func (u *unavailableOracle) Model() string { return u.model }

func (u *unavailableOracle) Complete(context.Context, *CompletionRequest) (*Completion, error) {
	return nil, ErrOracleUnavailable
}

// RetryingOracle retries transient failures of the wrapped oracle and bounds
// each attempt with a timeout.
type RetryingOracle struct {
	inner    Oracle
	attempts uint
	delay    time.Duration
	timeout  time.Duration
}

func NewRetryingOracle(inner Oracle, attempts int, delay, timeout time.Duration) *RetryingOracle {
	if attempts < 1 {
		attempts = 1
	}
	return &RetryingOracle{
		inner:    inner,
		attempts: uint(attempts),
		delay:    delay,
		timeout:  timeout,
	}
}

func (r *RetryingOracle) Name() string  { return r.inner.Name() }
func (r *RetryingOracle) Model() string { return r.inner.Model() }

func (r *RetryingOracle) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	var out *Completion
	attempt := 0
	err := retry.Do(
		func() error {
			attempt++
			callCtx := ctx
			if r.timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, r.timeout)
				defer cancel()
			}
			start := time.Now()
			c, err := r.inner.Complete(callCtx, req)
			if err != nil {
				logger.Warn(ctx, "oracle call failed",
					"provider", r.inner.Name(),
					"stage", req.Stage,
					"attempt", attempt,
					"error", err,
				)
				return err
			}
			if c.Latency == 0 {
				c.Latency = time.Since(start)
			}
			logger.Debug(ctx, "oracle call completed",
				"provider", r.inner.Name(),
				"stage", req.Stage,
				"latency_ms", c.Latency.Milliseconds(),
			)
			out = c
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(r.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func isRetryable(err error) bool {
	if errors.Is(err, ErrOracleUnavailable) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

var compiledSchemas sync.Map // schema name -> *jsonschema.Schema

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if s, ok := compiledSchemas.Load(name); ok {
		return s.(*jsonschema.Schema), nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize schema %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to load schema %s: %w", name, err)
	}
	compiled, err := compiler.Compile(name + ".json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	compiledSchemas.Store(name, compiled)
	return compiled, nil
}

// decodeStructured parses oracle output as JSON, validates it against schema
// and decodes it into out.
func decodeStructured(content, name string, schema map[string]any, out any) error {
	parsed, err := parseStructuredJSON(content)
	if err != nil {
		return err
	}

	compiled, err := compileSchema(name, schema)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(parsed, &doc); err != nil {
		return fmt.Errorf("failed to decode structured JSON for validation: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("structured output does not match schema: %w", err)
	}

	return json.Unmarshal(parsed, out)
}

// parseStructuredJSON parses JSON from model output, recovering from markdown
// code fences and surrounding prose.
func parseStructuredJSON(content string) (json.RawMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("empty structured output")
	}

	candidates := []string{content}
	if stripped := stripCodeFences(content); stripped != "" {
		candidates = append(candidates, stripped)
	}
	if extracted := extractJSONObject(content); extracted != "" {
		candidates = append(candidates, extracted)
	}

	for _, candidate := range candidates {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(candidate), &parsed); err == nil {
			return json.RawMessage(candidate), nil
		}
	}
	return nil, fmt.Errorf("failed to parse structured JSON")
}

func stripCodeFences(content string) string {
	if !strings.HasPrefix(content, "```") {
		return ""
	}
	lines := strings.Split(content, "\n")
	if len(lines) < 2 {
		return ""
	}
	lines = lines[1:]
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func extractJSONObject(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return ""
	}
	return content[start : end+1]
}
