package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	GeminiName         = "gemini"
	geminiDefaultModel = "gemini-2.0-flash"
)

// GeminiConfig holds configuration for the Gemini client
type GeminiConfig struct {
	APIKey      string
	Model       string
	BaseURL     string // optional (tests)
	Temperature float64
	HTTPClient  *http.Client // optional (tests)
}

// GeminiOracle implements Oracle on the Gemini API
type GeminiOracle struct {
	client      *genai.Client
	model       string
	temperature float32
}

func NewGeminiOracle(ctx context.Context, cfg GeminiConfig) (*GeminiOracle, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = geminiDefaultModel
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiOracle{
		client:      client,
		model:       cfg.Model,
		temperature: float32(cfg.Temperature),
	}, nil
}

func (g *GeminiOracle) Name() string  { return GeminiName }
func (g *GeminiOracle) Model() string { return g.model }

func (g *GeminiOracle) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	start := time.Now()

	gc := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(g.temperature),
	}
	if req.Schema != nil {
		gc.ResponseMIMEType = "application/json"
		gc.ResponseJsonSchema = req.Schema
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(req.Prompt), gc)
	if err != nil {
		return nil, mapGeminiError(err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("gemini returned an empty response")
	}

	model := g.model
	if resp.ModelVersion != "" {
		model = resp.ModelVersion
	}
	return &Completion{
		Text:    text,
		Model:   model,
		Latency: time.Since(start),
	}, nil
}

func mapGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &StatusError{Provider: GeminiName, StatusCode: apiErr.Code, Message: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return &StatusError{Provider: GeminiName, StatusCode: apiErrPtr.Code, Message: apiErrPtr.Message}
	}
	return err
}
