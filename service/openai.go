package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	OpenAIName         = "openai"
	openAIDefaultModel = "gpt-4o-mini"
)

// OpenAIConfig holds configuration for the OpenAI chat client
type OpenAIConfig struct {
	APIKey      string
	Model       string
	BaseURL     string // optional (tests)
	Temperature float64
	Timeout     time.Duration
	HTTPClient  *http.Client // optional (tests)
}

// OpenAIOracle implements Oracle on the chat completions API
type OpenAIOracle struct {
	client      openai.Client
	model       string
	temperature float64
}

func NewOpenAIOracle(cfg OpenAIConfig) *OpenAIOracle {
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		// retries are handled by RetryingOracle
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIOracle{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}
}

func (o *OpenAIOracle) Name() string  { return OpenAIName }
func (o *OpenAIOracle) Model() string { return o.model }

func (o *OpenAIOracle) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	start := time.Now()

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Prompt),
		},
		Temperature: openai.Float(o.temperature),
	}
	if req.Schema != nil {
		name := req.SchemaName
		if name == "" {
			name = req.Stage
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   name,
					Schema: req.Schema,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	text := resp.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("openai returned an empty response")
	}

	model := o.model
	if resp.Model != "" {
		model = resp.Model
	}
	return &Completion{
		Text:    text,
		Model:   model,
		Latency: time.Since(start),
	}, nil
}

func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &StatusError{Provider: OpenAIName, StatusCode: apiErr.StatusCode, Message: apiErr.Message}
	}
	return err
}
