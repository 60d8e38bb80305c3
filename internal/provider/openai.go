package provider

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"docrelay/internal/domain"
)

// OpenAI implements domain.Completer for OpenAI-compatible chat completion APIs.
type OpenAI struct {
	name   string
	model  string
	client *openai.Client
	logger *slog.Logger
}

type OpenAIConfig struct {
	Name    string
	APIKey  string
	APIBase string
	Model   string
	Logger  *slog.Logger
	Client  *http.Client
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = "gpt-4.1-mini"
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	return &OpenAI{
		name:   cfg.Name,
		model:  cfg.Model,
		client: newOpenAIClient(cfg.APIBase, cfg.APIKey, cfg.Client),
		logger: cfg.Logger,
	}
}

func (o *OpenAI) Name() string { return o.name }

func (o *OpenAI) Healthy(ctx context.Context) error {
	if _, err := o.client.ListModels(ctx); err != nil {
		switch apiStatus(err) {
		case 0:
			return fmt.Errorf("%s not reachable: %w", o.name, err)
		case http.StatusUnauthorized:
			return fmt.Errorf("%s: invalid API key", o.name)
		default:
			return wrapAPIError(o.name, err)
		}
	}
	return nil
}

// samplingTemperature maps the configured temperature onto the wire value.
// go-openai drops a zero temperature, which the API reads as 1.0.
func samplingTemperature(t float64) float32 {
	if t <= 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}

// Complete sends one chat completion request. Failures are returned as-is;
// the caller classifies them.
func (o *OpenAI) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.Completion, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: samplingTemperature(req.Temperature),
	})
	if err != nil {
		return nil, wrapAPIError(o.name+" completion", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: response has no choices", o.name)
	}

	choice := resp.Choices[0]
	out := &domain.Completion{
		Text:         strings.TrimSpace(choice.Message.Content),
		FinishReason: string(choice.FinishReason),
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}
	o.logger.Debug("completion received",
		"provider", o.name,
		"model", model,
		"finish", out.FinishReason,
		"tokens", out.Usage.TotalTokens,
		"latency_ms", out.LatencyMs,
	)
	return out, nil
}
