package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"adpilot/internal/config"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrTextGenerationUnavailable 未配置 API Key 时返回
var ErrTextGenerationUnavailable = errors.New("text generation is not configured")

// GenerateOptions 文本生成参数
type GenerateOptions struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// TextGenerator is the opaque text-generation capability used by the council.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// OpenAITextGenerator 基于 OpenAI 兼容接口的文本生成
type OpenAITextGenerator struct {
	client       *openai.Client
	enabled      bool
	defaultModel string
	maxTokens    int
	logger       *logrus.Logger
}

func NewOpenAITextGenerator(cfg config.OpenAIConfig, logger *logrus.Logger) *OpenAITextGenerator {
	if logger == nil {
		logger = logrus.New()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	clientCfg.HTTPClient = &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	return &OpenAITextGenerator{
		client:       openai.NewClientWithConfig(clientCfg),
		enabled:      cfg.APIKey != "",
		defaultModel: cfg.Model,
		maxTokens:    cfg.MaxTokens,
		logger:       logger,
	}
}

func (g *OpenAITextGenerator) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	if !g.enabled {
		return "", ErrTextGenerationUnavailable
	}
	model := opts.Model
	if model == "" {
		model = g.defaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = g.maxTokens
	}

	ctx, span := otel.Tracer("adpilot.ai").Start(ctx, "OpenAITextGenerator.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", model),
		attribute.Int("prompt.length", len(prompt)),
	)

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You moderate an advisory council for marketing automation decisions."},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: float32(opts.Temperature),
		MaxTokens:   maxTokens,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		g.logger.Warnf("text generation failed: model=%s err=%v", model, err)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		span.SetStatus(codes.Error, "no response choices")
		return "", fmt.Errorf("chat completion: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

var _ TextGenerator = (*OpenAITextGenerator)(nil)
