package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI streams turns through the Chat Completions API. It never
// requests tool calls; Pidgin conversations are plain text exchanges.
type OpenAI struct {
	BaseProvider

	client       *openai.Client
	defaultModel string
	logger       *slog.Logger

	lastUsage Usage
}

// OpenAIConfig configures an OpenAI provider instance.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Logger       *slog.Logger
}

// NewOpenAI constructs an OpenAI provider. APIKey is required.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAI{
		BaseProvider: NewBaseProvider("openai"),
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: cfg.DefaultModel,
		logger:       cfg.Logger,
	}, nil
}

func (p *OpenAI) Name() string     { return "openai" }
func (p *OpenAI) LastUsage() Usage { return p.lastUsage }
func (p *OpenAI) Cleanup() error   { return nil }

// Stream sends req to the model and streams the reply.
func (p *OpenAI) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	out := make(chan Chunk)

	chatReq := p.buildRequest(req)

	go func() {
		defer close(out)

		var stream *openai.ChatCompletionStream
		err := p.Retry(ctx, func() error {
			var createErr error
			stream, createErr = p.client.CreateChatCompletionStream(ctx, chatReq)
			return createErr
		}, func(err error) ErrorKind {
			return ClassifyMessage(err.Error())
		})
		if err != nil {
			out <- Chunk{Err: NewError("openai", p.model(req.Model), err)}
			return
		}

		p.processStream(ctx, stream, out, p.model(req.Model))
	}()

	return out, nil
}

func (p *OpenAI) buildRequest(req Request) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    p.model(req.Model),
		Messages: messages,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	return chatReq
}

func (p *OpenAI) processStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- Chunk, model string) {
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			out <- Chunk{Err: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				out <- Chunk{Done: true}
				return
			}
			out <- Chunk{Err: NewError("openai", model, err)}
			return
		}

		if resp.Usage != nil {
			p.lastUsage = Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}

		if len(resp.Choices) == 0 {
			continue
		}
		if text := resp.Choices[0].Delta.Content; text != "" {
			out <- Chunk{Text: text}
		}
	}
}

func (p *OpenAI) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}
