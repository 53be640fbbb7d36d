package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// Anthropic streams turns through Claude models. It supports extended
// thinking but never tool use: Pidgin conversations are plain agent-to-
// agent text exchanges.
type Anthropic struct {
	BaseProvider

	client       anthropic.Client
	defaultModel string
	logger       *slog.Logger

	lastUsage Usage
}

// AnthropicConfig configures an Anthropic provider instance.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Logger       *slog.Logger
}

// NewAnthropic constructs an Anthropic provider. APIKey is required.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Anthropic{
		BaseProvider: NewBaseProvider("anthropic"),
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		logger:       cfg.Logger,
	}, nil
}

func (p *Anthropic) Name() string      { return "anthropic" }
func (p *Anthropic) LastUsage() Usage  { return p.lastUsage }
func (p *Anthropic) Cleanup() error    { return nil }

// Stream sends req to Claude and streams the reply.
func (p *Anthropic) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	out := make(chan Chunk)

	go func() {
		defer close(out)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		err := p.Retry(ctx, func() error {
			var createErr error
			stream, createErr = p.createStream(ctx, req)
			return createErr
		}, func(err error) ErrorKind {
			pe := p.wrapError(err, p.model(req.Model))
			var provErr *ProviderError
			if errors.As(pe, &provErr) {
				return provErr.Kind
			}
			return ErrorUnknown
		})
		if err != nil {
			out <- Chunk{Err: p.wrapError(err, p.model(req.Model))}
			return
		}

		p.processStream(stream, out, p.model(req.Model))
	}()

	return out, nil
}

func (p *Anthropic) createStream(ctx context.Context, req Request) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages := p.convertMessages(req.Messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		Messages:  messages,
		MaxTokens: int64(p.maxTokens(req.MaxTokens)),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	if req.EnableThinking {
		budget := int64(req.ThinkingBudget)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

const maxEmptyStreamEvents = 300

func (p *Anthropic) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- Chunk, model string) {
	inThinking := false
	emptyCount := 0
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				inputTokens = int(ms.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			cbs := event.AsContentBlockStart()
			if cbs.ContentBlock.Type == "thinking" {
				inThinking = true
				out <- Chunk{ThinkingStart: true}
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- Chunk{Text: delta.Text}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					out <- Chunk{Thinking: delta.Thinking}
					processed = true
				}
			}

		case "content_block_stop":
			if inThinking {
				out <- Chunk{ThinkingEnd: true}
				inThinking = false
				processed = true
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			p.lastUsage = Usage{PromptTokens: inputTokens, CompletionTokens: outputTokens, TotalTokens: inputTokens + outputTokens}
			out <- Chunk{Done: true}
			return

		case "error":
			out <- Chunk{Err: p.wrapError(errors.New("anthropic stream error"), model)}
			return
		}

		if processed {
			emptyCount = 0
		} else {
			emptyCount++
			if emptyCount >= maxEmptyStreamEvents {
				out <- Chunk{Err: p.wrapError(fmt.Errorf("stream appears malformed after %d empty events", emptyCount), model)}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		out <- Chunk{Err: p.wrapError(err, model)}
	}
}

func (p *Anthropic) convertMessages(messages []Message) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(block))
		} else {
			result = append(result, anthropic.NewUserMessage(block))
		}
	}
	return result
}

func (p *Anthropic) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}

func (p *Anthropic) maxTokens(requested int) int {
	if requested <= 0 {
		return 4096
	}
	return requested
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *Anthropic) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if pe, ok := AsProviderError(err); ok {
		return pe
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe := NewError("anthropic", model, err).WithStatus(apiErr.StatusCode)

		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					pe = pe.WithMessage(payload.Error.Message)
				}
				if payload.Error.Type != "" {
					pe = pe.WithCode(payload.Error.Type)
				}
			}
		}
		if pe.Message == "" {
			pe.Message = "anthropic request failed"
		}
		return pe
	}

	return NewError("anthropic", model, err)
}
