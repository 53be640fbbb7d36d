package provider

import (
	"context"
	"errors"
	"iter"
	"log/slog"

	"google.golang.org/genai"
)

// Google streams turns through the Gemini API. It never requests
// function calls; Pidgin conversations are plain text exchanges.
type Google struct {
	BaseProvider

	client       *genai.Client
	defaultModel string
	logger       *slog.Logger

	lastUsage Usage
}

// GoogleConfig configures a Google provider instance.
type GoogleConfig struct {
	APIKey       string
	DefaultModel string
	Logger       *slog.Logger
}

// NewGoogle constructs a Google provider. APIKey is required.
func NewGoogle(ctx context.Context, cfg GoogleConfig) (*Google, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, errors.New("google: failed to create client: " + err.Error())
	}

	return &Google{
		BaseProvider: NewBaseProvider("google"),
		client:       client,
		defaultModel: cfg.DefaultModel,
		logger:       cfg.Logger,
	}, nil
}

func (p *Google) Name() string     { return "google" }
func (p *Google) LastUsage() Usage { return p.lastUsage }
func (p *Google) Cleanup() error   { return nil }

// Stream sends req to Gemini and streams the reply.
func (p *Google) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	out := make(chan Chunk)
	model := p.model(req.Model)

	go func() {
		defer close(out)

		contents := p.convertMessages(req.Messages)
		config := p.buildConfig(req)

		err := p.Retry(ctx, func() error {
			iter := p.client.Models.GenerateContentStream(ctx, model, contents, config)
			return p.drainStream(ctx, iter, out)
		}, func(err error) ErrorKind {
			return ClassifyMessage(err.Error())
		})
		if err != nil {
			out <- Chunk{Err: NewError("google", model, err)}
			return
		}

		out <- Chunk{Done: true}
	}()

	return out, nil
}

func (p *Google) drainStream(ctx context.Context, streamIter iter.Seq2[*genai.GenerateContentResponse, error], out chan<- Chunk) error {
	var streamErr error
	for resp, err := range streamIter {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			return err
		}
		if resp == nil {
			continue
		}
		if resp.UsageMetadata != nil {
			p.lastUsage = Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
			}
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part != nil && part.Text != "" {
					out <- Chunk{Text: part.Text}
				}
			}
		}
	}
	return streamErr
}

func (p *Google) convertMessages(messages []Message) []*genai.Content {
	result := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		result = append(result, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}
	return result
}

func (p *Google) buildConfig(req Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		config.Temperature = &t
	}
	return config
}

func (p *Google) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}
