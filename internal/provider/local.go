package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Local streams turns through any Ollama-compatible local HTTP endpoint,
// for running experiments against self-hosted open models.
type Local struct {
	BaseProvider

	httpClient   *http.Client
	baseURL      string
	defaultModel string
	logger       *slog.Logger

	lastUsage Usage
}

// LocalConfig configures a Local provider instance.
type LocalConfig struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	Logger       *slog.Logger
}

// NewLocal constructs a Local provider pointed at an Ollama-compatible
// /api/chat endpoint. BaseURL defaults to http://localhost:11434.
func NewLocal(cfg LocalConfig) *Local {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Local{
		BaseProvider: NewBaseProvider("local"),
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		defaultModel: strings.TrimSpace(cfg.DefaultModel),
		logger:       cfg.Logger,
	}
}

func (p *Local) Name() string     { return "local" }
func (p *Local) LastUsage() Usage { return p.lastUsage }
func (p *Local) Cleanup() error   { return nil }

type localChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type localChatRequest struct {
	Model    string              `json:"model"`
	Stream   bool                `json:"stream"`
	Messages []localChatMessage  `json:"messages"`
	Options  map[string]any      `json:"options,omitempty"`
}

type localChatLine struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	EvalCount       int  `json:"eval_count"`
}

// Stream sends req to the local endpoint and streams the reply.
func (p *Local) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	model := p.model(req.Model)
	if model == "" {
		return nil, NewError("local", req.Model, errors.New("model is required"))
	}

	out := make(chan Chunk)

	go func() {
		defer close(out)

		var body io.ReadCloser
		err := p.Retry(ctx, func() error {
			resp, createErr := p.post(ctx, model, req)
			if createErr != nil {
				return createErr
			}
			body = resp
			return nil
		}, func(err error) ErrorKind {
			return ClassifyMessage(err.Error())
		})
		if err != nil {
			out <- Chunk{Err: NewError("local", model, err)}
			return
		}

		p.streamResponse(ctx, body, out, model)
	}()

	return out, nil
}

func (p *Local) post(ctx context.Context, model string, req Request) (io.ReadCloser, error) {
	messages := make([]localChatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, localChatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, localChatMessage{Role: m.Role, Content: m.Content})
	}

	payload := localChatRequest{Model: model, Stream: true, Messages: messages}
	if req.MaxTokens > 0 {
		payload.Options = map[string]any{"num_predict": req.MaxTokens}
	}
	if req.Temperature != nil {
		if payload.Options == nil {
			payload.Options = map[string]any{}
		}
		payload.Options["temperature"] = *req.Temperature
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, fmt.Errorf("local provider status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}
	return resp.Body, nil
}

func (p *Local) streamResponse(ctx context.Context, body io.ReadCloser, out chan<- Chunk, model string) {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- Chunk{Err: ctx.Err()}
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var parsed localChatLine
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue
		}
		if parsed.Message.Content != "" {
			out <- Chunk{Text: parsed.Message.Content}
		}
		if parsed.Done {
			p.lastUsage = Usage{
				PromptTokens:     parsed.PromptEvalCount,
				CompletionTokens: parsed.EvalCount,
				TotalTokens:      parsed.PromptEvalCount + parsed.EvalCount,
			}
			out <- Chunk{Done: true}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		out <- Chunk{Err: NewError("local", model, err)}
	}
}

func (p *Local) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}
