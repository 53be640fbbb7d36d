package provider

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// Bedrock streams turns through AWS Bedrock's Converse API, giving
// access to Claude, Titan, and Llama models hosted on AWS without a
// vendor-specific SDK for each.
type Bedrock struct {
	BaseProvider

	client       *bedrockruntime.Client
	defaultModel string
	logger       *slog.Logger

	lastUsage Usage
}

// BedrockConfig configures a Bedrock provider instance.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
	Logger          *slog.Logger
}

// NewBedrock constructs a Bedrock provider using explicit credentials if
// given, or the default AWS credential chain (env, IAM role) otherwise.
func NewBedrock(ctx context.Context, cfg BedrockConfig) (*Bedrock, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, errors.New("bedrock: failed to load AWS config: " + err.Error())
	}

	return &Bedrock{
		BaseProvider: NewBaseProvider("bedrock"),
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		logger:       cfg.Logger,
	}, nil
}

func (p *Bedrock) Name() string     { return "bedrock" }
func (p *Bedrock) LastUsage() Usage { return p.lastUsage }
func (p *Bedrock) Cleanup() error   { return nil }

// Stream sends req to Bedrock's Converse API and streams the reply.
func (p *Bedrock) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	out := make(chan Chunk)
	model := p.model(req.Model)

	converseReq := p.buildRequest(req, model)

	go func() {
		defer close(out)

		var stream *bedrockruntime.ConverseStreamOutput
		err := p.Retry(ctx, func() error {
			var createErr error
			stream, createErr = p.client.ConverseStream(ctx, converseReq)
			return createErr
		}, func(err error) ErrorKind {
			return ClassifyMessage(err.Error())
		})
		if err != nil {
			out <- Chunk{Err: NewError("bedrock", model, err)}
			return
		}

		p.processStream(ctx, stream, out, model)
	}()

	return out, nil
}

func (p *Bedrock) buildRequest(req Request, model string) *bedrockruntime.ConverseStreamInput {
	messages := make([]types.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			continue
		}
		role := types.ConversationRoleUser
		if m.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		messages = append(messages, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		})
	}

	in := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if req.System != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 {
		in.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxTokens))}
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		if in.InferenceConfig == nil {
			in.InferenceConfig = &types.InferenceConfiguration{}
		}
		in.InferenceConfig.Temperature = aws.Float32(t)
	}
	return in
}

func (p *Bedrock) processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, out chan<- Chunk, model string) {
	eventStream := stream.GetStream()
	defer eventStream.Close()

	eventChan := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			out <- Chunk{Err: ctx.Err()}
			return
		case event, ok := <-eventChan:
			if !ok {
				if err := eventStream.Err(); err != nil {
					out <- Chunk{Err: NewError("bedrock", model, err)}
				} else {
					out <- Chunk{Done: true}
				}
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				if delta, ok := ev.Value.Delta.(*types.ContentBlockDeltaMemberText); ok && delta.Value != "" {
					out <- Chunk{Text: delta.Value}
				}

			case *types.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					p.lastUsage = Usage{
						PromptTokens:     int(aws.ToInt32(ev.Value.Usage.InputTokens)),
						CompletionTokens: int(aws.ToInt32(ev.Value.Usage.OutputTokens)),
						TotalTokens:      int(aws.ToInt32(ev.Value.Usage.TotalTokens)),
					}
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				out <- Chunk{Done: true}
				return
			}
		}
	}
}

func (p *Bedrock) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}
