/*
PURPOSE:
  AWS Bedrock model service over the Converse API.

REQUIREMENTS:
  User-specified:
  - initialize / isReady / invoke / stream against Bedrock foundation models.
  - Tool configuration is passed through when tool execution is on.

  Implementation-discovered:
  - Credentials come from the default AWS chain (profile / env / role).
  - ListFoundationModels lives in the control-plane client, not runtime.

ARCHITECTURE INTEGRATION:
  - Called by: internal/cli
  - Uses: aws-sdk-go-v2 (config, bedrock, bedrockruntime)
*/

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrock/types"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/daryltucker/prompt-harness/internal/config"
	"github.com/daryltucker/prompt-harness/internal/model"
	"github.com/daryltucker/prompt-harness/internal/output"
	"github.com/daryltucker/prompt-harness/internal/toolexec"
)

// ConverseAPI is the part of the bedrockruntime client the invoker uses.
type ConverseAPI interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, in *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// FoundationModelsAPI lists models.
type FoundationModelsAPI interface {
	ListFoundationModels(ctx context.Context, in *bedrock.ListFoundationModelsInput, optFns ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error)
}

// BedrockInvoker implements Invoker with the Bedrock Converse API.
type BedrockInvoker struct {
	cfg     config.BedrockConfig
	runtime ConverseAPI
	control FoundationModelsAPI
	ready   atomic.Bool
}

// NewBedrockInvoker creates an invoker; clients are built by Initialize.
func NewBedrockInvoker(cfg config.BedrockConfig) *BedrockInvoker {
	return &BedrockInvoker{cfg: cfg}
}

// NewBedrockInvokerWithClients uses the given clients. Initialize only marks
// the invoker ready.
func NewBedrockInvokerWithClients(runtime ConverseAPI, control FoundationModelsAPI) *BedrockInvoker {
	return &BedrockInvoker{runtime: runtime, control: control}
}

func (b *BedrockInvoker) Initialize(ctx context.Context) error {
	if b.runtime == nil {
		var opts []func(*awsconfig.LoadOptions) error
		if b.cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(b.cfg.Region))
		}
		if b.cfg.Profile != "" {
			opts = append(opts, awsconfig.WithSharedConfigProfile(b.cfg.Profile))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return fmt.Errorf("failed to load AWS configuration: %w", err)
		}
		if _, err := awsCfg.Credentials.Retrieve(ctx); err != nil {
			return fmt.Errorf("no usable AWS credentials: %w", err)
		}
		b.runtime = bedrockruntime.NewFromConfig(awsCfg)
		b.control = bedrock.NewFromConfig(awsCfg)
		output.Logger.Info("Bedrock client initialized", "region", awsCfg.Region)
	}
	b.ready.Store(true)
	return nil
}

func (b *BedrockInvoker) Ready() bool { return b.ready.Load() }

// ListModels returns text-output foundation model ids.
func (b *BedrockInvoker) ListModels(ctx context.Context) ([]string, error) {
	if b.control == nil {
		return nil, ErrNotReady
	}
	out, err := b.control.ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{
		ByOutputModality: bedrocktypes.ModelModalityText,
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.ModelSummaries))
	for _, m := range out.ModelSummaries {
		ids = append(ids, aws.ToString(m.ModelId))
	}
	return ids, nil
}

func (b *BedrockInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	if !b.Ready() {
		return Response{}, ErrNotReady
	}
	out, err := b.runtime.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:    aws.String(req.ModelID),
		Messages:   toBedrockMessages(req.Conversation()),
		System:     systemBlocks(req.SystemPrompt),
		ToolConfig: toolConfig(req.Tools),
	})
	if err != nil {
		return Response{}, err
	}

	resp := Response{StopReason: string(out.StopReason), Usage: fromTokenUsage(out.Usage)}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return resp, errors.New("bedrock returned no message")
	}
	resp.Text, resp.ToolCalls = fromContent(msg.Value.Content)
	return resp, nil
}

// eventReader is satisfied by *bedrockruntime.ConverseStreamEventStream.
type eventReader interface {
	Events() <-chan types.ConverseStreamOutput
	Close() error
	Err() error
}

func (b *BedrockInvoker) Stream(ctx context.Context, req Request) (Stream, error) {
	if !b.Ready() {
		return nil, ErrNotReady
	}
	out, err := b.runtime.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:    aws.String(req.ModelID),
		Messages:   toBedrockMessages(req.Conversation()),
		System:     systemBlocks(req.SystemPrompt),
		ToolConfig: toolConfig(req.Tools),
	})
	if err != nil {
		return nil, err
	}
	return streamEvents(ctx, out.GetStream()), nil
}

func streamEvents(ctx context.Context, events eventReader) Stream {
	return newChanStream(ctx, func(ctx context.Context, emit func(Chunk) bool) error {
		defer events.Close()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-events.Events():
				if !ok {
					return events.Err()
				}
				switch v := ev.(type) {
				case *types.ConverseStreamOutputMemberContentBlockDelta:
					if d, ok := v.Value.Delta.(*types.ContentBlockDeltaMemberText); ok && d.Value != "" {
						if !emit(Chunk{Text: d.Value, Tokens: 1}) {
							return ctx.Err()
						}
					}
				case *types.ConverseStreamOutputMemberMetadata:
					if v.Value.Usage != nil {
						u := fromTokenUsage(v.Value.Usage)
						if !emit(Chunk{Usage: &u}) {
							return ctx.Err()
						}
					}
				}
			}
		}
	})
}

func toBedrockMessages(msgs []toolexec.Message) []types.Message {
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		role := types.ConversationRoleUser
		if m.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		var content []types.ContentBlock
		if m.Text != "" {
			content = append(content, &types.ContentBlockMemberText{Value: m.Text})
		}
		for _, c := range m.ToolCalls {
			content = append(content, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
				ToolUseId: aws.String(c.ID),
				Name:      aws.String(c.Name),
				Input:     document.NewLazyDocument(c.Input),
			}})
		}
		for _, r := range m.ToolResults {
			status := types.ToolResultStatusSuccess
			text := r.Output
			if r.Error != "" {
				status = types.ToolResultStatusError
				text = r.Error
			}
			content = append(content, &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
				ToolUseId: aws.String(r.ID),
				Status:    status,
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: text}},
			}})
		}
		out = append(out, types.Message{Role: role, Content: content})
	}
	return out
}

func systemBlocks(prompt string) []types.SystemContentBlock {
	if prompt == "" {
		return nil
	}
	return []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: prompt}}
}

func toolConfig(defs []config.ToolDefinition) *types.ToolConfiguration {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]types.Tool, 0, len(defs))
	for _, d := range defs {
		schema := d.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		tools = append(tools, &types.ToolMemberToolSpec{Value: types.ToolSpecification{
			Name:        aws.String(d.Name),
			Description: aws.String(d.Description),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
		}})
	}
	return &types.ToolConfiguration{Tools: tools}
}

func fromContent(blocks []types.ContentBlock) (string, []model.ToolCall) {
	var text string
	var calls []model.ToolCall
	for _, blk := range blocks {
		switch v := blk.(type) {
		case *types.ContentBlockMemberText:
			text += v.Value
		case *types.ContentBlockMemberToolUse:
			call := model.ToolCall{ID: aws.ToString(v.Value.ToolUseId), Name: aws.ToString(v.Value.Name)}
			if v.Value.Input != nil {
				var in map[string]any
				if err := v.Value.Input.UnmarshalSmithyDocument(&in); err != nil {
					output.Logger.Warn("Could not decode tool input", "tool", call.Name, "error", err)
				}
				call.Input = in
			}
			calls = append(calls, call)
		}
	}
	return text, calls
}

func fromTokenUsage(u *types.TokenUsage) model.Usage {
	if u == nil {
		return model.Usage{}
	}
	return model.Usage{
		InputTokens:  int(aws.ToInt32(u.InputTokens)),
		OutputTokens: int(aws.ToInt32(u.OutputTokens)),
		TotalTokens:  int(aws.ToInt32(u.TotalTokens)),
	}
}
