package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"go.uber.org/zap"

	"github.com/quillshell/quill/internal/conversation"
	"github.com/quillshell/quill/internal/tool"
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	// APIKey authenticates against the Anthropic API (required).
	APIKey string

	// Model is the model ID; empty selects the default.
	Model string

	// MaxTokens caps a single response; zero means 4096.
	MaxTokens int

	// System is the system prompt sent with every request.
	System string

	// BaseURL overrides the API endpoint, used by tests.
	BaseURL string
}

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096
)

// AnthropicProvider implements Provider over the Anthropic streaming API.
// Safe for concurrent use; every CompleteStream call owns an independent
// stream and goroutine.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	system    string
	logger    *zap.Logger
}

// NewAnthropicProvider validates the config and builds the SDK client.
func NewAnthropicProvider(cfg AnthropicConfig, logger *zap.Logger) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
		system:    cfg.System,
		logger:    logger,
	}, nil
}

// CompleteStream sends the transcript and the tool catalog and returns the
// chunk stream. The channel closes after EndOfTurn or an error chunk.
func (p *AnthropicProvider) CompleteStream(ctx context.Context, transcript []conversation.Turn, catalog []*tool.Definition) (<-chan Chunk, error) {
	messages, err := convertTranscript(transcript)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert transcript: %w", err)
	}
	if len(messages) == 0 {
		return nil, errors.New("anthropic: empty transcript")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		Messages:  messages,
		MaxTokens: p.maxTokens,
	}
	if p.system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: p.system}}
	}
	if len(catalog) > 0 {
		tools, err := convertCatalog(catalog)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		p.processStream(ctx, stream, chunks)
	}()
	return chunks, nil
}

// send delivers a chunk unless the consumer has gone away.
func send(ctx context.Context, chunks chan<- Chunk, c Chunk) bool {
	select {
	case chunks <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// processStream converts Anthropic SSE events into chunks. Tool-call
// arguments arrive as input_json_delta fragments; they are accumulated and
// the complete call is emitted only at content_block_stop.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- Chunk) {
	var current *ToolCall
	var currentInput strings.Builder

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				current = &ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !send(ctx, chunks, Chunk{TextDelta: delta.Text}) {
						return
					}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if current != nil {
				args := currentInput.String()
				if args == "" {
					args = "{}"
				}
				current.Arguments = json.RawMessage(args)
				if !send(ctx, chunks, Chunk{ToolCall: current}) {
					return
				}
				current = nil
			}

		case "message_stop":
			send(ctx, chunks, Chunk{EndOfTurn: true})
			return

		case "error":
			send(ctx, chunks, Chunk{Err: errors.New("anthropic: stream error")})
			return
		}
	}

	if err := stream.Err(); err != nil {
		p.logger.Warn("model stream failed", zap.Error(err))
		send(ctx, chunks, Chunk{Err: err})
		return
	}
	// Stream ended without message_stop; treat it as end of turn.
	send(ctx, chunks, Chunk{EndOfTurn: true})
}

// convertTranscript maps the turn log onto Anthropic messages: tool calls
// ride in the preceding assistant message, tool results are grouped into the
// following user message.
func convertTranscript(turns []conversation.Turn) ([]anthropic.MessageParam, error) {
	var messages []anthropic.MessageParam
	var assistant []anthropic.ContentBlockParamUnion
	var results []anthropic.ContentBlockParamUnion

	flushAssistant := func() {
		if len(assistant) > 0 {
			messages = append(messages, anthropic.NewAssistantMessage(assistant...))
			assistant = nil
		}
	}
	flushResults := func() {
		if len(results) > 0 {
			messages = append(messages, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, t := range turns {
		switch t.Kind {
		case conversation.KindUserMessage:
			flushAssistant()
			flushResults()
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Text)))

		case conversation.KindAssistantMessage:
			flushAssistant()
			flushResults()
			if t.Text != "" {
				assistant = append(assistant, anthropic.NewTextBlock(t.Text))
			}

		case conversation.KindToolCall:
			flushResults()
			var input map[string]any
			args := t.Arguments
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call arguments for %s: %w", t.CallID, err)
			}
			assistant = append(assistant, anthropic.NewToolUseBlock(t.CallID, input, t.Name))

		case conversation.KindToolResult:
			flushAssistant()
			content := t.Payload
			isError := t.Status != conversation.StatusOK
			if isError {
				content = t.ErrorDetail
			}
			results = append(results, anthropic.NewToolResultBlock(t.CallID, content, isError))
		}
	}
	flushAssistant()
	flushResults()
	return messages, nil
}

func convertCatalog(catalog []*tool.Definition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(catalog))
	for _, def := range catalog {
		schema := def.Schema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		var inputSchema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(schema, &inputSchema); err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", def.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(inputSchema, def.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool definition for %s", def.Name)
		}
		param.OfTool.Description = anthropic.String(def.Description)
		out = append(out, param)
	}
	return out, nil
}
