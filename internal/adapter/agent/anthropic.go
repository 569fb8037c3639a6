package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/mendbot/mendbot/internal/observability"
)

const (
	// DefaultMaxTurns is the fallback cap on message rounds.
	DefaultMaxTurns = 15

	// DefaultMaxTokens is the maximum tokens per model response.
	DefaultMaxTokens = 8192

	// DefaultTimeout bounds one full agent run. Agent runs are the dominant
	// latency source; callers must tolerate multi-minute calls.
	DefaultTimeout = 10 * time.Minute
)

// AnthropicRunner runs the agent loop against the Anthropic Messages API.
type AnthropicRunner struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int
	maxTurns  int
	timeout   time.Duration
	logger    observability.Logger
}

// AnthropicConfig configures an AnthropicRunner. Zero values use defaults.
type AnthropicConfig struct {
	Model     string
	MaxTokens int
	MaxTurns  int
	Timeout   time.Duration
}

// NewAnthropicRunner creates a runner over an Anthropic client.
func NewAnthropicRunner(client anthropic.Client, cfg AnthropicConfig, logger observability.Logger) *AnthropicRunner {
	if cfg.Model == "" {
		cfg.Model = string(anthropic.ModelClaudeSonnet4_5)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}
	return &AnthropicRunner{
		client:    client,
		model:     anthropic.Model(cfg.Model),
		maxTokens: cfg.MaxTokens,
		maxTurns:  cfg.MaxTurns,
		timeout:   cfg.Timeout,
		logger:    logger,
	}
}

// Run executes the agent loop: send the prompt, dispatch tool calls, repeat
// until the model stops or the turn budget runs out. Exhausting the budget
// with a usable text result already captured counts as success.
func (r *AnthropicRunner) Run(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = r.maxTurns
	}

	tb := newToolbox(req.Workdir, req.Mode)
	result := Result{}

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
	}

	for turn := 0; turn < maxTurns; turn++ {
		response, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     r.model,
			MaxTokens: int64(r.maxTokens),
			Messages:  messages,
			Tools:     tb.anthropicTools(),
		})
		if err != nil {
			result.EditedFiles = tb.editedFiles()
			return result, fmt.Errorf("agent call failed: %w", err)
		}

		result.TokensUsed += int(response.Usage.InputTokens + response.Usage.OutputTokens)
		if text := extractText(response); text != "" {
			result.Text = text
		}

		var toolResults []anthropic.ContentBlockParamUnion
		for i := range response.Content {
			toolUse, ok := response.Content[i].AsAny().(anthropic.ToolUseBlock)
			if !ok {
				continue
			}
			out := tb.dispatch(ctx, toolUse.Name, json.RawMessage(toolUse.JSON.Input.Raw()))
			toolResults = append(toolResults,
				anthropic.NewToolResultBlock(toolUse.ID, out.Content, out.IsError))
		}

		if len(toolResults) == 0 {
			result.EditedFiles = tb.editedFiles()
			return result, nil
		}

		messages = append(messages,
			response.ToParam(),
			anthropic.NewUserMessage(toolResults...),
		)
	}

	result.EditedFiles = tb.editedFiles()
	if result.Text != "" {
		r.logger.LogWarning(ctx, "agent turn budget exhausted with partial result", map[string]interface{}{
			"maxTurns": maxTurns,
			"mode":     string(req.Mode),
		})
		return result, nil
	}
	return result, fmt.Errorf("agent exhausted %d turns without a result", maxTurns)
}

// anthropicTools converts the toolbox to the SDK's tool format, sorted by
// name for deterministic requests.
func (tb *toolbox) anthropicTools() []anthropic.ToolUnionParam {
	names := make([]string, 0, len(tb.tools))
	for name := range tb.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	tools := make([]anthropic.ToolUnionParam, 0, len(names))
	for _, name := range names {
		t := tb.tools[name]
		schema := t.InputSchema()

		var required []string
		if req, ok := schema["required"].([]string); ok {
			required = req
		}

		toolParam := anthropic.ToolParam{
			Name:        t.Name(),
			Description: anthropic.String(t.Description()),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
				Required:   required,
			},
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return tools
}

// extractText concatenates the text blocks of a response.
func extractText(response *anthropic.Message) string {
	var parts []string
	for i := range response.Content {
		if text, ok := response.Content[i].AsAny().(anthropic.TextBlock); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}
