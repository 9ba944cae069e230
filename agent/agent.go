// Package agent implements the tool-using coding loop that drives a sandbox
// toward a working website. One Agent turn is one model call plus the
// execution of any tools it requested; the loop repeats turns until the model
// emits its task summary or the iteration budget runs out.
package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/siteloom/siteloom/llm"
)

const (
	defaultMaxIterations = 15
	defaultMaxTokens     = 8192
)

// Agent runs the coding loop against a single LLM client.
type Agent struct {
	llm           llm.Client
	log           *zap.Logger
	maxIterations int
	maxTokens     int
}

// New creates an Agent. maxIterations <= 0 selects the default budget.
func New(client llm.Client, log *zap.Logger, maxIterations int) *Agent {
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	return &Agent{
		llm:           client,
		log:           log,
		maxIterations: maxIterations,
		maxTokens:     defaultMaxTokens,
	}
}

// Run executes the loop until the state carries a summary or the budget is
// exhausted. history is the prior conversation, oldest first; the caller has
// already appended the triggering prompt. On return the state's Summary is
// empty iff the model never finished.
func (a *Agent) Run(ctx context.Context, state *State, tools *Toolbox, history []llm.Message) error {
	messages := make([]llm.Message, len(history))
	copy(messages, history)

	for i := 0; i < a.maxIterations && !state.Done(); i++ {
		var err error
		messages, err = a.turn(ctx, state, tools, messages)
		if err != nil {
			return fmt.Errorf("iteration %d: %w", i+1, err)
		}
	}
	return nil
}

// turn makes one model call, records the assistant reply, executes any
// requested tools in order, and returns the extended transcript.
func (a *Agent) turn(ctx context.Context, state *State, tools *Toolbox, messages []llm.Message) ([]llm.Message, error) {
	resp, err := a.llm.Chat(ctx, llm.ChatRequest{
		System:    codingPrompt,
		Messages:  messages,
		Tools:     tools.Specs(),
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}

	messages = append(messages, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})

	if containsSummary(resp.Content) {
		state.Summary = resp.Content
		a.log.Info("agent finished", zap.Int("files", len(state.Files)))
		return messages, nil
	}

	for _, call := range resp.ToolCalls {
		a.log.Debug("tool call", zap.String("tool", call.Name))
		content, err := tools.Execute(ctx, call)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", call.Name, err)
		}
		messages = append(messages, llm.Message{
			Role:       llm.RoleTool,
			ToolResult: &llm.ToolResult{CallID: call.ID, Content: content},
		})
	}
	return messages, nil
}

func containsSummary(text string) bool {
	return strings.Contains(text, summarySentinel)
}
