// Package llm defines the language-model client interface used by siteloom.
// Provider implementations live in subpackages (llm/anthropic, llm/openai).
package llm

import (
	"context"
	"encoding/json"
)

// Client is the minimal interface for making LLM API calls.
//
// Complete is a one-shot system+user call returning text; it serves the
// post-processing stages. Chat runs one tool-calling turn over an accumulated
// message history; it serves the coding agent.
type Client interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in a chat transcript.
//
// Assistant messages may carry ToolCalls. Tool messages carry exactly one
// ToolResult and feed a prior call's output back to the model.
type Message struct {
	Role       string      `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ToolCall is a model-issued request to invoke a named tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the output of one tool invocation.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
}

// Tool describes a capability offered to the model. Schema is a JSON Schema
// object describing the tool's parameters.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// ChatRequest is one tool-calling turn.
type ChatRequest struct {
	System    string
	Messages  []Message
	Tools     []Tool
	MaxTokens int
}

// ChatResponse is the model's reply for one turn. Content holds the
// concatenated text parts; ToolCalls is non-empty when the model wants tools
// executed before it is invoked again.
type ChatResponse struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string
}

// TextMessage builds a plain text message with the given role.
func TextMessage(role, content string) Message {
	return Message{Role: role, Content: content}
}
