// Package model defines the core domain types shared across all siteloom packages.
// It has zero dependencies on other siteloom packages.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies who authored a conversation message.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

// MessageType distinguishes normal results from failure records.
type MessageType string

const (
	TypeResult MessageType = "RESULT"
	TypeError  MessageType = "ERROR"
)

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunPending  RunStatus = "pending"
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "complete"
	RunError    RunStatus = "error"
)

// FileMap maps relative file paths to file contents.
type FileMap map[string]string

// Clone returns a shallow copy of the map. A nil receiver clones to an empty map.
func (f FileMap) Clone() FileMap {
	out := make(FileMap, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// MarshalDB encodes the map as JSON for storage. Nil encodes as "{}".
func (f FileMap) MarshalDB() (string, error) {
	if f == nil {
		return "{}", nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("encoding file map: %w", err)
	}
	return string(data), nil
}

// FileMapFromDB decodes a JSON file map stored by MarshalDB.
func FileMapFromDB(data string) (FileMap, error) {
	if data == "" {
		return FileMap{}, nil
	}
	var f FileMap
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		return nil, fmt.Errorf("decoding file map: %w", err)
	}
	if f == nil {
		f = FileMap{}
	}
	return f, nil
}

// Project is a chat-driven workspace owned by a user.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one entry in a project's conversation. Assistant RESULT messages
// carry a Fragment; all other messages have Fragment == nil.
type Message struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"project_id"`
	Role      Role        `json:"role"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Fragment  *Fragment   `json:"fragment,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Fragment is an immutable snapshot of generated files plus the live preview
// URL at the time its run completed. Owned 1:1 by an assistant message.
type Fragment struct {
	ID         string  `json:"id"`
	MessageID  string  `json:"message_id"`
	SandboxURL string  `json:"sandbox_url"`
	Title      string  `json:"title"`
	Files      FileMap `json:"files"`
}

// StagedFiles is a run-scoped durable buffer of cumulative file state. One row
// is written per file-write tool invocation; only the most recent row per
// project is meaningful, and all rows are deleted once a run finalizes.
type StagedFiles struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	ToolRunID string    `json:"tool_run_id"`
	Files     FileMap   `json:"files"`
	CreatedAt time.Time `json:"created_at"`
}

// Run is one end-to-end execution of the coding-agent pipeline, triggered by
// a single user prompt.
type Run struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Prompt    string    `json:"prompt"`
	Status    RunStatus `json:"status"`
	SandboxID string    `json:"-"`
	Error     string    `json:"error,omitempty"`
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StepRecord is a checkpointed step result within a run. Steps are looked up
// by (run, name); a recorded step is never re-executed on retry.
type StepRecord struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Name      string          `json:"name"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
}

// Event is a single entry in a run's live activity feed.
type Event struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Type      string    `json:"type"` // "status", "output", "error", "done"
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// Truncate shortens a string to maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 3 {
		r := []rune(s)
		if len(r) <= maxLen {
			return s
		}
		return string(r[:maxLen])
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
