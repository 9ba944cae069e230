package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/siteloom/siteloom/llm"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New("test-key", "test-model")
	c.baseURL = srv.URL
	return c
}

func TestChatEncodesToolTranscript(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing version header")
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{
			"content": [{"type": "text", "text": "done"}],
			"stop_reason": "end_turn"
		}`))
	})

	resp, err := c.Chat(context.Background(), llm.ChatRequest{
		System: "be helpful",
		Messages: []llm.Message{
			llm.TextMessage(llm.RoleUser, "build it"),
			{
				Role: llm.RoleAssistant,
				ToolCalls: []llm.ToolCall{
					{ID: "t1", Name: "terminal", Arguments: json.RawMessage(`{"command":"ls"}`)},
				},
			},
			{
				Role:       llm.RoleTool,
				ToolResult: &llm.ToolResult{CallID: "t1", Content: "ok"},
			},
		},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "done" {
		t.Fatalf("content = %q, want done", resp.Content)
	}
	if resp.StopReason != "end_turn" {
		t.Fatalf("stop reason = %q", resp.StopReason)
	}

	if got["system"] != "be helpful" {
		t.Fatalf("system = %v", got["system"])
	}
	msgs := got["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("got %d wire messages, want 3", len(msgs))
	}
	// The tool result is carried on a user message.
	last := msgs[2].(map[string]any)
	if last["role"] != "user" {
		t.Fatalf("tool result role = %v, want user", last["role"])
	}
	block := last["content"].([]any)[0].(map[string]any)
	if block["type"] != "tool_result" || block["tool_use_id"] != "t1" {
		t.Fatalf("tool result block = %v", block)
	}
}

func TestChatParsesToolUse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"content": [
				{"type": "text", "text": "let me check"},
				{"type": "tool_use", "id": "t9", "name": "read_files", "input": {"files": ["a.ts"]}}
			],
			"stop_reason": "tool_use"
		}`))
	})

	resp, err := c.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{llm.TextMessage(llm.RoleUser, "hi")},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "let me check" {
		t.Fatalf("content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "t9" || tc.Name != "read_files" {
		t.Fatalf("tool call = %+v", tc)
	}
}

func TestChatAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "rate limited"}}`))
	})

	_, err := c.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{llm.TextMessage(llm.RoleUser, "hi")},
	})
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
}

func TestCompleteReturnsText(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content": [{"type": "text", "text": "Coffee Shop"}], "stop_reason": "end_turn"}`))
	})

	out, err := c.Complete(context.Background(), "title the work", "summary here")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "Coffee Shop" {
		t.Fatalf("out = %q", out)
	}
}

func TestCompleteEmptyResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content": [], "stop_reason": "end_turn"}`))
	})

	if _, err := c.Complete(context.Background(), "sys", "user"); err == nil {
		t.Fatal("expected error for empty response")
	}
}
