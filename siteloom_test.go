// End-to-end tests for the siteloom server stack.
//
// These exercise the full stack: real HTTP router (chi), real SQLite store
// (WAL mode, temp dir), real event bus, real runner and engine. Only the
// sandbox and the LLM backend are simulated. No Docker, API keys, or network
// access required.
package siteloom_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	siteloom "github.com/siteloom/siteloom"
	"github.com/siteloom/siteloom/config"
	"github.com/siteloom/siteloom/llm"
	"github.com/siteloom/siteloom/model"
	"github.com/siteloom/siteloom/sandbox"
	sqliteStore "github.com/siteloom/siteloom/store/sqlite"
)

// simSandbox simulates a running sandbox with an in-memory filesystem.
type simSandbox struct {
	mu    sync.Mutex
	files map[string]string
}

func newSimSandbox() *simSandbox {
	return &simSandbox{files: map[string]string{}}
}

func (s *simSandbox) Acquire(_ context.Context, template string) (string, error) {
	return "sim-1", nil
}

func (s *simSandbox) ExtendTimeout(_ context.Context, _ string, _ time.Duration) error {
	return nil
}

func (s *simSandbox) RunCommand(_ context.Context, _, command string, opts sandbox.CommandOptions) (*sandbox.CommandResult, error) {
	if opts.OnStdout != nil {
		opts.OnStdout("ok\n")
	}
	return &sandbox.CommandResult{Stdout: "ok\n"}, nil
}

func (s *simSandbox) WriteFile(_ context.Context, _, path, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = content
	return nil
}

func (s *simSandbox) ReadFile(_ context.Context, _, path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.files[path]
	if !ok {
		return "", fmt.Errorf("no such file %s", path)
	}
	return content, nil
}

func (s *simSandbox) ResolveHost(_ context.Context, _ string, port int) (string, error) {
	return fmt.Sprintf("localhost:4%d", port), nil
}

func (s *simSandbox) Release(_ context.Context, _ string) error { return nil }

// buildingLLM behaves like a well-mannered coding model: it installs a
// dependency, writes the page, and announces completion.
type buildingLLM struct {
	mu    sync.Mutex
	calls int
}

func (b *buildingLLM) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	switch b.calls {
	case 1:
		return &llm.ChatResponse{ToolCalls: []llm.ToolCall{{
			ID: "call-1", Name: "terminal",
			Arguments: []byte(`{"command":"npm install clsx --yes"}`),
		}}}, nil
	case 2:
		return &llm.ChatResponse{ToolCalls: []llm.ToolCall{{
			ID: "call-2", Name: "create_or_update_files",
			Arguments: []byte(`{"files":[{"path":"app/page.tsx","content":"export default function Page() { return <main>Coffee</main> }"}]}`),
		}}}, nil
	default:
		return &llm.ChatResponse{Content: "<task_summary>\nBuilt a coffee roastery landing page.\n</task_summary>"}, nil
	}
}

func (b *buildingLLM) Complete(_ context.Context, system, _ string) (string, error) {
	if strings.Contains(system, "title") {
		return "Coffee Landing", nil
	}
	return "Your coffee roastery page is ready!", nil
}

func newTestApp(t *testing.T) *siteloom.App {
	t.Helper()
	st, err := sqliteStore.New(filepath.Join(t.TempDir(), "e2e.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	cfg := &config.Config{
		ServerAddr:      ":0",
		SandboxTemplate: "siteloom-nextjs",
		MaxIterations:   15,
		MaxAttempts:     2,
		LogLevel:        "info",
	}
	app, err := siteloom.NewBuilder().
		WithConfig(cfg).
		WithLogger(zap.NewNop()).
		WithStore(st).
		WithSandbox(newSimSandbox()).
		WithLLM(&buildingLLM{}).
		Build()
	if err != nil {
		t.Fatalf("build app: %v", err)
	}

	if err := app.Engine().Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() {
		app.Engine().Stop()
		st.Close()
	})
	return app
}

func TestEndToEndBuild(t *testing.T) {
	app := newTestApp(t)

	project, run, err := app.Engine().CreateProject("a landing page for a coffee roastery")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	st := app.Engine().Store()
	deadline := time.Now().Add(10 * time.Second)
	for {
		got, err := st.GetRun(run.ID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if got.Status == model.RunComplete {
			break
		}
		if got.Status == model.RunError {
			t.Fatalf("run errored: %s", got.Error)
		}
		if time.Now().After(deadline) {
			t.Fatalf("run stuck in %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	frag, err := st.LatestFragment(project.ID)
	if err != nil {
		t.Fatalf("latest fragment: %v", err)
	}
	if frag.Title != "Coffee Landing" {
		t.Fatalf("title = %q", frag.Title)
	}
	if frag.SandboxURL != "http://localhost:43000" {
		t.Fatalf("url = %q", frag.SandboxURL)
	}
	if !strings.Contains(frag.Files["app/page.tsx"], "Coffee") {
		t.Fatalf("files = %v", frag.Files)
	}
}

func TestEndToEndOverHTTP(t *testing.T) {
	app := newTestApp(t)

	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{"prompt": "a coffee roastery site"})
	resp, err := http.Post(srv.URL+"/api/projects", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var created struct {
		ID    string `json:"id"`
		RunID string `json:"run_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		r, err := http.Get(srv.URL + "/api/runs/" + created.RunID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		var run struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := json.NewDecoder(r.Body).Decode(&run); err != nil {
			t.Fatalf("decode run: %v", err)
		}
		r.Body.Close()
		if run.Status == string(model.RunComplete) {
			break
		}
		if run.Status == string(model.RunError) {
			t.Fatalf("run errored: %s", run.Error)
		}
		if time.Now().After(deadline) {
			t.Fatalf("run stuck in %s", run.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	r, err := http.Get(srv.URL + "/api/projects/" + created.ID + "/messages")
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	defer r.Body.Close()
	var msgs []*model.Message
	if err := json.NewDecoder(r.Body).Decode(&msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	reply := msgs[1]
	if reply.Role != model.RoleAssistant || reply.Type != model.TypeResult {
		t.Fatalf("reply = %+v", reply)
	}
	if reply.Fragment == nil || len(reply.Fragment.Files) == 0 {
		t.Fatalf("fragment = %+v", reply.Fragment)
	}
}
