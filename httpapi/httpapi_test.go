package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/siteloom/siteloom/engine"
	"github.com/siteloom/siteloom/eventbus"
	"github.com/siteloom/siteloom/llm"
	"github.com/siteloom/siteloom/model"
	"github.com/siteloom/siteloom/pipeline"
	"github.com/siteloom/siteloom/runner"
	"github.com/siteloom/siteloom/sandbox"
	"github.com/siteloom/siteloom/store"
	"github.com/siteloom/siteloom/store/sqlite"
)

// finishingLLM immediately reports completion so runs finalize quickly.
type finishingLLM struct{}

func (finishingLLM) Complete(ctx context.Context, system, user string) (string, error) {
	return "Done", nil
}

func (finishingLLM) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: "<task_summary>done</task_summary>"}, nil
}

type nopSandbox struct{}

func (nopSandbox) Acquire(ctx context.Context, template string) (string, error) { return "sb-1", nil }
func (nopSandbox) ExtendTimeout(ctx context.Context, id string, d time.Duration) error {
	return nil
}
func (nopSandbox) RunCommand(ctx context.Context, id, cmd string, o sandbox.CommandOptions) (*sandbox.CommandResult, error) {
	return &sandbox.CommandResult{}, nil
}
func (nopSandbox) WriteFile(ctx context.Context, id, path, content string) error  { return nil }
func (nopSandbox) ReadFile(ctx context.Context, id, path string) (string, error) { return "", nil }
func (nopSandbox) ResolveHost(ctx context.Context, id string, port int) (string, error) {
	return "localhost:39000", nil
}
func (nopSandbox) Release(ctx context.Context, id string) error { return nil }

func newTestHandler(t *testing.T) (*Handler, store.Store) {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log := zap.NewNop()
	client := finishingLLM{}
	r := runner.New(st, log, 1)
	eng := engine.New(
		engine.Config{SandboxTemplate: "siteloom-nextjs"},
		st, eventbus.NewInMemoryBus(), nopSandbox{}, client, r,
		pipeline.NewTitleStage(client, log, ""),
		pipeline.NewResponseStage(client, log, ""),
		nil, nil, log,
	)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(eng.Stop)
	return New(eng, log), st
}

func doJSON(t *testing.T, h *Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	return w
}

func TestCreateProject(t *testing.T) {
	h, st := newTestHandler(t)

	w := doJSON(t, h, http.MethodPost, "/api/projects", map[string]string{"prompt": "build a blog"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}

	var resp createProjectResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID == "" || resp.Name == "" || resp.RunID == "" {
		t.Fatalf("resp = %+v", resp)
	}

	if _, err := st.GetProject(resp.ID); err != nil {
		t.Fatalf("project not persisted: %v", err)
	}
}

func TestCreateProjectValidation(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodPost, "/api/projects", map[string]string{"prompt": "   "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/projects", bytes.NewBufferString("{not json"))
	w2 := httptest.NewRecorder()
	h.Router().ServeHTTP(w2, req)
	if w2.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w2.Code)
	}
}

func TestSendMessageUnknownProject(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodPost, "/api/projects/nope/messages", map[string]string{"content": "hi"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestGetMessages(t *testing.T) {
	h, st := newTestHandler(t)

	w := doJSON(t, h, http.MethodPost, "/api/projects", map[string]string{"prompt": "build a blog"})
	var resp createProjectResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	waitForRun(t, st, resp.RunID)

	w = doJSON(t, h, http.MethodGet, "/api/projects/"+resp.ID+"/messages", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var msgs []*model.Message
	if err := json.NewDecoder(w.Body).Decode(&msgs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs) < 1 || msgs[0].Role != model.RoleUser {
		t.Fatalf("msgs = %+v", msgs)
	}
}

func TestGetFragmentNotFound(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodGet, "/api/projects/nope/fragment", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestGetRun(t *testing.T) {
	h, st := newTestHandler(t)

	w := doJSON(t, h, http.MethodPost, "/api/projects", map[string]string{"prompt": "build a blog"})
	var resp createProjectResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	waitForRun(t, st, resp.RunID)

	w = doJSON(t, h, http.MethodGet, "/api/runs/"+resp.RunID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var run model.Run
	if err := json.NewDecoder(w.Body).Decode(&run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.ID != resp.RunID {
		t.Fatalf("run = %+v", run)
	}
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doJSON(t, h, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("status = %d body = %q", w.Code, w.Body.String())
	}
}

func TestRunEventStreamDeliversLiveEventsOnce(t *testing.T) {
	h, st := newTestHandler(t)

	w := doJSON(t, h, http.MethodPost, "/api/projects", map[string]string{"prompt": "build a blog"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	var created createProjectResponse
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	waitForRun(t, st, created.RunID)

	persisted, err := st.GetEvents(created.RunID, 0)
	if err != nil || len(persisted) == 0 {
		t.Fatalf("persisted events = %d (err %v)", len(persisted), err)
	}
	lastID := persisted[len(persisted)-1].ID

	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/api/runs/"+created.RunID+"/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	late := &model.Event{RunID: created.RunID, Type: "status",
		Data: "late update", CreatedAt: time.Now().UTC()}

	seen := map[int64]int{}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "id: ") {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
		if err != nil {
			t.Fatalf("parse event id from %q: %v", line, err)
		}
		seen[id]++

		// Once the replay reaches the end of the stored log, publish a
		// stale duplicate and a fresh event on the live bus.
		if id == lastID {
			h.engine.Bus().Publish(created.RunID, persisted[0])
			if err := st.AddEvent(late); err != nil {
				t.Fatalf("add event: %v", err)
			}
			h.engine.Bus().Publish(created.RunID, late)
		}
		if late.ID != 0 && id == late.ID {
			cancel()
		}
	}

	if seen[late.ID] != 1 {
		t.Fatalf("late event delivered %d times, want 1", seen[late.ID])
	}
	for _, e := range persisted {
		if seen[e.ID] != 1 {
			t.Fatalf("event %d delivered %d times, want 1", e.ID, seen[e.ID])
		}
	}
}

func waitForRun(t *testing.T, st store.Store, runID string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := st.GetRun(runID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("get run: %v", err)
		}
		if run != nil && (run.Status == model.RunComplete || run.Status == model.RunError) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run did not finish")
}
