package sqlite

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/siteloom/siteloom/model"
	"github.com/siteloom/siteloom/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := New(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

func newTestProject(t *testing.T, st *Store) *model.Project {
	t.Helper()
	now := time.Now().UTC()
	p := &model.Project{
		ID:        uuid.New().String(),
		Name:      "quiet-harbor",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.CreateProject(p); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func TestProjectCRUD(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st)

	got, err := st.GetProject(p.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if got.Name != "quiet-harbor" {
		t.Fatalf("unexpected project: %+v", got)
	}

	if _, err := st.GetProject("missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	projects, err := st.ListProjects()
	if err != nil {
		t.Fatalf("list projects: %v", err)
	}
	if len(projects) != 1 {
		t.Fatalf("expected 1 project, got %d", len(projects))
	}

	if err := st.TouchProject(p.ID); err != nil {
		t.Fatalf("touch project: %v", err)
	}
}

func TestMessagesWithFragment(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st)

	now := time.Now().UTC()
	user := &model.Message{
		ID:        uuid.New().String(),
		ProjectID: p.ID,
		Role:      model.RoleUser,
		Type:      model.TypeResult,
		Content:   "Build a kanban board",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.CreateMessage(user); err != nil {
		t.Fatalf("create user message: %v", err)
	}

	assistant := &model.Message{
		ID:        uuid.New().String(),
		ProjectID: p.ID,
		Role:      model.RoleAssistant,
		Type:      model.TypeResult,
		Content:   "Done",
		CreatedAt: now.Add(time.Second),
		UpdatedAt: now.Add(time.Second),
		Fragment: &model.Fragment{
			ID:         uuid.New().String(),
			SandboxURL: "https://3000-sb1.example.dev",
			Title:      "Kanban Board",
			Files:      model.FileMap{"index.html": "<html></html>"},
		},
	}
	if err := st.CreateMessage(assistant); err != nil {
		t.Fatalf("create assistant message: %v", err)
	}

	msgs, err := st.ListMessages(p.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != model.RoleUser || msgs[0].Fragment != nil {
		t.Fatalf("unexpected first message: %+v", msgs[0])
	}
	if msgs[1].Fragment == nil || msgs[1].Fragment.Title != "Kanban Board" {
		t.Fatalf("fragment not loaded: %+v", msgs[1])
	}
	if msgs[1].Fragment.Files["index.html"] != "<html></html>" {
		t.Fatalf("fragment files not round-tripped: %+v", msgs[1].Fragment.Files)
	}

	frag, err := st.LatestFragment(p.ID)
	if err != nil {
		t.Fatalf("latest fragment: %v", err)
	}
	if frag.ID != assistant.Fragment.ID {
		t.Fatalf("wrong fragment: %+v", frag)
	}
}

func TestLatestFragmentNotFound(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st)

	if _, err := st.LatestFragment(p.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStagedFilesLifecycle(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st)

	base := time.Now().UTC()
	for i, files := range []model.FileMap{
		{"a": "1"},
		{"a": "1", "b": "2"},
	} {
		sf := &model.StagedFiles{
			ID:        uuid.New().String(),
			ProjectID: p.ID,
			ToolRunID: uuid.New().String(),
			Files:     files,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := st.CreateStagedFiles(sf); err != nil {
			t.Fatalf("create staged files %d: %v", i, err)
		}
	}

	latest, err := st.LatestStagedFiles(p.ID)
	if err != nil {
		t.Fatalf("latest staged files: %v", err)
	}
	if len(latest.Files) != 2 || latest.Files["b"] != "2" {
		t.Fatalf("expected latest snapshot, got %+v", latest.Files)
	}

	if err := st.DeleteStagedFiles(p.ID); err != nil {
		t.Fatalf("delete staged files: %v", err)
	}
	if _, err := st.LatestStagedFiles(p.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestRunCRUD(t *testing.T) {
	st := newTestStore(t)
	p := newTestProject(t, st)

	now := time.Now().UTC()
	r := &model.Run{
		ID:        uuid.New().String(),
		ProjectID: p.ID,
		Prompt:    "Build a landing page",
		Status:    model.RunPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.CreateRun(r); err != nil {
		t.Fatalf("create run: %v", err)
	}

	pending, err := st.ListRunsByStatus(model.RunPending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending run, got %d", len(pending))
	}

	r.Status = model.RunRunning
	r.SandboxID = "sb-123"
	r.Attempt = 1
	if err := st.UpdateRun(r); err != nil {
		t.Fatalf("update run: %v", err)
	}

	got, err := st.GetRun(r.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != model.RunRunning || got.SandboxID != "sb-123" || got.Attempt != 1 {
		t.Fatalf("unexpected run: %+v", got)
	}
}

func TestStepLog(t *testing.T) {
	st := newTestStore(t)

	rec := &model.StepRecord{
		RunID:     "run-1",
		Name:      "acquire-sandbox",
		Result:    []byte(`"sb-abc"`),
		CreatedAt: time.Now().UTC(),
	}
	if err := st.PutStep(rec); err != nil {
		t.Fatalf("put step: %v", err)
	}

	// Re-recording the same step keeps the first result.
	dup := &model.StepRecord{
		RunID:     "run-1",
		Name:      "acquire-sandbox",
		Result:    []byte(`"sb-other"`),
		CreatedAt: time.Now().UTC(),
	}
	if err := st.PutStep(dup); err != nil {
		t.Fatalf("put duplicate step: %v", err)
	}

	got, err := st.GetStep("run-1", "acquire-sandbox")
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if string(got.Result) != `"sb-abc"` {
		t.Fatalf("duplicate overwrote step result: %s", got.Result)
	}

	if _, err := st.GetStep("run-1", "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := st.DeleteSteps("run-1"); err != nil {
		t.Fatalf("delete steps: %v", err)
	}
	if _, err := st.GetStep("run-1", "acquire-sandbox"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestEvents(t *testing.T) {
	st := newTestStore(t)

	for i, typ := range []string{"status", "output", "done"} {
		e := &model.Event{
			RunID:     "run-1",
			Type:      typ,
			Data:      "payload",
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		}
		if err := st.AddEvent(e); err != nil {
			t.Fatalf("add event: %v", err)
		}
		if e.ID == 0 {
			t.Fatal("event ID not set")
		}
	}

	events, err := st.GetEvents("run-1", 0)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	tail, err := st.GetEvents("run-1", events[0].ID)
	if err != nil {
		t.Fatalf("get events after: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("expected 2 events after first, got %d", len(tail))
	}
}
