package slack

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	slackapi "github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/siteloom/siteloom/model"
)

func testNotifier(t *testing.T, handler http.HandlerFunc) (*Notifier, *string) {
	t.Helper()
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		body = r.Form.Get("text")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	n := New("xoxb-test", "#builds", zap.NewNop(), slackapi.OptionAPIURL(srv.URL+"/"))
	return n, &body
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1"}`))
}

func TestRunCompletedSuccess(t *testing.T) {
	n, text := testNotifier(t, okHandler)

	project := &model.Project{ID: "p1", Name: "misty-harbor"}
	msg := &model.Message{
		Type: model.TypeResult,
		Fragment: &model.Fragment{
			Title:      "Landing Page",
			SandboxURL: "http://localhost:39000",
			Files:      model.FileMap{"app/page.tsx": "x"},
		},
	}
	if err := n.RunCompleted(context.Background(), project, msg); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if !strings.Contains(*text, "misty-harbor") || !strings.Contains(*text, "Landing Page") {
		t.Fatalf("text = %q", *text)
	}
}

func TestRunCompletedError(t *testing.T) {
	n, text := testNotifier(t, okHandler)

	project := &model.Project{ID: "p1", Name: "misty-harbor"}
	msg := &model.Message{Type: model.TypeError, Content: "Something went wrong."}
	if err := n.RunCompleted(context.Background(), project, msg); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if !strings.Contains(*text, "failed") {
		t.Fatalf("text = %q", *text)
	}
}

func TestRunCompletedAPIError(t *testing.T) {
	n, _ := testNotifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	})

	project := &model.Project{ID: "p1", Name: "misty-harbor"}
	msg := &model.Message{Type: model.TypeError}
	if err := n.RunCompleted(context.Background(), project, msg); err == nil {
		t.Fatal("expected error")
	}
}
