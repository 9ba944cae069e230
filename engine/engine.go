// Package engine provides the run orchestration logic for siteloom.
// It depends only on interfaces (store, sandbox, llm, eventbus) plus the
// runner's durable step executor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/siteloom/siteloom/agent"
	"github.com/siteloom/siteloom/eventbus"
	"github.com/siteloom/siteloom/llm"
	"github.com/siteloom/siteloom/model"
	"github.com/siteloom/siteloom/pipeline"
	"github.com/siteloom/siteloom/runner"
	"github.com/siteloom/siteloom/sandbox"
	"github.com/siteloom/siteloom/store"
)

// errorReply is the fixed apology recorded when a run cannot produce a
// fragment.
const errorReply = "Something went wrong. Please try again."

// previewPort is the port the sandbox template's dev server listens on.
const previewPort = 3000

// Config holds engine-specific configuration.
type Config struct {
	// SandboxTemplate names the image/template sandboxes are provisioned from.
	SandboxTemplate string

	// SandboxLifetime is how far the sandbox idle deadline is pushed out at
	// the start of every attempt.
	SandboxLifetime time.Duration

	// MaxIterations bounds the coding agent's loop per run.
	MaxIterations int
}

// Notifier receives run-completion notices. Implementations live under
// channel/ (e.g. channel/slack).
type Notifier interface {
	RunCompleted(ctx context.Context, project *model.Project, msg *model.Message) error
}

// Exporter pushes a fragment's files to an external code host.
// Implementations live under gitexport/ (e.g. gitexport/github).
type Exporter interface {
	Export(ctx context.Context, project *model.Project, frag *model.Fragment) (string, error)
}

// Engine orchestrates the project conversation lifecycle: it records user
// messages, enqueues runs, and executes each run as a sequence of durable
// steps ending in exactly one assistant outcome message.
type Engine struct {
	config   Config
	store    store.Store
	bus      eventbus.Bus
	sandbox  sandbox.Client
	llm      llm.Client
	runner   *runner.Runner
	title    *pipeline.TitleStage
	response *pipeline.ResponseStage
	notifier Notifier
	exporter Exporter
	log      *zap.Logger
}

// New creates an Engine and registers its pipeline with the runner.
// notifier and exporter may be nil.
func New(
	cfg Config,
	st store.Store,
	bus eventbus.Bus,
	sb sandbox.Client,
	client llm.Client,
	r *runner.Runner,
	title *pipeline.TitleStage,
	response *pipeline.ResponseStage,
	notifier Notifier,
	exporter Exporter,
	log *zap.Logger,
) *Engine {
	if cfg.SandboxLifetime <= 0 {
		cfg.SandboxLifetime = 30 * time.Minute
	}
	e := &Engine{
		config:   cfg,
		store:    st,
		bus:      bus,
		sandbox:  sb,
		llm:      client,
		runner:   r,
		title:    title,
		response: response,
		notifier: notifier,
		exporter: exporter,
		log:      log,
	}
	r.SetHandlers(e.runPipeline, e.recordFailure)
	return e
}

// Start enables background run execution and resumes interrupted runs.
func (e *Engine) Start(ctx context.Context) error {
	return e.runner.Start(ctx)
}

// Stop shuts down background run execution.
func (e *Engine) Stop() {
	e.runner.Stop()
}

// Store returns the backing store.
func (e *Engine) Store() store.Store { return e.store }

// Bus returns the event bus.
func (e *Engine) Bus() eventbus.Bus { return e.bus }

// CreateProject creates a project named after nothing in particular, records
// the initial user prompt, and enqueues its first run.
func (e *Engine) CreateProject(prompt string) (*model.Project, *model.Run, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, nil, errors.New("prompt is required")
	}

	now := time.Now().UTC()
	project := &model.Project{
		ID:        uuid.NewString(),
		Name:      generateName(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateProject(project); err != nil {
		return nil, nil, fmt.Errorf("creating project: %w", err)
	}

	run, err := e.recordPromptAndEnqueue(project.ID, prompt)
	if err != nil {
		return nil, nil, err
	}
	return project, run, nil
}

// SendMessage records a user prompt on an existing project and enqueues a run.
func (e *Engine) SendMessage(projectID, content string) (*model.Run, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, errors.New("message content is required")
	}
	if _, err := e.store.GetProject(projectID); err != nil {
		return nil, fmt.Errorf("loading project: %w", err)
	}
	return e.recordPromptAndEnqueue(projectID, content)
}

func (e *Engine) recordPromptAndEnqueue(projectID, prompt string) (*model.Run, error) {
	now := time.Now().UTC()
	msg := &model.Message{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Role:      model.RoleUser,
		Type:      model.TypeResult,
		Content:   prompt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateMessage(msg); err != nil {
		return nil, fmt.Errorf("recording prompt: %w", err)
	}

	run, err := e.runner.Enqueue(projectID, prompt, uuid.NewString())
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ExportFragment pushes the project's latest fragment to the configured code
// host and returns the repository URL.
func (e *Engine) ExportFragment(ctx context.Context, projectID string) (string, error) {
	if e.exporter == nil {
		return "", errors.New("no exporter configured")
	}
	project, err := e.store.GetProject(projectID)
	if err != nil {
		return "", fmt.Errorf("loading project: %w", err)
	}
	frag, err := e.store.LatestFragment(projectID)
	if err != nil {
		return "", fmt.Errorf("loading fragment: %w", err)
	}
	return e.exporter.Export(ctx, project, frag)
}

// runPipeline executes one run attempt. Every externally visible effect is
// either a checkpointed step or idempotent, so a retried or resumed attempt
// converges on the same single outcome.
func (e *Engine) runPipeline(ctx context.Context, run *model.Run) error {
	log := e.log.With(zap.String("run_id", run.ID), zap.String("project_id", run.ProjectID))

	e.emitEvent(run.ID, "status", "Starting sandbox...")
	sandboxID, err := runner.Do(ctx, e.runner, run.ID, "get-sandbox-id", func(ctx context.Context) (string, error) {
		return e.sandbox.Acquire(ctx, e.config.SandboxTemplate)
	})
	if err != nil {
		return err
	}
	run.SandboxID = sandboxID
	if err := e.store.UpdateRun(run); err != nil {
		return fmt.Errorf("recording sandbox id: %w", err)
	}

	// Re-extend on every attempt so a retried run does not inherit a nearly
	// expired sandbox.
	if err := e.sandbox.ExtendTimeout(ctx, sandboxID, e.config.SandboxLifetime); err != nil {
		return fmt.Errorf("extending sandbox lifetime: %w", err)
	}

	history, err := runner.Do(ctx, e.runner, run.ID, "get-previous-messages", func(ctx context.Context) ([]llm.Message, error) {
		return e.conversationHistory(run.ProjectID)
	})
	if err != nil {
		return err
	}

	state, err := agent.NewState(e.store, run.ProjectID)
	if err != nil {
		return fmt.Errorf("seeding state: %w", err)
	}

	e.emitEvent(run.ID, "status", "Running coding agent...")
	tools := agent.NewToolbox(e.store, e.sandbox, e.runner, e.log, run.ID, run.ProjectID, sandboxID, state)
	tools.OnEvent = func(eventType, data string) { e.emitEvent(run.ID, eventType, data) }
	coder := agent.New(e.llm, e.log, e.config.MaxIterations)
	if err := coder.Run(ctx, state, tools, history); err != nil {
		return fmt.Errorf("agent loop: %w", err)
	}

	sandboxURL, err := runner.Do(ctx, e.runner, run.ID, "get-sandbox-url", func(ctx context.Context) (string, error) {
		host, err := e.sandbox.ResolveHost(ctx, sandboxID, previewPort)
		if err != nil {
			return "", err
		}
		return "http://" + host, nil
	})
	if err != nil {
		return err
	}

	staged, err := e.store.LatestStagedFiles(run.ProjectID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading staged files: %w", err)
	}

	// The run failed only if the model never announced completion. A run can
	// finish through shell work alone, so a missing snapshot means empty files.
	if !state.Done() {
		log.Warn("run ended without a summary")
		if err := e.saveErrorResult(ctx, run); err != nil {
			return err
		}
		e.emitEvent(run.ID, "error", errorReply)
		return nil
	}

	files := model.FileMap{}
	if staged != nil {
		files = staged.Files
	}

	e.emitEvent(run.ID, "status", "Polishing result...")
	type processed struct {
		Title    string `json:"title"`
		Response string `json:"response"`
	}
	post, err := runner.Do(ctx, e.runner, run.ID, "post-process", func(ctx context.Context) (processed, error) {
		return processed{
			Title:    e.title.Title(ctx, state.Summary),
			Response: e.response.Respond(ctx, state.Summary),
		}, nil
	})
	if err != nil {
		return err
	}

	msg, err := runner.Do(ctx, e.runner, run.ID, "save-result", func(ctx context.Context) (*model.Message, error) {
		now := time.Now().UTC()
		msgID := uuid.NewString()
		msg := &model.Message{
			ID:        msgID,
			ProjectID: run.ProjectID,
			Role:      model.RoleAssistant,
			Type:      model.TypeResult,
			Content:   post.Response,
			CreatedAt: now,
			UpdatedAt: now,
			Fragment: &model.Fragment{
				ID:         uuid.NewString(),
				MessageID:  msgID,
				SandboxURL: sandboxURL,
				Title:      post.Title,
				Files:      files,
			},
		}
		if err := e.store.CreateMessage(msg); err != nil {
			return nil, err
		}
		return msg, nil
	})
	if err != nil {
		return err
	}

	e.cleanupStagedFiles(run.ProjectID)
	if err := e.store.TouchProject(run.ProjectID); err != nil {
		log.Warn("failed to touch project", zap.Error(err))
	}

	if e.notifier != nil {
		project, err := e.store.GetProject(run.ProjectID)
		if err == nil {
			if err := e.notifier.RunCompleted(ctx, project, msg); err != nil {
				log.Warn("completion notification failed", zap.Error(err))
			}
		}
	}

	e.emitEvent(run.ID, "done", sandboxURL)
	return nil
}

// recordFailure is the runner's last-resort fallback: after all attempts
// fail, it still records the apology message. It shares the run's step log
// with runPipeline, so an outcome already saved is never duplicated.
func (e *Engine) recordFailure(ctx context.Context, run *model.Run) error {
	if err := e.saveErrorResult(ctx, run); err != nil {
		return err
	}
	e.emitEvent(run.ID, "error", errorReply)
	return nil
}

func (e *Engine) saveErrorResult(ctx context.Context, run *model.Run) error {
	_, err := runner.Do(ctx, e.runner, run.ID, "save-result", func(ctx context.Context) (*model.Message, error) {
		now := time.Now().UTC()
		msg := &model.Message{
			ID:        uuid.NewString(),
			ProjectID: run.ProjectID,
			Role:      model.RoleAssistant,
			Type:      model.TypeError,
			Content:   errorReply,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.store.CreateMessage(msg); err != nil {
			return nil, err
		}
		return msg, nil
	})
	if err != nil {
		return err
	}
	e.cleanupStagedFiles(run.ProjectID)
	return nil
}

func (e *Engine) cleanupStagedFiles(projectID string) {
	if err := e.store.DeleteStagedFiles(projectID); err != nil {
		e.log.Warn("failed to delete staged files", zap.String("project_id", projectID), zap.Error(err))
	}
}

// conversationHistory loads the project's messages oldest first as model
// input. The triggering prompt is the final user message, recorded before the
// run was enqueued.
func (e *Engine) conversationHistory(projectID string) ([]llm.Message, error) {
	msgs, err := e.store.ListMessages(projectID)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	history := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		role := llm.RoleUser
		if m.Role == model.RoleAssistant {
			role = llm.RoleAssistant
		}
		history = append(history, llm.TextMessage(role, m.Content))
	}
	return history, nil
}

func (e *Engine) emitEvent(runID, eventType, data string) {
	event := &model.Event{
		RunID:     runID,
		Type:      eventType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.AddEvent(event); err != nil {
		e.log.Warn("failed to store event", zap.Error(err))
	}
	e.bus.Publish(runID, event)
}
