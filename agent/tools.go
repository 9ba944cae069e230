package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/siteloom/siteloom/llm"
	"github.com/siteloom/siteloom/model"
	"github.com/siteloom/siteloom/runner"
	"github.com/siteloom/siteloom/sandbox"
	"github.com/siteloom/siteloom/store"
)

const terminalOutputLimit = 10000

// Toolbox executes the coding agent's tools against one run's sandbox and
// project. Tool failures are reported to the model as result text, never as
// Go errors; an error return from Execute means the run itself cannot
// continue (e.g. persistence is down).
//
// Side-effecting tools run as checkpointed steps named by a per-run sequence
// number, so a resumed run replays recorded outcomes instead of re-executing
// commands and writes.
type Toolbox struct {
	store   store.Store
	sandbox sandbox.Client
	runner  *runner.Runner
	log     *zap.Logger

	runID     string
	projectID string
	sandboxID string

	state *State
	seq   int

	// OnEvent, when set, receives live run events such as terminal output.
	OnEvent func(eventType, data string)
}

// NewToolbox builds the toolbox for one run.
func NewToolbox(st store.Store, sb sandbox.Client, r *runner.Runner, log *zap.Logger,
	runID, projectID, sandboxID string, state *State) *Toolbox {
	return &Toolbox{
		store:     st,
		sandbox:   sb,
		runner:    r,
		log:       log,
		runID:     runID,
		projectID: projectID,
		sandboxID: sandboxID,
		state:     state,
	}
}

// Specs returns the tool definitions offered to the model.
func (t *Toolbox) Specs() []llm.Tool {
	return []llm.Tool{
		{
			Name:        "terminal",
			Description: "Run a shell command in the sandbox and return its output.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"command": {"type": "string", "description": "The shell command to run."}
				},
				"required": ["command"]
			}`),
		},
		{
			Name:        "create_or_update_files",
			Description: "Create or overwrite files in the sandbox. Paths are relative to the project root.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"files": {
						"type": "array",
						"items": {
							"type": "object",
							"properties": {
								"path": {"type": "string"},
								"content": {"type": "string"}
							},
							"required": ["path", "content"]
						}
					}
				},
				"required": ["files"]
			}`),
		},
		{
			Name:        "read_files",
			Description: "Read files currently in the sandbox.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"files": {
						"type": "array",
						"items": {"type": "string"},
						"description": "Relative paths of the files to read."
					}
				},
				"required": ["files"]
			}`),
		},
		{
			Name:        "read_project_file",
			Description: "Read a file from the project's previous build, before this run started.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string"}
				},
				"required": ["path"]
			}`),
		},
	}
}

// Execute dispatches one tool call and returns the content to feed back to
// the model.
func (t *Toolbox) Execute(ctx context.Context, call llm.ToolCall) (string, error) {
	switch call.Name {
	case "terminal":
		return t.terminal(ctx, call.Arguments)
	case "create_or_update_files":
		return t.createOrUpdateFiles(ctx, call.Arguments)
	case "read_files":
		return t.readFiles(ctx, call.Arguments), nil
	case "read_project_file":
		return t.readProjectFile(call.Arguments), nil
	default:
		return fmt.Sprintf("Unknown tool: %s", call.Name), nil
	}
}

func (t *Toolbox) emit(eventType, data string) {
	if t.OnEvent != nil {
		t.OnEvent(eventType, data)
	}
}

func (t *Toolbox) nextStep(tool string) string {
	t.seq++
	return fmt.Sprintf("tool:%s:%d", tool, t.seq)
}

func (t *Toolbox) terminal(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return fmt.Sprintf("Invalid arguments: %v", err), nil
	}

	t.log.Info("running command", zap.String("run_id", t.runID), zap.String("command", in.Command))

	return runner.Do(ctx, t.runner, t.runID, t.nextStep("terminal"), func(ctx context.Context) (string, error) {
		var stdout, stderr strings.Builder
		res, err := t.sandbox.RunCommand(ctx, t.sandboxID, in.Command, sandbox.CommandOptions{
			OnStdout: func(chunk string) {
				stdout.WriteString(chunk)
				t.emit("output", chunk)
			},
			OnStderr: func(chunk string) {
				stderr.WriteString(chunk)
				t.emit("output", chunk)
			},
		})
		if err != nil {
			// The model recovers from failed commands; report and continue.
			out := fmt.Sprintf("Command failed: %v\nstdout: %s\nstderr: %s",
				err, stdout.String(), stderr.String())
			return model.Truncate(out, terminalOutputLimit), nil
		}
		out := res.Stdout
		if res.Stderr != "" {
			out += "\nstderr: " + res.Stderr
		}
		return model.Truncate(out, terminalOutputLimit), nil
	})
}

func (t *Toolbox) createOrUpdateFiles(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Files []struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		} `json:"files"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return fmt.Sprintf("Invalid arguments: %v", err), nil
	}
	if len(in.Files) == 0 {
		return "No files provided", nil
	}

	// The step returns the merged file map so a resumed run restores state
	// without re-writing the sandbox or re-staging a snapshot.
	merged, err := runner.Do(ctx, t.runner, t.runID, t.nextStep("create_or_update_files"),
		func(ctx context.Context) (model.FileMap, error) {
			files := t.state.Files.Clone()
			for _, f := range in.Files {
				if err := t.sandbox.WriteFile(ctx, t.sandboxID, f.Path, f.Content); err != nil {
					return nil, fmt.Errorf("writing %s: %w", f.Path, err)
				}
				files[f.Path] = f.Content
			}
			staged := &model.StagedFiles{
				ID:        ulid.Make().String(),
				ProjectID: t.projectID,
				ToolRunID: t.runID,
				Files:     files,
				CreatedAt: time.Now().UTC(),
			}
			if err := t.store.CreateStagedFiles(staged); err != nil {
				return nil, fmt.Errorf("staging files: %w", err)
			}
			return files, nil
		})
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}

	t.state.Files = merged

	paths := make([]string, 0, len(in.Files))
	for _, f := range in.Files {
		paths = append(paths, f.Path)
	}
	return "Files created or updated: " + strings.Join(paths, ", "), nil
}

func (t *Toolbox) readFiles(ctx context.Context, args json.RawMessage) string {
	var in struct {
		Files []string `json:"files"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return fmt.Sprintf("Invalid arguments: %v", err)
	}

	// Per-file failures are reported inline; the rest of the batch still
	// comes back.
	type fileContent struct {
		Path    string `json:"path"`
		Content string `json:"content,omitempty"`
		Error   string `json:"error,omitempty"`
	}
	out := make([]fileContent, 0, len(in.Files))
	for _, path := range in.Files {
		content, err := t.sandbox.ReadFile(ctx, t.sandboxID, path)
		if err != nil {
			out = append(out, fileContent{Path: path, Error: err.Error()})
			continue
		}
		out = append(out, fileContent{Path: path, Content: content})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return string(data)
}

func (t *Toolbox) readProjectFile(args json.RawMessage) string {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return fmt.Sprintf("Invalid arguments: %v", err)
	}

	frag, err := t.store.LatestFragment(t.projectID)
	if errors.Is(err, store.ErrNotFound) {
		return "Error: this project has no previous build"
	}
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	content, ok := frag.Files[in.Path]
	if !ok {
		known := make([]string, 0, len(frag.Files))
		for p := range frag.Files {
			known = append(known, p)
		}
		sort.Strings(known)
		return fmt.Sprintf("Error: no file %q in the previous build. Known files: %s",
			in.Path, strings.Join(known, ", "))
	}
	return content
}
