// Package store defines the persistence interface for siteloom.
// Implementations live in subpackages (e.g. store/sqlite).
package store

import (
	"errors"

	"github.com/siteloom/siteloom/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store persists projects, conversation messages, staged file snapshots,
// runs, checkpointed step results and run events.
type Store interface {
	// Projects.
	CreateProject(p *model.Project) error
	GetProject(id string) (*model.Project, error)
	ListProjects() ([]*model.Project, error)
	TouchProject(id string) error

	// Messages. CreateMessage persists a nested Fragment in the same
	// transaction when one is attached. ListMessages returns messages in
	// creation order with fragments populated.
	CreateMessage(m *model.Message) error
	ListMessages(projectID string) ([]*model.Message, error)

	// LatestFragment returns the fragment attached to the most recent
	// assistant message for the project, or ErrNotFound.
	LatestFragment(projectID string) (*model.Fragment, error)

	// Staged file snapshots.
	CreateStagedFiles(s *model.StagedFiles) error
	LatestStagedFiles(projectID string) (*model.StagedFiles, error)
	DeleteStagedFiles(projectID string) error

	// Runs.
	CreateRun(r *model.Run) error
	GetRun(id string) (*model.Run, error)
	UpdateRun(r *model.Run) error
	ListRunsByStatus(status model.RunStatus) ([]*model.Run, error)

	// Checkpointed step results, keyed by (run, name).
	GetStep(runID, name string) (*model.StepRecord, error)
	PutStep(rec *model.StepRecord) error
	DeleteSteps(runID string) error

	// Run events.
	AddEvent(e *model.Event) error
	GetEvents(runID string, afterID int64) ([]*model.Event, error)

	Close() error
}
