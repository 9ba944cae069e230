package agent

import (
	"errors"

	"github.com/siteloom/siteloom/model"
	"github.com/siteloom/siteloom/store"
)

// filePlaceholder stands in for prior-fragment file contents in fresh state.
// Listing paths without bodies keeps the model aware of the existing project
// shape without spending context on code it may never touch.
const filePlaceholder = "Call the read_project_file tool to see the source code of this file"

// State is the shared scratchpad for one agent run. Files accumulates
// everything written this run; Summary is set once the model announces it is
// finished, and a non-empty Summary terminates the loop.
type State struct {
	Summary string
	Files   model.FileMap
}

// NewState builds run state seeded from the project's latest fragment, if one
// exists. Each prior file appears under its path with a placeholder body.
func NewState(st store.Store, projectID string) (*State, error) {
	state := &State{Files: model.FileMap{}}

	frag, err := st.LatestFragment(projectID)
	if errors.Is(err, store.ErrNotFound) {
		return state, nil
	}
	if err != nil {
		return nil, err
	}
	for path := range frag.Files {
		state.Files[path] = filePlaceholder
	}
	return state, nil
}

// Done reports whether the model has produced a task summary.
func (s *State) Done() bool {
	return s.Summary != ""
}
