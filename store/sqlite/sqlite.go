// Package sqlite implements store.Store using SQLite.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/siteloom/siteloom/model"
	"github.com/siteloom/siteloom/store"
)

// Store manages siteloom persistence in SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single writer connection sidesteps SQLITE_BUSY between concurrent
	// runs; the busy timeout covers readers that upgrade to writes.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS projects (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			user_id    TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			role       TEXT NOT NULL,
			type       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (project_id) REFERENCES projects(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_project_id
			ON messages(project_id, created_at);

		CREATE TABLE IF NOT EXISTS fragments (
			id          TEXT PRIMARY KEY,
			message_id  TEXT NOT NULL UNIQUE,
			sandbox_url TEXT NOT NULL,
			title       TEXT NOT NULL,
			files       TEXT NOT NULL DEFAULT '{}',
			FOREIGN KEY (message_id) REFERENCES messages(id)
		);

		CREATE TABLE IF NOT EXISTS staged_files (
			id          TEXT PRIMARY KEY,
			project_id  TEXT NOT NULL,
			tool_run_id TEXT NOT NULL,
			files       TEXT NOT NULL DEFAULT '{}',
			created_at  DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_staged_files_project_id
			ON staged_files(project_id, created_at);

		CREATE TABLE IF NOT EXISTS runs (
			id         TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			prompt     TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'pending',
			sandbox_id TEXT NOT NULL DEFAULT '',
			error      TEXT NOT NULL DEFAULT '',
			attempt    INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

		CREATE TABLE IF NOT EXISTS run_steps (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT NOT NULL,
			name       TEXT NOT NULL,
			result     TEXT NOT NULL DEFAULT 'null',
			created_at DATETIME NOT NULL,
			UNIQUE (run_id, name)
		);

		CREATE TABLE IF NOT EXISTS run_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT NOT NULL,
			type       TEXT NOT NULL,
			data       TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_run_events_run_id
			ON run_events(run_id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Projects ---

// CreateProject inserts a new project.
func (s *Store) CreateProject(p *model.Project) error {
	_, err := s.db.Exec(
		`INSERT INTO projects (id, name, user_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.UserID, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(id string) (*model.Project, error) {
	p := &model.Project{}
	err := s.db.QueryRow(
		`SELECT id, name, user_id, created_at, updated_at
		 FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.UserID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListProjects returns all projects ordered by most recent activity.
func (s *Store) ListProjects() ([]*model.Project, error) {
	rows, err := s.db.Query(
		`SELECT id, name, user_id, created_at, updated_at
		 FROM projects ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*model.Project
	for rows.Next() {
		p := &model.Project{}
		if err := rows.Scan(&p.ID, &p.Name, &p.UserID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// TouchProject bumps a project's updated_at timestamp.
func (s *Store) TouchProject(id string) error {
	_, err := s.db.Exec(
		`UPDATE projects SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	return err
}

// --- Messages and fragments ---

// CreateMessage inserts a message and, when present, its fragment in one
// transaction. A fragment is never written without its owning message.
func (s *Store) CreateMessage(m *model.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO messages (id, project_id, role, type, content, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProjectID, m.Role, m.Type, m.Content, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return err
	}

	if m.Fragment != nil {
		files, err := m.Fragment.Files.MarshalDB()
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			`INSERT INTO fragments (id, message_id, sandbox_url, title, files)
			 VALUES (?, ?, ?, ?, ?)`,
			m.Fragment.ID, m.ID, m.Fragment.SandboxURL, m.Fragment.Title, files,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListMessages returns a project's messages in creation order, with fragments.
func (s *Store) ListMessages(projectID string) ([]*model.Message, error) {
	rows, err := s.db.Query(
		`SELECT m.id, m.project_id, m.role, m.type, m.content, m.created_at, m.updated_at,
		        f.id, f.sandbox_url, f.title, f.files
		 FROM messages m
		 LEFT JOIN fragments f ON f.message_id = m.id
		 WHERE m.project_id = ?
		 ORDER BY m.created_at ASC, m.id ASC`,
		projectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// LatestFragment returns the fragment on the most recent assistant message.
func (s *Store) LatestFragment(projectID string) (*model.Fragment, error) {
	f := &model.Fragment{}
	var files string
	err := s.db.QueryRow(
		`SELECT f.id, f.message_id, f.sandbox_url, f.title, f.files
		 FROM fragments f
		 JOIN messages m ON m.id = f.message_id
		 WHERE m.project_id = ? AND m.role = ?
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT 1`,
		projectID, model.RoleAssistant,
	).Scan(&f.ID, &f.MessageID, &f.SandboxURL, &f.Title, &files)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f.Files, err = model.FileMapFromDB(files)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// --- Staged file snapshots ---

// CreateStagedFiles inserts a new staged snapshot row.
func (s *Store) CreateStagedFiles(sf *model.StagedFiles) error {
	files, err := sf.Files.MarshalDB()
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO staged_files (id, project_id, tool_run_id, files, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sf.ID, sf.ProjectID, sf.ToolRunID, files, sf.CreatedAt,
	)
	return err
}

// LatestStagedFiles returns the most recent staged snapshot for a project.
func (s *Store) LatestStagedFiles(projectID string) (*model.StagedFiles, error) {
	sf := &model.StagedFiles{}
	var files string
	err := s.db.QueryRow(
		`SELECT id, project_id, tool_run_id, files, created_at
		 FROM staged_files
		 WHERE project_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		projectID,
	).Scan(&sf.ID, &sf.ProjectID, &sf.ToolRunID, &files, &sf.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sf.Files, err = model.FileMapFromDB(files)
	if err != nil {
		return nil, err
	}
	return sf, nil
}

// DeleteStagedFiles removes all staged snapshots for a project.
func (s *Store) DeleteStagedFiles(projectID string) error {
	_, err := s.db.Exec(`DELETE FROM staged_files WHERE project_id = ?`, projectID)
	return err
}

// --- Runs ---

// CreateRun inserts a new run.
func (s *Store) CreateRun(r *model.Run) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (id, project_id, prompt, status, sandbox_id, error, attempt, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProjectID, r.Prompt, r.Status, r.SandboxID, r.Error, r.Attempt,
		r.CreatedAt, r.UpdatedAt,
	)
	return err
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(id string) (*model.Run, error) {
	r := &model.Run{}
	err := s.db.QueryRow(
		`SELECT id, project_id, prompt, status, sandbox_id, error, attempt, created_at, updated_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.ProjectID, &r.Prompt, &r.Status, &r.SandboxID, &r.Error,
		&r.Attempt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// UpdateRun updates mutable fields of a run.
func (s *Store) UpdateRun(r *model.Run) error {
	r.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE runs SET status = ?, sandbox_id = ?, error = ?, attempt = ?, updated_at = ?
		 WHERE id = ?`,
		r.Status, r.SandboxID, r.Error, r.Attempt, r.UpdatedAt, r.ID,
	)
	return err
}

// ListRunsByStatus returns runs with the given status, oldest first.
func (s *Store) ListRunsByStatus(status model.RunStatus) ([]*model.Run, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, prompt, status, sandbox_id, error, attempt, created_at, updated_at
		 FROM runs WHERE status = ? ORDER BY created_at ASC`,
		status,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r := &model.Run{}
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Prompt, &r.Status, &r.SandboxID,
			&r.Error, &r.Attempt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Step log ---

// GetStep returns the recorded result of a checkpointed step, or ErrNotFound.
func (s *Store) GetStep(runID, name string) (*model.StepRecord, error) {
	rec := &model.StepRecord{}
	var result string
	err := s.db.QueryRow(
		`SELECT id, run_id, name, result, created_at
		 FROM run_steps WHERE run_id = ? AND name = ?`,
		runID, name,
	).Scan(&rec.ID, &rec.RunID, &rec.Name, &result, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Result = json.RawMessage(result)
	return rec, nil
}

// PutStep records a completed step. Re-recording the same (run, name) is a
// no-op so retried attempts keep the first recorded result.
func (s *Store) PutStep(rec *model.StepRecord) error {
	result := string(rec.Result)
	if result == "" {
		result = "null"
	}
	_, err := s.db.Exec(
		`INSERT INTO run_steps (run_id, name, result, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (run_id, name) DO NOTHING`,
		rec.RunID, rec.Name, result, rec.CreatedAt,
	)
	return err
}

// DeleteSteps removes all step records for a run.
func (s *Store) DeleteSteps(runID string) error {
	_, err := s.db.Exec(`DELETE FROM run_steps WHERE run_id = ?`, runID)
	return err
}

// --- Events ---

// AddEvent inserts a new event and sets its ID.
func (s *Store) AddEvent(e *model.Event) error {
	result, err := s.db.Exec(
		`INSERT INTO run_events (run_id, type, data, created_at)
		 VALUES (?, ?, ?, ?)`,
		e.RunID, e.Type, e.Data, e.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

// GetEvents returns events for a run, optionally after a given event ID.
func (s *Store) GetEvents(runID string, afterID int64) ([]*model.Event, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, type, data, created_at
		 FROM run_events
		 WHERE run_id = ? AND id > ?
		 ORDER BY id ASC`,
		runID, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		e := &model.Event{}
		if err := rows.Scan(&e.ID, &e.RunID, &e.Type, &e.Data, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanMessage(row scannable) (*model.Message, error) {
	m := &model.Message{}
	var fragID, fragURL, fragTitle, fragFiles sql.NullString
	err := row.Scan(
		&m.ID, &m.ProjectID, &m.Role, &m.Type, &m.Content, &m.CreatedAt, &m.UpdatedAt,
		&fragID, &fragURL, &fragTitle, &fragFiles,
	)
	if err != nil {
		return nil, err
	}
	if fragID.Valid {
		files, err := model.FileMapFromDB(fragFiles.String)
		if err != nil {
			return nil, err
		}
		m.Fragment = &model.Fragment{
			ID:         fragID.String,
			MessageID:  m.ID,
			SandboxURL: fragURL.String,
			Title:      fragTitle.String,
			Files:      files,
		}
	}
	return m, nil
}
