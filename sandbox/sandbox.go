// Package sandbox defines the remote execution environment contract.
// The coding agent runs commands and reads/writes files through this
// interface; implementations live in subpackages (e.g. sandbox/docker).
package sandbox

import (
	"context"
	"time"
)

// CommandOptions carries incremental output callbacks for RunCommand.
// Callbacks may be nil.
type CommandOptions struct {
	OnStdout func(chunk string)
	OnStderr func(chunk string)
}

// CommandResult holds the captured output of a command. It is populated even
// when RunCommand returns an error, so callers can report partial output.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Client manages sandboxes: network-addressable execution environments with
// a filesystem and a shell, identified by opaque IDs, with finite idle
// lifetimes.
type Client interface {
	// Acquire provisions a sandbox from the named template and reserves it
	// for the configured idle lifetime. Returns the sandbox ID.
	Acquire(ctx context.Context, template string) (string, error)

	// ExtendTimeout pushes the sandbox's idle deadline out by d.
	ExtendTimeout(ctx context.Context, sandboxID string, d time.Duration) error

	// RunCommand executes a shell command, streaming output through opts.
	// A non-zero exit or transport failure is returned as an error alongside
	// whatever output was captured.
	RunCommand(ctx context.Context, sandboxID, command string, opts CommandOptions) (*CommandResult, error)

	// WriteFile writes content to path, creating parent directories.
	// Relative paths resolve against the sandbox working directory.
	WriteFile(ctx context.Context, sandboxID, path, content string) error

	// ReadFile returns the content of path.
	ReadFile(ctx context.Context, sandboxID, path string) (string, error)

	// ResolveHost returns the externally reachable host for a port exposed
	// by the sandbox (host only, no scheme).
	ResolveHost(ctx context.Context, sandboxID string, port int) (string, error)

	// Release tears the sandbox down. Idempotent.
	Release(ctx context.Context, sandboxID string) error
}
