package evalgate

import (
	"context"
	"time"

	"github.com/mkastrati/evalgate/internal/runtime"
	"github.com/mkastrati/evalgate/internal/supervise"
)

// RunRequest describes one snippet evaluation.
type RunRequest struct {
	// Source is the snippet text to evaluate.
	Source string
	// StartDir is where project discovery begins, typically the file or
	// directory the snippet belongs to. Empty means the current
	// directory.
	StartDir string
	// Options are evaluation options merged over the persisted ones;
	// request entries win.
	Options map[string]any

	// RemoteHost runs the interpreter on a remote host over ssh. The
	// project and staged payload must be reachable there.
	RemoteHost string

	// Network policy for the interpreter.
	AllowNet     bool
	AllowDomains []string
	DenyDomains  []string

	// Isolate applies OS-level isolation (Linux only). AllowSubprocess
	// leaves process creation available to isolated interpreters;
	// runtimes with worker threads need it.
	Isolate           bool
	IsolateReadPaths  []string
	IsolateWritePaths []string
	AllowSubprocess   bool
}

// OutputSink receives the interpreter's raw output stream.
type OutputSink = supervise.OutputSink

// EventKind labels a Notifier event.
type EventKind int

const (
	// EventNoInterpreter means no interpreter binary is configured.
	EventNoInterpreter EventKind = iota
	// EventInvalidRoot means the configured project root has no
	// manifest. Path carries the offending root.
	EventInvalidRoot
	// EventMissingDependencies means the project's dependency directory
	// does not exist. Path carries the expected directory.
	EventMissingDependencies
	// EventInterpreterLaunchError means the interpreter process could
	// not be spawned. Message carries the launch error.
	EventInterpreterLaunchError
	// EventDomainBlocked means the network guard denied a connection.
	// Path carries the blocked hostname.
	EventDomainBlocked
)

// Event is a user-facing condition raised during an invocation.
type Event struct {
	Kind    EventKind
	Path    string
	Message string
}

// Notifier receives events as they occur. Implementations must be safe
// for concurrent use; launch and blocked-domain events arrive from
// worker goroutines.
type Notifier interface {
	Notify(Event)
}

// Terminal states, re-exported for callers.
type State = supervise.State

const (
	Completed = supervise.Completed
	Cancelled = supervise.Cancelled
	Failed    = supervise.Failed
)

// Outcome is the terminal result of one invocation.
type Outcome = supervise.Outcome

// RunIO wires an invocation to its environment.
type RunIO struct {
	// Context cancels the invocation when done. Optional.
	Context context.Context

	// Output receives the interpreter's combined stdout and stderr.
	// Nil discards output.
	Output OutputSink

	// Notifier receives user-facing events. Optional.
	Notifier Notifier

	// Settings provides interpreter and project configuration and
	// receives resolved roots. Required.
	Settings runtime.Settings

	// PollInterval overrides the supervision poll interval. Zero selects
	// the default.
	PollInterval time.Duration

	// RuntimeSpec selects the runtime's manifest and dependency-dir
	// markers. The zero value targets Node.js projects.
	RuntimeSpec runtime.Spec

	// HelperBinaryPath is the binary re-executed for the isolation
	// trampoline. Empty means the current executable.
	HelperBinaryPath string
}

// RunResult contains invocation metadata for the blocking Run call.
type RunResult struct {
	State    State
	ExitCode int
}
