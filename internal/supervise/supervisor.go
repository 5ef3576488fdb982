// Package supervise is the concurrency core: it spawns the interpreter
// process, drives a cancellable poll loop over its lifetime, streams
// output to the caller's sink in arrival order, and guarantees that the
// handle is released exactly once on every exit path.
package supervise

import (
	"fmt"
	"time"
)

// Poll interval bounds.
const (
	DefaultPollInterval = 250 * time.Millisecond
	minPollInterval     = 10 * time.Millisecond
)

// State is the terminal state of a supervised invocation.
type State int

const (
	// Completed means the process exited on its own; the exit code may
	// still be non-zero. The supervisor does not interpret it.
	Completed State = iota
	// Cancelled means the caller requested cancellation and the process
	// was forcibly destroyed.
	Cancelled
	// Failed means the process could not be spawned.
	Failed
)

func (s State) String() string {
	switch s {
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome is the tri-state result of one supervised invocation. It is
// returned, never thrown, so callers cannot silently drop cancellation.
type Outcome struct {
	State    State
	ExitCode int
	Err      error
}

// Supervisor drives a Handle from spawn to exactly one terminal state.
type Supervisor struct {
	// PollInterval is the wait between liveness/cancellation checks.
	// Zero selects DefaultPollInterval; values below the floor are
	// clamped. Worst-case cancellation latency is one interval.
	PollInterval time.Duration
}

// Supervise runs the full lifecycle. The caller is expected to invoke
// it on a dedicated worker goroutine; the loop blocks only on the poll
// sleep, never on process I/O (output is delivered through the router
// as it arrives).
//
// The router's terminate event fires after every preceding chunk has
// been flushed, and the handle is released on every return path.
func (s *Supervisor) Supervise(h Handle, token *Token, router *Router) Outcome {
	defer h.Release()

	router.Start()

	if err := h.Start(); err != nil {
		out := Outcome{State: Failed, ExitCode: -1, Err: fmt.Errorf("launch interpreter: %w", err)}
		router.Terminate(out)
		return out
	}

	// The bootstrap script blocks reading stdin until EOF, ensuring no
	// output is produced before the caller is attached. Closing stdin
	// right after spawn is that end-of-input signal.
	_ = h.CloseInput()

	interval := s.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if interval < minPollInterval {
		interval = minPollInterval
	}

	for {
		if token != nil && token.Cancelled() {
			h.Kill()
			out := Outcome{State: Cancelled, ExitCode: -1}
			router.Terminate(out)
			return out
		}
		if h.Terminated() {
			out := Outcome{State: Completed, ExitCode: h.ExitCode()}
			router.Terminate(out)
			return out
		}
		time.Sleep(interval)
	}
}
