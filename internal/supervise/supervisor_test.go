package supervise

import (
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/mkastrati/evalgate/internal/command"
)

func shellPath(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

// shellCommand builds a command that runs script through sh -c.
func shellCommand(t *testing.T, script string) command.Command {
	t.Helper()
	return command.Command{
		Path: shellPath(t),
		Args: []string{"-c", script},
	}
}

func TestSupervise_CompletedStreamsOutput(t *testing.T) {
	sink := &recordSink{}
	var terminal []Outcome
	router := NewRouter(sink, func(o Outcome) { terminal = append(terminal, o) })
	h := NewLocalHandle(shellCommand(t, "printf hello"), router)

	sup := &Supervisor{PollInterval: 20 * time.Millisecond}
	out := sup.Supervise(h, NewToken(), router)

	if out.State != Completed {
		t.Fatalf("state = %v, want completed", out.State)
	}
	if out.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", out.ExitCode)
	}
	if got := sink.Output(); got != "hello" {
		t.Fatalf("output = %q, want %q", got, "hello")
	}

	events := sink.Events()
	if len(events) == 0 || events[0] != "reset" {
		t.Fatalf("reset must precede all chunks, events = %#v", events)
	}
	if len(terminal) != 1 || terminal[0].State != Completed {
		t.Fatalf("terminal transitions = %#v, want one completed", terminal)
	}
}

func TestSupervise_NonZeroExitIsCompleted(t *testing.T) {
	router := NewRouter(nil, nil)
	h := NewLocalHandle(shellCommand(t, "exit 3"), router)

	sup := &Supervisor{PollInterval: 20 * time.Millisecond}
	out := sup.Supervise(h, NewToken(), router)

	// A crashing or failing snippet is a normal termination; the caller
	// interprets the status, not the supervisor.
	if out.State != Completed {
		t.Fatalf("state = %v, want completed", out.State)
	}
	if out.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", out.ExitCode)
	}
}

func TestSupervise_StdinGateReleasesChild(t *testing.T) {
	// cat blocks until its stdin reaches EOF; the supervisor's
	// end-of-input signal after spawn is what lets it finish.
	router := NewRouter(nil, nil)
	h := NewLocalHandle(shellCommand(t, "cat >/dev/null"), router)

	sup := &Supervisor{PollInterval: 20 * time.Millisecond}
	done := make(chan Outcome, 1)
	go func() { done <- sup.Supervise(h, NewToken(), router) }()

	select {
	case out := <-done:
		if out.State != Completed || out.ExitCode != 0 {
			t.Fatalf("outcome = %+v, want clean completion", out)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("child never observed end-of-input")
	}
}

func TestSupervise_SpawnFailure(t *testing.T) {
	sink := &recordSink{}
	var terminal []Outcome
	router := NewRouter(sink, func(o Outcome) { terminal = append(terminal, o) })
	h := NewLocalHandle(command.Command{Path: "/nonexistent/interpreter"}, router)

	sup := &Supervisor{}
	out := sup.Supervise(h, NewToken(), router)

	if out.State != Failed {
		t.Fatalf("state = %v, want failed", out.State)
	}
	if out.Err == nil || !strings.Contains(out.Err.Error(), "launch interpreter") {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if len(terminal) != 1 || terminal[0].State != Failed {
		t.Fatalf("terminal transitions = %#v, want one failed", terminal)
	}
}

func TestSupervise_CancelDestroysWithinInterval(t *testing.T) {
	router := NewRouter(nil, nil)
	h := NewLocalHandle(shellCommand(t, "sleep 30"), router)

	token := NewToken()
	time.AfterFunc(100*time.Millisecond, token.Cancel)

	sup := &Supervisor{PollInterval: 250 * time.Millisecond}
	start := time.Now()
	out := sup.Supervise(h, token, router)
	elapsed := time.Since(start)

	if out.State != Cancelled {
		t.Fatalf("state = %v, want cancelled", out.State)
	}
	// Cancel fired at 100ms with a 250ms poll: teardown is due within
	// roughly one interval after the request, so ~250-500ms total. The
	// bound leaves slack for scheduling but fails a regressed loop.
	if elapsed > time.Second {
		t.Fatalf("cancellation took %v, want within about one poll interval", elapsed)
	}
}

func TestSupervise_ReleaseIdempotent(t *testing.T) {
	router := NewRouter(nil, nil)
	h := NewLocalHandle(shellCommand(t, "true"), router)

	sup := &Supervisor{PollInterval: 20 * time.Millisecond}
	if out := sup.Supervise(h, NewToken(), router); out.State != Completed {
		t.Fatalf("outcome = %+v", out)
	}

	// Supervise already released the handle; further releases and input
	// closes must be no-ops.
	h.Release()
	h.Release()
	if err := h.CloseInput(); err != nil {
		t.Fatalf("CloseInput on released handle: %v", err)
	}
}

func TestHandle_BeforeStart(t *testing.T) {
	h := NewLocalHandle(shellCommand(t, "true"), NewRouter(nil, nil))
	if h.Terminated() {
		t.Fatal("handle terminated before start")
	}
	if code := h.ExitCode(); code != -1 {
		t.Fatalf("exit code before start = %d, want -1", code)
	}
	if h.Kind() != KindLocal {
		t.Fatalf("kind = %q, want local", h.Kind())
	}
}

func TestRemoteHandle_Kind(t *testing.T) {
	h := NewRemoteHandle(command.Command{
		Path:       "node",
		Args:       []string{"/tmp/boot.js", "1+1", "{}"},
		Dir:        "/srv/app",
		RemoteHost: "build-box",
	}, NewRouter(nil, nil))
	if h.Kind() != KindRemote {
		t.Fatalf("kind = %q, want remote", h.Kind())
	}
}

func TestToken(t *testing.T) {
	tok := NewToken()
	if tok.Cancelled() {
		t.Fatal("new token must start unset")
	}
	tok.Cancel()
	tok.Cancel()
	if !tok.Cancelled() {
		t.Fatal("token not observed after Cancel")
	}
}
