package supervise

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/mkastrati/evalgate/internal/command"
)

// Handle variant kinds.
const (
	KindLocal  = "local"
	KindRemote = "remote"
)

// Handle wraps a spawned interpreter process, its standard streams, and
// its termination flag. Exactly one Handle exists per invocation; it is
// owned by the Supervisor for the invocation's lifetime. A terminated
// handle is never reused or re-polled, and Release is idempotent.
type Handle interface {
	// Kind reports the handle variant (local or remote). Construction
	// picks the variant; everything downstream is variant-agnostic.
	Kind() string

	// Start spawns the process. A spawn failure leaves no process behind.
	Start() error

	// CloseInput sends the end-of-input signal on the child's stdin.
	CloseInput() error

	// Terminated reports, without blocking, whether the process has
	// exited and all of its output has been flushed.
	Terminated() bool

	// ExitCode returns the exit status once Terminated reports true,
	// and -1 before that.
	ExitCode() int

	// Kill forcibly destroys the process and its process group.
	Kill()

	// Release closes the handle's streams and marks it inactive. Safe to
	// call any number of times; only the first call has an effect.
	Release()
}

type procHandle struct {
	kind  string
	cmd   *exec.Cmd
	stdin io.WriteCloser

	started bool
	waitCh  chan struct{}
	exit    int

	closeOnce   sync.Once
	releaseOnce sync.Once
}

// NewLocalHandle prepares a handle that runs the interpreter directly on
// this machine. Stdout and stderr share out so chunks arrive in emission
// order.
func NewLocalHandle(spec command.Command, out io.Writer) Handle {
	c := exec.Command(spec.Path, spec.Args...)
	c.Dir = spec.Dir
	if len(spec.Env) > 0 {
		c.Env = spec.Env
	}
	c.Stdout = out
	c.Stderr = out
	setProcessGroup(c)
	return &procHandle{kind: KindLocal, cmd: c, waitCh: make(chan struct{})}
}

// NewRemoteHandle prepares a handle that runs the interpreter on a
// remote host over ssh. The supervision loop is identical to the local
// variant; only the transport differs. The project root and the staged
// payload must be reachable on the remote host (shared filesystem).
func NewRemoteHandle(spec command.Command, out io.Writer) Handle {
	var sb strings.Builder
	if spec.Dir != "" {
		sb.WriteString("cd " + shellQuote(spec.Dir) + " && ")
	}
	sb.WriteString(shellQuote(spec.Path))
	for _, a := range spec.Args {
		sb.WriteString(" ")
		sb.WriteString(shellQuote(a))
	}

	c := exec.Command("ssh", "-o", "BatchMode=yes", spec.RemoteHost, sb.String())
	if len(spec.Env) > 0 {
		c.Env = spec.Env
	}
	c.Stdout = out
	c.Stderr = out
	setProcessGroup(c)
	return &procHandle{kind: KindRemote, cmd: c, waitCh: make(chan struct{})}
}

func (h *procHandle) Kind() string {
	return h.kind
}

func (h *procHandle) Start() error {
	stdin, err := h.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open stdin pipe: %w", err)
	}
	h.stdin = stdin

	if err := h.cmd.Start(); err != nil {
		_ = stdin.Close()
		return err
	}
	h.started = true

	// Wait reaps the process and joins the stream copy goroutines, so
	// waitCh closes only after every output chunk has been flushed.
	go func() {
		err := h.cmd.Wait()
		h.exit = waitExitCode(err)
		close(h.waitCh)
	}()
	return nil
}

func (h *procHandle) CloseInput() error {
	if h.stdin == nil {
		return nil
	}
	var err error
	h.closeOnce.Do(func() {
		err = h.stdin.Close()
	})
	return err
}

func (h *procHandle) Terminated() bool {
	if !h.started {
		return false
	}
	select {
	case <-h.waitCh:
		return true
	default:
		return false
	}
}

func (h *procHandle) ExitCode() int {
	select {
	case <-h.waitCh:
		return h.exit
	default:
		return -1
	}
}

func (h *procHandle) Kill() {
	if !h.started || h.cmd.Process == nil {
		return
	}
	killProcessGroup(h.cmd.Process.Pid)
}

func (h *procHandle) Release() {
	h.releaseOnce.Do(func() {
		_ = h.CloseInput()
	})
}

// waitExitCode normalizes the error from exec.Cmd.Wait into an exit
// status. A killed process reports -1, matching the cancelled outcome.
func waitExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// shellQuote wraps s in single quotes for the remote shell command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
