// Package evalgate evaluates code snippets in their project context. It
// resolves the interpreter and project root, stages the evaluation
// payload, launches the interpreter, streams its output, and supports
// cooperative cancellation.
package evalgate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mkastrati/evalgate/internal/command"
	"github.com/mkastrati/evalgate/internal/netguard"
	"github.com/mkastrati/evalgate/internal/platform"
	"github.com/mkastrati/evalgate/internal/runtime"
	"github.com/mkastrati/evalgate/internal/stage"
	"github.com/mkastrati/evalgate/internal/supervise"
)

// Invocation is a live snippet evaluation. It reaches exactly one
// terminal state; Cancel after that state is a no-op.
type Invocation struct {
	token   *supervise.Token
	done    chan struct{}
	outcome Outcome
}

// Cancel requests cooperative cancellation. Safe to call from any
// goroutine, any number of times.
func (inv *Invocation) Cancel() {
	inv.token.Cancel()
}

// Done is closed when the invocation reaches its terminal state.
func (inv *Invocation) Done() <-chan struct{} {
	return inv.done
}

// Outcome blocks until the invocation terminates and returns its
// terminal result.
func (inv *Invocation) Outcome() Outcome {
	<-inv.done
	return inv.outcome
}

// Start begins an evaluation and returns without waiting for it.
// Resolution and validation failures are reported synchronously (and to
// the Notifier); launch failures surface in the Outcome.
func Start(req RunRequest, ioCfg RunIO) (*Invocation, error) {
	if ioCfg.Settings == nil {
		return nil, errors.New("settings provider is required")
	}

	policy := command.NetPolicy{
		AllowNet:     req.AllowNet,
		AllowDomains: req.AllowDomains,
		DenyDomains:  req.DenyDomains,
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if req.RemoteHost != "" {
		if req.Isolate {
			return nil, errors.New("isolation cannot be applied to a remote interpreter")
		}
		// The guard listens on the local loopback, unreachable from the
		// remote host, and ssh does not forward the proxy environment.
		if policy.Filtered() {
			return nil, errors.New("domain filters cannot be applied to a remote interpreter")
		}
	}

	resolver := runtime.Resolver{Spec: ioCfg.RuntimeSpec}
	cfg, err := resolver.Resolve(req.StartDir, ioCfg.Settings)
	if err != nil {
		notifyResolveFailure(ioCfg.Notifier, err)
		return nil, err
	}

	payload, err := stage.Stage(req.Source, mergeOptions(cfg.Options, req.Options))
	if err != nil {
		return nil, err
	}

	spec := command.Build(cfg, payload)
	spec.RemoteHost = req.RemoteHost

	var guard *netguard.Guard
	if policy.Filtered() {
		guard = netguard.New(policy)
		if notifier := ioCfg.Notifier; notifier != nil {
			guard.OnBlocked = func(domain string) {
				notifier.Notify(Event{Kind: EventDomainBlocked, Path: domain})
			}
		}
		addr, err := guard.Start()
		if err != nil {
			payload.Remove()
			return nil, err
		}
		spec.Env = command.ProxyEnv(os.Environ(), addr)
	}

	if req.Isolate {
		plat, err := platform.New()
		if err != nil {
			cleanupStart(payload, guard)
			return nil, err
		}
		selfExe := ioCfg.HelperBinaryPath
		if selfExe == "" {
			selfExe, err = os.Executable()
			if err != nil {
				cleanupStart(payload, guard)
				return nil, fmt.Errorf("resolve executable path: %w", err)
			}
		}
		spec, err = plat.Wrap(spec, platform.Policy{
			ReadPaths:       req.IsolateReadPaths,
			WritePaths:      req.IsolateWritePaths,
			AllowNet:        policy.AllowNet,
			FilteredNet:     policy.Filtered(),
			AllowSubprocess: req.AllowSubprocess,
			WorkDir:         cfg.WorkDir,
		}, selfExe)
		if err != nil {
			cleanupStart(payload, guard)
			return nil, err
		}
	}

	inv := &Invocation{
		token: supervise.NewToken(),
		done:  make(chan struct{}),
	}

	router := supervise.NewRouter(ioCfg.Output, nil)

	var handle supervise.Handle
	if req.RemoteHost != "" {
		handle = supervise.NewRemoteHandle(spec, router)
	} else {
		handle = supervise.NewLocalHandle(spec, router)
	}

	sup := &supervise.Supervisor{PollInterval: ioCfg.PollInterval}

	go func() {
		defer close(inv.done)

		out := sup.Supervise(handle, inv.token, router)
		if out.State == Failed && ioCfg.Notifier != nil {
			ioCfg.Notifier.Notify(Event{
				Kind:    EventInterpreterLaunchError,
				Path:    spec.Path,
				Message: out.Err.Error(),
			})
		}

		payload.Remove()
		if guard != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = guard.Stop(ctx)
			cancel()
		}

		inv.outcome = out
	}()

	if ctx := ioCfg.Context; ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				inv.token.Cancel()
			case <-inv.done:
			}
		}()
	}

	return inv, nil
}

// Run evaluates a snippet and blocks until it terminates. Cancellation
// is a result, not an error.
func Run(req RunRequest, ioCfg RunIO) (RunResult, error) {
	inv, err := Start(req, ioCfg)
	if err != nil {
		return RunResult{}, err
	}

	out := inv.Outcome()
	if out.State == Failed {
		return RunResult{}, out.Err
	}
	return RunResult{State: out.State, ExitCode: out.ExitCode}, nil
}

func cleanupStart(payload *stage.Payload, guard *netguard.Guard) {
	payload.Remove()
	if guard != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = guard.Stop(ctx)
		cancel()
	}
}

// mergeOptions layers request options over the persisted ones.
func mergeOptions(persisted, request map[string]any) map[string]any {
	if len(request) == 0 {
		return persisted
	}
	merged := make(map[string]any, len(persisted)+len(request))
	for k, v := range persisted {
		merged[k] = v
	}
	for k, v := range request {
		merged[k] = v
	}
	return merged
}

func notifyResolveFailure(n Notifier, err error) {
	if n == nil {
		return
	}

	var invalidRoot *runtime.InvalidRootError
	var missingDeps *runtime.MissingDependenciesError

	switch {
	case errors.Is(err, runtime.ErrNoInterpreter):
		n.Notify(Event{Kind: EventNoInterpreter})
	case errors.As(err, &invalidRoot):
		n.Notify(Event{Kind: EventInvalidRoot, Path: invalidRoot.Path})
	case errors.As(err, &missingDeps):
		n.Notify(Event{Kind: EventMissingDependencies, Path: missingDeps.Path})
	}
}
