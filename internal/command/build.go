// Package command assembles the interpreter command line for one
// evaluation and validates the network policy that governs it.
package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mkastrati/evalgate/internal/runtime"
	"github.com/mkastrati/evalgate/internal/stage"
)

// Command is a fully assembled interpreter invocation. It carries no
// process state; handles in the supervise package turn it into a running
// process.
type Command struct {
	Path string
	Args []string
	// Dir is the working directory the interpreter starts in.
	Dir string
	// Env is the child environment. Empty means inherit.
	Env []string
	// RemoteHost selects the remote transport when non-empty.
	RemoteHost string
}

// Build assembles the command line for one evaluation. Interpreter flags
// come first, then exactly three positional arguments: the staged
// bootstrap path, the snippet source, and the serialized options.
func Build(cfg runtime.Config, payload *stage.Payload) Command {
	args := make([]string, 0, len(cfg.ExtraArgs)+3)
	args = append(args, cfg.ExtraArgs...)
	args = append(args, payload.Args()...)

	return Command{
		Path: cfg.InterpreterPath,
		Args: args,
		Dir:  cfg.WorkDir,
	}
}

// Domain validation errors. Use errors.Is to check for them.
var (
	ErrDomainEmpty  = errors.New("domain must not be empty")
	ErrDomainScheme = errors.New("must be a domain name, not a URL (remove the scheme)")
	ErrDomainPath   = errors.New("must be a domain name, not a URL path")
	ErrDomainSpace  = errors.New("domain must not contain spaces")
)

// NetPolicy describes the network access granted to the interpreter.
// Domain filters route traffic through the loopback guard; outright
// denial of the zero value is enforced only under OS isolation, where
// socket syscalls are blocked.
type NetPolicy struct {
	// AllowNet grants unrestricted network access.
	AllowNet bool
	// AllowDomains permits only the listed domains (filtered mode).
	AllowDomains []string
	// DenyDomains blocks the listed domains and permits the rest
	// (filtered mode).
	DenyDomains []string
}

// Filtered reports whether the policy routes traffic through the
// filtering proxy rather than granting or denying access outright.
func (p NetPolicy) Filtered() bool {
	return !p.AllowNet && (len(p.AllowDomains) > 0 || len(p.DenyDomains) > 0)
}

// Validate checks the policy for logical consistency.
// It returns a combined error of every issue found.
func (p NetPolicy) Validate() error {
	var errs []error

	for _, d := range p.AllowDomains {
		if err := validateDomain(d); err != nil {
			errs = append(errs, fmt.Errorf("allow domain %q: %w", d, err))
		}
	}
	for _, d := range p.DenyDomains {
		if err := validateDomain(d); err != nil {
			errs = append(errs, fmt.Errorf("deny domain %q: %w", d, err))
		}
	}

	// Domain filters only apply in filtered mode.
	if p.AllowNet && (len(p.AllowDomains) > 0 || len(p.DenyDomains) > 0) {
		errs = append(errs, errors.New("unrestricted network access cannot be combined with domain filters"))
	}

	// Allowlist and denylist are mutually exclusive to avoid ambiguous semantics.
	if len(p.AllowDomains) > 0 && len(p.DenyDomains) > 0 {
		errs = append(errs, errors.New("allow and deny domain lists cannot be combined"))
	}

	return errors.Join(errs...)
}

// validateDomain checks that d is a bare hostname (with optional wildcard
// prefix), not a URL or path. This catches mistakes like passing
// "https://example.com" instead of "example.com".
func validateDomain(d string) error {
	if d == "" {
		return ErrDomainEmpty
	}
	if strings.Contains(d, "://") {
		return ErrDomainScheme
	}
	if strings.Contains(d, "/") {
		return ErrDomainPath
	}
	if strings.Contains(d, " ") {
		return ErrDomainSpace
	}
	return nil
}

// ProxyEnv returns baseEnv with the proxy variables pointed at addr.
// Existing proxy vars are removed first, then replaced.
func ProxyEnv(baseEnv []string, addr string) []string {
	proxyURL := "http://" + addr

	skip := map[string]bool{
		"HTTP_PROXY":  true,
		"http_proxy":  true,
		"HTTPS_PROXY": true,
		"https_proxy": true,
		"NO_PROXY":    true,
		"no_proxy":    true,
		"ALL_PROXY":   true,
		"all_proxy":   true,
	}

	env := make([]string, 0, len(baseEnv)+6)
	for _, e := range baseEnv {
		name, _, _ := strings.Cut(e, "=")
		if skip[name] {
			continue
		}
		env = append(env, e)
	}

	return append(env,
		"HTTP_PROXY="+proxyURL,
		"http_proxy="+proxyURL,
		"HTTPS_PROXY="+proxyURL,
		"https_proxy="+proxyURL,
		"NO_PROXY=",
		"no_proxy=",
	)
}
