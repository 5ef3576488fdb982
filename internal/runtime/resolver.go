// Package runtime resolves the per-invocation runtime configuration:
// which interpreter binary to launch, which project root to run it in,
// and which flags and options travel with it.
package runtime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Settings is the narrow contract against the host's configuration
// provider. Implementations own persistence; the resolver only reads
// and writes through this interface.
type Settings interface {
	// InterpreterPath returns the configured interpreter binary, or ""
	// when none is configured.
	InterpreterPath() string

	// CustomRoot returns the user-supplied project root override, or ""
	// to use manifest discovery.
	CustomRoot() string

	// RuntimeFlags returns the interpreter's runtime/debug flags from
	// the run-configuration template, in order.
	RuntimeFlags() []string

	// PersistedOptions returns the opaque options blob.
	PersistedOptions() map[string]any

	// PersistResolvedRoots stores the normalized project and dependency
	// roots back into the settings state.
	PersistResolvedRoots(root, dependencyRoot string) error
}

// ErrNoInterpreter is returned when no interpreter binary is
// configured. Use errors.Is.
var ErrNoInterpreter = errors.New("no interpreter configured")

// InvalidRootError reports a custom project root that lacks the
// manifest marker file.
type InvalidRootError struct {
	Path string
}

func (e *InvalidRootError) Error() string {
	return fmt.Sprintf("invalid project root %q: manifest marker not found", e.Path)
}

// MissingDependenciesError reports an absent dependency directory under
// the resolved project root.
type MissingDependenciesError struct {
	Path string
}

func (e *MissingDependenciesError) Error() string {
	return fmt.Sprintf("dependency directory %q does not exist", e.Path)
}

// Spec names the files that define a project for a given interpreter
// ecosystem. The zero value targets Node.js projects.
type Spec struct {
	// Manifest is the file whose presence marks a project root.
	Manifest string
	// DependencyDir is the directory whose presence confirms the
	// project's libraries are installed. Validated, never inspected.
	DependencyDir string
}

const (
	defaultManifest      = "package.json"
	defaultDependencyDir = "node_modules"
)

func (s Spec) manifest() string {
	if s.Manifest != "" {
		return s.Manifest
	}
	return defaultManifest
}

func (s Spec) dependencyDir() string {
	if s.DependencyDir != "" {
		return s.DependencyDir
	}
	return defaultDependencyDir
}

// Config is the immutable runtime configuration for one invocation.
// Settings are snapshotted in, so concurrent invocations never share
// mutable state.
type Config struct {
	InterpreterPath string
	// WorkDir is the resolved project root, never a dependency
	// subdirectory.
	WorkDir string
	// ExtraArgs are the interpreter's own runtime/debug flags, ordered.
	ExtraArgs []string
	// Options is the persisted opaque options blob.
	Options map[string]any
}

// Resolver determines the runtime configuration for an invocation.
type Resolver struct {
	Spec Spec
}

// Resolve validates the settings in a fixed order and snapshots them
// into a Config. Validation failures are user-actionable and never
// retried: the caller surfaces them once and aborts the run.
//
// Order: (a) an interpreter must be configured, else ErrNoInterpreter;
// (b) a custom root, when set, must contain the manifest marker, else
// InvalidRootError; (c) the dependency directory must exist under the
// resolved root, else MissingDependenciesError. On success the
// normalized roots are persisted back through the provider.
func (r *Resolver) Resolve(startDir string, settings Settings) (Config, error) {
	interp := settings.InterpreterPath()
	if interp == "" {
		return Config{}, ErrNoInterpreter
	}

	var root string
	if override := settings.CustomRoot(); override != "" {
		if !fileExists(filepath.Join(override, r.Spec.manifest())) {
			return Config{}, &InvalidRootError{Path: override}
		}
		root = override
	} else {
		root = discoverRoot(startDir, r.Spec.manifest())
	}
	root = normalizePath(root)

	depDir := filepath.Join(root, r.Spec.dependencyDir())
	if !dirExists(depDir) {
		return Config{}, &MissingDependenciesError{Path: depDir}
	}

	if err := settings.PersistResolvedRoots(root, depDir); err != nil {
		return Config{}, fmt.Errorf("persist resolved roots: %w", err)
	}

	return Config{
		InterpreterPath: interp,
		WorkDir:         root,
		ExtraArgs:       append([]string{}, settings.RuntimeFlags()...),
		Options:         cloneOptions(settings.PersistedOptions()),
	}, nil
}

// discoverRoot walks up from dir to the nearest directory containing
// the manifest. When none exists the start directory itself is
// returned; the dependency check decides whether that is workable.
func discoverRoot(dir, manifest string) string {
	cur := normalizePath(dir)
	for {
		if fileExists(filepath.Join(cur, manifest)) {
			return cur
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return normalizePath(dir)
		}
		cur = parent
	}
}

// normalizePath makes p absolute and resolves symlinks. Resolution
// failures keep the cleaned path.
func normalizePath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	return filepath.Clean(p)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func cloneOptions(opts map[string]any) map[string]any {
	if opts == nil {
		return nil
	}
	out := make(map[string]any, len(opts))
	for k, v := range opts {
		out[k] = v
	}
	return out
}
