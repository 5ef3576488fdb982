// Package platform applies OS-level isolation to interpreter processes.
//
// On Linux the interpreter command is rewritten to re-enter this binary,
// which applies Landlock filesystem rules and a seccomp denylist before
// exec'ing the real interpreter. Other platforms report isolation as
// unavailable.
package platform

import "github.com/mkastrati/evalgate/internal/command"

// InternalExecCommand is the hidden subcommand that applies kernel
// isolation and execs the interpreter. The main entrypoint must dispatch
// it before normal argument parsing.
const InternalExecCommand = "__evalgate_internal_exec"

// internalPayloadEnv carries the encoded isolation payload from the
// parent to the re-exec'd child.
const internalPayloadEnv = "EVALGATE_INTERNAL_EXEC_PAYLOAD"

// Policy describes the isolation granted to one evaluation. Paths not
// listed (beyond the baseline system paths) are inaccessible.
type Policy struct {
	// ReadPaths are extra paths the interpreter may read.
	ReadPaths []string
	// WritePaths are extra paths the interpreter may read and write.
	WritePaths []string

	// AllowNet leaves socket syscalls available. FilteredNet does too,
	// since filtered traffic flows through the loopback guard.
	AllowNet    bool
	FilteredNet bool

	// AllowSubprocess leaves process creation syscalls available.
	// Interpreters that use worker threads need this.
	AllowSubprocess bool

	// WorkDir is the directory the interpreter starts in. It is granted
	// read-write access.
	WorkDir string
}

// Platform abstracts OS-specific isolation behaviour.
type Platform interface {
	// SensitivePaths returns paths that must never be granted access on
	// this platform. Used during policy validation.
	SensitivePaths() []string

	// Wrap validates the policy and rewrites spec into a re-exec of
	// selfExe that applies isolation before running the interpreter.
	Wrap(spec command.Command, pol Policy, selfExe string) (command.Command, error)

	// RunInternalExec executes the internal isolation entrypoint. It
	// only returns on failure; on success the process is replaced by
	// the interpreter.
	RunInternalExec() (int, error)
}
