//go:build linux

package platform

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	seccomp "github.com/elastic/go-seccomp-bpf"
	"github.com/landlock-lsm/go-landlock/landlock"
	landlocksys "github.com/landlock-lsm/go-landlock/landlock/syscall"
	"github.com/mkastrati/evalgate/internal/command"
	"golang.org/x/sys/unix"
)

// linuxSensitivePaths lists paths that must never be granted access on
// Linux. Any policy path that overlaps with these is rejected.
var linuxSensitivePaths = []string{
	"/etc/shadow",
	"/etc/passwd",
	"/etc/sudoers",
	"/var/run/secrets",
	"/boot",
	"/proc/kcore",
}

type linuxPlatform struct{}

// New returns the Platform implementation for Linux.
func New() (Platform, error) {
	return &linuxPlatform{}, nil
}

func (l *linuxPlatform) SensitivePaths() []string {
	return linuxSensitivePaths
}

// execPayload crosses the re-exec boundary in the environment.
type execPayload struct {
	Policy Policy   `json:"policy"`
	Path   string   `json:"path"`
	Args   []string `json:"args"`
}

func (l *linuxPlatform) Wrap(spec command.Command, pol Policy, selfExe string) (command.Command, error) {
	if pol.WorkDir == "" {
		pol.WorkDir = spec.Dir
	}
	if err := validatePolicy(&pol, l.SensitivePaths()); err != nil {
		return command.Command{}, err
	}

	encoded, err := encodePayload(execPayload{
		Policy: pol,
		Path:   spec.Path,
		Args:   spec.Args,
	})
	if err != nil {
		return command.Command{}, fmt.Errorf("encode isolation payload: %w", err)
	}

	env := spec.Env
	if len(env) == 0 {
		env = os.Environ()
	}

	return command.Command{
		Path:       selfExe,
		Args:       []string{InternalExecCommand},
		Dir:        spec.Dir,
		Env:        append(append([]string{}, env...), internalPayloadEnv+"="+encoded),
		RemoteHost: spec.RemoteHost,
	}, nil
}

// RunInternalExec applies kernel isolation and execs the interpreter.
// It is intentionally reachable only through the re-exec trampoline.
func (l *linuxPlatform) RunInternalExec() (int, error) {
	payload, err := decodePayload(os.Getenv(internalPayloadEnv))
	if err != nil {
		return 1, err
	}
	if payload.Path == "" {
		return 1, errors.New("isolation payload has empty interpreter path")
	}

	if err := setNoNewPrivs(); err != nil {
		return 1, fmt.Errorf("set no_new_privs: %w", err)
	}

	if err := applyLandlock(payload); err != nil {
		return 1, fmt.Errorf("apply landlock: %w", err)
	}

	if err := applySeccomp(payload.Policy); err != nil {
		return 1, fmt.Errorf("apply seccomp: %w", err)
	}

	if payload.Policy.WorkDir != "" {
		if err := os.Chdir(payload.Policy.WorkDir); err != nil {
			return 1, fmt.Errorf("chdir %q: %w", payload.Policy.WorkDir, err)
		}
	}

	interpPath, err := resolveInterpreterPath(payload.Path)
	if err != nil {
		return 1, fmt.Errorf("resolve interpreter %q: %w", payload.Path, err)
	}

	argv := append([]string{payload.Path}, payload.Args...)
	if err := syscall.Exec(interpPath, argv, childEnviron()); err != nil {
		return 1, fmt.Errorf("exec %q: %w", interpPath, err)
	}
	return 0, nil
}

func encodePayload(payload execPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodePayload(encoded string) (execPayload, error) {
	var payload execPayload

	if encoded == "" {
		return payload, errors.New("missing " + internalPayloadEnv)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("unmarshal payload: %w", err)
	}

	return payload, nil
}

// childEnviron is the current environment without the payload variable.
func childEnviron() []string {
	env := os.Environ()
	out := make([]string, 0, len(env))
	for _, e := range env {
		if strings.HasPrefix(e, internalPayloadEnv+"=") {
			continue
		}
		out = append(out, e)
	}
	return out
}

func resolveInterpreterPath(path string) (string, error) {
	if strings.Contains(path, "/") {
		return path, nil
	}
	return exec.LookPath(path)
}

// setNoNewPrivs prevents this process and descendants from gaining
// privileges via setuid/setgid binaries or file capabilities after
// isolation setup starts.
func setNoNewPrivs() error {
	return unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0)
}

// applyLandlock applies filesystem access rules using the Landlock API.
func applyLandlock(payload execPayload) error {
	rules := buildLandlockRules(payload)
	if len(rules) == 0 {
		return errors.New("landlock rule set is empty")
	}

	cfg, err := selectLandlockConfig()
	if err != nil {
		return err
	}

	// Fail-closed: require supported Landlock ABI on this kernel.
	if err := cfg.RestrictPaths(rules...); err != nil {
		if strings.Contains(err.Error(), "missing kernel Landlock support") ||
			strings.Contains(err.Error(), "landlock is not supported") {
			return fmt.Errorf("landlock unavailable on this kernel (%w)", err)
		}
		return err
	}
	return nil
}

func selectLandlockConfig() (landlock.Config, error) {
	abi, err := landlocksys.LandlockGetABIVersion()
	if err != nil {
		return landlock.Config{}, fmt.Errorf("landlock unavailable on this kernel (%w)", err)
	}

	switch {
	case abi >= 7:
		return landlock.V7, nil
	case abi == 6:
		return landlock.V6, nil
	case abi == 5:
		return landlock.V5, nil
	case abi == 4:
		return landlock.V4, nil
	case abi == 3:
		return landlock.V3, nil
	case abi == 2:
		return landlock.V2, nil
	case abi == 1:
		return landlock.V1, nil
	default:
		return landlock.Config{}, fmt.Errorf("landlock unavailable on this kernel (unsupported ABI v%d)", abi)
	}
}

func buildLandlockRules(payload execPayload) []landlock.Rule {
	pol := payload.Policy

	systemReadPaths := []string{
		"/bin", "/sbin", "/usr/bin", "/usr/sbin", "/usr/lib", "/usr/lib64",
		"/lib", "/lib64", "/etc/ld.so.cache", "/etc/ld.so.preload",
		"/etc/nsswitch.conf", "/etc/hosts", "/etc/resolv.conf", "/etc/localtime",
		"/etc/ssl", "/usr/share/zoneinfo", "/proc", "/sys/devices/system/cpu",
		"/dev/urandom",
	}

	rules := make([]landlock.Rule, 0, len(systemReadPaths)+len(pol.ReadPaths)+len(pol.WritePaths)+8)

	appendPathRule := func(path string, readOnly bool) {
		target := nearestExistingPath(path)
		info, err := os.Stat(target)
		if err != nil {
			return
		}
		if info.IsDir() {
			if readOnly {
				rules = append(rules, landlock.RODirs(target))
			} else {
				rules = append(rules, landlock.RWDirs(target))
			}
			return
		}
		if readOnly {
			rules = append(rules, landlock.ROFiles(target))
		} else {
			rules = append(rules, landlock.RWFiles(target))
		}
	}

	for _, path := range systemReadPaths {
		appendPathRule(path, true)
	}

	// Interpreters and their tooling commonly write to /dev/null.
	appendPathRule("/dev/null", false)

	if resolved, err := resolveInterpreterPath(payload.Path); err == nil {
		appendPathRule(resolved, true)
	}

	// The staged bootstrap and any interpreter scratch files live under
	// the temp dir.
	tmpDir := os.TempDir()
	if tmpDir != "" {
		if resolved, err := filepath.EvalSymlinks(tmpDir); err == nil {
			tmpDir = resolved
		}
		appendPathRule(tmpDir, false)
	}

	for _, path := range pol.ReadPaths {
		appendPathRule(path, true)
	}
	for _, path := range pol.WritePaths {
		appendPathRule(path, false)
	}

	if pol.WorkDir != "" {
		appendPathRule(pol.WorkDir, false)
	}

	return rules
}

func nearestExistingPath(path string) string {
	cleaned := filepath.Clean(path)
	for {
		if cleaned == "." || cleaned == "" {
			return "/"
		}
		if _, err := os.Stat(cleaned); err == nil {
			return cleaned
		}
		if cleaned == "/" {
			return "/"
		}
		cleaned = filepath.Dir(cleaned)
	}
}

func applySeccomp(pol Policy) error {
	denyNames := make(map[string]struct{})

	if !pol.AllowSubprocess {
		addSyscalls(denyNames, "clone", "fork", "vfork")
	}

	// Full deny-network mode blocks socket operations. Filtered mode
	// relies on the loopback guard and proxy environment wiring and
	// therefore keeps socket syscalls available.
	if !pol.AllowNet && !pol.FilteredNet {
		addSyscalls(denyNames,
			"socket", "socketpair", "connect", "bind",
			"listen", "accept", "accept4", "sendto",
			"sendmsg", "sendmmsg", "recvfrom", "recvmsg",
			"recvmmsg", "shutdown", "getsockopt",
			"setsockopt", "getsockname", "getpeername",
		)
	}

	return applySeccompDenyList(denyNames)
}

func addSyscalls(m map[string]struct{}, syscalls ...string) {
	for _, name := range syscalls {
		m[name] = struct{}{}
	}
}

func applySeccompDenyList(deny map[string]struct{}) error {
	policy := seccomp.Policy{
		DefaultAction: seccomp.ActionAllow,
	}

	if len(deny) == 0 {
		// Library policies must include at least one syscall group.
		// Keep seccomp installation active (fail-closed on unsupported
		// kernels) while producing a no-op allow-all policy.
		policy.Syscalls = append(policy.Syscalls, seccomp.SyscallGroup{
			Names:  []string{"read"},
			Action: seccomp.ActionAllow,
		})
	} else {
		names := make([]string, 0, len(deny))
		for name := range deny {
			names = append(names, name)
		}

		policy.Syscalls = append(policy.Syscalls, seccomp.SyscallGroup{
			Names:  names,
			Action: seccomp.Action(uint32(seccomp.ActionErrno) | uint32(syscall.EPERM)),
		})
	}

	filter := seccomp.Filter{
		NoNewPrivs: false,
		Flag:       seccomp.FilterFlagTSync,
		Policy:     policy,
	}

	if err := seccomp.LoadFilter(filter); err != nil {
		if errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EINVAL) {
			return fmt.Errorf("seccomp unavailable on this kernel (%w)", err)
		}
		return err
	}
	return nil
}
