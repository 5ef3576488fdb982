//go:build linux

package platform

import (
	"slices"
	"strings"
	"testing"

	"github.com/mkastrati/evalgate/internal/command"
)

func TestLinuxSensitivePaths(t *testing.T) {
	l := &linuxPlatform{}
	paths := l.SensitivePaths()
	want := []string{
		"/etc/shadow",
		"/etc/passwd",
		"/etc/sudoers",
		"/var/run/secrets",
		"/boot",
		"/proc/kcore",
	}

	for _, expected := range want {
		if !slices.Contains(paths, expected) {
			t.Fatalf("SensitivePaths missing %q", expected)
		}
	}
}

func TestWrap_RewritesToTrampoline(t *testing.T) {
	l := &linuxPlatform{}
	dir := t.TempDir()

	spec := command.Command{
		Path: "/usr/bin/node",
		Args: []string{"/tmp/boot.js", "2+2", "{}"},
		Dir:  dir,
		Env:  []string{"PATH=/usr/bin"},
	}
	wrapped, err := l.Wrap(spec, Policy{AllowSubprocess: true}, "/opt/evalgate/bin/evalgate")
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	if wrapped.Path != "/opt/evalgate/bin/evalgate" {
		t.Fatalf("path = %q", wrapped.Path)
	}
	if !slices.Equal(wrapped.Args, []string{InternalExecCommand}) {
		t.Fatalf("args = %#v", wrapped.Args)
	}
	if wrapped.Dir != dir {
		t.Fatalf("dir = %q", wrapped.Dir)
	}

	var payloadVar string
	for _, e := range wrapped.Env {
		if strings.HasPrefix(e, internalPayloadEnv+"=") {
			payloadVar = strings.TrimPrefix(e, internalPayloadEnv+"=")
		}
	}
	if payloadVar == "" {
		t.Fatal("missing payload variable in wrapped env")
	}

	decoded, err := decodePayload(payloadVar)
	if err != nil {
		t.Fatalf("decodePayload: %v", err)
	}
	if decoded.Path != "/usr/bin/node" {
		t.Fatalf("payload path = %q", decoded.Path)
	}
	if !slices.Equal(decoded.Args, spec.Args) {
		t.Fatalf("payload args = %#v", decoded.Args)
	}
	if !decoded.Policy.AllowSubprocess {
		t.Fatal("expected AllowSubprocess to survive the payload")
	}
	if decoded.Policy.WorkDir != dir {
		t.Fatalf("payload work dir = %q, want %q", decoded.Policy.WorkDir, dir)
	}
}

func TestWrap_RejectsSensitivePaths(t *testing.T) {
	l := &linuxPlatform{}
	spec := command.Command{Path: "/usr/bin/node"}

	_, err := l.Wrap(spec, Policy{ReadPaths: []string{"/etc/shadow"}}, "/opt/evalgate")
	if err == nil {
		t.Fatal("expected sensitive read path to be rejected")
	}
	if !strings.Contains(err.Error(), "sensitive") {
		t.Fatalf("err = %v", err)
	}
}

func TestWrap_RejectsRelativePaths(t *testing.T) {
	l := &linuxPlatform{}
	spec := command.Command{Path: "/usr/bin/node"}

	_, err := l.Wrap(spec, Policy{WritePaths: []string{"relative/dir"}}, "/opt/evalgate")
	if err == nil || !strings.Contains(err.Error(), "absolute") {
		t.Fatalf("err = %v, want absolute-path rejection", err)
	}
}

func TestEncodeDecodePayload(t *testing.T) {
	encoded, err := encodePayload(execPayload{
		Policy: Policy{AllowNet: true, WorkDir: "/srv/project"},
		Path:   "/usr/bin/node",
		Args:   []string{"/tmp/boot.js", "1", "{}"},
	})
	if err != nil {
		t.Fatalf("encodePayload: %v", err)
	}

	decoded, err := decodePayload(encoded)
	if err != nil {
		t.Fatalf("decodePayload: %v", err)
	}

	if !decoded.Policy.AllowNet {
		t.Fatal("expected AllowNet=true")
	}
	if decoded.Policy.WorkDir != "/srv/project" {
		t.Fatalf("work dir = %q", decoded.Policy.WorkDir)
	}
	if got := strings.Join(decoded.Args, " "); got != "/tmp/boot.js 1 {}" {
		t.Fatalf("unexpected args %q", got)
	}
}

func TestDecodePayload_Missing(t *testing.T) {
	if _, err := decodePayload(""); err == nil {
		t.Fatal("expected error for empty payload")
	}
}
