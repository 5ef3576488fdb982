// Package stage materializes the executable payload for one
// invocation: the embedded bootstrap script copied to a fresh temporary
// file, the snippet source, and the serialized runtime options.
package stage

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

//go:embed bootstrap.js
var bootstrapScript []byte

// ErrStaging marks temporary-file staging failures. Staging failures
// are fatal for the invocation. Use errors.Is.
var ErrStaging = errors.New("payload staging failed")

// Payload is the staged, executable form of a snippet. It is owned
// exclusively by the invocation that created it and is never shared
// across concurrent runs.
type Payload struct {
	// BootstrapPath is the temporary file holding the bootstrap script.
	BootstrapPath string
	// Source is the raw snippet source, passed as a process argument.
	Source string
	// OptionsJSON is the serialized runtime options blob.
	OptionsJSON string

	removeOnce sync.Once
}

// Stage writes the embedded bootstrap script to a fresh temporary file
// and serializes options for transport as a process argument. A new
// file is created per invocation, never reused: runtime instrumentation
// such as step-debuggers can only attach to code executed from a file.
func Stage(source string, options map[string]any) (*Payload, error) {
	if options == nil {
		options = map[string]any{}
	}
	raw, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("%w: serialize options: %v", ErrStaging, err)
	}

	f, err := os.CreateTemp("", "evalgate-*.js")
	if err != nil {
		return nil, fmt.Errorf("%w: create temp file: %v", ErrStaging, err)
	}
	if _, err := f.Write(bootstrapScript); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("%w: write bootstrap: %v", ErrStaging, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("%w: close bootstrap: %v", ErrStaging, err)
	}

	return &Payload{
		BootstrapPath: f.Name(),
		Source:        source,
		OptionsJSON:   string(raw),
	}, nil
}

// Args returns the three positional process arguments in their fixed
// order: [bootstrapPath, source, serializedOptions].
func (p *Payload) Args() []string {
	return []string{p.BootstrapPath, p.Source, p.OptionsJSON}
}

// Remove deletes the staged bootstrap file. Best-effort and idempotent.
func (p *Payload) Remove() {
	p.removeOnce.Do(func() {
		_ = os.Remove(p.BootstrapPath)
	})
}
