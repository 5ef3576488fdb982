// Package config loads and persists per-project evaluation settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Settings file keys.
const (
	keyInterpreterPath    = "interpreter_path"
	keyCustomRoot         = "custom_root"
	keyRuntimeFlags       = "runtime_flags"
	keyResolvedRoot       = "resolved.root"
	keyResolvedDependency = "resolved.dependency_root"
)

// settingsDoc is the on-disk shape of the settings file.
type settingsDoc struct {
	InterpreterPath string         `yaml:"interpreter_path,omitempty"`
	CustomRoot      string         `yaml:"custom_root,omitempty"`
	RuntimeFlags    []string       `yaml:"runtime_flags,omitempty"`
	Options         map[string]any `yaml:"options,omitempty"`
	Resolved        struct {
		Root           string `yaml:"root,omitempty"`
		DependencyRoot string `yaml:"dependency_root,omitempty"`
	} `yaml:"resolved,omitempty"`
}

// FileSettings is a settings provider backed by a YAML file. Values set
// through the Set* methods override the file for the current process and
// are written back by PersistResolvedRoots.
type FileSettings struct {
	path string
	v    *viper.Viper

	// opts is kept outside viper: viper case-folds map keys, and the
	// options blob is opaque, so its keys must round-trip verbatim.
	opts map[string]any
}

// Load reads the settings file at path. A missing file is not an error;
// the returned provider starts empty and the file is created on first
// persist.
func Load(path string) (*FileSettings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read settings %s: %w", path, err)
		}
	}

	s := &FileSettings{path: path, v: v}

	if raw, err := os.ReadFile(path); err == nil {
		var doc settingsDoc
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("read settings %s: %w", path, err)
		}
		s.opts = doc.Options
	}

	return s, nil
}

// Path returns the backing file path.
func (s *FileSettings) Path() string {
	return s.path
}

func (s *FileSettings) InterpreterPath() string {
	return s.v.GetString(keyInterpreterPath)
}

func (s *FileSettings) CustomRoot() string {
	return s.v.GetString(keyCustomRoot)
}

func (s *FileSettings) RuntimeFlags() []string {
	return s.v.GetStringSlice(keyRuntimeFlags)
}

func (s *FileSettings) PersistedOptions() map[string]any {
	return s.opts
}

// ResolvedRoot returns the project root recorded by the last successful
// resolution, or "" when none was recorded yet.
func (s *FileSettings) ResolvedRoot() string {
	return s.v.GetString(keyResolvedRoot)
}

// ResolvedDependencyRoot returns the dependency directory recorded by
// the last successful resolution.
func (s *FileSettings) ResolvedDependencyRoot() string {
	return s.v.GetString(keyResolvedDependency)
}

// SetInterpreter overrides the interpreter binary for this process and
// future persists.
func (s *FileSettings) SetInterpreter(path string) {
	s.v.Set(keyInterpreterPath, path)
}

// SetCustomRoot overrides the project root for this process and future
// persists.
func (s *FileSettings) SetCustomRoot(path string) {
	s.v.Set(keyCustomRoot, path)
}

// SetRuntimeFlags overrides the interpreter flags for this process and
// future persists.
func (s *FileSettings) SetRuntimeFlags(flags []string) {
	s.v.Set(keyRuntimeFlags, flags)
}

// SetOptions replaces the opaque options blob.
func (s *FileSettings) SetOptions(opts map[string]any) {
	s.opts = opts
}

// PersistResolvedRoots records the normalized project and dependency
// roots and writes the settings file, creating its directory if needed.
// The file is written through yaml directly rather than viper's writer
// so option keys keep their original case.
func (s *FileSettings) PersistResolvedRoots(root, dependencyRoot string) error {
	s.v.Set(keyResolvedRoot, root)
	s.v.Set(keyResolvedDependency, dependencyRoot)

	doc := settingsDoc{
		InterpreterPath: s.InterpreterPath(),
		CustomRoot:      s.CustomRoot(),
		RuntimeFlags:    s.RuntimeFlags(),
		Options:         s.opts,
	}
	doc.Resolved.Root = root
	doc.Resolved.DependencyRoot = dependencyRoot

	raw, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create settings dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return fmt.Errorf("write settings %s: %w", s.path, err)
	}
	return nil
}
