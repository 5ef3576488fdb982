// Package cli implements the evalgate command line.
package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/mkastrati/evalgate/internal/config"
	"github.com/mkastrati/evalgate/pkg/evalgate"
)

// multiFlag is a flag.Value that accumulates multiple string values.
type multiFlag []string

func (m *multiFlag) String() string {
	return strings.Join(*m, ", ")
}

func (m *multiFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

// boolFlag is a flag.Value that tracks whether it was explicitly set.
type boolFlag struct {
	value bool
	set   bool
}

func (b *boolFlag) String() string {
	if b == nil {
		return "false"
	}
	return fmt.Sprintf("%t", b.value)
}

func (b *boolFlag) Set(value string) error {
	parsed, err := parseBool(value)
	if err != nil {
		return err
	}
	b.value = parsed
	b.set = true
	return nil
}

func (*boolFlag) IsBoolFlag() bool {
	return true
}

// stringFlag is a flag.Value that tracks whether it was explicitly set.
type stringFlag struct {
	value string
	set   bool
}

func (s *stringFlag) String() string {
	if s == nil {
		return ""
	}
	return s.value
}

func (s *stringFlag) Set(value string) error {
	s.value = value
	s.set = true
	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "1", "t", "true", "y", "yes":
		return true, nil
	case "0", "f", "false", "n", "no":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value %q", value)
	}
}

// runFlags holds the raw values parsed from the "run" subcommand flags.
type runFlags struct {
	source       stringFlag
	interpreter  stringFlag
	root         stringFlag
	dir          stringFlag
	remote       stringFlag
	settingsPath string
	profilePath  string
	pollInterval time.Duration

	runtimeFlags multiFlag
	allowDomains multiFlag
	denyDomains  multiFlag
	readPaths    multiFlag
	writePaths   multiFlag

	allowNet        boolFlag
	isolate         boolFlag
	allowSubprocess boolFlag

	args  []string
	usage func()
}

// parseRunFlags parses CLI arguments for the "run" subcommand.
func parseRunFlags(args []string) (*runFlags, int) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)

	f := &runFlags{}

	fs.Var(&f.source, "e", "Snippet source to evaluate (alternative to a file argument)")
	fs.Var(&f.interpreter, "interpreter", "Interpreter binary (overrides settings)")
	fs.Var(&f.root, "root", "Project root override (must contain the manifest)")
	fs.Var(&f.dir, "dir", "Directory where project discovery starts (default: current directory)")
	fs.Var(&f.remote, "remote", "Run the interpreter on a remote host over ssh")
	fs.StringVar(&f.settingsPath, "settings", "", "Settings file path (default: user config dir)")
	fs.StringVar(&f.profilePath, "profile", "", "Load run options from YAML file")
	fs.DurationVar(&f.pollInterval, "poll-interval", 0, "Supervision poll interval (default 250ms)")

	fs.Var(&f.runtimeFlags, "runtime-flag", "Extra interpreter flag (can be specified multiple times)")
	fs.Var(&f.allowDomains, "allow-domain", "Allow network access to domain (enables filtered mode, can repeat, supports *.example.com)")
	fs.Var(&f.denyDomains, "deny-domain", "Deny network access to domain (enables filtered mode, can repeat, supports *.example.com)")
	fs.Var(&f.readPaths, "allow-read", "Grant the isolated interpreter read access to path (can repeat)")
	fs.Var(&f.writePaths, "allow-write", "Grant the isolated interpreter write access to path (can repeat)")

	fs.Var(&f.allowNet, "allow-net", "Allow all network access (overrides domain filters)")
	fs.Var(&f.isolate, "isolate", "Apply OS-level isolation to the interpreter (Linux only)")
	fs.Var(&f.allowSubprocess, "allow-subprocess", "Allow the isolated interpreter to spawn processes (default true)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: evalgate run [options] [file | -]\n\n")
		fmt.Fprintf(os.Stderr, "Evaluate a code snippet in its project context.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  evalgate run -e 'console.log(require(\"./pkg\").version)'\n")
		fmt.Fprintf(os.Stderr, "  evalgate run snippet.js\n")
		fmt.Fprintf(os.Stderr, "  cat snippet.js | evalgate run -\n")
		fmt.Fprintf(os.Stderr, "  evalgate run --interpreter /usr/bin/node --root ~/dev/api -e 'app.routes()'\n")
		fmt.Fprintf(os.Stderr, "  evalgate run --allow-domain '*.internal.dev' -e 'fetch(url)'\n")
		fmt.Fprintf(os.Stderr, "  evalgate run --isolate --allow-read /srv/fixtures snippet.js\n")
		fmt.Fprintf(os.Stderr, "  evalgate run --remote build-host -e '2+2'\n")
		fmt.Fprintf(os.Stderr, "  evalgate run --profile ./eval.yaml snippet.js\n")
	}
	f.usage = fs.Usage

	if err := fs.Parse(args); err != nil {
		return nil, 2
	}

	f.args = fs.Args()
	return f, 0
}

// runProfile defines run options that can be loaded from file and then
// overridden by CLI flags.
type runProfile struct {
	RuntimeFlags []string `yaml:"runtime_flags"`
	AllowDomains []string `yaml:"allow_domains"`
	DenyDomains  []string `yaml:"deny_domains"`
	ReadPaths    []string `yaml:"read_paths"`
	WritePaths   []string `yaml:"write_paths"`

	Options map[string]any `yaml:"options"`

	Interpreter     *string `yaml:"interpreter"`
	Root            *string `yaml:"root"`
	Dir             *string `yaml:"dir"`
	Remote          *string `yaml:"remote"`
	AllowNet        *bool   `yaml:"allow_net"`
	Isolate         *bool   `yaml:"isolate"`
	AllowSubprocess *bool   `yaml:"allow_subprocess"`
}

func resolveRunProfile(f *runFlags) (*runProfile, error) {
	effective := &runProfile{}

	if f.profilePath != "" {
		fromFile, err := loadRunProfileFile(f.profilePath)
		if err != nil {
			return nil, err
		}
		mergeRunProfile(effective, fromFile)
	}

	mergeRunProfile(effective, cliRunProfileOverrides(f))
	return effective, nil
}

func loadRunProfileFile(path string) (*runProfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile file %q: %w", path, err)
	}

	var fileCfg runProfile
	if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
		return nil, fmt.Errorf("parse profile file %q: %w", path, err)
	}
	return &fileCfg, nil
}

func cliRunProfileOverrides(f *runFlags) *runProfile {
	cfg := &runProfile{
		RuntimeFlags: append([]string{}, f.runtimeFlags...),
		AllowDomains: append([]string{}, f.allowDomains...),
		DenyDomains:  append([]string{}, f.denyDomains...),
		ReadPaths:    append([]string{}, f.readPaths...),
		WritePaths:   append([]string{}, f.writePaths...),
	}

	if f.interpreter.set {
		cfg.Interpreter = stringPtr(f.interpreter.value)
	}
	if f.root.set {
		cfg.Root = stringPtr(f.root.value)
	}
	if f.dir.set {
		cfg.Dir = stringPtr(f.dir.value)
	}
	if f.remote.set {
		cfg.Remote = stringPtr(f.remote.value)
	}
	if f.allowNet.set {
		cfg.AllowNet = boolPtr(f.allowNet.value)
	}
	if f.isolate.set {
		cfg.Isolate = boolPtr(f.isolate.value)
	}
	if f.allowSubprocess.set {
		cfg.AllowSubprocess = boolPtr(f.allowSubprocess.value)
	}

	return cfg
}

func mergeRunProfile(dst *runProfile, src *runProfile) {
	if dst == nil || src == nil {
		return
	}

	dst.RuntimeFlags = append(dst.RuntimeFlags, src.RuntimeFlags...)
	dst.AllowDomains = append(dst.AllowDomains, src.AllowDomains...)
	dst.DenyDomains = append(dst.DenyDomains, src.DenyDomains...)
	dst.ReadPaths = append(dst.ReadPaths, src.ReadPaths...)
	dst.WritePaths = append(dst.WritePaths, src.WritePaths...)

	if len(src.Options) > 0 {
		if dst.Options == nil {
			dst.Options = make(map[string]any, len(src.Options))
		}
		for k, v := range src.Options {
			dst.Options[k] = v
		}
	}

	if src.Interpreter != nil {
		dst.Interpreter = stringPtr(*src.Interpreter)
	}
	if src.Root != nil {
		dst.Root = stringPtr(*src.Root)
	}
	if src.Dir != nil {
		dst.Dir = stringPtr(*src.Dir)
	}
	if src.Remote != nil {
		dst.Remote = stringPtr(*src.Remote)
	}
	if src.AllowNet != nil {
		dst.AllowNet = boolPtr(*src.AllowNet)
	}
	if src.Isolate != nil {
		dst.Isolate = boolPtr(*src.Isolate)
	}
	if src.AllowSubprocess != nil {
		dst.AllowSubprocess = boolPtr(*src.AllowSubprocess)
	}
}

func boolPtr(v bool) *bool {
	return &v
}

func stringPtr(v string) *string {
	return &v
}

// resolveSource picks the snippet source: -e wins, then a file argument
// ("-" reads stdin).
func resolveSource(f *runFlags, stdin io.Reader) (string, error) {
	if f.source.set {
		return f.source.value, nil
	}
	if len(f.args) == 0 {
		return "", fmt.Errorf("no snippet given (pass a file, -, or -e)")
	}
	if len(f.args) > 1 {
		return "", fmt.Errorf("expected a single snippet file, got %d arguments", len(f.args))
	}
	if f.args[0] == "-" {
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read snippet from stdin: %w", err)
		}
		return string(raw), nil
	}
	raw, err := os.ReadFile(f.args[0])
	if err != nil {
		return "", fmt.Errorf("read snippet file: %w", err)
	}
	return string(raw), nil
}

func defaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".evalgate.yaml"
	}
	return filepath.Join(dir, "evalgate", "settings.yaml")
}

// consoleSink streams interpreter output straight to a writer.
type consoleSink struct {
	w io.Writer
}

func (c *consoleSink) Reset() {}

func (c *consoleSink) Chunk(p []byte) {
	_, _ = c.w.Write(p)
}

// consoleNotifier renders invocation events as log lines.
type consoleNotifier struct {
	logger *log.Logger
}

func (c *consoleNotifier) Notify(e evalgate.Event) {
	switch e.Kind {
	case evalgate.EventNoInterpreter:
		c.logger.Error("no interpreter configured", "hint", "pass --interpreter or set interpreter_path in settings")
	case evalgate.EventInvalidRoot:
		c.logger.Error("project root has no manifest", "root", e.Path)
	case evalgate.EventMissingDependencies:
		c.logger.Error("project dependencies are not installed", "expected", e.Path)
	case evalgate.EventInterpreterLaunchError:
		c.logger.Error("failed to launch interpreter", "interpreter", e.Path, "err", e.Message)
	case evalgate.EventDomainBlocked:
		c.logger.Warn("blocked connection", "domain", e.Path)
	}
}

// buildRequest constructs an evaluation request from resolved options.
func buildRequest(c *runProfile, source string) evalgate.RunRequest {
	req := evalgate.RunRequest{
		Source:            source,
		Options:           c.Options,
		AllowDomains:      append([]string{}, c.AllowDomains...),
		DenyDomains:       append([]string{}, c.DenyDomains...),
		IsolateReadPaths:  append([]string{}, c.ReadPaths...),
		IsolateWritePaths: append([]string{}, c.WritePaths...),
		AllowSubprocess:   true,
	}
	if c.Dir != nil {
		req.StartDir = *c.Dir
	}
	if c.Remote != nil {
		req.RemoteHost = *c.Remote
	}
	if c.AllowNet != nil {
		req.AllowNet = *c.AllowNet
	}
	if c.Isolate != nil {
		req.Isolate = *c.Isolate
	}
	if c.AllowSubprocess != nil {
		req.AllowSubprocess = *c.AllowSubprocess
	}
	return req
}

// RunCmd executes the "run" subcommand.
func RunCmd(args []string) int {
	f, exitCode := parseRunFlags(args)
	if f == nil {
		return exitCode
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: false})

	effective, err := resolveRunProfile(f)
	if err != nil {
		logger.Error(err)
		return 2
	}

	source, err := resolveSource(f, os.Stdin)
	if err != nil {
		logger.Error(err)
		if f.usage != nil {
			f.usage()
		}
		return 2
	}

	settingsPath := f.settingsPath
	if settingsPath == "" {
		settingsPath = defaultSettingsPath()
	}
	settings, err := config.Load(settingsPath)
	if err != nil {
		logger.Error(err)
		return 2
	}
	if effective.Interpreter != nil {
		settings.SetInterpreter(*effective.Interpreter)
	}
	if effective.Root != nil {
		settings.SetCustomRoot(*effective.Root)
	}
	if len(effective.RuntimeFlags) > 0 {
		settings.SetRuntimeFlags(effective.RuntimeFlags)
	}

	helperBinaryPath, _ := os.Executable()
	inv, err := evalgate.Start(buildRequest(effective, source), evalgate.RunIO{
		Output:           &consoleSink{w: os.Stdout},
		Notifier:         &consoleNotifier{logger: logger},
		Settings:         settings,
		PollInterval:     f.pollInterval,
		HelperBinaryPath: helperBinaryPath,
	})
	if err != nil {
		logger.Error(err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case <-sigCh:
				inv.Cancel()
			case <-inv.Done():
				signal.Stop(sigCh)
				return
			}
		}
	}()

	out := inv.Outcome()
	switch out.State {
	case evalgate.Cancelled:
		return 130
	case evalgate.Failed:
		return 1
	default:
		return out.ExitCode
	}
}
