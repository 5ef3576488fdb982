package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Path validation errors. Use errors.Is to check for them.
var (
	ErrPathEmpty       = errors.New("path must not be empty")
	ErrPathControlChar = errors.New("path contains control character")
	ErrPathNotAbsolute = errors.New("path must be absolute")
	ErrPathDotDot      = errors.New("path must not contain '..' components")
	ErrPathSensitive   = errors.New("path overlaps with sensitive path")
)

// validatePolicy resolves and validates every path in pol against
// sensitivePaths, rewriting them in place. It returns a combined error
// of every issue found.
func validatePolicy(pol *Policy, sensitivePaths []string) error {
	var errs []error

	if pol.WorkDir != "" {
		resolved, err := resolveAndValidatePath(pol.WorkDir, sensitivePaths)
		if err != nil {
			errs = append(errs, fmt.Errorf("work dir %q: %w", pol.WorkDir, err))
		} else {
			pol.WorkDir = resolved
			info, err := os.Stat(resolved)
			if err != nil {
				errs = append(errs, fmt.Errorf("work dir %q: %w", resolved, err))
			} else if !info.IsDir() {
				errs = append(errs, fmt.Errorf("work dir %q is not a directory", resolved))
			}
		}
	}

	pol.ReadPaths, errs = validatePaths(pol.ReadPaths, "read path", sensitivePaths, errs)
	pol.WritePaths, errs = validatePaths(pol.WritePaths, "write path", sensitivePaths, errs)

	return errors.Join(errs...)
}

func validatePaths(paths []string, label string, sensitivePaths []string, errs []error) ([]string, []error) {
	resolved := make([]string, 0, len(paths))
	for _, p := range paths {
		r, err := resolveAndValidatePath(p, sensitivePaths)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", label, p, err))
			continue
		}
		resolved = append(resolved, r)
	}
	return resolved, errs
}

// resolveAndValidatePath ensures a path is absolute, resolves symlinks,
// and rejects sensitive targets.
func resolveAndValidatePath(raw string, sensitivePaths []string) (string, error) {
	if raw == "" {
		return "", ErrPathEmpty
	}

	// Reject control characters, like null bytes or backspace, tabs etc.
	for _, c := range raw {
		if c < 0x20 || c == 0x7f {
			return "", fmt.Errorf("%w (0x%02x)", ErrPathControlChar, c)
		}
	}

	if !filepath.IsAbs(raw) {
		return "", ErrPathNotAbsolute
	}

	cleaned := filepath.Clean(raw)
	if slices.Contains(strings.Split(cleaned, string(filepath.Separator)), "..") {
		return "", ErrPathDotDot
	}

	// Resolve symlinks when possible; an unresolvable path is kept as-is
	// and checked in cleaned form.
	resolved, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		resolved = cleaned
	}

	for _, sensitive := range sensitivePaths {
		if pathOverlaps(resolved, sensitive) {
			return "", fmt.Errorf("%w %q", ErrPathSensitive, sensitive)
		}
	}

	return resolved, nil
}

// pathOverlaps reports whether a and b are equal or one contains the
// other. Example: /etc/shadow overlaps /etc/shadow/subdir.
func pathOverlaps(a, b string) bool {
	a = filepath.Clean(a)
	b = filepath.Clean(b)

	if a == b {
		return true
	}

	aSlash := a + string(filepath.Separator)
	bSlash := b + string(filepath.Separator)
	return strings.HasPrefix(aSlash, bSlash) || strings.HasPrefix(bSlash, aSlash)
}
