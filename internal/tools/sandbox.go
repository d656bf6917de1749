package tools

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ViolationError marks a tool call that tried to escape the sandbox. The
// agent loop treats it as terminal for the iteration instead of feeding it
// back to the model.
type ViolationError struct {
	Tool string
	Path string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("sandbox violation: %s outside workspace root (%s)", e.Tool, e.Path)
}

// IsViolation reports whether err is a sandbox violation.
func IsViolation(err error) bool {
	var v *ViolationError
	return errors.As(err, &v)
}

// Sandbox constrains filesystem-touching tools to a workspace root.
// A disabled sandbox (empty root) resolves paths without restriction.
type Sandbox struct {
	root string
}

// NewSandbox creates a sandbox rooted at root. Empty root disables
// restriction.
func NewSandbox(root string) *Sandbox {
	root = ExpandPath(root)
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
		root = resolveSymlinks(root)
	}
	return &Sandbox{root: root}
}

// Root returns the workspace root, empty when unrestricted.
func (s *Sandbox) Root() string { return s.root }

// Resolve expands and absolutizes path, returning a ViolationError when the
// result falls outside the workspace root. Relative paths are taken relative
// to the root, never the process working directory, and symlinks are followed
// before the containment check.
func (s *Sandbox) Resolve(toolName, path string) (string, error) {
	path = ExpandPath(path)
	if s.root == "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("resolve path: %w", err)
		}
		return abs, nil
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	abs := resolveSymlinks(filepath.Clean(path))
	if !within(s.root, abs) {
		return "", &ViolationError{Tool: toolName, Path: abs}
	}
	return abs, nil
}

// resolveSymlinks follows symlinks in path. For paths that do not exist yet
// the deepest existing ancestor is resolved and the remainder rejoined, so a
// link inside the workspace cannot smuggle writes outside it.
func resolveSymlinks(path string) string {
	suffix := ""
	for p := path; ; {
		if resolved, err := filepath.EvalSymlinks(p); err == nil {
			return filepath.Join(resolved, suffix)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return path
		}
		suffix = filepath.Join(filepath.Base(p), suffix)
		p = parent
	}
}

// ExpandPath expands a leading ~ to the user home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

// within reports whether path is root or inside it.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
