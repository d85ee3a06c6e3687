// Package media keeps the files the HTTP facade materializes for the SDK,
// such as images uploaded as base64 or fetched from a URL.
package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const defaultDir = "media"

// Store writes uniquely named files under one root directory and resolves
// names back to paths without letting them escape it.
type Store struct {
	root string
}

// NewStore resolves dir to an absolute path. The directory is created on the
// first Save.
func NewStore(dir string) (*Store, error) {
	root, err := resolveRoot(dir)
	if err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

func resolveRoot(dir string) (string, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		trimmed = defaultDir
	}

	expanded, err := expandHome(trimmed)
	if err != nil {
		return "", err
	}

	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve absolute media path: %w", err)
	}

	return filepath.Clean(absPath), nil
}

// Root returns the absolute media directory.
func (s *Store) Root() string {
	return s.root
}

// Save writes data as <uuid>.<ext> and returns the absolute path.
func (s *Store) Save(data []byte, ext string) (string, error) {
	if len(data) == 0 {
		return "", NewError(ErrorEmpty, "file is empty")
	}
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" || strings.ContainsAny(ext, `/\`) {
		return "", NewError(ErrorInvalidName, fmt.Sprintf("extension %q is not usable", ext))
	}

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return "", normalizeIOError(err, "create media directory")
	}

	path := filepath.Join(s.root, uuid.NewString()+"."+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", normalizeIOError(err, "write media file")
	}

	return path, nil
}

// Resolve maps a stored file name to its path. Names must be plain file names
// and the result, after following symlinks, must stay inside the root.
func (s *Store) Resolve(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed == "." || trimmed == ".." {
		return "", NewError(ErrorInvalidName, "name must not be empty")
	}
	if filepath.Base(trimmed) != trimmed || strings.ContainsAny(trimmed, `/\`) {
		return "", NewError(ErrorOutsideRoot, "name must not contain path separators")
	}

	root, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		return "", normalizeIOError(err, "resolve media root")
	}

	target, err := filepath.EvalSymlinks(filepath.Join(s.root, trimmed))
	if err != nil {
		return "", normalizeIOError(err, "resolve media file")
	}
	if !isWithin(root, target) {
		return "", NewError(ErrorOutsideRoot, "resolved path escapes media directory")
	}

	info, err := os.Stat(target)
	if err != nil {
		return "", normalizeIOError(err, "stat media file")
	}
	if info.IsDir() {
		return "", NewError(ErrorInvalidName, "name refers to a directory")
	}

	return target, nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// Within reports whether path lies under one of roots. An empty roots list
// allows every path.
func Within(roots []string, path string) bool {
	if len(roots) == 0 {
		return true
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, root := range roots {
		resolved, err := resolveRoot(root)
		if err != nil {
			continue
		}
		if isWithin(resolved, filepath.Clean(target)) {
			return true
		}
	}
	return false
}

func isWithin(root string, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}

	return !filepath.IsAbs(rel)
}
