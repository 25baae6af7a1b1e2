// Package tools holds the primitives the coding agent exposes to the
// model: filesystem access confined to one repo, an allow-listed shell
// and git operations.
package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// excludedDirs are never listed or searched. They are either huge or not
// source.
var excludedDirs = map[string]struct{}{
	".git":         {},
	"node_modules": {},
	"vendor":       {},
	"__pycache__":  {},
	".venv":        {},
	"dist":         {},
	"build":        {},
	".idea":        {},
	".vscode":      {},
}

// FS confines file operations to one repository root. Every path the model
// supplies is resolved and checked against the root before use.
type FS struct {
	root string
}

func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root is not a directory: %s", abs)
	}
	return &FS{root: abs}, nil
}

func (f *FS) Root() string {
	return f.root
}

// resolve maps a model-supplied path into the root, rejecting escapes.
func (f *FS) resolve(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" || rel == "." {
		return f.root, nil
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", rel)
	}
	full := filepath.Clean(filepath.Join(f.root, rel))
	if full != f.root && !strings.HasPrefix(full, f.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes repository: %s", rel)
	}
	return full, nil
}

func (f *FS) ReadFile(rel string) (string, error) {
	full, err := f.resolve(rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	return string(data), nil
}

func (f *FS) WriteFile(rel string, content string) error {
	full, err := f.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("create parent dirs for %s: %w", rel, err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// ListDir returns the entries of one directory, directories suffixed with
// a slash, excluded directories omitted.
func (f *FS) ListDir(rel string) ([]string, error) {
	full, err := f.resolve(rel)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", rel, err)
	}
	var out []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			if _, skip := excludedDirs[name]; skip {
				continue
			}
			out = append(out, name+"/")
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// ListTree walks the whole repository and returns relative file paths,
// skipping excluded directories.
func (f *FS) ListTree() ([]string, error) {
	var out []string
	err := filepath.WalkDir(f.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if _, skip := excludedDirs[d.Name()]; skip && path != f.root {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(f.root, path)
		if relErr != nil {
			return relErr
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk tree: %w", err)
	}
	sort.Strings(out)
	return out, nil
}
