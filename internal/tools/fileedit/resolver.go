package fileedit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/quillshell/quill/internal/tool"
)

// Resolver confines tool paths to the configured working root.
type Resolver struct {
	Root string
}

// Resolve returns an absolute, cleaned path inside the root. A path that
// escapes the root fails with tool.ErrAccessDenied before any filesystem
// mutation happens.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve working root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s escapes working root", tool.ErrAccessDenied, path)
	}
	return targetAbs, nil
}
