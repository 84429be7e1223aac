// Package fileedit implements the file tools: read, write, patch, and insert,
// all confined to a configured working root.
package fileedit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/quillshell/quill/internal/tool"
)

// Config scopes the file tools to a working root.
type Config struct {
	Root string
}

// Definitions returns the full file tool set for registration.
func Definitions(cfg Config) []*tool.Definition {
	r := Resolver{Root: cfg.Root}
	return []*tool.Definition{
		readDefinition(r),
		writeDefinition(r),
		patchDefinition(r),
		insertDefinition(r),
	}
}

func encode(v any) (string, error) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(payload), nil
}

func readDefinition(r Resolver) *tool.Definition {
	return &tool.Definition{
		Name:        "file_read",
		Description: "Read a file in the working root, optionally a 1-indexed line range ([-1] end means to EOF).",
		Schema: tool.ObjectSchema(map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path relative to the working root.",
			},
			"start_line": map[string]any{
				"type":        "integer",
				"description": "First line to read (1-indexed, optional).",
			},
			"end_line": map[string]any{
				"type":        "integer",
				"description": "Last line to read, -1 for end of file (optional).",
			},
		}, []string{"path"}),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var input struct {
				Path      string `json:"path"`
				StartLine int    `json:"start_line"`
				EndLine   int    `json:"end_line"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return "", fmt.Errorf("decode arguments: %w", err)
			}
			resolved, err := r.Resolve(input.Path)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(resolved)
			if err != nil {
				return "", fmt.Errorf("read file: %w", err)
			}
			content := string(data)
			if input.StartLine > 0 {
				lines := strings.Split(content, "\n")
				start := input.StartLine - 1
				if start >= len(lines) {
					return "", fmt.Errorf("start_line %d past end of file (%d lines)", input.StartLine, len(lines))
				}
				end := len(lines)
				if input.EndLine > 0 && input.EndLine < end {
					end = input.EndLine
				}
				content = strings.Join(lines[start:end], "\n")
			}
			return encode(map[string]any{
				"path":    input.Path,
				"content": content,
			})
		},
	}
}

func writeDefinition(r Resolver) *tool.Definition {
	return &tool.Definition{
		Name:        "file_write",
		Description: "Write (create or overwrite) a file in the working root. The write is atomic.",
		Schema: tool.ObjectSchema(map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path relative to the working root.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full file contents to write.",
			},
		}, []string{"path", "content"}),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var input struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return "", fmt.Errorf("decode arguments: %w", err)
			}
			resolved, err := r.Resolve(input.Path)
			if err != nil {
				return "", err
			}
			if err := atomicWrite(resolved, []byte(input.Content)); err != nil {
				return "", err
			}
			return encode(map[string]any{
				"path":          input.Path,
				"bytes_written": len(input.Content),
				"content":       input.Content,
			})
		},
	}
}

func patchDefinition(r Resolver) *tool.Definition {
	return &tool.Definition{
		Name:        "file_patch",
		Description: "Replace an exact string in a file. old_str must occur exactly once; use file_read first when unsure.",
		Schema: tool.ObjectSchema(map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path relative to the working root.",
			},
			"old_str": map[string]any{
				"type":        "string",
				"description": "Exact text to replace, including whitespace.",
			},
			"new_str": map[string]any{
				"type":        "string",
				"description": "Replacement text (empty string deletes old_str).",
			},
		}, []string{"path", "old_str", "new_str"}),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var input struct {
				Path   string `json:"path"`
				OldStr string `json:"old_str"`
				NewStr string `json:"new_str"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return "", fmt.Errorf("decode arguments: %w", err)
			}
			if input.OldStr == "" {
				return "", fmt.Errorf("old_str must not be empty")
			}
			resolved, err := r.Resolve(input.Path)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(resolved)
			if err != nil {
				return "", fmt.Errorf("read file: %w", err)
			}
			content := string(data)
			occurrences := strings.Count(content, input.OldStr)
			if occurrences == 0 {
				return "", fmt.Errorf("old_str not found in %s", input.Path)
			}
			if occurrences > 1 {
				return "", fmt.Errorf("old_str occurs %d times in %s, must be unique", occurrences, input.Path)
			}
			updated := strings.Replace(content, input.OldStr, input.NewStr, 1)
			if err := atomicWrite(resolved, []byte(updated)); err != nil {
				return "", err
			}
			return encode(map[string]any{
				"path":    input.Path,
				"content": updated,
			})
		},
	}
}

func insertDefinition(r Resolver) *tool.Definition {
	return &tool.Definition{
		Name:        "file_insert",
		Description: "Insert text after a given line number (0 inserts at the beginning of the file).",
		Schema: tool.ObjectSchema(map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path relative to the working root.",
			},
			"insert_line": map[string]any{
				"type":        "integer",
				"description": "Line number to insert after, 0 for start of file.",
			},
			"text": map[string]any{
				"type":        "string",
				"description": "Text to insert.",
			},
		}, []string{"path", "insert_line", "text"}),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var input struct {
				Path       string `json:"path"`
				InsertLine int    `json:"insert_line"`
				Text       string `json:"text"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return "", fmt.Errorf("decode arguments: %w", err)
			}
			resolved, err := r.Resolve(input.Path)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(resolved)
			if err != nil {
				return "", fmt.Errorf("read file: %w", err)
			}
			lines := strings.Split(string(data), "\n")
			if input.InsertLine < 0 || input.InsertLine > len(lines) {
				return "", fmt.Errorf("insert_line %d out of range (file has %d lines)", input.InsertLine, len(lines))
			}
			inserted := strings.Split(input.Text, "\n")
			updated := make([]string, 0, len(lines)+len(inserted))
			updated = append(updated, lines[:input.InsertLine]...)
			updated = append(updated, inserted...)
			updated = append(updated, lines[input.InsertLine:]...)
			joined := strings.Join(updated, "\n")
			if err := atomicWrite(resolved, []byte(joined)); err != nil {
				return "", err
			}
			return encode(map[string]any{
				"path":    input.Path,
				"content": joined,
			})
		},
	}
}

// atomicWrite writes content via a temp file and rename so a concurrent
// reader never observes a partially written file.
func atomicWrite(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".quill-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
