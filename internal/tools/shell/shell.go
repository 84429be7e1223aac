// Package shell implements the terminal-exec tool: one command line per
// invocation, captured output, prompt termination on cancel.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/quillshell/quill/internal/tool"
)

// Config controls command screening and the default timeout.
type Config struct {
	// WorkingRoot is the default working directory for commands.
	WorkingRoot string

	// Denylist replaces the built-in blocked command list when non-empty.
	Denylist []string

	// Timeout bounds a single command; zero means 30s.
	Timeout time.Duration
}

const defaultTimeout = 30 * time.Second

// Definition returns the terminal_exec tool.
func Definition(cfg Config) *tool.Definition {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &tool.Definition{
		Name:        "terminal_exec",
		Description: "Run a shell command and capture stdout, stderr, and the exit code.",
		Schema: tool.ObjectSchema(map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Command line to run with sh -c.",
			},
			"cwd": map[string]any{
				"type":        "string",
				"description": "Working directory override (optional).",
			},
			"env": map[string]any{
				"type":        "object",
				"description": "Extra environment variables (optional).",
				"additionalProperties": map[string]any{
					"type": "string",
				},
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Per-command timeout override (optional).",
			},
		}, []string{"command"}),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var input struct {
				Command        string            `json:"command"`
				Cwd            string            `json:"cwd"`
				Env            map[string]string `json:"env"`
				TimeoutSeconds int               `json:"timeout_seconds"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return "", fmt.Errorf("decode arguments: %w", err)
			}
			if err := checkCommand(input.Command, cfg.Denylist); err != nil {
				return "", err
			}

			cmdTimeout := timeout
			if input.TimeoutSeconds > 0 {
				cmdTimeout = time.Duration(input.TimeoutSeconds) * time.Second
			}
			runCtx, cancel := context.WithTimeout(ctx, cmdTimeout)
			defer cancel()

			return run(runCtx, input.Command, input.Cwd, input.Env, cfg.WorkingRoot)
		},
	}
}

func run(ctx context.Context, command, cwd string, env map[string]string, root string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)

	dir := cwd
	if dir == "" {
		dir = root
	}
	if dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return "", fmt.Errorf("resolve working directory: %w", err)
		}
		cmd.Dir = abs
	}

	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	// Spawn into its own process group so cancellation kills children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return "", fmt.Errorf("command timed out after %s: %w", elapsed.Round(time.Millisecond), context.DeadlineExceeded)
		case errors.Is(ctx.Err(), context.Canceled):
			return "", fmt.Errorf("command cancelled: %w", context.Canceled)
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return "", fmt.Errorf("spawn command: %w", err)
		}
	}

	payload, err := json.MarshalIndent(map[string]any{
		"command":     command,
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
		"exit_code":   exitCode,
		"duration_ms": elapsed.Milliseconds(),
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(payload), nil
}
