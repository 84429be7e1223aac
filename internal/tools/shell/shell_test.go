package shell

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/quillshell/quill/internal/tool"
)

type execResult struct {
	Command  string `json:"command"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

func runTool(t *testing.T, cfg Config, args string) (execResult, error) {
	t.Helper()
	def := Definition(cfg)
	payload, err := def.Handler(context.Background(), json.RawMessage(args))
	if err != nil {
		return execResult{}, err
	}
	var out execResult
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	return out, nil
}

func TestCapturesStdoutAndExitCode(t *testing.T) {
	out, err := runTool(t, Config{WorkingRoot: t.TempDir()}, `{"command":"echo hello"}`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Stdout != "hello\n" {
		t.Errorf("stdout: got %q, want %q", out.Stdout, "hello\n")
	}
	if out.ExitCode != 0 {
		t.Errorf("exit code: got %d, want 0", out.ExitCode)
	}
}

func TestCapturesStderr(t *testing.T) {
	out, err := runTool(t, Config{WorkingRoot: t.TempDir()}, `{"command":"echo oops 1>&2"}`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Stderr != "oops\n" {
		t.Errorf("stderr: got %q, want %q", out.Stderr, "oops\n")
	}
}

func TestNonZeroExitIsAResultNotAnError(t *testing.T) {
	out, err := runTool(t, Config{WorkingRoot: t.TempDir()}, `{"command":"exit 3"}`)
	if err != nil {
		t.Fatalf("non-zero exit should not be a handler error: %v", err)
	}
	if out.ExitCode != 3 {
		t.Errorf("exit code: got %d, want 3", out.ExitCode)
	}
}

func TestRunsInWorkingRoot(t *testing.T) {
	root := t.TempDir()
	out, err := runTool(t, Config{WorkingRoot: root}, `{"command":"pwd"}`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// pwd may report a symlink-resolved path on some systems; match the tail.
	if out.Stdout == "" {
		t.Fatal("pwd produced no output")
	}
}

func TestDeniedCommands(t *testing.T) {
	blocked := []string{
		"sudo apt install x",
		"su root",
		"rm -rf / --no-preserve-root",
		"shutdown -h now",
	}
	for _, cmd := range blocked {
		args, _ := json.Marshal(map[string]string{"command": cmd})
		_, err := runTool(t, Config{WorkingRoot: t.TempDir()}, string(args))
		if !errors.Is(err, tool.ErrAccessDenied) {
			t.Errorf("%q: expected ErrAccessDenied, got %v", cmd, err)
		}
	}
}

func TestCustomDenylistReplacesDefault(t *testing.T) {
	cfg := Config{WorkingRoot: t.TempDir(), Denylist: []string{"curl"}}
	if _, err := runTool(t, cfg, `{"command":"curl example.com"}`); !errors.Is(err, tool.ErrAccessDenied) {
		t.Errorf("expected custom denylist to block curl, got %v", err)
	}
	// sudo is only blocked by the default list.
	if _, err := runTool(t, cfg, `{"command":"echo sudo"}`); err != nil {
		t.Errorf("custom denylist should not block sudo mention: %v", err)
	}
}

func TestEmptyCommandRejected(t *testing.T) {
	if _, err := runTool(t, Config{WorkingRoot: t.TempDir()}, `{"command":"  "}`); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestTimeoutKillsCommand(t *testing.T) {
	cfg := Config{WorkingRoot: t.TempDir(), Timeout: 100 * time.Millisecond}
	start := time.Now()
	_, err := runTool(t, cfg, `{"command":"sleep 5"}`)
	elapsed := time.Since(start)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("timeout took %s, command was not killed promptly", elapsed)
	}
}

func TestCancellationKillsCommand(t *testing.T) {
	def := Definition(Config{WorkingRoot: t.TempDir()})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := def.Handler(ctx, json.RawMessage(`{"command":"sleep 5"}`))
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled command did not terminate")
	}
}
