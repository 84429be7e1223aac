package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
)

// stdioTransport runs the server as a subprocess and exchanges one JSON-RPC
// frame per line over its stdin/stdout.
type stdioTransport struct {
	cfg     ServerConfig
	pending *pendingCalls

	cmd       *exec.Cmd
	stdin     io.WriteCloser
	writeMu   sync.Mutex
	connected atomic.Bool
}

func newStdioTransport(cfg ServerConfig) *stdioTransport {
	return &stdioTransport{cfg: cfg, pending: newPendingCalls()}
}

func (t *stdioTransport) Connect(ctx context.Context) error {
	cmd := exec.Command(t.cfg.Command[0], t.cfg.Command[1:]...)
	cmd.Env = os.Environ()
	for k, v := range t.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start server %s: %w", t.cfg.ID, err)
	}
	t.cmd = cmd
	t.stdin = stdin
	t.connected.Store(true)

	go t.readPump(stdout)
	return nil
}

func (t *stdioTransport) readPump(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			continue // not a response frame, skip
		}
		t.pending.resolve(&resp)
	}
	// Server stdout closed: the process is gone.
	t.connected.Store(false)
	t.pending.closeAll()
}

func (t *stdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}
	id, ch, err := t.pending.register()
	if err != nil {
		return nil, err
	}
	frame, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		t.pending.drop(id)
		return nil, fmt.Errorf("encode request: %w", err)
	}
	t.writeMu.Lock()
	_, err = t.stdin.Write(append(frame, '\n'))
	t.writeMu.Unlock()
	if err != nil {
		t.pending.drop(id)
		t.connected.Store(false)
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return await(ctx, t.pending, id, ch, t.cfg.Timeout)
}

func (t *stdioTransport) Close() error {
	if !t.connected.Swap(false) {
		return nil
	}
	t.pending.closeAll()
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
		_ = t.cmd.Wait()
	}
	return nil
}

func (t *stdioTransport) Connected() bool {
	return t.connected.Load()
}
