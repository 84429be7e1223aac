package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/quillshell/quill/internal/tool"
)

// fakeTransport scripts JSON-RPC responses in-process.
type fakeTransport struct {
	connected bool
	methods   []string
	respond   func(method string, params any) (json.RawMessage, error)
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.connected = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.connected = false
	return nil
}

func (f *fakeTransport) Connected() bool { return f.connected }

func (f *fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	f.methods = append(f.methods, method)
	return f.respond(method, params)
}

func scriptedTransport(t *testing.T) *fakeTransport {
	t.Helper()
	return &fakeTransport{
		respond: func(method string, params any) (json.RawMessage, error) {
			switch method {
			case "initialize":
				return json.RawMessage(`{"serverName":"fake","serverVersion":"1.0"}`), nil
			case "tools/list":
				return json.RawMessage(`{"tools":[
					{"name":"search","description":"Search things","inputSchema":{"type":"object"}},
					{"name":"fetch","description":"Fetch a thing","inputSchema":{"type":"object"}}
				]}`), nil
			case "tools/call":
				p := params.(callToolParams)
				if p.Name == "fetch" {
					return json.RawMessage(`{"content":"remote says no","isError":true}`), nil
				}
				return json.RawMessage(fmt.Sprintf(`{"content":"result for %s","isError":false}`, p.Name)), nil
			}
			return nil, fmt.Errorf("unexpected method %s", method)
		},
	}
}

func connectedClient(t *testing.T) (*Client, *fakeTransport) {
	t.Helper()
	ft := scriptedTransport(t)
	c := NewClient(ServerConfig{ID: "fake", Transport: TransportStdio, Command: []string{"unused"}}, nil)
	c.transport = ft
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c, ft
}

func TestConnectHandshake(t *testing.T) {
	c, ft := connectedClient(t)

	want := []string{"initialize", "tools/list"}
	if len(ft.methods) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, ft.methods)
	}
	for i, m := range want {
		if ft.methods[i] != m {
			t.Errorf("call %d: expected %s, got %s", i, m, ft.methods[i])
		}
	}
	if len(c.tools) != 2 {
		t.Errorf("expected 2 advertised tools, got %d", len(c.tools))
	}
}

func TestDefinitionsArePrefixed(t *testing.T) {
	c, _ := connectedClient(t)

	defs := c.Definitions()
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	if defs[0].Name != "fake.search" || defs[1].Name != "fake.fetch" {
		t.Errorf("expected prefixed names, got %s and %s", defs[0].Name, defs[1].Name)
	}
	for _, def := range defs {
		if def.Server != "fake" {
			t.Errorf("definition %s: expected server fake, got %q", def.Name, def.Server)
		}
	}
}

func TestHandlerRoutesThroughClient(t *testing.T) {
	c, _ := connectedClient(t)
	defs := c.Definitions()

	payload, err := defs[0].Handler(context.Background(), json.RawMessage(`{"q":"x"}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if payload != "result for search" {
		t.Errorf("unexpected payload %q", payload)
	}

	// A server-side error surfaces as a handler error, not a crash.
	if _, err := defs[1].Handler(context.Background(), nil); err == nil {
		t.Error("expected error from remote isError result")
	}
}

func TestDisconnectedCallIsUnavailable(t *testing.T) {
	c, ft := connectedClient(t)
	ft.connected = false

	_, err := c.Call(context.Background(), "search", nil)
	if !errors.Is(err, tool.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestTransportFailureIsUnavailable(t *testing.T) {
	c, ft := connectedClient(t)
	ft.respond = func(method string, params any) (json.RawMessage, error) {
		return nil, errors.New("pipe broke")
	}

	_, err := c.Call(context.Background(), "search", nil)
	if !errors.Is(err, tool.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.yaml")
	content := `servers:
  - id: docs
    transport: stdio
    command: ["docs-server", "--stdio"]
  - id: search
    transport: websocket
    url: ws://localhost:9001
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(m.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(m.Servers))
	}
	if m.Servers[0].ID != "docs" || m.Servers[1].URL != "ws://localhost:9001" {
		t.Errorf("unexpected manifest contents: %+v", m.Servers)
	}
}

func TestLoadManifestMissingFile(t *testing.T) {
	m, err := LoadManifest(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing manifest should not error: %v", err)
	}
	if len(m.Servers) != 0 {
		t.Errorf("expected empty manifest, got %d servers", len(m.Servers))
	}
}

func TestLoadManifestValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing id", "servers:\n  - transport: stdio\n    command: [\"x\"]\n"},
		{"stdio without command", "servers:\n  - id: a\n    transport: stdio\n"},
		{"websocket without url", "servers:\n  - id: a\n    transport: websocket\n"},
		{"unknown transport", "servers:\n  - id: a\n    transport: carrier-pigeon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "servers.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadManifest(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
