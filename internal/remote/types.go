// Package remote connects to protocol-exposed tool servers over JSON-RPC 2.0
// and adapts their tools into registry definitions.
package remote

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kinds accepted in the server manifest.
const (
	TransportStdio     = "stdio"
	TransportWebsocket = "websocket"
)

// ServerConfig declares one remote tool server.
type ServerConfig struct {
	ID        string            `yaml:"id"`
	Transport string            `yaml:"transport"`
	Command   []string          `yaml:"command,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Timeout   time.Duration     `yaml:"timeout,omitempty"`
}

// Manifest is the servers.yaml file layout.
type Manifest struct {
	Servers []ServerConfig `yaml:"servers"`
}

// LoadManifest reads the server declarations. A missing file is not an
// error: it means no remote servers are configured.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{}, nil
		}
		return nil, fmt.Errorf("read server manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse server manifest: %w", err)
	}
	for i, s := range m.Servers {
		if s.ID == "" {
			return nil, fmt.Errorf("server manifest entry %d has no id", i)
		}
		switch s.Transport {
		case TransportStdio:
			if len(s.Command) == 0 {
				return nil, fmt.Errorf("server %s: stdio transport requires a command", s.ID)
			}
		case TransportWebsocket:
			if s.URL == "" {
				return nil, fmt.Errorf("server %s: websocket transport requires a url", s.ID)
			}
		default:
			return nil, fmt.Errorf("server %s: unknown transport %q", s.ID, s.Transport)
		}
	}
	return &m, nil
}

// JSON-RPC 2.0 frames.

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ToolSpec is a tool advertised by a server.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type listToolsResult struct {
	Tools []ToolSpec `json:"tools"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type callToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"isError"`
}

type initializeResult struct {
	ServerName    string `json:"serverName"`
	ServerVersion string `json:"serverVersion"`
}
