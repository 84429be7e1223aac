package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// websocketTransport speaks JSON-RPC over a websocket connection, one frame
// per text message.
type websocketTransport struct {
	cfg     ServerConfig
	pending *pendingCalls

	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected atomic.Bool
}

func newWebsocketTransport(cfg ServerConfig) *websocketTransport {
	return &websocketTransport{cfg: cfg, pending: newPendingCalls()}
}

func (t *websocketTransport) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.cfg.URL, err)
	}
	t.conn = conn
	t.connected.Store(true)

	go t.readPump()
	return nil
}

func (t *websocketTransport) readPump() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			break
		}
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		t.pending.resolve(&resp)
	}
	t.connected.Store(false)
	t.pending.closeAll()
}

func (t *websocketTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
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
	err = t.conn.WriteMessage(websocket.TextMessage, frame)
	t.writeMu.Unlock()
	if err != nil {
		t.pending.drop(id)
		t.connected.Store(false)
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return await(ctx, t.pending, id, ch, t.cfg.Timeout)
}

func (t *websocketTransport) Close() error {
	if !t.connected.Swap(false) {
		return nil
	}
	t.pending.closeAll()
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

func (t *websocketTransport) Connected() bool {
	return t.connected.Load()
}
