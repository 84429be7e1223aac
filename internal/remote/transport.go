package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotConnected is returned by Call after the transport has closed.
var ErrNotConnected = errors.New("transport not connected")

// Transport moves JSON-RPC frames to and from one server.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Connected() bool
}

// NewTransport builds the transport declared by the server config.
func NewTransport(cfg ServerConfig) Transport {
	if cfg.Transport == TransportWebsocket {
		return newWebsocketTransport(cfg)
	}
	return newStdioTransport(cfg)
}

// pendingCalls correlates responses with in-flight requests by id. Both
// transports share it: the write side registers a channel before sending,
// the read pump routes the response, Close fails everything still waiting.
type pendingCalls struct {
	mu     sync.Mutex
	nextID int64
	calls  map[int64]chan *rpcResponse
	closed bool
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[int64]chan *rpcResponse)}
}

func (p *pendingCalls) register() (int64, chan *rpcResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, nil, ErrNotConnected
	}
	p.nextID++
	ch := make(chan *rpcResponse, 1)
	p.calls[p.nextID] = ch
	return p.nextID, ch, nil
}

func (p *pendingCalls) resolve(resp *rpcResponse) {
	p.mu.Lock()
	ch, ok := p.calls[resp.ID]
	if ok {
		delete(p.calls, resp.ID)
	}
	p.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (p *pendingCalls) drop(id int64) {
	p.mu.Lock()
	delete(p.calls, id)
	p.mu.Unlock()
}

func (p *pendingCalls) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.calls {
		ch <- &rpcResponse{ID: id, Error: &rpcError{Code: -32000, Message: "connection closed"}}
		delete(p.calls, id)
	}
}

// await waits for the response, the context, or the call timeout. On timeout
// or cancellation the pending entry is dropped so abandoned calls do not
// accumulate until the transport closes.
func await(ctx context.Context, pending *pendingCalls, id int64, ch chan *rpcResponse, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		pending.drop(id)
		return nil, ctx.Err()
	case <-timer.C:
		pending.drop(id)
		return nil, fmt.Errorf("rpc call timed out after %s", timeout)
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}
