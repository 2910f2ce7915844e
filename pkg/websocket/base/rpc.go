package base

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// RPCClient correlates JSON-RPC requests written to a websocket with the
// responses read back by the session's frame handler.
type RPCClient struct {
	send func(v interface{}) error

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan RPCFrame
}

func NewRPCClient(send func(v interface{}) error) *RPCClient {
	return &RPCClient{
		send:    send,
		pending: make(map[int64]chan RPCFrame),
	}
}

// Call sends method and waits for its response.
func (c *RPCClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan RPCFrame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := RPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := c.send(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame := <-ch:
		if frame.Error != nil {
			return nil, frame.Error
		}
		return frame.Result, nil
	}
}

// Notify sends a request without waiting for the response.
func (c *RPCClient) Notify(method string, params interface{}) error {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()
	return c.send(RPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
}

// Resolve hands a response frame to its waiting caller. It reports false
// for frames no caller is waiting on.
func (c *RPCClient) Resolve(frame RPCFrame) bool {
	if frame.ID == nil {
		return false
	}
	c.mu.Lock()
	ch, ok := c.pending[*frame.ID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- frame:
	default:
	}
	return true
}
