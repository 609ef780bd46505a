package rpc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/zeusync/worldsync/internal/core/observability/log"
	"github.com/zeusync/worldsync/internal/core/protocol"
)

// Client issues calls over a control channel.
type Client struct {
	ch      protocol.Channel
	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan *response
	err     error
	done    chan struct{}
	logger  log.Log
}

// Dial opens the control channel of session and starts a client on it.
func Dial(ctx context.Context, session protocol.Session, logger log.Log) (*Client, error) {
	ch, err := session.OpenChannel(ctx, protocol.ControlChannel)
	if err != nil {
		return nil, err
	}
	return NewClient(ch, logger), nil
}

// NewClient starts a client reading responses from ch.
func NewClient(ch protocol.Channel, logger log.Log) *Client {
	if logger == nil {
		logger = log.Provide()
	}
	c := &Client{
		ch:      ch,
		pending: make(map[uint64]chan *response),
		done:    make(chan struct{}),
		logger:  logger.With(log.String("component", "rpc_client")),
	}
	go c.readLoop()
	return c
}

// Call invokes method with params and decodes the result into result, which
// may be nil when the caller does not need it.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	req := request{ID: c.nextID.Add(1), Method: method}
	if params != nil {
		raw, err := Marshal(params)
		if err != nil {
			return err
		}
		req.Params = raw
	}
	data, err := Marshal(&req)
	if err != nil {
		return err
	}

	reply := make(chan *response, 1)
	c.mu.Lock()
	if c.err != nil {
		err = c.err
		c.mu.Unlock()
		return err
	}
	c.pending[req.ID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err = c.ch.Send(ctx, data); err != nil {
		return err
	}

	select {
	case resp := <-reply:
		if !resp.OK {
			return &RemoteError{Method: method, Code: resp.Code, Message: resp.Error}
		}
		if result == nil || len(resp.Data) == 0 {
			return nil
		}
		return Unmarshal(resp.Data, result)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closedErr()
	}
}

// Close closes the control channel and fails pending calls.
func (c *Client) Close() error {
	c.fail(ErrClientClosed)
	return c.ch.Close()
}

// Done is closed once the client can no longer make calls.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop() {
	for {
		msg, err := c.ch.Receive(context.Background())
		if err != nil {
			c.fail(err)
			return
		}

		var resp response
		if err = Unmarshal(msg, &resp); err != nil {
			c.logger.Error("Malformed rpc response", log.Error(err))
			c.fail(protocol.NewProtocolError(protocol.ErrorCodeProtocolViolation, "malformed rpc response", err))
			_ = c.ch.Close()
			return
		}

		c.mu.Lock()
		reply, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("Dropping response for abandoned call", log.Uint64("id", resp.ID))
			continue
		}
		reply <- &resp
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	close(c.done)
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
