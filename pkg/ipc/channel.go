// Package ipc implements the client-side RPC substrate described for
// Channel, BlockingClosure and IpcClient: a framed request/response
// correlation layer over a Unix-domain socket, plus event subscriptions and
// a dedicated event-loop goroutine.
//
// The correlation table and RX dispatch are grounded on the teacher's
// pkg/sdo/client.go (Handle(frame) RX dispatch against an in-flight request
// table); the event-loop lifecycle is grounded on pkg/node/controller.go's
// context-cancellation-based Start/Stop/Wait pattern.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/rialto-go/rialto/pkg/rpc"
)

var (
	ErrChannelClosed   = errors.New("ipc: channel closed")
	ErrNoResponse      = errors.New("ipc: call timed out or channel closed before response")
	ErrUnexpectedEvent = errors.New("ipc: received event with no subscriber")
)

// EventHandler is invoked on the event-loop goroutine whenever a KindEvent
// message arrives for a subscribed verb.
type EventHandler func(ctx context.Context, m rpc.Message)

type pendingCall struct {
	closure  Closure
	response rpc.Message
	err      error
}

// Channel owns one Unix-domain socket connection, a table of in-flight
// requests keyed by correlation id, and a table of event subscriptions.
type Channel struct {
	conn   net.Conn
	logger *slog.Logger

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	nextID  uint64
	closed  bool

	subMu sync.Mutex
	subs  map[rpc.Verb][]EventHandler
}

// NewChannel wraps an already-connected socket.
func NewChannel(conn net.Conn, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		conn:    conn,
		logger:  logger.With("service", "[CHAN]"),
		pending: make(map[uint64]*pendingCall),
		subs:    make(map[rpc.Verb][]EventHandler),
	}
}

// Subscribe registers handler for events carrying verb and returns a cancel
// function that removes the subscription, matching the cancel-closure
// pattern used throughout the teacher's callback registries.
func (c *Channel) Subscribe(verb rpc.Verb, handler EventHandler) (cancel func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subs[verb] = append(c.subs[verb], handler)
	idx := len(c.subs[verb]) - 1
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		handlers := c.subs[verb]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
}

// Call sends req and blocks (via a Closure, Poll or Semaphore depending on
// whether ctx marks the caller as running on the event-loop goroutine) until
// the matching response arrives or ctx is done.
func (c *Channel) Call(ctx context.Context, verb rpc.Verb, payload []byte) (rpc.Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return rpc.Message{}, ErrChannelClosed
	}
	c.nextID++
	id := c.nextID
	call := &pendingCall{closure: newClosure(ctx, c.process)}
	c.pending[id] = call
	c.mu.Unlock()

	frame, err := rpc.Encode(rpc.Message{ID: id, Kind: rpc.KindRequest, Verb: verb, Payload: payload})
	if err != nil {
		c.removePending(id)
		return rpc.Message{}, err
	}
	if _, err := c.conn.Write(frame); err != nil {
		c.removePending(id)
		return rpc.Message{}, fmt.Errorf("ipc: write request: %w", err)
	}

	if !call.closure.Wait(ctx) {
		c.removePending(id)
		return rpc.Message{}, ErrNoResponse
	}
	if call.err != nil {
		return rpc.Message{}, call.err
	}
	return call.response, nil
}

func (c *Channel) removePending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// process reads and dispatches exactly one inbound frame, returning false on
// EOF/error/channel-closed so callers (Poll closures, the event loop) know
// to stop spinning.
func (c *Channel) process() bool {
	m, err := rpc.ReadFrame(c.conn)
	if err != nil {
		c.failAllPending(err)
		return false
	}
	switch m.Kind {
	case rpc.KindResponse:
		c.mu.Lock()
		call, ok := c.pending[m.ID]
		if ok {
			delete(c.pending, m.ID)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("response with no matching request", "id", m.ID)
			return true
		}
		call.response = m
		call.closure.signal()
	case rpc.KindEvent:
		c.dispatchEvent(m)
	default:
		c.logger.Warn("unexpected message kind on client channel", "kind", m.Kind)
	}
	return true
}

func (c *Channel) dispatchEvent(m rpc.Message) {
	ctx := withLoop(context.Background())
	c.subMu.Lock()
	handlers := append([]EventHandler(nil), c.subs[m.Verb]...)
	c.subMu.Unlock()
	delivered := false
	for _, h := range handlers {
		if h == nil {
			continue
		}
		delivered = true
		h(ctx, m)
	}
	if !delivered {
		c.logger.Debug("event with no subscriber", "verb", m.Verb)
	}
}

func (c *Channel) failAllPending(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.mu.Unlock()

	for _, call := range pending {
		call.err = fmt.Errorf("%w: %v", ErrChannelClosed, err)
		call.closure.signal()
	}
}

// Close shuts down the connection and fails any in-flight calls.
func (c *Channel) Close() error {
	c.failAllPending(io.EOF)
	return c.conn.Close()
}

// RunLoop drives process() until ctx is done or the channel closes. This is
// the body of the Client's dedicated event-loop goroutine.
func (c *Channel) RunLoop(ctx context.Context) {
	ctx = withLoop(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !c.process() {
			return
		}
	}
}
