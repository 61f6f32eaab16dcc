package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/rialto-go/rialto/internal/transport/unixsocket"
)

const (
	envSocketFD   = "RIALTO_SOCKET_FD"
	envSocketPath = "RIALTO_SOCKET_PATH"
)

// Client is IpcClient: it owns a Channel and a dedicated goroutine that
// drives the channel's event loop, the way the teacher's NodeProcessor owns
// a node and a background/main goroutine pair tracked by a WaitGroup.
type Client struct {
	channel *Channel
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial resolves the connection the same way IpcClient does: prefer a
// pre-opened fd (RIALTO_SOCKET_FD) over a path (RIALTO_SOCKET_PATH).
func Dial(logger *slog.Logger) (*Client, error) {
	conn, err := dialFromEnv()
	if err != nil {
		return nil, err
	}
	return NewClient(conn, logger), nil
}

func dialFromEnv() (net.Conn, error) {
	if fdStr, ok := os.LookupEnv(envSocketFD); ok {
		fd, err := strconv.Atoi(fdStr)
		if err != nil {
			return nil, fmt.Errorf("ipc: invalid %s=%q: %w", envSocketFD, fdStr, err)
		}
		return unixsocket.DialFD(fd)
	}
	if path, ok := os.LookupEnv(envSocketPath); ok {
		return unixsocket.DialPath(path)
	}
	return nil, fmt.Errorf("ipc: neither %s nor %s set", envSocketFD, envSocketPath)
}

// NewClient wraps an already-established connection (used directly by tests
// with a looptransport pair, bypassing env resolution).
func NewClient(conn net.Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "[IPC]")
	return &Client{
		channel: NewChannel(conn, logger),
		logger:  logger,
	}
}

// Channel exposes the underlying Channel for callers (MediaPipelineSession,
// control-client) that issue Calls and Subscribe directly.
func (c *Client) Channel() *Channel { return c.channel }

// Start spawns the dedicated event-loop goroutine and returns without
// waiting for it to begin, matching NodeProcessor.Start's "spawn and track via WaitGroup"
// pattern.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.logger.Info("event loop starting", "loop", "rialto-ipc")
		c.channel.RunLoop(ctx)
		c.logger.Info("event loop stopped")
	}()
}

// Stop cancels the event loop and closes the underlying channel.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	_ = c.channel.Close()
}

// Wait blocks until the event-loop goroutine has returned.
func (c *Client) Wait() {
	c.wg.Wait()
}
