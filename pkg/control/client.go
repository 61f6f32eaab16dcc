// Package control implements the process-wide application-state mirror
// supplementing MediaPipelineSession (spec.md §4.6's notifyApplicationState):
// one RialtoControlIpc-style client per process, issuing the single
// setApplicationState RPC and fanning the resulting AppState out to every
// registered observer (one per MediaPipelineSession, plus the shared-memory
// lifecycle it gates). Grounded on
// original_source/media/client/ipc/include/RialtoControlIpc.h and
// ISharedMemoryManagerClient.h's observer-registration shape, translated to
// the teacher's callback-registry idiom (nmt.go's AddStateChangeCallback /
// server.Manager.OnStateChange).
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rialto-go/rialto/pkg/ipc"
	"github.com/rialto-go/rialto/pkg/mediapipeline"
	"github.com/rialto-go/rialto/pkg/shm"
)

// StateObserver is ApplicationStateChangeObserver: anything that needs to
// learn about a process-wide application-state transition.
// *mediapipeline.Session implements this directly via SetApplicationState.
type StateObserver interface {
	SetApplicationState(next mediapipeline.AppState)
}

// Client is RialtoControlIpc: it owns the single setApplicationState RPC
// towards the server and the observer registry every MediaPipelineSession
// (and the ShmRegion teardown it gates) subscribes to.
type Client struct {
	channel *ipc.Channel
	logger  *slog.Logger

	mu        sync.Mutex
	state     mediapipeline.AppState
	observers map[uint64]StateObserver
	nextID    uint64
}

// NewClient constructs a Client bound to channel, starting in AppUnknown
// (spec.md glossary: the mirror has no value until the server first reports
// one).
func NewClient(channel *ipc.Channel, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		channel:   channel,
		logger:    logger.With("service", "[CONTROL]"),
		state:     mediapipeline.AppUnknown,
		observers: make(map[uint64]StateObserver),
		nextID:    1,
	}
}

// RegisterObserver adds observer to the fan-out set and immediately
// delivers the current state, so a session attached after the last
// transition still starts consistent — matches
// ISharedMemoryManagerClient's registration contract (a late joiner must
// not silently stay in AppUnknown while every other observer has already
// moved on).
func (c *Client) RegisterObserver(observer StateObserver) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.observers[id] = observer
	current := c.state
	c.mu.Unlock()

	observer.SetApplicationState(current)

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// State returns the last application state delivered by the server.
func (c *Client) State() mediapipeline.AppState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetApplicationState issues the setApplicationState RPC and, on success,
// fans the new state out to every registered observer before returning —
// matching RialtoControlIpc::setApplicationState's synchronous
// notify-then-return order, so a caller that gets a nil error back knows
// every session has already seen the transition.
func (c *Client) SetApplicationState(ctx context.Context, next mediapipeline.AppState) error {
	if _, err := c.channel.Call(ctx, "setApplicationState", encodeAppState(next)); err != nil {
		return fmt.Errorf("control: setApplicationState: %w", err)
	}

	c.mu.Lock()
	c.state = next
	observers := make([]StateObserver, 0, len(c.observers))
	for _, o := range c.observers {
		observers = append(observers, o)
	}
	c.mu.Unlock()

	for _, o := range observers {
		o.SetApplicationState(next)
	}
	return nil
}

func encodeAppState(s mediapipeline.AppState) []byte {
	return []byte(fmt.Sprintf("%d", s))
}

// ShmObserver adapts a *shm.Region into a StateObserver, so the region's
// INACTIVE<->RUNNING mapping lifecycle (spec.md §3.1, §4.4) is driven by
// exactly the same application-state fan-out that every MediaPipelineSession
// observes — registering it alongside the sessions keeps ShmRegion mapped
// for precisely as long as the application is RUNNING.
type ShmObserver struct {
	Region  *shm.Region
	Acquire shm.AcquireFunc
	Logger  *slog.Logger
}

// SetApplicationState implements StateObserver by translating the mirrored
// AppState into the INACTIVE/RUNNING bool ShmRegion.SetApplicationState
// expects. Errors are logged rather than returned: StateObserver's fan-out
// is one-way notification, matching Client.SetApplicationState's contract
// that a failed region transition must not block delivery to the other
// observers.
func (o *ShmObserver) SetApplicationState(next mediapipeline.AppState) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	running := next == mediapipeline.AppRunning
	if err := o.Region.SetApplicationState(context.Background(), running, o.Acquire); err != nil {
		logger.Error("shm region application-state transition failed", "running", running, "error", err)
	}
}
