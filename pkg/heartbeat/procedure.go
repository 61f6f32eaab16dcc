// Package heartbeat implements HeartbeatProcedure (C11) and the
// Heartbeat/Ack transport (C12): a parent-initiated ping is broadcast to
// every participating service, each service propagates its own Handler
// token through every active component it owns (each session, each key
// session), and the procedure completes — sending Ack{id} back to the
// parent — only once the last handler has been released. This is a
// refcount-of-outstanding-work shape, generalized from the teacher's
// pkg/heartbeat/consumer.go fan-in (there: many producers, one consumer
// tracking liveness; here: one ping, many acknowledging participants).
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
)

// Handler is the per-service acknowledgement token HeartbeatProcedure hands
// out. A component that receives one must call Release exactly once when
// it has finished propagating/acknowledging the ping.
type Handler struct {
	proc *Procedure
}

// Release signals that this handler's owner has finished acknowledging the
// ping. Releasing the last outstanding handler completes the procedure.
func (h *Handler) Release() {
	h.proc.release()
}

// Participant is a service (playback, cdm, the parent-facing control
// service) that accepts a Handler and is responsible for propagating it
// through every active component it owns before releasing it.
type Participant interface {
	AcknowledgePing(ctx context.Context, h *Handler)
}

// Procedure is HeartbeatProcedure: one instance per incoming Ping id,
// tracking outstanding Handlers fanned out to every participant and
// completing (successfully, or with a timeout failure) when they are all
// released or ctx is done.
type Procedure struct {
	id     uint64
	logger *slog.Logger

	mu          sync.Mutex
	outstanding int
	done        chan struct{}
	completed   bool
}

// NewProcedure constructs a Procedure for ping id.
func NewProcedure(id uint64, logger *slog.Logger) *Procedure {
	if logger == nil {
		logger = slog.Default()
	}
	return &Procedure{
		id:     id,
		logger: logger.With("service", "[HB]"),
		done:   make(chan struct{}),
	}
}

// ID returns the ping id this procedure was created for.
func (p *Procedure) ID() uint64 { return p.id }

// AddParticipant hands a new Handler to participant and asynchronously
// invokes its AcknowledgePing, since a participant may need to fan the
// handler out further (to every session, every key session) before it can
// be released.
func (p *Procedure) AddParticipant(ctx context.Context, participant Participant) {
	p.mu.Lock()
	p.outstanding++
	p.mu.Unlock()

	h := &Handler{proc: p}
	go participant.AcknowledgePing(ctx, h)
}

func (p *Procedure) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding--
	if p.outstanding <= 0 && !p.completed {
		p.completed = true
		close(p.done)
	}
}

// Wait blocks until every handed-out Handler has been released (returning
// true) or ctx is done first (returning false, a heartbeat timeout per
// spec.md §4.10 — "the design does not fix the timeout: it is a
// configuration knob", carried by the caller's ctx deadline).
func (p *Procedure) Wait(ctx context.Context) bool {
	select {
	case <-p.done:
		return true
	case <-ctx.Done():
		p.logger.Warn("heartbeat procedure timed out", "id", p.id)
		return false
	}
}
