package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/rialto-go/rialto/pkg/heartbeat"
	"github.com/rialto-go/rialto/pkg/ipc"
)

// AppManagementServer is ApplicationManagementServer (C9): the parent-facing
// control channel over a single connection, handling SetConfiguration,
// SetState, SetLogLevels and Ping. It is one Go type covering two RPC-facing
// roles the original splits into ServerManagerModuleServiceStub
// (parent->server: SetConfiguration/SetState/Ping) and
// ControlModuleServiceStub (server->parent: ack delivery, log levels) — see
// SPEC_FULL.md §7's SUPPLEMENTED FEATURES for the split this merges.
type AppManagementServer struct {
	logger  *slog.Logger
	channel *ipc.Channel
	manager *Manager

	onLogLevels func(levels []byte)
}

// NewAppManagementServer wraps conn (the parent-process connection adopted
// from appManagementSocketFd) in a Channel and keeps manager for the Handle*
// methods below; it registers no inbound verbs itself.
func NewAppManagementServer(conn net.Conn, manager *Manager, logger *slog.Logger) *AppManagementServer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "[AMS]")
	a := &AppManagementServer{
		logger:  logger,
		channel: ipc.NewChannel(conn, logger),
		manager: manager,
	}
	return a
}

// Channel exposes the underlying parent-facing Channel, e.g. for
// HeartbeatProcedure's Ack delivery (C12).
func (a *AppManagementServer) Channel() *ipc.Channel { return a.channel }

// Run drives the parent-facing event loop until ctx is cancelled or the
// parent disconnects. Dispatching inbound SetConfiguration/SetState/Ping
// requests to the Handle* methods below is the request-dispatcher's job
// (out of scope per spec.md §1 — only the framed, length-prefixed
// transport and typed schema are assumed); Handle* is what that dispatcher
// calls once it has decoded a request's verb and payload.
func (a *AppManagementServer) Run(ctx context.Context) {
	a.channel.RunLoop(ctx)
}

// HandleSetConfiguration applies a parent-issued configuration, returning
// the error (if any) that setConfiguration's RPC reply should carry.
func (a *AppManagementServer) HandleSetConfiguration(cfg Configuration) error {
	if err := a.manager.SetConfiguration(cfg); err != nil {
		a.logger.Error("setConfiguration failed", "err", err)
		return err
	}
	return nil
}

// HandleSetState applies a parent-issued state transition.
func (a *AppManagementServer) HandleSetState(s ProcessState) error {
	if err := a.manager.SetState(s); err != nil {
		a.logger.Error("setState failed", "err", err)
		return err
	}
	return nil
}

// HandleSetLogLevels propagates a parent-issued log-level change to every
// connected guest client's SetLogLevelsEvent, via the SessionManagementServer
// this AppManagementServer was constructed alongside.
func (a *AppManagementServer) HandleSetLogLevels(sms *SessionManagementServer, payload []byte) {
	if a.onLogLevels != nil {
		a.onLogLevels(payload)
	}
	sms.BroadcastLogLevels(payload)
}

// HandlePing creates a HeartbeatProcedure for id, hands one handler token to
// each of services, and replies with Ack{id} once every handler is released
// (spec.md §4.10), or with a failed Ack if ctx ends first. services are the
// participants of this ping round (e.g. playback, cdm, control); no handler
// is added for the AppManagementServer itself.
func (a *AppManagementServer) HandlePing(ctx context.Context, id uint64, services []heartbeat.Participant) error {
	proc := heartbeat.NewProcedure(id, a.logger)
	for _, svc := range services {
		proc.AddParticipant(ctx, svc)
	}
	ok := proc.Wait(ctx)
	sender := heartbeat.ChannelAckSender{Channel: a.channel}
	if !ok {
		_ = sender.SendAck(ctx, id, false)
		return fmt.Errorf("appmanagement: heartbeat %d timed out", id)
	}
	return sender.SendAck(ctx, id, true)
}
