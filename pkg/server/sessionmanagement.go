package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rialto-go/rialto/internal/transport/unixsocket"
	"github.com/rialto-go/rialto/pkg/ipc"
)

// ServiceFactory creates the per-module SessionService implementations a
// newly accepted guest connection is fanned out to, keyed by session id
// (spec.md §2's "dispatched by C10 to the matching service" data flow).
// Out of scope beyond this contract: the concrete decoder pipeline wiring.
type ServiceFactory func(sessionID uint64) SessionService

// SessionManagementServer is SessionManagementServer (C10): the
// client-facing RPC server that accepts guest connections (fd or path
// mode) and fans each one out to its own SessionService, one dedicated
// accept-loop goroutine per listener plus one per-connection goroutine,
// matching the teacher's NodeProcessor background/main goroutine-pair
// lifecycle (pkg/node/controller.go) generalized to "one goroutine per
// accepted connection" instead of a pair per CAN node.
type SessionManagementServer struct {
	logger  *slog.Logger
	factory ServiceFactory

	mu        sync.Mutex
	listener  net.Listener
	conns     map[net.Conn]*ipc.Channel
	wg        sync.WaitGroup
	stopping  int32
	maxPlay   int
	maxWebA   int
	dispName  string
	resMgrApp string
}

// NewSessionManagementServer constructs a server that fans out accepted
// connections using factory.
func NewSessionManagementServer(factory ServiceFactory, logger *slog.Logger) *SessionManagementServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManagementServer{
		logger:  logger.With("service", "[SMS]"),
		factory: factory,
		conns:   make(map[net.Conn]*ipc.Channel),
	}
}

// Configure binds the guest-facing listener: either adopting a pre-opened
// fd or listening on a path and applying the requested permissions
// (spec.md §6 socket permissions: chmod always, chown only when both owner
// and group are set).
func (s *SessionManagementServer) Configure(cfg SocketConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("sessionmanagement: already configured")
	}

	if cfg.FD > 0 {
		l, err := unixsocket.ListenFD(cfg.FD)
		if err != nil {
			return err
		}
		s.listener = l
		return nil
	}

	if cfg.Path == "" {
		return fmt.Errorf("sessionmanagement: no socket fd or path configured")
	}
	l, err := unixsocket.Listen(cfg.Path)
	if err != nil {
		return err
	}
	mode := cfg.Mode
	if mode == 0 {
		mode = 0666
	}
	if err := unixsocket.SetPermissions(cfg.Path, mode, cfg.Owner, cfg.Group); err != nil {
		_ = l.Close()
		return err
	}
	s.listener = l
	return nil
}

// SetCapacity records the max-playbacks / max-web-audio-players limits from
// setConfiguration.
func (s *SessionManagementServer) SetCapacity(maxPlaybacks, maxWebAudioPlayers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxPlay = maxPlaybacks
	s.maxWebA = maxWebAudioPlayers
}

// SetNames records the display/resource-manager naming from
// setConfiguration.
func (s *SessionManagementServer) SetNames(clientDisplayName, resourceManagerAppName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispName = clientDisplayName
	s.resMgrApp = resourceManagerAppName
}

// Start runs the accept loop in a dedicated goroutine until Stop flips the
// atomic stopping flag, matching spec.md §4.9's
// "start() runs the server loop in a dedicated thread until stop() flips an
// atomic flag" contract.
func (s *SessionManagementServer) Start(ctx context.Context) {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		s.logger.Error("start called before Configure")
		return
	}
	s.wg.Add(1)
	go s.acceptLoop(ctx, l)
}

func (s *SessionManagementServer) acceptLoop(ctx context.Context, l net.Listener) {
	defer s.wg.Done()
	var sessionID uint64
	for {
		conn, err := l.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.stopping) != 0 {
				return
			}
			s.logger.Error("accept failed", "err", err)
			return
		}
		sessionID++
		id := sessionID
		s.mu.Lock()
		ch := ipc.NewChannel(conn, s.logger)
		s.conns[conn] = ch
		s.mu.Unlock()

		svc := s.factory(id)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("guest connected", "session", id)
			ch.RunLoop(ctx)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			if svc != nil {
				_ = svc.Destroy(context.Background())
			}
			s.logger.Info("guest disconnected", "session", id)
		}()
	}
}

// BroadcastLogLevels delivers a SetLogLevelsEvent to every connected guest
// (spec.md §4.9).
func (s *SessionManagementServer) BroadcastLogLevels(payload []byte) {
	s.mu.Lock()
	chans := make([]*ipc.Channel, 0, len(s.conns))
	for _, ch := range s.conns {
		chans = append(chans, ch)
	}
	s.mu.Unlock()
	for _, ch := range chans {
		_, _ = ch.Call(context.Background(), "setLogLevels", payload)
	}
}

// Stop flips the stopping flag, closes the listener (unblocking Accept) and
// every open connection, then waits for the accept loop and all
// per-connection goroutines to return.
func (s *SessionManagementServer) Stop() {
	atomic.StoreInt32(&s.stopping, 1)
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
}
