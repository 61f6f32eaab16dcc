package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// ProcessState is ServerProcessState (spec.md §3.1):
// UNINITIALIZED -> INACTIVE <-> ACTIVE -> NOT_RUNNING, plus ERROR for any
// requested state the manager doesn't recognize.
type ProcessState int

const (
	StateUninitialized ProcessState = iota
	StateInactive
	StateActive
	StateNotRunning
	StateError
)

func (s ProcessState) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateInactive:
		return "INACTIVE"
	case StateActive:
		return "ACTIVE"
	case StateNotRunning:
		return "NOT_RUNNING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// SwitchableService is the rollback-capable interface SessionServerManager
// drives on ACTIVE/INACTIVE transitions (the playback engine and the CDM
// service in spec.md §4.8 — both out of scope beyond this contract).
type SwitchableService interface {
	SwitchToActive() error
	SwitchToInactive() error
}

// SocketConfig describes how SessionManagementServer should accept guest
// connections: either a pre-opened fd or a path with permissions/ownership,
// per spec.md §6.
type SocketConfig struct {
	FD    int // > 0 to use a pre-opened fd
	Path  string
	Mode  os.FileMode // default 0666, applied only in path mode
	Owner string
	Group string
}

// Configuration is the setConfiguration payload from spec.md §4.8: guest
// socket config, playback/web-audio capacity, naming, and the initial
// process state to apply once everything else succeeds.
type Configuration struct {
	Socket                 SocketConfig
	MaxPlaybacks           int
	MaxWebAudioPlayers     int
	ClientDisplayName      string
	ResourceManagerAppName string
	InitialState           ProcessState
}

var (
	ErrAlreadyConfigured = errors.New("sessionserver: already configured")
	ErrNotConfigured     = errors.New("sessionserver: setState before setConfiguration")
)

// Manager is SessionServerManager (C8): the server-process lifecycle state
// machine gating resource acquisition (spec.md §4.8). It owns the guest
// socket (via SessionManagementServer), the playback/cdm SwitchableServices,
// and broadcasts every state change to registered observers — exactly
// nmt.go's AddStateChangeCallback/setState idiom, generalized from an NMT
// state byte to ProcessState.
type Manager struct {
	logger   *slog.Logger
	playback SwitchableService
	cdm      SwitchableService
	sms      *SessionManagementServer

	mu           sync.Mutex
	state        ProcessState
	configured   bool
	callbacks    map[uint64]func(ProcessState) error
	nextCallback uint64

	condService *sync.Cond
	running     bool
}

// NewManager constructs a Manager in UNINITIALIZED state.
func NewManager(playback, cdm SwitchableService, sms *SessionManagementServer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:       logger.With("service", "[SSM]"),
		playback:     playback,
		cdm:          cdm,
		sms:          sms,
		state:        StateUninitialized,
		callbacks:    make(map[uint64]func(ProcessState) error),
		nextCallback: 1,
		running:      true,
	}
	m.condService = sync.NewCond(&m.mu)
	return m
}

// StartService blocks the calling goroutine on the service condition
// variable until StopService is called, per spec.md §4.8's process-entry
// description ("startService() blocks the main thread on a condition
// variable until stopService() is called"). running is true from
// construction (a freshly started process has nothing to stop it yet), so a
// StopService racing in before StartService is ever called is still
// observed rather than lost. Intended to be the last call in main() after
// SetConfiguration has broadcast the process through its initial states.
func (m *Manager) StartService() {
	m.mu.Lock()
	for m.running {
		m.condService.Wait()
	}
	m.mu.Unlock()
}

// StopService releases a goroutine blocked in StartService. Per spec.md
// §4.8, this is invoked from NOT_RUNNING; enterNotRunning calls it
// automatically once the state broadcast completes.
func (m *Manager) StopService() {
	m.mu.Lock()
	m.running = false
	m.condService.Broadcast()
	m.mu.Unlock()
}

// OnStateChange registers handler to be called (synchronously, on the
// calling goroutine) after every broadcast state change, and returns a
// cancel func that removes it — the same cancel-closure callback pattern
// as the teacher's NMT.AddStateChangeCallback. handler's error return feeds
// broadcast's aggregate result: a delivery failure here is what can trigger
// enterInactive's roll-forward-to-ACTIVE path (spec.md §4.8).
func (m *Manager) OnStateChange(handler func(ProcessState) error) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextCallback
	m.nextCallback++
	m.callbacks[id] = handler
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.callbacks, id)
	}
}

// broadcast delivers s to every registered handler and joins any errors they
// return. A transport in which delivery to an observer can genuinely fail
// (e.g. a registered observer proxies the change over a connection that may
// be down) is what makes enterInactive's roll-forward-to-ACTIVE branch
// reachable; a handler that never errors makes this always return nil, which
// is the expected behavior for such a handler, not a defect in broadcast.
func (m *Manager) broadcast(s ProcessState) error {
	m.mu.Lock()
	handlers := make([]func(ProcessState) error, 0, len(m.callbacks))
	for _, h := range m.callbacks {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()
	var errs []error
	for _, h := range handlers {
		if err := h(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotifyCurrentState broadcasts the manager's current state to registered
// observers without changing it — used once at process entry to surface the
// initial UNINITIALIZED state (spec.md §4.8) before any configuration has
// been applied.
func (m *Manager) NotifyCurrentState() {
	_ = m.broadcast(m.State())
}

// State returns the current process state.
func (m *Manager) State() ProcessState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetConfiguration applies the server's one-time configuration step
// (spec.md §4.8): bind SessionManagementServer's guest socket (its accept
// loop is started separately, with Start), set capacity and naming, then apply the initial state via SetState. Any step
// failing short-circuits the rest.
func (m *Manager) SetConfiguration(cfg Configuration) error {
	m.mu.Lock()
	if m.configured {
		m.mu.Unlock()
		return ErrAlreadyConfigured
	}
	m.mu.Unlock()

	if err := m.sms.Configure(cfg.Socket); err != nil {
		return fmt.Errorf("sessionserver: configure guest socket: %w", err)
	}
	m.sms.SetCapacity(cfg.MaxPlaybacks, cfg.MaxWebAudioPlayers)
	m.sms.SetNames(cfg.ClientDisplayName, cfg.ResourceManagerAppName)

	m.mu.Lock()
	m.configured = true
	m.mu.Unlock()

	return m.SetState(cfg.InitialState)
}

// SetState drives one transition of spec.md §4.8's state machine.
// Same-state requests are idempotent (P8): they return success without
// re-running entry/exit actions. Any requested state outside the five
// recognized values broadcasts ERROR. ACTIVE entry requires playback then
// cdm to both switch active, rolling playback back to inactive if cdm
// fails; INACTIVE switches both to inactive (a failed switch is logged, not
// returned), with a best-effort
// roll-forward to ACTIVE if the broadcast itself then fails (while the
// manager was previously ACTIVE) — ported verbatim from
// original_source/media/server/service/source/SessionServerManager.cpp.
func (m *Manager) SetState(requested ProcessState) error {
	switch requested {
	case StateUninitialized, StateInactive, StateActive, StateNotRunning:
	default:
		_ = m.broadcast(StateError)
		return fmt.Errorf("sessionserver: invalid requested state %v", requested)
	}

	m.mu.Lock()
	current := m.state
	m.mu.Unlock()

	if current == requested {
		return nil
	}

	switch requested {
	case StateActive:
		return m.enterActive(current)
	case StateInactive:
		return m.enterInactive(current)
	case StateNotRunning:
		return m.enterNotRunning()
	default:
		m.setStateAndBroadcast(requested)
		return nil
	}
}

func (m *Manager) setStateAndBroadcast(s ProcessState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	_ = m.broadcast(s)
}

func (m *Manager) enterActive(current ProcessState) error {
	if err := m.playback.SwitchToActive(); err != nil {
		return fmt.Errorf("sessionserver: playback switchToActive: %w", err)
	}
	if err := m.cdm.SwitchToActive(); err != nil {
		_ = m.playback.SwitchToInactive()
		return fmt.Errorf("sessionserver: cdm switchToActive: %w", err)
	}
	m.setStateAndBroadcast(StateActive)
	return nil
}

func (m *Manager) enterInactive(current ProcessState) error {
	if err := m.playback.SwitchToInactive(); err != nil {
		m.logger.Warn("playback switchToInactive failed", "err", err)
	}
	if err := m.cdm.SwitchToInactive(); err != nil {
		m.logger.Warn("cdm switchToInactive failed", "err", err)
	}

	m.mu.Lock()
	m.state = StateInactive
	m.mu.Unlock()

	if err := m.broadcast(StateInactive); err != nil {
		if current == StateActive {
			_ = m.playback.SwitchToActive()
			_ = m.cdm.SwitchToActive()
			m.mu.Lock()
			m.state = StateActive
			m.mu.Unlock()
		}
		return fmt.Errorf("sessionserver: broadcast inactive: %w", err)
	}
	return nil
}

func (m *Manager) enterNotRunning() error {
	if err := m.playback.SwitchToInactive(); err != nil {
		m.logger.Warn("playback switchToInactive on shutdown failed", "err", err)
	}
	if err := m.cdm.SwitchToInactive(); err != nil {
		m.logger.Warn("cdm switchToInactive on shutdown failed", "err", err)
	}
	m.setStateAndBroadcast(StateNotRunning)
	m.sms.Stop()
	m.StopService()
	return nil
}
