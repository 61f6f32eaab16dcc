// Command rialto-server is the server process entrypoint (spec.md §4.8,
// §6): it accepts exactly two positional arguments, appName and
// appManagementSocketFd, broadcasts UNINITIALIZED, then blocks on
// SessionServerManager's service condition until stopped.
//
// Styled after the teacher's cmd/canopen and cmd/sdo_client mains: a
// logrus debug banner plus a positional-argument CLI read from os.Args,
// even though the rest of the
// repository logs with log/slog (see DESIGN.md's ambient-stack decision).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/rialto-go/rialto/internal/serverconfig"
	"github.com/rialto-go/rialto/internal/transport/unixsocket"
	"github.com/rialto-go/rialto/pkg/server"
)

func main() {
	log.SetLevel(log.DebugLevel)
	log.Debug("starting rialto-server")

	if len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: rialto-server <appName> <appManagementSocketFd>")
		os.Exit(1)
	}
	appName := os.Args[1]
	fd, err := strconv.Atoi(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid appManagementSocketFd %q: %v\n", os.Args[2], err)
		os.Exit(1)
	}

	logger := slog.Default().With("app", appName)

	defaults, err := serverconfig.Load(os.Getenv("RIALTO_SERVER_CONFIG"))
	if err != nil {
		logger.Warn("could not load server defaults file", "err", err)
		defaults = mustDefaults()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, appName, fd, defaults, logger); err != nil {
		logger.Error("rialto-server exiting with error", "err", err)
		os.Exit(1)
	}
}

func mustDefaults() serverconfig.Defaults {
	d, _ := serverconfig.Load("")
	return d
}

// run wires the process-level collaborators together: the parent-facing
// AppManagementServer, the guest-facing SessionManagementServer, and the
// SessionServerManager state machine that gates both. playback/cdm are
// left as no-op stubs here — the concrete decoder pipeline and CDM
// algorithms are external collaborators this core only specifies the
// interface of (spec.md §1 Non-goals).
func run(ctx context.Context, appName string, parentFD int, defaults serverconfig.Defaults, logger *slog.Logger) error {
	sms := server.NewSessionManagementServer(func(sessionID uint64) server.SessionService {
		return nil
	}, logger)

	manager := server.NewManager(noopSwitchable{}, noopSwitchable{}, sms, logger)
	manager.OnStateChange(func(s server.ProcessState) error {
		logger.Info("process state changed", "state", s.String())
		return nil
	})

	parentConn, err := adoptParentSocket(parentFD)
	if err != nil {
		return fmt.Errorf("adopt parent socket: %w", err)
	}
	ams := server.NewAppManagementServer(parentConn, manager, logger)

	go ams.Run(ctx)

	// UNINITIALIZED is the manager's zero state; broadcasting it here
	// surfaces it to observers before any configuration has been applied
	// (spec.md §4.8 process-entry: "Initialize ... broadcast UNINITIALIZED").
	manager.NotifyCurrentState()

	cfg := server.Configuration{
		Socket: server.SocketConfig{
			Path:  fmt.Sprintf("/tmp/rialto-%s.sock", appName),
			Mode:  os.FileMode(defaults.SocketPermissions),
			Owner: defaults.SocketOwner,
			Group: defaults.SocketGroup,
		},
		MaxPlaybacks:           defaults.MaxPlaybacks,
		MaxWebAudioPlayers:     defaults.MaxWebAudioPlayers,
		ClientDisplayName:      defaults.ClientDisplayName,
		ResourceManagerAppName: defaults.ResourceManagerAppName,
		InitialState:           server.StateInactive,
	}
	if err := manager.SetConfiguration(cfg); err != nil {
		return fmt.Errorf("setConfiguration: %w", err)
	}
	sms.Start(ctx)

	go func() {
		<-ctx.Done()
		if err := manager.SetState(server.StateNotRunning); err != nil {
			logger.Error("setState(NOT_RUNNING) failed", "err", err)
		}
	}()

	// Blocks until the NOT_RUNNING transition above calls StopService.
	manager.StartService()
	return nil
}

func adoptParentSocket(fd int) (net.Conn, error) {
	return unixsocket.DialFD(fd)
}

type noopSwitchable struct{}

func (noopSwitchable) SwitchToActive() error   { return nil }
func (noopSwitchable) SwitchToInactive() error { return nil }
