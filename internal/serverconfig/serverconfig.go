// Package serverconfig loads the server's optional on-disk defaults file and
// watches it (and the guest socket path) for drift, the way the teacher's
// pkg/config package fronts typed values over a lower substrate: there the
// substrate is the SDO object dictionary, here it is an ini file. CLI/env
// values always win over the file, matching the "OD value unless overridden
// at the API layer" precedent from the teacher's configurator pattern.
package serverconfig

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/ini.v1"
)

// Defaults holds the server-side values SessionServerManager.SetConfiguration
// (spec.md §4.8) needs and that an operator may want to set once on disk
// instead of passing on every invocation.
type Defaults struct {
	MaxPlaybacks          int
	MaxWebAudioPlayers    int
	ClientDisplayName     string
	ResourceManagerAppName string
	SocketPermissions     uint32 // e.g. 0666
	SocketOwner           string
	SocketGroup           string
}

// defaultDefaults matches the values the original system ships with when no
// file is present.
func defaultDefaults() Defaults {
	return Defaults{
		MaxPlaybacks:       2,
		MaxWebAudioPlayers: 1,
		SocketPermissions:  0666,
	}
}

// Load reads path (an ini file) and overlays any keys it sets onto the
// built-in defaults. An empty path is not an error: the built-in defaults
// are returned unchanged — no file is simply "nothing overridden". A path
// that cannot be loaded, including one that does not exist, returns an
// error together with the built-in defaults.
func Load(path string) (Defaults, error) {
	d := defaultDefaults()
	if path == "" {
		return d, nil
	}
	cfg, err := ini.Load(path)
	if err != nil {
		return d, fmt.Errorf("serverconfig: load %s: %w", path, err)
	}
	sec := cfg.Section("server")
	if k, err := sec.GetKey("max_playbacks"); err == nil {
		if v, err := k.Int(); err == nil {
			d.MaxPlaybacks = v
		}
	}
	if k, err := sec.GetKey("max_web_audio_players"); err == nil {
		if v, err := k.Int(); err == nil {
			d.MaxWebAudioPlayers = v
		}
	}
	if k, err := sec.GetKey("client_display_name"); err == nil {
		d.ClientDisplayName = k.String()
	}
	if k, err := sec.GetKey("resource_manager_app_name"); err == nil {
		d.ResourceManagerAppName = k.String()
	}
	if k, err := sec.GetKey("socket_permissions"); err == nil {
		if v, err := k.Uint(); err == nil {
			d.SocketPermissions = uint32(v)
		}
	}
	if k, err := sec.GetKey("socket_owner"); err == nil {
		d.SocketOwner = k.String()
	}
	if k, err := sec.GetKey("socket_group"); err == nil {
		d.SocketGroup = k.String()
	}
	return d, nil
}

// Watcher logs drift on the config file and the guest socket path. It is
// deliberately log-only, not hot-reloading: SessionServerManager's state
// machine (spec.md §4.8) has no "reconfigure while ACTIVE" transition, so
// live reload would require inventing one. An operator sees the log line and
// can restart, matching the existing lifecycle (DESIGN.md Open Question
// decision 4).
type Watcher struct {
	logger *slog.Logger

	mu   sync.Mutex
	fsw  *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher starts watching configPath and socketPath (either may be empty
// to skip it) and logs any write/remove/rename event it sees.
func NewWatcher(configPath, socketPath string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "[CFG]")
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("serverconfig: new watcher: %w", err)
	}
	for _, p := range []string{configPath, socketPath} {
		if p == "" {
			continue
		}
		if err := fsw.Add(p); err != nil {
			logger.Warn("could not watch path", "path", p, "err", err)
		}
	}
	w := &Watcher{logger: logger, fsw: fsw, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.logger.Info("config/socket path changed", "path", ev.Name, "op", ev.Op.String())
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "err", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return w.fsw.Close()
}
