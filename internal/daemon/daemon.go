// Package daemon runs the background worker context: it hosts the event hub
// and invokes the sync engine without user action.
//
// Three triggers cause a drain:
//  1. The trigger file the dispatcher touches after an enqueue (fsnotify,
//     debounced so rapid enqueues batch into one drain)
//  2. A periodic ticker
//  3. A connectivity edge: the probe loop noticing the backend has become
//     reachable again
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/fieldnote/fieldnote/internal/bus"
	"github.com/fieldnote/fieldnote/internal/dispatch"
	"github.com/fieldnote/fieldnote/internal/store"
	"github.com/fieldnote/fieldnote/internal/syncer"
	"github.com/fieldnote/fieldnote/internal/transport"
)

// StatusFile is the daemon's runtime status snapshot, written after every
// drain and read by `fn daemon status`.
const StatusFile = "status.yaml"

// Config holds daemon tuning.
type Config struct {
	// DrainInterval is how often to drain regardless of triggers.
	DrainInterval time.Duration

	// ProbeInterval is how often to check backend reachability.
	ProbeInterval time.Duration

	// DebounceInterval batches rapid trigger-file touches into one drain.
	DebounceInterval time.Duration

	// Port is where the event hub listens (0 = any free port).
	Port int

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DrainInterval:    5 * time.Minute,
		ProbeInterval:    30 * time.Second,
		DebounceInterval: 500 * time.Millisecond,
		Port:             7377,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Status is the snapshot persisted to StatusFile.
type Status struct {
	LastDrain time.Time `yaml:"last_drain"`
	Synced    int       `yaml:"synced"`
	Failed    int       `yaml:"failed"`
	Evicted   int       `yaml:"evicted"`
	Pending   int       `yaml:"pending"`
}

// ReadStatus loads the daemon's last written status snapshot.
func ReadStatus(dataDir string) (*Status, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, StatusFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read daemon status: %w", err)
	}

	var st Status
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse daemon status: %w", err)
	}
	return &st, nil
}

// Daemon orchestrates triggers, drains and the event hub.
type Daemon struct {
	dataDir string
	store   *store.Store
	engine  *syncer.Engine
	client  *transport.Client
	bus     *bus.Bus
	hub     *bus.Server
	config  *Config

	watcher *fsnotify.Watcher

	dirtyMu sync.Mutex
	dirtyAt time.Time
	isDirty bool
	wasUp   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. The store, engine, client and bus are shared with
// the hub; dataDir must be the directory holding the queue database and the
// trigger file.
func New(dataDir string, st *store.Store, engine *syncer.Engine, client *transport.Client, b *bus.Bus, config *Config) (*Daemon, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if dataDir == "" {
		return nil, fmt.Errorf("dataDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		dataDir: dataDir,
		store:   st,
		engine:  engine,
		client:  client,
		bus:     b,
		hub:     bus.NewServer(b, config.Port, config.Logger),
		config:  config,
		watcher: watcher,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// HubAddr returns the event hub's listening address (valid after Start).
func (d *Daemon) HubAddr() string {
	return d.hub.Addr()
}

// Start runs the daemon until ctx is cancelled.
//
// On startup the daemon drains once (captures queued while it was down
// should not wait for a trigger), then watches for trigger-file events and
// runs the periodic and probe loops.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting sync daemon")

	if err := d.hub.Start(); err != nil {
		return fmt.Errorf("failed to start event hub: %w", err)
	}

	if err := d.watcher.Add(d.dataDir); err != nil {
		return fmt.Errorf("failed to watch data directory: %w", err)
	}

	d.config.Logger.Printf("Watching %s, hub on %s", d.dataDir, d.hub.Addr())

	d.drain("startup")

	d.wg.Add(3)
	go d.watchTrigger()
	go d.drainLoop()
	go d.probeLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping sync daemon")

	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}
	if err := d.hub.Stop(); err != nil {
		d.config.Logger.Printf("Error stopping event hub: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Sync daemon stopped")
	return nil
}

// watchTrigger marks the daemon dirty on trigger-file events. The actual
// drain happens in drainLoop after the debounce window.
func (d *Daemon) watchTrigger() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Base(event.Name) != dispatch.TriggerFile {
				continue
			}

			d.dirtyMu.Lock()
			d.isDirty = true
			d.dirtyAt = time.Now()
			d.dirtyMu.Unlock()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// drainLoop drains on the periodic interval and on debounced triggers.
func (d *Daemon) drainLoop() {
	defer d.wg.Done()

	periodic := time.NewTicker(d.config.DrainInterval)
	defer periodic.Stop()

	debounce := time.NewTicker(d.config.DebounceInterval)
	defer debounce.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-periodic.C:
			d.drain("periodic")

		case <-debounce.C:
			d.dirtyMu.Lock()
			ready := d.isDirty && time.Since(d.dirtyAt) >= d.config.DebounceInterval
			if ready {
				d.isDirty = false
			}
			d.dirtyMu.Unlock()

			if ready {
				d.drain("trigger")
			}
		}
	}
}

// probeLoop drains when the backend transitions from unreachable to
// reachable.
func (d *Daemon) probeLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			up := d.client.Online(d.ctx)

			d.dirtyMu.Lock()
			regained := up && !d.wasUp
			d.wasUp = up
			d.dirtyMu.Unlock()

			if regained {
				d.drain("connectivity regained")
			}
		}
	}
}

// drain runs one sync pass and persists the status snapshot.
func (d *Daemon) drain(reason string) {
	pending, err := d.store.CountContext(d.ctx)
	if err != nil {
		d.config.Logger.Printf("Drain (%s) aborted, cannot read queue: %v", reason, err)
		return
	}
	if pending == 0 && reason != "startup" {
		return
	}

	d.config.Logger.Printf("Draining (%s): %d pending", reason, pending)

	res, err := d.engine.Drain(d.ctx, nil)
	if err != nil {
		d.config.Logger.Printf("Drain (%s) failed: %v", reason, err)
		return
	}

	remaining, err := d.store.CountContext(d.ctx)
	if err != nil {
		remaining = pending - res.Synced - res.Evicted
	}

	d.writeStatus(&Status{
		LastDrain: time.Now().UTC(),
		Synced:    res.Synced,
		Failed:    res.Failed,
		Evicted:   res.Evicted,
		Pending:   remaining,
	})
}

// writeStatus persists the status snapshot. Best-effort.
func (d *Daemon) writeStatus(st *Status) {
	data, err := yaml.Marshal(st)
	if err != nil {
		d.config.Logger.Printf("Warning: failed to marshal status: %v", err)
		return
	}
	path := filepath.Join(d.dataDir, StatusFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		d.config.Logger.Printf("Warning: failed to write status: %v", err)
	}
}
