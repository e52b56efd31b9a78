// Package core is the composition root of the sync engine. It wires the
// local store, the remote client, the connectivity monitor, the sync
// orchestrator and the realtime listener into one explicitly constructed
// component, and exposes the typed CRUD surface callers consume.
package core

import (
	"context"
	"errors"
	"sync"

	"github.com/nekay/nekaysync/internal/common"
	"github.com/nekay/nekaysync/internal/config"
	"github.com/nekay/nekaysync/internal/connectivity"
	"github.com/nekay/nekaysync/internal/localstore"
	"github.com/nekay/nekaysync/internal/logging"
	"github.com/nekay/nekaysync/internal/models"
	"github.com/nekay/nekaysync/internal/remote"
	"github.com/nekay/nekaysync/internal/syncer"
)

// Core owns every moving part of the sync engine. Construct with New,
// start with Init, release with Close.
type Core struct {
	cfg *config.Config
	log logging.Logger

	store    *localstore.Store
	remote   *remote.Client
	monitor  *connectivity.Monitor
	syncer   *syncer.Syncer
	listener *syncer.Listener

	mu          sync.Mutex
	initialized bool
	cancel      context.CancelFunc
	loopDone    chan struct{}
}

// New returns an unstarted Core. No I/O happens until Init.
func New(cfg *config.Config, log logging.Logger) *Core {
	if log == nil {
		log = logging.Nop()
	}
	return &Core{cfg: cfg, log: log.With("component", "core")}
}

// Init opens the local store, starts connectivity probing and, when the
// remote is reachable, runs an initial sync pass before subscribing to
// realtime changes. On a fresh local database that first pass hydrates
// every kind from the remote. Init on an initialized Core is a no-op.
func (c *Core) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}

	store, err := localstore.Open(ctx, c.cfg.DatabasePath, c.log,
		localstore.WithRetention(c.cfg.RetentionWindow))
	if err != nil {
		return err
	}
	c.store = store

	c.remote = remote.NewClient(c.cfg.RemoteBaseURL)
	c.monitor = connectivity.NewMonitor(c.remote, c.cfg.ProbeInterval, c.cfg.ProbeMaxAttempts, c.log)
	c.syncer = syncer.New(c.store, c.remote, c.monitor, syncer.Options{
		RemoteBatchSize: c.cfg.RemoteBatchSize,
		LocalChunkSize:  c.cfg.LocalChunkSize,
		MaxAttempts:     c.cfg.MaxSyncAttempts,
	}, c.log)
	c.listener = syncer.NewListener(c.syncer, c.remote, c.cfg.DebounceWindow, c.log)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.loopDone = make(chan struct{})
	done := c.loopDone

	c.monitor.Start(loopCtx)
	go c.eventLoop(loopCtx, done)

	c.initialized = true
	c.log.Info(ctx, "core initialized", "db", c.cfg.DatabasePath, "remote", c.cfg.RemoteBaseURL)
	return nil
}

// eventLoop reacts to connectivity transitions: reconnecting triggers a
// full sync pass and resubscribes the realtime listener; going offline
// tears the listener down so it never acts on stale handles.
func (c *Core) eventLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev := <-c.monitor.Events():
			switch ev {
			case connectivity.EventOnline:
				if err := c.syncer.SyncAll(ctx); err != nil {
					c.log.Error(ctx, "reconnect sync failed", "error", err)
				}
				c.listener.Start(ctx)
			case connectivity.EventOffline:
				c.listener.Stop()
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close stops background work and closes the local store. Idempotent.
func (c *Core) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil
	}
	c.initialized = false

	c.cancel()
	<-c.loopDone
	c.listener.Stop()
	c.monitor.Stop()
	return c.store.Close()
}

// ready guards the public surface against use before Init.
func (c *Core) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return common.ErrNotInitialized
	}
	return nil
}

// SetCredentials installs the bearer token pair for the remote store.
func (c *Core) SetCredentials(access, refresh string) {
	c.remote.SetTokens(access, refresh)
}

// Offline reports whether the remote is currently unreachable.
func (c *Core) Offline() bool {
	return !c.monitor.Online()
}

// Sync runs a full sync pass now, joining one already in flight.
func (c *Core) Sync(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	c.monitor.Kick()
	return c.syncer.SyncAll(ctx)
}

// SyncState returns the last sync-pass state for a kind.
func (c *Core) SyncState(kind models.Kind) syncer.State {
	return c.syncer.SyncState(kind)
}

// PendingChanges counts local records still awaiting a remote round-trip.
func (c *Core) PendingChanges(ctx context.Context) (int, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	return c.store.CountPending(ctx)
}

// nudge opportunistically pushes after a local mutation while online.
// Never blocks the mutating call; a pass already in flight covers it.
func (c *Core) nudge(ctx context.Context) {
	if !c.monitor.Online() {
		return
	}
	go func() {
		err := c.syncer.TrySyncAll(context.WithoutCancel(ctx))
		if err != nil && !errors.Is(err, common.ErrSyncInProgress) {
			c.log.Warn(ctx, "background sync failed", "error", err)
		}
	}()
}
