package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/nekay/nekaysync/internal/logging"
	"github.com/nekay/nekaysync/internal/models"
	"github.com/nekay/nekaysync/internal/remote"
)

// Listener subscribes to the remote change feed of every kind and
// applies inbound deltas through the Syncer's last-writer-wins merge.
// Deltas are coalesced per record id for a debounce window before being
// applied, so rapid remote bursts collapse into one local write each.
//
// The listener must only run while online: the owner stops it on the
// offline transition and restarts it (after a full sync pass) on
// reconnect.
type Listener struct {
	syncer   *Syncer
	watcher  remote.Watcher
	debounce time.Duration
	log      logging.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewListener returns a stopped Listener applying deltas through sy.
func NewListener(sy *Syncer, watcher remote.Watcher, debounce time.Duration, log logging.Logger) *Listener {
	if log == nil {
		log = logging.Nop()
	}
	return &Listener{
		syncer:   sy,
		watcher:  watcher,
		debounce: debounce,
		log:      log.With("component", "listener"),
	}
}

// Start subscribes to every kind. Calling Start on a running listener is
// a no-op. Subscriptions that drop stay down until the next Start; the
// periodic sync pass covers the gap.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	for _, kind := range models.Kinds() {
		l.wg.Add(1)
		go func(kind models.Kind) {
			defer l.wg.Done()
			l.watchKind(ctx, kind)
		}(kind)
	}
}

// Stop unsubscribes everything and waits for in-flight applications to
// finish. Idempotent.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	cancel := l.cancel
	l.mu.Unlock()

	cancel()
	l.wg.Wait()
}

func (l *Listener) watchKind(ctx context.Context, kind models.Kind) {
	deltas, err := l.watcher.Watch(ctx, kind)
	if err != nil {
		l.log.Warn(ctx, "subscribe failed", "kind", kind, "error", err)
		return
	}
	l.log.Debug(ctx, "subscribed", "kind", kind)

	// Coalescing buffer: the latest delta per id within a window wins.
	buf := make(map[string]remote.Delta)
	var flushAt <-chan time.Time

	flush := func() {
		for _, d := range buf {
			l.apply(ctx, kind, d)
		}
		buf = make(map[string]remote.Delta)
		flushAt = nil
	}

	for {
		select {
		case d, ok := <-deltas:
			if !ok {
				flush()
				l.log.Debug(ctx, "subscription closed", "kind", kind)
				return
			}
			if len(buf) == 0 {
				flushAt = time.After(l.debounce)
			}
			buf[d.ID] = d
		case <-flushAt:
			flush()
		case <-ctx.Done():
			return
		}
	}
}

func (l *Listener) apply(ctx context.Context, kind models.Kind, d remote.Delta) {
	var err error
	switch d.Type {
	case remote.DeltaRemoved:
		err = l.syncer.RemoveLocal(ctx, kind, d.ID)
	default:
		if d.Record == nil {
			l.log.Warn(ctx, "delta without record", "kind", kind, "id", d.ID)
			return
		}
		rec := d.Record.Clone()
		rec.Kind = kind
		err = l.syncer.MergeRemote(ctx, rec)
	}
	if err != nil {
		l.log.Error(ctx, "failed to apply delta", "kind", kind, "id", d.ID, "error", err)
	}
}
