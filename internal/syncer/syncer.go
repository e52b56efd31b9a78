// Package syncer drives reconciliation between the local store and the
// remote document store: it pushes tombstones and pending records, pulls
// remote changes past the per-kind checkpoint, and resolves every
// conflict last-writer-wins on the LastModified stamp. The realtime
// listener in this package applies inbound deltas through the same merge
// rule, so the two paths commute.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nekay/nekaysync/internal/backoff"
	"github.com/nekay/nekaysync/internal/common"
	"github.com/nekay/nekaysync/internal/localstore"
	"github.com/nekay/nekaysync/internal/logging"
	"github.com/nekay/nekaysync/internal/models"
	"github.com/nekay/nekaysync/internal/remote"
)

// Status is the sync-pass state of one kind.
type Status string

const (
	StatusSynced  Status = "synced"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
)

// State describes the last observed sync pass for a kind. Progress is a
// 0..1 fraction of the pass's known work.
type State struct {
	Status   Status
	LastSync time.Time
	Err      error
	Progress float64
}

// ConnectivitySource reports current remote reachability.
type ConnectivitySource interface {
	Online() bool
}

// Options tune batch sizes and the retry budget of a Syncer.
type Options struct {
	// RemoteBatchSize caps records per remote batch write.
	RemoteBatchSize int
	// LocalChunkSize caps records read from the local store per query.
	LocalChunkSize int
	// MaxAttempts bounds per-record push attempts before demotion to
	// failed, and per-operation retries inside a pass.
	MaxAttempts int
}

func (o *Options) fillDefaults() {
	if o.RemoteBatchSize <= 0 {
		o.RemoteBatchSize = 500
	}
	if o.LocalChunkSize <= 0 {
		o.LocalChunkSize = 10
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
}

// Syncer reconciles the local store with the remote store.
type Syncer struct {
	store  *localstore.Store
	remote remote.Store
	online ConnectivitySource
	retry  *backoff.Controller
	log    logging.Logger
	opts   Options

	mu      sync.Mutex
	states  map[models.Kind]State
	current *pass
}

type pass struct {
	done chan struct{}
	err  error
}

// New returns a Syncer over the given stores. online gates every pass;
// a nil online means always online (tests).
func New(store *localstore.Store, rs remote.Store, online ConnectivitySource, opts Options, log logging.Logger) *Syncer {
	opts.fillDefaults()
	if log == nil {
		log = logging.Nop()
	}
	if online == nil {
		online = alwaysOnline{}
	}
	return &Syncer{
		store:  store,
		remote: rs,
		online: online,
		retry:  backoff.New(opts.MaxAttempts, log),
		log:    log.With("component", "syncer"),
		opts:   opts,
		states: make(map[models.Kind]State),
	}
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

// SyncState returns the last observed state for a kind.
func (s *Syncer) SyncState(kind models.Kind) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[kind]
}

// Syncing reports whether a full pass is currently running.
func (s *Syncer) Syncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// SyncAll runs one full sync pass over every kind. Offline it is a
// no-op. If a pass is already in flight the call joins it: it waits for
// the running pass and returns its result instead of starting another.
// One kind's failure is recorded in its State and does not abort the
// other kinds; the returned error aggregates per-kind failures.
func (s *Syncer) SyncAll(ctx context.Context) error {
	if !s.online.Online() {
		s.log.Debug(ctx, "sync skipped: offline")
		return nil
	}

	s.mu.Lock()
	if p := s.current; p != nil {
		s.mu.Unlock()
		select {
		case <-p.done:
			return p.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p := &pass{done: make(chan struct{})}
	s.current = p
	s.mu.Unlock()

	p.err = s.runPass(ctx)

	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	close(p.done)
	return p.err
}

// TrySyncAll starts a pass unless one is already running, in which case
// it returns common.ErrSyncInProgress immediately. Used for opportunistic
// background nudges that should never pile up.
func (s *Syncer) TrySyncAll(ctx context.Context) error {
	s.mu.Lock()
	busy := s.current != nil
	s.mu.Unlock()
	if busy {
		return common.ErrSyncInProgress
	}
	return s.SyncAll(ctx)
}

func (s *Syncer) runPass(ctx context.Context) error {
	start := time.Now()
	startMillis := start.UnixMilli()
	s.log.Info(ctx, "sync pass started")

	var errs []error
	for _, kind := range models.Kinds() {
		if err := s.syncKind(ctx, kind, startMillis); err != nil {
			s.log.Error(ctx, "kind sync failed", "kind", kind, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
		}
	}

	err := errors.Join(errs...)
	s.log.Info(ctx, "sync pass finished", "duration", time.Since(start), "failedKinds", len(errs))
	return err
}

// syncKind runs the three phases for one kind: drain tombstones, push
// pending records, pull remote changes past the checkpoint. The
// checkpoint advances to the pass start time only after all three
// phases succeed, so an interrupted pass is re-run in full.
func (s *Syncer) syncKind(ctx context.Context, kind models.Kind, passStart int64) (err error) {
	total, err := s.store.CountPendingKind(ctx, kind)
	if err != nil {
		return err
	}

	s.setState(kind, State{Status: StatusSyncing})
	done := 0
	defer func() {
		if err != nil {
			st := s.SyncState(kind)
			st.Status = StatusError
			st.Err = err
			s.setState(kind, st)
		}
	}()

	if err := s.drainTombstones(ctx, kind, total, &done); err != nil {
		return err
	}
	if err := s.drainPending(ctx, kind, total, &done); err != nil {
		return err
	}
	if err := s.pull(ctx, kind); err != nil {
		return err
	}

	if err := s.store.SetCheckpoint(ctx, kind, passStart); err != nil {
		return err
	}
	s.setState(kind, State{Status: StatusSynced, LastSync: time.Now(), Progress: 1})
	return nil
}

// drainTombstones deletes tombstoned records remotely, then physically
// locally. Remote deletes are idempotent, so a crash between the two is
// safe.
func (s *Syncer) drainTombstones(ctx context.Context, kind models.Kind, total int, done *int) error {
	recs, err := s.store.GetTombstoned(ctx, kind)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		err := s.retry.Do(ctx, "delete "+string(kind), func(ctx context.Context) error {
			return s.remote.Delete(ctx, kind, rec.ID)
		})
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			if _, berr := s.store.BumpAttempts(ctx, kind, []string{rec.ID}, s.opts.MaxAttempts); berr != nil {
				s.log.Error(ctx, "failed to bump attempts", "kind", kind, "error", berr)
			}
			return err
		}
		if err := s.store.Delete(ctx, kind, rec.ID); err != nil {
			return err
		}
		*done++
		s.setProgress(kind, total, *done)
	}
	return nil
}

// drainPending pushes pending records in remote-sized batches assembled
// from local-sized chunks. Records are re-marked synced only after the
// remote commit succeeds: the reverse order could mark unsynced data
// synced on a crash.
func (s *Syncer) drainPending(ctx context.Context, kind models.Kind, total int, done *int) error {
	for {
		batch, err := s.collectPending(ctx, kind)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		outbound := make([]*models.Record, len(batch))
		ids := make([]string, len(batch))
		for i, rec := range batch {
			c := rec.Clone()
			c.Status = models.StatusSynced
			outbound[i] = c
			ids[i] = rec.ID
		}

		err = s.retry.Do(ctx, "push "+string(kind), func(ctx context.Context) error {
			return s.remote.BatchPut(ctx, kind, outbound)
		})
		if err != nil {
			demoted, berr := s.store.BumpAttempts(ctx, kind, ids, s.opts.MaxAttempts)
			if berr != nil {
				s.log.Error(ctx, "failed to bump attempts", "kind", kind, "error", berr)
			}
			if len(demoted) > 0 {
				s.log.Warn(ctx, "records demoted to failed", "kind", kind, "count", len(demoted))
			}
			return err
		}

		if err := s.store.MarkSynced(ctx, kind, ids); err != nil {
			return err
		}
		*done += len(batch)
		s.setProgress(kind, total, *done)
	}
}

// collectPending assembles up to one remote batch, reading the local
// store in small chunks.
func (s *Syncer) collectPending(ctx context.Context, kind models.Kind) ([]*models.Record, error) {
	var batch []*models.Record
	for len(batch) < s.opts.RemoteBatchSize {
		chunk := s.opts.LocalChunkSize
		if rest := s.opts.RemoteBatchSize - len(batch); rest < chunk {
			chunk = rest
		}
		recs, err := s.store.GetPending(ctx, kind, chunk, len(batch))
		if err != nil {
			return nil, err
		}
		batch = append(batch, recs...)
		if len(recs) < chunk {
			break
		}
	}
	return batch, nil
}

// pull fetches remote records changed after the checkpoint and merges
// each one last-writer-wins.
func (s *Syncer) pull(ctx context.Context, kind models.Kind) error {
	since, err := s.store.Checkpoint(ctx, kind)
	if err != nil {
		return err
	}

	var recs []*models.Record
	err = s.retry.Do(ctx, "pull "+string(kind), func(ctx context.Context) error {
		recs, err = s.remote.ChangedSince(ctx, kind, since)
		return err
	})
	if err != nil {
		return err
	}

	for _, rec := range recs {
		rec.Kind = kind
		if err := s.MergeRemote(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// MergeRemote applies one inbound remote record last-writer-wins. The
// three outcomes: remote strictly newer wins and overwrites local; local
// strictly newer wins and is re-pushed; equal stamps are already
// consistent. Both the pull phase and the realtime listener resolve
// through this single function, so application order cannot change the
// final state.
func (s *Syncer) MergeRemote(ctx context.Context, rec *models.Record) error {
	local, err := s.store.GetByID(ctx, rec.Kind, rec.ID)
	if errors.Is(err, common.ErrNotFound) {
		return s.store.ApplyRemote(ctx, rec)
	}
	if err != nil {
		return err
	}

	switch {
	case rec.Newer(local):
		return s.store.ApplyRemote(ctx, rec)
	case local.Newer(rec):
		return s.pushLocalWinner(ctx, local)
	default:
		// Equal stamps: replicas already agree.
		return nil
	}
}

// pushLocalWinner re-pushes a local record that won a conflict. A
// tombstoned winner propagates as a remote delete.
func (s *Syncer) pushLocalWinner(ctx context.Context, local *models.Record) error {
	if local.Status == models.StatusDeleted {
		err := s.retry.Do(ctx, "delete "+string(local.Kind), func(ctx context.Context) error {
			return s.remote.Delete(ctx, local.Kind, local.ID)
		})
		if err != nil {
			return err
		}
		return s.store.Delete(ctx, local.Kind, local.ID)
	}

	out := local.Clone()
	out.Status = models.StatusSynced
	err := s.retry.Do(ctx, "push "+string(local.Kind), func(ctx context.Context) error {
		return s.remote.Put(ctx, local.Kind, out)
	})
	if err != nil {
		return err
	}
	return s.store.MarkSynced(ctx, local.Kind, []string{local.ID})
}

// RemoveLocal deletes the local counterpart of a remotely removed
// document. Missing counterparts are a no-op.
func (s *Syncer) RemoveLocal(ctx context.Context, kind models.Kind, id string) error {
	return s.store.Delete(ctx, kind, id)
}

func (s *Syncer) setState(kind models.Kind, st State) {
	s.mu.Lock()
	s.states[kind] = st
	s.mu.Unlock()
}

func (s *Syncer) setProgress(kind models.Kind, total, done int) {
	if total <= 0 {
		return
	}
	s.mu.Lock()
	st := s.states[kind]
	st.Progress = float64(done) / float64(total)
	s.states[kind] = st
	s.mu.Unlock()
}
