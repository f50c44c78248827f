package reconcile

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/errs"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/kbase/internal/blob"
)

// References reports which image keys pages currently own.
// *store.Store is the production implementation.
type References interface {
	ImageReferenced(ctx context.Context, key string) (bool, error)
	ReferencedImageKeys(ctx context.Context) (map[string]struct{}, error)
}

// DefaultSweepParallelism bounds concurrent deletes when none is configured.
const DefaultSweepParallelism = 4

type sweeperConfig struct {
	grace       time.Duration
	parallelism int
	clock       Clock
	logger      *slog.Logger
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Scanned int `json:"scanned"` // candidate keys examined
	Deleted int `json:"deleted"`
	Kept    int `json:"kept"` // still referenced or inside the grace period
	Missing int `json:"missing"` // already gone
}

// Sweeper deletes content store entries no page references.
//
// Candidates arrive through Schedule after commits that dropped or failed
// to attach a key; Run or Flush processes them. SweepAll scans the whole
// content store as a backstop for anything a crash lost.
//
// Deletions happen while holding guard exclusively, so a key cannot be
// attached by a reconciliation between the reference check and the delete.
//
// Thread-safety: all methods are safe for concurrent use.
type Sweeper struct {
	blobs  blob.Blobs
	refs   References
	guard  sync.Locker
	cfg    sweeperConfig
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	wake    chan struct{}
}

func newSweeper(refs References, blobs blob.Blobs, guard sync.Locker, cfg sweeperConfig) *Sweeper {
	if cfg.parallelism <= 0 {
		cfg.parallelism = DefaultSweepParallelism
	}
	return &Sweeper{
		blobs:   blobs,
		refs:    refs,
		guard:   guard,
		cfg:     cfg,
		logger:  cfg.logger,
		pending: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Schedule queues keys for a reference check and deletion. Empty keys are
// ignored. Never blocks.
func (s *Sweeper) Schedule(keys ...string) {
	if len(keys) == 0 {
		return
	}
	s.mu.Lock()
	for _, k := range keys {
		if k != "" {
			s.pending[k] = struct{}{}
		}
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the queued keys in sorted order.
func (s *Sweeper) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := keysOf(s.pending)
	sort.Strings(keys)
	return keys
}

// Run processes scheduled keys as they arrive and, when interval is
// positive, runs SweepAll on that period. It returns when ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
			if _, err := s.Flush(ctx); err != nil {
				s.logger.Warn("sweep of scheduled images failed", "error", err)
			}
		case <-tick:
			if _, err := s.SweepAll(ctx); err != nil {
				s.logger.Warn("full image sweep failed", "error", err)
			}
		}
	}
}

// Flush synchronously processes every queued key. Keys whose deletion
// failed are re-queued.
func (s *Sweeper) Flush(ctx context.Context) (SweepStats, error) {
	s.mu.Lock()
	batch := keysOf(s.pending)
	s.pending = make(map[string]struct{})
	s.mu.Unlock()
	sort.Strings(batch)

	stats, failed, err := s.sweep(ctx, batch, func(ctx context.Context, key string) (bool, error) {
		return s.refs.ImageReferenced(ctx, key)
	})
	if len(failed) > 0 {
		s.mu.Lock()
		for _, k := range failed {
			s.pending[k] = struct{}{}
		}
		s.mu.Unlock()
	}
	return stats, err
}

// SweepAll deletes every stored image no page references, except those
// modified within the grace period.
func (s *Sweeper) SweepAll(ctx context.Context) (SweepStats, error) {
	infos, err := s.blobs.List(ctx)
	if err != nil {
		return SweepStats{}, err
	}

	cutoff := s.cfg.clock.Now().Add(-s.cfg.grace)
	var candidates []string
	young := 0
	for _, info := range infos {
		if info.ModTime.After(cutoff) {
			young++
			continue
		}
		candidates = append(candidates, info.Key)
	}

	var refs map[string]struct{}
	stats, _, err := s.sweep(ctx, candidates, func(ctx context.Context, key string) (bool, error) {
		if refs == nil {
			var err error
			if refs, err = s.refs.ReferencedImageKeys(ctx); err != nil {
				return false, err
			}
		}
		_, ok := refs[key]
		return ok, nil
	})
	stats.Scanned += young
	stats.Kept += young
	s.logger.Info("full image sweep", "stored", len(infos), "deleted", stats.Deleted, "kept", stats.Kept)
	return stats, err
}

// sweep deletes the unreferenced keys among candidates with bounded
// parallelism. The reference checks run serially under the guard; the
// guard is held until every delete has finished.
func (s *Sweeper) sweep(ctx context.Context, candidates []string, referenced func(context.Context, string) (bool, error)) (SweepStats, []string, error) {
	stats := SweepStats{Scanned: len(candidates)}
	if len(candidates) == 0 {
		return stats, nil, nil
	}

	s.guard.Lock()
	defer s.guard.Unlock()

	var doomed []string
	for _, key := range candidates {
		ok, err := referenced(ctx, key)
		if err != nil {
			return stats, candidates, err
		}
		if ok {
			stats.Kept++
			continue
		}
		doomed = append(doomed, key)
	}

	var deleted, missing atomic.Int64
	var failedMu sync.Mutex
	var failed []string
	var group errs.Group

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.parallelism)
	for _, key := range doomed {
		g.Go(func() error {
			err := s.blobs.Delete(gctx, key)
			switch {
			case err == nil:
				deleted.Add(1)
				s.logger.Debug("image swept", "key", key)
			case blob.ErrNotFound.Has(err):
				missing.Add(1)
			default:
				failedMu.Lock()
				failed = append(failed, key)
				group.Add(err)
				failedMu.Unlock()
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		group.Add(err)
	}

	stats.Deleted = int(deleted.Load())
	stats.Missing = int(missing.Load())
	return stats, failed, group.Err()
}
