package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/kbase/internal/blob"
	"github.com/roach88/kbase/internal/model"
	"github.com/roach88/kbase/internal/store"
)

// Ingester stores a raw image and returns its content store key.
// *imaging.Ingester is the production implementation.
type Ingester interface {
	Ingest(ctx context.Context, raw []byte, mediaType string) (string, error)

	// Restore stores previously exported bytes, unchanged when they are
	// still canonical.
	Restore(ctx context.Context, raw []byte, mediaType string) (string, error)
}

// Options configures an Engine. Zero values select production defaults.
type Options struct {
	Clock  Clock
	IDs    IDGenerator
	Logger *slog.Logger

	// SweepGrace protects unreferenced blobs younger than this from SweepAll.
	// Zero selects DefaultSweepGrace; NoSweepGrace disables the protection.
	SweepGrace time.Duration

	// SweepParallelism bounds concurrent content store deletes.
	SweepParallelism int
}

const (
	// DefaultSweepGrace is the SweepAll grace period when none is configured.
	DefaultSweepGrace = time.Hour

	// NoSweepGrace makes SweepAll consider blobs of any age.
	NoSweepGrace time.Duration = -1
)

// Engine applies desired-state reconciliations to the tree store.
//
// Thread-safety: all methods are safe for concurrent use.
type Engine struct {
	store    *store.Store
	blobs    blob.Blobs
	ingester Ingester
	clock    Clock
	ids      IDGenerator
	logger   *slog.Logger
	sweeper  *Sweeper

	// mu is held shared by single-item writes and exclusively by
	// forest-wide writes and sweep deletions.
	mu sync.RWMutex
}

// New creates an Engine over the given stores.
func New(st *store.Store, blobs blob.Blobs, ingester Ingester, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.IDs == nil {
		opts.IDs = UUIDv7Generator{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	switch {
	case opts.SweepGrace == 0:
		opts.SweepGrace = DefaultSweepGrace
	case opts.SweepGrace < 0:
		opts.SweepGrace = 0
	}

	e := &Engine{
		store:    st,
		blobs:    blobs,
		ingester: ingester,
		clock:    opts.Clock,
		ids:      opts.IDs,
		logger:   opts.Logger,
	}
	e.sweeper = newSweeper(st, blobs, &e.mu, sweeperConfig{
		grace:       opts.SweepGrace,
		parallelism: opts.SweepParallelism,
		clock:       opts.Clock,
		logger:      opts.Logger,
	})
	return e
}

// Sweeper returns the engine's orphan sweeper.
func (e *Engine) Sweeper() *Sweeper {
	return e.sweeper
}

// Result describes a completed reconciliation.
type Result struct {
	Item *model.Item

	// Created is true when the reconciliation inserted a new Item.
	Created bool

	// Changed is true when any row was written. Always true for creations.
	Changed bool
}

// Reconcile converts the persisted subtree of itemID into desired and
// returns the reloaded Item. An empty itemID creates a new Item.
//
// Errors are *model.Error values: Validation for malformed input, NotFound
// for unknown item/page/action ids, Conflict for reparenting, kind changes
// or contended writes, Storage otherwise. On error no row has changed.
func (e *Engine) Reconcile(ctx context.Context, itemID string, desired model.ItemInput) (*model.Item, error) {
	res, err := e.Apply(ctx, itemID, desired)
	if err != nil {
		return nil, err
	}
	return res.Item, nil
}

// Apply is Reconcile returning whether the Item was created or changed.
func (e *Engine) Apply(ctx context.Context, itemID string, desired model.ItemInput) (Result, error) {
	desired.Normalize()
	if verr := desired.Validate(); verr != nil {
		return Result{}, verr
	}
	if desired.ID != "" && desired.ID != itemID {
		return Result{}, fieldError("id", "does not match item %q", itemID)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	fresh, err := e.ingestPending(ctx, &desired, "")
	if err != nil {
		return Result{}, err
	}

	var res Result
	var orphans []string
	err = e.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		res, orphans, err = e.apply(ctx, tx, itemID, &desired, fresh)
		return err
	})
	if err != nil {
		e.sweeper.Schedule(keysOf(fresh)...)
		err = classify("reconcile item", err)
		e.logger.Debug("reconcile failed", "item", itemID, "error", err)
		return Result{}, err
	}

	e.sweeper.Schedule(orphans...)
	e.logger.Info("item reconciled",
		"item", res.Item.ID,
		"created", res.Created,
		"changed", res.Changed,
		"pages", len(res.Item.Pages),
		"orphaned_images", len(orphans),
	)
	return res, nil
}

// ingestPending stores every pending payload of in, replacing it with the
// resulting key. The returned set holds the keys created by this call; on
// error the keys ingested so far are already scheduled for sweeping.
func (e *Engine) ingestPending(ctx context.Context, in *model.ItemInput, fieldPrefix string) (map[string]struct{}, error) {
	fresh := make(map[string]struct{})
	for i := range in.Pages {
		p := &in.Pages[i]
		if p.Image == nil {
			continue
		}
		ingest := e.ingester.Ingest
		if p.Image.Restore {
			ingest = e.ingester.Restore
		}
		key, err := ingest(ctx, p.Image.Data, p.Image.MediaType)
		if err != nil {
			e.sweeper.Schedule(keysOf(fresh)...)
			return nil, prefixFields(model.AsError("ingest image", err), fieldPrefix+pageField(i))
		}
		fresh[key] = struct{}{}
		p.ImageKey = key
		p.Image = nil
	}
	return fresh, nil
}

// ReplaceAll deletes the whole forest and creates every input as a new
// Item, all in one transaction. Identifiers carried by the inputs are
// ignored. The engine is locked exclusively for the duration, so no
// reconciliation can interleave.
func (e *Engine) ReplaceAll(ctx context.Context, inputs []model.ItemInput) ([]*model.Item, error) {
	for i := range inputs {
		in := &inputs[i]
		clearIDs(in)
		in.Normalize()
		if verr := in.Validate(); verr != nil {
			return nil, prefixFields(verr, itemField(i))
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	allFresh := make(map[string]struct{})
	for i := range inputs {
		fresh, err := e.ingestPending(ctx, &inputs[i], itemField(i)+".")
		if err != nil {
			e.sweeper.Schedule(keysOf(allFresh)...)
			return nil, err
		}
		for k := range fresh {
			allFresh[k] = struct{}{}
		}
	}

	var items []*model.Item
	var previous []string
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		old, err := tx.ListItems(ctx, "")
		if err != nil {
			return err
		}
		for i := range old {
			previous = append(previous, old[i].ImageKeys()...)
		}
		if _, err := tx.DeleteAllItems(ctx); err != nil {
			return err
		}

		items = make([]*model.Item, 0, len(inputs))
		for i := range inputs {
			res, _, err := e.apply(ctx, tx, "", &inputs[i], allFresh)
			if err != nil {
				return prefixFields(err, itemField(i))
			}
			items = append(items, res.Item)
		}
		return nil
	})
	if err != nil {
		e.sweeper.Schedule(keysOf(allFresh)...)
		return nil, classify("replace forest", err)
	}

	// Keys carried over into the new forest are still referenced and
	// survive the sweep.
	e.sweeper.Schedule(previous...)
	e.logger.Info("forest replaced", "items", len(items), "previous_images", len(previous))
	return items, nil
}

// Delete removes an Item with its Pages and Actions and schedules its
// images for sweeping.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var keys []string
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		it, err := tx.GetItem(ctx, id)
		if err != nil {
			return notFoundOr(err, "item", id)
		}
		keys = it.ImageKeys()
		_, err = tx.DeleteItem(ctx, id)
		return err
	})
	if err != nil {
		return classify("delete item", err)
	}

	e.sweeper.Schedule(keys...)
	e.logger.Info("item deleted", "item", id, "orphaned_images", len(keys))
	return nil
}

// Clear deletes every Item and returns how many were removed.
func (e *Engine) Clear(ctx context.Context) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var n int64
	var keys []string
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		items, err := tx.ListItems(ctx, "")
		if err != nil {
			return err
		}
		for i := range items {
			keys = append(keys, items[i].ImageKeys()...)
		}
		n, err = tx.DeleteAllItems(ctx)
		return err
	})
	if err != nil {
		return 0, classify("clear forest", err)
	}

	e.sweeper.Schedule(keys...)
	e.logger.Info("forest cleared", "items", n, "orphaned_images", len(keys))
	return n, nil
}

// Attach ingests a standalone upload and returns its key. The key stays
// unreferenced until a reconciliation attaches it; SweepAll leaves it
// alone for the grace period.
func (e *Engine) Attach(ctx context.Context, raw []byte, mediaType string) (string, error) {
	key, err := e.ingester.Ingest(ctx, raw, mediaType)
	if err != nil {
		return "", model.AsError("ingest image", err)
	}
	e.logger.Info("image uploaded", "key", key, "bytes", len(raw))
	return key, nil
}

func clearIDs(in *model.ItemInput) {
	in.ID = ""
	for i := range in.Pages {
		in.Pages[i].ID = ""
		for j := range in.Pages[i].Actions {
			in.Pages[i].Actions[j].ID = ""
		}
	}
}

func keysOf(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}
