package harness

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/roach88/kbase/internal/blob"
	"github.com/roach88/kbase/internal/imaging"
	"github.com/roach88/kbase/internal/model"
	"github.com/roach88/kbase/internal/reconcile"
	"github.com/roach88/kbase/internal/store"
	"github.com/roach88/kbase/internal/testutil"
)

// IDPrefix prefixes every identifier generated during a scenario.
const IDPrefix = "n"

// Harness executes scenario steps against one isolated engine.
type Harness struct {
	store   *store.Store
	engine  *reconcile.Engine
	blobDir string

	// aliases maps an alias to the item as of its latest successful step.
	aliases map[string]*model.Item
}

// New creates a harness over a fresh in-memory store and a temporary
// image directory. Close releases both.
func New(logger *slog.Logger) (*Harness, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	dir, err := os.MkdirTemp("", "kbase-harness-*")
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	blobs, err := blob.NewAt(dir)
	if err != nil {
		st.Close()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("open image store: %w", err)
	}

	eng := reconcile.New(st, blobs, imaging.New(blobs, imaging.Config{}, logger), reconcile.Options{
		Clock:  testutil.NewDeterministicClock(),
		IDs:    reconcile.NewSequenceGenerator(IDPrefix),
		Logger: logger,
	})
	return &Harness{
		store:   st,
		engine:  eng,
		blobDir: dir,
		aliases: make(map[string]*model.Item),
	}, nil
}

// Close releases the store and removes the image directory.
func (h *Harness) Close() error {
	err := h.store.Close()
	if rmErr := os.RemoveAll(h.blobDir); err == nil {
		err = rmErr
	}
	return err
}

// Run executes a scenario in a fresh harness and returns the result.
//
// A returned error means the scenario could not be executed at all.
// Unmet expectations and failed assertions are reported in Result.Errors.
func Run(ctx context.Context, s *Scenario) (*Result, error) {
	h, err := New(nil)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return h.Run(ctx, s)
}

// Run executes the scenario's steps and assertions.
func (h *Harness) Run(ctx context.Context, s *Scenario) (*Result, error) {
	res := &Result{Name: s.Name}

	for i, st := range s.Steps {
		out, err := h.step(ctx, i+1, st)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		res.Trace = append(res.Trace, out)
		if err := checkExpect(out, st.Expect); err != nil {
			res.Errors = append(res.Errors, err)
		}
	}

	forest, err := h.engine.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("load final forest: %w", err)
	}
	res.Forest = forest

	res.Errors = append(res.Errors, EvaluateAssertions(ctx, h.store, s.Assertions)...)
	return res, nil
}

// step runs one step. Engine failures are recorded in the outcome; only
// failures to build the step's input are returned.
func (h *Harness) step(ctx context.Context, index int, st Step) (StepOutcome, error) {
	out := StepOutcome{Index: index, Op: st.Op, Target: st.Target}
	if st.TargetID != "" {
		out.Target = st.TargetID
	}
	targetID, err := h.targetID(st)
	if err != nil {
		return out, err
	}

	var stepErr error
	switch st.Op {
	case OpReconcile:
		in, err := h.input(st.Desired)
		if err != nil {
			return out, err
		}
		r, err := h.engine.Apply(ctx, targetID, in)
		if err != nil {
			stepErr = err
			break
		}
		out.ItemID = r.Item.ID
		out.Created = r.Created
		out.Changed = r.Changed
		switch {
		case st.As != "":
			h.aliases[st.As] = r.Item
		case st.Target != "":
			h.aliases[st.Target] = r.Item
		}
	case OpDelete:
		if stepErr = h.engine.Delete(ctx, targetID); stepErr == nil {
			out.ItemID = targetID
		}
	case OpClear:
		out.Deleted, stepErr = h.engine.Clear(ctx)
	}

	if stepErr != nil {
		out.Code = model.CodeOf(stepErr)
		out.Message = stepErr.Error()
	}
	return out, nil
}

func (h *Harness) targetID(st Step) (string, error) {
	if st.TargetID != "" {
		return st.TargetID, nil
	}
	if st.Target == "" {
		return "", nil
	}
	it, ok := h.aliases[st.Target]
	if !ok {
		return "", fmt.Errorf("alias %q has no item", st.Target)
	}
	return it.ID, nil
}

// input converts a desired tree into engine input, resolving refs.
func (h *Harness) input(d *DesiredItem) (model.ItemInput, error) {
	in := model.ItemInput{
		Title: d.Title,
		Kind:  d.Kind,
		Pages: make([]model.PageInput, len(d.Pages)),
	}
	for i, p := range d.Pages {
		id, err := h.resolve(p.Ref, p.ID)
		if err != nil {
			return in, err
		}
		pin := model.PageInput{
			ID:           id,
			Title:        p.Title,
			TimeEstimate: p.Time,
			Actions:      make([]model.ActionInput, len(p.Actions)),
		}
		for j, a := range p.Actions {
			aid, err := h.resolve(a.Ref, a.ID)
			if err != nil {
				return in, err
			}
			pin.Actions[j] = model.ActionInput{ID: aid, Text: a.Text}
		}
		in.Pages[i] = pin
	}
	return in, nil
}

// resolve turns a ref into the node id it names. Raw ids pass through.
func (h *Harness) resolve(r, id string) (string, error) {
	if r == "" {
		return id, nil
	}
	parsed, err := parseRef(r)
	if err != nil {
		return "", err
	}
	it, ok := h.aliases[parsed.alias]
	if !ok {
		return "", fmt.Errorf("ref %q: alias %q has no item", r, parsed.alias)
	}
	if parsed.page >= len(it.Pages) {
		return "", fmt.Errorf("ref %q: item has %d pages", r, len(it.Pages))
	}
	p := it.Pages[parsed.page]
	if parsed.action < 0 {
		return p.ID, nil
	}
	if parsed.action >= len(p.Actions) {
		return "", fmt.Errorf("ref %q: page has %d actions", r, len(p.Actions))
	}
	return p.Actions[parsed.action].ID, nil
}

// checkExpect compares an outcome with the step's expectation.
func checkExpect(out StepOutcome, exp *Expect) error {
	fail := func(expected, actual string) error {
		return &AssertionError{
			Type:     fmt.Sprintf("step %d (%s)", out.Index, out.Op),
			Expected: expected,
			Actual:   actual,
		}
	}

	if exp == nil || exp.Error == "" {
		if out.Code != "" {
			return fail("success", out.Message)
		}
	} else {
		if out.Code != exp.Error {
			actual := "success"
			if out.Code != "" {
				actual = out.Message
			}
			return fail(fmt.Sprintf("error %s", exp.Error), actual)
		}
		return nil
	}

	if exp == nil {
		return nil
	}
	if exp.Changed != nil && *exp.Changed != out.Changed {
		return fail(fmt.Sprintf("changed=%t", *exp.Changed), fmt.Sprintf("changed=%t", out.Changed))
	}
	if exp.Deleted != nil && *exp.Deleted != out.Deleted {
		return fail(fmt.Sprintf("%d deleted", *exp.Deleted), fmt.Sprintf("%d deleted", out.Deleted))
	}
	return nil
}
