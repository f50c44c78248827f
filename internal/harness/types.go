package harness

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/kbase/internal/model"
)

// StepOutcome records what one step did.
type StepOutcome struct {
	Index  int    // 1-based
	Op     string // reconcile, delete or clear
	Target string // alias or raw id, empty for creations and clears

	// ItemID is the item the step reconciled or deleted.
	ItemID  string
	Created bool
	Changed bool

	// Deleted is the number of items a clear removed.
	Deleted int64

	// Code is the error code of a failed step, empty on success.
	Code    model.ErrorCode
	Message string
}

// String renders the outcome as one trace line.
func (o StepOutcome) String() string {
	head := fmt.Sprintf("[%d] %s", o.Index, o.Op)
	if o.Target != "" {
		head += " " + o.Target
	}
	if o.Code != "" {
		return head + ": " + string(o.Code)
	}
	switch o.Op {
	case OpReconcile:
		verb := "unchanged"
		if o.Created {
			verb = "created"
		} else if o.Changed {
			verb = "updated"
		}
		return head + ": " + verb + " " + o.ItemID
	case OpDelete:
		return head + ": deleted " + o.ItemID
	default:
		return fmt.Sprintf("%s: %d deleted", head, o.Deleted)
	}
}

// Result contains the results of running a scenario.
type Result struct {
	// Name is the scenario name.
	Name string

	// Trace holds one outcome per step, in order.
	Trace []StepOutcome

	// Forest is the final state of every item in creation order.
	Forest []model.Item

	// Errors lists unmet expectations and failed assertions.
	Errors []error
}

// Pass reports whether every expectation and assertion held.
func (r *Result) Pass() bool {
	return len(r.Errors) == 0
}

// Render returns the trace and the final forest outline as stable text.
// Timestamps are omitted.
func (r *Result) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n\n", r.Name)
	b.WriteString("trace:\n")
	for _, o := range r.Trace {
		b.WriteString("  ")
		b.WriteString(o.String())
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(Outline(r.Forest))
	return b.String()
}

// Outline renders items with their pages and actions, one node per line.
func Outline(items []model.Item) string {
	var b strings.Builder
	noun := "items"
	if len(items) == 1 {
		noun = "item"
	}
	fmt.Fprintf(&b, "forest: %d %s\n", len(items), noun)
	for _, it := range items {
		fmt.Fprintf(&b, "%s %s %q\n", it.ID, it.Kind, it.Title)
		for _, p := range it.Pages {
			fmt.Fprintf(&b, "  [%d] %s %q", p.Position, p.ID, p.Title)
			if p.TimeEstimate != nil {
				fmt.Fprintf(&b, " %s min", strconv.FormatFloat(*p.TimeEstimate, 'f', -1, 64))
			}
			if p.ImageKey != "" {
				fmt.Fprintf(&b, " image=%s", p.ImageKey)
			}
			b.WriteByte('\n')
			for _, a := range p.Actions {
				fmt.Fprintf(&b, "    [%d] %s %q\n", a.Position, a.ID, a.Text)
			}
		}
	}
	return b.String()
}
