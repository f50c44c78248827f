package transfer

import (
	"fmt"
	"strings"

	"github.com/roach88/kbase/internal/model"
)

// Mode selects how Import applies a document.
type Mode string

const (
	ModeReplace Mode = "replace"
	ModeMerge   Mode = "merge"
)

// ParseMode parses an import mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeReplace, ModeMerge:
		return m, nil
	}
	return "", model.NewValidationError("invalid import mode", model.FieldError{
		Field:   "mode",
		Message: fmt.Sprintf("must be %s or %s, got %q", ModeReplace, ModeMerge, s),
	})
}

// Outcome is what happened to one document Item.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeFailed    Outcome = "failed"
)

// ItemResult reports the outcome for one document Item.
type ItemResult struct {
	Index    int             `json:"index"`
	SourceID string          `json:"sourceId,omitempty"`
	ID       string          `json:"id,omitempty"`
	Title    string          `json:"title"`
	Kind     model.Kind      `json:"kind"`
	Outcome  Outcome         `json:"outcome"`
	Code     model.ErrorCode `json:"code,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// Report summarizes an import.
type Report struct {
	Mode  Mode         `json:"mode"`
	Items []ItemResult `json:"items"`

	// Counts tallies outcomes.
	Counts map[Outcome]int `json:"counts"`

	// ByKind tallies successfully imported Items per kind.
	ByKind map[model.Kind]int `json:"byKind"`

	// Warnings lists image references that were dropped.
	Warnings []string `json:"warnings,omitempty"`
}

func newReport(mode Mode) *Report {
	return &Report{
		Mode:   mode,
		Items:  []ItemResult{},
		Counts: map[Outcome]int{},
		ByKind: map[model.Kind]int{},
	}
}

func (r *Report) add(res ItemResult) {
	r.Items = append(r.Items, res)
	r.Counts[res.Outcome]++
	if res.Outcome != OutcomeFailed {
		r.ByKind[res.Kind]++
	}
}

func (r *Report) fail(res ItemResult, err error) {
	res.Outcome = OutcomeFailed
	res.Code = model.CodeOf(err)
	res.Reason = err.Error()
	r.add(res)
}

func (r *Report) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Failed returns the number of Items that could not be imported.
func (r *Report) Failed() int {
	return r.Counts[OutcomeFailed]
}
