package model

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// Field length limits, in runes.
const (
	MaxTitleLen  = 255
	MaxActionLen = 1000
)

// ItemInput is the desired state of an Item's whole subtree.
//
// Nodes carrying an ID must continue to exist with the given properties at
// the given position; nodes without one are created. Persisted nodes whose
// IDs are absent are deleted. Slice order is authoritative for positions.
type ItemInput struct {
	ID    string      `json:"id,omitempty" yaml:"id,omitempty"`
	Title string      `json:"title" yaml:"title"`
	Kind  Kind        `json:"kind" yaml:"kind"`
	Pages []PageInput `json:"pages" yaml:"pages"`
}

// PageInput is the desired state of one Page.
//
// Image handling: a non-nil Image is ingested and replaces any current
// image. Otherwise ImageKey names the image the Page should reference, and
// an empty ImageKey (or ClearImage) leaves the Page without one.
type PageInput struct {
	ID           string        `json:"id,omitempty" yaml:"id,omitempty"`
	Title        string        `json:"title" yaml:"title"`
	TimeEstimate *float64      `json:"timeEstimate,omitempty" yaml:"time_estimate,omitempty"`
	ImageKey     string        `json:"imageKey,omitempty" yaml:"image_key,omitempty"`
	ClearImage   bool          `json:"clearImage,omitempty" yaml:"clear_image,omitempty"`
	Image        *ImagePayload `json:"image,omitempty" yaml:"-"`
	Actions      []ActionInput `json:"actions" yaml:"actions"`
}

// ActionInput is the desired state of one Action.
type ActionInput struct {
	ID   string `json:"id,omitempty" yaml:"id,omitempty"`
	Text string `json:"text" yaml:"text"`
}

// ImagePayload is a raw image awaiting ingestion.
type ImagePayload struct {
	Data      []byte `json:"data"`
	MediaType string `json:"mediaType,omitempty"`

	// Restore marks bytes exported from a content store. Payloads that are
	// already canonical are stored unchanged instead of re-encoded.
	Restore bool `json:"-"`
}

// Normalize trims surrounding whitespace from titles and texts in place.
func (in *ItemInput) Normalize() {
	in.Title = strings.TrimSpace(in.Title)
	for i := range in.Pages {
		p := &in.Pages[i]
		p.Title = strings.TrimSpace(p.Title)
		p.ImageKey = strings.TrimSpace(p.ImageKey)
		for j := range p.Actions {
			p.Actions[j].Text = strings.TrimSpace(p.Actions[j].Text)
		}
	}
}

// Validate checks the shape rules that do not depend on persisted state.
// All failures are collected; the result is nil when the input is valid.
func (in *ItemInput) Validate() *Error {
	var errs []FieldError
	add := func(field, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	checkText(add, "title", in.Title, MaxTitleLen)
	if !in.Kind.Valid() {
		add("kind", "must be one of %v, got %q", Kinds, in.Kind)
	}

	pageIDs := make(map[string]bool)
	actionIDs := make(map[string]bool)
	for i, p := range in.Pages {
		prefix := fmt.Sprintf("pages[%d]", i)
		checkText(add, prefix+".title", p.Title, MaxTitleLen)
		if p.TimeEstimate != nil {
			est := *p.TimeEstimate
			if math.IsNaN(est) || math.IsInf(est, 0) || est < 0 {
				add(prefix+".timeEstimate", "must be a non-negative number")
			}
		}
		if p.Image != nil && len(p.Image.Data) == 0 {
			add(prefix+".image", "payload is empty")
		}
		if p.ClearImage && (p.Image != nil || p.ImageKey != "") {
			add(prefix+".clearImage", "cannot clear and set an image at once")
		}
		if p.ID != "" {
			if pageIDs[p.ID] {
				add(prefix+".id", "duplicate page id %s", p.ID)
			}
			pageIDs[p.ID] = true
		}
		for j, a := range p.Actions {
			aprefix := fmt.Sprintf("%s.actions[%d]", prefix, j)
			checkText(add, aprefix+".text", a.Text, MaxActionLen)
			if a.ID != "" {
				if actionIDs[a.ID] {
					add(aprefix+".id", "duplicate action id %s", a.ID)
				}
				actionIDs[a.ID] = true
			}
		}
	}

	if len(errs) > 0 {
		return NewValidationError("invalid item", errs...)
	}
	return nil
}

func checkText(add func(field, format string, args ...any), field, s string, max int) {
	switch n := utf8.RuneCountInString(s); {
	case strings.TrimSpace(s) == "":
		add(field, "must not be empty")
	case n > max:
		add(field, "must be at most %d characters, got %d", max, n)
	}
}
