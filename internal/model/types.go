package model

import (
	"fmt"
	"strings"
	"time"
)

// Kind classifies an Item. It is fixed when the Item is created.
type Kind string

const (
	KindIncident    Kind = "incident"
	KindInstruction Kind = "instruction"
)

// Kinds lists the valid kinds in their canonical order.
var Kinds = []Kind{KindIncident, KindInstruction}

// Valid reports whether k is one of the enumerated kinds.
func (k Kind) Valid() bool {
	return k == KindIncident || k == KindInstruction
}

// ParseKind parses a kind name case-insensitively.
// The plural forms used by the legacy export ("incidents") are accepted.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s"))
	if !k.Valid() {
		return "", fmt.Errorf("invalid kind %q: must be one of %v", s, Kinds)
	}
	return k, nil
}

// Item is the root of a knowledge-base tree.
type Item struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Pages     []Page    `json:"pages"`
}

// Page is an ordered step within an Item.
type Page struct {
	ID           string   `json:"id"`
	ItemID       string   `json:"itemId"`
	Title        string   `json:"title"`
	TimeEstimate *float64 `json:"timeEstimate,omitempty"` // minutes
	ImageKey     string   `json:"imageKey,omitempty"`
	Position     int      `json:"position"`
	Actions      []Action `json:"actions"`
}

// Action is an ordered instruction within a Page.
type Action struct {
	ID       string `json:"id"`
	PageID   string `json:"pageId"`
	Text     string `json:"text"`
	Position int    `json:"position"`
}

// ItemSummary is the list view of an Item.
type ItemSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Kind      Kind      `json:"kind"`
	PageCount int       `json:"pageCount"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ImageKeys returns the image keys referenced by the Item's Pages, in page order.
func (it *Item) ImageKeys() []string {
	var keys []string
	for _, p := range it.Pages {
		if p.ImageKey != "" {
			keys = append(keys, p.ImageKey)
		}
	}
	return keys
}

// Input converts a persisted Item back into the desired-state form.
// Reconciling the result against the same Item is a no-op.
func (it *Item) Input() ItemInput {
	in := ItemInput{
		ID:    it.ID,
		Title: it.Title,
		Kind:  it.Kind,
		Pages: make([]PageInput, len(it.Pages)),
	}
	for i, p := range it.Pages {
		pin := PageInput{
			ID:           p.ID,
			Title:        p.Title,
			TimeEstimate: p.TimeEstimate,
			ImageKey:     p.ImageKey,
			Actions:      make([]ActionInput, len(p.Actions)),
		}
		for j, a := range p.Actions {
			pin.Actions[j] = ActionInput{ID: a.ID, Text: a.Text}
		}
		in.Pages[i] = pin
	}
	return in
}
