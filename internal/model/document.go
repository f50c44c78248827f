package model

import (
	"encoding/base64"
	"fmt"
	"math"
	"time"

	"gopkg.in/yaml.v3"
)

// DocumentVersion is the current export document format version.
const DocumentVersion = 1

// Document is the portable export of the whole forest.
// Array order is position order; position fields, when present, are ignored.
type Document struct {
	Version    int       `json:"version" yaml:"version"`
	ExportedAt time.Time `json:"exportedAt" yaml:"exported_at"`
	Items      []DocItem `json:"items" yaml:"items"`
}

// DocItem is one exported Item.
type DocItem struct {
	ID        string    `json:"id,omitempty" yaml:"id,omitempty"`
	Title     string    `json:"title" yaml:"title"`
	Kind      Kind      `json:"kind" yaml:"kind"`
	CreatedAt time.Time `json:"createdAt,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty" yaml:"updated_at,omitempty"`
	Pages     []DocPage `json:"pages" yaml:"pages"`
}

// DocPage is one exported Page. ImageData carries the image bytes when the
// export embedded them.
type DocPage struct {
	ID           string      `json:"id,omitempty" yaml:"id,omitempty"`
	Title        string      `json:"title" yaml:"title"`
	TimeEstimate *float64    `json:"timeEstimate,omitempty" yaml:"time_estimate,omitempty"`
	ImageKey     string      `json:"imageKey,omitempty" yaml:"image_key,omitempty"`
	ImageData    Base64      `json:"imageData,omitempty" yaml:"image_data,omitempty"`
	Position     *int        `json:"position,omitempty" yaml:"position,omitempty"`
	Actions      []DocAction `json:"actions" yaml:"actions"`
}

// Base64 is binary data that travels as standard base64 text in both JSON
// and YAML documents.
type Base64 []byte

// MarshalYAML encodes the bytes as a base64 string.
func (b Base64) MarshalYAML() (any, error) {
	return base64.StdEncoding.EncodeToString(b), nil
}

// UnmarshalYAML decodes a base64 string.
func (b *Base64) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("line %d: image data is not valid base64: %w", value.Line, err)
	}
	*b = data
	return nil
}

// DocAction is one exported Action.
type DocAction struct {
	ID       string `json:"id,omitempty" yaml:"id,omitempty"`
	Text     string `json:"text" yaml:"text"`
	Position *int   `json:"position,omitempty" yaml:"position,omitempty"`
}

// NewDocItem converts a persisted Item into its export form.
func NewDocItem(it *Item) DocItem {
	d := DocItem{
		ID:        it.ID,
		Title:     it.Title,
		Kind:      it.Kind,
		CreatedAt: it.CreatedAt,
		UpdatedAt: it.UpdatedAt,
		Pages:     make([]DocPage, len(it.Pages)),
	}
	for i, p := range it.Pages {
		dp := DocPage{
			ID:           p.ID,
			Title:        p.Title,
			TimeEstimate: p.TimeEstimate,
			ImageKey:     p.ImageKey,
			Actions:      make([]DocAction, len(p.Actions)),
		}
		for j, a := range p.Actions {
			dp.Actions[j] = DocAction{ID: a.ID, Text: a.Text}
		}
		d.Pages[i] = dp
	}
	return d
}

// Input converts the document Item into a desired state. With keepIDs
// false every node is treated as new. Embedded image bytes become pending
// payloads and take precedence over the image key.
func (d *DocItem) Input(keepIDs bool) ItemInput {
	in := ItemInput{
		Title: d.Title,
		Kind:  d.Kind,
		Pages: make([]PageInput, len(d.Pages)),
	}
	if keepIDs {
		in.ID = d.ID
	}
	for i, p := range d.Pages {
		pin := PageInput{
			Title:        p.Title,
			TimeEstimate: p.TimeEstimate,
			ImageKey:     p.ImageKey,
			Actions:      make([]ActionInput, len(p.Actions)),
		}
		if keepIDs {
			pin.ID = p.ID
		}
		if len(p.ImageData) > 0 {
			pin.Image = &ImagePayload{Data: p.ImageData, Restore: true}
			pin.ImageKey = ""
		}
		for j, a := range p.Actions {
			pin.Actions[j] = ActionInput{Text: a.Text}
			if keepIDs {
				pin.Actions[j].ID = a.ID
			}
		}
		in.Pages[i] = pin
	}
	return in
}

// Validate checks that the document is a well-formed forest.
// Field paths are prefixed with the item index.
func (doc *Document) Validate() *Error {
	var errs []FieldError
	add := func(field, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if doc.Version > DocumentVersion {
		add("version", "unsupported document version %d", doc.Version)
	}
	for i, it := range doc.Items {
		prefix := fmt.Sprintf("items[%d]", i)
		checkText(add, prefix+".title", it.Title, MaxTitleLen)
		if !it.Kind.Valid() {
			add(prefix+".kind", "must be one of %v, got %q", Kinds, it.Kind)
		}
		for j, p := range it.Pages {
			pprefix := fmt.Sprintf("%s.pages[%d]", prefix, j)
			checkText(add, pprefix+".title", p.Title, MaxTitleLen)
			if p.TimeEstimate != nil {
				est := *p.TimeEstimate
				if math.IsNaN(est) || math.IsInf(est, 0) || est < 0 {
					add(pprefix+".timeEstimate", "must be a non-negative number")
				}
			}
			if p.Actions == nil {
				add(pprefix+".actions", "must be a list")
			}
			for k, a := range p.Actions {
				checkText(add, fmt.Sprintf("%s.actions[%d].text", pprefix, k), a.Text, MaxActionLen)
			}
		}
	}

	if len(errs) > 0 {
		return NewValidationError("malformed document", errs...)
	}
	return nil
}
