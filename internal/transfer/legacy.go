package transfer

import (
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/roach88/kbase/internal/model"
)

// Defaults the legacy importer applied to missing page fields.
const (
	legacyPageTitle = "Страница"
	legacyUploads   = "/uploads/"
)

// LegacyDocument is the grouped export shape of earlier releases.
type LegacyDocument struct {
	Incidents    []legacyItem `json:"incidents" yaml:"incidents"`
	Instructions []legacyItem `json:"instructions" yaml:"instructions"`
}

type legacyItem struct {
	ID    any          `json:"id,omitempty" yaml:"id,omitempty"`
	Title string       `json:"title" yaml:"title"`
	Pages []legacyPage `json:"pages" yaml:"pages"`
}

type legacyPage struct {
	Title   string   `json:"title" yaml:"title"`
	Time    string   `json:"time" yaml:"time"`
	Image   string   `json:"image" yaml:"image"`
	Order   int      `json:"order,omitempty" yaml:"order,omitempty"`
	Actions []string `json:"actions" yaml:"actions"`
}

// fromLegacy converts the grouped shape. Kind comes from the group; ids are
// informational only and dropped.
func fromLegacy(w *wireDocument) (*model.Document, error) {
	doc := &model.Document{Version: model.DocumentVersion, Items: []model.DocItem{}}
	var errs []model.FieldError

	groups := []struct {
		name  string
		kind  model.Kind
		items []legacyItem
	}{
		{"incidents", model.KindIncident, w.Incidents},
		{"instructions", model.KindInstruction, w.Instructions},
	}
	for _, g := range groups {
		for i, li := range g.items {
			d := model.DocItem{Title: li.Title, Kind: g.kind, Pages: make([]model.DocPage, len(li.Pages))}
			for j, lp := range li.Pages {
				title := lp.Title
				if strings.TrimSpace(title) == "" {
					title = legacyPageTitle
				}
				est, err := ParseLegacyTime(lp.Time)
				if err != nil {
					errs = append(errs, model.FieldError{
						Field:   fmt.Sprintf("%s[%d].pages[%d].time", g.name, i, j),
						Message: err.Error(),
					})
				}
				dp := model.DocPage{
					Title:        title,
					TimeEstimate: est,
					ImageKey:     strings.TrimPrefix(strings.TrimPrefix(lp.Image, legacyUploads), "uploads/"),
					Actions:      make([]model.DocAction, len(lp.Actions)),
				}
				for k, text := range lp.Actions {
					dp.Actions[k] = model.DocAction{Text: text}
				}
				d.Pages[j] = dp
			}
			doc.Items = append(doc.Items, d)
		}
	}

	if len(errs) > 0 {
		return nil, model.NewValidationError("malformed document", errs...)
	}
	return doc, nil
}

// ToLegacy groups doc by kind in the legacy shape. Image keys become
// upload paths and estimates become Russian minute strings.
func ToLegacy(doc *model.Document) *LegacyDocument {
	out := &LegacyDocument{Incidents: []legacyItem{}, Instructions: []legacyItem{}}
	for _, d := range doc.Items {
		li := legacyItem{ID: d.ID, Title: d.Title, Pages: make([]legacyPage, len(d.Pages))}
		for j, p := range d.Pages {
			lp := legacyPage{Title: p.Title, Actions: make([]string, len(p.Actions))}
			if p.TimeEstimate != nil {
				lp.Time = FormatLegacyTime(*p.TimeEstimate)
			}
			if p.ImageKey != "" {
				lp.Image = legacyUploads + p.ImageKey
			}
			for k, a := range p.Actions {
				lp.Actions[k] = a.Text
			}
			li.Pages[j] = lp
		}
		if d.Kind == model.KindIncident {
			out.Incidents = append(out.Incidents, li)
		} else {
			out.Instructions = append(out.Instructions, li)
		}
	}
	return out
}

// EncodeLegacy writes the legacy grouped shape as JSON.
func EncodeLegacy(w io.Writer, doc *model.Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(ToLegacy(doc)); err != nil {
		return fmt.Errorf("encode legacy document: %w", err)
	}
	return nil
}

var legacyTimePattern = regexp.MustCompile(`^(\d+(?:[.,]\d+)?)\s*(\pL*)\.?$`)

// ParseLegacyTime parses free-text durations such as "5 минут", "1.5 часа"
// or "30 min" into minutes. An empty string is an unset estimate.
func ParseLegacyTime(s string) (*float64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return nil, nil
	}
	m := legacyTimePattern.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("cannot parse duration %q", s)
	}
	n, err := strconv.ParseFloat(strings.Replace(m[1], ",", ".", 1), 64)
	if err != nil {
		return nil, fmt.Errorf("cannot parse duration %q: %w", s, err)
	}

	unit := m[2]
	switch {
	case unit == "", unit == "м", strings.HasPrefix(unit, "мин"), strings.HasPrefix(unit, "m"):
	case strings.HasPrefix(unit, "ч"), strings.HasPrefix(unit, "h"):
		n *= 60
	case strings.HasPrefix(unit, "с"), strings.HasPrefix(unit, "s"):
		n /= 60
	default:
		return nil, fmt.Errorf("unknown duration unit %q in %q", unit, s)
	}
	return &n, nil
}

// FormatLegacyTime renders minutes the way the legacy UI stored them,
// with Russian plural agreement.
func FormatLegacyTime(minutes float64) string {
	if minutes != math.Trunc(minutes) {
		return strconv.FormatFloat(minutes, 'f', -1, 64) + " минуты"
	}
	n := int64(minutes)
	switch {
	case n%10 == 1 && n%100 != 11:
		return fmt.Sprintf("%d минута", n)
	case n%10 >= 2 && n%10 <= 4 && (n%100 < 12 || n%100 > 14):
		return fmt.Sprintf("%d минуты", n)
	}
	return fmt.Sprintf("%d минут", n)
}
