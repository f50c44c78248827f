package transfer

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/roach88/kbase/internal/model"
)

// Format selects a document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unknown document format %q: must be json or yaml", s)
}

// FormatForPath picks the format from a file extension.
func FormatForPath(path string) (Format, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return "", fmt.Errorf("cannot tell document format of %q: use a .json, .yaml or .yml file", path)
	}
	return ParseFormat(ext)
}

// wireDocument accepts both the current shape and the legacy grouped one.
type wireDocument struct {
	Version      int             `json:"version" yaml:"version"`
	ExportedAt   time.Time       `json:"exportedAt" yaml:"exported_at"`
	Items        []model.DocItem `json:"items" yaml:"items"`
	Incidents    []legacyItem    `json:"incidents" yaml:"incidents"`
	Instructions []legacyItem    `json:"instructions" yaml:"instructions"`
}

// Decode reads a document in format f. Syntax errors and malformed legacy
// fields are validation errors; structural validation is left to
// model.Document.Validate.
func Decode(r io.Reader, f Format) (*model.Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, model.NewStorageError("read document", err)
	}

	var w wireDocument
	switch f {
	case FormatJSON:
		err = json.Unmarshal(data, &w)
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(&w)
		if err == io.EOF {
			err = fmt.Errorf("document is empty")
		}
	default:
		return nil, malformed("format", "unknown document format %q", f)
	}
	if err != nil {
		return nil, malformed("document", "%v", err)
	}

	legacy := len(w.Incidents) + len(w.Instructions)
	if legacy > 0 && len(w.Items) > 0 {
		return nil, malformed("document", "has both items and legacy incidents/instructions groups")
	}
	if legacy > 0 {
		return fromLegacy(&w)
	}

	doc := &model.Document{Version: w.Version, ExportedAt: w.ExportedAt, Items: w.Items}
	if doc.Version == 0 {
		doc.Version = model.DocumentVersion
	}
	if doc.Items == nil {
		doc.Items = []model.DocItem{}
	}
	return doc, nil
}

// Encode writes doc in format f.
func Encode(w io.Writer, doc *model.Document, f Format) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode json document: %w", err)
		}
		return nil
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode yaml document: %w", err)
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown document format %q", f)
}

func malformed(field, format string, args ...any) *model.Error {
	return model.NewValidationError("malformed document", model.FieldError{
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	})
}
