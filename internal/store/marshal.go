package store

import (
	"database/sql"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// toMicros converts a timestamp to its stored form (unix microseconds).
func toMicros(t time.Time) int64 {
	return t.UnixMicro()
}

// fromMicros converts a stored timestamp back to UTC time.
func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

// foldTitle computes the case-folded form used for substring search.
// SQLite's LIKE only folds ASCII; Unicode folding keeps Cyrillic and other
// scripts searchable case-insensitively. A Caser is stateful, so one is
// built per call.
func foldTitle(s string) string {
	return cases.Fold().String(s)
}

// likePattern builds an escaped LIKE pattern matching q as a substring.
func likePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(foldTitle(q)) + "%"
}

// nullEstimate converts an optional estimate to a nullable column value.
func nullEstimate(est *float64) sql.NullFloat64 {
	if est == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *est, Valid: true}
}

// estimatePtr converts a nullable column value back to an optional estimate.
func estimatePtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// nullKey stores an empty image key as NULL so the UNIQUE index ignores it.
func nullKey(key string) sql.NullString {
	if key == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: key, Valid: true}
}
