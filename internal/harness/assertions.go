package harness

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/kbase/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Identifiers cannot be bound as parameters, so anything else is rejected.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an expectation or assertion fails.
type AssertionError struct {
	Type     string // what was checked
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion failed: %s\n  expected: %s\n  actual: %s", e.Type, e.Expected, e.Actual)
}

// EvaluateAssertions checks every assertion against the store and returns
// the failures.
func EvaluateAssertions(ctx context.Context, st *store.Store, assertions []Assertion) []error {
	var errs []error
	for _, a := range assertions {
		var err error
		switch a.Type {
		case AssertFinalState:
			err = assertFinalState(ctx, st, a)
		case AssertRowCount:
			err = assertRowCount(ctx, st, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// assertRowCount checks how many rows of the table match Where.
func assertRowCount(ctx context.Context, st *store.Store, a Assertion) error {
	query, args, err := buildQuery("COUNT(*)", a)
	if err != nil {
		return err
	}
	var n int
	if err := st.DB().QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return &AssertionError{
			Type:     AssertRowCount,
			Expected: fmt.Sprintf("query table %s", a.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertRowCount,
			Expected: fmt.Sprintf("%d rows in %s where %s", a.Count, a.Table, formatWhereClause(a.Where)),
			Actual:   fmt.Sprintf("%d rows", n),
		}
	}
	return nil
}

// assertFinalState checks the expected columns of the single row matching
// Where. Only listed columns are compared.
func assertFinalState(ctx context.Context, st *store.Store, a Assertion) error {
	query, args, err := buildQuery("*", a)
	if err != nil {
		return err
	}

	rows, err := st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", a.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	whereDesc := formatWhereClause(a.Where)
	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", a.Table, whereDesc),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", a.Table, whereDesc),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actual := make(map[string]any, len(columns))
	for i, col := range columns {
		actual[col] = values[i]
	}

	keys := sortedKeys(a.Expect)
	for _, key := range keys {
		want := a.Expect[key]
		got, ok := actual[key]
		if !ok {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if !stateValuesEqual(want, got) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, want, want),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, got, got),
			}
		}
	}
	return nil
}

// buildQuery builds a parameterized SELECT over the assertion's table.
func buildQuery(selectExpr string, a Assertion) (string, []any, error) {
	if !validIdentifier.MatchString(a.Table) {
		return "", nil, fmt.Errorf("invalid table name %q: must match pattern %s", a.Table, validIdentifier.String())
	}
	whereSQL, args, err := buildWhereClause(a.Where)
	if err != nil {
		return "", nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s", selectExpr, a.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}
	return query, args, nil
}

// buildWhereClause constructs a parameterized WHERE clause. Keys are
// sorted for determinism; a nil value matches NULL.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		if where[key] == nil {
			clauses = append(clauses, key+" IS NULL")
			continue
		}
		clauses = append(clauses, key+" = ?")
		args = append(args, where[key])
	}
	return strings.Join(clauses, " AND "), args, nil
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	keys := sortedKeys(where)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stateValuesEqual compares a YAML-decoded expectation with a column value.
// SQLite hands back int64, float64, string or []byte; YAML gives int,
// float64, string, bool or nil. Numbers compare by value.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}

	if e, ok := toFloat(expected); ok {
		a, ok := toFloat(actual)
		return ok && e == a
	}

	switch exp := expected.(type) {
	case string:
		a, ok := actual.(string)
		return ok && exp == a
	case bool:
		if a, ok := actual.(bool); ok {
			return exp == a
		}
		if a, ok := actual.(int64); ok {
			return exp == (a != 0)
		}
		return false
	}
	return reflect.DeepEqual(expected, actual)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
