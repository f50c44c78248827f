package harness

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/roach88/kbase/internal/model"
)

// Scenario is a sequence of engine operations with expected outcomes.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Steps run in order against one fresh engine.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final tables.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step operation names.
const (
	OpReconcile = "reconcile"
	OpDelete    = "delete"
	OpClear     = "clear"
)

// Step is one engine operation.
type Step struct {
	// Op is reconcile, delete or clear.
	Op string `yaml:"op"`

	// Target is the alias of the item the step acts on. A reconcile
	// without Target or TargetID creates a new item.
	Target string `yaml:"target,omitempty"`

	// TargetID names the item by raw id, for steps that must miss.
	TargetID string `yaml:"target_id,omitempty"`

	// As binds the created item to an alias.
	As string `yaml:"as,omitempty"`

	// Desired is the whole tree for a reconcile step.
	Desired *DesiredItem `yaml:"desired,omitempty"`

	// Expect is the expected outcome. Without it the step must succeed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// DesiredItem is the scenario form of model.ItemInput.
type DesiredItem struct {
	Title string        `yaml:"title"`
	Kind  model.Kind    `yaml:"kind"`
	Pages []DesiredPage `yaml:"pages"`
}

// DesiredPage is the scenario form of model.PageInput. Ref and ID are
// alternatives; with neither the page is new.
type DesiredPage struct {
	Ref     string          `yaml:"ref,omitempty"`
	ID      string          `yaml:"id,omitempty"`
	Title   string          `yaml:"title"`
	Time    *float64        `yaml:"time,omitempty"`
	Actions []DesiredAction `yaml:"actions"`
}

// DesiredAction is the scenario form of model.ActionInput.
type DesiredAction struct {
	Ref  string `yaml:"ref,omitempty"`
	ID   string `yaml:"id,omitempty"`
	Text string `yaml:"text"`
}

// Expect specifies the expected outcome of a step.
type Expect struct {
	// Error is the expected error code. Empty means success.
	Error model.ErrorCode `yaml:"error,omitempty"`

	// Changed, when set, is compared against the reconcile result.
	Changed *bool `yaml:"changed,omitempty"`

	// Deleted, when set, is the expected number of items a clear removed.
	Deleted *int64 `yaml:"deleted,omitempty"`
}

// Assertion validates the final state of one table.
type Assertion struct {
	// Type is final_state or row_count.
	Type string `yaml:"type"`

	// Table is items, pages or actions.
	Table string `yaml:"table"`

	// Where filters rows by column equality.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect holds expected column values of the single matching row
	// (final_state). Unlisted columns are not checked.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of matching rows (row_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalState = "final_state"
	AssertRowCount   = "row_count"
)

// ref is a parsed node reference: alias.pages[i] or alias.pages[i].actions[j].
type ref struct {
	alias  string
	page   int
	action int // -1 for page refs
}

var refPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\.pages\[(\d+)\](?:\.actions\[(\d+)\])?$`)

func parseRef(s string) (ref, error) {
	m := refPattern.FindStringSubmatch(s)
	if m == nil {
		return ref{}, fmt.Errorf("invalid ref %q: want alias.pages[i] or alias.pages[i].actions[j]", s)
	}
	r := ref{alias: m[1], action: -1}
	r.page, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		r.action, _ = strconv.Atoi(m[3])
	}
	return r, nil
}

// LoadScenario reads and parses a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML. Unknown fields are rejected so typos
// like "assertion:" fail loudly.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// validateScenario checks required fields and that every alias is bound
// before use.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	bound := make(map[string]bool)
	for i, st := range s.Steps {
		if err := validateStep(st, bound); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		if st.As != "" {
			bound[st.As] = true
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(st Step, bound map[string]bool) error {
	if st.Target != "" && st.TargetID != "" {
		return fmt.Errorf("target and target_id are mutually exclusive")
	}
	if st.Target != "" && !bound[st.Target] {
		return fmt.Errorf("target %q is not bound by an earlier step", st.Target)
	}

	switch st.Op {
	case OpReconcile:
		if st.Desired == nil {
			return fmt.Errorf("desired is required for reconcile")
		}
		if st.As != "" && (st.Target != "" || st.TargetID != "") {
			return fmt.Errorf("as only binds items created by this step")
		}
		if st.As != "" && bound[st.As] {
			return fmt.Errorf("alias %q is already bound", st.As)
		}
		return validateDesired(st.Desired, bound)
	case OpDelete:
		if st.Target == "" && st.TargetID == "" {
			return fmt.Errorf("target or target_id is required for delete")
		}
	case OpClear:
		if st.Target != "" || st.TargetID != "" {
			return fmt.Errorf("clear takes no target")
		}
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
	if st.Desired != nil || st.As != "" {
		return fmt.Errorf("desired and as only apply to reconcile")
	}
	return nil
}

func validateDesired(d *DesiredItem, bound map[string]bool) error {
	check := func(field, r, id string, wantAction bool) error {
		if r == "" {
			return nil
		}
		if id != "" {
			return fmt.Errorf("%s: ref and id are mutually exclusive", field)
		}
		parsed, err := parseRef(r)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		if !bound[parsed.alias] {
			return fmt.Errorf("%s: alias %q is not bound by an earlier step", field, parsed.alias)
		}
		if wantAction != (parsed.action >= 0) {
			return fmt.Errorf("%s: ref %q names the wrong kind of node", field, r)
		}
		return nil
	}

	for i, p := range d.Pages {
		field := fmt.Sprintf("desired.pages[%d]", i)
		if err := check(field, p.Ref, p.ID, false); err != nil {
			return err
		}
		for j, a := range p.Actions {
			if err := check(fmt.Sprintf("%s.actions[%d]", field, j), a.Ref, a.ID, true); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertFinalState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("expect is required for final_state")
		}
	case AssertRowCount:
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	if a.Table == "" {
		return fmt.Errorf("table is required")
	}
	return nil
}
