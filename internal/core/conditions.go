package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EvaluateConditions applies every condition against the supplied context
// and ANDs the results. All conditions are evaluated so the diagnostic
// trail is complete. A referenced variable or step that is missing
// evaluates false with a recorded reason, never an error: an unsatisfiable
// task is skipped, not failed.
func EvaluateConditions(conds []Condition, ec EvalContext) (bool, []Diagnostic) {
	if len(conds) == 0 {
		return true, nil
	}
	ok := true
	diags := make([]Diagnostic, 0, len(conds))
	for _, c := range conds {
		d := evaluateCondition(c, ec)
		if !d.OK {
			ok = false
		}
		diags = append(diags, d)
	}
	return ok, diags
}

// ValidateConditions rejects malformed conditions at task creation so
// evaluation never has to.
func ValidateConditions(conds []Condition) error {
	for i, c := range conds {
		switch c.Type {
		case CondTimeWindow:
			if _, err := parseClock(c.Start); err != nil {
				return fmt.Errorf("condition %d: %w", i, err)
			}
			if _, err := parseClock(c.End); err != nil {
				return fmt.Errorf("condition %d: %w", i, err)
			}
			if _, err := LoadTimezone(c.Timezone); err != nil {
				return fmt.Errorf("condition %d: %w", i, err)
			}
		case CondVariable, CondUpstream:
			if strings.TrimSpace(c.Key) == "" {
				return fmt.Errorf("condition %d: missing key", i)
			}
			switch c.Operator {
			case OpEquals, OpContains, OpGreater, OpLess, OpExists:
			default:
				return fmt.Errorf("condition %d: unknown operator %q", i, c.Operator)
			}
		default:
			return fmt.Errorf("condition %d: unknown condition type %q", i, c.Type)
		}
	}
	return nil
}

func evaluateCondition(c Condition, ec EvalContext) Diagnostic {
	switch c.Type {
	case CondTimeWindow:
		return evalTimeWindow(c, ec.Now)
	case CondVariable:
		v, found := ec.Vars[c.Key]
		return evalCompare(c, v, found)
	case CondUpstream:
		v, found := ec.Steps[c.Key]
		return evalCompare(c, v, found)
	default:
		return Diagnostic{Condition: string(c.Type), Reason: "unknown condition type"}
	}
}

func (c Condition) label() string {
	switch c.Type {
	case CondTimeWindow:
		return fmt.Sprintf("time_window %s-%s", c.Start, c.End)
	case CondVariable:
		return fmt.Sprintf("variable %s %s", c.Key, c.Operator)
	case CondUpstream:
		return fmt.Sprintf("upstream_result %s %s", c.Key, c.Operator)
	}
	return string(c.Type)
}

// evalTimeWindow checks Now against a daily [Start,End) wall-clock window
// in the condition's timezone. Windows with End before Start wrap past
// midnight.
func evalTimeWindow(c Condition, now time.Time) Diagnostic {
	d := Diagnostic{Condition: c.label()}
	start, err := parseClock(c.Start)
	if err != nil {
		d.Reason = err.Error()
		return d
	}
	end, err := parseClock(c.End)
	if err != nil {
		d.Reason = err.Error()
		return d
	}
	loc, err := LoadTimezone(c.Timezone)
	if err != nil {
		d.Reason = err.Error()
		return d
	}
	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()
	switch {
	case start == end:
		// empty window
	case start < end:
		d.OK = cur >= start && cur < end
	default:
		d.OK = cur >= start || cur < end
	}
	if !d.OK {
		d.Reason = fmt.Sprintf("%s is outside the window", local.Format("15:04"))
	}
	return d
}

func evalCompare(c Condition, value any, found bool) Diagnostic {
	d := Diagnostic{Condition: c.label()}
	if c.Operator == OpExists {
		d.OK = found
		if !found {
			d.Reason = fmt.Sprintf("%q is not present", c.Key)
		}
		return d
	}
	if !found {
		d.Reason = fmt.Sprintf("%q is not present", c.Key)
		return d
	}
	got := fmt.Sprint(value)
	switch c.Operator {
	case OpEquals:
		d.OK = compareOrder(got, c.Value) == 0
	case OpContains:
		d.OK = strings.Contains(got, c.Value)
	case OpGreater:
		d.OK = compareOrder(got, c.Value) > 0
	case OpLess:
		d.OK = compareOrder(got, c.Value) < 0
	default:
		d.Reason = fmt.Sprintf("unknown operator %q", c.Operator)
		return d
	}
	if !d.OK {
		d.Reason = fmt.Sprintf("got %q, want %s %q", got, c.Operator, c.Value)
	}
	return d
}

// compareOrder compares numerically when both sides parse as numbers,
// lexicographically otherwise.
func compareOrder(got, want string) int {
	if gf, gerr := strconv.ParseFloat(got, 64); gerr == nil {
		if wf, werr := strconv.ParseFloat(want, 64); werr == nil {
			switch {
			case gf < wf:
				return -1
			case gf > wf:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(got, want)
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("bad clock time %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
