package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"taskmill/internal/core"
)

// ChainAction runs a sequence of steps through the registry. Each
// finished step's result lands in the evaluation context, where later
// steps' upstream_result conditions can gate on it.
type ChainAction struct {
	reg *core.Registry
}

func NewChain(reg *core.Registry) *ChainAction {
	return &ChainAction{reg: reg}
}

type chainConfig struct {
	Steps []chainStep `json:"steps"`
}

type chainStep struct {
	Name            string          `json:"name"`
	Type            string          `json:"type"`
	Config          json.RawMessage `json:"config,omitempty"`
	Conditions      []stepCondition `json:"conditions,omitempty"`
	ContinueOnError bool            `json:"continue_on_error,omitempty"`
}

type stepCondition struct {
	Type     string `json:"type"`
	Start    string `json:"start,omitempty"`
	End      string `json:"end,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Key      string `json:"key,omitempty"`
	Operator string `json:"operator,omitempty"`
	Value    string `json:"value,omitempty"`
}

func (c stepCondition) toCore() core.Condition {
	return core.Condition{
		Type:     core.ConditionType(c.Type),
		Start:    c.Start,
		End:      c.End,
		Timezone: c.Timezone,
		Key:      c.Key,
		Operator: core.CompareOp(c.Operator),
		Value:    c.Value,
	}
}

func (a *ChainAction) Invoke(ctx context.Context, spec core.ActionSpec, ec core.EvalContext, logw io.Writer) (string, error) {
	var cfg chainConfig
	if err := json.Unmarshal(spec.Config, &cfg); err != nil {
		return "", fmt.Errorf("decode chain config: %w", err)
	}
	if len(cfg.Steps) == 0 {
		return "", errors.New("chain config: at least one step is required")
	}
	seen := make(map[string]bool, len(cfg.Steps))
	for i, st := range cfg.Steps {
		if st.Name == "" {
			return "", fmt.Errorf("chain config: step %d has no name", i+1)
		}
		if seen[st.Name] {
			return "", fmt.Errorf("chain config: duplicate step name %q", st.Name)
		}
		seen[st.Name] = true
	}

	if ec.Steps == nil {
		ec.Steps = make(map[string]string, len(cfg.Steps))
	}
	completed := 0
	for _, st := range cfg.Steps {
		if len(st.Conditions) > 0 {
			conds := make([]core.Condition, 0, len(st.Conditions))
			for _, sc := range st.Conditions {
				conds = append(conds, sc.toCore())
			}
			passed, diags := core.EvaluateConditions(conds, ec)
			if !passed {
				for _, d := range diags {
					if !d.OK {
						fmt.Fprintf(logw, "step %s skipped: %s: %s\n", st.Name, d.Condition, d.Reason)
					}
				}
				ec.Steps[st.Name] = "skipped"
				continue
			}
		}
		fmt.Fprintf(logw, "step %s (%s) starting\n", st.Name, st.Type)
		result, err := a.reg.Invoke(ctx, core.ActionSpec{Type: st.Type, Config: st.Config}, ec, logw)
		if err != nil {
			ec.Steps[st.Name] = "failed"
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if st.ContinueOnError {
				fmt.Fprintf(logw, "step %s failed (continuing): %v\n", st.Name, err)
				continue
			}
			return "", fmt.Errorf("step %s: %w", st.Name, err)
		}
		if result == "" {
			result = "completed"
		}
		ec.Steps[st.Name] = result
		completed++
	}
	return fmt.Sprintf("%d/%d steps completed", completed, len(cfg.Steps)), nil
}
