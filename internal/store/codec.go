package store

import (
	"encoding/json"
	"fmt"
	"time"

	"taskmill/internal/core"
)

// Schedules, actions, conditions and policies are stored as JSON text
// columns. The wire shapes below are owned by the store so the core types
// stay free of serialization tags.

type scheduleJSON struct {
	At       *time.Time `json:"at,omitempty"`
	Cron     string     `json:"cron,omitempty"`
	Timezone string     `json:"timezone,omitempty"`
	Trigger  string     `json:"trigger,omitempty"`
}

type actionJSON struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

type conditionJSON struct {
	Type     string `json:"type"`
	Start    string `json:"start,omitempty"`
	End      string `json:"end,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Key      string `json:"key,omitempty"`
	Operator string `json:"operator,omitempty"`
	Value    string `json:"value,omitempty"`
}

type retryJSON struct {
	MaxAttempts    int     `json:"max_attempts"`
	BaseBackoffSec float64 `json:"base_backoff_seconds"`
	Multiplier     float64 `json:"multiplier"`
}

type notifyJSON struct {
	OnSuccess bool     `json:"on_success,omitempty"`
	OnFailure bool     `json:"on_failure,omitempty"`
	Channels  []string `json:"channels,omitempty"`
}

func encodeSchedule(s core.Schedule) (string, error) {
	b, err := json.Marshal(scheduleJSON{At: s.At, Cron: s.Cron, Timezone: s.Timezone, Trigger: s.Trigger})
	if err != nil {
		return "", fmt.Errorf("encode schedule: %w", err)
	}
	return string(b), nil
}

func decodeSchedule(raw string) (core.Schedule, error) {
	var sj scheduleJSON
	if err := json.Unmarshal([]byte(raw), &sj); err != nil {
		return core.Schedule{}, fmt.Errorf("decode schedule: %w", err)
	}
	return core.Schedule{At: sj.At, Cron: sj.Cron, Timezone: sj.Timezone, Trigger: sj.Trigger}, nil
}

func encodeAction(a core.ActionSpec) (string, error) {
	b, err := json.Marshal(actionJSON{Type: a.Type, Config: a.Config})
	if err != nil {
		return "", fmt.Errorf("encode action: %w", err)
	}
	return string(b), nil
}

func decodeAction(raw string) (core.ActionSpec, error) {
	var aj actionJSON
	if err := json.Unmarshal([]byte(raw), &aj); err != nil {
		return core.ActionSpec{}, fmt.Errorf("decode action: %w", err)
	}
	return core.ActionSpec{Type: aj.Type, Config: aj.Config}, nil
}

// encodeConditions returns nil for an empty set so the column stays NULL.
func encodeConditions(conds []core.Condition) (any, error) {
	if len(conds) == 0 {
		return nil, nil
	}
	out := make([]conditionJSON, 0, len(conds))
	for _, c := range conds {
		out = append(out, conditionJSON{
			Type:     string(c.Type),
			Start:    c.Start,
			End:      c.End,
			Timezone: c.Timezone,
			Key:      c.Key,
			Operator: string(c.Operator),
			Value:    c.Value,
		})
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode conditions: %w", err)
	}
	return string(b), nil
}

func decodeConditions(raw string) ([]core.Condition, error) {
	var in []conditionJSON
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, fmt.Errorf("decode conditions: %w", err)
	}
	out := make([]core.Condition, 0, len(in))
	for _, c := range in {
		out = append(out, core.Condition{
			Type:     core.ConditionType(c.Type),
			Start:    c.Start,
			End:      c.End,
			Timezone: c.Timezone,
			Key:      c.Key,
			Operator: core.CompareOp(c.Operator),
			Value:    c.Value,
		})
	}
	return out, nil
}

func encodeRetry(p *core.RetryPolicy) (any, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(retryJSON{
		MaxAttempts:    p.MaxAttempts,
		BaseBackoffSec: p.BaseBackoff.Seconds(),
		Multiplier:     p.Multiplier,
	})
	if err != nil {
		return nil, fmt.Errorf("encode retry policy: %w", err)
	}
	return string(b), nil
}

func decodeRetry(raw string) (*core.RetryPolicy, error) {
	var rj retryJSON
	if err := json.Unmarshal([]byte(raw), &rj); err != nil {
		return nil, fmt.Errorf("decode retry policy: %w", err)
	}
	return &core.RetryPolicy{
		MaxAttempts: rj.MaxAttempts,
		BaseBackoff: time.Duration(rj.BaseBackoffSec * float64(time.Second)),
		Multiplier:  rj.Multiplier,
	}, nil
}

// encodeNotify returns nil when nothing is enabled so the column stays NULL.
func encodeNotify(p core.NotifyPolicy) (any, error) {
	if !p.OnSuccess && !p.OnFailure && len(p.Channels) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(notifyJSON{OnSuccess: p.OnSuccess, OnFailure: p.OnFailure, Channels: p.Channels})
	if err != nil {
		return nil, fmt.Errorf("encode notify policy: %w", err)
	}
	return string(b), nil
}

func decodeNotify(raw string) (core.NotifyPolicy, error) {
	var nj notifyJSON
	if err := json.Unmarshal([]byte(raw), &nj); err != nil {
		return core.NotifyPolicy{}, fmt.Errorf("decode notify policy: %w", err)
	}
	return core.NotifyPolicy{OnSuccess: nj.OnSuccess, OnFailure: nj.OnFailure, Channels: nj.Channels}, nil
}
