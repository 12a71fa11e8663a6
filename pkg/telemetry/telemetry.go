// Package telemetry collects per-request performance figures from backend
// runtimes and exposes them as a snapshot for the stats endpoint.
//
// Figures arrive from two directions: backend adapters parse their runtime's
// log output (server-side token counts and timings), and the request router
// records wall-clock stream timings observed on the HTTP side. Both merge
// into the same per-family snapshot, last write per field wins.
package telemetry

import (
	"sync"
)

// Delta is a partial telemetry update. Nil fields are left untouched when the
// delta is merged into a snapshot.
type Delta struct {
	InputTokens      *int
	PromptTokens     *int
	OutputTokens     *int
	TimeToFirstToken *float64
	TokensPerSecond  *float64
	DecodeTokenTimes []float64
}

// Int returns a pointer to v for use in Delta literals.
func Int(v int) *int { return &v }

// Float returns a pointer to v for use in Delta literals.
func Float(v float64) *float64 { return &v }

// Snapshot holds the last-request metrics for one backend family.
type Snapshot struct {
	// InputTokens is the number of tokens submitted with the last request.
	InputTokens int `json:"input_tokens"`
	// PromptTokens is the number of tokens the runtime actually evaluated,
	// which can be lower than InputTokens when a prefix was cached.
	PromptTokens int `json:"prompt_tokens"`
	// OutputTokens is the number of tokens generated.
	OutputTokens int `json:"output_tokens"`
	// TimeToFirstToken is the delay in seconds before the first token.
	TimeToFirstToken float64 `json:"time_to_first_token"`
	// TokensPerSecond is the decode throughput.
	TokensPerSecond float64 `json:"tokens_per_second"`
	// DecodeTokenTimes lists per-token decode durations in seconds, in
	// generation order.
	DecodeTokenTimes []float64 `json:"decode_token_times"`
}

// Aggregator maintains one Snapshot per backend family. All methods are safe
// for concurrent use.
type Aggregator struct {
	mu       sync.RWMutex
	families map[string]*Snapshot
	// lastFamily is the family most recently written to; the stats endpoint
	// reports its snapshot.
	lastFamily string
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		families: make(map[string]*Snapshot),
	}
}

// Record merges a delta into the family's snapshot. A delta carrying
// InputTokens or TimeToFirstToken marks the start of a new request's figures
// and resets the decode times recorded for the previous one.
func (a *Aggregator) Record(family string, delta Delta) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snapshot, ok := a.families[family]
	if !ok {
		snapshot = &Snapshot{}
		a.families[family] = snapshot
	}
	a.lastFamily = family

	if delta.InputTokens != nil || delta.TimeToFirstToken != nil {
		snapshot.DecodeTokenTimes = nil
	}
	if delta.InputTokens != nil {
		snapshot.InputTokens = *delta.InputTokens
	}
	if delta.PromptTokens != nil {
		snapshot.PromptTokens = *delta.PromptTokens
	}
	if delta.OutputTokens != nil {
		snapshot.OutputTokens = *delta.OutputTokens
	}
	if delta.TimeToFirstToken != nil {
		snapshot.TimeToFirstToken = *delta.TimeToFirstToken
	}
	if delta.TokensPerSecond != nil {
		snapshot.TokensPerSecond = *delta.TokensPerSecond
	}
	if len(delta.DecodeTokenTimes) > 0 {
		snapshot.DecodeTokenTimes = append(snapshot.DecodeTokenTimes, delta.DecodeTokenTimes...)
	}
}

// Usage records token counts reported by an upstream response body.
func (a *Aggregator) Usage(family string, promptTokens, completionTokens int) {
	a.Record(family, Delta{
		InputTokens:  Int(promptTokens),
		PromptTokens: Int(promptTokens),
		OutputTokens: Int(completionTokens),
	})
}

// Snapshot returns a copy of all per-family snapshots.
func (a *Aggregator) Snapshot() map[string]Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	result := make(map[string]Snapshot, len(a.families))
	for family, snapshot := range a.families {
		copied := *snapshot
		copied.DecodeTokenTimes = append([]float64(nil), snapshot.DecodeTokenTimes...)
		result[family] = copied
	}
	return result
}

// Current returns the snapshot of the family that completed a request most
// recently. Before any request it is the zero snapshot.
func (a *Aggregator) Current() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snapshot, ok := a.families[a.lastFamily]
	if !ok {
		return Snapshot{}
	}
	copied := *snapshot
	copied.DecodeTokenTimes = append([]float64(nil), snapshot.DecodeTokenTimes...)
	return copied
}

// Family returns the snapshot for one family and whether it exists.
func (a *Aggregator) Family(family string) (Snapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snapshot, ok := a.families[family]
	if !ok {
		return Snapshot{}, false
	}
	copied := *snapshot
	copied.DecodeTokenTimes = append([]float64(nil), snapshot.DecodeTokenTimes...)
	return copied, true
}
