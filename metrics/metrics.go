// Package metrics defines the recorder interface the cache engine reports
// through; prom is the production implementation, built the same way the
// server wraps promhttp.Handler() for export.
package metrics

// Outcome classifies a completed cache operation.
type Outcome string

const (
	OutcomeHit   Outcome = "hit"
	OutcomeMiss  Outcome = "miss"
	OutcomeError Outcome = "error"
)

// Recorder is the metrics sink the cache engine reports through. A nil
// Recorder is never passed around; callers that don't want metrics use
// [NoOp].
type Recorder interface {
	// ObserveOp records one Get/Set/GetOrSet/Remove-family call, its
	// outcome, and how long it took.
	ObserveOp(op string, outcome Outcome, seconds float64)
	// SetEntryCount reports the current L1 entry count (a gauge snapshot,
	// typically taken from Statistics()).
	SetEntryCount(n int)
	// SetSizeBytes reports the current L1 serialized-size total.
	SetSizeBytes(n int64)
	// ObserveBackplanePublish records one outbound invalidation publish.
	ObserveBackplanePublish(outcome Outcome)
	// ObserveL2 records one remote-store round trip (mirror write, delete,
	// or read-through) by kind and outcome.
	ObserveL2(kind string, outcome Outcome, seconds float64)
}

// NoOp is a Recorder that discards everything. It is the default when no
// Recorder is configured.
var NoOp Recorder = noop{}

type noop struct{}

func (noop) ObserveOp(string, Outcome, float64) {}
func (noop) SetEntryCount(int)                  {}
func (noop) SetSizeBytes(int64)                 {}
func (noop) ObserveBackplanePublish(Outcome)    {}
func (noop) ObserveL2(string, Outcome, float64) {}
