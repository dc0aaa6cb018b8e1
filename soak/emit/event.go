// Package emit provides pluggable observability emitters for the soak
// engine. Library code never logs directly; it emits events and the
// embedding binary decides where they go.
package emit

// Event is one observability event from the soak loop.
//
// Events cover iteration lifecycle (start, summary written, delta applied),
// tick-level anomalies (deadline miss, batch retry), and guard activity.
// They are emitted to an Emitter, which can log them, trace them, buffer
// them, or drop them.
type Event struct {
	// Iteration is the 1-based iteration index. Zero for run-level events.
	Iteration int

	// Tick is the tick number within the iteration. Zero for
	// iteration-level events.
	Tick int

	// Symbol is the market symbol, when the event is symbol-scoped.
	Symbol string

	// Msg names the event, e.g. "iteration_start", "deadline_miss",
	// "delta_applied", "guard_trip".
	Msg string

	// Meta carries additional structured data. Common keys:
	//   - "skip_reason": guard tags for a suppressed delta
	//   - "signature": overrides signature after apply
	//   - "error": error details
	//   - "duration_ms": elapsed time
	Meta map[string]interface{}
}

// Emitter receives events from the soak engine.
//
// Implementations must be safe for concurrent use and must never block the
// tick loop or panic; failures are handled internally.
type Emitter interface {
	Emit(event Event)
}
