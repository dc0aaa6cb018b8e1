package emit

import "sync"

// BufferedEmitter stores events in memory, organized by iteration, and
// provides query capabilities for post-run analysis.
//
// Use it in tests and debugging sessions to assert on the exact event
// sequence a run produced. All events are kept until Clear is called, so it
// is unsuitable for unbounded production runs.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[int][]Event // iteration -> events
	order  []Event         // global emit order
}

// HistoryFilter selects a subset of buffered events. Empty fields match
// everything; set fields are combined with AND.
type HistoryFilter struct {
	Symbol  string
	Msg     string
	MinTick *int
	MaxTick *int
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[int][]Event)}
}

// Emit stores the event. Safe for concurrent use.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.Iteration] = append(b.events[event.Iteration], event)
	b.order = append(b.order, event)
}

// History returns a copy of the events for one iteration, in emit order.
func (b *BufferedEmitter) History(iteration int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	evs := b.events[iteration]
	out := make([]Event, len(evs))
	copy(out, evs)
	return out
}

// All returns a copy of every buffered event in global emit order.
func (b *BufferedEmitter) All() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.order))
	copy(out, b.order)
	return out
}

// HistoryWithFilter returns the iteration's events matching the filter.
func (b *BufferedEmitter) HistoryWithFilter(iteration int, filter HistoryFilter) []Event {
	var out []Event
	for _, ev := range b.History(iteration) {
		if filter.Symbol != "" && ev.Symbol != filter.Symbol {
			continue
		}
		if filter.Msg != "" && ev.Msg != filter.Msg {
			continue
		}
		if filter.MinTick != nil && ev.Tick < *filter.MinTick {
			continue
		}
		if filter.MaxTick != nil && ev.Tick > *filter.MaxTick {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Count returns the number of events matching msg across all iterations.
func (b *BufferedEmitter) Count(msg string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, ev := range b.order {
		if ev.Msg == msg {
			n++
		}
	}
	return n
}

// Clear removes buffered events for one iteration, or everything when
// iteration is negative.
func (b *BufferedEmitter) Clear(iteration int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if iteration < 0 {
		b.events = make(map[int][]Event)
		b.order = nil
		return
	}
	delete(b.events, iteration)
	kept := b.order[:0]
	for _, ev := range b.order {
		if ev.Iteration != iteration {
			kept = append(kept, ev)
		}
	}
	b.order = kept
}
