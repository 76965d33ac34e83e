package tracefile

import "sync"

// State is the lifecycle state of a Reader.
type State int

const (
	// Idle readers have no file open.
	Idle State = iota
	// Parsing readers are running the index pass.
	Parsing
	// Ready readers finished the index pass.
	Ready
	// Errored readers hit a malformed record or an I/O error. The state
	// is kept until the next Open.
	Errored
	// Cancelled readers were closed before the index pass finished.
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Parsing:
		return "parsing"
	case Ready:
		return "ready"
	case Errored:
		return "errored"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// lifecycle serializes state transitions between the caller and the index
// worker. The first transition out of Parsing wins.
type lifecycle struct {
	mu     sync.Mutex
	state  State
	reason string
}

func (l *lifecycle) get() (State, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, l.reason
}

// begin moves an idle reader to Parsing.
func (l *lifecycle) begin() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Idle {
		return false
	}
	l.state = Parsing
	l.reason = ""
	return true
}

// finish moves a parsing reader to Ready.
func (l *lifecycle) finish() bool {
	return l.transition(Ready, "", Parsing)
}

// cancel moves a parsing reader to Cancelled.
func (l *lifecycle) cancel() bool {
	return l.transition(Cancelled, "", Parsing)
}

// fail records reason. Page decoding can fail after the index pass is done
// so Ready readers can fail too.
func (l *lifecycle) fail(reason string) bool {
	return l.transition(Errored, reason, Parsing, Ready)
}

func (l *lifecycle) transition(to State, reason string, from ...State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range from {
		if l.state == s {
			l.state = to
			l.reason = reason
			return true
		}
	}
	return false
}

// reset returns to Idle from any state.
func (l *lifecycle) reset() {
	l.mu.Lock()
	l.state = Idle
	l.reason = ""
	l.mu.Unlock()
}
