package update

import (
	"time"
)

// State is a node of the update cycle state machine.
type State int

// Cycle states. Idle is both the initial state and the state every cycle returns to.
const (
	StateIdle State = iota
	StateChecking
	StateStaging
	StateReporting
	StateFailed
)

// String returns the lowercase state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateStaging:
		return "staging"
	case StateReporting:
		return "reporting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reason names what requested a cycle.
type Reason string

// Known wake reasons.
const (
	ReasonStartup Reason = "startup"
	ReasonTimer   Reason = "timer"
	ReasonSignal  Reason = "signal"
	ReasonOffroad Reason = "offroad"
	ReasonManual  Reason = "manual"
)

// Revision identifies a commit of the release channel.
type Revision string

// IsZero reports whether the revision is unset.
func (r Revision) IsZero() bool {
	return r == ""
}

// Short returns the abbreviated form used in logs.
func (r Revision) Short() string {
	const shortLength = 8

	if len(r) <= shortLength {
		return string(r)
	}

	return string(r[:shortLength])
}

// String implements fmt.Stringer.
func (r Revision) String() string {
	return string(r)
}

// CycleResult is the outcome of one completed cycle. It is handed to the
// status reporter and then discarded.
type CycleResult struct {
	// ID correlates log entries of one cycle.
	ID string
	// Reason is what woke the daemon for this cycle.
	Reason Reason
	// Timestamp is the wall-clock completion time.
	Timestamp time.Time
	// UpdateAvailable reports that a staged revision differs from the running one.
	UpdateAvailable bool
	// Failed marks a cycle aborted by a lock, staging or sync failure.
	Failed bool
	// Skipped marks a cycle that did not stage because gating forbade it.
	Skipped bool
	// Head is the staged head revision, empty when nothing was staged.
	Head Revision
	// Err is the failure cause when Failed is set.
	Err error
}

// Outcome returns the label used for metrics and logs.
func (r *CycleResult) Outcome() string {
	switch {
	case r.Failed:
		return "failed"
	case r.Skipped:
		return "skipped"
	case r.UpdateAvailable:
		return "update_available"
	default:
		return "up_to_date"
	}
}
