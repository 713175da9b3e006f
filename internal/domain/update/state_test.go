package update

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestStateString verifies every state has a stable name.
func TestStateString(t *testing.T) {
	t.Parallel()

	names := map[State]string{
		StateIdle:      "idle",
		StateChecking:  "checking",
		StateStaging:   "staging",
		StateReporting: "reporting",
		StateFailed:    "failed",
		State(42):      "unknown",
	}
	for state, name := range names {
		require.Equal(t, name, state.String())
	}
}

// TestRevisionShort checks abbreviation and the zero value.
func TestRevisionShort(t *testing.T) {
	t.Parallel()

	require.True(t, Revision("").IsZero())
	require.Equal(t, "abc", Revision("abc").Short())
	require.Equal(t, "0123456789abcdef"[:8], Revision("0123456789abcdef").Short())
}

// TestCycleResultOutcome checks that failure takes precedence over the other labels.
func TestCycleResultOutcome(t *testing.T) {
	t.Parallel()

	require.Equal(t, "failed", (&CycleResult{Failed: true, UpdateAvailable: true, Err: errors.New("x")}).Outcome())
	require.Equal(t, "skipped", (&CycleResult{Skipped: true}).Outcome())
	require.Equal(t, "update_available", (&CycleResult{UpdateAvailable: true}).Outcome())
	require.Equal(t, "up_to_date", (&CycleResult{}).Outcome())
}
