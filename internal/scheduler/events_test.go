package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutcome_String(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    string
	}{
		{OutcomeSuccess, "success"},
		{OutcomeError, "error"},
		{OutcomeSkippedLockHeld, "skipped_lock_held"},
		{OutcomeSkippedMaxInstances, "skipped_max_instances"},
		{OutcomeSkippedMisfire, "skipped_misfire"},
		{Outcome(42), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.outcome.String())
	}
}

func TestOutcome_Skipped(t *testing.T) {
	assert.False(t, OutcomeSuccess.Skipped())
	assert.False(t, OutcomeError.Skipped())
	assert.True(t, OutcomeSkippedLockHeld.Skipped())
	assert.True(t, OutcomeSkippedMaxInstances.Skipped())
	assert.True(t, OutcomeSkippedMisfire.Skipped())
}
