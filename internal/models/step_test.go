package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStepProgressPercentIsMonotonic(t *testing.T) {
	pipeline := []string{
		StepStarting, StepPreflight, StepLogin, StepImpersonation,
		StepSearch, StepConfirm, StepCycle, StepExcel, StepFileGeneration,
		StepNavigateCart, StepCartCleanup, StepUpload, StepValidation,
		StepCompleted,
	}

	previous := 0
	for _, step := range pipeline {
		pct := StepProgressPercent(step, previous)
		assert.GreaterOrEqual(t, pct, previous, "step %s regressed", step)
		previous = pct
	}
	assert.Equal(t, 100, previous)
}

func TestStepProgressPercentUnknownStepKeepsPrevious(t *testing.T) {
	assert.Equal(t, 60, StepProgressPercent("no_such_step", 60))
	assert.Equal(t, 60, StepProgressPercent(StepUnexpected, 60))
}

func TestStepProgressPercentNeverRegresses(t *testing.T) {
	// A login redelivered after the cart step must not move the bar backwards.
	assert.Equal(t, 70, StepProgressPercent(StepLogin, 70))
}
