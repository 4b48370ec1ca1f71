package task_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/autoedit/tate-api/internal/task"
)

func TestRetryPolicy_BackoffBounds(t *testing.T) {
	t.Parallel()
	policy := task.NewRetryPolicy(3, time.Minute, 10*time.Minute)

	// Full jitter: each delay is positive and never exceeds the ceiling
	// for its attempt.
	ceilings := []time.Duration{
		time.Minute,
		2 * time.Minute,
		4 * time.Minute,
		8 * time.Minute,
		10 * time.Minute, // capped
		10 * time.Minute,
	}
	for attempt, ceiling := range ceilings {
		for i := 0; i < 50; i++ {
			d := policy.Backoff(attempt)
			assert.Greater(t, d, time.Duration(0), "attempt %d", attempt)
			assert.LessOrEqual(t, d, ceiling, "attempt %d", attempt)
		}
	}
}

func TestRetryPolicy_Cooldown(t *testing.T) {
	t.Parallel()
	policy := task.NewRetryPolicy(3, time.Minute, 10*time.Minute)
	assert.Equal(t, time.Minute, policy.Cooldown())
}

func TestRetryPolicy_Defaults(t *testing.T) {
	t.Parallel()
	policy := task.NewRetryPolicy(3, 0, 0)
	assert.Equal(t, time.Minute, policy.BaseDelay)
	assert.Equal(t, time.Minute, policy.MaxBackoff)
}
