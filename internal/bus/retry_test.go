package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3, 10*time.Millisecond, 40*time.Millisecond)
	transient := errors.New("transient")

	assert.False(t, p.ShouldRetry(nil, 1))
	assert.True(t, p.ShouldRetry(transient, 1))
	assert.True(t, p.ShouldRetry(transient, 2))
	assert.False(t, p.ShouldRetry(transient, 3))
	assert.False(t, p.ShouldRetry(context.Canceled, 1))
	assert.False(t, p.ShouldRetry(ErrClosed, 1))
}

func TestRetryPolicyBackoffIsBounded(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(10, 10*time.Millisecond, 40*time.Millisecond)
	for attempt := 0; attempt < 10; attempt++ {
		d := p.Backoff(attempt)
		assert.GreaterOrEqual(t, d, 5*time.Millisecond)
		assert.LessOrEqual(t, d, 40*time.Millisecond)
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(0, 0, 0)
	assert.Equal(t, 5, p.MaxAttempts())
	assert.Equal(t, 100*time.Millisecond, p.baseDelay)
	assert.Equal(t, 100*time.Millisecond, p.maxDelay)
}
