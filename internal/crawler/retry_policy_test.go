package crawler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialRetryPolicyBackoffDoubles(t *testing.T) {
	policy := NewExponentialRetryPolicy(3, 1500*time.Millisecond, 0)

	assert.Equal(t, 3*time.Second, policy.Backoff(1))
	assert.Equal(t, 6*time.Second, policy.Backoff(2))
	assert.Equal(t, 12*time.Second, policy.Backoff(3))
}

func TestExponentialRetryPolicyBackoffCap(t *testing.T) {
	policy := NewExponentialRetryPolicy(5, time.Second, 5*time.Second)

	assert.Equal(t, 4*time.Second, policy.Backoff(2))
	assert.Equal(t, 5*time.Second, policy.Backoff(3))
	assert.Equal(t, 5*time.Second, policy.Backoff(30))
}

func TestExponentialRetryPolicyShouldRetry(t *testing.T) {
	policy := NewExponentialRetryPolicy(3, time.Millisecond, 0)
	transient := errors.New("browser crashed")

	require.True(t, policy.ShouldRetry(transient, 1))
	require.True(t, policy.ShouldRetry(transient, 2))
	require.False(t, policy.ShouldRetry(transient, 3), "attempt limit reached")
	require.False(t, policy.ShouldRetry(nil, 1))
	require.True(t, policy.ShouldRetry(context.DeadlineExceeded, 1))
	require.False(t, policy.ShouldRetry(ErrRedirectedToErrorPage, 1))
	require.False(t, policy.ShouldRetry(&StatusError{Code: 404}, 1))
	require.True(t, policy.ShouldRetry(&StatusError{Code: 503}, 1))
	require.False(t, policy.ShouldRetry(ErrPoolExhausted, 1))
}

func TestExponentialRetryPolicyClampsAttempts(t *testing.T) {
	policy := NewExponentialRetryPolicy(0, time.Second, 0)
	require.Equal(t, 1, policy.MaxAttempts())
	require.False(t, policy.ShouldRetry(errors.New("boom"), 1))
}
