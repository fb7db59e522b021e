package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataferry/ferry/pkg/config"
	ferrors "github.com/dataferry/ferry/pkg/errors"
)

func fastPolicy(maxAttempts int) *Policy {
	return NewPolicy(config.RetryConfig{
		MaxAttempts:  maxAttempts,
		InitialDelay: config.Duration(time.Millisecond),
		MaxDelay:     config.Duration(5 * time.Millisecond),
		Multiplier:   2.0,
	})
}

func TestDoRetriesTransientErrors(t *testing.T) {
	attempts := 0
	err := fastPolicy(3).Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return ferrors.New(ferrors.ErrorTypeTransient, "flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoStopsAtAttemptLimit(t *testing.T) {
	attempts := 0
	err := fastPolicy(3).Do(context.Background(), func() error {
		attempts++
		return ferrors.New(ferrors.ErrorTypeTransient, "always failing")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoDoesNotRetryDataErrors(t *testing.T) {
	attempts := 0
	err := fastPolicy(5).Do(context.Background(), func() error {
		attempts++
		return ferrors.New(ferrors.ErrorTypeData, "bad row")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "non-retryable errors abort immediately")
	assert.True(t, ferrors.IsType(err, ferrors.ErrorTypeData))
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := fastPolicy(1000).Do(ctx, func() error {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return ferrors.New(ferrors.ErrorTypeTransient, "flaky")
	})
	require.Error(t, err)
	assert.Less(t, attempts, 1000)
}
