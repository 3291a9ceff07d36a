package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rateLimitErr() error {
	return &googleapi.Error{Code: http.StatusTooManyRequests, Message: "slow down"}
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Jitter:       func() time.Duration { return 0 },
	}
}

func TestUploadWithRetryExhaustsOnRateLimit(t *testing.T) {
	attempts := 0
	err := UploadWithRetry(context.Background(), testLogger(), fastPolicy(), "k", func() error {
		attempts++
		return rateLimitErr()
	})
	require.Error(t, err)
	assert.Equal(t, 5, attempts)

	var gerr *googleapi.Error
	assert.ErrorAs(t, err, &gerr)
}

func TestUploadWithRetryRecovers(t *testing.T) {
	attempts := 0
	err := UploadWithRetry(context.Background(), testLogger(), fastPolicy(), "k", func() error {
		attempts++
		if attempts < 3 {
			return rateLimitErr()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestUploadWithRetryDoesNotRetryOtherErrors(t *testing.T) {
	attempts := 0
	boom := errors.New("bucket does not exist")
	err := UploadWithRetry(context.Background(), testLogger(), fastPolicy(), "k", func() error {
		attempts++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestUploadWithRetryBackoffIsBoundedExponential(t *testing.T) {
	// With initial 10ms doubled per attempt and capped at 40ms, four sleeps
	// separate five attempts: 10 + 20 + 40 + 40 = 110ms minimum.
	policy := RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     40 * time.Millisecond,
		Jitter:       func() time.Duration { return 0 },
	}
	start := time.Now()
	err := UploadWithRetry(context.Background(), testLogger(), policy, "k", func() error {
		return rateLimitErr()
	})
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.GreaterOrEqual(t, elapsed, 110*time.Millisecond)
	assert.Less(t, elapsed, 400*time.Millisecond)
}

func TestUploadWithRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Minute,
		MaxDelay:     time.Minute,
		Jitter:       func() time.Duration { return 0 },
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := UploadWithRetry(ctx, testLogger(), policy, "k", func() error {
		return rateLimitErr()
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsRateLimited(t *testing.T) {
	assert.True(t, IsRateLimited(rateLimitErr()))
	assert.True(t, IsRateLimited(fmt.Errorf("upload: %w", rateLimitErr())))
	assert.False(t, IsRateLimited(&googleapi.Error{Code: http.StatusForbidden}))
	assert.False(t, IsRateLimited(errors.New("plain")))
}

func TestPublicURL(t *testing.T) {
	assert.Equal(t,
		"https://storage.googleapis.com/datasheet-image-files/my-sheet/0.png",
		PublicURL("datasheet-image-files", "my-sheet/0.png"))
}
