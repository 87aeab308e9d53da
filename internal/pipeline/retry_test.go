package pipeline

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dgallion1/docextract/internal/extract"
)

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&extract.RetryableError{StatusCode: 429}))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", &extract.RetryableError{StatusCode: 503})))
	assert.False(t, IsRetryable(errors.New("plain failure")))
	assert.False(t, IsRetryable(nil))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	for attempt := 0; attempt < 8; attempt++ {
		d := Backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Second, "attempt %d", attempt)
		assert.LessOrEqual(t, d, 45*time.Second, "attempt %d", attempt)
	}
	// The jittered floor still grows with the attempt number.
	assert.GreaterOrEqual(t, Backoff(3), 8*time.Second)
}
