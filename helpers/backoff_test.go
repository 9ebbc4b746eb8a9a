package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	t.Parallel()

	b := &Backoff{Min: time.Second, Max: 5 * time.Second, K: 2}
	assert.Equal(t, time.Duration(0), b.DelayBefore(), "first delay is always 0")

	b.Failure()
	d1 := b.DelayBefore()
	assert.True(t, d1 > 900*time.Millisecond && d1 <= time.Second, "d1=%v", d1)

	b.Failure()
	b.Failure()
	b.Failure()
	d4 := b.DelayBefore()
	assert.True(t, d4 > 4*time.Second && d4 <= 5*time.Second, "max limit d4=%v", d4)

	b.Update(true)
	assert.Equal(t, time.Duration(0), b.DelayBefore())
}

func TestBackoffElapsed(t *testing.T) {
	t.Parallel()

	b := &Backoff{Min: time.Millisecond, Max: time.Millisecond, K: 2}
	b.Failure()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, time.Duration(0), b.DelayBefore())
}
