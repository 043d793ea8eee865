package tools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker()
	for i := 0; i < 4; i++ {
		b.RecordFailure()
		assert.Equal(t, Closed, b.State())
	}
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerHalfOpensAfterResetWindow(t *testing.T) {
	fakeNow := time.Now()
	b := NewBreaker()
	b.now = func() time.Time { return fakeNow }
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, Open, b.State())

	fakeNow = fakeNow.Add(61 * time.Second)
	assert.Equal(t, HalfOpen, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	fakeNow := time.Now()
	b := NewBreaker()
	b.now = func() time.Time { return fakeNow }
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	fakeNow = fakeNow.Add(61 * time.Second)
	b.State() // trigger half-open transition
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
}

func TestBreakerClosesAfterConsecutiveHalfOpenSuccesses(t *testing.T) {
	fakeNow := time.Now()
	b := NewBreaker()
	b.now = func() time.Time { return fakeNow }
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	fakeNow = fakeNow.Add(61 * time.Second)
	b.State()
	b.RecordSuccess()
	b.RecordSuccess()
	assert.Equal(t, HalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
}
