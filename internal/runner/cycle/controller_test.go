package cycle

import (
	"context"
	"testing"
	"time"

	"github.com/cryptonhq/crypton/internal/platform/eventlog"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestBackoffDurationGrowsExponentiallyAndCaps(t *testing.T) {
	assert.Equal(t, 10*time.Minute, backoffDuration(1, 60))
	assert.Equal(t, 20*time.Minute, backoffDuration(2, 60))
	assert.Equal(t, 60*time.Minute, backoffDuration(10, 60), "must cap at configured max")
}

func TestIndexOfFixedStepOrder(t *testing.T) {
	assert.Equal(t, 0, indexOf(stepOrder[0]))
	assert.Equal(t, len(stepOrder)-1, indexOf(stepOrder[len(stepOrder)-1]))
}

func TestHandleStepFailureBackoffAbortsOnCancel(t *testing.T) {
	c := New(zerolog.Nop(), nil, nil, nil, nil, nil, eventlog.NewBus(), "", Config{
		RetryMax:          5,
		BackoffCapMinutes: 60,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	ok := c.handleStepFailure(ctx, stepOrder[0], &StepRecord{Step: string(stepOrder[0])})
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second, "a cancelled context must abort the backoff wait immediately")
}
