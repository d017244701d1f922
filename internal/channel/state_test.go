package channel

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"channelgate/internal/clock"
	"channelgate/internal/models"
	"channelgate/internal/retry"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.ConnectionStatus
		want     bool
	}{
		{models.StatusDisconnected, models.StatusConnecting, true},
		{models.StatusDisconnected, models.StatusConnected, false},
		{models.StatusDisconnected, models.StatusError, false},
		{models.StatusConnecting, models.StatusConnected, true},
		{models.StatusConnecting, models.StatusError, true},
		{models.StatusConnected, models.StatusDisconnected, true},
		{models.StatusConnected, models.StatusError, true},
		{models.StatusConnected, models.StatusConnecting, false},
		{models.StatusError, models.StatusConnecting, true},
		{models.StatusError, models.StatusDisconnected, true},
		{models.StatusError, models.StatusConnected, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStateMachine_Transition(t *testing.T) {
	sm := NewStateMachine(retry.NewPolicy(retry.DefaultReconnectConfig()), clock.NewFake(time.Now()))

	_, changed, err := sm.Transition(models.StatusDisconnected)
	require.NoError(t, err)
	assert.False(t, changed)

	_, _, err = sm.Transition(models.StatusConnected)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	from, changed, err := sm.Transition(models.StatusConnecting)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.StatusDisconnected, from)
}

func TestStateMachine_InvalidateMakesRetryStale(t *testing.T) {
	fake := clock.NewFake(time.Now())
	sm := NewStateMachine(retry.NewPolicy(retry.DefaultReconnectConfig()), fake)

	gen := sm.Generation()
	fired := false
	d := sm.ScheduleRetry(gen, func() { fired = true })
	require.True(t, d.Scheduled)
	assert.Equal(t, time.Second, d.Delay)
	assert.True(t, sm.RetryPending())

	sm.Invalidate()
	fake.Advance(time.Minute)

	assert.False(t, fired)
	assert.False(t, sm.RetryPending())
	assert.True(t, sm.ScheduleRetry(gen, func() {}).Stale)
}
