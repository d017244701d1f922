package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_AdvanceFiresInOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(5*time.Second, func() { fired = append(fired, "c") })

	c.Advance(3 * time.Second)

	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 1, c.Pending())
	assert.Equal(t, start.Add(3*time.Second), c.Now())
	assert.Equal(t, []time.Duration{2 * time.Second, time.Second, 5 * time.Second}, c.Scheduled())
}

func TestFake_StopPreventsFire(t *testing.T) {
	c := NewFake(time.Now())
	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	c.Advance(time.Minute)

	assert.False(t, called)
	assert.Equal(t, 0, c.Pending())
}

func TestFake_CallbackCanReschedule(t *testing.T) {
	c := NewFake(time.Now())
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, tick)
		}
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(10 * time.Second)

	assert.Equal(t, 3, count)
	assert.Equal(t, 0, c.Pending())
}
