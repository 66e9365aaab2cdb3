package eventloop

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostRunsInOrder(t *testing.T) {
	l := New(clockwork.NewFakeClock(), nil)
	var got []int
	l.Post(func() { got = append(got, 1) })
	l.Post(func() {
		got = append(got, 2)
		l.Post(func() { got = append(got, 4) })
	})
	l.Post(func() { got = append(got, 3) })

	assert.Equal(t, 4, l.RunPending())
	assert.Equal(t, []int{1, 2, 3, 4}, got)
	assert.True(t, l.Idle())
}

func TestAfterFuncWaitsForClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := New(clock, nil)
	fired := 0
	l.AfterFunc(16*time.Millisecond, func() { fired++ })

	l.RunPending()
	require.Equal(t, 0, fired)
	require.False(t, l.Idle())

	clock.Advance(15 * time.Millisecond)
	l.RunPending()
	require.Equal(t, 0, fired)

	clock.Advance(time.Millisecond)
	l.RunPending()
	assert.Equal(t, 1, fired)
	assert.True(t, l.Idle())
}

func TestTimerStop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := New(clock, nil)
	fired := false
	tm := l.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())
	clock.Advance(2 * time.Second)
	l.RunPending()
	assert.False(t, fired)
	assert.True(t, l.Idle())
}

func TestTimersFireByDeadlineThenSequence(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := New(clock, nil)
	var got []string
	l.AfterFunc(2*time.Millisecond, func() { got = append(got, "late") })
	l.AfterFunc(time.Millisecond, func() { got = append(got, "first") })
	l.AfterFunc(time.Millisecond, func() { got = append(got, "second") })

	clock.Advance(5 * time.Millisecond)
	l.RunPending()
	assert.Equal(t, []string{"first", "second", "late"}, got)
}

func TestGoPostsContinuation(t *testing.T) {
	l := New(clockwork.NewRealClock(), nil)
	result := ""
	l.Go(func() func() {
		v := "fetched"
		return func() { result = v }
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.RunUntilIdle(ctx))
	assert.Equal(t, "fetched", result)
}

func TestRunUntilIdleHonoursContext(t *testing.T) {
	l := New(clockwork.NewRealClock(), nil)
	l.AfterFunc(time.Hour, func() {})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.RunUntilIdle(ctx), context.DeadlineExceeded)
}
