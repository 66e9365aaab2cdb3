package theme

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"

	"nocturne/internal/eventloop"
	"nocturne/internal/sheet"
)

func vars(pairs ...string) []sheet.Variable {
	out := make([]sheet.Variable, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, sheet.Variable{Name: pairs[i], Value: pairs[i+1]})
	}
	return out
}

func TestVariablesResolveOneLevel(t *testing.T) {
	v := NewVariables()
	v.Update(vars("--a", "1px", "--b", "var(--a)"))

	b, ok := v.Get("--b")
	assert.True(t, ok)
	assert.Equal(t, "1px", b)
	assert.Equal(t, 2, v.Len())
}

func TestVariablesSinglePass(t *testing.T) {
	v := NewVariables()
	v.Update(vars("--c", "var(--b)", "--b", "var(--a)", "--a", "1px"))

	c, _ := v.Get("--c")
	assert.Equal(t, "var(--a)", c, "one pass only resolves one level for earlier entries")
	b, _ := v.Get("--b")
	assert.Equal(t, "1px", b)

	v.Update(nil)
	c, _ = v.Get("--c")
	assert.Equal(t, "var(--a)", c, "an empty update makes no pass")

	v.Update(vars("--d", "0"))
	c, _ = v.Get("--c")
	assert.Equal(t, "1px", c)
}

func TestVariablesFallbacksAndOverwrite(t *testing.T) {
	v := NewVariables()
	v.Update(vars("--a", "var(--missing, 2px)", "--b", "var(--missing)", "--c", "red"))
	a, _ := v.Get("--a")
	b, _ := v.Get("--b")
	assert.Equal(t, "2px", a)
	assert.Equal(t, "var(--missing)", b)

	v.Update(vars("--c", "blue"))
	assert.Equal(t, map[string]string{"--a": "2px", "--b": "var(--missing)", "--c": "blue"}, v.Map())
	assert.Equal(t, 3, v.Len())

	v.Reset()
	assert.Zero(t, v.Len())
	assert.Empty(t, v.Map())
}

func TestSchedulerRunsLatestOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	loop := eventloop.New(clock, nil)
	s := NewScheduler(loop, 0)

	var ran []int
	for i := 1; i <= 5; i++ {
		n := i
		s.Schedule(func() { ran = append(ran, n) })
	}
	assert.True(t, s.Pending())

	clock.Advance(DefaultFrameInterval - time.Millisecond)
	loop.RunPending()
	assert.Empty(t, ran)

	clock.Advance(time.Millisecond)
	loop.RunPending()
	assert.Equal(t, []int{5}, ran)
	assert.False(t, s.Pending())

	clock.Advance(time.Second)
	loop.RunPending()
	assert.Equal(t, []int{5}, ran)
}

func TestSchedulerCancel(t *testing.T) {
	clock := clockwork.NewFakeClock()
	loop := eventloop.New(clock, nil)
	s := NewScheduler(loop, 10*time.Millisecond)

	ran := 0
	s.Schedule(func() { ran++ })
	s.Cancel()
	s.Cancel()
	clock.Advance(time.Second)
	loop.RunPending()
	assert.Zero(t, ran)

	s.Schedule(func() { ran++ })
	clock.Advance(10 * time.Millisecond)
	loop.RunPending()
	assert.Equal(t, 1, ran)
}
