// Package eventloop provides the single-threaded cooperative scheduler every
// document reaction runs on: a FIFO task queue plus clock-driven timers.
package eventloop

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Loop runs posted tasks and expired timers one at a time. Post, AfterFunc
// and Go may be called from any goroutine; tasks themselves always run on
// the goroutine that calls RunPending, Run or RunUntilIdle.
type Loop struct {
	clock  clockwork.Clock
	logger *zap.Logger

	mu       sync.Mutex
	tasks    []func()
	timers   timerHeap
	seq      uint64
	inflight int
	wake     chan struct{}
}

// Timer is a pending AfterFunc callback.
type Timer struct {
	loop     *Loop
	deadline time.Time
	seq      uint64
	fn       func()
	index    int
}

// New creates a loop driven by clock. A nil clock means the real clock.
func New(clock clockwork.Clock, logger *zap.Logger) *Loop {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		clock:  clock,
		logger: logger.Named("eventloop"),
		wake:   make(chan struct{}, 1),
	}
}

// Clock returns the clock timers are measured against.
func (l *Loop) Clock() clockwork.Clock { return l.clock }

// Post queues fn to run after every task already queued.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.signal()
}

// AfterFunc queues fn to run once d has elapsed on the loop clock.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	if d < 0 {
		d = 0
	}
	l.mu.Lock()
	l.seq++
	t := &Timer{
		loop:     l,
		deadline: l.clock.Now().Add(d),
		seq:      l.seq,
		fn:       fn,
		index:    -1,
	}
	heap.Push(&l.timers, t)
	l.mu.Unlock()
	l.signal()
	return t
}

// Stop cancels the timer. It reports whether the timer was still pending.
func (t *Timer) Stop() bool {
	if t == nil || t.loop == nil {
		return false
	}
	l := t.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&l.timers, t.index)
	return true
}

// Go runs work on a helper goroutine and posts the continuation it returns
// back onto the loop. The loop is not idle while work is outstanding.
func (l *Loop) Go(work func() func()) {
	if work == nil {
		return
	}
	l.mu.Lock()
	l.inflight++
	l.mu.Unlock()
	go func() {
		cont := work()
		l.mu.Lock()
		l.inflight--
		if cont != nil {
			l.tasks = append(l.tasks, cont)
		}
		l.mu.Unlock()
		l.signal()
	}()
}

// Idle reports whether there is nothing queued, scheduled or in flight.
func (l *Loop) Idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks) == 0 && l.timers.Len() == 0 && l.inflight == 0
}

// RunPending runs queued tasks and due timers until none are left and
// returns how many callbacks ran. Timers scheduled in the future stay put.
func (l *Loop) RunPending() int {
	ran := 0
	for {
		fn := l.next()
		if fn == nil {
			return ran
		}
		fn()
		ran++
	}
}

// Run processes callbacks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.RunPending()
		if err := l.wait(ctx); err != nil {
			return err
		}
	}
}

// RunUntilIdle processes callbacks until the loop is idle or ctx is done.
func (l *Loop) RunUntilIdle(ctx context.Context) error {
	for {
		l.RunPending()
		if l.Idle() {
			return nil
		}
		if err := l.wait(ctx); err != nil {
			l.logger.Debug("loop not idle before deadline", zap.Error(err))
			return err
		}
	}
}

func (l *Loop) next() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) > 0 {
		fn := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		return fn
	}
	if l.timers.Len() > 0 && !l.timers[0].deadline.After(l.clock.Now()) {
		t := heap.Pop(&l.timers).(*Timer)
		return t.fn
	}
	return nil
}

func (l *Loop) wait(ctx context.Context) error {
	l.mu.Lock()
	var delay time.Duration
	hasTimer := l.timers.Len() > 0
	if hasTimer {
		delay = l.timers[0].deadline.Sub(l.clock.Now())
	}
	ready := len(l.tasks) > 0 || (hasTimer && delay <= 0)
	l.mu.Unlock()
	if ready {
		return ctx.Err()
	}

	if !hasTimer {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
			return nil
		}
	}
	timer := l.clock.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.wake:
	case <-timer.Chan():
	}
	return nil
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
