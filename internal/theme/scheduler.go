package theme

import (
	"time"

	"nocturne/internal/eventloop"
)

// DefaultFrameInterval is one display frame at 60Hz.
const DefaultFrameInterval = 16 * time.Millisecond

// Scheduler is a single slot trailing throttle on the event loop. The first
// Schedule arms a timer for one interval; later calls only replace the
// pending task, so the timer runs whichever task was submitted last.
type Scheduler struct {
	loop     *eventloop.Loop
	interval time.Duration
	timer    *eventloop.Timer
	task     func()
}

// NewScheduler returns a scheduler firing interval after the first request.
func NewScheduler(loop *eventloop.Loop, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &Scheduler{loop: loop, interval: interval}
}

// Schedule sets task as the pending task.
func (s *Scheduler) Schedule(task func()) {
	s.task = task
	if s.timer != nil {
		return
	}
	s.timer = s.loop.AfterFunc(s.interval, s.fire)
}

func (s *Scheduler) fire() {
	task := s.task
	s.task = nil
	s.timer = nil
	if task != nil {
		task()
	}
}

// Pending reports whether a task is waiting to run.
func (s *Scheduler) Pending() bool { return s.timer != nil }

// Cancel drops the pending task.
func (s *Scheduler) Cancel() {
	s.timer.Stop()
	s.timer = nil
	s.task = nil
}
