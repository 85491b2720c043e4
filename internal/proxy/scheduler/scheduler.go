// Package scheduler combines the retransmit queue's head timeout with the
// ping-interval deadline into one "how long until something needs to
// happen" duration.
//
// There is no goroutine-per-timer here, just one duration computed fresh
// each loop iteration: a cooperative scheduler the dispatch loop can feed
// straight into its read deadline.
package scheduler

import (
	"time"

	"github.com/FanatiQS/wireless-atem-camera-control-and-tally-sub000/internal/proxy/retransmit"
)

// Scheduler tracks the two deadlines the proxy's dispatch loop must race
// against: the retransmit queue's head timeout, and the next scheduled
// ping broadcast.
type Scheduler struct {
	queue        *retransmit.Queue
	pingInterval time.Duration
	nextPing     time.Time
}

// New creates a Scheduler for queue, with the first ping scheduled one
// pingInterval after now.
func New(queue *retransmit.Queue, pingInterval time.Duration, now time.Time) *Scheduler {
	return &Scheduler{
		queue:        queue,
		pingInterval: pingInterval,
		nextPing:     now.Add(pingInterval),
	}
}

// NextPingAt returns the next scheduled ping broadcast deadline. Callers
// that track the connected-session count themselves (the server dispatch
// loop) use this instead of TimeToNextEvent when no session is connected;
// the Scheduler itself has no notion of session count.
func (s *Scheduler) NextPingAt() time.Time { return s.nextPing }

// TimeToNextEvent returns how long the caller may safely block (e.g. in a
// socket read with a deadline) before either the retransmit queue or the
// ping interval needs attention. It never returns a negative duration; an
// already-elapsed deadline yields 0, telling the caller to service it
// immediately instead of blocking.
func (s *Scheduler) TimeToNextEvent(now time.Time) time.Duration {
	deadline := s.nextPing
	if head := s.queue.Head(); head != nil && head.Timeout.Before(deadline) {
		deadline = head.Timeout
	}
	if !deadline.After(now) {
		return 0
	}
	return deadline.Sub(now)
}

// PingDue reports whether the ping deadline has elapsed, and if so,
// reschedules the next one pingInterval later (a free-running fixed
// cadence, not "pingInterval after the ping actually fired").
func (s *Scheduler) PingDue(now time.Time) bool {
	if s.nextPing.After(now) {
		return false
	}
	for !s.nextPing.After(now) {
		s.nextPing = s.nextPing.Add(s.pingInterval)
	}
	return true
}

// RetransmitDue reports whether the retransmit queue's head has an elapsed
// timeout, without consuming it; the caller still must call queue.ExpireOnce
// to actually process it.
func (s *Scheduler) RetransmitDue(now time.Time) bool {
	head := s.queue.Head()
	return head != nil && !head.Timeout.After(now)
}
