package flow

import (
	"container/list"

	"github.com/flowmux/flowmux/configuration"
)

// scheduler holds one FIFO deque of SendFlows per priority level and
// drains them highest-priority-first, round-robining within a level, per
// spec.md §4.1 ("eight priority levels ... flows at the same priority are
// served round-robin").
type scheduler struct {
	queues [configuration.NumPriorities]*list.List
}

func newScheduler() *scheduler {
	s := &scheduler{}
	for i := range s.queues {
		s.queues[i] = list.New()
	}
	return s
}

// enqueue adds sf to the back of its priority's queue, unless it is
// already queued.
func (s *scheduler) enqueue(sf *SendFlow) {
	if sf.inQueue {
		return
	}
	sf.inQueue = true
	s.queues[sf.priority].PushBack(sf)
}

// remove drops sf from whatever queue it is in, if any; used when a flow
// is torn down while still scheduled.
func (s *scheduler) remove(sf *SendFlow) {
	if !sf.inQueue {
		return
	}
	for e := s.queues[sf.priority].Front(); e != nil; e = e.Next() {
		if e.Value.(*SendFlow) == sf {
			s.queues[sf.priority].Remove(e)
			break
		}
	}
	sf.inQueue = false
}

// empty reports whether every priority queue is empty.
func (s *scheduler) empty() bool {
	for _, q := range s.queues {
		if q.Len() > 0 {
			return false
		}
	}
	return true
}

// runPass performs one scheduling pass: starting from the highest
// priority with pending flows, it pops each flow in turn, calls transmit
// on it, and re-enqueues it at the back of its (possibly changed)
// priority if transmit reports more pending work. The pass stops once
// should Stop returns true (the outstanding-bytes congestion cap, the
// per-pass byte cap, or a carrier backpressure signal) or every queue is
// drained.
//
// Flows are dequeued (not merely peeked) before transmit so that a flow
// which enqueues itself again mid-call (e.g. from within transmit) joins
// the back of the line rather than being visited twice in one pass.
func (s *scheduler) runPass(shouldStop func() bool) {
	for level := configuration.NumPriorities - 1; level >= 0; level-- {
		q := s.queues[level]
		for q.Len() > 0 {
			if shouldStop != nil && shouldStop() {
				return
			}
			front := q.Front()
			sf := front.Value.(*SendFlow)
			q.Remove(front)
			sf.inQueue = false

			more := sf.transmit(sf.priority)
			if more {
				s.enqueue(sf)
				if sf.priority != Priority(level) {
					// priority changed mid-transmit; restart the scan
					// from the top so higher levels still drain first.
					level = configuration.NumPriorities
					break
				}
			}
		}
	}
}
