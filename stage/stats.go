package stage

import "go.uber.org/atomic"

type statistics struct {
	inMessages      *atomic.Int64
	outMessages     *atomic.Int64
	droppedMessages *atomic.Int64
	inRequests      *atomic.Int64
	timersFired     *atomic.Int64
	leaseChanges    *atomic.Int64
}

func newStatistics() *statistics {
	return &statistics{
		inMessages:      atomic.NewInt64(0),
		outMessages:     atomic.NewInt64(0),
		droppedMessages: atomic.NewInt64(0),
		inRequests:      atomic.NewInt64(0),
		timersFired:     atomic.NewInt64(0),
		leaseChanges:    atomic.NewInt64(0),
	}
}

// Stats is a snapshot of the stage counters.
type Stats struct {
	InMessages      int64 `json:"in_messages"`
	OutMessages     int64 `json:"out_messages"`
	DroppedMessages int64 `json:"dropped_messages"`
	InRequests      int64 `json:"in_requests"`
	TimersFired     int64 `json:"timers_fired"`
	LeaseChanges    int64 `json:"lease_changes"`
	QueueLength     int   `json:"queue_length"`
	Running         bool  `json:"running"`
}

func (s *Stage) Stats() Stats {
	return Stats{
		InMessages:      s.stats.inMessages.Load(),
		OutMessages:     s.stats.outMessages.Load(),
		DroppedMessages: s.stats.droppedMessages.Load(),
		InRequests:      s.stats.inRequests.Load(),
		TimersFired:     s.stats.timersFired.Load(),
		LeaseChanges:    s.stats.leaseChanges.Load(),
		QueueLength:     s.queue.len(),
		Running:         s.running.Load(),
	}
}
