package orchestrate

import "sync/atomic"

// Stats is a point-in-time snapshot of orchestrator activity, surfaced by
// the admin stats/dashboard endpoints supplemented from
// original_source/handlers/metrics_command.py (SPEC_FULL.md §2/C4).
type Stats struct {
	JobsStarted   int64 `json:"jobs_started"`
	JobsCompleted int64 `json:"jobs_completed"`
	JobsFailed    int64 `json:"jobs_failed"`
	InFlight      int64 `json:"in_flight"`
}

// counters holds the atomics [Service.Stats] reads and [Service.RunJob]
// updates. A plain struct of int64s guarded by
// atomic ops is the right tool here — this is in-process point-in-time
// activity, not data anything needs to survive a restart.
type counters struct {
	started   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	inFlight  atomic.Int64
}

// Stats returns the current activity snapshot.
func (s *Service) Stats() Stats {
	return Stats{
		JobsStarted:   s.counters.started.Load(),
		JobsCompleted: s.counters.completed.Load(),
		JobsFailed:    s.counters.failed.Load(),
		InFlight:      s.counters.inFlight.Load(),
	}
}
