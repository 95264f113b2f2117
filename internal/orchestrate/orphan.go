package orchestrate

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/MrWong99/voxscribe/internal/store"
)

// orphanSweepBatchSize bounds a single sweep pass; a sweep that finds more
// than this many stuck jobs repairs the oldest batch and leaves the rest for
// the next invocation.
const orphanSweepBatchSize = 500

// SweepOrphanedJobs walks pending/processing jobs older than the
// orchestrator's configured OrphanAfter window, marks each failed, and
// credits the billed minutes back to the owning user (spec.md §4.4.6). It is
// invoked on demand by an admin command and, optionally, on a timer.
func (s *Service) SweepOrphanedJobs(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.currentLimits().OrphanAfter)

	jobs, err := s.store.GetStuckJobs(ctx, cutoff, orphanSweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("orchestrate: orphan sweep: list stuck jobs: %w", err)
	}

	swept := 0
	for _, job := range jobs {
		if err := s.refundAndFailOrphan(ctx, &job); err != nil {
			slog.Error("orphan sweep failed to repair job", "job_id", job.ID, "error", err)
			continue
		}
		swept++
	}
	return swept, nil
}

func (s *Service) refundAndFailOrphan(ctx context.Context, job *store.Job) error {
	billedMinutes := math.Ceil(job.DeclaredSeconds / 60)
	if billedMinutes > 0 {
		if _, err := s.store.UpdateBalance(ctx, job.UserID, billedMinutes*60); err != nil {
			return fmt.Errorf("credit back minutes: %w", err)
		}
	}

	err := s.store.UpdateJobStatus(ctx, job.ID, store.JobFailed, "orphaned: exceeded processing window", "orphan sweep", "")
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}

	slog.Warn("orphaned job repaired", "job_id", job.ID, "user_id", job.UserID, "credited_minutes", billedMinutes)
	return nil
}
