package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/planpilot-ai/planpilot/internal/nats"
)

// Scheduler enqueues an incremental sync on a fixed interval. Manual
// runs requested through the admin API share the same queue, so the
// worker never executes two runs at once.
type Scheduler struct {
	publisher *nats.Publisher
	interval  time.Duration
}

// NewScheduler creates a scheduler publishing every interval.
func NewScheduler(publisher *nats.Publisher, interval time.Duration) *Scheduler {
	return &Scheduler{publisher: publisher, interval: interval}
}

// Start publishes incremental sync jobs until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("sync scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("sync scheduler stopped")
			return
		case <-ticker.C:
			job := nats.SyncJobMessage{
				JobID:       uuid.New(),
				Full:        false,
				RequestedAt: time.Now().UTC(),
			}
			if err := s.publisher.PublishSyncJob(ctx, job); err != nil {
				slog.Warn("enqueuing scheduled sync", "error", err)
				continue
			}
			slog.Debug("scheduled sync enqueued", "job_id", job.JobID)
		}
	}
}
