package nats

import (
	"time"

	"github.com/google/uuid"
)

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// Stream names.
const (
	StreamSync   = "PLANPILOT_SYNC"
	StreamEvents = "PLANPILOT_EVENTS"
)

// Subject constants.
const (
	SubjectSyncJobs  = "planpilot.sync.jobs"
	SubjectSyncEvent = "planpilot.events.sync"
)

// SyncJobMessage is published to enqueue a sync run. The work queue
// stream plus a single durable consumer keeps runs serialized.
type SyncJobMessage struct {
	JobID       uuid.UUID `json:"job_id"`
	Full        bool      `json:"full"`
	RequestedAt time.Time `json:"requested_at"`
}

// SyncCompletedEvent is published after a sync run finishes, for audit
// trails and external observers.
type SyncCompletedEvent struct {
	JobID     uuid.UUID     `json:"job_id"`
	Status    string        `json:"status"`
	Full      bool          `json:"full"`
	Added     int           `json:"added"`
	Updated   int           `json:"updated"`
	Unchanged int           `json:"unchanged"`
	Deleted   int           `json:"deleted"`
	Pages     int           `json:"pages"`
	Embedded  int           `json:"embedded"`
	Removed   int           `json:"removed"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}
