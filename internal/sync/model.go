// Package sync pulls entities from Planfix into the local store. Runs
// are serialized, page-checkpointed, and resumable: a crashed or
// rate-limited run picks up from the last committed page instead of
// replaying work it already persisted.
package sync

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/planpilot-ai/planpilot/internal/entity"
)

// ErrSyncRunning is returned when a run is requested while another is
// already in progress.
var ErrSyncRunning = errors.New("a sync run is already in progress")

// ErrRunNotFound is returned when no run exists for the given ID.
var ErrRunNotFound = errors.New("sync run not found")

// RunStatus is the lifecycle state of a sync run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// kindDone marks a kind whose listing pass finished, in the checkpoint.
const kindDone = -1

// Job is a request to run a sync. The job ID doubles as the run ID so
// a redelivered job resumes its own run instead of starting over.
type Job struct {
	ID          uuid.UUID `json:"id"`
	Full        bool      `json:"full"`
	RequestedAt time.Time `json:"requested_at"`
}

// Run is the durable record of one sync execution. The checkpoint maps
// each kind to the next page offset to fetch; kindDone means the kind
// is finished. Counters are committed together with the checkpoint so
// a resumed run reports totals across attempts.
type Run struct {
	ID         uuid.UUID           `json:"id"`
	Full       bool                `json:"full"`
	Seq        int64               `json:"seq"`
	Status     RunStatus           `json:"status"`
	Since      *time.Time          `json:"since,omitempty"`
	Checkpoint map[entity.Kind]int `json:"checkpoint"`
	Pages      int                 `json:"pages"`
	Added      int                 `json:"added"`
	Updated    int                 `json:"updated"`
	Unchanged  int                 `json:"unchanged"`
	Deleted    int                 `json:"deleted"`
	Error      string              `json:"error,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
}

// accumulator builds the run's change set with entity-level dedup, so
// an entity touched on two pages (offsets shift while paging) or seen
// again after a resume appears exactly once.
type accumulator struct {
	upserts  map[entity.Ref]entity.Entity
	inserted map[entity.Ref]bool
	deleted  map[entity.Ref]bool
}

func newAccumulator() *accumulator {
	return &accumulator{
		upserts:  map[entity.Ref]entity.Entity{},
		inserted: map[entity.Ref]bool{},
		deleted:  map[entity.Ref]bool{},
	}
}

func (a *accumulator) add(e entity.Entity) {
	ref := e.Ref()
	a.upserts[ref] = e
	a.inserted[ref] = true
	delete(a.deleted, ref)
}

func (a *accumulator) update(e entity.Entity) {
	ref := e.Ref()
	a.upserts[ref] = e
	delete(a.deleted, ref)
}

func (a *accumulator) remove(ref entity.Ref) {
	delete(a.upserts, ref)
	delete(a.inserted, ref)
	a.deleted[ref] = true
}

func (a *accumulator) size() int {
	return len(a.upserts) + len(a.deleted)
}

// changeSet materializes the accumulated delta in deterministic order.
func (a *accumulator) changeSet() *entity.ChangeSet {
	cs := &entity.ChangeSet{}
	for ref, e := range a.upserts {
		if a.inserted[ref] {
			cs.Added = append(cs.Added, e)
		} else {
			cs.Updated = append(cs.Updated, e)
		}
	}
	for ref := range a.deleted {
		cs.Deleted = append(cs.Deleted, ref)
	}
	sortEntities(cs.Added)
	sortEntities(cs.Updated)
	sortRefs(cs.Deleted)
	return cs
}

func sortEntities(es []entity.Entity) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].Kind != es[j].Kind {
			return es[i].Kind < es[j].Kind
		}
		return es[i].ExternalID < es[j].ExternalID
	})
}

func sortRefs(rs []entity.Ref) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Kind != rs[j].Kind {
			return rs[i].Kind < rs[j].Kind
		}
		return rs[i].ExternalID < rs[j].ExternalID
	})
}
