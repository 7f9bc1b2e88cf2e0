package handlers

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"genproxy/internal/cache"
	"genproxy/internal/domain"
)

// JobRegistry keeps dispatched video jobs server side so polling always
// uses the affinity pair of the dispatch, never one chosen by the client.
type JobRegistry struct {
	jobs *cache.TTL[*registeredJob]
}

type registeredJob struct {
	mu    sync.Mutex
	owner string
	job   *domain.VideoJob
}

func NewJobRegistry(ttl time.Duration) *JobRegistry {
	return &JobRegistry{jobs: cache.NewTTL[*registeredJob](ttl)}
}

// Register stores job for owner and returns its id.
func (r *JobRegistry) Register(owner string, job *domain.VideoJob) string {
	id := uuid.NewString()
	r.jobs.Set(id, &registeredJob{owner: owner, job: job})
	return id
}

// lookup returns the job when it exists and belongs to owner.
func (r *JobRegistry) lookup(owner, id string) (*registeredJob, bool) {
	entry, ok := r.jobs.Get(id)
	if !ok || entry.Value.owner != owner {
		return nil, false
	}
	return entry.Value, true
}

// Purge drops expired jobs.
func (r *JobRegistry) Purge() int {
	return r.jobs.Purge()
}
