package orchestrator

import (
	"context"
	"fmt"
	"time"

	"genproxy/internal/domain"
	"genproxy/internal/infra"
	"genproxy/internal/providers/flow"
)

// StatusBackend is the part of Backend the poller needs.
type StatusBackend interface {
	Status(ctx context.Context, t flow.Target, handles []domain.OperationHandle) (domain.StatusSnapshot, error)
}

// Poller fetches operation status with the pair that created the job.
type Poller struct {
	backend StatusBackend
	logger  *infra.Logger
}

func NewPoller(backend StatusBackend, logger *infra.Logger) *Poller {
	return &Poller{backend: backend, logger: infra.LoggerOrDiscard(logger)}
}

// Poll fetches the status of job once. pair must equal the pair returned by
// the dispatch that created job; anything else is rejected before any call
// is made. Poll does not retry.
func (p *Poller) Poll(ctx context.Context, caller domain.Caller, job *domain.VideoJob, pair domain.AffinityPair) (domain.StatusSnapshot, error) {
	if job == nil || len(job.Operations) == 0 {
		return domain.StatusSnapshot{}, fmt.Errorf("poll: no operations to poll")
	}
	if !pair.Valid() || !job.Affinity.Equal(pair) {
		p.logger.Error().
			Str("job_server", job.Affinity.Server.URL).
			Str("poll_server", pair.Server.URL).
			Msg("poll: affinity pair does not match dispatch")
		return domain.StatusSnapshot{}, domain.ErrAffinityViolation
	}
	target := flow.Target{Server: pair.Server, Token: pair.Token.Token, Username: caller.Username}
	return p.backend.Status(ctx, target, job.Operations)
}

// Await polls job every interval until all operations are terminal or ctx
// ends. Refreshed handles replace job.Operations between polls.
func (p *Poller) Await(ctx context.Context, caller domain.Caller, job *domain.VideoJob, interval time.Duration) (domain.StatusSnapshot, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	pair := job.Affinity
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		snap, err := p.Poll(ctx, caller, job, pair)
		if err != nil {
			return snap, err
		}
		if len(snap.Handles) > 0 {
			job.Operations = snap.Handles
		}
		if snap.Terminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}
