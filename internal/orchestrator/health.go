package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"genproxy/internal/domain"
	"genproxy/internal/infra"
)

const healthProbePrompt = "A short clip of ocean waves at sunset"

// HealthResult is the outcome of probing one server.
type HealthResult struct {
	Server  string
	OK      bool
	Tier    domain.ModelTier
	Kind    domain.ErrorKind
	Err     error
	Latency time.Duration
}

// HealthChecker probes servers with a real text to video dispatch.
type HealthChecker struct {
	dispatcher  *Dispatcher
	concurrency int
	logger      *infra.Logger
}

func NewHealthChecker(d *Dispatcher, concurrency int, logger *infra.Logger) *HealthChecker {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &HealthChecker{dispatcher: d, concurrency: concurrency, logger: infra.LoggerOrDiscard(logger)}
}

// Sweep probes every server, each pinned explicitly, and returns results in
// the order of servers.
func (h *HealthChecker) Sweep(ctx context.Context, caller domain.Caller, servers []domain.ServerEndpoint, explicitToken string) []HealthResult {
	results := make([]HealthResult, len(servers))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)
	for i, server := range servers {
		g.Go(func() error {
			results[i] = h.probe(ctx, caller, server, explicitToken)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (h *HealthChecker) probe(ctx context.Context, caller domain.Caller, server domain.ServerEndpoint, explicitToken string) HealthResult {
	start := time.Now()
	job, err := h.dispatcher.GenerateVideo(ctx, Dispatch{Caller: caller, Server: server, ExplicitToken: explicitToken}, domain.GenerationRequest{
		Kind:        domain.KindTextToVideo,
		Prompt:      healthProbePrompt,
		AspectRatio: domain.AspectLandscape,
	})
	res := HealthResult{Server: server.URL, Latency: time.Since(start)}
	if err != nil {
		res.Err = err
		res.Kind = domain.Classify(err)
		h.logger.Warn().Err(err).Str("server", server.URL).Msg("health: probe failed")
		return res
	}
	res.OK = true
	res.Tier = job.Tier
	h.logger.Info().Str("server", server.URL).Str("tier", string(job.Tier)).Dur("latency", res.Latency).Msg("health: probe ok")
	return res
}
