// Package admission asks an external gate for a generation slot on a proxy
// server before generation-class calls. The gate is a throttle: errors are
// logged and the call proceeds.
package admission

import (
	"context"
	"time"

	"genproxy/internal/domain"
	"genproxy/internal/infra"
	"genproxy/internal/metrics"
)

// Gate is the external slot primitive, keyed by server URL and cooldown.
type Gate interface {
	RequestSlot(ctx context.Context, serverURL string, cooldown time.Duration) error
}

// Options configures a Controller.
type Options struct {
	Gate     Gate
	Cooldown time.Duration
	Metrics  *metrics.Recorder
	Logger   *infra.Logger
}

// Controller wraps a Gate with the best-effort policy.
type Controller struct {
	gate     Gate
	cooldown time.Duration
	metrics  *metrics.Recorder
	logger   *infra.Logger
}

func NewController(opts Options) *Controller {
	gate := opts.Gate
	if gate == nil {
		gate = NoopGate{}
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	return &Controller{
		gate:     gate,
		cooldown: cooldown,
		metrics:  opts.Metrics,
		logger:   infra.LoggerOrDiscard(opts.Logger),
	}
}

// AcquireSlot requests a slot on server and reports whether it was granted.
// A false result never blocks the caller.
func (c *Controller) AcquireSlot(ctx context.Context, server domain.ServerEndpoint) bool {
	url := domain.NormalizeServerURL(server.URL)
	if err := c.gate.RequestSlot(ctx, url, c.cooldown); err != nil {
		c.metrics.SoftFailure(metrics.SubsystemAdmission)
		c.logger.Warn().Err(err).Str("server", url).Msg("admission: slot request failed, proceeding")
		return false
	}
	c.logger.Debug().Str("server", url).Msg("admission: slot granted")
	return true
}

// NoopGate grants every request.
type NoopGate struct{}

func (NoopGate) RequestSlot(context.Context, string, time.Duration) error { return nil }
