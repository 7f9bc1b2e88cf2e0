// Package bootstrap assembles the orchestrator services from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"genproxy/internal/adapter/repo"
	"genproxy/internal/admission"
	"genproxy/internal/cache"
	"genproxy/internal/captcha"
	"genproxy/internal/infra"
	"genproxy/internal/infra/credentials"
	"genproxy/internal/metrics"
	"genproxy/internal/orchestrator"
	"genproxy/internal/providers/flow"
	"genproxy/internal/routing"
	"genproxy/internal/storage"
)

// healthConcurrency bounds the servers probed at once by a sweep.
const healthConcurrency = 4

// Services is the wired object graph shared by the binaries.
type Services struct {
	Profiles    *repo.ProfileRepository
	Credentials *credentials.Store
	Captcha     *captcha.Provider
	Admission   *admission.Controller
	Selector    *routing.Selector
	Backend     *flow.Client
	Dispatcher  *orchestrator.Dispatcher
	Runner      *orchestrator.Runner
	Poller      *orchestrator.Poller
	Health      *orchestrator.HealthChecker
	Files       *storage.FileStore
	Metrics     *metrics.Recorder

	redis *redis.Client
}

// New wires every component. sql backs the profile store and, with the
// sql admission backend, the slot gate. Counters register with reg, or the
// default registry when reg is nil.
func New(ctx context.Context, cfg *infra.Config, logger *infra.Logger, sql infra.SQLExecutor, reg prometheus.Registerer) (*Services, error) {
	logger = infra.LoggerOrDiscard(logger)
	s := &Services{Metrics: metrics.NewRecorder(reg)}

	gate, rdb, err := newGate(ctx, cfg, sql)
	if err != nil {
		return nil, err
	}
	s.redis = rdb

	storagePath := cfg.StoragePath
	if storagePath == "" {
		storagePath = "./storage"
	}
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	if s.Files, err = storage.NewFileStore(storagePath); err != nil {
		s.Close()
		return nil, fmt.Errorf("bootstrap: storage: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.BackendTimeout}

	s.Profiles = repo.NewProfileRepository(sql)
	s.Credentials = credentials.NewStore(credentials.Options{
		Profiles: s.Profiles,
		Local:    cache.NewTTL[string](cfg.TokenCacheTTL),
		Logger:   logger,
	})
	s.Captcha = captcha.NewProvider(captcha.Options{
		Profiles:         s.Profiles,
		DefaultProjectID: cfg.CaptchaProjectID,
		Solver: captcha.NewAntiCaptcha(captcha.AntiCaptchaOptions{
			BaseURL:    cfg.CaptchaBaseURL,
			WebsiteURL: cfg.CaptchaWebsiteURL,
			WebsiteKey: cfg.CaptchaWebsiteKey,
			PageAction: cfg.CaptchaPageAction,
			Logger:     logger,
		}),
		Metrics: s.Metrics,
		Logger:  logger,
	})
	s.Admission = admission.NewController(admission.Options{
		Gate:     gate,
		Cooldown: cfg.AdmissionCooldown,
		Metrics:  s.Metrics,
		Logger:   logger,
	})
	s.Selector = routing.NewSelector(routing.Options{
		Pool:          cfg.ServerPool,
		LocalURL:      cfg.LocalServerURL,
		Restricted:    cfg.RestrictedServers,
		ElevatedRoles: cfg.ElevatedRoles,
		Logger:        logger,
	})
	s.Backend = flow.NewClient(flow.Options{
		LocalProxyBase: cfg.LocalProxyBase,
		HTTPClient:     httpClient,
		RequestTimeout: cfg.BackendTimeout,
		Logger:         logger,
	})
	s.Dispatcher = orchestrator.NewDispatcher(orchestrator.DispatcherOptions{
		Captcha:     s.Captcha,
		Admission:   s.Admission,
		Credentials: s.Credentials,
		Backend:     s.Backend,
		Metrics:     s.Metrics,
		Logger:      logger,
	})
	s.Runner = orchestrator.NewRunner(orchestrator.RunnerOptions{
		Dispatcher:  s.Dispatcher,
		Servers:     s.Selector,
		Credentials: s.Credentials,
		Artifacts:   s.Files,
		Stagger:     cfg.BatchStagger,
		MaxUnits:    cfg.BatchMaxUnits,
		Metrics:     s.Metrics,
		Logger:      logger,
	})
	s.Poller = orchestrator.NewPoller(s.Backend, logger)
	s.Health = orchestrator.NewHealthChecker(s.Dispatcher, healthConcurrency, logger)
	return s, nil
}

// newGate picks the admission backend named by the configuration.
func newGate(ctx context.Context, cfg *infra.Config, sql infra.SQLExecutor) (admission.Gate, *redis.Client, error) {
	switch cfg.AdmissionBackend {
	case infra.AdmissionBackendNone:
		return admission.NoopGate{}, nil, nil
	case infra.AdmissionBackendRedis:
		rdb, err := infra.NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap: admission: %w", err)
		}
		return admission.NewRedisGate(rdb, cfg.AdmissionSlots, cfg.AdmissionMaxWait), rdb, nil
	case infra.AdmissionBackendSQL, "":
		if sql == nil {
			return nil, nil, fmt.Errorf("bootstrap: admission: sql backend needs a database")
		}
		return admission.NewSQLGate(sql), nil, nil
	default:
		return nil, nil, fmt.Errorf("bootstrap: unsupported admission backend %q", cfg.AdmissionBackend)
	}
}

// Close releases connections opened by New.
func (s *Services) Close() {
	if s == nil || s.redis == nil {
		return
	}
	_ = s.redis.Close()
	s.redis = nil
}
