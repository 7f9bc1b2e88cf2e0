// Package captcha picks the CAPTCHA solver key for a caller and solves the
// challenge embedded in generation requests.
package captcha

import (
	"context"
	"strings"
	"time"

	"genproxy/internal/cache"
	"genproxy/internal/domain"
	"genproxy/internal/infra"
	"genproxy/internal/metrics"
)

const (
	EntitlementTTL = 2 * time.Minute
	SharedKeyTTL   = 5 * time.Minute
	PersonalKeyTTL = 5 * time.Minute

	sharedKeyCacheKey = "shared"
)

// KeyTier says which key a solve used.
type KeyTier string

const (
	TierShared   KeyTier = "shared"
	TierPersonal KeyTier = "personal"
)

// Key is the resolved solver credential.
type Key struct {
	APIKey    string
	ProjectID string
	Tier      KeyTier
}

// Solver is the external CAPTCHA solving service.
type Solver interface {
	Solve(ctx context.Context, apiKey, projectID string) (string, error)
}

// Options configures a Provider. Nil caches are created with the default TTLs.
type Options struct {
	Profiles         domain.ProfileStore
	Solver           Solver
	DefaultProjectID string
	Entitlements     *cache.TTL[bool]
	SharedKey        *cache.TTL[string]
	PersonalKeys     *cache.TTL[string]
	Metrics          *metrics.Recorder
	Logger           *infra.Logger
	Now              func() time.Time
}

// Provider resolves and solves CAPTCHA tokens. Failures never escape GetToken.
type Provider struct {
	profiles     domain.ProfileStore
	solver       Solver
	projectID    string
	entitlements *cache.TTL[bool]
	sharedKey    *cache.TTL[string]
	personalKeys *cache.TTL[string]
	metrics      *metrics.Recorder
	logger       *infra.Logger
	now          func() time.Time
}

func NewProvider(opts Options) *Provider {
	p := &Provider{
		profiles:     opts.Profiles,
		solver:       opts.Solver,
		projectID:    strings.TrimSpace(opts.DefaultProjectID),
		entitlements: opts.Entitlements,
		sharedKey:    opts.SharedKey,
		personalKeys: opts.PersonalKeys,
		metrics:      opts.Metrics,
		logger:       infra.LoggerOrDiscard(opts.Logger),
		now:          opts.Now,
	}
	if p.entitlements == nil {
		p.entitlements = cache.NewTTL[bool](EntitlementTTL)
	}
	if p.sharedKey == nil {
		p.sharedKey = cache.NewTTL[string](SharedKeyTTL)
	}
	if p.personalKeys == nil {
		p.personalKeys = cache.NewTTL[string](PersonalKeyTTL)
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// GetToken returns a solved token for callerID, or false when none could be
// produced. The caller proceeds without a token in that case.
func (p *Provider) GetToken(ctx context.Context, callerID, projectID string) (string, bool) {
	key, ok := p.ResolveKey(ctx, callerID, projectID)
	if !ok {
		p.soft(callerID, "captcha: no solver key configured", nil)
		return "", false
	}
	if p.solver == nil {
		p.soft(callerID, "captcha: no solver configured", nil)
		return "", false
	}
	token, err := p.solver.Solve(ctx, key.APIKey, key.ProjectID)
	if err != nil {
		p.soft(callerID, "captcha: solve failed", err)
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		p.soft(callerID, "captcha: solver returned empty token", nil)
		return "", false
	}
	p.logger.Debug().Str("caller", callerID).Str("tier", string(key.Tier)).Int("length", len(token)).Msg("captcha: token solved")
	return token, true
}

// ResolveKey picks the shared key for entitled callers and the caller's own
// key otherwise. A missing shared key also falls back to the personal key.
func (p *Provider) ResolveKey(ctx context.Context, callerID, projectID string) (Key, bool) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		projectID = p.projectID
	}

	entitled, err := p.HasSharedEntitlement(ctx, callerID, false)
	if err != nil {
		p.logger.Warn().Err(err).Str("caller", callerID).Msg("captcha: entitlement check failed")
	}
	if entitled {
		shared, err := p.SharedKey(ctx, false)
		if err != nil {
			p.logger.Warn().Err(err).Msg("captcha: shared key fetch failed, using personal key")
		}
		if shared != "" {
			return Key{APIKey: shared, ProjectID: projectID, Tier: TierShared}, true
		}
	}

	personal, err := p.PersonalKey(ctx, callerID)
	if err != nil {
		p.logger.Warn().Err(err).Str("caller", callerID).Msg("captcha: personal key fetch failed")
	}
	if personal == "" {
		return Key{}, false
	}
	return Key{APIKey: personal, ProjectID: projectID, Tier: TierPersonal}, true
}

// HasSharedEntitlement reports whether callerID may use the shared key. The
// answer is cached per caller; force skips the cached value.
func (p *Provider) HasSharedEntitlement(ctx context.Context, callerID string, force bool) (bool, error) {
	if p.profiles == nil || callerID == "" {
		return false, nil
	}
	return p.entitlements.GetOrLoad(ctx, callerID, force, func(ctx context.Context) (bool, error) {
		profile, err := p.profiles.GetProfile(ctx, callerID)
		if err != nil {
			return false, err
		}
		p.personalKeys.Set(callerID, strings.TrimSpace(profile.CaptchaKey))
		return profile.HasActiveEntitlement(p.now()), nil
	})
}

// SharedKey returns the shared solver key. An empty answer is cached too.
func (p *Provider) SharedKey(ctx context.Context, force bool) (string, error) {
	if p.profiles == nil {
		if entry, ok := p.sharedKey.Get(sharedKeyCacheKey); ok {
			return entry.Value, nil
		}
		return "", nil
	}
	return p.sharedKey.GetOrLoad(ctx, sharedKeyCacheKey, force, func(ctx context.Context) (string, error) {
		key, err := p.profiles.SharedCaptchaKey(ctx)
		return strings.TrimSpace(key), err
	})
}

// PersonalKey returns the caller's own solver key.
func (p *Provider) PersonalKey(ctx context.Context, callerID string) (string, error) {
	if p.profiles == nil || callerID == "" {
		if entry, ok := p.personalKeys.Get(callerID); ok {
			return entry.Value, nil
		}
		return "", nil
	}
	return p.personalKeys.GetOrLoad(ctx, callerID, false, func(ctx context.Context) (string, error) {
		profile, err := p.profiles.GetProfile(ctx, callerID)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(profile.CaptchaKey), nil
	})
}

// SetPersonalKey stores callerID's own solver key.
func (p *Provider) SetPersonalKey(ctx context.Context, callerID, key string) error {
	key = strings.TrimSpace(key)
	if p.profiles != nil {
		if err := p.profiles.SetCaptchaKey(ctx, callerID, key); err != nil {
			return err
		}
	}
	p.personalKeys.Set(callerID, key)
	return nil
}

func (p *Provider) soft(callerID, msg string, err error) {
	p.metrics.SoftFailure(metrics.SubsystemCaptcha)
	ev := p.logger.Warn().Str("caller", callerID)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg(msg)
}
