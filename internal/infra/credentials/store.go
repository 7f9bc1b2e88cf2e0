// Package credentials resolves the personal auth token used against the
// proxy fleet.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"genproxy/internal/cache"
	"genproxy/internal/domain"
	"genproxy/internal/infra"
)

// Store resolves a caller's token: explicit override, then the local copy,
// then the remote profile. A remote hit is written through to the local copy.
type Store struct {
	profiles domain.ProfileStore
	local    *cache.TTL[string]
	logger   *infra.Logger
}

// Options configures a Store.
type Options struct {
	Profiles domain.ProfileStore
	// Local is the per-caller token copy. Its TTL bounds how long a token
	// rotated on the profile keeps being served from memory. A nil value
	// gets a non-expiring cache.
	Local  *cache.TTL[string]
	Logger *infra.Logger
}

func NewStore(opts Options) *Store {
	local := opts.Local
	if local == nil {
		local = cache.NewTTL[string](0)
	}
	return &Store{
		profiles: opts.Profiles,
		local:    local,
		logger:   infra.LoggerOrDiscard(opts.Logger),
	}
}

// Resolve returns the credential to use for callerID. It fails with
// domain.ErrNoCredential when no source yields a non-empty token.
func (s *Store) Resolve(ctx context.Context, callerID, explicit string) (domain.Credential, error) {
	if token := strings.TrimSpace(explicit); token != "" {
		return domain.Credential{Token: token, Origin: domain.OriginExplicit}, nil
	}

	if entry, ok := s.local.Get(callerID); ok {
		if token := strings.TrimSpace(entry.Value); token != "" {
			return domain.Credential{Token: token, Origin: domain.OriginCachedLocal}, nil
		}
	}

	if s.profiles == nil || strings.TrimSpace(callerID) == "" {
		return domain.Credential{}, domain.ErrNoCredential
	}
	profile, err := s.profiles.GetProfile(ctx, callerID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Credential{}, domain.ErrNoCredential
		}
		s.logger.Warn().Err(err).Str("caller", callerID).Msg("credentials: remote fetch failed")
		return domain.Credential{}, fmt.Errorf("%w: %v", domain.ErrNoCredential, err)
	}
	token := strings.TrimSpace(profile.PersonalToken)
	if token == "" {
		return domain.Credential{}, domain.ErrNoCredential
	}
	s.local.Set(callerID, token)
	s.logger.Debug().Str("caller", callerID).Str("token", domain.TokenTail(token)).Msg("credentials: cached remote token")
	return domain.Credential{Token: token, Origin: domain.OriginFetchedRemote}, nil
}

// SetPersonalToken persists token for callerID and refreshes the local copy.
func (s *Store) SetPersonalToken(ctx context.Context, callerID, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("personal token is required")
	}
	if s.profiles != nil {
		if err := s.profiles.SetPersonalToken(ctx, callerID, token); err != nil {
			return fmt.Errorf("set personal token: %w", err)
		}
	}
	s.local.Set(callerID, token)
	return nil
}

// Forget drops the local copy for callerID.
func (s *Store) Forget(callerID string) {
	s.local.Delete(callerID)
}
