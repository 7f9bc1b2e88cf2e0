package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"genproxy/internal/domain"
	"genproxy/internal/infra"
	"genproxy/internal/sqlinline"
)

// ProfileRepository implements domain.ProfileStore on top of the account
// database.
type ProfileRepository struct {
	sql infra.SQLExecutor
}

// NewProfileRepository creates a ProfileRepository.
func NewProfileRepository(sql infra.SQLExecutor) *ProfileRepository {
	return &ProfileRepository{sql: sql}
}

// GetProfile loads the account record for id.
func (r *ProfileRepository) GetProfile(ctx context.Context, id string) (*domain.Profile, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("get profile: %w", domain.ErrNotFound)
	}
	row := r.sql.QueryRow(ctx, sqlinline.QSelectProfile, id)
	var (
		p      domain.Profile
		role   string
		expiry *time.Time
	)
	if err := row.Scan(&p.ID, &p.Username, &p.PersonalToken, &p.CaptchaKey, &role, &p.EntitlementStatus, &expiry, &p.ProxyServer); err != nil {
		if infra.IsNoRows(err) {
			return nil, fmt.Errorf("get profile %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get profile %s: %w", id, err)
	}
	p.Role = domain.ParseUserRole(role)
	p.PersonalToken = strings.TrimSpace(p.PersonalToken)
	p.CaptchaKey = strings.TrimSpace(p.CaptchaKey)
	p.EntitlementExpiry = expiry
	return &p, nil
}

// SetPersonalToken stores the user's personal auth token.
func (r *ProfileRepository) SetPersonalToken(ctx context.Context, id, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("personal token is required")
	}
	return r.update(ctx, sqlinline.QUpdatePersonalToken, id, token)
}

// SetCaptchaKey stores the user's own CAPTCHA solver key.
func (r *ProfileRepository) SetCaptchaKey(ctx context.Context, id, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("captcha key is required")
	}
	return r.update(ctx, sqlinline.QUpdateCaptchaKey, id, key)
}

// SharedCaptchaKey returns the newest active shared CAPTCHA key, or "" when
// none is configured.
func (r *ProfileRepository) SharedCaptchaKey(ctx context.Context) (string, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QSelectSharedCaptchaKey)
	var key string
	if err := row.Scan(&key); err != nil {
		if infra.IsNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("shared captcha key: %w", err)
	}
	return strings.TrimSpace(key), nil
}

func (r *ProfileRepository) update(ctx context.Context, query, id, value string) error {
	tag, err := r.sql.Exec(ctx, query, id, value)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update profile %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

var _ domain.ProfileStore = (*ProfileRepository)(nil)
