package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genproxy/internal/domain"
	"genproxy/internal/sqlinline"
)

type stubExecutor struct {
	scan     func(dest ...any) error
	tag      pgconn.CommandTag
	err      error
	lastSQL  string
	lastArgs []any
}

func (s *stubExecutor) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	s.lastSQL = query
	s.lastArgs = args
	return s.tag, s.err
}

func (s *stubExecutor) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	s.lastSQL = query
	s.lastArgs = args
	return stubRow{scan: s.scan}
}

func (s *stubExecutor) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

type stubRow struct {
	scan func(dest ...any) error
}

func (r stubRow) Scan(dest ...any) error {
	if r.scan == nil {
		return pgx.ErrNoRows
	}
	return r.scan(dest...)
}

func TestGetProfile(t *testing.T) {
	expiry := time.Now().Add(24 * time.Hour)
	exec := &stubExecutor{scan: func(dest ...any) error {
		*dest[0].(*string) = "user-1"
		*dest[1].(*string) = "aisyah"
		*dest[2].(*string) = " tok-123 "
		*dest[3].(*string) = "cap-key"
		*dest[4].(*string) = "special_user"
		*dest[5].(*string) = "active"
		*dest[6].(**time.Time) = &expiry
		*dest[7].(*string) = ""
		return nil
	}}
	repo := NewProfileRepository(exec)

	p, err := repo.GetProfile(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", p.PersonalToken)
	assert.Equal(t, domain.UserRoleSpecialUser, p.Role)
	assert.True(t, p.HasActiveEntitlement(time.Now()))
	assert.Equal(t, sqlinline.QSelectProfile, exec.lastSQL)
}

func TestGetProfileNotFound(t *testing.T) {
	repo := NewProfileRepository(&stubExecutor{})
	_, err := repo.GetProfile(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSetPersonalToken(t *testing.T) {
	exec := &stubExecutor{tag: pgconn.NewCommandTag("UPDATE 1")}
	repo := NewProfileRepository(exec)

	require.NoError(t, repo.SetPersonalToken(context.Background(), "user-1", " abc123 "))
	require.Len(t, exec.lastArgs, 2)
	assert.Equal(t, "abc123", exec.lastArgs[1])
	assert.Equal(t, sqlinline.QUpdatePersonalToken, exec.lastSQL)
}

func TestSetPersonalTokenRejectsEmpty(t *testing.T) {
	repo := NewProfileRepository(&stubExecutor{})
	require.Error(t, repo.SetPersonalToken(context.Background(), "user-1", "  "))
}

func TestSetCaptchaKeyUnknownUser(t *testing.T) {
	exec := &stubExecutor{tag: pgconn.NewCommandTag("UPDATE 0")}
	repo := NewProfileRepository(exec)
	err := repo.SetCaptchaKey(context.Background(), "ghost", "key")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSharedCaptchaKey(t *testing.T) {
	repo := NewProfileRepository(&stubExecutor{scan: func(dest ...any) error {
		*dest[0].(*string) = " SHARED_KEY "
		return nil
	}})
	key, err := repo.SharedCaptchaKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "SHARED_KEY", key)

	empty := NewProfileRepository(&stubExecutor{})
	key, err = empty.SharedCaptchaKey(context.Background())
	require.NoError(t, err)
	assert.Empty(t, key)
}
