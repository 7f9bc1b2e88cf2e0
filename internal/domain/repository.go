package domain

import "context"

// ProfileStore is the remote account store.
type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (*Profile, error)
	SetPersonalToken(ctx context.Context, id, token string) error
	SetCaptchaKey(ctx context.Context, id, key string) error
	SharedCaptchaKey(ctx context.Context) (string, error)
}
