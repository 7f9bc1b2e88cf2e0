package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"genproxy/internal/domain"
	"genproxy/internal/infra"
	"genproxy/internal/middleware"
	"genproxy/internal/orchestrator"
)

// BatchRunner runs one generation batch.
type BatchRunner interface {
	Run(ctx context.Context, req orchestrator.BatchRequest, progress orchestrator.Progress) (*orchestrator.BatchResult, error)
}

// StatusPoller polls a dispatched video job.
type StatusPoller interface {
	Poll(ctx context.Context, caller domain.Caller, job *domain.VideoJob, pair domain.AffinityPair) (domain.StatusSnapshot, error)
}

// ServerLister lists the servers a caller may use.
type ServerLister interface {
	Allowed(caller domain.Caller) []domain.ServerEndpoint
}

// TokenWriter stores a caller's personal backend token.
type TokenWriter interface {
	SetPersonalToken(ctx context.Context, callerID, token string) error
}

// CaptchaKeyWriter stores a caller's personal solver key.
type CaptchaKeyWriter interface {
	SetPersonalKey(ctx context.Context, callerID, key string) error
}

// ProfileReader loads the caller's stored profile.
type ProfileReader interface {
	GetProfile(ctx context.Context, id string) (*domain.Profile, error)
}

// App holds the dependencies of the HTTP handlers.
type App struct {
	Config      *infra.Config
	Logger      *infra.Logger
	Runner      BatchRunner
	Poller      StatusPoller
	Servers     ServerLister
	Tokens      TokenWriter
	CaptchaKeys CaptchaKeyWriter
	Jobs        *JobRegistry
	// Profiles supplies the caller's preferred server; nil skips the lookup.
	Profiles ProfileReader
	// CountryLookup feeds locale detection; nil disables IP lookups.
	CountryLookup middleware.CountryLookup
	// Metrics serves /metrics; nil uses the default Prometheus registry.
	Metrics http.Handler
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	var body errorBody
	body.Error.Code = errCode
	body.Error.Message = message
	a.json(w, code, body)
}

func (a *App) currentCaller(r *http.Request) (domain.Caller, bool) {
	return middleware.CallerFromContext(r.Context())
}

func (a *App) logger() *infra.Logger {
	return infra.LoggerOrDiscard(a.Logger)
}
