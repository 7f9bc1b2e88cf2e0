// Package orchestrator sends generation requests through the proxy fleet:
// dispatch with tier fallback, affinity-bound polling and staggered batches.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"genproxy/internal/domain"
	"genproxy/internal/infra"
	"genproxy/internal/metrics"
	"genproxy/internal/providers/flow"
)

// CaptchaSource yields a solved CAPTCHA token, or false to proceed without.
type CaptchaSource interface {
	GetToken(ctx context.Context, callerID, projectID string) (string, bool)
}

// SlotGate reserves a generation slot on a server. It never fails the call.
type SlotGate interface {
	AcquireSlot(ctx context.Context, server domain.ServerEndpoint) bool
}

// CredentialResolver resolves the caller's bearer token.
type CredentialResolver interface {
	Resolve(ctx context.Context, callerID, explicit string) (domain.Credential, error)
}

// credentialForgetter is implemented by resolvers that keep a local token
// copy that may go stale.
type credentialForgetter interface {
	Forget(callerID string)
}

// Backend is the proxy server API.
type Backend interface {
	GenerateVideo(ctx context.Context, t flow.Target, kind domain.RequestKind, body *flow.VideoRequest) ([]domain.OperationHandle, error)
	Upload(ctx context.Context, t flow.Target, service domain.Service, body *flow.UploadRequest) (string, error)
	RunRecipe(ctx context.Context, t flow.Target, body *flow.RecipeRequest) (string, error)
	Status(ctx context.Context, t flow.Target, handles []domain.OperationHandle) (domain.StatusSnapshot, error)
}

// Dispatch says where a call goes and on whose behalf.
type Dispatch struct {
	Caller domain.Caller
	Server domain.ServerEndpoint
	// Pinned is the credential of an earlier phase of the same job. When
	// set it is used as is and the credential store is not consulted.
	Pinned *domain.Credential
	// ExplicitToken overrides the stored personal token.
	ExplicitToken string
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Captcha     CaptchaSource
	Admission   SlotGate
	Credentials CredentialResolver
	Backend     Backend
	Metrics     *metrics.Recorder
	Logger      *infra.Logger
	Now         func() time.Time
	NewID       func() string
	Seed        func() int
}

// Dispatcher prepares and sends single backend calls.
type Dispatcher struct {
	captcha   CaptchaSource
	admission SlotGate
	creds     CredentialResolver
	backend   Backend
	metrics   *metrics.Recorder
	logger    *infra.Logger
	now       func() time.Time
	newID     func() string
	seed      func() int
}

const maxSeed = 2147483647

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	d := &Dispatcher{
		captcha:   opts.Captcha,
		admission: opts.Admission,
		creds:     opts.Credentials,
		backend:   opts.Backend,
		metrics:   opts.Metrics,
		logger:    infra.LoggerOrDiscard(opts.Logger),
		now:       opts.Now,
		newID:     opts.NewID,
		seed:      opts.Seed,
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.newID == nil {
		d.newID = uuid.NewString
	}
	if d.seed == nil {
		d.seed = func() int { return rand.Intn(maxSeed) }
	}
	return d
}

// callSpec describes the pre-send steps a call needs.
type callSpec struct {
	service   domain.Service
	captcha   bool
	admission bool
}

// prepare runs the CAPTCHA, admission and credential steps and returns the
// target the call must be sent to.
func (d *Dispatcher) prepare(ctx context.Context, dsp Dispatch, spec callSpec, payload flow.Payload) (flow.Target, domain.Credential, error) {
	if spec.captcha && d.captcha != nil {
		if cc := payload.Context(); cc != nil {
			if token, ok := d.captcha.GetToken(ctx, dsp.Caller.ID, cc.ProjectID); ok {
				cc.RecaptchaToken = token
				if cc.SessionID == "" {
					cc.SessionID = flow.NewSessionID(d.now())
				}
			} else {
				d.logger.Warn().Str("caller", dsp.Caller.ID).Msg("dispatch: no captcha token, sending without")
			}
		}
	}

	if spec.admission && d.admission != nil {
		d.admission.AcquireSlot(ctx, dsp.Server)
	}

	cred, err := d.credential(ctx, dsp)
	if err != nil {
		return flow.Target{}, domain.Credential{}, err
	}
	return flow.Target{Server: dsp.Server, Token: cred.Token, Username: dsp.Caller.Username}, cred, nil
}

func (d *Dispatcher) credential(ctx context.Context, dsp Dispatch) (domain.Credential, error) {
	if dsp.Pinned != nil && dsp.Pinned.Valid() {
		return *dsp.Pinned, nil
	}
	if d.creds == nil {
		if token := strings.TrimSpace(dsp.ExplicitToken); token != "" {
			return domain.Credential{Token: token, Origin: domain.OriginExplicit}, nil
		}
		return domain.Credential{}, domain.ErrNoCredential
	}
	return d.creds.Resolve(ctx, dsp.Caller.ID, dsp.ExplicitToken)
}

// nextTier is the tier fallback table: ultra falls back to standard once,
// standard has no fallback.
func nextTier(tier domain.ModelTier) (domain.ModelTier, bool) {
	if tier == domain.TierUltra {
		return domain.TierStandard, true
	}
	return "", false
}

// GenerateVideo dispatches a text or image to video request. The first
// attempt uses the ultra tier. A model access rejection retries once with
// the standard tier; every other failure is returned as is.
func (d *Dispatcher) GenerateVideo(ctx context.Context, dsp Dispatch, req domain.GenerationRequest) (*domain.VideoJob, error) {
	if req.Kind != domain.KindTextToVideo && req.Kind != domain.KindImageToVideo {
		return nil, fmt.Errorf("dispatch: %q is not a video request", req.Kind)
	}
	if req.Kind == domain.KindImageToVideo && strings.TrimSpace(req.MediaID) == "" {
		return nil, errors.New("dispatch: image to video requires an uploaded media id")
	}
	seed := req.Seed
	if seed <= 0 {
		seed = d.seed()
	}
	spec := flow.VideoSpec{
		Kind:        req.Kind,
		Prompt:      req.Prompt,
		AspectRatio: req.AspectRatio,
		Seed:        seed,
		SceneID:     d.newID(),
		ProjectID:   d.newID(),
		MediaID:     req.MediaID,
	}
	call := callSpec{service: domain.ServiceVeo, captcha: req.RequiresCaptcha(), admission: req.RequiresAdmission()}

	tier := domain.TierUltra
	for {
		body := spec.Build(tier, d.now())
		target, cred, err := d.prepare(ctx, dsp, call, body)
		if err != nil {
			return nil, err
		}
		ops, err := d.backend.GenerateVideo(ctx, target, req.Kind, body)
		kind := domain.Classify(err)
		d.metrics.DispatchAttempt(string(domain.ServiceVeo), string(tier), outcomeLabel(kind))
		if err == nil {
			d.logger.Debug().
				Str("tier", string(tier)).
				Str("server", dsp.Server.URL).
				Str("token", cred.Tail()).
				Int("operations", len(ops)).
				Msg("dispatch: video accepted")
			return &domain.VideoJob{
				Operations: ops,
				Affinity:   domain.AffinityPair{Token: cred, Server: dsp.Server},
				Tier:       tier,
			}, nil
		}
		d.dropRejected(dsp, cred, err)
		if kind != domain.ErrorKindModelAccess {
			return nil, err
		}
		next, ok := nextTier(tier)
		if !ok {
			return nil, asGeneric(err)
		}
		d.logger.Warn().Err(err).Str("server", dsp.Server.URL).Msg("dispatch: ultra tier denied, retrying standard")
		tier = next
	}
}

// Upload stores image on dsp.Server and returns the media id bound to the
// pair that stored it.
func (d *Dispatcher) Upload(ctx context.Context, dsp Dispatch, service domain.Service, image domain.SourceImage, aspect domain.AspectRatio) (domain.UploadedMedia, error) {
	if image.Base64 == "" {
		return domain.UploadedMedia{}, errors.New("dispatch: upload requires image data")
	}
	body := flow.NewUploadRequest(image, aspect, d.now())
	target, cred, err := d.prepare(ctx, dsp, callSpec{service: service, admission: true}, body)
	if err != nil {
		return domain.UploadedMedia{}, err
	}
	id, err := d.backend.Upload(ctx, target, service, body)
	d.metrics.DispatchAttempt(string(service), "upload", outcomeLabel(domain.Classify(err)))
	if err != nil {
		d.dropRejected(dsp, cred, err)
		return domain.UploadedMedia{}, err
	}
	return domain.UploadedMedia{MediaID: id, Affinity: domain.AffinityPair{Token: cred, Server: dsp.Server}}, nil
}

// ComposeImage runs an image compose recipe around req.MediaID.
func (d *Dispatcher) ComposeImage(ctx context.Context, dsp Dispatch, req domain.GenerationRequest) (domain.ComposedImage, error) {
	if strings.TrimSpace(req.MediaID) == "" {
		return domain.ComposedImage{}, errors.New("dispatch: image compose requires an uploaded media id")
	}
	seed := req.Seed
	if seed <= 0 {
		seed = d.seed()
	}
	body := flow.NewRecipeRequest(req.Prompt, req.MediaID, req.AspectRatio, seed, d.now())
	call := callSpec{service: domain.ServiceImagen, captcha: req.RequiresCaptcha(), admission: req.RequiresAdmission()}
	target, cred, err := d.prepare(ctx, dsp, call, body)
	if err != nil {
		return domain.ComposedImage{}, err
	}
	image, err := d.backend.RunRecipe(ctx, target, body)
	d.metrics.DispatchAttempt(string(domain.ServiceImagen), "recipe", outcomeLabel(domain.Classify(err)))
	if err != nil {
		d.dropRejected(dsp, cred, err)
		return domain.ComposedImage{}, err
	}
	return domain.ComposedImage{EncodedImage: image, Affinity: domain.AffinityPair{Token: cred, Server: dsp.Server}}, nil
}

// dropRejected discards the caller's local token copy once the backend
// answers 401 for it, so the next resolve reads the profile again.
func (d *Dispatcher) dropRejected(dsp Dispatch, cred domain.Credential, err error) {
	var berr *domain.BackendError
	if !errors.As(err, &berr) || berr.Status != http.StatusUnauthorized || cred.Origin == domain.OriginExplicit {
		return
	}
	forgetter, ok := d.creds.(credentialForgetter)
	if !ok {
		return
	}
	forgetter.Forget(dsp.Caller.ID)
	d.logger.Warn().Str("caller", dsp.Caller.ID).Str("token", cred.Tail()).Msg("dispatch: token rejected, local copy dropped")
}

// asGeneric turns a repeated model access rejection into a generic failure.
func asGeneric(err error) error {
	var berr *domain.BackendError
	if errors.As(err, &berr) {
		return &domain.BackendError{Status: berr.Status, Message: berr.Message, Kind: domain.ErrorKindGeneric}
	}
	return fmt.Errorf("%w: %v", domain.ErrBackend, err)
}

func outcomeLabel(kind domain.ErrorKind) string {
	if kind == domain.ErrorKindNone {
		return "ok"
	}
	return string(kind)
}
