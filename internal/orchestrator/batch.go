package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"genproxy/internal/domain"
	"genproxy/internal/infra"
	"genproxy/internal/metrics"
)

// ServerPicker chooses the server of one unit.
type ServerPicker interface {
	Select(caller domain.Caller, pin string) (domain.ServerEndpoint, error)
}

// ArtifactSink persists inline images of succeeded units.
type ArtifactSink interface {
	SaveImage(ctx context.Context, batchID string, index int, encoded string) (string, error)
}

// BatchRequest asks for Count outputs of the same template.
type BatchRequest struct {
	Caller        domain.Caller
	Template      domain.GenerationRequest
	Count         int
	ExplicitToken string
	// Pin forces every unit onto one server.
	Pin string
}

// BatchResult holds one unit per requested output, in request order.
type BatchResult struct {
	ID    string
	Units []domain.BatchUnit
	// SharedUpload is set when all units share one media id, either uploaded
	// once for the batch or supplied by the caller.
	SharedUpload *domain.UploadedMedia
}

// Progress receives the completed count after each unit finishes. Calls
// are serialized and done only increases.
type Progress func(done, total int)

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Dispatcher  *Dispatcher
	Servers     ServerPicker
	Credentials CredentialResolver
	Artifacts   ArtifactSink
	Stagger     time.Duration
	MaxUnits    int
	Metrics     *metrics.Recorder
	Logger      *infra.Logger
}

// Runner fans a batch out over the fleet with a fixed launch stagger.
type Runner struct {
	dispatcher *Dispatcher
	servers    ServerPicker
	creds      CredentialResolver
	artifacts  ArtifactSink
	stagger    time.Duration
	maxUnits   int
	metrics    *metrics.Recorder
	logger     *infra.Logger
}

var ErrInvalidBatch = errors.New("invalid batch")

func NewRunner(opts RunnerOptions) *Runner {
	stagger := opts.Stagger
	if stagger < 0 {
		stagger = 0
	}
	return &Runner{
		dispatcher: opts.Dispatcher,
		servers:    opts.Servers,
		creds:      opts.Credentials,
		artifacts:  opts.Artifacts,
		stagger:    stagger,
		maxUnits:   opts.MaxUnits,
		metrics:    opts.Metrics,
		logger:     infra.LoggerOrDiscard(opts.Logger),
	}
}

// Run executes the batch. It only fails as a whole when the request is
// malformed or no credential can be resolved; every other failure is
// recorded on its unit.
func (r *Runner) Run(ctx context.Context, req BatchRequest, progress Progress) (*BatchResult, error) {
	n := req.Count
	if n < 1 {
		return nil, fmt.Errorf("%w: count must be at least 1", ErrInvalidBatch)
	}
	if r.maxUnits > 0 && n > r.maxUnits {
		return nil, fmt.Errorf("%w: count %d exceeds %d", ErrInvalidBatch, n, r.maxUnits)
	}
	tmpl := req.Template
	tmpl.AspectRatio = tmpl.AspectRatio.Normalize()
	if !tmpl.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidBatch, tmpl.Kind)
	}
	if tmpl.Kind.NeedsSourceImage() && tmpl.Image.Empty() && tmpl.MediaID == "" {
		return nil, fmt.Errorf("%w: %s needs a source image", ErrInvalidBatch, tmpl.Kind)
	}
	// a client media id is only known to the server that stored it
	reuseMedia := tmpl.Kind.NeedsSourceImage() && tmpl.MediaID != ""
	if reuseMedia && strings.TrimSpace(req.Pin) == "" {
		return nil, fmt.Errorf("%w: media_id requires the server that stored it", ErrInvalidBatch)
	}

	cred, err := r.creds.Resolve(ctx, req.Caller.ID, req.ExplicitToken)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{ID: uuid.NewString(), Units: make([]domain.BatchUnit, n)}
	for i := range result.Units {
		result.Units[i] = domain.BatchUnit{Index: i, State: domain.UnitPending}
	}
	log := r.logger.With().Str("batch", result.ID).Str("kind", string(tmpl.Kind)).Int("units", n).Logger()

	switch {
	case reuseMedia:
		media, err := r.storedMedia(req, tmpl.MediaID, cred)
		if err != nil {
			return nil, err
		}
		result.SharedUpload = media
	case n > 1 && tmpl.Kind.NeedsSourceImage() && !tmpl.Image.Empty():
		result.SharedUpload = r.sharedUpload(ctx, req, tmpl, cred, &log)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unit := &result.Units[i]
			if err := sleepCtx(ctx, time.Duration(i)*r.stagger); err != nil {
				unit.Fail(err)
			} else {
				unit.State = domain.UnitInFlight
				r.runUnit(ctx, req, tmpl, cred, result, unit, &log)
			}
			r.metrics.BatchUnit(string(tmpl.Kind), string(unit.State))

			mu.Lock()
			done++
			if progress != nil {
				progress(done, n)
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	return result, nil
}

// storedMedia binds a media id uploaded by an earlier request to the pinned
// server so every unit continues on it.
func (r *Runner) storedMedia(req BatchRequest, mediaID string, cred domain.Credential) (*domain.UploadedMedia, error) {
	pin := domain.ServerEndpoint{URL: req.Pin}
	server, err := r.servers.Select(req.Caller, req.Pin)
	if err != nil {
		return nil, err
	}
	if !server.SameServer(pin) {
		return nil, fmt.Errorf("%w: server %s is not available to the caller", ErrInvalidBatch, req.Pin)
	}
	return &domain.UploadedMedia{MediaID: mediaID, Affinity: domain.AffinityPair{Token: cred, Server: server}}, nil
}

// sharedUpload uploads the source image once. A failure is logged and the
// units fall back to their own uploads.
func (r *Runner) sharedUpload(ctx context.Context, req BatchRequest, tmpl domain.GenerationRequest, cred domain.Credential, log *infra.Logger) *domain.UploadedMedia {
	server, err := r.servers.Select(req.Caller, req.Pin)
	if err == nil {
		var media domain.UploadedMedia
		media, err = r.dispatcher.Upload(ctx, Dispatch{Caller: req.Caller, Server: server, Pinned: &cred}, serviceFor(tmpl.Kind), *tmpl.Image, tmpl.AspectRatio)
		if err == nil {
			log.Info().Str("server", server.URL).Str("token", media.Affinity.Token.Tail()).Msg("batch: shared upload done")
			return &media
		}
	}
	r.metrics.SoftFailure(metrics.SubsystemSharedUpload)
	log.Warn().Err(err).Msg("batch: shared upload failed, units upload on their own")
	return nil
}

func (r *Runner) runUnit(ctx context.Context, req BatchRequest, tmpl domain.GenerationRequest, cred domain.Credential, result *BatchResult, unit *domain.BatchUnit, log *infra.Logger) {
	dsp := Dispatch{Caller: req.Caller, Pinned: &cred}
	if shared := result.SharedUpload; shared != nil {
		// the media id only exists on the server that stored it
		dsp.Server = shared.Affinity.Server
		dsp.Pinned = &shared.Affinity.Token
		tmpl.MediaID = shared.MediaID
	} else {
		server, err := r.servers.Select(req.Caller, req.Pin)
		if err != nil {
			r.fail(unit, err, log)
			return
		}
		dsp.Server = server
	}
	unit.Server = dsp.Server.URL

	if tmpl.Kind.NeedsSourceImage() && tmpl.MediaID == "" {
		media, err := r.dispatcher.Upload(ctx, dsp, serviceFor(tmpl.Kind), *tmpl.Image, tmpl.AspectRatio)
		if err != nil {
			r.fail(unit, err, log)
			return
		}
		tmpl.MediaID = media.MediaID
		dsp.Server = media.Affinity.Server
		dsp.Pinned = &media.Affinity.Token
	}

	switch tmpl.Kind {
	case domain.KindTextToVideo, domain.KindImageToVideo:
		job, err := r.dispatcher.GenerateVideo(ctx, dsp, tmpl)
		if err != nil {
			r.fail(unit, err, log)
			return
		}
		unit.Succeed(&domain.Artifact{Video: job})
	case domain.KindImageCompose:
		image, err := r.dispatcher.ComposeImage(ctx, dsp, tmpl)
		if err != nil {
			r.fail(unit, err, log)
			return
		}
		if r.artifacts != nil {
			loc, err := r.artifacts.SaveImage(ctx, result.ID, unit.Index, image.EncodedImage)
			if err != nil {
				log.Warn().Err(err).Int("unit", unit.Index).Msg("batch: persist image failed")
			}
			image.Location = loc
		}
		unit.Succeed(&domain.Artifact{Image: &image})
	}
	log.Debug().Int("unit", unit.Index).Str("server", unit.Server).Msg("batch: unit succeeded")
}

func (r *Runner) fail(unit *domain.BatchUnit, err error, log *infra.Logger) {
	unit.Fail(err)
	log.Error().Err(err).Int("unit", unit.Index).Str("server", unit.Server).Str("error_kind", string(unit.Kind)).Msg("batch: unit failed")
}

func serviceFor(kind domain.RequestKind) domain.Service {
	if kind == domain.KindImageCompose {
		return domain.ServiceImagen
	}
	return domain.ServiceVeo
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
