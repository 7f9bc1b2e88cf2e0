package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"genproxy/internal/domain"
	"genproxy/internal/infra"
	"genproxy/internal/middleware"
	"genproxy/internal/orchestrator"
)

type generationRequest struct {
	Kind        string        `json:"kind"`
	Prompt      string        `json:"prompt"`
	AspectRatio string        `json:"aspect_ratio"`
	Seed        int           `json:"seed"`
	Count       int           `json:"count"`
	Image       *imagePayload `json:"image,omitempty"`
	MediaID     string        `json:"media_id,omitempty"`
	Server      string        `json:"server,omitempty"`
	Token       string        `json:"token,omitempty"`
}

type imagePayload struct {
	Base64   string `json:"base64"`
	MimeType string `json:"mime_type"`
}

type unitError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type unitResponse struct {
	Index      int        `json:"index"`
	State      string     `json:"state"`
	Server     string     `json:"server,omitempty"`
	JobID      string     `json:"job_id,omitempty"`
	Tier       string     `json:"tier,omitempty"`
	Operations int        `json:"operations,omitempty"`
	ImagePath  string     `json:"image_path,omitempty"`
	Image      string     `json:"image_base64,omitempty"`
	Error      *unitError `json:"error,omitempty"`
}

type generationResponse struct {
	BatchID      string         `json:"batch_id"`
	SharedUpload string         `json:"shared_upload_server,omitempty"`
	Succeeded    int            `json:"succeeded"`
	Failed       int            `json:"failed"`
	Units        []unitResponse `json:"units"`
}

// CreateGeneration runs a batch and answers with index-aligned units.
// Video units come back with a job id to poll.
func (a *App) CreateGeneration(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.currentCaller(r)
	if !ok {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req generationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "prompt required")
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}
	tmpl := domain.GenerationRequest{
		Kind:        domain.RequestKind(strings.ToLower(strings.TrimSpace(req.Kind))),
		Prompt:      req.Prompt,
		AspectRatio: domain.AspectRatio(strings.ToLower(req.AspectRatio)),
		Seed:        req.Seed,
		MediaID:     strings.TrimSpace(req.MediaID),
	}
	if req.Image != nil && req.Image.Base64 != "" {
		tmpl.Image = &domain.SourceImage{Base64: req.Image.Base64, MimeType: req.Image.MimeType}
	}

	locale := middleware.LocaleFromContext(r.Context())
	log := a.logger().With().
		Str("request_id", middleware.RequestIDFromContext(r.Context())).
		Str("user_id", middleware.UserIDFromContext(r.Context())).
		Logger()

	caller.PinnedServer = strings.TrimSpace(req.Server)
	if caller.PinnedServer == "" {
		caller.PinnedServer = a.preferredServer(r, caller.ID, &log)
	}
	if tmpl.MediaID != "" && caller.PinnedServer == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "media_id requires server")
		return
	}

	result, err := a.Runner.Run(r.Context(), orchestrator.BatchRequest{
		Caller:        caller,
		Template:      tmpl,
		Count:         req.Count,
		ExplicitToken: strings.TrimSpace(req.Token),
		Pin:           caller.PinnedServer,
	}, nil)
	switch {
	case errors.Is(err, orchestrator.ErrInvalidBatch):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	case errors.Is(err, domain.ErrNoCredential):
		a.error(w, http.StatusPreconditionFailed, string(domain.ErrorKindNoCredential), domain.UserMessage(err, locale))
		return
	case err != nil:
		log.Error().Err(err).Msg("generations: batch failed")
		a.error(w, http.StatusInternalServerError, "internal", domain.UserMessage(err, locale))
		return
	}

	resp := generationResponse{BatchID: result.ID, Units: make([]unitResponse, len(result.Units))}
	if result.SharedUpload != nil {
		resp.SharedUpload = result.SharedUpload.Affinity.Server.URL
	}
	for i := range result.Units {
		unit := &result.Units[i]
		out := unitResponse{Index: unit.Index, State: string(unit.State), Server: unit.Server}
		switch {
		case unit.State != domain.UnitSucceeded:
			resp.Failed++
			out.Error = &unitError{Kind: string(unit.Kind), Message: domain.UserMessage(unit.Err, locale)}
		case unit.Artifact != nil && unit.Artifact.Video != nil:
			resp.Succeeded++
			job := unit.Artifact.Video
			out.JobID = a.Jobs.Register(caller.ID, job)
			out.Tier = string(job.Tier)
			out.Operations = len(job.Operations)
		case unit.Artifact != nil && unit.Artifact.Image != nil:
			resp.Succeeded++
			out.ImagePath = unit.Artifact.Image.Location
			if out.ImagePath == "" {
				out.Image = unit.Artifact.Image.EncodedImage
			}
		}
		resp.Units[i] = out
	}
	log.Info().Str("batch", result.ID).Int("succeeded", resp.Succeeded).Int("failed", resp.Failed).Msg("generations: batch finished")
	a.json(w, http.StatusOK, resp)
}

type operationResponse struct {
	Name     string `json:"name,omitempty"`
	State    string `json:"state"`
	RawState string `json:"raw_state,omitempty"`
	VideoURL string `json:"video_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// JobStatus polls a registered video job with the pair that created it.
func (a *App) JobStatus(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.currentCaller(r)
	if !ok {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}
	entry, ok := a.Jobs.lookup(caller.ID, jobID)
	if !ok {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	snap, err := a.Poller.Poll(r.Context(), caller, entry.job, entry.job.Affinity)
	if err != nil {
		locale := middleware.LocaleFromContext(r.Context())
		kind := domain.Classify(err)
		code := http.StatusBadGateway
		if kind == domain.ErrorKindAffinity {
			code = http.StatusConflict
		}
		a.logger().Warn().Err(err).Str("job_id", jobID).Msg("generations: poll failed")
		a.error(w, code, string(kind), domain.UserMessage(err, locale))
		return
	}
	if len(snap.Handles) > 0 {
		entry.job.Operations = snap.Handles
	}

	ops := make([]operationResponse, len(snap.Operations))
	for i, op := range snap.Operations {
		ops[i] = operationResponse{Name: op.Name, State: string(op.State), RawState: op.RawState, VideoURL: op.VideoURL, Error: op.Error}
	}
	a.json(w, http.StatusOK, map[string]any{
		"job_id":     jobID,
		"done":       snap.Terminal(),
		"operations": ops,
	})
}

// preferredServer returns the proxy server stored on the caller's profile.
// Lookup failures fall back to normal selection.
func (a *App) preferredServer(r *http.Request, callerID string, log *infra.Logger) string {
	if a.Profiles == nil {
		return ""
	}
	profile, err := a.Profiles.GetProfile(r.Context(), callerID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Warn().Err(err).Msg("generations: profile lookup failed")
		}
		return ""
	}
	return strings.TrimSpace(profile.ProxyServer)
}
