package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"genproxy/internal/domain"
)

type tokenRequest struct {
	Token      string `json:"token"`
	CaptchaKey string `json:"captcha_key"`
}

// UpdateTokens stores the caller's personal backend token and solver key.
func (a *App) UpdateTokens(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.currentCaller(r)
	if !ok {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	req.CaptchaKey = strings.TrimSpace(req.CaptchaKey)
	if req.Token == "" && req.CaptchaKey == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "token or captcha_key required")
		return
	}

	if req.Token != "" {
		if err := a.Tokens.SetPersonalToken(r.Context(), caller.ID, req.Token); err != nil {
			a.storeError(w, err, "token")
			return
		}
	}
	if req.CaptchaKey != "" {
		if err := a.CaptchaKeys.SetPersonalKey(r.Context(), caller.ID, req.CaptchaKey); err != nil {
			a.storeError(w, err, "captcha key")
			return
		}
	}
	a.logger().Info().
		Str("user_id", caller.ID).
		Str("token", domain.TokenTail(req.Token)).
		Bool("captcha_key", req.CaptchaKey != "").
		Msg("tokens: updated")
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) storeError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, domain.ErrNotFound) {
		a.error(w, http.StatusNotFound, "not_found", "profile not found")
		return
	}
	a.logger().Error().Err(err).Msgf("tokens: store %s", what)
	a.error(w, http.StatusInternalServerError, "internal", "failed to store "+what)
}
