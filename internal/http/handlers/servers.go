package handlers

import "net/http"

type serverResponse struct {
	URL   string `json:"url"`
	Local bool   `json:"local"`
}

// ListServers returns the servers the caller may pin.
func (a *App) ListServers(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.currentCaller(r)
	if !ok {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	allowed := a.Servers.Allowed(caller)
	out := make([]serverResponse, 0, len(allowed))
	for _, s := range allowed {
		out = append(out, serverResponse{URL: s.URL, Local: s.IsLocal})
	}
	a.json(w, http.StatusOK, map[string]any{"servers": out})
}
