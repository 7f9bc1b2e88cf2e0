// Package routing chooses the proxy server a request is sent to.
package routing

import (
	"math/rand"
	"net/url"
	"strings"

	"genproxy/internal/domain"
	"genproxy/internal/infra"
)

// Options configures a Selector.
type Options struct {
	Pool          []string
	LocalURL      string
	Restricted    []string
	ElevatedRoles []string
	// Intn picks the random index; defaults to math/rand.
	Intn   func(n int) int
	Logger *infra.Logger
}

// Selector applies entitlement filtering and the pin, local, random order.
type Selector struct {
	pool       []domain.ServerEndpoint
	local      domain.ServerEndpoint
	restricted map[string]struct{}
	elevated   map[domain.UserRole]struct{}
	intn       func(int) int
	logger     *infra.Logger
}

func NewSelector(opts Options) *Selector {
	s := &Selector{
		restricted: make(map[string]struct{}),
		elevated:   make(map[domain.UserRole]struct{}),
		intn:       opts.Intn,
		logger:     infra.LoggerOrDiscard(opts.Logger),
	}
	if s.intn == nil {
		s.intn = rand.Intn
	}
	localURL := domain.NormalizeServerURL(opts.LocalURL)
	if localURL != "" {
		s.local = domain.ServerEndpoint{URL: localURL, IsLocal: true}
	}
	seen := make(map[string]struct{})
	for _, raw := range opts.Pool {
		u := domain.NormalizeServerURL(raw)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		s.pool = append(s.pool, domain.ServerEndpoint{URL: u, IsLocal: u == localURL || isLoopback(u)})
	}
	for _, raw := range opts.Restricted {
		if u := domain.NormalizeServerURL(raw); u != "" {
			s.restricted[u] = struct{}{}
		}
	}
	for _, role := range opts.ElevatedRoles {
		if strings.TrimSpace(role) != "" {
			s.elevated[domain.ParseUserRole(role)] = struct{}{}
		}
	}
	return s
}

// Allowed returns the servers caller may use. Restricted servers need an
// elevated role; local servers are only offered to local callers.
func (s *Selector) Allowed(caller domain.Caller) []domain.ServerEndpoint {
	_, elevated := s.elevated[caller.Role]
	out := make([]domain.ServerEndpoint, 0, len(s.pool)+1)
	hasLocal := false
	for _, ep := range s.pool {
		if _, restricted := s.restricted[ep.URL]; restricted && !elevated {
			continue
		}
		if ep.IsLocal {
			if !caller.Local {
				continue
			}
			hasLocal = true
		}
		out = append(out, ep)
	}
	if caller.Local && !hasLocal && s.local.URL != "" {
		out = append(out, s.local)
	}
	return out
}

// Select picks the server for one request. pin overrides caller.PinnedServer
// when set; a pin outside the allowed pool is ignored.
func (s *Selector) Select(caller domain.Caller, pin string) (domain.ServerEndpoint, error) {
	if strings.TrimSpace(pin) == "" {
		pin = caller.PinnedServer
	}
	allowed := s.Allowed(caller)

	if pin = domain.NormalizeServerURL(pin); pin != "" {
		for _, ep := range allowed {
			if ep.URL == pin {
				return ep, nil
			}
		}
		s.logger.Debug().Str("pin", pin).Str("caller", caller.ID).Msg("routing: pinned server not allowed, ignoring")
	}

	var remote []domain.ServerEndpoint
	var local *domain.ServerEndpoint
	for i := range allowed {
		if allowed[i].IsLocal {
			if local == nil {
				local = &allowed[i]
			}
			continue
		}
		remote = append(remote, allowed[i])
	}
	if caller.Local && local != nil {
		return *local, nil
	}
	if len(remote) == 0 {
		return domain.ServerEndpoint{}, domain.ErrNoServerAvailable
	}
	return remote[s.intn(len(remote))], nil
}

// Endpoint returns the pool entry for rawURL, or an ad-hoc remote endpoint.
func (s *Selector) Endpoint(rawURL string) domain.ServerEndpoint {
	u := domain.NormalizeServerURL(rawURL)
	if u == s.local.URL && u != "" {
		return s.local
	}
	for _, ep := range s.pool {
		if ep.URL == u {
			return ep
		}
	}
	return domain.ServerEndpoint{URL: u, IsLocal: isLoopback(u)}
}

// Pool returns every configured remote server, unfiltered.
func (s *Selector) Pool() []domain.ServerEndpoint {
	out := make([]domain.ServerEndpoint, 0, len(s.pool))
	for _, ep := range s.pool {
		if !ep.IsLocal {
			out = append(out, ep)
		}
	}
	return out
}

func isLoopback(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
