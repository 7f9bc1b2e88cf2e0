package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"genproxy/internal/domain"
	"genproxy/internal/providers/flow"
)

type videoCall struct {
	target flow.Target
	kind   domain.RequestKind
	body   *flow.VideoRequest
}

type uploadCall struct {
	target  flow.Target
	service domain.Service
}

type fakeBackend struct {
	mu      sync.Mutex
	videos  []videoCall
	uploads []uploadCall
	recipes []flow.Target
	polls   []flow.Target

	video  func(call videoCall, attempt int) ([]domain.OperationHandle, error)
	upload func(call uploadCall, n int) (string, error)
	recipe func(t flow.Target, body *flow.RecipeRequest) (string, error)
	status func(t flow.Target, handles []domain.OperationHandle) (domain.StatusSnapshot, error)
}

func (f *fakeBackend) GenerateVideo(ctx context.Context, t flow.Target, kind domain.RequestKind, body *flow.VideoRequest) ([]domain.OperationHandle, error) {
	f.mu.Lock()
	call := videoCall{target: t, kind: kind, body: body}
	f.videos = append(f.videos, call)
	attempt := len(f.videos)
	f.mu.Unlock()
	if f.video != nil {
		return f.video(call, attempt)
	}
	return []domain.OperationHandle{domain.OperationHandle(`{"operation":{"name":"op"}}`)}, nil
}

func (f *fakeBackend) Upload(ctx context.Context, t flow.Target, service domain.Service, body *flow.UploadRequest) (string, error) {
	f.mu.Lock()
	call := uploadCall{target: t, service: service}
	f.uploads = append(f.uploads, call)
	n := len(f.uploads)
	f.mu.Unlock()
	if f.upload != nil {
		return f.upload(call, n)
	}
	return fmt.Sprintf("media-%d", n), nil
}

func (f *fakeBackend) RunRecipe(ctx context.Context, t flow.Target, body *flow.RecipeRequest) (string, error) {
	f.mu.Lock()
	f.recipes = append(f.recipes, t)
	f.mu.Unlock()
	if f.recipe != nil {
		return f.recipe(t, body)
	}
	return "aW1hZ2U=", nil
}

func (f *fakeBackend) Status(ctx context.Context, t flow.Target, handles []domain.OperationHandle) (domain.StatusSnapshot, error) {
	f.mu.Lock()
	f.polls = append(f.polls, t)
	f.mu.Unlock()
	if f.status != nil {
		return f.status(t, handles)
	}
	return domain.StatusSnapshot{Handles: handles}, nil
}

func (f *fakeBackend) counts() (videos, uploads, recipes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.videos), len(f.uploads), len(f.recipes)
}

type fakeCaptcha struct {
	mu       sync.Mutex
	token    string
	projects []string
}

func (c *fakeCaptcha) GetToken(ctx context.Context, callerID, projectID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.projects = append(c.projects, projectID)
	return c.token, c.token != ""
}

type fakeGate struct {
	mu      sync.Mutex
	servers []string
}

func (g *fakeGate) AcquireSlot(ctx context.Context, server domain.ServerEndpoint) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.servers = append(g.servers, server.URL)
	return true
}

type fakeCreds struct {
	mu        sync.Mutex
	token     string
	err       error
	calls     int
	forgotten []string
}

func (c *fakeCreds) Forget(callerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgotten = append(c.forgotten, callerID)
}

func (c *fakeCreds) Resolve(ctx context.Context, callerID, explicit string) (domain.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if explicit != "" {
		return domain.Credential{Token: explicit, Origin: domain.OriginExplicit}, nil
	}
	if c.err != nil {
		return domain.Credential{}, c.err
	}
	return domain.Credential{Token: c.token, Origin: domain.OriginCachedLocal}, nil
}

type roundRobin struct {
	mu      sync.Mutex
	servers []string
	next    int
	// ignorePins mimics a fleet where the caller may not use the pin.
	ignorePins bool
}

func (r *roundRobin) Select(caller domain.Caller, pin string) (domain.ServerEndpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pin != "" && !r.ignorePins {
		return domain.ServerEndpoint{URL: pin}, nil
	}
	if len(r.servers) == 0 {
		return domain.ServerEndpoint{}, domain.ErrNoServerAvailable
	}
	s := r.servers[r.next%len(r.servers)]
	r.next++
	return domain.ServerEndpoint{URL: s}, nil
}

type memSink struct {
	mu    sync.Mutex
	saved map[int]string
}

func (m *memSink) SaveImage(ctx context.Context, batchID string, index int, encoded string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = map[int]string{}
	}
	m.saved[index] = encoded
	return fmt.Sprintf("generated/images/%s/image-%02d.png", batchID, index+1), nil
}

func fixedNow() time.Time { return time.UnixMilli(1700000000000) }

func newTestDispatcher(backend *fakeBackend, creds *fakeCreds, captcha *fakeCaptcha, gate *fakeGate) *Dispatcher {
	ids := 0
	var mu sync.Mutex
	opts := DispatcherOptions{
		Backend:     backend,
		Credentials: creds,
		Now:         fixedNow,
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			ids++
			return fmt.Sprintf("id-%d", ids)
		},
		Seed: func() int { return 42 },
	}
	if captcha != nil {
		opts.Captcha = captcha
	}
	if gate != nil {
		opts.Admission = gate
	}
	return NewDispatcher(opts)
}
