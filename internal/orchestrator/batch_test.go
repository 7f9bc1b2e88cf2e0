package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genproxy/internal/domain"
)

func newTestRunner(backend *fakeBackend, creds *fakeCreds, servers *roundRobin, sink ArtifactSink) *Runner {
	return NewRunner(RunnerOptions{
		Dispatcher:  newTestDispatcher(backend, creds, nil, nil),
		Servers:     servers,
		Credentials: creds,
		Artifacts:   sink,
		Stagger:     time.Millisecond,
		MaxUnits:    8,
	})
}

func composeTemplate() domain.GenerationRequest {
	return domain.GenerationRequest{
		Kind:   domain.KindImageCompose,
		Prompt: "product on marble",
		Image:  &domain.SourceImage{Base64: "AAAA", MimeType: "image/jpeg"},
	}
}

func TestRunReturnsIndexAlignedUnits(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		backend := &fakeBackend{}
		r := newTestRunner(backend, &fakeCreds{token: "tok-1"}, &roundRobin{servers: []string{"https://s1", "https://s2"}}, nil)

		res, err := r.Run(context.Background(), BatchRequest{Caller: caller, Template: t2v, Count: n}, nil)
		require.NoError(t, err)
		require.Len(t, res.Units, n)
		for i, u := range res.Units {
			assert.Equal(t, i, u.Index)
			assert.True(t, u.State.Terminal())
			assert.Equal(t, domain.UnitSucceeded, u.State)
		}
	}
}

func TestRunSharedUploadHappensOnce(t *testing.T) {
	backend := &fakeBackend{}
	sink := &memSink{}
	r := newTestRunner(backend, &fakeCreds{token: "tok-1"}, &roundRobin{servers: []string{"https://s1", "https://s2", "https://s3"}}, sink)

	res, err := r.Run(context.Background(), BatchRequest{Caller: caller, Template: composeTemplate(), Count: 4}, nil)
	require.NoError(t, err)
	_, uploads, recipes := backend.counts()
	assert.Equal(t, 1, uploads)
	assert.Equal(t, 4, recipes)
	require.NotNil(t, res.SharedUpload)

	for _, u := range res.Units {
		require.Equal(t, domain.UnitSucceeded, u.State)
		assert.Equal(t, res.SharedUpload.Affinity.Server.URL, u.Server)
		assert.True(t, u.Artifact.Image.Affinity.Equal(res.SharedUpload.Affinity))
		assert.NotEmpty(t, u.Artifact.Image.Location)
	}
	assert.Len(t, sink.saved, 4)
}

func TestRunSharedUploadFailureFallsBackPerUnit(t *testing.T) {
	backend := &fakeBackend{upload: func(call uploadCall, n int) (string, error) {
		if n == 1 {
			return "", domain.NewBackendError(503, "busy")
		}
		if call.target.Server.URL == "https://bad" {
			return "", domain.NewBackendError(500, "disk full")
		}
		return "media-ok", nil
	}}
	servers := &roundRobin{servers: []string{"https://s1", "https://good", "https://bad", "https://s2"}}
	r := newTestRunner(backend, &fakeCreds{token: "tok-1"}, servers, nil)

	res, err := r.Run(context.Background(), BatchRequest{Caller: caller, Template: composeTemplate(), Count: 3}, nil)
	require.NoError(t, err)
	assert.Nil(t, res.SharedUpload)
	_, uploads, recipes := backend.counts()
	assert.Equal(t, 4, uploads, "one shared attempt plus one per unit")
	assert.Equal(t, 2, recipes)

	failed := 0
	for _, u := range res.Units {
		if u.State == domain.UnitFailed {
			failed++
			assert.Equal(t, "https://bad", u.Server)
			assert.Equal(t, domain.ErrorKindGeneric, u.Kind)
		}
	}
	assert.Equal(t, 1, failed)
}

func TestRunIsolatesUnitFailures(t *testing.T) {
	var mu sync.Mutex
	seen := 0
	backend := &fakeBackend{video: func(call videoCall, attempt int) ([]domain.OperationHandle, error) {
		mu.Lock()
		defer mu.Unlock()
		seen++
		if call.target.Server.URL == "https://s2" {
			return nil, domain.NewBackendError(400, "blocked by safety filter")
		}
		return []domain.OperationHandle{domain.OperationHandle(`{}`)}, nil
	}}
	r := newTestRunner(backend, &fakeCreds{token: "tok-1"}, &roundRobin{servers: []string{"https://s1", "https://s2", "https://s3"}}, nil)

	res, err := r.Run(context.Background(), BatchRequest{Caller: caller, Template: t2v, Count: 3}, nil)
	require.NoError(t, err)
	states := map[domain.UnitState]int{}
	for _, u := range res.Units {
		states[u.State]++
		if u.State == domain.UnitFailed {
			assert.Equal(t, domain.ErrorKindSafety, u.Kind)
			assert.Equal(t, "https://s2", u.Server)
		} else {
			assert.True(t, u.Artifact.Video.Affinity.Server.SameServer(domain.ServerEndpoint{URL: u.Server}))
		}
	}
	assert.Equal(t, 2, states[domain.UnitSucceeded])
	assert.Equal(t, 1, states[domain.UnitFailed])
	assert.Equal(t, 3, seen)
}

func TestRunNoCredentialAbortsBatch(t *testing.T) {
	backend := &fakeBackend{}
	r := newTestRunner(backend, &fakeCreds{err: domain.ErrNoCredential}, &roundRobin{servers: []string{"https://s1"}}, nil)

	_, err := r.Run(context.Background(), BatchRequest{Caller: caller, Template: t2v, Count: 3}, nil)
	require.ErrorIs(t, err, domain.ErrNoCredential)
	videos, uploads, _ := backend.counts()
	assert.Zero(t, videos+uploads)
}

func TestRunNoServerFailsUnitsOnly(t *testing.T) {
	r := newTestRunner(&fakeBackend{}, &fakeCreds{token: "tok-1"}, &roundRobin{}, nil)
	res, err := r.Run(context.Background(), BatchRequest{Caller: caller, Template: t2v, Count: 2}, nil)
	require.NoError(t, err)
	for _, u := range res.Units {
		assert.Equal(t, domain.UnitFailed, u.State)
		assert.Equal(t, domain.ErrorKindNoServer, u.Kind)
	}
}

func TestRunProgressIsMonotonic(t *testing.T) {
	r := newTestRunner(&fakeBackend{}, &fakeCreds{token: "tok-1"}, &roundRobin{servers: []string{"https://s1"}}, nil)
	var got []int
	_, err := r.Run(context.Background(), BatchRequest{Caller: caller, Template: t2v, Count: 4}, func(done, total int) {
		assert.Equal(t, 4, total)
		got = append(got, done)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, got)
}

func TestRunStaggersLaunches(t *testing.T) {
	var mu sync.Mutex
	var starts []time.Time
	backend := &fakeBackend{video: func(call videoCall, attempt int) ([]domain.OperationHandle, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return nil, nil
	}}
	creds := &fakeCreds{token: "tok-1"}
	r := NewRunner(RunnerOptions{
		Dispatcher:  newTestDispatcher(backend, creds, nil, nil),
		Servers:     &roundRobin{servers: []string{"https://s1"}},
		Credentials: creds,
		Stagger:     30 * time.Millisecond,
	})

	begin := time.Now()
	_, err := r.Run(context.Background(), BatchRequest{Caller: caller, Template: t2v, Count: 3}, nil)
	require.NoError(t, err)
	require.Len(t, starts, 3)
	last := starts[0]
	for _, s := range starts {
		if s.After(last) {
			last = s
		}
	}
	assert.GreaterOrEqual(t, last.Sub(begin), 60*time.Millisecond)
	assert.Less(t, time.Since(begin), 2*time.Second)
}

func TestRunValidation(t *testing.T) {
	r := newTestRunner(&fakeBackend{}, &fakeCreds{token: "t"}, &roundRobin{servers: []string{"https://s1"}}, nil)
	cases := []BatchRequest{
		{Template: t2v, Count: 0},
		{Template: t2v, Count: 9},
		{Template: domain.GenerationRequest{Kind: "gif"}, Count: 1},
		{Template: domain.GenerationRequest{Kind: domain.KindImageToVideo}, Count: 1},
	}
	for _, req := range cases {
		_, err := r.Run(context.Background(), req, nil)
		assert.True(t, errors.Is(err, ErrInvalidBatch), "count=%d kind=%s", req.Count, req.Template.Kind)
	}
}

func TestRunPinnedServerForAllUnits(t *testing.T) {
	backend := &fakeBackend{}
	r := newTestRunner(backend, &fakeCreds{token: "tok-1"}, &roundRobin{servers: []string{"https://s1", "https://s2"}}, nil)

	res, err := r.Run(context.Background(), BatchRequest{Caller: caller, Template: t2v, Count: 3, Pin: "http://localhost:3001"}, nil)
	require.NoError(t, err)
	for _, u := range res.Units {
		assert.Equal(t, "http://localhost:3001", u.Server)
	}
}

func TestRunStoredMediaStaysOnItsServer(t *testing.T) {
	backend := &fakeBackend{}
	r := newTestRunner(backend, &fakeCreds{token: "tok-1"}, &roundRobin{servers: []string{"https://s1", "https://s2", "https://s3"}}, nil)
	tmpl := domain.GenerationRequest{Kind: domain.KindImageToVideo, Prompt: "pan left", MediaID: "media-on-s1"}

	res, err := r.Run(context.Background(), BatchRequest{Caller: caller, Template: tmpl, Count: 3, Pin: "https://s1"}, nil)
	require.NoError(t, err)
	require.NotNil(t, res.SharedUpload)
	assert.Equal(t, "media-on-s1", res.SharedUpload.MediaID)

	videos, uploads, _ := backend.counts()
	assert.Equal(t, 3, videos)
	assert.Zero(t, uploads)
	for _, u := range res.Units {
		assert.Equal(t, domain.UnitSucceeded, u.State)
		assert.Equal(t, "https://s1", u.Server)
		assert.Equal(t, "https://s1", u.Artifact.Video.Affinity.Server.URL)
	}
	for _, call := range backend.videos {
		assert.Equal(t, "https://s1", call.target.Server.URL)
		assert.Equal(t, "tok-1", call.target.Token)
	}
}

func TestRunStoredMediaNeedsPin(t *testing.T) {
	backend := &fakeBackend{}
	r := newTestRunner(backend, &fakeCreds{token: "tok-1"}, &roundRobin{servers: []string{"https://s1", "https://s2", "https://s3"}}, nil)
	tmpl := domain.GenerationRequest{Kind: domain.KindImageToVideo, MediaID: "media-on-s1"}

	_, err := r.Run(context.Background(), BatchRequest{Caller: caller, Template: tmpl, Count: 3}, nil)
	assert.ErrorIs(t, err, ErrInvalidBatch)

	r = newTestRunner(backend, &fakeCreds{token: "tok-1"}, &roundRobin{servers: []string{"https://s2"}, ignorePins: true}, nil)
	_, err = r.Run(context.Background(), BatchRequest{Caller: caller, Template: tmpl, Count: 2, Pin: "https://s1"}, nil)
	assert.ErrorIs(t, err, ErrInvalidBatch)

	videos, _, _ := backend.counts()
	assert.Zero(t, videos)
}
