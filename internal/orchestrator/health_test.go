package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genproxy/internal/domain"
)

func TestSweepReportsPerServer(t *testing.T) {
	backend := &fakeBackend{video: func(call videoCall, attempt int) ([]domain.OperationHandle, error) {
		if call.target.Server.URL == "https://down" {
			return nil, domain.NewBackendError(502, "bad gateway")
		}
		return nil, nil
	}}
	captcha := &fakeCaptcha{token: "03AF"}
	h := NewHealthChecker(newTestDispatcher(backend, &fakeCreds{token: "tok-1"}, captcha, nil), 2, nil)

	servers := []domain.ServerEndpoint{{URL: "https://up"}, {URL: "https://down"}, {URL: "https://up2"}}
	results := h.Sweep(context.Background(), caller, servers, "")
	require.Len(t, results, 3)
	assert.True(t, results[0].OK)
	assert.Equal(t, domain.TierUltra, results[0].Tier)
	assert.False(t, results[1].OK)
	assert.Equal(t, "https://down", results[1].Server)
	assert.Equal(t, domain.ErrorKindGeneric, results[1].Kind)
	assert.True(t, results[2].OK)

	for _, call := range backend.videos {
		assert.Equal(t, "03AF", call.body.ClientContext.RecaptchaToken)
	}
}
