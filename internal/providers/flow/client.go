// Package flow is the HTTP client for the proxy servers that front the
// video and image generation backend.
package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"genproxy/internal/domain"
	"genproxy/internal/infra"
)

// Options configures the proxy client.
type Options struct {
	// LocalProxyBase replaces the URL of local servers so their calls go
	// through a same-origin reverse proxy. Empty keeps the server URL.
	LocalProxyBase string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Logger         *infra.Logger
}

// Client sends JSON calls to proxy servers.
type Client struct {
	localBase  string
	httpClient *http.Client
	logger     *infra.Logger
}

// Target is where a call goes and who it is made as.
type Target struct {
	Server   domain.ServerEndpoint
	Token    string
	Username string
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		localBase:  strings.TrimRight(strings.TrimSpace(opts.LocalProxyBase), "/"),
		httpClient: httpClient,
		logger:     infra.LoggerOrDiscard(opts.Logger),
	}
}

// Endpoint returns the URL of path on service at server.
func (c *Client) Endpoint(server domain.ServerEndpoint, service domain.Service, path string) string {
	base := domain.NormalizeServerURL(server.URL)
	if server.IsLocal && c.localBase != "" {
		base = c.localBase
	}
	return base + "/api/" + string(service) + path
}

// Do posts body and returns the raw JSON answer. Non-2xx answers and
// undecodable bodies come back as *domain.BackendError.
func (c *Client) Do(ctx context.Context, t Target, service domain.Service, path string, body any) (json.RawMessage, error) {
	if strings.TrimSpace(t.Token) == "" {
		return nil, domain.ErrNoCredential
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("flow: encode request: %w", err)
	}
	endpoint := c.Endpoint(t.Server, service, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("flow: build request: %w", err)
	}
	username := strings.TrimSpace(t.Username)
	if username == "" {
		username = "unknown"
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.Token)
	req.Header.Set("x-user-username", username)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("flow: %s%s: %w", service, path, ctxErr)
		}
		return nil, fmt.Errorf("%w: flow: %s%s: %v", domain.ErrBackend, service, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: flow: read response: %v", domain.ErrBackend, err)
	}

	if !json.Valid(raw) {
		return nil, &domain.BackendError{
			Status:  resp.StatusCode,
			Message: domain.NonJSONMessage(resp.StatusCode, string(raw)),
			Kind:    domain.ErrorKindGeneric,
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		berr := domain.NewBackendError(resp.StatusCode, errorMessage(raw, resp.StatusCode))
		c.logger.Debug().
			Int("status", resp.StatusCode).
			Str("kind", string(berr.Kind)).
			Str("server", t.Server.URL).
			Str("path", path).
			Msg("flow: backend rejected call")
		return nil, berr
	}
	return raw, nil
}

type errorBody struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

func errorMessage(raw []byte, status int) string {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error != nil && strings.TrimSpace(body.Error.Message) != "" {
			return body.Error.Message
		}
		if strings.TrimSpace(body.Message) != "" {
			return body.Message
		}
	}
	return fmt.Sprintf("API call failed (%d)", status)
}

// GenerateVideo sends a t2v or i2v body and returns the operation handles.
func (c *Client) GenerateVideo(ctx context.Context, t Target, kind domain.RequestKind, body *VideoRequest) ([]domain.OperationHandle, error) {
	raw, err := c.Do(ctx, t, domain.ServiceVeo, VideoPath(kind), body)
	if err != nil {
		return nil, err
	}
	var decoded generateResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: flow: decode generate response: %v", domain.ErrBackend, err)
	}
	return decoded.Operations, nil
}

// Upload stores an image on the server and returns its media id.
func (c *Client) Upload(ctx context.Context, t Target, service domain.Service, body *UploadRequest) (string, error) {
	raw, err := c.Do(ctx, t, service, PathUpload, body)
	if err != nil {
		return "", err
	}
	var decoded uploadResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("%w: flow: decode upload response: %v", domain.ErrBackend, err)
	}
	id := decoded.id()
	if id == "" {
		return "", fmt.Errorf("%w: upload succeeded but no media id returned", domain.ErrBackend)
	}
	return id, nil
}

// RunRecipe composes an image and returns it base64 encoded.
func (c *Client) RunRecipe(ctx context.Context, t Target, body *RecipeRequest) (string, error) {
	raw, err := c.Do(ctx, t, domain.ServiceImagen, PathRunRecipe, body)
	if err != nil {
		return "", err
	}
	var decoded recipeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("%w: flow: decode recipe response: %v", domain.ErrBackend, err)
	}
	image := decoded.firstImage()
	if image == "" {
		return "", fmt.Errorf("%w: no image returned", domain.ErrBackend)
	}
	return image, nil
}

// Status polls handles and returns the refreshed handles and parsed states.
func (c *Client) Status(ctx context.Context, t Target, handles []domain.OperationHandle) (domain.StatusSnapshot, error) {
	raw, err := c.Do(ctx, t, domain.ServiceVeo, PathStatus, &StatusRequest{Operations: handles})
	if err != nil {
		return domain.StatusSnapshot{}, err
	}
	var decoded generateResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return domain.StatusSnapshot{}, fmt.Errorf("%w: flow: decode status response: %v", domain.ErrBackend, err)
	}
	snap := domain.StatusSnapshot{Handles: decoded.Operations}
	for _, h := range decoded.Operations {
		snap.Operations = append(snap.Operations, ParseOperation(h))
	}
	return snap, nil
}
