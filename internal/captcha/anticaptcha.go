package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"genproxy/internal/domain"
	"genproxy/internal/infra"
)

// AntiCaptchaOptions configures the anti-captcha.com client.
type AntiCaptchaOptions struct {
	BaseURL      string
	WebsiteURL   string
	WebsiteKey   string
	PageAction   string
	MinScore     float64
	PollInterval time.Duration
	MaxWait      time.Duration
	HTTPClient   *http.Client
	Logger       *infra.Logger
}

// AntiCaptcha solves reCAPTCHA v3 challenges through the anti-captcha task API.
type AntiCaptcha struct {
	baseURL      string
	websiteURL   string
	websiteKey   string
	pageAction   string
	minScore     float64
	pollInterval time.Duration
	maxWait      time.Duration
	httpClient   *http.Client
	logger       *infra.Logger
}

type createTaskRequest struct {
	ClientKey string       `json:"clientKey"`
	Task      recaptchaJob `json:"task"`
}

type recaptchaJob struct {
	Type         string  `json:"type"`
	WebsiteURL   string  `json:"websiteURL"`
	WebsiteKey   string  `json:"websiteKey"`
	MinScore     float64 `json:"minScore"`
	PageAction   string  `json:"pageAction,omitempty"`
	IsEnterprise bool    `json:"isEnterprise"`
}

type taskResultRequest struct {
	ClientKey string `json:"clientKey"`
	TaskID    int64  `json:"taskId"`
}

type taskResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
	TaskID           int64  `json:"taskId"`
	Status           string `json:"status"`
	Solution         struct {
		GRecaptchaResponse string `json:"gRecaptchaResponse"`
	} `json:"solution"`
}

func NewAntiCaptcha(opts AntiCaptchaOptions) *AntiCaptcha {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anti-captcha.com"
	}
	minScore := opts.MinScore
	if minScore <= 0 {
		minScore = 0.9
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = 2 * time.Minute
	}
	return &AntiCaptcha{
		baseURL:      baseURL,
		websiteURL:   opts.WebsiteURL,
		websiteKey:   opts.WebsiteKey,
		pageAction:   opts.PageAction,
		minScore:     minScore,
		pollInterval: pollInterval,
		maxWait:      maxWait,
		httpClient:   httpClient,
		logger:       infra.LoggerOrDiscard(opts.Logger),
	}
}

// Solve creates a task and waits for its solution. An empty projectID is
// replaced by a fresh one.
func (a *AntiCaptcha) Solve(ctx context.Context, apiKey, projectID string) (string, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return "", fmt.Errorf("%w: api key is required", domain.ErrCaptchaUnavailable)
	}
	if projectID == "" {
		projectID = uuid.NewString()
	}

	var created taskResponse
	err := a.post(ctx, "/createTask", createTaskRequest{
		ClientKey: apiKey,
		Task: recaptchaJob{
			Type:         "RecaptchaV3TaskProxyless",
			WebsiteURL:   strings.ReplaceAll(a.websiteURL, "{projectId}", projectID),
			WebsiteKey:   a.websiteKey,
			MinScore:     a.minScore,
			PageAction:   a.pageAction,
			IsEnterprise: true,
		},
	}, &created)
	if err != nil {
		return "", err
	}
	if created.TaskID == 0 {
		return "", fmt.Errorf("%w: anticaptcha: no task id", domain.ErrCaptchaUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, a.maxWait)
	defer cancel()
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: anticaptcha task %d: %v", domain.ErrCaptchaUnavailable, created.TaskID, ctx.Err())
		case <-ticker.C:
		}
		var result taskResponse
		if err := a.post(ctx, "/getTaskResult", taskResultRequest{ClientKey: apiKey, TaskID: created.TaskID}, &result); err != nil {
			return "", err
		}
		if result.Status != "ready" {
			continue
		}
		token := strings.TrimSpace(result.Solution.GRecaptchaResponse)
		if token == "" {
			return "", fmt.Errorf("%w: anticaptcha: empty solution", domain.ErrCaptchaUnavailable)
		}
		a.logger.Debug().Int64("task_id", created.TaskID).Msg("anticaptcha: task solved")
		return token, nil
	}
}

func (a *AntiCaptcha) post(ctx context.Context, path string, payload any, out *taskResponse) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("anticaptcha: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("anticaptcha: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: anticaptcha: %v", domain.ErrCaptchaUnavailable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("anticaptcha: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: anticaptcha status %d", domain.ErrCaptchaUnavailable, resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("anticaptcha: decode response: %w", err)
	}
	if out.ErrorID != 0 {
		return fmt.Errorf("%w: anticaptcha %s: %s", domain.ErrCaptchaUnavailable, out.ErrorCode, out.ErrorDescription)
	}
	return nil
}
