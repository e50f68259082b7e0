package executor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ScreenshotSaver persists screenshot bytes and returns a reference.
type ScreenshotSaver interface {
	SaveScreenshot(ctx context.Context, jobID, directory string, data []byte) (string, error)
}

// HTTPExecutor posts plans to an external executor service.
type HTTPExecutor struct {
	url        string
	httpClient *http.Client
	artifacts  ScreenshotSaver
	log        *slog.Logger
}

// NewHTTPExecutor builds an executor client. artifacts may be nil.
func NewHTTPExecutor(url string, timeout time.Duration, artifacts ScreenshotSaver, log *slog.Logger) *HTTPExecutor {
	if timeout == 0 {
		timeout = 90 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &HTTPExecutor{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		artifacts:  artifacts,
		log:        log,
	}
}

type executorReply struct {
	Success          bool   `json:"success"`
	ListingURL       string `json:"listing_url"`
	Error            string `json:"error"`
	ScreenshotRef    string `json:"screenshot_ref"`
	ScreenshotBase64 string `json:"screenshot_base64"`
}

const maxReplyBytes = 16 * 1024 * 1024

// Submit sends the plan. 429 and 5xx replies are transient; other 4xx replies are permanent.
func (e *HTTPExecutor) Submit(ctx context.Context, plan Plan) (Result, error) {
	body, err := json.Marshal(plan)
	if err != nil {
		return Result{}, Permanent(fmt.Errorf("marshal plan: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", plan.IdempotencyKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("call executor: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return Result{}, fmt.Errorf("read executor reply: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return Result{}, fmt.Errorf("executor status %d: temporarily unavailable", resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return Result{}, Permanent(fmt.Errorf("executor rejected plan: status %d: %s", resp.StatusCode, truncate(string(raw), 200)))
	}

	var reply executorReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Result{}, Permanent(fmt.Errorf("decode executor reply: %w", err))
	}

	res := Result{
		Success:       reply.Success,
		ListingURL:    reply.ListingURL,
		Error:         reply.Error,
		ScreenshotRef: reply.ScreenshotRef,
	}
	if reply.ScreenshotBase64 != "" && e.artifacts != nil {
		if ref, err := e.storeScreenshot(ctx, plan, reply.ScreenshotBase64); err != nil {
			// The submission already happened; a lost screenshot must not turn it into a failure.
			e.log.Warn("screenshot not stored", "job_id", plan.JobID, "directory", plan.Directory, "error", err)
		} else {
			res.ScreenshotRef = ref
		}
	}
	return res, nil
}

func (e *HTTPExecutor) storeScreenshot(ctx context.Context, plan Plan, encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode screenshot: %w", err)
	}
	return e.artifacts.SaveScreenshot(ctx, plan.JobID, plan.Directory, data)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
