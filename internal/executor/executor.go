// Package executor defines the contract with the external submission executor
// that fills in a directory's listing form.
package executor

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"
)

// Plan describes one directory submission.
type Plan struct {
	JobID          string            `json:"job_id"`
	Directory      string            `json:"directory"`
	IdempotencyKey string            `json:"idempotency_key"`
	TargetURL      string            `json:"target_url"`
	FieldMapping   map[string]string `json:"field_mapping"`
	Steps          []string          `json:"steps"`
}

// Result is what the executor reports for a plan.
type Result struct {
	Success       bool   `json:"success"`
	ListingURL    string `json:"listing_url,omitempty"`
	Error         string `json:"error,omitempty"`
	ScreenshotRef string `json:"screenshot_ref,omitempty"`
}

// Executor performs a submission. A returned error or an unsuccessful Result
// are both attempt failures; Classify decides whether to retry.
type Executor interface {
	Submit(ctx context.Context, plan Plan) (Result, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, plan Plan) (Result, error)

func (f Func) Submit(ctx context.Context, plan Plan) (Result, error) {
	return f(ctx, plan)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Class is the retry classification of a failed attempt.
type Class int

const (
	Transient Class = iota
	Fatal
)

func (c Class) String() string {
	if c == Fatal {
		return "permanent"
	}
	return "transient"
}

// Phrases that only appear in transient failure text. Bare status codes and
// words like "unavailable" are left out: form validation messages contain them.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"rate limit",
	"rate-limit",
	"too many requests",
	"temporarily",
	"temporary failure",
	"temporary error",
	"service unavailable",
	"bad gateway",
	"connection reset",
	"connection refused",
	"try again",
}

// transientStatus matches a 429 or 5xx only when it is labelled as a status.
var transientStatus = regexp.MustCompile(`\b(?:http|status|status code)[ :=]*(?:429|5\d\d)\b`)

// Classify sorts an attempt failure. Permanent-marked errors are fatal. Network
// and deadline errors are transient. Anything else is transient only when its
// text names a timeout, rate limit, labelled 429/5xx status or temporary condition.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}
	if IsPermanent(err) {
		return Fatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return Transient
		}
	}
	if transientStatus.MatchString(msg) {
		return Transient
	}
	return Fatal
}

// ResultError turns an unsuccessful Result into an error for Classify.
func ResultError(res Result) error {
	if res.Success {
		return nil
	}
	if res.Error == "" {
		return errors.New("executor reported failure without detail")
	}
	return errors.New(res.Error)
}
