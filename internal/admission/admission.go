// Package admission wraps upstream calls with the per-attempt admission
// handshake and a bounded retry policy.
package admission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chatbridge/internal/credential"
	"chatbridge/internal/observability"
)

// ErrUpstreamUnavailable indicates the upstream could not serve the call
// within the retry budget, or rejected it outright.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// ErrCredentialRejected is returned by an Admitter when the upstream refuses
// the credential. The caller invalidates it and retries.
var ErrCredentialRejected = errors.New("credential rejected")

// UpstreamError describes the final failed attempt of a call.
type UpstreamError struct {
	Backend    string
	Attempts   int
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "backend %s unavailable after %d attempt(s)", e.Backend, e.Attempts)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ", last status %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *UpstreamError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUpstreamUnavailable}
	}
	return []error{ErrUpstreamUnavailable, e.Err}
}

// Policy bounds the retries of one call.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the randomization factor applied to every delay.
	Jitter float64
}

// DefaultPolicy returns the retry policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     4,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
		Jitter:          0.5,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
	b.Reset()
	return b
}

// Credentials supplies the bearer credential of a backend.
type Credentials interface {
	Current(ctx context.Context) (string, error)
	Invalidate(ctx context.Context, stale string) error
}

// Admitter performs the upstream admission handshake for a token.
type Admitter interface {
	Admit(ctx context.Context, token, credential string) error
}

// Attempt carries the per-attempt values a call must use.
type Attempt struct {
	Number     int
	Token      string
	Credential string
}

// CallFunc issues one upstream request. On success the caller of Do owns
// the response body.
type CallFunc func(ctx context.Context, attempt Attempt) (*http.Response, error)

// Caller runs upstream calls for one backend.
type Caller struct {
	Backend     string
	Policy      Policy
	Credentials Credentials
	Admitter    Admitter
	// NewToken defaults to the package NewToken.
	NewToken func() (string, error)
}

var tracer = otel.Tracer("chatbridge/internal/admission")

// Do runs call until it yields a 2xx response, a non-retryable failure
// occurs, or the policy is exhausted. Every attempt uses a fresh admission
// token and the current credential.
func (c *Caller) Do(ctx context.Context, call CallFunc) (*http.Response, error) {
	b := c.Policy.backOff(ctx)

	for attempt := 1; ; attempt++ {
		resp, retry, err := c.attempt(ctx, attempt, call)
		if err == nil {
			observability.UpstreamAttemptsTotal.WithLabelValues(c.Backend, "ok").Inc()
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !retry {
			observability.UpstreamAttemptsTotal.WithLabelValues(c.Backend, "rejected").Inc()
			return nil, err
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			observability.UpstreamAttemptsTotal.WithLabelValues(c.Backend, "exhausted").Inc()
			return nil, c.exhausted(attempt, err)
		}
		observability.UpstreamAttemptsTotal.WithLabelValues(c.Backend, "retry").Inc()
		slog.Warn("upstream attempt failed, retrying",
			"backend", c.Backend,
			"attempt", attempt,
			"delay", wait,
			"error", err,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Caller) exhausted(attempts int, err error) error {
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		upErr.Attempts = attempts
		return upErr
	}
	return &UpstreamError{Backend: c.Backend, Attempts: attempts, Err: err}
}

// attempt runs a single try and reports whether a failure is retryable.
func (c *Caller) attempt(ctx context.Context, number int, call CallFunc) (*http.Response, bool, error) {
	ctx, span := tracer.Start(ctx, "upstream.attempt", trace.WithAttributes(
		attribute.String("backend", c.Backend),
		attribute.Int("attempt", number),
	))
	defer span.End()

	resp, retry, err := c.try(ctx, number, call)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return resp, retry, err
}

func (c *Caller) try(ctx context.Context, number int, call CallFunc) (*http.Response, bool, error) {
	newToken := c.NewToken
	if newToken == nil {
		newToken = NewToken
	}
	token, err := newToken()
	if err != nil {
		return nil, false, err
	}

	var cred string
	if c.Credentials != nil {
		cred, err = c.Credentials.Current(ctx)
		if err != nil {
			return nil, !credential.Terminal(err), err
		}
	}

	if c.Admitter != nil {
		if err := c.Admitter.Admit(ctx, token, cred); err != nil {
			if errors.Is(err, ErrCredentialRejected) {
				if invErr := c.invalidate(ctx, cred); invErr != nil {
					return nil, false, invErr
				}
			}
			return nil, true, fmt.Errorf("admission: %w", err)
		}
	}

	start := time.Now()
	resp, err := call(ctx, Attempt{Number: number, Token: token, Credential: cred})
	observability.UpstreamLatency.WithLabelValues(c.Backend).Observe(time.Since(start).Seconds())

	if err != nil {
		// Transport failures such as bad TLS certificates or redirect loops
		// are not worth retrying.
		shouldRetry, checkErr := retryablehttp.ErrorPropagatedRetryPolicy(ctx, nil, err)
		if checkErr == nil {
			checkErr = err
		}
		return nil, shouldRetry, fmt.Errorf("upstream request: %w", checkErr)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp, false, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		drain(resp)
		if err := c.invalidate(ctx, cred); err != nil {
			return nil, false, err
		}
		return nil, true, c.statusError(number, resp.StatusCode, ErrCredentialRejected.Error())
	default:
		// Every other non-success status goes through the retry budget.
		detail := drain(resp)
		return nil, true, c.statusError(number, resp.StatusCode, detail)
	}
}

func (c *Caller) invalidate(ctx context.Context, cred string) error {
	if c.Credentials == nil {
		return nil
	}
	return c.Credentials.Invalidate(ctx, cred)
}

func (c *Caller) statusError(attempt, status int, detail string) error {
	var err error
	if detail != "" {
		err = errors.New(detail)
	}
	return &UpstreamError{Backend: c.Backend, Attempts: attempt, StatusCode: status, Err: err}
}

// drain reads a bounded prefix of the body for diagnostics and closes it.
func drain(resp *http.Response) string {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	return strings.TrimSpace(string(body))
}
