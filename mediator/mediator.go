// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mediator delivers dispatch messages to their downstream
// HTTP targets and classifies each attempt into an outcome the pool
// can act on. A circuit breaker per target host sheds load from
// endpoints that are consistently failing.
package mediator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/absmach/dispatch/dispatch"
)

// Config holds HTTP mediator configuration.
type Config struct {
	// Timeout bounds a single delivery attempt when the message does
	// not carry its own timeout.
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failures that
	// trips a target's circuit breaker.
	FailureThreshold int
	// ResetTimeout is how long a tripped breaker stays open.
	ResetTimeout time.Duration
	// UserAgent overrides the default request user agent.
	UserAgent string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		UserAgent:        "dispatch-mediator/1.0",
	}
}

// HTTPMediator implements dispatch.Processor over HTTP POST.
type HTTPMediator struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
}

var _ dispatch.Processor = (*HTTPMediator)(nil)

// New creates an HTTP mediator.
func New(cfg Config, logger *slog.Logger) *HTTPMediator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultConfig().UserAgent
	}

	return &HTTPMediator{
		cfg: cfg,
		client: &http.Client{
			// Per-attempt deadlines come from the request context;
			// this is a hard upper bound.
			Timeout: cfg.Timeout,
		},
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Process posts the message payload to its target and classifies the
// result. A breaker already open for the target host fails fast as a
// process error without a network attempt.
func (m *HTTPMediator) Process(ctx context.Context, msg *dispatch.Message) dispatch.Result {
	if msg.Target == "" {
		return dispatch.Result{Outcome: dispatch.ErrorConfig, Err: errors.New("message has no target")}
	}

	breaker := m.breakerFor(msg.Target)

	out, err := breaker.Execute(func() (interface{}, error) {
		status, retryAfter, sendErr := m.send(ctx, msg)
		res := classify(status, retryAfter, sendErr)
		// Only transient outcomes count against the breaker; config
		// rejections say nothing about target health.
		if res.Outcome == dispatch.ErrorProcess {
			return res, fmt.Errorf("delivery failed: status=%d err=%w", status, errOrPlaceholder(sendErr))
		}
		return res, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return dispatch.Result{Outcome: dispatch.ErrorProcess, Err: err}
		}
		if res, ok := out.(dispatch.Result); ok {
			return res
		}
		return dispatch.Result{Outcome: dispatch.ErrorProcess, Err: err}
	}
	return out.(dispatch.Result)
}

// send performs the HTTP POST and returns the response status and its
// Retry-After header, or an error for transport-level failures.
func (m *HTTPMediator) send(ctx context.Context, msg *dispatch.Message) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.Target, bytes.NewReader(msg.Payload))
	if err != nil {
		return 0, "", fmt.Errorf("failed to create request: %w", err)
	}

	contentType := msg.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", m.cfg.UserAgent)
	if msg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+msg.AuthToken)
	}
	for key, value := range msg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	return resp.StatusCode, resp.Header.Get("Retry-After"), nil
}

// classify maps a delivery attempt to an outcome:
//   - 2xx: success
//   - 425, or 503 carrying Retry-After: deferred (the target asked
//     for a pause, retried after the visibility delay)
//   - 408, 429, 5xx, transport errors, timeouts: process error
//   - remaining 4xx: config error, never retried
func classify(status int, retryAfter string, err error) dispatch.Result {
	if err != nil {
		return dispatch.Result{Outcome: dispatch.ErrorProcess, Err: err}
	}

	switch {
	case status >= 200 && status < 300:
		return dispatch.Result{Outcome: dispatch.Success, Status: status}
	case status == http.StatusTooEarly:
		return dispatch.Result{Outcome: dispatch.Deferred, Status: status}
	case status == http.StatusServiceUnavailable && retryAfter != "":
		return dispatch.Result{Outcome: dispatch.Deferred, Status: status}
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return dispatch.Result{Outcome: dispatch.ErrorProcess, Status: status}
	case status >= 500:
		return dispatch.Result{Outcome: dispatch.ErrorProcess, Status: status}
	case status >= 400:
		return dispatch.Result{Outcome: dispatch.ErrorConfig, Status: status}
	default:
		return dispatch.Result{Outcome: dispatch.ErrorProcess, Status: status,
			Err: fmt.Errorf("unexpected status: %d", status)}
	}
}

// breakerFor returns the circuit breaker for the target's host,
// creating it on first use.
func (m *HTTPMediator) breakerFor(target string) *gobreaker.CircuitBreaker {
	host := target
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		host = u.Host
	}

	m.breakersMu.Lock()
	defer m.breakersMu.Unlock()

	if b, ok := m.breakers[host]; ok {
		return b
	}

	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     m.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(m.cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			m.logger.Warn("Mediator circuit breaker state changed",
				"target", name, "from", from.String(), "to", to.String())
		},
	})
	m.breakers[host] = b
	return b
}

func errOrPlaceholder(err error) error {
	if err != nil {
		return err
	}
	return errors.New("non-2xx response")
}
