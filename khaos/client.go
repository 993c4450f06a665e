// Package khaos is the HTTP client of the remote session service.
package khaos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oxtoacart/bpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/spdigital/kiosk-zoom/kiosk"
	"github.com/spdigital/kiosk-zoom/log"
	"github.com/spdigital/kiosk-zoom/otel"
)

// Base paths of the service.
const (
	SessionsPath = "/khaos/v1/sessions"
	HalpPath     = "/khaos/v1/halp"
	FeaturesPath = "/khaos/v1/features"
)

// ErrNetwork wraps failures to reach the service at all.
var ErrNetwork = errors.New("session service unreachable")

const (
	defaultRequestTimeout = 30 * time.Second
	bufferPoolSize        = 16
)

// ConfigFunc returns the current kiosk config. The client asks for it on
// every call since the config can change at any time.
type ConfigFunc func(ctx context.Context) (kiosk.Config, error)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient makes the client use hc for every request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTracer makes the client start its spans with t.
func WithTracer(t *otel.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// Client talks to the session service.
//
// The base host is kioskConfig.kioskHost when set, defaultHost otherwise.
// Requests carry a bearer token when kioskConfig.accessToken is set.
type Client struct {
	http        *http.Client
	config      ConfigFunc
	defaultHost string
	logger      *log.Logger
	tracer      *otel.Tracer
	bufs        *bpool.BufferPool
}

// NewClient creates a Client. A nil config means the default host is always
// used without authentication.
func NewClient(defaultHost string, config ConfigFunc, logger *log.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	if config == nil {
		config = func(context.Context) (kiosk.Config, error) { return kiosk.Config{}, nil }
	}
	c := &Client{
		http:        &http.Client{},
		config:      config,
		defaultHost: strings.TrimRight(defaultHost, "/"),
		logger:      logger,
		bufs:        bpool.NewBufferPool(bufferPoolSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = otel.NewTracer(logger, nil, map[string]string{"kiosk.component": "khaos"})
	}
	return c
}

// JoinMeeting asks the service for a new session.
func (c *Client) JoinMeeting(ctx context.Context, kioskName, nature string) (_ *Session, err error) {
	ctx, span := c.tracer.Start(ctx, "khaos.JoinMeeting", trace.WithAttributes(
		attribute.String("kiosk.name", kioskName),
		attribute.String("session.nature", nature),
	))
	defer func() { otel.EndWithError(span, err) }()

	q := url.Values{}
	q.Set("kioskName", kioskName)
	q.Set("nature", nature)
	resp, err := c.do(ctx, "join meeting", http.MethodPost, SessionsPath, q, nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)
	if !ok(resp) {
		return nil, &RemoteStatusError{Op: "join meeting", StatusCode: resp.StatusCode}
	}

	var s Session
	if err := c.decode(resp, &s); err != nil {
		return nil, fmt.Errorf("join meeting: %w", err)
	}
	span.SetAttributes(attribute.String("session.id", s.SessionID))
	c.logger.Infof("khaos:JoinMeeting", "joined session %q as %q", s.SessionID, kioskName)

	return &s, nil
}

// Rejoin asks the service for the join credentials of an existing session.
// A session the service refuses to rejoin yields nil without an error.
func (c *Client) Rejoin(ctx context.Context, sessionID string) (_ *Session, err error) {
	if sessionID == "" {
		c.logger.Debugf("khaos:Rejoin", "no session to rejoin")
		return nil, nil
	}

	ctx, span := c.tracer.Start(ctx, "khaos.Rejoin", trace.WithAttributes(
		attribute.String("session.id", sessionID),
	))
	defer func() { otel.EndWithError(span, err) }()

	resp, err := c.do(ctx, "rejoin", http.MethodPost, sessionPath(sessionID, "rejoin"), nil, nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)
	if !ok(resp) {
		c.logger.Infof("khaos:Rejoin", "session %q cannot be rejoined: status %d", sessionID, resp.StatusCode)
		return nil, nil
	}

	var s Session
	if err := c.decode(resp, &s); err != nil {
		return nil, fmt.Errorf("rejoin: %w", err)
	}
	return &s, nil
}

// SessionStatus returns the status of a session. Any non-2xx answer yields
// StatusError without an error; a failure to reach the service yields
// StatusError with the error.
func (c *Client) SessionStatus(ctx context.Context, sessionID string) (_ Status, err error) {
	ctx, span := c.tracer.Start(ctx, "khaos.SessionStatus", trace.WithAttributes(
		attribute.String("session.id", sessionID),
	))
	defer func() { otel.EndWithError(span, err) }()

	resp, err := c.do(ctx, "session status", http.MethodGet, sessionPath(sessionID, "status"), nil, nil)
	if err != nil {
		return StatusError, err
	}
	defer drain(resp)
	if !ok(resp) {
		return StatusError, nil
	}

	buf := c.bufs.Get()
	defer c.bufs.Put(buf)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return StatusError, fmt.Errorf("session status: reading body: %w: %w", ErrNetwork, err)
	}

	var status string
	if err := json.Unmarshal(buf.Bytes(), &status); err != nil {
		// the service may answer with the bare status
		status = strings.TrimSpace(buf.String())
	}
	span.SetAttributes(attribute.String("session.status", status))

	return Status(status), nil
}

// ChangeStatus moves a session to status.
func (c *Client) ChangeStatus(ctx context.Context, sessionID string, status Status) (_ *Session, err error) {
	ctx, span := c.tracer.Start(ctx, "khaos.ChangeStatus", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("session.status", string(status)),
	))
	defer func() { otel.EndWithError(span, err) }()

	q := url.Values{}
	q.Set("status", string(status))
	resp, err := c.do(ctx, "change status", http.MethodPost, sessionPath(sessionID, ""), q, nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)
	if !ok(resp) {
		return nil, &RemoteStatusError{Op: "change status", StatusCode: resp.StatusCode}
	}

	var s Session
	if err := c.decode(resp, &s); err != nil {
		return nil, fmt.Errorf("change status: %w", err)
	}
	return &s, nil
}

// UpdateTxnNature changes the transaction nature of a session.
func (c *Client) UpdateTxnNature(ctx context.Context, req TxnNatureRequest) (err error) {
	ctx, span := c.tracer.Start(ctx, "khaos.UpdateTxnNature", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("session.nature", req.Nature),
	))
	defer func() { otel.EndWithError(span, err) }()

	resp, err := c.do(ctx, "update transaction nature", http.MethodPost, SessionsPath+"/transactionNature", nil, req)
	if err != nil {
		return err
	}
	defer drain(resp)
	if !ok(resp) {
		return &RemoteStatusError{Op: "update transaction nature", StatusCode: resp.StatusCode}
	}
	return nil
}

// CountCallInQueue returns the number of sessions waiting for an agent.
func (c *Client) CountCallInQueue(ctx context.Context) (_ int, err error) {
	ctx, span := c.tracer.Start(ctx, "khaos.CountCallInQueue")
	defer func() { otel.EndWithError(span, err) }()

	resp, err := c.do(ctx, "count call in queue", http.MethodGet, HalpPath+"/sessions/count-queued", nil, nil)
	if err != nil {
		return 0, err
	}
	defer drain(resp)
	if !ok(resp) {
		return 0, &RemoteStatusError{Op: "count call in queue", StatusCode: resp.StatusCode}
	}

	var n int
	if err := c.decode(resp, &n); err != nil {
		return 0, fmt.Errorf("count call in queue: %w", err)
	}
	return n, nil
}

// AvailableAgents lists the agents known to the service.
func (c *Client) AvailableAgents(ctx context.Context) (_ []Agent, err error) {
	ctx, span := c.tracer.Start(ctx, "khaos.AvailableAgents")
	defer func() { otel.EndWithError(span, err) }()

	resp, err := c.do(ctx, "available agents", http.MethodGet, HalpPath+"/agents", nil, nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)
	if !ok(resp) {
		return nil, &RemoteStatusError{Op: "available agents", StatusCode: resp.StatusCode}
	}

	var agents []Agent
	if err := c.decode(resp, &agents); err != nil {
		return nil, fmt.Errorf("available agents: %w", err)
	}
	return agents, nil
}

// SchedulesByDate lists the agent schedules of the day of date.
func (c *Client) SchedulesByDate(ctx context.Context, date time.Time) (_ []Schedule, err error) {
	day := date.Format(time.DateOnly)
	ctx, span := c.tracer.Start(ctx, "khaos.SchedulesByDate", trace.WithAttributes(
		attribute.String("schedule.date", day),
	))
	defer func() { otel.EndWithError(span, err) }()

	q := url.Values{}
	q.Set("date", day)
	resp, err := c.do(ctx, "schedules by date", http.MethodGet, HalpPath+"/available-schedules", q, nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)
	if !ok(resp) {
		return nil, &RemoteStatusError{Op: "schedules by date", StatusCode: resp.StatusCode}
	}

	var schedules []Schedule
	if err := c.decode(resp, &schedules); err != nil {
		return nil, fmt.Errorf("schedules by date: %w", err)
	}
	return schedules, nil
}

// SubscribeAgentJoined opens the stream of agent-joined events of a session.
func (c *Client) SubscribeAgentJoined(ctx context.Context, sessionID string) (*Stream, error) {
	q := url.Values{}
	q.Set("sessionId", sessionID)
	return c.subscribe(ctx, "agent joined", HalpPath+"/sessions/agent-joined", q)
}

// SubscribeFeatureToggle opens the stream of feature toggle events. Events
// are named "data" and keyed by kiosk name.
func (c *Client) SubscribeFeatureToggle(ctx context.Context) (*Stream, error) {
	return c.subscribe(ctx, "feature toggle", FeaturesPath+"/va", nil)
}

func (c *Client) subscribe(ctx context.Context, op, path string, q url.Values) (_ *Stream, err error) {
	_, span := c.tracer.Start(ctx, "khaos.Subscribe", trace.WithAttributes(
		attribute.String("stream.path", path),
	))
	defer func() { otel.EndWithError(span, err) }()

	sctx, cancel := context.WithCancel(ctx)
	req, err := c.newRequest(sctx, op, http.MethodGet, path, q, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s: %w: %w", op, ErrNetwork, err)
	}
	if !ok(resp) {
		drain(resp)
		cancel()
		return nil, &RemoteStatusError{Op: op, StatusCode: resp.StatusCode}
	}
	c.logger.Debugf("khaos:subscribe", "%s stream open on %s", op, req.URL)

	return newStream(sctx, cancel, resp.Body, c.logger), nil
}

// base resolves the host and token to use for a call. A config that cannot
// be read is logged and treated as empty.
func (c *Client) base(ctx context.Context) (string, string) {
	cfg, err := c.config(ctx)
	if err != nil {
		c.logger.Warnf("khaos:base", "reading kiosk config, using defaults: %v", err)
		return c.defaultHost, ""
	}
	return cfg.HostOr(c.defaultHost), cfg.AccessToken
}

func (c *Client) newRequest(
	ctx context.Context, op, method, path string, q url.Values, body any,
) (*http.Request, error) {
	host, token := c.base(ctx)
	u := host + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var r io.Reader
	if body != nil {
		bb, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encoding body: %w", op, err)
		}
		r = bytes.NewReader(bb)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(
	ctx context.Context, op, method, path string, q url.Values, body any,
) (*http.Response, error) {
	cancel := context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
	}
	req, err := c.newRequest(ctx, op, method, path, q, body)
	if err != nil {
		cancel()
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		c.logger.Debugf("khaos:do", "%s %s failed: %v", method, req.URL.Path, err)
		return nil, fmt.Errorf("%s: %w: %w", op, ErrNetwork, err)
	}
	c.logger.Debugf("khaos:do", "%s %s -> %d in %s", method, req.URL.Path, resp.StatusCode, time.Since(start))
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}

	return resp, nil
}

// cancelOnClose releases the request context once the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func (c *Client) decode(resp *http.Response, v any) error {
	buf := c.bufs.Get()
	defer c.bufs.Put(buf)

	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return fmt.Errorf("reading body: %w: %w", ErrNetwork, err)
	}
	if err := json.Unmarshal(buf.Bytes(), v); err != nil {
		return fmt.Errorf("decoding body: %w", err)
	}
	return nil
}

func sessionPath(sessionID, sub string) string {
	p := SessionsPath + "/" + url.PathEscape(sessionID)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func ok(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	_ = resp.Body.Close()
}
