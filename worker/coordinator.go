// Package worker is the background coordinator: the single long-lived actor
// that owns the session lifecycle and talks to the session service.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/spdigital/kiosk-zoom/api"
	"github.com/spdigital/kiosk-zoom/bus"
	"github.com/spdigital/kiosk-zoom/khaos"
	"github.com/spdigital/kiosk-zoom/kiosk"
	"github.com/spdigital/kiosk-zoom/log"
	"github.com/spdigital/kiosk-zoom/message"
	"github.com/spdigital/kiosk-zoom/otel"
	"github.com/spdigital/kiosk-zoom/storage"
)

// ErrStopped is returned for operations issued after the coordinator stopped.
var ErrStopped = errors.New("coordinator stopped")

// ErrUnsupported is replied to messages the coordinator does not handle.
var ErrUnsupported = errors.New("unsupported message")

const opQueueSize = 32

// Service is the part of the session service the coordinator uses.
type Service interface {
	JoinMeeting(ctx context.Context, kioskName, nature string) (*khaos.Session, error)
	Rejoin(ctx context.Context, sessionID string) (*khaos.Session, error)
	SessionStatus(ctx context.Context, sessionID string) (khaos.Status, error)
	ChangeStatus(ctx context.Context, sessionID string, status khaos.Status) (*khaos.Session, error)
	CountCallInQueue(ctx context.Context) (int, error)
	SubscribeAgentJoined(ctx context.Context, sessionID string) (*khaos.Stream, error)
}

// Options configures a Coordinator.
type Options struct {
	// KioskName is used when the kiosk config does not name the kiosk.
	KioskName string
	// Nature is the transaction nature of new sessions.
	Nature string
}

type op struct {
	name string
	ctx  context.Context
	fn   func(ctx context.Context) (any, error)
	done chan opResult
}

type opResult struct {
	v   any
	err error
}

// Coordinator owns the session lifecycle.
//
// Operations that change the session (join, rejoin, end, join failure and
// the agent-joined subscription) run one at a time in the order they were
// issued.
type Coordinator struct {
	svc    Service
	state  *storage.State
	tabs   api.Broadcaster
	opts   Options
	logger *log.Logger

	ops     chan op
	stopped chan struct{}

	mu          sync.Mutex
	phase       Phase
	agentStream *khaos.Stream
}

// New creates a Coordinator. It does nothing until Run is called.
func New(svc Service, state *storage.State, tabs api.Broadcaster, opts Options, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	if opts.KioskName == "" {
		opts.KioskName = kiosk.DefaultKioskName
	}
	if opts.Nature == "" {
		opts.Nature = kiosk.DefaultNature
	}
	return &Coordinator{
		svc:     svc,
		state:   state,
		tabs:    tabs,
		opts:    opts,
		logger:  logger,
		ops:     make(chan op, opQueueSize),
		stopped: make(chan struct{}),
		phase:   PhaseIdle,
	}
}

// Run runs the operation loop until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	defer func() {
		close(c.stopped)
		c.closeAgentStream()
		for {
			select {
			case o := <-c.ops:
				o.done <- opResult{err: ErrStopped}
			default:
				return
			}
		}
	}()

	c.logger.Infof("worker:Run", "coordinator started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Infof("worker:Run", "coordinator stopped: %v", ctx.Err())
			return
		case o := <-c.ops:
			c.logger.Debugf("worker:Run", "running %s", o.name)
			octx, span := otel.Trace(o.ctx, "worker."+o.name)
			v, err := o.fn(octx)
			if err != nil {
				c.logger.Warnf("worker:Run", "%s: %v", o.name, err)
			}
			otel.EndWithError(span, err)
			o.done <- opResult{v: v, err: err}
		}
	}
}

// enqueue queues fn in the operation loop and returns the channel its result
// will be sent on.
func (c *Coordinator) enqueue(ctx context.Context, name string, fn func(context.Context) (any, error)) <-chan opResult {
	done := make(chan opResult, 1)
	select {
	case c.ops <- op{name: name, ctx: ctx, fn: fn, done: done}:
	case <-c.stopped:
		done <- opResult{err: ErrStopped}
	}
	return done
}

// wait waits for the result of a queued operation.
func (c *Coordinator) wait(ctx context.Context, name string, done <-chan opResult) (any, error) {
	select {
	case res := <-done:
		return res.v, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", name, ctx.Err())
	case <-c.stopped:
		// the loop may have finished the operation before stopping
		select {
		case res := <-done:
			return res.v, res.err
		default:
			return nil, ErrStopped
		}
	}
}

// do runs fn in the operation loop and waits for its result.
func (c *Coordinator) do(ctx context.Context, name string, fn func(context.Context) (any, error)) (any, error) {
	return c.wait(ctx, name, c.enqueue(ctx, name, fn))
}

// Phase returns the current phase of the session.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Coordinator) setPhase(p Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != p {
		c.logger.Debugf("worker:setPhase", "%s -> %s", c.phase, p)
	}
	c.phase = p
}

// HandleMessage implements bus.Handler.
func (c *Coordinator) HandleMessage(ctx context.Context, env message.Envelope, reply bus.Reply) {
	if env.From != message.FromWidget && env.From != message.FromContentScript {
		c.logger.Warnf("worker:HandleMessage", "ignoring %s", env)
		reply(nil, ErrUnsupported)
		return
	}

	// Replies are sent from another goroutine so that the bus keeps
	// dispatching while an operation runs.
	queued := func(name string, fn func(context.Context) (any, error)) {
		done := c.enqueue(ctx, name, fn)
		go func() {
			reply(c.wait(ctx, name, done))
		}()
	}

	switch env.Type {
	case message.CheckSessionStatusValid:
		// any failure replies not valid
		done := c.enqueue(ctx, "check session", func(ctx context.Context) (any, error) {
			return c.checkSessionValid(ctx)
		})
		go func() {
			v, _ := c.wait(ctx, "check session", done)
			valid, _ := v.(bool)
			reply(valid, nil)
		}()
	case message.JoinSession:
		queued("join session", func(ctx context.Context) (any, error) { return c.joinSession(ctx) })
	case message.RejoinSession:
		queued("rejoin session", func(ctx context.Context) (any, error) { return c.rejoinSession(ctx) })
	case message.EndSession, message.JoinSessionFail:
		queued(string(env.Type), func(ctx context.Context) (any, error) { return nil, c.endSession(ctx) })
	case message.SubscribeAgentJoined:
		queued("subscribe agent joined", func(ctx context.Context) (any, error) {
			return nil, c.subscribeAgentJoined(context.WithoutCancel(ctx))
		})
	case message.CountCallInQueue:
		go func() {
			err := c.CountCallInQueue(ctx)
			reply(nil, err)
		}()
	default:
		c.logger.Warnf("worker:HandleMessage", "not a valid type: %s", env)
		reply(nil, fmt.Errorf("%w: %s", ErrUnsupported, env.Type))
	}
}

// CheckSessionValid reports whether the persisted session can be resumed:
// it exists and the service reports it as START, AGENT_JOINING or
// AGENT_JOINED. Any failure means not valid. The check runs after the
// session operations issued before it.
func (c *Coordinator) CheckSessionValid(ctx context.Context) (bool, error) {
	v, err := c.do(ctx, "check session", func(ctx context.Context) (any, error) { return c.checkSessionValid(ctx) })
	valid, _ := v.(bool)
	return valid, err
}

func (c *Coordinator) checkSessionValid(ctx context.Context) (bool, error) {
	id, err := c.state.SessionID(ctx)
	if err != nil {
		c.logger.Errorf("worker:checkSessionValid", "reading session id: %v", err)
		return false, err
	}
	if id == "" {
		return false, nil
	}

	status, err := c.svc.SessionStatus(ctx, id)
	if err != nil {
		c.logger.Warnf("worker:checkSessionValid", "session %q status: %v", id, err)
		return false, err
	}
	c.logger.Debugf("worker:checkSessionValid", "session %q is %s", id, status)

	return status.Active(), nil
}

// JoinSession starts a new session and persists its id.
func (c *Coordinator) JoinSession(ctx context.Context) (*khaos.Session, error) {
	v, err := c.do(ctx, "join session", func(ctx context.Context) (any, error) { return c.joinSession(ctx) })
	s, _ := v.(*khaos.Session)
	return s, err
}

// RejoinSession returns the credentials of the persisted session, or nil if
// it cannot be rejoined.
func (c *Coordinator) RejoinSession(ctx context.Context) (*khaos.Session, error) {
	v, err := c.do(ctx, "rejoin session", func(ctx context.Context) (any, error) { return c.rejoinSession(ctx) })
	s, _ := v.(*khaos.Session)
	return s, err
}

// EndSession ends the persisted session and forgets it.
func (c *Coordinator) EndSession(ctx context.Context) error {
	_, err := c.do(ctx, "end session", func(ctx context.Context) (any, error) { return nil, c.endSession(ctx) })
	return err
}

// SubscribeAgentJoined listens for the agent joining the persisted session.
// The subscription outlives ctx; it ends with the session.
func (c *Coordinator) SubscribeAgentJoined(ctx context.Context) error {
	_, err := c.do(ctx, "subscribe agent joined", func(ctx context.Context) (any, error) {
		return nil, c.subscribeAgentJoined(context.WithoutCancel(ctx))
	})
	return err
}

func (c *Coordinator) kioskName(ctx context.Context) string {
	cfg, err := c.state.KioskConfig(ctx)
	if err != nil {
		c.logger.Warnf("worker:kioskName", "reading kiosk config: %v", err)
	}
	return cfg.NameOr(c.opts.KioskName)
}

func (c *Coordinator) joinSession(ctx context.Context) (*khaos.Session, error) {
	c.setPhase(PhaseJoining)

	sess, err := c.svc.JoinMeeting(ctx, c.kioskName(ctx), c.opts.Nature)
	if err != nil {
		c.setPhase(PhaseIdle)
		return nil, fmt.Errorf("joining meeting: %w", err)
	}
	c.state.SetSessionID(sess.SessionID)
	c.logger.Infof("worker:joinSession", "session %q started", sess.SessionID)

	return sess, nil
}

func (c *Coordinator) rejoinSession(ctx context.Context) (*khaos.Session, error) {
	id, err := c.state.SessionID(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading session id: %w", err)
	}

	sess, err := c.svc.Rejoin(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("rejoining session %q: %w", id, err)
	}
	if sess == nil {
		c.logger.Infof("worker:rejoinSession", "session %q cannot be rejoined", id)
		return nil, nil
	}
	c.setPhase(PhaseInSession)

	return sess, nil
}

func (c *Coordinator) endSession(ctx context.Context) error {
	c.setPhase(PhaseEnding)
	defer c.setPhase(PhaseIdle)

	c.closeAgentStream()

	id, err := c.state.SessionID(ctx)
	if err != nil {
		c.logger.Errorf("worker:endSession", "reading session id: %v", err)
	}
	c.state.ClearSession()
	if id == "" {
		c.logger.Debugf("worker:endSession", "no session to end")
		return nil
	}

	if _, err := c.svc.ChangeStatus(ctx, id, khaos.StatusEnd); err != nil {
		return fmt.Errorf("ending session %q: %w", id, err)
	}
	c.logger.Infof("worker:endSession", "session %q ended", id)

	return nil
}

// CountCallInQueue broadcasts the queue depth to every open tab.
func (c *Coordinator) CountCallInQueue(ctx context.Context) error {
	n, err := c.svc.CountCallInQueue(ctx)
	if err != nil {
		return fmt.Errorf("counting calls in queue: %w", err)
	}

	env, err := message.New(message.FromWorker, message.CountCallInQueue, message.Toast{
		Message:  QueueMessage(n),
		IconType: message.IconDot,
	})
	if err != nil {
		return err
	}
	sent := c.tabs.Broadcast(env)
	c.logger.Debugf("worker:CountCallInQueue", "%d in queue, told %d tabs", n, sent)

	return nil
}

// QueueMessage is the toast text for n calls waiting.
func QueueMessage(n int) string {
	return fmt.Sprintf("%d call in queue", n)
}

func (c *Coordinator) subscribeAgentJoined(ctx context.Context) error {
	id, err := c.state.SessionID(ctx)
	if err != nil {
		return fmt.Errorf("reading session id: %w", err)
	}
	if id == "" {
		return errors.New("subscribing to agent joined: no session")
	}

	c.closeAgentStream()
	stream, err := c.svc.SubscribeAgentJoined(ctx, id)
	if err != nil {
		return fmt.Errorf("subscribing to agent joined: %w", err)
	}

	c.mu.Lock()
	c.agentStream = stream
	c.mu.Unlock()

	go c.watchAgentJoined(id, stream)

	return nil
}

func (c *Coordinator) watchAgentJoined(sessionID string, stream *khaos.Stream) {
	for ev := range stream.Events() {
		if ev.Name != khaos.DefaultEventName {
			continue
		}
		var data khaos.AgentJoined
		if err := json.Unmarshal([]byte(ev.Data), &data); err != nil {
			c.logger.Warnf("worker:watchAgentJoined", "session %q: %v", sessionID, err)
			continue
		}
		if data.AgentName == "" {
			continue
		}

		c.setPhase(PhaseInSession)
		env, err := message.New(message.FromWorker, message.AgentJoinedToast, data.AgentName)
		if err != nil {
			c.logger.Errorf("worker:watchAgentJoined", "%v", err)
			continue
		}
		n := c.tabs.Broadcast(env)
		c.logger.Infof("worker:watchAgentJoined", "agent %q joined session %q, told %d tabs", data.AgentName, sessionID, n)
	}

	if err := stream.Err(); err != nil {
		c.logger.Warnf("worker:watchAgentJoined", "session %q stream: %v", sessionID, err)
	}
	_ = stream.Close()

	c.mu.Lock()
	if c.agentStream == stream {
		c.agentStream = nil
	}
	c.mu.Unlock()
}

func (c *Coordinator) closeAgentStream() {
	c.mu.Lock()
	s := c.agentStream
	c.agentStream = nil
	c.mu.Unlock()

	if s != nil {
		_ = s.Close()
	}
}
