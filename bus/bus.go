// Package bus is the extension runtime: it carries messages from the content
// scripts and the widgets to the worker, carries the worker's replies back,
// and fans the worker's broadcasts out to every open tab.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/spdigital/kiosk-zoom/log"
	"github.com/spdigital/kiosk-zoom/message"
)

var (
	// ErrNoListener is returned when no worker listens for messages.
	ErrNoListener = errors.New("could not establish connection: receiving end does not exist")
	// ErrListening is returned by Listen when a listener is already set.
	ErrListening = errors.New("a listener is already registered")
	// ErrNoReply is returned to a sender whose message the listener dropped
	// without replying.
	ErrNoReply = errors.New("the message port closed before a response was received")
	// ErrExpectsReply is returned when posting a message whose sender must
	// wait for the reply.
	ErrExpectsReply = errors.New("message expects a reply")
)

const (
	inboxSize    = 64
	tabQueueSize = 32
)

// Reply delivers the answer to a message. It must be called at most once;
// later calls are ignored.
type Reply func(result any, err error)

// Handler handles the messages sent to the worker. HandleMessage runs on the
// bus dispatch goroutine, in send order, and must not block: long work goes
// to another goroutine which calls reply when done. Messages posted without
// waiting for a reply get a reply func that discards its arguments.
type Handler interface {
	HandleMessage(ctx context.Context, env message.Envelope, reply Reply)
}

// HandlerFunc adapts a func to a Handler.
type HandlerFunc func(ctx context.Context, env message.Envelope, reply Reply)

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, env message.Envelope, reply Reply) {
	f(ctx, env, reply)
}

type delivery struct {
	ctx   context.Context
	env   message.Envelope
	reply Reply
}

type result struct {
	data json.RawMessage
	err  error
}

// Bus is an in-process extension runtime.
type Bus struct {
	logger *log.Logger

	mu       sync.RWMutex
	inbox    chan delivery
	tabs     map[int]*Tab
	nextTab  int
	listenCt context.Context
}

// New returns a bus without listener or tabs.
func New(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Bus{
		logger: logger,
		tabs:   make(map[int]*Tab),
	}
}

// Listen registers h as the receiver of the messages sent to the worker
// until ctx is done. Messages are handed to h one at a time, in the order
// they were sent.
func (b *Bus) Listen(ctx context.Context, h Handler) error {
	b.mu.Lock()
	if b.inbox != nil {
		b.mu.Unlock()
		return ErrListening
	}
	inbox := make(chan delivery, inboxSize)
	b.inbox = inbox
	b.listenCt = ctx
	b.mu.Unlock()

	go b.dispatch(ctx, inbox, h)
	return nil
}

func (b *Bus) dispatch(ctx context.Context, inbox chan delivery, h Handler) {
	defer func() {
		b.mu.Lock()
		b.inbox = nil
		b.listenCt = nil
		b.mu.Unlock()

		// whoever is still waiting gets an answer
		for {
			select {
			case d := <-inbox:
				d.reply(nil, ErrNoListener)
			default:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			b.logger.Debugf("bus:dispatch", "listener stopped: %v", ctx.Err())
			return
		case d := <-inbox:
			b.logger.Debugf("bus:dispatch", "delivering %s", d.env)
			h.HandleMessage(d.ctx, d.env, d.reply)
		}
	}
}

// deliver queues env for the listener.
func (b *Bus) deliver(ctx context.Context, env message.Envelope, reply Reply) error {
	if err := env.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.inbox == nil {
		return ErrNoListener
	}
	select {
	case b.inbox <- delivery{ctx: ctx, env: env, reply: reply}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.listenCt.Done():
		return ErrNoListener
	}
}

// SendMessage sends env to the worker and waits for the reply.
func (b *Bus) SendMessage(ctx context.Context, env message.Envelope) (json.RawMessage, error) {
	wait, err := b.send(ctx, env)
	if err != nil {
		return nil, err
	}
	return wait()
}

// send queues env for the listener and returns a func waiting for the
// reply. Once send returned, env is ordered before anything sent later.
func (b *Bus) send(ctx context.Context, env message.Envelope) (func() (json.RawMessage, error), error) {
	resCh := make(chan result, 1)
	var once sync.Once
	reply := func(v any, err error) {
		once.Do(func() {
			if err != nil {
				resCh <- result{err: err}
				return
			}
			bb, merr := json.Marshal(v)
			if merr != nil {
				merr = fmt.Errorf("encoding reply to %s: %w", env.Type, merr)
			}
			resCh <- result{data: bb, err: merr}
		})
	}
	if err := b.deliver(ctx, env, reply); err != nil {
		return nil, fmt.Errorf("sending %s: %w", env.Type, err)
	}

	return func() (json.RawMessage, error) {
		select {
		case res := <-resCh:
			if res.err != nil {
				return nil, fmt.Errorf("sending %s: %w", env.Type, res.err)
			}
			return res.data, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("sending %s: %w", env.Type, ctx.Err())
		}
	}, nil
}

// Post sends env to the worker without waiting for a reply. Messages whose
// sender waits for a reply cannot be posted.
func (b *Bus) Post(env message.Envelope) error {
	err := checkPost(env)
	if err == nil {
		err = b.deliver(context.Background(), env, func(any, error) {})
	}
	if err != nil {
		b.logger.Warnf("bus:Post", "posting %s: %v", env, err)
		return fmt.Errorf("posting %s: %w", env.Type, err)
	}
	return nil
}

func checkPost(env message.Envelope) error {
	if env.Type.ExpectsReply() {
		return fmt.Errorf("%w: %s", ErrExpectsReply, env.Type)
	}
	return nil
}

// OpenTab registers a new tab. The tab receives every broadcast until it is
// closed.
func (b *Bus) OpenTab() *Tab {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextTab++
	t := &Tab{
		id:  b.nextTab,
		bus: b,
		ch:  make(chan message.Envelope, tabQueueSize),
	}
	b.tabs[t.id] = t
	b.logger.Debugf("bus:OpenTab", "tab %d opened", t.id)

	return t
}

// Tabs returns the number of open tabs.
func (b *Bus) Tabs() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tabs)
}

// Broadcast delivers env to every open tab and returns how many got it. A
// tab that does not keep up loses the message.
func (b *Bus) Broadcast(env message.Envelope) int {
	if err := env.Validate(); err != nil {
		b.logger.Errorf("bus:Broadcast", "not broadcasting: %v", err)
		return 0
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var n int
	for id, t := range b.tabs {
		select {
		case t.ch <- env:
			n++
		default:
			b.logger.Warnf("bus:Broadcast", "tab %d is full, dropping %s", id, env)
		}
	}
	return n
}

func (b *Bus) closeTab(t *Tab) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.tabs[t.id]; !ok {
		return
	}
	delete(b.tabs, t.id)
	close(t.ch)
	b.logger.Debugf("bus:closeTab", "tab %d closed", t.id)
}

// Tab is an open page as seen by the runtime.
type Tab struct {
	id  int
	bus *Bus
	ch  chan message.Envelope
}

// ID returns the tab id.
func (t *Tab) ID() int { return t.id }

// Messages returns the broadcasts for this tab. The channel is closed when
// the tab is.
func (t *Tab) Messages() <-chan message.Envelope { return t.ch }

// Close closes the tab. It is safe to call Close more than once.
func (t *Tab) Close() { t.bus.closeTab(t) }
