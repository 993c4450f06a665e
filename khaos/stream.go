package khaos

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/spdigital/kiosk-zoom/log"
)

// ErrStreamEnded is reported by a stream the server ended.
var ErrStreamEnded = errors.New("event stream ended by server")

// DefaultEventName is the name of an event that does not name itself.
const DefaultEventName = "message"

const maxEventLine = 1 << 20

// Event is one server-sent event.
type Event struct {
	ID   string
	Name string
	Data string
}

// Stream is an open server-sent event stream.
//
// Events are delivered on Events until the stream ends. Err tells why it
// ended once the channel is closed: nil after Close, the failure otherwise.
type Stream struct {
	logger *log.Logger
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser

	events chan Event

	closed    chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func newStream(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, logger *log.Logger) *Stream {
	s := &Stream{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		body:   body,
		events: make(chan Event),
		closed: make(chan struct{}),
	}
	go s.read()
	return s
}

// Events returns the channel events are delivered on.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Err returns why the stream ended. It is only meaningful once the events
// channel is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the stream. It is safe to call Close more than once and from
// any goroutine.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
	})
	return nil
}

func (s *Stream) read() {
	defer close(s.events)
	defer s.cancel()
	defer func() { _ = s.body.Close() }()

	sc := bufio.NewScanner(s.body)
	sc.Buffer(make([]byte, 0, 4096), maxEventLine)

	var (
		ev   Event
		data strings.Builder
		seen bool
	)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if seen {
				ev.Data = strings.TrimSuffix(data.String(), "\n")
				if ev.Name == "" {
					ev.Name = DefaultEventName
				}
				if !s.deliver(ev) {
					return
				}
			}
			ev, seen = Event{ID: ev.ID}, false
			data.Reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
		case "data":
			data.WriteString(value)
			data.WriteByte('\n')
			seen = true
		case "id":
			ev.ID = value
		case "retry":
			// reconnection is up to the subscriber
		default:
			s.logger.Tracef("khaos:Stream", "ignoring field %q", field)
		}
	}

	s.finish(sc.Err())
}

func (s *Stream) deliver(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.closed:
		return false
	}
}

func (s *Stream) finish(err error) {
	select {
	case <-s.closed:
		return
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.ctx.Err() != nil:
		s.err = s.ctx.Err()
	case err != nil:
		s.err = err
	default:
		s.err = ErrStreamEnded
	}
	s.logger.Debugf("khaos:Stream", "stream ended: %v", s.err)
}
