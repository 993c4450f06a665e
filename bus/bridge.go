package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spdigital/kiosk-zoom/log"
	"github.com/spdigital/kiosk-zoom/message"
)

// ErrRemote wraps the errors the remote end of a bridge reports.
var ErrRemote = errors.New("bridge remote error")

// ErrBridgeClosed is returned once the bridge connection is gone.
var ErrBridgeClosed = errors.New("bridge closed")

// Frame kinds.
const (
	frameRequest   = "request"
	framePost      = "post"
	frameReply     = "reply"
	frameBroadcast = "broadcast"
)

// frame is what goes over the bridge websocket.
type frame struct {
	ID      int64             `json:"id,omitempty"`
	Kind    string            `json:"kind"`
	Message *message.Envelope `json:"message,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// wsConn serializes writes to a websocket connection.
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) send(f frame) error {
	buf, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("bridge.send:Marshal: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	w, err := c.ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return fmt.Errorf("bridge.send:NextWriter: %w", err)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("bridge.send:Write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("bridge.send:Close: %w", err)
	}
	return nil
}

func (c *wsConn) recv() (frame, error) {
	var f frame
	_, buf, err := c.ws.ReadMessage()
	if err != nil {
		return f, fmt.Errorf("bridge.recv:ReadMessage: %w", err)
	}
	if err := json.Unmarshal(buf, &f); err != nil {
		return f, fmt.Errorf("bridge.recv:Unmarshal: %w", err)
	}
	return f, nil
}

// BridgeHandler exposes a bus over websocket so that pages and widgets can
// run in another process than the worker. Every connection is an open tab.
type BridgeHandler struct {
	bus      *Bus
	logger   *log.Logger
	upgrader websocket.Upgrader
}

// NewBridgeHandler returns the websocket handler of b.
func NewBridgeHandler(b *Bus, logger *log.Logger) *BridgeHandler {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &BridgeHandler{
		bus:    b,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 16,
			WriteBufferSize: 1 << 16,
		},
	}
}

// ServeHTTP implements http.Handler.
func (h *BridgeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("bridge:ServeHTTP", "upgrading %s: %v", r.RemoteAddr, err)
		return
	}
	conn := &wsConn{ws: ws}
	defer func() { _ = ws.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	tab := h.bus.OpenTab()
	defer tab.Close()
	h.logger.Infof("bridge:ServeHTTP", "peer %s connected as tab %d", r.RemoteAddr, tab.ID())

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-tab.Messages():
				if !ok {
					return
				}
				if err := conn.send(frame{Kind: frameBroadcast, Message: &env}); err != nil {
					h.logger.Debugf("bridge:ServeHTTP", "tab %d: %v", tab.ID(), err)
					cancel()
					return
				}
			}
		}
	}()

	for {
		f, err := conn.recv()
		if err != nil {
			h.logger.Debugf("bridge:ServeHTTP", "tab %d gone: %v", tab.ID(), err)
			return
		}
		if f.Message == nil {
			h.logger.Warnf("bridge:ServeHTTP", "tab %d sent a %q frame without message", tab.ID(), f.Kind)
			continue
		}

		// delivery happens here so that a connection's messages keep their
		// order; only the replies are awaited elsewhere
		switch f.Kind {
		case frameRequest:
			wait, err := h.bus.send(ctx, *f.Message)
			if err != nil {
				go h.answer(conn, f.ID, nil, err)
				continue
			}
			go func(id int64) {
				res, err := wait()
				h.answer(conn, id, res, err)
			}(f.ID)
		case framePost:
			_ = h.bus.Post(*f.Message)
		default:
			h.logger.Warnf("bridge:ServeHTTP", "tab %d sent unknown frame kind %q", tab.ID(), f.Kind)
		}
	}
}

func (h *BridgeHandler) answer(conn *wsConn, id int64, res json.RawMessage, err error) {
	out := frame{ID: id, Kind: frameReply, Result: res}
	if err != nil {
		out.Error = err.Error()
	}
	if err := conn.send(out); err != nil {
		h.logger.Debugf("bridge:answer", "replying to %d: %v", id, err)
	}
}

// Remote is the client end of a bridge. It is a runtime to reach the worker
// and the tab receiving the worker's broadcasts.
type Remote struct {
	logger *log.Logger
	conn   *wsConn

	msgID     atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan frame

	tab       chan message.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the bridge at wsURL.
func Dial(ctx context.Context, wsURL string, logger *log.Logger) (*Remote, error) {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	wd := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
	}
	ws, _, err := wd.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dialing bridge %q: %w", wsURL, err)
	}
	logger.Infof("bridge:Dial", "connected to %q", wsURL)

	r := &Remote{
		logger:  logger,
		conn:    &wsConn{ws: ws},
		pending: make(map[int64]chan frame),
		tab:     make(chan message.Envelope, tabQueueSize),
		done:    make(chan struct{}),
	}
	go r.recvLoop()

	return r, nil
}

func (r *Remote) recvLoop() {
	defer close(r.tab)
	defer r.Close()

	for {
		f, err := r.conn.recv()
		if err != nil {
			select {
			case <-r.done:
			default:
				r.logger.Warnf("bridge:recvLoop", "connection lost: %v", err)
			}
			return
		}

		switch f.Kind {
		case frameReply:
			r.pendingMu.Lock()
			ch, ok := r.pending[f.ID]
			delete(r.pending, f.ID)
			r.pendingMu.Unlock()
			if ok {
				ch <- f
			}
		case frameBroadcast:
			if f.Message == nil {
				continue
			}
			select {
			case r.tab <- *f.Message:
			default:
				r.logger.Warnf("bridge:recvLoop", "tab is full, dropping %s", f.Message)
			}
		default:
			r.logger.Warnf("bridge:recvLoop", "unknown frame kind %q", f.Kind)
		}
	}
}

// SendMessage sends env to the worker and waits for the reply.
func (r *Remote) SendMessage(ctx context.Context, env message.Envelope) (json.RawMessage, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	id := r.msgID.Add(1)
	ch := make(chan frame, 1)
	r.pendingMu.Lock()
	r.pending[id] = ch
	r.pendingMu.Unlock()
	defer func() {
		r.pendingMu.Lock()
		delete(r.pending, id)
		r.pendingMu.Unlock()
	}()

	if err := r.conn.send(frame{ID: id, Kind: frameRequest, Message: &env}); err != nil {
		return nil, fmt.Errorf("sending %s: %w", env.Type, err)
	}

	select {
	case f := <-ch:
		if f.Error != "" {
			return nil, fmt.Errorf("sending %s: %w: %s", env.Type, ErrRemote, f.Error)
		}
		return f.Result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("sending %s: %w", env.Type, ctx.Err())
	case <-r.done:
		return nil, fmt.Errorf("sending %s: %w", env.Type, ErrBridgeClosed)
	}
}

// Post sends env to the worker without waiting for a reply. Messages whose
// sender waits for a reply cannot be posted.
func (r *Remote) Post(env message.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if err := checkPost(env); err != nil {
		return err
	}
	if err := r.conn.send(frame{Kind: framePost, Message: &env}); err != nil {
		return fmt.Errorf("posting %s: %w", env.Type, err)
	}
	return nil
}

// Messages returns the broadcasts of the worker. The channel is closed when
// the connection is.
func (r *Remote) Messages() <-chan message.Envelope { return r.tab }

// Done is closed when the connection is.
func (r *Remote) Done() <-chan struct{} { return r.done }

// Close closes the connection. It is safe to call Close more than once.
func (r *Remote) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.conn.mu.Lock()
		_ = r.conn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		r.conn.mu.Unlock()
		_ = r.conn.ws.Close()
	})
}
