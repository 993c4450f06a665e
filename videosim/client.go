// Package videosim is a stand-in for the embedded video SDK. It renders the
// meeting controls the widget looks for and emits the SDK events, so the
// widget can run without a real meeting.
package videosim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spdigital/kiosk-zoom/api"
	"github.com/spdigital/kiosk-zoom/dom"
	"github.com/spdigital/kiosk-zoom/log"
)

// Titles of the rendered control buttons.
const (
	TitleLeave      = "Leave"
	TitleAudio      = "Audio"
	TitleStartVideo = "Start Video"
)

var (
	// ErrNotInitialized is returned by Join before Init.
	ErrNotInitialized = errors.New("video client is not initialized")
	// ErrInitialized is returned by a second Init.
	ErrInitialized = errors.New("video client is already initialized")
	// ErrClosed is returned once the client is closed.
	ErrClosed = errors.New("video client is closed")
)

const eventQueueSize = 16

// Client is a simulated video client.
type Client struct {
	logger *log.Logger

	mu       sync.Mutex
	root     *dom.Element
	controls *dom.Element
	handlers map[string][]func(api.VideoEvent)
	params   api.JoinParams
	joined   bool
	audioOn  bool
	videoOn  bool
	users    []api.Participant
	nextUser int
	joinErr  error

	events    chan api.VideoEvent
	done      chan struct{}
	closeOnce sync.Once
}

// New returns a client. Close stops its event goroutine.
func New(logger *log.Logger) *Client {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	c := &Client{
		logger:   logger,
		handlers: make(map[string][]func(api.VideoEvent)),
		events:   make(chan api.VideoEvent, eventQueueSize),
		done:     make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *Client) loop() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.events:
			c.mu.Lock()
			hs := append([]func(api.VideoEvent){}, c.handlers[ev.Name]...)
			c.mu.Unlock()
			for _, h := range hs {
				h(ev)
			}
		}
	}
}

func (c *Client) emit(ev api.VideoEvent) {
	c.logger.Debugf("videosim:emit", "%s %s", ev.Name, ev.State)
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// Init prepares the client to render under opts.Root.
func (c *Client) Init(_ context.Context, opts api.VideoInitOptions) error {
	if opts.Root == nil {
		return errors.New("initializing video client: no root element")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	if c.root != nil {
		return ErrInitialized
	}
	c.root = opts.Root
	c.logger.Debugf("videosim:Init", "language %q, %d gallery videos", opts.Language, opts.MaxGalleryVideo)

	return nil
}

// Join joins the meeting and renders the controls.
func (c *Client) Join(_ context.Context, params api.JoinParams) error {
	c.mu.Lock()
	switch {
	case c.isClosed():
		c.mu.Unlock()
		return ErrClosed
	case c.root == nil:
		c.mu.Unlock()
		return ErrNotInitialized
	case c.joinErr != nil:
		err := c.joinErr
		c.mu.Unlock()
		return fmt.Errorf("joining meeting %s: %w", params.MeetingNumber, err)
	case params.MeetingNumber == "" || params.Signature == "":
		c.mu.Unlock()
		return errors.New("joining meeting: missing meeting number or signature")
	}

	c.params = params
	c.joined = true
	c.nextUser++
	c.users = []api.Participant{{UserID: c.nextUser, Name: params.UserName}}
	c.renderControlsLocked()
	c.mu.Unlock()

	c.logger.Infof("videosim:Join", "joined meeting %s as %q", params.MeetingNumber, params.UserName)
	c.emit(api.VideoEvent{Name: api.EventConnectionChange, State: api.ConnectionConnected})

	return nil
}

func (c *Client) renderControlsLocked() {
	doc := c.root.OwnerDocument()
	controls := doc.CreateElement("div")
	controls.AddClass("meeting-controls")

	leave := doc.CreateElement("button")
	leave.SetAttr("title", TitleLeave)
	leave.AddEventListener("click", func(dom.Event) { c.leave() })

	audio := doc.CreateElement("button")
	audio.SetAttr("title", TitleAudio)
	audio.AddEventListener("click", func(dom.Event) {
		c.mu.Lock()
		c.audioOn = true
		c.mu.Unlock()
	})

	video := doc.CreateElement("button")
	video.SetAttr("title", TitleStartVideo)
	video.AddEventListener("click", func(dom.Event) {
		c.mu.Lock()
		c.videoOn = true
		c.mu.Unlock()
	})

	controls.AppendChild(leave)
	controls.AppendChild(audio)
	controls.AppendChild(video)
	c.root.AppendChild(controls)
	c.controls = controls
}

// Leave leaves the meeting.
func (c *Client) Leave(context.Context) error {
	c.leave()
	return nil
}

func (c *Client) leave() {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	c.joined = false
	c.users = nil
	if c.controls != nil {
		c.controls.Remove()
		c.controls = nil
	}
	c.mu.Unlock()

	c.emit(api.VideoEvent{Name: api.EventConnectionChange, State: api.ConnectionClosed})
}

// On registers handler for the named event.
func (c *Client) On(event string, handler func(api.VideoEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], handler)
}

// AddUser makes a participant named name join the meeting.
func (c *Client) AddUser(name string) {
	c.mu.Lock()
	c.nextUser++
	p := api.Participant{UserID: c.nextUser, Name: name}
	c.users = append(c.users, p)
	c.mu.Unlock()

	c.emit(api.VideoEvent{Name: api.EventUserAdded, Users: []api.Participant{p}})
}

// Fail drops the connection.
func (c *Client) Fail() {
	c.mu.Lock()
	c.joined = false
	c.mu.Unlock()

	c.emit(api.VideoEvent{Name: api.EventConnectionChange, State: api.ConnectionFailed})
}

// FailJoin makes the next joins fail with err.
func (c *Client) FailJoin(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joinErr = err
}

// Joined reports whether the client is in a meeting.
func (c *Client) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// Params returns the parameters of the last join.
func (c *Client) Params() api.JoinParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// AudioOn reports whether the audio control was clicked.
func (c *Client) AudioOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioOn
}

// VideoOn reports whether the start video control was clicked.
func (c *Client) VideoOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoOn
}

// Users returns the participants of the meeting.
func (c *Client) Users() []api.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]api.Participant(nil), c.users...)
}

// Close stops the client. Pending events are dropped.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
