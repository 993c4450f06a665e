// Package widget runs inside the widget iframe: it joins or rejoins the video
// session through the worker, drives the video client and reports the end
// of the session exactly once.
package widget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spdigital/kiosk-zoom/api"
	"github.com/spdigital/kiosk-zoom/dom"
	"github.com/spdigital/kiosk-zoom/khaos"
	"github.com/spdigital/kiosk-zoom/kiosk"
	"github.com/spdigital/kiosk-zoom/log"
	"github.com/spdigital/kiosk-zoom/message"
	"github.com/spdigital/kiosk-zoom/storage"
)

// Selectors of the video client controls.
const (
	LeaveSelector = `button[title="Leave"]`
	AudioSelector = `button[title="Audio"]`
	VideoSelector = `button[title="Start Video"]`
)

// Mount point classes.
const (
	MountClass   = "spd-zoom"
	AppRootClass = "zoom--fixed"
)

// Toast texts.
const (
	CallToast    = "Call"
	WaitingToast = "Waiting for agent to take the call..."

	CallToastID    = "kiosk-zoom-call"
	WaitingToastID = "kiosk-zoom-waiting"
)

// KioskUserName is the name the kiosk may join meetings with besides its own.
const KioskUserName = "VA Kiosk"

// Defaults of Options.
const (
	DefaultLanguage        = "en-US"
	DefaultMaxGalleryVideo = 2
	DefaultControlTimeout  = 30 * time.Second
)

// ErrNoSession is returned when the worker could not provide a session.
var ErrNoSession = errors.New("no session to join")

var meetingInfo = []string{
	"topic", "host", "mn", "pwd", "telPwd", "invite", "participant", "dc", "enctype",
}

// Options configures a Controller.
type Options struct {
	// KioskName is used when the kiosk config does not name the kiosk.
	KioskName       string
	Language        string
	MaxGalleryVideo int
	Debug           bool
	// ControlTimeout bounds the wait for the audio and video controls.
	ControlTimeout time.Duration
	// LeaveTimeout bounds the wait for the leave control.
	LeaveTimeout time.Duration
}

// Controller is the widget of one iframe.
type Controller struct {
	doc    *dom.Document
	rt     api.Runtime
	parent api.WindowPoster
	client api.VideoClient
	state  *storage.State
	opts   Options
	logger *log.Logger

	initOnce sync.Once
	initErr  error
	endOnce  sync.Once

	agentPresent atomic.Bool
}

// New creates the controller of the iframe document doc. It reaches the
// worker over rt and the host page over parent.
func New(
	doc *dom.Document, rt api.Runtime, parent api.WindowPoster, client api.VideoClient,
	state *storage.State, opts Options, logger *log.Logger,
) *Controller {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	if opts.KioskName == "" {
		opts.KioskName = kiosk.DefaultKioskName
	}
	if opts.Language == "" {
		opts.Language = DefaultLanguage
	}
	if opts.MaxGalleryVideo <= 0 {
		opts.MaxGalleryVideo = DefaultMaxGalleryVideo
	}
	if opts.ControlTimeout <= 0 {
		opts.ControlTimeout = DefaultControlTimeout
	}
	if opts.LeaveTimeout <= 0 {
		opts.LeaveTimeout = DefaultControlTimeout
	}
	return &Controller{
		doc:    doc,
		rt:     rt,
		parent: parent,
		client: client,
		state:  state,
		opts:   opts,
		logger: logger,
	}
}

// AgentPresent reports whether a participant other than the kiosk joined the
// meeting.
func (c *Controller) AgentPresent() bool {
	return c.agentPresent.Load()
}

// Start joins or rejoins the session and wires the end of the session. The
// controls are watched until ctx is done. Any failure is reported to the
// page and the worker as a join failure, without retry. A widget stopped
// while starting reports nothing, so the session outlives the page.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.start(ctx); err != nil {
		if ctx.Err() != nil {
			c.logger.Infof("widget:Start", "stopped while starting: %v", err)
			return err
		}
		c.logger.Errorf("widget:Start", "init error: %v", err)
		c.fail()
		return err
	}
	return nil
}

func (c *Controller) start(ctx context.Context) error {
	if err := c.init(ctx); err != nil {
		return err
	}
	c.state.SetInSession(true)

	valid, err := c.checkSession(ctx)
	if err != nil {
		return err
	}

	var sess *khaos.Session
	if valid {
		sess, err = c.session(ctx, message.RejoinSession)
		if err != nil {
			return err
		}
	} else {
		c.postWindow(message.AddToast, message.Toast{ID: CallToastID, Message: CallToast, IconType: message.IconSpinner})
		sess, err = c.session(ctx, message.JoinSession)
		if err != nil {
			return err
		}
		c.post(message.SubscribeAgentJoined)
	}

	if err := c.client.Join(ctx, api.JoinParams{
		SDKKey:        sess.SDKKey,
		Signature:     sess.Signature,
		MeetingNumber: sess.MeetingNumber,
		Password:      sess.Password,
		UserName:      sess.UserName,
	}); err != nil {
		return fmt.Errorf("joining meeting: %w", err)
	}
	c.logger.Infof("widget:start", "in meeting for session %q, rejoined: %t", sess.SessionID, valid)

	kioskName := c.kioskName(ctx)
	c.client.On(api.EventConnectionChange, func(ev api.VideoEvent) {
		if ctx.Err() != nil {
			return
		}
		if ev.State == api.ConnectionClosed || ev.State == api.ConnectionFailed {
			c.logger.Infof("widget:start", "connection %s", ev.State)
			c.end()
		}
	})
	c.client.On(api.EventUserAdded, func(ev api.VideoEvent) {
		for _, u := range ev.Users {
			if u.Name != kioskName && u.Name != KioskUserName {
				c.agentPresent.Store(true)
				c.logger.Infof("widget:start", "agent %q is in the meeting", u.Name)
				return
			}
		}
	})

	if !valid {
		c.postWindow(message.RemoveToast, message.RemoveToastData{Name: message.IconSpinner})
		c.post(message.CountCallInQueue)
		c.postWindow(message.AddToast, message.Toast{ID: WaitingToastID, Message: WaitingToast, IconType: message.IconSpinner})
	}

	go c.watchLeave(ctx)
	go c.clickWhenShown(ctx, AudioSelector)
	go c.clickWhenShown(ctx, VideoSelector)

	return nil
}

// init initializes the video client once per controller.
func (c *Controller) init(ctx context.Context) error {
	c.initOnce.Do(func() {
		root := c.doc.CreateElement("div")
		root.AddClass(AppRootClass)
		container := c.doc.CreateElement("div")
		container.AddClass(MountClass)
		container.AppendChild(root)
		c.doc.Body().AppendChild(container)

		err := c.client.Init(ctx, api.VideoInitOptions{
			Language:        c.opts.Language,
			Root:            root,
			MeetingInfo:     meetingInfo,
			MaxGalleryVideo: c.opts.MaxGalleryVideo,
			Debug:           c.opts.Debug,
		})
		if err != nil {
			c.initErr = fmt.Errorf("initializing video client: %w", err)
		}
	})
	return c.initErr
}

func (c *Controller) checkSession(ctx context.Context) (bool, error) {
	res, err := c.send(ctx, message.CheckSessionStatusValid)
	if err != nil {
		return false, err
	}
	var valid bool
	if err := json.Unmarshal(res, &valid); err != nil {
		return false, fmt.Errorf("decoding validity: %w", err)
	}
	return valid, nil
}

// session asks the worker for the session to join.
func (c *Controller) session(ctx context.Context, typ message.Type) (*khaos.Session, error) {
	res, err := c.send(ctx, typ)
	if err != nil {
		return nil, err
	}
	var sess *khaos.Session
	if err := json.Unmarshal(res, &sess); err != nil {
		return nil, fmt.Errorf("decoding %s reply: %w", typ, err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%s: %w", typ, ErrNoSession)
	}
	return sess, nil
}

func (c *Controller) send(ctx context.Context, typ message.Type) (json.RawMessage, error) {
	env, err := message.New(message.FromWidget, typ, nil)
	if err != nil {
		return nil, err
	}
	return c.rt.SendMessage(ctx, env)
}

func (c *Controller) post(typ message.Type) {
	env, err := message.New(message.FromWidget, typ, nil)
	if err == nil {
		err = c.rt.Post(env)
	}
	if err != nil {
		c.logger.Errorf("widget:post", "%s: %v", typ, err)
	}
}

func (c *Controller) postWindow(typ message.Type, data any) {
	msg, err := message.NewWindow(typ, data)
	if err != nil {
		c.logger.Errorf("widget:postWindow", "%v", err)
		return
	}
	c.parent.PostWindowMessage(msg)
}

// end reports the end of the session to the worker and the page. Only the
// first call does anything.
func (c *Controller) end() {
	c.endOnce.Do(func() {
		c.logger.Infof("widget:end", "session ended")
		c.post(message.EndSession)
		c.postWindow(message.EndSession, nil)
	})
}

func (c *Controller) fail() {
	c.postWindow(message.JoinSessionFail, nil)
	c.post(message.JoinSessionFail)
}

// watchLeave wires the leave control to the end of the session once it shows
// up.
func (c *Controller) watchLeave(ctx context.Context) {
	btn, err := c.doc.WaitForSelector(ctx, LeaveSelector, dom.PollOptions{Timeout: c.opts.LeaveTimeout})
	if err != nil {
		c.logger.Warnf("widget:watchLeave", "leave control not wired: %v", err)
		return
	}
	onLeave := func(dom.Event) {
		if ctx.Err() == nil {
			c.end()
		}
	}
	btn.AddEventListener("click", onLeave)
	btn.AddEventListener("touchstart", onLeave)
	c.logger.Debugf("widget:watchLeave", "leave control wired")
}

// clickWhenShown clicks the control matching selector once it shows up.
func (c *Controller) clickWhenShown(ctx context.Context, selector string) {
	btn, err := c.doc.WaitForSelector(ctx, selector, dom.PollOptions{Timeout: c.opts.ControlTimeout})
	if err != nil {
		c.logger.Warnf("widget:clickWhenShown", "not enabling: %v", err)
		return
	}
	btn.Click()
	c.logger.Debugf("widget:clickWhenShown", "clicked %s", selector)
}

func (c *Controller) kioskName(ctx context.Context) string {
	cfg, err := c.state.KioskConfig(ctx)
	if err != nil {
		c.logger.Warnf("widget:kioskName", "reading kiosk config: %v", err)
	}
	return cfg.NameOr(c.opts.KioskName)
}
