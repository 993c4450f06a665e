// Package content is the content script: it runs in every whitelisted page,
// follows the feature toggle, mounts the assistance icon or the widget, and
// relays what the widget and the worker have to say to the page.
package content

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/guregu/null.v3"

	"github.com/spdigital/kiosk-zoom/api"
	"github.com/spdigital/kiosk-zoom/dom"
	"github.com/spdigital/kiosk-zoom/khaos"
	"github.com/spdigital/kiosk-zoom/kiosk"
	"github.com/spdigital/kiosk-zoom/log"
	"github.com/spdigital/kiosk-zoom/message"
	"github.com/spdigital/kiosk-zoom/storage"
)

// Ids and classes of the elements the mediator mounts.
const (
	WidgetFrameID    = "kiosk-zoom-widget-iframe"
	WidgetFrameClass = "kiosk-zoom-widget-iframe"
	IconID           = "needAssistanceIcon"
)

// Defaults of Options.
const (
	DefaultWidgetSrc          = "widget.html"
	DefaultIconSrc            = "icons/assistanceIcon.svg"
	DefaultAgentToastDuration = 5 * time.Second
)

const queueSize = 32

// FeatureSource opens the feature toggle stream.
type FeatureSource interface {
	SubscribeFeatureToggle(ctx context.Context) (*khaos.Stream, error)
}

// WidgetLauncher starts the widget in a freshly mounted iframe. The widget
// posts its window messages to parent and must stop when ctx is done, which
// happens when the iframe is unmounted.
type WidgetLauncher interface {
	Launch(ctx context.Context, frame *dom.Element, parent api.WindowPoster)
}

// LauncherFunc adapts a func to a WidgetLauncher.
type LauncherFunc func(ctx context.Context, frame *dom.Element, parent api.WindowPoster)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, frame *dom.Element, parent api.WindowPoster) {
	f(ctx, frame, parent)
}

// Options configures a Mediator.
type Options struct {
	// Host is the host of the page, port included.
	Host string
	// Whitelist defaults to kiosk.DefaultWhitelist.
	Whitelist kiosk.Whitelist
	// KioskName is used when the kiosk config does not name the kiosk.
	KioskName string
	WidgetSrc string
	IconSrc   string
	// Launcher starts the widget. Without one the iframe stays empty.
	Launcher           WidgetLauncher
	AgentToastDuration time.Duration
	Backoff            Backoff
}

// Mediator is the content script of one page.
type Mediator struct {
	doc      *dom.Document
	runtime  api.Runtime
	tab      api.Tab
	state    *storage.State
	features FeatureSource
	opts     Options
	logger   *log.Logger
	toasts   *Toaster

	actions chan func(context.Context)
	window  chan message.WindowMessage
	stopped chan struct{}

	// owned by the Run goroutine
	stopWidget context.CancelFunc
}

// New creates the mediator of the page doc. It does nothing until Run is
// called.
func New(
	doc *dom.Document, rt api.Runtime, tab api.Tab, state *storage.State,
	features FeatureSource, opts Options, logger *log.Logger,
) *Mediator {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	if opts.Whitelist == nil {
		opts.Whitelist = kiosk.DefaultWhitelist()
	}
	if opts.KioskName == "" {
		opts.KioskName = kiosk.DefaultKioskName
	}
	if opts.WidgetSrc == "" {
		opts.WidgetSrc = DefaultWidgetSrc
	}
	if opts.IconSrc == "" {
		opts.IconSrc = DefaultIconSrc
	}
	if opts.AgentToastDuration <= 0 {
		opts.AgentToastDuration = DefaultAgentToastDuration
	}
	opts.Backoff = opts.Backoff.withDefaults()

	return &Mediator{
		doc:      doc,
		runtime:  rt,
		tab:      tab,
		state:    state,
		features: features,
		opts:     opts,
		logger:   logger,
		toasts:   NewToaster(doc, logger),
		actions:  make(chan func(context.Context), queueSize),
		window:   make(chan message.WindowMessage, queueSize),
		stopped:  make(chan struct{}),
	}
}

// Toaster returns the toasts of the page.
func (m *Mediator) Toaster() *Toaster { return m.toasts }

// UIState returns what the page currently shows.
func (m *Mediator) UIState() kiosk.UIState {
	switch {
	case m.doc.GetElementByID(WidgetFrameID) != nil:
		return kiosk.UIWidgetMounted
	case m.doc.GetElementByID(IconID) != nil:
		return kiosk.UIIconShown
	default:
		return kiosk.UIHidden
	}
}

// Run runs the content script until ctx is done. On a page that is not
// whitelisted it returns right away.
func (m *Mediator) Run(ctx context.Context) error {
	defer close(m.stopped)

	if !m.opts.Whitelist.Allows(m.opts.Host) {
		m.logger.Infof("content:Run", "host %q is not whitelisted", m.opts.Host)
		return nil
	}
	m.logger.Infof("content:Run", "running on %q", m.opts.Host)

	go m.watchFeatures(ctx)

	var broadcasts <-chan message.Envelope
	if m.tab != nil {
		broadcasts = m.tab.Messages()
	}
	for {
		select {
		case <-ctx.Done():
			m.unmountWidget()
			return nil
		case fn := <-m.actions:
			fn(ctx)
		case msg := <-m.window:
			m.handleWindowMessage(ctx, msg)
		case env, ok := <-broadcasts:
			if !ok {
				m.logger.Warnf("content:Run", "tab closed, no more worker messages")
				broadcasts = nil
				continue
			}
			m.handleWorkerMessage(env)
		}
	}
}

// exec runs fn on the Run goroutine.
func (m *Mediator) exec(fn func(context.Context)) {
	select {
	case m.actions <- fn:
	case <-m.stopped:
	}
}

// PostWindowMessage implements api.WindowPoster. It is how the widget iframe
// and the page talk to the content script.
func (m *Mediator) PostWindowMessage(msg message.WindowMessage) {
	select {
	case m.window <- msg:
	case <-m.stopped:
	}
}

func (m *Mediator) handleWindowMessage(ctx context.Context, msg message.WindowMessage) {
	if err := msg.Validate(); err != nil {
		m.logger.Debugf("content:handleWindowMessage", "ignoring: %v", err)
		return
	}

	switch msg.Payload.Type {
	case message.EnableKioskZoomExtension:
		var data message.EnableExtension
		if err := msg.Decode(&data); err != nil {
			m.logger.Errorf("content:handleWindowMessage", "%v", err)
			return
		}
		m.state.SetKioskConfig(data.Config())
		if data.FeatureFlag.Valid {
			m.state.SetFeatureFlag(data.FeatureFlag.Bool)
		}
		m.logger.Infof("content:handleWindowMessage", "kiosk %q on %q enabled", data.KioskName, data.KioskHost)
	case message.EndSession, message.JoinSessionFail:
		m.unmountWidget()
		m.toasts.RemoveByName(message.IconDot)
		m.toasts.RemoveByName(message.IconSpinner)
		flag, err := m.state.FeatureFlag(ctx)
		if err != nil {
			m.logger.Errorf("content:handleWindowMessage", "reading feature flag: %v", err)
		}
		if flag {
			m.mountIcon()
		} else {
			m.unmountIcon()
		}
	case message.AddToast:
		var toast message.Toast
		if err := msg.Decode(&toast); err != nil {
			m.logger.Errorf("content:handleWindowMessage", "%v", err)
			return
		}
		m.toasts.Show(toast)
	case message.RemoveToast:
		var data message.RemoveToastData
		if err := msg.Decode(&data); err != nil {
			m.logger.Errorf("content:handleWindowMessage", "%v", err)
			return
		}
		if data.ID != "" {
			m.toasts.Remove(data.ID)
			return
		}
		m.toasts.RemoveByName(data.Name)
	}
}

func (m *Mediator) handleWorkerMessage(env message.Envelope) {
	if env.From != message.FromWorker {
		return
	}

	switch env.Type {
	case message.AgentJoinedToast:
		var name string
		if err := env.Decode(&name); err != nil {
			m.logger.Errorf("content:handleWorkerMessage", "%v", err)
			return
		}
		m.toasts.RemoveByName(message.IconDot)
		m.toasts.RemoveByName(message.IconSpinner)
		m.toasts.Show(message.Toast{
			Message:  AgentJoinedMessage(name),
			Duration: null.IntFrom(m.opts.AgentToastDuration.Milliseconds()),
		})
	case message.CountCallInQueue:
		var toast message.Toast
		if err := env.Decode(&toast); err != nil {
			m.logger.Errorf("content:handleWorkerMessage", "%v", err)
			return
		}
		m.toasts.Show(toast)
	default:
		m.logger.Debugf("content:handleWorkerMessage", "not a valid type: %s", env)
	}
}

// AgentJoinedMessage is the toast text for the agent joining.
func AgentJoinedMessage(name string) string {
	return fmt.Sprintf("Agent %s has joined !!!", name)
}

// applyFeature follows a feature toggle change.
func (m *Mediator) applyFeature(ctx context.Context, enable bool) {
	m.state.SetFeatureFlag(enable)
	if enable {
		m.showExtension(ctx)
		return
	}

	inSession, err := m.state.InSession(ctx)
	if err != nil {
		m.logger.Errorf("content:applyFeature", "reading in session: %v", err)
	}
	if inSession {
		if m.doc.GetElementByID(WidgetFrameID) == nil {
			m.showExtension(ctx)
		}
		return
	}
	m.unmountIcon()
	m.unmountWidget()
}

// showExtension mounts the widget if the persisted session can be resumed
// and the icon otherwise.
func (m *Mediator) showExtension(ctx context.Context) {
	m.toasts.EnsureContainer()
	if m.doc.GetElementByID(WidgetFrameID) != nil {
		return
	}

	go func() {
		valid, err := m.checkSession(ctx)
		m.exec(func(ctx context.Context) {
			switch {
			case err != nil:
				m.logger.Errorf("content:showExtension", "contacting worker: %v", err)
				m.mountIcon()
			case valid:
				m.mountWidget(ctx)
			default:
				m.mountIcon()
			}
		})
	}()
}

func (m *Mediator) checkSession(ctx context.Context) (bool, error) {
	env, err := message.New(message.FromContentScript, message.CheckSessionStatusValid, nil)
	if err != nil {
		return false, err
	}
	res, err := m.runtime.SendMessage(ctx, env)
	if err != nil {
		return false, err
	}
	var valid bool
	if err := json.Unmarshal(res, &valid); err != nil {
		return false, fmt.Errorf("decoding validity: %w", err)
	}
	return valid, nil
}

func (m *Mediator) mountWidget(ctx context.Context) {
	if m.doc.GetElementByID(WidgetFrameID) != nil {
		return
	}

	frame := m.doc.CreateElement("iframe")
	frame.SetID(WidgetFrameID)
	frame.AddClass(WidgetFrameClass)
	frame.SetAttr("src", m.opts.WidgetSrc)
	m.doc.Body().AppendChild(frame)
	m.unmountIcon()
	m.logger.Infof("content:mountWidget", "widget mounted")

	wctx, cancel := context.WithCancel(ctx)
	m.stopWidget = cancel
	if m.opts.Launcher != nil {
		m.opts.Launcher.Launch(wctx, frame, m)
	}
}

func (m *Mediator) unmountWidget() {
	if m.stopWidget != nil {
		m.stopWidget()
		m.stopWidget = nil
	}
	if frame := m.doc.GetElementByID(WidgetFrameID); frame != nil {
		frame.Remove()
		m.logger.Infof("content:unmountWidget", "widget unmounted")
	}
}

func (m *Mediator) mountIcon() {
	if m.doc.GetElementByID(IconID) != nil || m.doc.GetElementByID(WidgetFrameID) != nil {
		return
	}

	icon := m.doc.CreateElement("img")
	icon.SetID(IconID)
	icon.SetAttr("src", m.opts.IconSrc)
	icon.AddEventListener("click", func(dom.Event) {
		m.exec(m.mountWidget)
	})
	m.doc.Body().AppendChild(icon)
	m.logger.Debugf("content:mountIcon", "assistance icon shown")
}

func (m *Mediator) unmountIcon() {
	if icon := m.doc.GetElementByID(IconID); icon != nil {
		icon.Remove()
	}
}

func (m *Mediator) kioskName(ctx context.Context) string {
	cfg, err := m.state.KioskConfig(ctx)
	if err != nil {
		m.logger.Warnf("content:kioskName", "reading kiosk config: %v", err)
	}
	return cfg.NameOr(m.opts.KioskName)
}
