package widget

import (
	"context"
	"sync"

	"github.com/spdigital/kiosk-zoom/api"
	"github.com/spdigital/kiosk-zoom/dom"
	"github.com/spdigital/kiosk-zoom/log"
	"github.com/spdigital/kiosk-zoom/storage"
)

// VideoClientFactory returns a new video client.
type VideoClientFactory func() api.VideoClient

// Launcher starts a Controller in every widget iframe the content script
// mounts.
type Launcher struct {
	runtime   api.Runtime
	state     *storage.State
	newClient VideoClientFactory
	opts      Options
	logger    *log.Logger

	mu      sync.Mutex
	current *Controller
	doc     *dom.Document
}

// NewLauncher returns a Launcher.
func NewLauncher(
	rt api.Runtime, state *storage.State, newClient VideoClientFactory, opts Options, logger *log.Logger,
) *Launcher {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Launcher{
		runtime:   rt,
		state:     state,
		newClient: newClient,
		opts:      opts,
		logger:    logger,
	}
}

// Launch starts the widget of frame. The widget leaves the meeting when ctx
// is done.
func (l *Launcher) Launch(ctx context.Context, frame *dom.Element, parent api.WindowPoster) {
	src, _ := frame.Attr("src")
	doc := dom.NewDocument()
	client := l.newClient()
	c := New(doc, l.runtime, parent, client, l.state, l.opts, l.logger)

	l.mu.Lock()
	l.current, l.doc = c, doc
	l.mu.Unlock()

	l.logger.Debugf("widget:Launch", "starting widget %q", src)
	go func() {
		defer func() {
			if closer, ok := client.(interface{ Close() }); ok {
				closer.Close()
			}
		}()
		if err := c.Start(ctx); err != nil {
			return
		}
		<-ctx.Done()
		if err := client.Leave(context.Background()); err != nil {
			l.logger.Warnf("widget:Launch", "leaving meeting: %v", err)
		}
	}()
}

// Current returns the last launched controller and its document, or nils.
func (l *Launcher) Current() (*Controller, *dom.Document) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current, l.doc
}
