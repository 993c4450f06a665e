package api

import (
	"context"
	"encoding/json"

	"github.com/spdigital/kiosk-zoom/message"
)

// Runtime is the extension runtime as seen by the content script and the
// widget: the way to reach the worker.
type Runtime interface {
	// SendMessage sends env to the worker and waits for its reply.
	SendMessage(ctx context.Context, env message.Envelope) (json.RawMessage, error)
	// Post sends env to the worker without waiting for anything.
	Post(env message.Envelope) error
}

// Tab receives what the worker broadcasts to every open page.
type Tab interface {
	Messages() <-chan message.Envelope
	Close()
}

// Broadcaster delivers a message to every open tab.
type Broadcaster interface {
	Broadcast(env message.Envelope) int
}

// WindowPoster posts window messages to a window, such as the widget iframe
// posting to its parent page.
type WindowPoster interface {
	PostWindowMessage(msg message.WindowMessage)
}
