// Package api holds the public interfaces the contexts are written against.
package api

import (
	"context"

	"github.com/spdigital/kiosk-zoom/dom"
)

// Video client events.
const (
	EventConnectionChange = "connection-change"
	EventUserAdded        = "user-added"
	EventUserRemoved      = "user-removed"
)

// Connection states reported by EventConnectionChange.
const (
	ConnectionConnecting = "Connecting"
	ConnectionConnected  = "Connected"
	ConnectionReconnect  = "Reconnecting"
	ConnectionClosed     = "Closed"
	ConnectionFailed     = "Failed"
)

// Participant is a user in the meeting.
type Participant struct {
	UserID int
	Name   string
}

// VideoEvent is emitted by a VideoClient.
type VideoEvent struct {
	Name  string
	State string
	Users []Participant
}

// VideoInitOptions configures a VideoClient.
type VideoInitOptions struct {
	Language        string
	Root            *dom.Element
	MeetingInfo     []string
	MaxGalleryVideo int
	Debug           bool
}

// JoinParams are the credentials to join a meeting.
type JoinParams struct {
	SDKKey        string
	Signature     string
	MeetingNumber string
	Password      string
	UserName      string
}

// VideoClient is the embedded video conferencing SDK.
type VideoClient interface {
	Init(ctx context.Context, opts VideoInitOptions) error
	Join(ctx context.Context, params JoinParams) error
	Leave(ctx context.Context) error
	// On registers handler for the named event. Handlers run on the client's
	// event goroutine and must not block.
	On(event string, handler func(VideoEvent))
}
