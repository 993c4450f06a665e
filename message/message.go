// Package message defines the envelopes exchanged between the worker, the
// content script and the widget.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid message")

// Source identifies the context a message comes from.
type Source string

// Message sources.
const (
	FromWidget        Source = "widget"
	FromContentScript Source = "content-script"
	FromWorker        Source = "worker"
)

// Type is the kind of a message.
type Type string

// Message types.
const (
	CheckSessionStatusValid  Type = "check-session-status-valid"
	JoinSession              Type = "join-session"
	RejoinSession            Type = "rejoin-session"
	EndSession               Type = "end-session"
	JoinSessionFail          Type = "join-session-fail"
	CountCallInQueue         Type = "count-call-in-queue"
	SubscribeAgentJoined     Type = "subscribe-agent-joined"
	AgentJoinedToast         Type = "agent-joined-toast"
	AddToast                 Type = "add-toast"
	RemoveToast              Type = "remove-toast"
	EnableKioskZoomExtension Type = "enable-kiosk-zoom-extension"
)

// allowed lists the types each source may send over the runtime.
var allowed = map[Source]map[Type]bool{
	FromWidget: {
		CheckSessionStatusValid: true,
		JoinSession:             true,
		RejoinSession:           true,
		EndSession:              true,
		JoinSessionFail:         true,
		CountCallInQueue:        true,
		SubscribeAgentJoined:    true,
	},
	FromContentScript: {
		CheckSessionStatusValid: true,
		EndSession:              true,
		JoinSessionFail:         true,
	},
	FromWorker: {
		AgentJoinedToast: true,
		CountCallInQueue: true,
	},
}

// ExpectsReply reports whether the sender of t waits for a reply.
func (t Type) ExpectsReply() bool {
	switch t {
	case CheckSessionStatusValid, JoinSession, RejoinSession:
		return true
	default:
		return false
	}
}

// Envelope is a message sent over the extension runtime.
type Envelope struct {
	From    Source
	Type    Type
	Payload json.RawMessage
}

// New builds an envelope. A nil payload is left out.
func New(from Source, typ Type, payload any) (Envelope, error) {
	env := Envelope{From: from, Type: typ}
	if payload != nil {
		bb, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encoding %s payload: %w", typ, err)
		}
		env.Payload = bb
	}
	return env, env.Validate()
}

// MustNew is New for payloads known to encode.
func MustNew(from Source, typ Type, payload any) Envelope {
	env, err := New(from, typ, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Validate checks that the source is known and may send the type.
func (e Envelope) Validate() error {
	types, ok := allowed[e.From]
	if !ok {
		return fmt.Errorf("%w: unknown source %q", ErrInvalid, e.From)
	}
	if !types[e.Type] {
		return fmt.Errorf("%w: %q cannot send %q", ErrInvalid, e.From, e.Type)
	}
	return nil
}

// Decode decodes the payload into v. A missing payload leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: decoding %s payload: %w", ErrInvalid, e.Type, err)
	}
	return nil
}

func (e Envelope) String() string {
	if len(e.Payload) == 0 {
		return fmt.Sprintf("%s/%s", e.From, e.Type)
	}
	return fmt.Sprintf("%s/%s %s", e.From, e.Type, e.Payload)
}
