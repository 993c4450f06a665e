package message

import (
	"encoding/json"
	"fmt"

	"gopkg.in/guregu/null.v3"

	"github.com/spdigital/kiosk-zoom/kiosk"
)

// WindowSource tags the window messages of the extension. Other window
// messages are ignored.
const WindowSource = "kiosk-zoom"

// Toast icon classes.
const (
	IconDot     = "dot"
	IconSpinner = "spinner"
	IconNone    = "none"
)

var windowTypes = map[Type]bool{
	EnableKioskZoomExtension: true,
	EndSession:               true,
	JoinSessionFail:          true,
	AddToast:                 true,
	RemoveToast:              true,
}

// WindowMessage is a message posted to the host page window, by the widget
// iframe or by the page itself.
type WindowMessage struct {
	Source  string
	Payload WindowPayload
}

// WindowPayload is the body of a window message.
type WindowPayload struct {
	Type Type
	Data json.RawMessage
}

// NewWindow builds a window message. A nil data is left out.
func NewWindow(typ Type, data any) (WindowMessage, error) {
	msg := WindowMessage{Source: WindowSource, Payload: WindowPayload{Type: typ}}
	if data != nil {
		bb, err := json.Marshal(data)
		if err != nil {
			return WindowMessage{}, fmt.Errorf("encoding %s data: %w", typ, err)
		}
		msg.Payload.Data = bb
	}
	return msg, msg.Validate()
}

// Validate checks that the message is ours and of a known type.
func (m WindowMessage) Validate() error {
	if m.Source != WindowSource {
		return fmt.Errorf("%w: foreign window message source %q", ErrInvalid, m.Source)
	}
	if !windowTypes[m.Payload.Type] {
		return fmt.Errorf("%w: unknown window message type %q", ErrInvalid, m.Payload.Type)
	}
	return nil
}

// Decode decodes the data into v. Missing data leaves v untouched.
func (m WindowMessage) Decode(v any) error {
	if len(m.Payload.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload.Data, v); err != nil {
		return fmt.Errorf("%w: decoding %s data: %w", ErrInvalid, m.Payload.Type, err)
	}
	return nil
}

// Toast asks for a toast. A zero or missing duration keeps it until removed.
// ID names the toast for a later remove-toast; the page generates one when
// it is empty. Showing a toast with the ID of a shown one replaces it.
type Toast struct {
	ID       string   `json:"id,omitempty"`
	Message  string   `json:"message"`
	IconType string   `json:"iconType,omitempty"`
	Duration null.Int `json:"duration"`
}

// RemoveToastData removes the toast with ID, or every toast of icon class
// Name when ID is empty.
type RemoveToastData struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// EnableExtension is sent by the host page once the kiosk is authenticated.
type EnableExtension struct {
	KioskHost   string    `json:"kioskHost"`
	KioskName   string    `json:"kioskName"`
	AccessToken string    `json:"accessToken"`
	FeatureFlag null.Bool `json:"featureFlag"`
}

// Config returns the kiosk config carried by the message.
func (e EnableExtension) Config() kiosk.Config {
	return kiosk.Config{Host: e.KioskHost, Name: e.KioskName, AccessToken: e.AccessToken}
}
