package storage

import (
	"context"

	"github.com/spdigital/kiosk-zoom/kiosk"
)

// Keys of the persisted state. Values are JSON:
//
//	sessionId    string        id of the current session
//	kioskConfig  kiosk.Config  {"kioskHost","kioskName","accessToken"}
//	inSession    bool          the widget is mounted for a live session
//	featureFlag  bool          server controlled feature toggle
const (
	KeySessionID   = "sessionId"
	KeyKioskConfig = "kioskConfig"
	KeyInSession   = "inSession"
	KeyFeatureFlag = "featureFlag"
)

// State is the typed view of the persisted process-wide state. Components get
// a State injected instead of reaching for raw keys.
type State struct {
	store *Store
}

// NewState returns a State on top of store.
func NewState(store *Store) *State {
	return &State{store: store}
}

// Store returns the underlying store.
func (s *State) Store() *Store { return s.store }

// SessionID returns the persisted session id, or "" if there is none.
func (s *State) SessionID(ctx context.Context) (string, error) {
	var id string
	_, err := s.store.Get(ctx, KeySessionID, &id)
	return id, err
}

// SetSessionID persists the session id.
func (s *State) SetSessionID(id string) {
	s.store.Set(KeySessionID, id)
}

// ClearSession forgets the session id and the in-session flag.
func (s *State) ClearSession() {
	s.store.Remove(KeySessionID)
	s.store.Remove(KeyInSession)
}

// KioskConfig returns the persisted kiosk config. A missing config is the zero
// config.
func (s *State) KioskConfig(ctx context.Context) (kiosk.Config, error) {
	var c kiosk.Config
	_, err := s.store.Get(ctx, KeyKioskConfig, &c)
	return c, err
}

// SetKioskConfig persists the kiosk config.
func (s *State) SetKioskConfig(c kiosk.Config) {
	s.store.Set(KeyKioskConfig, c)
}

// InSession returns the in-session flag.
func (s *State) InSession(ctx context.Context) (bool, error) {
	var v bool
	_, err := s.store.Get(ctx, KeyInSession, &v)
	return v, err
}

// SetInSession sets the in-session flag.
func (s *State) SetInSession(v bool) {
	s.store.Set(KeyInSession, v)
}

// FeatureFlag returns the mirrored feature flag.
func (s *State) FeatureFlag(ctx context.Context) (bool, error) {
	var v bool
	_, err := s.store.Get(ctx, KeyFeatureFlag, &v)
	return v, err
}

// SetFeatureFlag mirrors the feature flag.
func (s *State) SetFeatureFlag(v bool) {
	s.store.Set(KeyFeatureFlag, v)
}
