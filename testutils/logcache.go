// Package testutils holds helpers shared by the package tests.
package testutils

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/spdigital/kiosk-zoom/log"
)

// LogCache is a logrus hook that keeps every fired entry so tests can assert
// on what was logged.
type LogCache struct {
	mu      sync.RWMutex
	entries []logrus.Entry
}

// Levels implements the logrus.Hook interface.
func (lc *LogCache) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements the logrus.Hook interface.
func (lc *LogCache) Fire(e *logrus.Entry) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.entries = append(lc.entries, *e)
	return nil
}

// Contains returns true if msg is contained in any of the cached entries.
func (lc *LogCache) Contains(msg string) bool {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	for _, e := range lc.entries {
		if strings.Contains(e.Message, msg) {
			return true
		}
	}
	return false
}

// AssertContains asserts that msg is contained in any of the cached entries.
func (lc *LogCache) AssertContains(tb testing.TB, msg string) {
	tb.Helper()
	if !lc.Contains(msg) {
		tb.Errorf("expected log cache to contain %q, got:\n%s", msg, lc.String())
	}
}

// String returns the cached messages, one per line.
func (lc *LogCache) String() string {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	var b strings.Builder
	for _, e := range lc.entries {
		fmt.Fprintf(&b, "%s [%v] %s\n", e.Level, e.Data["category"], e.Message)
	}
	return b.String()
}

// NewLogger returns a debug level logger that writes nowhere but into a new
// LogCache.
func NewLogger(tb testing.TB) (*log.Logger, *LogCache) {
	tb.Helper()

	lc := &LogCache{}
	l := log.NewNullLogger()
	l.Logger.SetLevel(logrus.DebugLevel)
	l.AddHook(lc)
	return l, lc
}
