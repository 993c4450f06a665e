package content

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spdigital/kiosk-zoom/khaos"
)

// FeatureEventName is the name of the feature toggle events.
const FeatureEventName = "data"

// Backoff defaults.
const (
	DefaultBackoffBase       = time.Second
	DefaultBackoffMaxRetries = 5
)

// Backoff bounds the reconnections of the feature toggle stream. Retry n
// waits Base * 2^n. The retry count is never reset: once MaxRetries
// reconnections failed the page stops following the toggle.
type Backoff struct {
	Base       time.Duration
	MaxRetries int
	// Sleep waits for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoffBase
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = DefaultBackoffMaxRetries
	}
	if b.Sleep == nil {
		b.Sleep = sleep
	}
	return b
}

// Delay returns the wait before retry n, counting from zero.
func (b Backoff) Delay(n int) time.Duration {
	return b.Base << n
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// watchFeatures follows the feature toggle stream, reconnecting with
// backoff, until ctx is done or the retries are exhausted.
func (m *Mediator) watchFeatures(ctx context.Context) {
	var retries int
	for {
		err := m.consumeFeatures(ctx)
		if ctx.Err() != nil {
			return
		}
		if retries >= m.opts.Backoff.MaxRetries {
			m.logger.Errorf("content:watchFeatures", "giving up on feature toggle after %d retries: %v", retries, err)
			return
		}

		delay := m.opts.Backoff.Delay(retries)
		retries++
		m.logger.Warnf("content:watchFeatures", "feature toggle: %v, retry %d in %s", err, retries, delay)
		if err := m.opts.Backoff.Sleep(ctx, delay); err != nil {
			return
		}
	}
}

// consumeFeatures reads one feature toggle stream until it ends and returns
// why it ended.
func (m *Mediator) consumeFeatures(ctx context.Context) error {
	stream, err := m.features.SubscribeFeatureToggle(ctx)
	if err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	defer func() { _ = stream.Close() }()

	name := m.kioskName(ctx)
	for ev := range stream.Events() {
		if ev.Name != FeatureEventName {
			continue
		}
		var toggles map[string]khaos.FeatureToggle
		if err := json.Unmarshal([]byte(ev.Data), &toggles); err != nil {
			m.logger.Errorf("content:consumeFeatures", "parsing feature toggle data: %v", err)
			continue
		}
		enable := toggles[name].Enable
		m.logger.Infof("content:consumeFeatures", "feature toggle for %q: %t", name, enable)
		m.exec(func(ctx context.Context) { m.applyFeature(ctx, enable) })
	}

	if err := stream.Err(); err != nil {
		return err
	}
	return khaos.ErrStreamEnded
}
