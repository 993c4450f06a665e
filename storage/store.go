// Package storage provides the persistent key/value store shared by the
// extension contexts and the typed state built on top of it.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/spdigital/kiosk-zoom/log"
)

// ErrStorage is wrapped by every error the underlying backend reports.
var ErrStorage = errors.New("storage error")

// ErrClosed is returned when the store has been closed.
var ErrClosed = errors.New("storage closed")

const opQueueSize = 64

// driver persists raw JSON values.
type driver interface {
	get(ctx context.Context, key string) ([]byte, bool, error)
	put(ctx context.Context, key string, value []byte) error
	del(ctx context.Context, key string) error
	close() error
}

// Store is a key/value store whose values are JSON documents.
//
// Writes are fire-and-forget: Set and Remove queue the write and return, the
// outcome is only logged. Every operation goes through a single goroutine in
// the order it was issued, so a Get observes all the writes queued before it.
type Store struct {
	drv    driver
	logger *log.Logger

	ops       chan func(context.Context)
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newStore(drv driver, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	s := &Store{
		drv:     drv,
		logger:  logger,
		ops:     make(chan func(context.Context), opQueueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

// NewMemory returns a store that keeps everything in memory.
func NewMemory(logger *log.Logger) *Store {
	return newStore(&memDriver{m: make(map[string][]byte)}, logger)
}

// loop runs queued operations one at a time.
//
// It returns after draining the queue once the store is closing.
func (s *Store) loop() {
	defer close(s.done)

	ctx := context.Background()
	for {
		select {
		case op := <-s.ops:
			op(ctx)
		case <-s.closing:
			for {
				select {
				case op := <-s.ops:
					op(ctx)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) enqueue(op func(context.Context)) bool {
	select {
	case <-s.closing:
		return false
	default:
	}
	select {
	case s.ops <- op:
		return true
	case <-s.closing:
		return false
	}
}

// Set stores value under key. It does not wait for the write.
func (s *Store) Set(key string, value any) {
	bb, err := json.Marshal(value)
	if err != nil {
		s.logger.Errorf("storage:Set", "encoding value for key %q: %v", key, err)
		return
	}
	ok := s.enqueue(func(ctx context.Context) {
		if err := s.drv.put(ctx, key, bb); err != nil {
			s.logger.Errorf("storage:Set", "setting key %q: %v", key, err)
			return
		}
		s.logger.Debugf("storage:Set", "value is set with key %q value %s", key, bb)
	})
	if !ok {
		s.logger.Warnf("storage:Set", "dropping write of key %q: %v", key, ErrClosed)
	}
}

// Remove deletes key. It does not wait for the delete.
func (s *Store) Remove(key string) {
	ok := s.enqueue(func(ctx context.Context) {
		if err := s.drv.del(ctx, key); err != nil {
			s.logger.Errorf("storage:Remove", "removing key %q: %v", key, err)
			return
		}
		s.logger.Debugf("storage:Remove", "removed key %q", key)
	})
	if !ok {
		s.logger.Warnf("storage:Remove", "dropping removal of key %q: %v", key, ErrClosed)
	}
}

// Get decodes the value stored under key into v. It reports false if the key
// is not set, in which case v is left untouched.
func (s *Store) Get(ctx context.Context, key string, v any) (bool, error) {
	type result struct {
		bb  []byte
		ok  bool
		err error
	}
	resCh := make(chan result, 1)
	queued := s.enqueue(func(opCtx context.Context) {
		bb, ok, err := s.drv.get(opCtx, key)
		resCh <- result{bb, ok, err}
	})
	if !queued {
		return false, fmt.Errorf("getting key %q: %w", key, ErrClosed)
	}

	var res result
	select {
	case res = <-resCh:
	case <-s.done:
		select {
		case res = <-resCh:
		default:
			return false, fmt.Errorf("getting key %q: %w", key, ErrClosed)
		}
	case <-ctx.Done():
		return false, fmt.Errorf("getting key %q: %w", key, ctx.Err())
	}
	if res.err != nil {
		return false, fmt.Errorf("getting key %q: %w: %w", key, ErrStorage, res.err)
	}
	if !res.ok {
		return false, nil
	}
	if err := json.Unmarshal(res.bb, v); err != nil {
		return false, fmt.Errorf("decoding key %q: %w: %w", key, ErrStorage, err)
	}
	return true, nil
}

// Flush waits until every operation queued before the call has run.
func (s *Store) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !s.enqueue(func(context.Context) { close(done) }) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close runs the queued operations and releases the backend. It is safe to
// call Close more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		<-s.done
		s.closeErr = s.drv.close()
	})
	return s.closeErr
}

type memDriver struct {
	mu sync.RWMutex
	m  map[string][]byte
}

func (d *memDriver) get(_ context.Context, key string) ([]byte, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	bb, ok := d.m[key]
	return bb, ok, nil
}

func (d *memDriver) put(_ context.Context, key string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[key] = value
	return nil
}

func (d *memDriver) del(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.m, key)
	return nil
}

func (d *memDriver) close() error { return nil }
