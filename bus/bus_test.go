package bus

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spdigital/kiosk-zoom/api"
	"github.com/spdigital/kiosk-zoom/message"
)

var (
	_ api.Runtime     = (*Bus)(nil)
	_ api.Runtime     = (*Remote)(nil)
	_ api.Broadcaster = (*Bus)(nil)
	_ api.Tab         = (*Tab)(nil)
	_ api.Tab         = (*Remote)(nil)
)

// echo replies to the messages expecting one with their type, and records
// every message in the order it was handed over.
type echo struct {
	mu   sync.Mutex
	seen []message.Type
}

func (e *echo) HandleMessage(_ context.Context, env message.Envelope, reply Reply) {
	e.mu.Lock()
	e.seen = append(e.seen, env.Type)
	e.mu.Unlock()

	switch env.Type {
	case message.CheckSessionStatusValid:
		go reply(true, nil)
	case message.RejoinSession:
		reply(nil, nil)
	case message.JoinSession:
		reply(nil, errors.New("service down"))
	}
}

func (e *echo) types() []message.Type {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]message.Type(nil), e.seen...)
}

func TestSendMessage(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := New(nil)
	_, err := b.SendMessage(ctx, message.MustNew(message.FromWidget, message.CheckSessionStatusValid, nil))
	assert.ErrorIs(t, err, ErrNoListener)

	h := &echo{}
	require.NoError(t, b.Listen(ctx, h))
	assert.ErrorIs(t, b.Listen(ctx, h), ErrListening)

	res, err := b.SendMessage(ctx, message.MustNew(message.FromContentScript, message.CheckSessionStatusValid, nil))
	require.NoError(t, err)
	assert.JSONEq(t, "true", string(res))

	res, err = b.SendMessage(ctx, message.MustNew(message.FromWidget, message.RejoinSession, nil))
	require.NoError(t, err)
	assert.Equal(t, "null", string(res))

	_, err = b.SendMessage(ctx, message.MustNew(message.FromWidget, message.JoinSession, nil))
	assert.ErrorContains(t, err, "sending join-session: service down")

	_, err = b.SendMessage(ctx, message.Envelope{From: "popup", Type: message.JoinSession})
	assert.ErrorIs(t, err, message.ErrInvalid)
}

func TestSendMessageWithoutReply(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := New(nil)
	require.NoError(t, b.Listen(ctx, &echo{}))

	tctx, tcancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer tcancel()
	_, err := b.SendMessage(tctx, message.MustNew(message.FromWidget, message.EndSession, nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPostKeepsOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := New(nil)
	assert.ErrorIs(t, b.Post(message.MustNew(message.FromWidget, message.EndSession, nil)), ErrNoListener)

	h := &echo{}
	require.NoError(t, b.Listen(ctx, h))

	want := []message.Type{
		message.SubscribeAgentJoined, message.CountCallInQueue, message.EndSession,
		message.JoinSessionFail, message.CountCallInQueue,
	}
	for _, typ := range want {
		require.NoError(t, b.Post(message.MustNew(message.FromWidget, typ, nil)))
	}
	require.Eventually(t, func() bool { return len(h.types()) == len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, h.types())
}

func TestPostRejectsRequests(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := New(nil)
	h := &echo{}
	require.NoError(t, b.Listen(ctx, h))

	for _, typ := range []message.Type{message.CheckSessionStatusValid, message.JoinSession, message.RejoinSession} {
		assert.ErrorIs(t, b.Post(message.MustNew(message.FromWidget, typ, nil)), ErrExpectsReply, typ)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.types(), "nothing reaches the listener")
}

func TestListenStops(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	b := New(nil)
	require.NoError(t, b.Listen(ctx, &echo{}))
	cancel()

	require.Eventually(t, func() bool {
		err := b.Post(message.MustNew(message.FromWidget, message.EndSession, nil))
		return errors.Is(err, ErrNoListener)
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Listen(context.Background(), &echo{}), "a new listener can take over")
}

func TestBroadcast(t *testing.T) {
	t.Parallel()

	b := New(nil)
	t1, t2 := b.OpenTab(), b.OpenTab()
	assert.NotEqual(t, t1.ID(), t2.ID())
	assert.Equal(t, 2, b.Tabs())

	env := message.MustNew(message.FromWorker, message.CountCallInQueue,
		message.Toast{Message: "3 call in queue", IconType: message.IconDot})
	assert.Equal(t, 2, b.Broadcast(env))
	for _, tab := range []*Tab{t1, t2} {
		got := <-tab.Messages()
		assert.Equal(t, env.Type, got.Type)
		assert.JSONEq(t, string(env.Payload), string(got.Payload))
	}

	t1.Close()
	t1.Close()
	_, ok := <-t1.Messages()
	assert.False(t, ok)
	assert.Equal(t, 1, b.Broadcast(env))
	assert.Equal(t, 0, b.Broadcast(message.Envelope{From: message.FromWidget, Type: message.AgentJoinedToast}))
}

func TestBroadcastDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New(nil)
	tab := b.OpenTab()
	env := message.MustNew(message.FromWorker, message.AgentJoinedToast, "Alice")
	for i := 0; i < tabQueueSize; i++ {
		require.Equal(t, 1, b.Broadcast(env))
	}
	assert.Equal(t, 0, b.Broadcast(env))
	tab.Close()
}

func TestBridge(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := New(nil)
	h := &echo{}
	require.NoError(t, b.Listen(ctx, h))

	srv := httptest.NewServer(NewBridgeHandler(b, nil))
	t.Cleanup(srv.Close)

	remote, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(remote.Close)

	res, err := remote.SendMessage(ctx, message.MustNew(message.FromWidget, message.CheckSessionStatusValid, nil))
	require.NoError(t, err)
	var valid bool
	require.NoError(t, json.Unmarshal(res, &valid))
	assert.True(t, valid)

	_, err = remote.SendMessage(ctx, message.MustNew(message.FromWidget, message.JoinSession, nil))
	assert.ErrorIs(t, err, ErrRemote)
	assert.ErrorContains(t, err, "service down")

	_, err = remote.SendMessage(ctx, message.Envelope{From: message.FromWorker, Type: message.JoinSession})
	assert.ErrorIs(t, err, message.ErrInvalid)

	require.NoError(t, remote.Post(message.MustNew(message.FromWidget, message.CountCallInQueue, nil)))
	require.Eventually(t, func() bool {
		types := h.types()
		return len(types) == 3 && types[2] == message.CountCallInQueue
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return b.Tabs() == 1 }, time.Second, 5*time.Millisecond)
	b.Broadcast(message.MustNew(message.FromWorker, message.AgentJoinedToast, "Alice"))
	select {
	case env := <-remote.Messages():
		assert.Equal(t, message.AgentJoinedToast, env.Type)
		var name string
		require.NoError(t, env.Decode(&name))
		assert.Equal(t, "Alice", name)
	case <-time.After(time.Second):
		require.FailNow(t, "no broadcast over the bridge")
	}

	assert.ErrorIs(t, remote.Post(message.MustNew(message.FromWidget, message.JoinSession, nil)), ErrExpectsReply)

	remote.Close()
	<-remote.Done()
	_, err = remote.SendMessage(ctx, message.MustNew(message.FromWidget, message.CheckSessionStatusValid, nil))
	assert.Error(t, err)
	require.Eventually(t, func() bool { return b.Tabs() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBridgeKeepsOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := New(nil)
	h := &echo{}
	require.NoError(t, b.Listen(ctx, h))

	srv := httptest.NewServer(NewBridgeHandler(b, nil))
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	conn := &wsConn{ws: ws}

	// requests and posts interleaved on one connection
	var want []message.Type
	for i := 0; i < 20; i++ {
		req := message.MustNew(message.FromWidget, message.CheckSessionStatusValid, nil)
		require.NoError(t, conn.send(frame{ID: int64(i + 1), Kind: frameRequest, Message: &req}))
		post := message.MustNew(message.FromWidget, message.EndSession, nil)
		require.NoError(t, conn.send(frame{Kind: framePost, Message: &post}))
		want = append(want, message.CheckSessionStatusValid, message.EndSession)
	}

	require.Eventually(t, func() bool { return len(h.types()) == len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, h.types(), "the worker sees the connection's messages in order")
}
