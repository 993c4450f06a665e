package widget

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spdigital/kiosk-zoom/api"
	"github.com/spdigital/kiosk-zoom/dom"
	"github.com/spdigital/kiosk-zoom/khaos"
	"github.com/spdigital/kiosk-zoom/kiosk"
	"github.com/spdigital/kiosk-zoom/message"
	"github.com/spdigital/kiosk-zoom/storage"
	"github.com/spdigital/kiosk-zoom/testutils"
	"github.com/spdigital/kiosk-zoom/videosim"
)

var (
	_ api.VideoClient = (*videosim.Client)(nil)

	testSession = khaos.Session{
		SessionID:     "9d3c",
		Status:        khaos.StatusStart,
		KioskName:     "Kiosk 7",
		SDKKey:        "sdk-key",
		Signature:     "sig",
		MeetingNumber: "8123456789",
		Password:      "pwd",
		UserName:      "Kiosk 7",
	}
)

type fakeRuntime struct {
	mu      sync.Mutex
	replies map[message.Type]any
	errs    map[message.Type]error
	// blocked types get no reply until the request is cancelled
	blocked map[message.Type]bool
	sent    []message.Type
	posted  []message.Type
}

func newFakeRuntime(valid bool, session any) *fakeRuntime {
	return &fakeRuntime{
		replies: map[message.Type]any{
			message.CheckSessionStatusValid: valid,
			message.JoinSession:             session,
			message.RejoinSession:           session,
		},
		errs:    make(map[message.Type]error),
		blocked: make(map[message.Type]bool),
	}
}

func (r *fakeRuntime) SendMessage(ctx context.Context, env message.Envelope) (json.RawMessage, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.sent = append(r.sent, env.Type)
	blocked, err, reply := r.blocked[env.Type], r.errs[env.Type], r.replies[env.Type]
	r.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(reply)
}

func (r *fakeRuntime) Post(env message.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posted = append(r.posted, env.Type)
	return nil
}

func (r *fakeRuntime) sentTypes() []message.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.Type(nil), r.sent...)
}

func (r *fakeRuntime) postedTypes() []message.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.Type(nil), r.posted...)
}

type windowRecorder struct {
	mu   sync.Mutex
	msgs []message.WindowMessage
}

func (w *windowRecorder) PostWindowMessage(msg message.WindowMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msg)
}

func (w *windowRecorder) types() []message.Type {
	w.mu.Lock()
	defer w.mu.Unlock()
	types := make([]message.Type, 0, len(w.msgs))
	for _, m := range w.msgs {
		types = append(types, m.Payload.Type)
	}
	return types
}

func (w *windowRecorder) messages() []message.WindowMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]message.WindowMessage(nil), w.msgs...)
}

func count(types []message.Type, typ message.Type) int {
	var n int
	for _, t := range types {
		if t == typ {
			n++
		}
	}
	return n
}

type harness struct {
	*Controller
	doc    *dom.Document
	rt     *fakeRuntime
	window *windowRecorder
	client *videosim.Client
	state  *storage.State
	logs   *testutils.LogCache
	ctx    context.Context
}

func newHarness(t *testing.T, rt *fakeRuntime) *harness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger, logs := testutils.NewLogger(t)
	store := storage.NewMemory(logger)
	t.Cleanup(func() { _ = store.Close() })
	state := storage.NewState(store)
	state.SetKioskConfig(kiosk.Config{Name: "Kiosk 7"})

	client := videosim.New(logger)
	t.Cleanup(client.Close)
	doc := dom.NewDocument()
	window := &windowRecorder{}

	return &harness{
		Controller: New(doc, rt, window, client, state, Options{ControlTimeout: time.Second}, logger),
		doc:        doc,
		rt:         rt,
		window:     window,
		client:     client,
		state:      state,
		logs:       logs,
		ctx:        ctx,
	}
}

func (h *harness) waitLeaveWired(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.logs.Contains("leave control wired") },
		time.Second, 5*time.Millisecond)
}

func TestFreshJoin(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeRuntime(false, testSession))
	require.NoError(t, h.Start(h.ctx))

	assert.NotNil(t, h.doc.QuerySelector(".spd-zoom > .zoom--fixed"))
	inSession, err := h.state.InSession(h.ctx)
	require.NoError(t, err)
	assert.True(t, inSession)

	assert.Equal(t, []message.Type{message.CheckSessionStatusValid, message.JoinSession}, h.rt.sentTypes())
	assert.Equal(t, []message.Type{message.SubscribeAgentJoined, message.CountCallInQueue}, h.rt.postedTypes())

	msgs := h.window.messages()
	require.Len(t, msgs, 3)
	var toast message.Toast
	require.Equal(t, message.AddToast, msgs[0].Payload.Type)
	require.NoError(t, msgs[0].Decode(&toast))
	assert.Equal(t, message.Toast{ID: CallToastID, Message: CallToast, IconType: message.IconSpinner}, toast)
	var remove message.RemoveToastData
	require.Equal(t, message.RemoveToast, msgs[1].Payload.Type)
	require.NoError(t, msgs[1].Decode(&remove))
	assert.Equal(t, message.IconSpinner, remove.Name)
	require.Equal(t, message.AddToast, msgs[2].Payload.Type)
	require.NoError(t, msgs[2].Decode(&toast))
	assert.Equal(t, WaitingToast, toast.Message)
	assert.Equal(t, WaitingToastID, toast.ID)

	assert.True(t, h.client.Joined())
	assert.Equal(t, api.JoinParams{
		SDKKey:        "sdk-key",
		Signature:     "sig",
		MeetingNumber: "8123456789",
		Password:      "pwd",
		UserName:      "Kiosk 7",
	}, h.client.Params())

	require.Eventually(t, func() bool { return h.client.AudioOn() && h.client.VideoOn() },
		time.Second, 5*time.Millisecond, "audio and video are enabled")
}

func TestRejoinValidSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeRuntime(true, testSession))
	require.NoError(t, h.Start(h.ctx))

	assert.Equal(t, []message.Type{message.CheckSessionStatusValid, message.RejoinSession}, h.rt.sentTypes())
	assert.Empty(t, h.rt.postedTypes())
	assert.Empty(t, h.window.types(), "no toasts for a rejoin")
	assert.True(t, h.client.Joined())
}

func TestStartFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		valid   bool
		session any
		setup   func(*harness)
		wantErr error
	}{
		{name: "rejoin_refused", valid: true, wantErr: ErrNoSession},
		{name: "join_refused", valid: false, wantErr: ErrNoSession},
		{
			name: "worker_unreachable", session: testSession,
			setup: func(h *harness) {
				h.rt.errs[message.CheckSessionStatusValid] = errors.New("receiving end does not exist")
			},
		},
		{
			name: "meeting_join_fails", session: testSession,
			setup: func(h *harness) { h.client.FailJoin(errors.New("signature expired")) },
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, newFakeRuntime(tt.valid, tt.session))
			if tt.setup != nil {
				tt.setup(h)
			}

			err := h.Start(h.ctx)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, 1, count(h.window.types(), message.JoinSessionFail))
			assert.Equal(t, 1, count(h.rt.postedTypes(), message.JoinSessionFail))
			assert.Zero(t, count(h.rt.postedTypes(), message.EndSession))
			h.logs.AssertContains(t, "init error")
		})
	}
}

func TestStopWhileStarting(t *testing.T) {
	t.Parallel()

	for _, typ := range []message.Type{message.CheckSessionStatusValid, message.RejoinSession} {
		typ := typ
		t.Run(string(typ), func(t *testing.T) {
			t.Parallel()

			rt := newFakeRuntime(true, testSession)
			rt.blocked[typ] = true
			h := newHarness(t, rt)
			ctx, cancel := context.WithCancel(h.ctx)

			errCh := make(chan error, 1)
			go func() { errCh <- h.Start(ctx) }()
			require.Eventually(t, func() bool { return count(rt.sentTypes(), typ) == 1 },
				time.Second, 5*time.Millisecond)

			cancel()
			select {
			case err := <-errCh:
				assert.ErrorIs(t, err, context.Canceled)
			case <-time.After(time.Second):
				require.FailNow(t, "start did not return")
			}

			assert.Zero(t, count(rt.postedTypes(), message.JoinSessionFail), "the session is kept")
			assert.Zero(t, count(h.window.types(), message.JoinSessionFail))
			assert.False(t, h.logs.Contains("init error"))
			h.logs.AssertContains(t, "stopped while starting")
		})
	}
}

func TestLeaveControlBounded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeRuntime(true, testSession))
	assert.Equal(t, DefaultControlTimeout, h.opts.LeaveTimeout, "the leave control wait is bounded by default")

	h.opts.LeaveTimeout = 20 * time.Millisecond
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.watchLeave(h.ctx)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		require.FailNow(t, "the leave control wait did not give up")
	}
	h.logs.AssertContains(t, "leave control not wired")
	assert.False(t, h.logs.Contains("leave control wired"))
}

func TestEndsOnce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		end  func(h *harness)
	}{
		{name: "leave_click", end: func(h *harness) { h.doc.QuerySelector(LeaveSelector).Click() }},
		{name: "leave_touch", end: func(h *harness) { h.doc.QuerySelector(LeaveSelector).Dispatch("touchstart") }},
		{name: "connection_failed", end: func(h *harness) { h.client.Fail() }},
		{name: "connection_closed", end: func(h *harness) { _ = h.client.Leave(context.Background()) }},
		{
			name: "leave_click_then_failed",
			end: func(h *harness) {
				h.doc.QuerySelector(LeaveSelector).Click()
				h.client.Fail()
			},
		},
		{
			name: "failed_then_leave_touch",
			end: func(h *harness) {
				h.client.Fail()
				h.doc.QuerySelector(LeaveSelector).Dispatch("touchstart")
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, newFakeRuntime(true, testSession))
			require.NoError(t, h.Start(h.ctx))
			h.waitLeaveWired(t)

			tt.end(h)
			require.Eventually(t, func() bool {
				return count(h.rt.postedTypes(), message.EndSession) == 1
			}, time.Second, 5*time.Millisecond)
			time.Sleep(50 * time.Millisecond)
			assert.Equal(t, 1, count(h.rt.postedTypes(), message.EndSession))
			assert.Equal(t, 1, count(h.window.types(), message.EndSession))
		})
	}
}

func TestAgentPresence(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeRuntime(true, testSession))
	require.NoError(t, h.Start(h.ctx))

	h.client.AddUser("Kiosk 7")
	h.client.AddUser(KioskUserName)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, h.AgentPresent())

	h.client.AddUser("Alice")
	require.Eventually(t, h.AgentPresent, time.Second, 5*time.Millisecond)
	h.logs.AssertContains(t, `agent "Alice" is in the meeting`)
}

func TestInitOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeRuntime(true, testSession))
	require.NoError(t, h.Start(h.ctx))
	require.NoError(t, h.Start(h.ctx), "the video client is initialized once")
	assert.Len(t, h.doc.QuerySelectorAll("."+MountClass), 1)
}

func TestStoppedWidgetIgnoresEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeRuntime(true, testSession))
	ctx, cancel := context.WithCancel(h.ctx)
	require.NoError(t, h.Start(ctx))
	h.waitLeaveWired(t)

	cancel()
	h.client.Fail()
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, count(h.rt.postedTypes(), message.EndSession))
}

func TestLauncher(t *testing.T) {
	t.Parallel()

	logger, _ := testutils.NewLogger(t)
	store := storage.NewMemory(logger)
	t.Cleanup(func() { _ = store.Close() })
	state := storage.NewState(store)

	rt := newFakeRuntime(false, testSession)
	var client *videosim.Client
	l := NewLauncher(rt, state, func() api.VideoClient {
		client = videosim.New(logger)
		return client
	}, Options{}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	page := dom.NewDocument()
	frame := page.CreateElement("iframe")
	frame.SetAttr("src", "widget.html")
	window := &windowRecorder{}
	l.Launch(ctx, frame, window)

	c, doc := l.Current()
	require.NotNil(t, c)
	require.Eventually(t, func() bool { return doc.QuerySelector(LeaveSelector) != nil }, time.Second, 5*time.Millisecond)
	require.True(t, client.Joined())

	cancel()
	require.Eventually(t, func() bool { return !client.Joined() }, time.Second, 5*time.Millisecond,
		"the meeting is left when the iframe goes away")
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, count(rt.postedTypes(), message.EndSession))
}
