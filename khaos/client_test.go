package khaos_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mccutchen/go-httpbin/v2/httpbin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spdigital/kiosk-zoom/khaos"
	"github.com/spdigital/kiosk-zoom/khaos/khaostest"
	"github.com/spdigital/kiosk-zoom/kiosk"
	"github.com/spdigital/kiosk-zoom/testutils"
)

func newClient(t *testing.T, host string, cfg kiosk.Config) *khaos.Client {
	t.Helper()

	logger, _ := testutils.NewLogger(t)
	return khaos.NewClient("http://127.0.0.1:1", func(context.Context) (kiosk.Config, error) {
		c := cfg
		c.Host = host
		return c, nil
	}, logger)
}

// httpbinAs serves every request with the go-httpbin endpoint at target.
func httpbinAs(t *testing.T, target string) string {
	t.Helper()

	hb := httpbin.New().Handler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Path = target
		r.URL.RawPath = ""
		r.URL.RawQuery = ""
		hb.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	return srv.URL
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := khaostest.NewServer(t)
	c := newClient(t, srv.URL, kiosk.Config{})

	sess, err := c.JoinMeeting(ctx, "Luna", "OA_RES")
	require.NoError(t, err)
	require.NotEmpty(t, sess.SessionID)
	assert.Equal(t, "Luna", sess.KioskName)
	assert.Equal(t, "OA_RES", sess.Nature)
	assert.NotEmpty(t, sess.Signature)

	status, err := c.SessionStatus(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, khaos.StatusStart, status)
	assert.True(t, status.Active())

	again, err := c.Rejoin(ctx, sess.SessionID)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, sess.SessionID, again.SessionID)

	ended, err := c.ChangeStatus(ctx, sess.SessionID, khaos.StatusEnd)
	require.NoError(t, err)
	assert.Equal(t, khaos.StatusEnd, ended.Status)

	again, err = c.Rejoin(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Nil(t, again, "an ended session cannot be rejoined")

	status, err = c.SessionStatus(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, khaos.StatusEnd, status)
	assert.False(t, status.Active())
}

func TestRejoinUnknownSession(t *testing.T) {
	t.Parallel()

	srv := khaostest.NewServer(t)
	c := newClient(t, srv.URL, kiosk.Config{})

	for _, id := range []string{"does-not-exist", ""} {
		sess, err := c.Rejoin(context.Background(), id)
		assert.NoError(t, err)
		assert.Nil(t, sess)
	}
	assert.Equal(t, 1, srv.CountRequests(http.MethodPost, khaos.SessionsPath+"/does-not-exist/rejoin"))
}

func TestSessionStatusNonOK(t *testing.T) {
	t.Parallel()

	for _, code := range []int{400, 401, 403, 404, 500, 502, 503} {
		code := code
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			t.Parallel()

			c := newClient(t, httpbinAs(t, "/status/"+strconv.Itoa(code)), kiosk.Config{})
			status, err := c.SessionStatus(context.Background(), "s-1")
			assert.NoError(t, err)
			assert.Equal(t, khaos.StatusError, status)
		})
	}
}

func TestSessionStatusUnreachable(t *testing.T) {
	t.Parallel()

	c := newClient(t, httpbinAs(t, "/delay/2"), kiosk.Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	status, err := c.SessionStatus(ctx, "s-1")
	assert.Equal(t, khaos.StatusError, status)
	assert.ErrorIs(t, err, khaos.ErrNetwork)
}

func TestSessionStatusBareBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "AGENT_JOINING\n")
	}))
	t.Cleanup(srv.Close)

	status, err := newClient(t, srv.URL, kiosk.Config{}).SessionStatus(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, khaos.StatusAgentJoining, status)
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	bearer := httpbinAs(t, "/bearer")

	status, err := newClient(t, bearer, kiosk.Config{AccessToken: "tok"}).SessionStatus(context.Background(), "s-1")
	require.NoError(t, err)
	assert.NotEqual(t, khaos.StatusError, status, "an authenticated call must succeed")

	status, err = newClient(t, bearer, kiosk.Config{}).SessionStatus(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, khaos.StatusError, status, "no token means the call goes out unauthenticated")

	srv := khaostest.NewServer(t)
	srv.RequireToken("tok")
	_, err = newClient(t, srv.URL, kiosk.Config{AccessToken: "tok"}).JoinMeeting(context.Background(), "Luna", "OA_RES")
	require.NoError(t, err)
	_, err = newClient(t, srv.URL, kiosk.Config{}).JoinMeeting(context.Background(), "Luna", "OA_RES")
	var rse *khaos.RemoteStatusError
	require.ErrorAs(t, err, &rse)
	assert.Equal(t, http.StatusUnauthorized, rse.StatusCode)

	reqs := srv.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "Bearer tok", reqs[0].Authorization)
	assert.Empty(t, reqs[1].Authorization)
}

func TestChangeStatusFailure(t *testing.T) {
	t.Parallel()

	srv := khaostest.NewServer(t)
	c := newClient(t, srv.URL, kiosk.Config{})

	_, err := c.ChangeStatus(context.Background(), "missing", khaos.StatusEnd)
	var rse *khaos.RemoteStatusError
	require.ErrorAs(t, err, &rse)
	assert.Equal(t, http.StatusNotFound, rse.StatusCode)
	assert.Equal(t, "change status", rse.Op)
	assert.ErrorContains(t, err, "unexpected response status 404")
}

func TestConfigFallback(t *testing.T) {
	t.Parallel()

	srv := khaostest.NewServer(t)
	logger, lc := testutils.NewLogger(t)
	c := khaos.NewClient(srv.URL+"/", func(context.Context) (kiosk.Config, error) {
		return kiosk.Config{}, errors.New("store closed")
	}, logger)

	_, err := c.JoinMeeting(context.Background(), "Luna", "OA_RES")
	require.NoError(t, err)
	lc.AssertContains(t, "reading kiosk config, using defaults: store closed")
}

func TestHalpEndpoints(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := khaostest.NewServer(t)
	c := newClient(t, srv.URL, kiosk.Config{})

	srv.SetQueued(3)
	n, err := c.CountCallInQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	srv.SetAgents(khaos.Agent{ID: "a1", Name: "Alice"}, khaos.Agent{ID: "a2", Name: "Bob"})
	agents, err := c.AvailableAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 2)
	assert.Equal(t, "Bob", agents[1].Name)

	srv.SetSchedules(
		khaos.Schedule{AgentName: "Alice", Date: "2026-10-16", StartTime: "09:00", EndTime: "12:00"},
		khaos.Schedule{AgentName: "Bob", Date: "2026-10-17", StartTime: "09:00", EndTime: "12:00"},
	)
	schedules, err := c.SchedulesByDate(ctx, time.Date(2026, 10, 16, 15, 4, 5, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, "Alice", schedules[0].AgentName)

	srv.FailWith(khaos.HalpPath+"/sessions/count-queued", http.StatusInternalServerError)
	_, err = c.CountCallInQueue(ctx)
	var rse *khaos.RemoteStatusError
	require.ErrorAs(t, err, &rse)
	assert.Equal(t, http.StatusInternalServerError, rse.StatusCode)
}

func TestUpdateTxnNature(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := khaostest.NewServer(t)
	c := newClient(t, srv.URL, kiosk.Config{})

	id := srv.AddSession(khaos.StatusStart)
	require.NoError(t, c.UpdateTxnNature(ctx, khaos.TxnNatureRequest{SessionID: id, Nature: "OA_ENQ"}))
	assert.Equal(t, []khaos.TxnNatureRequest{{SessionID: id, Nature: "OA_ENQ"}}, srv.TxnNatures())

	err := c.UpdateTxnNature(ctx, khaos.TxnNatureRequest{SessionID: "missing", Nature: "OA_ENQ"})
	var rse *khaos.RemoteStatusError
	require.ErrorAs(t, err, &rse)
	assert.Equal(t, http.StatusNotFound, rse.StatusCode)
}

func TestAgentJoinedStream(t *testing.T) {
	t.Parallel()

	srv := khaostest.NewServer(t)
	c := newClient(t, srv.URL, kiosk.Config{})
	id := srv.AddSession(khaos.StatusStart)

	stream, err := c.SubscribeAgentJoined(context.Background(), id)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.AgentJoinedSubscribers(id) == 1 }, time.Second, 10*time.Millisecond)

	require.Equal(t, 1, srv.AgentJoined(id, "Alice"))
	select {
	case ev := <-stream.Events():
		assert.Equal(t, khaos.DefaultEventName, ev.Name)
		assert.JSONEq(t, `{"agentName":"Alice"}`, ev.Data)
		assert.Equal(t, "1", ev.ID)
	case <-time.After(time.Second):
		require.FailNow(t, "no agent joined event")
	}

	srv.DropStreams()
	for range stream.Events() {
	}
	assert.ErrorIs(t, stream.Err(), khaos.ErrStreamEnded)
	require.NoError(t, stream.Close())
}

func TestFeatureToggleStream(t *testing.T) {
	t.Parallel()

	srv := khaostest.NewServer(t)
	c := newClient(t, srv.URL, kiosk.Config{})

	srv.FailFeatureSubscriptions(1)
	_, err := c.SubscribeFeatureToggle(context.Background())
	var rse *khaos.RemoteStatusError
	require.ErrorAs(t, err, &rse)
	assert.Equal(t, http.StatusServiceUnavailable, rse.StatusCode)

	stream, err := c.SubscribeFeatureToggle(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.FeatureSubscribers() == 1 }, time.Second, 10*time.Millisecond)

	srv.PushFeature("Luna", true)
	ev := <-stream.Events()
	assert.Equal(t, "data", ev.Name)
	assert.JSONEq(t, `{"Luna":{"enable":true}}`, ev.Data)

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
	for range stream.Events() {
	}
	assert.NoError(t, stream.Err(), "a stream closed locally ends without error")
	require.Eventually(t, func() bool { return srv.FeatureSubscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSubscribeUnreachable(t *testing.T) {
	t.Parallel()

	c := newClient(t, "http://127.0.0.1:1", kiosk.Config{})
	_, err := c.SubscribeFeatureToggle(context.Background())
	assert.ErrorIs(t, err, khaos.ErrNetwork)
	assert.True(t, strings.HasPrefix(err.Error(), "feature toggle:"))
}
