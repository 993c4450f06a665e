package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"

	"github.com/spdigital/kiosk-zoom/kiosk"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from  Source
		typ   Type
		valid bool
	}{
		{FromWidget, CheckSessionStatusValid, true},
		{FromWidget, JoinSession, true},
		{FromWidget, SubscribeAgentJoined, true},
		{FromWidget, AgentJoinedToast, false},
		{FromContentScript, CheckSessionStatusValid, true},
		{FromContentScript, JoinSession, false},
		{FromWorker, CountCallInQueue, true},
		{FromWorker, AgentJoinedToast, true},
		{FromWorker, RejoinSession, false},
		{"popup", CheckSessionStatusValid, false},
		{FromWidget, "reboot", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.from)+"/"+string(tt.typ), func(t *testing.T) {
			t.Parallel()

			err := Envelope{From: tt.from, Type: tt.typ}.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestEnvelopeWireFormat(t *testing.T) {
	t.Parallel()

	env := MustNew(FromWorker, CountCallInQueue, Toast{Message: "3 call in queue", IconType: IconDot})
	bb, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"from":"worker","type":"count-call-in-queue","payload":{"message":"3 call in queue","iconType":"dot","duration":null}}`,
		string(bb))

	bb, err = json.Marshal(MustNew(FromWidget, JoinSession, nil))
	require.NoError(t, err)
	assert.Equal(t, `{"from":"widget","type":"join-session"}`, string(bb))

	var got Envelope
	require.NoError(t, json.Unmarshal(
		[]byte(`{"type":"agent-joined-toast","extra":{"a":[1,2]},"from":"worker","payload":"Alice"}`), &got))
	assert.Equal(t, FromWorker, got.From)
	assert.Equal(t, AgentJoinedToast, got.Type)

	var name string
	require.NoError(t, got.Decode(&name))
	assert.Equal(t, "Alice", name)

	got = Envelope{}
	require.NoError(t, json.Unmarshal([]byte(`{"from":"widget","type":"end-session","payload":null}`), &got))
	assert.Empty(t, got.Payload)

	assert.Error(t, json.Unmarshal([]byte(`{"from":`), &got))
}

func TestEnvelopeDecodeInvalid(t *testing.T) {
	t.Parallel()

	env := Envelope{From: FromWorker, Type: CountCallInQueue, Payload: json.RawMessage(`"not a toast"`)}
	var toast Toast
	assert.ErrorIs(t, env.Decode(&toast), ErrInvalid)

	_, err := New(FromWidget, JoinSession, func() {})
	assert.ErrorContains(t, err, "encoding join-session payload")
}

func TestWindowMessage(t *testing.T) {
	t.Parallel()

	msg, err := NewWindow(AddToast, Toast{Message: "Call", IconType: IconSpinner})
	require.NoError(t, err)
	bb, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"source":"kiosk-zoom","payload":{"type":"add-toast","data":{"message":"Call","iconType":"spinner","duration":null}}}`,
		string(bb))

	var got WindowMessage
	require.NoError(t, json.Unmarshal([]byte(
		`{"source":"kiosk-zoom","payload":{"type":"enable-kiosk-zoom-extension","data":{"accessToken":"t","kioskName":"Luna","featureFlag":true,"kioskHost":"https://h"}}}`),
		&got))
	require.NoError(t, got.Validate())
	var enable EnableExtension
	require.NoError(t, got.Decode(&enable))
	assert.Equal(t, kiosk.Config{Host: "https://h", Name: "Luna", AccessToken: "t"}, enable.Config())
	assert.Equal(t, null.BoolFrom(true), enable.FeatureFlag)

	foreign := WindowMessage{Source: "other", Payload: WindowPayload{Type: AddToast}}
	assert.ErrorIs(t, foreign.Validate(), ErrInvalid)
	unknown := WindowMessage{Source: WindowSource, Payload: WindowPayload{Type: JoinSession}}
	assert.ErrorIs(t, unknown.Validate(), ErrInvalid)
}

func TestToastDuration(t *testing.T) {
	t.Parallel()

	var toast Toast
	require.NoError(t, json.Unmarshal([]byte(`{"message":"Agent Alice has joined !!!","duration":5000}`), &toast))
	assert.Equal(t, null.IntFrom(5000), toast.Duration)

	toast = Toast{}
	require.NoError(t, json.Unmarshal([]byte(`{"message":"x"}`), &toast))
	assert.False(t, toast.Duration.Valid)
}

func TestExpectsReply(t *testing.T) {
	t.Parallel()

	for _, typ := range []Type{CheckSessionStatusValid, JoinSession, RejoinSession} {
		assert.True(t, typ.ExpectsReply(), typ)
	}
	for _, typ := range []Type{EndSession, JoinSessionFail, CountCallInQueue, SubscribeAgentJoined} {
		assert.False(t, typ.ExpectsReply(), typ)
	}
}
