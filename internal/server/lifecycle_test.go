package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Tyrowin/livechat/internal/chat"
	"github.com/Tyrowin/livechat/internal/chat/mocks"
)

type lifecycleFixture struct {
	hub       *Hub
	lifecycle *Lifecycle
	creds     *mocks.MockCredentialStore
	messages  *mocks.MockMessageLog
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &lifecycleFixture{
		hub:      newTestHub(t),
		creds:    mocks.NewMockCredentialStore(ctrl),
		messages: mocks.NewMockMessageLog(ctrl),
	}
	engine := NewBroadcaster(f.hub, nil, f.messages, testConfig(), discardLogger())
	f.lifecycle = NewLifecycle(f.hub, staticTokens{}, f.creds, engine, testConfig(), discardLogger())

	known := map[string]chat.Identity{alice.ID: alice, bob.ID: bob}
	f.creds.EXPECT().Lookup(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, id string) (chat.Identity, error) {
			if ident, ok := known[id]; ok {
				return ident, nil
			}
			return chat.Identity{}, chat.ErrBadCredentials
		}).AnyTimes()
	return f
}

func (f *lifecycleFixture) connect(t *testing.T) *Client {
	t.Helper()
	c, err := f.lifecycle.Connect(context.Background(), nil, "test")
	require.NoError(t, err)
	return c
}

func (f *lifecycleFixture) frame(c *Client, raw string) {
	f.lifecycle.HandleFrame(context.Background(), c, []byte(raw))
}

func TestLifecycleScenario(t *testing.T) {
	f := newLifecycleFixture(t)
	f.messages.EXPECT().Append(gomock.Any(), alice.ID, gomock.Any(), gomock.Nil()).
		DoAndReturn(func(_ context.Context, _ string, text *string, _ *chat.Attachment) (chat.Message, error) {
			return chat.Message{ID: 1, Sender: alice, Text: text, CreatedAt: time.Now()}, nil
		})

	c1 := f.connect(t)
	observer := f.connect(t)
	f.frame(observer, `{"type":"authenticate","token":"valid:u-bob"}`)
	drain(observer)

	// C1 authenticates as alice.
	f.frame(c1, `{"type":"authenticate","token":"valid:u-alice"}`)
	res := expectFrame[AuthResult](t, c1, FrameAuthResult)
	assert.True(t, res.Success)
	assert.Equal(t, &alice, res.Identity)
	p := expectFrame[PresenceChanged](t, observer, FramePresence)
	assert.Equal(t, []string{"alice", "bob"}, names(p.Users))
	drain(c1)

	// C1 says hi; everyone active receives it, C1 included.
	f.frame(c1, `{"type":"send","ref":"r1","text":"hi"}`)
	for _, c := range []*Client{c1, observer} {
		m := expectFrame[MessageDelivered](t, c, FrameMessage)
		assert.Equal(t, "alice", m.Message.SenderName)
		assert.Equal(t, "hi", *m.Message.Text)
	}

	// C2 logs in as alice on a second device.
	c2 := f.connect(t)
	f.frame(c2, `{"type":"authenticate","token":"valid:u-alice"}`)
	expectFrame[AuthResult](t, c2, FrameAuthResult)
	expectFrame[SessionSuperseded](t, c1, FrameSessionSuperseded)
	expectNoFrame(t, observer)
	assert.Equal(t, chat.StateUnauthenticated, c1.State())

	users, err := f.hub.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, names(users))

	// C1 is open but must authenticate again to send.
	f.frame(c1, `{"type":"send","ref":"r2","text":"still here?"}`)
	rej := expectFrame[SendRejected](t, c1, FrameSendRejected)
	assert.Equal(t, "r2", rej.Ref)
	assert.Equal(t, "not_authenticated", rej.Reason)

	// C2 disconnects; alice does not come back through C1.
	f.lifecycle.Disconnect(c2)
	p = expectFrame[PresenceChanged](t, observer, FramePresence)
	assert.Equal(t, []string{"bob"}, names(p.Users))
	assert.Equal(t, chat.StateClosed, c2.State())
}

func TestLifecycleAuthenticationFailuresKeepConnectionOpen(t *testing.T) {
	f := newLifecycleFixture(t)
	c := f.connect(t)

	cases := map[string]string{
		`{"type":"authenticate","token":"garbage"}`:       "malformed",
		`{"type":"authenticate","token":"expired"}`:       "expired",
		`{"type":"authenticate","token":"forged"}`:        "bad_signature",
		`{"type":"authenticate","token":"valid:u-ghost"}`: "bad_credentials",
	}
	for raw, reason := range cases {
		f.frame(c, raw)
		res := expectFrame[AuthResult](t, c, FrameAuthResult)
		assert.False(t, res.Success)
		assert.Equal(t, reason, res.Reason, raw)
		assert.Equal(t, chat.StateUnauthenticated, c.State())
	}

	// A later valid token still works.
	f.frame(c, `{"type":"authenticate","token":"valid:u-alice"}`)
	res := expectFrame[AuthResult](t, c, FrameAuthResult)
	assert.True(t, res.Success)
	assert.Equal(t, chat.StateActive, c.State())
}

func TestLifecycleSendBeforeAuthenticate(t *testing.T) {
	f := newLifecycleFixture(t)
	c := f.connect(t)

	// No Append expectation: the engine must not be reached.
	f.frame(c, `{"type":"send","ref":"r1","text":"hi"}`)
	rej := expectFrame[SendRejected](t, c, FrameSendRejected)
	assert.Equal(t, "not_authenticated", rej.Reason)
}

func TestLifecycleSwitchIdentity(t *testing.T) {
	f := newLifecycleFixture(t)
	c := f.connect(t)
	f.frame(c, `{"type":"authenticate","token":"valid:u-alice"}`)
	drain(c)

	f.frame(c, `{"type":"authenticate","token":"valid:u-bob"}`)
	res := expectFrame[AuthResult](t, c, FrameAuthResult)
	assert.Equal(t, &bob, res.Identity)
	p := expectFrame[PresenceChanged](t, c, FramePresence)
	assert.Equal(t, []string{"bob"}, names(p.Users))
}

func TestLifecycleInvalidFrames(t *testing.T) {
	f := newLifecycleFixture(t)
	c := f.connect(t)

	f.frame(c, `not json`)
	e := expectFrame[ErrorFrame](t, c, FrameError)
	assert.Equal(t, "invalid_request", e.Reason)

	f.frame(c, `{"type":"dance"}`)
	expectFrame[ErrorFrame](t, c, FrameError)

	f.frame(c, `{"type":"authenticate"}`)
	expectFrame[ErrorFrame](t, c, FrameError)

	f.frame(c, `{"type":"authenticate","token":"valid:u-alice"}`)
	drain(c)
	f.frame(c, `{"type":"send","ref":"r1","text":"x","attachment":{"filename":"a","content_type":"text/plain","data":"!!"}}`)
	expectFrame[ErrorFrame](t, c, FrameError)
}

func TestLifecycleEmptyMessage(t *testing.T) {
	f := newLifecycleFixture(t)
	c := f.connect(t)
	f.frame(c, `{"type":"authenticate","token":"valid:u-alice"}`)
	drain(c)

	f.frame(c, `{"type":"send","ref":"r9","text":"   "}`)
	rej := expectFrame[SendRejected](t, c, FrameSendRejected)
	assert.Equal(t, "r9", rej.Ref)
	assert.Equal(t, "empty_message", rej.Reason)
}

func TestLifecycleStorageFailureIsReportedToSenderOnly(t *testing.T) {
	f := newLifecycleFixture(t)
	f.messages.EXPECT().Append(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(chat.Message{}, errors.New("disk on fire"))

	sender := f.connect(t)
	other := f.connect(t)
	f.frame(sender, `{"type":"authenticate","token":"valid:u-alice"}`)
	f.frame(other, `{"type":"authenticate","token":"valid:u-bob"}`)
	drain(sender)
	drain(other)

	f.frame(sender, `{"type":"send","ref":"r1","text":"hi"}`)
	rej := expectFrame[SendRejected](t, sender, FrameSendRejected)
	assert.Equal(t, "log_unavailable", rej.Reason)
	assert.NotContains(t, rej.Error, "disk on fire")
	expectNoFrame(t, other)

	users, err := f.hub.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func TestLifecycleCredentialStoreOutage(t *testing.T) {
	ctrl := gomock.NewController(t)
	hub := newTestHub(t)
	creds := mocks.NewMockCredentialStore(ctrl)
	creds.EXPECT().Lookup(gomock.Any(), alice.ID).Return(chat.Identity{}, errors.New("db down"))
	l := NewLifecycle(hub, staticTokens{}, creds, nil, testConfig(), discardLogger())

	c, err := l.Connect(context.Background(), nil, "test")
	require.NoError(t, err)
	_, err = l.Authenticate(context.Background(), c, "valid:u-alice")
	assert.ErrorIs(t, err, chat.ErrCredentialsUnavailable)

	res := expectFrame[AuthResult](t, c, FrameAuthResult)
	assert.Equal(t, "credentials_unavailable", res.Reason)
}

func TestLifecycleAuthenticateAfterDisconnect(t *testing.T) {
	f := newLifecycleFixture(t)
	c := f.connect(t)
	f.lifecycle.Disconnect(c)
	f.lifecycle.Disconnect(c)

	_, err := f.lifecycle.Authenticate(context.Background(), c, "valid:u-alice")
	assert.ErrorIs(t, err, chat.ErrConnectionClosed)

	users, err := f.hub.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, users)
}
