package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Tyrowin/livechat/internal/chat"
	"github.com/Tyrowin/livechat/internal/chat/mocks"
)

type broadcastFixture struct {
	hub      *Hub
	engine   *Broadcaster
	blobs    *mocks.MockBlobStore
	messages *mocks.MockMessageLog
	sender   *Client
	other    *Client
}

func newBroadcastFixture(t *testing.T) *broadcastFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &broadcastFixture{
		hub:      newTestHub(t),
		blobs:    mocks.NewMockBlobStore(ctrl),
		messages: mocks.NewMockMessageLog(ctrl),
	}
	f.engine = NewBroadcaster(f.hub, f.blobs, f.messages, testConfig(), discardLogger())

	f.sender = admitTestClient(t, f.hub, nil)
	f.other = admitTestClient(t, f.hub, nil)
	bindTestClient(t, f.hub, f.sender, alice)
	bindTestClient(t, f.hub, f.other, bob)
	drain(f.sender)
	drain(f.other)
	return f
}

// appendInOrder makes the mocked log assign increasing ids.
func (f *broadcastFixture) appendInOrder() {
	var (
		mu   sync.Mutex
		next int64
	)
	f.messages.EXPECT().Append(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, senderID string, text *string, att *chat.Attachment) (chat.Message, error) {
			mu.Lock()
			defer mu.Unlock()
			next++
			return chat.Message{
				ID:         next,
				Sender:     chat.Identity{ID: senderID},
				Text:       text,
				Attachment: att,
				CreatedAt:  time.Unix(1700000000, 0).UTC(),
			}, nil
		}).AnyTimes()
}

func TestSendDeliversToEveryActiveConnection(t *testing.T) {
	f := newBroadcastFixture(t)
	f.appendInOrder()

	msg, err := f.engine.Send(context.Background(), f.sender.ID(), SendRequest{Text: lo.ToPtr("  hi  ")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.ID)
	assert.Equal(t, alice, msg.Sender)
	assert.Equal(t, "hi", *msg.Text)

	for _, c := range []*Client{f.sender, f.other} {
		m := expectFrame[MessageDelivered](t, c, FrameMessage)
		assert.Equal(t, int64(1), m.Message.ID)
		assert.Equal(t, "alice", m.Message.SenderName)
		assert.Equal(t, "hi", *m.Message.Text)
	}
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	f := newBroadcastFixture(t)

	for _, req := range []SendRequest{{}, {Text: lo.ToPtr("")}, {Text: lo.ToPtr(" \n\t ")}} {
		_, err := f.engine.Send(context.Background(), f.sender.ID(), req)
		assert.ErrorIs(t, err, chat.ErrEmptyMessage)
	}
	expectNoFrame(t, f.other)
}

func TestSendRejectsUnauthenticated(t *testing.T) {
	f := newBroadcastFixture(t)
	idle := admitTestClient(t, f.hub, nil)

	_, err := f.engine.Send(context.Background(), idle.ID(), SendRequest{Text: lo.ToPtr("hi")})
	assert.ErrorIs(t, err, chat.ErrNotAuthenticated)

	// Authentication is checked before the content.
	_, err = f.engine.Send(context.Background(), idle.ID(), SendRequest{})
	assert.ErrorIs(t, err, chat.ErrNotAuthenticated)
	f.engine.maxAttachment = 1
	_, err = f.engine.Send(context.Background(), idle.ID(), SendRequest{
		Attachment: &chat.Upload{ContentType: "text/plain", Data: []byte("too big")},
	})
	assert.ErrorIs(t, err, chat.ErrNotAuthenticated)

	require.NoError(t, f.hub.Unbind(context.Background(), idle.ID()))
	_, err = f.engine.Send(context.Background(), idle.ID(), SendRequest{Text: lo.ToPtr("hi")})
	assert.ErrorIs(t, err, chat.ErrConnectionClosed)
}

func TestSendWithAttachment(t *testing.T) {
	f := newBroadcastFixture(t)
	f.appendInOrder()
	upload := chat.Upload{Filename: "a.txt", ContentType: "text/plain", Data: []byte("abc")}
	att := chat.Attachment{URL: "http://chat.local/files/k.txt", ContentType: "text/plain", Size: 3}
	f.blobs.EXPECT().Store(gomock.Any(), upload).Return(att, nil)

	msg, err := f.engine.Send(context.Background(), f.sender.ID(), SendRequest{Attachment: &upload})
	require.NoError(t, err)
	assert.Nil(t, msg.Text)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, att, *msg.Attachment)

	m := expectFrame[MessageDelivered](t, f.other, FrameMessage)
	require.NotNil(t, m.Message.Attachment)
	assert.Equal(t, att.URL, m.Message.Attachment.URL)
}

func TestSendBlobFailureAppendsNothing(t *testing.T) {
	f := newBroadcastFixture(t)
	upload := chat.Upload{ContentType: "text/plain", Data: []byte("abc")}
	f.blobs.EXPECT().Store(gomock.Any(), gomock.Any()).Return(chat.Attachment{}, errors.New("bucket offline"))
	// No Append expectation: any call fails the test.

	_, err := f.engine.Send(context.Background(), f.sender.ID(), SendRequest{Text: lo.ToPtr("x"), Attachment: &upload})
	assert.ErrorIs(t, err, chat.ErrBlobUnavailable)
	assert.Equal(t, "blob_unavailable", chat.Reason(err))
	expectNoFrame(t, f.sender)
	expectNoFrame(t, f.other)
}

func TestSendBlobTimeout(t *testing.T) {
	f := newBroadcastFixture(t)
	f.engine.blobTimeout = 10 * time.Millisecond
	upload := chat.Upload{ContentType: "text/plain", Data: []byte("abc")}
	f.blobs.EXPECT().Store(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ chat.Upload) (chat.Attachment, error) {
			<-ctx.Done()
			return chat.Attachment{}, ctx.Err()
		})

	_, err := f.engine.Send(context.Background(), f.sender.ID(), SendRequest{Attachment: &upload})
	assert.ErrorIs(t, err, chat.ErrStorageTimeout)
	expectNoFrame(t, f.other)
}

func TestSendLogFailureDeliversNothing(t *testing.T) {
	f := newBroadcastFixture(t)
	f.messages.EXPECT().Append(gomock.Any(), alice.ID, gomock.Any(), gomock.Nil()).
		Return(chat.Message{}, errors.New("connection refused"))

	_, err := f.engine.Send(context.Background(), f.sender.ID(), SendRequest{Text: lo.ToPtr("hi")})
	assert.ErrorIs(t, err, chat.ErrLogUnavailable)
	var se *chat.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "log.append", se.Op)
	expectNoFrame(t, f.sender)
	expectNoFrame(t, f.other)
}

func TestSendRejectsOversizedAttachment(t *testing.T) {
	f := newBroadcastFixture(t)
	f.engine.maxAttachment = 2

	_, err := f.engine.Send(context.Background(), f.sender.ID(), SendRequest{
		Attachment: &chat.Upload{ContentType: "text/plain", Data: []byte("abc")},
	})
	assert.ErrorIs(t, err, chat.ErrInvalidRequest)
}

func TestSendWithoutBlobStore(t *testing.T) {
	f := newBroadcastFixture(t)
	f.engine.blobs = nil

	_, err := f.engine.Send(context.Background(), f.sender.ID(), SendRequest{
		Attachment: &chat.Upload{ContentType: "text/plain", Data: []byte("abc")},
	})
	assert.ErrorIs(t, err, chat.ErrBlobUnavailable)
}

// TestSendOrderMatchesLogOrder checks that concurrent sends reach every
// recipient in the order the log assigned ids.
func TestSendOrderMatchesLogOrder(t *testing.T) {
	f := newBroadcastFixture(t)
	f.appendInOrder()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Send(context.Background(), f.sender.ID(), SendRequest{Text: lo.ToPtr("m")})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, c := range []*Client{f.sender, f.other} {
		for want := int64(1); want <= 10; want++ {
			m := expectFrame[MessageDelivered](t, c, FrameMessage)
			assert.Equal(t, want, m.Message.ID)
		}
	}
}

func TestSendCompletesAfterCallerCancels(t *testing.T) {
	f := newBroadcastFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.messages.EXPECT().Append(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, *string, *chat.Attachment) (chat.Message, error) {
			cancel()
			return chat.Message{ID: 42}, nil
		})

	msg, err := f.engine.Send(ctx, f.sender.ID(), SendRequest{Text: lo.ToPtr("hi")})
	require.NoError(t, err)
	assert.Equal(t, int64(42), msg.ID)
	expectFrame[MessageDelivered](t, f.other, FrameMessage)
}
