package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/npezzotti/go-collab/internal/cache"
	"github.com/npezzotti/go-collab/internal/database"
	"github.com/npezzotti/go-collab/internal/push"
	"github.com/npezzotti/go-collab/internal/relay"
	"github.com/npezzotti/go-collab/internal/stats"
	"github.com/npezzotti/go-collab/internal/testutil"
	"github.com/npezzotti/go-collab/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakePushQueue struct {
	mu   sync.Mutex
	jobs []push.Job
	err  error
}

func (f *fakePushQueue) Enqueue(job push.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakePushQueue) Jobs() []push.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]push.Job(nil), f.jobs...)
}

type published struct {
	target  relay.Target
	message []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
}

func (f *fakePublisher) Publish(ctx context.Context, target relay.Target, message []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{target: target, message: message})
}

func (f *fakePublisher) Targets() []relay.Target {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]relay.Target, 0, len(f.sent))
	for _, p := range f.sent {
		out = append(out, p.target)
	}
	return out
}

func newTestStats() *stats.MockStatsUpdater {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything)
	su.On("RegisterFunc", mock.Anything, mock.Anything)
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()
	su.On("Add", mock.Anything, mock.Anything).Maybe()
	return su
}

// newTestChatServer creates a ChatServer backed by the given repository
// with an in-memory cache.
func newTestChatServer(t *testing.T, db database.Repository, opts Options) *ChatServer {
	t.Helper()

	c, err := cache.New(100)
	require.NoError(t, err)

	cs, err := NewChatServer(testutil.TestLogger(t), db, c, newTestStats(), opts)
	require.NoError(t, err, "failed to create test ChatServer")
	return cs
}

func newTestClient(t *testing.T, cs *ChatServer, user string) *Client {
	return &Client{
		id:         user + "-conn",
		chatServer: cs,
		log:        testutil.TestLogger(t),
		user:       user,
		send:       make(chan *ServerMessage, 256),
		stop:       make(chan struct{}),
		rooms:      make(map[string]struct{}),
	}
}

// drain returns every message queued for c.
func drain(c *Client) []*ServerMessage {
	var out []*ServerMessage
	for {
		select {
		case msg := <-c.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func events(msgs []*ServerMessage, name string) []*ServerMessage {
	var out []*ServerMessage
	for _, m := range msgs {
		if m.Event == name {
			out = append(out, m)
		}
	}
	return out
}

func responses(msgs []*ServerMessage) []*Response {
	var out []*Response
	for _, m := range msgs {
		if m.Response != nil {
			out = append(out, m.Response)
		}
	}
	return out
}

func testRoom() database.Room {
	return database.Room{
		Id:           1,
		ExternalId:   "r1",
		Title:        "general",
		Creator:      "alice",
		Participants: []string{"alice", "bob"},
	}
}

func TestNewChatServer(t *testing.T) {
	c, err := cache.New(10)
	require.NoError(t, err)

	t.Run("requires repository", func(t *testing.T) {
		cs, err := NewChatServer(testutil.TestLogger(t), nil, c, newTestStats(), Options{})
		assert.Error(t, err)
		assert.Nil(t, cs)
	})

	t.Run("requires cache", func(t *testing.T) {
		cs, err := NewChatServer(testutil.TestLogger(t), &database.MockRepository{}, nil, newTestStats(), Options{})
		assert.Error(t, err)
		assert.Nil(t, cs)
	})

	t.Run("registers metrics and defaults", func(t *testing.T) {
		su := newTestStats()
		cs, err := NewChatServer(testutil.TestLogger(t), &database.MockRepository{}, c, su, Options{})
		require.NoError(t, err)

		assert.Equal(t, DefaultUnreadTTL, cs.unreadTTL)
		assert.NotNil(t, cs.clients)
		assert.NotNil(t, cs.rooms)
		assert.NotNil(t, cs.personal)
		su.AssertCalled(t, "RegisterMetric", MetricActiveClients)
		su.AssertCalled(t, "RegisterMetric", MetricMessagesSent)
		su.AssertCalled(t, "RegisterMetric", MetricReadMarks)
		su.AssertCalled(t, "RegisterFunc", MetricLocksHeld, mock.Anything)
		su.AssertCalled(t, "RegisterFunc", MetricCache, mock.Anything)
	})
}

func TestJoinAndLeave(t *testing.T) {
	db := &database.MockRepository{}
	defer db.AssertExpectations(t)
	db.On("GetRoomByExternalId", "r1").Return(testRoom(), nil).Once()

	cs := newTestChatServer(t, db, Options{})
	alice := newTestClient(t, cs, "alice")
	bob := newTestClient(t, cs, "bob")
	cs.RegisterClient(alice)
	cs.RegisterClient(bob)

	cs.handleJoin(context.Background(), alice, &ClientMessage{BaseMessage: BaseMessage{Id: 1}, Join: &RoomRef{RoomId: "r1"}})
	cs.handleJoin(context.Background(), bob, &ClientMessage{BaseMessage: BaseMessage{Id: 2}, Join: &RoomRef{RoomId: "r1"}})
	assert.Equal(t, 2, cs.RoomConnections("r1"))

	aliceMsgs := drain(alice)
	joined := events(aliceMsgs, EventUserJoined)
	require.Len(t, joined, 2, "alice should see her own join and bob's")
	assert.Equal(t, Presence{RoomId: "r1", Username: "bob"}, joined[1].Data)

	bobMsgs := drain(bob)
	res := responses(bobMsgs)
	require.Len(t, res, 1)
	assert.Equal(t, 200, res[0].ResponseCode)

	assert.True(t, cs.leave(bob, "r1"))
	assert.False(t, cs.leave(bob, "r1"), "second leave should be a no-op")
	assert.Equal(t, 1, cs.RoomConnections("r1"))

	left := events(drain(alice), EventUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, Presence{RoomId: "r1", Username: "bob"}, left[0].Data)
}

func TestHandleJoinErrors(t *testing.T) {
	cases := []struct {
		name     string
		roomId   string
		room     database.Room
		err      error
		wantCode int
	}{
		{name: "missing room id", roomId: "", wantCode: 400},
		{name: "room not found", roomId: "nope", room: database.Room{}, err: database.ErrNotFound, wantCode: 404},
		{name: "not a participant", roomId: "r1", room: testRoom(), wantCode: 403},
		{name: "repository failure", roomId: "r2", room: database.Room{}, err: errors.New("boom"), wantCode: 500},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockRepository{}
			defer db.AssertExpectations(t)
			if tc.roomId != "" {
				db.On("GetRoomByExternalId", tc.roomId).Return(tc.room, tc.err).Once()
			}

			cs := newTestChatServer(t, db, Options{})
			carol := newTestClient(t, cs, "carol")
			cs.RegisterClient(carol)

			cs.handleJoin(context.Background(), carol, &ClientMessage{BaseMessage: BaseMessage{Id: 7}, Join: &RoomRef{RoomId: tc.roomId}})

			msgs := drain(carol)
			require.Len(t, msgs, 1)
			assert.Equal(t, 7, msgs[0].Id)
			assert.Equal(t, tc.wantCode, msgs[0].Response.ResponseCode)
			assert.Equal(t, 0, cs.RoomConnections(tc.roomId))
		})
	}
}

func TestUnregisterClient(t *testing.T) {
	cs := newTestChatServer(t, &database.MockRepository{}, Options{})
	alice := newTestClient(t, cs, "alice")
	bob := newTestClient(t, cs, "bob")
	cs.RegisterClient(alice)
	cs.RegisterClient(bob)

	cs.join(alice, "r1")
	cs.join(bob, "r1")
	cs.join(bob, "r2")
	cs.joinPersonal(bob)
	drain(alice)

	cs.UnregisterClient(bob)
	cs.UnregisterClient(bob)

	assert.Equal(t, 1, cs.RoomConnections("r1"))
	assert.Equal(t, 0, cs.RoomConnections("r2"))
	assert.Empty(t, cs.personal["bob"])
	assert.Empty(t, bob.rooms)

	left := events(drain(alice), EventUserLeft)
	require.Len(t, left, 1, "alice shares only r1 with bob")
	assert.Equal(t, Presence{RoomId: "r1", Username: "bob"}, left[0].Data)
}

func TestSendMessage_EndToEnd(t *testing.T) {
	db := &database.MockRepository{}
	defer db.AssertExpectations(t)

	room := testRoom()
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	db.On("GetRoomByExternalId", "r1").Return(room, nil).Once()
	db.On("CreateMessage", database.CreateMessageParams{RoomId: 1, Sender: "alice", Body: "hello"}).
		Return(database.Message{Id: 10, RoomId: 1, Sender: "alice", Body: "hello", CreatedAt: created}, nil).Once()
	db.On("CountUnread", "bob").Return(1, nil).Once()
	db.On("CreateReadMark", int64(1), int64(10), "bob").Return(nil).Once()
	db.On("GetReadBy", int64(10)).Return([]string{"alice", "bob"}, nil).Once()
	db.On("CountUnread", "bob").Return(0, nil).Once()

	pq := &fakePushQueue{}
	pub := &fakePublisher{}
	cs := newTestChatServer(t, db, Options{Push: pq, Relay: pub})

	alice := newTestClient(t, cs, "alice")
	bob := newTestClient(t, cs, "bob")
	for _, c := range []*Client{alice, bob} {
		cs.RegisterClient(c)
		cs.join(c, "r1")
		cs.joinPersonal(c)
	}
	drain(alice)
	drain(bob)

	cs.handleSendMessage(context.Background(), alice, &ClientMessage{
		BaseMessage: BaseMessage{Id: 3},
		SendMessage: &SendMessage{RoomId: "r1", Body: "hello"},
	})

	want := types.Message{Id: 10, RoomId: "r1", Sender: "alice", Body: "hello", CreatedAt: created}

	aliceMsgs := drain(alice)
	require.Len(t, events(aliceMsgs, EventNewMessage), 1)
	assert.Equal(t, want, events(aliceMsgs, EventNewMessage)[0].Data)
	assert.Empty(t, events(aliceMsgs, EventPreviewMessage), "sender gets no preview")
	res := responses(aliceMsgs)
	require.Len(t, res, 1)
	assert.Equal(t, map[string]any{"message_id": int64(10)}, res[0].Data)

	bobMsgs := drain(bob)
	require.Len(t, events(bobMsgs, EventNewMessage), 1)
	previews := events(bobMsgs, EventPreviewMessage)
	require.Len(t, previews, 1)
	assert.Equal(t, Preview{RoomId: "r1", RoomTitle: "general", MessageId: 10, Sender: "alice", Preview: "hello"}, previews[0].Data)
	counts := events(bobMsgs, EventUnreadCountUpdate)
	require.Len(t, counts, 1)
	assert.Equal(t, types.UnreadCount{Count: 1}, counts[0].Data)

	jobs := pq.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "bob", jobs[0].User)
	assert.Equal(t, "Message from alice", jobs[0].Notification.Title)
	assert.Equal(t, "hello", jobs[0].Notification.Body)
	assert.Equal(t, "/chat/r1", jobs[0].Notification.Data["url"])

	assert.Contains(t, pub.Targets(), relay.Target{Kind: relay.KindRoom, Key: "r1"})
	assert.Contains(t, pub.Targets(), relay.Target{Kind: relay.KindUser, Key: "bob"})

	id := int64(10)
	cs.handleMarkRead(context.Background(), bob, &ClientMessage{
		BaseMessage: BaseMessage{Id: 4},
		MarkRead:    &MarkRead{RoomId: "r1", MessageId: &id},
	})

	receipts := events(drain(alice), EventReadReceiptUpdate)
	require.Len(t, receipts, 1)
	receipt := receipts[0].Data.(ReadReceipt)
	assert.Equal(t, "bob", receipt.Reader)
	assert.Equal(t, []string{"alice", "bob"}, receipt.ReadBy)
	assert.Equal(t, int64(10), *receipt.MessageId)

	bobMsgs = drain(bob)
	assert.Empty(t, events(bobMsgs, EventReadReceiptUpdate), "the issuing connection is skipped")
	counts = events(bobMsgs, EventUnreadCountUpdate)
	require.Len(t, counts, 1)
	assert.Equal(t, types.UnreadCount{Count: 0}, counts[0].Data)
	require.Len(t, responses(bobMsgs), 1)
	assert.Equal(t, 200, responses(bobMsgs)[0].ResponseCode)
}

func TestSendMessage_Validation(t *testing.T) {
	long := make([]rune, MaxBodyLength+1)
	for i := range long {
		long[i] = 'x'
	}

	cases := []struct {
		name       string
		body       string
		attachment *types.Attachment
	}{
		{name: "empty body", body: "   "},
		{name: "too long", body: string(long)},
		{name: "attachment without path", body: "hi", attachment: &types.Attachment{Name: "a.png"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := &database.MockRepository{}
			defer db.AssertExpectations(t)
			cs := newTestChatServer(t, db, Options{})

			_, err := cs.SendMessage(context.Background(), "r1", "alice", tc.body, tc.attachment)
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}

	t.Run("attachment only", func(t *testing.T) {
		assert.NoError(t, validateMessage("", &types.Attachment{Path: "/files/a.png", Name: "a.png"}))
	})
}

func TestSendMessage_PersistFailure(t *testing.T) {
	db := &database.MockRepository{}
	defer db.AssertExpectations(t)
	db.On("GetRoomByExternalId", "r1").Return(testRoom(), nil).Once()
	db.On("CreateMessage", mock.Anything).Return(database.Message{}, errors.New("db down")).Once()

	pq := &fakePushQueue{}
	cs := newTestChatServer(t, db, Options{Push: pq})
	bob := newTestClient(t, cs, "bob")
	cs.RegisterClient(bob)
	cs.join(bob, "r1")
	cs.joinPersonal(bob)
	drain(bob)

	_, err := cs.SendMessage(context.Background(), "r1", "alice", "hello", nil)
	assert.Error(t, err)
	assert.Empty(t, drain(bob), "nothing is broadcast when persistence fails")
	assert.Empty(t, pq.Jobs())
}

func TestSendMessage_NotParticipant(t *testing.T) {
	db := &database.MockRepository{}
	defer db.AssertExpectations(t)
	db.On("GetRoomByExternalId", "r1").Return(testRoom(), nil).Once()

	cs := newTestChatServer(t, db, Options{})
	_, err := cs.SendMessage(context.Background(), "r1", "mallory", "hello", nil)
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestSendMessage_PushQueueFull(t *testing.T) {
	db := &database.MockRepository{}
	defer db.AssertExpectations(t)
	db.On("GetRoomByExternalId", "r1").Return(testRoom(), nil).Once()
	db.On("CreateMessage", mock.Anything).Return(database.Message{Id: 1, RoomId: 1, Sender: "alice", Body: "hi"}, nil).Once()
	db.On("CountUnread", "bob").Return(1, nil).Once()

	cs := newTestChatServer(t, db, Options{Push: &fakePushQueue{err: push.ErrQueueFull}})

	msg, err := cs.SendMessage(context.Background(), "r1", "alice", "hi", nil)
	require.NoError(t, err, "a full push queue does not fail the send")
	assert.Equal(t, int64(1), msg.Id)
}

// sequencedRepository hands out increasing message ids.
type sequencedRepository struct {
	*database.MockRepository
	next atomic.Int64
}

func (r *sequencedRepository) CreateMessage(ctx context.Context, params database.CreateMessageParams) (database.Message, error) {
	return database.Message{
		Id:     r.next.Add(1),
		RoomId: params.RoomId,
		Sender: params.Sender,
		Body:   params.Body,
	}, nil
}

func TestSendMessage_OrderedPerRoom(t *testing.T) {
	mockDb := &database.MockRepository{}
	mockDb.On("GetRoomByExternalId", "r1").Return(testRoom(), nil)
	mockDb.On("CountUnread", "bob").Return(0, nil)
	db := &sequencedRepository{MockRepository: mockDb}

	cs := newTestChatServer(t, db, Options{})
	bob := newTestClient(t, cs, "bob")
	cs.RegisterClient(bob)
	cs.join(bob, "r1")
	drain(bob)

	const senders = 20
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cs.SendMessage(context.Background(), "r1", "alice", "hi", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	received := events(drain(bob), EventNewMessage)
	require.Len(t, received, senders)
	for i := 1; i < len(received); i++ {
		prev := received[i-1].Data.(types.Message).Id
		cur := received[i].Data.(types.Message).Id
		assert.Less(t, prev, cur, "messages must arrive in persistence order")
	}
}

func TestPreview(t *testing.T) {
	long := make([]rune, 150)
	for i := range long {
		long[i] = 'é'
	}

	cases := []struct {
		name string
		msg  types.Message
		want string
	}{
		{name: "short body", msg: types.Message{Body: "hello"}, want: "hello"},
		{name: "truncated on runes", msg: types.Message{Body: string(long)}, want: string(long[:maxPreviewLength])},
		{name: "attachment name", msg: types.Message{Attachment: &types.Attachment{Path: "/f/x.pdf", Name: "x.pdf"}}, want: "x.pdf"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, preview(tc.msg))
		})
	}
}

func TestUnreadCount_Cached(t *testing.T) {
	db := &database.MockRepository{}
	defer db.AssertExpectations(t)
	db.On("CountUnread", "bob").Return(3, nil).Once()
	db.On("CountUnread", "bob").Return(4, nil).Once()

	cs := newTestChatServer(t, db, Options{UnreadTTL: time.Minute})

	n, err := cs.UnreadCount(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = cs.UnreadCount(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "second read is served from cache")

	cs.InvalidateUser("bob")
	n, err = cs.UnreadCount(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestMarkRead_WholeRoom(t *testing.T) {
	db := &database.MockRepository{}
	defer db.AssertExpectations(t)
	db.On("GetRoomByExternalId", "r1").Return(testRoom(), nil).Once()
	db.On("MarkRoomRead", int64(1), "bob").Return(int64(5), nil).Once()
	db.On("CountUnread", "bob").Return(0, nil).Once()

	cs := newTestChatServer(t, db, Options{})
	alice := newTestClient(t, cs, "alice")
	cs.RegisterClient(alice)
	cs.join(alice, "r1")
	drain(alice)

	receipt, err := cs.MarkRead(context.Background(), "r1", "bob", nil)
	require.NoError(t, err)
	assert.True(t, receipt.AllRead)
	assert.Nil(t, receipt.MessageId)

	got := events(drain(alice), EventReadReceiptUpdate)
	require.Len(t, got, 1)
	assert.Equal(t, receipt, got[0].Data)
}

func TestMarkRead_UnknownMessage(t *testing.T) {
	db := &database.MockRepository{}
	defer db.AssertExpectations(t)
	db.On("GetRoomByExternalId", "r1").Return(testRoom(), nil).Once()
	db.On("CreateReadMark", int64(1), int64(99), "bob").Return(database.ErrNotFound).Once()

	cs := newTestChatServer(t, db, Options{})
	bob := newTestClient(t, cs, "bob")
	id := int64(99)

	cs.handleMarkRead(context.Background(), bob, &ClientMessage{
		BaseMessage: BaseMessage{Id: 5},
		MarkRead:    &MarkRead{RoomId: "r1", MessageId: &id},
	})

	msgs := drain(bob)
	require.Len(t, msgs, 1)
	assert.Equal(t, 404, msgs[0].Response.ResponseCode)
}

func TestCreateRoom(t *testing.T) {
	t.Run("two participants make a direct room", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("CreateRoom", mock.MatchedBy(func(p database.CreateRoomParams) bool {
			return p.Direct && p.Title == "bob" && p.Creator == "alice" && p.ExternalId != "" &&
				assert.ObjectsAreEqual([]string{"alice", "bob"}, p.Participants)
		})).Return(database.Room{Id: 2, ExternalId: "d1", Title: "bob", Creator: "alice", Direct: true, Participants: []string{"alice", "bob"}}, nil).Once()

		cs := newTestChatServer(t, db, Options{})
		room, err := cs.CreateRoom(context.Background(), "alice", "ignored", []string{"bob", " bob ", "alice"})
		require.NoError(t, err)
		assert.True(t, room.Direct)

		cached, err := cs.Room(context.Background(), "d1", "bob")
		require.NoError(t, err, "new room is served from cache")
		assert.Equal(t, room, cached)
	})

	t.Run("group room", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("CreateRoom", mock.MatchedBy(func(p database.CreateRoomParams) bool {
			return !p.Direct && p.Title == "team" && len(p.Participants) == 3
		})).Return(database.Room{Id: 3, ExternalId: "g1", Title: "team", Creator: "alice", Participants: []string{"alice", "bob", "carol"}}, nil).Once()

		cs := newTestChatServer(t, db, Options{})
		room, err := cs.CreateRoom(context.Background(), "alice", " team ", []string{"bob", "carol"})
		require.NoError(t, err)
		assert.False(t, room.Direct)
	})

	t.Run("group room needs a title", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockRepository{}, Options{})
		_, err := cs.CreateRoom(context.Background(), "alice", "  ", []string{"bob", "carol"})
		assert.ErrorIs(t, err, ErrInvalidRoom)
	})
}

func TestAddParticipant(t *testing.T) {
	t.Run("direct rooms are fixed", func(t *testing.T) {
		direct := testRoom()
		direct.Direct = true

		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("GetRoomByExternalId", "r1").Return(direct, nil).Once()

		cs := newTestChatServer(t, db, Options{})
		_, err := cs.AddParticipant(context.Background(), "r1", "alice", "carol")
		assert.ErrorIs(t, err, ErrInvalidRoom)
	})

	t.Run("adds and refreshes the room", func(t *testing.T) {
		updated := testRoom()
		updated.Participants = []string{"alice", "bob", "carol"}

		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("GetRoomByExternalId", "r1").Return(testRoom(), nil).Once()
		db.On("AddParticipant", int64(1), "carol").Return(nil).Once()
		db.On("CountUnread", "carol").Return(2, nil).Once()
		db.On("GetRoomByExternalId", "r1").Return(updated, nil).Once()

		cs := newTestChatServer(t, db, Options{})
		carol := newTestClient(t, cs, "carol")
		cs.RegisterClient(carol)
		cs.joinPersonal(carol)

		room, err := cs.AddParticipant(context.Background(), "r1", "alice", "carol")
		require.NoError(t, err)
		assert.True(t, room.HasParticipant("carol"))

		counts := events(drain(carol), EventUnreadCountUpdate)
		require.Len(t, counts, 1)
		assert.Equal(t, types.UnreadCount{Count: 2}, counts[0].Data)
	})
}

func TestDeleteRoom(t *testing.T) {
	t.Run("only the creator may delete", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("GetRoomByExternalId", "r1").Return(testRoom(), nil).Once()

		cs := newTestChatServer(t, db, Options{})
		err := cs.DeleteRoom(context.Background(), "r1", "bob")
		assert.ErrorIs(t, err, ErrNotCreator)
	})

	t.Run("creator deletes and members are dropped", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("GetRoomByExternalId", "r1").Return(testRoom(), nil).Once()
		db.On("DeleteRoom", int64(1)).Return(nil).Once()
		db.On("CountUnread", "alice").Return(0, nil).Once()
		db.On("CountUnread", "bob").Return(0, nil).Once()
		db.On("GetRoomByExternalId", "r1").Return(database.Room{}, database.ErrNotFound).Once()

		cs := newTestChatServer(t, db, Options{})
		bob := newTestClient(t, cs, "bob")
		cs.RegisterClient(bob)
		cs.join(bob, "r1")
		drain(bob)

		require.NoError(t, cs.DeleteRoom(context.Background(), "r1", "alice"))
		assert.Equal(t, 0, cs.RoomConnections("r1"))
		assert.Empty(t, bob.rooms)

		deleted := events(drain(bob), EventRoomDeleted)
		require.Len(t, deleted, 1)
		assert.Equal(t, RoomDeleted{RoomId: "r1"}, deleted[0].Data)

		_, err := cs.Room(context.Background(), "r1", "alice")
		assert.ErrorIs(t, err, database.ErrNotFound, "room cache entry is invalidated")
	})
}

func TestEditLocks(t *testing.T) {
	cs := newTestChatServer(t, &database.MockRepository{}, Options{})
	alice := newTestClient(t, cs, "alice")
	bob := newTestClient(t, cs, "bob")
	cs.RegisterClient(alice)
	cs.RegisterClient(bob)

	cs.handleAcquireLock(alice, &ClientMessage{BaseMessage: BaseMessage{Id: 1}, AcquireLock: &LockRequest{Resource: "doc-1"}})
	status := events(drain(bob), EventEditLockStatus)
	require.Len(t, status, 1)
	assert.Equal(t, LockStatus{Resource: "doc-1", Locked: true, Holder: "alice"}, status[0].Data)
	assert.Equal(t, map[string]string{"doc-1": "alice"}, cs.Locks())

	cs.handleAcquireLock(bob, &ClientMessage{BaseMessage: BaseMessage{Id: 2}, AcquireLock: &LockRequest{Resource: "doc-1"}})
	bobMsgs := drain(bob)
	denied := events(bobMsgs, EventEditLockDenied)
	require.Len(t, denied, 1)
	assert.Equal(t, LockStatus{Resource: "doc-1", Locked: true, Holder: "alice"}, denied[0].Data)
	require.Len(t, responses(bobMsgs), 1)
	assert.Equal(t, 409, responses(bobMsgs)[0].ResponseCode)
	assert.Empty(t, events(drain(alice), EventEditLockDenied), "denial goes to the requester only")

	cs.handleReleaseLock(bob, &ClientMessage{BaseMessage: BaseMessage{Id: 3}, ReleaseLock: &LockRequest{Resource: "doc-1"}})
	res := responses(drain(bob))
	require.Len(t, res, 1)
	assert.Equal(t, map[string]any{"released": false}, res[0].Data)

	cs.handleReleaseLock(alice, &ClientMessage{BaseMessage: BaseMessage{Id: 4}, ReleaseLock: &LockRequest{Resource: "doc-1"}})
	status = events(drain(bob), EventEditLockStatus)
	require.Len(t, status, 1)
	assert.Equal(t, LockStatus{Resource: "doc-1", Locked: false}, status[0].Data)
	assert.Empty(t, cs.Locks())

	_, _, err := cs.AcquireLock(" ", "alice")
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestEditLocks_EventOrder(t *testing.T) {
	cs := newTestChatServer(t, &database.MockRepository{}, Options{})
	viewer := newTestClient(t, cs, "viewer")
	viewer.send = make(chan *ServerMessage, 2048)
	cs.RegisterClient(viewer)

	const rounds = 200
	var wg sync.WaitGroup
	for _, user := range []string{"alice", "bob"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range rounds {
				_, _, err := cs.AcquireLock("doc-1", user)
				assert.NoError(t, err)
				_, err = cs.ReleaseLock("doc-1", user)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	status := events(drain(viewer), EventEditLockStatus)
	require.NotEmpty(t, status)

	var prev *LockStatus
	for i, m := range status {
		cur := m.Data.(LockStatus)
		if prev != nil {
			if prev.Locked {
				assert.False(t, cur.Locked, "event %d: %q holds the lock, next change must release it", i, prev.Holder)
			} else {
				assert.True(t, cur.Locked, "event %d: two releases in a row", i)
			}
		}
		prev = &cur
	}
	assert.False(t, prev.Locked, "last event matches the final state")
	assert.Empty(t, cs.Locks())
}

func TestTyping(t *testing.T) {
	cs := newTestChatServer(t, &database.MockRepository{}, Options{})
	alice := newTestClient(t, cs, "alice")
	bob := newTestClient(t, cs, "bob")
	cs.RegisterClient(alice)
	cs.RegisterClient(bob)

	cs.handleTyping(alice, 1, &RoomRef{RoomId: "r1"}, EventTypingStart)
	msgs := drain(alice)
	require.Len(t, msgs, 1)
	assert.Equal(t, 403, msgs[0].Response.ResponseCode, "must join before typing")

	cs.join(alice, "r1")
	cs.join(bob, "r1")
	drain(alice)
	drain(bob)

	cs.handleTyping(alice, 2, &RoomRef{RoomId: "r1"}, EventTypingStart)
	assert.Empty(t, events(drain(alice), EventTypingStart))
	typing := events(drain(bob), EventTypingStart)
	require.Len(t, typing, 1)
	assert.Equal(t, Typing{RoomId: "r1", Username: "alice"}, typing[0].Data)

	cs.handleTyping(alice, 3, &RoomRef{RoomId: "r1"}, EventTypingStop)
	assert.Len(t, events(drain(bob), EventTypingStop), 1)
}

func TestDeliverRemote(t *testing.T) {
	cs := newTestChatServer(t, &database.MockRepository{}, Options{})
	bob := newTestClient(t, cs, "bob")
	cs.RegisterClient(bob)
	cs.join(bob, "r1")
	cs.joinPersonal(bob)
	drain(bob)

	raw := func(msg *ServerMessage) json.RawMessage {
		b, err := json.Marshal(msg)
		require.NoError(t, err)
		return b
	}

	cs.DeliverRemote(relay.Target{Kind: relay.KindUser, Key: "bob"}, raw(newEvent(EventUnreadCountUpdate, types.UnreadCount{Count: 2})))
	got := drain(bob)
	require.Len(t, got, 1)
	assert.Equal(t, EventUnreadCountUpdate, got[0].Event)
	assert.Equal(t, map[string]any{"count": float64(2)}, got[0].Data)

	cs.DeliverRemote(relay.Target{Kind: relay.KindAll}, raw(newEvent(EventEditLockStatus, LockStatus{Resource: "x", Locked: true, Holder: "carol"})))
	assert.Len(t, drain(bob), 1)

	cs.DeliverRemote(relay.Target{Kind: relay.KindRoom, Key: "r1"}, raw(newEvent(EventRoomDeleted, RoomDeleted{RoomId: "r1"})))
	assert.Len(t, drain(bob), 1)
	assert.Equal(t, 0, cs.RoomConnections("r1"), "relayed deletion drops local members")

	cs.DeliverRemote(relay.Target{Kind: relay.KindRoom, Key: "r1"}, json.RawMessage(`{not json`))
	assert.Empty(t, drain(bob))
}

func TestLockRoomStripes(t *testing.T) {
	cs := newTestChatServer(t, &database.MockRepository{}, Options{})

	unlock := cs.lockRoom(42)
	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		cs.lockRoom(42)()
	}()

	select {
	case <-acquired:
		t.Fatal("same room must not be locked twice")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock was not released")
	}
}

func TestShutdown(t *testing.T) {
	cs := newTestChatServer(t, &database.MockRepository{}, Options{})
	alice := newTestClient(t, cs, "alice")
	bob := newTestClient(t, cs, "bob")
	cs.RegisterClient(alice)
	cs.RegisterClient(bob)

	require.NoError(t, cs.Shutdown(context.Background()))

	for _, c := range []*Client{alice, bob} {
		select {
		case <-c.stop:
		default:
			t.Errorf("expected %s to be stopped", c.user)
		}
	}

	t.Run("expired context", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockRepository{}, Options{})
		cs.RegisterClient(newTestClient(t, cs, "carol"))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, cs.Shutdown(ctx), context.Canceled)
	})
}
