package database

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryRepository is a Repository held in process memory. It follows the
// same rules as PgRepository and backs tests that need real rows rather
// than canned mock answers.
type MemoryRepository struct {
	mu sync.Mutex

	nextRoomId    int64
	nextMessageId int64
	nextSubId     int64

	rooms     map[int64]*Room
	messages  []Message
	readMarks map[int64][]string
	subs      map[int64]PushSubscription

	now func() time.Time
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rooms:     make(map[int64]*Room),
		readMarks: make(map[int64][]string),
		subs:      make(map[int64]PushSubscription),
		now:       time.Now,
	}
}

func cloneRoom(r *Room) Room {
	out := *r
	out.Participants = slices.Clone(r.Participants)
	return out
}

func (m *MemoryRepository) message(id int64) (Message, bool) {
	i, found := slices.BinarySearchFunc(m.messages, id, func(msg Message, id int64) int {
		switch {
		case msg.Id < id:
			return -1
		case msg.Id > id:
			return 1
		}
		return 0
	})
	if !found {
		return Message{}, false
	}
	return m.messages[i], true
}

func (m *MemoryRepository) hasRead(messageId int64, reader string) bool {
	return slices.Contains(m.readMarks[messageId], reader)
}

func (m *MemoryRepository) markRead(messageId int64, reader string) bool {
	if m.hasRead(messageId, reader) {
		return false
	}
	m.readMarks[messageId] = append(m.readMarks[messageId], reader)
	return true
}

func (m *MemoryRepository) roomMessages(roomId int64) []Message {
	var out []Message
	for _, msg := range m.messages {
		if msg.RoomId == roomId {
			out = append(out, msg)
		}
	}
	return out
}

func (m *MemoryRepository) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.rooms {
		if r.ExternalId == params.ExternalId {
			return Room{}, fmt.Errorf("room %q already exists", params.ExternalId)
		}
	}

	m.nextRoomId++
	participants := slices.Clone(params.Participants)
	slices.Sort(participants)

	room := &Room{
		Id:           m.nextRoomId,
		ExternalId:   params.ExternalId,
		Title:        params.Title,
		Creator:      params.Creator,
		Direct:       params.Direct,
		CreatedAt:    m.now(),
		Participants: slices.Compact(participants),
	}
	m.rooms[room.Id] = room

	return cloneRoom(room), nil
}

func (m *MemoryRepository) DeleteRoom(ctx context.Context, roomId int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[roomId]; !ok {
		return ErrNotFound
	}
	delete(m.rooms, roomId)

	m.messages = slices.DeleteFunc(m.messages, func(msg Message) bool {
		if msg.RoomId == roomId {
			delete(m.readMarks, msg.Id)
			return true
		}
		return false
	})

	return nil
}

func (m *MemoryRepository) GetRoomByExternalId(ctx context.Context, externalId string) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.rooms {
		if r.ExternalId == externalId {
			return cloneRoom(r), nil
		}
	}

	return Room{}, ErrNotFound
}

func (m *MemoryRepository) ListRoomsForUser(ctx context.Context, user string) ([]Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rooms []Room
	for _, r := range m.rooms {
		if r.HasParticipant(user) {
			rooms = append(rooms, cloneRoom(r))
		}
	}

	slices.SortFunc(rooms, func(a, b Room) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return int(b.Id - a.Id)
	})

	return rooms, nil
}

func (m *MemoryRepository) AddParticipant(ctx context.Context, roomId int64, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomId]
	if !ok {
		return ErrNotFound
	}

	if !r.HasParticipant(user) {
		r.Participants = append(r.Participants, user)
		slices.Sort(r.Participants)
	}

	return nil
}

func (m *MemoryRepository) ListParticipants(ctx context.Context, roomId int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomId]
	if !ok {
		return nil, nil
	}

	return slices.Clone(r.Participants), nil
}

func (m *MemoryRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[params.RoomId]; !ok {
		return Message{}, ErrNotFound
	}

	m.nextMessageId++
	msg := Message{
		Id:         m.nextMessageId,
		RoomId:     params.RoomId,
		Sender:     params.Sender,
		Body:       params.Body,
		Attachment: params.Attachment,
		CreatedAt:  m.now(),
	}
	m.messages = append(m.messages, msg)
	m.markRead(msg.Id, params.Sender)

	return msg, nil
}

func (m *MemoryRepository) GetMessages(ctx context.Context, roomId int64, query MessageQuery) (MessagePage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := clampLimit(query.Limit)
	offset := max(query.Offset, 0)

	var matched []Message
	for _, msg := range m.roomMessages(roomId) {
		if query.BeforeId == 0 || msg.Id < query.BeforeId {
			matched = append(matched, msg)
		}
	}

	page := MessagePage{Total: len(matched)}
	slices.Reverse(matched)
	if offset < len(matched) {
		page.Messages = slices.Clone(matched[offset:min(offset+limit, len(matched))])
	}
	slices.Reverse(page.Messages)
	page.HasMore = offset+len(page.Messages) < page.Total

	return page, nil
}

func (m *MemoryRepository) GetMessageContext(ctx context.Context, roomId, messageId int64, radius int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if radius <= 0 || radius > maxContextRadius {
		radius = maxContextRadius
	}

	msgs := m.roomMessages(roomId)
	i := slices.IndexFunc(msgs, func(msg Message) bool { return msg.Id == messageId })
	if i < 0 {
		return nil, ErrNotFound
	}

	return slices.Clone(msgs[max(i-radius, 0):min(i+radius+1, len(msgs))]), nil
}

func (m *MemoryRepository) SearchMessages(ctx context.Context, roomId int64, params SearchParams) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := strings.ToLower(strings.TrimSpace(params.Query))

	var out []Message
	for _, msg := range m.roomMessages(roomId) {
		if q != "" && !strings.Contains(strings.ToLower(msg.Body), q) {
			continue
		}
		if params.Date != "" && msg.CreatedAt.UTC().Format(time.DateOnly) != params.Date {
			continue
		}
		out = append(out, msg)
	}

	if len(out) > maxSearchResults {
		out = out[len(out)-maxSearchResults:]
	}

	return out, nil
}

func (m *MemoryRepository) GetMessageDates(ctx context.Context, roomId int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dates []string
	for _, msg := range m.roomMessages(roomId) {
		dates = append(dates, msg.CreatedAt.UTC().Format(time.DateOnly))
	}
	slices.Sort(dates)

	return slices.Compact(dates), nil
}

func (m *MemoryRepository) CreateReadMark(ctx context.Context, roomId, messageId int64, reader string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.message(messageId)
	if !ok || msg.RoomId != roomId {
		return ErrNotFound
	}

	m.markRead(messageId, reader)
	return nil
}

func (m *MemoryRepository) MarkRoomRead(ctx context.Context, roomId int64, reader string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, msg := range m.roomMessages(roomId) {
		if msg.Sender != reader && m.markRead(msg.Id, reader) {
			n++
		}
	}

	return n, nil
}

func (m *MemoryRepository) GetReadBy(ctx context.Context, messageId int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.readMarks[messageId]), nil
}

func (m *MemoryRepository) CountUnread(ctx context.Context, user string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int
	for _, msg := range m.messages {
		r, ok := m.rooms[msg.RoomId]
		if !ok || !r.HasParticipant(user) || msg.Sender == user {
			continue
		}
		if !m.hasRead(msg.Id, user) {
			count++
		}
	}

	return count, nil
}

func (m *MemoryRepository) UpsertPushSubscription(ctx context.Context, params UpsertPushSubscriptionParams) (PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, sub := range m.subs {
		if sub.Endpoint == params.Endpoint {
			sub.Owner = params.Owner
			sub.P256dh = params.P256dh
			sub.Auth = params.Auth
			sub.UpdatedAt = now
			m.subs[id] = sub
			return sub, nil
		}
	}

	m.nextSubId++
	sub := PushSubscription{
		Id:        m.nextSubId,
		Owner:     params.Owner,
		Endpoint:  params.Endpoint,
		P256dh:    params.P256dh,
		Auth:      params.Auth,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.subs[sub.Id] = sub

	return sub, nil
}

func (m *MemoryRepository) DeletePushSubscription(ctx context.Context, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, sub := range m.subs {
		if sub.Endpoint == endpoint {
			delete(m.subs, id)
		}
	}

	return nil
}

func (m *MemoryRepository) DeletePushSubscriptionById(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.subs, id)
	return nil
}

func (m *MemoryRepository) ListPushSubscriptions(ctx context.Context, owner string) ([]PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var subs []PushSubscription
	for _, sub := range m.subs {
		if sub.Owner == owner {
			subs = append(subs, sub)
		}
	}
	slices.SortFunc(subs, func(a, b PushSubscription) int { return int(a.Id - b.Id) })

	return subs, nil
}
