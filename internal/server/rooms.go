package server

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/npezzotti/go-collab/internal/cache"
	"github.com/npezzotti/go-collab/internal/database"
	"github.com/npezzotti/go-collab/internal/types"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"
)

// loadRoom reads the room and its participants through the cache.
func (cs *ChatServer) loadRoom(ctx context.Context, externalId string) (database.Room, error) {
	key := cache.RoomKey(externalId)
	if v, ok := cs.cache.Get(key); ok {
		if room, ok := v.(database.Room); ok {
			return room, nil
		}
	}

	room, err := cs.db.GetRoomByExternalId(ctx, externalId)
	if err != nil {
		return database.Room{}, err
	}

	cs.cache.Set(key, room, roomTTL)
	return room, nil
}

// Room returns the room identified by externalId if user participates in
// it.
func (cs *ChatServer) Room(ctx context.Context, externalId, user string) (database.Room, error) {
	room, err := cs.loadRoom(ctx, externalId)
	if err != nil {
		return database.Room{}, err
	}

	if !room.HasParticipant(user) {
		return database.Room{}, ErrNotParticipant
	}

	return room, nil
}

// WireRoom converts a stored room into its client representation.
func WireRoom(r database.Room) types.Room {
	return types.Room{
		Id:           r.ExternalId,
		Title:        r.Title,
		Creator:      r.Creator,
		Direct:       r.Direct,
		Participants: r.Participants,
		CreatedAt:    r.CreatedAt,
	}
}

func normalizeParticipants(creator string, participants []string) []string {
	members := []string{creator}
	for _, p := range participants {
		p = strings.TrimSpace(p)
		if p != "" {
			members = append(members, p)
		}
	}

	slices.Sort(members)
	return slices.Compact(members)
}

// CreateRoom creates a room owned by creator. The creator is always a
// participant. A room of exactly two participants is a direct room titled
// after the creator's counterpart.
func (cs *ChatServer) CreateRoom(ctx context.Context, creator, title string, participants []string) (database.Room, error) {
	if creator == "" {
		return database.Room{}, fmt.Errorf("%w: creator required", ErrInvalidRoom)
	}

	members := normalizeParticipants(creator, participants)
	direct := len(members) == 2
	if direct {
		for _, m := range members {
			if m != creator {
				title = m
			}
		}
	}

	title = strings.TrimSpace(title)
	if title == "" {
		return database.Room{}, fmt.Errorf("%w: title required", ErrInvalidRoom)
	}

	sid, err := shortid.Generate()
	if err != nil {
		return database.Room{}, fmt.Errorf("generate room id: %w", err)
	}

	room, err := cs.db.CreateRoom(ctx, database.CreateRoomParams{
		ExternalId:   sid,
		Title:        title,
		Creator:      creator,
		Direct:       direct,
		Participants: members,
	})
	if err != nil {
		return database.Room{}, fmt.Errorf("create room: %w", err)
	}

	cs.cache.Set(cache.RoomKey(room.ExternalId), room, roomTTL)
	cs.log.Info("room created",
		zap.String("room_id", room.ExternalId),
		zap.String("creator", creator),
		zap.Bool("direct", direct),
	)

	return room, nil
}

// AddParticipant lets actor, a participant, add user to a group room.
func (cs *ChatServer) AddParticipant(ctx context.Context, externalId, actor, user string) (database.Room, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return database.Room{}, fmt.Errorf("%w: username required", ErrInvalidRoom)
	}

	room, err := cs.Room(ctx, externalId, actor)
	if err != nil {
		return database.Room{}, err
	}

	if room.Direct {
		return database.Room{}, fmt.Errorf("%w: direct rooms have fixed participants", ErrInvalidRoom)
	}

	if err := cs.db.AddParticipant(ctx, room.Id, user); err != nil {
		return database.Room{}, fmt.Errorf("add participant: %w", err)
	}

	cs.invalidateShared(cache.RoomKey(externalId))
	cs.invalidateShared(cache.UnreadKey(user))
	cs.pushUnreadCount(ctx, user)

	return cs.loadRoom(ctx, externalId)
}

// DeleteRoom removes the room with its history. Only the creator may
// delete a room. Connected members receive room_deleted and are dropped
// from the room.
func (cs *ChatServer) DeleteRoom(ctx context.Context, externalId, actor string) error {
	room, err := cs.Room(ctx, externalId, actor)
	if err != nil {
		return err
	}

	if room.Creator != actor {
		return ErrNotCreator
	}

	if err := cs.db.DeleteRoom(ctx, room.Id); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}

	cs.invalidateShared(cache.RoomKey(externalId))
	cs.broadcastRoom(externalId, newEvent(EventRoomDeleted, RoomDeleted{RoomId: externalId}), nil)
	cs.closeRoom(externalId)

	for _, p := range room.Participants {
		cs.InvalidateUser(p)
		cs.pushUnreadCount(ctx, p)
	}

	cs.log.Info("room deleted", zap.String("room_id", externalId), zap.String("actor", actor))
	return nil
}

func (cs *ChatServer) handleJoin(ctx context.Context, c *Client, msg *ClientMessage) {
	if msg.Join.RoomId == "" {
		c.queueMessage(ErrBadRequest(msg.Id, "room_id required"))
		return
	}

	room, err := cs.Room(ctx, msg.Join.RoomId, c.user)
	if err != nil {
		c.respondErr(msg.Id, err)
		return
	}

	cs.join(c, room.ExternalId)
	c.queueMessage(NoErrOK(msg.Id, map[string]any{
		"room_id":      room.ExternalId,
		"participants": room.Participants,
	}))
}

func (cs *ChatServer) handleLeave(c *Client, msg *ClientMessage) {
	cs.leave(c, msg.Leave.RoomId)
	c.queueMessage(NoErrOK(msg.Id, nil))
}

func (cs *ChatServer) handleJoinPersonal(ctx context.Context, c *Client, msg *ClientMessage) {
	cs.joinPersonal(c)

	count, err := cs.UnreadCount(ctx, c.user)
	if err != nil {
		c.log.Error("unread count", zap.Error(err))
		c.queueMessage(NoErrOK(msg.Id, nil))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]any{"unread_count": count}))
}
