package server

import (
	"context"
	"fmt"

	"github.com/npezzotti/go-collab/internal/cache"
	"github.com/npezzotti/go-collab/internal/types"
	"go.uber.org/zap"
)

// UnreadCount returns how many messages in the user's rooms they have not
// read. Counts are cached for the server's unread TTL.
func (cs *ChatServer) UnreadCount(ctx context.Context, user string) (int, error) {
	key := cache.UnreadKey(user)
	if v, ok := cs.cache.Get(key); ok {
		if n, ok := v.(int); ok {
			return n, nil
		}
	}

	n, err := cs.db.CountUnread(ctx, user)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}

	cs.cache.Set(key, n, cs.unreadTTL)
	return n, nil
}

// InvalidateUser drops the cached unread count of user.
func (cs *ChatServer) InvalidateUser(user string) {
	cs.cache.Invalidate(cache.UnreadKey(user))
}

func (cs *ChatServer) pushUnreadCount(ctx context.Context, user string) {
	n, err := cs.UnreadCount(ctx, user)
	if err != nil {
		cs.log.Error("push unread count", zap.String("user", user), zap.Error(err))
		return
	}

	cs.sendToUser(user, newEvent(EventUnreadCountUpdate, types.UnreadCount{Count: n}))
}

// MarkRead records that reader has read messageId in the room, or every
// message in it when messageId is nil. The room is told about the receipt
// and the reader gets a fresh unread count.
func (cs *ChatServer) MarkRead(ctx context.Context, roomId, reader string, messageId *int64) (ReadReceipt, error) {
	return cs.markRead(ctx, roomId, reader, messageId, nil)
}

func (cs *ChatServer) markRead(ctx context.Context, roomId, reader string, messageId *int64, skip *Client) (ReadReceipt, error) {
	room, err := cs.Room(ctx, roomId, reader)
	if err != nil {
		return ReadReceipt{}, err
	}

	receipt := ReadReceipt{
		RoomId:    room.ExternalId,
		Reader:    reader,
		MessageId: messageId,
	}

	if messageId != nil {
		if err := cs.db.CreateReadMark(ctx, room.Id, *messageId, reader); err != nil {
			return ReadReceipt{}, fmt.Errorf("create read mark: %w", err)
		}

		readBy, err := cs.db.GetReadBy(ctx, *messageId)
		if err != nil {
			return ReadReceipt{}, fmt.Errorf("get read by: %w", err)
		}
		receipt.ReadBy = readBy
		cs.stats.Incr(MetricReadMarks)
	} else {
		n, err := cs.db.MarkRoomRead(ctx, room.Id, reader)
		if err != nil {
			return ReadReceipt{}, fmt.Errorf("mark room read: %w", err)
		}
		receipt.AllRead = true
		if n > 0 {
			cs.stats.Add(MetricReadMarks, int(n))
		}
	}

	cs.broadcastRoom(room.ExternalId, newEvent(EventReadReceiptUpdate, receipt), skip)

	cs.InvalidateUser(reader)
	cs.pushUnreadCount(ctx, reader)

	return receipt, nil
}

func (cs *ChatServer) handleMarkRead(ctx context.Context, c *Client, msg *ClientMessage) {
	req := msg.MarkRead
	if req.RoomId == "" {
		c.queueMessage(ErrBadRequest(msg.Id, "room_id required"))
		return
	}

	receipt, err := cs.markRead(ctx, req.RoomId, c.user, req.MessageId, c)
	if err != nil {
		c.respondErr(msg.Id, err)
		return
	}

	c.queueMessage(NoErrOK(msg.Id, receipt))
}
