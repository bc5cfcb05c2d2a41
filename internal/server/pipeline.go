package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/npezzotti/go-collab/internal/database"
	"github.com/npezzotti/go-collab/internal/push"
	"github.com/npezzotti/go-collab/internal/types"
	"go.uber.org/zap"
)

const (
	MaxBodyLength    = 4000
	maxPreviewLength = 100
)

func validateMessage(body string, attachment *types.Attachment) error {
	if attachment != nil && attachment.Path == "" {
		return fmt.Errorf("%w: attachment path required", ErrInvalidMessage)
	}

	if strings.TrimSpace(body) == "" && attachment == nil {
		return fmt.Errorf("%w: body or attachment required", ErrInvalidMessage)
	}

	if utf8.RuneCountInString(body) > MaxBodyLength {
		return fmt.Errorf("%w: body exceeds %d characters", ErrInvalidMessage, MaxBodyLength)
	}

	return nil
}

// preview shortens a message for notifications to at most
// maxPreviewLength characters.
func preview(msg types.Message) string {
	text := msg.Body
	if strings.TrimSpace(text) == "" && msg.Attachment != nil {
		text = msg.Attachment.Name
	}

	if utf8.RuneCountInString(text) <= maxPreviewLength {
		return text
	}

	return string([]rune(text)[:maxPreviewLength])
}

func WireMessage(roomId string, m database.Message) types.Message {
	msg := types.Message{
		Id:        m.Id,
		RoomId:    roomId,
		Sender:    m.Sender,
		Body:      m.Body,
		CreatedAt: m.CreatedAt,
	}

	if m.Attachment != nil {
		msg.Attachment = &types.Attachment{
			Path: m.Attachment.Path,
			Name: m.Attachment.Name,
		}
	}

	return msg
}

// SendMessage persists a message from sender and fans it out. The room
// sees new_message; every other participant gets a preview, a fresh
// unread count and a push notification. If persistence fails nothing is
// broadcast.
func (cs *ChatServer) SendMessage(ctx context.Context, roomId, sender, body string, attachment *types.Attachment) (types.Message, error) {
	if err := validateMessage(body, attachment); err != nil {
		return types.Message{}, err
	}

	room, err := cs.Room(ctx, roomId, sender)
	if err != nil {
		return types.Message{}, err
	}

	params := database.CreateMessageParams{
		RoomId: room.Id,
		Sender: sender,
		Body:   body,
	}
	if attachment != nil {
		params.Attachment = &database.Attachment{Path: attachment.Path, Name: attachment.Name}
	}

	unlock := cs.lockRoom(room.Id)
	stored, err := cs.db.CreateMessage(ctx, params)
	if err != nil {
		unlock()
		return types.Message{}, fmt.Errorf("create message: %w", err)
	}

	msg := WireMessage(room.ExternalId, stored)
	cs.broadcastRoom(room.ExternalId, newEvent(EventNewMessage, msg), nil)
	unlock()

	cs.stats.Incr(MetricMessagesSent)
	cs.notifyParticipants(ctx, room, msg)

	return msg, nil
}

func (cs *ChatServer) notifyParticipants(ctx context.Context, room database.Room, msg types.Message) {
	text := preview(msg)
	previewEvent := newEvent(EventPreviewMessage, Preview{
		RoomId:    room.ExternalId,
		RoomTitle: room.Title,
		MessageId: msg.Id,
		Sender:    msg.Sender,
		Preview:   text,
		Direct:    room.Direct,
	})

	for _, p := range room.Participants {
		if p == msg.Sender {
			continue
		}

		cs.sendToUser(p, previewEvent)

		cs.InvalidateUser(p)
		cs.pushUnreadCount(ctx, p)

		cs.enqueuePush(push.Job{
			User: p,
			Notification: push.Notification{
				Title: fmt.Sprintf("Message from %s", msg.Sender),
				Body:  text,
				Data: map[string]any{
					"type":       "chat",
					"room_id":    room.ExternalId,
					"message_id": msg.Id,
					"url":        "/chat/" + room.ExternalId,
				},
			},
		})
	}
}

func (cs *ChatServer) enqueuePush(job push.Job) {
	if cs.push == nil {
		return
	}

	if err := cs.push.Enqueue(job); err != nil {
		if errors.Is(err, push.ErrQueueFull) {
			cs.log.Warn("push queue full, dropping notification", zap.String("user", job.User))
			return
		}
		cs.log.Error("enqueue push", zap.String("user", job.User), zap.Error(err))
	}
}

func (cs *ChatServer) handleSendMessage(ctx context.Context, c *Client, msg *ClientMessage) {
	req := msg.SendMessage

	sent, err := cs.SendMessage(ctx, req.RoomId, c.user, req.Body, req.Attachment)
	if err != nil {
		c.respondErr(msg.Id, err)
		return
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]any{"message_id": sent.Id}))
}
