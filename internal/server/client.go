package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-collab/internal/database"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 32 * 1024
	commandTimeout = 10 * time.Second
	sendBufferSize = 256
)

type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *zap.Logger
	user       string
	send       chan *ServerMessage
	stop       chan struct{}
	stopOnce   sync.Once

	// guarded by chatServer.mu
	rooms    map[string]struct{}
	personal string
}

func NewClient(user string, conn *websocket.Conn, cs *ChatServer, l *zap.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:         id,
		conn:       conn,
		chatServer: cs,
		log:        l.With(zap.String("client_id", id), zap.String("user", user)),
		user:       user,
		send:       make(chan *ServerMessage, sendBufferSize),
		stop:       make(chan struct{}),
		rooms:      make(map[string]struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) User() string {
	return c.user
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error("failed to serialize message", zap.Error(err))
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Debug("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Warn("ws read", zap.Error(err))
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug("error parsing message", zap.Error(err))
			c.queueMessage(ErrInvalidMessageFormat(-1))
			continue
		}
		msg.Timestamp = Now()

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		c.dispatch(ctx, &msg)
		cancel()
	}
}

func (c *Client) dispatch(ctx context.Context, msg *ClientMessage) {
	cs := c.chatServer

	switch {
	case msg.Join != nil:
		cs.handleJoin(ctx, c, msg)
	case msg.Leave != nil:
		cs.handleLeave(c, msg)
	case msg.JoinPersonal != nil:
		cs.handleJoinPersonal(ctx, c, msg)
	case msg.SendMessage != nil:
		cs.handleSendMessage(ctx, c, msg)
	case msg.MarkRead != nil:
		cs.handleMarkRead(ctx, c, msg)
	case msg.AcquireLock != nil:
		cs.handleAcquireLock(c, msg)
	case msg.ReleaseLock != nil:
		cs.handleReleaseLock(c, msg)
	case msg.TypingStart != nil:
		cs.handleTyping(c, msg.Id, msg.TypingStart, EventTypingStart)
	case msg.TypingStop != nil:
		cs.handleTyping(c, msg.Id, msg.TypingStop, EventTypingStop)
	default:
		c.queueMessage(ErrInvalidMessageFormat(msg.Id))
	}
}

// respondErr maps a command failure onto a response code.
func (c *Client) respondErr(id int, err error) {
	switch {
	case errors.Is(err, ErrInvalidMessage), errors.Is(err, ErrInvalidRoom):
		c.queueMessage(ErrBadRequest(id, err.Error()))
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrNotCreator):
		c.queueMessage(ErrForbidden(id))
	case errors.Is(err, database.ErrNotFound):
		c.queueMessage(ErrRoomNotFound(id))
	default:
		c.log.Error("command failed", zap.Int("command_id", id), zap.Error(err))
		c.queueMessage(ErrInternalError(id))
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn("write message", zap.Error(err))
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.chatServer.UnregisterClient(c)
	c.stopClient()
}
