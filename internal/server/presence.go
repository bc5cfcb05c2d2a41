package server

import (
	"github.com/npezzotti/go-collab/internal/relay"
	"go.uber.org/zap"
)

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.mu.Lock()
	cs.clients[c] = struct{}{}
	cs.mu.Unlock()

	cs.stats.Incr(MetricActiveClients)
	cs.log.Debug("client registered", zap.String("client_id", c.id), zap.String("user", c.user))
}

// UnregisterClient prunes every room membership and the personal channel
// of c, then tells each room it left that the user is gone.
func (cs *ChatServer) UnregisterClient(c *Client) {
	cs.mu.Lock()
	if _, ok := cs.clients[c]; !ok {
		cs.mu.Unlock()
		return
	}
	delete(cs.clients, c)

	left := make([]string, 0, len(c.rooms))
	for roomId := range c.rooms {
		cs.removeMemberLocked(cs.rooms, roomId, c)
		left = append(left, roomId)
	}
	c.rooms = make(map[string]struct{})

	if c.personal != "" {
		cs.removeMemberLocked(cs.personal, c.personal, c)
		c.personal = ""
	}
	cs.mu.Unlock()

	for _, roomId := range left {
		cs.broadcastRoom(roomId, newEvent(EventUserLeft, Presence{RoomId: roomId, Username: c.user}), nil)
	}

	cs.stats.Decr(MetricActiveClients)
	cs.log.Debug("client unregistered", zap.String("client_id", c.id), zap.Strings("rooms_left", left))
}

func (cs *ChatServer) removeMemberLocked(table map[string]map[*Client]struct{}, key string, c *Client) {
	members, ok := table[key]
	if !ok {
		return
	}

	delete(members, c)
	if len(members) == 0 {
		delete(table, key)
	}
}

// join adds c to the room's fan-out set. It reports false when c was
// already a member.
func (cs *ChatServer) join(c *Client, roomId string) bool {
	cs.mu.Lock()
	if _, ok := c.rooms[roomId]; ok {
		cs.mu.Unlock()
		return false
	}

	members, ok := cs.rooms[roomId]
	if !ok {
		members = make(map[*Client]struct{})
		cs.rooms[roomId] = members
	}
	members[c] = struct{}{}
	c.rooms[roomId] = struct{}{}
	cs.mu.Unlock()

	cs.broadcastRoom(roomId, newEvent(EventUserJoined, Presence{RoomId: roomId, Username: c.user}), nil)
	return true
}

// leave removes c from the room. It reports false when c was not a member.
func (cs *ChatServer) leave(c *Client, roomId string) bool {
	cs.mu.Lock()
	if _, ok := c.rooms[roomId]; !ok {
		cs.mu.Unlock()
		return false
	}

	delete(c.rooms, roomId)
	cs.removeMemberLocked(cs.rooms, roomId, c)
	cs.mu.Unlock()

	cs.broadcastRoom(roomId, newEvent(EventUserLeft, Presence{RoomId: roomId, Username: c.user}), nil)
	return true
}

// joinPersonal subscribes c to its user's personal channel, replacing any
// channel it held before.
func (cs *ChatServer) joinPersonal(c *Client) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if c.personal != "" {
		cs.removeMemberLocked(cs.personal, c.personal, c)
	}

	members, ok := cs.personal[c.user]
	if !ok {
		members = make(map[*Client]struct{})
		cs.personal[c.user] = members
	}
	members[c] = struct{}{}
	c.personal = c.user
}

func (cs *ChatServer) inRoom(c *Client, roomId string) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	_, ok := c.rooms[roomId]
	return ok
}

// closeRoom drops every local connection from the room without
// presence events.
func (cs *ChatServer) closeRoom(roomId string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for c := range cs.rooms[roomId] {
		delete(c.rooms, roomId)
	}
	delete(cs.rooms, roomId)
}

func snapshot(members map[*Client]struct{}) []*Client {
	out := make([]*Client, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

func (cs *ChatServer) deliverRoom(roomId string, msg *ServerMessage, skip *Client) {
	cs.mu.RLock()
	recipients := snapshot(cs.rooms[roomId])
	cs.mu.RUnlock()

	for _, c := range recipients {
		if c == skip {
			continue
		}
		c.queueMessage(msg)
	}
}

func (cs *ChatServer) deliverUser(user string, msg *ServerMessage) {
	cs.mu.RLock()
	recipients := snapshot(cs.personal[user])
	cs.mu.RUnlock()

	for _, c := range recipients {
		c.queueMessage(msg)
	}
}

func (cs *ChatServer) deliverAll(msg *ServerMessage) {
	cs.mu.RLock()
	recipients := snapshot(cs.clients)
	cs.mu.RUnlock()

	for _, c := range recipients {
		c.queueMessage(msg)
	}
}

func (cs *ChatServer) broadcastRoom(roomId string, msg *ServerMessage, skip *Client) {
	cs.deliverRoom(roomId, msg, skip)
	cs.publish(relay.Target{Kind: relay.KindRoom, Key: roomId}, msg)
}

func (cs *ChatServer) sendToUser(user string, msg *ServerMessage) {
	cs.deliverUser(user, msg)
	cs.publish(relay.Target{Kind: relay.KindUser, Key: user}, msg)
}

func (cs *ChatServer) broadcastAll(msg *ServerMessage) {
	cs.deliverAll(msg)
	cs.publish(relay.Target{Kind: relay.KindAll}, msg)
}

// RoomConnections returns the number of live connections in a room on this
// process.
func (cs *ChatServer) RoomConnections(roomId string) int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	return len(cs.rooms[roomId])
}
