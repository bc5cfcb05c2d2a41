package server

// handleTyping relays a typing indicator to the rest of the room. The
// connection must have joined the room first.
func (cs *ChatServer) handleTyping(c *Client, id int, ref *RoomRef, event string) {
	if ref.RoomId == "" {
		c.queueMessage(ErrBadRequest(id, "room_id required"))
		return
	}

	if !cs.inRoom(c, ref.RoomId) {
		c.queueMessage(ErrForbidden(id))
		return
	}

	cs.broadcastRoom(ref.RoomId, newEvent(event, Typing{RoomId: ref.RoomId, Username: c.user}), c)
	c.queueMessage(NoErrOK(id, nil))
}
