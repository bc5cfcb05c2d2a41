package server

import (
	"net/http"
	"time"

	"github.com/npezzotti/go-collab/internal/types"
)

const (
	EventUserJoined        = "user_joined"
	EventUserLeft          = "user_left"
	EventNewMessage        = "new_message"
	EventPreviewMessage    = "preview_message"
	EventUnreadCountUpdate = "unread_count_update"
	EventReadReceiptUpdate = "read_receipt_update"
	EventEditLockStatus    = "edit_lock_status"
	EventEditLockDenied    = "edit_lock_denied"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventRoomDeleted       = "room_deleted"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Join         *RoomRef      `json:"join,omitempty"`
	Leave        *RoomRef      `json:"leave,omitempty"`
	JoinPersonal *JoinPersonal `json:"join_personal,omitempty"`
	SendMessage  *SendMessage  `json:"send_message,omitempty"`
	MarkRead     *MarkRead     `json:"mark_read,omitempty"`
	AcquireLock  *LockRequest  `json:"acquire_lock,omitempty"`
	ReleaseLock  *LockRequest  `json:"release_lock,omitempty"`
	TypingStart  *RoomRef      `json:"typing_start,omitempty"`
	TypingStop   *RoomRef      `json:"typing_stop,omitempty"`
}

type RoomRef struct {
	RoomId string `json:"room_id"`
}

type JoinPersonal struct{}

type SendMessage struct {
	RoomId     string            `json:"room_id"`
	Body       string            `json:"body"`
	Attachment *types.Attachment `json:"attachment,omitempty"`
}

// MarkRead marks a single message read, or every message in the room when
// MessageId is omitted.
type MarkRead struct {
	RoomId    string `json:"room_id"`
	MessageId *int64 `json:"message_id,omitempty"`
}

type LockRequest struct {
	Resource string `json:"resource"`
}

type ServerMessage struct {
	BaseMessage
	Response *Response `json:"response,omitempty"`
	Event    string    `json:"event,omitempty"`
	Data     any       `json:"data,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Presence struct {
	RoomId   string `json:"room_id"`
	Username string `json:"username"`
}

type Preview struct {
	RoomId    string `json:"room_id"`
	RoomTitle string `json:"room_title"`
	MessageId int64  `json:"message_id"`
	Sender    string `json:"sender"`
	Preview   string `json:"preview"`
	Direct    bool   `json:"direct"`
}

type ReadReceipt struct {
	RoomId    string   `json:"room_id"`
	Reader    string   `json:"reader"`
	MessageId *int64   `json:"message_id"`
	ReadBy    []string `json:"read_by,omitempty"`
	AllRead   bool     `json:"all_read,omitempty"`
}

type LockStatus struct {
	Resource string `json:"resource"`
	Locked   bool   `json:"locked"`
	Holder   string `json:"holder,omitempty"`
}

type Typing struct {
	RoomId   string `json:"room_id"`
	Username string `json:"username"`
}

type RoomDeleted struct {
	RoomId string `json:"room_id"`
}

func newEvent(name string, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Event: name,
		Data:  data,
	}
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func errResponse(id, code int, msg string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        msg,
		},
	}
}

func ErrRoomNotFound(id int) *ServerMessage {
	return errResponse(id, http.StatusNotFound, "room not found")
}

func ErrForbidden(id int) *ServerMessage {
	return errResponse(id, http.StatusForbidden, "forbidden")
}

func ErrConflict(id int, msg string) *ServerMessage {
	return errResponse(id, http.StatusConflict, msg)
}

func ErrBadRequest(id int, msg string) *ServerMessage {
	return errResponse(id, http.StatusBadRequest, msg)
}

func ErrInternalError(id int) *ServerMessage {
	return errResponse(id, http.StatusInternalServerError, "internal server error")
}

func ErrInvalidMessageFormat(id int) *ServerMessage {
	msg := errResponse(0, http.StatusBadRequest, "invalid message format")
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
