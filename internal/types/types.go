package types

import (
	"time"
)

type Room struct {
	Id           string    `json:"id"`
	Title        string    `json:"title"`
	Creator      string    `json:"creator"`
	Direct       bool      `json:"direct"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

type Attachment struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

type Message struct {
	Id         int64       `json:"id"`
	RoomId     string      `json:"room_id"`
	Sender     string      `json:"sender"`
	Body       string      `json:"body"`
	Attachment *Attachment `json:"attachment,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

type MessagePage struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
	HasMore  bool      `json:"has_more"`
}

type UnreadCount struct {
	Count int `json:"count"`
}

type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// PushSubscription mirrors the browser PushSubscription JSON.
type PushSubscription struct {
	Endpoint string   `json:"endpoint"`
	Keys     PushKeys `json:"keys"`
}
