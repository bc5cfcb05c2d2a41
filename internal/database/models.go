package database

import "time"

type Room struct {
	Id           int64
	ExternalId   string
	Title        string
	Creator      string
	Direct       bool
	CreatedAt    time.Time
	Participants []string
}

// HasParticipant reports whether user belongs to the room.
func (r Room) HasParticipant(user string) bool {
	for _, p := range r.Participants {
		if p == user {
			return true
		}
	}
	return false
}

type Attachment struct {
	Path string
	Name string
}

type Message struct {
	Id         int64
	RoomId     int64
	Sender     string
	Body       string
	Attachment *Attachment
	CreatedAt  time.Time
}

type PushSubscription struct {
	Id        int64
	Owner     string
	Endpoint  string
	P256dh    string
	Auth      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type CreateRoomParams struct {
	ExternalId   string
	Title        string
	Creator      string
	Direct       bool
	Participants []string
}

type CreateMessageParams struct {
	RoomId     int64
	Sender     string
	Body       string
	Attachment *Attachment
}

// MessageQuery selects a window of a room's history. BeforeId, when set,
// is an exclusive upper bound on message ids.
type MessageQuery struct {
	Limit    int
	Offset   int
	BeforeId int64
}

type MessagePage struct {
	Messages []Message
	Total    int
	HasMore  bool
}

// SearchParams filters a room's messages. Date is a YYYY-MM-DD day in UTC.
type SearchParams struct {
	Query string
	Date  string
}

type UpsertPushSubscriptionParams struct {
	Owner    string
	Endpoint string
	P256dh   string
	Auth     string
}
