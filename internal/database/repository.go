package database

import "context"

type Repository interface {
	Ping(ctx context.Context) error

	CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error)
	DeleteRoom(ctx context.Context, roomId int64) error
	GetRoomByExternalId(ctx context.Context, externalId string) (Room, error)
	ListRoomsForUser(ctx context.Context, user string) ([]Room, error)
	AddParticipant(ctx context.Context, roomId int64, user string) error
	ListParticipants(ctx context.Context, roomId int64) ([]string, error)

	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	GetMessages(ctx context.Context, roomId int64, query MessageQuery) (MessagePage, error)
	GetMessageContext(ctx context.Context, roomId, messageId int64, radius int) ([]Message, error)
	SearchMessages(ctx context.Context, roomId int64, params SearchParams) ([]Message, error)
	GetMessageDates(ctx context.Context, roomId int64) ([]string, error)

	CreateReadMark(ctx context.Context, roomId, messageId int64, reader string) error
	MarkRoomRead(ctx context.Context, roomId int64, reader string) (int64, error)
	GetReadBy(ctx context.Context, messageId int64) ([]string, error)
	CountUnread(ctx context.Context, user string) (int, error)

	UpsertPushSubscription(ctx context.Context, params UpsertPushSubscriptionParams) (PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) error
	DeletePushSubscriptionById(ctx context.Context, id int64) error
	ListPushSubscriptions(ctx context.Context, owner string) ([]PushSubscription, error)
}
