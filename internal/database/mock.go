package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRepository) DeleteRoom(ctx context.Context, roomId int64) error {
	args := m.Called(roomId)
	return args.Error(0)
}
func (m *MockRepository) GetRoomByExternalId(ctx context.Context, externalId string) (Room, error) {
	args := m.Called(externalId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockRepository) ListRoomsForUser(ctx context.Context, user string) ([]Room, error) {
	args := m.Called(user)
	return args.Get(0).([]Room), args.Error(1)
}
func (m *MockRepository) AddParticipant(ctx context.Context, roomId int64, user string) error {
	args := m.Called(roomId, user)
	return args.Error(0)
}
func (m *MockRepository) ListParticipants(ctx context.Context, roomId int64) ([]string, error) {
	args := m.Called(roomId)
	return args.Get(0).([]string), args.Error(1)
}
func (m *MockRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRepository) GetMessages(ctx context.Context, roomId int64, query MessageQuery) (MessagePage, error) {
	args := m.Called(roomId, query)
	return args.Get(0).(MessagePage), args.Error(1)
}
func (m *MockRepository) GetMessageContext(ctx context.Context, roomId, messageId int64, radius int) ([]Message, error) {
	args := m.Called(roomId, messageId, radius)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockRepository) SearchMessages(ctx context.Context, roomId int64, params SearchParams) ([]Message, error) {
	args := m.Called(roomId, params)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockRepository) GetMessageDates(ctx context.Context, roomId int64) ([]string, error) {
	args := m.Called(roomId)
	return args.Get(0).([]string), args.Error(1)
}
func (m *MockRepository) CreateReadMark(ctx context.Context, roomId, messageId int64, reader string) error {
	args := m.Called(roomId, messageId, reader)
	return args.Error(0)
}
func (m *MockRepository) MarkRoomRead(ctx context.Context, roomId int64, reader string) (int64, error) {
	args := m.Called(roomId, reader)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockRepository) GetReadBy(ctx context.Context, messageId int64) ([]string, error) {
	args := m.Called(messageId)
	return args.Get(0).([]string), args.Error(1)
}
func (m *MockRepository) CountUnread(ctx context.Context, user string) (int, error) {
	args := m.Called(user)
	return args.Int(0), args.Error(1)
}
func (m *MockRepository) UpsertPushSubscription(ctx context.Context, params UpsertPushSubscriptionParams) (PushSubscription, error) {
	args := m.Called(params)
	return args.Get(0).(PushSubscription), args.Error(1)
}
func (m *MockRepository) DeletePushSubscription(ctx context.Context, endpoint string) error {
	args := m.Called(endpoint)
	return args.Error(0)
}
func (m *MockRepository) DeletePushSubscriptionById(ctx context.Context, id int64) error {
	args := m.Called(id)
	return args.Error(0)
}
func (m *MockRepository) ListPushSubscriptions(ctx context.Context, owner string) ([]PushSubscription, error) {
	args := m.Called(owner)
	return args.Get(0).([]PushSubscription), args.Error(1)
}
