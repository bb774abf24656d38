package database

import (
	"github.com/stretchr/testify/mock"
)

type MockGatherlyRepository struct {
	mock.Mock
}

func (m *MockGatherlyRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockGatherlyRepository) CreateAccount(params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGatherlyRepository) GetAccountById(accountId int) (User, error) {
	args := m.Called(accountId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGatherlyRepository) GetAccountByEmail(email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGatherlyRepository) ListAccounts() ([]User, error) {
	args := m.Called()
	return args.Get(0).([]User), args.Error(1)
}
func (m *MockGatherlyRepository) CreateEvent(params CreateEventParams) (Event, error) {
	args := m.Called(params)
	return args.Get(0).(Event), args.Error(1)
}
func (m *MockGatherlyRepository) GetEventById(eventId int) (Event, error) {
	args := m.Called(eventId)
	return args.Get(0).(Event), args.Error(1)
}
func (m *MockGatherlyRepository) GetEventByExternalId(externalId string) (Event, error) {
	args := m.Called(externalId)
	return args.Get(0).(Event), args.Error(1)
}
func (m *MockGatherlyRepository) ListEventsForAccount(accountId int) ([]Event, error) {
	args := m.Called(accountId)
	return args.Get(0).([]Event), args.Error(1)
}
func (m *MockGatherlyRepository) CreateParticipant(eventId, accountId int, status string) (Participant, error) {
	args := m.Called(eventId, accountId, status)
	return args.Get(0).(Participant), args.Error(1)
}
func (m *MockGatherlyRepository) GetParticipant(eventId, accountId int) (Participant, error) {
	args := m.Called(eventId, accountId)
	return args.Get(0).(Participant), args.Error(1)
}
func (m *MockGatherlyRepository) ListParticipants(eventId int) ([]Participant, error) {
	args := m.Called(eventId)
	return args.Get(0).([]Participant), args.Error(1)
}
func (m *MockGatherlyRepository) UpdateParticipantStatus(eventId, accountId int, from, to string) (Participant, error) {
	args := m.Called(eventId, accountId, from, to)
	return args.Get(0).(Participant), args.Error(1)
}
func (m *MockGatherlyRepository) ForceParticipantStatus(eventId, accountId int, to string) (Participant, error) {
	args := m.Called(eventId, accountId, to)
	return args.Get(0).(Participant), args.Error(1)
}
func (m *MockGatherlyRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockGatherlyRepository) GetRoomByEventId(eventId int) (Room, error) {
	args := m.Called(eventId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockGatherlyRepository) GetRoomByExternalId(externalId string) (Room, error) {
	args := m.Called(externalId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockGatherlyRepository) CreateMessage(msg Message) (Message, error) {
	args := m.Called(msg)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockGatherlyRepository) GetMessages(roomId, after, before, limit int) ([]Message, error) {
	args := m.Called(roomId, after, before, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockGatherlyRepository) CreateNotification(params CreateNotificationParams) (Notification, error) {
	args := m.Called(params)
	return args.Get(0).(Notification), args.Error(1)
}
func (m *MockGatherlyRepository) ListNotifications(accountId int) ([]Notification, error) {
	args := m.Called(accountId)
	return args.Get(0).([]Notification), args.Error(1)
}
