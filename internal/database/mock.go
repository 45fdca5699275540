package database

import (
	"database/sql"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockMercatoRepository struct {
	mock.Mock
}

func (m *MockMercatoRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockMercatoRepository) CreateAccount(params CreateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockMercatoRepository) UpdateAccount(params UpdateAccountParams) (User, error) {
	args := m.Called(params)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockMercatoRepository) GetAccountById(accountId int) (User, error) {
	args := m.Called(accountId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockMercatoRepository) GetAccountByEmail(email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockMercatoRepository) CreateConversation(params CreateConversationParams) (Conversation, error) {
	args := m.Called(params)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockMercatoRepository) GetConversationByExternalId(externalId string) (Conversation, error) {
	args := m.Called(externalId)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockMercatoRepository) ListConversations(accountId int) ([]Conversation, error) {
	args := m.Called(accountId)
	return args.Get(0).([]Conversation), args.Error(1)
}
func (m *MockMercatoRepository) IsConversationMember(accountId, conversationId int) bool {
	args := m.Called(accountId, conversationId)
	return args.Bool(0)
}
func (m *MockMercatoRepository) GetConversationMembers(conversationId int) ([]User, error) {
	args := m.Called(conversationId)
	return args.Get(0).([]User), args.Error(1)
}
func (m *MockMercatoRepository) TouchConversation(conversationId int, at time.Time) error {
	args := m.Called(conversationId, at)
	return args.Error(0)
}
func (m *MockMercatoRepository) CreateMessage(msg Message) (Message, error) {
	args := m.Called(msg)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockMercatoRepository) GetMessages(conversationId, before, limit int) ([]Message, error) {
	args := m.Called(conversationId, before, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockMercatoRepository) MarkMessagesRead(accountId, conversationId int) error {
	args := m.Called(accountId, conversationId)
	return args.Error(0)
}
func (m *MockMercatoRepository) CreateCall(params CreateCallParams) (Call, error) {
	args := m.Called(params)
	return args.Get(0).(Call), args.Error(1)
}
func (m *MockMercatoRepository) GetCallByExternalId(externalId string) (Call, error) {
	args := m.Called(externalId)
	return args.Get(0).(Call), args.Error(1)
}
func (m *MockMercatoRepository) UpdateCallStatus(callId int, status string, endedAt sql.NullTime) error {
	args := m.Called(callId, status, endedAt)
	return args.Error(0)
}
func (m *MockMercatoRepository) ListCalls(accountId int) ([]Call, error) {
	args := m.Called(accountId)
	return args.Get(0).([]Call), args.Error(1)
}
func (m *MockMercatoRepository) GetContactIds(accountId int) ([]int, error) {
	args := m.Called(accountId)
	return args.Get(0).([]int), args.Error(1)
}
