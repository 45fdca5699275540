package database

import (
	"database/sql"
	"time"
)

type MercatoRepository interface {
	Ping() error
	CreateAccount(params CreateAccountParams) (User, error)
	UpdateAccount(params UpdateAccountParams) (User, error)
	GetAccountById(accountId int) (User, error)
	GetAccountByEmail(email string) (User, error)
	CreateConversation(params CreateConversationParams) (Conversation, error)
	GetConversationByExternalId(externalId string) (Conversation, error)
	ListConversations(accountId int) ([]Conversation, error)
	IsConversationMember(accountId, conversationId int) bool
	GetConversationMembers(conversationId int) ([]User, error)
	TouchConversation(conversationId int, at time.Time) error
	CreateMessage(msg Message) (Message, error)
	GetMessages(conversationId, before, limit int) ([]Message, error)
	MarkMessagesRead(accountId, conversationId int) error
	CreateCall(params CreateCallParams) (Call, error)
	GetCallByExternalId(externalId string) (Call, error)
	UpdateCallStatus(callId int, status string, endedAt sql.NullTime) error
	ListCalls(accountId int) ([]Call, error)
	GetContactIds(accountId int) ([]int, error)
}
