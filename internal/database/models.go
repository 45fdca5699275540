package database

import (
	"database/sql"
	"time"
)

type User struct {
	Id           int
	Username     string
	EmailAddress string
	PhotoUrl     string
	PasswordHash string
	Deleted      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Conversation struct {
	Id            int
	ExternalId    string
	ListingTitle  string
	LastMessageAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Members       []User
}

type Message struct {
	Id             int
	ConversationId int
	SenderId       int
	Type           string
	Content        sql.NullString
	MediaUrl       sql.NullString
	Status         string
	CreatedAt      time.Time
}

type Call struct {
	Id         int
	ExternalId string
	CallerId   int
	CalleeId   int
	Type       string
	Status     string
	StartedAt  time.Time
	EndedAt    sql.NullTime
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type UpdateAccountParams struct {
	UserId       int
	Username     string
	PhotoUrl     string
	PasswordHash string
}

type CreateConversationParams struct {
	ExternalId   string
	ListingTitle string
	MemberIds    []int
}

type CreateCallParams struct {
	ExternalId string
	CallerId   int
	CalleeId   int
	Type       string
	Status     string
}
