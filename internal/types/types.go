package types

import (
	"time"
)

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	PhotoUrl     string    `json:"photo_url,omitempty"`
	Password     string    `json:"-"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Conversation struct {
	Id            int       `json:"id"`
	ExternalId    string    `json:"external_id"`
	ListingTitle  string    `json:"listing_title,omitempty"`
	Members       []User    `json:"members,omitempty"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// MessageType enumerates the kinds of chat messages a conversation
// can carry. Media types set MediaUrl, text sets Content.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVoice    MessageType = "voice"
	MessageTypeLocation MessageType = "location"
	MessageTypePayment  MessageType = "payment"
)

func (mt MessageType) Valid() bool {
	switch mt {
	case MessageTypeText, MessageTypeImage, MessageTypeVoice, MessageTypeLocation, MessageTypePayment:
		return true
	}
	return false
}

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

type Message struct {
	Id             int           `json:"id"`
	ConversationId string        `json:"conversation_id"`
	SenderId       int           `json:"sender_id"`
	Type           MessageType   `json:"type"`
	Content        string        `json:"content,omitempty"`
	MediaUrl       string        `json:"media_url,omitempty"`
	Status         MessageStatus `json:"status"`
	Timestamp      time.Time     `json:"timestamp"`
}

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (ct CallType) Valid() bool {
	return ct == CallTypeAudio || ct == CallTypeVideo
}

// CallStatus is the call record's state machine. Active and rejected
// are only reachable from ringing; ended is reachable from any
// non-terminal state. Rejected and ended are terminal.
type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusActive   CallStatus = "active"
	CallStatusRejected CallStatus = "rejected"
	CallStatusEnded    CallStatus = "ended"
)

func (cs CallStatus) Terminal() bool {
	return cs == CallStatusRejected || cs == CallStatusEnded
}

// CanTransition reports whether a record in status cs may move to next.
func (cs CallStatus) CanTransition(next CallStatus) bool {
	if cs.Terminal() {
		return false
	}

	switch next {
	case CallStatusActive, CallStatusRejected:
		return cs == CallStatusRinging
	case CallStatusEnded:
		return true
	}
	return false
}

type Call struct {
	Id         int        `json:"-"`
	ExternalId string     `json:"call_id"`
	CallerId   int        `json:"caller_id"`
	CalleeId   int        `json:"callee_id"`
	Type       CallType   `json:"type"`
	Status     CallStatus `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}
