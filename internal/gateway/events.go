package gateway

import (
	"encoding/json"
	"time"

	"github.com/mercatoapp/mercato-server/internal/types"
)

// Inbound event names (client -> server).
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventCallOffer         = "call_offer"
	EventCallAnswer        = "call_answer"
	EventCallReject        = "call_reject"
	EventCallEnd           = "call_end"
	EventIceCandidate      = "ice_candidate"
)

// Outbound event names (server -> client).
const (
	EventOnlineUsers        = "online_users"
	EventUserStatusChange   = "user_status_change"
	EventJoinedConversation = "joined_conversation"
	EventLeftConversation   = "left_conversation"
	EventNewMessage         = "new_message"
	EventUserTyping         = "user_typing"
	EventUserStoppedTyping  = "user_stopped_typing"
	EventCallCreated        = "call_created"
	EventIncomingCall       = "incoming_call"
	EventCallAnswered       = "call_answered"
	EventCallRejected       = "call_rejected"
	EventCallEnded          = "call_ended"
	EventError              = "error"
)

// ClientEvent is the inbound wire envelope. Data stays raw until the
// handler for the named event decodes it.
type ClientEvent struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ServerEvent is the outbound wire envelope.
type ServerEvent struct {
	Name      string    `json:"event"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type JoinConversation struct {
	ConversationId string `json:"conversation_id"`
}

type LeaveConversation struct {
	ConversationId string `json:"conversation_id"`
}

type SendMessage struct {
	ConversationId string            `json:"conversation_id"`
	Message        string            `json:"message"`
	MessageType    types.MessageType `json:"message_type"`
	MediaUrl       string            `json:"media_url,omitempty"`
}

type Typing struct {
	ConversationId string `json:"conversation_id"`
}

type CallOffer struct {
	TargetUserId int             `json:"target_user_id"`
	Offer        json.RawMessage `json:"offer"`
	CallType     types.CallType  `json:"call_type"`
}

type CallAnswer struct {
	CallId string          `json:"call_id"`
	Answer json.RawMessage `json:"answer"`
}

type CallRef struct {
	CallId string `json:"call_id"`
}

type IceCandidate struct {
	TargetUserId int             `json:"target_user_id"`
	Candidate    json.RawMessage `json:"candidate"`
}

type OnlineUser struct {
	UserId   int    `json:"user_id"`
	Username string `json:"username"`
}

type UserStatusChange struct {
	UserId int    `json:"user_id"`
	Status string `json:"status"`
}

type ConversationRef struct {
	ConversationId string `json:"conversation_id"`
}

type NewMessage struct {
	types.Message
	SenderUsername string `json:"sender_username"`
	SenderPhoto    string `json:"sender_photo,omitempty"`
}

type UserTyping struct {
	UserId         int    `json:"user_id"`
	Username       string `json:"username"`
	ConversationId string `json:"conversation_id"`
}

type IncomingCall struct {
	CallId         string          `json:"call_id"`
	CallerId       int             `json:"caller_id"`
	CallerUsername string          `json:"caller_username"`
	Offer          json.RawMessage `json:"offer"`
	CallType       types.CallType  `json:"call_type"`
}

type CallAnswered struct {
	CallId string          `json:"call_id"`
	Answer json.RawMessage `json:"answer"`
}

type IceCandidateOut struct {
	FromUserId int             `json:"from_user_id"`
	Candidate  json.RawMessage `json:"candidate"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func newEvent(name string, data any) *ServerEvent {
	return &ServerEvent{
		Name:      name,
		Data:      data,
		Timestamp: Now(),
	}
}

func errEvent(message string) *ServerEvent {
	return newEvent(EventError, ErrorPayload{Message: message})
}

func errInvalidEvent() *ServerEvent {
	return errEvent("invalid event format")
}

func errNotMember() *ServerEvent {
	return errEvent("not a member of this conversation")
}

func errEmptyMessage() *ServerEvent {
	return errEvent("message cannot be empty")
}

func errInvalidMessageType() *ServerEvent {
	return errEvent("invalid message type")
}

func errConversationNotFound() *ServerEvent {
	return errEvent("conversation not found")
}

func errCallNotFound() *ServerEvent {
	return errEvent("call not found")
}

func errInvalidCallType() *ServerEvent {
	return errEvent("invalid call type")
}

func errInternal() *ServerEvent {
	return errEvent("internal server error")
}

func errServiceUnavailable() *ServerEvent {
	return errEvent("service unavailable")
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
