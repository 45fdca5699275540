package gateway

import (
	"database/sql"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mercatoapp/mercato-server/internal/database"
	"github.com/mercatoapp/mercato-server/internal/stats"
	"github.com/mercatoapp/mercato-server/internal/types"
)

const idleRoomTimeout = 30 * time.Second

type sendReq struct {
	client  *Client
	payload *SendMessage
}

type typingReq struct {
	client *Client
	start  bool
}

// Room is the broadcast group for one conversation. Each loaded room
// runs as its own goroutine, so all sends to a conversation are
// processed in a single total order.
type Room struct {
	id         int
	externalId string
	gw         *Gateway
	joinChan   chan *Client
	leaveChan  chan *Client
	sendChan   chan *sendReq
	typingChan chan *typingReq
	clients    map[*Client]struct{}
	userMap    map[int]map[*Client]struct{}
	clientLock sync.RWMutex
	log        *log.Logger
	// killTimer unloads the room once it has been empty for a while
	killTimer *time.Timer
	exit      chan struct{}
	done      chan struct{}
}

func newRoom(gw *Gateway, id int, externalId string) *Room {
	return &Room{
		id:         id,
		externalId: externalId,
		gw:         gw,
		joinChan:   make(chan *Client, 256),
		leaveChan:  make(chan *Client, 256),
		sendChan:   make(chan *sendReq, 256),
		typingChan: make(chan *typingReq, 256),
		clients:    make(map[*Client]struct{}),
		userMap:    make(map[int]map[*Client]struct{}),
		log:        gw.log,
		exit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (r *Room) start() {
	r.log.Printf("starting room for conversation %q", r.externalId)
	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.killTimer.Stop()

	for {
		select {
		case c := <-r.joinChan:
			r.handleJoin(c)
		case c := <-r.leaveChan:
			r.handleLeave(c)
		case req := <-r.sendChan:
			r.handleSend(req)
		case req := <-r.typingChan:
			r.handleTyping(req)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case <-r.exit:
			r.handleRoomExit()
			return
		}
	}
}

// handleJoin admits c only if its user is a registered member of the
// conversation. A rejected join leaves subscription state untouched.
func (r *Room) handleJoin(c *Client) {
	r.killTimer.Stop()

	if !r.gw.db.IsConversationMember(c.user.Id, r.id) {
		r.log.Printf("user %q is not a member of conversation %q", c.user.Username, r.externalId)
		c.queueEvent(errNotMember())
		if len(r.clients) == 0 {
			r.killTimer.Reset(idleRoomTimeout)
		}
		return
	}

	r.addClient(c)
	c.queueEvent(newEvent(EventJoinedConversation, ConversationRef{ConversationId: r.externalId}))
}

func (r *Room) handleLeave(c *Client) {
	r.removeClient(c)
	c.queueEvent(newEvent(EventLeftConversation, ConversationRef{ConversationId: r.externalId}))
}

// handleSend validates, persists, then broadcasts, in that order. No
// subscriber ever sees a message that was not durably stored first.
func (r *Room) handleSend(req *sendReq) {
	c := req.client
	p := req.payload

	msgType := p.MessageType
	if msgType == "" {
		msgType = types.MessageTypeText
	}
	if !msgType.Valid() {
		c.queueEvent(errInvalidMessageType())
		return
	}

	content := strings.TrimSpace(p.Message)
	if content == "" && p.MediaUrl == "" {
		c.queueEvent(errEmptyMessage())
		return
	}

	// Membership is the authorization source of truth; a room
	// subscription is only a delivery optimization.
	if !r.gw.db.IsConversationMember(c.user.Id, r.id) {
		c.queueEvent(errNotMember())
		return
	}

	now := Now()
	dbMsg, err := r.gw.db.CreateMessage(database.Message{
		ConversationId: r.id,
		SenderId:       c.user.Id,
		Type:           string(msgType),
		Content:        nullString(content),
		MediaUrl:       nullString(p.MediaUrl),
		Status:         string(types.MessageStatusSent),
		CreatedAt:      now,
	})
	if err != nil {
		r.log.Println("error saving message:", err)
		c.queueEvent(errInternal())
		return
	}

	if err := r.gw.db.TouchConversation(r.id, now); err != nil {
		r.log.Println("error updating conversation activity:", err)
	}

	r.gw.stats.Incr(stats.MessagesSent)

	msg := types.Message{
		Id:             dbMsg.Id,
		ConversationId: r.externalId,
		SenderId:       c.user.Id,
		Type:           msgType,
		Content:        content,
		MediaUrl:       p.MediaUrl,
		Status:         types.MessageStatusSent,
		Timestamp:      now,
	}

	r.broadcast(newEvent(EventNewMessage, NewMessage{
		Message:        msg,
		SenderUsername: c.user.Username,
		SenderPhoto:    c.user.PhotoUrl,
	}), nil)

	go r.notifyOfflineMembers(msg)
}

// notifyOfflineMembers pushes a best-effort notification to members
// with no live connection. Failures are logged and never propagated.
func (r *Room) notifyOfflineMembers(msg types.Message) {
	members, err := r.gw.db.GetConversationMembers(r.id)
	if err != nil {
		r.log.Println("error fetching conversation members:", err)
		return
	}

	for _, member := range members {
		if member.Id == msg.SenderId || r.gw.presence.IsOnline(member.Id) {
			continue
		}

		user := types.User{Id: member.Id, Username: member.Username, PhotoUrl: member.PhotoUrl}
		if err := r.gw.notifier.NotifyNewMessage(user, msg); err != nil {
			r.log.Printf("error notifying user %q: %v", member.Username, err)
		}
	}
}

// handleTyping relays a typing signal to everyone else in the room.
// Typing signals are never persisted.
func (r *Room) handleTyping(req *typingReq) {
	name := EventUserStoppedTyping
	if req.start {
		name = EventUserTyping
	}

	r.broadcast(newEvent(name, UserTyping{
		UserId:         req.client.user.Id,
		Username:       req.client.user.Username,
		ConversationId: r.externalId,
	}), req.client)
}

func (r *Room) handleRoomTimeout() {
	r.log.Printf("room for conversation %q timed out", r.externalId)
	select {
	case r.gw.unloadRoomChan <- r.externalId:
	default:
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) handleRoomExit() {
	r.log.Printf("room for conversation %q is exiting", r.externalId)

	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.externalId)
	}
	r.clientLock.Unlock()

	close(r.done)
}

// idle reports whether the room has no clients and no queued work.
func (r *Room) idle() bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	return len(r.clients) == 0 && len(r.joinChan) == 0 && len(r.sendChan) == 0
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	if r.userMap[c.user.Id] == nil {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}

	c.addRoom(r)
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	c.delRoom(r.externalId)

	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
		}
	}

	if len(r.clients) == 0 {
		r.log.Printf("no clients in conversation %q, starting kill timer", r.externalId)
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) broadcast(evt *ServerEvent, skip *Client) {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for client := range r.clients {
		if client == skip {
			continue
		}

		client.queueEvent(evt)
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
