package gateway

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mercatoapp/mercato-server/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192
	// staleAfter is how long a connection may miss pongs before the
	// sweep prunes it as a missed-disconnect leftover.
	staleAfter = 2 * pongWait
)

// Client is one live websocket connection for an authenticated user.
// A user with several devices has several Clients sharing a user id.
type Client struct {
	id          string
	conn        *websocket.Conn
	gw          *Gateway
	log         *log.Logger
	user        types.User
	send        chan *ServerEvent
	rooms       map[string]*Room
	roomsLock   sync.RWMutex
	connectedAt time.Time
	lastPong    atomic.Int64
	stop        chan struct{}
	stopOnce    sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, gw *Gateway, l *log.Logger) *Client {
	c := &Client{
		id:          uuid.NewString(),
		conn:        conn,
		gw:          gw,
		log:         l,
		user:        user,
		send:        make(chan *ServerEvent, 256),
		rooms:       make(map[string]*Room),
		connectedAt: time.Now(),
		stop:        make(chan struct{}),
	}
	c.lastPong.Store(time.Now().UnixNano())

	return c
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Printf("write exiting for connection %s", c.id)
	}()

	for {
		select {
		case evt, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeEvent(evt)
			if err != nil {
				c.log.Println("failed to serialize event:", err)
				continue
			}

			if !c.writeMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.writeMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Printf("read exiting for connection %s", c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error {
		c.lastPong.Store(time.Now().UnixNano())
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var evt ClientEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			c.log.Println("error parsing event:", err)
			c.queueEvent(errInvalidEvent())
			continue
		}

		c.dispatch(&evt)
	}
}

// dispatch routes one inbound event. Room-scoped events go through the
// gateway (which owns room loading); call signaling runs inline on the
// read goroutine.
func (c *Client) dispatch(evt *ClientEvent) {
	switch evt.Name {
	case EventJoinConversation:
		var p JoinConversation
		if !c.decode(evt.Data, &p) {
			return
		}
		c.gw.queueRelay(&relayReq{client: c, conversationId: p.ConversationId, join: true})
	case EventLeaveConversation:
		var p LeaveConversation
		if !c.decode(evt.Data, &p) {
			return
		}
		c.leaveConversation(p.ConversationId)
	case EventSendMessage:
		var p SendMessage
		if !c.decode(evt.Data, &p) {
			return
		}
		c.gw.queueRelay(&relayReq{client: c, conversationId: p.ConversationId, send: &p})
	case EventTypingStart, EventTypingStop:
		var p Typing
		if !c.decode(evt.Data, &p) {
			return
		}
		c.relayTyping(p.ConversationId, evt.Name == EventTypingStart)
	case EventCallOffer:
		var p CallOffer
		if !c.decode(evt.Data, &p) {
			return
		}
		c.gw.calls.HandleOffer(c, &p)
	case EventCallAnswer:
		var p CallAnswer
		if !c.decode(evt.Data, &p) {
			return
		}
		c.gw.calls.HandleAnswer(c, &p)
	case EventCallReject:
		var p CallRef
		if !c.decode(evt.Data, &p) {
			return
		}
		c.gw.calls.HandleReject(c, &p)
	case EventCallEnd:
		var p CallRef
		if !c.decode(evt.Data, &p) {
			return
		}
		c.gw.calls.HandleEnd(c, &p)
	case EventIceCandidate:
		var p IceCandidate
		if !c.decode(evt.Data, &p) {
			return
		}
		c.gw.calls.HandleIceCandidate(c, &p)
	default:
		c.log.Printf("unknown event %q from connection %s", evt.Name, c.id)
		c.queueEvent(errEvent("unknown event"))
	}
}

func (c *Client) decode(data json.RawMessage, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		c.log.Println("error decoding event payload:", err)
		c.queueEvent(errInvalidEvent())
		return false
	}
	return true
}

// leaveConversation is idempotent: leaving a conversation the client
// never joined acknowledges without touching any subscription.
func (c *Client) leaveConversation(conversationId string) {
	r := c.getRoom(conversationId)
	if r == nil {
		c.queueEvent(newEvent(EventLeftConversation, ConversationRef{ConversationId: conversationId}))
		return
	}

	select {
	case r.leaveChan <- c:
	default:
		c.log.Printf("leaveChan full for conversation %q", r.externalId)
		c.queueEvent(errServiceUnavailable())
	}
}

// relayTyping forwards a typing signal to the room's other
// subscribers. Typing is best effort: not subscribed means dropped.
func (c *Client) relayTyping(conversationId string, start bool) {
	r := c.getRoom(conversationId)
	if r == nil {
		return
	}

	select {
	case r.typingChan <- &typingReq{client: c, start: start}:
	default:
		c.log.Printf("typingChan full for conversation %q", r.externalId)
	}
}

func (c *Client) queueEvent(evt *ServerEvent) bool {
	select {
	case c.send <- evt:
	default:
		c.log.Printf("failed to queue event for connection %s, channel is full", c.id)
		return false
	}

	return true
}

func serializeEvent(evt *ServerEvent) ([]byte, error) {
	return json.Marshal(evt)
}

func (c *Client) writeMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// stale reports whether the transport has missed its pong window long
// enough that the connection should be presumed dead.
func (c *Client) stale() bool {
	return time.Since(time.Unix(0, c.lastPong.Load())) > staleAfter
}

func (c *Client) cleanup() {
	c.gw.deregisterChan <- c
	c.leaveAllRooms()
	c.stopClient()
}

func (c *Client) leaveAllRooms() {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	for _, room := range c.rooms {
		select {
		case room.leaveChan <- c:
		default:
			c.log.Printf("leaveChan full for conversation %q during cleanup", room.externalId)
		}
	}
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	c.rooms[r.externalId] = r
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	if room, ok := c.rooms[id]; ok {
		return room
	}

	return nil
}
