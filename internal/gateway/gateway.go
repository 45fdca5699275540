package gateway

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mercatoapp/mercato-server/internal/database"
	"github.com/mercatoapp/mercato-server/internal/notify"
	"github.com/mercatoapp/mercato-server/internal/stats"
)

const sweepInterval = 30 * time.Second

type relayReq struct {
	client         *Client
	conversationId string
	join           bool
	send           *SendMessage
}

type userEvent struct {
	userId int
	evt    *ServerEvent
}

type stopReq struct {
	done chan struct{}
}

// Gateway is the hub: it owns the presence registry and the loaded
// conversation rooms, and its run loop serializes connection lifecycle,
// room loading and personal-room delivery.
type Gateway struct {
	log            *log.Logger
	db             database.MercatoRepository
	stats          stats.StatsProvider
	notifier       notify.Notifier
	auth           *SessionAuthenticator
	presence       *PresenceRegistry
	calls          *CallBroker
	rooms          map[string]*Room
	relayChan      chan *relayReq
	registerChan   chan *Client
	deregisterChan chan *Client
	sendUserChan   chan *userEvent
	unloadRoomChan chan string
	stop           chan stopReq
}

func NewGateway(logger *log.Logger, db database.MercatoRepository, su stats.StatsProvider,
	notifier notify.Notifier, auth *SessionAuthenticator) (*Gateway, error) {
	gw := &Gateway{
		log:            logger,
		db:             db,
		stats:          su,
		notifier:       notifier,
		auth:           auth,
		presence:       NewPresenceRegistry(),
		rooms:          make(map[string]*Room),
		relayChan:      make(chan *relayReq, 256),
		registerChan:   make(chan *Client),
		deregisterChan: make(chan *Client),
		sendUserChan:   make(chan *userEvent, 256),
		unloadRoomChan: make(chan string, 16),
		stop:           make(chan stopReq),
	}
	gw.calls = newCallBroker(gw)

	for _, metric := range []string{
		stats.NumActiveClients,
		stats.NumActiveRooms,
		stats.NumOnlineUsers,
		stats.NumActiveCalls,
		stats.MessagesSent,
	} {
		su.RegisterMetric(metric)
	}

	return gw, nil
}

// HandleConnection authenticates a freshly upgraded socket and, on
// success, registers it and starts its pumps. On failure the socket is
// closed after a single error event; no partially-authenticated state
// ever reaches the rest of the gateway.
func (gw *Gateway) HandleConnection(ctx context.Context, conn *websocket.Conn, token string) {
	user, err := gw.auth.Authenticate(ctx, token)
	if err != nil {
		gw.log.Printf("rejecting connection: %v", err)
		gw.rejectConnection(conn, err)
		return
	}

	client := NewClient(user, conn, gw, gw.log)
	gw.registerChan <- client

	go client.Write()
	go client.Read()
}

func (gw *Gateway) rejectConnection(conn *websocket.Conn, authErr error) {
	msg := "authentication failed"
	switch {
	case errors.Is(authErr, ErrMissingToken):
		msg = "missing auth token"
	case errors.Is(authErr, ErrExpiredToken):
		msg = "auth token expired"
	case errors.Is(authErr, ErrInvalidToken):
		msg = "invalid auth token"
	case errors.Is(authErr, ErrLookupTimeout):
		msg = "authentication timed out"
	case errors.Is(authErr, ErrAccountNotFound):
		msg = "account not found"
	}

	if payload, err := serializeEvent(errEvent(msg)); err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.TextMessage, payload)
	}
	conn.Close()
}

func (gw *Gateway) Run() {
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case c := <-gw.registerChan:
			gw.handleConnect(c)
		case c := <-gw.deregisterChan:
			gw.handleDisconnect(c)
		case req := <-gw.relayChan:
			gw.routeToRoom(req)
		case ue := <-gw.sendUserChan:
			for _, c := range gw.presence.ClientsFor(ue.userId) {
				c.queueEvent(ue.evt)
			}
		case id := <-gw.unloadRoomChan:
			gw.unloadRoom(id)
		case <-sweep.C:
			gw.sweepStaleClients()
		case req := <-gw.stop:
			gw.log.Println("shutting down rooms")
			for _, r := range gw.rooms {
				close(r.exit)
				<-r.done
			}
			gw.rooms = make(map[string]*Room)

			for _, c := range gw.presence.Clients() {
				c.stopClient()
			}

			close(req.done)
			return
		}
	}
}

func (gw *Gateway) handleConnect(c *Client) {
	gw.log.Printf("adding connection %s for user %q", c.id, c.user.Username)

	wentOnline := gw.presence.Register(c)
	gw.stats.Incr(stats.NumActiveClients)

	contactIds, err := gw.db.GetContactIds(c.user.Id)
	if err != nil {
		gw.log.Println("error fetching contacts:", err)
	}

	contacts := make(map[int]struct{}, len(contactIds))
	for _, id := range contactIds {
		contacts[id] = struct{}{}
	}

	// Presence is scoped to the contact graph: the snapshot only
	// includes users sharing a conversation with the new connection.
	online := make([]OnlineUser, 0)
	for _, u := range gw.presence.OnlineUsers() {
		if _, ok := contacts[u.Id]; ok || u.Id == c.user.Id {
			online = append(online, OnlineUser{UserId: u.Id, Username: u.Username})
		}
	}
	c.queueEvent(newEvent(EventOnlineUsers, online))

	if wentOnline {
		gw.stats.Incr(stats.NumOnlineUsers)
		gw.broadcastStatusChange(c.user.Id, "online", contactIds)
	}
}

func (gw *Gateway) handleDisconnect(c *Client) {
	gw.log.Printf("removing connection %s for user %q", c.id, c.user.Username)

	wentOffline := gw.presence.Deregister(c)
	gw.stats.Decr(stats.NumActiveClients)

	if wentOffline {
		gw.stats.Decr(stats.NumOnlineUsers)

		contactIds, err := gw.db.GetContactIds(c.user.Id)
		if err != nil {
			gw.log.Println("error fetching contacts:", err)
			return
		}
		gw.broadcastStatusChange(c.user.Id, "offline", contactIds)
	}
}

func (gw *Gateway) broadcastStatusChange(userId int, status string, contactIds []int) {
	evt := newEvent(EventUserStatusChange, UserStatusChange{UserId: userId, Status: status})
	for _, id := range contactIds {
		for _, c := range gw.presence.ClientsFor(id) {
			c.queueEvent(evt)
		}
	}
}

// routeToRoom forwards a join or send to the conversation's room
// actor, loading the room from the database on first use.
func (gw *Gateway) routeToRoom(req *relayReq) {
	room, ok := gw.rooms[req.conversationId]
	if !ok {
		conv, err := gw.db.GetConversationByExternalId(req.conversationId)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				req.client.queueEvent(errConversationNotFound())
			} else {
				gw.log.Println("error loading conversation:", err)
				req.client.queueEvent(errInternal())
			}
			return
		}

		room = newRoom(gw, conv.Id, conv.ExternalId)
		gw.rooms[room.externalId] = room
		gw.stats.Incr(stats.NumActiveRooms)

		go room.start()
	}

	switch {
	case req.join:
		select {
		case room.joinChan <- req.client:
		default:
			gw.log.Printf("joinChan full for conversation %q", room.externalId)
			req.client.queueEvent(errServiceUnavailable())
		}
	case req.send != nil:
		select {
		case room.sendChan <- &sendReq{client: req.client, payload: req.send}:
		default:
			gw.log.Printf("sendChan full for conversation %q", room.externalId)
			req.client.queueEvent(errServiceUnavailable())
		}
	}
}

func (gw *Gateway) unloadRoom(id string) {
	r, ok := gw.rooms[id]
	if !ok {
		return
	}

	// a join may have raced the idle timeout; leave a busy room alone
	if !r.idle() {
		return
	}

	gw.log.Printf("unloading room for conversation %q", id)
	delete(gw.rooms, id)
	close(r.exit)
	<-r.done
	gw.stats.Decr(stats.NumActiveRooms)
}

// sweepStaleClients prunes connections whose transport stopped
// answering pings but never cleanly deregistered.
func (gw *Gateway) sweepStaleClients() {
	for _, c := range gw.presence.Clients() {
		if c.stale() {
			gw.log.Printf("pruning stale connection %s for user %q", c.id, c.user.Username)
			c.stopClient()
		}
	}
}

func (gw *Gateway) queueRelay(req *relayReq) {
	select {
	case gw.relayChan <- req:
	default:
		gw.log.Println("relay channel full")
		req.client.queueEvent(errServiceUnavailable())
	}
}

// SendToUser delivers an event to every live connection of a user (the
// user's personal room). Unknown or offline users are a no-op.
func (gw *Gateway) SendToUser(userId int, evt *ServerEvent) {
	select {
	case gw.sendUserChan <- &userEvent{userId: userId, evt: evt}:
	default:
		gw.log.Printf("dropping event %q for user %d, send channel full", evt.Name, userId)
	}
}

func (gw *Gateway) Shutdown(ctx context.Context) error {
	req := stopReq{done: make(chan struct{})}

	select {
	case gw.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
