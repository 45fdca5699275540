package gateway

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mercatoapp/mercato-server/internal/database"
	"github.com/mercatoapp/mercato-server/internal/notify"
	"github.com/mercatoapp/mercato-server/internal/stats"
	"github.com/mercatoapp/mercato-server/internal/testutil"
	"github.com/mercatoapp/mercato-server/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// newTestGateway creates a Gateway instance for testing purposes
func newTestGateway(t *testing.T, db database.MercatoRepository, su *stats.MockStatsUpdater, notifier notify.Notifier) *Gateway {
	t.Helper()

	su.On("RegisterMetric", mock.Anything).Times(5)

	logger := testutil.TestLogger(t)
	auth := NewSessionAuthenticator(db, []byte("test-signing-key"), time.Second)
	gw, err := NewGateway(logger, db, su, notifier, auth)
	if err != nil {
		t.Fatalf("failed to create test gateway: %v", err)
	}
	return gw
}

func newTestClient(gw *Gateway, user types.User) *Client {
	c := &Client{
		id:    uuid.NewString(),
		gw:    gw,
		log:   gw.log,
		user:  user,
		send:  make(chan *ServerEvent, 16),
		rooms: make(map[string]*Room),
		stop:  make(chan struct{}),
	}
	c.lastPong.Store(time.Now().UnixNano())

	return c
}

func readEvent(t *testing.T, c *Client) *ServerEvent {
	t.Helper()

	select {
	case evt := <-c.send:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNoEvent(t *testing.T, c *Client) {
	t.Helper()

	select {
	case evt := <-c.send:
		t.Fatalf("expected no event, got %q", evt.Name)
	default:
	}
}

func TestNewGateway(t *testing.T) {
	db := &database.MockMercatoRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)

	gw := newTestGateway(t, db, su, &notify.MockNotifier{})
	assert.NotNil(t, gw, "expected gateway to be non-nil")
	assert.Equal(t, db, gw.db, "expected repository to be set")
	assert.NotNil(t, gw.presence, "expected presence registry to be initialized")
	assert.NotNil(t, gw.calls, "expected call broker to be initialized")
	assert.NotNil(t, gw.rooms, "expected rooms map to be initialized")
	assert.NotNil(t, gw.relayChan, "expected relayChan to be initialized")
	assert.NotNil(t, gw.registerChan, "expected registerChan to be initialized")
	assert.NotNil(t, gw.deregisterChan, "expected deregisterChan to be initialized")
	assert.NotNil(t, gw.sendUserChan, "expected sendUserChan to be initialized")
	assert.NotNil(t, gw.unloadRoomChan, "expected unloadRoomChan to be initialized")
}

func TestGatewayShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		gw := newTestGateway(t, &database.MockMercatoRepository{}, su, &notify.MockNotifier{})
		go gw.Run()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		err := gw.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		gw := newTestGateway(t, &database.MockMercatoRepository{}, su, &notify.MockNotifier{})
		// Run loop never started, so the stop request is never served

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		err := gw.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected context deadline exceeded error")
	})
}

func TestGateway_handleConnect(t *testing.T) {
	t.Run("first connection broadcasts online to contacts", func(t *testing.T) {
		db := &database.MockMercatoRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		gw := newTestGateway(t, db, su, &notify.MockNotifier{})

		contact := newTestClient(gw, types.User{Id: 2, Username: "contact"})
		gw.presence.Register(contact)

		stranger := newTestClient(gw, types.User{Id: 3, Username: "stranger"})
		gw.presence.Register(stranger)

		c := newTestClient(gw, types.User{Id: 1, Username: "testuser"})

		db.On("GetContactIds", 1).Return([]int{2}, nil).Once()
		su.On("Incr", stats.NumActiveClients).Once()
		su.On("Incr", stats.NumOnlineUsers).Once()

		gw.handleConnect(c)

		assert.True(t, gw.presence.IsOnline(1), "expected user to be online after connect")

		evt := readEvent(t, c)
		assert.Equal(t, EventOnlineUsers, evt.Name, "expected online_users event for new connection")
		online, ok := evt.Data.([]OnlineUser)
		assert.True(t, ok, "expected online users payload")
		ids := make([]int, 0, len(online))
		for _, u := range online {
			ids = append(ids, u.UserId)
		}
		assert.ElementsMatch(t, []int{1, 2}, ids, "expected self and the contact, not the stranger")

		evt = readEvent(t, contact)
		assert.Equal(t, EventUserStatusChange, evt.Name, "expected status change for contact")
		change, ok := evt.Data.(UserStatusChange)
		assert.True(t, ok, "expected status change payload")
		assert.Equal(t, 1, change.UserId, "expected status change for connecting user")
		assert.Equal(t, "online", change.Status, "expected online status")

		assertNoEvent(t, stranger)
	})

	t.Run("second device does not rebroadcast", func(t *testing.T) {
		db := &database.MockMercatoRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		gw := newTestGateway(t, db, su, &notify.MockNotifier{})

		device1 := newTestClient(gw, types.User{Id: 1, Username: "testuser"})
		gw.presence.Register(device1)

		device2 := newTestClient(gw, types.User{Id: 1, Username: "testuser"})

		db.On("GetContactIds", 1).Return([]int{}, nil).Once()
		su.On("Incr", stats.NumActiveClients).Once()

		gw.handleConnect(device2)

		evt := readEvent(t, device2)
		assert.Equal(t, EventOnlineUsers, evt.Name, "expected online_users event")
		assertNoEvent(t, device1)
	})
}

func TestGateway_handleDisconnect(t *testing.T) {
	t.Run("last device broadcasts offline once", func(t *testing.T) {
		db := &database.MockMercatoRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		gw := newTestGateway(t, db, su, &notify.MockNotifier{})

		contact := newTestClient(gw, types.User{Id: 2, Username: "contact"})
		gw.presence.Register(contact)

		device1 := newTestClient(gw, types.User{Id: 1, Username: "testuser"})
		device2 := newTestClient(gw, types.User{Id: 1, Username: "testuser"})
		gw.presence.Register(device1)
		gw.presence.Register(device2)

		su.On("Decr", stats.NumActiveClients).Twice()
		su.On("Decr", stats.NumOnlineUsers).Once()
		db.On("GetContactIds", 1).Return([]int{2}, nil).Once()

		gw.handleDisconnect(device1)
		assert.True(t, gw.presence.IsOnline(1), "expected user to remain online with one device left")
		assertNoEvent(t, contact)

		gw.handleDisconnect(device2)
		assert.False(t, gw.presence.IsOnline(1), "expected user to be offline after last device disconnects")

		evt := readEvent(t, contact)
		assert.Equal(t, EventUserStatusChange, evt.Name, "expected status change for contact")
		change, ok := evt.Data.(UserStatusChange)
		assert.True(t, ok, "expected status change payload")
		assert.Equal(t, "offline", change.Status, "expected offline status")
		assertNoEvent(t, contact)
	})

	t.Run("deregister of unknown client is a no-op", func(t *testing.T) {
		db := &database.MockMercatoRepository{}
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		gw := newTestGateway(t, db, su, &notify.MockNotifier{})

		su.On("Decr", stats.NumActiveClients).Once()

		c := newTestClient(gw, types.User{Id: 1, Username: "testuser"})
		gw.handleDisconnect(c)
		assert.False(t, gw.presence.IsOnline(1), "expected user to remain offline")
	})
}

func TestGateway_routeToRoom(t *testing.T) {
	t.Run("loads room on first join", func(t *testing.T) {
		db := &database.MockMercatoRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		gw := newTestGateway(t, db, su, &notify.MockNotifier{})
		c := newTestClient(gw, types.User{Id: 1, Username: "testuser"})

		db.On("GetConversationByExternalId", "conv1").Return(database.Conversation{Id: 10, ExternalId: "conv1"}, nil).Once()
		db.On("IsConversationMember", 1, 10).Return(true).Once()
		su.On("Incr", stats.NumActiveRooms).Once()

		gw.routeToRoom(&relayReq{client: c, conversationId: "conv1", join: true})

		room, ok := gw.rooms["conv1"]
		assert.True(t, ok, "expected room to be loaded")
		assert.Equal(t, 10, room.id, "expected room id from conversation")

		evt := readEvent(t, c)
		assert.Equal(t, EventJoinedConversation, evt.Name, "expected joined_conversation ack")
	})

	t.Run("unknown conversation", func(t *testing.T) {
		db := &database.MockMercatoRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}

		gw := newTestGateway(t, db, su, &notify.MockNotifier{})
		c := newTestClient(gw, types.User{Id: 1, Username: "testuser"})

		db.On("GetConversationByExternalId", "missing").Return(database.Conversation{}, sql.ErrNoRows).Once()

		gw.routeToRoom(&relayReq{client: c, conversationId: "missing", join: true})

		assert.Empty(t, gw.rooms, "expected no room to be loaded")
		evt := readEvent(t, c)
		assert.Equal(t, EventError, evt.Name, "expected error event for unknown conversation")
	})
}

func TestGateway_SendToUser(t *testing.T) {
	db := &database.MockMercatoRepository{}
	su := &stats.MockStatsUpdater{}
	gw := newTestGateway(t, db, su, &notify.MockNotifier{})
	go gw.Run()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		gw.Shutdown(ctx)
	}()

	device1 := newTestClient(gw, types.User{Id: 1, Username: "testuser"})
	device2 := newTestClient(gw, types.User{Id: 1, Username: "testuser"})
	gw.presence.Register(device1)
	gw.presence.Register(device2)

	gw.SendToUser(1, newEvent(EventCallEnded, CallRef{CallId: "call1"}))

	for _, device := range []*Client{device1, device2} {
		evt := readEvent(t, device)
		assert.Equal(t, EventCallEnded, evt.Name, "expected event on every device of the user")
	}

	// sending to a user with no connections is a no-op
	gw.SendToUser(42, newEvent(EventCallEnded, CallRef{CallId: "call1"}))
}

func TestGateway_sweepStaleClients(t *testing.T) {
	db := &database.MockMercatoRepository{}
	su := &stats.MockStatsUpdater{}
	gw := newTestGateway(t, db, su, &notify.MockNotifier{})

	fresh := newTestClient(gw, types.User{Id: 1, Username: "fresh"})
	stale := newTestClient(gw, types.User{Id: 2, Username: "stale"})
	stale.lastPong.Store(time.Now().Add(-3 * pongWait).UnixNano())

	gw.presence.Register(fresh)
	gw.presence.Register(stale)

	gw.sweepStaleClients()

	select {
	case <-stale.stop:
		// pruned as expected
	default:
		t.Error("expected stale client to be stopped")
	}

	select {
	case <-fresh.stop:
		t.Error("expected fresh client to keep running")
	default:
	}
}
