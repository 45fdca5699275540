package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/mercatoapp/mercato-server/internal/database"
	"github.com/mercatoapp/mercato-server/internal/notify"
	"github.com/mercatoapp/mercato-server/internal/stats"
	"github.com/mercatoapp/mercato-server/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// newTestRoom returns a room whose handlers can be driven directly,
// without running the room goroutine.
func newTestRoom(gw *Gateway, id int, externalId string) *Room {
	r := newRoom(gw, id, externalId)
	r.killTimer = time.NewTimer(time.Hour)
	r.killTimer.Stop()

	return r
}

func TestRoom_handleJoin(t *testing.T) {
	t.Run("member is admitted", func(t *testing.T) {
		db := &database.MockMercatoRepository{}
		defer db.AssertExpectations(t)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{}, &notify.MockNotifier{})
		r := newTestRoom(gw, 10, "conv1")
		c := newTestClient(gw, types.User{Id: 1, Username: "testuser"})

		db.On("IsConversationMember", 1, 10).Return(true).Once()

		r.handleJoin(c)

		assert.Contains(t, r.clients, c, "expected client to be subscribed")
		assert.Equal(t, r, c.getRoom("conv1"), "expected client to track the room")

		evt := readEvent(t, c)
		assert.Equal(t, EventJoinedConversation, evt.Name, "expected joined_conversation ack")
		ref, ok := evt.Data.(ConversationRef)
		assert.True(t, ok, "expected conversation ref payload")
		assert.Equal(t, "conv1", ref.ConversationId, "expected conversation id in ack")
	})

	t.Run("non-member is rejected", func(t *testing.T) {
		db := &database.MockMercatoRepository{}
		defer db.AssertExpectations(t)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{}, &notify.MockNotifier{})
		r := newTestRoom(gw, 10, "conv1")
		c := newTestClient(gw, types.User{Id: 2, Username: "intruder"})

		db.On("IsConversationMember", 2, 10).Return(false).Once()

		r.handleJoin(c)

		assert.NotContains(t, r.clients, c, "expected client not to be subscribed")
		assert.Nil(t, c.getRoom("conv1"), "expected client not to track the room")

		evt := readEvent(t, c)
		assert.Equal(t, EventError, evt.Name, "expected error event for rejected join")
	})
}

func TestRoom_handleLeave(t *testing.T) {
	db := &database.MockMercatoRepository{}
	defer db.AssertExpectations(t)

	gw := newTestGateway(t, db, &stats.MockStatsUpdater{}, &notify.MockNotifier{})
	r := newTestRoom(gw, 10, "conv1")
	c := newTestClient(gw, types.User{Id: 1, Username: "testuser"})

	db.On("IsConversationMember", 1, 10).Return(true).Once()
	r.handleJoin(c)
	readEvent(t, c) // joined ack

	r.handleLeave(c)
	assert.NotContains(t, r.clients, c, "expected client to be unsubscribed")
	assert.Nil(t, c.getRoom("conv1"), "expected client to drop the room")

	evt := readEvent(t, c)
	assert.Equal(t, EventLeftConversation, evt.Name, "expected left_conversation ack")

	// leaving again is idempotent and still acknowledged
	r.handleLeave(c)
	evt = readEvent(t, c)
	assert.Equal(t, EventLeftConversation, evt.Name, "expected ack for repeated leave")
}

func TestRoom_handleSend(t *testing.T) {
	t.Run("persists then broadcasts to all subscribers", func(t *testing.T) {
		db := &database.MockMercatoRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		gw := newTestGateway(t, db, su, &notify.MockNotifier{})
		r := newTestRoom(gw, 10, "conv1")

		sender := newTestClient(gw, types.User{Id: 1, Username: "alina"})
		peer := newTestClient(gw, types.User{Id: 2, Username: "bruno"})

		db.On("IsConversationMember", 1, 10).Return(true).Twice() // join + send
		db.On("IsConversationMember", 2, 10).Return(true).Once()
		r.handleJoin(sender)
		r.handleJoin(peer)
		readEvent(t, sender)
		readEvent(t, peer)

		db.On("CreateMessage", mock.AnythingOfType("database.Message")).
			Return(database.Message{Id: 7, ConversationId: 10, SenderId: 1}, nil).Once()
		db.On("TouchConversation", 10, mock.AnythingOfType("time.Time")).Return(nil).Once()
		su.On("Incr", stats.MessagesSent).Once()

		membersFetched := make(chan struct{})
		db.On("GetConversationMembers", 10).Return([]database.User{}, nil).
			Run(func(mock.Arguments) { close(membersFetched) }).Once()

		r.handleSend(&sendReq{client: sender, payload: &SendMessage{
			ConversationId: "conv1",
			Message:        "is the bike still available?",
		}})

		for _, c := range []*Client{sender, peer} {
			evt := readEvent(t, c)
			assert.Equal(t, EventNewMessage, evt.Name, "expected new_message for every subscriber")
			msg, ok := evt.Data.(NewMessage)
			assert.True(t, ok, "expected new message payload")
			assert.Equal(t, 7, msg.Id, "expected persisted message id")
			assert.Equal(t, "conv1", msg.ConversationId, "expected external conversation id on the wire")
			assert.Equal(t, 1, msg.SenderId, "expected sender id")
			assert.Equal(t, "alina", msg.SenderUsername, "expected sender username")
			assert.Equal(t, types.MessageTypeText, msg.Type, "expected default text type")
			assert.Equal(t, types.MessageStatusSent, msg.Status, "expected sent status")
			assert.Equal(t, "is the bike still available?", msg.Content, "expected message content")
		}

		select {
		case <-membersFetched:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for offline-member lookup")
		}
	})

	t.Run("no broadcast when persistence fails", func(t *testing.T) {
		db := &database.MockMercatoRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		gw := newTestGateway(t, db, su, &notify.MockNotifier{})
		r := newTestRoom(gw, 10, "conv1")

		sender := newTestClient(gw, types.User{Id: 1, Username: "alina"})
		peer := newTestClient(gw, types.User{Id: 2, Username: "bruno"})

		db.On("IsConversationMember", 1, 10).Return(true).Twice()
		db.On("IsConversationMember", 2, 10).Return(true).Once()
		r.handleJoin(sender)
		r.handleJoin(peer)
		readEvent(t, sender)
		readEvent(t, peer)

		db.On("CreateMessage", mock.AnythingOfType("database.Message")).
			Return(database.Message{}, errors.New("connection refused")).Once()

		r.handleSend(&sendReq{client: sender, payload: &SendMessage{
			ConversationId: "conv1",
			Message:        "hello",
		}})

		evt := readEvent(t, sender)
		assert.Equal(t, EventError, evt.Name, "expected error event for the sender")
		assertNoEvent(t, peer)
	})

	t.Run("non-member cannot send even without joining", func(t *testing.T) {
		db := &database.MockMercatoRepository{}
		defer db.AssertExpectations(t)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{}, &notify.MockNotifier{})
		r := newTestRoom(gw, 10, "conv1")
		c := newTestClient(gw, types.User{Id: 3, Username: "intruder"})

		db.On("IsConversationMember", 3, 10).Return(false).Once()

		r.handleSend(&sendReq{client: c, payload: &SendMessage{
			ConversationId: "conv1",
			Message:        "hello",
		}})

		evt := readEvent(t, c)
		assert.Equal(t, EventError, evt.Name, "expected error event for non-member send")
	})

	t.Run("rejects empty message", func(t *testing.T) {
		db := &database.MockMercatoRepository{}
		defer db.AssertExpectations(t)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{}, &notify.MockNotifier{})
		r := newTestRoom(gw, 10, "conv1")
		c := newTestClient(gw, types.User{Id: 1, Username: "alina"})

		r.handleSend(&sendReq{client: c, payload: &SendMessage{
			ConversationId: "conv1",
			Message:        "   \t\n  ",
		}})

		evt := readEvent(t, c)
		assert.Equal(t, EventError, evt.Name, "expected error event for whitespace-only message")
		payload, ok := evt.Data.(ErrorPayload)
		assert.True(t, ok, "expected error payload")
		assert.Equal(t, "message cannot be empty", payload.Message, "expected empty-message error")
	})

	t.Run("media message needs no text content", func(t *testing.T) {
		db := &database.MockMercatoRepository{}
		defer db.AssertExpectations(t)
		su := &stats.MockStatsUpdater{}

		gw := newTestGateway(t, db, su, &notify.MockNotifier{})
		r := newTestRoom(gw, 10, "conv1")
		c := newTestClient(gw, types.User{Id: 1, Username: "alina"})

		db.On("IsConversationMember", 1, 10).Return(true).Twice()
		r.handleJoin(c)
		readEvent(t, c)

		db.On("CreateMessage", mock.AnythingOfType("database.Message")).
			Return(database.Message{Id: 8, ConversationId: 10, SenderId: 1}, nil).Once()
		db.On("TouchConversation", 10, mock.AnythingOfType("time.Time")).Return(nil).Once()
		db.On("GetConversationMembers", 10).Return([]database.User{}, nil).Maybe()
		su.On("Incr", stats.MessagesSent).Once()

		r.handleSend(&sendReq{client: c, payload: &SendMessage{
			ConversationId: "conv1",
			MessageType:    types.MessageTypeImage,
			MediaUrl:       "https://cdn.example.com/photos/bike.jpg",
		}})

		evt := readEvent(t, c)
		assert.Equal(t, EventNewMessage, evt.Name, "expected media message to broadcast")
		msg, ok := evt.Data.(NewMessage)
		assert.True(t, ok, "expected new message payload")
		assert.Equal(t, types.MessageTypeImage, msg.Type, "expected image type")
		assert.Equal(t, "https://cdn.example.com/photos/bike.jpg", msg.MediaUrl, "expected media url")
	})

	t.Run("rejects unknown message type", func(t *testing.T) {
		db := &database.MockMercatoRepository{}
		defer db.AssertExpectations(t)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{}, &notify.MockNotifier{})
		r := newTestRoom(gw, 10, "conv1")
		c := newTestClient(gw, types.User{Id: 1, Username: "alina"})

		r.handleSend(&sendReq{client: c, payload: &SendMessage{
			ConversationId: "conv1",
			Message:        "hello",
			MessageType:    types.MessageType("carrier-pigeon"),
		}})

		evt := readEvent(t, c)
		assert.Equal(t, EventError, evt.Name, "expected error event for unknown message type")
	})
}

func TestRoom_notifyOfflineMembers(t *testing.T) {
	db := &database.MockMercatoRepository{}
	defer db.AssertExpectations(t)
	notifier := &notify.MockNotifier{}
	defer notifier.AssertExpectations(t)

	gw := newTestGateway(t, db, &stats.MockStatsUpdater{}, notifier)
	r := newTestRoom(gw, 10, "conv1")

	// sender (1) and one online member (2) must not be notified
	online := newTestClient(gw, types.User{Id: 2, Username: "bruno"})
	gw.presence.Register(online)

	db.On("GetConversationMembers", 10).Return([]database.User{
		{Id: 1, Username: "alina"},
		{Id: 2, Username: "bruno"},
		{Id: 3, Username: "carla"},
	}, nil).Once()

	msg := types.Message{Id: 7, ConversationId: "conv1", SenderId: 1, Content: "hi"}
	notifier.On("NotifyNewMessage", types.User{Id: 3, Username: "carla"}, msg).Return(nil).Once()

	r.notifyOfflineMembers(msg)
}

func TestRoom_handleTyping(t *testing.T) {
	db := &database.MockMercatoRepository{}
	defer db.AssertExpectations(t)

	gw := newTestGateway(t, db, &stats.MockStatsUpdater{}, &notify.MockNotifier{})
	r := newTestRoom(gw, 10, "conv1")

	sender := newTestClient(gw, types.User{Id: 1, Username: "alina"})
	peer := newTestClient(gw, types.User{Id: 2, Username: "bruno"})

	db.On("IsConversationMember", 1, 10).Return(true).Once()
	db.On("IsConversationMember", 2, 10).Return(true).Once()
	r.handleJoin(sender)
	r.handleJoin(peer)
	readEvent(t, sender)
	readEvent(t, peer)

	r.handleTyping(&typingReq{client: sender, start: true})

	evt := readEvent(t, peer)
	assert.Equal(t, EventUserTyping, evt.Name, "expected typing event for peer")
	typing, ok := evt.Data.(UserTyping)
	assert.True(t, ok, "expected typing payload")
	assert.Equal(t, 1, typing.UserId, "expected typing user id")
	assert.Equal(t, "conv1", typing.ConversationId, "expected conversation id")

	assertNoEvent(t, sender)

	r.handleTyping(&typingReq{client: sender, start: false})
	evt = readEvent(t, peer)
	assert.Equal(t, EventUserStoppedTyping, evt.Name, "expected stopped-typing event for peer")
}

func TestRoom_idle(t *testing.T) {
	db := &database.MockMercatoRepository{}
	defer db.AssertExpectations(t)

	gw := newTestGateway(t, db, &stats.MockStatsUpdater{}, &notify.MockNotifier{})
	r := newTestRoom(gw, 10, "conv1")

	assert.True(t, r.idle(), "expected empty room to be idle")

	c := newTestClient(gw, types.User{Id: 1, Username: "alina"})
	db.On("IsConversationMember", 1, 10).Return(true).Once()
	r.handleJoin(c)
	assert.False(t, r.idle(), "expected room with a subscriber not to be idle")

	r.handleLeave(c)
	assert.True(t, r.idle(), "expected room to be idle again after leave")
}
