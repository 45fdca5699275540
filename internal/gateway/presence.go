package gateway

import (
	"sync"

	"github.com/mercatoapp/mercato-server/internal/types"
)

// PresenceRegistry maps a user id to the set of live connections for
// that user. A user is online iff their set is non-empty; the
// empty/non-empty transition decisions happen inside the lock so they
// fire exactly once per transition.
type PresenceRegistry struct {
	mu    sync.Mutex
	users map[int]map[*Client]struct{}
}

func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		users: make(map[int]map[*Client]struct{}),
	}
}

// Register adds c to its user's connection set and reports whether the
// user transitioned from offline to online.
func (pr *PresenceRegistry) Register(c *Client) (wentOnline bool) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	clients, ok := pr.users[c.user.Id]
	if !ok {
		clients = make(map[*Client]struct{})
		pr.users[c.user.Id] = clients
		wentOnline = true
	}
	clients[c] = struct{}{}

	return wentOnline
}

// Deregister removes c from its user's connection set and reports
// whether the user transitioned from online to offline. Removing a
// connection that was never registered is a no-op.
func (pr *PresenceRegistry) Deregister(c *Client) (wentOffline bool) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	clients, ok := pr.users[c.user.Id]
	if !ok {
		return false
	}

	if _, ok := clients[c]; !ok {
		return false
	}

	delete(clients, c)
	if len(clients) == 0 {
		delete(pr.users, c.user.Id)
		return true
	}

	return false
}

func (pr *PresenceRegistry) IsOnline(userId int) bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	return len(pr.users[userId]) > 0
}

// OnlineUsers returns one entry per online user, regardless of how
// many devices that user has connected.
func (pr *PresenceRegistry) OnlineUsers() []types.User {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	users := make([]types.User, 0, len(pr.users))
	for _, clients := range pr.users {
		for c := range clients {
			users = append(users, c.user)
			break
		}
	}

	return users
}

// ClientsFor returns a snapshot of the user's live connections.
func (pr *PresenceRegistry) ClientsFor(userId int) []*Client {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	clients := make([]*Client, 0, len(pr.users[userId]))
	for c := range pr.users[userId] {
		clients = append(clients, c)
	}

	return clients
}

// Clients returns a snapshot of every live connection.
func (pr *PresenceRegistry) Clients() []*Client {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	var clients []*Client
	for _, userClients := range pr.users {
		for c := range userClients {
			clients = append(clients, c)
		}
	}

	return clients
}
