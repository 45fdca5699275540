package notify

import (
	"log"

	"github.com/mercatoapp/mercato-server/internal/types"
)

// Notifier delivers best-effort push notifications to members who have
// no live connection. Callers fire and forget; a failed dispatch must
// never fail the operation that triggered it.
type Notifier interface {
	NotifyNewMessage(user types.User, msg types.Message) error
	NotifyMissedCall(user types.User, call types.Call) error
}

// LogNotifier is the default Notifier. A real deployment swaps in a
// push/email/SMS gateway behind the same interface.
type LogNotifier struct {
	log *log.Logger
}

func NewLogNotifier(logger *log.Logger) *LogNotifier {
	return &LogNotifier{log: logger}
}

func (n *LogNotifier) NotifyNewMessage(user types.User, msg types.Message) error {
	n.log.Printf("notify: new message in conversation %q for offline user %q", msg.ConversationId, user.Username)
	return nil
}

func (n *LogNotifier) NotifyMissedCall(user types.User, call types.Call) error {
	n.log.Printf("notify: missed %s call %q for offline user %q", call.Type, call.ExternalId, user.Username)
	return nil
}
