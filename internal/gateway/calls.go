package gateway

import (
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/mercatoapp/mercato-server/internal/database"
	"github.com/mercatoapp/mercato-server/internal/stats"
	"github.com/mercatoapp/mercato-server/internal/types"
)

// CallBroker drives the per-call state machine (ringing -> active ->
// ended/rejected) and forwards signaling payloads point-to-point
// between the two participants' personal rooms.
type CallBroker struct {
	db  database.MercatoRepository
	gw  *Gateway
	log *log.Logger
}

func newCallBroker(gw *Gateway) *CallBroker {
	return &CallBroker{
		db:  gw.db,
		gw:  gw,
		log: gw.log,
	}
}

// HandleOffer creates a ringing call record and delivers the offer to
// the callee. An offline callee is not an error: the record persists
// for caller-side timeout handling.
func (cb *CallBroker) HandleOffer(c *Client, p *CallOffer) {
	if p.TargetUserId <= 0 {
		c.queueEvent(errEvent("invalid call target"))
		return
	}
	if !p.CallType.Valid() {
		c.queueEvent(errInvalidCallType())
		return
	}

	call, err := cb.db.CreateCall(database.CreateCallParams{
		ExternalId: uuid.NewString(),
		CallerId:   c.user.Id,
		CalleeId:   p.TargetUserId,
		Type:       string(p.CallType),
		Status:     string(types.CallStatusRinging),
	})
	if err != nil {
		cb.log.Println("error creating call:", err)
		c.queueEvent(errInternal())
		return
	}

	cb.gw.stats.Incr(stats.NumActiveCalls)

	c.queueEvent(newEvent(EventCallCreated, CallRef{CallId: call.ExternalId}))

	cb.gw.SendToUser(p.TargetUserId, newEvent(EventIncomingCall, IncomingCall{
		CallId:         call.ExternalId,
		CallerId:       c.user.Id,
		CallerUsername: c.user.Username,
		Offer:          p.Offer,
		CallType:       p.CallType,
	}))

	if !cb.gw.presence.IsOnline(p.TargetUserId) {
		go cb.notifyMissedCall(p.TargetUserId, call)
	}
}

func (cb *CallBroker) HandleAnswer(c *Client, p *CallAnswer) {
	call, ok := cb.getCall(c, p.CallId)
	if !ok {
		return
	}

	if c.user.Id != call.CalleeId {
		c.queueEvent(errEvent("only the callee may answer"))
		return
	}

	if !cb.updateStatus(c, call, types.CallStatusActive) {
		return
	}

	cb.gw.SendToUser(call.CallerId, newEvent(EventCallAnswered, CallAnswered{
		CallId: call.ExternalId,
		Answer: p.Answer,
	}))
}

func (cb *CallBroker) HandleReject(c *Client, p *CallRef) {
	call, ok := cb.getCall(c, p.CallId)
	if !ok {
		return
	}

	if c.user.Id != call.CalleeId {
		c.queueEvent(errEvent("only the callee may reject"))
		return
	}

	if !cb.updateStatus(c, call, types.CallStatusRejected) {
		return
	}

	cb.gw.stats.Decr(stats.NumActiveCalls)
	cb.gw.SendToUser(call.CallerId, newEvent(EventCallRejected, CallRef{CallId: call.ExternalId}))
}

func (cb *CallBroker) HandleEnd(c *Client, p *CallRef) {
	call, ok := cb.getCall(c, p.CallId)
	if !ok {
		return
	}

	if c.user.Id != call.CallerId && c.user.Id != call.CalleeId {
		c.queueEvent(errEvent("not a call participant"))
		return
	}

	if !cb.updateStatus(c, call, types.CallStatusEnded) {
		return
	}

	cb.gw.stats.Decr(stats.NumActiveCalls)
	ended := newEvent(EventCallEnded, CallRef{CallId: call.ExternalId})
	cb.gw.SendToUser(call.CallerId, ended)
	cb.gw.SendToUser(call.CalleeId, ended)
}

// HandleIceCandidate is a pure relay: no persistence, no state machine.
func (cb *CallBroker) HandleIceCandidate(c *Client, p *IceCandidate) {
	if p.TargetUserId <= 0 {
		c.queueEvent(errEvent("invalid call target"))
		return
	}

	cb.gw.SendToUser(p.TargetUserId, newEvent(EventIceCandidate, IceCandidateOut{
		FromUserId: c.user.Id,
		Candidate:  p.Candidate,
	}))
}

func (cb *CallBroker) getCall(c *Client, callId string) (database.Call, bool) {
	call, err := cb.db.GetCallByExternalId(callId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			cb.log.Printf("signaling for unknown call %q from user %d", callId, c.user.Id)
			c.queueEvent(errCallNotFound())
		} else {
			cb.log.Println("error fetching call:", err)
			c.queueEvent(errInternal())
		}
		return database.Call{}, false
	}

	return call, true
}

// updateStatus applies a guarded state-machine transition. Invalid
// transitions, including any transition out of a terminal state, are
// ignored.
func (cb *CallBroker) updateStatus(c *Client, call database.Call, next types.CallStatus) bool {
	current := types.CallStatus(call.Status)
	if !current.CanTransition(next) {
		cb.log.Printf("ignoring %s -> %s transition for call %q", current, next, call.ExternalId)
		return false
	}

	var endedAt sql.NullTime
	if next.Terminal() {
		endedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}

	if err := cb.db.UpdateCallStatus(call.Id, string(next), endedAt); err != nil {
		cb.log.Println("error updating call status:", err)
		c.queueEvent(errInternal())
		return false
	}

	return true
}

func (cb *CallBroker) notifyMissedCall(calleeId int, call database.Call) {
	callee, err := cb.db.GetAccountById(calleeId)
	if err != nil {
		cb.log.Println("error fetching callee for missed-call notification:", err)
		return
	}

	user := types.User{Id: callee.Id, Username: callee.Username, PhotoUrl: callee.PhotoUrl}
	missed := types.Call{
		ExternalId: call.ExternalId,
		CallerId:   call.CallerId,
		CalleeId:   call.CalleeId,
		Type:       types.CallType(call.Type),
		Status:     types.CallStatus(call.Status),
		StartedAt:  call.StartedAt,
	}

	if err := cb.gw.notifier.NotifyMissedCall(user, missed); err != nil {
		cb.log.Printf("error notifying user %q of missed call: %v", callee.Username, err)
	}
}
