package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/mercatoapp/mercato-server/internal/database"
	"github.com/mercatoapp/mercato-server/internal/gateway"
	"github.com/mercatoapp/mercato-server/internal/types"
	"github.com/teris-io/shortid"
)

type CreateConversationRequest struct {
	ParticipantIds []int  `json:"participant_ids"`
	ListingTitle   string `json:"listing_title"`
}

func (s *MercatoApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *MercatoApp) createConversation(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	memberIds := []int{userId}
	for _, id := range req.ParticipantIds {
		if id > 0 && !slices.Contains(memberIds, id) {
			memberIds = append(memberIds, id)
		}
	}

	if len(memberIds) < 2 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sid, err := shortid.Generate()
	if err != nil {
		s.log.Println("shortid generate:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	conv, err := s.db.CreateConversation(database.CreateConversationParams{
		ExternalId:   sid,
		ListingTitle: req.ListingTitle,
		MemberIds:    memberIds,
	})
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, types.Conversation{
		Id:            conv.Id,
		ExternalId:    conv.ExternalId,
		ListingTitle:  conv.ListingTitle,
		LastMessageAt: conv.LastMessageAt,
		CreatedAt:     conv.CreatedAt,
		UpdatedAt:     conv.UpdatedAt,
	})
}

func (s *MercatoApp) listConversations(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbConvs, err := s.db.ListConversations(userId)
	if err != nil {
		s.log.Println("list conversations:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	convs := make([]types.Conversation, 0, len(dbConvs))
	for _, conv := range dbConvs {
		convs = append(convs, types.Conversation{
			Id:            conv.Id,
			ExternalId:    conv.ExternalId,
			ListingTitle:  conv.ListingTitle,
			LastMessageAt: conv.LastMessageAt,
			CreatedAt:     conv.CreatedAt,
			UpdatedAt:     conv.UpdatedAt,
		})
	}

	s.writeJson(w, http.StatusOK, convs)
}

func (s *MercatoApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	externalId := r.URL.Query().Get("conversation_id")
	if externalId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	conv, err := s.db.GetConversationByExternalId(externalId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if !s.db.IsConversationMember(userId, conv.Id) {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var before, limit int
	if beforeStr := r.URL.Query().Get("before"); beforeStr != "" {
		if before, err = strconv.Atoi(beforeStr); err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err = strconv.Atoi(limitStr); err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	dbMessages, err := s.db.GetMessages(conv.Id, before, limit)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	// fetching history marks the other side's messages read
	if err := s.db.MarkMessagesRead(userId, conv.Id); err != nil {
		s.log.Println("mark messages read:", err)
	}

	messages := make([]types.Message, 0, len(dbMessages))
	for _, msg := range dbMessages {
		messages = append(messages, types.Message{
			Id:             msg.Id,
			ConversationId: conv.ExternalId,
			SenderId:       msg.SenderId,
			Type:           types.MessageType(msg.Type),
			Content:        msg.Content.String,
			MediaUrl:       msg.MediaUrl.String,
			Status:         types.MessageStatus(msg.Status),
			Timestamp:      msg.CreatedAt,
		})
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *MercatoApp) listCalls(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbCalls, err := s.db.ListCalls(userId)
	if err != nil {
		s.log.Println("list calls:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	calls := make([]types.Call, 0, len(dbCalls))
	for _, call := range dbCalls {
		c := types.Call{
			ExternalId: call.ExternalId,
			CallerId:   call.CallerId,
			CalleeId:   call.CalleeId,
			Type:       types.CallType(call.Type),
			Status:     types.CallStatus(call.Status),
			StartedAt:  call.StartedAt,
		}
		if call.EndedAt.Valid {
			endedAt := call.EndedAt.Time
			c.EndedAt = &endedAt
		}

		calls = append(calls, c)
	}

	s.writeJson(w, http.StatusOK, calls)
}

// serveWs upgrades the connection and hands it to the gateway, which
// authenticates the presented bearer token before any registration.
func (s *MercatoApp) serveWs(w http.ResponseWriter, r *http.Request) {
	token := gateway.TokenFromRequest(r)

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	s.gw.HandleConnection(r.Context(), conn, token)
}
