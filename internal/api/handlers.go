package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-collab/internal/database"
	"github.com/npezzotti/go-collab/internal/server"
	"github.com/npezzotti/go-collab/internal/types"
	"go.uber.org/zap"
)

const defaultContextRadius = 10

type CreateRoomRequest struct {
	Title        string   `json:"title"`
	Participants []string `json:"participants"`
}

type AddParticipantRequest struct {
	Username string `json:"username"`
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (s *App) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("json encode", zap.Error(err))
	}
}

func (s *App) writeError(w http.ResponseWriter, err error) {
	errResp := errorFrom(err)
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *App) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Error("health check", zap.Error(err))
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// queryInt parses an optional integer query parameter. Missing values
// yield zero.
func queryInt(r *http.Request, key string) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

// room resolves the {id} path value to a room the caller participates in.
func (s *App) room(w http.ResponseWriter, r *http.Request) (database.Room, string, bool) {
	username, ok := Username(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return database.Room{}, "", false
	}

	room, err := s.cs.Room(r.Context(), r.PathValue("id"), username)
	if err != nil {
		s.writeError(w, err)
		return database.Room{}, "", false
	}

	return room, username, true
}

func (s *App) createRoom(w http.ResponseWriter, r *http.Request) {
	username, ok := Username(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.cs.CreateRoom(r.Context(), username, req.Title, req.Participants)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, server.WireRoom(room))
}

func (s *App) listRooms(w http.ResponseWriter, r *http.Request) {
	username, ok := Username(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbRooms, err := s.db.ListRoomsForUser(r.Context(), username)
	if err != nil {
		s.writeError(w, err)
		return
	}

	rooms := make([]types.Room, 0, len(dbRooms))
	for _, room := range dbRooms {
		rooms = append(rooms, server.WireRoom(room))
	}

	s.writeJson(w, http.StatusOK, rooms)
}

func (s *App) getRoom(w http.ResponseWriter, r *http.Request) {
	room, _, ok := s.room(w, r)
	if !ok {
		return
	}

	s.writeJson(w, http.StatusOK, server.WireRoom(room))
}

func (s *App) deleteRoom(w http.ResponseWriter, r *http.Request) {
	username, ok := Username(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.cs.DeleteRoom(r.Context(), r.PathValue("id"), username); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *App) addParticipant(w http.ResponseWriter, r *http.Request) {
	username, ok := Username(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req AddParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.cs.AddParticipant(r.Context(), r.PathValue("id"), username, req.Username)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, server.WireRoom(room))
}

func wireMessages(roomId string, msgs []database.Message) []types.Message {
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, server.WireMessage(roomId, m))
	}
	return out
}

func (s *App) getMessages(w http.ResponseWriter, r *http.Request) {
	room, _, ok := s.room(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	offset, err := queryInt(r, "offset")
	if err != nil || offset < 0 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	beforeId, err := queryInt(r, "before_id")
	if err != nil || beforeId < 0 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	page, err := s.db.GetMessages(r.Context(), room.Id, database.MessageQuery{
		Limit:    int(limit),
		Offset:   int(offset),
		BeforeId: beforeId,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, types.MessagePage{
		Messages: wireMessages(room.ExternalId, page.Messages),
		Total:    page.Total,
		HasMore:  page.HasMore,
	})
}

func (s *App) getMessageContext(w http.ResponseWriter, r *http.Request) {
	room, _, ok := s.room(w, r)
	if !ok {
		return
	}

	messageId, err := strconv.ParseInt(r.PathValue("msgId"), 10, 64)
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	radius, err := queryInt(r, "radius")
	if err != nil || radius < 0 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if radius == 0 {
		radius = defaultContextRadius
	}

	msgs, err := s.db.GetMessageContext(r.Context(), room.Id, messageId, int(radius))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, wireMessages(room.ExternalId, msgs))
}

func (s *App) searchMessages(w http.ResponseWriter, r *http.Request) {
	room, _, ok := s.room(w, r)
	if !ok {
		return
	}

	q := strings.TrimSpace(r.URL.Query().Get("q"))
	date := r.URL.Query().Get("date")
	if q == "" && date == "" {
		errResp := NewBadRequestErrorMsg("q or date required")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if date != "" {
		if _, err := time.Parse(time.DateOnly, date); err != nil {
			errResp := NewBadRequestErrorMsg("date must be YYYY-MM-DD")
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	msgs, err := s.db.SearchMessages(r.Context(), room.Id, database.SearchParams{Query: q, Date: date})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, wireMessages(room.ExternalId, msgs))
}

func (s *App) getMessageDates(w http.ResponseWriter, r *http.Request) {
	room, _, ok := s.room(w, r)
	if !ok {
		return
	}

	dates, err := s.db.GetMessageDates(r.Context(), room.Id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]any{"dates": dates})
}

func (s *App) getUnread(w http.ResponseWriter, r *http.Request) {
	username, ok := Username(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	n, err := s.cs.UnreadCount(r.Context(), username)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, types.UnreadCount{Count: n})
}

func (s *App) pushSubscribe(w http.ResponseWriter, r *http.Request) {
	username, ok := Username(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var sub types.PushSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		errResp := NewBadRequestErrorMsg("endpoint and keys required")
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	_, err := s.db.UpsertPushSubscription(r.Context(), database.UpsertPushSubscriptionParams{
		Owner:    username,
		Endpoint: sub.Endpoint,
		P256dh:   sub.Keys.P256dh,
		Auth:     sub.Keys.Auth,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, map[string]any{"success": true})
}

func (s *App) pushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.db.DeletePushSubscription(r.Context(), req.Endpoint); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]any{"success": true})
}

func (s *App) getLocks(w http.ResponseWriter, r *http.Request) {
	s.writeJson(w, http.StatusOK, s.cs.Locks())
}

func (s *App) serveWs(w http.ResponseWriter, r *http.Request) {
	username, ok := Username(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

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
		s.log.Warn("error upgrading connection", zap.Error(err))
		return
	}

	client := server.NewClient(username, conn, s.cs, s.log)
	s.cs.RegisterClient(client)

	go client.Write()
	go client.Read()
}
