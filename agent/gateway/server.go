package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/bedah-kym/chatcore/agent/orchestrator"
	"github.com/bedah-kym/chatcore/agent/quota"
)

// pipelineTimeout bounds one detached message run, model stream
// included.
const pipelineTimeout = 60 * time.Second

// MessageHandler runs one inbound message through the pipeline.
type MessageHandler interface {
	HandleMessage(ctx context.Context, userID, roomID, text string) (string, error)
}

// QuotaReader reports a user's current usage.
type QuotaReader interface {
	Snapshot(ctx context.Context, userID string) []quota.Usage
}

// SocketHub attaches websocket clients to room groups.
type SocketHub interface {
	Attach(w http.ResponseWriter, r *http.Request, group string) error
}

// Server is the HTTP edge: it accepts messages, exposes the realtime
// socket, and serves quota snapshots. Replies travel over the socket,
// not the POST response.
type Server struct {
	handler MessageHandler
	quotas  QuotaReader
	hub     SocketHub
	router  chi.Router
}

func NewServer(handler MessageHandler, quotas QuotaReader, hub SocketHub) *Server {
	s := &Server{handler: handler, quotas: quotas, hub: hub}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/rooms/{room}/messages", s.postMessage)
	r.Get("/ws/{room}", s.attachSocket)
	r.Get("/users/{userID}/quota", s.getQuota)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.router = r

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type postMessageRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// postMessage accepts the message and runs the pipeline detached from
// the request: the caller gets a 202 and watches the room socket for
// the reply.
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.Text = strings.TrimSpace(req.Text)
	if req.UserID == "" || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id and text are required"})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pipelineTimeout)
		defer cancel()
		if _, err := s.handler.HandleMessage(ctx, req.UserID, roomID, req.Text); err != nil {
			if errors.Is(err, orchestrator.ErrInvalidUser) ||
				errors.Is(err, orchestrator.ErrInvalidRoom) ||
				errors.Is(err, orchestrator.ErrInvalidMessage) {
				log.Warn().Err(err).Str("room_id", roomID).Msg("message rejected by pipeline")
				return
			}
			log.Error().Err(err).Str("room_id", roomID).Str("user_id", req.UserID).Msg("message pipeline failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) attachSocket(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")
	if err := s.hub.Attach(w, r, roomID); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("websocket attach failed")
	}
}

func (s *Server) getQuota(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	usages := s.quotas.Snapshot(r.Context(), userID)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "quotas": usages})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Debug().Err(err).Msg("response write failed")
	}
}
