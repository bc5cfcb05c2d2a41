package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-collab/internal/config"
	"github.com/npezzotti/go-collab/internal/database"
	"github.com/npezzotti/go-collab/internal/server"
	"go.uber.org/zap"
)

type App struct {
	log            *zap.Logger
	db             database.Repository
	srv            *http.Server
	cs             *server.ChatServer
	signingKey     []byte
	allowedOrigins []string
}

// NewApp registers the HTTP and websocket routes on mux and wraps it with
// CORS and panic recovery.
func NewApp(mux *http.ServeMux, logger *zap.Logger, cs *server.ChatServer, db database.Repository, cfg *config.Config) *App {
	s := &App{
		log:            logger,
		db:             db,
		cs:             cs,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	mux.Handle("POST /api/rooms", s.authMiddleware(s.createRoom))
	mux.Handle("GET /api/rooms", s.authMiddleware(s.listRooms))
	mux.Handle("GET /api/rooms/{id}", s.authMiddleware(s.getRoom))
	mux.Handle("DELETE /api/rooms/{id}", s.authMiddleware(s.deleteRoom))
	mux.Handle("POST /api/rooms/{id}/participants", s.authMiddleware(s.addParticipant))
	mux.Handle("GET /api/rooms/{id}/messages", s.authMiddleware(s.getMessages))
	mux.Handle("GET /api/rooms/{id}/messages/{msgId}/context", s.authMiddleware(s.getMessageContext))
	mux.Handle("GET /api/rooms/{id}/search", s.authMiddleware(s.searchMessages))
	mux.Handle("GET /api/rooms/{id}/dates", s.authMiddleware(s.getMessageDates))

	mux.Handle("GET /api/unread", s.authMiddleware(s.getUnread))
	mux.Handle("POST /api/push/subscribe", s.authMiddleware(s.pushSubscribe))
	mux.Handle("POST /api/push/unsubscribe", s.authMiddleware(s.pushUnsubscribe))
	mux.Handle("GET /api/locks", s.authMiddleware(s.getLocks))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *App) Handler() http.Handler {
	return s.srv.Handler
}

func (s *App) Start() error {
	s.log.Info("starting server", zap.String("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

func (s *App) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
