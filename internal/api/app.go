package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/mercatoapp/mercato-server/internal/config"
	"github.com/mercatoapp/mercato-server/internal/database"
	"github.com/mercatoapp/mercato-server/internal/gateway"
)

type MercatoApp struct {
	log            *log.Logger
	db             database.MercatoRepository
	mux            *http.Server
	gw             *gateway.Gateway
	signingKey     []byte
	allowedOrigins []string
}

func NewMercatoApp(mux *http.ServeMux, logger *log.Logger, gw *gateway.Gateway,
	db database.MercatoRepository, cfg *config.Config) *MercatoApp {
	s := &MercatoApp{
		log:            logger,
		db:             db,
		gw:             gw,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.Handle("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.Handle("/api/account", s.authMiddleware(s.account))
	mux.Handle("POST /api/conversations", s.authMiddleware(s.createConversation))
	mux.Handle("GET /api/conversations", s.authMiddleware(s.listConversations))
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("GET /api/calls", s.authMiddleware(s.listCalls))
	mux.HandleFunc("GET /ws", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *MercatoApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *MercatoApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
