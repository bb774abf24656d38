package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gatherly/gatherly/internal/config"
	"github.com/gatherly/gatherly/internal/database"
	"github.com/gatherly/gatherly/internal/registry"
	"github.com/gatherly/gatherly/internal/server"
	"github.com/gatherly/gatherly/internal/stats"
	"github.com/gatherly/gatherly/internal/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/teris-io/shortid"
)

type App struct {
	log            *log.Logger
	db             database.GatherlyRepository
	mux            *http.Server
	cs             *server.ChatServer
	participants   *registry.Participants
	rooms          *registry.Rooms
	invites        *workflow.InviteWorkflow
	validate       *validator.Validate
	stats          stats.StatsProvider
	signingKey     []byte
	allowedOrigins []string
	generateId     func() (string, error)
}

func NewApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, db database.GatherlyRepository, sts stats.StatsProvider, cfg *config.Config) *App {
	participants := registry.NewParticipants(logger, db)
	rooms := registry.NewRooms(logger, db)

	s := &App{
		log:            logger,
		db:             db,
		cs:             cs,
		participants:   participants,
		rooms:          rooms,
		invites:        workflow.NewInviteWorkflow(logger, participants, rooms, db),
		validate:       validator.New(),
		stats:          sts,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
		generateId:     shortid.Generate,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.Handle("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.Handle("POST /api/events", s.authMiddleware(s.createEvent))
	mux.Handle("GET /api/events", s.authMiddleware(s.getEvents))
	mux.Handle("PUT /api/invites", s.authMiddleware(s.invite))
	mux.Handle("POST /api/rsvp", s.authMiddleware(s.rsvp))
	mux.Handle("POST /api/participants/reject", s.authMiddleware(s.rejectParticipant))
	mux.Handle("POST /api/participants/reinvite", s.authMiddleware(s.reinviteParticipant))
	mux.Handle("GET /api/participants/available", s.authMiddleware(s.availableUsers))
	mux.Handle("GET /api/rooms", s.authMiddleware(s.getRoom))
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("GET /api/notifications", s.authMiddleware(s.getNotifications))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

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

func (s *App) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *App) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
