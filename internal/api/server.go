package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/nhle/admin-mailbox/internal/logging"
	"github.com/nhle/admin-mailbox/internal/mailbox"
)

// Mailbox is the part of the engine the HTTP adapter drives.
type Mailbox interface {
	ListMessages(ctx context.Context, f mailbox.SearchFilter) (*mailbox.ListResult, error)
	GetMessage(ctx context.Context, folder string, uid mailbox.UID) (*mailbox.MessageDetail, error)
	SetRead(ctx context.Context, folder string, uid mailbox.UID, read bool) error
	DeleteMessage(ctx context.Context, folder string, uid mailbox.UID) error
	GetAttachment(ctx context.Context, folder string, uid mailbox.UID, filename string) (*mailbox.AttachmentData, error)
	GetStats(ctx context.Context, folder string) (*mailbox.Stats, error)
	GetMailbox(ctx context.Context, folder string) (*mailbox.Mailbox, error)
	State() mailbox.State
}

// Config configures the HTTP adapter.
type Config struct {
	ListenAddr string
	AdminToken string
}

// Server exposes the mailbox engine over HTTP.
type Server struct {
	cfg    Config
	mail   Mailbox
	log    zerolog.Logger
	router chi.Router
}

// NewServer builds the router for mail.
func NewServer(cfg Config, mail Mailbox, log zerolog.Logger) *Server {
	s := &Server{
		cfg:  cfg,
		mail: mail,
		log:  logging.WithComponent(log, "http"),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(hlog.NewHandler(s.log))
	r.Use(requestIDLogger)
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.adminAuth)

		r.Route("/emails", func(r chi.Router) {
			r.Get("/", s.handleListEmails)
			r.Get("/stats", s.handleStats)
			r.Post("/test", s.handleTestConnection)
			r.Get("/{uid}", s.handleGetEmail)
			r.Patch("/{uid}/read", s.handleMarkRead)
			r.Delete("/{uid}", s.handleDeleteEmail)
			r.Get("/{uid}/attachments/{filename}", s.handleAttachment)
		})
	})

	return r
}

// requestIDLogger adds chi's request id to the request logger.
func requestIDLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			log := logging.WithRequestID(*hlog.FromRequest(r), id)
			r = r.WithContext(log.WithContext(r.Context()))
		}
		next.ServeHTTP(w, r)
	})
}

// adminAuth enforces the static bearer token when one is configured.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
