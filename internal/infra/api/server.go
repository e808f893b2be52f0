package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"groupchat/internal/domain"
	"groupchat/internal/domain/model"
	"groupchat/internal/infra/logging"
	"groupchat/internal/infra/metrics"
	"groupchat/internal/usecase"
)

// SendLimiter throttles message sends per user. A nil limiter allows everything.
type SendLimiter interface {
	AllowSend(ctx context.Context, userID string) (bool, error)
}

type Deps struct {
	Chat           usecase.ChatUseCase
	Auth           *AuthManager
	Limiter        SendLimiter
	Logger         *zerolog.Logger
	RequestTimeout time.Duration
	// Dev exposes POST /api/v1/token, which mints a token for any user id.
	Dev bool
}

// Server is the HTTP surface: REST endpoints plus the websocket gateway.
type Server struct {
	chat    usecase.ChatUseCase
	auth    *AuthManager
	limiter SendLimiter
	log     *zerolog.Logger
	timeout time.Duration
	dev     bool
	gw      *Gateway
}

func NewServer(d Deps) *Server {
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 10 * time.Second
	}
	s := &Server{
		chat:    d.Chat,
		auth:    d.Auth,
		limiter: d.Limiter,
		log:     d.Logger,
		timeout: d.RequestTimeout,
		dev:     d.Dev,
	}
	s.gw = newGateway(s)
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(TraceID(), Recover(s.log), RequestLog(s.log))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.dev {
			r.With(Timeout(s.timeout)).Post("/token", s.handleMintToken)
		}
		r.Group(func(r chi.Router) {
			r.Use(Authenticated(s.auth))
			r.Get("/groups/{groupID}/ws", s.gw.ServeHTTP)
			r.Group(func(r chi.Router) {
				r.Use(Timeout(s.timeout))
				r.Get("/groups/{groupID}/messages", s.handleRecent)
				r.Post("/groups/{groupID}/messages", s.handlePost)
				r.Get("/profiles/{userID}", s.handleProfile)
			})
		})
	})
	return r
}

// Shutdown closes every live websocket session.
func (s *Server) Shutdown() { s.gw.closeAll() }

type tokenRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidArgument)
		return
	}
	tok, err := s.auth.Mint(strings.TrimSpace(req.UserID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": tok})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, domain.ErrInvalidArgument)
			return
		}
		limit = n
	}
	msgs, err := s.chat.Recent(r.Context(), groupID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": msgs})
}

type postRequest struct {
	Text string `json:"text"`
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserFrom(ctx)

	var req postRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidArgument)
		return
	}
	if err := s.allowSend(ctx, userID); err != nil {
		s.fail(w, r, err)
		return
	}
	msg, err := s.chat.Post(ctx, chi.URLParam(r, "groupID"), userID, req.Text)
	if err != nil {
		logging.With(ctx, s.log).Warn().Err(err).Str("text", logging.Redact(req.Text, s.dev)).Msg("post rejected")
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	p, avatar := s.chat.Profile(r.Context(), chi.URLParam(r, "userID"))
	writeJSON(w, http.StatusOK, toAuthorDTO(p, avatar))
}

// allowSend returns ErrRateLimited when the caller is over the limit.
// Limiter outages let the send through.
func (s *Server) allowSend(ctx context.Context, userID string) error {
	if s.limiter == nil {
		return nil
	}
	ok, err := s.limiter.AllowSend(ctx, userID)
	if err != nil {
		l := logging.With(ctx, s.log)
		l.Warn().Err(err).Msg("send rate limiter unavailable")
		return nil
	}
	if !ok {
		return domain.ErrRateLimited
	}
	return nil
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		l := logging.With(r.Context(), s.log)
		l.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrHistoryLoad), errors.Is(err, domain.ErrAppend):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
