package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"local-qa-bot/internal/helper"
	"local-qa-bot/internal/models"
	"local-qa-bot/internal/telemetry"
)

const (
	SessionHeader = "X-Session-ID"

	maxBodyBytes int64 = 64 * 1024
)

// Asker answers a question against a caller-owned transcript.
type Asker interface {
	Ask(ctx context.Context, question string, history models.Transcript) (*models.AnswerRecord, models.Transcript, error)
}

type AskRequest struct {
	Question string `json:"question"`
}

type AskResponse struct {
	SessionID    string    `json:"session_id"`
	Question     string    `json:"question"`
	Answer       string    `json:"answer"`
	Sources      string    `json:"sources"`
	FallbackUsed bool      `json:"fallback_used"`
	AskedAt      time.Time `json:"asked_at"`
}

type TranscriptResponse struct {
	SessionID string                `json:"session_id"`
	Records   []models.AnswerRecord `json:"records"`
}

type Handler struct {
	asker    Asker
	sessions *sessionStore
}

type HandlerOption func(*handlerOptions)

type handlerOptions struct {
	maxSessions int
	sessionIdle time.Duration
}

// WithSessionLimits bounds how many transcripts are kept and how long an idle
// one survives. Zero values keep the defaults.
func WithSessionLimits(maxSessions int, idle time.Duration) HandlerOption {
	return func(o *handlerOptions) {
		o.maxSessions = maxSessions
		o.sessionIdle = idle
	}
}

func NewHandler(asker Asker, opts ...HandlerOption) *Handler {
	var o handlerOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Handler{asker: asker, sessions: newSessionStore(o.maxSessions, o.sessionIdle)}
}

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/ask", h.Ask)
	r.Get("/transcript", h.Transcript)

	return r
}

// Ask handles POST /ask. A session id is generated when the caller sends none
// and echoed back in the response header.
func (h *Handler) Ask(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.Header.Get(SessionHeader))
	if sessionID == "" {
		id, err := helper.GenerateUUID()
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		sessionID = id
	}
	w.Header().Set(SessionHeader, sessionID)

	var req AskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess := h.sessions.get(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	rec, transcript, err := h.asker.Ask(r.Context(), req.Question, sess.transcript)
	if err != nil {
		status := askStatus(err)
		if status >= http.StatusInternalServerError {
			log.Error().Err(err).Str("session", sessionID).Msg("Failed to answer question")
			telemetry.CaptureError(r.Context(), err)
		}
		respondError(w, status, err.Error())
		return
	}
	sess.transcript = transcript

	respond(w, http.StatusOK, AskResponse{
		SessionID:    sessionID,
		Question:     rec.Question,
		Answer:       rec.Answer,
		Sources:      rec.Sources,
		FallbackUsed: rec.FallbackUsed,
		AskedAt:      rec.AskedAt,
	})
}

// Transcript handles GET /transcript, newest record first.
func (h *Handler) Transcript(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.Header.Get(SessionHeader))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, SessionHeader+" header is required")
		return
	}

	records := []models.AnswerRecord{}
	if sess, ok := h.sessions.lookup(sessionID); ok {
		sess.mu.Lock()
		records = sess.transcript.NewestFirst()
		sess.mu.Unlock()
	}
	respond(w, http.StatusOK, TranscriptResponse{SessionID: sessionID, Records: records})
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// ListenAndServe runs handler on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Serving")
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
		return srv.Shutdown(shutdownCtx)
	}
}
