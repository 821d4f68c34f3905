package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"chatsched/internal/connection"
	"chatsched/internal/delivery"
	"chatsched/internal/domain"
	"chatsched/internal/notify"
)

// Connection is the slice of the connection machine the API drives.
type Connection interface {
	Status() connection.Status
	QR() string
	Chats() ([]domain.Chat, error)
	ManualReconnect(ctx context.Context) error
	ResetSession(ctx context.Context) error
}

// Messages is the slice of the delivery service the API drives.
type Messages interface {
	Schedule(ctx context.Context, req delivery.ScheduleRequest) (int64, error)
	List(ctx context.Context) ([]domain.Task, error)
	Delete(ctx context.Context, id int64) error
	SendNow(ctx context.Context, chatID, body string) error
}

type Option func(*Server)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log.With().Str("component", "api").Logger() }
}

// WithDebug mounts net/http/pprof under /debug/pprof.
func WithDebug(enabled bool) Option {
	return func(s *Server) { s.debug = enabled }
}

type Server struct {
	r     *chi.Mux
	conn  Connection
	msgs  Messages
	bus   notify.Bus
	log   zerolog.Logger
	debug bool
}

func NewServer(conn Connection, msgs Messages, bus notify.Bus, opts ...Option) http.Handler {
	s := &Server{r: chi.NewRouter(), conn: conn, msgs: msgs, bus: bus, log: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	r := s.r
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLog, middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Get("/ws", s.stream)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/connection-status", s.connectionStatus)
		r.Get("/chats", s.chats)
		r.Get("/scheduled-messages", s.listMessages)
		r.Post("/schedule-message", s.scheduleMessage)
		r.Delete("/scheduled-messages/{id}", s.deleteMessage)
		r.Post("/send-message", s.sendMessage)
		r.Post("/reconnect", s.reconnect)
		r.Post("/reset-session", s.resetSession)
	})

	if s.debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	st := s.conn.Status()
	ready := 0
	if st.Ready {
		ready = 1
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "chatsched_up 1\n")
	fmt.Fprintf(w, "chatsched_client_ready %d\n", ready)
	fmt.Fprintf(w, "chatsched_reconnect_attempts %d\n", st.ReconnectAttempts)
}

type statusResp struct {
	Ready bool          `json:"ready"`
	QR    string        `json:"qr"`
	Chats []domain.Chat `json:"chats"`
}

func (s *Server) snapshot() statusResp {
	st := s.conn.Status()
	resp := statusResp{Ready: st.Ready, QR: s.conn.QR(), Chats: []domain.Chat{}}
	if st.Ready {
		if chats, err := s.conn.Chats(); err == nil && chats != nil {
			resp.Chats = chats
		}
	}
	return resp
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) connectionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.conn.Status())
}

func (s *Server) chats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.conn.Chats()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if chats == nil {
		chats = []domain.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.msgs.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type scheduleReq struct {
	ChatID        string `json:"chatId"`
	ChatName      string `json:"chatName"`
	Message       string `json:"message"`
	ScheduledTime string `json:"scheduledTime"`
}

type idResp struct {
	ID      int64  `json:"id"`
	Message string `json:"message"`
}

type messageResp struct {
	Message string `json:"message"`
}

func (s *Server) scheduleMessage(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ChatID) == "" || strings.TrimSpace(req.Message) == "" || strings.TrimSpace(req.ScheduledTime) == "" {
		s.writeError(w, r, domain.Invalid("", "Missing required fields"))
		return
	}
	id, err := s.msgs.Schedule(r.Context(), delivery.ScheduleRequest{
		ChatID:        req.ChatID,
		ChatName:      req.ChatName,
		Message:       req.Message,
		ScheduledTime: req.ScheduledTime,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, idResp{ID: id, Message: "Message scheduled successfully"})
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, r, domain.Invalid("id", "must be a positive integer"))
		return
	}
	if err := s.msgs.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResp{Message: "Message cancelled successfully"})
}

type sendReq struct {
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendReq
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.msgs.SendNow(r.Context(), req.ChatID, req.Message); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResp{Message: "Message sent successfully"})
}

func (s *Server) reconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.conn.ManualReconnect(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResp{Message: "Reconnection initiated successfully"})
}

func (s *Server) resetSession(w http.ResponseWriter, r *http.Request) {
	if err := s.conn.ResetSession(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResp{Message: "Session reset successfully. New QR code will be generated."})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		s.writeError(w, r, domain.Invalid("", "invalid JSON body"))
		return false
	}
	return true
}

type errorResp struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	ev := s.log.Warn()
	if code >= 500 {
		ev = s.log.Error()
	}
	ev.Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("path", r.URL.Path).
		Int("status", code).
		Msg("request failed")
	writeJSON(w, code, errorResp{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case domain.IsValidation(err), domain.IsNotReady(err):
		return http.StatusBadRequest
	case domain.IsConflict(err):
		return http.StatusConflict
	case domain.IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
