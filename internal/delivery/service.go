package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"chatsched/internal/domain"
	"chatsched/internal/notify"
	"chatsched/internal/scheduler"
	"chatsched/internal/store"
	"chatsched/internal/transport"
)

// Gate reports whether the chat session can deliver right now.
type Gate interface {
	Ready() bool
}

type Timers interface {
	Arm(key string, at time.Time, fn func()) error
	Cancel(key string) bool
}

type Config struct {
	Location     *time.Location
	SendTimeout  time.Duration
	StoreTimeout time.Duration
	// SendRate caps sends per second; zero disables limiting.
	SendRate float64
}

type Service struct {
	cfg     Config
	store   store.Repository
	timers  Timers
	gate    Gate
	sender  transport.Sender
	events  notify.Publisher
	limiter *rate.Limiter
	log     zerolog.Logger
	now     func() time.Time

	inflight sync.Map
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log.With().Str("component", "delivery").Logger() }
}

func NewService(cfg Config, repo store.Repository, timers Timers, gate Gate, sender transport.Sender, events notify.Publisher, opts ...Option) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	if events == nil {
		events = notify.Nop{}
	}
	s := &Service{
		cfg:    cfg,
		store:  repo,
		timers: timers,
		gate:   gate,
		sender: sender,
		events: events,
		log:    zerolog.Nop(),
		now:    time.Now,
	}
	if cfg.SendRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), 1)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type ScheduleRequest struct {
	ChatID        string
	ChatName      string
	Message       string
	ScheduledTime string
}

// Schedule persists a pending message and arms its timer. The row exists
// before the timer does.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (int64, error) {
	if !s.gate.Ready() {
		return 0, &domain.NotReadyError{Op: "schedule message"}
	}
	at, err := ParseScheduledTime(req.ScheduledTime, s.cfg.Location)
	if err != nil {
		return 0, err
	}
	label := req.ChatName
	if strings.TrimSpace(label) == "" {
		label = req.ChatID
	}
	id, err := s.store.Create(ctx, domain.NewTask{
		TargetID:    req.ChatID,
		TargetLabel: label,
		Body:        req.Message,
		ScheduledAt: at,
	})
	if err != nil {
		return 0, err
	}
	if err := s.arm(id, at); err != nil {
		err = fmt.Errorf("arm message %d: %w", id, err)
		if _, uerr := s.store.UpdateStatus(ctx, id, domain.StatusFailed, err.Error()); uerr != nil {
			s.log.Error().Err(uerr).Int64("task_id", id).Msg("mark unarmed message failed")
		}
		return 0, err
	}
	s.log.Info().
		Int64("task_id", id).
		Str("chat_id", req.ChatID).
		Time("scheduled_at", at.In(s.cfg.Location)).
		Str("cron_expr", scheduler.Expression(at, s.cfg.Location)).
		Dur("in", at.Sub(s.now())).
		Msg("message scheduled")
	return id, nil
}

func (s *Service) List(ctx context.Context) ([]domain.Task, error) {
	tasks, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i].ScheduledAt = tasks[i].ScheduledAt.In(s.cfg.Location)
		tasks[i].CreatedAt = tasks[i].CreatedAt.In(s.cfg.Location)
		tasks[i].UpdatedAt = tasks[i].UpdatedAt.In(s.cfg.Location)
	}
	return tasks, nil
}

// Delete cancels a pending message, disarming its timer first. Rows that
// are already terminal are removed. A message whose delivery is running is
// left to the executor.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if _, busy := s.inflight.LoadOrStore(id, struct{}{}); busy {
		return &domain.ConflictError{Reason: "delivery in progress"}
	}
	defer s.inflight.Delete(id)

	t, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return &domain.NotFoundError{What: "scheduled message", ID: id}
	}
	if err != nil {
		return err
	}

	if t.Status == domain.StatusPending {
		s.timers.Cancel(scheduler.TaskKey(id))
		ok, err := s.store.UpdateStatus(ctx, id, domain.StatusCancelled, "cancelled")
		if err != nil {
			return err
		}
		if ok {
			s.log.Info().Int64("task_id", id).Msg("message cancelled")
			return nil
		}
	}

	ok, err := s.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return &domain.NotFoundError{What: "scheduled message", ID: id}
	}
	s.log.Info().Int64("task_id", id).Str("status", string(t.Status)).Msg("message removed")
	return nil
}

// SendNow delivers immediately without touching the store.
func (s *Service) SendNow(ctx context.Context, chatID, body string) error {
	if strings.TrimSpace(chatID) == "" {
		return domain.Invalid("chatId", "is required")
	}
	if strings.TrimSpace(body) == "" {
		return domain.Invalid("message", "is required")
	}
	if !s.gate.Ready() {
		return &domain.NotReadyError{Op: "send message"}
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	if err := s.wait(ctx); err != nil {
		return err
	}
	if err := s.sender.Send(ctx, chatID, body); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (s *Service) arm(id int64, at time.Time) error {
	return s.timers.Arm(scheduler.TaskKey(id), at, func() { s.Fire(id) })
}

func (s *Service) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

var localLayouts = []string{
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
}

// ParseScheduledTime accepts RFC 3339 instants, or wall-clock times without
// an offset which are read in loc.
func ParseScheduledTime(raw string, loc *time.Location) (time.Time, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return time.Time{}, domain.Invalid("scheduledTime", "is required")
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, domain.Invalid("scheduledTime", "invalid date format")
}
