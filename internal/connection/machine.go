package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatsched/internal/domain"
	"chatsched/internal/notify"
	"chatsched/internal/transport"
)

type Phase string

const (
	PhaseDisconnected   Phase = "disconnected"
	PhaseQRPending      Phase = "qr_pending"
	PhaseAuthenticating Phase = "authenticating"
	PhaseReady          Phase = "ready"
)

const (
	reconnectKey = "connection:reconnect"
	reconcileKey = "connection:reconcile"
)

const authFailedMessage = "Authentication failed"
const exhaustedMessage = "Max reconnection attempts reached. Please refresh the page or restart the application."

// Timers arms cancellable one-shot callbacks. *scheduler.Scheduler
// satisfies it.
type Timers interface {
	Arm(key string, at time.Time, fn func()) error
	Cancel(key string) bool
}

type Config struct {
	MaxReconnectAttempts int
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	// SettleDelay separates the first ready from the reconcile hook.
	SettleDelay time.Duration
	// ResetDelay separates a session wipe from re-initialization.
	ResetDelay time.Duration
	// OpTimeout bounds transport calls made from timer callbacks.
	OpTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 2 * time.Minute
	}
	return c
}

type Status struct {
	Ready                bool  `json:"ready"`
	Phase                Phase `json:"phase"`
	Reconnecting         bool  `json:"reconnecting"`
	ReconnectAttempts    int   `json:"reconnectAttempts"`
	MaxReconnectAttempts int   `json:"maxReconnectAttempts"`
	QRAvailable          bool  `json:"qrAvailable"`
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(m *Machine) { m.log = log.With().Str("component", "connection").Logger() }
}

// WithFirstReady registers fn to run once, SettleDelay after the first
// ready event since process start.
func WithFirstReady(fn func(ctx context.Context)) Option {
	return func(m *Machine) { m.onFirstReady = fn }
}

// Machine owns the connection lifecycle and gates delivery. It is driven by
// transport.Events callbacks and never polls.
type Machine struct {
	cfg          Config
	session      transport.Session
	timers       Timers
	events       notify.Publisher
	log          zerolog.Logger
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
	onFirstReady func(ctx context.Context)

	mu           sync.Mutex
	phase        Phase
	attempts     int
	reconnecting bool
	resetting    bool
	qr           string
	chats        []domain.Chat
	readySeen    bool
	// gen invalidates reconnect timers and in-flight attempts whenever the
	// lifecycle moves on underneath them.
	gen uint64
}

var _ transport.Events = (*Machine)(nil)

func New(cfg Config, session transport.Session, timers Timers, events notify.Publisher, opts ...Option) *Machine {
	if events == nil {
		events = notify.Nop{}
	}
	m := &Machine{
		cfg:     cfg.withDefaults(),
		session: session,
		timers:  timers,
		events:  events,
		log:     zerolog.Nop(),
		now:     time.Now,
		sleep:   sleepCtx,
		phase:   PhaseDisconnected,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Ready is the delivery gate.
func (m *Machine) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == PhaseReady
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Ready:                m.phase == PhaseReady,
		Phase:                m.phase,
		Reconnecting:         m.reconnecting,
		ReconnectAttempts:    m.attempts,
		MaxReconnectAttempts: m.cfg.MaxReconnectAttempts,
		QRAvailable:          m.qr != "",
	}
}

// QR returns the latest challenge payload, empty when none is pending.
func (m *Machine) QR() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.qr
}

func (m *Machine) Chats() ([]domain.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseReady {
		return nil, &domain.NotReadyError{Op: "list chats"}
	}
	out := make([]domain.Chat, len(m.chats))
	copy(out, m.chats)
	return out, nil
}

func (m *Machine) OnQR(payload string) {
	m.mu.Lock()
	m.phase = PhaseQRPending
	m.qr = payload
	m.mu.Unlock()

	m.log.Info().Msg("qr challenge received")
	m.publish(notify.TypeQR, notify.QR{QR: payload})
}

func (m *Machine) OnAuthenticated() {
	m.mu.Lock()
	m.phase = PhaseAuthenticating
	m.mu.Unlock()

	m.log.Info().Msg("client authenticated")
	m.publish(notify.TypeAuthenticated, nil)
}

func (m *Machine) OnAuthFailure(message string) {
	m.mu.Lock()
	m.phase = PhaseDisconnected
	m.qr = ""
	m.mu.Unlock()

	if message == "" {
		message = authFailedMessage
	}
	m.log.Error().Str("reason", message).Msg("authentication failed")
	m.publish(notify.TypeAuthFailure, notify.AuthFailure{Message: message})
}

func (m *Machine) OnReady() {
	m.mu.Lock()
	m.phase = PhaseReady
	m.qr = ""
	m.attempts = 0
	m.reconnecting = false
	m.gen++
	first := !m.readySeen
	m.readySeen = true
	m.mu.Unlock()

	m.timers.Cancel(reconnectKey)
	m.log.Info().Msg("client is ready")

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OpTimeout)
	chats, err := m.session.Chats(ctx)
	cancel()
	if err != nil {
		m.log.Error().Err(err).Msg("error getting chats")
	} else {
		m.mu.Lock()
		if m.phase == PhaseReady {
			m.chats = chats
		}
		m.mu.Unlock()
		m.log.Info().Int("chats", len(chats)).Msg("chats loaded")
	}
	m.publish(notify.TypeClientReady, notify.ClientReady{Chats: chats})

	if first && m.onFirstReady != nil {
		hook := m.onFirstReady
		at := m.now().Add(m.cfg.SettleDelay)
		if err := m.timers.Arm(reconcileKey, at, func() { hook(context.Background()) }); err != nil {
			m.log.Error().Err(err).Msg("arm reconciliation")
		}
	}
}

func (m *Machine) OnDisconnected(reason string) {
	m.mu.Lock()
	m.phase = PhaseDisconnected
	m.qr = ""
	m.chats = nil
	if m.resetting {
		m.mu.Unlock()
		m.log.Info().Str("reason", reason).Msg("disconnected during session reset")
		return
	}
	attempts, limit := m.attempts, m.cfg.MaxReconnectAttempts
	var plan *reconnectPlan
	exhausted := false
	switch {
	case !m.reconnecting && m.attempts < limit:
		p := m.beginReconnectLocked()
		plan = &p
	case m.attempts >= limit:
		exhausted = true
	}
	m.mu.Unlock()

	m.log.Warn().Str("reason", reason).Int("attempts", attempts).Msg("client disconnected")
	m.publish(notify.TypeDisconnected, notify.Disconnected{
		Reason:               reason,
		ReconnectAttempts:    attempts,
		MaxReconnectAttempts: limit,
	})
	if plan != nil {
		m.armReconnect(*plan)
	}
	if exhausted {
		m.reportExhausted()
	}
}

// ManualReconnect re-establishes the session on request. It is rejected
// while a reconnection or reset is outstanding, or when already ready.
func (m *Machine) ManualReconnect(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.reconnecting:
		m.mu.Unlock()
		return &domain.ConflictError{Reason: "reconnection already in progress"}
	case m.resetting:
		m.mu.Unlock()
		return &domain.ConflictError{Reason: "session reset in progress"}
	case m.phase == PhaseReady:
		m.mu.Unlock()
		return &domain.ConflictError{Reason: "client is already connected"}
	}
	m.attempts = 0
	m.reconnecting = true
	m.gen++
	gen := m.gen
	limit := m.cfg.MaxReconnectAttempts
	m.mu.Unlock()

	m.timers.Cancel(reconnectKey)
	m.log.Info().Msg("manual reconnection started")
	m.publish(notify.TypeReconnecting, notify.Reconnecting{Attempt: 1, MaxAttempts: limit, Manual: true})

	err := m.session.Initialize(ctx)

	m.mu.Lock()
	if m.gen == gen {
		m.reconnecting = false
	}
	m.mu.Unlock()
	if err != nil {
		m.log.Error().Err(err).Msg("manual reconnection failed")
		return fmt.Errorf("reconnect: %w", err)
	}
	return nil
}

// ResetSession tears the session down, wipes credentials and starts over
// from a fresh challenge.
func (m *Machine) ResetSession(ctx context.Context) error {
	m.mu.Lock()
	if m.resetting {
		m.mu.Unlock()
		return &domain.ConflictError{Reason: "session reset already in progress"}
	}
	m.resetting = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.resetting = false
		m.mu.Unlock()
	}()

	m.log.Info().Msg("session reset requested")
	if err := m.session.Destroy(ctx); err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}

	m.mu.Lock()
	m.gen++
	m.attempts = 0
	m.reconnecting = false
	m.phase = PhaseDisconnected
	m.qr = ""
	m.chats = nil
	m.mu.Unlock()
	m.timers.Cancel(reconnectKey)

	if err := m.session.ResetCredentials(ctx); err != nil {
		return fmt.Errorf("reset credentials: %w", err)
	}
	m.publish(notify.TypeSessionReset, nil)

	if err := m.sleep(ctx, m.cfg.ResetDelay); err != nil {
		return err
	}
	if err := m.session.Initialize(ctx); err != nil {
		return fmt.Errorf("reinitialize after reset: %w", err)
	}
	return nil
}

type reconnectPlan struct {
	gen     uint64
	attempt int
	max     int
	delay   time.Duration
}

func (m *Machine) beginReconnectLocked() reconnectPlan {
	m.reconnecting = true
	m.attempts++
	m.gen++
	return reconnectPlan{
		gen:     m.gen,
		attempt: m.attempts,
		max:     m.cfg.MaxReconnectAttempts,
		delay:   Backoff(m.attempts, m.cfg.BackoffBase, m.cfg.BackoffCap),
	}
}

func (m *Machine) armReconnect(p reconnectPlan) {
	m.log.Info().Int("attempt", p.attempt).Int("max", p.max).Dur("delay", p.delay).Msg("scheduling reconnection")
	m.publish(notify.TypeReconnecting, notify.Reconnecting{
		Attempt:     p.attempt,
		MaxAttempts: p.max,
		DelayMS:     p.delay.Milliseconds(),
	})
	err := m.timers.Arm(reconnectKey, m.now().Add(p.delay), func() { m.reconnectFire(p.gen) })
	if err != nil {
		m.log.Error().Err(err).Msg("arm reconnection timer")
		m.mu.Lock()
		if m.gen == p.gen {
			m.reconnecting = false
		}
		m.mu.Unlock()
	}
}

func (m *Machine) reconnectFire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.reconnecting {
		m.mu.Unlock()
		return
	}
	attempt := m.attempts
	m.mu.Unlock()

	m.log.Info().Int("attempt", attempt).Msg("reconnection attempt")
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OpTimeout)
	err := m.session.Initialize(ctx)
	cancel()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.reconnecting = false
	if err == nil {
		m.mu.Unlock()
		return
	}
	m.log.Error().Err(err).Int("attempt", attempt).Msg("reconnection failed")
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.mu.Unlock()
		m.reportExhausted()
		return
	}
	next := m.beginReconnectLocked()
	m.mu.Unlock()
	m.armReconnect(next)
}

func (m *Machine) reportExhausted() {
	m.log.Error().Int("max", m.cfg.MaxReconnectAttempts).Msg("max reconnection attempts reached, manual intervention required")
	m.publish(notify.TypeReconnectFailed, notify.ReconnectFailed{Message: exhaustedMessage})
}

func (m *Machine) publish(typ string, data any) {
	m.events.Publish(notify.Event{Type: typ, Time: m.now(), Data: data})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
