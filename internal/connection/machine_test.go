package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatsched/internal/domain"
	"chatsched/internal/notify"
)

type armedTimer struct {
	at time.Time
	fn func()
}

type fakeTimers struct {
	mu    sync.Mutex
	armed map[string]armedTimer
	log   []time.Time
}

func newFakeTimers() *fakeTimers { return &fakeTimers{armed: map[string]armedTimer{}} }

func (f *fakeTimers) Arm(key string, at time.Time, fn func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[key] = armedTimer{at: at, fn: fn}
	if key == reconnectKey {
		f.log = append(f.log, at)
	}
	return nil
}

func (f *fakeTimers) Cancel(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.armed[key]
	delete(f.armed, key)
	return ok
}

// fire runs the callback under key as the scheduler would.
func (f *fakeTimers) fire(t *testing.T, key string) {
	t.Helper()
	f.mu.Lock()
	e, ok := f.armed[key]
	delete(f.armed, key)
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no timer armed under %q", key)
	}
	e.fn()
}

func (f *fakeTimers) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.armed[key]
	return ok
}

type fakeSession struct {
	mu        sync.Mutex
	initErr   error
	inits     int
	destroys  int
	resets    int
	chats     []domain.Chat
	onInit    func()
	destroyFn func()
}

func (s *fakeSession) Initialize(context.Context) error {
	s.mu.Lock()
	s.inits++
	err, hook := s.initErr, s.onInit
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (s *fakeSession) Destroy(context.Context) error {
	s.mu.Lock()
	s.destroys++
	hook := s.destroyFn
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (s *fakeSession) ResetCredentials(context.Context) error {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Chats(context.Context) ([]domain.Chat, error) {
	return s.chats, nil
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Publish(e notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) count(typ string) int {
	n := 0
	for _, t := range r.types() {
		if t == typ {
			n++
		}
	}
	return n
}

var epoch = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestMachine(t *testing.T, opts ...Option) (*Machine, *fakeSession, *fakeTimers, *recorder) {
	t.Helper()
	sess := &fakeSession{chats: []domain.Chat{{ID: "123@c.us", Name: "Alice"}}}
	timers := newFakeTimers()
	rec := &recorder{}
	cfg := Config{
		MaxReconnectAttempts: 5,
		BackoffBase:          time.Second,
		BackoffCap:           30 * time.Second,
		SettleDelay:          5 * time.Second,
	}
	opts = append([]Option{WithClock(func() time.Time { return epoch })}, opts...)
	m := New(cfg, sess, timers, rec, opts...)
	m.sleep = func(context.Context, time.Duration) error { return nil }
	return m, sess, timers, rec
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	t.Parallel()
	prev := time.Duration(0)
	for attempt := 0; attempt <= 10; attempt++ {
		d := Backoff(attempt, time.Second, 30*time.Second)
		if d < prev {
			t.Fatalf("Backoff(%d) = %v decreased from %v", attempt, d, prev)
		}
		if d > 30*time.Second {
			t.Fatalf("Backoff(%d) = %v exceeds cap", attempt, d)
		}
		prev = d
	}
	if got := Backoff(1, time.Second, 30*time.Second); got != 2*time.Second {
		t.Fatalf("Backoff(1) = %v, want 2s", got)
	}
	if got := Backoff(5, time.Second, 30*time.Second); got != 30*time.Second {
		t.Fatalf("Backoff(5) = %v, want 30s", got)
	}
}

func TestLifecycleToReady(t *testing.T) {
	t.Parallel()
	var hooked int
	m, _, timers, rec := newTestMachine(t, WithFirstReady(func(context.Context) { hooked++ }))

	m.OnQR("challenge-1")
	if st := m.Status(); st.Phase != PhaseQRPending || !st.QRAvailable {
		t.Fatalf("after qr: %+v", st)
	}
	if m.QR() != "challenge-1" {
		t.Fatalf("QR = %q", m.QR())
	}
	m.OnAuthenticated()
	if st := m.Status(); st.Phase != PhaseAuthenticating {
		t.Fatalf("after authenticated: %+v", st)
	}
	m.OnReady()

	st := m.Status()
	if !st.Ready || st.QRAvailable || st.ReconnectAttempts != 0 || st.Reconnecting {
		t.Fatalf("after ready: %+v", st)
	}
	chats, err := m.Chats()
	if err != nil || len(chats) != 1 || chats[0].Name != "Alice" {
		t.Fatalf("Chats = %+v, %v", chats, err)
	}

	want := []string{notify.TypeQR, notify.TypeAuthenticated, notify.TypeClientReady}
	got := rec.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}

	if !timers.has(reconcileKey) {
		t.Fatal("reconciliation not armed after first ready")
	}
	if at := timers.armed[reconcileKey].at; !at.Equal(epoch.Add(5 * time.Second)) {
		t.Fatalf("reconcile armed at %v", at)
	}
	timers.fire(t, reconcileKey)
	if hooked != 1 {
		t.Fatalf("first-ready hook ran %d times", hooked)
	}

	m.OnDisconnected("NAVIGATION")
	timers.Cancel(reconnectKey)
	m.OnReady()
	if timers.has(reconcileKey) {
		t.Fatal("reconciliation re-armed on a later ready")
	}
}

func TestDisconnectStartsBoundedReconnect(t *testing.T) {
	t.Parallel()
	m, sess, timers, rec := newTestMachine(t)
	sess.initErr = errors.New("browser crashed")
	m.OnReady()

	m.OnDisconnected("LOGOUT")
	if _, err := m.Chats(); !domain.IsNotReady(err) {
		t.Fatalf("Chats after disconnect = %v, want NotReadyError", err)
	}

	for i := 1; i <= 5; i++ {
		st := m.Status()
		if !st.Reconnecting || st.ReconnectAttempts != i {
			t.Fatalf("attempt %d: %+v", i, st)
		}
		if st.ReconnectAttempts > st.MaxReconnectAttempts {
			t.Fatalf("attempts %d exceed max", st.ReconnectAttempts)
		}
		timers.fire(t, reconnectKey)
	}

	if timers.has(reconnectKey) {
		t.Fatal("timer armed past the ceiling")
	}
	st := m.Status()
	if st.Reconnecting || st.ReconnectAttempts != 5 {
		t.Fatalf("final state: %+v", st)
	}
	if sess.inits != 5 {
		t.Fatalf("Initialize called %d times, want 5", sess.inits)
	}
	if n := rec.count(notify.TypeReconnectFailed); n != 1 {
		t.Fatalf("reconnect_failed emitted %d times", n)
	}

	var delays []time.Duration
	for _, at := range timers.log {
		delays = append(delays, at.Sub(epoch))
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delays = %v, want %v", delays, want)
		}
	}

	m.OnDisconnected("again")
	if timers.has(reconnectKey) {
		t.Fatal("disconnect after exhaustion re-armed a timer")
	}
	if n := rec.count(notify.TypeReconnectFailed); n != 2 {
		t.Fatalf("reconnect_failed emitted %d times after second disconnect", n)
	}
}

func TestReadyResetsReconnectState(t *testing.T) {
	t.Parallel()
	m, _, timers, _ := newTestMachine(t)
	m.OnDisconnected("conflict")
	if !timers.has(reconnectKey) {
		t.Fatal("no reconnect timer armed")
	}

	m.OnReady()
	if timers.has(reconnectKey) {
		t.Fatal("reconnect timer survived ready")
	}
	st := m.Status()
	if st.Reconnecting || st.ReconnectAttempts != 0 {
		t.Fatalf("after ready: %+v", st)
	}
}

func TestStaleReconnectTimerIsNoop(t *testing.T) {
	t.Parallel()
	m, sess, timers, _ := newTestMachine(t)
	m.OnDisconnected("conflict")
	timers.mu.Lock()
	stale := timers.armed[reconnectKey].fn
	timers.mu.Unlock()

	m.OnReady()
	stale()
	if sess.inits != 0 {
		t.Fatalf("stale timer triggered Initialize %d times", sess.inits)
	}
}

func TestManualReconnectConflicts(t *testing.T) {
	t.Parallel()
	m, sess, _, _ := newTestMachine(t)

	m.OnReady()
	if err := m.ManualReconnect(context.Background()); !domain.IsConflict(err) {
		t.Fatalf("ManualReconnect while ready = %v, want ConflictError", err)
	}

	m.OnDisconnected("lost")
	before := m.Status()
	if !before.Reconnecting {
		t.Fatal("expected reconnecting after disconnect")
	}
	if err := m.ManualReconnect(context.Background()); !domain.IsConflict(err) {
		t.Fatalf("ManualReconnect while reconnecting = %v, want ConflictError", err)
	}
	if after := m.Status(); after != before {
		t.Fatalf("state changed by rejected request: %+v -> %+v", before, after)
	}
	if sess.inits != 0 {
		t.Fatalf("rejected request initialized the session")
	}
}

func TestManualReconnectResetsAttempts(t *testing.T) {
	t.Parallel()
	m, sess, timers, rec := newTestMachine(t)
	sess.initErr = errors.New("down")
	m.OnDisconnected("lost")
	for i := 0; i < 5; i++ {
		timers.fire(t, reconnectKey)
	}
	if st := m.Status(); st.Reconnecting || st.ReconnectAttempts != 5 {
		t.Fatalf("expected exhausted state, got %+v", st)
	}

	sess.mu.Lock()
	sess.initErr = nil
	sess.onInit = func() {
		if st := m.Status(); !st.Reconnecting || st.ReconnectAttempts != 0 {
			t.Errorf("during manual attempt: %+v", st)
		}
	}
	sess.mu.Unlock()

	if err := m.ManualReconnect(context.Background()); err != nil {
		t.Fatalf("ManualReconnect: %v", err)
	}
	if st := m.Status(); st.Reconnecting || st.ReconnectAttempts != 0 {
		t.Fatalf("after manual reconnect: %+v", st)
	}
	if rec.count(notify.TypeReconnecting) != 6 {
		t.Fatalf("reconnecting events = %d, want 6", rec.count(notify.TypeReconnecting))
	}
}

func TestManualReconnectFailureSurfaces(t *testing.T) {
	t.Parallel()
	m, sess, _, _ := newTestMachine(t)
	sess.initErr = errors.New("no browser")
	err := m.ManualReconnect(context.Background())
	if err == nil || !errors.Is(err, sess.initErr) {
		t.Fatalf("ManualReconnect = %v, want wrapped init error", err)
	}
	if m.Status().Reconnecting {
		t.Fatal("reconnecting flag left set after failure")
	}
}

func TestResetSession(t *testing.T) {
	t.Parallel()
	m, sess, timers, rec := newTestMachine(t)
	sess.destroyFn = func() { m.OnDisconnected("destroyed") }
	m.OnQR("old")
	m.OnReady()

	if err := m.ResetSession(context.Background()); err != nil {
		t.Fatalf("ResetSession: %v", err)
	}
	if sess.destroys != 1 || sess.resets != 1 || sess.inits != 1 {
		t.Fatalf("session calls destroy=%d reset=%d init=%d", sess.destroys, sess.resets, sess.inits)
	}
	if timers.has(reconnectKey) {
		t.Fatal("reset triggered automatic reconnection")
	}
	st := m.Status()
	if st.Ready || st.QRAvailable || st.Reconnecting || st.ReconnectAttempts != 0 {
		t.Fatalf("after reset: %+v", st)
	}
	if rec.count(notify.TypeSessionReset) != 1 {
		t.Fatal("session_reset not emitted")
	}

	m.OnQR("fresh")
	if m.QR() != "fresh" {
		t.Fatalf("QR = %q", m.QR())
	}
}
