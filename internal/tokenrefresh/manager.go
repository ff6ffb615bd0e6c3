// Package tokenrefresh keeps the sync process authorized. It owns the token
// expiry timer, makes sure at most one refresh call is in flight and reports
// an unrecoverable refresh failure exactly once.
package tokenrefresh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"expense-sync/internal/models"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoToken is returned when no token is held, so nothing can be refreshed.
	ErrNoToken = errors.New("no access token")
	// ErrRefreshRejected is returned when the remote refused to refresh the token.
	ErrRefreshRejected = errors.New("token refresh rejected")
)

// State is the lifecycle position of the current token.
type State int

const (
	StateAbsent State = iota
	StateValid
	StateExpiring
	StateRefreshing
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateExpiring:
		return "expiring"
	case StateRefreshing:
		return "refreshing"
	case StateInvalid:
		return "invalid"
	default:
		return "absent"
	}
}

type tokenStore interface {
	Get() (models.AuthToken, bool, error)
	Set(tok models.AuthToken) error
	Clear() error
}

// Refresher exchanges the current token for a new one.
type Refresher interface {
	Refresh(ctx context.Context, current string) (models.AuthToken, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithRefreshWindow sets how long before expiry a token counts as expiring.
func WithRefreshWindow(d time.Duration) Option {
	return func(m *Manager) { m.window = d }
}

// WithRefreshTimeout bounds a single refresh call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRejectionClassifier decides which refresh errors are authoritative.
// Other errors leave the token Expiring so the next use retries.
func WithRejectionClassifier(fn func(error) bool) Option {
	return func(m *Manager) { m.isRejection = fn }
}

// Manager drives the Valid → Expiring → Refreshing → Valid|Invalid cycle.
type Manager struct {
	store       tokenStore
	refresher   Refresher
	log         *slog.Logger
	window      time.Duration
	timeout     time.Duration
	now         func() time.Time
	isRejection func(error) bool

	mu         sync.Mutex
	state      State
	timer      *time.Timer
	generation uint64
	failed     bool
	onFailure  func(error)

	flight singleflight.Group
}

// NewManager returns a Manager writing through store. Call Restore before use.
func NewManager(store tokenStore, refresher Refresher, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		refresher:   refresher,
		window:      2 * time.Minute,
		timeout:     30 * time.Second,
		now:         time.Now,
		isRejection: func(error) bool { return true },
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m.log = m.log.With("component", "tokenrefresh")
	return m
}

// OnFailure registers fn, called once when a refresh is rejected.
func (m *Manager) OnFailure(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailure = fn
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Restore loads the persisted token and arms the expiry timer.
func (m *Manager) Restore() error {
	tok, ok, err := m.store.Get()
	if err != nil {
		return fmt.Errorf("restore token: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	m.failed = false
	if !ok {
		m.stopTimerLocked()
		m.state = StateAbsent
		return nil
	}
	m.armLocked(tok)
	return nil
}

// Install stores a token obtained by login, registration or refresh.
func (m *Manager) Install(tok models.AuthToken) error {
	if tok.IsZero() {
		return ErrNoToken
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Set(tok); err != nil {
		return fmt.Errorf("install token: %w", err)
	}
	m.generation++
	m.failed = false
	m.armLocked(tok)
	return nil
}

// Clear drops the token and cancels the expiry timer without reporting a failure.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	m.stopTimerLocked()
	m.state = StateAbsent
	if err := m.store.Clear(); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}

// Token returns a usable token, refreshing first when it is expiring.
// Concurrent callers share one refresh call.
func (m *Manager) Token(ctx context.Context) (models.AuthToken, error) {
	m.mu.Lock()
	tok, ok, err := m.store.Get()
	if err != nil {
		m.mu.Unlock()
		return models.AuthToken{}, err
	}
	if !ok {
		m.mu.Unlock()
		return models.AuthToken{}, ErrNoToken
	}
	if m.state == StateAbsent {
		m.armLocked(tok)
	}
	if m.state == StateValid && tok.ExpiresWithin(m.now(), m.window) {
		m.state = StateExpiring
	}
	state := m.state
	m.mu.Unlock()

	if state == StateValid {
		return tok, nil
	}
	fresh, err := m.refresh(ctx, tok.Value)
	if err != nil && m.stillUsable(ctx, tok, err) {
		m.log.Debug("using expiring token after failed refresh", slog.String("error", err.Error()))
		return tok, nil
	}
	return fresh, err
}

// stillUsable reports whether tok may be used after its refresh failed: the
// failure was transient and tok has not expired yet.
func (m *Manager) stillUsable(ctx context.Context, tok models.AuthToken, err error) bool {
	if ctx.Err() != nil || errors.Is(err, ErrRefreshRejected) || errors.Is(err, ErrNoToken) {
		return false
	}
	return !tok.ExpiredAt(m.now())
}

// HandleUnauthorized forces a refresh after the remote rejected stale with 401.
// If stale was already replaced the current token is returned without a call.
func (m *Manager) HandleUnauthorized(ctx context.Context, stale string) (models.AuthToken, error) {
	m.mu.Lock()
	if m.state == StateValid {
		m.state = StateExpiring
		if cur, ok, _ := m.store.Get(); ok && cur.Value != stale {
			m.state = StateValid
			m.mu.Unlock()
			return cur, nil
		}
	}
	m.mu.Unlock()
	return m.refresh(ctx, stale)
}

func (m *Manager) refresh(ctx context.Context, stale string) (models.AuthToken, error) {
	ch := m.flight.DoChan("refresh", func() (any, error) {
		return m.doRefresh(stale)
	})
	select {
	case <-ctx.Done():
		return models.AuthToken{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.AuthToken{}, res.Err
		}
		return res.Val.(models.AuthToken), nil
	}
}

func (m *Manager) doRefresh(stale string) (models.AuthToken, error) {
	m.mu.Lock()
	cur, ok, err := m.store.Get()
	if err != nil {
		m.mu.Unlock()
		return models.AuthToken{}, err
	}
	if !ok {
		m.mu.Unlock()
		return models.AuthToken{}, ErrNoToken
	}
	if cur.Value != stale && m.state == StateValid {
		// Someone else's flight already replaced the token.
		m.mu.Unlock()
		return cur, nil
	}
	m.state = StateRefreshing
	gen := m.generation
	m.mu.Unlock()

	// Detached from any single caller so one cancelled waiter does not fail the rest.
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	fresh, err := m.refresher.Refresh(ctx, cur.Value)
	cancel()

	m.mu.Lock()
	if gen != m.generation {
		// Logged out or replaced while the call was in flight.
		m.mu.Unlock()
		return models.AuthToken{}, ErrNoToken
	}

	if err != nil {
		if !m.isRejection(err) {
			m.state = StateExpiring
			m.mu.Unlock()
			m.log.Warn("token refresh failed, will retry", slog.String("error", err.Error()))
			return models.AuthToken{}, fmt.Errorf("refresh token: %w", err)
		}

		m.state = StateInvalid
		m.stopTimerLocked()
		if clearErr := m.store.Clear(); clearErr != nil {
			m.log.Error("clear rejected token", slog.String("error", clearErr.Error()))
		}
		fire := !m.failed
		m.failed = true
		cb := m.onFailure
		m.mu.Unlock()

		m.log.Warn("token refresh rejected", slog.String("error", err.Error()))
		if fire && cb != nil {
			cb(err)
		}
		return models.AuthToken{}, fmt.Errorf("%w: %v", ErrRefreshRejected, err)
	}

	if err := m.store.Set(fresh); err != nil {
		m.state = StateExpiring
		m.mu.Unlock()
		return models.AuthToken{}, fmt.Errorf("store refreshed token: %w", err)
	}
	m.generation++
	m.failed = false
	m.armLocked(fresh)
	m.mu.Unlock()

	m.log.Info("token refreshed")
	return fresh, nil
}

// armLocked sets the state for tok and schedules the Valid → Expiring transition.
func (m *Manager) armLocked(tok models.AuthToken) {
	m.stopTimerLocked()

	at, ok := tok.Expiry.Time()
	if !ok {
		m.state = StateValid
		return
	}
	d := at.Add(-m.window).Sub(m.now())
	if d <= 0 {
		m.state = StateExpiring
		return
	}
	m.state = StateValid
	gen := m.generation
	m.timer = time.AfterFunc(d, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen == m.generation && m.state == StateValid {
			m.state = StateExpiring
		}
	})
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
