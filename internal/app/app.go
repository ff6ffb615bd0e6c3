// Package app wires the sync core together and runs the authentication
// flows. Everything is constructed explicitly in New; there is no global
// registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"expense-sync/internal/config"
	"expense-sync/internal/models"
	"expense-sync/internal/remote"
	"expense-sync/internal/repository"
	"expense-sync/internal/session"
	"expense-sync/internal/storage"
	"expense-sync/internal/syncengine"
	"expense-sync/internal/tokenrefresh"
	"expense-sync/internal/tokenstore"
)

var (
	// ErrSessionExpired is returned after the remote refused to renew the session.
	ErrSessionExpired = errors.New("session expired, please log in again")
	// ErrNotLoggedIn is returned by operations that need an active session.
	ErrNotLoggedIn = errors.New("not logged in")
)

// NoticeKind identifies a user-facing notification.
type NoticeKind int

const (
	// NoticeSessionExpired follows a forced logout.
	NoticeSessionExpired NoticeKind = iota + 1
	// NoticeSyncRejected reports a record the remote refused.
	NoticeSyncRejected
)

// Notice is a message for the user. It is delivered once.
type Notice struct {
	Kind    NoticeKind
	Message string
	LocalID string
}

// Option configures an App.
type Option func(*App)

// WithHTTPClient replaces the http.Client used for the remote API.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *App) { a.httpClient = hc }
}

// WithNotifier registers fn for user notifications. fn must not block.
func WithNotifier(fn func(Notice)) Option {
	return func(a *App) { a.notify = fn }
}

// App owns every component of the sync core.
type App struct {
	cfg        *config.Config
	log        *slog.Logger
	httpClient *http.Client
	notify     func(Notice)

	db       *storage.DB
	tokens   *tokenstore.Store
	refresh  *tokenrefresh.Manager
	identity *session.Identity
	sessions *session.Manager
	client   *remote.Client
	engine   *syncengine.Engine
	repo     *repository.Repository

	mu      sync.Mutex
	baseCtx context.Context
	expired bool
}

// New opens the local store and constructs every component. Call Start
// before use and Close when done.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a := &App{cfg: cfg, log: logger, baseCtx: context.Background()}
	for _, opt := range opts {
		opt(a)
	}
	if a.notify == nil {
		a.notify = func(Notice) {}
	}

	db, err := storage.NewDB(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	a.db = db

	clientOpts := []remote.Option{remote.WithLogger(logger)}
	if a.httpClient != nil {
		clientOpts = append(clientOpts, remote.WithHTTPClient(a.httpClient))
	} else {
		clientOpts = append(clientOpts, remote.WithTimeout(cfg.Remote.Timeout))
	}
	a.client = remote.NewClient(cfg.Remote.BaseURL, clientOpts...)

	a.tokens = tokenstore.New(db)
	a.refresh = tokenrefresh.NewManager(a.tokens, a.client,
		tokenrefresh.WithRefreshWindow(cfg.Token.RefreshWindow),
		tokenrefresh.WithRefreshTimeout(cfg.Token.RefreshTimeout),
		tokenrefresh.WithRejectionClassifier(remote.IsRejection),
		tokenrefresh.WithLogger(logger),
	)
	a.refresh.OnFailure(a.forceLogout)

	a.identity = session.NewIdentity(db)
	a.sessions = session.NewManager(db)

	a.engine = syncengine.New(db, a.refresh, a.identity, a.client,
		syncengine.WithInterval(cfg.Sync.Interval),
		syncengine.WithJitter(cfg.Sync.Jitter),
		syncengine.WithRetryBackoff(cfg.Sync.RetryInitial, cfg.Sync.RetryMax),
		syncengine.WithPull(cfg.Sync.Pull),
		syncengine.WithBulkDeleteMax(cfg.Sync.BulkDeleteMax),
		syncengine.WithLogger(logger),
		syncengine.WithFailureHandler(func(r models.ExpenseRecord, err error) {
			a.notify(Notice{Kind: NoticeSyncRejected, Message: err.Error(), LocalID: r.LocalID})
		}),
	)
	a.repo = repository.New(db, a.identity, a.engine, logger)

	return a, nil
}

// Start restores the persisted session and, when a token is held, starts
// background sync. It must complete before any scoped read is trusted.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	a.baseCtx = ctx
	a.mu.Unlock()

	if err := a.identity.RestoreStoredSession(); err != nil {
		return err
	}
	if err := a.sessions.Restore(); err != nil {
		return err
	}
	if err := a.refresh.Restore(); err != nil {
		return err
	}
	if a.sessions.IsActive() {
		a.identity.Resume()
	}

	if a.refresh.State() != tokenrefresh.StateAbsent && a.sessions.IsActive() {
		a.engine.Start(ctx)
	}
	a.log.Info("sync core started",
		slog.Bool("session_active", a.sessions.IsActive()),
		slog.String("token", a.refresh.State().String()),
	)
	return nil
}

// Close stops background sync and closes the local store.
func (a *App) Close() error {
	a.engine.Stop()
	a.engine.Wait()
	return a.db.Close()
}

// Repository returns the facade for record reads and writes.
func (a *App) Repository() *repository.Repository {
	return a.repo
}

// Engine returns the sync engine.
func (a *App) Engine() *syncengine.Engine {
	return a.engine
}

// Session returns the current session, active or not.
func (a *App) Session() models.Session {
	return a.sessions.Current()
}

// Touch records user activity on the active session.
func (a *App) Touch() error {
	if !a.sessions.IsActive() {
		return nil
	}
	return a.sessions.Touch()
}

// SessionExpired reports whether the last session ended by a forced logout.
func (a *App) SessionExpired() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expired
}

// Login authenticates against the remote and starts a session.
func (a *App) Login(ctx context.Context, email, password string) (models.Session, error) {
	resp, err := a.client.Login(ctx, email, password)
	if err != nil {
		return models.Session{}, fmt.Errorf("login: %w", err)
	}
	return a.begin(resp)
}

// Register creates a remote account and starts a session for it.
func (a *App) Register(ctx context.Context, name, email, password string) (models.Session, error) {
	resp, err := a.client.Register(ctx, name, email, password)
	if err != nil {
		return models.Session{}, fmt.Errorf("register: %w", err)
	}
	return a.begin(resp)
}

func (a *App) begin(resp *remote.AuthResponse) (models.Session, error) {
	if resp.User.ID == models.OrphanOwnerID {
		return models.Session{}, fmt.Errorf("login: remote returned reserved user id %d", resp.User.ID)
	}
	tok := resp.AuthToken(time.Now())
	if err := a.refresh.Install(tok); err != nil {
		return models.Session{}, fmt.Errorf("login: %w", err)
	}
	if err := a.identity.UpdateUserID(resp.User.ID); err != nil {
		return models.Session{}, fmt.Errorf("login: %w", err)
	}
	migrated, err := a.identity.MigrateOrphanedRecordsToCurrentUser()
	if err != nil {
		return models.Session{}, fmt.Errorf("login: %w", err)
	}
	if err := a.sessions.StartSession(resp.User); err != nil {
		return models.Session{}, fmt.Errorf("login: %w", err)
	}

	a.mu.Lock()
	a.expired = false
	ctx := a.baseCtx
	a.mu.Unlock()

	a.engine.Start(ctx)
	a.engine.TriggerUploadSync()

	a.log.Info("logged in", slog.Int64("user_id", resp.User.ID), slog.Int64("migrated_records", migrated))
	return a.sessions.Current(), nil
}

// Logout ends the session. The remote is told on a best-effort basis;
// local records stay for offline browsing.
func (a *App) Logout(ctx context.Context) error {
	if tok, ok, err := a.tokens.Get(); err == nil && ok {
		if err := a.client.Logout(ctx, tok.Value); err != nil {
			a.log.Warn("remote logout failed", slog.String("error", err.Error()))
		}
	}
	if err := a.end(); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	a.log.Info("logged out")
	return nil
}

// forceLogout runs when the token can no longer be refreshed.
func (a *App) forceLogout(cause error) {
	a.log.Warn("session expired", slog.String("error", cause.Error()))
	if err := a.end(); err != nil {
		a.log.Error("forced logout", slog.String("error", err.Error()))
	}

	a.mu.Lock()
	a.expired = true
	a.mu.Unlock()
	a.notify(Notice{Kind: NoticeSessionExpired, Message: ErrSessionExpired.Error()})
}

// end stops sync and drops the token and active session, keeping local
// records and the persisted identity.
func (a *App) end() error {
	a.engine.Stop()
	var errs []error
	if err := a.refresh.Clear(); err != nil {
		errs = append(errs, err)
	}
	if err := a.sessions.EndSession(); err != nil {
		errs = append(errs, err)
	}
	a.identity.ClearCurrentSession()
	return errors.Join(errs...)
}

// SyncNow runs one sync pass in the caller's goroutine.
func (a *App) SyncNow(ctx context.Context) (syncengine.Report, error) {
	if !a.sessions.IsActive() {
		if a.SessionExpired() {
			return syncengine.Report{}, ErrSessionExpired
		}
		return syncengine.Report{}, ErrNotLoggedIn
	}
	report := a.engine.RunOnce(ctx)
	if errors.Is(report.Aborted, tokenrefresh.ErrRefreshRejected) || a.SessionExpired() {
		return report, ErrSessionExpired
	}
	return report, nil
}

// Stats fetches a month's spending summary from the remote. Unlike record
// reads it needs the network and an active session.
func (a *App) Stats(ctx context.Context, year, month int) (*remote.MonthStats, error) {
	if !a.sessions.IsActive() {
		if a.SessionExpired() {
			return nil, ErrSessionExpired
		}
		return nil, ErrNotLoggedIn
	}
	tok, err := a.refresh.Token(ctx)
	if err != nil {
		return nil, a.authErr(err)
	}
	stats, err := a.client.Stats(ctx, tok.Value, year, month)
	if remote.Classify(err) == remote.KindUnauthorized {
		if tok, err = a.refresh.HandleUnauthorized(ctx, tok.Value); err != nil {
			return nil, a.authErr(err)
		}
		stats, err = a.client.Stats(ctx, tok.Value, year, month)
	}
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return stats, nil
}

func (a *App) authErr(err error) error {
	if errors.Is(err, tokenrefresh.ErrRefreshRejected) || errors.Is(err, tokenrefresh.ErrNoToken) {
		return ErrSessionExpired
	}
	return fmt.Errorf("stats: %w", err)
}

// Status summarises the local state for display.
type Status struct {
	Session     models.Session
	TokenState  tokenrefresh.State
	SyncRunning bool
	Counts      map[models.SyncStatus]int
}

// Status returns the current Status. Counts cover the session's user, or
// orphaned records when nobody has ever logged in.
func (a *App) Status() (Status, error) {
	s := Status{
		Session:     a.sessions.Current(),
		TokenState:  a.refresh.State(),
		SyncRunning: a.engine.Running(),
	}
	counts, err := a.db.CountByStatus(a.BrowsingOwner())
	if err != nil {
		return s, fmt.Errorf("status: %w", err)
	}
	s.Counts = counts
	return s, nil
}

// BrowsingOwner is the user whose records the UI shows: the active user,
// else the last user to log in on this device, else the orphan owner.
// New records get the same owner, so they stay visible after logout.
func (a *App) BrowsingOwner() int64 {
	return a.identity.OwnerForNewRecords()
}
