// Package syncengine reconciles the local record store with the remote API
// in the background. It never returns network errors to its callers; every
// run produces a Report instead.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"expense-sync/internal/models"
	"expense-sync/internal/remote"
	"expense-sync/internal/storage"
	"expense-sync/internal/tokenrefresh"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// ErrNoIdentity aborts a run when no user is logged in.
var ErrNoIdentity = errors.New("no active user")

type recordStore interface {
	FindPending(ownerUserID int64) ([]models.ExpenseRecord, error)
	MarkSynced(localID string, seq int64, remoteID int64) (*models.ExpenseRecord, error)
	MarkFailed(localID string, seq int64, reason string) (bool, error)
	Purge(localID string, seq int64) (bool, error)
	ApplyPulled(ownerUserID int64, remote []models.ExpenseRecord) (storage.PullResult, error)
}

type tokenSource interface {
	Token(ctx context.Context) (models.AuthToken, error)
	HandleUnauthorized(ctx context.Context, stale string) (models.AuthToken, error)
}

type identity interface {
	CurrentUserID() (int64, bool)
}

// API is the part of the remote client the engine drives.
type API interface {
	ListExpenses(ctx context.Context, token string) ([]remote.Expense, error)
	CreateExpense(ctx context.Context, token string, in remote.ExpenseInput) (*remote.Expense, error)
	UpdateExpense(ctx context.Context, token string, id int64, in remote.ExpenseInput) (*remote.Expense, error)
	DeleteExpense(ctx context.Context, token string, id int64) error
	BulkDelete(ctx context.Context, token string, ids []int64) error
}

// FailureHandler is told about a record the remote rejected. It is called
// once per rejected mutation.
type FailureHandler func(r models.ExpenseRecord, err error)

// Report summarises one run.
type Report struct {
	Created  int
	Updated  int
	Deleted  int
	Purged   int
	Failed   int
	Deferred int
	Pulled   storage.PullResult

	// Aborted is set when the run stopped early: no user, no token, an
	// authorization failure, cancellation or a local store error.
	Aborted error

	retry bool
}

// Transient reports whether the run hit a network or server failure that a
// later run should retry.
func (r Report) Transient() bool {
	return r.retry
}

func (r Report) changed() bool {
	return r.Created+r.Updated+r.Deleted+r.Purged+r.Failed > 0 || r.Pulled != (storage.PullResult{})
}

// Option configures an Engine.
type Option func(*Engine)

// WithInterval sets the period of the background tick.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

// WithJitter spreads each tick by up to ±fraction of the interval.
func WithJitter(fraction float64) Option {
	return func(e *Engine) { e.jitter = fraction }
}

// WithRetryBackoff bounds the exponential backoff used after a run that
// left transient failures behind.
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(e *Engine) {
		e.retryInitial = initial
		e.retryMax = max
	}
}

// WithPull enables refreshing local records from the remote list after uploads.
func WithPull(enabled bool) Option {
	return func(e *Engine) { e.pull = enabled }
}

// WithBulkDeleteMax caps the number of ids sent in one bulk delete.
func WithBulkDeleteMax(n int) Option {
	return func(e *Engine) { e.bulkMax = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithFailureHandler registers fn for records the remote rejected.
func WithFailureHandler(fn FailureHandler) Option {
	return func(e *Engine) { e.onFailure = fn }
}

// Engine uploads pending local mutations.
type Engine struct {
	store    recordStore
	tokens   tokenSource
	identity identity
	api      API
	log      *slog.Logger

	interval     time.Duration
	jitter       float64
	retryInitial time.Duration
	retryMax     time.Duration
	pull         bool
	bulkMax      int
	onFailure    FailureHandler

	trigger chan struct{}
	runMu   sync.Mutex
	runs    atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an Engine. It does nothing until Start or RunOnce is called.
func New(store recordStore, tokens tokenSource, ident identity, api API, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		tokens:       tokens,
		identity:     ident,
		api:          api,
		interval:     5 * time.Minute,
		jitter:       0.1,
		retryInitial: 5 * time.Second,
		retryMax:     5 * time.Minute,
		bulkMax:      100,
		trigger:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e.log = e.log.With("component", "syncengine")
	return e
}

// TriggerUploadSync asks for a run as soon as possible. It never blocks;
// triggers arriving while a run is in progress collapse into one follow-up run.
func (e *Engine) TriggerUploadSync() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// RunCount returns how many runs have completed.
func (e *Engine) RunCount() int64 {
	return e.runs.Load()
}

// Start launches the background loop, which runs immediately and then on
// every trigger and tick until ctx is cancelled or Stop is called. Starting
// a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.loop(ctx, e.done)
	e.log.Info("sync engine started", slog.Duration("interval", e.interval))
}

// Stop cancels the background loop. A network call already sent still has
// its result applied, but no further call is made. Stop does not wait; use
// Wait for that.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel == nil {
		return
	}
	e.cancel()
	e.cancel = nil
	e.log.Info("sync engine stopped")
}

// Running reports whether the background loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel != nil
}

// Wait blocks until the most recently started loop has exited.
func (e *Engine) Wait() {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryInitial
	b.MaxInterval = e.retryMax
	b.MaxElapsedTime = 0
	b.Reset()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.trigger:
		case <-timer.C:
		}

		report := e.RunOnce(ctx)

		wait := e.nextInterval()
		if report.Transient() {
			wait = b.NextBackOff()
		} else {
			b.Reset()
		}
		timer.Reset(wait)
	}
}

func (e *Engine) nextInterval() time.Duration {
	if e.jitter <= 0 {
		return e.interval
	}
	spread := float64(e.interval) * e.jitter
	return e.interval + time.Duration((rand.Float64()*2-1)*spread)
}

// RunOnce performs one reconciliation run and reports what it did.
// Runs are serialised; a call made during another run waits for it.
func (e *Engine) RunOnce(ctx context.Context) Report {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	defer e.runs.Add(1)

	start := time.Now()
	report := e.run(ctx)

	attrs := []any{
		slog.Int("created", report.Created),
		slog.Int("updated", report.Updated),
		slog.Int("deleted", report.Deleted),
		slog.Int("purged", report.Purged),
		slog.Int("failed", report.Failed),
		slog.Int("deferred", report.Deferred),
		slog.Duration("took", time.Since(start)),
	}
	switch {
	case report.Aborted != nil:
		e.log.Info("sync run aborted", append(attrs, slog.String("reason", report.Aborted.Error()))...)
	case report.changed():
		e.log.Info("sync run finished", attrs...)
	default:
		e.log.Debug("sync run finished", attrs...)
	}
	return report
}

// errAuth marks a failure that needs the user to log in again.
type errAuth struct{ err error }

func (e errAuth) Error() string { return "authorization: " + e.err.Error() }
func (e errAuth) Unwrap() error { return e.err }

func (e *Engine) run(ctx context.Context) Report {
	var report Report

	if err := ctx.Err(); err != nil {
		report.Aborted = err
		return report
	}
	owner, ok := e.identity.CurrentUserID()
	if !ok {
		report.Aborted = ErrNoIdentity
		return report
	}

	pending, err := e.store.FindPending(owner)
	if err != nil {
		report.Aborted = fmt.Errorf("find pending: %w", err)
		return report
	}

	// Deletions of records the remote never saw need no network.
	work := pending[:0:0]
	for _, r := range pending {
		if r.Deleted && !r.HasRemoteID() {
			purged, err := e.store.Purge(r.LocalID, r.MutationSeq)
			if err != nil {
				report.Aborted = err
				return report
			}
			if purged {
				report.Purged++
			}
			continue
		}
		work = append(work, r)
	}

	if len(work) == 0 && !e.pull {
		return report
	}

	tok, err := e.tokens.Token(ctx)
	if err != nil {
		// Without a token nothing is sent; the run fails closed.
		report.Aborted = err
		report.Deferred = len(work)
		report.retry = retryable(err)
		return report
	}

	var deletes []models.ExpenseRecord
	for i, r := range work {
		if err := ctx.Err(); err != nil {
			report.Aborted = err
			report.Deferred += len(work) - i + len(deletes)
			return report
		}
		if r.Deleted {
			deletes = append(deletes, r)
			continue
		}
		if err := e.upload(ctx, &tok, r, &report); err != nil {
			report.Aborted = err
			report.Deferred += len(work) - i - 1 + len(deletes)
			return report
		}
	}

	if err := e.deleteAll(ctx, &tok, deletes, &report); err != nil {
		report.Aborted = err
		return report
	}

	if e.pull {
		if err := ctx.Err(); err != nil {
			report.Aborted = err
			return report
		}
		if err := e.pullAll(ctx, &tok, owner, &report); err != nil {
			report.Aborted = err
		}
	}
	return report
}

// call issues fn with the current token. A 401 refreshes the token once and
// retries; a second 401 or a failed refresh is returned as errAuth.
func (e *Engine) call(ctx context.Context, tok *models.AuthToken, fn func(ctx context.Context, token string) error) error {
	// The call runs to completion once sent so its result can still be applied.
	callCtx := context.WithoutCancel(ctx)

	err := fn(callCtx, tok.Value)
	if remote.Classify(err) != remote.KindUnauthorized {
		return err
	}
	fresh, rerr := e.tokens.HandleUnauthorized(ctx, tok.Value)
	if rerr != nil {
		return errAuth{rerr}
	}
	*tok = fresh
	if err := ctx.Err(); err != nil {
		return err
	}
	err = fn(callCtx, tok.Value)
	if remote.Classify(err) == remote.KindUnauthorized {
		return errAuth{err}
	}
	return err
}

// upload sends one create or update. It returns an error only when the
// whole run must stop.
func (e *Engine) upload(ctx context.Context, tok *models.AuthToken, r models.ExpenseRecord, report *Report) error {
	in := remote.InputFromRecord(r)

	var (
		remoteID int64
		created  = !r.HasRemoteID()
	)
	err := e.call(ctx, tok, func(ctx context.Context, token string) error {
		if created {
			got, err := e.api.CreateExpense(ctx, token, in)
			if err != nil {
				return err
			}
			remoteID = got.ID
			return nil
		}
		remoteID = *r.RemoteID
		_, err := e.api.UpdateExpense(ctx, token, remoteID, in)
		return err
	})
	if err != nil {
		return e.settleFailure(r, err, report)
	}

	if _, err := e.store.MarkSynced(r.LocalID, r.MutationSeq, remoteID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if created {
		report.Created++
	} else {
		report.Updated++
	}
	return nil
}

// settleFailure applies the failure policy to r. Transient failures stay
// Pending; rejections become Failed. Network-level errors stop the run
// since the remaining records would fail the same way.
func (e *Engine) settleFailure(r models.ExpenseRecord, err error, report *Report) error {
	var auth errAuth
	if errors.As(err, &auth) || errors.Is(err, context.Canceled) {
		report.Deferred++
		report.retry = retryable(err)
		return err
	}

	switch remote.Classify(err) {
	case remote.KindValidation, remote.KindNotFound:
		marked, merr := e.store.MarkFailed(r.LocalID, r.MutationSeq, err.Error())
		if merr != nil {
			return merr
		}
		if marked {
			report.Failed++
			e.log.Warn("record rejected by remote", slog.String("local_id", r.LocalID), slog.String("error", err.Error()))
			if e.onFailure != nil {
				e.onFailure(r, err)
			}
		}
		return nil
	default:
		report.Deferred++
		report.retry = true
		if !isAPIError(err) {
			return err
		}
		e.log.Debug("upload deferred", slog.String("local_id", r.LocalID), slog.String("error", err.Error()))
		return nil
	}
}

// retryable reports whether a token or auth failure may clear up by itself.
func retryable(err error) bool {
	if errors.Is(err, tokenrefresh.ErrNoToken) || errors.Is(err, tokenrefresh.ErrRefreshRejected) ||
		errors.Is(err, context.Canceled) {
		return false
	}
	return remote.Classify(err) == remote.KindTransient
}

func isAPIError(err error) bool {
	var apiErr *remote.APIError
	return errors.As(err, &apiErr)
}

// deleteAll sends the run's remote deletions, one request for a single
// record and bulk requests otherwise.
func (e *Engine) deleteAll(ctx context.Context, tok *models.AuthToken, deletes []models.ExpenseRecord, report *Report) error {
	if len(deletes) == 0 {
		return nil
	}
	if len(deletes) == 1 {
		return e.deleteOne(ctx, tok, deletes[0], report)
	}

	size := e.bulkMax
	if size <= 0 {
		size = len(deletes)
	}
	for start := 0; start < len(deletes); start += size {
		batch := deletes[start:min(start+size, len(deletes))]
		if start > 0 {
			if err := ctx.Err(); err != nil {
				report.Deferred += len(deletes) - start
				return err
			}
		}
		ids := make([]int64, len(batch))
		for i, r := range batch {
			ids[i] = *r.RemoteID
		}
		err := e.call(ctx, tok, func(ctx context.Context, token string) error {
			return e.api.BulkDelete(ctx, token, ids)
		})
		var auth errAuth
		switch {
		case err == nil, remote.Classify(err) == remote.KindNotFound:
			// Already gone remotely.
		case errors.As(err, &auth), errors.Is(err, context.Canceled):
			report.Deferred += len(deletes) - start
			report.retry = retryable(err)
			return err
		case remote.Classify(err) == remote.KindTransient:
			report.Deferred += len(deletes) - start
			report.retry = true
			if !isAPIError(err) {
				return err
			}
			return nil
		default:
			// The remote rejected the batch as a whole. Resend it one record
			// at a time so only the offending records fail.
			e.log.Debug("bulk delete rejected, retrying per record", slog.String("error", err.Error()))
			for i, r := range batch {
				if err := e.deleteOne(ctx, tok, r, report); err != nil {
					report.Deferred += len(deletes) - start - i - 1
					return err
				}
			}
			continue
		}
		if err := e.purgeDeleted(batch, report); err != nil {
			return err
		}
	}
	return nil
}

// deleteOne sends one remote delete. A row already missing remotely counts
// as deleted; a rejection restores the record locally as Failed.
func (e *Engine) deleteOne(ctx context.Context, tok *models.AuthToken, r models.ExpenseRecord, report *Report) error {
	err := e.call(ctx, tok, func(ctx context.Context, token string) error {
		return e.api.DeleteExpense(ctx, token, *r.RemoteID)
	})
	if err != nil && remote.Classify(err) != remote.KindNotFound {
		return e.settleFailure(r, err, report)
	}
	return e.purgeDeleted([]models.ExpenseRecord{r}, report)
}

func (e *Engine) purgeDeleted(batch []models.ExpenseRecord, report *Report) error {
	for _, r := range batch {
		purged, err := e.store.Purge(r.LocalID, r.MutationSeq)
		if err != nil {
			return err
		}
		if purged {
			report.Deleted++
		}
	}
	return nil
}

func (e *Engine) pullAll(ctx context.Context, tok *models.AuthToken, owner int64, report *Report) error {
	var list []remote.Expense
	err := e.call(ctx, tok, func(ctx context.Context, token string) error {
		var err error
		list, err = e.api.ListExpenses(ctx, token)
		return err
	})
	if err != nil {
		var auth errAuth
		if errors.As(err, &auth) {
			return err
		}
		report.retry = remote.Classify(err) == remote.KindTransient
		e.log.Debug("pull skipped", slog.String("error", err.Error()))
		return nil
	}

	records := make([]models.ExpenseRecord, 0, len(list))
	for _, x := range list {
		r := x.Record()
		if r.LocalID == "" {
			r.LocalID = uuid.NewString()
		}
		records = append(records, r)
	}
	res, err := e.store.ApplyPulled(owner, records)
	if err != nil {
		return err
	}
	report.Pulled = res
	return nil
}
