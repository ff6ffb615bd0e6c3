package tokenrefresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"expense-sync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu  sync.Mutex
	tok models.AuthToken
}

func (s *memStore) Get() (models.AuthToken, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tok, !s.tok.IsZero(), nil
}

func (s *memStore) Set(tok models.AuthToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok = tok
	return nil
}

func (s *memStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok = models.AuthToken{}
	return nil
}

type fakeRefresher struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
	next    models.AuthToken
}

func (f *fakeRefresher) Refresh(ctx context.Context, current string) (models.AuthToken, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return models.AuthToken{}, ctx.Err()
		}
	}
	if f.err != nil {
		return models.AuthToken{}, f.err
	}
	return f.next, nil
}

var errTransient = errors.New("connection refused")

func isRejection(err error) bool { return !errors.Is(err, errTransient) }

func hourToken(value string) models.AuthToken {
	return models.AuthToken{Value: value, Expiry: models.ExpiresAt(time.Now().Add(time.Hour))}
}

func expiringToken(value string) models.AuthToken {
	return models.AuthToken{Value: value, Expiry: models.ExpiresAt(time.Now().Add(30 * time.Second))}
}

func TestTokenValidNoRefresh(t *testing.T) {
	store := &memStore{}
	ref := &fakeRefresher{}
	m := NewManager(store, ref, WithRefreshWindow(time.Minute))
	require.NoError(t, m.Install(hourToken("t1")))

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t1", tok.Value)
	assert.Equal(t, StateValid, m.State())
	assert.Zero(t, ref.calls.Load())
}

func TestTokenNeverExpiring(t *testing.T) {
	m := NewManager(&memStore{}, &fakeRefresher{})
	require.NoError(t, m.Install(models.AuthToken{Value: "forever", Expiry: models.NeverExpires()}))
	assert.Equal(t, StateValid, m.State())

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "forever", tok.Value)
}

func TestTokenAbsent(t *testing.T) {
	m := NewManager(&memStore{}, &fakeRefresher{})
	require.NoError(t, m.Restore())
	assert.Equal(t, StateAbsent, m.State())

	_, err := m.Token(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	store := &memStore{}
	ref := &fakeRefresher{release: make(chan struct{}), next: hourToken("t2")}
	m := NewManager(store, ref, WithRefreshWindow(time.Minute))
	require.NoError(t, m.Install(expiringToken("t1")))
	assert.Equal(t, StateExpiring, m.State())

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.Token(context.Background())
			results[i], errs[i] = tok.Value, err
		}()
	}

	assert.Eventually(t, func() bool { return m.State() == StateRefreshing }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(ref.release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, []string{"t2", "t2"}, results)
	assert.Equal(t, int32(1), ref.calls.Load(), "exactly one network refresh")
	assert.Equal(t, StateValid, m.State())

	stored, _, _ := store.Get()
	assert.Equal(t, "t2", stored.Value)
}

func TestTimerMovesValidToExpiring(t *testing.T) {
	m := NewManager(&memStore{}, &fakeRefresher{}, WithRefreshWindow(time.Minute))
	tok := models.AuthToken{Value: "t1", Expiry: models.ExpiresAt(time.Now().Add(time.Minute + 50*time.Millisecond))}
	require.NoError(t, m.Install(tok))
	assert.Equal(t, StateValid, m.State())

	assert.Eventually(t, func() bool { return m.State() == StateExpiring }, time.Second, 5*time.Millisecond)
}

func TestRejectedRefreshInvalidatesOnce(t *testing.T) {
	store := &memStore{}
	ref := &fakeRefresher{release: make(chan struct{}), err: errors.New("401 unauthorized")}
	m := NewManager(store, ref, WithRefreshWindow(time.Minute), WithRejectionClassifier(isRejection))

	var failures atomic.Int32
	m.OnFailure(func(error) { failures.Add(1) })
	require.NoError(t, m.Install(expiringToken("t1")))

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Token(context.Background())
			// A caller arriving after the rejection finds no token at all.
			assert.True(t, errors.Is(err, ErrRefreshRejected) || errors.Is(err, ErrNoToken), "unexpected error: %v", err)
		}()
	}
	assert.Eventually(t, func() bool { return m.State() == StateRefreshing }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(ref.release)
	wg.Wait()

	assert.Equal(t, StateInvalid, m.State())
	assert.Equal(t, int32(1), failures.Load())
	_, ok, _ := store.Get()
	assert.False(t, ok, "rejected token is cleared")

	_, err := m.Token(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
	assert.Equal(t, int32(1), failures.Load())
}

func TestTransientRefreshFailureKeepsToken(t *testing.T) {
	store := &memStore{}
	ref := &fakeRefresher{err: errTransient}
	m := NewManager(store, ref, WithRefreshWindow(time.Minute), WithRejectionClassifier(isRejection))

	var failures atomic.Int32
	m.OnFailure(func(error) { failures.Add(1) })
	require.NoError(t, m.Install(expiringToken("t1")))

	// Not expired yet, so the current token is still handed out.
	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t1", tok.Value)
	assert.Equal(t, StateExpiring, m.State())
	assert.Zero(t, failures.Load())
	assert.Equal(t, int32(1), ref.calls.Load())

	stored, ok, _ := store.Get()
	assert.True(t, ok)
	assert.Equal(t, "t1", stored.Value)

	// The next use tries to refresh again.
	_, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), ref.calls.Load())
}

func TestTransientRefreshFailureWithExpiredToken(t *testing.T) {
	ref := &fakeRefresher{err: errTransient}
	m := NewManager(&memStore{}, ref, WithRefreshWindow(time.Minute), WithRejectionClassifier(isRejection))
	expired := models.AuthToken{Value: "t1", Expiry: models.ExpiresAt(time.Now().Add(-time.Second))}
	require.NoError(t, m.Install(expired))

	_, err := m.Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, StateExpiring, m.State())
}

func TestHandleUnauthorizedForcesRefresh(t *testing.T) {
	ref := &fakeRefresher{next: hourToken("t2")}
	m := NewManager(&memStore{}, ref, WithRefreshWindow(time.Minute))
	require.NoError(t, m.Install(hourToken("t1")))

	tok, err := m.HandleUnauthorized(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "t2", tok.Value)
	assert.Equal(t, int32(1), ref.calls.Load())

	// A 401 for a token already replaced does not refresh again.
	tok, err = m.HandleUnauthorized(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "t2", tok.Value)
	assert.Equal(t, int32(1), ref.calls.Load())
}

func TestClearDuringRefreshDiscardsResult(t *testing.T) {
	store := &memStore{}
	ref := &fakeRefresher{release: make(chan struct{}), next: hourToken("t2")}
	m := NewManager(store, ref, WithRefreshWindow(time.Minute))
	require.NoError(t, m.Install(expiringToken("t1")))

	done := make(chan error, 1)
	go func() {
		_, err := m.Token(context.Background())
		done <- err
	}()
	assert.Eventually(t, func() bool { return m.State() == StateRefreshing }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Clear())
	close(ref.release)

	assert.ErrorIs(t, <-done, ErrNoToken)
	_, ok, _ := store.Get()
	assert.False(t, ok, "a refresh finishing after logout must not resurrect the token")
	assert.Equal(t, StateAbsent, m.State())
}

func TestCallerCancellationDoesNotAbortSharedRefresh(t *testing.T) {
	ref := &fakeRefresher{release: make(chan struct{}), next: hourToken("t2")}
	m := NewManager(&memStore{}, ref, WithRefreshWindow(time.Minute))
	require.NoError(t, m.Install(expiringToken("t1")))

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := m.Token(ctx)
		first <- err
	}()
	assert.Eventually(t, func() bool { return m.State() == StateRefreshing }, time.Second, 5*time.Millisecond)

	second := make(chan string, 1)
	go func() {
		tok, _ := m.Token(context.Background())
		second <- tok.Value
	}()

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)
	close(ref.release)
	assert.Equal(t, "t2", <-second)
	assert.Equal(t, int32(1), ref.calls.Load())
}

func TestRestoreArmsPersistedToken(t *testing.T) {
	store := &memStore{tok: expiringToken("t1")}
	m := NewManager(store, &fakeRefresher{}, WithRefreshWindow(time.Minute))
	require.NoError(t, m.Restore())
	assert.Equal(t, StateExpiring, m.State())

	store2 := &memStore{tok: hourToken("t1")}
	m2 := NewManager(store2, &fakeRefresher{}, WithRefreshWindow(time.Minute))
	require.NoError(t, m2.Restore())
	assert.Equal(t, StateValid, m2.State())
}
