package syncengine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"expense-sync/internal/models"
	"expense-sync/internal/remote"
	"expense-sync/internal/storage"
	"expense-sync/internal/tokenrefresh"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const owner int64 = 4

type fakeIdentity struct{ id int64 }

func (f fakeIdentity) CurrentUserID() (int64, bool) { return f.id, f.id != 0 }

type fakeTokens struct {
	mu           sync.Mutex
	tok          string
	refreshed    string
	refreshErr   error
	unauthorized int
}

func (f *fakeTokens) Token(ctx context.Context) (models.AuthToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tok == "" {
		return models.AuthToken{}, tokenrefresh.ErrNoToken
	}
	return models.AuthToken{Value: f.tok, Expiry: models.NeverExpires()}, nil
}

func (f *fakeTokens) HandleUnauthorized(ctx context.Context, stale string) (models.AuthToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unauthorized++
	if f.refreshErr != nil {
		return models.AuthToken{}, f.refreshErr
	}
	f.tok = f.refreshed
	return models.AuthToken{Value: f.tok, Expiry: models.NeverExpires()}, nil
}

// fakeAPI is an in-memory remote that dedupes creates by client id.
type fakeAPI struct {
	mu         sync.Mutex
	nextID     int64
	byID       map[int64]remote.Expense
	validToken string
	down       bool

	createStatus int
	updateStatus int
	bulkStatus   int
	deleteStatus map[int64]int

	started chan struct{}
	release chan struct{}

	calls   []string
	bulkIDs [][]int64
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{byID: make(map[int64]remote.Expense)}
}

func (f *fakeAPI) check(token, call string) error {
	f.calls = append(f.calls, call)
	if f.down {
		return errors.New("dial tcp: connection refused")
	}
	if f.validToken != "" && token != f.validToken {
		return &remote.APIError{StatusCode: http.StatusUnauthorized}
	}
	return nil
}

func (f *fakeAPI) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *fakeAPI) ListExpenses(ctx context.Context, token string) ([]remote.Expense, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(token, "list"); err != nil {
		return nil, err
	}
	out := make([]remote.Expense, 0, len(f.byID))
	for _, e := range f.byID {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeAPI) CreateExpense(ctx context.Context, token string, in remote.ExpenseInput) (*remote.Expense, error) {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		<-f.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(token, "create:"+in.ClientID); err != nil {
		return nil, err
	}
	if f.createStatus != 0 {
		return nil, &remote.APIError{StatusCode: f.createStatus}
	}
	for _, e := range f.byID {
		if e.ClientID == in.ClientID {
			return &e, nil
		}
	}
	f.nextID++
	e := remote.Expense{
		ID:          f.nextID,
		ClientID:    in.ClientID,
		Description: in.Description,
		Amount:      in.Amount,
		Date:        in.Date,
		UserID:      owner,
	}
	f.byID[e.ID] = e
	return &e, nil
}

func (f *fakeAPI) UpdateExpense(ctx context.Context, token string, id int64, in remote.ExpenseInput) (*remote.Expense, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(token, fmt.Sprintf("update:%d", id)); err != nil {
		return nil, err
	}
	if f.updateStatus != 0 {
		return nil, &remote.APIError{StatusCode: f.updateStatus}
	}
	e := f.byID[id]
	e.ID, e.Description, e.Amount, e.Date, e.UserID = id, in.Description, in.Amount, in.Date, owner
	f.byID[id] = e
	return &e, nil
}

func (f *fakeAPI) DeleteExpense(ctx context.Context, token string, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(token, fmt.Sprintf("delete:%d", id)); err != nil {
		return err
	}
	if code := f.deleteStatus[id]; code != 0 {
		return &remote.APIError{StatusCode: code}
	}
	delete(f.byID, id)
	return nil
}

func (f *fakeAPI) BulkDelete(ctx context.Context, token string, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(token, "bulk"); err != nil {
		return err
	}
	if f.bulkStatus != 0 {
		return &remote.APIError{StatusCode: f.bulkStatus}
	}
	f.bulkIDs = append(f.bulkIDs, ids)
	for _, id := range ids {
		delete(f.byID, id)
	}
	return nil
}

// EngineTestSuite runs the engine against a real local store.
type EngineTestSuite struct {
	suite.Suite
	db     *storage.DB
	api    *fakeAPI
	tokens *fakeTokens
}

// SetupTest runs before each test
func (suite *EngineTestSuite) SetupTest() {
	db, err := storage.NewDB(":memory:")
	require.NoError(suite.T(), err, "failed to create test database")
	suite.db = db
	suite.api = newFakeAPI()
	suite.tokens = &fakeTokens{tok: "t1"}
}

// TearDownTest runs after each test
func (suite *EngineTestSuite) TearDownTest() {
	if suite.db != nil {
		suite.db.Close()
	}
}

func (suite *EngineTestSuite) engine(opts ...Option) *Engine {
	return New(suite.db, suite.tokens, fakeIdentity{id: owner}, suite.api, opts...)
}

func (suite *EngineTestSuite) put(localID, description string) models.ExpenseRecord {
	r := models.ExpenseRecord{
		LocalID:     localID,
		OwnerUserID: owner,
		Description: description,
		Amount:      decimal.RequireFromString("5.50"),
		Date:        time.Date(2025, 8, 10, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(suite.T(), suite.db.Put(&r))
	return r
}

func (suite *EngineTestSuite) putSynced(localID string, remoteID int64) models.ExpenseRecord {
	r := suite.put(localID, "synced "+localID)
	got, err := suite.db.MarkSynced(r.LocalID, r.MutationSeq, remoteID)
	require.NoError(suite.T(), err)
	suite.api.byID[remoteID] = remote.Expense{ID: remoteID, ClientID: localID, Description: r.Description, Amount: r.Amount, UserID: owner}
	if remoteID > suite.api.nextID {
		suite.api.nextID = remoteID
	}
	return *got
}

func (suite *EngineTestSuite) get(localID string) *models.ExpenseRecord {
	r, err := suite.db.Get(localID)
	require.NoError(suite.T(), err)
	return r
}

func (suite *EngineTestSuite) TestOfflineCreateSyncsOnceTokenArrives() {
	suite.tokens.tok = ""
	suite.put("coffee", "Coffee")
	e := suite.engine()

	report := e.RunOnce(context.Background())
	assert.ErrorIs(suite.T(), report.Aborted, tokenrefresh.ErrNoToken)
	assert.False(suite.T(), report.Transient(), "a missing token is not retried on a backoff")
	assert.Zero(suite.T(), suite.api.count("create"))
	assert.Equal(suite.T(), models.StatusPending, suite.get("coffee").SyncStatus)

	suite.tokens.tok = "t1"
	report = e.RunOnce(context.Background())
	require.NoError(suite.T(), report.Aborted)
	assert.Equal(suite.T(), 1, report.Created)

	r := suite.get("coffee")
	assert.Equal(suite.T(), models.StatusSynced, r.SyncStatus)
	require.NotNil(suite.T(), r.RemoteID)
	assert.Equal(suite.T(), int64(1), *r.RemoteID)

	report = e.RunOnce(context.Background())
	assert.Zero(suite.T(), report.Created)
	assert.Equal(suite.T(), 1, suite.api.count("create"), "no duplicate remote record")
	assert.Len(suite.T(), suite.api.byID, 1)
}

func (suite *EngineTestSuite) TestUpdateServerErrorStaysPending() {
	r := suite.putSynced("lunch", 7)
	r.Description = "Lunch (edited)"
	require.NoError(suite.T(), suite.db.Put(&r))
	assert.Equal(suite.T(), models.StatusPending, r.SyncStatus)
	assert.Equal(suite.T(), models.OpUpdate, r.PendingOp)

	suite.api.updateStatus = http.StatusInternalServerError
	e := suite.engine()
	report := e.RunOnce(context.Background())
	assert.Equal(suite.T(), 1, report.Deferred)
	assert.True(suite.T(), report.Transient())
	assert.Equal(suite.T(), 1, suite.api.count("update:7"))
	assert.Equal(suite.T(), models.StatusPending, suite.get("lunch").SyncStatus)

	suite.api.updateStatus = 0
	report = e.RunOnce(context.Background())
	assert.Equal(suite.T(), 1, report.Updated)
	assert.Equal(suite.T(), models.StatusSynced, suite.get("lunch").SyncStatus)
	assert.Equal(suite.T(), "Lunch (edited)", suite.api.byID[7].Description)
}

func (suite *EngineTestSuite) TestUpdateValidationErrorFailsOnce() {
	r := suite.putSynced("lunch", 7)
	r.Description = "bad"
	require.NoError(suite.T(), suite.db.Put(&r))

	var rejected []string
	suite.api.updateStatus = http.StatusUnprocessableEntity
	e := suite.engine(WithFailureHandler(func(r models.ExpenseRecord, err error) {
		rejected = append(rejected, r.LocalID)
		assert.Equal(suite.T(), remote.KindValidation, remote.Classify(err))
	}))

	report := e.RunOnce(context.Background())
	assert.Equal(suite.T(), 1, report.Failed)
	assert.False(suite.T(), report.Transient())
	got := suite.get("lunch")
	assert.Equal(suite.T(), models.StatusFailed, got.SyncStatus)
	assert.NotEmpty(suite.T(), got.LastError)

	e.RunOnce(context.Background())
	assert.Equal(suite.T(), 1, suite.api.count("update:7"), "failed records are not retried")
	assert.Equal(suite.T(), []string{"lunch"}, rejected)

	// Editing again makes the record eligible.
	suite.api.updateStatus = 0
	got.Description = "fixed"
	require.NoError(suite.T(), suite.db.Put(got))
	e.RunOnce(context.Background())
	assert.Equal(suite.T(), models.StatusSynced, suite.get("lunch").SyncStatus)
}

func (suite *EngineTestSuite) TestOldestMutationFirst() {
	a := suite.put("a", "first")
	suite.put("b", "second")
	a.Description = "first, edited"
	require.NoError(suite.T(), suite.db.Put(&a))

	suite.engine().RunOnce(context.Background())
	assert.Equal(suite.T(), []string{"create:b", "create:a"}, suite.api.calls)
	assert.Equal(suite.T(), "first, edited", suite.api.byID[*suite.get("a").RemoteID].Description)
}

func (suite *EngineTestSuite) TestDeletesAreBatched() {
	for i, id := range []string{"x", "y", "z"} {
		suite.putSynced(id, int64(10+i))
		require.NoError(suite.T(), suite.db.Delete(id))
	}
	suite.put("never-sent", "draft")
	require.NoError(suite.T(), suite.db.Delete("never-sent"))

	report := suite.engine().RunOnce(context.Background())
	require.NoError(suite.T(), report.Aborted)
	assert.Equal(suite.T(), 3, report.Deleted)
	assert.Equal(suite.T(), 1, report.Purged)
	assert.Equal(suite.T(), []string{"bulk"}, suite.api.calls, "one request for all deletions")
	assert.ElementsMatch(suite.T(), []int64{10, 11, 12}, suite.api.bulkIDs[0])

	for _, id := range []string{"x", "y", "z", "never-sent"} {
		_, err := suite.db.Get(id)
		assert.ErrorIs(suite.T(), err, storage.ErrNotFound)
	}
}

func (suite *EngineTestSuite) TestBulkDeleteRespectsMax() {
	for i, id := range []string{"x", "y", "z"} {
		suite.putSynced(id, int64(10+i))
		require.NoError(suite.T(), suite.db.Delete(id))
	}
	report := suite.engine(WithBulkDeleteMax(2)).RunOnce(context.Background())
	assert.Equal(suite.T(), 3, report.Deleted)
	assert.Len(suite.T(), suite.api.bulkIDs, 2)
}

func (suite *EngineTestSuite) TestSingleDeleteUsesItemEndpoint() {
	suite.putSynced("x", 3)
	require.NoError(suite.T(), suite.db.Delete("x"))

	report := suite.engine().RunOnce(context.Background())
	assert.Equal(suite.T(), 1, report.Deleted)
	assert.Equal(suite.T(), []string{"delete:3"}, suite.api.calls)
}

func (suite *EngineTestSuite) TestRejectedDeleteRestoresRecord() {
	suite.putSynced("x", 3)
	require.NoError(suite.T(), suite.db.Delete("x"))
	suite.api.deleteStatus = map[int64]int{3: http.StatusUnprocessableEntity}

	report := suite.engine().RunOnce(context.Background())
	require.NoError(suite.T(), report.Aborted)
	assert.Equal(suite.T(), 1, report.Failed)
	assert.Zero(suite.T(), report.Deleted)

	got := suite.get("x")
	assert.False(suite.T(), got.Deleted, "the remote row still exists")
	assert.Equal(suite.T(), models.StatusFailed, got.SyncStatus)
	assert.NotEmpty(suite.T(), got.LastError)

	visible := 0
	for _, err := range suite.db.Records(owner) {
		require.NoError(suite.T(), err)
		visible++
	}
	assert.Equal(suite.T(), 1, visible)

	// The user can edit it again.
	got.Description = "kept"
	require.NoError(suite.T(), suite.db.Put(got))
	assert.Equal(suite.T(), models.StatusPending, got.SyncStatus)
	assert.Equal(suite.T(), models.OpUpdate, got.PendingOp)
}

func (suite *EngineTestSuite) TestRejectedBulkDeleteRetriesEachRecord() {
	suite.putSynced("x", 10)
	suite.putSynced("y", 11)
	require.NoError(suite.T(), suite.db.Delete("x"))
	require.NoError(suite.T(), suite.db.Delete("y"))
	suite.api.bulkStatus = http.StatusUnprocessableEntity
	suite.api.deleteStatus = map[int64]int{11: http.StatusUnprocessableEntity}

	report := suite.engine().RunOnce(context.Background())
	require.NoError(suite.T(), report.Aborted)
	assert.Equal(suite.T(), 1, report.Deleted)
	assert.Equal(suite.T(), 1, report.Failed)
	assert.Equal(suite.T(), []string{"bulk", "delete:10", "delete:11"}, suite.api.calls)

	_, err := suite.db.Get("x")
	assert.ErrorIs(suite.T(), err, storage.ErrNotFound)
	y := suite.get("y")
	assert.False(suite.T(), y.Deleted)
	assert.Equal(suite.T(), models.StatusFailed, y.SyncStatus)

	// Deleting again once the remote accepts it converges.
	suite.api.deleteStatus = nil
	require.NoError(suite.T(), suite.db.Delete("y"))
	report = suite.engine().RunOnce(context.Background())
	require.NoError(suite.T(), report.Aborted)
	assert.Equal(suite.T(), 1, report.Deleted)
	_, err = suite.db.Get("y")
	assert.ErrorIs(suite.T(), err, storage.ErrNotFound)
	assert.Empty(suite.T(), suite.api.byID)
}

func (suite *EngineTestSuite) TestDeleteOfMissingRemoteRowPurges() {
	suite.putSynced("x", 3)
	require.NoError(suite.T(), suite.db.Delete("x"))
	suite.api.deleteStatus = map[int64]int{3: http.StatusNotFound}

	report := suite.engine().RunOnce(context.Background())
	require.NoError(suite.T(), report.Aborted)
	assert.Equal(suite.T(), 1, report.Deleted)
	assert.Zero(suite.T(), report.Failed)
	_, err := suite.db.Get("x")
	assert.ErrorIs(suite.T(), err, storage.ErrNotFound)
}

func (suite *EngineTestSuite) TestUnauthorizedRefreshesAndRetries() {
	suite.api.validToken = "t2"
	suite.tokens.refreshed = "t2"
	suite.put("a", "a")

	report := suite.engine().RunOnce(context.Background())
	require.NoError(suite.T(), report.Aborted)
	assert.Equal(suite.T(), 1, report.Created)
	assert.Equal(suite.T(), 1, suite.tokens.unauthorized)
}

func (suite *EngineTestSuite) TestRejectedRefreshAbortsRun() {
	suite.api.validToken = "t2"
	suite.tokens.refreshErr = tokenrefresh.ErrRefreshRejected
	suite.put("a", "a")
	suite.put("b", "b")

	report := suite.engine().RunOnce(context.Background())
	assert.ErrorIs(suite.T(), report.Aborted, tokenrefresh.ErrRefreshRejected)
	assert.False(suite.T(), report.Transient())
	assert.Equal(suite.T(), 2, report.Deferred)
	assert.Equal(suite.T(), 1, suite.api.count("create"), "no calls after the refresh failed")
	assert.Equal(suite.T(), models.StatusPending, suite.get("a").SyncStatus)
	assert.Equal(suite.T(), models.StatusPending, suite.get("b").SyncStatus)
}

func (suite *EngineTestSuite) TestNetworkDownStopsRun() {
	suite.api.down = true
	suite.put("a", "a")
	suite.put("b", "b")

	report := suite.engine().RunOnce(context.Background())
	assert.Error(suite.T(), report.Aborted)
	assert.True(suite.T(), report.Transient())
	assert.Equal(suite.T(), 2, report.Deferred)
	assert.Equal(suite.T(), 1, suite.api.count("create"))
}

func (suite *EngineTestSuite) TestEditDuringUploadStaysPending() {
	suite.put("a", "original")
	suite.api.started = make(chan struct{}, 1)
	suite.api.release = make(chan struct{})
	e := suite.engine()

	done := make(chan Report, 1)
	go func() { done <- e.RunOnce(context.Background()) }()
	<-suite.api.started

	edited := suite.get("a")
	edited.Description = "edited mid-flight"
	require.NoError(suite.T(), suite.db.Put(edited))
	close(suite.api.release)
	<-done

	got := suite.get("a")
	assert.Equal(suite.T(), models.StatusPending, got.SyncStatus)
	assert.Equal(suite.T(), models.OpUpdate, got.PendingOp)
	require.NotNil(suite.T(), got.RemoteID)

	suite.api.started, suite.api.release = nil, nil
	report := e.RunOnce(context.Background())
	assert.Equal(suite.T(), 1, report.Updated)
	assert.Equal(suite.T(), "edited mid-flight", suite.api.byID[*got.RemoteID].Description)
}

func (suite *EngineTestSuite) TestPullMergesRemoteRows() {
	suite.putSynced("kept", 1)
	suite.putSynced("gone", 2)
	delete(suite.api.byID, 2)
	suite.api.byID[3] = remote.Expense{ID: 3, Description: "from web", Amount: decimal.NewFromInt(2), UserID: owner}
	suite.api.nextID = 3

	report := suite.engine(WithPull(true)).RunOnce(context.Background())
	require.NoError(suite.T(), report.Aborted)
	assert.Equal(suite.T(), 1, report.Pulled.Inserted)
	assert.Equal(suite.T(), 1, report.Pulled.Removed)

	var descriptions []string
	for r, err := range suite.db.Records(owner) {
		require.NoError(suite.T(), err)
		descriptions = append(descriptions, r.Description)
	}
	assert.ElementsMatch(suite.T(), []string{"synced kept", "from web"}, descriptions)
}

func (suite *EngineTestSuite) TestNoIdentityDoesNothing() {
	e := New(suite.db, suite.tokens, fakeIdentity{}, suite.api)
	report := e.RunOnce(context.Background())
	assert.ErrorIs(suite.T(), report.Aborted, ErrNoIdentity)
	assert.Empty(suite.T(), suite.api.calls)
}

func (suite *EngineTestSuite) TestCancelledRunMakesNoCalls() {
	suite.put("a", "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := suite.engine().RunOnce(ctx)
	assert.ErrorIs(suite.T(), report.Aborted, context.Canceled)
	assert.Empty(suite.T(), suite.api.calls)
}

func (suite *EngineTestSuite) TestTriggersCoalesceIntoOneRun() {
	suite.put("a", "a")
	suite.api.started = make(chan struct{}, 1)
	suite.api.release = make(chan struct{})

	e := suite.engine(WithInterval(time.Hour), WithJitter(0))
	e.Start(context.Background())
	defer func() {
		e.Stop()
		e.Wait()
	}()

	<-suite.api.started
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.TriggerUploadSync()
		}()
	}
	wg.Wait()
	close(suite.api.release)

	assert.Eventually(suite.T(), func() bool { return e.RunCount() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(suite.T(), int64(2), e.RunCount(), "ten triggers, one follow-up run")
}

func (suite *EngineTestSuite) TestStopEndsLoop() {
	e := suite.engine(WithInterval(time.Hour), WithJitter(0))
	e.Start(context.Background())
	assert.True(suite.T(), e.Running())
	assert.Eventually(suite.T(), func() bool { return e.RunCount() == 1 }, time.Second, 5*time.Millisecond)

	e.Stop()
	e.Wait()
	assert.False(suite.T(), e.Running())

	e.TriggerUploadSync()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(suite.T(), int64(1), e.RunCount())
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}
