package session

import (
	"testing"
	"time"

	"expense-sync/internal/models"
	"expense-sync/internal/storage"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// SessionTestSuite provides a test suite for identity and session state
type SessionTestSuite struct {
	suite.Suite
	db *storage.DB
}

// SetupTest runs before each test
func (suite *SessionTestSuite) SetupTest() {
	db, err := storage.NewDB(":memory:")
	require.NoError(suite.T(), err, "failed to create test database")
	suite.db = db
}

// TearDownTest runs after each test
func (suite *SessionTestSuite) TearDownTest() {
	if suite.db != nil {
		suite.db.Close()
	}
}

func (suite *SessionTestSuite) putOrphan(localID string) {
	r := models.ExpenseRecord{
		LocalID:     localID,
		OwnerUserID: models.OrphanOwnerID,
		Description: "offline " + localID,
		Amount:      decimal.NewFromInt(1),
		Date:        time.Now(),
	}
	require.NoError(suite.T(), suite.db.Put(&r))
}

func (suite *SessionTestSuite) TestRestoreIsIdempotent() {
	id := NewIdentity(suite.db)
	_, _, err := id.ScopedUserID()
	assert.ErrorIs(suite.T(), err, ErrNotRestored)

	require.NoError(suite.T(), id.RestoreStoredSession())
	require.NoError(suite.T(), id.RestoreStoredSession())
	assert.True(suite.T(), id.Restored())

	_, ok := id.CurrentUserID()
	assert.False(suite.T(), ok)
	assert.Equal(suite.T(), models.OrphanOwnerID, id.OwnerForNewRecords())
}

func (suite *SessionTestSuite) TestUpdateUserIDPersistsAcrossRestart() {
	id := NewIdentity(suite.db)
	require.NoError(suite.T(), id.RestoreStoredSession())
	require.NoError(suite.T(), id.UpdateUserID(42))

	got, ok := id.CurrentUserID()
	assert.True(suite.T(), ok)
	assert.Equal(suite.T(), int64(42), got)

	// Logout keeps the persisted mapping for offline restarts.
	id.ClearCurrentSession()
	_, ok = id.CurrentUserID()
	assert.False(suite.T(), ok)
	assert.Equal(suite.T(), int64(42), id.LastUserID())
	assert.Equal(suite.T(), int64(42), id.OwnerForNewRecords())

	restarted := NewIdentity(suite.db)
	require.NoError(suite.T(), restarted.RestoreStoredSession())
	_, ok, err := restarted.ScopedUserID()
	require.NoError(suite.T(), err)
	assert.False(suite.T(), ok, "restore alone does not scope the running session")
	assert.Equal(suite.T(), int64(42), restarted.LastUserID())
	assert.Equal(suite.T(), int64(42), restarted.OwnerForNewRecords())

	require.True(suite.T(), restarted.Resume())
	got, ok = restarted.CurrentUserID()
	assert.True(suite.T(), ok)
	assert.Equal(suite.T(), int64(42), got)
}

func (suite *SessionTestSuite) TestResumeWithoutPersistedUser() {
	id := NewIdentity(suite.db)
	require.NoError(suite.T(), id.RestoreStoredSession())
	assert.False(suite.T(), id.Resume())
	_, ok := id.CurrentUserID()
	assert.False(suite.T(), ok)
}

func (suite *SessionTestSuite) TestUpdateUserIDRejectsSentinel() {
	id := NewIdentity(suite.db)
	assert.Error(suite.T(), id.UpdateUserID(models.OrphanOwnerID))
}

func (suite *SessionTestSuite) TestMigrateOrphansTwice() {
	suite.putOrphan("a")
	suite.putOrphan("b")

	id := NewIdentity(suite.db)
	require.NoError(suite.T(), id.RestoreStoredSession())

	n, err := id.MigrateOrphanedRecordsToCurrentUser()
	require.NoError(suite.T(), err)
	assert.Zero(suite.T(), n, "nothing to migrate without a user")

	require.NoError(suite.T(), id.UpdateUserID(7))
	n, err = id.MigrateOrphanedRecordsToCurrentUser()
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(2), n)

	n, err = id.MigrateOrphanedRecordsToCurrentUser()
	require.NoError(suite.T(), err)
	assert.Zero(suite.T(), n)

	count := 0
	for _, err := range suite.db.Records(7) {
		require.NoError(suite.T(), err)
		count++
	}
	assert.Equal(suite.T(), 2, count, "no duplicated records")
}

func (suite *SessionTestSuite) TestSessionLifecycle() {
	m := NewManager(suite.db)
	require.NoError(suite.T(), m.Restore())
	assert.False(suite.T(), m.IsActive())

	email := "ann@example.com"
	require.NoError(suite.T(), m.StartSession(models.UserProfile{ID: 3, Name: "Ann", Email: &email}))
	assert.True(suite.T(), m.IsActive())
	assert.Equal(suite.T(), "Ann", m.Current().DisplayName)

	before := m.Current().LastActivity
	time.Sleep(5 * time.Millisecond)
	require.NoError(suite.T(), m.Touch())
	assert.True(suite.T(), m.Current().LastActivity.After(before))

	restarted := NewManager(suite.db)
	require.NoError(suite.T(), restarted.Restore())
	assert.True(suite.T(), restarted.IsActive())
	assert.Equal(suite.T(), "Ann", restarted.Current().DisplayName)

	require.NoError(suite.T(), m.EndSession())
	assert.False(suite.T(), m.IsActive())
	assert.Equal(suite.T(), "Ann", m.Current().DisplayName, "display fields survive logout")

	restarted = NewManager(suite.db)
	require.NoError(suite.T(), restarted.Restore())
	assert.False(suite.T(), restarted.IsActive())
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}
