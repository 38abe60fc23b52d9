package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/cloudaccounts/internal/dbtest"
	"github.com/edvin/cloudaccounts/internal/model"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestAccountStore(db DB) *AccountStore {
	s := NewAccountStore(db)
	s.now = func() time.Time { return testNow }
	return s
}

func accessJSON(t *testing.T, a model.CloudAccess) []byte {
	t.Helper()
	b, err := model.MarshalAccess(a)
	require.NoError(t, err)
	return b
}

// accountScan fills an account row in column order.
func accountScan(id, state string, access []byte, enabled bool) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = id
		*(dest[1].(*string)) = "ws-1"
		*(dest[2].(*string)) = model.CloudAWS
		*(dest[3].(*string)) = "123456789012"
		alias := "prod"
		*(dest[5].(**string)) = &alias
		*(dest[7].(*string)) = state
		*(dest[8].(*[]byte)) = access
		*(dest[9].(*bool)) = enabled
		*(dest[11].(*time.Time)) = testNow.Add(-time.Hour)
		*(dest[15].(*int)) = 42
		*(dest[18].(*time.Time)) = testNow.Add(-24 * time.Hour)
		*(dest[19].(*time.Time)) = testNow.Add(-time.Hour)
		return nil
	}
}

var awsAccess = model.AwsAccess{AwsAccountID: "123456789012", ExternalID: "ext-1", RoleName: "FixAccess"}

// ---------- Get ----------

func TestAccountStore_Get_Success(t *testing.T) {
	db := &dbtest.MockDB{}
	s := newTestAccountStore(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"ca-1"}).
		Return(&dbtest.MockRow{ScanFunc: accountScan("ca-1", "configured", accessJSON(t, awsAccess), true)})

	a, err := s.Get(ctx, "ca-1")
	require.NoError(t, err)
	assert.Equal(t, "ca-1", a.ID)
	assert.Equal(t, "prod", a.FinalName())
	assert.Equal(t, model.Configured{Access: awsAccess, Enabled: true}, a.State)
	assert.Equal(t, 42, a.LastScanResourcesScanned)
	db.AssertExpectations(t)
}

func TestAccountStore_Get_NotFound(t *testing.T) {
	db := &dbtest.MockDB{}
	s := newTestAccountStore(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(dbtest.ErrRow(pgx.ErrNoRows))

	_, err := s.Get(ctx, "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestAccountStore_Get_CorruptState(t *testing.T) {
	db := &dbtest.MockDB{}
	s := newTestAccountStore(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&dbtest.MockRow{ScanFunc: accountScan("ca-1", "discovered", nil, false)})

	_, err := s.Get(ctx, "ca-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without access")
}

// ---------- Create ----------

func TestAccountStore_Create_Success(t *testing.T) {
	db := &dbtest.MockDB{}
	s := newTestAccountStore(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		return len(args) == 20 && args[0] == "ca-1" && args[7] == "discovered"
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	a := &model.CloudAccount{
		ID: "ca-1", WorkspaceID: "ws-1", Cloud: model.CloudAWS, ProviderAccountID: "123456789012",
		State: model.Discovered{Access: awsAccess}, StateUpdatedAt: testNow,
	}
	require.NoError(t, s.Create(ctx, a))
	assert.Equal(t, testNow, a.CreatedAt)
	assert.Equal(t, testNow, a.UpdatedAt)
	db.AssertExpectations(t)
}

func TestAccountStore_Create_DuplicateIsConflict(t *testing.T) {
	db := &dbtest.MockDB{}
	s := newTestAccountStore(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"})

	err := s.Create(ctx, &model.CloudAccount{ID: "ca-1", State: model.Detected{}})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConflict)
}

// ---------- Update ----------

func TestAccountStore_Update_AppliesFunction(t *testing.T) {
	db := &dbtest.MockDB{}
	tx := &dbtest.MockTx{}
	s := newTestAccountStore(db)
	ctx := context.Background()

	db.On("Begin", ctx).Return(tx, nil)
	tx.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"ca-1"}).
		Return(&dbtest.MockRow{ScanFunc: accountScan("ca-1", "discovered", accessJSON(t, awsAccess), false)})
	tx.On("Exec", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		return args[0] == "ca-1" && args[7] == "configured" && args[9] == true
	})).Return(pgconn.NewCommandTag("UPDATE 1"), nil)
	tx.On("Commit", ctx).Return(nil)
	tx.On("Rollback", ctx).Return(pgx.ErrTxClosed)

	updated, err := s.Update(ctx, "ca-1", func(a model.CloudAccount) (model.CloudAccount, error) {
		a.State = model.Configured{Access: awsAccess, Enabled: true}
		return a, nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateConfigured, updated.State.StateName())
	assert.Equal(t, testNow, updated.UpdatedAt)
	tx.AssertExpectations(t)
}

func TestAccountStore_Update_FunctionErrorRollsBack(t *testing.T) {
	db := &dbtest.MockDB{}
	tx := &dbtest.MockTx{}
	s := newTestAccountStore(db)
	ctx := context.Background()

	db.On("Begin", ctx).Return(tx, nil)
	tx.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&dbtest.MockRow{ScanFunc: accountScan("ca-1", "configured", accessJSON(t, awsAccess), true)})
	tx.On("Rollback", ctx).Return(nil)

	_, err := s.Update(ctx, "ca-1", func(model.CloudAccount) (model.CloudAccount, error) {
		return model.CloudAccount{}, model.ErrConflict
	})
	assert.ErrorIs(t, err, model.ErrConflict)
	tx.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
	tx.AssertNotCalled(t, "Commit", mock.Anything)
	tx.AssertCalled(t, "Rollback", ctx)
}

func TestAccountStore_Update_BeginError(t *testing.T) {
	db := &dbtest.MockDB{}
	s := newTestAccountStore(db)

	db.On("Begin", mock.Anything).Return(nil, errors.New("pool closed"))

	_, err := s.Update(context.Background(), "ca-1", func(a model.CloudAccount) (model.CloudAccount, error) { return a, nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin update")
}

// ---------- List ----------

func TestAccountStore_ListByWorkspace_ExcludesDeleted(t *testing.T) {
	db := &dbtest.MockDB{}
	s := newTestAccountStore(db)
	ctx := context.Background()

	rows := dbtest.NewMockRows(
		accountScan("ca-1", "configured", accessJSON(t, awsAccess), true),
		accountScan("ca-2", "detected", nil, false),
	)
	db.On("Query", ctx, mock.AnythingOfType("string"), []any{"ws-1", "deleted"}).Return(rows, nil)

	accounts, err := s.ListByWorkspace(ctx, "ws-1")
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, model.Detected{}, accounts[1].State)
	assert.True(t, rows.Closed)
}

func TestAccountStore_ListByState_QueryError(t *testing.T) {
	db := &dbtest.MockDB{}
	s := newTestAccountStore(db)

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(nil, errors.New("timeout"))

	_, err := s.ListByState(context.Background(), model.StateDiscovered)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list cloud accounts")
}
