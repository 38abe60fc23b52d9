package store

import (
	"context"
	"errors"
	"fmt"
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

func nextRunScan(id string, at time.Time) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = id
		*(dest[1].(*time.Time)) = at
		return nil
	}
}

func TestNextRunStore_Upsert(t *testing.T) {
	db := &dbtest.MockDB{}
	s := NewNextRunStore(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"ca-1", testNow}).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	require.NoError(t, s.Upsert(ctx, model.NextRun{CloudAccountID: "ca-1", At: testNow}))
	db.AssertExpectations(t)
}

func TestNextRunStore_Get_NotFound(t *testing.T) {
	db := &dbtest.MockDB{}
	s := NewNextRunStore(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(dbtest.ErrRow(pgx.ErrNoRows))

	_, err := s.Get(context.Background(), "ca-1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestNextRunStore_Delete_Error(t *testing.T) {
	db := &dbtest.MockDB{}
	s := NewNextRunStore(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, errors.New("boom"))

	err := s.Delete(context.Background(), "ca-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete next run of ca-1")
}

func TestNextRunStore_ForEachDue_PagesWithKeysetCursor(t *testing.T) {
	db := &dbtest.MockDB{}
	s := NewNextRunStore(db)
	ctx := context.Background()

	var firstPage []func(dest ...any) error
	for i := 0; i < dueBatchSize; i++ {
		firstPage = append(firstPage, nextRunScan(fmt.Sprintf("ca-%03d", i), testNow.Add(-time.Hour)))
	}
	lastID := fmt.Sprintf("ca-%03d", dueBatchSize-1)

	db.On("Query", ctx, mock.AnythingOfType("string"), []any{testNow}).Return(dbtest.NewMockRows(firstPage...), nil).Once()
	db.On("Query", ctx, mock.AnythingOfType("string"), []any{testNow, testNow.Add(-time.Hour), lastID}).
		Return(dbtest.NewMockRows(nextRunScan("ca-zzz", testNow)), nil).Once()

	var seen []string
	err := s.ForEachDue(ctx, testNow, func(nr model.NextRun) error {
		seen = append(seen, nr.CloudAccountID)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, dueBatchSize+1)
	assert.Equal(t, "ca-zzz", seen[len(seen)-1])
	db.AssertExpectations(t)
}

func TestNextRunStore_ForEachDue_StopsOnCallbackError(t *testing.T) {
	db := &dbtest.MockDB{}
	s := NewNextRunStore(db)
	ctx := context.Background()

	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(dbtest.NewMockRows(nextRunScan("ca-1", testNow), nextRunScan("ca-2", testNow)), nil)

	calls := 0
	err := s.ForEachDue(ctx, testNow, func(model.NextRun) error {
		calls++
		return errors.New("stop")
	})
	assert.EqualError(t, err, "stop")
	assert.Equal(t, 1, calls)
}

func TestMeteringStore_Add(t *testing.T) {
	db := &dbtest.MockDB{}
	s := NewMeteringStore(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		return len(args) == 10 && args[2] == "job-1" && args[6] == 17
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := s.Add(ctx, model.MeteringRecord{ID: "m-1", TenantID: "ws-1", JobID: "job-1", ResourcesCollected: 17})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestWorkspaceStore_ExternalID(t *testing.T) {
	db := &dbtest.MockDB{}
	s := NewWorkspaceStore(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"ws-1"}).Return(&dbtest.MockRow{ScanFunc: func(dest ...any) error {
		*(dest[0].(*string)) = "ext-1"
		return nil
	}})

	id, err := s.ExternalID(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, "ext-1", id)
}

func TestWorkspaceStore_GraphDBAccess_NotFound(t *testing.T) {
	db := &dbtest.MockDB{}
	s := NewWorkspaceStore(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(dbtest.ErrRow(pgx.ErrNoRows))

	_, err := s.GraphDBAccess(context.Background(), "ws-1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
