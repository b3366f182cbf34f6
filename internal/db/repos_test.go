package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"mailroom/internal/types"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// --- LockRepository Tests ---

func TestLockRepository_Acquire_NewLock(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLockRepository(db)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	repo.nowFn = func() time.Time { return now }

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		// name, owner, locked_at, expires_at with expires_at = locked_at + ttl
		return args[0] == "shard:2026-08-24" &&
			args[1] == "owner-1" &&
			args[2].(time.Time).Equal(now) &&
			args[3].(time.Time).Equal(now.Add(30*time.Second))
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	acquired, err := repo.Acquire(context.Background(), "shard:2026-08-24", "owner-1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)
	db.AssertExpectations(t)
}

func TestLockRepository_Acquire_ExpiredLeaseReclaimed(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLockRepository(db)

	// The upsert's WHERE clause already restricts the update to expired
	// leases, so a reclaim reports one affected row just like a fresh insert.
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	acquired, err := repo.Acquire(context.Background(), "continuation:index", "owner-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
	db.AssertExpectations(t)
}

func TestLockRepository_Acquire_HeldLease(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLockRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)

	acquired, err := repo.Acquire(context.Background(), "continuation:index", "owner-3", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)
	db.AssertExpectations(t)
}

func TestLockRepository_Acquire_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLockRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	_, err := repo.Acquire(context.Background(), "continuation:index", "owner-4", time.Minute)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalStore, appErr.Code)
}

func TestLockRepository_Release_OwnerScoped(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLockRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		return args[0] == "continuation:index" && args[1] == "owner-1"
	})).Return(pgconn.NewCommandTag("DELETE 0"), nil)

	// Zero rows means another owner holds the lock now; not an error.
	err := repo.Release(context.Background(), "continuation:index", "owner-1")
	require.NoError(t, err)
	db.AssertExpectations(t)
}

// --- PropertyRepository Tests ---

func TestPropertyRepository_Set_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPropertyRepository(db, 1024)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.Set(context.Background(), "intake:pending", `[{"subject":"a"}]`)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestPropertyRepository_Set_RejectsOversizedValue(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPropertyRepository(db, 16)

	// The ceiling check happens before any statement runs; no Exec is
	// expected on the mock.
	err := repo.Set(context.Background(), "intake:pending", strings.Repeat("x", 17))
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeRecordTooLarge, appErr.Code)
	assert.Equal(t, 17, appErr.Details["size"])
	db.AssertExpectations(t)
}

func TestPropertyRepository_Set_ZeroCeilingDisablesCheck(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPropertyRepository(db, 0)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.Set(context.Background(), "intake:pending", strings.Repeat("x", 1<<20))
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestPropertyRepository_Get_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPropertyRepository(db, 0)

	row := &mockRow{
		scanFn: func(dest ...any) error {
			*dest[0].(*string) = `{"counter":7}`
			return nil
		},
	}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	value, ok, err := repo.Get(context.Background(), "idgen:shard:0")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"counter":7}`, value)
}

func TestPropertyRepository_Get_Missing(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPropertyRepository(db, 0)

	row := &mockRow{scanErr: pgx.ErrNoRows}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(row)

	_, ok, err := repo.Get(context.Background(), "no-such-key")
	require.NoError(t, err)
	assert.False(t, ok)
}
