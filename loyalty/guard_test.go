package loyalty

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"stampd/ledger"
	"stampd/models"
)

// mockHistory serves guard reads out of memory with explicit earn timestamps.
type mockHistory struct {
	stamp *models.Stamp
	earns []time.Time
}

func (m *mockHistory) Balance(_ context.Context, customerID, cafeID uuid.UUID) (*models.Stamp, error) {
	if m.stamp == nil {
		return nil, ledger.ErrBalanceNotFound
	}
	return m.stamp, nil
}

func (m *mockHistory) CountEarnsSince(_ context.Context, stampID uuid.UUID, since time.Time) (int64, error) {
	var n int64
	for _, at := range m.earns {
		if !at.Before(since) {
			n++
		}
	}
	return n, nil
}

func TestGuardAllowsFirstEarn(t *testing.T) {
	guard := NewRateGuard(&mockHistory{}, 0, 0, time.UTC)
	require.NoError(t, guard.Check(context.Background(), uuid.New(), uuid.New()))
}

func TestGuardCooldownBoundary(t *testing.T) {
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	mock := &mockHistory{
		stamp: &models.Stamp{ID: uuid.New()},
		earns: []time.Time{base},
	}
	guard := NewRateGuard(mock, 5*time.Minute, 3, time.UTC)

	now := base.Add(4*time.Minute + 59*time.Second)
	guard.WithNow(func() time.Time { return now })
	require.ErrorIs(t, guard.Check(context.Background(), uuid.New(), uuid.New()), ErrCooldownActive)

	now = base.Add(5*time.Minute + 1*time.Second)
	require.NoError(t, guard.Check(context.Background(), uuid.New(), uuid.New()))
}

func TestGuardDailyCap(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	mock := &mockHistory{
		stamp: &models.Stamp{ID: uuid.New()},
		earns: []time.Time{base, base.Add(10 * time.Minute), base.Add(20 * time.Minute)},
	}
	guard := NewRateGuard(mock, 5*time.Minute, 3, time.UTC)

	// Cooldown has elapsed but three earns already landed today.
	now := base.Add(30 * time.Minute)
	guard.WithNow(func() time.Time { return now })
	require.ErrorIs(t, guard.Check(context.Background(), uuid.New(), uuid.New()), ErrDailyLimitReached)

	// The cap resets at local midnight.
	now = time.Date(2026, 3, 15, 0, 5, 0, 0, time.UTC)
	require.NoError(t, guard.Check(context.Background(), uuid.New(), uuid.New()))
}

func TestGuardUsesLocalMidnight(t *testing.T) {
	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	// Three earns late in the Seoul evening of March 14th.
	base := time.Date(2026, 3, 14, 22, 0, 0, 0, seoul)
	mock := &mockHistory{
		stamp: &models.Stamp{ID: uuid.New()},
		earns: []time.Time{base, base.Add(15 * time.Minute), base.Add(30 * time.Minute)},
	}
	guard := NewRateGuard(mock, 5*time.Minute, 3, seoul)

	// Still the 14th in Seoul: capped.
	now := base.Add(time.Hour)
	guard.WithNow(func() time.Time { return now })
	require.ErrorIs(t, guard.Check(context.Background(), uuid.New(), uuid.New()), ErrDailyLimitReached)

	// Past Seoul midnight the counter starts over.
	now = time.Date(2026, 3, 15, 0, 10, 0, 0, seoul)
	require.NoError(t, guard.Check(context.Background(), uuid.New(), uuid.New()))
}
