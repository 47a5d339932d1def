package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"stampd/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func TestIssueGeneratesUnambiguousCode(t *testing.T) {
	authority := NewAuthority(setupTestDB(t), 30*time.Second)

	tok, err := authority.Issue(context.Background(), uuid.New(), uuid.New())
	require.NoError(t, err)
	require.Len(t, tok.Code, codeLength)
	for _, r := range tok.Code {
		require.Contains(t, codeAlphabet, string(r))
	}
	require.NotContains(t, tok.Code, "0")
	require.NotContains(t, tok.Code, "O")
	require.NotContains(t, tok.Code, "1")
	require.NotContains(t, tok.Code, "I")
}

func TestIssuePurgesExpiredUnclaimed(t *testing.T) {
	db := setupTestDB(t)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	clock := base
	authority := NewAuthority(db, 30*time.Second).
		WithNow(func() time.Time { return clock })
	cafeID := uuid.New()
	ctx := context.Background()

	stale, err := authority.Issue(ctx, cafeID, uuid.New())
	require.NoError(t, err)

	// A minute later the stale token has expired; issuing again removes it.
	clock = base.Add(time.Minute)
	fresh, err := authority.Issue(ctx, cafeID, uuid.New())
	require.NoError(t, err)

	var remaining []models.StampToken
	require.NoError(t, db.Where("cafe_id = ?", cafeID).Find(&remaining).Error)
	require.Len(t, remaining, 1)
	require.Equal(t, fresh.ID, remaining[0].ID)
	require.NotEqual(t, stale.ID, remaining[0].ID)
}

func TestConsumeSingleUse(t *testing.T) {
	authority := NewAuthority(setupTestDB(t), 30*time.Second)
	cafeID := uuid.New()
	ctx := context.Background()

	issued, err := authority.Issue(ctx, cafeID, uuid.New())
	require.NoError(t, err)

	winner := uuid.New()
	tok, err := authority.Consume(ctx, cafeID, issued.Code, winner)
	require.NoError(t, err)
	require.NotNil(t, tok.UsedBy)
	require.Equal(t, winner, *tok.UsedBy)
	require.NotNil(t, tok.UsedAt)

	// Every later claim loses: the conditional write already flipped used_by.
	for i := 0; i < 3; i++ {
		_, err = authority.Consume(ctx, cafeID, issued.Code, uuid.New())
		require.ErrorIs(t, err, ErrInvalidOrExpired)
	}
}

func TestConsumeConcurrentSingleWinner(t *testing.T) {
	db := setupTestDB(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// Single connection keeps sqlite from surfacing busy errors; the
	// goroutines still interleave between the read and the conditional write.
	sqlDB.SetMaxOpenConns(1)

	authority := NewAuthority(db, 30*time.Second)
	cafeID := uuid.New()
	ctx := context.Background()

	issued, err := authority.Issue(ctx, cafeID, uuid.New())
	require.NoError(t, err)

	const claimants = 8
	errs := make(chan error, claimants)
	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := authority.Consume(ctx, cafeID, issued.Code, uuid.New())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins, losses int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrInvalidOrExpired):
			losses++
		default:
			t.Fatalf("unexpected consume error: %v", err)
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, claimants-1, losses)
}

func TestConsumeNormalizesCode(t *testing.T) {
	authority := NewAuthority(setupTestDB(t), 30*time.Second)
	cafeID := uuid.New()
	ctx := context.Background()

	issued, err := authority.Issue(ctx, cafeID, uuid.New())
	require.NoError(t, err)

	_, err = authority.Consume(ctx, cafeID, "  "+strings.ToLower(issued.Code)+" ", uuid.New())
	require.NoError(t, err)
}

func TestConsumeWrongCafeOrCode(t *testing.T) {
	authority := NewAuthority(setupTestDB(t), 30*time.Second)
	cafeID := uuid.New()
	ctx := context.Background()

	issued, err := authority.Issue(ctx, cafeID, uuid.New())
	require.NoError(t, err)

	_, err = authority.Consume(ctx, uuid.New(), issued.Code, uuid.New())
	require.ErrorIs(t, err, ErrInvalidOrExpired)

	_, err = authority.Consume(ctx, cafeID, "XXXXXX", uuid.New())
	require.ErrorIs(t, err, ErrInvalidOrExpired)
}

func TestConsumeExpired(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	clock := base
	authority := NewAuthority(setupTestDB(t), 30*time.Second).
		WithNow(func() time.Time { return clock })
	cafeID := uuid.New()
	ctx := context.Background()

	issued, err := authority.Issue(ctx, cafeID, uuid.New())
	require.NoError(t, err)

	clock = base.Add(31 * time.Second)
	_, err = authority.Consume(ctx, cafeID, issued.Code, uuid.New())
	require.ErrorIs(t, err, ErrInvalidOrExpired)
}

func TestFindActiveReturnsNewest(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	clock := base
	authority := NewAuthority(setupTestDB(t), 30*time.Second).
		WithNow(func() time.Time { return clock })
	cafeID := uuid.New()
	ctx := context.Background()

	_, err := authority.FindActive(ctx, cafeID)
	require.ErrorIs(t, err, ErrNoActiveToken)

	_, err = authority.Issue(ctx, cafeID, uuid.New())
	require.NoError(t, err)
	clock = base.Add(5 * time.Second)
	second, err := authority.Issue(ctx, cafeID, uuid.New())
	require.NoError(t, err)

	active, err := authority.FindActive(ctx, cafeID)
	require.NoError(t, err)
	require.Equal(t, second.ID, active.ID)
}

func TestConsumeActive(t *testing.T) {
	authority := NewAuthority(setupTestDB(t), 30*time.Second)
	cafeID := uuid.New()
	claimant := uuid.New()
	ctx := context.Background()

	issued, err := authority.Issue(ctx, cafeID, uuid.New())
	require.NoError(t, err)

	tok, err := authority.ConsumeActive(ctx, cafeID, claimant)
	require.NoError(t, err)
	require.Equal(t, issued.ID, tok.ID)
	require.NotNil(t, tok.UsedBy)
	require.Equal(t, claimant, *tok.UsedBy)

	_, err = authority.ConsumeActive(ctx, cafeID, uuid.New())
	require.ErrorIs(t, err, ErrNoActiveToken)
}

func TestActiveHelper(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	used := uuid.New()
	cases := []struct {
		name string
		tok  models.StampToken
		want bool
	}{
		{"claimable", models.StampToken{ExpiresAt: now.Add(10 * time.Second)}, true},
		{"expired", models.StampToken{ExpiresAt: now.Add(-time.Second)}, false},
		{"claimed", models.StampToken{ExpiresAt: now.Add(10 * time.Second), UsedBy: &used}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.tok.Active(now))
		})
	}
}
