package loyalty

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"stampd/models"
	"stampd/token"
)

func TestTapAutoRedeem(t *testing.T) {
	f := newFixture(t)
	cafe := f.cafe(t, 10)
	issuerID := uuid.New()
	customerID := uuid.New()
	ctx := context.Background()

	authority := token.NewAuthority(f.db, 30*time.Second).
		WithNow(func() time.Time { return f.clock })
	tap := NewTap(authority, f.stamps, nil)

	// Nobody pressed the allow button yet.
	_, err := tap.AutoRedeem(ctx, cafe.ID, customerID)
	require.ErrorIs(t, err, ErrNoActiveToken)

	issued, err := authority.Issue(ctx, cafe.ID, issuerID)
	require.NoError(t, err)

	// Tap 10 seconds into the 30-second window.
	f.clock = f.clock.Add(10 * time.Second)
	result, err := tap.AutoRedeem(ctx, cafe.ID, customerID)
	require.NoError(t, err)
	require.Equal(t, 1, result.CurrentCount)

	// The history entry carries the issuing merchant, not the customer.
	var entry models.StampHistory
	require.NoError(t, f.db.First(&entry, "stamp_id = ?", result.Balance.ID).Error)
	require.Equal(t, models.SourceMerchantManual, entry.Source)
	require.NotNil(t, entry.MerchantID)
	require.Equal(t, issued.IssuerID, *entry.MerchantID)

	// The token was consumed: a second tap by someone else finds nothing.
	_, err = tap.AutoRedeem(ctx, cafe.ID, uuid.New())
	require.ErrorIs(t, err, ErrNoActiveToken)
}

func TestTapExpiredToken(t *testing.T) {
	f := newFixture(t)
	cafe := f.cafe(t, 10)
	ctx := context.Background()

	authority := token.NewAuthority(f.db, 30*time.Second).
		WithNow(func() time.Time { return f.clock })
	tap := NewTap(authority, f.stamps, nil)

	_, err := authority.Issue(ctx, cafe.ID, uuid.New())
	require.NoError(t, err)

	f.clock = f.clock.Add(31 * time.Second)
	_, err = tap.AutoRedeem(ctx, cafe.ID, uuid.New())
	require.ErrorIs(t, err, ErrNoActiveToken)
}

func TestTapBypassesRateGuard(t *testing.T) {
	f := newFixture(t)
	cafe := f.cafe(t, 10)
	customerID := uuid.New()
	issuerID := uuid.New()
	ctx := context.Background()

	authority := token.NewAuthority(f.db, 30*time.Second).
		WithNow(func() time.Time { return f.clock })
	tap := NewTap(authority, f.stamps, nil)

	// Two merchant-authorized taps inside the customer-scan cooldown both
	// land: each consumed token is a fresh one-time authorization.
	for i := 0; i < 2; i++ {
		_, err := authority.Issue(ctx, cafe.ID, issuerID)
		require.NoError(t, err)
		f.clock = f.clock.Add(5 * time.Second)
		result, err := tap.AutoRedeem(ctx, cafe.ID, customerID)
		require.NoError(t, err)
		require.Equal(t, i+1, result.CurrentCount)
	}
}
