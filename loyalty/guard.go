package loyalty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stampd/ledger"
	"stampd/models"
)

// Default anti-abuse limits for customer-scan earns.
const (
	DefaultCooldown = 5 * time.Minute
	DefaultDailyCap = 3
)

// RateGuard decides whether a customer-scan earn is permitted right now. It
// only reads history and never writes; the guard check and the subsequent
// accrual are not linked in one transaction, so two near-simultaneous scans
// can both pass. That window is accepted: the guard is best-effort abuse
// damping, not a security boundary.
type RateGuard struct {
	ledger   HistoryReader
	cooldown time.Duration
	dailyCap int
	loc      *time.Location
	now      func() time.Time
}

// HistoryReader is the slice of the ledger the guard needs.
type HistoryReader interface {
	Balance(ctx context.Context, customerID, cafeID uuid.UUID) (*models.Stamp, error)
	CountEarnsSince(ctx context.Context, stampID uuid.UUID, since time.Time) (int64, error)
}

// NewRateGuard builds a guard with the supplied limits. A nil location means
// the daily cap resets at UTC midnight; cafés in a fixed market should pass
// their local zone so "per day" matches the calendar day customers see.
func NewRateGuard(reader HistoryReader, cooldown time.Duration, dailyCap int, loc *time.Location) *RateGuard {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if dailyCap <= 0 {
		dailyCap = DefaultDailyCap
	}
	if loc == nil {
		loc = time.UTC
	}
	return &RateGuard{
		ledger:   reader,
		cooldown: cooldown,
		dailyCap: dailyCap,
		loc:      loc,
		now:      time.Now,
	}
}

// WithNow overrides the clock. Intended for tests.
func (g *RateGuard) WithNow(now func() time.Time) *RateGuard {
	g.now = now
	return g
}

// Check returns nil when an earn is permitted, ErrCooldownActive or
// ErrDailyLimitReached when it is not.
func (g *RateGuard) Check(ctx context.Context, customerID, cafeID uuid.UUID) error {
	stamp, err := g.ledger.Balance(ctx, customerID, cafeID)
	if err != nil {
		if errors.Is(err, ledger.ErrBalanceNotFound) {
			// First earn for the pair: nothing to rate-limit yet.
			return nil
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	now := g.now().In(g.loc)

	recent, err := g.ledger.CountEarnsSince(ctx, stamp.ID, now.Add(-g.cooldown))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if recent > 0 {
		return ErrCooldownActive
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, g.loc)
	today, err := g.ledger.CountEarnsSince(ctx, stamp.ID, midnight)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if today >= int64(g.dailyCap) {
		return ErrDailyLimitReached
	}
	return nil
}
