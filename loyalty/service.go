// Package loyalty implements the stamp accrual and redemption engine: the
// earn/redeem transitions, their guards, and the tap auto-redeem flow.
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"stampd/ledger"
	"stampd/models"
)

// Ledger describes the storage functionality the engine needs. *ledger.Store
// satisfies it; tests substitute their own.
type Ledger interface {
	HistoryReader
	Cafe(ctx context.Context, cafeID uuid.UUID) (*models.Cafe, error)
	EnsureBalance(ctx context.Context, customerID, cafeID uuid.UUID) (*models.Stamp, error)
	EarnStamp(ctx context.Context, stampID uuid.UUID, source models.StampSource, orderID, merchantID *uuid.UUID) (*models.Stamp, error)
	SpendStamps(ctx context.Context, stampID uuid.UUID, amount int, orderID *uuid.UUID) (*models.Stamp, error)
}

// StampResult reports the outcome of a successful accrual.
type StampResult struct {
	Balance        *models.Stamp `json:"stamp"`
	IsRewardEarned bool          `json:"is_reward_earned"`
	CurrentCount   int           `json:"current_count"`
	GoalCount      int           `json:"goal_count"`
}

// RedeemResult reports the outcome of spending one goal-unit.
type RedeemResult struct {
	Balance        *models.Stamp `json:"stamp"`
	RemainingCount int           `json:"remaining_count"`
}

// EarnParams carries one accrual request.
type EarnParams struct {
	CustomerID uuid.UUID
	CafeID     uuid.UUID
	Source     models.StampSource
	OrderID    *uuid.UUID
	MerchantID *uuid.UUID
}

// Service is the single authoritative path for moving a stamp balance.
type Service struct {
	ledger Ledger
	guard  *RateGuard
	log    *slog.Logger
}

// NewService wires the engine to its store and guard.
func NewService(l Ledger, guard *RateGuard, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{ledger: l, guard: guard, log: log}
}

// Earn increments the customer's balance at the café by one stamp.
//
// Customer-scan earns pass through the rate guard; order and merchant-manual
// earns bypass it: an order is a verified payment event, and a
// merchant-manual grant was already gated by a single-use token. Reaching the
// goal is informational only: no reward is consumed here.
func (s *Service) Earn(ctx context.Context, p EarnParams) (*StampResult, error) {
	if !p.Source.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSource, p.Source)
	}

	cafe, err := s.ledger.Cafe(ctx, p.CafeID)
	if err != nil {
		return nil, s.mapStoreErr(err)
	}

	if p.Source == models.SourceCustomerScan && s.guard != nil {
		if err := s.guard.Check(ctx, p.CustomerID, p.CafeID); err != nil {
			// Expected, frequent outcomes; not exceptional.
			s.log.Info("earn rejected by rate guard",
				"customer", p.CustomerID, "cafe", p.CafeID, "reason", err.Error())
			return nil, err
		}
	}

	stamp, err := s.ledger.EnsureBalance(ctx, p.CustomerID, p.CafeID)
	if err != nil {
		return nil, s.mapStoreErr(err)
	}

	updated, err := s.ledger.EarnStamp(ctx, stamp.ID, p.Source, p.OrderID, p.MerchantID)
	if err != nil {
		return nil, s.mapStoreErr(err)
	}

	s.log.Debug("stamp earned",
		"customer", p.CustomerID, "cafe", p.CafeID,
		"source", string(p.Source), "count", updated.Count, "goal", cafe.StampGoal)

	return &StampResult{
		Balance:        updated,
		IsRewardEarned: updated.Count >= cafe.StampGoal,
		CurrentCount:   updated.Count,
		GoalCount:      cafe.StampGoal,
	}, nil
}

// Redeem spends exactly one stamp-goal's worth from the balance. Multiple
// banked rewards are spent one call at a time.
func (s *Service) Redeem(ctx context.Context, customerID, cafeID uuid.UUID, orderID *uuid.UUID) (*RedeemResult, error) {
	cafe, err := s.ledger.Cafe(ctx, cafeID)
	if err != nil {
		return nil, s.mapStoreErr(err)
	}

	stamp, err := s.ledger.Balance(ctx, customerID, cafeID)
	if err != nil {
		return nil, s.mapStoreErr(err)
	}
	if stamp.Count < cafe.StampGoal {
		return nil, ErrInsufficientStamps
	}

	updated, err := s.ledger.SpendStamps(ctx, stamp.ID, cafe.StampGoal, orderID)
	if err != nil {
		return nil, s.mapStoreErr(err)
	}

	s.log.Debug("reward redeemed",
		"customer", customerID, "cafe", cafeID,
		"spent", cafe.StampGoal, "remaining", updated.Count)

	return &RedeemResult{Balance: updated, RemainingCount: updated.Count}, nil
}

// Balance exposes the read-only view used by the wallet-pass collaborator.
func (s *Service) Balance(ctx context.Context, customerID, cafeID uuid.UUID) (*models.Stamp, error) {
	stamp, err := s.ledger.Balance(ctx, customerID, cafeID)
	if err != nil {
		return nil, s.mapStoreErr(err)
	}
	return stamp, nil
}

func (s *Service) mapStoreErr(err error) error {
	switch {
	case errors.Is(err, ledger.ErrCafeNotFound):
		return ErrCafeNotFound
	case errors.Is(err, ledger.ErrBalanceNotFound):
		return ErrNoStamps
	case errors.Is(err, ledger.ErrInsufficient):
		// A concurrent redemption won the race between our balance read and
		// the conditional decrement.
		return ErrInsufficientStamps
	case errors.Is(err, ErrPersistence):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
}
