package loyalty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"stampd/models"
	"stampd/token"
)

// TokenAuthority is the slice of the token service the tap flow needs.
type TokenAuthority interface {
	ConsumeActive(ctx context.Context, cafeID, claimantID uuid.UUID) (*models.StampToken, error)
}

// Tap composes the token authority and the accrual engine into the passive
// NFC-tap flow: claim the café's active token, then grant one stamp on the
// issuing merchant's authority.
type Tap struct {
	tokens TokenAuthority
	stamps *Service
	log    *slog.Logger
}

// NewTap wires the tap flow.
func NewTap(tokens TokenAuthority, stamps *Service, log *slog.Logger) *Tap {
	if log == nil {
		log = slog.Default()
	}
	return &Tap{tokens: tokens, stamps: stamps, log: log}
}

// AutoRedeem runs one tap. ErrNoActiveToken means staff have not pressed the
// allow-stamping button (or the window lapsed); that is the common idle
// outcome, distinct from any permission failure, and safe to retry after
// staff re-arm. The rate guard is bypassed because the consumed token is
// itself a one-time merchant authorization.
func (t *Tap) AutoRedeem(ctx context.Context, cafeID, customerID uuid.UUID) (*StampResult, error) {
	tok, err := t.tokens.ConsumeActive(ctx, cafeID, customerID)
	if err != nil {
		if errors.Is(err, token.ErrNoActiveToken) {
			t.log.Debug("tap without active token", "cafe", cafeID, "customer", customerID)
			return nil, ErrNoActiveToken
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	merchantID := tok.IssuerID
	return t.stamps.Earn(ctx, EarnParams{
		CustomerID: customerID,
		CafeID:     cafeID,
		Source:     models.SourceMerchantManual,
		MerchantID: &merchantID,
	})
}
