// Package token issues and consumes merchant "allow stamping" tokens.
//
// A token is a short-lived, single-use authorization: staff press the allow
// button, the customer taps (or types the code) within the TTL, and the
// first successful claim wins. Codes come from a 32-symbol alphabet with the
// visually ambiguous glyphs removed because they are sometimes read out or
// typed as a fallback to NFC.
package token

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"stampd/models"
)

const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no 0/O/1/I
	codeLength   = 6

	// DefaultTTL bounds how long staff intent stays claimable.
	DefaultTTL = 30 * time.Second
)

var (
	ErrInvalidOrExpired = errors.New("token: invalid or expired token")
	ErrNoActiveToken    = errors.New("token: no active token")
)

// Authority owns the token lifecycle for all cafés.
type Authority struct {
	db     *gorm.DB
	ttl    time.Duration
	now    func() time.Time
	codeFn func() (string, error)
}

// NewAuthority builds an authority with the given TTL (DefaultTTL when <= 0).
func NewAuthority(db *gorm.DB, ttl time.Duration) *Authority {
	a := &Authority{db: db, ttl: ttl, now: time.Now}
	if a.ttl <= 0 {
		a.ttl = DefaultTTL
	}
	a.codeFn = randomCode
	return a
}

// WithNow overrides the clock. Intended for tests.
func (a *Authority) WithNow(now func() time.Time) *Authority {
	a.now = now
	return a
}

// WithCodeFn overrides code generation. Intended for tests.
func (a *Authority) WithCodeFn(fn func() (string, error)) *Authority {
	a.codeFn = fn
	return a
}

// Issue creates a fresh token for the café on an explicit staff action.
// Expired unclaimed tokens for the same café are purged first; that cleanup
// is opportunistic housekeeping, since an expired token already fails the
// expiry check on every read.
func (a *Authority) Issue(ctx context.Context, cafeID, issuerID uuid.UUID) (*models.StampToken, error) {
	now := a.now()

	if err := a.db.WithContext(ctx).
		Where("cafe_id = ? AND used_by IS NULL AND expires_at < ?", cafeID, now).
		Delete(&models.StampToken{}).Error; err != nil {
		return nil, fmt.Errorf("purge stale tokens: %w", err)
	}

	code, err := a.codeFn()
	if err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}

	tok := models.StampToken{
		ID:        uuid.New(),
		CafeID:    cafeID,
		Code:      code,
		IssuerID:  issuerID,
		ExpiresAt: now.Add(a.ttl),
		CreatedAt: now,
	}
	if err := a.db.WithContext(ctx).Create(&tok).Error; err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}
	return &tok, nil
}

// Consume claims the token matching the café and code. Exactly one claimant
// can ever succeed: the write is conditional on used_by still being null and
// the affected row count decides the race.
func (a *Authority) Consume(ctx context.Context, cafeID uuid.UUID, code string, claimantID uuid.UUID) (*models.StampToken, error) {
	now := a.now()
	var tok models.StampToken
	err := a.db.WithContext(ctx).
		First(&tok, "cafe_id = ? AND code = ? AND used_by IS NULL AND expires_at > ?",
			cafeID, strings.ToUpper(strings.TrimSpace(code)), now).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidOrExpired
		}
		return nil, fmt.Errorf("find token: %w", err)
	}
	if err := a.claim(ctx, &tok, claimantID, now); err != nil {
		return nil, err
	}
	return &tok, nil
}

// FindActive returns the café's most recently issued claimable token, or
// ErrNoActiveToken. The tap flow uses it to detect an allow-stamping session
// without a code argument; the merchant console polls it for the countdown.
func (a *Authority) FindActive(ctx context.Context, cafeID uuid.UUID) (*models.StampToken, error) {
	var tok models.StampToken
	err := a.db.WithContext(ctx).
		Where("cafe_id = ? AND used_by IS NULL AND expires_at > ?", cafeID, a.now()).
		Order("created_at DESC").
		First(&tok).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoActiveToken
		}
		return nil, fmt.Errorf("find active token: %w", err)
	}
	return &tok, nil
}

// ConsumeActive claims the café's active token without a code. If another
// claimant wins the conditional write we look again, in case staff already
// issued a newer token; from the caller's perspective the compose is atomic.
func (a *Authority) ConsumeActive(ctx context.Context, cafeID, claimantID uuid.UUID) (*models.StampToken, error) {
	for attempt := 0; attempt < 3; attempt++ {
		tok, err := a.FindActive(ctx, cafeID)
		if err != nil {
			return nil, err
		}
		err = a.claim(ctx, tok, claimantID, a.now())
		if err == nil {
			return tok, nil
		}
		if !errors.Is(err, ErrInvalidOrExpired) {
			return nil, err
		}
	}
	return nil, ErrNoActiveToken
}

func (a *Authority) claim(ctx context.Context, tok *models.StampToken, claimantID uuid.UUID, now time.Time) error {
	res := a.db.WithContext(ctx).Model(&models.StampToken{}).
		Where("id = ? AND used_by IS NULL", tok.ID).
		Updates(map[string]interface{}{
			"used_by": claimantID,
			"used_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("claim token: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInvalidOrExpired
	}
	tok.UsedBy = &claimantID
	tok.UsedAt = &now
	return nil
}

func randomCode() (string, error) {
	var b strings.Builder
	b.Grow(codeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}
