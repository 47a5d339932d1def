// Package ledger persists stamp balances and their append-only history.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stampd/models"
)

var (
	ErrCafeNotFound    = errors.New("ledger: cafe not found")
	ErrShortCodeTaken  = errors.New("ledger: short code already taken")
	ErrBalanceNotFound = errors.New("ledger: balance not found")
	ErrInsufficient    = errors.New("ledger: insufficient balance")
)

// Store provides durable access to cafés, balances, and history rows. All
// multi-row writes for a single earn or spend happen inside one database
// transaction so a partial failure never leaves the ledger inconsistent.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore wraps the supplied gorm handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithNow overrides the clock. Intended for tests.
func (s *Store) WithNow(now func() time.Time) *Store {
	s.now = now
	return s
}

// CreateCafe registers a café with its stamp goal and short code.
func (s *Store) CreateCafe(ctx context.Context, cafe *models.Cafe) error {
	if cafe.ID == uuid.Nil {
		cafe.ID = uuid.New()
	}
	if cafe.StampGoal < 1 {
		return fmt.Errorf("ledger: stamp goal must be at least 1")
	}
	now := s.now()
	cafe.CreatedAt = now
	cafe.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(cafe).Error; err != nil {
		// Requires the gorm handle to be opened with TranslateError.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrShortCodeTaken
		}
		return fmt.Errorf("create cafe: %w", err)
	}
	return nil
}

// Cafe loads a café by id.
func (s *Store) Cafe(ctx context.Context, cafeID uuid.UUID) (*models.Cafe, error) {
	var cafe models.Cafe
	if err := s.db.WithContext(ctx).First(&cafe, "id = ?", cafeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCafeNotFound
		}
		return nil, fmt.Errorf("load cafe: %w", err)
	}
	return &cafe, nil
}

// CafeByShortCode resolves the NFC/QR deep-link code to a café.
func (s *Store) CafeByShortCode(ctx context.Context, code string) (*models.Cafe, error) {
	var cafe models.Cafe
	if err := s.db.WithContext(ctx).First(&cafe, "short_code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCafeNotFound
		}
		return nil, fmt.Errorf("load cafe by short code: %w", err)
	}
	return &cafe, nil
}

// Balance returns the stamp row for the (customer, café) pair.
func (s *Store) Balance(ctx context.Context, customerID, cafeID uuid.UUID) (*models.Stamp, error) {
	var stamp models.Stamp
	err := s.db.WithContext(ctx).
		First(&stamp, "customer_id = ? AND cafe_id = ?", customerID, cafeID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, fmt.Errorf("load balance: %w", err)
	}
	return &stamp, nil
}

// EnsureBalance returns the balance for the pair, creating a zeroed row if
// none exists. The insert is guarded by the (customer_id, cafe_id) unique
// index with ON CONFLICT DO NOTHING, so two concurrent first earns converge
// on a single row.
func (s *Store) EnsureBalance(ctx context.Context, customerID, cafeID uuid.UUID) (*models.Stamp, error) {
	now := s.now()
	stamp := models.Stamp{
		ID:         uuid.New(),
		CustomerID: customerID,
		CafeID:     cafeID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "customer_id"}, {Name: "cafe_id"}},
			DoNothing: true,
		}).
		Create(&stamp).Error
	if err != nil {
		return nil, fmt.Errorf("ensure balance: %w", err)
	}
	// Re-read regardless of whether our insert won: the conflict path leaves
	// stamp holding the losing candidate row.
	return s.Balance(ctx, customerID, cafeID)
}

// EarnStamp applies a single-stamp accrual: a storage-level atomic increment
// of count and total_earned plus the matching history row, in one
// transaction.
func (s *Store) EarnStamp(ctx context.Context, stampID uuid.UUID, source models.StampSource, orderID, merchantID *uuid.UUID) (*models.Stamp, error) {
	now := s.now()
	var updated models.Stamp
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Stamp{}).
			Where("id = ?", stampID).
			Updates(map[string]interface{}{
				"count":        gorm.Expr("count + ?", 1),
				"total_earned": gorm.Expr("total_earned + ?", 1),
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrBalanceNotFound
		}
		entry := models.StampHistory{
			ID:         uuid.New(),
			StampID:    stampID,
			OrderID:    orderID,
			MerchantID: merchantID,
			Type:       models.HistoryEarn,
			Source:     source,
			Amount:     1,
			CreatedAt:  now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		return tx.First(&updated, "id = ?", stampID).Error
	})
	if err != nil {
		if errors.Is(err, ErrBalanceNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, fmt.Errorf("earn stamp: %w", err)
	}
	return &updated, nil
}

// SpendStamps removes exactly amount stamps. The decrement is conditional on
// count >= amount so a lost race fails instead of driving the balance
// negative; RowsAffected decides the outcome.
func (s *Store) SpendStamps(ctx context.Context, stampID uuid.UUID, amount int, orderID *uuid.UUID) (*models.Stamp, error) {
	if amount < 1 {
		return nil, fmt.Errorf("spend stamps: amount must be positive")
	}
	now := s.now()
	var updated models.Stamp
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Stamp{}).
			Where("id = ? AND count >= ?", stampID, amount).
			Updates(map[string]interface{}{
				"count":      gorm.Expr("count - ?", amount),
				"total_used": gorm.Expr("total_used + ?", amount),
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInsufficient
		}
		entry := models.StampHistory{
			ID:        uuid.New(),
			StampID:   stampID,
			OrderID:   orderID,
			Type:      models.HistoryUse,
			Amount:    amount,
			CreatedAt: now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		return tx.First(&updated, "id = ?", stampID).Error
	})
	if err != nil {
		if errors.Is(err, ErrInsufficient) {
			return nil, ErrInsufficient
		}
		return nil, fmt.Errorf("spend stamps: %w", err)
	}
	return &updated, nil
}

// CountEarnsSince counts earn entries for the balance at or after the cutoff.
// This is the rate guard's hot read; it is served by the
// (stamp_id, type, created_at) index.
func (s *Store) CountEarnsSince(ctx context.Context, stampID uuid.UUID, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.StampHistory{}).
		Where("stamp_id = ? AND type = ? AND created_at >= ?", stampID, models.HistoryEarn, since).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count earns: %w", err)
	}
	return n, nil
}

// History returns the balance's ledger entries, newest first.
func (s *Store) History(ctx context.Context, stampID uuid.UUID, limit int) ([]models.StampHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []models.StampHistory
	err := s.db.WithContext(ctx).
		Where("stamp_id = ?", stampID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return entries, nil
}
