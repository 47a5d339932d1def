package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// HistoryType distinguishes ledger entry directions.
type HistoryType string

// Ledger entry directions.
const (
	HistoryEarn HistoryType = "earn"
	HistoryUse  HistoryType = "use"
)

// StampSource identifies how an earn event was authorized.
type StampSource string

// All earn sources.
const (
	SourceOrder          StampSource = "order"
	SourceCustomerScan   StampSource = "customer_scan"
	SourceMerchantManual StampSource = "merchant_manual"
)

// Valid reports whether the source is one of the known variants.
func (s StampSource) Valid() bool {
	switch s {
	case SourceOrder, SourceCustomerScan, SourceMerchantManual:
		return true
	}
	return false
}

// Cafe stores the merchant-facing configuration the ledger reads. The stamp
// goal is owned by the merchant console; the core only reads it.
type Cafe struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string    `gorm:"size:128;not null" json:"name"`
	ShortCode string    `gorm:"size:16;uniqueIndex" json:"short_code"`
	StampGoal int       `gorm:"not null;default:10" json:"stamp_goal"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stamp is the per (customer, café) balance row. Count must always equal
// TotalEarned - TotalUsed and never go negative; the pair is unique so a
// concurrent first earn cannot create two rows.
type Stamp struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CustomerID  uuid.UUID `gorm:"type:uuid;index;uniqueIndex:idx_stamps_customer_cafe" json:"customer_id"`
	CafeID      uuid.UUID `gorm:"type:uuid;index;uniqueIndex:idx_stamps_customer_cafe" json:"cafe_id"`
	Count       int       `gorm:"not null" json:"count"`
	TotalEarned int       `gorm:"not null" json:"total_earned"`
	TotalUsed   int       `gorm:"not null" json:"total_used"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StampHistory is the append-only ledger. Rows are never mutated or deleted;
// the rate guard evaluates time-windowed rules over them.
type StampHistory struct {
	ID         uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	StampID    uuid.UUID   `gorm:"type:uuid;index:idx_history_stamp_type_time" json:"stamp_id"`
	OrderID    *uuid.UUID  `gorm:"type:uuid" json:"order_id,omitempty"`
	MerchantID *uuid.UUID  `gorm:"type:uuid" json:"merchant_id,omitempty"`
	Type       HistoryType `gorm:"size:8;not null;index:idx_history_stamp_type_time" json:"type"`
	Source     StampSource `gorm:"size:32" json:"source,omitempty"`
	Amount     int         `gorm:"not null" json:"amount"`
	CreatedAt  time.Time   `gorm:"index:idx_history_stamp_type_time" json:"created_at"`
}

// StampToken is a merchant-issued, time-boxed, single-use grant. A token is
// active while UsedBy is null and ExpiresAt is in the future; the first
// successful claim wins.
type StampToken struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CafeID    uuid.UUID  `gorm:"type:uuid;index" json:"cafe_id"`
	Code      string     `gorm:"size:8;not null" json:"code"`
	IssuerID  uuid.UUID  `gorm:"type:uuid" json:"issuer_id"`
	ExpiresAt time.Time  `gorm:"not null" json:"expires_at"`
	UsedBy    *uuid.UUID `gorm:"type:uuid" json:"used_by,omitempty"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Active reports whether the token can still be claimed at the given instant.
func (t StampToken) Active(now time.Time) bool {
	return t.UsedBy == nil && now.Before(t.ExpiresAt)
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Cafe{},
		&Stamp{},
		&StampHistory{},
		&StampToken{},
	)
}
