package model

import "time"

// TradingLock status constants.
const (
	LockStatusActive   = "active"
	LockStatusReleased = "released"
)

// LockType constants name the purpose a lock protects.
const (
	LockTypePosition  = "position"
	LockTypeStopLoss  = "stop_loss"
	LockTypeReconcile = "reconcile"
)

// TradingLock is a durable mutual-exclusion record scoped to
// (bot, symbol, purpose). It survives restarts: a crash mid-section
// leaves the lock active until explicitly released, there is no
// auto-expiry. The composite unique index guarantees at most one row
// per tuple.
type TradingLock struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	BotID      string     `gorm:"size:60;uniqueIndex:idx_bot_symbol_lock_type" json:"bot_id"`
	Symbol     string     `gorm:"size:100;uniqueIndex:idx_bot_symbol_lock_type" json:"symbol"`
	LockType   string     `gorm:"size:50;uniqueIndex:idx_bot_symbol_lock_type" json:"lock_type"`
	LockReason string     `gorm:"size:255" json:"lock_reason"`
	PositionID string     `gorm:"size:255" json:"position_id,omitempty"`
	LockedAt   time.Time  `json:"locked_at"`
	UnlockAt   *time.Time `json:"unlock_at,omitempty"`
	Status     string     `gorm:"size:20;not null;default:active" json:"status"`
	Metadata   string     `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName allows you to control the exact table name for locks.
func (TradingLock) TableName() string {
	return "trading_locks"
}
