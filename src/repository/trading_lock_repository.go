package repository

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"statereconciler/src/database"
	"statereconciler/src/model"
)

// TradingLockRepository manages the durable named mutual-exclusion
// records. One row exists per (bot, symbol, lock type) tuple; Acquire
// upserts it back to active, Release flips it to released. Locks are
// never auto-expired.
type TradingLockRepository struct {
	db *gorm.DB
}

// NewTradingLockRepository creates a new repository instance using the main read/write database.
func NewTradingLockRepository() *TradingLockRepository {
	return &TradingLockRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *TradingLockRepository) WithDB(db *gorm.DB) *TradingLockRepository {
	return &TradingLockRepository{db: db}
}

// Acquire upserts the lock row for the tuple into the active state.
// The operation is idempotent: acquiring an already active lock leaves
// a single active row behind.
func (r *TradingLockRepository) Acquire(
	ctx context.Context,
	botID, symbol, lockType, reason, positionID, metadata string,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":      "TradingLockRepository",
		"op":        "Acquire",
		"bot_id":    botID,
		"symbol":    symbol,
		"lock_type": lockType,
		"reason":    reason,
	}).Debug("Acquiring durable trading lock")

	now := time.Now().UTC()
	lock := model.TradingLock{
		BotID:      botID,
		Symbol:     symbol,
		LockType:   lockType,
		LockReason: reason,
		PositionID: positionID,
		LockedAt:   now,
		UnlockAt:   nil,
		Status:     model.LockStatusActive,
		Metadata:   metadata,
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "bot_id"}, {Name: "symbol"}, {Name: "lock_type"},
			},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"status":      model.LockStatusActive,
				"lock_reason": reason,
				"position_id": positionID,
				"locked_at":   now,
				"unlock_at":   nil,
				"metadata":    metadata,
			}),
		}).
		Create(&lock).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":      "TradingLockRepository",
			"op":        "Acquire",
			"bot_id":    botID,
			"symbol":    symbol,
			"lock_type": lockType,
		}).WithError(err).Error("Failed to acquire durable trading lock")

		return err
	}

	return nil
}

// HasActive reports whether the tuple currently holds an active lock.
func (r *TradingLockRepository) HasActive(
	ctx context.Context,
	botID, symbol, lockType string,
) (bool, error) {

	var lock model.TradingLock

	err := r.db.WithContext(ctx).
		Where("bot_id = ? AND symbol = ? AND lock_type = ? AND status = ?",
			botID, symbol, lockType, model.LockStatusActive).
		First(&lock).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":      "TradingLockRepository",
			"op":        "HasActive",
			"bot_id":    botID,
			"symbol":    symbol,
			"lock_type": lockType,
		}).WithError(err).Error("Failed to check durable trading lock")

		return false, err
	}

	return true, nil
}

// Release marks the tuple's lock as released, recording the unlock
// time. Releasing an already released or missing lock is a no-op.
func (r *TradingLockRepository) Release(
	ctx context.Context,
	botID, symbol, lockType string,
) error {

	now := time.Now().UTC()

	res := r.db.WithContext(ctx).
		Model(&model.TradingLock{}).
		Where("bot_id = ? AND symbol = ? AND lock_type = ? AND status = ?",
			botID, symbol, lockType, model.LockStatusActive).
		Updates(map[string]interface{}{
			"status":    model.LockStatusReleased,
			"unlock_at": now,
		})

	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo":      "TradingLockRepository",
			"op":        "Release",
			"bot_id":    botID,
			"symbol":    symbol,
			"lock_type": lockType,
		}).WithError(res.Error).Error("Failed to release durable trading lock")

		return res.Error
	}

	logger.WithFields(map[string]interface{}{
		"repo":      "TradingLockRepository",
		"op":        "Release",
		"bot_id":    botID,
		"symbol":    symbol,
		"lock_type": lockType,
		"released":  res.RowsAffected,
	}).Debug("Durable trading lock released")

	return nil
}

// PruneReleased deletes released lock rows whose unlock time is older
// than the cutoff, returning the number of rows removed.
func (r *TradingLockRepository) PruneReleased(
	ctx context.Context,
	before time.Time,
) (int64, error) {

	res := r.db.WithContext(ctx).
		Where("status = ? AND unlock_at < ?", model.LockStatusReleased, before).
		Delete(&model.TradingLock{})

	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "TradingLockRepository",
			"op":     "PruneReleased",
			"before": before,
		}).WithError(res.Error).Error("Failed to prune released locks")

		return 0, res.Error
	}

	if res.RowsAffected > 0 {
		logger.WithFields(map[string]interface{}{
			"repo":        "TradingLockRepository",
			"op":          "PruneReleased",
			"rows_pruned": res.RowsAffected,
		}).Info("Stale released locks pruned")
	}

	return res.RowsAffected, nil
}
