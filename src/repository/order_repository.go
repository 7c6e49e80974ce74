package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"statereconciler/src/database"
	"statereconciler/src/model"
)

// ErrDuplicateOrder is returned when recording an order whose external
// order id is already present in the ledger.
var ErrDuplicateOrder = errors.New("duplicate external order id")

// ErrMissingExternalID is returned when recording an order without an
// exchange-assigned id. Orders enter the ledger only after the
// exchange acknowledged them, so the unique index on the external id
// never has to compare empty values.
var ErrMissingExternalID = errors.New("order missing external order id")

// OrderRepository is the order ledger: the durable record of what the
// bot believes it did, plus the audit trail of every mutation.
type OrderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates a new repository instance using the main read/write database.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *OrderRepository) WithDB(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// ---------------------------------------------------
// Ledger writes
// ---------------------------------------------------

// CreateWithAutoLog inserts a new order and its first audit log entry
// in a single transaction. Returns ErrDuplicateOrder when the external
// order id collides with an existing row and ErrMissingExternalID when
// the order has no exchange-assigned id yet.
func (r *OrderRepository) CreateWithAutoLog(
	ctx context.Context,
	order *model.Order,
) error {

	if order.ExternalOrderID == "" {
		logger.WithFields(map[string]interface{}{
			"repo":   "OrderRepository",
			"op":     "CreateWithAutoLog",
			"bot_id": order.BotID,
			"symbol": order.Symbol,
		}).Error("Refusing to record order without external id")

		return ErrMissingExternalID
	}

	logger.WithFields(map[string]interface{}{
		"repo":   "OrderRepository",
		"op":     "CreateWithAutoLog",
		"bot_id": order.BotID,
		"symbol": order.Symbol,
		"side":   order.Side,
		"qty":    order.Quantity,
	}).Debug("Recording new order")

	if order.Timestamp.IsZero() {
		order.Timestamp = time.Now().UTC()
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return err
		}

		logEntry := &model.OrderLog{
			OrderID:   order.ID,
			BotID:     order.BotID,
			Symbol:    order.Symbol,
			Side:      order.Side,
			OrderType: order.OrderType,
			Quantity:  order.Quantity,
			Price:     order.Price,
			Status:    order.Status,
			Reason:    "order recorded",
			CreatedAt: time.Now(),
		}

		return tx.Create(logEntry).Error
	})

	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			logger.WithFields(map[string]interface{}{
				"repo":              "OrderRepository",
				"op":                "CreateWithAutoLog",
				"external_order_id": order.ExternalOrderID,
			}).Warn("Duplicate external order id, order already recorded")

			return fmt.Errorf("%w: %s", ErrDuplicateOrder, order.ExternalOrderID)
		}

		logger.WithFields(map[string]interface{}{
			"repo": "OrderRepository",
			"op":   "CreateWithAutoLog",
		}).WithError(err).Error("Failed to record order")

		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":     "OrderRepository",
		"op":       "CreateWithAutoLog",
		"order_id": order.ID,
	}).Info("Order recorded")

	return nil
}

// TransitionStatusWithAutoLog applies a status transition if it is a
// legal edge of the state machine, writing an audit log entry in the
// same transaction. Illegal transitions are logged and skipped without
// error; the returned bool reports whether the transition was applied.
func (r *OrderRepository) TransitionStatusWithAutoLog(
	ctx context.Context,
	orderID uint,
	newStatus string,
	reason string,
) (bool, error) {

	logger.WithFields(map[string]interface{}{
		"repo":      "OrderRepository",
		"op":        "TransitionStatusWithAutoLog",
		"order_id":  orderID,
		"newStatus": newStatus,
		"reason":    reason,
	}).Debug("Transitioning order status")

	applied := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order model.Order

		if err := tx.First(&order, orderID).Error; err != nil {
			return err
		}

		if !model.CanTransition(order.Status, newStatus) {
			logger.WithFields(map[string]interface{}{
				"repo":      "OrderRepository",
				"op":        "TransitionStatusWithAutoLog",
				"order_id":  orderID,
				"from":      order.Status,
				"newStatus": newStatus,
			}).Warn("Illegal status transition, skipping")

			return nil
		}

		if err := tx.
			Model(&model.Order{}).
			Where("id = ?", orderID).
			Update("status", newStatus).Error; err != nil {
			return err
		}

		logEntry := &model.OrderLog{
			OrderID:   order.ID,
			BotID:     order.BotID,
			Symbol:    order.Symbol,
			Side:      order.Side,
			OrderType: order.OrderType,
			Quantity:  order.Quantity,
			Price:     order.Price,
			Status:    newStatus,
			Reason:    reason,
			CreatedAt: time.Now(),
		}

		if err := tx.Create(logEntry).Error; err != nil {
			return err
		}

		applied = true
		return nil
	})

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "OrderRepository",
			"op":       "TransitionStatusWithAutoLog",
			"order_id": orderID,
		}).WithError(err).Error("Failed to transition order status")

		return false, err
	}

	if applied {
		logger.WithFields(map[string]interface{}{
			"repo":      "OrderRepository",
			"op":        "TransitionStatusWithAutoLog",
			"order_id":  orderID,
			"newStatus": newStatus,
		}).Info("Order status updated")
	}

	return applied, nil
}

// MarkFilledWithAutoLog transitions an order to filled, recording the
// exchange-reported executed quantity when it differs from the
// requested size (partial fills). Same idempotency contract as
// TransitionStatusWithAutoLog: illegal edges are logged no-ops.
func (r *OrderRepository) MarkFilledWithAutoLog(
	ctx context.Context,
	orderID uint,
	executedQty float64,
	reason string,
) (bool, error) {

	logger.WithFields(map[string]interface{}{
		"repo":         "OrderRepository",
		"op":           "MarkFilledWithAutoLog",
		"order_id":     orderID,
		"executed_qty": executedQty,
		"reason":       reason,
	}).Debug("Marking order filled")

	applied := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order model.Order

		if err := tx.First(&order, orderID).Error; err != nil {
			return err
		}

		if !model.CanTransition(order.Status, model.OrderStatusFilled) {
			logger.WithFields(map[string]interface{}{
				"repo":     "OrderRepository",
				"op":       "MarkFilledWithAutoLog",
				"order_id": orderID,
				"from":     order.Status,
			}).Warn("Illegal status transition, skipping")

			return nil
		}

		updates := map[string]interface{}{
			"status": model.OrderStatusFilled,
		}
		if executedQty > 0 && executedQty != order.Quantity {
			updates["executed_quantity"] = executedQty
		}

		if err := tx.
			Model(&model.Order{}).
			Where("id = ?", orderID).
			Updates(updates).Error; err != nil {
			return err
		}

		logEntry := &model.OrderLog{
			OrderID:   order.ID,
			BotID:     order.BotID,
			Symbol:    order.Symbol,
			Side:      order.Side,
			OrderType: order.OrderType,
			Quantity:  order.Quantity,
			Price:     order.Price,
			Status:    model.OrderStatusFilled,
			Reason:    reason,
			CreatedAt: time.Now(),
		}

		if err := tx.Create(logEntry).Error; err != nil {
			return err
		}

		applied = true
		return nil
	})

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "OrderRepository",
			"op":       "MarkFilledWithAutoLog",
			"order_id": orderID,
		}).WithError(err).Error("Failed to mark order filled")

		return false, err
	}

	return applied, nil
}

// CloseDetails carries the fields written together when a position
// constituent order is closed.
type CloseDetails struct {
	ClosePrice    float64
	CloseTime     time.Time
	CloseQuantity float64
	CloseType     string
	Pnl           float64
	PnlPct        float64
	Reason        string
}

// CloseWithPnl marks a filled order as closed and writes the realized
// close fields plus an audit entry in one transaction. The filled ->
// closed edge is the only one accepted; anything else is a logged
// no-op.
func (r *OrderRepository) CloseWithPnl(
	ctx context.Context,
	orderID uint,
	details CloseDetails,
) (bool, error) {

	logger.WithFields(map[string]interface{}{
		"repo":     "OrderRepository",
		"op":       "CloseWithPnl",
		"order_id": orderID,
		"pnl":      details.Pnl,
	}).Debug("Closing order with realized pnl")

	applied := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order model.Order

		if err := tx.First(&order, orderID).Error; err != nil {
			return err
		}

		if !model.CanTransition(order.Status, model.OrderStatusClosed) {
			logger.WithFields(map[string]interface{}{
				"repo":     "OrderRepository",
				"op":       "CloseWithPnl",
				"order_id": orderID,
				"from":     order.Status,
			}).Warn("Order not in a closable status, skipping")

			return nil
		}

		updates := map[string]interface{}{
			"status":         model.OrderStatusClosed,
			"close_price":    details.ClosePrice,
			"close_time":     details.CloseTime,
			"close_quantity": details.CloseQuantity,
			"close_type":     details.CloseType,
			"pnl":            details.Pnl,
			"pnl_pct":        details.PnlPct,
		}

		if err := tx.
			Model(&model.Order{}).
			Where("id = ?", orderID).
			Updates(updates).Error; err != nil {
			return err
		}

		logEntry := &model.OrderLog{
			OrderID:   order.ID,
			BotID:     order.BotID,
			Symbol:    order.Symbol,
			Side:      order.Side,
			OrderType: order.OrderType,
			Quantity:  order.Quantity,
			Price:     order.Price,
			Status:    model.OrderStatusClosed,
			Reason:    details.Reason,
			CreatedAt: time.Now(),
		}

		if err := tx.Create(logEntry).Error; err != nil {
			return err
		}

		applied = true
		return nil
	})

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "OrderRepository",
			"op":       "CloseWithPnl",
			"order_id": orderID,
		}).WithError(err).Error("Failed to close order")

		return false, err
	}

	return applied, nil
}

// ---------------------------------------------------
// Ledger reads
// ---------------------------------------------------

// FindByExternalID fetches an order by its exchange order id.
// Returns (nil, nil) if the order is not found.
func (r *OrderRepository) FindByExternalID(
	ctx context.Context,
	externalOrderID string,
) (*model.Order, error) {

	var order model.Order

	err := r.db.WithContext(ctx).
		Where("external_order_id = ?", externalOrderID).
		First(&order).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		logger.WithFields(map[string]interface{}{
			"repo":              "OrderRepository",
			"op":                "FindByExternalID",
			"external_order_id": externalOrderID,
		}).WithError(err).Error("Failed to fetch order by external id")

		return nil, err
	}

	return &order, nil
}

// FindNonTerminalByBot returns all pending and filled orders for a bot,
// oldest first. These are the orders the reconciler still has to track
// against the exchange.
func (r *OrderRepository) FindNonTerminalByBot(
	ctx context.Context,
	botID string,
) ([]model.Order, error) {

	var orders []model.Order

	err := r.db.WithContext(ctx).
		Where("bot_id = ? AND status IN ?", botID,
			[]string{model.OrderStatusPending, model.OrderStatusFilled}).
		Order("timestamp ASC, id ASC").
		Find(&orders).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "OrderRepository",
			"op":     "FindNonTerminalByBot",
			"bot_id": botID,
		}).WithError(err).Error("Failed to fetch non-terminal orders")

		return nil, err
	}

	return orders, nil
}

// FindPendingByBot returns all pending orders for a bot, oldest first.
func (r *OrderRepository) FindPendingByBot(
	ctx context.Context,
	botID string,
) ([]model.Order, error) {

	var orders []model.Order

	err := r.db.WithContext(ctx).
		Where("bot_id = ? AND status = ?", botID, model.OrderStatusPending).
		Order("timestamp ASC, id ASC").
		Find(&orders).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "OrderRepository",
			"op":     "FindPendingByBot",
			"bot_id": botID,
		}).WithError(err).Error("Failed to fetch pending orders")

		return nil, err
	}

	return orders, nil
}

// FindOpenFilledByBot returns filled orders without close fields, the
// markers for open positions.
func (r *OrderRepository) FindOpenFilledByBot(
	ctx context.Context,
	botID string,
) ([]model.Order, error) {

	var orders []model.Order

	err := r.db.WithContext(ctx).
		Where("bot_id = ? AND status = ? AND close_time IS NULL",
			botID, model.OrderStatusFilled).
		Order("timestamp ASC, id ASC").
		Find(&orders).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "OrderRepository",
			"op":     "FindOpenFilledByBot",
			"bot_id": botID,
		}).WithError(err).Error("Failed to fetch open filled orders")

		return nil, err
	}

	return orders, nil
}

// OrderSearchOptions narrows a ledger query. Zero values mean "no
// filter".
type OrderSearchOptions struct {
	BotID         string
	Symbol        *string
	Status        *string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// Search returns orders matching the given filters, newest first.
func (r *OrderRepository) Search(
	ctx context.Context,
	options OrderSearchOptions,
) ([]model.Order, error) {

	query := r.db.WithContext(ctx).Model(&model.Order{})

	if options.BotID != "" {
		query = query.Where("bot_id = ?", options.BotID)
	}
	if options.Symbol != nil {
		query = query.Where("symbol = ?", *options.Symbol)
	}
	if options.Status != nil {
		query = query.Where("status = ?", *options.Status)
	}
	if options.CreatedAfter != nil {
		query = query.Where("created_at >= ?", *options.CreatedAfter)
	}
	if options.CreatedBefore != nil {
		query = query.Where("created_at <= ?", *options.CreatedBefore)
	}

	query = query.Order("created_at DESC, id DESC")

	if options.Limit > 0 {
		query = query.Limit(options.Limit)
	}
	if options.Offset > 0 {
		query = query.Offset(options.Offset)
	}

	var orders []model.Order
	if err := query.Find(&orders).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "OrderRepository",
			"op":     "Search",
			"bot_id": options.BotID,
		}).WithError(err).Error("Failed to search orders")

		return nil, err
	}

	return orders, nil
}

// ---------------------------------------------------
// Retention
// ---------------------------------------------------

// DeleteClosedBefore removes closed and cancelled orders older than the
// given cutoff. This is the only path that ever deletes ledger rows.
func (r *OrderRepository) DeleteClosedBefore(
	ctx context.Context,
	before time.Time,
) (int64, error) {

	res := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]string{model.OrderStatusClosed, model.OrderStatusCancelled}, before).
		Delete(&model.Order{})

	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "OrderRepository",
			"op":     "DeleteClosedBefore",
			"before": before,
		}).WithError(res.Error).Error("Failed to delete closed orders")

		return 0, res.Error
	}

	if res.RowsAffected > 0 {
		logger.WithFields(map[string]interface{}{
			"repo":         "OrderRepository",
			"op":           "DeleteClosedBefore",
			"rows_deleted": res.RowsAffected,
		}).Info("Retention cleanup removed closed orders")
	}

	return res.RowsAffected, nil
}
