package reconciler

import (
	"context"
	"time"

	logger "github.com/sirupsen/logrus"

	"statereconciler/src/connectors"
	"statereconciler/src/model"
)

// MaintainProtectiveStops makes sure every open position has a resting
// reduce-only stop order on the exchange, placing one where it is
// missing. Returns the number of stops placed.
//
// A zero stop-loss percentage is a precondition failure: the duty is
// skipped for the bot with a warning, never treated as fatal.
func (e *Engine) MaintainProtectiveStops(ctx context.Context) (int, error) {
	if e.bot.StopLossPct <= 0 {
		logger.WithFields(map[string]interface{}{
			"component": "Engine",
			"op":        "MaintainProtectiveStops",
			"bot_id":    e.bot.BotID,
		}).Warn("Stop-loss percentage not configured, skipping stop maintenance")
		return 0, nil
	}

	placed := 0

	for _, symbol := range e.bot.Symbols {
		symbol := symbol

		err := e.locks.WithLock(ctx, e.bot.BotID, symbol, model.LockTypeStopLoss,
			"protective stop maintenance", func(ctx context.Context) error {

				count, err := e.maintainSymbolStops(ctx, symbol)
				placed += count
				return err
			})

		if err != nil {
			if connectors.IsRateLimit(err) {
				return placed, err
			}
			logger.WithFields(map[string]interface{}{
				"component": "Engine",
				"op":        "MaintainProtectiveStops",
				"bot_id":    e.bot.BotID,
				"symbol":    symbol,
			}).WithError(err).Warn("Stop maintenance failed for symbol, retrying next pass")
		}
	}

	return placed, nil
}

func (e *Engine) maintainSymbolStops(ctx context.Context, symbol string) (int, error) {
	orders, err := e.ledger.FindOpenFilledByBot(ctx, e.bot.BotID)
	if err != nil {
		return 0, err
	}

	var open []model.Order
	for _, order := range orders {
		if order.Symbol == symbol {
			open = append(open, order)
		}
	}
	if len(open) == 0 {
		return 0, nil
	}

	// The earliest order opened the position; later opposite-side
	// orders are fired stops and must never receive protection of
	// their own. A position whose closing legs already cover the
	// opening quantity is exchange-flat and just waits for the
	// fills-based close.
	openSide := open[0].Side
	var opening []model.Order
	openQty := 0.0
	closingQty := 0.0
	for _, order := range open {
		if order.Side == openSide {
			opening = append(opening, order)
			openQty += order.OpenQuantity()
		} else {
			closingQty += order.OpenQuantity()
		}
	}
	if openQty-closingQty <= 0 {
		return 0, nil
	}

	triggers, err := e.exchange.GetOpenTriggerOrders(symbol, e.bot.Market)
	if err != nil {
		return 0, err
	}

	protected := false
	for _, trigger := range triggers {
		if BelongsToBot(trigger.ClientID, e.bot.BotID) && trigger.ReduceOnly {
			protected = true
			break
		}
	}
	if protected {
		return 0, nil
	}

	placed := 0
	for _, order := range opening {
		stopPrice := order.Price * (1 - e.bot.StopLossPct/100)
		if order.Side == model.SideSell {
			stopPrice = order.Price * (1 + e.bot.StopLossPct/100)
		}

		clientID := GenerateClientID(e.bot.BotID)
		result, err := e.exchange.ExecuteOrder(connectors.OrderRequest{
			Symbol:       symbol,
			Side:         model.OppositeSide(order.Side),
			OrderType:    "Market",
			Quantity:     order.OpenQuantity(),
			TriggerPrice: stopPrice,
			ClientID:     clientID,
			ReduceOnly:   true,
			Market:       e.bot.Market,
		})
		if err != nil {
			if connectors.IsRateLimit(err) {
				return placed, err
			}
			logger.WithFields(map[string]interface{}{
				"component": "Engine",
				"op":        "maintainSymbolStops",
				"bot_id":    e.bot.BotID,
				"order_id":  order.ID,
			}).WithError(err).Error("Failed to place protective stop")
			continue
		}

		stop := &model.Order{
			BotID:           e.bot.BotID,
			ExternalOrderID: result.OrderID,
			ClientID:        clientID,
			Symbol:          symbol,
			Side:            model.OppositeSide(order.Side),
			OrderType:       "StopMarket",
			Quantity:        order.OpenQuantity(),
			Price:           stopPrice,
			Status:          model.OrderStatusPending,
			Timestamp:       time.Now().UTC(),
		}
		if err := e.ledger.CreateWithAutoLog(ctx, stop); err != nil {
			logger.WithFields(map[string]interface{}{
				"component":         "Engine",
				"op":                "maintainSymbolStops",
				"bot_id":            e.bot.BotID,
				"external_order_id": result.OrderID,
			}).WithError(err).Error("Stop placed but not recorded, next pass will see it as foreign")
			continue
		}

		logger.WithFields(map[string]interface{}{
			"component":  "Engine",
			"op":         "maintainSymbolStops",
			"bot_id":     e.bot.BotID,
			"symbol":     symbol,
			"stop_price": stopPrice,
			"order_id":   stop.ID,
		}).Info("Protective stop placed")

		placed++
	}

	return placed, nil
}
