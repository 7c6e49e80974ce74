package reconciler

import (
	"context"

	logger "github.com/sirupsen/logrus"

	"statereconciler/src/connectors"
	"statereconciler/src/model"
)

// ResolveGhostOrders finds local pending orders that the exchange no
// longer lists as live and settles their real outcome from order
// history. Filled orders are exempt by construction: they mark open
// positions, not phantoms. Returns the number of transitions applied.
//
// When an order is missing from both the live set and its history, the
// pass defaults to cancelled. A transient API gap can mis-mark a
// resting order this way; the single-pass default is the documented
// behavior.
func (e *Engine) ResolveGhostOrders(ctx context.Context) (int, error) {
	cleaned := 0

	for _, symbol := range e.bot.Symbols {
		symbol := symbol

		err := e.locks.WithLock(ctx, e.bot.BotID, symbol, model.LockTypeReconcile,
			"ghost order resolution", func(ctx context.Context) error {

				live, err := e.fetchLiveOrders(symbol)
				if err != nil {
					return err
				}

				known := make(map[string]bool, len(live))
				for _, order := range live {
					known[order.OrderID] = true
				}

				pending, err := e.ledger.FindPendingByBot(ctx, e.bot.BotID)
				if err != nil {
					return err
				}

				for _, order := range pending {
					if order.Symbol != symbol {
						continue
					}
					if known[order.ExternalOrderID] {
						continue
					}

					applied, err := e.resolveGhost(ctx, order)
					if err != nil {
						if connectors.IsRateLimit(err) {
							return err
						}
						logger.WithFields(map[string]interface{}{
							"component": "Engine",
							"op":        "ResolveGhostOrders",
							"bot_id":    e.bot.BotID,
							"order_id":  order.ID,
						}).WithError(err).Warn("Ghost candidate unresolved, retrying next pass")
						continue
					}
					if applied {
						cleaned++
					}
				}

				return nil
			})

		if err != nil {
			return cleaned, err
		}
	}

	return cleaned, nil
}

// resolveGhost settles one ghost candidate from its exchange history.
func (e *Engine) resolveGhost(ctx context.Context, order model.Order) (bool, error) {
	history, err := e.exchange.GetOrderHistory(
		order.ExternalOrderID, order.Symbol, 50, 0, e.bot.Market,
	)
	if err != nil {
		// Unknown exchange state: never a destructive transition.
		return false, err
	}

	var record *connectors.HistoryRecord
	for i := range history {
		if history[i].OrderID == order.ExternalOrderID {
			record = &history[i]
			break
		}
	}

	if record == nil {
		// Absent from both the live set and history: conservative
		// default is cancelled.
		logger.WithFields(map[string]interface{}{
			"component":         "Engine",
			"op":                "resolveGhost",
			"bot_id":            e.bot.BotID,
			"order_id":          order.ID,
			"external_order_id": order.ExternalOrderID,
		}).Warn("Order missing from open orders and history, marking cancelled")

		return e.ledger.TransitionStatusWithAutoLog(
			ctx, order.ID, model.OrderStatusCancelled,
			"ghost order: no exchange record found",
		)
	}

	switch record.Status {
	case connectors.ExchangeStatusFilled, connectors.ExchangeStatusPartiallyFilled:
		// The executed quantity travels with the transition so a
		// partial fill opens the position with its real size.
		return e.ledger.MarkFilledWithAutoLog(
			ctx, order.ID, record.CumExecQty,
			"ghost order resolved from history: "+record.Status,
		)
	case connectors.ExchangeStatusCancelled, connectors.ExchangeStatusRejected,
		connectors.ExchangeStatusExpired, connectors.ExchangeStatusDeactivated:
		return e.ledger.TransitionStatusWithAutoLog(
			ctx, order.ID, model.OrderStatusCancelled,
			"ghost order resolved from history: "+record.Status,
		)
	default:
		// Exchange still considers it live (e.g. New); leave it for
		// the next pass.
		return false, nil
	}
}
