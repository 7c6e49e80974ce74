package reconciler

import (
	"context"
	"sort"
	"time"

	logger "github.com/sirupsen/logrus"

	"statereconciler/src/connectors"
	"statereconciler/src/model"
	"statereconciler/src/repository"
)

// CloseFilledPositions runs fills-based closing for every symbol with
// open filled orders: fetch the exchange fill history, attribute
// orphan fills, derive the position FIFO, and when it nets out to
// flat, distribute the realized pnl across the constituent orders and
// mark them closed. Returns (positions closed, orphan fills
// attributed).
func (e *Engine) CloseFilledPositions(ctx context.Context) (int, int, error) {
	closed := 0
	orphans := 0

	for _, symbol := range e.bot.Symbols {
		symbol := symbol

		err := e.locks.WithLock(ctx, e.bot.BotID, symbol, model.LockTypePosition,
			"fills-based position close", func(ctx context.Context) error {

				symbolClosed, symbolOrphans, err := e.closeSymbolPosition(ctx, symbol)
				closed += symbolClosed
				orphans += symbolOrphans
				return err
			})

		if err != nil {
			if connectors.IsRateLimit(err) {
				return closed, orphans, err
			}
			logger.WithFields(map[string]interface{}{
				"component": "Engine",
				"op":        "CloseFilledPositions",
				"bot_id":    e.bot.BotID,
				"symbol":    symbol,
			}).WithError(err).Warn("Position close failed for symbol, retrying next pass")
		}
	}

	return closed, orphans, nil
}

func (e *Engine) closeSymbolPosition(ctx context.Context, symbol string) (int, int, error) {
	orders, err := e.ledger.FindOpenFilledByBot(ctx, e.bot.BotID)
	if err != nil {
		return 0, 0, err
	}

	var open []model.Order
	for _, order := range orders {
		if order.Symbol == symbol {
			open = append(open, order)
		}
	}
	if len(open) == 0 {
		return 0, 0, nil
	}

	earliest := open[0].Timestamp
	for _, order := range open {
		if order.Timestamp.Before(earliest) {
			earliest = order.Timestamp
		}
	}

	fills, err := e.exchange.GetFillHistory(connectors.FillQuery{
		Symbol:   symbol,
		FromTime: earliest,
		Limit:    200,
		Market:   e.bot.Market,
		SortAsc:  true,
	})
	if err != nil {
		// Unknown fill state: no destructive close this pass.
		return 0, 0, err
	}

	// The ledger returns open orders oldest first, so the earliest one
	// opened the position. Later opposite-side orders (fired protective
	// stops) are closing legs: their executions flatten the position,
	// they never add to it.
	openSide := open[0].Side
	closeSide := model.OppositeSide(openSide)

	var opening []model.Order
	for _, order := range open {
		if order.Side == openSide {
			opening = append(opening, order)
		}
	}

	// Correlated closing fills carry our client-id prefix; fills with
	// no correlation id at all are orphan candidates.
	var closing []model.Fill
	var candidates []connectors.ExchangeFill
	for _, fill := range fills {
		switch {
		case BelongsToBot(fill.ClientID, e.bot.BotID) && fill.Side == closeSide:
			closing = append(closing, exchangeFillToModel(fill))
		case fill.ClientID == "":
			candidates = append(candidates, fill)
		}
	}

	for _, fill := range e.bot.streamFillsFor(symbol) {
		if BelongsToBot(fill.ClientID, e.bot.BotID) && fill.Side == closeSide {
			closing = append(closing, fill)
		}
	}

	openQty := 0.0
	for _, order := range opening {
		openQty += order.OpenQuantity()
	}

	// Orphan-fill attribution. Fills accepted on an earlier pass are
	// re-merged from the buffer first, so a position partially covered
	// by orphans keeps accumulating toward flat instead of wedging.
	// New candidates are only matched against quantity not yet covered
	// by correlated, stream or buffered orphan fills.
	attributedCount := 0
	e.bot.mu.Lock()
	priorQty := make(map[uint]float64)
	for _, att := range e.bot.orphans {
		if att.fill.Symbol != symbol {
			continue
		}
		closing = append(closing, att.fill)
		priorQty[att.orderID] += att.fill.Quantity
	}

	attributedSet := make(map[string]bool, len(e.bot.orphans))
	for fillID := range e.bot.orphans {
		attributedSet[fillID] = true
	}

	remaining := openQty
	for _, fill := range closing {
		remaining -= fill.Quantity
	}

	for _, order := range opening {
		if remaining <= 0 {
			break
		}
		need := order.OpenQuantity() - priorQty[order.ID]
		if need > remaining {
			need = remaining
		}
		for _, accepted := range MatchOrphanFills(order, need, candidates, attributedSet) {
			fill := exchangeFillToModel(accepted)
			e.bot.orphans[accepted.FillID] = orphanAttribution{orderID: order.ID, fill: fill}
			closing = append(closing, fill)
			remaining -= fill.Quantity
			attributedCount++
		}
	}
	e.bot.mu.Unlock()

	if attributedCount > 0 {
		logger.WithFields(map[string]interface{}{
			"component": "Engine",
			"op":        "closeSymbolPosition",
			"bot_id":    e.bot.BotID,
			"symbol":    symbol,
			"orphans":   attributedCount,
		}).Info("Orphan fills attributed to open position")
	}

	// FIFO accounting: opening quantity comes from the ledger's
	// record of the opening-side orders, closing quantity from the
	// merged fill set in timestamp order.
	tracker := NewPositionTracker(openSide)
	for _, order := range opening {
		tracker.Apply(model.Fill{
			Symbol:    order.Symbol,
			Side:      order.Side,
			Quantity:  order.OpenQuantity(),
			Price:     order.Price,
			ClientID:  order.ClientID,
			Timestamp: order.Timestamp,
		})
	}

	sort.Slice(closing, func(i, j int) bool {
		return closing[i].Timestamp.Before(closing[j].Timestamp)
	})
	for _, fill := range closing {
		tracker.Apply(fill)
	}

	if !tracker.IsClosed() {
		return 0, attributedCount, nil
	}

	if tracker.Suspicious() {
		logger.WithFields(map[string]interface{}{
			"component": "Engine",
			"op":        "closeSymbolPosition",
			"bot_id":    e.bot.BotID,
			"symbol":    symbol,
			"fills":     len(closing),
		}).Warn("Identical-price flat position looks suspicious, deferring close")
		return 0, attributedCount, nil
	}

	closeTime := tracker.LastCloseTime()
	if closeTime.IsZero() {
		closeTime = time.Now().UTC()
	}

	// Realized pnl belongs to the opening legs; closing-side orders
	// (fired stops) are the mechanism and close alongside with zero.
	allocation := AllocatePnl(tracker.TotalPnl(), opening)

	closedOrders := 0
	for _, order := range open {
		pnl := allocation[order.ID]
		pnlPct := 0.0
		if notional := order.Price * order.OpenQuantity(); notional != 0 {
			pnlPct = pnl / notional * 100
		}

		applied, err := e.ledger.CloseWithPnl(ctx, order.ID, repository.CloseDetails{
			ClosePrice:    tracker.LastClosePrice(),
			CloseTime:     closeTime,
			CloseQuantity: order.OpenQuantity(),
			CloseType:     model.CloseTypeFillMatched,
			Pnl:           pnl,
			PnlPct:        pnlPct,
			Reason:        "position closed via fill reconciliation",
		})
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"component": "Engine",
				"op":        "closeSymbolPosition",
				"bot_id":    e.bot.BotID,
				"order_id":  order.ID,
			}).WithError(err).Error("Failed to close order, retrying next pass")
			continue
		}
		if applied {
			closedOrders++
		}
	}

	if closedOrders > 0 {
		e.bot.consumeStreamFills(symbol)
		e.bot.consumeOrphanFills(symbol)

		logger.WithFields(map[string]interface{}{
			"component": "Engine",
			"op":        "closeSymbolPosition",
			"bot_id":    e.bot.BotID,
			"symbol":    symbol,
			"orders":    closedOrders,
			"total_pnl": tracker.TotalPnl().InexactFloat64(),
		}).Info("Position closed")

		return 1, attributedCount, nil
	}

	return 0, attributedCount, nil
}

func exchangeFillToModel(fill connectors.ExchangeFill) model.Fill {
	return model.Fill{
		Symbol:    fill.Symbol,
		Side:      fill.Side,
		Quantity:  fill.Quantity,
		Price:     fill.Price,
		OrderID:   fill.OrderID,
		ClientID:  fill.ClientID,
		Timestamp: fill.Timestamp,
	}
}
