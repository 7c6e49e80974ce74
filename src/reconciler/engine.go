package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"statereconciler/src/connectors"
	"statereconciler/src/model"
	"statereconciler/src/repository"
)

// Lock retention: released lock rows older than this are pruned during
// the full reconciliation pass.
const releasedLockRetention = 24 * time.Hour

// orderLedger is the slice of the order repository the engine needs.
type orderLedger interface {
	CreateWithAutoLog(ctx context.Context, order *model.Order) error
	TransitionStatusWithAutoLog(ctx context.Context, orderID uint, newStatus, reason string) (bool, error)
	MarkFilledWithAutoLog(ctx context.Context, orderID uint, executedQty float64, reason string) (bool, error)
	CloseWithPnl(ctx context.Context, orderID uint, details repository.CloseDetails) (bool, error)
	FindPendingByBot(ctx context.Context, botID string) ([]model.Order, error)
	FindOpenFilledByBot(ctx context.Context, botID string) ([]model.Order, error)
}

// lockManager serializes critical sections per (bot, symbol).
type lockManager interface {
	WithLock(ctx context.Context, botID, symbol, lockType, reason string, fn func(ctx context.Context) error) error
}

// lockPruner removes stale released lock rows.
type lockPruner interface {
	PruneReleased(ctx context.Context, before time.Time) (int64, error)
}

// orphanAttribution pins an accepted orphan fill to the open order it
// was matched against. Entries stay buffered until the position
// actually closes, so a partially covered position keeps its earlier
// orphan quantity across passes.
type orphanAttribution struct {
	orderID uint
	fill    model.Fill
}

// BotContext carries everything one bot instance owns: identity,
// traded symbols, and the per-bot reconciliation state that used to be
// tempting to keep in package globals. Each bot instance gets its own
// context; nothing here is shared across bots.
type BotContext struct {
	BotID       string
	Symbols     []string
	Market      connectors.MarketType
	StopLossPct float64

	mu          sync.Mutex
	orphans     map[string]orphanAttribution
	streamFills map[string]model.Fill
}

// NewBotContext creates the per-bot state container.
func NewBotContext(botID string, symbols []string, market connectors.MarketType) *BotContext {
	return &BotContext{
		BotID:       botID,
		Symbols:     symbols,
		Market:      market,
		orphans:     make(map[string]orphanAttribution),
		streamFills: make(map[string]model.Fill),
	}
}

// OfferFill feeds an execution event from the private stream into the
// bot's pending fill view. Duplicate events collapse on the order id +
// timestamp key.
func (b *BotContext) OfferFill(fill model.Fill) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := fmt.Sprintf("%s|%d", fill.OrderID, fill.Timestamp.UnixNano())
	b.streamFills[key] = fill
}

// streamFillsFor returns a snapshot of buffered stream fills for one
// symbol. The buffer is kept until consumeStreamFills runs after a
// successful close.
func (b *BotContext) streamFillsFor(symbol string) []model.Fill {
	b.mu.Lock()
	defer b.mu.Unlock()

	var fills []model.Fill
	for _, fill := range b.streamFills {
		if fill.Symbol == symbol {
			fills = append(fills, fill)
		}
	}
	return fills
}

func (b *BotContext) consumeStreamFills(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, fill := range b.streamFills {
		if fill.Symbol == symbol {
			delete(b.streamFills, key)
		}
	}
}

func (b *BotContext) consumeOrphanFills(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, att := range b.orphans {
		if att.fill.Symbol == symbol {
			delete(b.orphans, key)
		}
	}
}

// Report is the outcome of one reconciliation pass, returned to
// whoever drives the engine.
type Report struct {
	BotID             string    `json:"bot_id"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
	GhostsCleaned     int       `json:"ghosts_cleaned"`
	OrphansAttributed int       `json:"orphans_attributed"`
	PositionsClosed   int       `json:"positions_closed"`
	StatusesSynced    int       `json:"statuses_synced"`
	LocksPruned       int64     `json:"locks_pruned"`
	Errors            []string  `json:"errors,omitempty"`
}

// Engine reconciles the order ledger against the exchange's
// authoritative state for a single bot instance.
type Engine struct {
	bot      *BotContext
	ledger   orderLedger
	locks    lockManager
	pruner   lockPruner
	exchange connectors.ExchangeClient

	reportMu   sync.Mutex
	lastReport *Report
}

// NewEngine wires a reconciliation engine for one bot.
func NewEngine(
	bot *BotContext,
	ledger orderLedger,
	locks lockManager,
	pruner lockPruner,
	exchange connectors.ExchangeClient,
) *Engine {
	return &Engine{
		bot:      bot,
		ledger:   ledger,
		locks:    locks,
		pruner:   pruner,
		exchange: exchange,
	}
}

// LastReport returns the most recent full-pass report, or nil before
// the first pass completes.
func (e *Engine) LastReport() *Report {
	e.reportMu.Lock()
	defer e.reportMu.Unlock()
	return e.lastReport
}

// SyncExchangeTruth maps local non-terminal order statuses onto the
// exchange-reported ones: live orders that the exchange reports filled
// are transitioned, everything missing goes through ghost resolution,
// and fills-based closing runs last.
func (e *Engine) SyncExchangeTruth(ctx context.Context) (Report, error) {
	report := Report{BotID: e.bot.BotID, StartedAt: time.Now().UTC()}

	synced, err := e.syncReportedStatuses(ctx)
	report.StatusesSynced = synced
	if err != nil {
		if connectors.IsRateLimit(err) {
			return report, err
		}
		report.Errors = append(report.Errors, err.Error())
	}

	ghosts, err := e.ResolveGhostOrders(ctx)
	report.GhostsCleaned = ghosts
	if err != nil {
		if connectors.IsRateLimit(err) {
			return report, err
		}
		report.Errors = append(report.Errors, err.Error())
	}

	closed, orphans, err := e.CloseFilledPositions(ctx)
	report.PositionsClosed = closed
	report.OrphansAttributed = orphans
	if err != nil {
		if connectors.IsRateLimit(err) {
			return report, err
		}
		report.Errors = append(report.Errors, err.Error())
	}

	report.FinishedAt = time.Now().UTC()
	return report, nil
}

// RunFullReconciliation is the single entry point for one complete
// pass: exchange-truth sync plus stale-lock pruning. The returned
// report carries the mutation counts for observability.
func (e *Engine) RunFullReconciliation(ctx context.Context) (Report, error) {
	report, err := e.SyncExchangeTruth(ctx)
	if err != nil {
		e.storeReport(report)
		return report, err
	}

	pruned, pruneErr := e.pruner.PruneReleased(ctx, time.Now().Add(-releasedLockRetention))
	report.LocksPruned = pruned
	if pruneErr != nil {
		report.Errors = append(report.Errors, pruneErr.Error())
	}

	report.FinishedAt = time.Now().UTC()
	e.storeReport(report)

	logger.WithFields(map[string]interface{}{
		"component":          "Engine",
		"bot_id":             e.bot.BotID,
		"ghosts_cleaned":     report.GhostsCleaned,
		"orphans_attributed": report.OrphansAttributed,
		"positions_closed":   report.PositionsClosed,
		"statuses_synced":    report.StatusesSynced,
		"locks_pruned":       report.LocksPruned,
		"errors":             len(report.Errors),
	}).Info("Reconciliation pass finished")

	return report, nil
}

func (e *Engine) storeReport(report Report) {
	e.reportMu.Lock()
	e.lastReport = &report
	e.reportMu.Unlock()
}

// syncReportedStatuses transitions pending orders whose exchange-side
// live record already reports a terminal execution state.
func (e *Engine) syncReportedStatuses(ctx context.Context) (int, error) {
	synced := 0

	for _, symbol := range e.bot.Symbols {
		open, err := e.fetchLiveOrders(symbol)
		if err != nil {
			if connectors.IsRateLimit(err) {
				return synced, err
			}
			logger.WithFields(map[string]interface{}{
				"component": "Engine",
				"op":        "syncReportedStatuses",
				"bot_id":    e.bot.BotID,
				"symbol":    symbol,
			}).WithError(err).Warn("Exchange state unknown, skipping symbol")
			continue
		}

		pending, err := e.ledger.FindPendingByBot(ctx, e.bot.BotID)
		if err != nil {
			return synced, err
		}

		reported := make(map[string]connectors.OpenOrder, len(open))
		for _, order := range open {
			reported[order.OrderID] = order
		}

		for _, order := range pending {
			if order.Symbol != symbol {
				continue
			}

			live, known := reported[order.ExternalOrderID]
			if !known {
				continue
			}

			switch live.Status {
			case connectors.ExchangeStatusFilled:
				applied, err := e.ledger.MarkFilledWithAutoLog(
					ctx, order.ID, live.CumExecQty,
					"exchange reports order filled",
				)
				if err != nil {
					logger.WithError(err).WithField("order_id", order.ID).
						Error("Failed to sync filled status")
					continue
				}
				if applied {
					synced++
				}
			case connectors.ExchangeStatusCancelled, connectors.ExchangeStatusRejected,
				connectors.ExchangeStatusExpired, connectors.ExchangeStatusDeactivated:
				applied, err := e.ledger.TransitionStatusWithAutoLog(
					ctx, order.ID, model.OrderStatusCancelled,
					"exchange reports order "+live.Status,
				)
				if err != nil {
					logger.WithError(err).WithField("order_id", order.ID).
						Error("Failed to sync cancelled status")
					continue
				}
				if applied {
					synced++
				}
			}
		}
	}

	return synced, nil
}

// fetchLiveOrders returns regular plus conditional open orders for a
// symbol, restricted to this bot via the client-id prefix convention.
func (e *Engine) fetchLiveOrders(symbol string) ([]connectors.OpenOrder, error) {
	regular, err := e.exchange.GetOpenOrders(symbol, e.bot.Market)
	if err != nil {
		return nil, err
	}

	conditional, err := e.exchange.GetOpenTriggerOrders(symbol, e.bot.Market)
	if err != nil {
		return nil, err
	}

	var mine []connectors.OpenOrder
	for _, order := range append(regular, conditional...) {
		if BelongsToBot(order.ClientID, e.bot.BotID) {
			mine = append(mine, order)
		}
	}
	return mine, nil
}
