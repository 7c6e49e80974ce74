package reconciler

import (
	"sort"

	"github.com/shopspring/decimal"

	"statereconciler/src/connectors"
	"statereconciler/src/model"
)

// OrphanQtyTolerance is the quantity slack allowed when matching
// orphan fills against an order's outstanding open quantity.
const OrphanQtyTolerance = 0.1

// MatchOrphanFills selects exchange fills that plausibly closed the
// given open order: same symbol, opposite side, executed after the
// order, lacking a correlation id, and not attributed to another order
// yet. Candidates are accepted in timestamp order until the cumulative
// quantity satisfies the outstanding quantity within tolerance; no
// candidate that would push the total past outstanding plus tolerance
// is ever accepted. Accepted fill ids are marked in attributed; the
// caller owns keeping that attribution alive until the position
// actually closes.
func MatchOrphanFills(
	order model.Order,
	outstanding float64,
	fills []connectors.ExchangeFill,
	attributed map[string]bool,
) []connectors.ExchangeFill {

	if outstanding <= 0 {
		return nil
	}

	closeSide := model.OppositeSide(order.Side)

	candidates := make([]connectors.ExchangeFill, 0, len(fills))
	for _, fill := range fills {
		if fill.Symbol != order.Symbol {
			continue
		}
		if fill.Side != closeSide {
			continue
		}
		if !fill.Timestamp.After(order.Timestamp) {
			continue
		}
		if fill.ClientID != "" {
			continue
		}
		if attributed[fill.FillID] {
			continue
		}
		candidates = append(candidates, fill)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Timestamp.Before(candidates[j].Timestamp)
	})

	target := decimal.NewFromFloat(outstanding)
	tolerance := decimal.NewFromFloat(OrphanQtyTolerance)
	ceiling := target.Add(tolerance)
	floor := target.Sub(tolerance)

	var accepted []connectors.ExchangeFill
	cumulative := decimal.Zero

	for _, candidate := range candidates {
		qty := decimal.NewFromFloat(candidate.Quantity)
		if cumulative.Add(qty).GreaterThan(ceiling) {
			continue
		}

		accepted = append(accepted, candidate)
		if attributed != nil {
			attributed[candidate.FillID] = true
		}

		cumulative = cumulative.Add(qty)
		if cumulative.GreaterThanOrEqual(floor) {
			break
		}
	}

	return accepted
}
