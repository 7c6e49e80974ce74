package reconciler

import (
	"time"

	"github.com/shopspring/decimal"

	"statereconciler/src/model"
)

// closedEpsilon is the net quantity below which a position counts as
// flat.
var closedEpsilon = decimal.NewFromFloat(0.01)

// PositionTracker derives a position from a time-ordered fill set
// using FIFO cost accounting: opening fills accumulate quantity and
// cost, closing fills realize pnl against the running average cost.
type PositionTracker struct {
	openSide string

	netQty    decimal.Decimal
	totalCost decimal.Decimal
	totalPnl  decimal.Decimal

	fillCount     int
	firstPrice    decimal.Decimal
	uniformPrices bool

	lastCloseTime  time.Time
	lastClosePrice decimal.Decimal
}

// NewPositionTracker creates a tracker for a position opened on the
// given side.
func NewPositionTracker(openSide string) *PositionTracker {
	return &PositionTracker{
		openSide:      openSide,
		uniformPrices: true,
	}
}

// Apply folds one fill into the position. Fills must be applied in
// timestamp order.
func (t *PositionTracker) Apply(fill model.Fill) {
	qty := decimal.NewFromFloat(fill.Quantity)
	price := decimal.NewFromFloat(fill.Price)

	if t.fillCount == 0 {
		t.firstPrice = price
	} else if t.uniformPrices && !price.Equal(t.firstPrice) {
		t.uniformPrices = false
	}
	t.fillCount++

	if fill.Side == t.openSide {
		t.netQty = t.netQty.Add(qty)
		t.totalCost = t.totalCost.Add(qty.Mul(price))
		return
	}

	if t.netQty.LessThanOrEqual(decimal.Zero) {
		// Nothing left to close against; ignore the excess.
		return
	}

	closeQty := qty
	if closeQty.GreaterThan(t.netQty) {
		closeQty = t.netQty
	}

	avgCost := t.totalCost.Div(t.netQty)

	realized := price.Sub(avgCost).Mul(closeQty)
	if t.openSide == model.SideSell {
		realized = avgCost.Sub(price).Mul(closeQty)
	}
	t.totalPnl = t.totalPnl.Add(realized)

	t.netQty = t.netQty.Sub(closeQty)
	t.totalCost = t.totalCost.Sub(avgCost.Mul(closeQty))

	t.lastCloseTime = fill.Timestamp
	t.lastClosePrice = price
}

// IsClosed reports whether the remaining net quantity is within
// epsilon of zero.
func (t *PositionTracker) IsClosed() bool {
	return t.netQty.Abs().LessThan(closedEpsilon)
}

// TotalPnl returns the realized pnl accumulated so far.
func (t *PositionTracker) TotalPnl() decimal.Decimal {
	return t.totalPnl
}

// NetQuantity returns the remaining open quantity.
func (t *PositionTracker) NetQuantity() decimal.Decimal {
	return t.netQty
}

// Suspicious flags the data-integrity anomaly where pnl is exactly
// zero, every fill traded at the same price, and more than one fill is
// involved. A genuine flat round trip across differing prices is not
// suspicious; neither is a single fill.
func (t *PositionTracker) Suspicious() bool {
	return t.totalPnl.IsZero() && t.uniformPrices && t.fillCount > 1
}

// LastCloseTime returns the timestamp of the most recent closing fill.
func (t *PositionTracker) LastCloseTime() time.Time {
	return t.lastCloseTime
}

// LastClosePrice returns the price of the most recent closing fill.
func (t *PositionTracker) LastClosePrice() float64 {
	return t.lastClosePrice.InexactFloat64()
}

// AllocatePnl distributes a position's total pnl across its
// constituent orders proportional to quantity. The remainder from
// rounding lands on the last order so the parts always sum to the
// total.
func AllocatePnl(totalPnl decimal.Decimal, orders []model.Order) map[uint]float64 {
	alloc := make(map[uint]float64, len(orders))
	if len(orders) == 0 {
		return alloc
	}

	totalQty := decimal.Zero
	for _, order := range orders {
		totalQty = totalQty.Add(decimal.NewFromFloat(order.OpenQuantity()))
	}
	if totalQty.IsZero() {
		for _, order := range orders {
			alloc[order.ID] = 0
		}
		return alloc
	}

	distributed := decimal.Zero
	for i, order := range orders {
		if i == len(orders)-1 {
			alloc[order.ID] = totalPnl.Sub(distributed).InexactFloat64()
			break
		}
		share := totalPnl.
			Mul(decimal.NewFromFloat(order.OpenQuantity())).
			Div(totalQty).
			Round(8)
		alloc[order.ID] = share.InexactFloat64()
		distributed = distributed.Add(share)
	}

	return alloc
}
