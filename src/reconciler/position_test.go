package reconciler

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"statereconciler/src/model"
)

func fillAt(side string, qty, price float64, at time.Time) model.Fill {
	return model.Fill{
		Symbol:    "BTCUSDT",
		Side:      side,
		Quantity:  qty,
		Price:     price,
		Timestamp: at,
	}
}

func TestPositionTrackerSimpleRoundTrip(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tracker := NewPositionTracker(model.SideBuy)
	tracker.Apply(fillAt(model.SideBuy, 1, 100, base))
	tracker.Apply(fillAt(model.SideSell, 1, 110, base.Add(time.Minute)))

	require.True(t, tracker.IsClosed())
	require.False(t, tracker.Suspicious())
	require.InDelta(t, 10.0, tracker.TotalPnl().InexactFloat64(), 1e-9)
	require.Equal(t, base.Add(time.Minute), tracker.LastCloseTime())
	require.InDelta(t, 110.0, tracker.LastClosePrice(), 1e-9)
}

func TestPositionTrackerPartialClosesNetToZero(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tracker := NewPositionTracker(model.SideBuy)
	tracker.Apply(fillAt(model.SideBuy, 2, 100, base))
	tracker.Apply(fillAt(model.SideSell, 1, 105, base.Add(time.Minute)))
	tracker.Apply(fillAt(model.SideSell, 1, 95, base.Add(2*time.Minute)))

	require.True(t, tracker.IsClosed())
	require.True(t, tracker.TotalPnl().IsZero())

	// Zero pnl across differing prices is a genuine flat round trip,
	// not a data anomaly.
	require.False(t, tracker.Suspicious())
}

func TestPositionTrackerShortSide(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tracker := NewPositionTracker(model.SideSell)
	tracker.Apply(fillAt(model.SideSell, 3, 200, base))
	tracker.Apply(fillAt(model.SideBuy, 3, 190, base.Add(time.Minute)))

	require.True(t, tracker.IsClosed())
	require.InDelta(t, 30.0, tracker.TotalPnl().InexactFloat64(), 1e-9)
}

func TestPositionTrackerUniformPricesSuspicious(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tracker := NewPositionTracker(model.SideBuy)
	tracker.Apply(fillAt(model.SideBuy, 1, 100, base))
	tracker.Apply(fillAt(model.SideBuy, 1, 100, base.Add(time.Second)))
	tracker.Apply(fillAt(model.SideSell, 1, 100, base.Add(time.Minute)))
	tracker.Apply(fillAt(model.SideSell, 1, 100, base.Add(2*time.Minute)))

	require.True(t, tracker.IsClosed())
	require.True(t, tracker.TotalPnl().IsZero())
	require.True(t, tracker.Suspicious())
}

func TestPositionTrackerSingleFillNotSuspicious(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tracker := NewPositionTracker(model.SideBuy)
	tracker.Apply(fillAt(model.SideBuy, 1, 100, base))

	require.False(t, tracker.IsClosed())
	require.False(t, tracker.Suspicious())
}

func TestPositionTrackerExcessCloseIgnored(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tracker := NewPositionTracker(model.SideBuy)
	tracker.Apply(fillAt(model.SideBuy, 1, 100, base))
	tracker.Apply(fillAt(model.SideSell, 2, 110, base.Add(time.Minute)))

	// Only the held quantity realizes pnl; the excess is dropped.
	require.True(t, tracker.IsClosed())
	require.InDelta(t, 10.0, tracker.TotalPnl().InexactFloat64(), 1e-9)
}

func TestAllocatePnlProportional(t *testing.T) {
	orders := []model.Order{
		{ID: 1, Quantity: 1},
		{ID: 2, Quantity: 3},
	}

	alloc := AllocatePnl(decimal.NewFromFloat(40), orders)

	require.InDelta(t, 10.0, alloc[1], 1e-6)
	require.InDelta(t, 30.0, alloc[2], 1e-6)
}

func TestAllocatePnlPartsSumToTotal(t *testing.T) {
	orders := []model.Order{
		{ID: 1, Quantity: 1},
		{ID: 2, Quantity: 1},
		{ID: 3, Quantity: 1},
	}

	total := decimal.NewFromFloat(10)
	alloc := AllocatePnl(total, orders)

	sum := 0.0
	for _, part := range alloc {
		sum += part
	}
	require.InDelta(t, 10.0, sum, 1e-9)
}

func TestAllocatePnlZeroQuantity(t *testing.T) {
	orders := []model.Order{
		{ID: 1, Quantity: 0},
		{ID: 2, Quantity: 0},
	}

	alloc := AllocatePnl(decimal.NewFromFloat(5), orders)

	require.Equal(t, 0.0, alloc[1])
	require.Equal(t, 0.0, alloc[2])
}
