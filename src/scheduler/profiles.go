package scheduler

import (
	"context"
	"time"
)

// Duty profiles. Stop-loss maintenance is safety-critical and keeps a
// tight floor; the monitors are best-effort and tolerate minutes of
// drift under sustained throttling.

// StopLossDuty drives protective-stop maintenance.
func StopLossDuty(run func(ctx context.Context) error) *Duty {
	return &Duty{
		Name:     "stop_loss_maintenance",
		Run:      run,
		Interval: 1 * time.Second,
		Min:      500 * time.Millisecond,
		Max:      10 * time.Second,
		Step:     250 * time.Millisecond,
	}
}

// PendingOrderDuty drives pending-order monitoring (ghost detection).
func PendingOrderDuty(run func(ctx context.Context) error) *Duty {
	return &Duty{
		Name:     "pending_order_monitor",
		Run:      run,
		Interval: 15 * time.Second,
		Min:      5 * time.Second,
		Max:      2 * time.Minute,
		Step:     1 * time.Second,
	}
}

// OrphanSweepDuty drives the orphan-order sweep.
func OrphanSweepDuty(run func(ctx context.Context) error) *Duty {
	return &Duty{
		Name:     "orphan_order_sweep",
		Run:      run,
		Interval: 20 * time.Second,
		Min:      10 * time.Second,
		Max:      3 * time.Minute,
		Step:     1 * time.Second,
	}
}

// ReconciliationDuty drives the full reconciliation pass.
func ReconciliationDuty(run func(ctx context.Context) error) *Duty {
	return &Duty{
		Name:     "full_reconciliation",
		Run:      run,
		Interval: 30 * time.Second,
		Min:      15 * time.Second,
		Max:      3 * time.Minute,
		Step:     5 * time.Second,
	}
}
