package monitor

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tpslguard/internal/core"
	apperrors "tpslguard/pkg/errors"
)

// CheckInvariants verifies I1 and I3 hold for r. Callers hold r.Mu. Violations
// are returned as *apperrors.Error with Kind InvariantViolation rather than
// panicking — per §7, an invariant violation is clamped and logged, never a
// crash.
func (r *Record) CheckInvariants() error {
	step := r.Instrument.QtyStep
	if step.IsZero() {
		step = decimal.New(1, -8)
	}

	sumTP := decimal.Zero
	for _, tp := range r.TPOrders {
		sumTP = sumTP.Add(tp.Qty)
	}

	// I1: sum(tp qty) <= current_size + pending_entry_qty (+ one step of slack).
	ceiling := r.CurrentSize.Add(r.PendingEntryQty()).Add(step)
	if sumTP.GreaterThan(ceiling) {
		return apperrors.New(apperrors.KindInvariantViolation, "I1", fmt.Errorf(
			"sum(tp_orders.qty)=%s exceeds current_size+pending=%s", sumTP, ceiling,
		))
	}

	// I3: SL qty tracks target_size before TP1, current_size after.
	expectedSL := r.TargetSize
	if r.TP1Hit {
		expectedSL = r.CurrentSize
	}
	if r.SLOrder.Qty.Sub(expectedSL).Abs().GreaterThan(step) {
		return apperrors.New(apperrors.KindInvariantViolation, "I3", fmt.Errorf(
			"sl_order.qty=%s does not track expected=%s (tp1_hit=%v)", r.SLOrder.Qty, expectedSL, r.TP1Hit,
		))
	}

	return nil
}

// ClampTPSum enforces §4.9.4's sum-clamp: if the TP quantities overshoot the
// ceiling, the last populated TP index absorbs the reduction.
func (r *Record) ClampTPSum() {
	step := r.Instrument.QtyStep
	if step.IsZero() {
		step = decimal.New(1, -8)
	}
	ceiling := r.CurrentSize.Add(r.PendingEntryQty())

	sumTP := decimal.Zero
	lastIdx := 0
	for i := 1; i <= 4; i++ {
		if tp, ok := r.TPOrders[i]; ok {
			sumTP = sumTP.Add(tp.Qty)
			lastIdx = i
		}
	}
	if lastIdx == 0 || sumTP.LessThanOrEqual(ceiling) {
		return
	}
	excess := sumTP.Sub(ceiling)
	tp := r.TPOrders[lastIdx]
	tp.Qty = tp.Qty.Sub(excess)
	if tp.Qty.IsNegative() {
		tp.Qty = decimal.Zero
	}
	tp.Qty = r.Instrument.FloorQty(tp.Qty)
	r.TPOrders[lastIdx] = tp
}

// RecomputeAvgEntryPrice implements I6: weighted mean of fills.
func (r *Record) RecomputeAvgEntryPrice() {
	if len(r.Fills) == 0 {
		return
	}
	sumQtyPrice := decimal.Zero
	sumQty := decimal.Zero
	for _, f := range r.Fills {
		sumQtyPrice = sumQtyPrice.Add(f.Qty.Mul(f.Price))
		sumQty = sumQty.Add(f.Qty)
	}
	if sumQty.IsZero() {
		return
	}
	r.AvgEntryPrice = sumQtyPrice.Div(sumQty)
}

// CanTransition reports whether moving from `from` to `to` respects I5's
// monotonic ordering (BUILDING < MONITORING < PROFIT_TAKING < CLOSED).
func CanTransition(from, to core.Phase) bool {
	return to >= from
}
