package scheduler

import (
	"time"

	"github.com/shopspring/decimal"

	"tpslguard/internal/core"
	"tpslguard/internal/monitor"
)

// Intervals maps each urgency tier to its due interval (§4.5).
type Intervals struct {
	Critical time.Duration
	Urgent   time.Duration
	Active   time.Duration
	Building time.Duration
	Stable   time.Duration
	Dormant  time.Duration
}

// DefaultIntervals matches the §4.5 table.
var DefaultIntervals = Intervals{
	Critical: 2 * time.Second,
	Urgent:   5 * time.Second,
	Active:   12 * time.Second,
	Building: 20 * time.Second,
	Stable:   60 * time.Second,
	Dormant:  180 * time.Second,
}

// IntervalFor returns the due interval for urgency, per the §4.5 table.
func (iv Intervals) IntervalFor(u core.Urgency) time.Duration {
	switch u {
	case core.UrgencyCritical:
		return iv.Critical
	case core.UrgencyUrgent:
		return iv.Urgent
	case core.UrgencyActive:
		return iv.Active
	case core.UrgencyBuilding:
		return iv.Building
	case core.UrgencyStable:
		return iv.Stable
	default:
		return iv.Dormant
	}
}

// nearestTriggerDistance returns d = min(|mark - trigger|)/mark over every
// live TP and the SL trigger price, per §5.1.
func nearestTriggerDistance(rec *monitor.Record, mark decimal.Decimal) (decimal.Decimal, bool) {
	if mark.IsZero() {
		return decimal.Zero, false
	}
	have := false
	best := decimal.Zero

	consider := func(trigger decimal.Decimal) {
		if trigger.IsZero() {
			return
		}
		d := mark.Sub(trigger).Abs().Div(mark)
		if !have || d.LessThan(best) {
			best = d
			have = true
		}
	}

	for _, tp := range rec.TPOrders {
		consider(tp.TriggerPrice)
	}
	consider(rec.SLOrder.TriggerPrice)

	return best, have
}

// ComputeUrgency implements §5.1: distance to nearest trigger, phase, time
// since last_event_ts, and a 60s recent-activity window, reduced to the
// §4.5 tiers.
func ComputeUrgency(rec *monitor.Record, mark decimal.Decimal, now time.Time) core.Urgency {
	idle := now.Sub(rec.LastEventTS)
	recentActivity := idle <= 60*time.Second

	if d, ok := nearestTriggerDistance(rec, mark); ok {
		onePct := decimal.NewFromFloat(0.01)
		threePct := decimal.NewFromFloat(0.03)
		if d.LessThanOrEqual(onePct) {
			return core.UrgencyCritical
		}
		if d.LessThanOrEqual(threePct) {
			return core.UrgencyUrgent
		}
	}

	if rec.Phase == core.PhaseProfitTaking || recentActivity {
		return core.UrgencyActive
	}
	if rec.Phase == core.PhaseBuilding {
		return core.UrgencyBuilding
	}
	if idle > 30*time.Minute {
		return core.UrgencyDormant
	}
	if idle > 10*time.Minute {
		return core.UrgencyStable
	}
	return core.UrgencyActive
}
