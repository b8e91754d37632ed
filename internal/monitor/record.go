// Package monitor defines the Monitor Record, the engine's single unit of
// mutable state, and the invariant checks that must hold after every pass.
package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tpslguard/internal/core"
)

// Approach is always CONSERVATIVE in current scope (spec §3).
const ApproachConservative = "CONSERVATIVE"

// TPPercents is the fixed 85/5/5/5 split, TP1 first to be hit.
var TPPercents = [4]decimal.Decimal{
	decimal.NewFromInt(85),
	decimal.NewFromInt(5),
	decimal.NewFromInt(5),
	decimal.NewFromInt(5),
}

// Key builds the monitor key for a (symbol, side, account) triple.
func Key(symbol string, side core.Side, account core.Account) string {
	return fmt.Sprintf("%s_%s_%s", symbol, side, account)
}

// Record is one monitor's full mutable state (spec §3 Monitor Record). It is
// owned exclusively by the scheduler's pass holder; every other reader must
// treat it as a read-only snapshot taken under Mu.
type Record struct {
	Mu sync.Mutex

	Key      string
	Symbol   string
	Side     core.Side
	Account  core.Account
	ChatID   *int64
	Approach string

	TargetSize    decimal.Decimal
	CurrentSize   decimal.Decimal
	LastKnownSize decimal.Decimal
	AvgEntryPrice decimal.Decimal

	Fills []core.Fill

	EntryOrders []core.EntryOrder
	TPOrders    map[int]core.TPOrder
	SLOrder     core.SLOrder

	Phase               core.Phase
	TP1Hit              bool
	LimitsCancelled     bool
	SLMovedToBE         bool
	FilledTPCount       int
	LimitFillsCount     int
	Urgency             core.Urgency
	ClosedConfirmations int

	NextDueAt   time.Time
	LastEventTS time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Instrument core.InstrumentInfo
}

// RemainingSize is current_size per spec's field duplication (remaining_size == current_size).
func (r *Record) RemainingSize() decimal.Decimal {
	return r.CurrentSize
}

// PendingEntryQty sums the qty of entry orders not yet filled. Without a
// per-order cumulative-fill field, a not-yet-terminal order's full qty is
// treated conservatively as still pending.
func (r *Record) PendingEntryQty() decimal.Decimal {
	total := decimal.Zero
	for _, eo := range r.EntryOrders {
		if eo.Status == core.OrderStatusNew || eo.Status == core.OrderStatusPartiallyFilled {
			total = total.Add(eo.Qty)
		}
	}
	return total
}

// SnapshotFor builds the read-only projection returned by ListMonitors.
func (r *Record) SnapshotFor() core.MonitorSnapshot {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	return core.MonitorSnapshot{
		Key:           r.Key,
		Symbol:        r.Symbol,
		Side:          r.Side,
		Account:       r.Account,
		Phase:         r.Phase,
		Urgency:       r.Urgency,
		CurrentSize:   r.CurrentSize,
		TargetSize:    r.TargetSize,
		AvgEntryPrice: r.AvgEntryPrice,
		FilledTPCount: r.FilledTPCount,
		TP1Hit:        r.TP1Hit,
		NextDueAt:     r.NextDueAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// ToState serializes r into its persisted projection (§4.3). Caller must
// hold r.Mu.
func (r *Record) ToState(schemaVersion int) core.MonitorState {
	tpOrders := make(map[int]core.TPOrder, len(r.TPOrders))
	for k, v := range r.TPOrders {
		tpOrders[k] = v
	}
	entryOrders := make([]core.EntryOrder, len(r.EntryOrders))
	copy(entryOrders, r.EntryOrders)
	fills := make([]core.Fill, len(r.Fills))
	copy(fills, r.Fills)

	return core.MonitorState{
		SchemaVersion:       schemaVersion,
		Key:                 r.Key,
		Symbol:              r.Symbol,
		Side:                r.Side,
		Account:             r.Account,
		ChatID:              r.ChatID,
		Approach:            r.Approach,
		TargetSize:          r.TargetSize,
		CurrentSize:         r.CurrentSize,
		LastKnownSize:       r.LastKnownSize,
		AvgEntryPrice:       r.AvgEntryPrice,
		Fills:               fills,
		EntryOrders:         entryOrders,
		TPOrders:            tpOrders,
		SLOrder:             r.SLOrder,
		Phase:               r.Phase,
		TP1Hit:              r.TP1Hit,
		LimitsCancelled:     r.LimitsCancelled,
		SLMovedToBE:         r.SLMovedToBE,
		FilledTPCount:       r.FilledTPCount,
		LimitFillsCount:     r.LimitFillsCount,
		Urgency:             r.Urgency,
		ClosedConfirmations: r.ClosedConfirmations,
		NextDueAt:           r.NextDueAt,
		LastEventTS:         r.LastEventTS,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

// FromState rebuilds a Record from its persisted projection, tolerating
// missing fields per §4.3's schema-evolution rule: a zero-value
// last_known_size is backfilled from current_size.
func FromState(s core.MonitorState) *Record {
	r := &Record{
		Key:                 s.Key,
		Symbol:              s.Symbol,
		Side:                s.Side,
		Account:             s.Account,
		ChatID:              s.ChatID,
		Approach:            s.Approach,
		TargetSize:          s.TargetSize,
		CurrentSize:         s.CurrentSize,
		LastKnownSize:       s.LastKnownSize,
		AvgEntryPrice:       s.AvgEntryPrice,
		Fills:               s.Fills,
		EntryOrders:         s.EntryOrders,
		TPOrders:            s.TPOrders,
		SLOrder:             s.SLOrder,
		Phase:               s.Phase,
		TP1Hit:              s.TP1Hit,
		LimitsCancelled:     s.LimitsCancelled,
		SLMovedToBE:         s.SLMovedToBE,
		FilledTPCount:       s.FilledTPCount,
		LimitFillsCount:     s.LimitFillsCount,
		Urgency:             s.Urgency,
		ClosedConfirmations: s.ClosedConfirmations,
		NextDueAt:           s.NextDueAt,
		LastEventTS:         s.LastEventTS,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
	}
	if r.Approach == "" {
		r.Approach = ApproachConservative
	}
	if r.TPOrders == nil {
		r.TPOrders = make(map[int]core.TPOrder)
	}
	if r.LastKnownSize.IsZero() && !r.CurrentSize.IsZero() {
		r.LastKnownSize = r.CurrentSize
	}
	return r
}

// New creates a brand-new record for PlaceTrade (spec §3 Lifecycle: created
// exactly once per position).
func New(symbol string, side core.Side, account core.Account, chatID *int64, targetSize decimal.Decimal, instrument core.InstrumentInfo) *Record {
	now := time.Now()
	return &Record{
		Key:           Key(symbol, side, account),
		Symbol:        symbol,
		Side:          side,
		Account:       account,
		ChatID:        chatID,
		Approach:      ApproachConservative,
		TargetSize:    targetSize,
		CurrentSize:   decimal.Zero,
		LastKnownSize: decimal.Zero,
		AvgEntryPrice: decimal.Zero,
		TPOrders:      make(map[int]core.TPOrder),
		Phase:         core.PhaseBuilding,
		Urgency:       core.UrgencyBuilding,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastEventTS:   now,
		Instrument:    instrument,
	}
}
