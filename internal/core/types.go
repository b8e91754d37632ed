// Package core defines the types and interfaces shared across the engine.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account identifies which credential set a monitor or exchange call belongs to.
type Account string

const (
	AccountMain   Account = "main"
	AccountMirror Account = "mirror"
)

// Side is the position/order side.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Opposite returns the reduce-only side for this position side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType distinguishes Market from Limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

// StopOrderType marks a conditional order as SL or TP at the exchange.
type StopOrderType string

const (
	StopOrderNone       StopOrderType = ""
	StopOrderStopLoss   StopOrderType = "StopLoss"
	StopOrderTakeProfit StopOrderType = "TakeProfit"
)

// TriggerDirection per Bybit V5: 1 = rises to trigger, 2 = falls to trigger.
type TriggerDirection int

const (
	TriggerDirectionNone TriggerDirection = 0
	TriggerDirectionUp   TriggerDirection = 1
	TriggerDirectionDown TriggerDirection = 2
)

// OrderStatus mirrors the exchange's lifecycle states for an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "New"
	OrderStatusPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderStatusFilled          OrderStatus = "Filled"
	OrderStatusCancelled       OrderStatus = "Cancelled"
	OrderStatusRejected        OrderStatus = "Rejected"
	OrderStatusUnknown         OrderStatus = "Unknown"
)

// Kind classifies an order by its role in a monitor, decoded from its link ID.
type Kind string

const (
	KindEntry Kind = "ENTRY"
	KindTP    Kind = "TP"
	KindSL    Kind = "SL"
)

// ResultCode classifies the outcome of one order-side-effect within a rebalance.
type ResultCode string

const (
	ResultOK      ResultCode = "OK"
	ResultPartial ResultCode = "PARTIAL"
	ResultFailed  ResultCode = "FAILED"
	ResultSkipped ResultCode = "SKIPPED"
)

// Phase is the monitor's lifecycle state. Transitions are monotonic (I5).
type Phase int

const (
	PhaseBuilding Phase = iota
	PhaseMonitoring
	PhaseProfitTaking
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseBuilding:
		return "BUILDING"
	case PhaseMonitoring:
		return "MONITORING"
	case PhaseProfitTaking:
		return "PROFIT_TAKING"
	case PhaseClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Urgency drives the scheduler's due-interval assignment (§4.5).
type Urgency int

const (
	UrgencyDormant Urgency = iota
	UrgencyStable
	UrgencyBuilding
	UrgencyActive
	UrgencyUrgent
	UrgencyCritical
)

func (u Urgency) String() string {
	switch u {
	case UrgencyCritical:
		return "CRITICAL"
	case UrgencyUrgent:
		return "URGENT"
	case UrgencyActive:
		return "ACTIVE"
	case UrgencyBuilding:
		return "BUILDING"
	case UrgencyStable:
		return "STABLE"
	case UrgencyDormant:
		return "DORMANT"
	default:
		return "UNKNOWN"
	}
}

// InstrumentInfo is read-only exchange metadata cached per symbol.
type InstrumentInfo struct {
	Symbol     string
	QtyStep    decimal.Decimal
	MinQty     decimal.Decimal
	TickSize   decimal.Decimal
	PriceScale int32
}

// FloorQty floors a quantity to the instrument's qty_step.
func (ii InstrumentInfo) FloorQty(qty decimal.Decimal) decimal.Decimal {
	return floorToStep(qty, ii.QtyStep)
}

func floorToStep(val, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return val
	}
	units := val.DivRound(step, 12).Floor()
	return units.Mul(step)
}

// Position is the exchange's view of an open position for a symbol/side.
type Position struct {
	Symbol     string
	Side       Side
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
	UpdateTime time.Time
}

// Order is the exchange's view of a placed order, keyed by its link ID.
type Order struct {
	OrderID       string
	OrderLinkID   string
	Symbol        string
	Side          Side
	Type          OrderType
	Status        OrderStatus
	Price         decimal.Decimal
	TriggerPrice  decimal.Decimal
	Qty           decimal.Decimal
	CumExecQty    decimal.Decimal
	AvgPrice      decimal.Decimal
	ReduceOnly    bool
	CloseOnTrigger bool
	StopOrderType StopOrderType
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsTerminal reports whether the order will never receive further fills.
func (o Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// PlaceOrderParams is the engine-side request to place one order.
type PlaceOrderParams struct {
	Symbol            string
	Side              Side
	Type              OrderType
	Qty               decimal.Decimal
	Price             decimal.Decimal
	TriggerPrice      decimal.Decimal
	TriggerDirection  TriggerDirection
	StopOrderType     StopOrderType
	ReduceOnly        bool
	CloseOnTrigger    bool
	OrderLinkID       string
	PositionIdx       int
}

// OrderResult is the outcome of a PlaceOrder/AmendOrder call.
type OrderResult struct {
	Order    Order
	Category ResultCategory
}

// ResultCategory is the Exchange Client's failure classification (§4.1).
type ResultCategory string

const (
	CategoryOK              ResultCategory = "OK"
	CategoryAlreadyGone     ResultCategory = "AlreadyGone"
	CategoryDuplicateLinkID ResultCategory = "DuplicateLinkId"
	CategoryRateLimited     ResultCategory = "RateLimited"
	CategoryTransient       ResultCategory = "Transient"
	CategoryFatal           ResultCategory = "Fatal"
)

// Fill is one observed entry-side fill, used to compute avg_entry_price (I6).
type Fill struct {
	Qty   decimal.Decimal
	Price decimal.Decimal
	TS    time.Time
}

// EntryOrder is one entry (market or limit) registered against a monitor.
type EntryOrder struct {
	OrderID     string
	OrderLinkID string
	Status      OrderStatus
	Qty         decimal.Decimal
	Price       decimal.Decimal
}

// TPOrder is one of the four take-profit descriptors on a monitor.
type TPOrder struct {
	Index        int
	Percent      decimal.Decimal
	TriggerPrice decimal.Decimal
	Qty          decimal.Decimal
	OrderID      string
	OrderLinkID  string
	FilledQty    decimal.Decimal
}

// SLOrder is the stop-loss descriptor on a monitor.
type SLOrder struct {
	TriggerPrice     decimal.Decimal
	Qty              decimal.Decimal
	OrderID          string
	OrderLinkID      string
	BreakevenApplied bool
}

// TradeSpec is the PlaceTrade request consumed from the trade executor (§6).
type TradeSpec struct {
	Symbol      string
	Side        Side
	Leverage    int
	Margin      decimal.Decimal
	Entries     []EntrySpec
	TakeProfits [4]decimal.Decimal
	StopLoss    decimal.Decimal
	ChatID      *int64
	Mirror      bool
}

// EntrySpec is one planned entry order (market or limit) with its size fraction.
type EntrySpec struct {
	Type     OrderType
	Price    decimal.Decimal
	Fraction decimal.Decimal
	Qty      decimal.Decimal
}

// PnLSummary is the final accounting emitted with PositionClosed.
type PnLSummary struct {
	GrossPnL    decimal.Decimal
	FeeEstimate decimal.Decimal
	NetPnL      decimal.Decimal
}

// MonitorSnapshot is the read-only view returned by ListMonitors.
type MonitorSnapshot struct {
	Key            string
	Symbol         string
	Side           Side
	Account        Account
	Phase          Phase
	Urgency        Urgency
	CurrentSize    decimal.Decimal
	TargetSize     decimal.Decimal
	AvgEntryPrice  decimal.Decimal
	FilledTPCount  int
	TP1Hit         bool
	NextDueAt      time.Time
	UpdatedAt      time.Time
}
