package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger defines the logging surface used throughout the engine.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IExchange is the typed wrapper around one account's exchange REST surface (C1).
// Every call takes the account it already carries credentials for; there is no
// implicit fallback between accounts.
type IExchange interface {
	Account() Account
	GetAllPositions(ctx context.Context) ([]Position, error)
	GetAllOpenOrders(ctx context.Context) ([]Order, error)
	GetOrderHistory(ctx context.Context, symbol string, since time.Time) ([]Order, error)
	PlaceOrder(ctx context.Context, params PlaceOrderParams) (OrderResult, error)
	AmendOrder(ctx context.Context, orderLinkID string, params PlaceOrderParams) (OrderResult, error)
	CancelOrder(ctx context.Context, orderLinkID string) (bool, error)
	GetInstrumentInfo(ctx context.Context, symbol string) (InstrumentInfo, error)
}

// EventKind enumerates the structured engine events emitted to the alert dispatcher (§6).
type EventKind string

const (
	EventEntryFilled          EventKind = "EntryFilled"
	EventTPHit                EventKind = "TPHit"
	EventSLMovedToBreakeven   EventKind = "SLMovedToBreakeven"
	EventLimitsCancelledOnTP1 EventKind = "LimitsCancelledOnTP1"
	EventRebalanceDone        EventKind = "RebalanceDone"
	EventSLHit                EventKind = "SLHit"
	EventPositionClosed       EventKind = "PositionClosed"
)

// Event is one structured engine notification (C11).
type Event struct {
	Kind       EventKind
	MonitorKey string
	Account    Account
	Symbol     string
	Side       Side
	TS         time.Time
	ChatID     *int64

	TPIndex         int
	LimitFillsCount int
	RebalanceStatus ResultCode
	PerTPResults    map[int]ResultCode
	PnL             *PnLSummary
}

// Notifier is the alert dispatcher's callback contract (§6). The engine never
// formats user-visible text; it only produces structured events.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// IPersistenceStore is the crash-safe snapshot store (C3).
type IPersistenceStore interface {
	Load(ctx context.Context) (PersistedState, error)
	PutMonitor(ctx context.Context, ms MonitorState, critical bool) error
	RemoveMonitor(ctx context.Context, key string) error
	FlushIfDirty(ctx context.Context) error
	Degraded() bool
}

// PersistedState is the top-level layout of the snapshot file (§6).
type PersistedState struct {
	SchemaVersion int                     `json:"schema_version"`
	Monitors      map[string]MonitorState `json:"monitors"`
	Counters      map[string]int64        `json:"counters"`
	LastBackupTS  int64                   `json:"last_backup_ts"`
}

// MonitorState is the serializable projection of a Monitor Record (§4.3): no
// timers, channels, or goroutine handles, only data the scheduler reconstructs
// runtime state from on load.
type MonitorState struct {
	SchemaVersion int `json:"schema_version"`

	Key     string  `json:"key"`
	Symbol  string  `json:"symbol"`
	Side    Side    `json:"side"`
	Account Account `json:"account"`
	ChatID  *int64  `json:"chat_id"`

	Approach string `json:"approach"`

	TargetSize    decimal.Decimal `json:"target_size"`
	CurrentSize   decimal.Decimal `json:"current_size"`
	LastKnownSize decimal.Decimal `json:"last_known_size"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`

	Fills []Fill `json:"fills"`

	EntryOrders []EntryOrder     `json:"entry_orders"`
	TPOrders    map[int]TPOrder  `json:"tp_orders"`
	SLOrder     SLOrder          `json:"sl_order"`

	Phase              Phase   `json:"phase"`
	TP1Hit             bool    `json:"tp1_hit"`
	LimitsCancelled    bool    `json:"limits_cancelled"`
	SLMovedToBE        bool    `json:"sl_moved_to_be"`
	FilledTPCount      int     `json:"filled_tp_count"`
	LimitFillsCount    int     `json:"limit_fills_count"`
	Urgency            Urgency `json:"urgency"`
	ClosedConfirmations int    `json:"closed_confirmations"`

	NextDueAt    time.Time `json:"next_due_at"`
	LastEventTS  time.Time `json:"last_event_ts"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ICache is the Monitoring Cache contract (C2).
type ICache interface {
	Positions(ctx context.Context, account Account) ([]Position, error)
	OpenOrders(ctx context.Context, account Account) ([]Order, error)
	Invalidate(account Account)
	SetExecutionMode(on bool)
	SetCriticalCount(n int)
}

// ILinkRegistry is the Order-Link Registry contract (C4).
type ILinkRegistry interface {
	Generate(account Account, kind Kind, tpIndex int, symbol string) string
	Classify(order Order, positionSide Side) (kind Kind, tpIndex int, ok bool)
}
