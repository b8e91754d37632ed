package engine

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tpslguard/internal/config"
	"tpslguard/internal/core"
)

type noopLogger struct{}

func (noopLogger) Debug(msg string, f ...interface{})               {}
func (noopLogger) Info(msg string, f ...interface{})                {}
func (noopLogger) Warn(msg string, f ...interface{})                {}
func (noopLogger) Error(msg string, f ...interface{})               {}
func (noopLogger) Fatal(msg string, f ...interface{})               {}
func (l noopLogger) WithField(k string, v interface{}) core.ILogger   { return l }
func (l noopLogger) WithFields(f map[string]interface{}) core.ILogger { return l }

// fakeExchange is a scripted core.IExchange: each PlaceOrder call is
// answered from placeResults in order, falling back to a generated OK
// result once the script is exhausted.
type fakeExchange struct {
	mu sync.Mutex

	account core.Account

	positions []core.Position
	orders    []core.Order
	instrument core.InstrumentInfo

	placeResults []placeScript
	placeCalls   []core.PlaceOrderParams

	cancelled map[string]bool
	cancelErr error

	nextOrderID int
}

type placeScript struct {
	result core.OrderResult
	err    error
}

func newFakeExchange(account core.Account, instrument core.InstrumentInfo) *fakeExchange {
	return &fakeExchange{
		account:    account,
		instrument: instrument,
		cancelled:  make(map[string]bool),
	}
}

func (f *fakeExchange) Account() core.Account { return f.account }

func (f *fakeExchange) GetAllPositions(ctx context.Context) ([]core.Position, error) {
	return f.positions, nil
}

func (f *fakeExchange) GetAllOpenOrders(ctx context.Context) ([]core.Order, error) {
	return f.orders, nil
}

func (f *fakeExchange) GetOrderHistory(ctx context.Context, symbol string, since time.Time) ([]core.Order, error) {
	return nil, nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, params core.PlaceOrderParams) (core.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls = append(f.placeCalls, params)

	if len(f.placeResults) > 0 {
		next := f.placeResults[0]
		f.placeResults = f.placeResults[1:]
		return next.result, next.err
	}

	f.nextOrderID++
	return core.OrderResult{
		Order: core.Order{
			OrderID:     idFor(f.nextOrderID),
			OrderLinkID: params.OrderLinkID,
			Symbol:      params.Symbol,
			Side:        params.Side,
			Type:        params.Type,
			Status:      core.OrderStatusNew,
			Price:       params.Price,
			Qty:         params.Qty,
			ReduceOnly:  params.ReduceOnly,
		},
		Category: core.CategoryOK,
	}, nil
}

func idFor(n int) string {
	return "order-" + decimal.NewFromInt(int64(n)).String()
}

func (f *fakeExchange) AmendOrder(ctx context.Context, orderLinkID string, params core.PlaceOrderParams) (core.OrderResult, error) {
	return core.OrderResult{}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, orderLinkID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return false, f.cancelErr
	}
	f.cancelled[orderLinkID] = true
	return true, nil
}

func (f *fakeExchange) GetInstrumentInfo(ctx context.Context, symbol string) (core.InstrumentInfo, error) {
	return f.instrument, nil
}

// fakeRegistry generates deterministic, collision-free link IDs without
// needing the real registry's exchange-order classification logic.
type fakeRegistry struct {
	mu  sync.Mutex
	seq int
}

func (r *fakeRegistry) Generate(account core.Account, kind core.Kind, tpIndex int, symbol string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return string(account) + "_" + string(kind) + "_" + symbol + "_" + decimal.NewFromInt(int64(r.seq)).String()
}

func (r *fakeRegistry) Classify(order core.Order, positionSide core.Side) (core.Kind, int, bool) {
	return "", 0, false
}

// fakeStore is a no-op core.IPersistenceStore recording the last state put.
type fakeStore struct {
	mu       sync.Mutex
	puts     map[string]core.MonitorState
	removed  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{puts: make(map[string]core.MonitorState)}
}

func (s *fakeStore) Load(ctx context.Context) (core.PersistedState, error) {
	return core.PersistedState{Monitors: map[string]core.MonitorState{}, Counters: map[string]int64{}}, nil
}

func (s *fakeStore) PutMonitor(ctx context.Context, ms core.MonitorState, critical bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts[ms.Key] = ms
	return nil
}

func (s *fakeStore) RemoveMonitor(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, key)
	return nil
}

func (s *fakeStore) FlushIfDirty(ctx context.Context) error { return nil }
func (s *fakeStore) Degraded() bool                         { return false }

// fakeNotifier records every emitted event.
type fakeNotifier struct {
	mu     sync.Mutex
	events []core.Event
}

func (n *fakeNotifier) Notify(ctx context.Context, event core.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *fakeNotifier) kinds() []core.EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]core.EventKind, len(n.events))
	for i, e := range n.events {
		out[i] = e.Kind
	}
	return out
}

// fakeCache is a core.ICache backed by per-account slices the test sets up
// directly, bypassing the real cache's TTL/singleflight machinery.
type fakeCache struct {
	mu        sync.Mutex
	positions map[core.Account][]core.Position
	orders    map[core.Account][]core.Order
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		positions: make(map[core.Account][]core.Position),
		orders:    make(map[core.Account][]core.Order),
	}
}

func (c *fakeCache) Positions(ctx context.Context, account core.Account) ([]core.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positions[account], nil
}

func (c *fakeCache) OpenOrders(ctx context.Context, account core.Account) ([]core.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orders[account], nil
}

func (c *fakeCache) Invalidate(account core.Account)    {}
func (c *fakeCache) SetExecutionMode(on bool)           {}
func (c *fakeCache) SetCriticalCount(n int)             {}

func (c *fakeCache) setPositions(account core.Account, positions []core.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[account] = positions
}

func (c *fakeCache) setOrders(account core.Account, orders []core.Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders[account] = orders
}

func testInstrument(symbol string) core.InstrumentInfo {
	return core.InstrumentInfo{
		Symbol:   symbol,
		QtyStep:  decimal.NewFromFloat(0.001),
		MinQty:   decimal.NewFromFloat(0.001),
		TickSize: decimal.NewFromFloat(0.1),
	}
}

func testConfig() *config.Config {
	return &config.Config{
		CancelLimitsOnTP1:     true,
		BreakevenFeeRate:      0.00055,
		BreakevenSafetyMargin: 0.0005,
		MonitorIntervals: config.MonitorIntervals{
			Critical: time.Second,
			Urgent:   time.Second,
			Active:   time.Second,
			Building: time.Second,
			Stable:   time.Second,
			Dormant:  time.Second,
		},
		MaxConcurrentMonitors: 10,
		Persistence: config.PersistenceConfig{
			BatchInterval: time.Second,
		},
	}
}

// testEngine builds an Engine with fakes for every collaborator, wired for
// a single account's exchange unless mirror is also requested.
func testEngine(exchanges map[core.Account]core.IExchange, store core.IPersistenceStore, notifier core.Notifier) *Engine {
	return testEngineWithCache(exchanges, store, notifier, newFakeCache())
}

func testEngineWithCache(exchanges map[core.Account]core.IExchange, store core.IPersistenceStore, notifier core.Notifier, cache core.ICache) *Engine {
	return New(Deps{
		Config:    testConfig(),
		Logger:    noopLogger{},
		Exchanges: exchanges,
		Cache:     cache,
		Registry:  &fakeRegistry{},
		Store:     store,
		Notifier:  notifier,
	})
}
