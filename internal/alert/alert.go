// Package alert fans structured engine events out to one or more delivery
// channels (Slack, Telegram), the C11 Event Emitter's dispatch side.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tpslguard/internal/core"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

type AlertManager struct {
	channels []AlertChannel
	logger   core.ILogger
	mu       sync.RWMutex
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	return &AlertManager{
		channels: make([]AlertChannel, 0),
		logger:   logger.WithField("component", "alert_manager"),
	}
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

func (am *AlertManager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) {
	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	am.logger.Info("Triggering alert", "title", title, "level", level)

	am.mu.RLock()
	defer am.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ch := range am.channels {
		wg.Add(1)
		go func(c AlertChannel) {
			defer wg.Done()
			// Create a timeout context for each channel
			timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
	// Fire-and-forget: alert delivery never blocks the monitor pass.
}

// Dispatcher adapts core.Event into AlertManager payloads, the Event
// Emitter's (C11) only consumer in this build.
type Dispatcher struct {
	manager *AlertManager
}

// NewDispatcher wraps manager as a core.Notifier.
func NewDispatcher(manager *AlertManager) *Dispatcher {
	return &Dispatcher{manager: manager}
}

// Notify implements core.Notifier.
func (d *Dispatcher) Notify(ctx context.Context, event core.Event) {
	level := Info
	title := string(event.Kind)
	fields := map[string]string{
		"account": string(event.Account),
		"symbol":  event.Symbol,
		"side":    string(event.Side),
		"key":     event.MonitorKey,
	}

	var message string
	switch event.Kind {
	case core.EventEntryFilled:
		message = fmt.Sprintf("%s %s: entry fill observed", event.Symbol, event.Side)
	case core.EventTPHit:
		level = Info
		fields["tp_index"] = fmt.Sprintf("%d", event.TPIndex)
		message = fmt.Sprintf("%s %s: TP%d filled", event.Symbol, event.Side, event.TPIndex)
	case core.EventSLMovedToBreakeven:
		message = fmt.Sprintf("%s %s: stop-loss moved to breakeven", event.Symbol, event.Side)
	case core.EventLimitsCancelledOnTP1:
		message = fmt.Sprintf("%s %s: unfilled entry limits cancelled after TP1", event.Symbol, event.Side)
	case core.EventRebalanceDone:
		level = Info
		fields["status"] = string(event.RebalanceStatus)
		message = fmt.Sprintf("%s %s: rebalance %s", event.Symbol, event.Side, event.RebalanceStatus)
	case core.EventSLHit:
		level = Warning
		message = fmt.Sprintf("%s %s: stop-loss filled", event.Symbol, event.Side)
	case core.EventPositionClosed:
		level = Info
		if event.PnL != nil {
			fields["net_pnl"] = event.PnL.NetPnL.String()
		}
		message = fmt.Sprintf("%s %s: position closed", event.Symbol, event.Side)
	default:
		message = "unrecognized event"
	}

	d.manager.Alert(ctx, title, message, level, fields)
}
