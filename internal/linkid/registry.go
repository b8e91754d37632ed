// Package linkid generates and classifies exchange order-link IDs (C4).
package linkid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tpslguard/internal/core"
)

// maxLinkIDLen is Bybit's order-link-ID length cap.
const maxLinkIDLen = 36

// Registry generates globally-unique order-link IDs of the form
// {PREFIX}_{KIND}{N}_{SYMBOL}_{MS_EPOCH}_{RAND4} and classifies orders back
// into (kind, tp_index) from either the link ID or a fallback heuristic.
type Registry struct {
	prefixFor map[core.Account]string
}

// NewRegistry builds a Registry with the standard account-prefix mapping:
// BOT for main, MIR for mirror.
func NewRegistry() *Registry {
	return &Registry{
		prefixFor: map[core.Account]string{
			core.AccountMain:   "BOT",
			core.AccountMirror: "MIR",
		},
	}
}

// Generate builds a fresh link ID for account/kind/symbol. tpIndex is
// ignored unless kind is KindTP.
func (reg *Registry) Generate(account core.Account, kind core.Kind, tpIndex int, symbol string) string {
	prefix := reg.prefixFor[account]
	if prefix == "" {
		prefix = "BOT"
	}

	kindTag := string(kind)
	if kind == core.KindTP {
		kindTag = fmt.Sprintf("TP%d", tpIndex)
	}

	ms := time.Now().UnixMilli()
	rand4 := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:4]

	id := fmt.Sprintf("%s_%s_%s_%d_%s", prefix, kindTag, symbol, ms, rand4)
	if len(id) <= maxLinkIDLen {
		return id
	}

	// Truncate the symbol first; it's the only variable-length segment.
	overflow := len(id) - maxLinkIDLen
	truncSymbol := symbol
	if overflow < len(symbol) {
		truncSymbol = symbol[:len(symbol)-overflow]
	} else {
		truncSymbol = ""
	}
	id = fmt.Sprintf("%s_%s_%s_%d_%s", prefix, kindTag, truncSymbol, ms, rand4)
	if len(id) > maxLinkIDLen {
		id = id[:maxLinkIDLen]
	}
	return id
}

// Classify decodes (kind, tp_index) from an order's link ID, falling back to
// a heuristic (reduce_only + side + trigger_price presence) when the link ID
// is missing or unreadable, per §4.4.
func (reg *Registry) Classify(order core.Order, positionSide core.Side) (core.Kind, int, bool) {
	if kind, idx, ok := classifyFromLinkID(order.OrderLinkID); ok {
		return kind, idx, true
	}
	return classifyFallback(order, positionSide)
}

func classifyFromLinkID(linkID string) (core.Kind, int, bool) {
	parts := strings.Split(linkID, "_")
	if len(parts) < 2 {
		return "", 0, false
	}
	// parts[0] = prefix, parts[1] = kind tag (possibly TPn)
	tag := parts[1]
	switch {
	case tag == string(core.KindEntry):
		return core.KindEntry, 0, true
	case tag == string(core.KindSL):
		return core.KindSL, 0, true
	case strings.HasPrefix(tag, string(core.KindTP)):
		idxStr := strings.TrimPrefix(tag, string(core.KindTP))
		idx := 0
		if _, err := fmt.Sscanf(idxStr, "%d", &idx); err != nil || idx < 1 || idx > 4 {
			return "", 0, false
		}
		return core.KindTP, idx, true
	default:
		return "", 0, false
	}
}

// classifyFallback identifies an order whose link ID is missing or
// unreadable using reduce_only, side (opposite of position side), and
// trigger_price presence.
func classifyFallback(order core.Order, positionSide core.Side) (core.Kind, int, bool) {
	if !order.ReduceOnly || order.Side != positionSide.Opposite() {
		return "", 0, false
	}
	if order.StopOrderType == core.StopOrderStopLoss || (!order.TriggerPrice.IsZero() && order.Type == core.OrderTypeMarket) {
		return core.KindSL, 0, true
	}
	if order.Type == core.OrderTypeLimit {
		return core.KindTP, 0, true
	}
	return "", 0, false
}
