// Command monitorctl is a read-only operator CLI: it reads the engine's
// persisted monitor snapshot and renders urgency/phase/size as a table.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"

	"tpslguard/internal/core"
	"tpslguard/internal/logging"
	"tpslguard/internal/persistence"
)

var (
	dataDir = flag.String("data-dir", "./data", "engine persistence directory")
	symbol  = flag.String("symbol", "", "filter to one symbol (optional)")
)

func main() {
	flag.Parse()

	logger := logging.GetGlobalLogger()
	store, err := persistence.New(*dataDir, 0, 0, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open persistence dir:", err)
		os.Exit(1)
	}

	state, err := store.Load(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "load monitor snapshot:", err)
		os.Exit(1)
	}

	monitors := filterAndSort(state.Monitors, *symbol)

	if len(monitors) == 0 {
		fmt.Println("no monitors")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("KEY", "SYMBOL", "SIDE", "ACCOUNT", "PHASE", "URGENCY", "CURRENT", "TARGET", "AVG ENTRY", "TP HITS", "TP1", "UPDATED")
	for _, ms := range monitors {
		row := formatRow(ms)
		table.Append(
			row[0], row[1], row[2], row[3], row[4], row[5],
			row[6], row[7], row[8], row[9], row[10], row[11],
		)
	}
	table.Render()

	if store.Degraded() {
		fmt.Fprintln(os.Stderr, "warning: persistence store reports a degraded state")
	}
}

// filterAndSort selects the monitors matching symbol (all, if empty) and
// orders them by key for stable table output.
func filterAndSort(monitors map[string]core.MonitorState, symbol string) []core.MonitorState {
	out := make([]core.MonitorState, 0, len(monitors))
	for _, ms := range monitors {
		if symbol != "" && ms.Symbol != symbol {
			continue
		}
		out = append(out, ms)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// formatRow renders one monitor's table row, matching the header in main.
func formatRow(ms core.MonitorState) []string {
	return []string{
		ms.Key,
		ms.Symbol,
		string(ms.Side),
		string(ms.Account),
		ms.Phase.String(),
		ms.Urgency.String(),
		ms.CurrentSize.String(),
		ms.TargetSize.String(),
		ms.AvgEntryPrice.String(),
		fmt.Sprintf("%d", ms.FilledTPCount),
		fmt.Sprintf("%v", ms.TP1Hit),
		ms.UpdatedAt.Format("15:04:05"),
	}
}
