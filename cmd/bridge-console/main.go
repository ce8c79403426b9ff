// Command bridge-console is a terminal dashboard of the active account's
// balances and open positions, polled from a running bridge.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"mt5bridge/pkg/bridge"
)

func main() {
	baseURL := flag.String("url", envOr("MT5BRIDGE_URL", "http://localhost:8000"), "bridge base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	flag.Parse()

	token := os.Getenv("MT5BRIDGE_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "MT5BRIDGE_TOKEN environment variable not set")
		os.Exit(1)
	}

	p := tea.NewProgram(
		newModel(bridge.NewClient(*baseURL, token), *interval),
		tea.WithAltScreen(),
	)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
