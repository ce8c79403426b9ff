package httpapi

import (
	"slices"
	"strings"
)

const maxServerSuggestions = 20

// knownServers are broker trade servers offered before the user has
// connected anything.
var knownServers = []string{
	"MetaQuotes-Demo",
	"ICMarketsSC-Demo",
	"ICMarketsSC-Live01",
	"ICMarketsSC-Live02",
	"Pepperstone-Demo",
	"Pepperstone-Live01",
	"FTMO-Demo",
	"FTMO-Server",
	"FTMO-Server2",
	"Exness-MT5Trial",
	"Exness-MT5Real",
	"XMGlobal-MT5",
	"XMGlobal-MT5 2",
	"RoboForex-ECN",
	"RoboForex-Pro",
	"FBS-Demo",
	"FBS-Real",
	"Admirals-Demo",
	"OANDA-Demo-1",
	"OANDA-Live-1",
	"Tickmill-Demo",
	"Tickmill-Live",
	"FXTM-Demo",
	"FXTM-ECN",
	"Deriv-Demo",
	"Deriv-Server",
}

// suggestServers returns the distinct server names containing q, ignoring
// case, with prefix matches first.
func suggestServers(q string, extra []string) []string {
	q = strings.ToLower(strings.TrimSpace(q))
	seen := make(map[string]bool)
	var prefix, contains []string
	for _, name := range slices.Concat(extra, knownServers) {
		name = strings.TrimSpace(name)
		key := strings.ToLower(name)
		if name == "" || seen[key] {
			continue
		}
		seen[key] = true
		switch {
		case strings.HasPrefix(key, q):
			prefix = append(prefix, name)
		case strings.Contains(key, q):
			contains = append(contains, name)
		}
	}
	slices.SortFunc(prefix, compareFold)
	slices.SortFunc(contains, compareFold)
	out := append(prefix, contains...)
	if len(out) > maxServerSuggestions {
		out = out[:maxServerSuggestions]
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func compareFold(a, b string) int {
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}
