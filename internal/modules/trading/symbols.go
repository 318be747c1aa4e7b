package trading

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/tradepilot/tradepilot/internal/domain"
)

// symbolCandidates builds the lookup set for a raw ticker: the original, a
// stripped variant, and (for plain symbols of length >= 5) every BASE/QUOTE
// split with a quote of 2 to 5 characters. "BTCUSD" yields BTCU/SD, BTC/USD,
// BT/CUSD and B/TCUSD alongside the plain forms.
func symbolCandidates(ticker string) []string {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	add(ticker)

	stripped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, ticker)
	add(stripped)

	if ticker == stripped && len(stripped) >= 5 {
		for quoteLen := 2; quoteLen <= 5; quoteLen++ {
			split := len(stripped) - quoteLen
			if split < 1 {
				continue
			}
			add(stripped[:split] + "/" + stripped[split:])
		}
	}
	return out
}

// resolveSymbol queries the broker's asset directory for every candidate and
// picks the best match: tradable first, then crypto class when the match
// looks crypto, then fractionable. The position symbol is the order symbol
// with the slash removed - the positions endpoint does not accept pairs.
func resolveSymbol(broker domain.BrokerClient, ticker string) (*domain.SymbolResolution, error) {
	var best *domain.Asset
	for _, candidate := range symbolCandidates(ticker) {
		asset, err := broker.GetAsset(candidate)
		if err != nil {
			if domain.IsBrokerNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("asset lookup failed for %s: %w", candidate, err)
		}
		if asset == nil {
			continue
		}
		if best == nil || betterAsset(asset, best) {
			best = asset
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no tradable asset found for %s: %w", ticker, domain.ErrNotFound)
	}

	return &domain.SymbolResolution{
		OrderSymbol:    best.Symbol,
		PositionSymbol: strings.ReplaceAll(best.Symbol, "/", ""),
		IsCrypto:       isCryptoAsset(best),
	}, nil
}

// betterAsset reports whether a beats b under the preference order.
func betterAsset(a, b *domain.Asset) bool {
	if a.Tradable != b.Tradable {
		return a.Tradable
	}
	if ac, bc := isCryptoAsset(a), isCryptoAsset(b); ac != bc {
		return ac
	}
	if a.Fractionable != b.Fractionable {
		return a.Fractionable
	}
	return false
}

func isCryptoAsset(a *domain.Asset) bool {
	return strings.Contains(strings.ToLower(a.Class), "crypto") || strings.Contains(a.Symbol, "/")
}

// timeInForce returns the order lifetime for a resolution: crypto markets
// never close, so gtc; equities get day.
func timeInForce(res *domain.SymbolResolution) string {
	if res.IsCrypto {
		return "gtc"
	}
	return "day"
}
