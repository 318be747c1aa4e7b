package trading

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradepilot/tradepilot/internal/domain"
)

func TestSymbolCandidates(t *testing.T) {
	assert.Equal(t,
		[]string{"BTCUSD", "BTCU/SD", "BTC/USD", "BT/CUSD", "B/TCUSD"},
		symbolCandidates("BTCUSD"))

	// Short plain symbols get no pair splits.
	assert.Equal(t, []string{"AAPL"}, symbolCandidates("AAPL"))

	// Punctuated symbols get the stripped variant but no splits.
	assert.Equal(t, []string{"BRK.B", "BRKB"}, symbolCandidates("brk.b"))

	assert.Equal(t, []string{"SPY"}, symbolCandidates("  spy  "))
}

func TestResolveSymbolFindsCryptoPair(t *testing.T) {
	broker := newFakeBroker()
	broker.assets["BTC/USD"] = &domain.Asset{
		Symbol:       "BTC/USD",
		Class:        "crypto",
		Tradable:     true,
		Fractionable: true,
	}

	res, err := resolveSymbol(broker, "BTCUSD")
	require.NoError(t, err)
	assert.Equal(t, "BTC/USD", res.OrderSymbol)
	assert.Equal(t, "BTCUSD", res.PositionSymbol)
	assert.True(t, res.IsCrypto)
}

func TestResolveSymbolPrefersTradable(t *testing.T) {
	broker := newFakeBroker()
	broker.assets["ABCDE"] = &domain.Asset{Symbol: "ABCDE", Class: "us_equity", Tradable: false}
	broker.assets["ABC/DE"] = &domain.Asset{Symbol: "ABC/DE", Class: "crypto", Tradable: true}

	res, err := resolveSymbol(broker, "ABCDE")
	require.NoError(t, err)
	assert.Equal(t, "ABC/DE", res.OrderSymbol)
	assert.Equal(t, "ABCDE", res.PositionSymbol)
}

func TestResolveSymbolNoMatch(t *testing.T) {
	broker := newFakeBroker()
	_, err := resolveSymbol(broker, "NOPE")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestTimeInForce(t *testing.T) {
	assert.Equal(t, "gtc", timeInForce(&domain.SymbolResolution{IsCrypto: true}))
	assert.Equal(t, "day", timeInForce(&domain.SymbolResolution{IsCrypto: false}))
}
