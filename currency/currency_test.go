package currency

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCode(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Code("BTC"), NewCode(" btc "), "code should be trimmed and upper-cased")
	assert.True(t, NewCode("").IsEmpty(), "empty input should yield empty code")
	assert.True(t, NewCode("usdt").Equal(NewCode("USDT")), "codes should compare case-insensitively")
}

func TestNewPairFromString(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in    string
		base  Code
		quote Code
		err   error
	}{
		{in: "BTC-USDT", base: "BTC", quote: "USDT"},
		{in: "eth_usdt", base: "ETH", quote: "USDT"},
		{in: "SOL/USDC", base: "SOL", quote: "USDC"},
		{in: "BTCUSDT", err: ErrPairNotDelimited},
		{in: "", err: ErrPairEmpty},
		{in: "-USDT", err: ErrCodeEmpty},
	}
	for _, tc := range cases {
		p, err := NewPairFromString(tc.in)
		if tc.err != nil {
			assert.ErrorIs(t, err, tc.err, "parsing %q should fail", tc.in)
			continue
		}
		require.NoError(t, err, "parsing %q should not error", tc.in)
		assert.Equal(t, tc.base, p.Base, "unexpected base for %q", tc.in)
		assert.Equal(t, tc.quote, p.Quote, "unexpected quote for %q", tc.in)
	}
}

func TestPairString(t *testing.T) {
	t.Parallel()
	p, err := NewPairFromString("btc_usdt")
	require.NoError(t, err, "parse should not error")
	assert.Equal(t, "BTC_USDT", p.String(), "pair should render with its original delimiter")

	bare := Pair{Base: "ETH", Quote: "USDT"}
	assert.Equal(t, "ETH-USDT", bare.String(), "pair without delimiter should render with default")
}

func TestPairJSONRoundTrip(t *testing.T) {
	t.Parallel()
	p := NewPair(NewCode("BTC"), NewCode("USDT"))
	out, err := json.Marshal(p)
	require.NoError(t, err, "marshal should not error")
	assert.Equal(t, `"BTC-USDT"`, string(out), "pair should marshal to its string form")

	var back Pair
	require.NoError(t, json.Unmarshal(out, &back), "unmarshal should not error")
	assert.True(t, p.Equal(back), "round trip should preserve the pair")

	var fromObj Pair
	require.NoError(t, json.Unmarshal([]byte(`{"base":"ETH","quote":"USDT"}`), &fromObj),
		"object form should unmarshal")
	assert.Equal(t, Code("ETH"), fromObj.Base, "object form should set base")
}
