package ledger

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclob/venue/currency"
)

var (
	btc  = currency.NewCode("BTC")
	usdt = currency.NewCode("USDT")
)

func d(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	return decimal.RequireFromString(s)
}

func TestDeposit(t *testing.T) {
	t.Parallel()
	l := New()
	require.NoError(t, l.Deposit(1, usdt, d(t, "100.5")), "deposit should not error")
	assert.True(t, l.Available(1, usdt).Equal(d(t, "100.5")), "deposit should credit available")

	assert.ErrorIs(t, l.Deposit(1, usdt, decimal.Zero), errAmountNotPositive,
		"zero deposit should error")
	assert.ErrorIs(t, l.Deposit(1, "", d(t, "1")), errCurrencyEmpty,
		"empty currency should error")
}

func TestFreezeUnfreeze(t *testing.T) {
	t.Parallel()
	l := New()
	require.NoError(t, l.Deposit(1, usdt, d(t, "100")))

	require.NoError(t, l.Freeze(1, usdt, d(t, "60")), "freeze should not error")
	assert.True(t, l.Available(1, usdt).Equal(d(t, "40")), "freeze should debit available")
	assert.True(t, l.Frozen(1, usdt).Equal(d(t, "60")), "freeze should credit frozen")

	err := l.Freeze(1, usdt, d(t, "40.00000001"))
	assert.ErrorIs(t, err, ErrInsufficientFunds, "freezing beyond available should fail")
	assert.True(t, l.Available(1, usdt).Equal(d(t, "40")), "failed freeze should not change state")

	require.NoError(t, l.Unfreeze(1, usdt, d(t, "60")), "unfreeze should not error")
	assert.True(t, l.Available(1, usdt).Equal(d(t, "100")), "unfreeze should restore available")
	assert.True(t, l.Frozen(1, usdt).IsZero(), "unfreeze should clear frozen")
}

func TestUnfreezeClampsAtZero(t *testing.T) {
	t.Parallel()
	l := New()
	require.NoError(t, l.Deposit(1, btc, d(t, "1")))
	require.NoError(t, l.Freeze(1, btc, d(t, "0.4")))

	err := l.Unfreeze(1, btc, d(t, "0.5"))
	assert.ErrorIs(t, err, ErrOverUnfreeze, "over-unfreeze should be reported")
	assert.True(t, l.Frozen(1, btc).IsZero(), "frozen should clamp at zero")
	assert.True(t, l.Available(1, btc).Equal(d(t, "1")), "clamped unfreeze should still restore funds")
}

func TestSettle(t *testing.T) {
	t.Parallel()
	l := New()
	require.NoError(t, l.Deposit(1, usdt, d(t, "10000")))
	require.NoError(t, l.Deposit(2, btc, d(t, "1")))
	require.NoError(t, l.Freeze(1, usdt, d(t, "10000")))
	require.NoError(t, l.Freeze(2, btc, d(t, "0.2")))

	err := l.Settle(SettleParams{
		BuyerID: 1, SellerID: 2,
		Base: btc, Quote: usdt,
		Qty: d(t, "0.2"), Price: d(t, "50000"),
		TakerIsBuyer: true,
	})
	require.NoError(t, err, "settle should not error")

	assert.True(t, l.Frozen(1, usdt).IsZero(), "buyer frozen quote should be consumed")
	assert.True(t, l.Available(1, btc).Equal(d(t, "0.2")), "buyer should receive base")
	assert.True(t, l.Frozen(2, btc).IsZero(), "seller frozen base should be consumed")
	assert.True(t, l.Available(2, usdt).Equal(d(t, "10000")), "seller should receive quote")

	assert.True(t, l.TotalSupply(btc).Equal(d(t, "1")), "base supply should be conserved")
	assert.True(t, l.TotalSupply(usdt).Equal(d(t, "10000")), "quote supply should be conserved")
}

func TestSettleFrozenShortfall(t *testing.T) {
	t.Parallel()
	l := New()
	require.NoError(t, l.Deposit(1, usdt, d(t, "100")))
	require.NoError(t, l.Deposit(2, btc, d(t, "1")))
	require.NoError(t, l.Freeze(1, usdt, d(t, "100")))
	// Seller base never frozen: book and ledger have diverged.

	err := l.Settle(SettleParams{
		BuyerID: 1, SellerID: 2,
		Base: btc, Quote: usdt,
		Qty: d(t, "0.002"), Price: d(t, "50000"),
	})
	assert.ErrorIs(t, err, ErrInvariant, "frozen shortfall should be an invariant breach")
	assert.True(t, l.Frozen(1, usdt).Equal(d(t, "100")), "failed settle should not move buyer funds")
	assert.True(t, l.Available(2, btc).Equal(d(t, "1")), "failed settle should not move seller funds")
}

func TestSettleRejectsSelfTrade(t *testing.T) {
	t.Parallel()
	l := New()
	err := l.Settle(SettleParams{
		BuyerID: 7, SellerID: 7,
		Base: btc, Quote: usdt,
		Qty: d(t, "1"), Price: d(t, "10"),
	})
	assert.ErrorIs(t, err, ErrInvariant, "self settle should be an invariant breach")
}

func TestSettleFees(t *testing.T) {
	t.Parallel()
	l := New()
	require.NoError(t, l.SetFeeRates(d(t, "0.001"), d(t, "0.002")), "fee rates should set")
	require.NoError(t, l.Deposit(1, usdt, d(t, "50000")))
	require.NoError(t, l.Deposit(2, btc, d(t, "1")))
	require.NoError(t, l.Freeze(1, usdt, d(t, "50000")))
	require.NoError(t, l.Freeze(2, btc, d(t, "1")))

	err := l.Settle(SettleParams{
		BuyerID: 1, SellerID: 2,
		Base: btc, Quote: usdt,
		Qty: d(t, "1"), Price: d(t, "50000"),
		TakerIsBuyer: true,
	})
	require.NoError(t, err, "settle should not error")

	// Taker (buyer) pays 0.2% on base, maker (seller) 0.1% on quote.
	assert.True(t, l.Available(1, btc).Equal(d(t, "0.998")), "buyer should receive base net of taker fee")
	assert.True(t, l.Available(2, usdt).Equal(d(t, "49950")), "seller should receive quote net of maker fee")
	assert.True(t, l.Available(FeeAccountID, btc).Equal(d(t, "0.002")), "fee account should accrue base")
	assert.True(t, l.Available(FeeAccountID, usdt).Equal(d(t, "50")), "fee account should accrue quote")

	assert.True(t, l.TotalSupply(btc).Equal(d(t, "1")), "base supply should be conserved with fees")
	assert.True(t, l.TotalSupply(usdt).Equal(d(t, "50000")), "quote supply should be conserved with fees")

	assert.ErrorIs(t, l.SetFeeRates(d(t, "-0.1"), decimal.Zero), errFeeRateInvalid,
		"negative fee rate should error")
}

func TestSnapshotSorted(t *testing.T) {
	t.Parallel()
	l := New()
	require.NoError(t, l.Deposit(3, usdt, d(t, "5")))
	require.NoError(t, l.Deposit(3, btc, d(t, "1")))
	require.NoError(t, l.Deposit(4, btc, d(t, "9")))

	balances := l.Snapshot(3)
	require.Len(t, balances, 2, "snapshot should only include the user's accounts")
	assert.Equal(t, btc, balances[0].Currency, "balances should sort by currency")
	assert.Equal(t, usdt, balances[1].Currency, "balances should sort by currency")
}

// Opposing settlements between the same pair of users must not
// deadlock; canonical lock ordering makes direction irrelevant.
func TestSettleConcurrentOpposingDirections(t *testing.T) {
	t.Parallel()
	l := New()
	const rounds = 200
	require.NoError(t, l.Deposit(1, usdt, d(t, "2000")))
	require.NoError(t, l.Deposit(1, btc, d(t, "200")))
	require.NoError(t, l.Deposit(2, usdt, d(t, "2000")))
	require.NoError(t, l.Deposit(2, btc, d(t, "200")))
	require.NoError(t, l.Freeze(1, usdt, d(t, "2000")))
	require.NoError(t, l.Freeze(1, btc, d(t, "200")))
	require.NoError(t, l.Freeze(2, usdt, d(t, "2000")))
	require.NoError(t, l.Freeze(2, btc, d(t, "200")))

	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		buyer, seller := int64(1), int64(2)
		if i%2 == 0 {
			buyer, seller = 2, 1
		}
		wg.Add(1)
		go func(b, s int64) {
			defer wg.Done()
			err := l.Settle(SettleParams{
				BuyerID: b, SellerID: s,
				Base: btc, Quote: usdt,
				Qty: d(t, "1"), Price: d(t, "10"),
			})
			assert.NoError(t, err, "settle should not error")
		}(buyer, seller)
	}
	wg.Wait()

	assert.True(t, l.TotalSupply(usdt).Equal(d(t, "4000")), "quote supply should be conserved")
	assert.True(t, l.TotalSupply(btc).Equal(d(t, "400")), "base supply should be conserved")
}
