// Package ledger implements the venue asset ledger: per-user,
// per-currency balances with freeze, unfreeze and atomic trade
// settlement. All amounts are exact decimals; there is no floating
// point anywhere on the balance path.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/openclob/venue/currency"
)

// FeeAccountID is the reserved venue account credited with trade fees.
const FeeAccountID int64 = 0

// Public errors. ErrInvariant wraps conditions that indicate the ledger
// and the order book have diverged; callers treat it as fatal for the
// affected symbol.
var (
	ErrInsufficientFunds = errors.New("insufficient available balance")
	ErrOverUnfreeze      = errors.New("unfreeze exceeds frozen balance")
	ErrInvariant         = errors.New("ledger invariant violation")

	errAmountNotPositive = errors.New("amount must be positive")
	errCurrencyEmpty     = errors.New("currency code is empty")
	errFeeRateInvalid    = errors.New("fee rate must be in [0, 1)")
	errSelfSettle        = errors.New("buyer and seller are the same user")
)

// accountKey identifies one balance bucket.
type accountKey struct {
	userID int64
	code   currency.Code
}

// account holds a single user/currency balance. Each account carries
// its own lock so activity on one user never serialises another.
type account struct {
	m         sync.Mutex
	key       accountKey
	available decimal.Decimal
	frozen    decimal.Decimal
}

// Balance is a read-only snapshot of one account.
type Balance struct {
	UserID    int64           `json:"userId"`
	Currency  currency.Code   `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Frozen    decimal.Decimal `json:"frozen"`
}

// SettleParams carries one trade's settlement legs.
type SettleParams struct {
	BuyerID      int64
	SellerID     int64
	Base         currency.Code
	Quote        currency.Code
	Qty          decimal.Decimal
	Price        decimal.Decimal
	TakerIsBuyer bool
}

// Ledger owns all venue balances. The struct lock guards only the
// account map; balance mutation locks individual accounts.
type Ledger struct {
	m        sync.RWMutex
	accounts map[accountKey]*account

	makerFeeRate decimal.Decimal
	takerFeeRate decimal.Decimal
}

// New returns an empty ledger with zero fee rates.
func New() *Ledger {
	return &Ledger{accounts: make(map[accountKey]*account)}
}

// SetFeeRates configures flat maker and taker fee rates applied at
// settlement. Fees accrue to the venue fee account.
func (l *Ledger) SetFeeRates(maker, taker decimal.Decimal) error {
	one := decimal.NewFromInt(1)
	if maker.IsNegative() || taker.IsNegative() ||
		maker.GreaterThanOrEqual(one) || taker.GreaterThanOrEqual(one) {
		return fmt.Errorf("%w: maker %s taker %s", errFeeRateInvalid, maker, taker)
	}
	l.m.Lock()
	l.makerFeeRate = maker
	l.takerFeeRate = taker
	l.m.Unlock()
	return nil
}

// getOrCreate returns the account for key, creating it lazily.
func (l *Ledger) getOrCreate(key accountKey) *account {
	l.m.RLock()
	a, ok := l.accounts[key]
	l.m.RUnlock()
	if ok {
		return a
	}
	l.m.Lock()
	defer l.m.Unlock()
	if a, ok = l.accounts[key]; ok {
		return a
	}
	a = &account{key: key}
	l.accounts[key] = a
	return a
}

// lockAll locks the given accounts in canonical (userID, currency)
// order so concurrent settlements cannot deadlock. The returned
// function releases them in reverse order.
func lockAll(accs ...*account) func() {
	uniq := make([]*account, 0, len(accs))
seen:
	for _, a := range accs {
		for _, u := range uniq {
			if u == a {
				continue seen
			}
		}
		uniq = append(uniq, a)
	}
	sort.Slice(uniq, func(i, j int) bool {
		if uniq[i].key.userID != uniq[j].key.userID {
			return uniq[i].key.userID < uniq[j].key.userID
		}
		return uniq[i].key.code < uniq[j].key.code
	})
	for _, a := range uniq {
		a.m.Lock()
	}
	return func() {
		for i := len(uniq) - 1; i >= 0; i-- {
			uniq[i].m.Unlock()
		}
	}
}

// Deposit credits available funds. Used at bootstrap and by tests.
func (l *Ledger) Deposit(userID int64, code currency.Code, amount decimal.Decimal) error {
	if code.IsEmpty() {
		return errCurrencyEmpty
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: deposit %s", errAmountNotPositive, amount)
	}
	a := l.getOrCreate(accountKey{userID: userID, code: code})
	a.m.Lock()
	a.available = a.available.Add(amount)
	a.m.Unlock()
	return nil
}

// Freeze moves amount from available to frozen, failing with
// ErrInsufficientFunds when available is short. No partial effect.
func (l *Ledger) Freeze(userID int64, code currency.Code, amount decimal.Decimal) error {
	if code.IsEmpty() {
		return errCurrencyEmpty
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: freeze %s", errAmountNotPositive, amount)
	}
	a := l.getOrCreate(accountKey{userID: userID, code: code})
	a.m.Lock()
	defer a.m.Unlock()
	if a.available.LessThan(amount) {
		return fmt.Errorf("%w: user %d %s available %s need %s",
			ErrInsufficientFunds, userID, code, a.available, amount)
	}
	a.available = a.available.Sub(amount)
	a.frozen = a.frozen.Add(amount)
	return nil
}

// Unfreeze reverses a freeze. The frozen component clamps at zero; an
// over-unfreeze still applies the clamped movement but reports
// ErrOverUnfreeze so the caller can raise an alarm.
func (l *Ledger) Unfreeze(userID int64, code currency.Code, amount decimal.Decimal) error {
	if code.IsEmpty() {
		return errCurrencyEmpty
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: unfreeze %s", errAmountNotPositive, amount)
	}
	a := l.getOrCreate(accountKey{userID: userID, code: code})
	a.m.Lock()
	defer a.m.Unlock()
	if a.frozen.LessThan(amount) {
		moved := a.frozen
		a.frozen = decimal.Zero
		a.available = a.available.Add(moved)
		return fmt.Errorf("%w: user %d %s frozen %s requested %s",
			ErrOverUnfreeze, userID, code, moved, amount)
	}
	a.frozen = a.frozen.Sub(amount)
	a.available = a.available.Add(amount)
	return nil
}

// Settle commits one trade: the buyer's frozen quote pays the seller,
// the seller's frozen base delivers to the buyer, with optional flat
// fees diverted to the venue fee account. All legs commit under the
// account-pair lock or none do; a frozen shortfall means the book and
// ledger have diverged and returns an ErrInvariant wrap with no state
// change.
func (l *Ledger) Settle(p SettleParams) error {
	if p.BuyerID == p.SellerID {
		return fmt.Errorf("%w: %w: user %d", ErrInvariant, errSelfSettle, p.BuyerID)
	}
	if p.Base.IsEmpty() || p.Quote.IsEmpty() {
		return errCurrencyEmpty
	}
	if !p.Qty.IsPositive() || !p.Price.IsPositive() {
		return fmt.Errorf("%w: qty %s price %s", errAmountNotPositive, p.Qty, p.Price)
	}

	notional := p.Qty.Mul(p.Price)

	l.m.RLock()
	makerRate, takerRate := l.makerFeeRate, l.takerFeeRate
	l.m.RUnlock()
	buyerRate, sellerRate := makerRate, takerRate
	if p.TakerIsBuyer {
		buyerRate, sellerRate = takerRate, makerRate
	}
	buyerFee := p.Qty.Mul(buyerRate)      // charged on base received
	sellerFee := notional.Mul(sellerRate) // charged on quote received
	chargeFees := buyerFee.IsPositive() || sellerFee.IsPositive()

	buyerQuote := l.getOrCreate(accountKey{userID: p.BuyerID, code: p.Quote})
	buyerBase := l.getOrCreate(accountKey{userID: p.BuyerID, code: p.Base})
	sellerBase := l.getOrCreate(accountKey{userID: p.SellerID, code: p.Base})
	sellerQuote := l.getOrCreate(accountKey{userID: p.SellerID, code: p.Quote})

	locked := []*account{buyerQuote, buyerBase, sellerBase, sellerQuote}
	var feeBase, feeQuote *account
	if chargeFees {
		feeBase = l.getOrCreate(accountKey{userID: FeeAccountID, code: p.Base})
		feeQuote = l.getOrCreate(accountKey{userID: FeeAccountID, code: p.Quote})
		locked = append(locked, feeBase, feeQuote)
	}
	unlock := lockAll(locked...)
	defer unlock()

	if buyerQuote.frozen.LessThan(notional) {
		return fmt.Errorf("%w: buyer %d frozen %s %s short of notional %s",
			ErrInvariant, p.BuyerID, p.Quote, buyerQuote.frozen, notional)
	}
	if sellerBase.frozen.LessThan(p.Qty) {
		return fmt.Errorf("%w: seller %d frozen %s %s short of qty %s",
			ErrInvariant, p.SellerID, p.Base, sellerBase.frozen, p.Qty)
	}

	buyerQuote.frozen = buyerQuote.frozen.Sub(notional)
	buyerBase.available = buyerBase.available.Add(p.Qty.Sub(buyerFee))
	sellerBase.frozen = sellerBase.frozen.Sub(p.Qty)
	sellerQuote.available = sellerQuote.available.Add(notional.Sub(sellerFee))
	if chargeFees {
		feeBase.available = feeBase.available.Add(buyerFee)
		feeQuote.available = feeQuote.available.Add(sellerFee)
	}
	return nil
}

// Snapshot returns the user's balances sorted by currency.
func (l *Ledger) Snapshot(userID int64) []Balance {
	l.m.RLock()
	accs := make([]*account, 0, 4)
	for key, a := range l.accounts {
		if key.userID == userID {
			accs = append(accs, a)
		}
	}
	l.m.RUnlock()

	out := make([]Balance, 0, len(accs))
	for _, a := range accs {
		a.m.Lock()
		out = append(out, Balance{
			UserID:    a.key.userID,
			Currency:  a.key.code,
			Available: a.available,
			Frozen:    a.frozen,
		})
		a.m.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

// Available returns the user's available balance for code.
func (l *Ledger) Available(userID int64, code currency.Code) decimal.Decimal {
	a := l.getOrCreate(accountKey{userID: userID, code: code})
	a.m.Lock()
	defer a.m.Unlock()
	return a.available
}

// Frozen returns the user's frozen balance for code.
func (l *Ledger) Frozen(userID int64, code currency.Code) decimal.Decimal {
	a := l.getOrCreate(accountKey{userID: userID, code: code})
	a.m.Lock()
	defer a.m.Unlock()
	return a.frozen
}

// TotalSupply sums available plus frozen across every account holding
// code, including the fee account. Freeze, unfreeze and settle all
// conserve this quantity.
func (l *Ledger) TotalSupply(code currency.Code) decimal.Decimal {
	l.m.RLock()
	accs := make([]*account, 0, len(l.accounts))
	for key, a := range l.accounts {
		if key.code == code {
			accs = append(accs, a)
		}
	}
	l.m.RUnlock()

	total := decimal.Zero
	for _, a := range accs {
		a.m.Lock()
		total = total.Add(a.available).Add(a.frozen)
		a.m.Unlock()
	}
	return total
}
