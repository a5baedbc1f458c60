// Package currency provides the Code and Pair value types used to
// identify traded assets and symbols across the venue.
package currency

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Public errors returned by pair construction and validation.
var (
	ErrCodeEmpty        = errors.New("currency code is empty")
	ErrPairEmpty        = errors.New("currency pair is empty")
	ErrPairNotDelimited = errors.New("currency pair string has no delimiter")
)

// delimiters accepted when parsing a symbol string, checked in order.
var delimiters = []string{"-", "_", "/"}

// Code is an upper-case currency identifier such as BTC or USDT.
type Code string

// NewCode returns a normalised Code from s.
func NewCode(s string) Code {
	return Code(strings.ToUpper(strings.TrimSpace(s)))
}

// String implements fmt.Stringer.
func (c Code) String() string { return string(c) }

// IsEmpty returns true when the code holds no value.
func (c Code) IsEmpty() bool { return c == "" }

// Equal compares two codes case-insensitively.
func (c Code) Equal(o Code) bool {
	return strings.EqualFold(string(c), string(o))
}

// Pair is a base/quote symbol, e.g. BTC-USDT. Delimiter is retained so
// the pair renders back in the form it was configured with.
type Pair struct {
	Delimiter string `json:"delimiter,omitempty"`
	Base      Code   `json:"base"`
	Quote     Code   `json:"quote"`
}

// NewPair returns a Pair from base and quote codes using the default
// "-" delimiter.
func NewPair(base, quote Code) Pair {
	return Pair{Base: base, Quote: quote, Delimiter: "-"}
}

// NewPairFromString parses a delimited symbol string such as
// "BTC-USDT" or "eth_usdt" into a Pair.
func NewPairFromString(symbol string) (Pair, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return Pair{}, ErrPairEmpty
	}
	for _, d := range delimiters {
		if !strings.Contains(symbol, d) {
			continue
		}
		parts := strings.SplitN(symbol, d, 2)
		base, quote := NewCode(parts[0]), NewCode(parts[1])
		if base.IsEmpty() || quote.IsEmpty() {
			return Pair{}, fmt.Errorf("%w: %q", ErrCodeEmpty, symbol)
		}
		return Pair{Base: base, Quote: quote, Delimiter: d}, nil
	}
	return Pair{}, fmt.Errorf("%w: %q", ErrPairNotDelimited, symbol)
}

// String implements fmt.Stringer, rendering the pair with its
// delimiter ("-" when none was set).
func (p Pair) String() string {
	d := p.Delimiter
	if d == "" {
		d = "-"
	}
	return p.Base.String() + d + p.Quote.String()
}

// IsEmpty returns true when either side of the pair is unset.
func (p Pair) IsEmpty() bool {
	return p.Base.IsEmpty() || p.Quote.IsEmpty()
}

// Equal compares both sides of the pair, ignoring the delimiter.
func (p Pair) Equal(o Pair) bool {
	return p.Base.Equal(o.Base) && p.Quote.Equal(o.Quote)
}

// MarshalJSON renders the pair as its delimited string form.
func (p Pair) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON parses either a delimited string or the object form.
func (p *Pair) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := NewPairFromString(s)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	}
	type rawPair Pair
	var raw rawPair
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Pair(raw)
	return nil
}
