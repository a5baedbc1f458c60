// Package types holds small wire-level codec helpers shared by feed
// consumers.
package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Time decodes the epoch timestamps found on market data feeds, which
// variously arrive as bare numbers or quoted strings in seconds,
// milliseconds, microseconds or nanoseconds. The unit is inferred from
// the digit count. It marshals back out as RFC 3339; feeds are read,
// not echoed.
type Time time.Time

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(data []byte) error {
	s := string(data)

	switch s {
	case "null", "0", `""`, `"0"`:
		*t = Time(time.Time{})
		return nil
	}

	if s[0] == '"' {
		s = s[1 : len(s)-1]
	}

	// Strip one fractional point so 1726104395.5 parses as digits;
	// anything non-numeric is rejected here rather than by ParseInt so
	// the error names the original input.
	badSyntax := false
	point := strings.IndexFunc(s, func(r rune) bool {
		if r == '.' {
			return true
		}
		badSyntax = r < '0' || r > '9'
		return badSyntax
	})
	if point != -1 {
		if badSyntax {
			return fmt.Errorf("%w for `%v`", strconv.ErrSyntax, string(data))
		}
		s = s[:point] + s[point+1:]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}

	switch len(s) {
	case 10:
		*t = Time(time.Unix(n, 0))
	case 11, 12:
		// Seconds with one or two fractional digits collapse to millis.
		*t = Time(time.UnixMilli(n * int64(math.Pow10(13-len(s)))))
	case 13:
		*t = Time(time.UnixMilli(n))
	case 14:
		// Millis with a fractional digit.
		*t = Time(time.UnixMicro(n * 100))
	case 16:
		*t = Time(time.UnixMicro(n))
	case 17:
		// Micros with a fractional digit.
		*t = Time(time.Unix(0, n*100))
	case 19:
		*t = Time(time.Unix(0, n))
	default:
		return fmt.Errorf("cannot unmarshal %s into Time", string(data))
	}
	return nil
}

// Time converts to the standard library representation.
func (t Time) Time() time.Time { return time.Time(t) }

// String implements the stringer interface.
func (t Time) String() string { return t.Time().String() }

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	return t.Time().MarshalJSON()
}
