package marketdata

import (
	"fmt"
	"strings"
)

// Side is the order side of a stored quote. Only BUY and SELL are ever stored.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) String() string {
	return string(s)
}

func (s Side) IsValid() bool {
	switch s {
	case SideBuy, SideSell:
		return true
	default:
		return false
	}
}

// QuerySide selects quotes by side. QueryAny matches both stored sides and is
// never persisted on a quote.
type QuerySide string

const (
	QueryBuy  QuerySide = "BUY"
	QuerySell QuerySide = "SELL"
	QueryAny  QuerySide = "ANY"
)

func (q QuerySide) String() string {
	return string(q)
}

func (q QuerySide) IsValid() bool {
	switch q {
	case QueryBuy, QuerySell, QueryAny:
		return true
	default:
		return false
	}
}

// Matches reports whether a stored side satisfies the query side.
func (q QuerySide) Matches(s Side) bool {
	switch q {
	case QueryAny:
		return s.IsValid()
	case QueryBuy:
		return s == SideBuy
	case QuerySell:
		return s == SideSell
	default:
		return false
	}
}

// Sides expands the query side into the stored sides it covers, BUY first.
func (q QuerySide) Sides() []Side {
	switch q {
	case QueryBuy:
		return []Side{SideBuy}
	case QuerySell:
		return []Side{SideSell}
	case QueryAny:
		return []Side{SideBuy, SideSell}
	default:
		return nil
	}
}

// Query returns the single-side query for a stored side.
func (s Side) Query() QuerySide {
	return QuerySide(s)
}

func NewQuerySide(s string) (QuerySide, error) {
	q := QuerySide(strings.ToUpper(strings.TrimSpace(s)))
	if q == "" {
		return QueryAny, nil
	}
	if !q.IsValid() {
		return "", fmt.Errorf("%w: invalid side %q", ErrInvalidArgument, s)
	}
	return q, nil
}

// Source is the provenance of a quote.
type Source string

const (
	SourceUser   Source = "USER_PROVIDED"
	SourceRemote Source = "REMOTE"
	SourceLog    Source = "DERIVED_FROM_LOG"
)

func (s Source) String() string {
	return string(s)
}

func (s Source) IsValid() bool {
	switch s {
	case SourceUser, SourceRemote, SourceLog:
		return true
	default:
		return false
	}
}
