package cache

import (
	"sort"
	"sync"

	marketdata "marketprices/internal/domain/entity/marketdata"
)

// SortedPriceList keeps the quotes of one (region, item) pair ordered newest
// first, with at most one quote per side and calendar day.
type SortedPriceList struct {
	mu      sync.Mutex
	entries []*marketdata.Quote
}

func NewSortedPriceList() *SortedPriceList {
	return &SortedPriceList{}
}

// Store merges quote into the list. A quote for a side and day that is
// already present replaces the existing entry only when it is strictly
// newer. It reports whether the list changed.
func (l *SortedPriceList) Store(quote *marketdata.Quote) bool {
	if quote == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) == 0 {
		l.entries = append(l.entries, quote)
		return true
	}

	for i, existing := range l.entries {
		if existing == quote {
			return false
		}
		if existing.Side != quote.Side || !existing.SameDay(quote) {
			continue
		}
		if !quote.Timestamp.After(existing.Timestamp) {
			return false
		}
		// The replacement may move ahead of quotes of the other side.
		l.removeAt(i)
		break
	}

	pos := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].Timestamp.Before(quote.Timestamp)
	})
	l.entries = append(l.entries, nil)
	copy(l.entries[pos+1:], l.entries[pos:])
	l.entries[pos] = quote
	return true
}

// Latest returns the newest quote for a single side, or the newest BUY and
// the newest SELL for QueryAny.
func (l *SortedPriceList) Latest(side marketdata.QuerySide) []*marketdata.Quote {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		out  []*marketdata.Quote
		seen = map[marketdata.Side]bool{}
	)
	want := len(side.Sides())
	for _, q := range l.entries {
		if !side.Matches(q.Side) || seen[q.Side] {
			continue
		}
		seen[q.Side] = true
		out = append(out, q)
		if len(out) == want {
			break
		}
	}
	return out
}

// History returns every quote matching side in stored order.
func (l *SortedPriceList) History(side marketdata.QuerySide) []*marketdata.Quote {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*marketdata.Quote, 0, len(l.entries))
	for _, q := range l.entries {
		if side.Matches(q.Side) {
			out = append(out, q)
		}
	}
	return out
}

// Remove drops the identical stored quote. It reports whether it was found.
func (l *SortedPriceList) Remove(quote *marketdata.Quote) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, existing := range l.entries {
		if existing == quote {
			l.removeAt(i)
			return true
		}
	}
	return false
}

func (l *SortedPriceList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *SortedPriceList) removeAt(i int) {
	copy(l.entries[i:], l.entries[i+1:])
	l.entries[len(l.entries)-1] = nil
	l.entries = l.entries[:len(l.entries)-1]
}
