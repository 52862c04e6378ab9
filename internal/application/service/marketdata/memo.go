package marketdata

import (
	"sync"
	"time"

	domain "marketprices/internal/domain/entity/marketdata"
)

// Cooldown is how long an item the remote service had no quote for is kept
// out of remote batches.
const Cooldown = 2 * time.Hour

// NegativeResultMemo remembers when the remote service last had nothing for
// an item under a filter key. It only gates remote fetches, never cache reads.
type NegativeResultMemo struct {
	mu       sync.Mutex
	cooldown time.Duration
	now      func() time.Time
	marks    map[domain.FilterKey]map[domain.ItemID]time.Time
}

// NewNegativeResultMemo builds a memo. A negative cooldown selects Cooldown
// and a nil clock selects time.Now.
func NewNegativeResultMemo(cooldown time.Duration, now func() time.Time) *NegativeResultMemo {
	if cooldown < 0 {
		cooldown = Cooldown
	}
	if now == nil {
		now = time.Now
	}
	return &NegativeResultMemo{
		cooldown: cooldown,
		now:      now,
		marks:    make(map[domain.FilterKey]map[domain.ItemID]time.Time),
	}
}

func (m *NegativeResultMemo) IsMarkedMissing(key domain.FilterKey, item domain.ItemID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.marks[key][item]
	return ok
}

func (m *NegativeResultMemo) MarkMissing(key domain.FilterKey, item domain.ItemID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byItem, ok := m.marks[key]
	if !ok {
		byItem = make(map[domain.ItemID]time.Time)
		m.marks[key] = byItem
	}
	byItem[item] = m.now()
}

func (m *NegativeResultMemo) ClearMissing(key domain.FilterKey, item domain.ItemID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byItem, ok := m.marks[key]
	if !ok {
		return
	}
	delete(byItem, item)
	if len(byItem) == 0 {
		delete(m.marks, key)
	}
}

// MayRetry reports whether item may join a remote batch again.
func (m *NegativeResultMemo) MayRetry(key domain.FilterKey, item domain.ItemID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	markedAt, ok := m.marks[key][item]
	if !ok {
		return true
	}
	return m.now().Sub(markedAt) >= m.cooldown
}
