package marketdata

import (
	"time"

	domain "marketprices/internal/domain/entity/marketdata"
)

// MaxAge treats quotes at least Window old as stale.
type MaxAge struct {
	Window time.Duration
	Now    func() time.Time
}

func (m MaxAge) IsStale(quote *domain.Quote) bool {
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	return now().Sub(quote.Timestamp) >= m.Window
}
