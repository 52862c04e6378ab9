package broker

import (
	"time"

	domain "marketprices/internal/domain/entity/marketdata"
)

// QuoteMessage carries quotes to import, usually derived from an order log.
type QuoteMessage struct {
	Quotes []domain.Quote `json:"quotes"`
}

// ChangeMessage announces which items of a region got new quotes.
type ChangeMessage struct {
	Region    domain.RegionID `json:"region"`
	Items     []domain.ItemID `json:"items"`
	ChangedAt time.Time       `json:"changed_at"`
}
