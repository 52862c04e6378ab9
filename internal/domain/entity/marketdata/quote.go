package marketdata

import (
	"fmt"
	"time"
)

// RegionID identifies a market region.
type RegionID int64

// ItemID identifies a traded item type.
type ItemID int64

// Quote is one price observation for an item in a region. Prices are in
// minor currency units. Region and Item must not change once the quote has
// been stored.
type Quote struct {
	OrderID         string    `json:"order_id"`
	Region          RegionID  `json:"region"`
	Item            ItemID    `json:"item"`
	Side            Side      `json:"side"`
	Source          Source    `json:"source"`
	Timestamp       time.Time `json:"timestamp"`
	MinPrice        int64     `json:"min_price"`
	AvgPrice        int64     `json:"avg_price"`
	MaxPrice        int64     `json:"max_price"`
	OrderCount      int64     `json:"order_count"`
	RemainingVolume int64     `json:"remaining_volume"`
	TotalVolume     int64     `json:"total_volume"`
}

// Validate checks the invariants every stored quote has to satisfy.
func (q *Quote) Validate() error {
	if q == nil {
		return fmt.Errorf("%w: quote is nil", ErrInvalidArgument)
	}
	if q.Region == 0 {
		return fmt.Errorf("%w: quote for item %d has no region", ErrInvalidArgument, q.Item)
	}
	if !q.Side.IsValid() {
		return fmt.Errorf("%w: quote side %q is not storable", ErrInvalidArgument, q.Side)
	}
	if q.MinPrice < 0 || q.AvgPrice < 0 || q.MaxPrice < 0 {
		return fmt.Errorf("%w: negative price for item %d", ErrInvalidArgument, q.Item)
	}
	return nil
}

// Day returns the calendar day of the quote in UTC; merges compare quotes at
// this granularity.
func (q *Quote) Day() time.Time {
	y, m, d := q.Timestamp.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SameDay reports whether both quotes fall on the same calendar day.
func (q *Quote) SameDay(other *Quote) bool {
	return q.Day().Equal(other.Day())
}

// Key identifies the (region, item) pair a quote belongs to.
func (q *Quote) Key() PairKey {
	return PairKey{Region: q.Region, Item: q.Item}
}

// PairKey is a (region, item) pair.
type PairKey struct {
	Region RegionID
	Item   ItemID
}

func (k PairKey) String() string {
	return fmt.Sprintf("%d/%d", k.Region, k.Item)
}
