package remote

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	marketdata "marketprices/internal/domain/entity/marketdata"
)

// sideStats is one side of an item in the response:
//
//	{"34": {"buy": {"min": 4, "avg": 5, ...}, "sell": {...}}}
type sideStats struct {
	Min             int64      `json:"min"`
	Avg             int64      `json:"avg"`
	Max             int64      `json:"max"`
	OrderCount      int64      `json:"orderCount"`
	RemainingVolume int64      `json:"remainingVolume"`
	TotalVolume     int64      `json:"totalVolume"`
	UpdatedAt       *time.Time `json:"updatedAt"`
}

type itemStats struct {
	Buy  *sideStats `json:"buy"`
	Sell *sideStats `json:"sell"`
}

// Parser decodes the remote JSON response. Sides without orders are not
// usable quotes and are left out.
type Parser struct {
	now func() time.Time
}

func NewParser(now func() time.Time) *Parser {
	if now == nil {
		now = time.Now
	}
	return &Parser{now: now}
}

func (p *Parser) Parse(payload []byte) (map[marketdata.ItemID][]*marketdata.Quote, error) {
	var raw map[string]itemStats
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode quotes: %w", err)
	}

	fetchedAt := p.now().UTC().Truncate(time.Second)
	out := make(map[marketdata.ItemID][]*marketdata.Quote, len(raw))
	for key, stats := range raw {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode item id %q: %w", key, err)
		}
		item := marketdata.ItemID(id)
		if q := toQuote(item, marketdata.SideBuy, stats.Buy, fetchedAt); q != nil {
			out[item] = append(out[item], q)
		}
		if q := toQuote(item, marketdata.SideSell, stats.Sell, fetchedAt); q != nil {
			out[item] = append(out[item], q)
		}
	}
	return out, nil
}

func toQuote(item marketdata.ItemID, side marketdata.Side, stats *sideStats, fetchedAt time.Time) *marketdata.Quote {
	if stats == nil || stats.OrderCount <= 0 {
		return nil
	}
	ts := fetchedAt
	if stats.UpdatedAt != nil && !stats.UpdatedAt.IsZero() {
		ts = stats.UpdatedAt.UTC()
	}
	return &marketdata.Quote{
		OrderID:         uuid.NewString(),
		Item:            item,
		Side:            side,
		Source:          marketdata.SourceRemote,
		Timestamp:       ts,
		MinPrice:        stats.Min,
		AvgPrice:        stats.Avg,
		MaxPrice:        stats.Max,
		OrderCount:      stats.OrderCount,
		RemainingVolume: stats.RemainingVolume,
		TotalVolume:     stats.TotalVolume,
	}
}
