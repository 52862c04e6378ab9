package interfaces

import (
	"context"
	"time"

	marketdata "marketprices/internal/domain/entity/marketdata"
)

// RemoteQuoteClient performs one batched request against the remote quote
// service and returns the raw payload.
type RemoteQuoteClient interface {
	Send(ctx context.Context, region marketdata.RegionID, side marketdata.QuerySide, items []marketdata.ItemID) ([]byte, error)
}

// QuoteParser turns a raw remote payload into quotes grouped by item.
type QuoteParser interface {
	Parse(payload []byte) (map[marketdata.ItemID][]*marketdata.Quote, error)
}

// FallbackCallback asks an outside party (usually the user) for a quote the
// remote service could not supply. An empty result means truly unavailable.
type FallbackCallback interface {
	Resolve(ctx context.Context, filter marketdata.Filter, prompt string, item marketdata.ItemID) ([]*marketdata.Quote, error)
}

// FallbackFunc adapts a function to FallbackCallback.
type FallbackFunc func(ctx context.Context, filter marketdata.Filter, prompt string, item marketdata.ItemID) ([]*marketdata.Quote, error)

func (f FallbackFunc) Resolve(ctx context.Context, filter marketdata.Filter, prompt string, item marketdata.ItemID) ([]*marketdata.Quote, error) {
	return f(ctx, filter, prompt, item)
}

// ChangeListener is told which items of a region got new quotes.
type ChangeListener interface {
	OnPriceChanged(ctx context.Context, region marketdata.RegionID, items []marketdata.ItemID)
}

// StalenessPredicate decides whether a cached quote is too old to trust.
type StalenessPredicate interface {
	IsStale(quote *marketdata.Quote) bool
}

// QuoteArchive receives every quote written to the cache.
type QuoteArchive interface {
	AddQuotes(ctx context.Context, quotes []marketdata.Quote) error
}

// QuoteArchiveReader reads archived quotes back.
type QuoteArchiveReader interface {
	GetQuotesBetween(ctx context.Context, region marketdata.RegionID, item marketdata.ItemID, from, to time.Time) ([]marketdata.Quote, error)
}

// QuoteStore is the lazily materialized quote cache the reconciliation
// service reads and writes. Calls must come from one serialized context.
type QuoteStore interface {
	Get(region marketdata.RegionID, item marketdata.ItemID) ([]*marketdata.Quote, error)
	HistoryFor(region marketdata.RegionID, side marketdata.QuerySide, item marketdata.ItemID) ([]*marketdata.Quote, error)
	LatestBatch(region marketdata.RegionID, side marketdata.QuerySide, items []marketdata.ItemID) (map[marketdata.ItemID][]*marketdata.Quote, error)
	Store(quote *marketdata.Quote) (bool, error)
	Evict(quote *marketdata.Quote) bool
	KnownItems(region marketdata.RegionID) []marketdata.ItemID
	Flush(ctx context.Context) error
	Shutdown(ctx context.Context) error
}
