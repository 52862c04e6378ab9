// Package orderlog turns exported market order logs into quotes.
//
// A log is a CSV file with a header row. Only these columns are read, in any
// order: price, volRemaining, volEntered, typeID, regionID, bid, orderID.
package orderlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	domain "marketprices/internal/domain/entity/marketdata"
)

var requiredColumns = []string{"price", "volRemaining", "volEntered", "typeID", "regionID", "bid"}

type order struct {
	region    domain.RegionID
	item      domain.ItemID
	side      domain.Side
	price     float64
	remaining int64
	entered   int64
}

type bucket struct {
	min, max  float64
	weighted  float64
	sum       float64
	count     int64
	remaining int64
	entered   int64
}

// Aggregate reads every order of r and returns one quote per (region, item,
// side), stamped with at. Prices are rounded to whole units; avg is weighted
// by remaining volume.
func Aggregate(r io.Reader, at time.Time) ([]domain.Quote, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	index, err := columnIndex(header)
	if err != nil {
		return nil, err
	}

	buckets := make(map[bucketKey]*bucket)
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line, err)
		}
		o, err := parseOrder(row, index)
		if err != nil {
			return nil, fmt.Errorf("decode row %d: %w", line, err)
		}
		key := bucketKey{region: o.region, item: o.item, side: o.side}
		b, ok := buckets[key]
		if !ok {
			b = &bucket{min: o.price, max: o.price}
			buckets[key] = b
		}
		b.add(o)
	}

	return toQuotes(buckets, at.UTC()), nil
}

type bucketKey struct {
	region domain.RegionID
	item   domain.ItemID
	side   domain.Side
}

func (b *bucket) add(o order) {
	b.min = math.Min(b.min, o.price)
	b.max = math.Max(b.max, o.price)
	b.weighted += o.price * float64(o.remaining)
	b.sum += o.price
	b.count++
	b.remaining += o.remaining
	b.entered += o.entered
}

func (b *bucket) avg() float64 {
	if b.remaining > 0 {
		return b.weighted / float64(b.remaining)
	}
	return b.sum / float64(b.count)
}

func toQuotes(buckets map[bucketKey]*bucket, at time.Time) []domain.Quote {
	keys := make([]bucketKey, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.region != b.region {
			return a.region < b.region
		}
		if a.item != b.item {
			return a.item < b.item
		}
		return a.side < b.side
	})

	quotes := make([]domain.Quote, 0, len(keys))
	for _, key := range keys {
		b := buckets[key]
		quotes = append(quotes, domain.Quote{
			OrderID:         uuid.NewString(),
			Region:          key.region,
			Item:            key.item,
			Side:            key.side,
			Source:          domain.SourceLog,
			Timestamp:       at,
			MinPrice:        int64(math.Round(b.min)),
			AvgPrice:        int64(math.Round(b.avg())),
			MaxPrice:        int64(math.Round(b.max)),
			OrderCount:      b.count,
			RemainingVolume: b.remaining,
			TotalVolume:     b.entered,
		})
	}
	return quotes
}

func columnIndex(header []string) (map[string]int, error) {
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}
	var missing []string
	for _, name := range requiredColumns {
		if _, ok := index[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing columns: %s", strings.Join(missing, ", "))
	}
	return index, nil
}

func parseOrder(row []string, index map[string]int) (order, error) {
	field := func(name string) string {
		return strings.TrimSpace(row[index[name]])
	}

	price, err := strconv.ParseFloat(field("price"), 64)
	if err != nil || price < 0 {
		return order{}, fmt.Errorf("price %q", field("price"))
	}
	remaining, err := parseVolume(field("volRemaining"))
	if err != nil {
		return order{}, fmt.Errorf("volRemaining: %w", err)
	}
	entered, err := parseVolume(field("volEntered"))
	if err != nil {
		return order{}, fmt.Errorf("volEntered: %w", err)
	}
	item, err := strconv.ParseInt(field("typeID"), 10, 64)
	if err != nil {
		return order{}, fmt.Errorf("typeID: %w", err)
	}
	region, err := strconv.ParseInt(field("regionID"), 10, 64)
	if err != nil || region == 0 {
		return order{}, fmt.Errorf("regionID %q", field("regionID"))
	}
	bid, err := strconv.ParseBool(field("bid"))
	if err != nil {
		return order{}, fmt.Errorf("bid: %w", err)
	}

	side := domain.SideSell
	if bid {
		side = domain.SideBuy
	}
	return order{
		region:    domain.RegionID(region),
		item:      domain.ItemID(item),
		side:      side,
		price:     price,
		remaining: remaining,
		entered:   entered,
	}, nil
}

// parseVolume accepts "1200" as well as "1200.0".
func parseVolume(s string) (int64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("negative volume %q", s)
	}
	return int64(v), nil
}
