package cache

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	marketdata "marketprices/internal/domain/entity/marketdata"
)

func quoteAt(side marketdata.Side, ts string, avg int64) *marketdata.Quote {
	t, err := time.Parse("2006-01-02 15:04:05", ts)
	if err != nil {
		panic(err)
	}
	return &marketdata.Quote{
		Region:    10000002,
		Item:      34,
		Side:      side,
		Source:    marketdata.SourceRemote,
		Timestamp: t,
		MinPrice:  avg,
		AvgPrice:  avg,
		MaxPrice:  avg,
	}
}

func TestSortedPriceListStoreSameDayReplacement(t *testing.T) {
	l := NewSortedPriceList()
	first := quoteAt(marketdata.SideBuy, "2024-01-01 10:00:00", 100)
	newer := quoteAt(marketdata.SideBuy, "2024-01-01 12:00:00", 110)
	older := quoteAt(marketdata.SideBuy, "2024-01-01 08:00:00", 90)

	assert.True(t, l.Store(first))
	assert.True(t, l.Store(newer))
	assert.False(t, l.Store(older))
	assert.False(t, l.Store(newer), "storing the same instance twice is a no-op")

	history := l.History(marketdata.QueryBuy)
	require.Len(t, history, 1)
	assert.Same(t, newer, history[0])
}

func TestSortedPriceListEqualTimestampKeepsExisting(t *testing.T) {
	l := NewSortedPriceList()
	a := quoteAt(marketdata.SideSell, "2024-01-01 10:00:00", 100)
	b := quoteAt(marketdata.SideSell, "2024-01-01 10:00:00", 200)
	l.Store(a)
	assert.False(t, l.Store(b))
	assert.Same(t, a, l.Latest(marketdata.QuerySell)[0])
}

func TestSortedPriceListLatest(t *testing.T) {
	l := NewSortedPriceList()
	buyOld := quoteAt(marketdata.SideBuy, "2024-01-01 10:00:00", 100)
	buyNew := quoteAt(marketdata.SideBuy, "2024-01-03 10:00:00", 105)
	sell := quoteAt(marketdata.SideSell, "2024-01-02 10:00:00", 120)
	for _, q := range []*marketdata.Quote{buyOld, sell, buyNew} {
		l.Store(q)
	}

	assert.Equal(t, []*marketdata.Quote{buyNew}, l.Latest(marketdata.QueryBuy))
	assert.Equal(t, []*marketdata.Quote{sell}, l.Latest(marketdata.QuerySell))
	assert.ElementsMatch(t, []*marketdata.Quote{buyNew, sell}, l.Latest(marketdata.QueryAny))

	empty := NewSortedPriceList()
	assert.Empty(t, empty.Latest(marketdata.QueryAny))
}

func TestSortedPriceListInterleavedSidesStayOrdered(t *testing.T) {
	l := NewSortedPriceList()
	l.Store(quoteAt(marketdata.SideBuy, "2024-01-03 10:00:00", 1))
	l.Store(quoteAt(marketdata.SideSell, "2024-01-01 10:00:00", 2))
	l.Store(quoteAt(marketdata.SideBuy, "2023-12-31 10:00:00", 3))
	l.Store(quoteAt(marketdata.SideBuy, "2024-01-02 10:00:00", 4))
	l.Store(quoteAt(marketdata.SideBuy, "2024-01-01 12:00:00", 7))
	// Same-day replacement that overtakes a quote of the other side.
	l.Store(quoteAt(marketdata.SideSell, "2024-01-01 23:00:00", 5))
	l.Store(quoteAt(marketdata.SideBuy, "2023-12-31 23:00:00", 6))

	got := l.History(marketdata.QueryAny)
	require.Len(t, got, 5)
	var avgs []int64
	for _, q := range got {
		avgs = append(avgs, q.AvgPrice)
	}
	assert.Equal(t, []int64{1, 4, 5, 7, 6}, avgs)
}

func TestSortedPriceListRemove(t *testing.T) {
	l := NewSortedPriceList()
	q := quoteAt(marketdata.SideBuy, "2024-01-01 10:00:00", 100)
	twin := quoteAt(marketdata.SideBuy, "2024-01-01 10:00:00", 100)
	l.Store(q)

	assert.False(t, l.Remove(twin), "only the identical instance is removed")
	assert.True(t, l.Remove(q))
	assert.Equal(t, 0, l.Len())
	assert.False(t, l.Remove(q))
}

func TestSortedPriceListInvariantsUnderRandomStores(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for round := 0; round < 50; round++ {
		l := NewSortedPriceList()
		newest := map[string]time.Time{}
		for i := 0; i < 60; i++ {
			side := marketdata.SideBuy
			if rng.Intn(2) == 0 {
				side = marketdata.SideSell
			}
			ts := base.Add(time.Duration(rng.Intn(5*24*60)) * time.Minute)
			l.Store(&marketdata.Quote{Region: 1, Item: 2, Side: side, Timestamp: ts})

			key := string(side) + ts.Format("2006-01-02")
			if cur, ok := newest[key]; !ok || ts.After(cur) {
				newest[key] = ts
			}
		}

		history := l.History(marketdata.QueryAny)
		seen := map[string]bool{}
		for i, q := range history {
			key := string(q.Side) + q.Timestamp.Format("2006-01-02")
			require.False(t, seen[key], "duplicate side/day %s", key)
			seen[key] = true
			assert.Equal(t, newest[key], q.Timestamp, "retained quote must be the newest of its day")
			if i > 0 {
				require.False(t, q.Timestamp.After(history[i-1].Timestamp), "history must be newest first")
			}
		}
		assert.Len(t, seen, len(newest))
	}
}

func TestSortedPriceListConcurrentStores(t *testing.T) {
	l := NewSortedPriceList()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				l.Store(&marketdata.Quote{
					Region:    1,
					Item:      2,
					Side:      marketdata.SideBuy,
					Timestamp: base.Add(time.Duration(g*100+i) * time.Second),
				})
			}
		}(g)
	}
	wg.Wait()

	history := l.History(marketdata.QueryBuy)
	require.Len(t, history, 1)
	assert.Equal(t, base.Add(799*time.Second), history[0].Timestamp)
}
