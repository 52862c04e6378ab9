package cache

import (
	"fmt"
	"sort"
	"sync"

	marketdata "marketprices/internal/domain/entity/marketdata"
)

// PriceCache indexes sorted price lists by region and item. The region map
// lock only guards the index; each list serializes its own writes.
type PriceCache struct {
	mu      sync.RWMutex
	regions map[marketdata.RegionID]map[marketdata.ItemID]*SortedPriceList
}

func New() *PriceCache {
	return &PriceCache{
		regions: make(map[marketdata.RegionID]map[marketdata.ItemID]*SortedPriceList),
	}
}

// Latest returns the newest quotes of the pair for side. ok is false when the
// pair has never been written.
func (c *PriceCache) Latest(region marketdata.RegionID, item marketdata.ItemID, side marketdata.QuerySide) ([]*marketdata.Quote, bool) {
	list := c.list(region, item)
	if list == nil {
		return nil, false
	}
	return list.Latest(side), true
}

// Store merges quote into the list of its pair, creating the region map and
// list on first write.
func (c *PriceCache) Store(quote *marketdata.Quote) (bool, error) {
	if err := quote.Validate(); err != nil {
		return false, err
	}
	return c.listOrCreate(quote.Region, quote.Item).Store(quote), nil
}

// StoreBatch stores quotes that must all belong to (region, item).
func (c *PriceCache) StoreBatch(region marketdata.RegionID, item marketdata.ItemID, quotes []*marketdata.Quote) error {
	for _, q := range quotes {
		if q == nil {
			return fmt.Errorf("%w: nil quote in batch for %d/%d", marketdata.ErrInvalidArgument, region, item)
		}
		if q.Region != region || q.Item != item {
			return fmt.Errorf("%w: quote for %d/%d in batch for %d/%d",
				marketdata.ErrInvalidArgument, q.Region, q.Item, region, item)
		}
	}
	for _, q := range quotes {
		if _, err := c.Store(q); err != nil {
			return err
		}
	}
	return nil
}

// History returns all quotes of the pair matching side, newest first.
func (c *PriceCache) History(region marketdata.RegionID, side marketdata.QuerySide, item marketdata.ItemID) []*marketdata.Quote {
	list := c.list(region, item)
	if list == nil {
		return nil
	}
	return list.History(side)
}

// Evict removes quote from its pair list, if that list exists.
func (c *PriceCache) Evict(quote *marketdata.Quote) bool {
	if quote == nil {
		return false
	}
	list := c.list(quote.Region, quote.Item)
	if list == nil {
		return false
	}
	return list.Remove(quote)
}

// LatestForItems is the batched form of Latest. Items never written for the
// region are left out of the result.
func (c *PriceCache) LatestForItems(region marketdata.RegionID, side marketdata.QuerySide, items []marketdata.ItemID) map[marketdata.ItemID][]*marketdata.Quote {
	c.mu.RLock()
	lists := make(map[marketdata.ItemID]*SortedPriceList, len(items))
	if byItem, ok := c.regions[region]; ok {
		for _, item := range items {
			if list, ok := byItem[item]; ok {
				lists[item] = list
			}
		}
	}
	c.mu.RUnlock()

	out := make(map[marketdata.ItemID][]*marketdata.Quote, len(lists))
	for item, list := range lists {
		out[item] = list.Latest(side)
	}
	return out
}

// KnownItems returns the items of region that hold at least one quote,
// sorted ascending.
func (c *PriceCache) KnownItems(region marketdata.RegionID) []marketdata.ItemID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var items []marketdata.ItemID
	for item, list := range c.regions[region] {
		if list.Len() > 0 {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })
	return items
}

// Regions returns every region with a map in the cache, sorted ascending.
func (c *PriceCache) Regions() []marketdata.RegionID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	regions := make([]marketdata.RegionID, 0, len(c.regions))
	for region := range c.regions {
		regions = append(regions, region)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i] < regions[j] })
	return regions
}

func (c *PriceCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regions = make(map[marketdata.RegionID]map[marketdata.ItemID]*SortedPriceList)
}

func (c *PriceCache) list(region marketdata.RegionID, item marketdata.ItemID) *SortedPriceList {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.regions[region][item]
}

func (c *PriceCache) listOrCreate(region marketdata.RegionID, item marketdata.ItemID) *SortedPriceList {
	if list := c.list(region, item); list != nil {
		return list
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	byItem, ok := c.regions[region]
	if !ok {
		byItem = make(map[marketdata.ItemID]*SortedPriceList)
		c.regions[region] = byItem
	}
	list, ok := byItem[item]
	if !ok {
		list = NewSortedPriceList()
		byItem[item] = list
	}
	return list
}
