package marketdata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "marketprices/internal/domain/entity/marketdata"
	"marketprices/internal/domain/interfaces"
	"marketprices/internal/infrastructure/cache"
	"marketprices/internal/infrastructure/filestore"
)

const (
	regionA domain.RegionID = 10000002
	itemX   domain.ItemID   = 34
	itemY   domain.ItemID   = 35
)

type fakeClient struct {
	mu    sync.Mutex
	calls [][]domain.ItemID
	err   error
}

func (c *fakeClient) Send(_ context.Context, _ domain.RegionID, _ domain.QuerySide, items []domain.ItemID) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, append([]domain.ItemID(nil), items...))
	if c.err != nil {
		return nil, c.err
	}
	return []byte("payload"), nil
}

func (c *fakeClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// fakeParser hands out fresh copies so the engine may stamp them.
type fakeParser struct {
	quotes map[domain.ItemID][]domain.Quote
	err    error
}

func (p *fakeParser) Parse([]byte) (map[domain.ItemID][]*domain.Quote, error) {
	if p.err != nil {
		return nil, p.err
	}
	out := make(map[domain.ItemID][]*domain.Quote, len(p.quotes))
	for item, quotes := range p.quotes {
		for _, q := range quotes {
			out[item] = append(out[item], &q)
		}
	}
	return out, nil
}

type change struct {
	region domain.RegionID
	items  []domain.ItemID
}

type recordingListener struct {
	mu      sync.Mutex
	changes []change
}

func (l *recordingListener) OnPriceChanged(_ context.Context, region domain.RegionID, items []domain.ItemID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, change{region: region, items: items})
}

type recordingArchive struct {
	mu     sync.Mutex
	quotes []domain.Quote
}

func (a *recordingArchive) AddQuotes(_ context.Context, quotes []domain.Quote) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quotes = append(a.quotes, quotes...)
	return nil
}

type harness struct {
	svc      *Service
	client   *fakeClient
	parser   *fakeParser
	listener *recordingListener
	archive  *recordingArchive
	clock    *fakeClock
	fs       afero.Fs
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		client:   &fakeClient{},
		parser:   &fakeParser{quotes: map[domain.ItemID][]domain.Quote{}},
		listener: &recordingListener{},
		archive:  &recordingArchive{},
		clock:    newFakeClock(),
		fs:       afero.NewMemMapFs(),
	}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store := filestore.New("/data", cache.New(), filestore.WithFs(h.fs), filestore.WithLogger(logger))
	base := []Option{
		WithLogger(logger),
		WithMemo(NewNegativeResultMemo(Cooldown, h.clock.Now)),
		WithListener(h.listener),
		WithArchive(h.archive),
	}
	h.svc = NewService(store, h.client, h.parser, MaxAge{Window: 24 * time.Hour, Now: h.clock.Now}, append(base, opts...)...)
	t.Cleanup(func() { _ = h.svc.Shutdown(context.Background()) })
	return h
}

func remoteQuote(item domain.ItemID, side domain.Side, ts time.Time, avg int64) domain.Quote {
	return domain.Quote{
		OrderID:   "r-" + string(side),
		Item:      item,
		Side:      side,
		Timestamp: ts,
		MinPrice:  avg,
		AvgPrice:  avg,
		MaxPrice:  avg,
	}
}

func anyFilter(policy domain.PolicyKind) domain.Filter {
	return domain.Filter{Region: regionA, Side: domain.QueryAny, Policy: policy}
}

func TestReconcileMergesRemoteQuotes(t *testing.T) {
	h := newHarness(t)
	day := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	h.parser.quotes[itemX] = []domain.Quote{
		remoteQuote(itemX, domain.SideBuy, day, 100),
		remoteQuote(itemX, domain.SideSell, day, 120),
	}
	ctx := context.Background()

	res, err := h.svc.Reconcile(ctx, Request{Filter: anyFilter(domain.PolicyMissing), Items: []domain.ItemID{itemX}})
	require.NoError(t, err)
	require.Len(t, res[itemX], 2)
	assert.Equal(t, 1, h.client.Calls())

	buy, err := h.svc.Latest(ctx, regionA, domain.QueryBuy, []domain.ItemID{itemX})
	require.NoError(t, err)
	assert.Equal(t, int64(100), buy[itemX][0].AvgPrice)
	assert.Equal(t, regionA, buy[itemX][0].Region)
	assert.Equal(t, domain.SourceRemote, buy[itemX][0].Source)
	sell, err := h.svc.Latest(ctx, regionA, domain.QuerySell, []domain.ItemID{itemX})
	require.NoError(t, err)
	assert.Equal(t, int64(120), sell[itemX][0].AvgPrice)

	require.Len(t, h.listener.changes, 1)
	assert.Equal(t, change{region: regionA, items: []domain.ItemID{itemX}}, h.listener.changes[0])
	assert.Len(t, h.archive.quotes, 2)

	sameDay := &domain.Quote{Region: regionA, Item: itemX, Side: domain.SideBuy, Timestamp: day.Add(time.Hour), AvgPrice: 110}
	nextDay := &domain.Quote{Region: regionA, Item: itemX, Side: domain.SideBuy, Timestamp: day.Add(24 * time.Hour), AvgPrice: 90}
	written, err := h.svc.Import(ctx, []*domain.Quote{sameDay, nextDay})
	require.NoError(t, err)
	assert.Equal(t, 2, written)
	assert.Equal(t, domain.SourceLog, sameDay.Source)
	assert.NotEmpty(t, sameDay.OrderID)

	history, err := h.svc.History(ctx, regionA, itemX, domain.QueryBuy)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(90), history[0].AvgPrice)
	assert.Equal(t, int64(110), history[1].AvgPrice)
	assert.Len(t, h.listener.changes, 2)
}

func TestReconcileSkipsFetchWhenCacheSatisfies(t *testing.T) {
	h := newHarness(t)
	h.parser.quotes[itemX] = []domain.Quote{
		remoteQuote(itemX, domain.SideBuy, h.clock.Now(), 100),
		remoteQuote(itemX, domain.SideSell, h.clock.Now(), 120),
	}
	req := Request{Filter: anyFilter(domain.PolicyMissingOrOutdated), Items: []domain.ItemID{itemX}}

	_, err := h.svc.Reconcile(context.Background(), req)
	require.NoError(t, err)
	res, err := h.svc.Reconcile(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, h.client.Calls())
	assert.Len(t, res[itemX], 2)
	assert.Len(t, h.listener.changes, 1)
}

func TestReconcileOnlyNewestRemoteQuotePerSide(t *testing.T) {
	h := newHarness(t)
	day := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	h.parser.quotes[itemX] = []domain.Quote{
		remoteQuote(itemX, domain.SideBuy, day, 100),
		remoteQuote(itemX, domain.SideBuy, day.Add(-48*time.Hour), 80),
		remoteQuote(itemX, domain.SideSell, day, 120),
	}

	res, err := h.svc.Reconcile(context.Background(), Request{
		Filter: domain.Filter{Region: regionA, Side: domain.QueryBuy, Policy: domain.PolicyAll},
		Items:  []domain.ItemID{itemX},
	})
	require.NoError(t, err)
	require.Len(t, res[itemX], 1)
	assert.Equal(t, int64(100), res[itemX][0].AvgPrice)

	history, err := h.svc.History(context.Background(), regionA, itemX, domain.QueryAny)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.SideBuy, history[0].Side)
}

func TestReconcileUnavailableItemIsMemoized(t *testing.T) {
	h := newHarness(t)
	req := Request{Filter: anyFilter(domain.PolicyMissing), Items: []domain.ItemID{itemY}}

	_, err := h.svc.Reconcile(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrPriceUnavailable)
	var unavailable *domain.PriceUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, itemY, unavailable.Item)
	assert.Equal(t, 1, h.client.Calls())

	h.clock.Advance(time.Hour)
	res, err := h.svc.Reconcile(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, res[itemY])
	assert.Equal(t, 1, h.client.Calls())

	h.clock.Advance(time.Hour)
	_, err = h.svc.Reconcile(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrPriceUnavailable)
	assert.Equal(t, 2, h.client.Calls())
	assert.Empty(t, h.listener.changes)
}

func TestReconcilePartialUnavailable(t *testing.T) {
	h := newHarness(t)
	h.parser.quotes[itemX] = []domain.Quote{remoteQuote(itemX, domain.SideBuy, h.clock.Now(), 100)}

	res, err := h.svc.Reconcile(context.Background(), Request{
		Filter: domain.Filter{Region: regionA, Side: domain.QueryBuy, Policy: domain.PolicyMissing},
		Items:  []domain.ItemID{itemX, itemY, itemX},
	})
	require.ErrorIs(t, err, domain.ErrPriceUnavailable)
	require.Len(t, h.client.calls, 1)
	assert.Equal(t, []domain.ItemID{itemX, itemY}, h.client.calls[0])
	require.Len(t, res[itemX], 1)
	assert.Empty(t, res[itemY])
	require.Len(t, h.listener.changes, 1)
	assert.Equal(t, []domain.ItemID{itemX}, h.listener.changes[0].items)
}

func TestReconcileUsesFallback(t *testing.T) {
	h := newHarness(t)
	var prompts []string
	fallback := interfaces.FallbackFunc(func(_ context.Context, f domain.Filter, prompt string, item domain.ItemID) ([]*domain.Quote, error) {
		prompts = append(prompts, prompt)
		return []*domain.Quote{
			{Side: domain.SideBuy, AvgPrice: 55, Timestamp: h.clock.Now()},
			{Side: domain.SideSell, AvgPrice: 60, Timestamp: h.clock.Now()},
		}, nil
	})

	res, err := h.svc.Reconcile(context.Background(), Request{
		Filter:   domain.Filter{Region: regionA, Side: domain.QueryBuy, Policy: domain.PolicyMissing},
		Items:    []domain.ItemID{itemY},
		Prompt:   "price for tritanium",
		Fallback: fallback,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"price for tritanium"}, prompts)
	require.Len(t, res[itemY], 1)
	q := res[itemY][0]
	assert.Equal(t, int64(55), q.AvgPrice)
	assert.Equal(t, domain.SourceUser, q.Source)
	assert.Equal(t, regionA, q.Region)
	assert.NotEmpty(t, q.OrderID)
	assert.Len(t, h.listener.changes, 1)

	// the remote miss is still remembered
	_, err = h.svc.Reconcile(context.Background(), Request{
		Filter: domain.Filter{Region: regionA, Side: domain.QueryBuy, Policy: domain.PolicyAll},
		Items:  []domain.ItemID{itemY},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, h.client.Calls())
}

func TestReconcileFallbackErrorMeansUnavailable(t *testing.T) {
	h := newHarness(t, WithFallback(interfaces.FallbackFunc(func(context.Context, domain.Filter, string, domain.ItemID) ([]*domain.Quote, error) {
		return nil, errors.New("dialog closed")
	})))

	_, err := h.svc.Reconcile(context.Background(), Request{Filter: anyFilter(domain.PolicyAll), Items: []domain.ItemID{itemY}})
	require.ErrorIs(t, err, domain.ErrPriceUnavailable)
}

func TestReconcileTransportFailure(t *testing.T) {
	h := newHarness(t)
	h.client.err = errors.New("connection refused")

	res, err := h.svc.Reconcile(context.Background(), Request{Filter: anyFilter(domain.PolicyAll), Items: []domain.ItemID{itemX}})
	require.ErrorIs(t, err, domain.ErrTransport)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Nil(t, res)
	assert.Empty(t, h.listener.changes)
	assert.False(t, h.svc.memo.IsMarkedMissing(anyFilter(domain.PolicyAll).Key(), itemX))
}

func TestReconcileMalformedResponse(t *testing.T) {
	h := newHarness(t)
	h.parser.err = errors.New("unexpected token")

	_, err := h.svc.Reconcile(context.Background(), Request{Filter: anyFilter(domain.PolicyAll), Items: []domain.ItemID{itemX}})
	require.ErrorIs(t, err, domain.ErrMalformedResponse)
	assert.NotErrorIs(t, err, domain.ErrTransport)
}

func TestReconcileOffline(t *testing.T) {
	h := newHarness(t, WithOffline(true))
	assert.True(t, h.svc.Offline())

	res, err := h.svc.Reconcile(context.Background(), Request{Filter: anyFilter(domain.PolicyAll), Items: []domain.ItemID{itemX}})
	require.NoError(t, err)
	assert.Empty(t, res[itemX])
	assert.Zero(t, h.client.Calls())

	h.svc.SetOffline(false)
	_, err = h.svc.Reconcile(context.Background(), Request{Filter: anyFilter(domain.PolicyAll), Items: []domain.ItemID{itemX}})
	require.ErrorIs(t, err, domain.ErrPriceUnavailable)
	assert.Equal(t, 1, h.client.Calls())
}

func TestReconcileInvalidFilter(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Reconcile(context.Background(), Request{Filter: domain.Filter{Side: domain.QueryAny, Policy: domain.PolicyAll}})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = h.svc.Reconcile(context.Background(), Request{Filter: domain.Filter{Region: regionA, Side: domain.QueryAny, Policy: "never"}})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestReconcileCorruptedFileDoesNotAbort(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, afero.WriteFile(h.fs, "/data/10000002/34.csv", []byte("not,a,price"), 0o644))
	h.parser.quotes[itemX] = []domain.Quote{remoteQuote(itemX, domain.SideBuy, h.clock.Now(), 100)}

	res, err := h.svc.Reconcile(context.Background(), Request{
		Filter: domain.Filter{Region: regionA, Side: domain.QueryBuy, Policy: domain.PolicyMissing},
		Items:  []domain.ItemID{itemX},
	})
	require.NoError(t, err)
	require.Len(t, res[itemX], 1)
	assert.Equal(t, int64(100), res[itemX][0].AvgPrice)
}

func TestImportRejectsInvalidQuotes(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Import(context.Background(), []*domain.Quote{{Item: itemX, Side: domain.SideBuy}})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Empty(t, h.listener.changes)
}

func TestImportClearsNegativeResult(t *testing.T) {
	h := newHarness(t)
	req := Request{Filter: anyFilter(domain.PolicyMissing), Items: []domain.ItemID{itemY}}
	_, err := h.svc.Reconcile(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrPriceUnavailable)

	_, err = h.svc.Import(context.Background(), []*domain.Quote{{
		Region: regionA, Item: itemY, Side: domain.SideSell, Timestamp: h.clock.Now(), AvgPrice: 7,
	}})
	require.NoError(t, err)
	assert.False(t, h.svc.memo.IsMarkedMissing(req.Filter.Key(), itemY))
}

func TestServiceQueriesAndShutdown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := &domain.Quote{Region: regionA, Item: itemX, Side: domain.SideBuy, Timestamp: h.clock.Now(), AvgPrice: 7}
	_, err := h.svc.Import(ctx, []*domain.Quote{q})
	require.NoError(t, err)

	known, err := h.svc.KnownItems(ctx, regionA)
	require.NoError(t, err)
	assert.Equal(t, []domain.ItemID{itemX}, known)

	require.NoError(t, h.svc.Flush(ctx))
	exists, err := afero.Exists(h.fs, "/data/10000002/34.csv")
	require.NoError(t, err)
	assert.True(t, exists)

	removed, err := h.svc.Evict(ctx, q)
	require.NoError(t, err)
	assert.True(t, removed)
	known, err = h.svc.KnownItems(ctx, regionA)
	require.NoError(t, err)
	assert.Empty(t, known)

	_, err = h.svc.History(ctx, regionA, itemX, "BOTH")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	require.NoError(t, h.svc.Shutdown(ctx))
	_, err = h.svc.KnownItems(ctx, regionA)
	assert.ErrorIs(t, err, ErrExecutorClosed)
}

func TestServiceEvictNotifiesListeners(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := &domain.Quote{Region: regionA, Item: itemX, Side: domain.SideBuy, Timestamp: h.clock.Now(), AvgPrice: 7}
	_, err := h.svc.Import(ctx, []*domain.Quote{q})
	require.NoError(t, err)
	require.Len(t, h.listener.changes, 1)

	removed, err := h.svc.Evict(ctx, q)
	require.NoError(t, err)
	require.True(t, removed)
	require.Len(t, h.listener.changes, 2)
	assert.Equal(t, change{region: regionA, items: []domain.ItemID{itemX}}, h.listener.changes[1])

	removed, err = h.svc.Evict(ctx, q)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Len(t, h.listener.changes, 2)
}

func TestRunAutoFlush(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Import(context.Background(), []*domain.Quote{{
		Region: regionA, Item: itemX, Side: domain.SideBuy, Timestamp: h.clock.Now(), AvgPrice: 7,
	}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.svc.RunAutoFlush(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		exists, _ := afero.Exists(h.fs, "/data/10000002/34.csv")
		return exists
	}, time.Second, 10*time.Millisecond)
	cancel()
	<-done
}
