package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	domain "marketprices/internal/domain/entity/marketdata"
	"marketprices/internal/domain/interfaces"
)

// Request is one reconciliation round: a batch of items under one filter.
type Request struct {
	Filter domain.Filter
	Items  []domain.ItemID
	// Prompt is handed to the fallback when the remote service has nothing.
	Prompt string
	// Fallback overrides the service fallback for this round.
	Fallback interfaces.FallbackCallback
}

// Result maps every requested item to its quotes of the filter side.
type Result map[domain.ItemID][]*domain.Quote

// Service reconciles cached quotes with the remote quote service. Every
// cache access runs on the executor; listeners and the archive are called
// after the executor released the round.
type Service struct {
	store     interfaces.QuoteStore
	client    interfaces.RemoteQuoteClient
	parser    interfaces.QuoteParser
	stale     interfaces.StalenessPredicate
	memo      *NegativeResultMemo
	executor  *Executor
	fallback  interfaces.FallbackCallback
	archive   interfaces.QuoteArchive
	listeners []interfaces.ChangeListener
	offline   atomic.Bool
	logger    logrus.FieldLogger
}

type Option func(*Service)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMemo(memo *NegativeResultMemo) Option {
	return func(s *Service) { s.memo = memo }
}

// WithFallback sets the fallback used by rounds that bring none.
func WithFallback(fallback interfaces.FallbackCallback) Option {
	return func(s *Service) { s.fallback = fallback }
}

func WithArchive(archive interfaces.QuoteArchive) Option {
	return func(s *Service) { s.archive = archive }
}

func WithListener(listener interfaces.ChangeListener) Option {
	return func(s *Service) { s.listeners = append(s.listeners, listener) }
}

func WithOffline(offline bool) Option {
	return func(s *Service) { s.offline.Store(offline) }
}

func NewService(store interfaces.QuoteStore, client interfaces.RemoteQuoteClient, parser interfaces.QuoteParser, stale interfaces.StalenessPredicate, opts ...Option) *Service {
	s := &Service{
		store:  store,
		client: client,
		parser: parser,
		stale:  stale,
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("component", "reconciler")
	if s.memo == nil {
		s.memo = NewNegativeResultMemo(Cooldown, nil)
	}
	s.executor = NewExecutor(s.logger)
	return s
}

func (s *Service) SetOffline(offline bool) {
	s.offline.Store(offline)
	s.logger.WithField("offline", offline).Info("offline mode changed")
}

func (s *Service) Offline() bool {
	return s.offline.Load()
}

// round collects what one reconciliation round wrote.
type round struct {
	id      string
	written []*domain.Quote
}

// Reconcile runs one round for req. On a PriceUnavailable failure the
// returned result still holds every item that could be priced.
func (s *Service) Reconcile(ctx context.Context, req Request) (Result, error) {
	if err := req.Filter.Validate(); err != nil {
		return nil, err
	}
	policy, err := NewPolicy(req.Filter.Policy, req.Filter.Side, s.stale, s.logger)
	if err != nil {
		return nil, err
	}
	items := uniqueItems(req.Items)
	if len(items) == 0 {
		return Result{}, nil
	}

	r := &round{id: uuid.NewString()}
	var result Result
	err = s.executor.Do(ctx, func(ctx context.Context) error {
		var roundErr error
		result, roundErr = s.reconcile(ctx, r, req, policy, items)
		return roundErr
	})
	s.publish(ctx, r.written)
	return result, err
}

func (s *Service) reconcile(ctx context.Context, r *round, req Request, policy *Policy, items []domain.ItemID) (Result, error) {
	filter := req.Filter
	key := filter.Key()
	log := s.logger.WithFields(logrus.Fields{
		"round_id": r.id,
		"region":   filter.Region,
		"side":     filter.Side,
		"policy":   filter.Policy,
	})

	result := make(Result, len(items))
	baselines := make(map[domain.ItemID][]*domain.Quote, len(items))
	var refresh []domain.ItemID
	for _, item := range items {
		cached := s.baseline(log, filter.Region, item)
		baselines[item] = cached
		result[item] = matchingSide(cached, filter.Side)

		if s.memo.IsMarkedMissing(key, item) && !s.memo.MayRetry(key, item) {
			log.WithField("item", item).Debug("item in negative cooldown, skipping fetch")
			continue
		}
		if needsRefresh(policy, item, cached, filter.Side) {
			refresh = append(refresh, item)
		}
	}

	if len(refresh) == 0 {
		return result, nil
	}
	if s.offline.Load() {
		log.WithField("items", len(refresh)).Debug("offline, serving cached quotes")
		return result, nil
	}

	payload, err := s.client.Send(ctx, filter.Region, filter.Side, refresh)
	if err != nil {
		log.WithError(err).Warn("remote quote request failed")
		return nil, fmt.Errorf("%w: request %d items for %s: %w", domain.ErrTransport, len(refresh), key, err)
	}
	parsed, err := s.parser.Parse(payload)
	if err != nil {
		log.WithError(err).Warn("remote quote response unreadable")
		return nil, fmt.Errorf("%w: %w", domain.ErrMalformedResponse, err)
	}

	var unavailable error
	for _, item := range refresh {
		itemLog := log.WithField("item", item)
		fresh := newestPerSide(parsed[item], filter.Region, item, filter.Side)

		if len(fresh) == 0 {
			s.memo.MarkMissing(key, item)
			fallback := s.resolveFallback(ctx, itemLog, req, item)
			if len(fallback) == 0 {
				itemLog.Warn("price unavailable")
				if unavailable == nil {
					unavailable = &domain.PriceUnavailableError{Region: filter.Region, Item: item}
				}
				continue
			}
			for _, q := range fallback {
				s.write(itemLog, r, policy, q)
			}
		} else {
			s.memo.ClearMissing(key, item)
			for _, side := range filter.Side.Sides() {
				q, ok := fresh[side]
				if !ok {
					continue
				}
				if policy.RequiresUpdate(item, latestOf(baselines[item], side)) {
					s.write(itemLog, r, policy, q)
				}
			}
		}

		merged := s.baseline(itemLog, filter.Region, item)
		result[item] = matchingSide(merged, filter.Side)
	}

	log.WithFields(logrus.Fields{
		"requested": len(items),
		"fetched":   len(refresh),
		"written":   len(r.written),
	}).Info("reconciliation round finished")
	return result, unavailable
}

// baseline reads the cached quotes of a pair. A corrupted backing file
// leaves the pair empty instead of failing the round.
func (s *Service) baseline(log logrus.FieldLogger, region domain.RegionID, item domain.ItemID) []*domain.Quote {
	cached, err := s.store.Get(region, item)
	if err != nil {
		log.WithError(err).WithField("item", item).Warn("cached quotes unavailable, using empty baseline")
		return nil
	}
	return cached
}

func (s *Service) write(log logrus.FieldLogger, r *round, policy *Policy, q *domain.Quote) {
	changed, err := policy.Merge(s.store, q)
	if err != nil {
		log.WithError(err).Warn("quote rejected by cache")
		return
	}
	if changed {
		r.written = append(r.written, q)
	}
}

func (s *Service) resolveFallback(ctx context.Context, log logrus.FieldLogger, req Request, item domain.ItemID) []*domain.Quote {
	fallback := req.Fallback
	if fallback == nil {
		fallback = s.fallback
	}
	if fallback == nil {
		return nil
	}
	quotes, err := fallback.Resolve(ctx, req.Filter, req.Prompt, item)
	if err != nil {
		log.WithError(err).Warn("fallback failed")
		return nil
	}

	out := make([]*domain.Quote, 0, len(quotes))
	for _, q := range quotes {
		if q == nil || !req.Filter.Side.Matches(q.Side) {
			continue
		}
		if q.Region == 0 {
			q.Region = req.Filter.Region
		}
		if q.Item == 0 {
			q.Item = item
		}
		if q.Region != req.Filter.Region || q.Item != item {
			continue
		}
		if !q.Source.IsValid() {
			q.Source = domain.SourceUser
		}
		if q.OrderID == "" {
			q.OrderID = uuid.NewString()
		}
		if q.Timestamp.IsZero() {
			q.Timestamp = time.Now().UTC()
		}
		out = append(out, q)
	}
	return out
}

// Import stores externally supplied quotes, such as quotes derived from an
// order log, and returns how many changed the cache.
func (s *Service) Import(ctx context.Context, quotes []*domain.Quote) (int, error) {
	for _, q := range quotes {
		if err := q.Validate(); err != nil {
			return 0, err
		}
	}
	if len(quotes) == 0 {
		return 0, nil
	}

	r := &round{id: uuid.NewString()}
	err := s.executor.Do(ctx, func(ctx context.Context) error {
		for _, q := range quotes {
			if !q.Source.IsValid() {
				q.Source = domain.SourceLog
			}
			if q.OrderID == "" {
				q.OrderID = uuid.NewString()
			}
			changed, err := s.store.Store(q)
			if err != nil {
				return err
			}
			s.memo.ClearMissing(domain.FilterKey{Region: q.Region, Side: q.Side.Query()}, q.Item)
			s.memo.ClearMissing(domain.FilterKey{Region: q.Region, Side: domain.QueryAny}, q.Item)
			if changed {
				r.written = append(r.written, q)
			}
		}
		return nil
	})
	s.publish(ctx, r.written)
	if err != nil {
		return len(r.written), err
	}
	s.logger.WithFields(logrus.Fields{
		"round_id": r.id,
		"received": len(quotes),
		"written":  len(r.written),
	}).Info("imported quotes")
	return len(r.written), nil
}

// Latest returns the newest quotes of side for each item that has any.
func (s *Service) Latest(ctx context.Context, region domain.RegionID, side domain.QuerySide, items []domain.ItemID) (Result, error) {
	if !side.IsValid() {
		return nil, fmt.Errorf("%w: side %q", domain.ErrInvalidArgument, side)
	}
	var out Result
	err := s.executor.Do(ctx, func(context.Context) error {
		latest, err := s.store.LatestBatch(region, side, uniqueItems(items))
		if err != nil {
			s.logger.WithError(err).WithField("region", region).Warn("some cached quotes unavailable")
		}
		out = latest
		return nil
	})
	return out, err
}

// History returns every cached quote of the pair for side, newest first.
func (s *Service) History(ctx context.Context, region domain.RegionID, item domain.ItemID, side domain.QuerySide) ([]*domain.Quote, error) {
	if !side.IsValid() {
		return nil, fmt.Errorf("%w: side %q", domain.ErrInvalidArgument, side)
	}
	var out []*domain.Quote
	err := s.executor.Do(ctx, func(context.Context) error {
		history, err := s.store.HistoryFor(region, side, item)
		if err != nil && !errors.Is(err, domain.ErrStorageCorruption) {
			return err
		}
		if err != nil {
			s.logger.WithError(err).Warn("cached history unavailable")
		}
		out = history
		return nil
	})
	return out, err
}

func (s *Service) KnownItems(ctx context.Context, region domain.RegionID) ([]domain.ItemID, error) {
	var out []domain.ItemID
	err := s.executor.Do(ctx, func(context.Context) error {
		out = s.store.KnownItems(region)
		return nil
	})
	return out, err
}

func (s *Service) Evict(ctx context.Context, quote *domain.Quote) (bool, error) {
	var removed bool
	err := s.executor.Do(ctx, func(context.Context) error {
		removed = s.store.Evict(quote)
		return nil
	})
	if removed {
		s.notify(ctx, quote.Region, []domain.ItemID{quote.Item})
	}
	return removed, err
}

func (s *Service) Flush(ctx context.Context) error {
	return s.executor.Do(ctx, func(ctx context.Context) error {
		return s.store.Flush(ctx)
	})
}

// RunAutoFlush flushes every interval until ctx is done.
func (s *Service) RunAutoFlush(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.WithError(err).Error("periodic flush failed")
			}
		}
	}
}

// Shutdown flushes the store, drops in-memory state and stops the executor.
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.executor.Do(ctx, func(ctx context.Context) error {
		return s.store.Shutdown(ctx)
	})
	s.executor.Close()
	return err
}

// publish tells listeners which items changed, one call per region, and
// hands the written quotes to the archive.
func (s *Service) publish(ctx context.Context, written []*domain.Quote) {
	if len(written) == 0 {
		return
	}

	byRegion := make(map[domain.RegionID]map[domain.ItemID]struct{})
	archived := make([]domain.Quote, 0, len(written))
	for _, q := range written {
		items, ok := byRegion[q.Region]
		if !ok {
			items = make(map[domain.ItemID]struct{})
			byRegion[q.Region] = items
		}
		items[q.Item] = struct{}{}
		archived = append(archived, *q)
	}

	for region, set := range byRegion {
		items := make([]domain.ItemID, 0, len(set))
		for item := range set {
			items = append(items, item)
		}
		sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })
		s.notify(ctx, region, items)
	}

	if s.archive != nil {
		if err := s.archive.AddQuotes(ctx, archived); err != nil {
			s.logger.WithError(err).WithField("quotes", len(archived)).Warn("archive write failed")
		}
	}
}

func (s *Service) notify(ctx context.Context, region domain.RegionID, items []domain.ItemID) {
	for _, l := range s.listeners {
		l.OnPriceChanged(ctx, region, items)
	}
}

func needsRefresh(policy *Policy, item domain.ItemID, cached []*domain.Quote, side domain.QuerySide) bool {
	for _, sd := range side.Sides() {
		if policy.RequiresUpdate(item, latestOf(cached, sd)) {
			return true
		}
	}
	return false
}

func latestOf(quotes []*domain.Quote, side domain.Side) *domain.Quote {
	for _, q := range quotes {
		if q.Side == side {
			return q
		}
	}
	return nil
}

func matchingSide(quotes []*domain.Quote, side domain.QuerySide) []*domain.Quote {
	out := make([]*domain.Quote, 0, len(quotes))
	for _, q := range quotes {
		if side.Matches(q.Side) {
			out = append(out, q)
		}
	}
	return out
}

// newestPerSide keeps the newest usable remote quote of each wanted side.
func newestPerSide(quotes []*domain.Quote, region domain.RegionID, item domain.ItemID, side domain.QuerySide) map[domain.Side]*domain.Quote {
	out := make(map[domain.Side]*domain.Quote, 2)
	for _, q := range quotes {
		if q == nil || !side.Matches(q.Side) {
			continue
		}
		if q.Region == 0 {
			q.Region = region
		}
		q.Item = item
		if q.Region != region {
			continue
		}
		if !q.Source.IsValid() {
			q.Source = domain.SourceRemote
		}
		if q.Validate() != nil {
			continue
		}
		if cur, ok := out[q.Side]; !ok || q.Timestamp.After(cur.Timestamp) {
			out[q.Side] = q
		}
	}
	return out
}

func uniqueItems(items []domain.ItemID) []domain.ItemID {
	seen := make(map[domain.ItemID]struct{}, len(items))
	out := make([]domain.ItemID, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
