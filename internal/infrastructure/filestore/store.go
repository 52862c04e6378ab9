package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	marketdata "marketprices/internal/domain/entity/marketdata"
	"marketprices/internal/infrastructure/cache"
)

const (
	fileExtension       = ".csv"
	defaultFlushWorkers = 4
)

// Store materializes the price cache from one backing file per (region,
// item) on first access and writes it back on Flush. The loaded set tells a
// confirmed miss apart from a pair that has not been read from disk yet.
type Store struct {
	fs           afero.Fs
	dir          string
	cache        *cache.PriceCache
	logger       logrus.FieldLogger
	now          func() time.Time
	flushWorkers int

	mu     sync.Mutex
	loaded map[marketdata.PairKey]struct{}
}

type Option func(*Store)

// WithFs replaces the OS filesystem.
func WithFs(fsys afero.Fs) Option {
	return func(s *Store) { s.fs = fsys }
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Store) { s.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithFlushWorkers bounds how many files Flush writes at once.
func WithFlushWorkers(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.flushWorkers = n
		}
	}
}

func New(dir string, priceCache *cache.PriceCache, opts ...Option) *Store {
	s := &Store{
		fs:           afero.NewOsFs(),
		dir:          dir,
		cache:        priceCache,
		logger:       logrus.StandardLogger(),
		now:          time.Now,
		flushWorkers: defaultFlushWorkers,
		loaded:       make(map[marketdata.PairKey]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("component", "filestore")
	return s
}

// Get returns the newest BUY and SELL quotes of the pair, loading the backing
// file the first time the pair is asked for. A nil result with a nil error is
// a confirmed miss.
func (s *Store) Get(region marketdata.RegionID, item marketdata.ItemID) ([]*marketdata.Quote, error) {
	if quotes, ok := s.cache.Latest(region, item, marketdata.QueryAny); ok {
		return quotes, nil
	}
	if err := s.ensureLoaded(region, item); err != nil {
		return nil, err
	}
	quotes, _ := s.cache.Latest(region, item, marketdata.QueryAny)
	return quotes, nil
}

// HistoryFor returns every quote of the pair matching side, newest first.
func (s *Store) HistoryFor(region marketdata.RegionID, side marketdata.QuerySide, item marketdata.ItemID) ([]*marketdata.Quote, error) {
	if _, ok := s.cache.Latest(region, item, side); !ok {
		if err := s.ensureLoaded(region, item); err != nil {
			return nil, err
		}
	}
	return s.cache.History(region, side, item), nil
}

// LatestBatch is the batched form of Get for one side. Items whose file is
// corrupted are left out and reported through the joined error.
func (s *Store) LatestBatch(region marketdata.RegionID, side marketdata.QuerySide, items []marketdata.ItemID) (map[marketdata.ItemID][]*marketdata.Quote, error) {
	out := s.cache.LatestForItems(region, side, items)

	var errs []error
	for _, item := range items {
		if _, ok := out[item]; ok {
			continue
		}
		if err := s.ensureLoaded(region, item); err != nil {
			errs = append(errs, err)
			continue
		}
		if quotes, ok := s.cache.Latest(region, item, side); ok {
			out[item] = quotes
		}
	}
	return out, errors.Join(errs...)
}

// Store writes quote into the cache. The pair is loaded first so that the
// next flush does not replace file contents that were never read. The
// timestamp is cut to the precision of the backing file, so that the cached
// quote is the one a reload yields.
func (s *Store) Store(quote *marketdata.Quote) (bool, error) {
	if err := quote.Validate(); err != nil {
		return false, err
	}
	quote.Timestamp = quote.Timestamp.Truncate(timestampPrecision)
	if err := s.ensureLoaded(quote.Region, quote.Item); err != nil && !errors.Is(err, marketdata.ErrStorageCorruption) {
		return false, err
	}
	return s.cache.Store(quote)
}

// Evict drops quote from the in-memory cache; the next flush no longer
// writes it.
func (s *Store) Evict(quote *marketdata.Quote) bool {
	return s.cache.Evict(quote)
}

// KnownItems lists the items of region that hold quotes in memory.
func (s *Store) KnownItems(region marketdata.RegionID) []marketdata.ItemID {
	return s.cache.KnownItems(region)
}

// Pairs lists every (region, item) that has a backing file on disk, whether
// loaded or not. Entries that do not follow the <region>/<item>.csv layout
// are skipped.
func (s *Store) Pairs() ([]marketdata.PairKey, error) {
	var pairs []marketdata.PairKey
	err := afero.Walk(s.fs, s.dir, func(path string, info fs.FileInfo, err error) error {
		if errors.Is(err, fs.ErrNotExist) && path == s.dir {
			return nil
		}
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(path) != fileExtension {
			return nil
		}
		key, ok := pairFromPath(s.dir, path)
		if !ok {
			s.logger.WithField("path", path).Debug("skip file outside store layout")
			return nil
		}
		pairs = append(pairs, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", s.dir, err)
	}
	return pairs, nil
}

func pairFromPath(dir, path string) (marketdata.PairKey, bool) {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return marketdata.PairKey{}, false
	}
	regionPart, file := filepath.Split(rel)
	regionPart = filepath.Clean(regionPart)
	if strings.ContainsRune(regionPart, filepath.Separator) {
		return marketdata.PairKey{}, false
	}
	region, err := strconv.ParseInt(regionPart, 10, 64)
	if err != nil {
		return marketdata.PairKey{}, false
	}
	item, err := strconv.ParseInt(strings.TrimSuffix(file, fileExtension), 10, 64)
	if err != nil {
		return marketdata.PairKey{}, false
	}
	return marketdata.PairKey{Region: marketdata.RegionID(region), Item: marketdata.ItemID(item)}, true
}

// Loaded reports whether the pair has been read from disk already.
func (s *Store) Loaded(region marketdata.RegionID, item marketdata.ItemID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loaded[marketdata.PairKey{Region: region, Item: item}]
	return ok
}

// Reset forgets which pairs were loaded.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = make(map[marketdata.PairKey]struct{})
}

type flushJob struct {
	key    marketdata.PairKey
	quotes []*marketdata.Quote
}

// Flush rewrites the backing file of every pair that holds quotes. It can be
// called at any time; failures of single files are joined. A pair whose file
// could not be read yet is read now; if that fails again the file is left
// untouched and the pair is reported, since rewriting it would drop rows
// that never reached memory.
func (s *Store) Flush(ctx context.Context) error {
	var (
		jobs    []flushJob
		skipped []error
	)
	for _, region := range s.cache.Regions() {
		for _, item := range s.cache.KnownItems(region) {
			if !s.Loaded(region, item) {
				if err := s.ensureLoaded(region, item); !s.Loaded(region, item) {
					skipped = append(skipped, fmt.Errorf("flush %d/%d: backing file unread: %w", region, item, err))
					continue
				}
			}
			quotes := s.cache.History(region, marketdata.QueryAny, item)
			if len(quotes) == 0 {
				continue
			}
			jobs = append(jobs, flushJob{
				key:    marketdata.PairKey{Region: region, Item: item},
				quotes: quotes,
			})
		}
	}
	if len(jobs) == 0 {
		return errors.Join(skipped...)
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs = skipped
	)
	g.SetLimit(s.flushWorkers)
	for _, job := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("flush %s: %w", job.key, err))
				mu.Unlock()
				return nil
			}
			if err := s.writeFile(job); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.WithField("files", len(jobs)).Debug("flushed price files")
	return nil
}

// Shutdown flushes and then drops all in-memory state, whatever the flush
// outcome was.
func (s *Store) Shutdown(ctx context.Context) error {
	err := s.Flush(ctx)
	if err != nil {
		s.logger.WithError(err).Error("flush on shutdown failed, unsaved quotes are lost")
		err = fmt.Errorf("%w: %w", marketdata.ErrShutdownFlush, err)
	}
	s.cache.Clear()
	s.Reset()
	return err
}

func (s *Store) path(region marketdata.RegionID, item marketdata.ItemID) string {
	return filepath.Join(s.dir, strconv.FormatInt(int64(region), 10), strconv.FormatInt(int64(item), 10)+fileExtension)
}

func (s *Store) ensureLoaded(region marketdata.RegionID, item marketdata.ItemID) error {
	key := marketdata.PairKey{Region: region, Item: item}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loaded[key]; ok {
		return nil
	}
	settled, err := s.load(key)
	if settled {
		s.loaded[key] = struct{}{}
	}
	return err
}

// load reads the backing file of key into the cache. settled reports whether
// the pair may be marked loaded: true once the file was read, is absent, or
// was moved aside. A file that is still in place but unreadable stays
// unsettled so that it is tried again and never overwritten by a flush.
func (s *Store) load(key marketdata.PairKey) (settled bool, err error) {
	path := s.path(key.Region, key.Item)
	f, err := s.fs.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, s.unreadable(key, path, fmt.Errorf("open: %w", err))
	}

	quotes, err := ReadQuotes(f, key.Region, key.Item)
	_ = f.Close()
	if err == nil {
		err = s.cache.StoreBatch(key.Region, key.Item, quotes)
	}
	if err != nil {
		corruptErr := s.corrupted(key, path, err)
		return corruptErr.QuarantinePath != "", corruptErr
	}

	s.logger.WithFields(logrus.Fields{
		"region": key.Region,
		"item":   key.Item,
		"quotes": len(quotes),
	}).Debug("loaded price file")
	return true, nil
}

// unreadable reports a file that exists but could not be opened. Nothing is
// moved; the next access tries again.
func (s *Store) unreadable(key marketdata.PairKey, path string, cause error) error {
	s.logger.WithFields(logrus.Fields{
		"region": key.Region,
		"item":   key.Item,
		"path":   path,
	}).WithError(cause).Error("price file unreadable, pair is treated as empty until it can be read")
	return &marketdata.StorageCorruptionError{
		Region: key.Region,
		Item:   key.Item,
		Path:   path,
		Err:    cause,
	}
}

// corrupted moves an unparsable file aside so that a later flush cannot
// overwrite it, and logs loudly: until restart the pair reads as empty. If
// the move fails the pair stays unsettled.
func (s *Store) corrupted(key marketdata.PairKey, path string, cause error) *marketdata.StorageCorruptionError {
	corruptErr := &marketdata.StorageCorruptionError{
		Region: key.Region,
		Item:   key.Item,
		Path:   path,
		Err:    cause,
	}
	log := s.logger.WithFields(logrus.Fields{
		"region": key.Region,
		"item":   key.Item,
		"path":   path,
	}).WithError(cause)

	target := fmt.Sprintf("%s.corrupt-%d", path, s.now().Unix())
	if err := s.fs.Rename(path, target); err != nil {
		log.WithField("rename_error", err.Error()).Error("corrupted price file could not be quarantined, it is kept out of flushes")
		return corruptErr
	}
	corruptErr.QuarantinePath = target
	log.WithField("quarantine", target).Error("corrupted price file, pair is treated as empty until restart")
	return corruptErr
}

func (s *Store) writeFile(job flushJob) error {
	path := s.path(job.key.Region, job.key.Item)
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", job.key, err)
	}

	tmp := path + ".tmp"
	f, err := s.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if err := WriteQuotes(f, job.quotes); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
