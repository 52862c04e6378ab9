package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "marketprices/internal/domain/entity/marketdata"
	"marketprices/internal/domain/interfaces"

	"github.com/sirupsen/logrus"
)

// BatchConfig controls batching thresholds for quote writes.
type BatchConfig struct {
	Size    int
	Timeout time.Duration
}

// QuoteImporter stores quotes that arrive from outside the reconciliation
// rounds.
type QuoteImporter interface {
	Import(ctx context.Context, quotes []*domain.Quote) (int, error)
}

// ArchiveWriter buffers quotes on their way to the archive so that rounds do
// not wait for one database round trip per quote. It satisfies
// interfaces.QuoteArchive.
type ArchiveWriter struct {
	quotes *batchBuffer[domain.Quote]
}

func NewArchiveWriter(cfg BatchConfig, archive interfaces.QuoteArchive, logger logrus.FieldLogger) *ArchiveWriter {
	return &ArchiveWriter{
		quotes: newBatchBuffer(cfg, archive.AddQuotes,
			logger.WithField("component", "batch_writer").WithField("entity", "archive")),
	}
}

// Run sets the base context for asynchronous flush operations.
func (w *ArchiveWriter) Run(ctx context.Context) {
	w.quotes.setContext(ctx)
}

// Stop flushes the remaining buffer using the provided context.
func (w *ArchiveWriter) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	w.quotes.setContext(ctx)
	return w.quotes.drain(ctx)
}

func (w *ArchiveWriter) AddQuotes(_ context.Context, quotes []domain.Quote) error {
	var errs []error
	for _, q := range quotes {
		if err := w.quotes.enqueue(q); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// pendingImport is the quote set of one message and the callback that
// settles the message once its batch was imported or failed.
type pendingImport struct {
	quotes []*domain.Quote
	done   func(error)
}

// ImportWriter buffers imported messages and hands their quotes to the
// importer in batches of Size messages. A message is settled only after its
// batch ran, so a failed import is redelivered instead of dropped.
type ImportWriter struct {
	pending *batchBuffer[pendingImport]
}

func NewImportWriter(cfg BatchConfig, importer QuoteImporter, logger logrus.FieldLogger) *ImportWriter {
	logger = logger.WithField("component", "batch_writer").WithField("entity", "import")
	flush := func(ctx context.Context, batch []pendingImport) error {
		var quotes []*domain.Quote
		for _, p := range batch {
			quotes = append(quotes, p.quotes...)
		}
		_, err := importer.Import(ctx, quotes)
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"messages": len(batch),
				"quotes":   len(quotes),
			}).Warn("import batch failed, messages go back to the queue")
		}
		for _, p := range batch {
			if p.done != nil {
				p.done(err)
			}
		}
		// Reported through done; the buffer has nothing left to do.
		return nil
	}
	return &ImportWriter{
		pending: newBatchBuffer(cfg, flush, logger),
	}
}

func (w *ImportWriter) Run(ctx context.Context) {
	w.pending.setContext(ctx)
}

func (w *ImportWriter) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	w.pending.setContext(ctx)
	return w.pending.drain(ctx)
}

// Add validates quotes and buffers copies of them. done is called exactly
// once with the import outcome, unless Add returns an error: then the
// message was not buffered and done is never called.
func (w *ImportWriter) Add(quotes []*domain.Quote, done func(error)) error {
	copies := make([]*domain.Quote, 0, len(quotes))
	for _, q := range quotes {
		if err := q.Validate(); err != nil {
			return err
		}
		copyQuote := *q
		copies = append(copies, &copyQuote)
	}
	return w.pending.enqueue(pendingImport{quotes: copies, done: done})
}

type batchBuffer[T any] struct {
	cfg     BatchConfig
	mu      sync.Mutex
	items   []T
	timer   *time.Timer
	flushFn func(context.Context, []T) error
	logger  logrus.FieldLogger
	ctx     context.Context
}

func newBatchBuffer[T any](cfg BatchConfig, flushFn func(context.Context, []T) error, logger logrus.FieldLogger) *batchBuffer[T] {
	return &batchBuffer[T]{
		cfg:     cfg,
		flushFn: flushFn,
		logger:  logger,
	}
}

func (bb *batchBuffer[T]) setContext(ctx context.Context) {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	bb.ctx = ctx
}

func (bb *batchBuffer[T]) enqueue(item T) error {
	bb.mu.Lock()
	ctx := bb.ctx
	if ctx == nil {
		bb.mu.Unlock()
		return errors.New("batch buffer is not running")
	}
	if err := ctx.Err(); err != nil {
		bb.mu.Unlock()
		return err
	}
	bb.items = append(bb.items, item)
	var batch []T
	limit := bb.cfg.Size
	if limit <= 0 {
		limit = 1
	}
	if len(bb.items) >= limit {
		batch = bb.takeBatchLocked()
	} else if bb.timer == nil && bb.cfg.Timeout > 0 {
		bb.startTimerLocked()
	}
	bb.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return bb.flushWithContext(ctx, batch)
}

func (bb *batchBuffer[T]) startTimerLocked() {
	timeout := bb.cfg.Timeout
	if timeout <= 0 {
		return
	}
	bb.timer = time.AfterFunc(timeout, func() {
		batch := bb.takeBatch()
		if len(batch) == 0 {
			return
		}
		if err := bb.flushWithCurrentContext(batch); err != nil && bb.logger != nil {
			bb.logger.WithError(err).Warn("batch flush failed")
		}
	})
}

func (bb *batchBuffer[T]) takeBatch() []T {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	return bb.takeBatchLocked()
}

func (bb *batchBuffer[T]) takeBatchLocked() []T {
	if bb.timer != nil {
		bb.timer.Stop()
		bb.timer = nil
	}
	if len(bb.items) == 0 {
		return nil
	}
	batch := make([]T, len(bb.items))
	copy(batch, bb.items)
	bb.items = bb.items[:0]
	return batch
}

func (bb *batchBuffer[T]) flushWithCurrentContext(batch []T) error {
	bb.mu.Lock()
	ctx := bb.ctx
	bb.mu.Unlock()
	return bb.flushWithContext(ctx, batch)
}

func (bb *batchBuffer[T]) flushWithContext(ctx context.Context, batch []T) error {
	if len(batch) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	if err := bb.flushFn(ctx, batch); err != nil {
		return err
	}
	if bb.logger != nil {
		bb.logger.WithFields(logrus.Fields{
			"size":    len(batch),
			"took_ms": time.Since(start).Milliseconds(),
		}).Debug("flushed batch")
	}
	return nil
}

func (bb *batchBuffer[T]) drain(ctx context.Context) error {
	batch := bb.takeBatch()
	if len(batch) == 0 {
		return nil
	}
	return bb.flushWithContext(ctx, batch)
}
