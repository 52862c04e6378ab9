package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	domain "marketprices/internal/domain/entity/marketdata"
)

type quoteSource interface {
	Pairs() ([]domain.PairKey, error)
	HistoryFor(region domain.RegionID, side domain.QuerySide, item domain.ItemID) ([]*domain.Quote, error)
}

type sinkFunc func(ctx context.Context, quotes []domain.Quote) (int64, error)

type backfill struct {
	store     quoteSource
	sink      sinkFunc
	batchSize int
	logger    logrus.FieldLogger
}

type backfillStats struct {
	pairs    int
	corrupt  int
	read     int
	inserted int64
}

func (s backfillStats) fields() logrus.Fields {
	return logrus.Fields{
		"pairs":    s.pairs,
		"corrupt":  s.corrupt,
		"read":     s.read,
		"inserted": s.inserted,
	}
}

// run copies every readable pair into the sink. Corrupted files are skipped
// and counted; a sink failure stops the run.
func (b *backfill) run(ctx context.Context) (backfillStats, error) {
	var stats backfillStats

	pairs, err := b.store.Pairs()
	if err != nil {
		return stats, err
	}
	stats.pairs = len(pairs)

	batch := make([]domain.Quote, 0, b.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := b.sink(ctx, batch)
		stats.inserted += n
		batch = batch[:0]
		return err
	}

	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		quotes, err := b.store.HistoryFor(pair.Region, domain.QueryAny, pair.Item)
		var corruption *domain.StorageCorruptionError
		if errors.As(err, &corruption) {
			stats.corrupt++
			b.logger.WithError(err).WithField("path", corruption.Path).Warn("skip corrupted quote file")
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("read %d/%d: %w", pair.Region, pair.Item, err)
		}

		for _, q := range quotes {
			archived := *q
			if archived.OrderID == "" {
				archived.OrderID = stableOrderID(&archived)
			}
			batch = append(batch, archived)
			stats.read++
			if len(batch) >= b.batchSize {
				if err := flush(); err != nil {
					return stats, fmt.Errorf("archive batch: %w", err)
				}
			}
		}
	}
	if err := flush(); err != nil {
		return stats, fmt.Errorf("archive batch: %w", err)
	}
	return stats, nil
}

// stableOrderID derives an id from the quote identity so that replaying the
// same file never archives a quote twice.
func stableOrderID(q *domain.Quote) string {
	key := strconv.FormatInt(int64(q.Region), 10) + ":" +
		strconv.FormatInt(int64(q.Item), 10) + ":" +
		string(q.Side) + ":" +
		strconv.FormatInt(q.Timestamp.UTC().UnixNano(), 10)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("quote:"+key)).String()
}
