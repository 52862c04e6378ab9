package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	domain "marketprices/internal/domain/entity/marketdata"
	"marketprices/internal/infrastructure/orderlog"
)

type publishFunc func(ctx context.Context, quotes []domain.Quote) error

// scanner polls a directory for order logs. A file is processed again only
// when its modification time moves forward.
type scanner struct {
	fs      afero.Fs
	cfg     *producerConfig
	publish publishFunc
	logger  logrus.FieldLogger

	mu   sync.Mutex
	seen map[string]time.Time
}

func (s *scanner) run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.scanOnce(ctx); err != nil {
			s.logger.WithError(err).Warn("scan finished with errors")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// scanOnce publishes every new or modified log under the directory. A failed
// file is not marked seen, so the next pass retries it.
func (s *scanner) scanOnce(ctx context.Context) error {
	pending, err := s.pending()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)

	var (
		errMu sync.Mutex
		errs  []error
	)
	for _, file := range pending {
		g.Go(func() error {
			if err := s.process(gctx, file.path, file.modTime); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", file.path, err))
				errMu.Unlock()
				return nil
			}
			s.markSeen(file.path, file.modTime)
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("%d of %d logs failed: %w", len(errs), len(pending), errs[0])
	}
	return nil
}

type logFile struct {
	path    string
	modTime time.Time
}

func (s *scanner) pending() ([]logFile, error) {
	var files []logFile
	err := afero.Walk(s.fs, s.cfg.LogDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !s.accepts(path) {
			return nil
		}
		if !s.isNew(path, info.ModTime()) {
			return nil
		}
		files = append(files, logFile{path: path, modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", s.cfg.LogDir, err)
	}
	return files, nil
}

func (s *scanner) accepts(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, want := range s.cfg.Extensions {
		if strings.EqualFold(strings.TrimSpace(want), ext) {
			return true
		}
	}
	return false
}

func (s *scanner) isNew(path string, modTime time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.seen[path]
	return !ok || modTime.After(last)
}

func (s *scanner) markSeen(path string, modTime time.Time) {
	s.mu.Lock()
	s.seen[path] = modTime
	s.mu.Unlock()
}

func (s *scanner) process(ctx context.Context, path string, modTime time.Time) error {
	f, err := s.fs.Open(path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	quotes, err := orderlog.Aggregate(f, modTime)
	if err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	if len(quotes) == 0 {
		s.logger.WithField("file", path).Debug("log has no orders")
		return nil
	}
	if err := s.publish(ctx, quotes); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"file":   path,
		"quotes": len(quotes),
	}).Info("order log published")
	return nil
}
