package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rss-service/internal/domain"
	"rss-service/internal/fetcher"
	"rss-service/internal/repository"
)

const DefaultEnrichConcurrency = 4

type FeedFetcher interface {
	Fetch(ctx context.Context, url string) (*fetcher.ParsedFeed, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, title, link string) (string, bool)
}

// Ingester ingests a single feed by URL.
type Ingester interface {
	Ingest(ctx context.Context, url string) (*Result, error)
}

// Result describes one successful ingestion.
type Result struct {
	Feed     *domain.FeedSource
	NewItems []domain.Item
	// Created is true when this ingestion inserted the feed row.
	Created bool
}

// Engine runs the fetch, deduplicate and persist pipeline for one feed and
// schedules enrichment of the entries it inserted.
type Engine struct {
	store             *repository.Store
	fetcher           FeedFetcher
	summarizer        Summarizer
	enrichConcurrency int
	logger            *zap.Logger

	mu     sync.Mutex
	calls  map[string]*call
	closed bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// call is one ingestion run shared by every caller that asked for the same
// URL while it was in flight. The run is cancelled once no caller waits on it.
type call struct {
	done    chan struct{}
	result  *Result
	err     error
	cancel  context.CancelFunc
	waiters int
}

func NewEngine(
	store *repository.Store,
	fetcher FeedFetcher,
	summarizer Summarizer,
	enrichConcurrency int,
	logger *zap.Logger,
) *Engine {
	if enrichConcurrency <= 0 {
		enrichConcurrency = DefaultEnrichConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Engine{
		store:             store,
		fetcher:           fetcher,
		summarizer:        summarizer,
		enrichConcurrency: enrichConcurrency,
		logger:            logger.Named("ingestion"),
		calls:             make(map[string]*call),
		bgCtx:             bgCtx,
		bgCancel:          bgCancel,
	}
}

// Ingest fetches url and stores every entry whose link has not been seen
// for this feed. Concurrent calls for the same URL share one run; each
// caller still returns its own ctx.Err() when its context ends first.
func (e *Engine) Ingest(ctx context.Context, url string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := e.join(ctx, url)

	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		e.leave(url, c)
		return nil, ctx.Err()
	}
}

func (e *Engine) join(ctx context.Context, url string) *call {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.calls[url]; ok {
		c.waiters++
		e.logger.Debug("joined in-flight ingestion", zap.String("url", url))
		return c
	}

	c := &call{done: make(chan struct{}), waiters: 1}
	if e.closed {
		c.cancel = func() {}
		c.err = context.Canceled
		close(c.done)
		return c
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(e.bgCtx, cancel)
	c.cancel = cancel
	e.calls[url] = c

	e.bgWG.Add(1)
	go func() {
		defer e.bgWG.Done()
		defer cancel()
		defer stop()

		c.result, c.err = e.ingest(runCtx, url)

		e.mu.Lock()
		if e.calls[url] == c {
			delete(e.calls, url)
		}
		e.mu.Unlock()
		close(c.done)
	}()

	return c
}

// leave drops one waiter. The last one out cancels the run and unregisters
// it so later callers start afresh.
func (e *Engine) leave(url string, c *call) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c.waiters--
	if c.waiters > 0 {
		return
	}
	c.cancel()
	if e.calls[url] == c {
		delete(e.calls, url)
	}
}

func (e *Engine) ingest(ctx context.Context, url string) (*Result, error) {
	start := time.Now()

	feed, created, err := e.resolve(ctx, url)
	if err != nil {
		return nil, err
	}

	parsed, err := e.fetcher.Fetch(ctx, url)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !errors.Is(err, domain.ErrFetchFailed) {
			err = fmt.Errorf("%w: %v", domain.ErrFetchFailed, err)
		}
		return nil, err
	}

	var newItems []domain.Item
	err = e.store.WithTx(ctx, func(tx *repository.Tx) error {
		lastUpdated := time.Now().UTC()
		if parsed.Updated != nil {
			lastUpdated = *parsed.Updated
		}

		updated, err := tx.Feeds.UpdateMetadata(ctx, feed.ID, repository.FeedMetadata{
			Title:       parsed.Title,
			Description: parsed.Description,
			Link:        parsed.Link,
			LastUpdated: lastUpdated,
		})
		if err != nil {
			return err
		}
		feed = updated

		newItems, err = e.insertNew(ctx, tx, feed.ID, parsed.Entries)
		return err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to store feed %s: %w", url, err)
	}

	e.logger.Info("feed ingested",
		zap.String("url", url),
		zap.Int64("feed_id", feed.ID),
		zap.Bool("created", created),
		zap.Int("entries", len(parsed.Entries)),
		zap.Int("new_items", len(newItems)),
		zap.Duration("elapsed", time.Since(start)))

	e.enrich(newItems)

	return &Result{Feed: feed, NewItems: newItems, Created: created}, nil
}

// resolve finds or inserts the feed row in its own transaction so the row
// exists before any network I/O.
func (e *Engine) resolve(ctx context.Context, url string) (*domain.FeedSource, bool, error) {
	var (
		feed    *domain.FeedSource
		created bool
	)
	err := e.store.WithTx(ctx, func(tx *repository.Tx) error {
		existing, err := tx.Feeds.GetByURL(ctx, url)
		if err == nil {
			feed = existing
			return nil
		}
		if !errors.Is(err, domain.ErrFeedNotFound) {
			return err
		}
		feed, created, err = tx.Feeds.Create(ctx, url)
		return err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		return nil, false, fmt.Errorf("failed to resolve feed %s: %w", url, err)
	}
	return feed, created, nil
}

// insertNew walks entries in document order. The known set grows as it
// goes, so a link repeated later in the same document is dropped.
func (e *Engine) insertNew(ctx context.Context, tx *repository.Tx, feedID int64, entries []fetcher.Entry) ([]domain.Item, error) {
	known, err := tx.Items.LinksByFeed(ctx, feedID)
	if err != nil {
		return nil, err
	}

	var inserted []domain.Item
	for _, entry := range entries {
		if entry.Link == "" {
			continue
		}
		if _, seen := known[entry.Link]; seen {
			continue
		}
		known[entry.Link] = struct{}{}

		item := domain.Item{
			FeedID:      feedID,
			Title:       entry.Title,
			Link:        entry.Link,
			Description: entry.Description,
			Author:      entry.Author,
			Published:   entry.Published,
		}
		ok, err := tx.Items.Create(ctx, &item)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Stored under another feed, or by a concurrent writer.
			e.logger.Debug("item link already stored",
				zap.Int64("feed_id", feedID),
				zap.String("link", entry.Link))
			continue
		}
		inserted = append(inserted, item)
	}

	return inserted, nil
}

// enrich summarizes items in the background with bounded concurrency.
func (e *Engine) enrich(items []domain.Item) {
	if e.summarizer == nil || len(items) == 0 {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.bgWG.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.bgWG.Done()

		var g errgroup.Group
		g.SetLimit(e.enrichConcurrency)
		for _, item := range items {
			if item.Link == "" {
				continue
			}
			item := item
			g.Go(func() error {
				e.enrichItem(e.bgCtx, item)
				return nil
			})
		}
		g.Wait()
	}()
}

func (e *Engine) enrichItem(ctx context.Context, item domain.Item) {
	if ctx.Err() != nil {
		return
	}

	summary, ok := e.summarizer.Summarize(ctx, item.Title, item.Link)
	if !ok {
		return
	}

	err := e.store.WithTx(ctx, func(tx *repository.Tx) error {
		current, err := tx.Items.GetByID(ctx, item.ID)
		if err != nil {
			return err
		}
		if current.HasSummary() {
			e.logger.Debug("summary already present, discarding", zap.Int64("item_id", item.ID))
			return nil
		}

		written, err := tx.Items.SetSummaryIfEmpty(ctx, item.ID, summary)
		if err != nil {
			return err
		}
		if !written {
			e.logger.Debug("summary written concurrently, discarding", zap.Int64("item_id", item.ID))
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrItemNotFound) {
			e.logger.Debug("item removed before summary was stored", zap.Int64("item_id", item.ID))
			return
		}
		e.logger.Warn("failed to store summary", zap.Int64("item_id", item.ID), zap.Error(err))
	}
}

// Wait blocks until in-flight runs and their enrichment have finished.
func (e *Engine) Wait() {
	e.bgWG.Wait()
}

// Shutdown cancels in-flight runs and pending enrichment and waits for them
// to stop, or for ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.bgCancel()
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
