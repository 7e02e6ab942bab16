package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"rss-service/internal/domain"
	"rss-service/internal/repository"
)

const (
	DefaultItemLimit = 50
	MaxItemLimit     = 100
)

type FeedService struct {
	store    *repository.Store
	ingester Ingester
	logger   *zap.Logger
}

func NewFeedService(store *repository.Store, ingester Ingester, logger *zap.Logger) *FeedService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedService{
		store:    store,
		ingester: ingester,
		logger:   logger.Named("feeds"),
	}
}

// CreateFeed subscribes to rawURL and runs its first ingestion. A URL that
// is already stored is rejected. If the first fetch fails the subscription
// is dropped again, unless some other caller managed to sync it meanwhile.
// The same applies when ctx ends before the first ingestion completes.
func (s *FeedService) CreateFeed(ctx context.Context, rawURL string) (*domain.FeedSource, error) {
	url := strings.TrimSpace(rawURL)
	if err := domain.ValidateFeedURL(url); err != nil {
		return nil, err
	}

	err := s.store.WithTx(ctx, func(tx *repository.Tx) error {
		_, err := tx.Feeds.GetByURL(ctx, url)
		if err == nil {
			return domain.ErrFeedAlreadyExists
		}
		if errors.Is(err, domain.ErrFeedNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	result, err := s.ingester.Ingest(ctx, url)
	if err != nil {
		if errors.Is(err, domain.ErrFetchFailed) || ctx.Err() != nil {
			// The request may be gone; the cleanup still has to run.
			s.dropUnsynced(context.WithoutCancel(ctx), url)
		}
		return nil, err
	}

	return result.Feed, nil
}

// dropUnsynced removes a feed row that has never been fetched successfully.
func (s *FeedService) dropUnsynced(ctx context.Context, url string) {
	err := s.store.WithTx(ctx, func(tx *repository.Tx) error {
		feed, err := tx.Feeds.GetByURL(ctx, url)
		if err != nil {
			return err
		}
		if feed.LastUpdated != nil {
			return nil
		}
		return tx.Feeds.Delete(ctx, feed.ID)
	})
	if err != nil && !errors.Is(err, domain.ErrFeedNotFound) {
		s.logger.Warn("failed to remove unsynced feed", zap.String("url", url), zap.Error(err))
	}
}

// UpdateFeed re-ingests the stored feed with the given id.
func (s *FeedService) UpdateFeed(ctx context.Context, id int64) (*Result, error) {
	feed, err := s.GetFeed(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.ingester.Ingest(ctx, feed.URL)
}

func (s *FeedService) GetFeed(ctx context.Context, id int64) (*domain.FeedSource, error) {
	if id <= 0 {
		return nil, domain.ErrFeedNotFound
	}

	var feed *domain.FeedSource
	err := s.store.WithTx(ctx, func(tx *repository.Tx) error {
		var err error
		feed, err = tx.Feeds.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return feed, nil
}

func (s *FeedService) ListFeeds(ctx context.Context) ([]domain.FeedSource, error) {
	var feeds []domain.FeedSource
	err := s.store.WithTx(ctx, func(tx *repository.Tx) error {
		var err error
		feeds, err = tx.Feeds.List(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get feeds: %w", err)
	}
	return feeds, nil
}

// DeleteFeed removes a feed and its items in one transaction.
func (s *FeedService) DeleteFeed(ctx context.Context, id int64) error {
	return s.store.WithTx(ctx, func(tx *repository.Tx) error {
		if _, err := tx.Feeds.GetByID(ctx, id); err != nil {
			return err
		}
		removed, err := tx.Items.DeleteByFeed(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.Feeds.Delete(ctx, id); err != nil {
			return err
		}
		s.logger.Info("feed deleted", zap.Int64("feed_id", id), zap.Int64("items", removed))
		return nil
	})
}

// ListItems returns one page of items and the total matching count. A
// non-zero FeedID must name an existing feed.
func (s *FeedService) ListItems(ctx context.Context, filter repository.ItemFilter) ([]domain.Item, int, error) {
	filter = normalizeFilter(filter)

	var (
		items []domain.Item
		total int
	)
	err := s.store.WithTx(ctx, func(tx *repository.Tx) error {
		if filter.FeedID != 0 {
			if _, err := tx.Feeds.GetByID(ctx, filter.FeedID); err != nil {
				return err
			}
		}

		var err error
		if items, err = tx.Items.List(ctx, filter); err != nil {
			return err
		}
		total, err = tx.Items.Count(ctx, filter.FeedID)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *FeedService) GetItem(ctx context.Context, id int64) (*domain.Item, error) {
	var item *domain.Item
	err := s.store.WithTx(ctx, func(tx *repository.Tx) error {
		var err error
		item, err = tx.Items.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func normalizeFilter(f repository.ItemFilter) repository.ItemFilter {
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultItemLimit
	case f.Limit > MaxItemLimit:
		f.Limit = MaxItemLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
