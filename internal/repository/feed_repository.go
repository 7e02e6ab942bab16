package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rss-service/internal/database"
	"rss-service/internal/domain"
)

// FeedMetadata is what a successful fetch writes back onto a source.
type FeedMetadata struct {
	Title       string
	Description string
	Link        string
	LastUpdated time.Time
}

type FeedRepository interface {
	GetByURL(ctx context.Context, url string) (*domain.FeedSource, error)
	GetByID(ctx context.Context, id int64) (*domain.FeedSource, error)
	// Create inserts a placeholder row for url. When the URL already exists
	// the existing row is returned with created == false.
	Create(ctx context.Context, url string) (feed *domain.FeedSource, created bool, err error)
	UpdateMetadata(ctx context.Context, id int64, meta FeedMetadata) (*domain.FeedSource, error)
	ListURLs(ctx context.Context) ([]string, error)
	List(ctx context.Context) ([]domain.FeedSource, error)
	Delete(ctx context.Context, id int64) error
}

type feedRepository struct {
	c conn
}

const feedColumns = "id, url, title, description, link, last_updated, created_at, updated_at"

func scanFeed(row interface{ Scan(...any) error }) (*domain.FeedSource, error) {
	var (
		feed        domain.FeedSource
		lastUpdated sql.NullTime
	)
	err := row.Scan(&feed.ID, &feed.URL, &feed.Title, &feed.Description, &feed.Link,
		&lastUpdated, &feed.CreatedAt, &feed.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastUpdated.Valid {
		t := lastUpdated.Time.UTC()
		feed.LastUpdated = &t
	}
	feed.CreatedAt = feed.CreatedAt.UTC()
	feed.UpdatedAt = feed.UpdatedAt.UTC()
	return &feed, nil
}

func (r *feedRepository) GetByURL(ctx context.Context, url string) (*domain.FeedSource, error) {
	feed, err := scanFeed(r.c.queryRow(ctx,
		"SELECT "+feedColumns+" FROM rss_feeds WHERE url = ?", url))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrFeedNotFound
		}
		return nil, fmt.Errorf("failed to get feed by url: %w", err)
	}
	return feed, nil
}

func (r *feedRepository) GetByID(ctx context.Context, id int64) (*domain.FeedSource, error) {
	feed, err := scanFeed(r.c.queryRow(ctx,
		"SELECT "+feedColumns+" FROM rss_feeds WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrFeedNotFound
		}
		return nil, fmt.Errorf("failed to get feed: %w", err)
	}
	return feed, nil
}

func (r *feedRepository) Create(ctx context.Context, url string) (*domain.FeedSource, bool, error) {
	now := time.Now().UTC()

	var id int64
	err := r.c.queryRow(ctx,
		`INSERT INTO rss_feeds (url, title, description, link, created_at, updated_at)
		VALUES (?, '', '', '', ?, ?)
		ON CONFLICT (url) DO NOTHING
		RETURNING id`,
		url, now, now).Scan(&id)
	switch {
	case err == nil:
		feed, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return feed, true, nil
	case errors.Is(err, sql.ErrNoRows), database.IsUniqueViolation(err):
		// Another writer owns the URL.
		existing, err := r.GetByURL(ctx, url)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	default:
		return nil, false, fmt.Errorf("failed to create feed: %w", err)
	}
}

func (r *feedRepository) UpdateMetadata(ctx context.Context, id int64, meta FeedMetadata) (*domain.FeedSource, error) {
	result, err := r.c.exec(ctx,
		`UPDATE rss_feeds
		SET title = ?, description = ?, link = ?, last_updated = ?, updated_at = ?
		WHERE id = ?`,
		meta.Title, meta.Description, meta.Link, meta.LastUpdated.UTC(), time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update feed: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, domain.ErrFeedNotFound
	}

	return r.GetByID(ctx, id)
}

func (r *feedRepository) ListURLs(ctx context.Context) ([]string, error) {
	rows, err := r.c.query(ctx, "SELECT url FROM rss_feeds ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list feed urls: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, fmt.Errorf("failed to scan feed url: %w", err)
		}
		urls = append(urls, url)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating feed urls: %w", err)
	}

	return urls, nil
}

func (r *feedRepository) List(ctx context.Context) ([]domain.FeedSource, error) {
	rows, err := r.c.query(ctx,
		"SELECT "+feedColumns+" FROM rss_feeds ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to get feeds: %w", err)
	}
	defer rows.Close()

	feeds := []domain.FeedSource{}
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feed: %w", err)
		}
		feeds = append(feeds, *feed)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating feeds: %w", err)
	}

	return feeds, nil
}

func (r *feedRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.c.exec(ctx, "DELETE FROM rss_feeds WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete feed: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return domain.ErrFeedNotFound
	}

	return nil
}
