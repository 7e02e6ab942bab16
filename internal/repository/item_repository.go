package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"rss-service/internal/database"
	"rss-service/internal/domain"
)

// ItemFilter selects a page of items. FeedID 0 means every feed.
type ItemFilter struct {
	FeedID int64
	Limit  int
	Offset int
}

type ItemRepository interface {
	// LinksByFeed returns the set of links already stored for a feed.
	LinksByFeed(ctx context.Context, feedID int64) (map[string]struct{}, error)
	// Create inserts item and fills its ID and CreatedAt. It reports false,
	// without error, when the link is already stored.
	Create(ctx context.Context, item *domain.Item) (bool, error)
	GetByID(ctx context.Context, id int64) (*domain.Item, error)
	// SetSummaryIfEmpty writes summary only while the stored one is empty.
	SetSummaryIfEmpty(ctx context.Context, id int64, summary string) (bool, error)
	List(ctx context.Context, filter ItemFilter) ([]domain.Item, error)
	Count(ctx context.Context, feedID int64) (int, error)
	DeleteByFeed(ctx context.Context, feedID int64) (int64, error)
}

type itemRepository struct {
	c conn
}

const itemColumns = "id, feed_id, title, link, description, summary, published, author, created_at"

func scanItem(row interface{ Scan(...any) error }) (*domain.Item, error) {
	var (
		item      domain.Item
		published sql.NullTime
	)
	err := row.Scan(&item.ID, &item.FeedID, &item.Title, &item.Link, &item.Description,
		&item.Summary, &published, &item.Author, &item.CreatedAt)
	if err != nil {
		return nil, err
	}
	if published.Valid {
		t := published.Time.UTC()
		item.Published = &t
	}
	item.CreatedAt = item.CreatedAt.UTC()
	return &item, nil
}

func (r *itemRepository) LinksByFeed(ctx context.Context, feedID int64) (map[string]struct{}, error) {
	rows, err := r.c.query(ctx, "SELECT link FROM rss_items WHERE feed_id = ?", feedID)
	if err != nil {
		return nil, fmt.Errorf("failed to get item links: %w", err)
	}
	defer rows.Close()

	links := make(map[string]struct{})
	for rows.Next() {
		var link string
		if err := rows.Scan(&link); err != nil {
			return nil, fmt.Errorf("failed to scan item link: %w", err)
		}
		links[link] = struct{}{}
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating item links: %w", err)
	}

	return links, nil
}

func (r *itemRepository) Create(ctx context.Context, item *domain.Item) (bool, error) {
	if err := item.Validate(); err != nil {
		return false, err
	}

	now := time.Now().UTC()
	var published any
	if item.Published != nil {
		published = item.Published.UTC()
	}

	var id int64
	err := r.c.queryRow(ctx,
		`INSERT INTO rss_items (feed_id, title, link, description, summary, published, author, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (link) DO NOTHING
		RETURNING id`,
		item.FeedID, item.Title, item.Link, item.Description, item.Summary, published, item.Author, now,
	).Scan(&id)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || database.IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create item: %w", err)
	}

	item.ID = id
	item.CreatedAt = now
	return true, nil
}

func (r *itemRepository) GetByID(ctx context.Context, id int64) (*domain.Item, error) {
	item, err := scanItem(r.c.queryRow(ctx,
		"SELECT "+itemColumns+" FROM rss_items WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return item, nil
}

func (r *itemRepository) SetSummaryIfEmpty(ctx context.Context, id int64, summary string) (bool, error) {
	result, err := r.c.exec(ctx,
		"UPDATE rss_items SET summary = ? WHERE id = ? AND summary = ''",
		summary, id)
	if err != nil {
		return false, fmt.Errorf("failed to set item summary: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

func (r *itemRepository) List(ctx context.Context, filter ItemFilter) ([]domain.Item, error) {
	var (
		query strings.Builder
		args  []any
	)
	query.WriteString("SELECT " + itemColumns + " FROM rss_items")
	if filter.FeedID != 0 {
		query.WriteString(" WHERE feed_id = ?")
		args = append(args, filter.FeedID)
	}
	query.WriteString(" ORDER BY published DESC NULLS LAST, created_at DESC, id DESC")
	if filter.Limit > 0 {
		query.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := r.c.query(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get items: %w", err)
	}
	defer rows.Close()

	items := []domain.Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, *item)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}

	return items, nil
}

func (r *itemRepository) Count(ctx context.Context, feedID int64) (int, error) {
	query := "SELECT COUNT(*) FROM rss_items"
	var args []any
	if feedID != 0 {
		query += " WHERE feed_id = ?"
		args = append(args, feedID)
	}

	var count int
	if err := r.c.queryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return count, nil
}

func (r *itemRepository) DeleteByFeed(ctx context.Context, feedID int64) (int64, error) {
	result, err := r.c.exec(ctx, "DELETE FROM rss_items WHERE feed_id = ?", feedID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete items: %w", err)
	}
	return result.RowsAffected()
}
