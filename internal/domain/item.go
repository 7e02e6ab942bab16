package domain

import "time"

// Item is one persisted feed entry. Link is globally unique and is the
// deduplication key. An empty Summary means no summary has been stored yet.
type Item struct {
	ID          int64      `json:"id"`
	FeedID      int64      `json:"feed_id"`
	Title       string     `json:"title"`
	Link        string     `json:"link"`
	Description string     `json:"description"`
	Summary     string     `json:"summary,omitempty"`
	Published   *time.Time `json:"published"`
	Author      string     `json:"author"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (i *Item) Validate() error {
	if i.Link == "" {
		return ErrInvalidItemLink
	}
	if i.FeedID <= 0 {
		return ErrInvalidFeedID
	}
	return nil
}

// HasSummary reports whether enrichment already stored a summary.
func (i *Item) HasSummary() bool {
	return i.Summary != ""
}
