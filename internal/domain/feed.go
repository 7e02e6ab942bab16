package domain

import (
	"net/url"
	"strings"
	"time"
)

// FeedSource is one subscribed feed. URL is the immutable unique key.
type FeedSource struct {
	ID          int64      `json:"id"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Link        string     `json:"link"`
	LastUpdated *time.Time `json:"last_updated"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ValidateFeedURL accepts absolute http and https URLs only.
func ValidateFeedURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrInvalidFeedURL
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return ErrInvalidFeedURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrInvalidFeedURL
	}
	if u.Host == "" {
		return ErrInvalidFeedURL
	}
	return nil
}
