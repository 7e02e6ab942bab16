package domain

import "errors"

var (
	ErrInvalidFeedURL    = errors.New("invalid feed URL")
	ErrInvalidFeedID     = errors.New("invalid feed ID")
	ErrFeedNotFound      = errors.New("feed not found")
	ErrFeedAlreadyExists = errors.New("feed already exists")

	ErrInvalidItemLink = errors.New("invalid item link")
	ErrItemNotFound    = errors.New("item not found")

	// ErrFetchFailed covers every way a feed can fail to come back as a
	// parsed document: network errors, timeouts, non-2xx responses and
	// malformed bodies.
	ErrFetchFailed = errors.New("feed could not be fetched or parsed")

	ErrQueueFull    = errors.New("task queue is full")
	ErrQueueStopped = errors.New("task queue is not running")

	ErrDatabaseConnection = errors.New("database connection error")
)
