package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"rss-service/internal/domain"
	"rss-service/pkg/datetime"
)

const DefaultTimeout = 30 * time.Second

// ParsedFeed is a fetched document with every fallback already resolved.
type ParsedFeed struct {
	Title       string
	Description string
	Link        string
	Updated     *time.Time
	Entries     []Entry
}

// Entry is one feed entry in document order.
type Entry struct {
	Title       string
	Link        string
	Description string
	Author      string
	Published   *time.Time
}

// Fetcher downloads and parses RSS, Atom and JSON feeds.
type Fetcher struct {
	parser *gofeed.Parser
	logger *zap.Logger
}

func New(timeout time.Duration, userAgent string, logger *zap.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	parser := gofeed.NewParser()
	parser.Client = &http.Client{Timeout: timeout}
	if userAgent != "" {
		parser.UserAgent = userAgent
	}

	return &Fetcher{
		parser: parser,
		logger: logger.Named("fetcher"),
	}
}

// Fetch retrieves url and parses it. Any transport, status or parse failure
// is reported as domain.ErrFetchFailed; a cancelled ctx is returned as is.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*ParsedFeed, error) {
	start := time.Now()

	feed, err := f.parser.ParseURLWithContext(url, ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		f.logger.Warn("feed fetch failed",
			zap.String("url", url),
			zap.String("reason", failureReason(err)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrFetchFailed, url, err)
	}

	parsed := convert(feed)
	f.logger.Debug("feed fetched",
		zap.String("url", url),
		zap.Int("entries", len(parsed.Entries)),
		zap.Duration("elapsed", time.Since(start)))

	return parsed, nil
}

func failureReason(err error) string {
	var httpErr gofeed.HTTPError
	if errors.As(err, &httpErr) {
		return fmt.Sprintf("http_status_%d", httpErr.StatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, gofeed.ErrFeedTypeNotDetected) {
		return "unknown_format"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "network"
	}
	return "parse"
}

func convert(feed *gofeed.Feed) *ParsedFeed {
	parsed := &ParsedFeed{
		Title:       feed.Title,
		Description: feed.Description,
		Link:        feed.Link,
		Updated:     datetime.Normalize(feed.UpdatedParsed, feed.Updated),
		Entries:     make([]Entry, 0, len(feed.Items)),
	}

	for _, item := range feed.Items {
		if item == nil {
			continue
		}

		description := item.Description
		if description == "" {
			description = item.Content
		}

		parsed.Entries = append(parsed.Entries, Entry{
			Title:       item.Title,
			Link:        item.Link,
			Description: description,
			Author:      authorName(item),
			Published: datetime.First(
				datetime.Normalize(item.PublishedParsed, item.Published),
				datetime.Normalize(item.UpdatedParsed, item.Updated),
			),
		})
	}

	return parsed
}

func authorName(item *gofeed.Item) string {
	for _, person := range item.Authors {
		if person == nil {
			continue
		}
		if person.Name != "" {
			return person.Name
		}
		if person.Email != "" {
			return person.Email
		}
	}
	if item.Author != nil {
		if item.Author.Name != "" {
			return item.Author.Name
		}
		return item.Author.Email
	}
	return ""
}
