package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/feeds"
	"go.uber.org/zap/zaptest"

	"rss-service/internal/database"
	"rss-service/internal/domain"
	"rss-service/internal/fetcher"
	"rss-service/internal/repository"
)

func newTestStore(t *testing.T) *repository.Store {
	t.Helper()
	m, err := database.NewManager(context.Background(), database.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "rss.db"),
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return repository.NewStore(m)
}

type fixtureEntry struct {
	title     string
	link      string
	published time.Time
}

func rssBody(t *testing.T, title string, entries ...fixtureEntry) string {
	t.Helper()
	feed := &feeds.Feed{
		Title:       title,
		Link:        &feeds.Link{Href: "https://site.example.com"},
		Description: title + " description",
	}
	for _, e := range entries {
		feed.Items = append(feed.Items, &feeds.Item{
			Title:       e.title,
			Link:        &feeds.Link{Href: e.link},
			Description: e.title + " body",
			Created:     e.published,
		})
	}
	body, err := feed.ToRss()
	if err != nil {
		t.Fatalf("ToRss: %v", err)
	}
	return body
}

// feedServer serves a document that tests can swap between fetches.
type feedServer struct {
	*httptest.Server
	mu     sync.Mutex
	body   string
	status int
	hits   atomic.Int32
}

func newFeedServer(t *testing.T, body string) *feedServer {
	t.Helper()
	fs := &feedServer{body: body, status: http.StatusOK}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.hits.Add(1)
		fs.mu.Lock()
		body, status := fs.body, fs.status
		fs.mu.Unlock()
		w.Header().Set("Content-Type", "application/rss+xml")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) set(body string, status int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.body = body
	fs.status = status
}

// stubSummarizer returns a summary derived from the link. When gate is set
// each call waits for it before answering.
type stubSummarizer struct {
	calls   atomic.Int32
	fail    bool
	gate    chan struct{}
	started chan struct{}
}

func (s *stubSummarizer) Summarize(ctx context.Context, title, link string) (string, bool) {
	s.calls.Add(1)
	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return "", false
		}
	}
	if s.fail {
		return "", false
	}
	return "summary of " + link, true
}

func newTestEngine(t *testing.T, store *repository.Store, summarizer Summarizer) *Engine {
	t.Helper()
	logger := zaptest.NewLogger(t)
	engine := NewEngine(store, fetcher.New(2*time.Second, "", logger), summarizer, 2, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		engine.Shutdown(ctx)
	})
	return engine
}

func listItems(t *testing.T, store *repository.Store, feedID int64) []domain.Item {
	t.Helper()
	var items []domain.Item
	err := store.WithTx(context.Background(), func(tx *repository.Tx) error {
		var err error
		items, err = tx.Items.List(context.Background(), repository.ItemFilter{FeedID: feedID})
		return err
	})
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	return items
}

func getFeedByURL(t *testing.T, store *repository.Store, url string) (*domain.FeedSource, error) {
	t.Helper()
	var feed *domain.FeedSource
	err := store.WithTx(context.Background(), func(tx *repository.Tx) error {
		var err error
		feed, err = tx.Feeds.GetByURL(context.Background(), url)
		return err
	})
	return feed, err
}

// gatedFetcher blocks every Fetch until release is closed or the run's
// context ends, then returns a one-entry document.
type gatedFetcher struct {
	calls     atomic.Int32
	started   chan struct{}
	release   chan struct{}
	cancelled chan struct{}
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{
		started:   make(chan struct{}, 1),
		release:   make(chan struct{}),
		cancelled: make(chan struct{}, 1),
	}
}

func (f *gatedFetcher) Fetch(ctx context.Context, url string) (*fetcher.ParsedFeed, error) {
	f.calls.Add(1)
	select {
	case f.started <- struct{}{}:
	default:
	}
	select {
	case <-f.release:
	case <-ctx.Done():
		select {
		case f.cancelled <- struct{}{}:
		default:
		}
		return nil, ctx.Err()
	}
	published := day1
	return &fetcher.ParsedFeed{
		Title: "Gated",
		Entries: []fetcher.Entry{
			{Title: "only", Link: url + "/only", Published: &published},
		},
	}, nil
}

func newGatedEngine(t *testing.T, store *repository.Store, f *gatedFetcher) *Engine {
	t.Helper()
	engine := NewEngine(store, f, nil, 2, zaptest.NewLogger(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		engine.Shutdown(ctx)
	})
	return engine
}

// waitForWaiters blocks until n callers share the run for url.
func waitForWaiters(t *testing.T, e *Engine, url string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		c, ok := e.calls[url]
		joined := ok && c.waiters >= n
		e.mu.Unlock()
		if joined {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never saw %d callers on %s", n, url)
}
