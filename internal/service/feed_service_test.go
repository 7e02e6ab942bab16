package service

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.uber.org/zap/zaptest"

	"rss-service/internal/domain"
	"rss-service/internal/repository"
)

func newTestFeedService(t *testing.T) (*FeedService, *repository.Store) {
	t.Helper()
	store := newTestStore(t)
	return NewFeedService(store, newTestEngine(t, store, nil), zaptest.NewLogger(t)), store
}

func TestCreateFeed(t *testing.T) {
	svc, store := newTestFeedService(t)
	srv := newFeedServer(t, rssBody(t, "Created", fixtureEntry{"1", "https://created.example.com/1", day1}))
	ctx := context.Background()

	feed, err := svc.CreateFeed(ctx, "  "+srv.URL+" ")
	if err != nil {
		t.Fatalf("CreateFeed: %v", err)
	}
	if feed.URL != srv.URL || feed.Title != "Created" {
		t.Errorf("feed = %+v", feed)
	}
	if items := listItems(t, store, feed.ID); len(items) != 1 {
		t.Errorf("stored %d items, want 1", len(items))
	}

	if _, err := svc.CreateFeed(ctx, srv.URL); !errors.Is(err, domain.ErrFeedAlreadyExists) {
		t.Errorf("duplicate CreateFeed = %v, want ErrFeedAlreadyExists", err)
	}
}

func TestCreateFeedRejectsInvalidURL(t *testing.T) {
	svc, _ := newTestFeedService(t)
	for _, raw := range []string{"", "not a url", "ftp://example.com/feed", "http://"} {
		if _, err := svc.CreateFeed(context.Background(), raw); !errors.Is(err, domain.ErrInvalidFeedURL) {
			t.Errorf("CreateFeed(%q) = %v, want ErrInvalidFeedURL", raw, err)
		}
	}
}

func TestCreateFeedDropsUnparseableSubscription(t *testing.T) {
	svc, store := newTestFeedService(t)
	srv := newFeedServer(t, "")
	srv.set("<html>not a feed</html>", http.StatusOK)

	_, err := svc.CreateFeed(context.Background(), srv.URL)
	if !errors.Is(err, domain.ErrFetchFailed) {
		t.Fatalf("err = %v, want ErrFetchFailed", err)
	}
	if _, err := getFeedByURL(t, store, srv.URL); !errors.Is(err, domain.ErrFeedNotFound) {
		t.Errorf("placeholder should be removed, lookup = %v", err)
	}
}

func TestCreateFeedCancelledDropsPlaceholder(t *testing.T) {
	store := newTestStore(t)
	gated := newGatedFetcher()
	svc := NewFeedService(store, newGatedEngine(t, store, gated), zaptest.NewLogger(t))
	const url = "https://hangup.example.com/feed"

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := svc.CreateFeed(ctx, url)
		errs <- err
	}()
	<-gated.started
	cancel()

	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if _, err := getFeedByURL(t, store, url); !errors.Is(err, domain.ErrFeedNotFound) {
		t.Errorf("placeholder should be removed, lookup = %v", err)
	}

	// The URL can be subscribed again.
	close(gated.release)
	feed, err := svc.CreateFeed(context.Background(), url)
	if err != nil {
		t.Fatalf("CreateFeed retry: %v", err)
	}
	if feed.Title != "Gated" {
		t.Errorf("feed = %+v", feed)
	}
}

func TestUpdateFeed(t *testing.T) {
	svc, _ := newTestFeedService(t)
	srv := newFeedServer(t, rssBody(t, "Updates", fixtureEntry{"1", "https://updates.example.com/1", day1}))
	ctx := context.Background()

	feed, err := svc.CreateFeed(ctx, srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	srv.set(rssBody(t, "Updates",
		fixtureEntry{"1", "https://updates.example.com/1", day1},
		fixtureEntry{"2", "https://updates.example.com/2", day2},
	), http.StatusOK)

	result, err := svc.UpdateFeed(ctx, feed.ID)
	if err != nil {
		t.Fatalf("UpdateFeed: %v", err)
	}
	if len(result.NewItems) != 1 {
		t.Errorf("NewItems = %d, want 1", len(result.NewItems))
	}

	if _, err := svc.UpdateFeed(ctx, 9999); !errors.Is(err, domain.ErrFeedNotFound) {
		t.Errorf("UpdateFeed(missing) = %v, want ErrFeedNotFound", err)
	}

	srv.set("broken", http.StatusServiceUnavailable)
	if _, err := svc.UpdateFeed(ctx, feed.ID); !errors.Is(err, domain.ErrFetchFailed) {
		t.Errorf("UpdateFeed(broken) = %v, want ErrFetchFailed", err)
	}
	if _, err := svc.GetFeed(ctx, feed.ID); err != nil {
		t.Errorf("existing feed must survive a failed update: %v", err)
	}
}

func TestDeleteFeedRemovesItems(t *testing.T) {
	svc, _ := newTestFeedService(t)
	srv := newFeedServer(t, rssBody(t, "Doomed",
		fixtureEntry{"1", "https://doomed.example.com/1", day1},
		fixtureEntry{"2", "https://doomed.example.com/2", day2},
	))
	ctx := context.Background()

	feed, err := svc.CreateFeed(ctx, srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.DeleteFeed(ctx, feed.ID); err != nil {
		t.Fatalf("DeleteFeed: %v", err)
	}
	if _, err := svc.GetFeed(ctx, feed.ID); !errors.Is(err, domain.ErrFeedNotFound) {
		t.Errorf("GetFeed after delete = %v", err)
	}
	_, total, err := svc.ListItems(ctx, repository.ItemFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("%d items left after delete", total)
	}

	if err := svc.DeleteFeed(ctx, feed.ID); !errors.Is(err, domain.ErrFeedNotFound) {
		t.Errorf("second DeleteFeed = %v, want ErrFeedNotFound", err)
	}
}

func TestListItemsPaging(t *testing.T) {
	svc, _ := newTestFeedService(t)
	srv := newFeedServer(t, rssBody(t, "Paged",
		fixtureEntry{"old", "https://paged.example.com/old", day1},
		fixtureEntry{"mid", "https://paged.example.com/mid", day2},
		fixtureEntry{"new", "https://paged.example.com/new", day3},
	))
	ctx := context.Background()

	feed, err := svc.CreateFeed(ctx, srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	items, total, err := svc.ListItems(ctx, repository.ItemFilter{FeedID: feed.ID, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(items) != 2 {
		t.Fatalf("got %d items of %d", len(items), total)
	}
	if items[0].Title != "new" || items[1].Title != "mid" {
		t.Errorf("order = %q, %q", items[0].Title, items[1].Title)
	}

	items, _, err = svc.ListItems(ctx, repository.ItemFilter{FeedID: feed.ID, Limit: 2, Offset: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Title != "old" {
		t.Errorf("second page = %+v", items)
	}

	got, err := svc.GetItem(ctx, items[0].ID)
	if err != nil || got.Link != "https://paged.example.com/old" {
		t.Errorf("GetItem = %+v, %v", got, err)
	}
	if _, err := svc.GetItem(ctx, 424242); !errors.Is(err, domain.ErrItemNotFound) {
		t.Errorf("GetItem(missing) = %v", err)
	}

	if _, _, err := svc.ListItems(ctx, repository.ItemFilter{FeedID: 777}); !errors.Is(err, domain.ErrFeedNotFound) {
		t.Errorf("ListItems(missing feed) = %v", err)
	}
}

func TestNormalizeFilter(t *testing.T) {
	tests := []struct {
		in   repository.ItemFilter
		want repository.ItemFilter
	}{
		{repository.ItemFilter{}, repository.ItemFilter{Limit: DefaultItemLimit}},
		{repository.ItemFilter{Limit: 500, Offset: -3}, repository.ItemFilter{Limit: MaxItemLimit}},
		{repository.ItemFilter{FeedID: 4, Limit: 10, Offset: 20}, repository.ItemFilter{FeedID: 4, Limit: 10, Offset: 20}},
	}
	for _, tt := range tests {
		if got := normalizeFilter(tt.in); got != tt.want {
			t.Errorf("normalizeFilter(%+v) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}
