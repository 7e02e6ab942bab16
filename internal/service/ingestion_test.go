package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"rss-service/internal/domain"
	"rss-service/internal/repository"
)

var (
	day1 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	day2 = time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	day3 = time.Date(2024, 3, 3, 9, 0, 0, 0, time.UTC)
)

func TestIngestNewFeedAndRepeat(t *testing.T) {
	store := newTestStore(t)
	srv := newFeedServer(t, rssBody(t, "News",
		fixtureEntry{"A", "https://news.example.com/a", day1},
		fixtureEntry{"B", "https://news.example.com/b", day2},
		fixtureEntry{"A again", "https://news.example.com/a", day3},
	))
	engine := newTestEngine(t, store, nil)
	ctx := context.Background()

	result, err := engine.Ingest(ctx, srv.URL)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !result.Created {
		t.Error("first ingestion should create the feed")
	}
	if result.Feed.Title != "News" || result.Feed.LastUpdated == nil {
		t.Errorf("feed metadata not refreshed: %+v", result.Feed)
	}
	if len(result.NewItems) != 2 {
		t.Fatalf("NewItems = %d, want 2", len(result.NewItems))
	}
	if result.NewItems[0].Link != "https://news.example.com/a" || result.NewItems[0].Title != "A" {
		t.Errorf("first occurrence should win, got %+v", result.NewItems[0])
	}
	if result.NewItems[1].Link != "https://news.example.com/b" {
		t.Errorf("second item = %+v", result.NewItems[1])
	}
	if p := result.NewItems[0].Published; p == nil || !p.Equal(day1) {
		t.Errorf("Published = %v, want %v", p, day1)
	}

	again, err := engine.Ingest(ctx, srv.URL)
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if again.Created {
		t.Error("second ingestion reported Created")
	}
	if again.Feed.ID != result.Feed.ID {
		t.Errorf("feed id changed from %d to %d", result.Feed.ID, again.Feed.ID)
	}
	if len(again.NewItems) != 0 {
		t.Errorf("second ingestion inserted %d items", len(again.NewItems))
	}

	if items := listItems(t, store, result.Feed.ID); len(items) != 2 {
		t.Errorf("stored %d items, want 2", len(items))
	}
}

func TestIngestNeverRewritesSeenEntries(t *testing.T) {
	store := newTestStore(t)
	srv := newFeedServer(t, rssBody(t, "Blog", fixtureEntry{"Original", "https://blog.example.com/1", day1}))
	engine := newTestEngine(t, store, nil)
	ctx := context.Background()

	first, err := engine.Ingest(ctx, srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	srv.set(rssBody(t, "Blog renamed",
		fixtureEntry{"Edited", "https://blog.example.com/1", day1},
		fixtureEntry{"Fresh", "https://blog.example.com/2", day2},
	), http.StatusOK)

	second, err := engine.Ingest(ctx, srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if second.Feed.Title != "Blog renamed" {
		t.Errorf("feed title = %q, metadata should be overwritten", second.Feed.Title)
	}
	if len(second.NewItems) != 1 || second.NewItems[0].Title != "Fresh" {
		t.Errorf("NewItems = %+v", second.NewItems)
	}

	for _, item := range listItems(t, store, first.Feed.ID) {
		if item.Link == "https://blog.example.com/1" && item.Title != "Original" {
			t.Errorf("seen entry was rewritten to %q", item.Title)
		}
	}
}

func TestIngestUsesNowWhenFeedHasNoDate(t *testing.T) {
	store := newTestStore(t)
	srv := newFeedServer(t, rssBody(t, "Undated", fixtureEntry{"X", "https://undated.example.com/x", time.Time{}}))
	engine := newTestEngine(t, store, nil)

	before := time.Now().UTC().Add(-time.Second)
	result, err := engine.Ingest(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	if result.Feed.LastUpdated == nil || result.Feed.LastUpdated.Before(before) {
		t.Errorf("LastUpdated = %v, want about now", result.Feed.LastUpdated)
	}
	if result.NewItems[0].Published != nil {
		t.Errorf("undated entry got Published %v", result.NewItems[0].Published)
	}
}

func TestIngestFetchFailureKeepsPlaceholder(t *testing.T) {
	store := newTestStore(t)
	srv := newFeedServer(t, "nope")
	srv.set("nope", http.StatusInternalServerError)
	engine := newTestEngine(t, store, nil)

	_, err := engine.Ingest(context.Background(), srv.URL)
	if !errors.Is(err, domain.ErrFetchFailed) {
		t.Fatalf("err = %v, want ErrFetchFailed", err)
	}

	feed, err := getFeedByURL(t, store, srv.URL)
	if err != nil {
		t.Fatalf("placeholder missing: %v", err)
	}
	if feed.Title != "" || feed.LastUpdated != nil {
		t.Errorf("placeholder was modified: %+v", feed)
	}
	if items := listItems(t, store, feed.ID); len(items) != 0 {
		t.Errorf("failed ingestion stored %d items", len(items))
	}
}

func TestIngestCancelledContext(t *testing.T) {
	store := newTestStore(t)
	srv := newFeedServer(t, rssBody(t, "Any"))
	engine := newTestEngine(t, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Ingest(ctx, srv.URL)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, domain.ErrFetchFailed) {
		t.Error("cancellation reported as fetch failure")
	}
}

func TestIngestCancelledCallerDoesNotFailSharedRun(t *testing.T) {
	store := newTestStore(t)
	gated := newGatedFetcher()
	engine := newGatedEngine(t, store, gated)
	const url = "https://shared.example.com/feed"

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := engine.Ingest(ctxA, url)
		errA <- err
	}()
	<-gated.started

	type outcome struct {
		result *Result
		err    error
	}
	resB := make(chan outcome, 1)
	go func() {
		result, err := engine.Ingest(context.Background(), url)
		resB <- outcome{result, err}
	}()
	waitForWaiters(t, engine, url, 2)

	cancelA()
	select {
	case err := <-errA:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("cancelled caller err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(gated.release)
	select {
	case out := <-resB:
		if out.err != nil {
			t.Fatalf("live caller err = %v", out.err)
		}
		if out.result.Feed.Title != "Gated" || len(out.result.NewItems) != 1 {
			t.Errorf("result = %+v", out.result)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("live caller did not return")
	}

	if n := gated.calls.Load(); n != 1 {
		t.Errorf("fetched %d times, want 1 shared fetch", n)
	}
}

func TestIngestLastCallerLeavingAbortsFetch(t *testing.T) {
	store := newTestStore(t)
	gated := newGatedFetcher()
	engine := newGatedEngine(t, store, gated)
	const url = "https://abandoned.example.com/feed"

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := engine.Ingest(ctx, url)
		errs <- err
	}()
	<-gated.started
	cancel()

	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	select {
	case <-gated.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("fetch was not cancelled")
	}

	// A later caller starts a fresh run instead of joining the aborted one.
	close(gated.release)
	result, err := engine.Ingest(context.Background(), url)
	if err != nil {
		t.Fatalf("Ingest after abort: %v", err)
	}
	if len(result.NewItems) != 1 {
		t.Errorf("NewItems = %d, want 1", len(result.NewItems))
	}
}

func TestIngestAfterShutdown(t *testing.T) {
	store := newTestStore(t)
	engine := newGatedEngine(t, store, newGatedFetcher())

	if err := engine.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Ingest(context.Background(), "https://late.example.com/feed"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestIngestSkipsLinksOwnedByAnotherFeed(t *testing.T) {
	store := newTestStore(t)
	shared := fixtureEntry{"Shared", "https://shared.example.com/post", day1}
	first := newFeedServer(t, rssBody(t, "First", shared))
	second := newFeedServer(t, rssBody(t, "Second", shared,
		fixtureEntry{"Own", "https://second.example.com/own", day2}))
	engine := newTestEngine(t, store, nil)
	ctx := context.Background()

	if _, err := engine.Ingest(ctx, first.URL); err != nil {
		t.Fatal(err)
	}
	result, err := engine.Ingest(ctx, second.URL)
	if err != nil {
		t.Fatalf("cross-feed duplicate should not fail: %v", err)
	}
	if len(result.NewItems) != 1 || result.NewItems[0].Link != "https://second.example.com/own" {
		t.Errorf("NewItems = %+v", result.NewItems)
	}
}

func TestIngestConcurrentCallsStoreEachEntryOnce(t *testing.T) {
	store := newTestStore(t)
	srv := newFeedServer(t, rssBody(t, "Busy",
		fixtureEntry{"1", "https://busy.example.com/1", day1},
		fixtureEntry{"2", "https://busy.example.com/2", day2},
		fixtureEntry{"3", "https://busy.example.com/3", day3},
	))
	engine := newTestEngine(t, store, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.Ingest(context.Background(), srv.URL); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Ingest: %v", err)
	}

	var feeds []domain.FeedSource
	err := store.WithTx(context.Background(), func(tx *repository.Tx) error {
		var err error
		feeds, err = tx.Feeds.List(context.Background())
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(feeds) != 1 {
		t.Fatalf("stored %d feeds, want 1", len(feeds))
	}
	if items := listItems(t, store, feeds[0].ID); len(items) != 3 {
		t.Errorf("stored %d items, want 3", len(items))
	}
}

func TestEnrichmentStoresSummaries(t *testing.T) {
	store := newTestStore(t)
	srv := newFeedServer(t, rssBody(t, "Enriched",
		fixtureEntry{"1", "https://enriched.example.com/1", day1},
		fixtureEntry{"2", "https://enriched.example.com/2", day2},
		fixtureEntry{"3", "https://enriched.example.com/3", day3},
	))
	summarizer := &stubSummarizer{}
	engine := newTestEngine(t, store, summarizer)

	result, err := engine.Ingest(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	engine.Wait()

	if n := summarizer.calls.Load(); n != 3 {
		t.Errorf("Summarize called %d times, want 3", n)
	}
	for _, item := range listItems(t, store, result.Feed.ID) {
		if item.Summary != "summary of "+item.Link {
			t.Errorf("item %s summary = %q", item.Link, item.Summary)
		}
	}

	// Nothing new on the second run, so nothing to enrich.
	if _, err := engine.Ingest(context.Background(), srv.URL); err != nil {
		t.Fatal(err)
	}
	engine.Wait()
	if n := summarizer.calls.Load(); n != 3 {
		t.Errorf("Summarize called %d times after repeat, want 3", n)
	}
}

func TestEnrichmentFailureLeavesSummaryEmpty(t *testing.T) {
	store := newTestStore(t)
	srv := newFeedServer(t, rssBody(t, "Plain", fixtureEntry{"1", "https://plain.example.com/1", day1}))
	engine := newTestEngine(t, store, &stubSummarizer{fail: true})

	result, err := engine.Ingest(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	engine.Wait()

	items := listItems(t, store, result.Feed.ID)
	if len(items) != 1 || items[0].HasSummary() {
		t.Errorf("items = %+v, want one item without summary", items)
	}
}

func TestEnrichmentDoesNotClobberExistingSummary(t *testing.T) {
	store := newTestStore(t)
	srv := newFeedServer(t, rssBody(t, "Race", fixtureEntry{"1", "https://race.example.com/1", day1}))
	summarizer := &stubSummarizer{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	engine := newTestEngine(t, store, summarizer)

	result, err := engine.Ingest(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	itemID := result.NewItems[0].ID

	select {
	case <-summarizer.started:
	case <-time.After(5 * time.Second):
		t.Fatal("enrichment never started")
	}

	// A competing writer stores its summary first.
	err = store.WithTx(context.Background(), func(tx *repository.Tx) error {
		_, err := tx.Items.SetSummaryIfEmpty(context.Background(), itemID, "written elsewhere")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	close(summarizer.gate)
	engine.Wait()

	items := listItems(t, store, result.Feed.ID)
	if items[0].Summary != "written elsewhere" {
		t.Errorf("summary = %q, existing summary was overwritten", items[0].Summary)
	}
}

func TestShutdownCancelsPendingEnrichment(t *testing.T) {
	store := newTestStore(t)
	srv := newFeedServer(t, rssBody(t, "Slow", fixtureEntry{"1", "https://slow.example.com/1", day1}))
	summarizer := &stubSummarizer{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	engine := newTestEngine(t, store, summarizer)

	result, err := engine.Ingest(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	<-summarizer.started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := engine.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	items := listItems(t, store, result.Feed.ID)
	if items[0].HasSummary() {
		t.Error("cancelled enrichment stored a summary")
	}
}
