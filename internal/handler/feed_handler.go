package handler

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"rss-service/internal/domain"
	"rss-service/internal/repository"
	"rss-service/internal/scheduler"
	"rss-service/internal/service"
	"rss-service/pkg/ratelimit"
)

type TaskQueue interface {
	Submit(url string) (string, error)
	Status(id string) (scheduler.Task, bool)
}

type Refresher interface {
	TriggerNow() bool
}

type FeedHandler struct {
	feeds     *service.FeedService
	queue     TaskQueue
	refresher Refresher
	limiter   *ratelimit.Limiter
	logger    *zap.Logger
}

func NewFeedHandler(
	feeds *service.FeedService,
	queue TaskQueue,
	refresher Refresher,
	limiter *ratelimit.Limiter,
	logger *zap.Logger,
) *FeedHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedHandler{
		feeds:     feeds,
		queue:     queue,
		refresher: refresher,
		limiter:   limiter,
		logger:    logger.Named("api"),
	}
}

type createFeedRequest struct {
	URL string `json:"url"`
}

type feedListResponse struct {
	Feeds []domain.FeedSource `json:"feeds"`
	Total int                 `json:"total"`
}

type itemListResponse struct {
	Items []domain.Item `json:"items"`
	Total int           `json:"total"`
}

type taskResponse struct {
	TaskID string               `json:"task_id"`
	Status scheduler.TaskStatus `json:"status"`
}

func (h *FeedHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *FeedHandler) CreateFeed(w http.ResponseWriter, r *http.Request) {
	var req createFeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	feed, err := h.feeds.CreateFeed(r.Context(), req.URL)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, feed)
}

func (h *FeedHandler) ListFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := h.feeds.ListFeeds(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feedListResponse{Feeds: feeds, Total: len(feeds)})
}

func (h *FeedHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.fail(w, r, domain.ErrFeedNotFound)
		return
	}

	feed, err := h.feeds.GetFeed(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

func (h *FeedHandler) DeleteFeed(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.fail(w, r, domain.ErrFeedNotFound)
		return
	}

	if err := h.feeds.DeleteFeed(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateFeed ingests one feed synchronously.
func (h *FeedHandler) UpdateFeed(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.fail(w, r, domain.ErrFeedNotFound)
		return
	}

	if _, err := h.feeds.GetFeed(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}

	key := "feed:" + strconv.FormatInt(id, 10)
	if h.limiter != nil && !h.limiter.Allow(key) {
		retry := int(math.Ceil(h.limiter.RetryAfter(key).Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
		writeError(w, http.StatusTooManyRequests, "too many update requests for this feed")
		return
	}

	result, err := h.feeds.UpdateFeed(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("X-New-Items", strconv.Itoa(len(result.NewItems)))
	writeJSON(w, http.StatusOK, result.Feed)
}

// UpdateFeedAsync queues an update and returns the task id.
func (h *FeedHandler) UpdateFeedAsync(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.fail(w, r, domain.ErrFeedNotFound)
		return
	}

	feed, err := h.feeds.GetFeed(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	taskID, err := h.queue.Submit(feed.URL)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/tasks/%s", taskID))
	writeJSON(w, http.StatusAccepted, taskResponse{TaskID: taskID, Status: scheduler.StatusPending})
}

func (h *FeedHandler) TaskStatus(w http.ResponseWriter, r *http.Request) {
	task, ok := h.queue.Status(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// Refresh starts a batch run over every feed.
func (h *FeedHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	status := "started"
	if !h.refresher.TriggerNow() {
		status = "already_running"
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": status})
}

func (h *FeedHandler) ListFeedItems(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.fail(w, r, domain.ErrFeedNotFound)
		return
	}
	h.listItems(w, r, id)
}

func (h *FeedHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	feedID, ok := queryInt(r, "feed_id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid feed_id")
		return
	}
	h.listItems(w, r, int64(feedID))
}

func (h *FeedHandler) listItems(w http.ResponseWriter, r *http.Request, feedID int64) {
	limit, ok := queryInt(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, ok := queryInt(r, "offset")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	items, total, err := h.feeds.ListItems(r.Context(), repository.ItemFilter{
		FeedID: feedID,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, itemListResponse{Items: items, Total: total})
}

func (h *FeedHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.fail(w, r, domain.ErrItemNotFound)
		return
	}

	item, err := h.feeds.GetItem(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}
