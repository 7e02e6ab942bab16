package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rss-service/internal/domain"
	"rss-service/internal/service"
)

type TaskStatus string

const (
	StatusPending TaskStatus = "pending"
	StatusRunning TaskStatus = "running"
	StatusSuccess TaskStatus = "success"
	StatusFailure TaskStatus = "failure"
)

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 100
	DefaultRetention = time.Hour
)

// Task is a queued "ingest one feed" job.
type Task struct {
	ID         string     `json:"task_id"`
	URL        string     `json:"url"`
	Status     TaskStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	FeedID     int64      `json:"feed_id,omitempty"`
	NewItems   int        `json:"new_items"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Queue runs submitted feed updates on a fixed pool of workers.
type Queue struct {
	ingester  service.Ingester
	workers   int
	retention time.Duration
	logger    *zap.Logger

	jobs chan string

	mu      sync.Mutex
	tasks   map[string]*Task
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewQueue(ingester service.Ingester, workers, size int, retention time.Duration, logger *zap.Logger) *Queue {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if size <= 0 {
		size = DefaultQueueSize
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		ingester:  ingester,
		workers:   workers,
		retention: retention,
		logger:    logger.Named("queue"),
		jobs:      make(chan string, size),
		tasks:     make(map[string]*Task),
	}
}

func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("queue already started")
	}

	ctx, q.cancel = context.WithCancel(ctx)
	q.started = true

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.wg.Add(1)
	go q.cleanup(ctx)

	q.logger.Info("task queue started", zap.Int("workers", q.workers), zap.Int("capacity", cap(q.jobs)))
	return nil
}

// Stop cancels running tasks and waits for the workers to exit. Tasks still
// queued stay pending.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	cancel := q.cancel
	q.mu.Unlock()

	cancel()
	q.wg.Wait()
	q.logger.Info("task queue stopped")
}

// Submit queues an update of url and returns the task id.
func (q *Queue) Submit(url string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.started {
		return "", domain.ErrQueueStopped
	}

	task := &Task{
		ID:        uuid.NewString(),
		URL:       url,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	select {
	case q.jobs <- task.ID:
	default:
		return "", domain.ErrQueueFull
	}
	q.tasks[task.ID] = task

	q.logger.Debug("task submitted", zap.String("task_id", task.ID), zap.String("url", url))
	return task.ID, nil
}

// Status returns a copy of the task with the given id.
func (q *Queue) Status(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.jobs:
			q.run(ctx, id)
		}
	}
}

func (q *Queue) run(ctx context.Context, id string) {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	task.Status = StatusRunning
	url := task.URL
	q.mu.Unlock()

	result, err := q.ingester.Ingest(ctx, url)

	now := time.Now().UTC()
	q.mu.Lock()
	defer q.mu.Unlock()
	task.FinishedAt = &now
	if err != nil {
		task.Status = StatusFailure
		task.Error = err.Error()
		if errors.Is(err, domain.ErrFetchFailed) {
			task.Error = domain.ErrFetchFailed.Error()
		}
		q.logger.Warn("task failed", zap.String("task_id", id), zap.String("url", url), zap.Error(err))
		return
	}

	task.Status = StatusSuccess
	task.FeedID = result.Feed.ID
	task.NewItems = len(result.NewItems)
	q.logger.Info("task finished",
		zap.String("task_id", id),
		zap.String("url", url),
		zap.Int("new_items", task.NewItems))
}

func (q *Queue) cleanup(ctx context.Context) {
	defer q.wg.Done()

	interval := q.retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			q.prune(now)
		}
	}
}

// prune drops finished tasks older than the retention period.
func (q *Queue) prune(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, task := range q.tasks {
		if task.FinishedAt != nil && now.Sub(*task.FinishedAt) > q.retention {
			delete(q.tasks, id)
			removed++
		}
	}
	if removed > 0 {
		q.logger.Debug("pruned finished tasks", zap.Int("count", removed))
	}
	return removed
}
