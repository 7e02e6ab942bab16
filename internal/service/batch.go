package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rss-service/internal/repository"
)

// Report summarizes one batch run.
type Report struct {
	RunID     string        `json:"run_id"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	NewItems  int           `json:"new_items"`
	Duration  time.Duration `json:"duration"`
}

// Batch ingests every stored feed one after another.
type Batch struct {
	store    *repository.Store
	ingester Ingester
	logger   *zap.Logger
}

func NewBatch(store *repository.Store, ingester Ingester, logger *zap.Logger) *Batch {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batch{
		store:    store,
		ingester: ingester,
		logger:   logger.Named("batch"),
	}
}

// IngestAll snapshots the feed URLs and ingests each in isolation. A failing
// feed is logged and skipped; a cancelled ctx ends the run early.
func (b *Batch) IngestAll(ctx context.Context) Report {
	report := Report{RunID: uuid.NewString()}
	start := time.Now()
	log := b.logger.With(zap.String("run_id", report.RunID))

	var urls []string
	err := b.store.WithTx(ctx, func(tx *repository.Tx) error {
		var err error
		urls, err = tx.Feeds.ListURLs(ctx)
		return err
	})
	if err != nil {
		log.Error("failed to list feeds", zap.Error(err))
		return report
	}
	report.Total = len(urls)

	log.Info("batch started", zap.Int("feeds", len(urls)))

	for _, url := range urls {
		if ctx.Err() != nil {
			log.Warn("batch cancelled", zap.Int("remaining", report.Total-report.Succeeded-report.Failed))
			break
		}

		result, err := b.ingester.Ingest(ctx, url)
		if err != nil {
			report.Failed++
			log.Error("feed update failed", zap.String("url", url), zap.Error(err))
			continue
		}
		report.Succeeded++
		report.NewItems += len(result.NewItems)
	}

	report.Duration = time.Since(start)
	log.Info("batch finished",
		zap.Int("total", report.Total),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("new_items", report.NewItems),
		zap.Duration("elapsed", report.Duration))

	return report
}
