package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rss-service/internal/service"
)

const DefaultInterval = 300 * time.Second

type BatchRunner interface {
	IngestAll(ctx context.Context) service.Report
}

// Scheduler runs a batch over all feeds on a fixed interval. Only one batch
// runs at a time; a tick that arrives during a run is skipped.
type Scheduler struct {
	runner     BatchRunner
	runOnStart bool
	logger     *zap.Logger

	mu       sync.Mutex
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	resetCh  chan struct{}
	started  bool
	last     *service.Report

	running atomic.Bool
	wg      sync.WaitGroup
}

func New(runner BatchRunner, interval time.Duration, runOnStart bool, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:     runner,
		interval:   interval,
		runOnStart: runOnStart,
		logger:     logger.Named("scheduler"),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.resetCh = make(chan struct{})
	s.started = true

	s.wg.Add(1)
	go s.loop()

	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	if s.runOnStart {
		s.tryRun("startup")
	}
	return nil
}

// Stop cancels the loop and any running batch and waits for both.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.started = false
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) SetInterval(d time.Duration) error {
	if d <= 0 {
		return errors.New("interval must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
	if s.started {
		close(s.resetCh)
		s.resetCh = make(chan struct{})
	}
	s.logger.Info("refresh interval changed", zap.Duration("interval", d))
	return nil
}

func (s *Scheduler) CurrentInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// TriggerNow starts a batch immediately. It returns false when the
// scheduler is stopped or a batch is already running.
func (s *Scheduler) TriggerNow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return false
	}
	return s.tryRun("manual")
}

func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// LastReport returns the report of the most recent finished batch.
func (s *Scheduler) LastReport() (service.Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return service.Report{}, false
	}
	return *s.last, true
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		interval := s.interval
		resetCh := s.resetCh
		ctx := s.ctx
		s.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-resetCh:
			timer.Stop()
			continue
		case <-timer.C:
		}

		s.mu.Lock()
		s.tryRun("tick")
		s.mu.Unlock()
	}
}

// tryRun must be called with s.mu held.
func (s *Scheduler) tryRun(trigger string) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info("batch still running, skipping", zap.String("trigger", trigger))
		return false
	}

	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)

		report := s.runner.IngestAll(ctx)

		s.mu.Lock()
		s.last = &report
		s.mu.Unlock()
		s.logger.Debug("batch run recorded",
			zap.String("trigger", trigger),
			zap.String("run_id", report.RunID))
	}()
	return true
}
