package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Scheduler drives the periodic work: daily snapshots, evaluation passes,
// impact analysis and the dead-letter sweep.
type Scheduler struct {
	automation    *AutomationService
	snapshots     *MetricsSnapshotService
	impact        *ImpactAnalyzer
	deadLetters   *DeadLetterService
	interval      time.Duration
	sweepInterval time.Duration
	logger        *logrus.Logger

	mu      sync.Mutex
	running bool
}

func NewScheduler(automation *AutomationService, snapshots *MetricsSnapshotService, impact *ImpactAnalyzer, deadLetters *DeadLetterService, interval, sweepInterval time.Duration, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if sweepInterval <= 0 {
		sweepInterval = 15 * time.Minute
	}
	return &Scheduler{
		automation:    automation,
		snapshots:     snapshots,
		impact:        impact,
		deadLetters:   deadLetters,
		interval:      interval,
		sweepInterval: sweepInterval,
		logger:        logger,
	}
}

// Start blocks until ctx is done. The first evaluation tick runs right away.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Infof("Starting automation scheduler (interval=%s, dlq sweep=%s)", s.interval, s.sweepInterval)

	evalTicker := time.NewTicker(s.interval)
	defer evalTicker.Stop()
	sweepTicker := time.NewTicker(s.sweepInterval)
	defer sweepTicker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("automation scheduler stopped")
			return
		case <-evalTicker.C:
			s.Tick(ctx)
		case <-sweepTicker.C:
			s.Sweep(ctx)
		}
	}
}

// Tick runs one evaluation cycle. Overlapping ticks are skipped.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("previous evaluation cycle still running, skipping tick")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if s.snapshots != nil {
		if n, err := s.snapshots.CaptureAll(ctx); err != nil {
			s.logger.Errorf("snapshot capture error: %v", err)
		} else if n > 0 {
			s.logger.Infof("captured %d daily snapshots", n)
		}
	}

	if s.automation != nil {
		results, err := s.automation.RunAll(ctx)
		if err != nil {
			s.logger.Errorf("evaluation cycle error: %v", err)
		}
		created := 0
		for _, r := range results {
			created += r.Created
		}
		s.logger.Infof("evaluation cycle finished: tenants=%d logs_created=%d", len(results), created)
	}

	if s.impact != nil {
		if _, err := s.impact.AnalyzeDue(ctx); err != nil {
			s.logger.Errorf("impact analysis error: %v", err)
		}
	}
}

// Sweep 放弃已达重试上限的死信
func (s *Scheduler) Sweep(ctx context.Context) {
	if s.deadLetters == nil {
		return
	}
	if _, err := s.deadLetters.SweepExhausted(ctx); err != nil {
		s.logger.Errorf("dead letter sweep error: %v", err)
	}
}
