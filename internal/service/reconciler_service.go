package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/campushq/class-enroll-api/internal/models"
	"github.com/campushq/class-enroll-api/pkg/jobs"
)

type promotionRepository interface {
	UndersubscribedClasses(ctx context.Context) ([]string, error)
	PromoteNext(ctx context.Context, classID string) (*models.Enrollment, error)
}

// ReconcilerService periodically scans for classes holding both a free seat
// and a waitlist, and drains their waitlists. The in-transaction cascade
// already promotes on every freed seat; the reconciler covers seats opened
// by capacity increases and any cascade the process missed while down.
type ReconcilerService struct {
	repo     promotionRepository
	cache    statsCache
	metrics  *MetricsService
	interval time.Duration
	queue    *jobs.Queue
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconcilerService constructs ReconcilerService.
func NewReconcilerService(repo promotionRepository, cache statsCache, metrics *MetricsService, interval time.Duration, logger *zap.Logger) *ReconcilerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s := &ReconcilerService{
		repo:     repo,
		cache:    cache,
		metrics:  metrics,
		interval: interval,
		logger:   logger,
	}
	s.queue = jobs.NewQueue("waitlist-reconciler", s.process, jobs.QueueConfig{
		Workers: 1,
		Logger:  logger,
	})
	return s
}

// Start launches the scan loop and its worker.
func (s *ReconcilerService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.queue.Start(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.scan(ctx)
			}
		}
	}()
	s.logger.Sugar().Infow("waitlist reconciler started", "interval", s.interval.String())
}

// Stop cancels the scan loop and drains the worker.
func (s *ReconcilerService) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.queue.Stop()
}

// ScanOnce runs a single reconciliation pass synchronously.
func (s *ReconcilerService) ScanOnce(ctx context.Context) error {
	classIDs, err := s.repo.UndersubscribedClasses(ctx)
	if err != nil {
		return fmt.Errorf("scan undersubscribed classes: %w", err)
	}
	for _, classID := range classIDs {
		if err := s.drain(ctx, classID); err != nil {
			return err
		}
	}
	return nil
}

func (s *ReconcilerService) scan(ctx context.Context) {
	classIDs, err := s.repo.UndersubscribedClasses(ctx)
	if err != nil {
		s.logger.Error("waitlist scan failed", zap.Error(err))
		return
	}
	for _, classID := range classIDs {
		if err := s.queue.Enqueue(jobs.Job{ID: classID, Type: "waitlist_drain", Payload: classID}); err != nil {
			s.logger.Warn("failed to enqueue waitlist drain", zap.String("class_id", classID), zap.Error(err))
		}
	}
}

func (s *ReconcilerService) process(ctx context.Context, job jobs.Job) error {
	classID, ok := job.Payload.(string)
	if !ok {
		return fmt.Errorf("unexpected reconciler payload %T", job.Payload)
	}
	return s.drain(ctx, classID)
}

// drain promotes one enrollment per transaction until no seat or no
// waitlisted applicant remains, keeping each lock window short.
func (s *ReconcilerService) drain(ctx context.Context, classID string) error {
	promotedAny := false
	for {
		promoted, err := s.repo.PromoteNext(ctx, classID)
		if err != nil {
			return fmt.Errorf("promote waitlisted enrollment for class %s: %w", classID, err)
		}
		if promoted == nil {
			break
		}
		promotedAny = true
		s.metrics.RecordPromotion()
		s.logger.Info("waitlisted enrollment promoted by reconciler",
			zap.String("enrollment_id", promoted.ID),
			zap.String("class_id", classID))
	}
	if promotedAny && s.cache != nil {
		if err := s.cache.Delete(ctx, statsCacheKey(classID)); err != nil {
			s.logger.Warn("failed to invalidate class stats cache", zap.String("class_id", classID), zap.Error(err))
		}
	}
	return nil
}
