package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/batch-dispatch/internal/observability"
	"github.com/kursadbilgin/batch-dispatch/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultRetentionInterval = time.Hour
	defaultBatchRetention    = 24 * time.Hour
	defaultRetentionLimit    = 500
)

type RetentionConfig struct {
	Interval time.Duration
	// Retention is how long terminal batches and settled work units are kept.
	Retention time.Duration
	Limit     int
}

// RetentionSweeper deletes expired artifacts and old terminal records.
type RetentionSweeper struct {
	batches   repository.BatchRepository
	units     repository.WorkUnitRepository
	artifacts repository.ArtifactRepository
	metrics   *observability.Metrics
	interval  time.Duration
	retention time.Duration
	limit     int
	logger    *zap.Logger
	now       func() time.Time
}

func NewRetentionSweeper(
	batches repository.BatchRepository,
	units repository.WorkUnitRepository,
	artifacts repository.ArtifactRepository,
	cfg RetentionConfig,
	logger *zap.Logger,
) (*RetentionSweeper, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if units == nil {
		return nil, fmt.Errorf("work unit repository is required")
	}
	if artifacts == nil {
		return nil, fmt.Errorf("artifact repository is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultRetentionInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultBatchRetention
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultRetentionLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetentionSweeper{
		batches:   batches,
		units:     units,
		artifacts: artifacts,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		limit:     cfg.Limit,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (s *RetentionSweeper) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *RetentionSweeper) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("retention initial sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("retention sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepResult counts what a single sweep removed.
type SweepResult struct {
	Artifacts int64
	Batches   int64
	WorkUnits int64
}

// Sweep runs one retention pass. Each phase runs even if an earlier one failed.
func (s *RetentionSweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var errs []error
	now := s.now().UTC()

	for {
		n, err := s.artifacts.DeleteExpired(ctx, now, s.limit)
		res.Artifacts += n
		if err != nil {
			errs = append(errs, fmt.Errorf("expired artifacts: %w", err))
			break
		}
		if n < int64(s.limit) {
			break
		}
	}

	cutoff := now.Add(-s.retention)
	ids, err := s.batches.ListTerminalBefore(ctx, cutoff, s.limit)
	if err != nil {
		errs = append(errs, fmt.Errorf("list terminal batches: %w", err))
	}
	for _, id := range ids {
		if err := s.batches.DeleteWithItems(ctx, id); err != nil {
			s.logger.Error("failed to delete batch", zap.String("batchId", id), zap.Error(err))
			continue
		}
		res.Batches++
	}

	n, err := s.units.DeleteTerminalBefore(ctx, cutoff)
	res.WorkUnits = n
	if err != nil {
		errs = append(errs, fmt.Errorf("settled work units: %w", err))
	}

	if res.Artifacts+res.Batches+res.WorkUnits > 0 {
		s.logger.Info("retention sweep removed records",
			zap.Int64("artifacts", res.Artifacts),
			zap.Int64("batches", res.Batches),
			zap.Int64("workUnits", res.WorkUnits),
		)
	}
	if s.metrics != nil {
		s.metrics.AddRetentionDeleted("artifact", res.Artifacts)
		s.metrics.AddRetentionDeleted("batch", res.Batches)
		s.metrics.AddRetentionDeleted("work_unit", res.WorkUnits)
	}

	return res, errors.Join(errs...)
}
