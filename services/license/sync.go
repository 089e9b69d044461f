package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"labdesk-controlplane/pkg/clock"
	"labdesk-controlplane/services/lab"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	ErrPersistence     = errors.New("license: persistence failure")
	ErrLicenseNotFound = errors.New("license: not found")
)

const (
	DefaultBatchSize      = 200
	DefaultTransitionBand = 60 * time.Second
)

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "license_status_transitions_total",
		Help: "License status changes written by the synchronizer.",
	}, []string{"direction"})
	sweepFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "license_sweep_failures_total",
		Help: "Licenses or labs the sweep failed to update.",
	})
	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "license_sweep_duration_seconds",
		Help:    "Wall time of a full license status sweep.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(transitionsTotal, sweepFailures, sweepDuration)
}

type SyncConfig struct {
	BatchSize      int
	TransitionBand time.Duration
}

// Synchronizer keeps stored license statuses, and the lab mirror derived
// from them, in line with the clock.
type Synchronizer struct {
	clock    clock.Clock
	licenses LicenseStore
	labs     LabStore
	log      *zap.Logger

	batchSize int
	band      time.Duration
}

type SweepResult struct {
	Activated    int `json:"activated"`
	Deactivated  int `json:"deactivated"`
	Failed       int `json:"failed"`
	LabsRepaired int `json:"labs_repaired"`
}

func NewSynchronizer(c clock.Clock, licenses LicenseStore, labs LabStore, log *zap.Logger, cfg SyncConfig) *Synchronizer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.TransitionBand <= 0 {
		cfg.TransitionBand = DefaultTransitionBand
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Synchronizer{
		clock:     c,
		licenses:  licenses,
		labs:      labs,
		log:       log,
		batchSize: cfg.BatchSize,
		band:      cfg.TransitionBand,
	}
}

// RefreshOne recomputes l's status at the current time. When it changed, the
// license is written, the transition is logged and the owning lab is
// recomputed. An unchanged license causes no writes and no log entries.
func (s *Synchronizer) RefreshOne(ctx context.Context, l *License) (*License, error) {
	_, err := s.refresh(ctx, l, s.clock.Now())
	return l, err
}

func (s *Synchronizer) RefreshByID(ctx context.Context, id string) (*License, error) {
	l, err := s.licenses.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: find license %s: %v", ErrPersistence, id, err)
	}
	if l == nil {
		return nil, ErrLicenseNotFound
	}
	return s.RefreshOne(ctx, l)
}

// refresh reports whether the license row was rewritten. A lab failure after
// a successful license write returns (true, err).
func (s *Synchronizer) refresh(ctx context.Context, l *License, now time.Time) (bool, error) {
	next := Evaluate(now, l.IssuedAt, l.ExpiresAt)
	if next == l.Status {
		return false, nil
	}

	old := l.Status
	l.Status = next
	if err := s.licenses.Save(ctx, l); err != nil {
		l.Status = old
		return false, fmt.Errorf("%w: save license %s: %v", ErrPersistence, l.ID, err)
	}
	s.logTransition(l, old, now)

	if _, err := s.ReconcileLab(ctx, l.LabID); err != nil {
		return true, err
	}
	return true, nil
}

// Save writes l with its status recomputed from its dates in the same write,
// then recomputes the owning lab.
func (s *Synchronizer) Save(ctx context.Context, l *License) error {
	now := s.clock.Now()
	old := l.Status
	l.Status = Evaluate(now, l.IssuedAt, l.ExpiresAt)
	if err := s.licenses.Save(ctx, l); err != nil {
		l.Status = old
		return fmt.Errorf("%w: save license %s: %v", ErrPersistence, l.ID, err)
	}
	if l.Status != old {
		s.logTransition(l, old, now)
	}

	_, err := s.ReconcileLab(ctx, l.LabID)
	return err
}

func (s *Synchronizer) logTransition(l *License, old Status, now time.Time) {
	s.log.Info("license status transition",
		zap.String("license_id", l.ID),
		zap.String("lab_id", l.LabID),
		zap.String("old_status", string(old)),
		zap.String("new_status", string(l.Status)),
		zap.Time("issued_at", s.clock.In(l.IssuedAt)),
		zap.Time("expires_at", s.clock.In(l.ExpiresAt)),
		zap.Time("now", s.clock.In(now)),
		zap.String("reason", TransitionReason(old, l.Status, now, l.IssuedAt, l.ExpiresAt)),
	)
	transitionsTotal.WithLabelValues(string(l.Status)).Inc()
}

// ReconcileLab recomputes a lab's mirrored status from its active licenses
// and writes it only when it differs. A missing lab is not an error.
func (s *Synchronizer) ReconcileLab(ctx context.Context, labID string) (bool, error) {
	l, err := s.labs.FindByID(ctx, labID)
	if err != nil {
		return false, fmt.Errorf("%w: find lab %s: %v", ErrPersistence, labID, err)
	}
	if l == nil {
		s.log.Warn("license owner not found", zap.String("lab_id", labID))
		return false, nil
	}
	return s.reconcile(ctx, l)
}

func (s *Synchronizer) reconcile(ctx context.Context, l *lab.Lab) (bool, error) {
	active, err := s.labs.CountActiveLicensesFor(ctx, l.ID)
	if err != nil {
		return false, fmt.Errorf("%w: count active licenses for lab %s: %v", ErrPersistence, l.ID, err)
	}

	old := l.LicenseStatus
	if !l.SetLicenseStatus(active > 0) {
		return false, nil
	}
	if err := s.labs.Save(ctx, l); err != nil {
		return false, fmt.Errorf("%w: save lab %s: %v", ErrPersistence, l.ID, err)
	}

	s.log.Info("lab license status updated",
		zap.String("lab_id", l.ID),
		zap.String("old_status", old),
		zap.String("new_status", l.LicenseStatus),
		zap.Int64("active_licenses", active),
	)
	return true, nil
}

// SweepAll brings every license whose stored status is wrong at now, or
// which sits within the transition band of a boundary, up to date, then
// repairs labs whose mirror disagrees with their licenses.
//
// Items are processed one at a time. A failing item is logged, counted and
// skipped. Once ctx is done the item in flight is finished, no further
// item is started and ctx.Err() is returned with the partial result.
func (s *Synchronizer) SweepAll(ctx context.Context, now time.Time) (SweepResult, error) {
	timer := prometheus.NewTimer(sweepDuration)
	defer timer.ObserveDuration()

	var res SweepResult
	afterID := ""
	for {
		batch, err := s.licenses.FindCandidatesForSweep(ctx, now, s.band, afterID, s.batchSize)
		if err != nil {
			sweepFailures.Inc()
			s.log.Error("failed to query sweep candidates", zap.Error(err))
			return res, fmt.Errorf("%w: find sweep candidates: %v", ErrPersistence, err)
		}

		for _, l := range batch {
			if err := ctx.Err(); err != nil {
				s.log.Warn("license sweep interrupted", zap.Any("result", res), zap.Error(err))
				return res, err
			}
			afterID = l.ID

			old := l.Status
			changed, err := s.refresh(context.WithoutCancel(ctx), l, now)
			if changed && old != l.Status {
				if l.Status.IsActive() {
					res.Activated++
				} else {
					res.Deactivated++
				}
			}
			if err != nil {
				res.Failed++
				sweepFailures.Inc()
				s.log.Error("failed to refresh license status",
					zap.String("license_id", l.ID),
					zap.String("lab_id", l.LabID),
					zap.Error(err),
				)
			}
		}

		if len(batch) < s.batchSize {
			break
		}
	}

	if err := s.repairLabs(ctx, &res); err != nil {
		return res, err
	}

	s.log.Info("license sweep completed",
		zap.Time("now", s.clock.In(now)),
		zap.Int("activated", res.Activated),
		zap.Int("deactivated", res.Deactivated),
		zap.Int("failed", res.Failed),
		zap.Int("labs_repaired", res.LabsRepaired),
	)
	return res, nil
}

// repairLabs fixes labs left stale by a crash between a license write and
// the following lab write.
func (s *Synchronizer) repairLabs(ctx context.Context, res *SweepResult) error {
	afterID := ""
	for {
		batch, err := s.labs.FindMismatched(ctx, afterID, s.batchSize)
		if err != nil {
			sweepFailures.Inc()
			s.log.Error("failed to query mismatched labs", zap.Error(err))
			return fmt.Errorf("%w: find mismatched labs: %v", ErrPersistence, err)
		}

		for _, l := range batch {
			if err := ctx.Err(); err != nil {
				s.log.Warn("lab reconciliation interrupted", zap.Error(err))
				return err
			}
			afterID = l.ID

			changed, err := s.reconcile(context.WithoutCancel(ctx), l)
			if err != nil {
				res.Failed++
				sweepFailures.Inc()
				s.log.Error("failed to reconcile lab", zap.String("lab_id", l.ID), zap.Error(err))
				continue
			}
			if changed {
				res.LabsRepaired++
			}
		}

		if len(batch) < s.batchSize {
			return nil
		}
	}
}
