// internal/service/penalty_engine.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/cache"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/metrics"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/models"
	"github.com/yosefebrahimi7/LoanManagementSystem-sub000/internal/repository"
)

const day = 24 * time.Hour

// PenaltyReport summarises one accrual batch.
type PenaltyReport struct {
	Scanned       int           `json:"scanned"`
	Accrued       int           `json:"accrued"`
	MarkedOverdue int           `json:"marked_overdue"`
	Failed        int           `json:"failed"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
}

// PenaltyEngine accrues a daily penalty on unpaid installments past their due
// date. It touches schedules only.
type PenaltyEngine struct {
	store   repository.Store
	cache   *cache.ViewCache
	rate    decimal.Decimal
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

func NewPenaltyEngine(store repository.Store, viewCache *cache.ViewCache, dailyRate decimal.Decimal, m *metrics.Metrics, logger *zap.Logger) *PenaltyEngine {
	return &PenaltyEngine{
		store:   store,
		cache:   viewCache,
		rate:    dailyRate,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// DaysOverdue counts whole days elapsed since dueDate, never negative.
func DaysOverdue(dueDate, now time.Time) int64 {
	if !now.After(dueDate) {
		return 0
	}
	return int64(now.Sub(dueDate) / day)
}

// ComputePenalty is floor(amountDue * rate * daysOverdue).
func ComputePenalty(amountDue int64, rate decimal.Decimal, dueDate, now time.Time) int64 {
	days := DaysOverdue(dueDate, now)
	if days == 0 || amountDue <= 0 || !rate.IsPositive() {
		return 0
	}
	return decimal.NewFromInt(amountDue).
		Mul(rate).
		Mul(decimal.NewFromInt(days)).
		Floor().
		IntPart()
}

// Run processes every unpaid installment due before now. Each installment is
// its own transaction; a failure is logged and the batch moves on.
func (e *PenaltyEngine) Run(ctx context.Context, now time.Time) (*PenaltyReport, error) {
	report := &PenaltyReport{StartedAt: time.Now()}
	defer func() {
		report.Duration = time.Since(report.StartedAt)
		e.metrics.PenaltyRuns.Observe(report.Duration.Seconds())
	}()

	ids, err := e.store.ListUnpaidScheduleIDsDueBefore(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue installments: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++

		accrued, overdue, err := e.accrue(ctx, id, now)
		if err != nil {
			report.Failed++
			e.metrics.PenaltyFailures.Inc()
			e.logger.Error("penalty accrual failed",
				zap.String("schedule_id", id.String()),
				zap.Error(err))
			continue
		}
		if accrued {
			report.Accrued++
			e.metrics.PenaltyAccruals.Inc()
		}
		if overdue {
			report.MarkedOverdue++
		}
	}

	e.logger.Info("penalty accrual complete",
		zap.Int("scanned", report.Scanned),
		zap.Int("accrued", report.Accrued),
		zap.Int("marked_overdue", report.MarkedOverdue),
		zap.Int("failed", report.Failed))
	return report, nil
}

func (e *PenaltyEngine) accrue(ctx context.Context, scheduleID uuid.UUID, now time.Time) (accrued, overdue bool, err error) {
	var loanID uuid.UUID
	err = e.store.WithinTx(ctx, func(q repository.Queries) error {
		accrued, overdue = false, false

		schedule, err := q.GetSchedule(ctx, scheduleID, true)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrScheduleNotFound
			}
			return err
		}
		if schedule.Status == models.ScheduleStatusPaid || !now.After(schedule.DueDate) {
			return nil
		}
		loanID = schedule.LoanID

		// A partial installment keeps its status but still accrues.
		if schedule.Status == models.ScheduleStatusPending {
			schedule.Status = models.ScheduleStatusOverdue
			overdue = true
		}
		if penalty := ComputePenalty(schedule.AmountDue, e.rate, schedule.DueDate, now); penalty > schedule.PenaltyAmount {
			schedule.PenaltyAmount = penalty
			accrued = true
		}
		if !accrued && !overdue {
			return nil
		}

		schedule.UpdatedAt = now
		return q.UpdateSchedule(ctx, schedule)
	})
	if err != nil {
		return false, false, err
	}

	if accrued || overdue {
		if err := e.cache.Invalidate(ctx, cache.ScheduleKey(scheduleID), cache.LoanSchedulesKey(loanID)); err != nil {
			e.logger.Warn("failed to invalidate installment views",
				zap.String("schedule_id", scheduleID.String()),
				zap.Error(err))
		}
	}
	return accrued, overdue, nil
}

// Start schedules Run on a cron spec. Overlapping runs are skipped.
func (e *PenaltyEngine) Start(spec string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cron != nil {
		return errors.New("penalty engine already started")
	}

	logger := cronLogger{e.logger.Sugar()}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(spec, func() {
		if _, err := e.Run(context.Background(), e.now()); err != nil {
			e.logger.Error("scheduled penalty accrual failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid penalty schedule %q: %w", spec, err)
	}

	c.Start()
	e.cron = c
	e.logger.Info("penalty engine started", zap.String("schedule", spec))
	return nil
}

// Stop waits for a running batch to finish.
func (e *PenaltyEngine) Stop() {
	e.mu.Lock()
	c := e.cron
	e.cron = nil
	e.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	e.logger.Info("penalty engine stopped")
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
