package billing

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/core-coin/tributum/internal/metrics"
	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/internal/notificator"
	"github.com/core-coin/tributum/pkg/logger"
)

type Settings struct {
	SweepInterval   time.Duration
	SweepStartDelay time.Duration
	// ReminderDays lists how many days before the due date upcoming-payment reminders go out.
	ReminderDays []int
	// LockTTL bounds how long a crashed instance can hold the sweep lease.
	LockTTL time.Duration
}

// Scheduler flags overdue subscriptions and sends upcoming payment reminders.
type Scheduler struct {
	logger     *logger.Logger
	db         models.Repository
	notifier   models.NotificationService
	settings   Settings
	instanceID string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

func NewScheduler(logger *logger.Logger, db models.Repository, notifier models.NotificationService, settings Settings) *Scheduler {
	if settings.SweepInterval <= 0 {
		settings.SweepInterval = 24 * time.Hour
	}
	if settings.LockTTL <= 0 {
		settings.LockTTL = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger:     logger,
		db:         db,
		notifier:   notifier,
		settings:   settings,
		instanceID: uuid.NewString(),
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
	}
}

// Start runs the first sweep after SweepStartDelay and then every SweepInterval.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case <-time.After(s.settings.SweepStartDelay):
		case <-s.ctx.Done():
			return
		}
		s.runSweep()

		ticker := time.NewTicker(s.settings.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.runSweep()
			case <-s.ctx.Done():
				s.logger.Info("Billing scheduler stopped")
				return
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) runSweep() {
	if _, err := s.Sweep(s.ctx, s.now()); err != nil {
		s.logger.Error("Billing sweep failed: ", err)
	}
}

// Sweep runs one pass for the calendar day of now. Running it again for the same day
// changes nothing and sends nothing.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (*models.SweepReport, error) {
	acquired, err := s.db.AcquireLock(ctx, models.BillingSweepLock, s.instanceID, s.settings.LockTTL)
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	if !acquired {
		report := &models.SweepReport{Skipped: true}
		if lock, err := s.db.GetLock(ctx, models.BillingSweepLock); err == nil {
			report.LeaseHolder = lock.InstanceID
			s.logger.Infow("Billing sweep lease held by another instance, skipping",
				"holder", lock.InstanceID,
				"expires_at", time.Unix(lock.ExpiresAt, 0).UTC())
		}
		metrics.SweepRunsTotal.WithLabelValues("skipped").Inc()
		return report, nil
	}

	today := Date(now)
	report := &models.SweepReport{}
	defer func() {
		releaseCtx := context.WithoutCancel(ctx)
		// a sweep running past LockTTL may overlap with one started elsewhere
		lock, err := s.db.GetLock(releaseCtx, models.BillingSweepLock)
		if err != nil || !lock.HeldBy(s.instanceID, time.Now()) {
			report.LeaseLost = true
			s.logger.Warnw("Billing sweep outlived its lease", "instance", s.instanceID, "lock_ttl", s.settings.LockTTL)
		}
		if err := s.db.ReleaseLock(releaseCtx, models.BillingSweepLock, s.instanceID); err != nil {
			s.logger.Error("Failed to release billing sweep lease: ", err)
		}
	}()

	flagged, err := s.flagOverdue(ctx, today)
	report.Flagged = flagged
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("failed").Inc()
		return report, err
	}

	reminders, err := s.sendReminders(ctx, today)
	report.Reminders = reminders
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("failed").Inc()
		return report, err
	}

	metrics.SweepRunsTotal.WithLabelValues("completed").Inc()
	s.logger.Infow("billing sweep finished", "day", today.Format(time.DateOnly), "flagged", report.Flagged, "reminders", report.Reminders)
	return report, nil
}

func (s *Scheduler) flagOverdue(ctx context.Context, today time.Time) (int, error) {
	subs, err := s.db.ListOverdueSubscriptions(ctx, today)
	if err != nil {
		return 0, err
	}
	flagged := 0
	for _, sub := range subs {
		ok, err := s.db.FlagPastDue(ctx, sub)
		if err != nil {
			return flagged, err
		}
		if !ok {
			// paid or cancelled since it was listed
			continue
		}
		flagged++
		metrics.PastDueFlaggedTotal.Inc()

		locale := notificator.UserLocale(ctx, s.db, sub.UserID)
		s.notifier.Notify(sub.UserID, models.NotifyPastDue, notificator.Text(locale, notificator.MsgPastDue, map[string]string{
			"service":  sub.ServiceName,
			"date":     sub.NextPaymentDate.Format(time.DateOnly),
			"cost":     sub.Cost.String(),
			"currency": sub.Currency,
		}))
	}
	return flagged, nil
}

func (s *Scheduler) sendReminders(ctx context.Context, today time.Time) (int, error) {
	sent := 0
	for _, days := range s.settings.ReminderDays {
		if days <= 0 {
			continue
		}
		subs, err := s.db.ListSubscriptionsDueOn(ctx, today.AddDate(0, 0, days))
		if err != nil {
			return sent, err
		}
		for _, sub := range subs {
			fresh, err := s.db.RecordReminder(ctx, sub.ID, sub.NextPaymentDate, days)
			if err != nil {
				return sent, err
			}
			if !fresh {
				continue
			}
			sent++
			metrics.RemindersSentTotal.WithLabelValues(strconv.Itoa(days)).Inc()

			locale := notificator.UserLocale(ctx, s.db, sub.UserID)
			s.notifier.Notify(sub.UserID, models.NotifyReminder, notificator.ReminderText(locale, days, map[string]string{
				"service":  sub.ServiceName,
				"date":     sub.NextPaymentDate.Format(time.DateOnly),
				"cost":     sub.Cost.String(),
				"currency": sub.Currency,
			}))
		}
	}
	return sent, nil
}
