package tributum

import (
	"context"
	"strings"
	"time"

	"github.com/core-coin/tributum/internal/billing"
	"github.com/core-coin/tributum/internal/intake"
	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
	"github.com/core-coin/tributum/pkg/validation"
)

// Dispatcher is the lifecycle of the notification dispatcher.
type Dispatcher interface {
	models.NotificationService
	Start()
	Stop()
}

// Tributum is the main struct for the application.
// It owns the lifecycle of the background components and serves the business operations
// behind the HTTP API and the CLI.
type Tributum struct {
	logger *logger.Logger

	repo       models.Repository
	intake     *intake.Intake
	scheduler  *billing.Scheduler
	dispatcher Dispatcher

	now func() time.Time
}

// NewTributum creates a new Tributum instance
func NewTributum(
	repo models.Repository,
	intake *intake.Intake,
	scheduler *billing.Scheduler,
	dispatcher Dispatcher,
	logger *logger.Logger,
) *Tributum {
	return &Tributum{
		logger:     logger,
		repo:       repo,
		intake:     intake,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		now:        time.Now,
	}
}

var _ models.TributumI = (*Tributum)(nil)

// Start starts delivery workers, re-drives verifications a previous process left unfinished
// and schedules the billing sweeps.
func (t *Tributum) Start(ctx context.Context) error {
	t.dispatcher.Start()
	if err := t.intake.Resume(ctx); err != nil {
		return err
	}
	t.scheduler.Start()
	t.logger.Info("Tributum started")
	return nil
}

// Stop stops the producers first so nothing is enqueued after the dispatcher drains.
func (t *Tributum) Stop() {
	t.intake.Stop()
	t.scheduler.Stop()
	t.dispatcher.Stop()
	t.logger.Info("Tributum stopped")
}

func (t *Tributum) AddSubscription(ctx context.Context, sub *models.Subscription) error {
	sub.ServiceName = strings.TrimSpace(sub.ServiceName)
	sub.Currency = strings.ToUpper(strings.TrimSpace(sub.Currency))

	switch {
	case sub.UserID == 0:
		return models.NewValidationError("user_id", "is required")
	case sub.ServiceName == "":
		return models.NewValidationError("service_name", "is required")
	case !sub.Cost.IsPositive():
		return models.NewValidationError("cost", "must be positive")
	case !sub.BillingCycle.Valid():
		return models.NewValidationError("billing_cycle", "must be monthly or yearly")
	case sub.NextPaymentDate.IsZero():
		return models.NewValidationError("next_payment_date", "is required")
	}
	if err := validation.ValidateCurrency(sub.Currency); err != nil {
		return &models.ValidationError{Field: "currency", Reason: err.Error(), Err: err}
	}

	sub.NextPaymentDate = billing.Date(sub.NextPaymentDate)
	sub.Status = models.StatusPending
	sub.PastDueFlaggedFor = nil

	if err := t.repo.EnsureUser(ctx, sub.UserID, ""); err != nil {
		return err
	}
	if err := t.repo.AddSubscription(ctx, sub); err != nil {
		return err
	}
	t.logger.Infow("subscription added", "user_id", sub.UserID, "service", sub.ServiceName, "id", sub.ID)
	return nil
}

func (t *Tributum) ListSubscriptions(ctx context.Context, userID int64) ([]*models.Subscription, error) {
	return t.repo.ListUserSubscriptions(ctx, userID)
}

func (t *Tributum) SubscriptionTotals(ctx context.Context, userID int64) (*models.SubscriptionTotals, error) {
	if userID <= 0 {
		return nil, models.NewValidationError("user_id", "is required")
	}
	subs, err := t.repo.ListUserSubscriptions(ctx, userID)
	if err != nil {
		return nil, err
	}
	return billing.Totals(userID, subs, t.now()), nil
}

func (t *Tributum) CancelSubscription(ctx context.Context, userID int64, serviceName string) error {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		return models.NewValidationError("service_name", "is required")
	}
	if err := t.repo.CancelSubscription(ctx, userID, serviceName); err != nil {
		return err
	}
	t.logger.Infow("subscription cancelled", "user_id", userID, "service", serviceName)
	return nil
}

// SubmitPayment validates the claim and schedules its verification. It does not wait for a verdict.
func (t *Tributum) SubmitPayment(ctx context.Context, req models.PaymentRequest) (*models.SubmitResult, error) {
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = t.now().UTC()
	}
	return t.intake.SubmitAsync(ctx, req)
}

func (t *Tributum) GetClaim(ctx context.Context, txHash string) (*models.PaymentClaim, error) {
	hash, err := validation.ValidateAndNormalizeTxHash(txHash)
	if err != nil {
		return nil, &models.ValidationError{Field: "tx_hash", Reason: err.Error(), Err: err}
	}
	return t.repo.GetClaim(ctx, hash)
}

func (t *Tributum) ReopenClaim(ctx context.Context, txHash string) error {
	hash, err := validation.ValidateAndNormalizeTxHash(txHash)
	if err != nil {
		return &models.ValidationError{Field: "tx_hash", Reason: err.Error(), Err: err}
	}
	if _, err := t.repo.ReopenClaim(ctx, hash); err != nil {
		return err
	}
	t.logger.Infow("claim reopened", "tx_hash", hash)
	return nil
}

func (t *Tributum) ListDeadLetters(ctx context.Context, limit int) ([]*models.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	return t.repo.ListDeadLetters(ctx, limit)
}

func (t *Tributum) Sweep(ctx context.Context) (*models.SweepReport, error) {
	return t.scheduler.Sweep(ctx, t.now())
}
