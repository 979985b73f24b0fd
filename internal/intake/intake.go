package intake

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/core-coin/tributum/internal/billing"
	"github.com/core-coin/tributum/internal/metrics"
	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/internal/notificator"
	"github.com/core-coin/tributum/internal/verification"
	"github.com/core-coin/tributum/pkg/logger"
	"github.com/core-coin/tributum/pkg/validation"
)

// Verifier runs one verification of a transaction hash against payment terms.
type Verifier interface {
	Verify(ctx context.Context, txHash string, terms verification.Terms, observer verification.Observer) (models.Verdict, error)
}

type Settings struct {
	// Recipient is the receiving address every payment must be sent to.
	Recipient string
	// LedgerCurrency is the only currency a subscription can be paid in.
	LedgerCurrency string
	// LedgerDecimals converts a subscription cost into the ledger's smallest unit.
	LedgerDecimals int32
	Confirmations  uint64
	MaxWait        time.Duration
	Workers        int
	// LeaseTTL is how long a claim stays reserved for this instance once its verification starts.
	// Defaults to MaxWait plus a minute.
	LeaseTTL time.Duration
}

// ErrStopped is returned for submissions that arrive after Stop.
var ErrStopped = errors.New("intake is shutting down")

// Intake accepts payment claims and drives each transaction hash to exactly one terminal verdict.
type Intake struct {
	logger   *logger.Logger
	db       models.Repository
	verifier Verifier
	notifier models.NotificationService
	settings Settings
	// instanceID owns the claim leases taken by this process
	instanceID string

	flights singleflight.Group
	sem     chan struct{}
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	now func() time.Time
}

func NewIntake(logger *logger.Logger, db models.Repository, verifier Verifier, notifier models.NotificationService, settings Settings) *Intake {
	if settings.Workers <= 0 {
		settings.Workers = 1
	}
	if settings.LeaseTTL <= 0 {
		settings.LeaseTTL = settings.MaxWait + time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Intake{
		logger:     logger,
		db:         db,
		verifier:   verifier,
		notifier:   notifier,
		settings:   settings,
		instanceID: uuid.NewString(),
		sem:        make(chan struct{}, settings.Workers),
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
	}
}

// Submit validates the claim and runs verification to a terminal verdict before returning.
// If ctx ends first the run continues in the background and ctx.Err() is returned.
func (i *Intake) Submit(ctx context.Context, req models.PaymentRequest) (*models.SubmitResult, error) {
	claim, sub, early, err := i.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if early != nil {
		metrics.SubmissionsTotal.WithLabelValues(string(early.Outcome)).Inc()
		return early, nil
	}
	metrics.SubmissionsTotal.WithLabelValues(string(models.OutcomeAccepted)).Inc()

	if i.ctx.Err() != nil {
		return nil, ErrStopped
	}
	// the flight outlives ctx, so Stop has to wait for it like for a scheduled run
	ch := make(chan singleflight.Result, 1)
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		ch <- <-i.flights.DoChan(claim.TxHash, func() (interface{}, error) {
			return i.process(i.ctx, claim, sub)
		})
	}()
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.SubmitResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubmitAsync validates and deduplicates synchronously, then schedules verification on the worker pool.
// An accepted result carries a Pending verdict.
func (i *Intake) SubmitAsync(ctx context.Context, req models.PaymentRequest) (*models.SubmitResult, error) {
	claim, sub, early, err := i.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if early != nil {
		metrics.SubmissionsTotal.WithLabelValues(string(early.Outcome)).Inc()
		return early, nil
	}
	metrics.SubmissionsTotal.WithLabelValues(string(models.OutcomeAccepted)).Inc()

	if err := i.schedule(claim, sub); err != nil {
		return nil, err
	}
	return &models.SubmitResult{
		Outcome: models.OutcomeAccepted,
		TxHash:  claim.TxHash,
		Verdict: models.Pending(0),
	}, nil
}

// Resume schedules verification for claims left unfinished by a previous process.
func (i *Intake) Resume(ctx context.Context) error {
	claims, err := i.db.ListUnfinishedClaims(ctx)
	if err != nil {
		return err
	}
	for _, claim := range claims {
		sub, err := i.db.GetSubscriptionByID(ctx, claim.SubscriptionID)
		if err != nil {
			i.logger.Errorw("Failed to load subscription of unfinished claim", "tx_hash", claim.TxHash, "error", err)
			continue
		}
		if err := i.schedule(claim, sub); err != nil {
			return err
		}
	}
	if len(claims) > 0 {
		i.logger.Infow("resumed unfinished verifications", "count", len(claims))
	}
	return nil
}

// Stop abandons running verifications and waits for the workers. Abandoned claims stay
// in the verifying state and are picked up by Resume or a later submission.
func (i *Intake) Stop() {
	i.cancel()
	i.wg.Wait()
}

func (i *Intake) schedule(claim *models.PaymentClaim, sub *models.Subscription) error {
	if i.ctx.Err() != nil {
		return ErrStopped
	}
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		select {
		case i.sem <- struct{}{}: // Acquire semaphore
		case <-i.ctx.Done():
			return
		}
		defer func() { <-i.sem }() // Release semaphore
		defer func() {
			if r := recover(); r != nil {
				i.logger.Errorw("Verification panicked",
					"tx_hash", claim.TxHash,
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()

		res, err, _ := i.flights.Do(claim.TxHash, func() (interface{}, error) {
			return i.process(i.ctx, claim, sub)
		})
		if err != nil {
			i.logger.Warnw("verification did not finish", "tx_hash", claim.TxHash, "error", err)
			return
		}
		result := res.(*models.SubmitResult)
		i.logger.Debugw("verification done", "tx_hash", claim.TxHash, "outcome", result.Outcome, "verdict", result.Verdict.Kind)
	}()
	return nil
}

// prepare validates the request. It returns either a claim ready for processing or an early result.
func (i *Intake) prepare(ctx context.Context, req models.PaymentRequest) (*models.PaymentClaim, *models.Subscription, *models.SubmitResult, error) {
	invalid := func(hash string, verr *models.ValidationError) (*models.PaymentClaim, *models.Subscription, *models.SubmitResult, error) {
		return nil, nil, &models.SubmitResult{Outcome: models.OutcomeInvalid, TxHash: hash, Invalid: verr}, nil
	}

	hash, err := validation.ValidateAndNormalizeTxHash(req.TxHash)
	if err != nil {
		return invalid(req.TxHash, &models.ValidationError{Field: "txHash", Reason: err.Error(), Err: err})
	}
	if req.UserID <= 0 {
		return invalid(hash, models.NewValidationError("userId", "user id must be positive"))
	}
	serviceName := strings.TrimSpace(req.ServiceName)

	existing, err := i.db.GetClaim(ctx, hash)
	switch {
	case errors.Is(err, models.ErrNotFound):
		existing = nil
	case err != nil:
		return nil, nil, nil, fmt.Errorf("failed to look up claim: %w", err)
	}
	if existing != nil {
		if existing.UserID != req.UserID || (serviceName != "" && existing.ServiceName != serviceName) {
			return invalid(hash, &models.ValidationError{Field: "txHash", Reason: models.ErrHashClaimed.Error(), Err: models.ErrHashClaimed})
		}
		if existing.State.Terminal() {
			return nil, nil, &models.SubmitResult{
				Outcome: models.OutcomeAlreadyProcessed,
				TxHash:  hash,
				Verdict: existing.Verdict(),
			}, nil
		}
		serviceName = existing.ServiceName
	}

	sub, verr, err := i.resolveSubscription(ctx, req.UserID, serviceName)
	if err != nil {
		return nil, nil, nil, err
	}
	if verr != nil {
		return invalid(hash, verr)
	}
	if verr := i.checkTerms(req, sub); verr != nil {
		return invalid(hash, verr)
	}

	if existing != nil {
		return existing, sub, nil, nil
	}
	submittedAt := req.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = i.now()
	}
	claim := &models.PaymentClaim{
		TxHash:          hash,
		UserID:          req.UserID,
		ServiceName:     sub.ServiceName,
		SubscriptionID:  sub.ID,
		ClaimedCurrency: strings.ToUpper(strings.TrimSpace(req.Currency)),
		SubmittedAt:     submittedAt.UTC(),
	}
	if req.Amount != nil {
		claim.ClaimedAmount = *req.Amount
	}
	return claim, sub, nil, nil
}

func (i *Intake) resolveSubscription(ctx context.Context, userID int64, serviceName string) (*models.Subscription, *models.ValidationError, error) {
	if serviceName != "" {
		sub, err := i.db.GetSubscription(ctx, userID, serviceName)
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.NewValidationError("serviceName", "subscription not found"), nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get subscription: %w", err)
		}
		if !sub.Status.Payable() {
			return nil, models.NewValidationError("serviceName", fmt.Sprintf("subscription is %s", sub.Status)), nil
		}
		return sub, nil, nil
	}

	subs, err := i.db.ListUserSubscriptions(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	var payable []*models.Subscription
	for _, sub := range subs {
		if sub.Status.Payable() {
			payable = append(payable, sub)
		}
	}
	switch len(payable) {
	case 0:
		return nil, models.NewValidationError("userId", "user has no payable subscription"), nil
	case 1:
		return payable[0], nil, nil
	}
	return nil, models.NewValidationError("serviceName", "user has several subscriptions, service name is required"), nil
}

func (i *Intake) checkTerms(req models.PaymentRequest, sub *models.Subscription) *models.ValidationError {
	if !strings.EqualFold(sub.Currency, i.settings.LedgerCurrency) {
		return models.NewValidationError("currency",
			fmt.Sprintf("subscription is priced in %s and cannot be paid in %s", sub.Currency, i.settings.LedgerCurrency))
	}
	if c := strings.TrimSpace(req.Currency); c != "" && !strings.EqualFold(c, sub.Currency) {
		return models.NewValidationError("currency", fmt.Sprintf("declared currency %s does not match subscription currency %s", c, sub.Currency))
	}
	if req.Amount != nil && !req.Amount.Equal(sub.Cost) {
		return models.NewValidationError("amount", fmt.Sprintf("declared amount %s does not match subscription cost %s", req.Amount, sub.Cost))
	}
	return nil
}

// process owns one hash for the duration of a flight: write-ahead marker, verification, finalize, notify.
func (i *Intake) process(ctx context.Context, claim *models.PaymentClaim, sub *models.Subscription) (*models.SubmitResult, error) {
	log := i.logger.With("tx_hash", claim.TxHash, "user_id", claim.UserID, "service", claim.ServiceName)

	claim.LeaseOwner = i.instanceID
	claim.LeaseUntil = time.Now().Add(i.settings.LeaseTTL).Unix()
	stored, acquired, err := i.db.BeginClaim(ctx, claim)
	if err != nil {
		return nil, err
	}
	if stored.UserID != claim.UserID || stored.SubscriptionID != claim.SubscriptionID {
		return &models.SubmitResult{
			Outcome: models.OutcomeInvalid,
			TxHash:  claim.TxHash,
			Invalid: &models.ValidationError{Field: "txHash", Reason: models.ErrHashClaimed.Error(), Err: models.ErrHashClaimed},
		}, nil
	}
	if stored.State.Terminal() {
		return &models.SubmitResult{Outcome: models.OutcomeAlreadyProcessed, TxHash: claim.TxHash, Verdict: stored.Verdict()}, nil
	}
	if !acquired {
		log.Infow("verification already running on another instance", "lease_owner", stored.LeaseOwner, "lease_until", time.Unix(stored.LeaseUntil, 0).UTC())
		return &models.SubmitResult{Outcome: models.OutcomeAccepted, TxHash: claim.TxHash, Verdict: models.Pending(0)}, nil
	}
	if stored.Runs > 1 {
		log.Infow("re-driving unfinished verification", "runs", stored.Runs)
	}

	verdict, err := i.verifier.Verify(ctx, claim.TxHash, i.terms(sub), func(txHash string, v models.Verdict) {
		log.Debugw("payment pending", "retries_remaining", v.RetriesRemaining)
	})
	if err != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := i.db.ReleaseClaim(releaseCtx, claim.TxHash, i.instanceID); rerr != nil {
			log.Warnw("failed to release claim lease", "error", rerr)
		}
		return nil, fmt.Errorf("verification interrupted: %w", err)
	}

	transition := Transition(verdict, sub, stored.SubmittedAt)
	applied, err := i.db.ApplyVerdict(ctx, claim.TxHash, verdict, transition)
	if err != nil {
		return nil, err
	}
	if !applied {
		// another instance finalized this hash first; its verdict wins
		final, err := i.db.GetClaim(ctx, claim.TxHash)
		if err != nil {
			return nil, fmt.Errorf("failed to reload claim: %w", err)
		}
		return &models.SubmitResult{Outcome: models.OutcomeAlreadyProcessed, TxHash: claim.TxHash, Verdict: final.Verdict()}, nil
	}

	log.Infow("payment claim finalized", "verdict", verdict.Kind, "reason", verdict.Reason)
	i.notify(ctx, stored, sub, verdict, transition)
	return &models.SubmitResult{Outcome: models.OutcomeAccepted, TxHash: claim.TxHash, Verdict: verdict}, nil
}

func (i *Intake) terms(sub *models.Subscription) verification.Terms {
	return verification.Terms{
		Recipient:     i.settings.Recipient,
		MinimumAmount: MinimumAmount(sub, i.settings.LedgerDecimals),
		Confirmations: i.settings.Confirmations,
		MaxWait:       i.settings.MaxWait,
	}
}

// MinimumAmount converts the subscription cost to the ledger's smallest unit, rounding up.
func MinimumAmount(sub *models.Subscription, decimals int32) *big.Int {
	return sub.Cost.Shift(decimals).Ceil().BigInt()
}

// Transition maps a terminal verdict to the subscription change stored with it.
func Transition(verdict models.Verdict, sub *models.Subscription, submittedAt time.Time) models.Transition {
	payable := []models.SubscriptionStatus{models.StatusPending, models.StatusActive, models.StatusPastDue}
	switch verdict.Kind {
	case models.VerdictConfirmed:
		active := models.StatusActive
		next := billing.NextPaymentDate(submittedAt, sub.BillingCycle)
		return models.Transition{
			FromStatuses:    payable,
			ToStatus:        &active,
			NextPaymentDate: &next,
			ClearPastDue:    true,
		}
	case models.VerdictRejected:
		pastDue := models.StatusPastDue
		return models.Transition{FromStatuses: payable, ToStatus: &pastDue}
	}
	// timed out: status and due date stay as they are
	return models.Transition{}
}

func (i *Intake) notify(ctx context.Context, claim *models.PaymentClaim, sub *models.Subscription, verdict models.Verdict, transition models.Transition) {
	locale := notificator.UserLocale(ctx, i.db, claim.UserID)
	args := map[string]string{
		"service": sub.ServiceName,
		"tx":      claim.TxHash,
		"reason":  string(verdict.Reason),
	}
	switch verdict.Kind {
	case models.VerdictConfirmed:
		args["date"] = transition.NextPaymentDate.Format(time.DateOnly)
		i.notifier.Notify(claim.UserID, models.NotifyActivated, notificator.Text(locale, notificator.MsgActivated, args))
	case models.VerdictRejected:
		i.notifier.Notify(claim.UserID, models.NotifyRejected, notificator.Text(locale, notificator.MsgRejected, args))
	case models.VerdictTimedOut:
		i.notifier.Notify(claim.UserID, models.NotifyTimedOut, notificator.Text(locale, notificator.MsgTimedOut, args))
	}
}
