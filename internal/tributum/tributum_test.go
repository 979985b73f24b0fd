package tributum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/tributum/internal/billing"
	"github.com/core-coin/tributum/internal/intake"
	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/internal/notificator"
	"github.com/core-coin/tributum/internal/repository"
	"github.com/core-coin/tributum/internal/verification"
	"github.com/core-coin/tributum/pkg/logger"
)

var (
	recipient = strings.Repeat("ab", 20)
	txHash    = "0x" + strings.Repeat("1f", 32)
)

type stubVerifier struct {
	mu      sync.Mutex
	verdict models.Verdict
}

func (v *stubVerifier) Verify(context.Context, string, verification.Terms, verification.Observer) (models.Verdict, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.verdict, nil
}

func (v *stubVerifier) set(verdict models.Verdict) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.verdict = verdict
}

type recordingMessenger struct {
	mu    sync.Mutex
	texts []string
}

func (m *recordingMessenger) SendMessage(_ context.Context, _ int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	return nil
}

func (m *recordingMessenger) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.texts)
}

func newApp(t *testing.T, verdict models.Verdict) (*Tributum, *stubVerifier, *recordingMessenger) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := repository.NewSQLiteDB(dsn, logger.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := logger.NewNopLogger()
	messenger := &recordingMessenger{}
	dispatcher := notificator.NewNotificator(log, db, messenger, nil, notificator.Settings{
		MaxAttempts:    1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Workers:        1,
		QueueSize:      16,
	})
	verifier := &stubVerifier{verdict: verdict}
	in := intake.NewIntake(log, db, verifier, dispatcher, intake.Settings{
		Recipient:      recipient,
		LedgerCurrency: "ETH",
		LedgerDecimals: 18,
		Confirmations:  1,
		MaxWait:        time.Minute,
		Workers:        2,
	})
	scheduler := billing.NewScheduler(log, db, dispatcher, billing.Settings{
		SweepInterval:   time.Hour,
		SweepStartDelay: time.Hour,
		ReminderDays:    []int{1},
	})

	app := NewTributum(db, in, scheduler, dispatcher, log)
	require.NoError(t, app.Start(context.Background()))
	t.Cleanup(app.Stop)
	return app, verifier, messenger
}

func subscription(service string, due time.Time) *models.Subscription {
	return &models.Subscription{
		UserID:          7,
		ServiceName:     service,
		Cost:            decimal.RequireFromString("0.5"),
		Currency:        "eth",
		BillingCycle:    models.CycleMonthly,
		NextPaymentDate: due,
	}
}

func TestAddSubscription(t *testing.T) {
	app, _, _ := newApp(t, models.Rejected(models.ReasonMismatchedTerms))
	ctx := context.Background()

	sub := subscription(" Music ", time.Date(2025, 5, 10, 15, 0, 0, 0, time.UTC))
	require.NoError(t, app.AddSubscription(ctx, sub))
	assert.NotZero(t, sub.ID)
	assert.Equal(t, "Music", sub.ServiceName)
	assert.Equal(t, "ETH", sub.Currency)
	assert.Equal(t, models.StatusPending, sub.Status)
	assert.True(t, sub.NextPaymentDate.Equal(time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC)))

	err := app.AddSubscription(ctx, subscription("Music", time.Now()))
	assert.ErrorIs(t, err, models.ErrSubscriptionExists)

	invalid := subscription("Video", time.Now())
	invalid.Cost = decimal.Zero
	err = app.AddSubscription(ctx, invalid)
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "cost", verr.Field)

	invalid = subscription("Video", time.Now())
	invalid.BillingCycle = "weekly"
	require.ErrorAs(t, app.AddSubscription(ctx, invalid), &verr)
	assert.Equal(t, "billing_cycle", verr.Field)

	subs, err := app.ListSubscriptions(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestSubmitPaymentActivatesSubscription(t *testing.T) {
	wei, _ := new(big.Int).SetString("500000000000000000", 10)
	app, _, messenger := newApp(t, models.Confirmed(wei, strings.Repeat("cd", 20), recipient, 10))
	ctx := context.Background()

	sub := subscription("Music", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, app.AddSubscription(ctx, sub))

	res, err := app.SubmitPayment(ctx, models.PaymentRequest{
		UserID:      7,
		TxHash:      strings.ToUpper(txHash[2:]),
		SubmittedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAccepted, res.Outcome)
	assert.Equal(t, txHash, res.TxHash)

	require.Eventually(t, func() bool {
		claim, err := app.GetClaim(ctx, txHash)
		return err == nil && claim.State == models.ClaimConfirmed
	}, 2*time.Second, 5*time.Millisecond)

	subs, err := app.ListSubscriptions(ctx, 7)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, models.StatusActive, subs[0].Status)
	assert.True(t, subs[0].NextPaymentDate.Equal(time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)))

	require.Eventually(t, func() bool { return messenger.Count() == 1 }, time.Second, 5*time.Millisecond)

	res, err = app.SubmitPayment(ctx, models.PaymentRequest{UserID: 7, TxHash: txHash})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAlreadyProcessed, res.Outcome)
	assert.Equal(t, models.VerdictConfirmed, res.Verdict.Kind)
}

func TestReopenTimedOutClaim(t *testing.T) {
	app, verifier, _ := newApp(t, models.TimedOut(models.ReasonWaitExceeded))
	ctx := context.Background()
	require.NoError(t, app.AddSubscription(ctx, subscription("Music", time.Now())))

	_, err := app.SubmitPayment(ctx, models.PaymentRequest{UserID: 7, TxHash: txHash})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		claim, err := app.GetClaim(ctx, txHash)
		return err == nil && claim.State == models.ClaimTimedOut
	}, 2*time.Second, 5*time.Millisecond)

	res, err := app.SubmitPayment(ctx, models.PaymentRequest{UserID: 7, TxHash: txHash})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAlreadyProcessed, res.Outcome)

	require.NoError(t, app.ReopenClaim(ctx, txHash))
	_, err = app.GetClaim(ctx, txHash)
	assert.ErrorIs(t, err, models.ErrNotFound)

	verifier.set(models.Rejected(models.ReasonMismatchedTerms))
	res, err = app.SubmitPayment(ctx, models.PaymentRequest{UserID: 7, TxHash: txHash})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAccepted, res.Outcome)
	require.Eventually(t, func() bool {
		claim, err := app.GetClaim(ctx, txHash)
		return err == nil && claim.State == models.ClaimRejected
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, app.ReopenClaim(ctx, txHash), models.ErrClaimNotReopenable)
}

func TestCancelSubscription(t *testing.T) {
	app, _, _ := newApp(t, models.Rejected(models.ReasonMismatchedTerms))
	ctx := context.Background()
	require.NoError(t, app.AddSubscription(ctx, subscription("Music", time.Now())))

	require.NoError(t, app.CancelSubscription(ctx, 7, "Music"))
	assert.ErrorIs(t, app.CancelSubscription(ctx, 7, "Video"), models.ErrNotFound)

	res, err := app.SubmitPayment(ctx, models.PaymentRequest{UserID: 7, TxHash: txHash, ServiceName: "Music"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeInvalid, res.Outcome)
}

func TestGetClaimRejectsMalformedHash(t *testing.T) {
	app, _, _ := newApp(t, models.Rejected(models.ReasonMismatchedTerms))
	_, err := app.GetClaim(context.Background(), "0x123")
	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "tx_hash", verr.Field)
}

func TestSweepAndDeadLetters(t *testing.T) {
	app, _, _ := newApp(t, models.Rejected(models.ReasonMismatchedTerms))
	ctx := context.Background()
	require.NoError(t, app.AddSubscription(ctx, subscription("Music", time.Now().AddDate(0, 0, -3))))

	report, err := app.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Flagged)

	letters, err := app.ListDeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestSubscriptionTotals(t *testing.T) {
	app, _, _ := newApp(t, models.Rejected(models.ReasonMismatchedTerms))
	ctx := context.Background()
	app.now = func() time.Time { return time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC) }

	music := subscription("Music", time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC))
	music.Cost = decimal.RequireFromString("1.5")
	require.NoError(t, app.AddSubscription(ctx, music))

	storage := subscription("Storage", time.Date(2025, 3, 13, 0, 0, 0, 0, time.UTC))
	storage.Cost = decimal.RequireFromString("60")
	storage.BillingCycle = models.CycleYearly
	require.NoError(t, app.AddSubscription(ctx, storage))

	vpn := subscription("VPN", time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC))
	vpn.Currency = "usdt"
	vpn.Cost = decimal.RequireFromString("4")
	require.NoError(t, app.AddSubscription(ctx, vpn))
	require.NoError(t, app.CancelSubscription(ctx, 7, "VPN"))

	totals, err := app.SubscriptionTotals(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, totals.Count)
	require.Len(t, totals.Totals, 1)
	assert.Equal(t, "ETH", totals.Totals[0].Currency)
	assert.Equal(t, "6.5", totals.Totals[0].Monthly.String())
	assert.Equal(t, "78", totals.Totals[0].Yearly.String())

	require.NotNil(t, totals.Nearest)
	assert.Equal(t, "Storage", totals.Nearest.ServiceName)
	assert.Equal(t, 3, totals.Nearest.DaysRemaining)

	empty, err := app.SubscriptionTotals(ctx, 99)
	require.NoError(t, err)
	assert.Zero(t, empty.Count)
	assert.Empty(t, empty.Totals)
	assert.Nil(t, empty.Nearest)

	_, err = app.SubscriptionTotals(ctx, 0)
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "user_id", verr.Field)
}
