package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type TributumI interface {
	// Start starts the background components: dispatcher, intake workers and billing sweeps
	Start(ctx context.Context) error

	// Stop stops background components and waits for them
	Stop()

	// AddSubscription registers a new pending subscription
	AddSubscription(ctx context.Context, sub *Subscription) error

	// ListSubscriptions returns the user's subscriptions ordered by due date
	ListSubscriptions(ctx context.Context, userID int64) ([]*Subscription, error)

	// SubscriptionTotals returns per-currency monthly and yearly costs and the nearest payment of the user
	SubscriptionTotals(ctx context.Context, userID int64) (*SubscriptionTotals, error)

	// CancelSubscription marks the subscription cancelled. Payments are no longer accepted for it.
	CancelSubscription(ctx context.Context, userID int64, serviceName string) error

	// SubmitPayment validates a claim and schedules its verification.
	SubmitPayment(ctx context.Context, req PaymentRequest) (*SubmitResult, error)

	// GetClaim returns the stored state of a transaction hash
	GetClaim(ctx context.Context, txHash string) (*PaymentClaim, error)

	// ReopenClaim forgets a timed out claim so the same hash can be submitted again
	ReopenClaim(ctx context.Context, txHash string) error

	// ListDeadLetters returns the most recent undeliverable notifications
	ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)

	// Sweep runs one billing sweep for the current day
	Sweep(ctx context.Context) (*SweepReport, error)
}

// SweepReport summarizes one billing sweep.
type SweepReport struct {
	Skipped bool `json:"skipped"`
	// LeaseHolder is the instance whose lease caused the skip.
	LeaseHolder string `json:"lease_holder,omitempty"`
	// LeaseLost is set when the lease expired before the sweep finished.
	LeaseLost bool `json:"lease_lost,omitempty"`
	Flagged   int  `json:"flagged"`
	Reminders int  `json:"reminders"`
}

// APIServer is the inbound HTTP surface.
type APIServer interface {
	Start()
	Shutdown() error
}

// PaymentRequest is a payment claim as submitted by the client.
// ServiceName, Amount and Currency are optional declarations checked against the subscription.
type PaymentRequest struct {
	UserID      int64
	TxHash      string
	ServiceName string
	Amount      *decimal.Decimal
	Currency    string
	SubmittedAt time.Time
}

// SubmitOutcome is how intake handled a submission.
type SubmitOutcome string

const (
	OutcomeAccepted         SubmitOutcome = "accepted"
	OutcomeAlreadyProcessed SubmitOutcome = "already_processed"
	OutcomeInvalid          SubmitOutcome = "invalid"
)

// SubmitResult is returned by submission intake.
type SubmitResult struct {
	Outcome SubmitOutcome
	TxHash  string
	Verdict Verdict
	// Invalid carries the rejection when Outcome is OutcomeInvalid.
	Invalid *ValidationError
}
