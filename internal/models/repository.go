package models

import (
	"context"
	"time"
)

type Repository interface {
	EnsureUser(ctx context.Context, userID int64, locale string) error
	SetUserLocale(ctx context.Context, userID int64, locale string) error
	GetUserLocale(ctx context.Context, userID int64) (string, error)

	AddSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, userID int64, serviceName string) (*Subscription, error)
	GetSubscriptionByID(ctx context.Context, id uint64) (*Subscription, error)
	ListUserSubscriptions(ctx context.Context, userID int64) ([]*Subscription, error)
	CancelSubscription(ctx context.Context, userID int64, serviceName string) error

	GetClaim(ctx context.Context, txHash string) (*PaymentClaim, error)
	// BeginClaim writes the verifying marker for claim.TxHash unless a record exists,
	// and returns the stored record. The lease in claim.LeaseOwner and claim.LeaseUntil is taken
	// on insert, or on an unfinished record whose lease expired or already belongs to LeaseOwner.
	// acquired is true when the caller now holds the lease and should run the verification.
	BeginClaim(ctx context.Context, claim *PaymentClaim) (stored *PaymentClaim, acquired bool, err error)
	// ReleaseClaim drops owner's lease on an unfinished claim so any instance may re-drive it.
	ReleaseClaim(ctx context.Context, txHash, owner string) error
	// ApplyVerdict atomically moves the claim from verifying to the verdict's terminal state
	// and applies the transition to its subscription. applied is false if another caller
	// finalized the claim first; nothing is written in that case.
	ApplyVerdict(ctx context.Context, txHash string, verdict Verdict, transition Transition) (applied bool, err error)
	// ListUnfinishedClaims returns claims still in the verifying state, oldest first.
	ListUnfinishedClaims(ctx context.Context) ([]*PaymentClaim, error)
	// ReopenClaim removes a timed out claim so the hash can be verified again.
	ReopenClaim(ctx context.Context, txHash string) (bool, error)

	ListOverdueSubscriptions(ctx context.Context, before time.Time) ([]*Subscription, error)
	FlagPastDue(ctx context.Context, sub *Subscription) (bool, error)
	ListSubscriptionsDueOn(ctx context.Context, day time.Time) ([]*Subscription, error)
	RecordReminder(ctx context.Context, subscriptionID uint64, period time.Time, daysBefore int) (bool, error)

	AddDeadLetter(ctx context.Context, letter *DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)

	AcquireLock(ctx context.Context, name, instanceID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, instanceID string) error
	// GetLock returns the stored lease, expired or not. ErrNotFound when nobody took it.
	GetLock(ctx context.Context, name string) (*AppLock, error)

	Close() error
}
