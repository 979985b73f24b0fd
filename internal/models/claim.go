package models

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// ClaimState is the processing state of a payment claim.
type ClaimState string

const (
	// ClaimVerifying is the write-ahead marker stored before verification starts.
	ClaimVerifying ClaimState = "verifying"
	ClaimConfirmed ClaimState = "confirmed"
	ClaimRejected  ClaimState = "rejected"
	ClaimTimedOut  ClaimState = "timed_out"
)

// Terminal reports whether the claim reached a final verdict.
func (s ClaimState) Terminal() bool {
	return s == ClaimConfirmed || s == ClaimRejected || s == ClaimTimedOut
}

// PaymentClaim is a client-submitted claim that a transaction pays a subscription.
// TxHash is the idempotency key: a hash reaches a terminal state at most once.
type PaymentClaim struct {
	TxHash          string          `json:"tx_hash" gorm:"column:tx_hash;primaryKey;size:66"`
	UserID          int64           `json:"user_id" gorm:"column:user_id;not null;index"`
	ServiceName     string          `json:"service_name" gorm:"column:service_name;size:255;not null"`
	SubscriptionID  uint64          `json:"subscription_id" gorm:"column:subscription_id;not null;index"`
	ClaimedAmount   decimal.Decimal `json:"claimed_amount" gorm:"column:claimed_amount;type:numeric(36,18)"`
	ClaimedCurrency string          `json:"claimed_currency" gorm:"column:claimed_currency;size:16"`
	SubmittedAt     time.Time       `json:"submitted_at" gorm:"column:submitted_at;not null"`

	State       ClaimState `json:"state" gorm:"column:state;size:16;not null;index"`
	Reason      string     `json:"reason,omitempty" gorm:"column:reason;size:64"`
	Amount      string     `json:"amount,omitempty" gorm:"column:amount;size:80"`
	Sender      string     `json:"sender,omitempty" gorm:"column:sender;size:66"`
	Recipient   string     `json:"recipient,omitempty" gorm:"column:recipient;size:66"`
	BlockHeight uint64     `json:"block_height,omitempty" gorm:"column:block_height"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty" gorm:"column:verified_at"`
	// Runs counts verification runs started for this hash; above one means a crashed run was re-driven.
	Runs int `json:"runs" gorm:"column:runs;not null;default:0"`
	// LeaseOwner is the instance verifying the claim. Another instance may take the claim
	// over only once LeaseUntil (unix seconds) has passed.
	LeaseOwner string    `json:"-" gorm:"column:lease_owner;size:64"`
	LeaseUntil int64     `json:"-" gorm:"column:lease_until;not null;default:0"`
	UpdatedAt  time.Time `json:"updated_at" gorm:"column:updated_at"`
}

// LeasedByOther reports whether an instance other than owner holds an unexpired lease at now.
func (c *PaymentClaim) LeasedByOther(owner string, now time.Time) bool {
	return c.LeaseOwner != "" && c.LeaseOwner != owner && c.LeaseUntil >= now.Unix()
}

// Verdict converts a terminal claim back into the verdict it stored.
func (c *PaymentClaim) Verdict() Verdict {
	switch c.State {
	case ClaimConfirmed:
		amount, _ := new(big.Int).SetString(c.Amount, 10)
		return Confirmed(amount, c.Sender, c.Recipient, c.BlockHeight)
	case ClaimRejected:
		return Rejected(RejectReason(c.Reason))
	case ClaimTimedOut:
		return TimedOut(RejectReason(c.Reason))
	}
	return Pending(0)
}

// VerdictKind is the outcome class of a verification run.
type VerdictKind string

const (
	VerdictConfirmed VerdictKind = "confirmed"
	VerdictRejected  VerdictKind = "rejected"
	VerdictPending   VerdictKind = "pending"
	VerdictTimedOut  VerdictKind = "timed_out"
)

// RejectReason explains a Rejected or TimedOut verdict.
type RejectReason string

const (
	ReasonMismatchedTerms   RejectReason = "mismatched_terms"
	ReasonTransactionFailed RejectReason = "transaction_failed"
	ReasonWaitExceeded      RejectReason = "wait_exceeded"
	ReasonOracleUnavailable RejectReason = "oracle_unavailable"
)

// Verdict is the result of verifying a claim against the ledger.
// Pending is transient; Confirmed, Rejected and TimedOut are terminal.
type Verdict struct {
	Kind             VerdictKind
	Amount           *big.Int
	Sender           string
	Recipient        string
	BlockHeight      uint64
	Reason           RejectReason
	// RetriesRemaining is set on Pending: the consecutive oracle failures the run still tolerates.
	RetriesRemaining int
}

func Confirmed(amount *big.Int, sender, recipient string, blockHeight uint64) Verdict {
	return Verdict{Kind: VerdictConfirmed, Amount: amount, Sender: sender, Recipient: recipient, BlockHeight: blockHeight}
}

func Rejected(reason RejectReason) Verdict {
	return Verdict{Kind: VerdictRejected, Reason: reason}
}

func Pending(retriesRemaining int) Verdict {
	return Verdict{Kind: VerdictPending, RetriesRemaining: retriesRemaining}
}

func TimedOut(reason RejectReason) Verdict {
	return Verdict{Kind: VerdictTimedOut, Reason: reason}
}

// Terminal reports whether the verdict ends verification.
func (v Verdict) Terminal() bool {
	return v.Kind != VerdictPending
}

// ClaimState maps a terminal verdict to the claim state that records it.
func (v Verdict) ClaimState() ClaimState {
	switch v.Kind {
	case VerdictConfirmed:
		return ClaimConfirmed
	case VerdictRejected:
		return ClaimRejected
	case VerdictTimedOut:
		return ClaimTimedOut
	}
	return ClaimVerifying
}

// Transition is the subscription change applied together with a claim's terminal verdict.
// A nil ToStatus leaves the status untouched.
type Transition struct {
	FromStatuses    []SubscriptionStatus
	ToStatus        *SubscriptionStatus
	NextPaymentDate *time.Time
	ClearPastDue    bool
}
