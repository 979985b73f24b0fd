package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusPending   SubscriptionStatus = "pending"
	StatusActive    SubscriptionStatus = "active"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusCancelled SubscriptionStatus = "cancelled"
)

// Payable reports whether a payment claim may be submitted against the status.
func (s SubscriptionStatus) Payable() bool {
	return s == StatusPending || s == StatusActive || s == StatusPastDue
}

// BillingCycle is the interval between two payments.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// Valid reports whether the cycle is one of the known values.
func (c BillingCycle) Valid() bool {
	return c == CycleMonthly || c == CycleYearly
}

// Subscription is a user's subscription to a service.
// There is exactly one record per (UserID, ServiceName).
type Subscription struct {
	// ID is the surrogate key of the subscription.
	ID uint64 `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	// UserID is the Telegram user id of the subscriber.
	UserID int64 `json:"user_id" gorm:"column:user_id;not null;uniqueIndex:ux_subscriptions_user_service,priority:1"`
	// ServiceName is the subscribed service, unique per user.
	ServiceName string `json:"service_name" gorm:"column:service_name;size:255;not null;uniqueIndex:ux_subscriptions_user_service,priority:2"`
	// Cost is the price of one billing cycle, in Currency units.
	Cost decimal.Decimal `json:"cost" gorm:"column:cost;type:numeric(36,18);not null"`
	// Currency is the currency or ticker the cost is denominated in.
	Currency string `json:"currency" gorm:"column:currency;size:16;not null"`
	// BillingCycle is monthly or yearly.
	BillingCycle BillingCycle `json:"billing_cycle" gorm:"column:billing_cycle;size:16;not null"`
	// NextPaymentDate is the date the next payment is due. Only a confirmed payment advances it.
	NextPaymentDate time.Time `json:"next_payment_date" gorm:"column:next_payment_date;not null;index"`
	// Status is the lifecycle state.
	Status SubscriptionStatus `json:"status" gorm:"column:status;size:16;not null;index"`
	// PastDueFlaggedFor is the billing period (a NextPaymentDate value) already flagged overdue.
	PastDueFlaggedFor *time.Time `json:"-" gorm:"column:past_due_flagged_for"`
	CreatedAt         time.Time  `json:"created_at" gorm:"column:created_at"`
	UpdatedAt         time.Time  `json:"updated_at" gorm:"column:updated_at"`
}

// User keeps per-user preferences. Locale is looked up on every message, never cached globally.
type User struct {
	UserID    int64     `json:"user_id" gorm:"column:user_id;primaryKey;autoIncrement:false"`
	Locale    string    `json:"locale" gorm:"column:locale;size:8"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at"`
}

// ReminderLog records that an upcoming-payment reminder was sent for a billing period.
type ReminderLog struct {
	ID             uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	SubscriptionID uint64    `gorm:"column:subscription_id;not null;uniqueIndex:ux_reminder_period,priority:1"`
	Period         time.Time `gorm:"column:period;not null;uniqueIndex:ux_reminder_period,priority:2"`
	DaysBefore     int       `gorm:"column:days_before;not null;uniqueIndex:ux_reminder_period,priority:3"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

// CurrencyTotals is the combined cost of a user's subscriptions billed in one currency.
// A yearly subscription counts as Cost/12 per month; a monthly one as Cost*12 per year.
type CurrencyTotals struct {
	Currency string          `json:"currency"`
	Monthly  decimal.Decimal `json:"monthly"`
	Yearly   decimal.Decimal `json:"yearly"`
}

// UpcomingPayment is the subscription due soonest.
type UpcomingPayment struct {
	SubscriptionID uint64    `json:"subscription_id"`
	ServiceName    string    `json:"service_name"`
	DueDate        time.Time `json:"due_date"`
	// DaysRemaining is 0 for payments due today or already overdue.
	DaysRemaining int `json:"days_remaining"`
}

// SubscriptionTotals summarizes the non-cancelled subscriptions of a user.
type SubscriptionTotals struct {
	UserID int64            `json:"user_id"`
	Count  int              `json:"count"`
	Totals []CurrencyTotals `json:"totals"`
	// Nearest is nil when the user has no subscriptions.
	Nearest *UpcomingPayment `json:"nearest,omitempty"`
}
