package models

import "time"

// NotificationKind classifies user notifications, mostly for metrics and dead-letter triage.
type NotificationKind string

const (
	NotifyActivated NotificationKind = "activated"
	NotifyRejected  NotificationKind = "rejected"
	NotifyTimedOut  NotificationKind = "timed_out"
	NotifyPastDue   NotificationKind = "past_due"
	NotifyReminder  NotificationKind = "reminder"
)

// NotificationJob is a message waiting for delivery. Owned by the dispatcher.
type NotificationJob struct {
	UserID    int64
	Kind      NotificationKind
	Message   string
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// DeadLetter is a notification that exhausted its delivery budget.
type DeadLetter struct {
	ID        uint64           `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	UserID    int64            `json:"user_id" gorm:"column:user_id;not null;index"`
	Kind      NotificationKind `json:"kind" gorm:"column:kind;size:32"`
	Message   string           `json:"message" gorm:"column:message;type:text"`
	Attempts  int              `json:"attempts" gorm:"column:attempts"`
	LastError string           `json:"last_error" gorm:"column:last_error;type:text"`
	CreatedAt time.Time        `json:"created_at" gorm:"column:created_at;index"`
}
