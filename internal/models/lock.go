package models

import "time"

// BillingSweepLock is the lease name held by the instance running the billing sweep.
const BillingSweepLock = "billing-sweep"

// AppLock is a named lease stored in the database.
// Only the holder of an unexpired lease may run the guarded job, so replicas never sweep twice.
type AppLock struct {
	LockName   string `gorm:"primaryKey;size:255"`
	InstanceID string `gorm:"size:255;not null"`
	// AcquiredAt and ExpiresAt are unix seconds
	AcquiredAt int64 `gorm:"not null;index"`
	ExpiresAt  int64 `gorm:"not null;index"`
}

// TableName specifies the table name for GORM
func (AppLock) TableName() string {
	return "app_locks"
}

// HeldBy reports whether instanceID holds an unexpired lease at now.
func (l *AppLock) HeldBy(instanceID string, now time.Time) bool {
	return l.InstanceID == instanceID && l.ExpiresAt >= now.Unix()
}
