package billing

import (
	"time"

	"github.com/core-coin/tributum/internal/models"
)

// Date truncates t to midnight UTC of its UTC calendar day.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NextPaymentDate returns the due date one billing cycle after from.
// Month ends are clamped: Jan 31 + 1 month is Feb 28 (or 29), never early March.
func NextPaymentDate(from time.Time, cycle models.BillingCycle) time.Time {
	from = Date(from)
	months := 1
	if cycle == models.CycleYearly {
		months = 12
	}
	y, m, d := from.Date()
	firstOfTarget := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), d, 0, 0, 0, 0, time.UTC)
}
