package billing

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/core-coin/tributum/internal/models"
)

// totalsPlaces is the precision of the derived monthly and yearly amounts.
const totalsPlaces = 8

var twelve = decimal.NewFromInt(12)

// Totals sums subs per currency and finds the nearest due date relative to now.
// Cancelled subscriptions are ignored.
func Totals(userID int64, subs []*models.Subscription, now time.Time) *models.SubscriptionTotals {
	out := &models.SubscriptionTotals{UserID: userID, Totals: []models.CurrencyTotals{}}
	byCurrency := make(map[string]*models.CurrencyTotals)
	today := Date(now)

	for _, sub := range subs {
		if sub.Status == models.StatusCancelled {
			continue
		}
		out.Count++

		ct, ok := byCurrency[sub.Currency]
		if !ok {
			ct = &models.CurrencyTotals{Currency: sub.Currency}
			byCurrency[sub.Currency] = ct
		}
		switch sub.BillingCycle {
		case models.CycleYearly:
			ct.Monthly = ct.Monthly.Add(sub.Cost.Div(twelve))
			ct.Yearly = ct.Yearly.Add(sub.Cost)
		default:
			ct.Monthly = ct.Monthly.Add(sub.Cost)
			ct.Yearly = ct.Yearly.Add(sub.Cost.Mul(twelve))
		}

		due := Date(sub.NextPaymentDate)
		if out.Nearest == nil || due.Before(out.Nearest.DueDate) {
			days := int(due.Sub(today).Hours() / 24)
			if days < 0 {
				days = 0
			}
			out.Nearest = &models.UpcomingPayment{
				SubscriptionID: sub.ID,
				ServiceName:    sub.ServiceName,
				DueDate:        due,
				DaysRemaining:  days,
			}
		}
	}

	for _, ct := range byCurrency {
		ct.Monthly = ct.Monthly.Round(totalsPlaces)
		ct.Yearly = ct.Yearly.Round(totalsPlaces)
		out.Totals = append(out.Totals, *ct)
	}
	sort.Slice(out.Totals, func(i, j int) bool { return out.Totals[i].Currency < out.Totals[j].Currency })
	return out
}
