package subscription

import (
	"math"
	"time"
)

// daysInMonth returns the number of days in t's calendar month.
func daysInMonth(t time.Time) int {
	firstOfNextMonth := time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
	lastOfMonth := firstOfNextMonth.AddDate(0, 0, -1)
	return lastOfMonth.Day()
}

// daysRemaining is max(0, ceil((endDate-now)/day)), per spec §4.7 step 3.
func daysRemaining(now, endDate time.Time) int {
	d := endDate.Sub(now)
	if d <= 0 {
		return 0
	}
	days := int(math.Ceil(d.Hours() / 24))
	if days < 0 {
		return 0
	}
	return days
}

// roundHalfAwayFromZero implements the rounding spec §4.7's upgradeCost
// formula requires: ties round away from zero, matching how the teacher's
// balance arithmetic avoids banker's rounding surprises on signed amounts.
func roundHalfAwayFromZero(x float64) int64 {
	if x >= 0 {
		return int64(math.Floor(x + 0.5))
	}
	return -int64(math.Floor(-x + 0.5))
}

// ProratedUpgradeCost computes `round((newPrice-oldPrice)*daysRemaining/daysInMonth)`,
// per spec §4.7 step 3. May be negative for a downgrade.
func ProratedUpgradeCost(now time.Time, endDate time.Time, oldPrice, newPrice int64) int64 {
	ratio := float64(daysRemaining(now, endDate)) / float64(daysInMonth(now))
	return roundHalfAwayFromZero(float64(newPrice-oldPrice) * ratio)
}

// ProratedRefund computes `round(monthlyPrice * remainingDays / totalDays)`,
// per spec §4.7 forceCancel.
func ProratedRefund(now, startDate, endDate time.Time, monthlyPrice int64) int64 {
	totalDays := int(math.Ceil(endDate.Sub(startDate).Hours() / 24))
	if totalDays <= 0 {
		return 0
	}
	remaining := daysRemaining(now, endDate)
	return roundHalfAwayFromZero(float64(monthlyPrice) * float64(remaining) / float64(totalDays))
}
