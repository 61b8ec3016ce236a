package utils

import (
	"context"
	"fmt"
	"time"

	"followup-mailer/database"

	"github.com/jinzhu/now"
)

// SendCounter counts recorded emails in a half-open time window.
type SendCounter interface {
	CountEmailsSent(ctx context.Context, from, before time.Time) (int, error)
}

// StatusCounter counts follow-ups per status.
type StatusCounter interface {
	CountFollowUpsByStatus(ctx context.Context) (map[database.FollowUpStatus]int, error)
}

// DailyLimit is the state of today's send quota.
type DailyLimit struct {
	CurrentCount int `json:"current_count"`
	Limit        int `json:"limit"`
	Remaining    int `json:"remaining"`
}

// Exceeded reports that no sends are left today.
func (l DailyLimit) Exceeded() bool {
	return l.CurrentCount >= l.Limit
}

// GetDailyMailCount counts emails sent on the local day containing at.
func GetDailyMailCount(ctx context.Context, counter SendCounter, at time.Time) (int, error) {
	start := now.With(at).BeginningOfDay()
	count, err := counter.CountEmailsSent(ctx, start, start.AddDate(0, 0, 1))
	if err != nil {
		return 0, fmt.Errorf("failed to get daily mail count: %w", err)
	}
	return count, nil
}

// CheckDailyLimit reports today's usage against limit.
func CheckDailyLimit(ctx context.Context, counter SendCounter, at time.Time, limit int) (DailyLimit, error) {
	count, err := GetDailyMailCount(ctx, counter, at)
	if err != nil {
		return DailyLimit{}, err
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return DailyLimit{CurrentCount: count, Limit: limit, Remaining: remaining}, nil
}

// GetFollowUpStatusDistribution returns follow-up counts keyed by status. Both
// statuses are always present.
func GetFollowUpStatusDistribution(ctx context.Context, counter StatusCounter) (map[string]int, error) {
	counts, err := counter.CountFollowUpsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get follow-up status distribution: %w", err)
	}
	out := map[string]int{
		string(database.FollowUpPending):   0,
		string(database.FollowUpCompleted): 0,
	}
	for status, n := range counts {
		out[string(status)] = n
	}
	return out, nil
}

// GetDailySendsOverPeriod returns the number of emails sent per local day for
// the last days days, today included, keyed by YYYY-MM-DD.
func GetDailySendsOverPeriod(ctx context.Context, counter SendCounter, at time.Time, days int) (map[string]int, error) {
	dailySends := make(map[string]int, days)
	today := now.With(at).BeginningOfDay()
	for i := 0; i < days; i++ {
		day := today.AddDate(0, 0, -i)
		count, err := counter.CountEmailsSent(ctx, day, day.AddDate(0, 0, 1))
		if err != nil {
			return nil, fmt.Errorf("failed to get daily sends over period: %w", err)
		}
		dailySends[day.Format("2006-01-02")] = count
	}
	return dailySends, nil
}
