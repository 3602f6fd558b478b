package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextRun_SundayNightToMondayMorning(t *testing.T) {
	// 2026-08-23 is a Sunday.
	now := time.Date(2026, time.August, 23, 23, 59, 0, 0, time.UTC)
	require.Equal(t, time.Sunday, now.Weekday())

	next, err := NextRun("07:00", []string{"mon"}, now)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, time.August, 24, 7, 0, 0, 0, time.UTC), next)
}

func TestNextRun_SameDayWhenStillFuture(t *testing.T) {
	now := time.Date(2026, time.August, 24, 6, 59, 0, 0, time.UTC) // Monday
	next, err := NextRun("07:00", []string{"mon"}, now)
	require.NoError(t, err)
	require.Equal(t, now.Day(), next.Day())
	require.Equal(t, 7, next.Hour())
}

func TestNextRun_ExactNowRollsToNextWeek(t *testing.T) {
	now := time.Date(2026, time.August, 24, 7, 0, 0, 0, time.UTC) // Monday 07:00
	next, err := NextRun("07:00", []string{"mon"}, now)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, time.August, 31, 7, 0, 0, 0, time.UTC), next)
}

func TestNextRun_AlwaysFutureWithinEightDays(t *testing.T) {
	days := [][]string{
		{"mon"}, {"sun"}, {"mon", "wed", "fri"}, {"sat", "sun"},
		{"mon", "tue", "wed", "thu", "fri", "sat", "sun"},
	}
	times := []string{"00:00", "07:00", "12:30", "23:59"}

	base := time.Date(2026, time.August, 20, 0, 0, 0, 0, time.UTC)
	for dayOffset := 0; dayOffset < 7; dayOffset++ {
		for hourOffset := 0; hourOffset < 24; hourOffset += 5 {
			now := base.AddDate(0, 0, dayOffset).Add(time.Duration(hourOffset) * time.Hour)
			for _, d := range days {
				for _, tod := range times {
					next, err := NextRun(tod, d, now)
					require.NoError(t, err)
					require.True(t, next.After(now),
						"next %v not after now %v for %v %v", next, now, tod, d)
					require.Less(t, next.Sub(now), 8*24*time.Hour)

					set, _ := ParseDays(d)
					require.True(t, set[next.Weekday()])
				}
			}
		}
	}
}

func TestNextRun_Invalid(t *testing.T) {
	now := time.Now()

	_, err := NextRun("7am", []string{"mon"}, now)
	require.Error(t, err)

	_, err = NextRun("25:00", []string{"mon"}, now)
	require.Error(t, err)

	_, err = NextRun("07:00", nil, now)
	require.Error(t, err)

	_, err = NextRun("07:00", []string{"someday"}, now)
	require.Error(t, err)
}

func TestParseDays_AcceptsFullNamesAndCase(t *testing.T) {
	set, err := ParseDays([]string{"Monday", "WED", "friday"})
	require.NoError(t, err)
	require.True(t, set[time.Monday])
	require.True(t, set[time.Wednesday])
	require.True(t, set[time.Friday])
	require.Len(t, set, 3)
}
