package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2026-03-02 is a Monday
func at(day int, hh, mm int) time.Time {
	return time.Date(2026, 3, 1+day, hh, mm, 0, 0, time.UTC)
}

func TestActiveHours_Overnight(t *testing.T) {
	w := ActiveHours{Enabled: true, Start: "22:00", End: "06:00"}

	assert.True(t, w.Contains(at(1, 23, 30)))
	assert.True(t, w.Contains(at(1, 2, 0)))
	assert.False(t, w.Contains(at(1, 12, 0)))
	assert.True(t, w.Contains(at(1, 22, 0)), "start is inclusive")
	assert.True(t, w.Contains(at(1, 6, 0)), "end is inclusive")
	assert.False(t, w.Contains(at(1, 6, 1)))
}

func TestActiveHours_SameDay(t *testing.T) {
	w := ActiveHours{Enabled: true, Start: "09:00", End: "17:30"}

	assert.True(t, w.Contains(at(1, 9, 0)))
	assert.True(t, w.Contains(at(1, 17, 30)))
	assert.False(t, w.Contains(at(1, 8, 59)))
	assert.False(t, w.Contains(at(1, 18, 0)))
}

func TestActiveHours_Days(t *testing.T) {
	weekends := ActiveHours{Enabled: true, Start: "00:00", End: "23:59", Days: []int{6, 7}}

	assert.False(t, weekends.Contains(at(1, 12, 0)), "monday")
	assert.True(t, weekends.Contains(at(6, 12, 0)), "saturday")
	assert.True(t, weekends.Contains(at(7, 12, 0)), "sunday")
}

func TestActiveHours_EmptyDaysMeansEveryDay(t *testing.T) {
	office := ActiveHours{Enabled: true, Start: "09:00", End: "17:00"}

	for day := 1; day <= 7; day++ {
		assert.True(t, office.Contains(at(day, 12, 0)), "day %d", day)
		assert.False(t, office.Contains(at(day, 20, 0)), "day %d", day)
	}
}

func TestActiveHours_DisabledAndMalformed(t *testing.T) {
	assert.True(t, ActiveHours{}.Contains(at(1, 12, 0)))
	assert.True(t, ActiveHours{Enabled: false, Start: "nope"}.Contains(at(1, 12, 0)))
	assert.False(t, ActiveHours{Enabled: true, Start: "25:00", End: "06:00"}.Contains(at(1, 12, 0)))
}

func TestActiveHours_Validate(t *testing.T) {
	require.NoError(t, ActiveHours{Enabled: true, Start: "22:00", End: "06:00", Days: []int{1, 7}}.Validate())
	assert.Error(t, ActiveHours{Enabled: true, Start: "2200", End: "06:00"}.Validate())
	assert.Error(t, ActiveHours{Enabled: true, Start: "22:00", End: "06:60"}.Validate())
	assert.Error(t, ActiveHours{Enabled: true, Start: "22:00", End: "06:00", Days: []int{0}}.Validate())
	assert.NoError(t, ActiveHours{Enabled: false, Start: "garbage"}.Validate())
}

func TestISOWeekday(t *testing.T) {
	assert.Equal(t, 1, ISOWeekday(at(1, 0, 0)))
	assert.Equal(t, 7, ISOWeekday(at(7, 0, 0)))
}

func TestQuietRemaining(t *testing.T) {
	now := at(1, 12, 0)

	remaining := QuietRemaining(now.Add(-10*time.Second), 45, now)
	assert.Equal(t, 35*time.Second, remaining)
	assert.Equal(t, "quiet_period:35s_remaining", QuietPeriodReason(remaining))

	assert.Zero(t, QuietRemaining(now.Add(-60*time.Second), 45, now))
	assert.Zero(t, QuietRemaining(now, 0, now))
	assert.Equal(t, "quiet_period:1s_remaining", QuietPeriodReason(200*time.Millisecond))
	assert.Equal(t, "quiet_period:35s_remaining", QuietPeriodReason(34200*time.Millisecond), "rounds up")
}

func TestReasonKinds(t *testing.T) {
	assert.Equal(t, "guardrails:cpu_high,recording_active", GuardrailsReason([]string{"cpu_high", "recording_active"}))
	assert.Equal(t, "guardrails", Kind("guardrails:cpu_high"))
	assert.Equal(t, "quiet_period", Kind("quiet_period:12s_remaining"))
	assert.Equal(t, "active_hours", Kind("active_hours"))
	assert.Equal(t, "after_job", Kind(AfterJobReason("7f3c")))
	assert.Equal(t, "", Kind("something_else"))
}
