package safeguard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexpilot/indexpilot/internal/domain"
)

// 2026-03-02 is a Monday.
func day(weekdayOffset, hour, min int) time.Time {
	return time.Date(2026, 3, 2+weekdayOffset, hour, min, 0, 0, time.UTC)
}

func TestWindowContains(t *testing.T) {
	w, err := ParseWindow("nightly", "mon-fri 01:00-05:00")
	require.NoError(t, err)

	assert.True(t, w.Contains(day(0, 1, 0)))   // Monday 01:00
	assert.True(t, w.Contains(day(1, 4, 59)))  // Tuesday 04:59
	assert.False(t, w.Contains(day(1, 5, 0)))  // end is exclusive
	assert.False(t, w.Contains(day(0, 0, 59))) // before the window
	assert.False(t, w.Contains(day(5, 2, 0)))  // Saturday
}

func TestWindowMultipleClauses(t *testing.T) {
	w, err := ParseWindow("ops", "mon-fri 01:00-05:00; sat,sun 00:00-08:00")
	require.NoError(t, err)

	assert.True(t, w.Contains(day(5, 7, 0))) // Saturday 07:00
	assert.True(t, w.Contains(day(6, 0, 0))) // Sunday midnight
	assert.False(t, w.Contains(day(5, 9, 0)))
}

func TestWindowDayRangeWraps(t *testing.T) {
	w, err := ParseWindow("wrap", "fri-mon 10:00-11:00")
	require.NoError(t, err)

	assert.True(t, w.Contains(day(4, 10, 30))) // Friday
	assert.True(t, w.Contains(day(5, 10, 30))) // Saturday
	assert.True(t, w.Contains(day(6, 10, 30))) // Sunday
	assert.True(t, w.Contains(day(0, 10, 30))) // Monday
	assert.False(t, w.Contains(day(1, 10, 30)))
}

func TestWindowCrossesMidnight(t *testing.T) {
	w, err := ParseWindow("night", "sat 23:00-02:00")
	require.NoError(t, err)

	assert.True(t, w.Contains(day(5, 23, 30))) // Saturday late
	assert.True(t, w.Contains(day(6, 1, 30)))  // Sunday early, spillover
	assert.False(t, w.Contains(day(6, 2, 30)))
	assert.False(t, w.Contains(day(5, 22, 0)))
}

func TestParseWindowErrors(t *testing.T) {
	_, err := ParseWindow("w", "")
	assert.ErrorContains(t, err, "no clauses")

	_, err = ParseWindow("w", "noday 01:00-05:00")
	assert.ErrorContains(t, err, "unknown day")

	_, err = ParseWindow("w", "mon 25:00-26:00")
	assert.ErrorContains(t, err, "bad time")

	_, err = ParseWindow("w", "mon")
	assert.ErrorContains(t, err, "invalid window clause")
}

func TestWindowGate(t *testing.T) {
	var nilWindow *Window
	assert.True(t, nilWindow.Gate(day(0, 12, 0)).Allowed())

	w, err := ParseWindow("nightly", "mon-fri 01:00-05:00")
	require.NoError(t, err)

	assert.True(t, w.Gate(day(0, 2, 0)).Allowed())

	out := w.Gate(day(0, 12, 0))
	assert.Equal(t, domain.GateDefer, out.Decision)
	assert.Equal(t, "maintenance-window", out.Gate)
	assert.Contains(t, out.Reason, "nightly")
}
