package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestDefaultScheduleUsesDefaultPeriod(t *testing.T) {
	s := Default(0)
	assert.Equal(t, DefaultPeriod, s.Interval(time.Now()))
	assert.Equal(t, 45*time.Second, Default(45*time.Second).Interval(time.Now()))
}

func TestAbsoluteWindowCadence(t *testing.T) {
	w, err := ParseWindow("2026-10-18T08:00:00Z", "2026-10-18T18:00:00Z")
	require.NoError(t, err)
	s := Schedule{Window: w, ActivePeriod: 30 * time.Second, InactivePeriod: 300 * time.Second, DefaultPeriod: time.Minute}

	assert.Equal(t, 30*time.Second, s.Interval(at("2026-10-18T08:00:00Z")))
	assert.Equal(t, 30*time.Second, s.Interval(at("2026-10-18T12:00:00Z")))
	assert.Equal(t, 300*time.Second, s.Interval(at("2026-10-18T18:00:00Z")), "end is exclusive")
	assert.Equal(t, 300*time.Second, s.Interval(at("2026-10-18T07:59:59Z")))
}

func TestDailyWindowWrapsMidnight(t *testing.T) {
	w, err := ParseWindow("22:00", "02:30")
	require.NoError(t, err)
	require.True(t, w.Daily)
	assert.True(t, w.Contains(at("2026-10-18T23:00:00Z")))
	assert.True(t, w.Contains(at("2026-10-19T01:00:00Z")))
	assert.False(t, w.Contains(at("2026-10-19T02:30:00Z")))
	assert.False(t, w.Contains(at("2026-10-19T12:00:00Z")))
	assert.Equal(t, "22:00:00-02:30:00 UTC daily", w.String())
}

func TestDailyWindowSameDay(t *testing.T) {
	w, err := ParseWindow("08:00:00", "17:00:00")
	require.NoError(t, err)
	assert.True(t, w.Contains(at("2026-10-18T08:00:00Z")))
	assert.False(t, w.Contains(at("2026-10-18T17:00:00Z")))
	assert.True(t, w.Contains(at("2026-10-18T10:00:00+02:00")), "times of day are UTC")
}

func TestParseWindowErrors(t *testing.T) {
	w, err := ParseWindow("", "")
	require.NoError(t, err)
	assert.Nil(t, w)

	for _, tc := range [][2]string{
		{"2026-10-18T08:00:00Z", ""},
		{"2026-10-18T08:00:00Z", "noon"},
		{"2026-10-18T18:00:00Z", "2026-10-18T08:00:00Z"},
		{"8 o'clock", "09:00"},
	} {
		_, err := ParseWindow(tc[0], tc[1])
		assert.Error(t, err, "start=%q end=%q", tc[0], tc[1])
	}
}

func TestStateReplaceKeepsDefault(t *testing.T) {
	st := NewState(Default(90 * time.Second))
	w, err := ParseWindow("2026-10-18T08:00:00Z", "2026-10-18T18:00:00Z")
	require.NoError(t, err)

	next, err := st.Replace(w, 30*time.Second, 300*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, next.DefaultPeriod)
	assert.Equal(t, 30*time.Second, st.Interval(at("2026-10-18T09:00:00Z")))

	_, err = st.Replace(nil, 10*time.Second, 20*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, st.Interval(at("2026-10-18T09:00:00Z")), "cleared window falls back to default")

	_, err = st.Replace(w, 0, time.Second)
	assert.Error(t, err)
	assert.Nil(t, st.Current().Window, "rejected update must not change the schedule")
}
