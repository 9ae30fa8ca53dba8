package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in    string
		kind  SpecKind
		cron  string
		every time.Duration
		src   string
	}{
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *", src: "cron"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly", src: "cron"},
		{in: "cron:  0 0 * * * *", kind: SpecCron, cron: "0 0 * * * *", src: "cron"},
		{in: "55m", kind: SpecInterval, every: 55 * time.Minute, src: "duration"},
		{in: "02:30", kind: SpecInterval, every: 2*time.Hour + 30*time.Minute, src: "hhmm"},
		{in: "every: 250ms", kind: SpecInterval, every: 250 * time.Millisecond, src: "duration"},
		{in: "interval:00:50", kind: SpecInterval, every: 50 * time.Minute, src: "hhmm"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			ps, err := ParseSchedule(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, ps.Kind)
			assert.Equal(t, tc.cron, ps.Cron)
			assert.Equal(t, tc.every, ps.Every)
			assert.Equal(t, tc.src, ps.Source)
		})
	}
}

func TestParseScheduleRejects(t *testing.T) {
	for _, in := range []string{"", "  ", "cron:", "soon", "00:75", "-5m", "every:0s"} {
		_, err := ParseSchedule(in)
		assert.Error(t, err, in)
	}
}

func TestValidateScheduleParsesCron(t *testing.T) {
	assert.NoError(t, ValidateSchedule("@every 1m"))
	assert.NoError(t, ValidateSchedule("0 */10 * * * *"))
	assert.NoError(t, ValidateSchedule("90s"))
	assert.Error(t, ValidateSchedule("61 * * * *"))
	assert.Error(t, ValidateSchedule("@fortnightly"))
	assert.ErrorContains(t, ValidateSchedule("0 0 30 2 *"), "never fires")
}
