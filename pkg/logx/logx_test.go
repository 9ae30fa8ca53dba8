package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))

	log.Info("hello", Int("n", 3), Err(errors.New("boom")))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["message"])
	assert.Equal(t, "test", rec["comp"])
	assert.EqualValues(t, 3, rec["n"])
	assert.Equal(t, "boom", rec["err"])
	assert.True(t, strings.HasPrefix(rec["caller"].(string), "logx_test.go:"))
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")

	log.Info("dropped")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelInfo))
	assert.True(t, log.Enabled(LevelError))
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	assert.True(t, log.IsZero())
	log.Error("nothing happens")
	assert.False(t, Nop().IsZero())
}

func TestThrottleCountsSuppressed(t *testing.T) {
	th := NewThrottle(1)

	ok, n := th.Allow()
	require.True(t, ok)
	assert.Zero(t, n)

	ok, _ = th.Allow()
	assert.False(t, ok)
	ok, _ = th.Allow()
	assert.False(t, ok)
	assert.EqualValues(t, 2, th.Suppressed())
}

func TestNilThrottleAllowsAll(t *testing.T) {
	var th *Throttle
	for i := 0; i < 10; i++ {
		ok, _ := th.Allow()
		assert.True(t, ok)
	}
	assert.Nil(t, NewThrottle(0))
}

func TestNewConsoleLevel(t *testing.T) {
	log := NewConsole("warn")
	assert.False(t, log.IsZero())
	assert.Equal(t, zerolog.WarnLevel, log.root().GetLevel())
}
