package recorder

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/OpenTestStand/internal/telemetry"
)

func TestRecorder_WritesRows(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, zaptest.NewLogger(t))
	r.now = func() time.Time { return time.Date(2026, 5, 4, 13, 2, 1, 0, time.Local) }

	path, err := r.Start()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "rocket-log-20260504-130201.csv"), path)
	assert.True(t, r.Active())

	at := time.UnixMilli(1700000000000)
	require.NoError(t, r.Write(at, telemetry.SensorUpdate{telemetry.PT1: 12.5, telemetry.TC1: 20}))
	require.NoError(t, r.Stop())
	assert.False(t, r.Active())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		"timestamp,pt1,pt2,pt3,pt4,flow1,flow2,tc1\n1700000000000,12.5,,,,,,20\n",
		string(raw))
}

func TestRecorder_WriteWhileIdle(t *testing.T) {
	r := New(t.TempDir(), nil)
	assert.ErrorIs(t, r.Write(time.Now(), telemetry.SensorUpdate{telemetry.PT1: 1}), ErrNotRecording)
	assert.NoError(t, r.Stop())
}

func TestRecorder_StartFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	r := New(filepath.Join(blocker, "logs"), nil)
	_, err := r.Start()
	assert.Error(t, err)
	assert.False(t, r.Active())
}
