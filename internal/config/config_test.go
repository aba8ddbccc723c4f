package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinKickass/OpenTestStand/internal/actuator"
	"github.com/KevinKickass/OpenTestStand/internal/telemetry"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, ErrDefaultsUsed)
	require.NotNil(t, cfg)

	assert.Equal(t, 9600, cfg.Serial.BaudRate)
	assert.Empty(t, cfg.Actuators.Valves)
	assert.Empty(t, cfg.Actuators.Motors)
	assert.Equal(t, 850.0, cfg.Interlock.PressureLimit)
	assert.Equal(t, []string{"pt1", "pt2"}, cfg.Interlock.Channels)
	assert.Equal(t, 100, cfg.Telemetry.HistorySize)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, Argon2Config{MemoryKiB: 64 * 1024, Iterations: 3, Parallelism: 2}, cfg.Auth.Argon2)
}

func TestLoad_Argon2Override(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
auth:
  argon2:
    memory_kib: 19456
    iterations: 2
`))
	require.NoError(t, err)
	assert.Equal(t, Argon2Config{MemoryKiB: 19456, Iterations: 2, Parallelism: 2}, cfg.Auth.Argon2)
}

func TestLoad_UnparseableUsesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "serial: [unclosed"))
	require.ErrorIs(t, err, ErrDefaultsUsed)
	assert.Equal(t, 9600, cfg.Serial.BaudRate)
}

func TestLoad_Actuators(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
serial:
  port: /dev/ttyACM0
  baud_rate: 115200
actuators:
  valves:
    - {id: 1, name: Fuel Main, servo_index: 0}
    - {id: 2, name: Ox Main, driver: 1, channel: 3}
  motors:
    - {name: Throttle, servo_index: 6}
interlock:
  reset_limit: 700
`))
	require.NoError(t, err)
	assert.Equal(t, 115200, cfg.Serial.BaudRate)

	valves, err := cfg.Actuators.ValveSet()
	require.NoError(t, err)
	require.Len(t, valves, 2)
	assert.Equal(t, 0, valves[0].Address.ServoIndex)
	assert.Equal(t, actuator.Address{ServoIndex: 19, Driver: 1, Channel: 3, Legacy: true}, valves[1].Address)
	assert.Equal(t, actuator.ValveClosed, valves[1].State)

	motors, err := cfg.Actuators.MotorSet()
	require.NoError(t, err)
	assert.Equal(t, 90, motors[0].Angle)

	assert.Equal(t, 700.0, cfg.Interlock.ResetLimit)
	assert.Equal(t, []telemetry.Channel{telemetry.PT1, telemetry.PT2}, cfg.Interlock.InterlockChannels())
}

func TestLoad_InvalidMappingFails(t *testing.T) {
	cases := map[string]string{
		"no address": `
actuators:
  valves:
    - {id: 1, name: Fuel}
`,
		"duplicate id": `
actuators:
  valves:
    - {id: 1, name: A, servo_index: 0}
    - {id: 1, name: B, servo_index: 1}
`,
		"id out of range": `
actuators:
  valves:
    - {id: 12, name: A, servo_index: 0}
`,
		"duplicate motor": `
actuators:
  motors:
    - {name: T, servo_index: 0}
    - {name: T, servo_index: 1}
`,
		"unknown channel": `
interlock:
  channels: [pt9]
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, body))
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrDefaultsUsed)
			assert.Nil(t, cfg)
		})
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("OTS_SERIAL_PORT", "/dev/ttyUSB7")
	cfg, err := Load(writeConfig(t, "serial:\n  baud_rate: 9600\n"))
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB7", cfg.Serial.Port)
}

func TestDefault_IsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}
