package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [1]
  supervisor_user_ids: [2]
  supervisor_chat_id: -1001
  sector_topics:
    Packing: 7
  poll_timeout: 10s
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data/test.db
shift:
  timezone: UTC
  tick_interval: 30s
  slots:
    day:
      - {start: "08:00", end: "20:00", slot: 1}
jobs:
  workers: 1
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Setenv(EnvToken, "")
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, 7, cfg.Telegram.SectorTopics["Packing"])
	assert.True(t, cfg.IsOwner(1))
	assert.True(t, cfg.IsSupervisor(1), "owners review too")
	assert.True(t, cfg.IsSupervisor(2))
	assert.False(t, cfg.IsSupervisor(3))
	assert.True(t, cfg.JobsEnabled())

	ss, err := cfg.Shift.Resolve()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, ss.TickInterval)
	assert.Equal(t, 15*time.Second, ss.TimerTick)
	assert.Equal(t, 4*time.Hour, ss.AutoCloseAfter)
	assert.Equal(t, 111, ss.SpecialPriority)
	assert.EqualValues(t, 900, ss.DefaultDuration)
	assert.Equal(t, 3, ss.MaxPhotos)
	assert.Len(t, ss.Calendar.Slots, 1)
}

func TestEnvOverridesToken(t *testing.T) {
	t.Setenv(EnvToken, "from-env")
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Telegram.Token)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.json", `{"telegram":{"token":"x"},"plugins":{}}`))
	_, err := m.Parse()
	require.Error(t, err)

	m = NewConfigManager(writeFile(t, "trail.json", `{"telegram":{"token":"x"}} {}`))
	_, err = m.Parse()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"minimal", Config{Telegram: TelegramConfig{Token: "t"}}, true},
		{"no token", Config{}, false},
		{"bad driver", Config{Telegram: TelegramConfig{Token: "t"}, Storage: StorageConfig{Driver: "mongo"}}, false},
		{"bad timezone", Config{Telegram: TelegramConfig{Token: "t"}, Shift: ShiftConfig{Timezone: "Mars/Base"}}, false},
		{"bad duration", Config{Telegram: TelegramConfig{Token: "t"}, Shift: ShiftConfig{TimerTick: "soon"}}, false},
		{"bad slot shift", Config{Telegram: TelegramConfig{Token: "t"}, Shift: ShiftConfig{Slots: map[string][]SlotConfig{"noon": {{Start: "08:00", End: "09:00", Slot: 1}}}}}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tc.cfg)
			if tc.ok && err != nil {
				t.Fatalf("Validate = %v, want nil", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("Validate = nil, want error")
			}
		})
	}
}

func TestStorageSettingsDefaults(t *testing.T) {
	t.Parallel()
	sc, err := StorageConfig{BusyTimeout: "2s"}.StorageSettings()
	require.NoError(t, err)
	assert.Equal(t, "./data/shiftbot.db", sc.Path)
	assert.Equal(t, 2*time.Second, sc.BusyTimeout)

	sc, err = StorageConfig{Driver: "Postgres", DSN: " postgres://x "}.StorageSettings()
	require.NoError(t, err)
	assert.Equal(t, "postgres", sc.Driver)
	assert.Equal(t, "", sc.Path)
	assert.Equal(t, "postgres://x", sc.DSN)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Telegram: TelegramConfig{Token: "a"}}
	b := &Config{Telegram: TelegramConfig{Token: "a"}, Shift: ShiftConfig{TickInterval: "30s"}, Metrics: MetricsConfig{Enabled: true}}

	changed, attrs := SummarizeConfigChange(a, b)
	assert.Equal(t, []string{"metrics", "shift"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeConfigChange(a, a)
	assert.Empty(t, changed)
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	require.Same(t, second, <-ch)
	m.Unsubscribe(ch)
	_, open := <-ch
	require.False(t, open)
}
