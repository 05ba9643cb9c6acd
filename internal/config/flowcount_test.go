package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := EmptyFlowConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "default", cfg.GetStreamID())
	assert.Equal(t, 0.4, cfg.GetCountConfidence())
	assert.Equal(t, []string{"car", "motor", "bus", "truck"}, cfg.GetClasses())
	assert.Equal(t, "motor", cfg.GetClassAliases()["motorbike"])
	assert.Equal(t, 60*time.Second, cfg.GetSaveInterval())
	assert.Equal(t, "logs/traffic_count", cfg.GetLogDir())
	assert.Equal(t, time.Local, cfg.GetLocation())
	assert.Equal(t, "", cfg.GetDBPath())
	assert.Equal(t, time.Minute, cfg.GetWindow())
	assert.Equal(t, ModeSnapshot, cfg.GetAggregationMode())
	assert.Equal(t, 10, cfg.GetLookbackMinutes())
	assert.Equal(t, 5, cfg.GetPeakWindow())
	assert.Nil(t, cfg.GetPeakThreshold())
	assert.Equal(t, 500, cfg.GetTailLines())
	assert.Equal(t, "data/processed", cfg.GetOutDir())
	assert.Equal(t, 30*time.Second, cfg.GetPollInterval())
	assert.Equal(t, 15, cfg.GetBusyThreshold())
	assert.Equal(t, 25, cfg.GetCongestedThreshold())
	assert.Equal(t, [][]float64{{200, 300}, {900, 300}, {900, 700}, {200, 700}}, cfg.GetROI())
}

func TestMustLoadDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := MustLoadDefaultConfig()
	empty := EmptyFlowConfig()

	// The defaults file and the accessor fallbacks must agree.
	assert.Equal(t, empty.GetStreamID(), cfg.GetStreamID())
	assert.Equal(t, empty.GetROI(), cfg.GetROI())
	assert.Equal(t, empty.GetCountConfidence(), cfg.GetCountConfidence())
	assert.Equal(t, empty.GetClasses(), cfg.GetClasses())
	assert.Equal(t, empty.GetClassAliases(), cfg.GetClassAliases())
	assert.Equal(t, empty.GetSaveInterval(), cfg.GetSaveInterval())
	assert.Equal(t, empty.GetLogDir(), cfg.GetLogDir())
	assert.Equal(t, empty.GetWindow(), cfg.GetWindow())
	assert.Equal(t, empty.GetAggregationMode(), cfg.GetAggregationMode())
	assert.Equal(t, empty.GetLookbackMinutes(), cfg.GetLookbackMinutes())
	assert.Equal(t, empty.GetPeakWindow(), cfg.GetPeakWindow())
	assert.Equal(t, empty.GetTailLines(), cfg.GetTailLines())
	assert.Equal(t, empty.GetOutDir(), cfg.GetOutDir())
	assert.Equal(t, empty.GetPollInterval(), cfg.GetPollInterval())
	assert.Equal(t, empty.GetBusyThreshold(), cfg.GetBusyThreshold())
	assert.Equal(t, empty.GetCongestedThreshold(), cfg.GetCongestedThreshold())
}

func TestLoadFlowConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "cam.json", `{
  "stream_id": "cam01",
  "roi": [[0, 0], [100, 50]],
  "classes": ["car", "motor"],
  "save_interval": "10s",
  "timezone": "UTC",
  "aggregation_mode": "cumulative",
  "peak_threshold": 40
}`)

	cfg, err := LoadFlowConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "cam01", cfg.GetStreamID())
	assert.Equal(t, [][]float64{{0, 0}, {100, 0}, {100, 50}, {0, 50}}, cfg.GetROI())
	assert.Equal(t, []string{"car", "motor"}, cfg.GetClasses())
	assert.Equal(t, 10*time.Second, cfg.GetSaveInterval())
	assert.Equal(t, time.UTC, cfg.GetLocation())
	assert.Equal(t, ModeCumulative, cfg.GetAggregationMode())
	require.NotNil(t, cfg.GetPeakThreshold())
	assert.Equal(t, 40, *cfg.GetPeakThreshold())

	// Unset fields keep defaults.
	assert.Equal(t, 0.4, cfg.GetCountConfidence())
	assert.Equal(t, 5, cfg.GetPeakWindow())
}

func TestLoadFlowConfig_Errors(t *testing.T) {
	t.Parallel()

	t.Run("wrong extension", func(t *testing.T) {
		t.Parallel()
		_, err := LoadFlowConfig(writeConfig(t, "cfg.yaml", `{}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), ".json")
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := LoadFlowConfig(filepath.Join(t.TempDir(), "nope.json"))
		assert.Error(t, err)
	})

	t.Run("too large", func(t *testing.T) {
		t.Parallel()
		body := `{"log_dir": "` + strings.Repeat("a", 1024*1024) + `"}`
		_, err := LoadFlowConfig(writeConfig(t, "big.json", body))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too large")
	})

	t.Run("bad json", func(t *testing.T) {
		t.Parallel()
		_, err := LoadFlowConfig(writeConfig(t, "bad.json", `{"window": `))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	str := func(s string) *string { return &s }
	num := func(n int) *int { return &n }
	f64 := func(f float64) *float64 { return &f }

	tests := []struct {
		name string
		cfg  FlowConfig
	}{
		{"bad stream id", FlowConfig{StreamID: str("../x")}},
		{"one point roi", FlowConfig{ROI: [][]float64{{1, 2}}}},
		{"short roi point", FlowConfig{ROI: [][]float64{{1, 2}, {3}}}},
		{"confidence above one", FlowConfig{CountConfidence: f64(1.5)}},
		{"empty classes", FlowConfig{Classes: []string{}}},
		{"duplicate class", FlowConfig{Classes: []string{"car", "car"}}},
		{"bad save interval", FlowConfig{SaveInterval: str("soon")}},
		{"zero window", FlowConfig{Window: str("0s")}},
		{"bad timezone", FlowConfig{Timezone: str("Mars/Olympus")}},
		{"bad mode", FlowConfig{AggregationMode: str("average")}},
		{"negative lookback", FlowConfig{LookbackMinutes: num(-1)}},
		{"zero peak window", FlowConfig{PeakWindow: num(0)}},
		{"negative tail", FlowConfig{TailLines: num(-5)}},
		{"inverted density", FlowConfig{BusyThreshold: num(30), CongestedThreshold: num(20)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Error(t, tt.cfg.Validate())
		})
	}
}
