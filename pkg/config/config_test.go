package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/utils"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, int64(utils.MebiByte), cfg.CoordinatorConfig().ChunkSize)
	assert.Equal(t, 3, cfg.CoordinatorConfig().Redundancy)
	assert.Equal(t, time.Hour, cfg.LedgerConfig().MinDealDuration)
	assert.Equal(t, uint64(250), cfg.LedgerConfig().PlatformFeeBps)
	assert.Equal(t, types.Address("treasury"), cfg.LedgerConfig().Treasury)
	assert.Equal(t, int64(100), cfg.RegistryConfig().BaselineReputation)
	assert.Equal(t, 0.7, cfg.HealthConfig().TargetUtilization)
	assert.Equal(t, 60*time.Second, cfg.DetectorConfig().DeadTimeout)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "storagemesh.json", `{
		"coordinator": {"address": ":7000", "data_dir": "/var/lib/storagemesh"},
		"placement": {"chunk_size": "4MiB", "redundancy": 2},
		"ledger": {"min_deal_duration": "30m", "activation_delay": "10m", "accounts": {"alice": "1000"}},
		"health": {"target_throughput": 1048576},
		"provider": {"capacity": "50GiB", "price": "3"}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":7000", cfg.Coordinator.Address)
	assert.Equal(t, "/var/lib/storagemesh", cfg.Coordinator.DataDir)
	assert.Equal(t, ":9090", cfg.Coordinator.MetricsAddress, "unset fields keep defaults")
	assert.Equal(t, Size(4*utils.MebiByte), cfg.Placement.ChunkSize)
	assert.Equal(t, 2, cfg.Placement.Redundancy)
	assert.Equal(t, 30*time.Minute, cfg.Ledger.MinDealDuration.Std())
	assert.Equal(t, 10*time.Minute, cfg.LedgerConfig().ActivationDelay)
	assert.Equal(t, map[string]string{"alice": "1000"}, cfg.Ledger.Accounts)
	assert.Equal(t, float64(utils.MebiByte), cfg.HealthConfig().TargetThroughput)
	assert.Equal(t, 50*utils.GibiByte, cfg.Provider.Capacity.Bytes())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "storagemesh.yaml", `
coordinator:
  address: ":7100"
placement:
  chunk_size: 256KiB
  min_distinct_providers: 2
liveness:
  enabled: true
  dead_timeout: 2m
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":7100", cfg.Coordinator.Address)
	assert.Equal(t, int64(256*utils.KibiByte), cfg.Placement.ChunkSize.Bytes())
	assert.Equal(t, 2, cfg.Placement.MinDistinctProviders)
	assert.True(t, cfg.Liveness.Enabled)
	assert.Equal(t, 2*time.Minute, cfg.DetectorConfig().DeadTimeout)
}

func TestLoadErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "bad.json", `{"placement": {"chunk_size": "lots"}}`))
	assert.Error(t, err)

	_, err = LoadConfig(writeFile(t, "bad.yml", "ledger:\n  min_deal_duration: soon\n"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("STORAGEMESH_COORDINATOR_ADDRESS", ":9999")
	t.Setenv("STORAGEMESH_PLACEMENT_CHUNK_SIZE", "2MiB")
	t.Setenv("STORAGEMESH_LEDGER_ACTIVATION_DELAY", "5m")
	t.Setenv("STORAGEMESH_HEALTH_TARGET_UTILIZATION", "0.5")

	cfg := Default()
	require.NoError(t, ApplyEnv(cfg))

	assert.Equal(t, ":9999", cfg.Coordinator.Address)
	assert.Equal(t, Size(2*utils.MebiByte), cfg.Placement.ChunkSize)
	assert.Equal(t, 5*time.Minute, cfg.Ledger.ActivationDelay.Std())
	assert.Equal(t, 0.5, cfg.Health.TargetUtilization)
	assert.Equal(t, 3, cfg.Placement.Redundancy, "unset variables keep current values")
}

func TestLoadAppliesEnvOverFile(t *testing.T) {
	path := writeFile(t, "storagemesh.json", `{"placement": {"redundancy": 2}}`)
	t.Setenv("STORAGEMESH_PLACEMENT_REDUNDANCY", "4")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Placement.Redundancy)

	t.Setenv("STORAGEMESH_PLACEMENT_REDUNDANCY", "0")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no address", func(c *Config) { c.Coordinator.Address = "" }},
		{"zero chunk", func(c *Config) { c.Placement.ChunkSize = 0 }},
		{"huge chunk", func(c *Config) { c.Placement.ChunkSize = Size(utils.GibiByte) }},
		{"zero redundancy", func(c *Config) { c.Placement.Redundancy = 0 }},
		{"zero distinct", func(c *Config) { c.Placement.MinDistinctProviders = 0 }},
		{"ceiling below floor", func(c *Config) { c.Registry.ReputationFloor = 50; c.Registry.ReputationCeiling = 10 }},
		{"max below min", func(c *Config) { c.Ledger.MaxDealDuration = Duration(time.Minute) }},
		{"fee over 100%", func(c *Config) { c.Ledger.PlatformFeeBps = 10001 }},
		{"negative delay", func(c *Config) { c.Ledger.ActivationDelay = Duration(-time.Second) }},
		{"zero tick", func(c *Config) { c.Health.TickInterval = 0 }},
		{"target utilization 1", func(c *Config) { c.Health.TargetUtilization = 1 }},
		{"empty window", func(c *Config) { c.Health.TransferWindow = 0 }},
		{"dead before suspect", func(c *Config) {
			c.Liveness.Enabled = true
			c.Liveness.DeadTimeout = c.Liveness.SuspectTimeout
		}},
		{"bad account", func(c *Config) { c.Ledger.Accounts = map[string]string{"a": "-1"} }},
		{"bad price", func(c *Config) { c.Provider.Price = "free" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSizeJSON(t *testing.T) {
	var s Size
	require.NoError(t, s.UnmarshalJSON([]byte(`"1.5GiB"`)))
	assert.Equal(t, Size(1536*utils.MebiByte), s)

	require.NoError(t, s.UnmarshalJSON([]byte(`1024`)))
	assert.Equal(t, Size(1024), s)
	assert.Equal(t, "1 KiB", s.String())

	assert.Error(t, s.UnmarshalJSON([]byte(`-1`)))
	assert.Error(t, s.UnmarshalJSON([]byte(`true`)))

	out, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "1024", string(out))
}

func TestWrittenDefaultsReload(t *testing.T) {
	cfg := Default()
	cfg.Placement.ChunkSize = Size(3 * utils.MebiByte)
	cfg.Health.TickInterval = Duration(45 * time.Second)

	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	fromYAML, err := LoadConfig(writeFile(t, "out.yaml", string(data)))
	require.NoError(t, err)
	assert.Equal(t, cfg, fromYAML)

	data, err = json.Marshal(cfg)
	require.NoError(t, err)
	fromJSON, err := LoadConfig(writeFile(t, "out.json", string(data)))
	require.NoError(t, err)
	assert.Equal(t, cfg, fromJSON)
}
