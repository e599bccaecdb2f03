package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/coordinator"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/health"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/ledger"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/liveness"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/registry"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/storage"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/utils"
)

// EnvPrefix prefixes every environment override, e.g.
// STORAGEMESH_COORDINATOR_ADDRESS.
const EnvPrefix = "STORAGEMESH"

type Config struct {
	Coordinator CoordinatorConfig `json:"coordinator" yaml:"coordinator"`
	Placement   PlacementConfig   `json:"placement" yaml:"placement"`
	Registry    RegistryConfig    `json:"registry" yaml:"registry"`
	Ledger      LedgerConfig      `json:"ledger" yaml:"ledger"`
	Health      HealthConfig      `json:"health" yaml:"health"`
	Liveness    LivenessConfig    `json:"liveness" yaml:"liveness"`
	Provider    ProviderConfig    `json:"provider" yaml:"provider"`
}

type CoordinatorConfig struct {
	Address        string `json:"address" yaml:"address"`
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address" envconfig:"metrics_address"`
	// DataDir holds the LevelDB blob and metadata stores. Empty keeps
	// everything in memory.
	DataDir string `json:"data_dir" yaml:"data_dir" envconfig:"data_dir"`
}

type PlacementConfig struct {
	ChunkSize            Size `json:"chunk_size" yaml:"chunk_size" envconfig:"chunk_size"`
	Redundancy           int  `json:"redundancy" yaml:"redundancy"`
	MinDistinctProviders int  `json:"min_distinct_providers" yaml:"min_distinct_providers" envconfig:"min_distinct_providers"`
}

type RegistryConfig struct {
	BaselineReputation int64 `json:"baseline_reputation" yaml:"baseline_reputation" envconfig:"baseline_reputation"`
	ReputationFloor    int64 `json:"reputation_floor" yaml:"reputation_floor" envconfig:"reputation_floor"`
	ReputationCeiling  int64 `json:"reputation_ceiling" yaml:"reputation_ceiling" envconfig:"reputation_ceiling"`
}

type LedgerConfig struct {
	MinDealDuration    Duration `json:"min_deal_duration" yaml:"min_deal_duration" envconfig:"min_deal_duration"`
	MaxDealDuration    Duration `json:"max_deal_duration" yaml:"max_deal_duration" envconfig:"max_deal_duration"`
	PlatformFeeBps     uint64   `json:"platform_fee_bps" yaml:"platform_fee_bps" envconfig:"platform_fee_bps"`
	ActivationDelay    Duration `json:"activation_delay" yaml:"activation_delay" envconfig:"activation_delay"`
	ProofReward        int64    `json:"proof_reward" yaml:"proof_reward" envconfig:"proof_reward"`
	MissedProofPenalty int64    `json:"missed_proof_penalty" yaml:"missed_proof_penalty" envconfig:"missed_proof_penalty"`
	Treasury           string   `json:"treasury" yaml:"treasury"`
	// Accounts seeds the in-memory escrow with balances in wei, keyed by
	// address.
	Accounts map[string]string `json:"accounts,omitempty" yaml:"accounts,omitempty" ignored:"true"`
}

type HealthConfig struct {
	TickInterval      Duration `json:"tick_interval" yaml:"tick_interval" envconfig:"tick_interval"`
	TransferWindow    int      `json:"transfer_window" yaml:"transfer_window" envconfig:"transfer_window"`
	PerformanceWindow int      `json:"performance_window" yaml:"performance_window" envconfig:"performance_window"`
	TargetUtilization float64  `json:"target_utilization" yaml:"target_utilization" envconfig:"target_utilization"`
	// TargetThroughput is per second.
	TargetThroughput Size     `json:"target_throughput" yaml:"target_throughput" envconfig:"target_throughput"`
	MinLatency       Duration `json:"min_latency" yaml:"min_latency" envconfig:"min_latency"`
	ReferenceBytes   Size     `json:"reference_bytes" yaml:"reference_bytes" envconfig:"reference_bytes"`
}

type LivenessConfig struct {
	Enabled          bool     `json:"enabled" yaml:"enabled"`
	Port             string   `json:"port" yaml:"port"`
	MulticastAddress string   `json:"multicast_address" yaml:"multicast_address" envconfig:"multicast_address"`
	BeaconInterval   Duration `json:"beacon_interval" yaml:"beacon_interval" envconfig:"beacon_interval"`
	CheckInterval    Duration `json:"check_interval" yaml:"check_interval" envconfig:"check_interval"`
	SuspectTimeout   Duration `json:"suspect_timeout" yaml:"suspect_timeout" envconfig:"suspect_timeout"`
	DeadTimeout      Duration `json:"dead_timeout" yaml:"dead_timeout" envconfig:"dead_timeout"`
}

// ProviderConfig describes the local provider for `storagemesh provider`.
type ProviderConfig struct {
	Capacity Size   `json:"capacity" yaml:"capacity"`
	Price    string `json:"price" yaml:"price"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// Default returns a complete configuration for a single in-memory
// coordinator.
func Default() *Config {
	hc := health.DefaultConfig()
	lc := ledger.DefaultConfig()
	dc := liveness.DefaultDetectorConfig()
	bc := liveness.DefaultBroadcastConfig()

	return &Config{
		Coordinator: CoordinatorConfig{
			Address:        ":8001",
			MetricsAddress: ":9090",
		},
		Placement: PlacementConfig{
			ChunkSize:            Size(storage.DefaultChunkSize),
			Redundancy:           3,
			MinDistinctProviders: 1,
		},
		Registry: RegistryConfig{
			BaselineReputation: registry.DefaultBaselineReputation,
		},
		Ledger: LedgerConfig{
			MinDealDuration:    Duration(lc.MinDealDuration),
			MaxDealDuration:    Duration(lc.MaxDealDuration),
			PlatformFeeBps:     lc.PlatformFeeBps,
			ActivationDelay:    Duration(lc.ActivationDelay),
			ProofReward:        lc.ProofReward,
			MissedProofPenalty: lc.MissedProofPenalty,
			Treasury:           string(lc.Treasury),
		},
		Health: HealthConfig{
			TickInterval:      Duration(hc.TickInterval),
			TransferWindow:    hc.TransferWindow,
			PerformanceWindow: hc.PerformanceWindow,
			TargetUtilization: hc.TargetUtilization,
			TargetThroughput:  Size(hc.TargetThroughput),
			MinLatency:        Duration(hc.MinLatency),
			ReferenceBytes:    Size(hc.ReferenceBytes),
		},
		Liveness: LivenessConfig{
			Port:             bc.Port,
			MulticastAddress: bc.MulticastAddress,
			BeaconInterval:   Duration(bc.Interval),
			CheckInterval:    Duration(dc.CheckInterval),
			SuspectTimeout:   Duration(dc.SuspectTimeout),
			DeadTimeout:      Duration(dc.DeadTimeout),
		},
		Provider: ProviderConfig{
			Capacity: Size(10 * utils.GibiByte),
			Price:    "1",
		},
	}
}

// LoadConfig reads a JSON or YAML file over the defaults. The format follows
// the extension; anything other than .yaml or .yml is parsed as JSON.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// Load reads path when it is non-empty, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays STORAGEMESH_* variables. Unset variables leave the
// current values alone.
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	switch {
	case c.Coordinator.Address == "":
		return fmt.Errorf("coordinator.address is required")
	case c.Placement.ChunkSize <= 0 || c.Placement.ChunkSize.Bytes() > storage.MaxChunkSize:
		return fmt.Errorf("placement.chunk_size must be in (0, %s]", Size(storage.MaxChunkSize))
	case c.Placement.Redundancy < 1:
		return fmt.Errorf("placement.redundancy must be at least 1")
	case c.Placement.MinDistinctProviders < 1:
		return fmt.Errorf("placement.min_distinct_providers must be at least 1")
	case c.Registry.ReputationCeiling > 0 && c.Registry.ReputationCeiling < c.Registry.ReputationFloor:
		return fmt.Errorf("registry.reputation_ceiling is below reputation_floor")
	case c.Ledger.MinDealDuration <= 0 || c.Ledger.MaxDealDuration < c.Ledger.MinDealDuration:
		return fmt.Errorf("ledger deal durations must satisfy 0 < min <= max")
	case c.Ledger.PlatformFeeBps > 10000:
		return fmt.Errorf("ledger.platform_fee_bps must not exceed 10000")
	case c.Ledger.ActivationDelay < 0:
		return fmt.Errorf("ledger.activation_delay must not be negative")
	case c.Health.TickInterval <= 0:
		return fmt.Errorf("health.tick_interval must be positive")
	case c.Health.TargetUtilization <= 0 || c.Health.TargetUtilization >= 1:
		return fmt.Errorf("health.target_utilization must be in (0, 1)")
	case c.Health.TransferWindow < 1 || c.Health.PerformanceWindow < 1:
		return fmt.Errorf("health windows must hold at least one sample")
	case c.Liveness.Enabled && c.Liveness.DeadTimeout <= c.Liveness.SuspectTimeout:
		return fmt.Errorf("liveness.dead_timeout must exceed suspect_timeout")
	}

	for addr, amount := range c.Ledger.Accounts {
		if _, err := types.ParseTokenAmount(amount); err != nil {
			return fmt.Errorf("ledger.accounts[%s]: %w", addr, err)
		}
	}
	if c.Provider.Price != "" {
		if _, err := types.ParseTokenAmount(c.Provider.Price); err != nil {
			return fmt.Errorf("provider.price: %w", err)
		}
	}
	return nil
}

func (c *Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		ChunkSize:            c.Placement.ChunkSize.Bytes(),
		Redundancy:           c.Placement.Redundancy,
		MinDistinctProviders: c.Placement.MinDistinctProviders,
	}
}

func (c *Config) RegistryConfig() registry.Config {
	return registry.Config{
		BaselineReputation: c.Registry.BaselineReputation,
		ReputationFloor:    c.Registry.ReputationFloor,
		ReputationCeiling:  c.Registry.ReputationCeiling,
	}
}

func (c *Config) LedgerConfig() ledger.Config {
	return ledger.Config{
		MinDealDuration:    c.Ledger.MinDealDuration.Std(),
		MaxDealDuration:    c.Ledger.MaxDealDuration.Std(),
		PlatformFeeBps:     c.Ledger.PlatformFeeBps,
		ActivationDelay:    c.Ledger.ActivationDelay.Std(),
		ProofReward:        c.Ledger.ProofReward,
		MissedProofPenalty: c.Ledger.MissedProofPenalty,
		Treasury:           types.Address(c.Ledger.Treasury),
	}
}

func (c *Config) HealthConfig() health.Config {
	return health.Config{
		TickInterval:      c.Health.TickInterval.Std(),
		TransferWindow:    c.Health.TransferWindow,
		PerformanceWindow: c.Health.PerformanceWindow,
		TargetUtilization: c.Health.TargetUtilization,
		TargetThroughput:  float64(c.Health.TargetThroughput),
		MinLatency:        c.Health.MinLatency.Std(),
		ReferenceBytes:    c.Health.ReferenceBytes.Bytes(),
	}
}

func (c *Config) DetectorConfig() liveness.DetectorConfig {
	return liveness.DetectorConfig{
		CheckInterval:  c.Liveness.CheckInterval.Std(),
		SuspectTimeout: c.Liveness.SuspectTimeout.Std(),
		DeadTimeout:    c.Liveness.DeadTimeout.Std(),
	}
}

// BroadcastConfig announces providerID when set; coordinators pass "".
func (c *Config) BroadcastConfig(providerID types.ProviderID) liveness.BroadcastConfig {
	return liveness.BroadcastConfig{
		Port:             c.Liveness.Port,
		MulticastAddress: c.Liveness.MulticastAddress,
		Interval:         c.Liveness.BeaconInterval.Std(),
		ProviderID:       providerID,
	}
}

// Timeout is the default deadline for a single CLI call.
const Timeout = 30 * time.Second
