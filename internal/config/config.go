// Package config loads engine settings and the governance parameter feed.
//
// Sources, lowest precedence first: built-in defaults, an optional YAML file
// (COMPUTEX_CONFIG), then COMPUTEX_* environment variables with "." mapped
// to "_" (COMPUTEX_GOVERNANCE_BATCH_MAX_MATCHES). Static settings are read
// once. The governance block is hot-reloaded when the file changes; a
// reload that fails validation is logged and ignored.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/computex/market-engine/internal/admission"
	"github.com/computex/market-engine/internal/book"
	"github.com/computex/market-engine/internal/matching"
)

// ErrInvalidConfig is returned for settings that fail validation.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config holds the static settings.
type Config struct {
	Port        string        `mapstructure:"port"`
	DataDir     string        `mapstructure:"data_dir"`
	DatabaseURL string        `mapstructure:"database_url"`
	RedisURL    string        `mapstructure:"redis_url"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`

	KafkaBrokers     []string `mapstructure:"kafka_brokers"`
	KafkaTopicPrefix string   `mapstructure:"kafka_topic_prefix"`
	KafkaGroup       string   `mapstructure:"kafka_group"`

	NATSURL           string `mapstructure:"nats_url"`
	NATSSubjectPrefix string `mapstructure:"nats_subject_prefix"`

	// CompletionSubject is the NATS subject and Kafka topic carrying
	// execution completion signals.
	CompletionSubject string `mapstructure:"completion_subject"`

	Lanes          []string      `mapstructure:"lanes"`
	PriceWindow    int           `mapstructure:"price_window"`
	RelayBuffer    int           `mapstructure:"relay_buffer"`
	ActivationTick time.Duration `mapstructure:"activation_tick"`

	Governance Governance `mapstructure:"governance"`
}

// Governance holds the hot-reloadable scheduling parameters.
type Governance struct {
	FairnessWindowMatches  int            `mapstructure:"fairness_window_matches"`
	FairnessWindowDuration time.Duration  `mapstructure:"fairness_window_duration"`
	LaneCaps               map[string]int `mapstructure:"lane_caps"`
	BatchMaxMatches        int            `mapstructure:"batch_max_matches"`
	BatchSleep             time.Duration  `mapstructure:"batch_sleep"`
	StarvationThreshold    time.Duration  `mapstructure:"starvation_threshold"`

	ReputationDecayPerHour float64 `mapstructure:"reputation_decay_per_hour"`
	ReputationWeight       float64 `mapstructure:"reputation_weight"`
	AcceleratorPremium     float64 `mapstructure:"accelerator_premium"`
	PriceComposition       string  `mapstructure:"price_composition"`

	SLASweepInterval     time.Duration `mapstructure:"sla_sweep_interval"`
	ProviderBondRatio    float64       `mapstructure:"provider_bond_ratio"`
	ConsumerBondRatio    float64       `mapstructure:"consumer_bond_ratio"`
	DefaultExecutionTime time.Duration `mapstructure:"default_execution_time"`
	ParallelLanes        bool          `mapstructure:"parallel_lanes"`

	AdmissionRate          float64 `mapstructure:"admission_rate"` // per party per second, 0 disables
	AdmissionBurst         int     `mapstructure:"admission_burst"`
	MaxOpenNotionalPerLane float64 `mapstructure:"max_open_notional_per_lane"`
	MaxOpenNotional        float64 `mapstructure:"max_open_notional"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("cache_ttl", 30*time.Second)
	v.SetDefault("kafka_brokers", []string{})
	v.SetDefault("kafka_topic_prefix", "computex")
	v.SetDefault("kafka_group", "market-engine")
	v.SetDefault("nats_url", "")
	v.SetDefault("nats_subject_prefix", "computex")
	v.SetDefault("completion_subject", "computex.completions")
	v.SetDefault("lanes", []string{"standard", "bulk"})
	v.SetDefault("price_window", 256)
	v.SetDefault("relay_buffer", 4096)
	v.SetDefault("activation_tick", time.Second)

	p := matching.DefaultParams()
	v.SetDefault("governance.fairness_window_matches", p.WindowMatches)
	v.SetDefault("governance.fairness_window_duration", p.WindowDuration)
	v.SetDefault("governance.lane_caps.standard", 10000)
	v.SetDefault("governance.lane_caps.bulk", 10000)
	v.SetDefault("governance.batch_max_matches", p.BatchMaxMatches)
	v.SetDefault("governance.batch_sleep", p.BatchSleep)
	v.SetDefault("governance.starvation_threshold", p.StarvationThreshold)
	v.SetDefault("governance.reputation_decay_per_hour", 0.01)
	v.SetDefault("governance.reputation_weight", p.ReputationWeight)
	v.SetDefault("governance.accelerator_premium", p.AcceleratorPremium.InexactFloat64())
	v.SetDefault("governance.price_composition", string(p.Composition))
	v.SetDefault("governance.sla_sweep_interval", 5*time.Second)
	v.SetDefault("governance.provider_bond_ratio", p.ProviderBondRatio.InexactFloat64())
	v.SetDefault("governance.consumer_bond_ratio", p.ConsumerBondRatio.InexactFloat64())
	v.SetDefault("governance.default_execution_time", p.DefaultExecutionTime)
	v.SetDefault("governance.parallel_lanes", false)
	v.SetDefault("governance.admission_rate", 50.0)
	v.SetDefault("governance.admission_burst", 100)
	v.SetDefault("governance.max_open_notional_per_lane", 0.0)
	v.SetDefault("governance.max_open_notional", 0.0)
}

// MatchingParams converts the governance block for the matcher.
func (g Governance) MatchingParams() matching.Params {
	return matching.Params{
		WindowMatches:        g.FairnessWindowMatches,
		WindowDuration:       g.FairnessWindowDuration,
		BatchMaxMatches:      g.BatchMaxMatches,
		BatchSleep:           g.BatchSleep,
		StarvationThreshold:  g.StarvationThreshold,
		AcceleratorPremium:   decimal.NewFromFloat(g.AcceleratorPremium),
		ReputationWeight:     g.ReputationWeight,
		Composition:          matching.Composition(g.PriceComposition),
		ProviderBondRatio:    decimal.NewFromFloat(g.ProviderBondRatio),
		ConsumerBondRatio:    decimal.NewFromFloat(g.ConsumerBondRatio),
		DefaultExecutionTime: g.DefaultExecutionTime,
		ParallelLanes:        g.ParallelLanes,
	}
}

// AdmissionLimits converts the governance block for order admission.
func (g Governance) AdmissionLimits() admission.Limits {
	return admission.Limits{
		Rate:       rate.Limit(g.AdmissionRate),
		Burst:      g.AdmissionBurst,
		MaxPerLane: decimal.NewFromFloat(g.MaxOpenNotionalPerLane),
		MaxTotal:   decimal.NewFromFloat(g.MaxOpenNotional),
	}
}

// LaneSpecs pairs each lane with its governance cap.
func (g Governance) LaneSpecs(lanes []string) []book.LaneSpec {
	out := make([]book.LaneSpec, len(lanes))
	for i, name := range lanes {
		out[i] = book.LaneSpec{Name: name, Cap: g.LaneCaps[name]}
	}
	return out
}

// Validate reports the first invalid governance parameter.
func (g Governance) Validate(lanes []string) error {
	if err := g.MatchingParams().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for _, name := range lanes {
		if g.LaneCaps[name] <= 0 {
			return fmt.Errorf("%w: lane %s needs a positive cap", ErrInvalidConfig, name)
		}
	}
	switch {
	case g.ReputationDecayPerHour < 0 || g.ReputationDecayPerHour >= 1:
		return fmt.Errorf("%w: reputation_decay_per_hour must be in [0, 1)", ErrInvalidConfig)
	case g.SLASweepInterval <= 0:
		return fmt.Errorf("%w: sla_sweep_interval must be positive", ErrInvalidConfig)
	case g.AdmissionRate < 0 || g.AdmissionBurst < 0:
		return fmt.Errorf("%w: admission limits must be non-negative", ErrInvalidConfig)
	case g.MaxOpenNotionalPerLane < 0 || g.MaxOpenNotional < 0:
		return fmt.Errorf("%w: exposure limits must be non-negative", ErrInvalidConfig)
	}
	return nil
}

// Validate checks the static settings and the governance block.
func (c Config) Validate() error {
	switch {
	case c.Port == "":
		return fmt.Errorf("%w: port is required", ErrInvalidConfig)
	case len(c.Lanes) == 0:
		return fmt.Errorf("%w: at least one lane is required", ErrInvalidConfig)
	case c.PriceWindow <= 0:
		return fmt.Errorf("%w: price_window must be positive", ErrInvalidConfig)
	case c.RelayBuffer <= 0:
		return fmt.Errorf("%w: relay_buffer must be positive", ErrInvalidConfig)
	case c.ActivationTick <= 0:
		return fmt.Errorf("%w: activation_tick must be positive", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.Lanes))
	for _, l := range c.Lanes {
		if seen[l] {
			return fmt.Errorf("%w: lane %s listed twice", ErrInvalidConfig, l)
		}
		seen[l] = true
	}
	return c.Governance.Validate(c.Lanes)
}

// Loader owns the viper instance and the live governance snapshot.
type Loader struct {
	v      *viper.Viper
	path   string
	cfg    Config
	gov    atomic.Pointer[Governance]
	logger *slog.Logger

	mu        sync.Mutex
	listeners []func(Governance)
}

// Load reads defaults, the optional file at path and the environment.
func Load(path string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("COMPUTEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Loader{v: v, path: path, cfg: cfg, logger: logger}
	gov := cfg.Governance
	l.gov.Store(&gov)
	return l, nil
}

// Config returns the settings as loaded at startup.
func (l *Loader) Config() Config {
	return l.cfg
}

// Governance returns the current governance snapshot.
func (l *Loader) Governance() Governance {
	return *l.gov.Load()
}

// OnGovernanceChange registers fn to run after every accepted reload.
func (l *Loader) OnGovernanceChange(fn func(Governance)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Watch starts hot reloading the config file. Without a file it does
// nothing.
func (l *Loader) Watch() {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.logger.Info("config file changed", "file", e.Name, "op", e.Op.String())
		if err := l.reload(); err != nil {
			l.logger.Warn("governance reload rejected, keeping last good parameters", "err", err)
		}
	})
	l.v.WatchConfig()
}

// reload re-reads the file and swaps the governance snapshot if it
// validates. Static settings are not reapplied.
func (l *Loader) reload() error {
	if err := l.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := l.v.Unmarshal(&c); err != nil {
		return fmt.Errorf("decode governance: %w", err)
	}
	g := c.Governance
	if err := g.Validate(l.cfg.Lanes); err != nil {
		return err
	}
	l.gov.Store(&g)

	l.mu.Lock()
	listeners := append([]func(Governance){}, l.listeners...)
	l.mu.Unlock()
	for _, fn := range listeners {
		fn(g)
	}
	l.logger.Info("governance parameters reloaded",
		"fairness_window_matches", g.FairnessWindowMatches,
		"batch_max_matches", g.BatchMaxMatches,
		"sla_sweep_interval", g.SLASweepInterval)
	return nil
}
