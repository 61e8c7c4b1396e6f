// Package config assembles daemon configuration from defaults, an
// optional YAML file, and environment variables, in that order of
// precedence (environment wins).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	Evolution  Evolution  `yaml:"evolution"`
	Promotion  Promotion  `yaml:"promotion"`
	Learning   Learning   `yaml:"learning"`
	Federation Federation `yaml:"federation"`
}

// Evolution tunes the autonomous loop.
type Evolution struct {
	CircuitBreaker bool          `yaml:"circuit_breaker"`
	Interval       time.Duration `yaml:"interval"`
	MinEvents      int           `yaml:"min_events"`
	CohortSize     int           `yaml:"cohort_size"`
	ParentCount    int           `yaml:"parent_count"`
	Environment    string        `yaml:"environment"`
	SnapshotDir    string        `yaml:"snapshot_dir"`
}

// Promotion holds the autonomous safety gate thresholds.
type Promotion struct {
	MaxCanaryPct            float64 `yaml:"max_canary_pct"`
	CooldownHours           int     `yaml:"cooldown_hours"`
	MinWilsonBound          float64 `yaml:"min_wilson_bound"`
	SafetyViolationLimit    int     `yaml:"safety_violation_limit"`
	FitnessPromoteThreshold float64 `yaml:"fitness_promote_threshold"`
}

// Learning tunes the event bus and its WAL.
type Learning struct {
	LowConfidence float64 `yaml:"low_confidence"`
	QueueCapacity int     `yaml:"queue_capacity"`
	WALDir        string  `yaml:"wal_dir"`
}

// Peer names one federation target.
type Peer struct {
	ClusterID string `yaml:"cluster_id"`
	Addr      string `yaml:"addr"`
}

// Federation configures both sides of the sketch exchange.
type Federation struct {
	ClusterID         string        `yaml:"cluster_id"`
	ListenAddr        string        `yaml:"listen_addr"`
	Peers             []Peer        `yaml:"peers"`
	RateLimitRPM      int           `yaml:"rate_limit_rpm"`
	Quorum            int           `yaml:"quorum"`
	TrustThreshold    float64       `yaml:"trust_threshold"`
	SketchPrecision   int           `yaml:"sketch_precision"`
	SketchSalt        string        `yaml:"sketch_salt"`
	NonceTTL          time.Duration `yaml:"nonce_ttl"`
	SkewWindow        time.Duration `yaml:"skew_window"`
	SeqCounterPath    string        `yaml:"seq_counter_path"`
	AllowOpaqueSketch bool          `yaml:"allow_opaque_sketch"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Evolution: Evolution{
			Interval:    time.Minute,
			CohortSize:  50,
			ParentCount: 10,
			Environment: "default",
			SnapshotDir: "/var/lib/aswarm/snapshots",
		},
		Promotion: Promotion{
			MaxCanaryPct:            5.0,
			CooldownHours:           4,
			MinWilsonBound:          0.70,
			SafetyViolationLimit:    0,
			FitnessPromoteThreshold: 0.70,
		},
		Learning: Learning{
			LowConfidence: 0.5,
			QueueCapacity: 10000,
			WALDir:        "/var/lib/aswarm/wal",
		},
		Federation: Federation{
			ListenAddr:     ":9443",
			RateLimitRPM:   600,
			Quorum:         1,
			TrustThreshold: 0.3,
			SeqCounterPath: "/var/lib/aswarm/federation/sequence",
		},
	}
}

// Load merges an optional YAML file over the defaults and applies the
// environment on top. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

// FromEnv returns defaults overridden by the environment.
func FromEnv() (Config, error) {
	return Load("")
}

func (c *Config) applyEnv() error {
	var err error
	setBool := func(name string, dst *bool) {
		if err != nil {
			return
		}
		if v, ok := os.LookupEnv(name); ok {
			b, perr := strconv.ParseBool(v)
			if perr != nil {
				err = fmt.Errorf("%s: %w", name, perr)
				return
			}
			*dst = b
		}
	}
	setInt := func(name string, dst *int) {
		if err != nil {
			return
		}
		if v, ok := os.LookupEnv(name); ok {
			i, perr := strconv.Atoi(v)
			if perr != nil {
				err = fmt.Errorf("%s: %w", name, perr)
				return
			}
			*dst = i
		}
	}
	setFloat := func(name string, dst *float64) {
		if err != nil {
			return
		}
		if v, ok := os.LookupEnv(name); ok {
			f, perr := strconv.ParseFloat(v, 64)
			if perr != nil {
				err = fmt.Errorf("%s: %w", name, perr)
				return
			}
			*dst = f
		}
	}

	setBool("EVOLUTION_CIRCUIT_BREAKER", &c.Evolution.CircuitBreaker)
	setInt("EVOLVE_MIN_EVENTS", &c.Evolution.MinEvents)
	setFloat("PROMOTE_MAX_CANARY_PCT", &c.Promotion.MaxCanaryPct)
	setInt("PROMOTE_COOLDOWN_HOURS", &c.Promotion.CooldownHours)
	setFloat("PROMOTE_MIN_WILSON_BOUND", &c.Promotion.MinWilsonBound)
	setInt("SAFETY_VIOLATION_LIMIT", &c.Promotion.SafetyViolationLimit)
	setFloat("FITNESS_PROMOTE_THRESHOLD", &c.Promotion.FitnessPromoteThreshold)
	setFloat("LEARN_LOW_CONF", &c.Learning.LowConfidence)
	setBool("FEDERATION_ALLOW_OPAQUE_SKETCH", &c.Federation.AllowOpaqueSketch)

	if v, ok := os.LookupEnv("CLUSTER_ID"); ok {
		c.Federation.ClusterID = v
	}
	if v, ok := os.LookupEnv("LISTEN_ADDR"); ok {
		c.Federation.ListenAddr = v
	}
	return err
}

func (c *Config) validate() error {
	if c.Promotion.MaxCanaryPct <= 0 || c.Promotion.MaxCanaryPct > 100 {
		return fmt.Errorf("promotion.max_canary_pct %.2f outside (0,100]", c.Promotion.MaxCanaryPct)
	}
	if c.Promotion.MinWilsonBound < 0 || c.Promotion.MinWilsonBound > 1 {
		return fmt.Errorf("promotion.min_wilson_bound %.2f outside [0,1]", c.Promotion.MinWilsonBound)
	}
	if c.Promotion.CooldownHours < 0 {
		return fmt.Errorf("promotion.cooldown_hours must not be negative")
	}
	if c.Promotion.SafetyViolationLimit < 0 {
		return fmt.Errorf("promotion.safety_violation_limit must not be negative")
	}
	if c.Learning.QueueCapacity <= 0 {
		return fmt.Errorf("learning.queue_capacity must be positive")
	}
	if c.Federation.Quorum < 1 {
		return fmt.Errorf("federation.quorum must be at least 1")
	}
	return nil
}
