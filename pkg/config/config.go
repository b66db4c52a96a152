/*
Package config loads mrgc's process configuration: the region a process
is responsible for, the KV table prefix, and every tunable threshold the
control loops use. Configuration is read once at startup via
github.com/spf13/viper (environment variables layered over an optional
YAML file) and validated with struct tags before any control loop
starts, so a missing region or an out-of-range threshold fails fast
instead of surfacing as a confusing runtime error later.
*/
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Backend selects the storage.Store implementation a process uses.
type Backend string

const (
	BackendRedis Backend = "redis"
	BackendBolt  Backend = "bolt"
)

// Config is the full set of tunables for any mrgc control-loop process.
type Config struct {
	// Region is the region this process instance is responsible for.
	Region string `mapstructure:"region" validate:"required"`

	// TablePrefix namespaces every KV key this process touches.
	TablePrefix string `mapstructure:"table_prefix" validate:"required"`

	Backend  Backend        `mapstructure:"backend" validate:"required,oneof=redis bolt"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Bolt     BoltConfig     `mapstructure:"bolt"`
	Health   HealthConfig   `mapstructure:"health"`
	Router   RouterConfig   `mapstructure:"router"`
	Failover FailoverConfig `mapstructure:"failover"`
	Autoscaler AutoscalerConfig `mapstructure:"autoscaler"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type BoltConfig struct {
	Path string `mapstructure:"path"`
}

// HealthConfig drives the Health Monitor (C4).
type HealthConfig struct {
	Interval         time.Duration `mapstructure:"interval" validate:"required,gt=0"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout" validate:"required,gt=0"`
	Concurrency      int64         `mapstructure:"concurrency" validate:"required,gt=0,lte=20"`
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"required,gt=0"`
	StaleTimeout     time.Duration `mapstructure:"stale_timeout" validate:"required,gt=0"`
}

// RouterConfig drives the Regional Router (C5).
type RouterConfig struct {
	CandidatePoolSize  int           `mapstructure:"candidate_pool_size" validate:"required,gt=0"`
	ScoreFloor         int           `mapstructure:"score_floor" validate:"gte=0,lte=100"`
	ForwardTimeout     time.Duration `mapstructure:"forward_timeout" validate:"required,gt=0"`
	CacheRefresh       time.Duration `mapstructure:"cache_refresh" validate:"required,gt=0"`
}

// FailoverConfig drives the Failover Controller (C6).
type FailoverConfig struct {
	DegradedThreshold float64 `mapstructure:"degraded_threshold" validate:"gte=0,lte=1"`
	FailoverThreshold float64 `mapstructure:"failover_threshold" validate:"gte=0,lte=1"`
	RecoveryThreshold float64 `mapstructure:"recovery_threshold" validate:"gte=0,lte=1"`

	// LatencyTable is the static inter-region latency table (ms) §9
	// leaves unprescribed; a missing entry defaults to 0, degrading the
	// sibling sort to priority-only ordering.
	LatencyTable map[string]map[string]int `mapstructure:"latency_table"`
}

// AutoscalerConfig drives the Autoscaler (C7), per model pool.
type AutoscalerConfig struct {
	TargetRPSPerInstance float64       `mapstructure:"target_rps_per_instance" validate:"required,gt=0"`
	MinInstances         int           `mapstructure:"min_instances" validate:"gte=0"`
	MaxInstances         int           `mapstructure:"max_instances" validate:"required,gtfield=MinInstances"`
	ScaleUpDwell         time.Duration `mapstructure:"scale_up_dwell" validate:"required,gt=0"`
	ScaleDownDwell       time.Duration `mapstructure:"scale_down_dwell" validate:"required,gt=0"`
	Cooldown             time.Duration `mapstructure:"cooldown" validate:"required,gt=0"`
	TickInterval         time.Duration `mapstructure:"tick_interval" validate:"required,gt=0"`
}

// Load reads configuration from the environment (and an optional config
// file on the search path) and validates it. region must be supplied by
// the caller (the cobra flag layer in cmd/mrgc) since it has no sane
// default.
func Load(region string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("mrgc")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/mrgc")
	v.SetEnvPrefix("MRGC")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if region != "" {
		cfg.Region = region
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

var validate = validator.New()

func setDefaults(v *viper.Viper) {
	v.SetDefault("table_prefix", "mrgc")
	v.SetDefault("backend", string(BackendRedis))
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("bolt.path", "mrgc.db")

	v.SetDefault("health.interval", "30s")
	v.SetDefault("health.probe_timeout", "10s")
	v.SetDefault("health.concurrency", 20)
	v.SetDefault("health.failure_threshold", 3)
	v.SetDefault("health.stale_timeout", "90s")

	v.SetDefault("router.candidate_pool_size", 10)
	v.SetDefault("router.score_floor", 50)
	v.SetDefault("router.forward_timeout", "60s")
	v.SetDefault("router.cache_refresh", "30s")

	v.SetDefault("failover.degraded_threshold", 0.50)
	v.SetDefault("failover.failover_threshold", 0.30)
	v.SetDefault("failover.recovery_threshold", 0.80)

	v.SetDefault("autoscaler.target_rps_per_instance", 12.5)
	v.SetDefault("autoscaler.min_instances", 2)
	v.SetDefault("autoscaler.max_instances", 20)
	v.SetDefault("autoscaler.scale_up_dwell", "120s")
	v.SetDefault("autoscaler.scale_down_dwell", "600s")
	v.SetDefault("autoscaler.cooldown", "300s")
	v.SetDefault("autoscaler.tick_interval", "60s")
}
