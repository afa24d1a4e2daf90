package stash

import (
	"errors"
	"flag"
	"time"
)

type Config struct {
	MaxDatabases           int           `yaml:"max_databases"`
	MaxBytes               uint64        `yaml:"max_bytes"`
	IdleTimeout            time.Duration `yaml:"idle_timeout"`
	SweepInterval          time.Duration `yaml:"sweep_interval" category:"advanced"`
	LoadTimeout            time.Duration `yaml:"load_timeout"`
	HealthFailureThreshold int           `yaml:"health_failure_threshold" category:"advanced"`
	VerifyChecksums        bool          `yaml:"verify_checksums" category:"advanced"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("stash.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxDatabases, prefix+"max-databases", 8, "Maximum number of SDK databases kept in memory.")
	f.Uint64Var(&cfg.MaxBytes, prefix+"max-bytes", 4<<30, "Maximum total size in bytes of the SDK databases kept in memory. 0 to disable.")
	f.DurationVar(&cfg.IdleTimeout, prefix+"idle-timeout", time.Hour, "SDK databases not acquired for this long are dropped from memory. 0 to disable.")
	f.DurationVar(&cfg.SweepInterval, prefix+"sweep-interval", time.Minute, "How often idle SDK databases are looked for.")
	f.DurationVar(&cfg.LoadTimeout, prefix+"load-timeout", 5*time.Minute, "Maximum time a single SDK database load may take.")
	f.IntVar(&cfg.HealthFailureThreshold, prefix+"health-failure-threshold", 3, "Number of consecutive failed loads after which the server reports itself unhealthy.")
	f.BoolVar(&cfg.VerifyChecksums, prefix+"verify-checksums", true, "Verify the section checksums of SDK databases when they are loaded.")
}

func (cfg *Config) Validate() error {
	if cfg.MaxDatabases <= 0 {
		return errors.New("stash.max-databases must be positive")
	}
	if cfg.SweepInterval <= 0 {
		return errors.New("stash.sweep-interval must be positive")
	}
	if cfg.LoadTimeout <= 0 {
		return errors.New("stash.load-timeout must be positive")
	}
	if cfg.HealthFailureThreshold <= 0 {
		return errors.New("stash.health-failure-threshold must be positive")
	}
	return nil
}
