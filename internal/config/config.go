package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "SDUISYNC"

type Config struct {
	APIBaseURL        string
	APITimeout        time.Duration
	StorePath         string
	ProbeInterval     time.Duration
	ProbePath         string
	OptimisticTimeout time.Duration
	SweepInterval     time.Duration
	CacheTTL          time.Duration
	PageSize          int
	LogLevel          string
	DownWindow        time.Duration
	DownFailures      int
	RecoverSuccesses  int
}

func DefaultConfig() Config {
	return Config{
		APIBaseURL:        "http://127.0.0.1:8080",
		APITimeout:        15 * time.Second,
		StorePath:         defaultStorePath(),
		ProbeInterval:     10 * time.Second,
		ProbePath:         "/api/v1/health",
		OptimisticTimeout: 30 * time.Second,
		SweepInterval:     5 * time.Second,
		CacheTTL:          60 * time.Second,
		PageSize:          50,
		LogLevel:          "info",
		DownWindow:        30 * time.Second,
		DownFailures:      3,
		RecoverSuccesses:  2,
	}
}

// Load layers defaults, the TOML file and SDUISYNC_* environment variables.
// An empty path falls back to $SDUISYNC_CONFIG, then to
// ~/.config/sduisync/config.toml; only an explicitly named file must exist.
func Load(path string) (Config, error) {
	def := DefaultConfig()
	v := viper.New()

	v.SetDefault("api.base_url", def.APIBaseURL)
	v.SetDefault("api.timeout", def.APITimeout)
	v.SetDefault("store.path", def.StorePath)
	v.SetDefault("sync.probe_interval", def.ProbeInterval)
	v.SetDefault("sync.probe_path", def.ProbePath)
	v.SetDefault("optimistic.timeout", def.OptimisticTimeout)
	v.SetDefault("optimistic.sweep_interval", def.SweepInterval)
	v.SetDefault("loader.cache_ttl", def.CacheTTL)
	v.SetDefault("loader.page_size", def.PageSize)
	v.SetDefault("log.level", def.LogLevel)
	v.SetDefault("connectivity.down_window", def.DownWindow)
	v.SetDefault("connectivity.down_failures", def.DownFailures)
	v.SetDefault("connectivity.recover_successes", def.RecoverSuccesses)

	v.SetConfigType("toml")
	explicit := strings.TrimSpace(path)
	if explicit == "" {
		explicit = strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG"))
	}
	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "sduisync"))
		}
		v.SetConfigName("config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Config{
		APIBaseURL:        strings.TrimRight(strings.TrimSpace(v.GetString("api.base_url")), "/"),
		APITimeout:        v.GetDuration("api.timeout"),
		StorePath:         expandHome(v.GetString("store.path")),
		ProbeInterval:     v.GetDuration("sync.probe_interval"),
		ProbePath:         v.GetString("sync.probe_path"),
		OptimisticTimeout: v.GetDuration("optimistic.timeout"),
		SweepInterval:     v.GetDuration("optimistic.sweep_interval"),
		CacheTTL:          v.GetDuration("loader.cache_ttl"),
		PageSize:          v.GetInt("loader.page_size"),
		LogLevel:          strings.ToLower(strings.TrimSpace(v.GetString("log.level"))),
		DownWindow:        v.GetDuration("connectivity.down_window"),
		DownFailures:      v.GetInt("connectivity.down_failures"),
		RecoverSuccesses:  v.GetInt("connectivity.recover_successes"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.APIBaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	}
	if c.StorePath == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("loader.page_size must be positive, got %d", c.PageSize))
	}
	if c.DownFailures <= 0 || c.RecoverSuccesses <= 0 {
		errs = append(errs, errors.New("connectivity thresholds must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"api.timeout":               c.APITimeout,
		"sync.probe_interval":       c.ProbeInterval,
		"optimistic.timeout":        c.OptimisticTimeout,
		"optimistic.sweep_interval": c.SweepInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "sduisync.db"
	}
	return filepath.Join(home, ".local", "state", "sduisync", "queue.db")
}
