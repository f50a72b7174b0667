package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ChuLiYu/geo-sampler/internal/controller"
	"github.com/ChuLiYu/geo-sampler/internal/session"
	"github.com/ChuLiYu/geo-sampler/internal/store"
	"github.com/ChuLiYu/geo-sampler/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config 完整的系統設定，透過 YAML 標籤對應設定檔欄位
type Config struct {
	Site struct {
		BaseURL string `yaml:"base_url"`
		HomeURL string `yaml:"home_url"` // 空值時使用 base_url
	} `yaml:"site"`

	Run struct {
		SellerName   string `yaml:"seller_name"`
		DelaySeconds int    `yaml:"delay_seconds"`
		MinDelay     int    `yaml:"min_delay"`
		MaxRetries   int    `yaml:"max_retries"`
		Ordering     string `yaml:"ordering"`
	} `yaml:"run"`

	Store struct {
		Backend    string `yaml:"backend"` // file | sqlite
		Dir        string `yaml:"dir"`
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"store"`

	Browser struct {
		RemoteURL       string        `yaml:"remote_url"`
		Headless        bool          `yaml:"headless"`
		UserAgent       string        `yaml:"user_agent"`
		NavigateTimeout time.Duration `yaml:"navigate_timeout"`
		SettleDelay     time.Duration `yaml:"settle_delay"`
		WarmupDelay     time.Duration `yaml:"warmup_delay"`
		ActionTimeout   time.Duration `yaml:"action_timeout"`
	} `yaml:"browser"`

	Selectors session.Selectors `yaml:"selectors"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Health struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"health"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// DefaultConfig 沒有設定檔時使用的預設值
func DefaultConfig() *Config {
	var cfg Config
	cfg.Site.BaseURL = "https://www.amazon.com"

	ctrl := controller.DefaultConfig()
	cfg.Run.DelaySeconds = ctrl.DefaultDelaySeconds
	cfg.Run.MinDelay = ctrl.MinDelaySeconds
	cfg.Run.MaxRetries = ctrl.DefaultMaxRetries
	cfg.Run.Ordering = string(types.LocationMajor)

	cfg.Store.Backend = string(store.BackendFile)
	cfg.Store.Dir = "data"
	cfg.Store.SQLitePath = "data/geo-sampler.db"

	sess := session.DefaultConfig()
	cfg.Browser.Headless = true
	cfg.Browser.NavigateTimeout = sess.NavigateTimeout
	cfg.Browser.SettleDelay = sess.SettleDelay
	cfg.Browser.WarmupDelay = sess.WarmupDelay
	cfg.Browser.ActionTimeout = 10 * time.Second

	cfg.Metrics.Port = 9090
	cfg.Health.Port = 50051
	cfg.Log.Level = "info"
	return &cfg
}

// loadConfig 讀取設定檔；檔案不存在時回傳預設值
//
// 設定檔只需列出要覆蓋的欄位，其餘沿用預設值。
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch store.Backend(c.Store.Backend) {
	case store.BackendFile, store.BackendSQLite:
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", store.BackendFile, store.BackendSQLite, c.Store.Backend)
	}
	if _, err := types.ParseOrdering(c.Run.Ordering); err != nil {
		return fmt.Errorf("run.ordering: %w", err)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Run.MinDelay < 0 || c.Run.MaxRetries < 0 {
		return errors.New("run.min_delay and run.max_retries must not be negative")
	}
	if c.Site.BaseURL == "" {
		return errors.New("site.base_url is required")
	}
	return nil
}

func (c *Config) storeOptions() store.Options {
	return store.Options{
		Backend:    store.Backend(c.Store.Backend),
		Dir:        c.Store.Dir,
		SQLitePath: c.Store.SQLitePath,
	}
}

func (c *Config) controllerConfig() controller.Config {
	return controller.Config{
		MinDelaySeconds:     c.Run.MinDelay,
		DefaultDelaySeconds: c.Run.DelaySeconds,
		DefaultMaxRetries:   c.Run.MaxRetries,
	}
}

func (c *Config) sessionConfig() session.Config {
	return session.Config{
		NavigateTimeout: c.Browser.NavigateTimeout,
		SettleDelay:     c.Browser.SettleDelay,
		WarmupDelay:     c.Browser.WarmupDelay,
	}
}

func (c *Config) chromeOptions() session.ChromeOptions {
	return session.ChromeOptions{
		RemoteURL:     c.Browser.RemoteURL,
		Headless:      c.Browser.Headless,
		UserAgent:     c.Browser.UserAgent,
		Selectors:     c.Selectors,
		ActionTimeout: c.Browser.ActionTimeout,
	}
}

// ============================================================================
// 日誌
// ============================================================================

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level must be debug, info, warn or error, got %q", s)
}

// setupLogging 設定預設的 slog handler
//
// 各套件以 logger() 在呼叫時取得 slog.Default()，因此只需在啟動時設定一次。
func setupLogging(w io.Writer, level string) {
	lvl, err := parseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetLogLoggerLevel(lvl)
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
}
