package config

import (
	"CopyGuard/internal/execution"
	"CopyGuard/internal/firewall"
	"CopyGuard/internal/risk"
	"CopyGuard/internal/storage"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration. Monetary values are decimal strings.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Account   AccountConfig   `yaml:"account"`
	Firewall  FirewallConfig  `yaml:"firewall"`
	Risk      RiskConfig      `yaml:"risk"`
	Execution ExecutionConfig `yaml:"execution"`
	NATS      NATSConfig      `yaml:"nats"`
	Server    ServerConfig    `yaml:"server"`
	Audit     AuditConfig     `yaml:"audit"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Log       LogConfig       `yaml:"log"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

type AccountConfig struct {
	StartingCapital string `yaml:"starting_capital"`
}

type FirewallConfig struct {
	TraderAllowlist []string      `yaml:"trader_allowlist"`
	MarketAllowlist []string      `yaml:"market_allowlist"`
	AllowAnyMarket  bool          `yaml:"allow_any_market"`
	MaxAge          time.Duration `yaml:"max_age"`
	MaxAmount       string        `yaml:"max_amount"`
	MaxFraction     string        `yaml:"max_fraction"`
	MaxPositions    int           `yaml:"max_positions"`
	SeenCacheSize   int           `yaml:"seen_cache_size"`
}

type RiskConfig struct {
	DailyStopPct   string `yaml:"daily_stop_pct"`
	HardKillPct    string `yaml:"hard_kill_pct"`
	PerTradeCapPct string `yaml:"per_trade_cap_pct"`
	MaxPositions   int    `yaml:"max_positions"`
}

type ExecutionConfig struct {
	Mode      string          `yaml:"mode"`
	Simulated SimulatedConfig `yaml:"simulated"`
	Live      LiveConfig      `yaml:"live"`
}

type SimulatedConfig struct {
	DefaultPrice   string            `yaml:"default_price"`
	Prices         map[string]string `yaml:"prices"`
	MaxOrderAmount string            `yaml:"max_order_amount"`
}

type LiveConfig struct {
	BaseURL   string        `yaml:"base_url"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
}

type NATSConfig struct {
	// URL empty disables NATS ingestion and outcome publishing.
	URL             string        `yaml:"url"`
	Workers         int           `yaml:"workers"`
	Buffer          int           `yaml:"buffer"`
	PublishOutcomes bool          `yaml:"publish_outcomes"`
	PublishTimeout  time.Duration `yaml:"publish_timeout"`
}

type ServerConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type AuditConfig struct {
	Capacity     int           `yaml:"capacity"`
	BatchSize    int           `yaml:"batch_size"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
	Timeout      time.Duration `yaml:"timeout"`
}

type PipelineConfig struct {
	LockStripes int `yaml:"lock_stripes"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a dry-run configuration on a local SQLite file. The
// allowlists are empty, so every intent is rejected until they are set.
func Default() Config {
	return Config{
		Store:   StoreConfig{Driver: "sqlite", DSN: "copyguard.db"},
		Account: AccountConfig{StartingCapital: "1000"},
		Firewall: FirewallConfig{
			MaxAge:        5 * time.Minute,
			MaxAmount:     "100",
			MaxFraction:   "0.1",
			MaxPositions:  5,
			SeenCacheSize: 100_000,
		},
		Risk: RiskConfig{
			DailyStopPct:   "-0.05",
			HardKillPct:    "-0.20",
			PerTradeCapPct: "0.03",
			MaxPositions:   5,
		},
		Execution: ExecutionConfig{
			Mode:      "simulated",
			Simulated: SimulatedConfig{DefaultPrice: "0.5"},
			Live:      LiveConfig{APIKeyEnv: "COPYGUARD_BROKER_API_KEY", Timeout: 10 * time.Second},
		},
		NATS: NATSConfig{Workers: 4, Buffer: 1024, PublishOutcomes: true, PublishTimeout: 5 * time.Second},
		Server: ServerConfig{
			HTTPAddr:    ":8080",
			GRPCAddr:    ":9090",
			MetricsAddr: ":9091",
		},
		Audit: AuditConfig{
			Capacity:     1024,
			BatchSize:    50,
			FlushTimeout: 10 * time.Millisecond,
			Timeout:      5 * time.Second,
		},
		Pipeline: PipelineConfig{LockStripes: 64},
		Log:      LogConfig{Level: "info"},
	}
}

// Load reads envFile (if present) into the environment, then the YAML file at
// path over the defaults, then COPYGUARD_* overrides. Either path may be empty.
// Load does not validate; call Validate.
func Load(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Store.Driver = envOrDefault("COPYGUARD_STORE_DRIVER", c.Store.Driver)
	c.Store.DSN = envOrDefault("COPYGUARD_STORE_DSN", c.Store.DSN)
	c.Account.StartingCapital = envOrDefault("COPYGUARD_STARTING_CAPITAL", c.Account.StartingCapital)
	c.Firewall.TraderAllowlist = envListOrDefault("COPYGUARD_TRADER_ALLOWLIST", c.Firewall.TraderAllowlist)
	c.Firewall.MarketAllowlist = envListOrDefault("COPYGUARD_MARKET_ALLOWLIST", c.Firewall.MarketAllowlist)
	c.Execution.Mode = envOrDefault("COPYGUARD_EXECUTION_MODE", c.Execution.Mode)
	c.Execution.Live.BaseURL = envOrDefault("COPYGUARD_BROKER_URL", c.Execution.Live.BaseURL)
	c.NATS.URL = envOrDefault("COPYGUARD_NATS_URL", c.NATS.URL)
	c.Server.HTTPAddr = envOrDefault("COPYGUARD_HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.GRPCAddr = envOrDefault("COPYGUARD_GRPC_ADDR", c.Server.GRPCAddr)
	c.Server.MetricsAddr = envOrDefault("COPYGUARD_METRICS_ADDR", c.Server.MetricsAddr)
	c.Log.Level = envOrDefault("COPYGUARD_LOG_LEVEL", c.Log.Level)

	var err error
	if c.Firewall.MaxPositions, err = envIntOrDefault("COPYGUARD_MAX_POSITIONS", c.Firewall.MaxPositions); err != nil {
		return err
	}
	if c.Risk.MaxPositions, err = envIntOrDefault("COPYGUARD_MAX_POSITIONS", c.Risk.MaxPositions); err != nil {
		return err
	}
	if c.NATS.Workers, err = envIntOrDefault("COPYGUARD_NATS_WORKERS", c.NATS.Workers); err != nil {
		return err
	}
	return nil
}

// Validate reports every problem at once. Firewall policy problems are not
// listed here: the firewall fails closed on them with missing-config.
func (c Config) Validate() error {
	var errs []error
	if _, err := storage.ParseDialect(c.Store.Driver); err != nil {
		errs = append(errs, err)
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if capital, err := parseDecimal("account.starting_capital", c.Account.StartingCapital); err != nil {
		errs = append(errs, err)
	} else if !capital.IsPositive() {
		errs = append(errs, errors.New("account.starting_capital must be positive"))
	}
	if _, err := c.Limits(); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := c.ExecutorOptions(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StartingCapital parses account.starting_capital.
func (c Config) StartingCapital() (decimal.Decimal, error) {
	return parseDecimal("account.starting_capital", c.Account.StartingCapital)
}

// Dialect parses store.driver.
func (c Config) Dialect() (storage.Dialect, error) {
	return storage.ParseDialect(c.Store.Driver)
}

// FirewallPolicy converts the firewall section. Unparseable numbers become
// zero, which the firewall treats as missing config.
func (c Config) FirewallPolicy() firewall.Config {
	f := c.Firewall
	maxAmount, _ := decimal.NewFromString(f.MaxAmount)
	maxFraction, _ := decimal.NewFromString(f.MaxFraction)
	return firewall.Config{
		TraderAllowlist: f.TraderAllowlist,
		MarketAllowlist: f.MarketAllowlist,
		AllowAnyMarket:  f.AllowAnyMarket,
		MaxAge:          f.MaxAge,
		MaxAmount:       maxAmount,
		MaxFraction:     maxFraction,
		MaxPositions:    f.MaxPositions,
	}
}

// Limits converts and checks the risk section.
func (c Config) Limits() (risk.Limits, error) {
	var (
		l    risk.Limits
		errs []error
		err  error
	)
	if l.DailyStopPct, err = parseDecimal("risk.daily_stop_pct", c.Risk.DailyStopPct); err != nil {
		errs = append(errs, err)
	}
	if l.HardKillPct, err = parseDecimal("risk.hard_kill_pct", c.Risk.HardKillPct); err != nil {
		errs = append(errs, err)
	}
	if l.PerTradeCapPct, err = parseDecimal("risk.per_trade_cap_pct", c.Risk.PerTradeCapPct); err != nil {
		errs = append(errs, err)
	}
	l.MaxPositions = c.Risk.MaxPositions
	if len(errs) == 0 {
		for _, p := range l.Problems() {
			errs = append(errs, errors.New("risk."+p))
		}
	}
	return l, errors.Join(errs...)
}

// ExecutorOptions converts the execution section. Live credentials are named,
// not read.
func (c Config) ExecutorOptions() (execution.Mode, execution.Options, error) {
	mode, err := execution.ParseMode(c.Execution.Mode)
	if err != nil {
		return 0, execution.Options{}, fmt.Errorf("execution.mode: %w", err)
	}

	var opts execution.Options
	sim := c.Execution.Simulated
	if opts.Simulated.DefaultPrice, err = parseDecimal("execution.simulated.default_price", sim.DefaultPrice); err != nil {
		return 0, execution.Options{}, err
	}
	if sim.MaxOrderAmount != "" {
		if opts.Simulated.MaxOrderAmount, err = parseDecimal("execution.simulated.max_order_amount", sim.MaxOrderAmount); err != nil {
			return 0, execution.Options{}, err
		}
	}
	if len(sim.Prices) > 0 {
		opts.Simulated.Prices = make(map[string]decimal.Decimal, len(sim.Prices))
		for key, raw := range sim.Prices {
			p, err := parseDecimal("execution.simulated.prices."+key, raw)
			if err != nil {
				return 0, execution.Options{}, err
			}
			opts.Simulated.Prices[key] = p
		}
	}

	live := c.Execution.Live
	if mode == execution.ModeLive {
		if live.BaseURL == "" {
			return 0, execution.Options{}, errors.New("execution.live.base_url is required in live mode")
		}
		if live.APIKeyEnv == "" {
			return 0, execution.Options{}, errors.New("execution.live.api_key_env is required in live mode")
		}
	}
	opts.Live = execution.LiveConfig{
		Dial: execution.NewRESTBrokerFactory(execution.RESTBrokerConfig{
			BaseURL:   live.BaseURL,
			APIKeyEnv: live.APIKeyEnv,
			Timeout:   live.Timeout,
		}),
		Timeout: live.Timeout,
	}
	return mode, opts, nil
}

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q", field, raw)
	}
	return v, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func envListOrDefault(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
