package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/rewired-gh/polywatch/internal/models"
)

// Config represents the complete application configuration
type Config struct {
	Polymarket PolymarketConfig `mapstructure:"polymarket"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	DryRun     bool             `mapstructure:"dry_run"`
	Once       bool             `mapstructure:"once"`
}

// PolymarketConfig holds market source configuration
type PolymarketConfig struct {
	GammaAPIURL           string   `mapstructure:"gamma_api_url"`
	PollIntervalSeconds   int      `mapstructure:"poll_interval_seconds"`
	RequestTimeoutSeconds int      `mapstructure:"request_timeout_seconds"`
	MaxMarkets            int      `mapstructure:"max_markets"`
	PageSize              int      `mapstructure:"page_size"`
	MaxConcurrency        int      `mapstructure:"max_concurrency"`
	MaxRetries            int      `mapstructure:"max_retries"`
	TopicKeywords         []string `mapstructure:"topic_keywords"`
}

// MonitorConfig holds detector thresholds
type MonitorConfig struct {
	OddsShiftThreshold     float64 `mapstructure:"odds_shift_threshold"`
	OddsShiftWindowSeconds int     `mapstructure:"odds_shift_window_seconds"`
	VolumeSpikeMultiplier  float64 `mapstructure:"volume_spike_multiplier"`
	VolumeWindowSeconds    int     `mapstructure:"volume_window_seconds"`
	MinHistoryEntries      int     `mapstructure:"min_history_entries"`
	VolumeSpikeMinVolume   float64 `mapstructure:"volume_spike_min_volume"`
	ResolvingSoonHours     float64 `mapstructure:"resolving_soon_hours"`
	ResolvingPriceBandLow  float64 `mapstructure:"resolving_price_band_low"`
	ResolvingPriceBandHigh float64 `mapstructure:"resolving_price_band_high"`
	NewMarketAgeSeconds    int     `mapstructure:"new_market_age_seconds"`
	NewMarketMinLiquidity  float64 `mapstructure:"new_market_min_liquidity"`
	MispricingSumTolerance float64 `mapstructure:"mispricing_sum_tolerance"`
	MispricingMinLiquidity float64 `mapstructure:"mispricing_min_liquidity"`
	MinConfidence          string  `mapstructure:"min_confidence"`
	// AllowedActions lists the recommended actions worth alerting on.
	AllowedActions []string `mapstructure:"allowed_actions"`
}

// AlertsConfig holds deduplication and rate limiting configuration
type AlertsConfig struct {
	CooldownSeconds          int `mapstructure:"alert_cooldown_seconds"`
	MaxAlertsPerCycle        int `mapstructure:"max_alerts_per_cycle"`
	MaxAlertsPerDay          int `mapstructure:"max_alerts_per_day"`
	MaxConsecutiveFatalSends int `mapstructure:"max_consecutive_fatal_sends"`
}

// TelegramConfig holds chat delivery configuration
type TelegramConfig struct {
	ChatToken          string  `mapstructure:"chat_token"`
	ChatID             string  `mapstructure:"chat_id"`
	APIURL             string  `mapstructure:"api_url"`
	SendTimeoutSeconds int     `mapstructure:"send_timeout_seconds"`
	MaxAttempts        int     `mapstructure:"max_attempts"`
	BackoffBaseSeconds float64 `mapstructure:"backoff_base_seconds"`
	BackoffMaxSeconds  float64 `mapstructure:"backoff_max_seconds"`
	CommandsEnabled    bool    `mapstructure:"commands_enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// envBindings maps config keys to the environment variables that override them.
// Earlier names take precedence.
var envBindings = map[string][]string{
	"polymarket.gamma_api_url":           {"GAMMA_API_URL"},
	"polymarket.poll_interval_seconds":   {"POLL_INTERVAL_SECONDS"},
	"polymarket.request_timeout_seconds": {"REQUEST_TIMEOUT_SECONDS"},
	"polymarket.max_markets":             {"MAX_MARKETS"},
	"polymarket.page_size":               {"PAGE_SIZE"},
	"polymarket.max_concurrency":         {"MAX_CONCURRENCY"},
	"polymarket.max_retries":             {"FETCH_MAX_RETRIES"},
	"polymarket.topic_keywords":          {"TOPIC_KEYWORDS"},

	"monitor.odds_shift_threshold":      {"ODDS_SHIFT_THRESHOLD"},
	"monitor.odds_shift_window_seconds": {"ODDS_SHIFT_WINDOW_SECONDS"},
	"monitor.volume_spike_multiplier":   {"VOLUME_SPIKE_MULTIPLIER"},
	"monitor.volume_window_seconds":     {"VOLUME_WINDOW_SECONDS"},
	"monitor.min_history_entries":       {"MIN_HISTORY_ENTRIES"},
	"monitor.volume_spike_min_volume":   {"VOLUME_SPIKE_MIN_VOLUME"},
	"monitor.resolving_soon_hours":      {"RESOLVING_SOON_HOURS"},
	"monitor.resolving_price_band_low":  {"RESOLVING_PRICE_BAND_LOW"},
	"monitor.resolving_price_band_high": {"RESOLVING_PRICE_BAND_HIGH"},
	"monitor.new_market_age_seconds":    {"NEW_MARKET_AGE_SECONDS"},
	"monitor.new_market_min_liquidity":  {"NEW_MARKET_MIN_LIQUIDITY"},
	"monitor.mispricing_sum_tolerance":  {"MISPRICING_SUM_TOLERANCE"},
	"monitor.mispricing_min_liquidity":  {"MISPRICING_MIN_LIQUIDITY"},
	"monitor.min_confidence":            {"MIN_CONFIDENCE"},
	"monitor.allowed_actions":           {"ALLOWED_ACTIONS"},

	"alerts.alert_cooldown_seconds":      {"ALERT_COOLDOWN_SECONDS"},
	"alerts.max_alerts_per_cycle":        {"MAX_ALERTS_PER_CYCLE"},
	"alerts.max_alerts_per_day":          {"MAX_ALERTS_PER_DAY"},
	"alerts.max_consecutive_fatal_sends": {"MAX_CONSECUTIVE_FATAL_SENDS"},

	"telegram.chat_token":           {"CHAT_TOKEN", "TELEGRAM_BOT_TOKEN"},
	"telegram.chat_id":              {"CHAT_ID", "TELEGRAM_CHAT_ID"},
	"telegram.api_url":              {"CHAT_API_URL"},
	"telegram.send_timeout_seconds": {"SEND_TIMEOUT_SECONDS"},
	"telegram.max_attempts":         {"SEND_MAX_ATTEMPTS"},
	"telegram.backoff_base_seconds": {"SEND_BACKOFF_BASE_SECONDS"},
	"telegram.backoff_max_seconds":  {"SEND_BACKOFF_MAX_SECONDS"},
	"telegram.commands_enabled":     {"TELEGRAM_COMMANDS"},

	"logging.level":  {"LOG_LEVEL"},
	"logging.format": {"LOG_FORMAT"},

	"dry_run": {"DRY_RUN"},
	"once":    {"ONCE"},
}

// Load reads configuration from an optional file, a .env file in the working
// directory and environment variables. Environment wins over file values.
func Load(path string) (*Config, error) {
	// .env is optional; real environment variables are never overwritten
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	for key, names := range envBindings {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Polymarket.TopicKeywords = normalizeKeywords(cfg.Polymarket.TopicKeywords)
	cfg.Monitor.AllowedActions = splitList(cfg.Monitor.AllowedActions)

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Polymarket defaults
	v.SetDefault("polymarket.gamma_api_url", "https://gamma-api.polymarket.com")
	v.SetDefault("polymarket.poll_interval_seconds", 45)
	v.SetDefault("polymarket.request_timeout_seconds", 15)
	v.SetDefault("polymarket.max_markets", 500)
	v.SetDefault("polymarket.page_size", 100)
	v.SetDefault("polymarket.max_concurrency", 8)
	v.SetDefault("polymarket.max_retries", 2)
	v.SetDefault("polymarket.topic_keywords", []string{}) // empty = accept all

	// Monitor defaults
	v.SetDefault("monitor.odds_shift_threshold", 0.10)
	v.SetDefault("monitor.odds_shift_window_seconds", 86400)
	v.SetDefault("monitor.volume_spike_multiplier", 3.0)
	v.SetDefault("monitor.volume_window_seconds", 86400)
	v.SetDefault("monitor.min_history_entries", 3)
	v.SetDefault("monitor.volume_spike_min_volume", 0.0)
	v.SetDefault("monitor.resolving_soon_hours", 24.0)
	v.SetDefault("monitor.resolving_price_band_low", 0.05)
	v.SetDefault("monitor.resolving_price_band_high", 0.95)
	v.SetDefault("monitor.new_market_age_seconds", 86400)
	v.SetDefault("monitor.new_market_min_liquidity", 1000.0)
	v.SetDefault("monitor.mispricing_sum_tolerance", 0.05)
	v.SetDefault("monitor.mispricing_min_liquidity", 0.0)
	v.SetDefault("monitor.min_confidence", "LOW")
	v.SetDefault("monitor.allowed_actions", []string{"BUY YES", "BUY NO", "WATCH"})

	// Alert defaults
	v.SetDefault("alerts.alert_cooldown_seconds", 3600)
	v.SetDefault("alerts.max_alerts_per_cycle", 20)
	v.SetDefault("alerts.max_consecutive_fatal_sends", 3)

	// Telegram defaults
	v.SetDefault("telegram.chat_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.api_url", "https://api.telegram.org")
	v.SetDefault("telegram.send_timeout_seconds", 10)
	v.SetDefault("telegram.max_attempts", 5)
	v.SetDefault("telegram.backoff_base_seconds", 1.0)
	v.SetDefault("telegram.backoff_max_seconds", 30.0)
	v.SetDefault("telegram.commands_enabled", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("dry_run", false)
	v.SetDefault("once", false)
}

// splitList trims list elements and drops empty ones. A single
// comma-separated element (as read from the environment) is split.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, raw := range in {
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

// normalizeKeywords tokenizes topic keywords the way market topic tags are
// tokenized, so "Bitcoin ETF" becomes the two tags "bitcoin" and "etf".
func normalizeKeywords(in []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(in))
	for _, raw := range splitList(in) {
		for _, kw := range models.Tokenize(raw) {
			if _, ok := seen[kw]; ok {
				continue
			}
			seen[kw] = struct{}{}
			out = append(out, kw)
		}
	}
	return out
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Polymarket config
	if c.Polymarket.GammaAPIURL == "" {
		return fmt.Errorf("polymarket.gamma_api_url is required")
	}
	if c.Polymarket.PollIntervalSeconds < 1 {
		return fmt.Errorf("poll_interval_seconds must be at least 1")
	}
	if c.Polymarket.RequestTimeoutSeconds < 1 {
		return fmt.Errorf("request_timeout_seconds must be at least 1")
	}
	if c.Polymarket.MaxMarkets < 1 {
		return fmt.Errorf("max_markets must be at least 1")
	}
	if c.Polymarket.PageSize < 1 || c.Polymarket.PageSize > 500 {
		return fmt.Errorf("page_size must be between 1 and 500")
	}
	if c.Polymarket.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be at least 1")
	}
	if c.Polymarket.MaxRetries < 0 {
		return fmt.Errorf("fetch max_retries must not be negative")
	}

	// Validate Monitor config
	m := c.Monitor
	if m.OddsShiftThreshold <= 0.0 || m.OddsShiftThreshold > 1.0 {
		return fmt.Errorf("odds_shift_threshold must be in (0.0, 1.0]")
	}
	if m.OddsShiftWindowSeconds < 1 {
		return fmt.Errorf("odds_shift_window_seconds must be at least 1")
	}
	if m.VolumeSpikeMultiplier <= 1.0 {
		return fmt.Errorf("volume_spike_multiplier must be greater than 1.0")
	}
	if m.VolumeWindowSeconds < 1 {
		return fmt.Errorf("volume_window_seconds must be at least 1")
	}
	if m.MinHistoryEntries < 2 {
		return fmt.Errorf("min_history_entries must be at least 2")
	}
	if m.VolumeSpikeMinVolume < 0 {
		return fmt.Errorf("volume_spike_min_volume must not be negative")
	}
	if m.ResolvingSoonHours <= 0 {
		return fmt.Errorf("resolving_soon_hours must be positive")
	}
	if m.ResolvingPriceBandLow < 0 || m.ResolvingPriceBandHigh > 1 || m.ResolvingPriceBandLow >= m.ResolvingPriceBandHigh {
		return fmt.Errorf("resolving_price_band must satisfy 0 <= low < high <= 1")
	}
	if m.NewMarketAgeSeconds < 1 {
		return fmt.Errorf("new_market_age_seconds must be at least 1")
	}
	if m.NewMarketMinLiquidity < 0 {
		return fmt.Errorf("new_market_min_liquidity must not be negative")
	}
	if m.MispricingSumTolerance <= 0 {
		return fmt.Errorf("mispricing_sum_tolerance must be positive")
	}
	if m.MispricingMinLiquidity < 0 {
		return fmt.Errorf("mispricing_min_liquidity must not be negative")
	}
	if _, err := models.ParseConfidence(m.MinConfidence); err != nil {
		return fmt.Errorf("min_confidence must be one of: LOW, MEDIUM, HIGH: %w", err)
	}
	if _, err := m.Actions(); err != nil {
		return err
	}

	// Validate Alerts config
	if c.Alerts.CooldownSeconds < 0 {
		return fmt.Errorf("alert_cooldown_seconds must not be negative")
	}
	if c.Alerts.MaxAlertsPerCycle < 1 {
		return fmt.Errorf("max_alerts_per_cycle must be at least 1")
	}
	if c.Alerts.MaxAlertsPerDay < 0 {
		return fmt.Errorf("max_alerts_per_day must not be negative")
	}
	if c.Alerts.MaxConsecutiveFatalSends < 1 {
		return fmt.Errorf("max_consecutive_fatal_sends must be at least 1")
	}

	// Validate Telegram config
	if !c.DryRun {
		if c.Telegram.ChatToken == "" {
			return fmt.Errorf("chat_token is required unless dry_run is set")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("chat_id is required unless dry_run is set")
		}
	}
	if c.Telegram.APIURL == "" {
		return fmt.Errorf("telegram.api_url is required")
	}
	if c.Telegram.SendTimeoutSeconds < 1 {
		return fmt.Errorf("send_timeout_seconds must be at least 1")
	}
	if c.Telegram.MaxAttempts < 1 {
		return fmt.Errorf("send max_attempts must be at least 1")
	}
	if c.Telegram.BackoffBaseSeconds < 0 || c.Telegram.BackoffMaxSeconds < c.Telegram.BackoffBaseSeconds {
		return fmt.Errorf("send backoff must satisfy 0 <= base <= max")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// PollInterval returns the scan loop period.
func (c *Config) PollInterval() time.Duration {
	return seconds(c.Polymarket.PollIntervalSeconds)
}

// CycleBudget is the soft per-cycle deadline, twice the poll interval.
func (c *Config) CycleBudget() time.Duration {
	return 2 * c.PollInterval()
}

// RequestTimeout returns the per-request fetch timeout.
func (c *Config) RequestTimeout() time.Duration {
	return seconds(c.Polymarket.RequestTimeoutSeconds)
}

// SendTimeout returns the per-send chat API timeout.
func (c *Config) SendTimeout() time.Duration {
	return seconds(c.Telegram.SendTimeoutSeconds)
}

// Cooldown returns the per (market, kind) alert cooldown.
func (c *Config) Cooldown() time.Duration {
	return seconds(c.Alerts.CooldownSeconds)
}

// OddsShiftWindow returns the odds shift lookback.
func (m MonitorConfig) OddsShiftWindow() time.Duration {
	return seconds(m.OddsShiftWindowSeconds)
}

// VolumeWindow returns the volume averaging window.
func (m MonitorConfig) VolumeWindow() time.Duration {
	return seconds(m.VolumeWindowSeconds)
}

// NewMarketAge returns the maximum age for a market to count as new.
func (m MonitorConfig) NewMarketAge() time.Duration {
	return seconds(m.NewMarketAgeSeconds)
}

// Retention returns twice the longest detector window.
func (c *Config) Retention() time.Duration {
	w := c.Monitor.OddsShiftWindow()
	if vw := c.Monitor.VolumeWindow(); vw > w {
		w = vw
	}
	return 2 * w
}

// Actions parses the allowed actions. An empty list allows every action.
func (m MonitorConfig) Actions() ([]models.Action, error) {
	actions := make([]models.Action, 0, len(m.AllowedActions))
	for _, raw := range m.AllowedActions {
		a, err := models.ParseAction(raw)
		if err != nil {
			return nil, fmt.Errorf("allowed_actions must only contain BUY YES, BUY NO, WATCH: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// KeywordSet returns topic keywords as a lookup set; nil when unfiltered.
func (c *Config) KeywordSet() map[string]struct{} {
	if len(c.Polymarket.TopicKeywords) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(c.Polymarket.TopicKeywords))
	for _, kw := range c.Polymarket.TopicKeywords {
		set[kw] = struct{}{}
	}
	return set
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
