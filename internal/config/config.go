// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/listing-harvester/internal/retry"
	"github.com/JakeFAU/listing-harvester/internal/scrape"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Governor  GovernorConfig  `mapstructure:"governor"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Session   SessionConfig   `mapstructure:"session"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Challenge ChallengeConfig `mapstructure:"challenge"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Campaign  CampaignConfig  `mapstructure:"campaign"`
	Targets   []TargetConfig  `mapstructure:"targets"`
}

// LoggingConfig selects the zap encoder and optional rotating file output.
type LoggingConfig struct {
	Development bool       `mapstructure:"development"`
	Level       string     `mapstructure:"level"`
	File        FileConfig `mapstructure:"file"`
}

// FileConfig enables log file rotation. An empty Path logs to stderr only.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Port            int           `mapstructure:"port"`
	APIKey          string        `mapstructure:"api_key"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// BucketConfig is one token bucket.
type BucketConfig struct {
	Capacity int           `mapstructure:"capacity"`
	MinDelay time.Duration `mapstructure:"min_delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

// TargetBucketConfig overrides the bucket for one domain. Domains are a list
// rather than map keys because viper splits keys on dots.
type TargetBucketConfig struct {
	Domain       string `mapstructure:"domain"`
	BucketConfig `mapstructure:",squash"`
}

// GovernorConfig sets the global ceiling and per-target buckets.
type GovernorConfig struct {
	MaxConcurrent int                  `mapstructure:"max_concurrent"`
	Default       BucketConfig         `mapstructure:"default"`
	Targets       []TargetBucketConfig `mapstructure:"targets"`
}

// TargetBuckets indexes the overrides by domain.
func (g GovernorConfig) TargetBuckets() map[string]BucketConfig {
	out := make(map[string]BucketConfig, len(g.Targets))
	for _, t := range g.Targets {
		out[t.Domain] = t.BucketConfig
	}
	return out
}

// ProfileConfig is one header profile.
type ProfileConfig struct {
	Name      string            `mapstructure:"name"`
	UserAgent string            `mapstructure:"user_agent"`
	Headers   map[string]string `mapstructure:"headers"`
}

// IdentityConfig tunes the identity pool.
type IdentityConfig struct {
	Rotation          bool            `mapstructure:"rotation"`
	BanWeight         float64         `mapstructure:"ban_weight"`
	SuccessDecay      float64         `mapstructure:"success_decay"`
	HalfLife          time.Duration   `mapstructure:"half_life"`
	BlockThreshold    int             `mapstructure:"block_threshold"`
	CooldownBase      time.Duration   `mapstructure:"cooldown_base"`
	CooldownMax       time.Duration   `mapstructure:"cooldown_max"`
	QuarantineOnScore float64         `mapstructure:"quarantine_on_score"`
	Profiles          []ProfileConfig `mapstructure:"profiles"`
	Proxies           []string        `mapstructure:"proxies"`
}

// SessionConfig bounds session reuse.
type SessionConfig struct {
	MaxPerTarget int           `mapstructure:"max_per_target"`
	MaxUses      int           `mapstructure:"max_uses"`
	TTL          time.Duration `mapstructure:"ttl"`
	MaxAge       time.Duration `mapstructure:"max_age"`
}

// StrategyConfig lists enabled tiers by name.
type StrategyConfig struct {
	Tiers []string `mapstructure:"tiers"`
}

// RetryConfig is the retry/backoff policy. Policy maps outcome names to
// action overrides.
type RetryConfig struct {
	MaxRetries          int               `mapstructure:"max_retries"`
	BaseDelay           time.Duration     `mapstructure:"base_delay"`
	MaxDelay            time.Duration     `mapstructure:"max_delay"`
	Jitter              bool              `mapstructure:"jitter"`
	ParseRetries        int               `mapstructure:"parse_retries"`
	MaxRateLimitedWaits int               `mapstructure:"max_rate_limited_waits"`
	MaxAttemptsPerChain int               `mapstructure:"max_attempts_per_chain"`
	Policy              map[string]string `mapstructure:"policy"`
}

// FormConfig describes a form browser tiers submit before capture.
type FormConfig struct {
	Fields map[string]string `mapstructure:"fields"`
	Submit string            `mapstructure:"submit"`
}

// ExecutorConfig controls attempts.
type ExecutorConfig struct {
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	WaitFor        string        `mapstructure:"wait_for"`
	Form           FormConfig    `mapstructure:"form"`
}

// HTTPConfig controls the plain HTTP transport.
type HTTPConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxBodySize   int           `mapstructure:"max_body_size"`
}

// HeadlessConfig controls the automation backend.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	SlotWait          time.Duration `mapstructure:"slot_wait"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	Settle            time.Duration `mapstructure:"settle"`
	ExecPath          string        `mapstructure:"exec_path"`
	Headful           bool          `mapstructure:"headful"`
}

// Challenge policies.
const (
	ChallengeAbandon = "abandon"
	ChallengeSolve   = "solve"
)

// ChallengeConfig decides what happens at an interactive challenge.
type ChallengeConfig struct {
	Policy  string        `mapstructure:"policy"`
	Timeout time.Duration `mapstructure:"timeout"`
	Poll    time.Duration `mapstructure:"poll"`
}

// DetectorConfig overrides the block/challenge markers. Empty lists keep
// the built-in markers.
type DetectorConfig struct {
	BlockKeywords      []string `mapstructure:"block_keywords"`
	BlockSelectors     []string `mapstructure:"block_selectors"`
	ChallengeKeywords  []string `mapstructure:"challenge_keywords"`
	ChallengeSelectors []string `mapstructure:"challenge_selectors"`
	ShellThreshold     int      `mapstructure:"shell_threshold"`
}

// HTMLRulesConfig holds goquery selectors.
type HTMLRulesConfig struct {
	Container    string `mapstructure:"container"`
	Item         string `mapstructure:"item"`
	Title        string `mapstructure:"title"`
	Organization string `mapstructure:"organization"`
	Location     string `mapstructure:"location"`
	Link         string `mapstructure:"link"`
	LinkAttr     string `mapstructure:"link_attr"`
	Empty        string `mapstructure:"empty"`
}

// JSONRulesConfig holds gjson paths.
type JSONRulesConfig struct {
	Items        string `mapstructure:"items"`
	Title        string `mapstructure:"title"`
	Organization string `mapstructure:"organization"`
	Location     string `mapstructure:"location"`
	URL          string `mapstructure:"url"`
}

// ExtractConfig selects the parser and its rules.
type ExtractConfig struct {
	Format string          `mapstructure:"format"`
	HTML   HTMLRulesConfig `mapstructure:"html"`
	JSON   JSONRulesConfig `mapstructure:"json"`
}

// Sink kinds.
const (
	SinkMemory   = "memory"
	SinkJSONL    = "jsonl"
	SinkPostgres = "postgres"
	SinkSQLite   = "sqlite"
)

// JSONLConfig configures the JSON lines file sink.
type JSONLConfig struct {
	BaseDir    string `mapstructure:"base_dir"`
	FileName   string `mapstructure:"file_name"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// PostgresConfig configures the pgx pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// SQLiteConfig configures the SQLite file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// SinkConfig selects where records go. Postgres and SQLite sinks also back
// the abandon ledger; Postgres additionally stores campaign progress.
type SinkConfig struct {
	Kind      string         `mapstructure:"kind"`
	BatchSize int            `mapstructure:"batch_size"`
	Timeout   time.Duration  `mapstructure:"timeout"`
	JSONL     JSONLConfig    `mapstructure:"jsonl"`
	Postgres  PostgresConfig `mapstructure:"postgres"`
	SQLite    SQLiteConfig   `mapstructure:"sqlite"`
}

// ProgressConfig tunes the attempt telemetry hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// CampaignConfig controls the coordinator. Workers of zero means
// governor.max_concurrent.
type CampaignConfig struct {
	Workers         int           `mapstructure:"workers"`
	AbandonCooldown time.Duration `mapstructure:"abandon_cooldown"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// TargetConfig is one site plus the queries to run against it.
type TargetConfig struct {
	Domain     string            `mapstructure:"domain"`
	BaseURL    string            `mapstructure:"base_url"`
	QueryPath  string            `mapstructure:"query_path"`
	TermsParam string            `mapstructure:"terms_param"`
	Params     map[string]string `mapstructure:"params"`
	Queries    []string          `mapstructure:"queries"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 3)
	v.SetDefault("logging.file.max_age_days", 14)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("governor.max_concurrent", 4)
	v.SetDefault("governor.default.capacity", 1)
	v.SetDefault("governor.default.min_delay", 2*time.Second)
	v.SetDefault("governor.default.max_delay", 5*time.Second)

	v.SetDefault("identity.rotation", true)
	v.SetDefault("identity.ban_weight", 1.0)
	v.SetDefault("identity.success_decay", 0.5)
	v.SetDefault("identity.half_life", 30*time.Minute)
	v.SetDefault("identity.block_threshold", 3)
	v.SetDefault("identity.cooldown_base", 5*time.Minute)
	v.SetDefault("identity.cooldown_max", 2*time.Hour)

	v.SetDefault("session.max_per_target", 2)
	v.SetDefault("session.max_uses", 50)
	v.SetDefault("session.ttl", 15*time.Minute)
	v.SetDefault("session.max_age", time.Hour)

	v.SetDefault("strategy.tiers", []string{
		"plain_request", "header_spoof", "session_simulation",
		"full_automation", "proxy_automation", "challenge_solving",
	})

	v.SetDefault("retry.max_retries", 2)
	v.SetDefault("retry.base_delay", 500*time.Millisecond)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.jitter", true)
	v.SetDefault("retry.parse_retries", 1)
	v.SetDefault("retry.max_rate_limited_waits", 20)
	v.SetDefault("retry.max_attempts_per_chain", 30)

	v.SetDefault("executor.attempt_timeout", 45*time.Second)

	v.SetDefault("http.user_agent", "listing-harvester/0.1")
	v.SetDefault("http.respect_robots", true)
	v.SetDefault("http.timeout", 15*time.Second)
	v.SetDefault("http.max_body_size", 10<<20)

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.slot_wait", 30*time.Second)
	v.SetDefault("headless.navigation_timeout", 30*time.Second)
	v.SetDefault("headless.settle", 500*time.Millisecond)

	v.SetDefault("challenge.policy", ChallengeAbandon)
	v.SetDefault("challenge.timeout", 60*time.Second)
	v.SetDefault("challenge.poll", time.Second)

	v.SetDefault("detector.shell_threshold", 2048)

	v.SetDefault("extract.format", "auto")

	v.SetDefault("sink.kind", SinkJSONL)
	v.SetDefault("sink.batch_size", 100)
	v.SetDefault("sink.timeout", 30*time.Second)
	v.SetDefault("sink.jsonl.base_dir", "data")
	v.SetDefault("sink.jsonl.file_name", "records.jsonl")
	v.SetDefault("sink.jsonl.max_size_mb", 100)
	v.SetDefault("sink.postgres.table", "listings")
	v.SetDefault("sink.sqlite.path", "data/harvest.db")

	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 10*time.Second)

	v.SetDefault("campaign.abandon_cooldown", 24*time.Hour)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server.port must be in 1..65535")
	}
	if c.Governor.MaxConcurrent <= 0 {
		add("governor.max_concurrent must be > 0")
	}
	if err := c.Governor.Default.validate("governor.default"); err != nil {
		errs = append(errs, err)
	}
	for i, b := range c.Governor.Targets {
		if strings.TrimSpace(b.Domain) == "" {
			add("governor.targets[%d].domain is required", i)
		}
		if err := b.validate(fmt.Sprintf("governor.targets[%d]", i)); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Identity.SuccessDecay < 0 || c.Identity.SuccessDecay > 1 {
		add("identity.success_decay must be in [0,1]")
	}
	if c.Identity.BlockThreshold <= 0 {
		add("identity.block_threshold must be > 0")
	}
	for i, p := range c.Identity.Profiles {
		if strings.TrimSpace(p.UserAgent) == "" {
			add("identity.profiles[%d].user_agent is required", i)
		}
	}
	for _, p := range c.Identity.Proxies {
		if _, err := url.Parse(p); err != nil || p == "" {
			add("identity.proxies entry %q is not a URL", p)
		}
	}
	if c.Session.MaxPerTarget <= 0 {
		add("session.max_per_target must be > 0")
	}
	if c.Session.MaxUses <= 0 {
		add("session.max_uses must be > 0")
	}
	if _, err := c.Strategy.Parsed(); err != nil {
		errs = append(errs, err)
	}
	if c.Retry.MaxRetries < 0 || c.Retry.ParseRetries < 0 {
		add("retry.max_retries and retry.parse_retries must be >= 0")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		add("retry.base_delay must be > 0 and <= retry.max_delay")
	}
	if _, err := c.Retry.Overrides(); err != nil {
		errs = append(errs, err)
	}
	if c.Executor.AttemptTimeout <= 0 {
		add("executor.attempt_timeout must be > 0")
	}
	if c.HTTP.Timeout <= 0 {
		add("http.timeout must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		add("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Challenge.Policy {
	case ChallengeAbandon:
	case ChallengeSolve:
		if !c.Headless.Enabled {
			add("challenge.policy=solve requires headless.enabled")
		}
	default:
		add("challenge.policy must be %q or %q", ChallengeAbandon, ChallengeSolve)
	}
	switch c.Extract.Format {
	case "html", "json", "auto":
	default:
		add("extract.format must be html, json or auto")
	}
	switch c.Sink.Kind {
	case SinkMemory:
	case SinkJSONL:
		if strings.TrimSpace(c.Sink.JSONL.BaseDir) == "" {
			add("sink.jsonl.base_dir is required")
		}
	case SinkPostgres:
		if c.Sink.Postgres.DSN == "" {
			add("sink.postgres.dsn is required")
		}
	case SinkSQLite:
		if c.Sink.SQLite.Path == "" {
			add("sink.sqlite.path is required")
		}
	default:
		add("sink.kind must be memory, jsonl, postgres or sqlite")
	}
	if c.Campaign.Workers < 0 {
		add("campaign.workers must be >= 0")
	}
	if len(c.Targets) == 0 {
		add("at least one target is required")
	}
	for i, t := range c.Targets {
		if strings.TrimSpace(t.Domain) == "" {
			add("targets[%d].domain is required", i)
		}
		u, err := url.Parse(t.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			add("targets[%d].base_url must be an absolute URL", i)
		}
		if len(t.Queries) == 0 {
			add("targets[%d].queries must not be empty", i)
		}
	}
	return errors.Join(errs...)
}

func (b BucketConfig) validate(key string) error {
	if b.Capacity <= 0 {
		return fmt.Errorf("%s.capacity must be > 0", key)
	}
	if b.MinDelay < 0 || b.MaxDelay < b.MinDelay {
		return fmt.Errorf("%s requires 0 <= min_delay <= max_delay", key)
	}
	return nil
}

// Parsed returns the enabled tiers in ladder order.
func (s StrategyConfig) Parsed() ([]scrape.Tier, error) {
	if len(s.Tiers) == 0 {
		return nil, errors.New("strategy.tiers must not be empty")
	}
	tiers := make([]scrape.Tier, 0, len(s.Tiers))
	for _, name := range s.Tiers {
		tier, err := scrape.ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("strategy.tiers: %w", err)
		}
		tiers = append(tiers, tier)
	}
	return tiers, nil
}

// Overrides parses retry.policy into controller overrides.
func (r RetryConfig) Overrides() (map[scrape.OutcomeKind]retry.Action, error) {
	if len(r.Policy) == 0 {
		return nil, nil
	}
	out := make(map[scrape.OutcomeKind]retry.Action, len(r.Policy))
	for name, actionName := range r.Policy {
		kind, err := scrape.ParseOutcomeKind(name)
		if err != nil {
			return nil, fmt.Errorf("retry.policy: %w", err)
		}
		action, err := retry.ParseAction(actionName)
		if err != nil {
			return nil, fmt.Errorf("retry.policy.%s: %w", name, err)
		}
		out[kind] = action
	}
	return out, nil
}

// RetryPolicy builds the retry controller policy.
func (r RetryConfig) RetryPolicy() (retry.Policy, error) {
	overrides, err := r.Overrides()
	if err != nil {
		return retry.Policy{}, err
	}
	return retry.Policy{
		MaxRetries:          r.MaxRetries,
		BaseDelay:           r.BaseDelay,
		MaxDelay:            r.MaxDelay,
		Jitter:              r.Jitter,
		ParseRetries:        r.ParseRetries,
		MaxRateLimitedWaits: r.MaxRateLimitedWaits,
		Overrides:           overrides,
	}, nil
}

// WorkItems expands targets × queries in configuration order.
func (c Config) WorkItems() []scrape.WorkItem {
	var items []scrape.WorkItem
	for _, t := range c.Targets {
		params := url.Values{}
		for k, v := range t.Params {
			params.Set(k, v)
		}
		target := scrape.NewTarget(t.Domain, t.BaseURL, t.QueryPath, t.TermsParam, params)
		for _, q := range t.Queries {
			items = append(items, scrape.WorkItem{Target: target, Query: scrape.Query{Terms: q}})
		}
	}
	return items
}

// Workers resolves campaign.workers against the governor ceiling.
func (c Config) Workers() int {
	if c.Campaign.Workers > 0 {
		return c.Campaign.Workers
	}
	return c.Governor.MaxConcurrent
}
