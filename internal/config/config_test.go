package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/listing-harvester/internal/retry"
	"github.com/JakeFAU/listing-harvester/internal/scrape"
)

const minimalYAML = `
targets:
  - domain: jobs.example.com
    base_url: https://jobs.example.com
    query_path: /search
    terms_param: q
    queries: ["go developer"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  port: 9090
  api_key: secret
governor:
  max_concurrent: 6
  targets:
    - domain: jobs.example.com
      capacity: 2
      min_delay: 1s
      max_delay: 3s
identity:
  profiles:
    - name: desktop
      user_agent: Mozilla/5.0
      headers:
        Accept-Language: en-US
  proxies: ["http://proxy-a:8080"]
strategy:
  tiers: [plain_request, header_spoof]
retry:
  max_retries: 4
  policy:
    blocked: abandon
headless:
  enabled: true
challenge:
  policy: solve
sink:
  kind: sqlite
  sqlite:
    path: /tmp/harvest.db
logging:
  development: false
targets:
  - domain: jobs.example.com
    base_url: https://jobs.example.com
    query_path: /search
    terms_param: q
    params:
      sort: date
    queries: ["go developer", "sre"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.APIKey != "secret" {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if cfg.Governor.MaxConcurrent != 6 {
		t.Fatalf("expected max_concurrent 6, got %d", cfg.Governor.MaxConcurrent)
	}
	bucket, ok := cfg.Governor.TargetBuckets()["jobs.example.com"]
	if !ok || bucket.Capacity != 2 || bucket.MaxDelay != 3*time.Second {
		t.Fatalf("expected per-target bucket, got %+v", cfg.Governor.Targets)
	}
	// viper lowercases map keys
	if len(cfg.Identity.Profiles) != 1 || cfg.Identity.Profiles[0].Headers["accept-language"] != "en-US" {
		t.Fatalf("expected profile headers, got %+v", cfg.Identity.Profiles)
	}
	tiers, err := cfg.Strategy.Parsed()
	if err != nil {
		t.Fatalf("Parsed() error = %v", err)
	}
	if len(tiers) != 2 || tiers[1] != scrape.TierHeaderSpoof {
		t.Fatalf("unexpected tiers %v", tiers)
	}
	policy, err := cfg.Retry.RetryPolicy()
	if err != nil {
		t.Fatalf("RetryPolicy() error = %v", err)
	}
	if policy.MaxRetries != 4 || policy.Overrides[scrape.OutcomeBlocked] != retry.ActionAbandon {
		t.Fatalf("unexpected retry policy %+v", policy)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}
	if got := cfg.Workers(); got != 6 {
		t.Fatalf("expected workers to follow governor ceiling, got %d", got)
	}

	items := cfg.WorkItems()
	if len(items) != 2 {
		t.Fatalf("expected 2 work items, got %d", len(items))
	}
	if items[0].Query.Terms != "go developer" || items[1].Query.Terms != "sre" {
		t.Fatalf("unexpected query order: %+v", items)
	}
	if items[0].Target.Key() != items[1].Target.Key() {
		t.Fatalf("expected both items to share a target")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sink.Kind != SinkJSONL || cfg.Sink.JSONL.FileName != "records.jsonl" {
		t.Fatalf("expected jsonl sink default, got %+v", cfg.Sink)
	}
	if cfg.Challenge.Policy != ChallengeAbandon {
		t.Fatalf("expected abandon challenge policy, got %q", cfg.Challenge.Policy)
	}
	if cfg.Retry.BaseDelay != 500*time.Millisecond {
		t.Fatalf("expected 500ms base delay, got %v", cfg.Retry.BaseDelay)
	}
	tiers, err := cfg.Strategy.Parsed()
	if err != nil || len(tiers) != 6 {
		t.Fatalf("expected full ladder, got %v (%v)", tiers, err)
	}
	if cfg.Campaign.AbandonCooldown != 24*time.Hour {
		t.Fatalf("expected 24h abandon cooldown, got %v", cfg.Campaign.AbandonCooldown)
	}
}

// TestLoadEnvOverride cannot run in parallel because it mutates the environment.
func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HARVESTER_SERVER_PORT", "7070")
	t.Setenv("HARVESTER_SINK_KIND", "memory")
	t.Setenv("HARVESTER_RETRY_MAX_DELAY", "1m")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port override, got %d", cfg.Server.Port)
	}
	if cfg.Sink.Kind != SinkMemory {
		t.Fatalf("expected env sink override, got %q", cfg.Sink.Kind)
	}
	if cfg.Retry.MaxDelay != time.Minute {
		t.Fatalf("expected 1m max delay, got %v", cfg.Retry.MaxDelay)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateFailures(t *testing.T) {
	t.Parallel()

	base, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no targets", func(c *Config) { c.Targets = nil }, "at least one target"},
		{"relative base url", func(c *Config) { c.Targets[0].BaseURL = "/jobs" }, "base_url"},
		{"no queries", func(c *Config) { c.Targets[0].Queries = nil }, "queries"},
		{"unknown tier", func(c *Config) { c.Strategy.Tiers = []string{"teleport"} }, "unknown tier"},
		{"empty tiers", func(c *Config) { c.Strategy.Tiers = nil }, "strategy.tiers"},
		{"bad action", func(c *Config) { c.Retry.Policy = map[string]string{"blocked": "panic"} }, "retry action"},
		{"bad outcome", func(c *Config) { c.Retry.Policy = map[string]string{"weird": "retry"} }, "retry.policy"},
		{"solve without headless", func(c *Config) { c.Challenge.Policy = ChallengeSolve }, "requires headless"},
		{"unknown sink", func(c *Config) { c.Sink.Kind = "s3" }, "sink.kind"},
		{"postgres without dsn", func(c *Config) { c.Sink.Kind = SinkPostgres }, "dsn"},
		{"bucket delays", func(c *Config) { c.Governor.Default.MaxDelay = 0 }, "governor.default"},
		{"zero concurrency", func(c *Config) { c.Governor.MaxConcurrent = 0 }, "max_concurrent"},
		{"bad format", func(c *Config) { c.Extract.Format = "xml" }, "extract.format"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Targets = append([]TargetConfig(nil), base.Targets...)
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
