package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-harvester/internal/config"
	"github.com/JakeFAU/listing-harvester/internal/detector"
)

func TestHeaderProfilesFallsBackToHTTPUserAgent(t *testing.T) {
	t.Parallel()

	var cfg config.Config
	cfg.HTTP.UserAgent = "agent/1.0"
	profiles := headerProfiles(cfg)
	require.Len(t, profiles, 1)
	require.Equal(t, "agent/1.0", profiles[0].UserAgent)

	cfg.Identity.Profiles = []config.ProfileConfig{{UserAgent: "a"}, {Name: "b", UserAgent: "b"}}
	profiles = headerProfiles(cfg)
	require.Equal(t, "profile-0", profiles[0].Name)
	require.Equal(t, "b", profiles[1].Name)
}

func TestGovernorConfigIndexesTargets(t *testing.T) {
	t.Parallel()

	got := governorConfig(config.GovernorConfig{
		MaxConcurrent: 3,
		Default:       config.BucketConfig{Capacity: 1, MinDelay: time.Second, MaxDelay: 2 * time.Second},
		Targets: []config.TargetBucketConfig{
			{Domain: "jobs.test", BucketConfig: config.BucketConfig{Capacity: 4}},
		},
	})
	require.Equal(t, 3, got.MaxConcurrent)
	require.Equal(t, 2*time.Second, got.Default.MaxDelay)
	require.Equal(t, 4, got.Targets["jobs.test"].Capacity)
}

func TestDetectorConfigKeepsBuiltinsWhenUnset(t *testing.T) {
	t.Parallel()

	got := detectorConfig(config.DetectorConfig{ChallengeKeywords: []string{"press and hold"}, ShellThreshold: 10})
	require.Equal(t, detector.DefaultConfig().BlockKeywords, got.BlockKeywords)
	require.Equal(t, []string{"press and hold"}, got.ChallengeKeywords)
	require.Equal(t, 10, got.ShellThreshold)
}

func TestExecutorConfigForm(t *testing.T) {
	t.Parallel()

	require.Nil(t, executorConfig(config.ExecutorConfig{}).Form)
	got := executorConfig(config.ExecutorConfig{Form: config.FormConfig{Submit: "#go"}})
	require.NotNil(t, got.Form)
	require.Equal(t, "#go", got.Form.Submit)
}

func TestValidateCommand(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "harvester.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sink:
  kind: memory
targets:
  - domain: jobs.test
    base_url: https://jobs.test
    query_path: /search
    terms_param: q
    queries: [go, rust]
`), 0o600))

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", "--config", path})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "1 targets, 2 work items")
	require.Contains(t, out.String(), "sink memory")
}
