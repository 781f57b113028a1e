package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

const minimalYAML = `goldflow:
  name: "goldflow"
  version: "1.0"
source:
  binance:
    symbol: "PAXGUSDT"
`

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, minimalYAML)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Source.Binance.BaseURL != DefaultBaseURL {
		t.Errorf("unexpected base url: %s", cfg.Source.Binance.BaseURL)
	}
	if cfg.Source.Binance.Pair != "PAXGUSDT" {
		t.Errorf("pair should default to symbol, got %s", cfg.Source.Binance.Pair)
	}
	if cfg.Monitor.TickPeriod != time.Minute {
		t.Errorf("unexpected tick period: %s", cfg.Monitor.TickPeriod)
	}
	if cfg.Monitor.OpenInterestPeriod != 5*time.Minute {
		t.Errorf("unexpected open interest period: %s", cfg.Monitor.OpenInterestPeriod)
	}
	if !cfg.NotionalTarget().Equal(cfg.NotionalTarget().Truncate(0)) || cfg.NotionalTarget().String() != "2" {
		t.Errorf("unexpected notional target: %s", cfg.NotionalTarget())
	}
	if cfg.Writer.OutputDir != DefaultOutputDir {
		t.Errorf("unexpected output dir: %s", cfg.Writer.OutputDir)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
		errPart string
	}{
		{
			name: "missing symbol",
			content: `goldflow:
  name: "goldflow"
  version: "1.0"
`,
			errPart: "source.binance.symbol",
		},
		{
			name: "lowercase symbol",
			content: `goldflow:
  name: "goldflow"
  version: "1.0"
source:
  binance:
    symbol: "paxgusdt"
`,
			errPart: "source.binance.symbol",
		},
		{
			name: "timeout not below tick period",
			content: minimalYAML + `monitor:
  tick_period: 10s
  open_interest_period: 50s
  fetch_timeout: 10s
`,
			errPart: "monitor.fetch_timeout",
		},
		{
			name: "open interest faster than base cadence",
			content: minimalYAML + `monitor:
  tick_period: 60s
  open_interest_period: 30s
`,
			errPart: "monitor.open_interest_period",
		},
		{
			name: "bad notional",
			content: minimalYAML + `monitor:
  notional_ounces: "two"
`,
			errPart: "monitor.notional_ounces",
		},
		{
			name: "s3 without bucket",
			content: minimalYAML + `storage:
  s3:
    enabled: true
    region: "eu-west-1"
`,
			errPart: "storage.s3.bucket",
		},
	}

	t.Setenv("S3_BUCKET", "")
	t.Setenv("AWS_REGION", "")

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := writeTempConfig(t, c.content)
			_, err := LoadConfig(path)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), c.errPart) {
				t.Errorf("error %q does not mention %q", err, c.errPart)
			}
		})
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}
