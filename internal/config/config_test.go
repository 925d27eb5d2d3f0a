package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
input:
  path: urls.xlsx
  id_column: Link
  limit: 50
output:
  path: out/results.csv
  backup_dir: backups
run:
  workers: 6
  retry_limit: 5
  backoff_base: 500ms
  backoff_max: 10s
  save_every: 10
  politeness_delay: 1s
renderer:
  engine: rod
  headless: false
  recycle_threshold: 50
  nav_timeout: 30s
  domain_qps: 0.5
site:
  pincode: "110001"
  fields: [seller, delivery, price]
logging:
  development: false
server:
  addr: ":9090"
db:
  dsn: postgres://localhost/pdp
gcs:
  bucket: results-bucket
  prefix: runs
pubsub:
  project_id: pdp-project
  topic: pdp-runs
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Input.Path != "urls.xlsx" || cfg.Input.IDColumn != "Link" || cfg.Input.Limit != 50 {
		t.Fatalf("expected input overrides to apply: %+v", cfg.Input)
	}
	if cfg.Output.Path != "out/results.csv" || cfg.Output.BackupDir != "backups" {
		t.Fatalf("expected output overrides to apply: %+v", cfg.Output)
	}
	if cfg.Run.Workers != 6 || cfg.Run.RetryLimit != 5 || cfg.Run.SaveEvery != 10 {
		t.Fatalf("expected run overrides to apply: %+v", cfg.Run)
	}
	if cfg.Run.BackoffBase != 500*time.Millisecond || cfg.Run.BackoffMax != 10*time.Second {
		t.Fatalf("expected durations to be parsed: %+v", cfg.Run)
	}
	if cfg.Renderer.Engine != EngineRod || cfg.Renderer.Headless || cfg.Renderer.RecycleThreshold != 50 {
		t.Fatalf("expected renderer overrides to apply: %+v", cfg.Renderer)
	}
	if cfg.Renderer.DomainQPS != 0.5 {
		t.Fatalf("expected domain qps 0.5, got %v", cfg.Renderer.DomainQPS)
	}
	if !reflect.DeepEqual(cfg.Site.Fields, []string{"seller", "delivery", "price"}) || cfg.Site.Pincode != "110001" {
		t.Fatalf("expected site overrides to apply: %+v", cfg.Site)
	}
	if cfg.Logging.Development {
		t.Fatal("expected development logging to be disabled")
	}
	if cfg.Server.Addr != ":9090" || cfg.DB.DSN == "" || cfg.GCS.Bucket != "results-bucket" {
		t.Fatalf("expected sink overrides to apply: %+v", cfg)
	}
	if cfg.PubSub.Topic != "pdp-runs" {
		t.Fatalf("expected pubsub topic, got %q", cfg.PubSub.Topic)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PDPX_INPUT_PATH", "urls.csv")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Input.IDColumn != "URL" {
		t.Fatalf("expected URL id column, got %q", cfg.Input.IDColumn)
	}
	if cfg.Run.Workers != 4 || cfg.Run.RetryLimit != 3 || cfg.Run.SaveEvery != 20 {
		t.Fatalf("unexpected run defaults: %+v", cfg.Run)
	}
	if cfg.Run.BackoffBase != 1500*time.Millisecond || cfg.Run.PolitenessDelay != 2200*time.Millisecond {
		t.Fatalf("unexpected timing defaults: %+v", cfg.Run)
	}
	if cfg.Renderer.Engine != EngineChromedp || !cfg.Renderer.Headless || cfg.Renderer.RecycleThreshold != 200 {
		t.Fatalf("unexpected renderer defaults: %+v", cfg.Renderer)
	}
	if cfg.Renderer.PromoteThreshold != 2048 || len(cfg.Site.BlockedDomains) != 0 {
		t.Fatalf("unexpected promotion defaults: %+v", cfg.Renderer)
	}
	if cfg.Site.Pincode != "560037" || !reflect.DeepEqual(cfg.Site.ErrorPageMarkers, []string{"404", "error"}) {
		t.Fatalf("unexpected site defaults: %+v", cfg.Site)
	}
	if cfg.DB.Table != "pdp_results" {
		t.Fatalf("unexpected db table default %q", cfg.DB.Table)
	}
	if cfg.Run.DebugDir != "" {
		t.Fatalf("failure screenshots must be off by default, got %q", cfg.Run.DebugDir)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PDPX_INPUT_PATH", "urls.xlsx")
	t.Setenv("PDPX_RUN_WORKERS", "8")
	t.Setenv("PDPX_RENDERER_ENGINE", "static")
	t.Setenv("PDPX_RUN_ATTEMPT_TIMEOUT", "45s")
	t.Setenv("PDPX_RUN_DEBUG_DIR", "/tmp/pdpx-debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Run.Workers != 8 || cfg.Renderer.Engine != EngineStatic || cfg.Run.AttemptTimeout != 45*time.Second {
		t.Fatalf("expected env overrides to apply: %+v %+v", cfg.Run, cfg.Renderer)
	}
	if cfg.Run.DebugDir != "/tmp/pdpx-debug" {
		t.Fatalf("expected debug dir from env, got %q", cfg.Run.DebugDir)
	}
}

func TestLoadWithBoundViper(t *testing.T) {
	v := viper.New()
	v.Set("input.path", "flags.csv")
	v.Set("run.workers", 2)

	cfg, err := LoadWith(v, "")
	if err != nil {
		t.Fatalf("LoadWith() error = %v", err)
	}
	if cfg.Input.Path != "flags.csv" || cfg.Run.Workers != 2 {
		t.Fatalf("expected explicit values to win: %+v", cfg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Input:    InputConfig{Path: "urls.xlsx"},
		Output:   OutputConfig{Path: "results.xlsx"},
		Run:      RunConfig{Workers: 1, RetryLimit: 3, SaveEvery: 20, AttemptTimeout: time.Minute},
		Renderer: RendererConfig{Engine: EngineChromedp, RecycleThreshold: 200, CreateAttempts: 3, NavTimeout: time.Second},
		Site:     SiteConfig{Fields: []string{"seller"}},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "missing input", mutate: func(c *Config) { c.Input.Path = "" }, want: "input.path"},
		{name: "negative limit", mutate: func(c *Config) { c.Input.Limit = -1 }, want: "input.limit"},
		{name: "missing output", mutate: func(c *Config) { c.Output.Path = "" }, want: "output.path"},
		{name: "no workers", mutate: func(c *Config) { c.Run.Workers = 0 }, want: "run.workers"},
		{name: "no retries", mutate: func(c *Config) { c.Run.RetryLimit = 0 }, want: "run.retry_limit"},
		{name: "negative backoff", mutate: func(c *Config) { c.Run.BackoffBase = -time.Second }, want: "run.backoff_base"},
		{name: "save every", mutate: func(c *Config) { c.Run.SaveEvery = 0 }, want: "run.save_every"},
		{name: "attempt timeout", mutate: func(c *Config) { c.Run.AttemptTimeout = 0 }, want: "run.attempt_timeout"},
		{name: "unknown engine", mutate: func(c *Config) { c.Renderer.Engine = "webkit" }, want: "renderer.engine"},
		{name: "recycle threshold", mutate: func(c *Config) { c.Renderer.RecycleThreshold = 0 }, want: "renderer.recycle_threshold"},
		{name: "create attempts", mutate: func(c *Config) { c.Renderer.CreateAttempts = 0 }, want: "renderer.create_attempts"},
		{name: "nav timeout", mutate: func(c *Config) { c.Renderer.NavTimeout = 0 }, want: "renderer.nav_timeout"},
		{name: "no fields", mutate: func(c *Config) { c.Site.Fields = nil }, want: "site.fields"},
		{name: "topic without project", mutate: func(c *Config) { c.PubSub.Topic = "runs" }, want: "pubsub.project_id"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			c.Site.Fields = append([]string(nil), base.Site.Fields...)
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
