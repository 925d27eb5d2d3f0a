// Package config loads and validates extractor configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Renderer engines accepted by renderer.engine.
const (
	EngineChromedp = "chromedp"
	EngineRod      = "rod"
	EngineStatic   = "static"
	EngineAuto     = "auto"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Input    InputConfig    `mapstructure:"input"`
	Output   OutputConfig   `mapstructure:"output"`
	Run      RunConfig      `mapstructure:"run"`
	Renderer RendererConfig `mapstructure:"renderer"`
	Site     SiteConfig     `mapstructure:"site"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
	Progress ProgressConfig `mapstructure:"progress"`
	DB       DBConfig       `mapstructure:"db"`
	GCS      GCSConfig      `mapstructure:"gcs"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
}

// InputConfig locates the task spreadsheet.
type InputConfig struct {
	Path     string `mapstructure:"path"`
	IDColumn string `mapstructure:"id_column"`
	// Limit caps how many input rows are considered; zero means all.
	Limit int `mapstructure:"limit"`
}

// OutputConfig locates the result file, which doubles as the checkpoint.
type OutputConfig struct {
	Path string `mapstructure:"path"`
	// BackupDir receives a copy of the output after each flush when set.
	BackupDir string `mapstructure:"backup_dir"`
}

// RunConfig governs the task runner, retries and checkpoint cadence.
type RunConfig struct {
	Workers           int           `mapstructure:"workers"`
	RetryLimit        int           `mapstructure:"retry_limit"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	SaveEvery         int           `mapstructure:"save_every"`
	FlushInterval     time.Duration `mapstructure:"flush_interval"`
	PolitenessDelay   time.Duration `mapstructure:"politeness_delay"`
	AttemptTimeout    time.Duration `mapstructure:"attempt_timeout"`
	QueueDepth        int           `mapstructure:"queue_depth"`
	FinalFlushTimeout time.Duration `mapstructure:"final_flush_timeout"`
	// DebugDir receives a screenshot of each failed page when set.
	DebugDir string `mapstructure:"debug_dir"`
}

// RendererConfig configures the renderer pool and the browser engine.
type RendererConfig struct {
	Engine           string        `mapstructure:"engine"`
	Headless         bool          `mapstructure:"headless"`
	RecycleThreshold int           `mapstructure:"recycle_threshold"`
	CreateAttempts   int           `mapstructure:"create_attempts"`
	CreateBackoff    time.Duration `mapstructure:"create_backoff"`
	NavTimeout       time.Duration `mapstructure:"nav_timeout"`
	ActionTimeout    time.Duration `mapstructure:"action_timeout"`
	SettleDelay      time.Duration `mapstructure:"settle_delay"`
	UserAgent        string        `mapstructure:"user_agent"`
	DomainQPS        float64       `mapstructure:"domain_qps"`
	DomainBurst      int           `mapstructure:"domain_burst"`
	RespectRobots    bool          `mapstructure:"respect_robots"`
	ExecPath         string        `mapstructure:"exec_path"`
	WindowWidth      int           `mapstructure:"window_width"`
	WindowHeight     int           `mapstructure:"window_height"`
	// PromoteThreshold is the markup size below which a script-heavy static
	// page is reloaded in the browser. Used by the auto engine only.
	PromoteThreshold int `mapstructure:"promote_threshold"`
}

// SiteConfig holds the site-specific extraction settings.
type SiteConfig struct {
	Pincode          string   `mapstructure:"pincode"`
	ErrorPageMarkers []string `mapstructure:"error_page_markers"`
	Fields           []string `mapstructure:"fields"`
	BlockedDomains   []string `mapstructure:"blocked_domains"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ServerConfig controls the status server. An empty Addr disables it.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	LogEnabled     bool          `mapstructure:"log_enabled"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// DBConfig controls the optional Postgres mirror.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// GCSConfig controls the optional Cloud Storage mirror.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	Object string `mapstructure:"object"`
}

// PubSubConfig holds the run summary notification target.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	return load(viper.New(), path)
}

// LoadWith is Load over a caller-provided Viper, which lets the CLI bind flags.
func LoadWith(v *viper.Viper, path string) (Config, error) {
	return load(v, path)
}

func load(v *viper.Viper, path string) (Config, error) {
	v.SetEnvPrefix("PDPX")
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
	// Keys without a useful default are still registered so AutomaticEnv
	// can see them during Unmarshal.
	for _, key := range []string{
		"input.path", "output.backup_dir", "renderer.exec_path", "server.addr",
		"db.dsn", "gcs.bucket", "gcs.prefix", "gcs.object", "pubsub.project_id", "pubsub.topic",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("input.id_column", "URL")
	v.SetDefault("input.limit", 0)
	v.SetDefault("output.path", "results.xlsx")
	v.SetDefault("run.workers", 4)
	v.SetDefault("run.retry_limit", 3)
	v.SetDefault("run.backoff_base", "1.5s")
	v.SetDefault("run.backoff_max", "0s")
	v.SetDefault("run.save_every", 20)
	v.SetDefault("run.flush_interval", "0s")
	v.SetDefault("run.politeness_delay", "2.2s")
	v.SetDefault("run.attempt_timeout", "90s")
	v.SetDefault("run.queue_depth", 0)
	v.SetDefault("run.final_flush_timeout", "30s")
	v.SetDefault("run.debug_dir", "")
	v.SetDefault("renderer.engine", EngineChromedp)
	v.SetDefault("renderer.headless", true)
	v.SetDefault("renderer.recycle_threshold", 200)
	v.SetDefault("renderer.create_attempts", 3)
	v.SetDefault("renderer.create_backoff", "2s")
	v.SetDefault("renderer.nav_timeout", "20s")
	v.SetDefault("renderer.action_timeout", "5s")
	v.SetDefault("renderer.settle_delay", "1s")
	v.SetDefault("renderer.user_agent", "pdp-extractor/0.1")
	v.SetDefault("renderer.domain_qps", 0)
	v.SetDefault("renderer.domain_burst", 1)
	v.SetDefault("renderer.respect_robots", false)
	v.SetDefault("renderer.window_width", 1366)
	v.SetDefault("renderer.window_height", 900)
	v.SetDefault("renderer.promote_threshold", 2048)
	v.SetDefault("site.pincode", "560037")
	v.SetDefault("site.error_page_markers", []string{"404", "error"})
	v.SetDefault("site.fields", []string{"seller", "delivery"})
	v.SetDefault("site.blocked_domains", []string{})
	v.SetDefault("logging.development", true)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 100)
	v.SetDefault("progress.max_batch_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "5s")
	v.SetDefault("db.table", "pdp_results")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Input.Path == "" {
		return fmt.Errorf("input.path is required")
	}
	if c.Input.Limit < 0 {
		return fmt.Errorf("input.limit must be >= 0")
	}
	if c.Output.Path == "" {
		return fmt.Errorf("output.path is required")
	}
	if c.Run.Workers <= 0 {
		return fmt.Errorf("run.workers must be > 0")
	}
	if c.Run.RetryLimit <= 0 {
		return fmt.Errorf("run.retry_limit must be > 0")
	}
	if c.Run.BackoffBase < 0 || c.Run.BackoffMax < 0 {
		return fmt.Errorf("run.backoff_base and run.backoff_max must be >= 0")
	}
	if c.Run.SaveEvery <= 0 {
		return fmt.Errorf("run.save_every must be > 0")
	}
	if c.Run.AttemptTimeout <= 0 {
		return fmt.Errorf("run.attempt_timeout must be > 0")
	}
	switch c.Renderer.Engine {
	case EngineChromedp, EngineRod, EngineStatic, EngineAuto:
	default:
		return fmt.Errorf("renderer.engine %q must be one of chromedp, rod, static, auto", c.Renderer.Engine)
	}
	if c.Renderer.RecycleThreshold <= 0 {
		return fmt.Errorf("renderer.recycle_threshold must be > 0")
	}
	if c.Renderer.CreateAttempts <= 0 {
		return fmt.Errorf("renderer.create_attempts must be > 0")
	}
	if c.Renderer.NavTimeout <= 0 {
		return fmt.Errorf("renderer.nav_timeout must be > 0")
	}
	if len(c.Site.Fields) == 0 {
		return fmt.Errorf("site.fields must name at least one field")
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	return nil
}
