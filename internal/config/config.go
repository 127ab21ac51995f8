// Package config loads the orchestrator's configuration surface from a
// config file, environment variables, and CLI flags, layered in that
// order: .env discovery first, then viper defaults/file/env, then pflag
// overrides.
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// BackendConfig describes one clip-generation backend ("MCP server") in
// the registry.
type BackendConfig struct {
	Endpoint     string   `mapstructure:"endpoint"`
	Capabilities []string `mapstructure:"capabilities"`
	Priority     int      `mapstructure:"priority"`
	CostPerClip  float64  `mapstructure:"cost_per_clip"`
	Available    bool     `mapstructure:"available"`
}

// Config is the orchestrator's full configuration surface.
type Config struct {
	QualityThreshold         float64                  `mapstructure:"quality_threshold"`
	MaxIterations            int                      `mapstructure:"max_iterations"`
	MaxParallelAgents        int                      `mapstructure:"max_parallel_agents"`
	MaxParallelClips         int                      `mapstructure:"max_parallel_clips"`
	SubprocessTimeoutSeconds int                      `mapstructure:"subprocess_timeout_s"`
	Backends                 map[string]BackendConfig `mapstructure:"backends"`

	AgentCLIPath string `mapstructure:"agent_cli_path"`
	PromptsRoot  string `mapstructure:"prompts_root"`
	SessionsRoot string `mapstructure:"sessions_root"`

	FFmpegPath  string `mapstructure:"ffmpeg_path"`
	FFprobePath string `mapstructure:"ffprobe_path"`
	RendererCLI string `mapstructure:"renderer_cli"`

	LogLevel    string `mapstructure:"log_level"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	// Per-invocation flags, not part of the persisted config file.
	Session string `mapstructure:"session"`
	Phase   int    `mapstructure:"phase"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("quality_threshold", 70.0)
	v.SetDefault("max_iterations", 3)
	v.SetDefault("max_parallel_agents", 5)
	v.SetDefault("max_parallel_clips", 3)
	v.SetDefault("subprocess_timeout_s", 300)
	v.SetDefault("agent_cli_path", "claude")
	v.SetDefault("prompts_root", ".claude/prompts")
	v.SetDefault("sessions_root", "sessions")
	v.SetDefault("ffmpeg_path", "ffmpeg")
	v.SetDefault("ffprobe_path", "ffprobe")
	v.SetDefault("renderer_cli", "npx")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("backends", map[string]BackendConfig{
		"default": {Endpoint: "http://localhost:9000", Capabilities: []string{"general"}, Priority: 10, CostPerClip: 1.0, Available: true},
	})
}

// Load reads orchestrator_config.json (if present) from configPath,
// layers environment variables (MVORCHESTRA_ prefix) and flags on top,
// and returns the resolved Config. flags may be nil for programmatic
// callers that don't parse a command line.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	// .env discovery first; ignored if absent.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MVORCHESTRA")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config %s: %w", configPath, err)
			}
		}
	}

	if flags != nil {
		bindings := map[string]string{
			"session":             "session",
			"phase":               "phase",
			"quality-threshold":   "quality_threshold",
			"max-iterations":      "max_iterations",
			"max-parallel-agents": "max_parallel_agents",
			"max-parallel-clips":  "max_parallel_clips",
			"subprocess-timeout":  "subprocess_timeout_s",
		}
		for flagName, key := range bindings {
			f := flags.Lookup(flagName)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", flagName, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the cross-field invariants the configuration surface
// promises.
func (c *Config) Validate() error {
	if c.QualityThreshold < 0 || c.QualityThreshold > 100 {
		return fmt.Errorf("quality_threshold must be within 0..100, got %v", c.QualityThreshold)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be >= 1, got %d", c.MaxIterations)
	}
	if c.MaxParallelAgents < 1 {
		return fmt.Errorf("max_parallel_agents must be >= 1, got %d", c.MaxParallelAgents)
	}
	if c.MaxParallelClips < 1 {
		return fmt.Errorf("max_parallel_clips must be >= 1, got %d", c.MaxParallelClips)
	}
	if len(c.Backends) == 0 {
		return fmt.Errorf("backends registry must not be empty")
	}
	return nil
}

// RegisterFlags attaches the CLI-flag overrides to fs, layered over the
// config-file/env defaults by Load.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("session", "", "session identifier")
	fs.Int("phase", 0, "phase number (subcommand-dependent bounds)")
	fs.Float64("quality-threshold", 70.0, "minimum evaluator score to stop a feedback loop")
	fs.Int("max-iterations", 3, "maximum feedback loop iterations per design phase")
	fs.Int("max-parallel-agents", 5, "maximum concurrent agent subprocesses")
	fs.Int("max-parallel-clips", 3, "maximum concurrent clip generation subprocesses")
	fs.Int("subprocess-timeout", 300, "per-subprocess wall-clock timeout in seconds")
}
