package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

// Duration parses "2s"-style values from both YAML and the environment.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full runtime configuration. Sources, highest precedence
// first: environment variables, CLI flags, the YAML config file, defaults.
type Config struct {
	BaseUrl          string   `env:"BASE_URL" yaml:"base_url"`
	MinerAddress     string   `env:"ERC20_ADDRESS" yaml:"erc20_address"`
	S3Bucket         string   `env:"S3_BUCKET" yaml:"s3_bucket"`
	WorkflowNames    []string `env:"WORKFLOW_NAMES" envSeparator:"," yaml:"workflow_names"`
	WorkflowManifest string   `env:"WORKFLOW_MANIFEST" yaml:"workflow_manifest"`
	ComfyUIHost      string   `env:"COMFYUI_HOST" yaml:"comfyui_host"`
	ComfyUIPort      int      `env:"COMFYUI_PORT" yaml:"comfyui_port"`
	ComfyUIRoot      string   `env:"COMFYUI_ROOT" yaml:"comfyui_root"`
	PollInterval     Duration `env:"POLL_INTERVAL" yaml:"poll_interval"`
	HealthInterval   Duration `env:"HEALTH_INTERVAL" yaml:"health_interval"`
	StartupTimeout   Duration `env:"STARTUP_TIMEOUT" yaml:"startup_timeout"`
	MaxConcurrent    int64    `env:"MAX_CONCURRENT_TASKS" yaml:"max_concurrent_tasks"`
	LogLevel         string   `env:"LOG_LEVEL" yaml:"log_level"`
}

// Overrides carries CLI flag values; zero values mean "not set".
type Overrides struct {
	ComfyUIPort   int
	MinerAddress  string
	WorkflowNames []string
	LogLevel      string
}

func defaults() Config {
	return Config{
		WorkflowManifest: "example/workflows.yaml",
		ComfyUIHost:      "127.0.0.1",
		ComfyUIPort:      8188,
		ComfyUIRoot:      "ComfyUI",
		PollInterval:     Duration(2 * time.Second),
		HealthInterval:   Duration(10 * time.Second),
		StartupTimeout:   Duration(120 * time.Second),
		MaxConcurrent:    4,
		LogLevel:         "INFO",
	}
}

// Load assembles the configuration from the optional YAML file at path, the
// flag overrides, and the environment, then validates it.
func Load(path string, overrides Overrides) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if overrides.ComfyUIPort != 0 {
		cfg.ComfyUIPort = overrides.ComfyUIPort
	}
	if overrides.MinerAddress != "" {
		cfg.MinerAddress = overrides.MinerAddress
	}
	if len(overrides.WorkflowNames) > 0 {
		cfg.WorkflowNames = overrides.WorkflowNames
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}

	// Environment wins over everything else.
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var erc20Pattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

func (c *Config) validate() error {
	if c.BaseUrl == "" {
		return fmt.Errorf("dispatch base URL is not configured")
	}
	if !erc20Pattern.MatchString(c.MinerAddress) {
		return fmt.Errorf("invalid ERC20 address format: %q", c.MinerAddress)
	}
	if len(c.WorkflowNames) == 0 {
		return fmt.Errorf("no workflow names configured")
	}
	return nil
}
