package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete guest agent configuration.
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Transport  TransportConfig  `yaml:"transport"`
	Store      StoreConfig      `yaml:"store"`
	Generation GenerationConfig `yaml:"generation"`
	Activation ActivationConfig `yaml:"activation"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Features   FeatureConfig    `yaml:"features"`
}

// GlobalConfig represents global agent settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
}

// TransportConfig represents virtio-fs device and virtqueue settings.
type TransportConfig struct {
	DevicePath       string        `yaml:"device_path"`
	Tag              string        `yaml:"tag"`
	RequestQueues    int           `yaml:"request_queues"`
	SubmitTimeout    time.Duration `yaml:"submit_timeout"`
	MetaResponseSize int           `yaml:"meta_response_size"`
}

// StoreConfig represents content-addressed store settings.
type StoreConfig struct {
	StoreDir        string `yaml:"store_dir"`
	VarDir          string `yaml:"var_dir"`
	GCRootsDir      string `yaml:"gc_roots_dir"`
	VerifyOnGC      bool   `yaml:"verify_on_gc"`
	MinFreeBytes    int64  `yaml:"min_free_bytes"`
}

// GenerationConfig represents generation registry settings.
type GenerationConfig struct {
	GenerationsDir string `yaml:"generations_dir"`
	MaxGenerations int    `yaml:"max_generations"`
}

// ActivationConfig represents activation engine settings.
type ActivationConfig struct {
	ProfileDir        string        `yaml:"profile_dir"`
	StagingDir        string        `yaml:"staging_dir"`
	SystemProfileLink string        `yaml:"system_profile_link"`
	SwapTimeout       time.Duration `yaml:"swap_timeout"`
	SwapMaxRetries    int           `yaml:"swap_max_retries"`
	DryRunByDefault   bool          `yaml:"dry_run_by_default"`
}

// MonitoringConfig represents monitoring settings.
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// MetricsConfig represents metrics settings.
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// LoggingConfig represents logging settings.
type LoggingConfig struct {
	Structured bool   `yaml:"structured"`
	Format     string `yaml:"format"`
}

// FeatureConfig represents feature flags.
type FeatureConfig struct {
	// AppendPassthrough records the O_APPEND setting (see the Open Question
	// decision in DESIGN.md). The scheme package does not read it; it always
	// passes O_APPEND to the host in the open flags.
	AppendPassthrough bool `yaml:"append_passthrough"`
	LeakDMAOnTeardown bool `yaml:"leak_dma_on_teardown"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFile:     "",
			MetricsPort: 9377,
		},
		Transport: TransportConfig{
			DevicePath:       "/scheme/pci",
			Tag:              "rootfs",
			RequestQueues:    1,
			SubmitTimeout:    30 * time.Second,
			MetaResponseSize: 4096,
		},
		Store: StoreConfig{
			StoreDir:     "/nix/store",
			VarDir:       "/nix/var/snix",
			GCRootsDir:   "/nix/var/snix/gcroots",
			VerifyOnGC:   false,
			MinFreeBytes: 512 * 1024 * 1024,
		},
		Generation: GenerationConfig{
			GenerationsDir: "/nix/var/snix/generations",
			MaxGenerations: 10,
		},
		Activation: ActivationConfig{
			ProfileDir:        "/nix/var/snix/profile",
			StagingDir:        "/nix/var/snix/profile.staging",
			SystemProfileLink: "/run/current-system",
			SwapTimeout:       10 * time.Second,
			SwapMaxRetries:    3,
			DryRunByDefault:   false,
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				CustomLabels: map[string]string{
					"service": "guestagent",
				},
			},
			Logging: LoggingConfig{
				Structured: true,
				Format:     "json",
			},
		},
		Features: FeatureConfig{
			AppendPassthrough: true,
			LeakDMAOnTeardown: false,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from environment variables.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("GUESTAGENT_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("GUESTAGENT_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("GUESTAGENT_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}

	if val := os.Getenv("GUESTAGENT_DEVICE_PATH"); val != "" {
		c.Transport.DevicePath = val
	}
	if val := os.Getenv("GUESTAGENT_TAG"); val != "" {
		c.Transport.Tag = val
	}
	if val := os.Getenv("GUESTAGENT_SUBMIT_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Transport.SubmitTimeout = d
		}
	}

	if val := os.Getenv("GUESTAGENT_STORE_DIR"); val != "" {
		c.Store.StoreDir = val
	}
	if val := os.Getenv("GUESTAGENT_VAR_DIR"); val != "" {
		c.Store.VarDir = val
	}

	if val := os.Getenv("GUESTAGENT_GENERATIONS_DIR"); val != "" {
		c.Generation.GenerationsDir = val
	}

	if val := os.Getenv("GUESTAGENT_PROFILE_DIR"); val != "" {
		c.Activation.ProfileDir = val
	}
	if val := os.Getenv("GUESTAGENT_DRY_RUN"); val != "" {
		c.Activation.DryRunByDefault = strings.ToLower(val) == "true"
	}

	if val := os.Getenv("GUESTAGENT_APPEND_PASSTHROUGH"); val != "" {
		c.Features.AppendPassthrough = strings.ToLower(val) == "true"
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Configuration) Validate() error {
	if c.Transport.RequestQueues <= 0 {
		return fmt.Errorf("transport.request_queues must be greater than 0")
	}

	if c.Transport.MetaResponseSize <= 0 {
		return fmt.Errorf("transport.meta_response_size must be greater than 0")
	}

	if c.Store.StoreDir == "" {
		return fmt.Errorf("store.store_dir must be set")
	}

	if c.Generation.MaxGenerations <= 0 {
		return fmt.Errorf("generation.max_generations must be greater than 0")
	}

	if c.Activation.SwapMaxRetries < 0 {
		return fmt.Errorf("activation.swap_max_retries cannot be negative")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
