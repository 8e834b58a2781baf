package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Run parameters
	Version      string `mapstructure:"version"`
	KeyPath      string `mapstructure:"key-path"`
	Mode         string `mapstructure:"mode"`
	Terminate    bool   `mapstructure:"terminate"`
	InstanceType string `mapstructure:"instance-type"`
	ImageName    string `mapstructure:"image-name"`
	Debug        bool   `mapstructure:"debug"`

	// AWS
	Region         string `mapstructure:"region"`
	BaseImageName  string `mapstructure:"base-image-name"`
	BaseImageOwner string `mapstructure:"base-image-owner"`

	// Build host
	SSHUser            string `mapstructure:"ssh-user"`
	SSHPort            int    `mapstructure:"ssh-port"`
	BuildScript        string `mapstructure:"build-script"`
	RemoteDir          string `mapstructure:"remote-dir"`
	ArtifactRemotePath string `mapstructure:"artifact-remote-path"`
	ArtifactPath       string `mapstructure:"artifact-path"`
	ImageDescription   string `mapstructure:"image-description"`

	// Polling
	PollInterval    time.Duration `mapstructure:"poll-interval"`
	PollMaxInterval time.Duration `mapstructure:"poll-max-interval"`
	PollMultiplier  float64       `mapstructure:"poll-multiplier"`
	PollMaxAttempts int           `mapstructure:"poll-max-attempts"`
	InstanceTimeout time.Duration `mapstructure:"instance-timeout"`
	ImageTimeout    time.Duration `mapstructure:"image-timeout"`

	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`

	// Artifact publishing
	ArtifactBucket string `mapstructure:"artifact-bucket"`
	ArtifactPrefix string `mapstructure:"artifact-prefix"`

	// Security limits
	MaxArtifactSize     int64   `mapstructure:"max-artifact-size"`
	MaxTotalSize        int64   `mapstructure:"max-total-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`
}

// SetDefaults registers every key on v. Keys without a useful default still
// get a zero value so AutomaticEnv can see them on Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("version", "3.5.1")
	v.SetDefault("mode", "build")
	v.SetDefault("terminate", true)
	v.SetDefault("instance-type", "t2.micro")
	v.SetDefault("key-path", "")
	v.SetDefault("image-name", "")
	v.SetDefault("debug", false)

	v.SetDefault("region", "us-east-1")
	v.SetDefault("base-image-name", "ubuntu/images/hvm-ssd/ubuntu-jammy-22.04-amd64-server-*")
	v.SetDefault("base-image-owner", "099720109477")

	v.SetDefault("ssh-user", "ubuntu")
	v.SetDefault("ssh-port", 22)
	v.SetDefault("build-script", "build.sh")
	v.SetDefault("remote-dir", "/home/ubuntu")
	v.SetDefault("artifact-remote-path", "/home/ubuntu/R.zip")
	v.SetDefault("artifact-path", "R.zip")
	v.SetDefault("image-description", "")

	v.SetDefault("poll-interval", 10*time.Second)
	v.SetDefault("poll-max-interval", 30*time.Second)
	v.SetDefault("poll-multiplier", 1.5)
	v.SetDefault("poll-max-attempts", 0)
	v.SetDefault("instance-timeout", 10*time.Minute)
	v.SetDefault("image-timeout", 60*time.Minute)

	v.SetDefault("sqlite-path", ".artifacts/runs.db")
	v.SetDefault("fsm-db-path", ".artifacts/fsm")
	v.SetDefault("fsm-max-retries", 5)

	v.SetDefault("artifact-bucket", "")
	v.SetDefault("artifact-prefix", "ec2-builder")
	v.SetDefault("max-artifact-size", 2*1024*1024*1024)
	v.SetDefault("max-total-size", 20*1024*1024*1024)
	v.SetDefault("max-compression-ratio", 100.0)
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom is Load against an explicit viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	// Environment variables (will be EC2BUILDER_KEY_PATH, etc.)
	v.SetEnvPrefix("EC2BUILDER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.ec2-builder")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.KeyPath == "" {
		return fmt.Errorf("key-path is required")
	}
	if c.Mode != "build" && c.Mode != "package" {
		return fmt.Errorf("mode must be build or package, got %q", c.Mode)
	}
	if c.Mode == "package" && c.ImageName == "" {
		return fmt.Errorf("image-name is required in package mode")
	}
	if c.Version == "" {
		return fmt.Errorf("version cannot be empty")
	}
	if c.InstanceType == "" {
		return fmt.Errorf("instance-type cannot be empty")
	}
	if c.Region == "" {
		return fmt.Errorf("region cannot be empty")
	}
	if c.BaseImageName == "" {
		return fmt.Errorf("base-image-name cannot be empty")
	}
	if c.BuildScript == "" {
		return fmt.Errorf("build-script cannot be empty")
	}
	if c.SSHPort <= 0 || c.SSHPort > 65535 {
		return fmt.Errorf("ssh-port must be between 1 and 65535")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive")
	}
	if c.PollMaxAttempts < 0 {
		return fmt.Errorf("poll-max-attempts must be non-negative")
	}
	if c.PollMaxAttempts == 0 && (c.InstanceTimeout <= 0 || c.ImageTimeout <= 0) {
		return fmt.Errorf("instance-timeout and image-timeout must be positive when poll-max-attempts is unset")
	}
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.MaxArtifactSize <= 0 {
		return fmt.Errorf("max-artifact-size must be positive")
	}
	if c.MaxTotalSize <= 0 {
		return fmt.Errorf("max-total-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		return fmt.Errorf("max-compression-ratio must be positive")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	return nil
}
