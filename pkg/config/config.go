package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the daemon looks for its configuration file
const DefaultPath = "/etc/spawner/config.yaml"

var validate = validator.New()

// Config holds every deployment parameter. It is loaded once at startup and
// handed by pointer to each component constructor; nothing mutates it after
// Load returns.
type Config struct {
	AWS        AWSConfig        `yaml:"aws"`
	Instance   InstanceConfig   `yaml:"instance"`
	SSH        SSHConfig        `yaml:"ssh"`
	Notebook   NotebookConfig   `yaml:"notebook"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Retry      RetryConfig      `yaml:"retry"`
	Health     HealthConfig     `yaml:"health"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle"`
	Registry   RegistryConfig   `yaml:"registry"`
	Worker     WorkerConfig     `yaml:"worker"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Events     EventsConfig     `yaml:"events"`
	API        APIConfig        `yaml:"api"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// AWSConfig selects where instances and volumes are created
type AWSConfig struct {
	Region           string   `yaml:"region" validate:"required"`
	AvailabilityZone string   `yaml:"availability_zone" validate:"required"`
	SubnetID         string   `yaml:"subnet_id" validate:"required"`
	SecurityGroupIDs []string `yaml:"security_group_ids" validate:"required,min=1"`
	ImageID          string   `yaml:"image_id" validate:"required"`
	KeyName          string   `yaml:"key_name" validate:"required"`
	BootVolumeSizeGB int32    `yaml:"boot_volume_size_gb" validate:"gt=0"`
	VolumeType       string   `yaml:"volume_type"`
	APIRateLimit     float64  `yaml:"api_rate_limit" validate:"gte=0"`
}

// Zone returns the full availability zone name, e.g. eu-west-2a
func (c AWSConfig) Zone() string {
	return c.Region + c.AvailabilityZone
}

// InstanceConfig controls naming, tagging and allowed sizes
type InstanceConfig struct {
	DefaultType      string   `yaml:"default_type" validate:"required"`
	AllowedTypes     []string `yaml:"allowed_types"`
	NamePrefix       string   `yaml:"name_prefix" validate:"required"`
	Owner            string   `yaml:"owner"`
	Cluster          string   `yaml:"cluster"`
	BootDevice       string   `yaml:"boot_device"`
	VolumeDevice     string   `yaml:"volume_device" validate:"required"`
	VolumeNamePrefix string   `yaml:"volume_name_prefix"`
}

// SSHConfig is the fixed credential binding for remote sessions
type SSHConfig struct {
	User           string        `yaml:"user" validate:"required"`
	KeyPath        string        `yaml:"key_path" validate:"required"`
	Port           int           `yaml:"port" validate:"gt=0,lte=65535"`
	Bastion        string        `yaml:"bastion"`
	BastionUser    string        `yaml:"bastion_user"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// NotebookConfig describes the notebook process started on each instance
type NotebookConfig struct {
	Port             int      `yaml:"port" validate:"gt=0,lte=65535"`
	Command          string   `yaml:"command" validate:"required"`
	Args             []string `yaml:"args"`
	LogPath          string   `yaml:"log_path"`
	ServiceSignature string   `yaml:"service_signature" validate:"required"`
}

// WorkspaceConfig controls first-login setup on a new instance
type WorkspaceConfig struct {
	WorkerUsername   string `yaml:"worker_username" validate:"required"`
	FormatNewVolumes bool   `yaml:"format_new_volumes"`
	MountPoint       string `yaml:"mount_point" validate:"required"`
	Device           string `yaml:"device" validate:"required"`
}

// RetryConfig bounds every remote call
type RetryConfig struct {
	MaxAttempts             int           `yaml:"max_attempts" validate:"gt=0"`
	Delay                   time.Duration `yaml:"delay" validate:"gte=0"`
	LongAttempts            int           `yaml:"long_attempts" validate:"gt=0"`
	VolumeDeleteAttempts    int           `yaml:"volume_delete_attempts" validate:"gt=0"`
	HangProbeAttempts       int           `yaml:"hang_probe_attempts" validate:"gt=0"`
	RetryMalformedResponses bool          `yaml:"retry_malformed_responses"`
}

// HealthConfig tunes hang detection and service probing
type HealthConfig struct {
	HangThreshold       time.Duration `yaml:"hang_threshold" validate:"gt=0"`
	ProbeDelay          time.Duration `yaml:"probe_delay" validate:"gte=0"`
	LaunchProbeAttempts int           `yaml:"launch_probe_attempts" validate:"gt=0"`
}

type LifecycleConfig struct {
	SettleDelay time.Duration `yaml:"settle_delay" validate:"gte=0"`
}

// RegistryConfig picks the record store backend
type RegistryConfig struct {
	Driver string `yaml:"driver" validate:"oneof=bolt postgres sqlite"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type WorkerConfig struct {
	PoolSize int64 `yaml:"pool_size" validate:"gt=0"`
}

type ReconcilerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
}

// EventsConfig enables forwarding lifecycle events to NATS when NATSURL is set
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type APIConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	GRPCAddr string `yaml:"grpc_addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a configuration with every tunable set. Deployment specific
// fields (region, subnet, image, keys) are left empty and must come from the
// file.
func Default() *Config {
	return &Config{
		AWS: AWSConfig{
			BootVolumeSizeGB: 20,
			VolumeType:       "gp3",
			APIRateLimit:     10,
		},
		Instance: InstanceConfig{
			DefaultType:      "t3.medium",
			NamePrefix:       "jupyter",
			Owner:            "jupyterhub",
			Cluster:          "jupyterhub",
			BootDevice:       "/dev/sda1",
			VolumeDevice:     "/dev/sdf",
			VolumeNamePrefix: "jupyter-vol-",
		},
		SSH: SSHConfig{
			User:           "ubuntu",
			Port:           22,
			ConnectTimeout: 10 * time.Second,
		},
		Notebook: NotebookConfig{
			Port:             4444,
			Command:          "jupyterhub-singleuser",
			LogPath:          "/tmp/jupyter.log",
			ServiceSignature: "jupyterhub-singleuser",
		},
		Workspace: WorkspaceConfig{
			WorkerUsername:   "ubuntu",
			FormatNewVolumes: true,
			MountPoint:       "/jupyteruser",
			Device:           "/dev/nvme1n1",
		},
		Retry: RetryConfig{
			MaxAttempts:          10,
			Delay:                time.Second,
			LongAttempts:         120,
			VolumeDeleteAttempts: 40,
			HangProbeAttempts:    5,
		},
		Health: HealthConfig{
			HangThreshold:       180 * time.Second,
			ProbeDelay:          time.Second,
			LaunchProbeAttempts: 30,
		},
		Lifecycle: LifecycleConfig{
			SettleDelay: 10 * time.Second,
		},
		Registry: RegistryConfig{
			Driver: "bolt",
			Path:   "/var/lib/spawner/registry.db",
		},
		Worker: WorkerConfig{
			PoolSize: 256,
		},
		Reconciler: ReconcilerConfig{
			Enabled:  true,
			Interval: time.Minute,
		},
		Events: EventsConfig{
			SubjectPrefix: "spawner",
		},
		API: APIConfig{
			Addr:     "127.0.0.1:8090",
			GRPCAddr: "127.0.0.1:8091",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and cross-field constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %s validation", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.Registry.Driver {
	case "bolt", "sqlite":
		if c.Registry.Path == "" && c.Registry.DSN == "" {
			return fmt.Errorf("invalid config: registry.path is required for driver %s", c.Registry.Driver)
		}
	case "postgres":
		if c.Registry.DSN == "" {
			return errors.New("invalid config: registry.dsn is required for driver postgres")
		}
	}

	if c.SSH.Bastion != "" && c.SSH.BastionUser == "" {
		return errors.New("invalid config: ssh.bastion_user is required when ssh.bastion is set")
	}

	return nil
}

// AllowsType reports whether instanceType may be requested by users. An empty
// allow list admits only the default type.
func (c *Config) AllowsType(instanceType string) bool {
	return instanceType != "" && slices.Contains(c.AllowedTypes(), instanceType)
}

// AllowedTypes returns the recognized instance types
func (c *Config) AllowedTypes() []string {
	if len(c.Instance.AllowedTypes) == 0 {
		return []string{c.Instance.DefaultType}
	}
	return c.Instance.AllowedTypes
}
