package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// identifierPattern matches a plain SQL identifier; the timestamp
// column ends up inside a mysqldump --where clause
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Environment identifies the deploy target environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config is the single validated configuration struct for the whole
// process. It is constructed once at startup and passed by reference;
// no component reads ambient global state directly.
type Config struct {
	Environment Environment   `mapstructure:"environment"`
	Paths       PathsConfig   `mapstructure:"paths"`
	Database    DatabaseConf  `mapstructure:"database"`
	Cache       CacheConf     `mapstructure:"cache"`
	Backup      BackupConf    `mapstructure:"backup"`
	Deploy      DeployConf    `mapstructure:"deploy"`
	Health      HealthConf    `mapstructure:"health"`
	Notify      NotifyConf    `mapstructure:"notifications"`
	Logging     LoggingConf   `mapstructure:"logging"`
	Timeouts    TimeoutsConf  `mapstructure:"timeouts"`
	Retention   RetentionConf `mapstructure:"retention"`
}

// PathsConfig locates every directory the control plane touches
type PathsConfig struct {
	AppDir      string `mapstructure:"app_dir"`
	ConfigDir   string `mapstructure:"config_dir"`
	LogsDir     string `mapstructure:"logs_dir"`
	UserDataDir string `mapstructure:"user_data_dir"`
	BackupDir   string `mapstructure:"backup_dir"`
	StagingDir  string `mapstructure:"staging_dir"`
	ReleasesDir string `mapstructure:"releases_dir"`
	LockDir     string `mapstructure:"lock_dir"`
}

// DatabaseConf holds connection and dump-tool settings for the database
type DatabaseConf struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	Database     string        `mapstructure:"database"`
	DumpBinary   string        `mapstructure:"dump_binary"`
	ClientBinary string        `mapstructure:"client_binary"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// DSN returns the driver connection string
func (d DatabaseConf) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&timeout=%s",
		d.Username, d.Password, d.Host, d.Port, d.Database, d.Timeout)
}

// Addr returns host:port for connectivity probing
func (d DatabaseConf) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// CacheConf holds cache server connection and snapshot settings
type CacheConf struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	SnapshotPath string        `mapstructure:"snapshot_path"`
	SaveMaxWait  time.Duration `mapstructure:"save_max_wait"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// BackupConf configures the backup engine
type BackupConf struct {
	CompressionType   string         `mapstructure:"compression_type"`
	CompressionLevel  int            `mapstructure:"compression_level"`
	ExcludePatterns   []string       `mapstructure:"exclude_patterns"`
	IncrementalTables []string       `mapstructure:"incremental_tables"`
	TimestampColumn   string         `mapstructure:"timestamp_column"`
	Encryption        EncryptionConf `mapstructure:"encryption"`
	Remote            RemoteConf     `mapstructure:"remote"`
	VerifyAfterBackup bool           `mapstructure:"verify_after_backup"`
}

// EncryptionConf configures optional bundle encryption
type EncryptionConf struct {
	Enabled    bool   `mapstructure:"enabled"`
	Passphrase string `mapstructure:"passphrase"`
}

// RemoteConf configures the optional remote object store upload
type RemoteConf struct {
	Enabled  bool        `mapstructure:"enabled"`
	Required bool        `mapstructure:"required"`
	Provider string      `mapstructure:"provider"` // s3, gcs, azure
	S3       S3Conf      `mapstructure:"s3"`
	GCS      GCSConf     `mapstructure:"gcs"`
	Azure    AzureConf   `mapstructure:"azure"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// S3Conf for Amazon S3 storage
type S3Conf struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
}

// GCSConf for Google Cloud Storage
type GCSConf struct {
	Bucket          string `mapstructure:"bucket"`
	CredentialsPath string `mapstructure:"credentials_path"`
	Prefix          string `mapstructure:"prefix"`
}

// AzureConf for Azure Blob Storage
type AzureConf struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
	Prefix        string `mapstructure:"prefix"`
}

// ServiceConf describes one managed service and how to control it
type ServiceConf struct {
	Name         string   `mapstructure:"name"`
	StartCommand []string `mapstructure:"start_command"`
	StopCommand  []string `mapstructure:"stop_command"`
	ProcessName  string   `mapstructure:"process_name"`
}

// DeployConf configures the deploy orchestrator
type DeployConf struct {
	RepositoryURL      string        `mapstructure:"repository_url"`
	Branch             string        `mapstructure:"branch"`
	SkipTests          bool          `mapstructure:"skip_tests"`
	TestCommand        []string      `mapstructure:"test_command"`
	MigrateCommand     []string      `mapstructure:"migrate_command"`
	MigrateTimeout     time.Duration `mapstructure:"migrate_timeout"`
	MigrateRetryDelay  time.Duration `mapstructure:"migrate_retry_delay"`
	HealthCheckWindow  time.Duration `mapstructure:"health_check_window"`
	Services           []ServiceConf `mapstructure:"services"`
	RequiredTools      []string      `mapstructure:"required_tools"`
	OptionalTools      []string      `mapstructure:"optional_tools"`
	MinDiskBytes       uint64        `mapstructure:"min_disk_bytes"`
	KeepReleases       int           `mapstructure:"keep_releases"`
}

// ThresholdsConf holds health probe thresholds; they are configuration
// inputs so the same aggregator serves multiple environments
type ThresholdsConf struct {
	CPUWarnPercent     float64       `mapstructure:"cpu_warn_percent"`
	CPUCritPercent     float64       `mapstructure:"cpu_crit_percent"`
	MemoryWarnPercent  float64       `mapstructure:"memory_warn_percent"`
	MemoryCritPercent  float64       `mapstructure:"memory_crit_percent"`
	DiskWarnPercent    float64       `mapstructure:"disk_warn_percent"`
	DiskCritPercent    float64       `mapstructure:"disk_crit_percent"`
	ResponseTimeWarn   time.Duration `mapstructure:"response_time_warn"`
	ResponseTimeCrit   time.Duration `mapstructure:"response_time_crit"`
	QueryLatencyWarn   time.Duration `mapstructure:"query_latency_warn"`
	QueryLatencyCrit   time.Duration `mapstructure:"query_latency_crit"`
}

// HealthConf configures the health aggregator
type HealthConf struct {
	APIBaseURL    string         `mapstructure:"api_base_url"`
	LivenessPath  string         `mapstructure:"liveness_path"`
	ReadinessPath string         `mapstructure:"readiness_path"`
	Processes     []string       `mapstructure:"processes"`
	ProbeTimeout  time.Duration  `mapstructure:"probe_timeout"`
	Thresholds    ThresholdsConf `mapstructure:"thresholds"`
}

// WebhookConf for generic webhook notifications
type WebhookConf struct {
	URL     string            `mapstructure:"url"`
	Method  string            `mapstructure:"method"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

// ChatConf for chat-style webhook notifications
type ChatConf struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
	Username   string `mapstructure:"username"`
}

// EmailConf for SMTP notifications
type EmailConf struct {
	SMTPHost string   `mapstructure:"smtp_host"`
	SMTPPort int      `mapstructure:"smtp_port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

// FileSinkConf for file-appended notifications
type FileSinkConf struct {
	Path string `mapstructure:"path"`
}

// NotifyConf configures the notification dispatcher
type NotifyConf struct {
	Enabled bool          `mapstructure:"enabled"`
	Webhook *WebhookConf  `mapstructure:"webhook"`
	Chat    *ChatConf     `mapstructure:"chat"`
	Email   *EmailConf    `mapstructure:"email"`
	File    *FileSinkConf `mapstructure:"file"`
}

// LoggingConf configures logging output
type LoggingConf struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// TimeoutsConf bounds every blocking external call
type TimeoutsConf struct {
	Connect time.Duration `mapstructure:"connect"`
	Command time.Duration `mapstructure:"command"`
	Fetch   time.Duration `mapstructure:"fetch"`
}

// RetentionConf controls how long backup bundles are kept
type RetentionConf struct {
	Days       int `mapstructure:"days"`
	MaxBundles int `mapstructure:"max_bundles"`
}

// SetDefaults registers default values on the given viper instance
func SetDefaults(v *viper.Viper) {
	v.SetDefault("environment", string(EnvDevelopment))

	v.SetDefault("paths.app_dir", "/opt/stackapp/current")
	v.SetDefault("paths.config_dir", "/etc/stackapp")
	v.SetDefault("paths.logs_dir", "/var/log/stackapp")
	v.SetDefault("paths.user_data_dir", "/var/lib/stackapp/data")
	v.SetDefault("paths.backup_dir", "/var/backups/stackapp")
	v.SetDefault("paths.staging_dir", "/tmp/stackops")
	v.SetDefault("paths.releases_dir", "/opt/stackapp/releases")
	v.SetDefault("paths.lock_dir", "/var/run/stackops")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.dump_binary", "mysqldump")
	v.SetDefault("database.client_binary", "mysql")
	v.SetDefault("database.timeout", 30*time.Second)

	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.snapshot_path", "/var/lib/redis/dump.rdb")
	v.SetDefault("cache.save_max_wait", 2*time.Minute)
	v.SetDefault("cache.timeout", 10*time.Second)

	v.SetDefault("backup.compression_type", "gzip")
	v.SetDefault("backup.compression_level", 6)
	v.SetDefault("backup.exclude_patterns", []string{
		"*.tmp", "*.pyc", "__pycache__", ".git", "node_modules", ".venv",
	})
	v.SetDefault("backup.timestamp_column", "updated_at")
	v.SetDefault("backup.verify_after_backup", true)
	v.SetDefault("backup.remote.timeout", 5*time.Minute)

	v.SetDefault("deploy.branch", "main")
	v.SetDefault("deploy.migrate_timeout", 5*time.Minute)
	v.SetDefault("deploy.migrate_retry_delay", 5*time.Second)
	v.SetDefault("deploy.health_check_window", 60*time.Second)
	v.SetDefault("deploy.required_tools", []string{"mysqldump", "mysql"})
	v.SetDefault("deploy.min_disk_bytes", uint64(1<<30))
	v.SetDefault("deploy.keep_releases", 3)

	v.SetDefault("health.liveness_path", "/health")
	v.SetDefault("health.readiness_path", "/health/ready")
	v.SetDefault("health.probe_timeout", 10*time.Second)
	v.SetDefault("health.thresholds.cpu_warn_percent", 80.0)
	v.SetDefault("health.thresholds.cpu_crit_percent", 95.0)
	v.SetDefault("health.thresholds.memory_warn_percent", 85.0)
	v.SetDefault("health.thresholds.memory_crit_percent", 95.0)
	v.SetDefault("health.thresholds.disk_warn_percent", 80.0)
	v.SetDefault("health.thresholds.disk_crit_percent", 90.0)
	v.SetDefault("health.thresholds.response_time_warn", 500*time.Millisecond)
	v.SetDefault("health.thresholds.response_time_crit", 2*time.Second)
	v.SetDefault("health.thresholds.query_latency_warn", 100*time.Millisecond)
	v.SetDefault("health.thresholds.query_latency_crit", time.Second)

	v.SetDefault("logging.level", "normal")
	v.SetDefault("logging.format", "text")

	v.SetDefault("timeouts.connect", 5*time.Second)
	v.SetDefault("timeouts.command", 10*time.Minute)
	v.SetDefault("timeouts.fetch", 2*time.Minute)

	v.SetDefault("retention.days", 30)
	v.SetDefault("retention.max_bundles", 20)
}

// Load builds a validated Config from the given viper instance
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration for internal consistency
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("invalid environment %q: must be one of development, staging, production", c.Environment)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database.database is required")
	}
	if c.Database.Username == "" {
		return fmt.Errorf("database.username is required")
	}

	switch c.Backup.CompressionType {
	case "gzip", "zstd", "lz4", "none":
	default:
		return fmt.Errorf("invalid backup.compression_type %q: must be one of gzip, zstd, lz4, none", c.Backup.CompressionType)
	}

	if c.Backup.CompressionLevel < 0 || c.Backup.CompressionLevel > 9 {
		return fmt.Errorf("backup.compression_level must be between 0 and 9, got %d", c.Backup.CompressionLevel)
	}

	if c.Backup.Encryption.Enabled && c.Backup.Encryption.Passphrase == "" {
		return fmt.Errorf("backup.encryption.passphrase is required when encryption is enabled")
	}

	if len(c.Backup.IncrementalTables) > 0 {
		if !identifierPattern.MatchString(c.Backup.TimestampColumn) {
			return fmt.Errorf("backup.timestamp_column %q must be a plain SQL identifier", c.Backup.TimestampColumn)
		}
	}

	if c.Backup.Remote.Enabled {
		switch strings.ToLower(c.Backup.Remote.Provider) {
		case "s3":
			if c.Backup.Remote.S3.Bucket == "" {
				return fmt.Errorf("backup.remote.s3.bucket is required for the s3 provider")
			}
		case "gcs":
			if c.Backup.Remote.GCS.Bucket == "" {
				return fmt.Errorf("backup.remote.gcs.bucket is required for the gcs provider")
			}
		case "azure":
			if c.Backup.Remote.Azure.ContainerName == "" {
				return fmt.Errorf("backup.remote.azure.container_name is required for the azure provider")
			}
		default:
			return fmt.Errorf("invalid backup.remote.provider %q: must be one of s3, gcs, azure", c.Backup.Remote.Provider)
		}
	}

	if c.Retention.Days <= 0 {
		return fmt.Errorf("retention.days must be positive, got %d", c.Retention.Days)
	}

	for i, svc := range c.Deploy.Services {
		if svc.Name == "" {
			return fmt.Errorf("deploy.services[%d].name is required", i)
		}
		if len(svc.StartCommand) == 0 || len(svc.StopCommand) == 0 {
			return fmt.Errorf("deploy.services[%d] (%s) needs both start_command and stop_command", i, svc.Name)
		}
	}

	return nil
}

// IncrementalTableSet returns the allow-list of mutable tables for
// incremental database dumps as a lookup set. Tables outside the list
// are always captured in full.
func (c *Config) IncrementalTableSet() map[string]bool {
	set := make(map[string]bool, len(c.Backup.IncrementalTables))
	for _, t := range c.Backup.IncrementalTables {
		set[t] = true
	}
	return set
}
