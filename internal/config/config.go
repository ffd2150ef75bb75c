package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App    AppConfig    `mapstructure:"app"`
	Server ServerConfig `mapstructure:"server"`
	Backup BackupConfig `mapstructure:"backup"`

	// File is the configuration file actually read, copied by -CONFIG=ON.
	File string
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

type ServerConfig struct {
	DataDir    string `mapstructure:"data_dir"`
	EngineFile string `mapstructure:"engine_file"`
	AdminAddr  string `mapstructure:"admin_addr"`
	StateDir   string `mapstructure:"state_dir"`
}

type BackupConfig struct {
	DefaultDir        string         `mapstructure:"default_dir"`
	Defaults          DefaultOptions `mapstructure:"defaults"`
	ReservedDatabases []string       `mapstructure:"reserved_databases"`
	PollInterval      time.Duration  `mapstructure:"poll_interval"`
	StepPages         int            `mapstructure:"step_pages"`
	CopyBufferSize    int            `mapstructure:"copy_buffer_size"`
	CheckFreeSpace    bool           `mapstructure:"check_free_space"`
	Schedule          string         `mapstructure:"schedule"`
	ScheduleDir       string         `mapstructure:"schedule_dir"`
	CleanupSchedule   string         `mapstructure:"cleanup_schedule"`
	RetentionDays     int            `mapstructure:"retention_days"`
	Archive           ArchiveConfig  `mapstructure:"archive"`
	NotifyOnSuccess   bool           `mapstructure:"notify_on_success"`
	UploadTargets     []UploadTarget `mapstructure:"upload_targets"`
}

type DefaultOptions struct {
	MyISAM   bool `mapstructure:"myisam"`
	System   bool `mapstructure:"system"`
	Config   bool `mapstructure:"config"`
	EmptyDir bool `mapstructure:"empty_dir"`
}

type ArchiveConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Dir              string `mapstructure:"dir"`
	CompressionLevel int    `mapstructure:"compression_level"`
}

type UploadTarget struct {
	Type    string `mapstructure:"type"`
	Enabled bool   `mapstructure:"enabled"`

	// Google Drive
	CredentialsFile string `mapstructure:"credentials_file"`
	TokenFile       string `mapstructure:"token_file"`
	FolderID        string `mapstructure:"folder_id"`

	// AWS S3 and compatible stores
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
	Endpoint  string `mapstructure:"endpoint"`

	// Telegram
	BotToken   string `mapstructure:"bot_token"`
	ChatID     string `mapstructure:"chat_id"`
	SendFile   bool   `mapstructure:"send_file"`
	NotifyOnly bool   `mapstructure:"notify_only"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("CUSTOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if used := v.ConfigFileUsed(); used != "" {
		abs, err := filepath.Abs(used)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path: %w", err)
		}
		cfg.File = abs
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dataDir, err := filepath.Abs(cfg.Server.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data dir: %w", err)
	}
	cfg.Server.DataDir = dataDir

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "custos")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("server.engine_file", "custos.db")
	v.SetDefault("server.admin_addr", "127.0.0.1:7480")
	v.SetDefault("server.state_dir", "./state")

	v.SetDefault("backup.reserved_databases", []string{"mysql", "performance_schema", "sys"})
	v.SetDefault("backup.poll_interval", 100*time.Millisecond)
	v.SetDefault("backup.step_pages", 64)
	v.SetDefault("backup.copy_buffer_size", 1<<20)
	v.SetDefault("backup.check_free_space", true)
	v.SetDefault("backup.retention_days", 7)
	v.SetDefault("backup.archive.compression_level", -1)
}

func (c *Config) Validate() error {
	if c.Server.DataDir == "" {
		return fmt.Errorf("server.data_dir is required")
	}
	if c.Server.EngineFile == "" {
		return fmt.Errorf("server.engine_file is required")
	}
	if strings.ContainsRune(c.Server.EngineFile, filepath.Separator) {
		return fmt.Errorf("server.engine_file must be a file name, got %q", c.Server.EngineFile)
	}
	if c.Server.StateDir == "" {
		return fmt.Errorf("server.state_dir is required")
	}

	if c.Backup.PollInterval <= 0 {
		return fmt.Errorf("backup.poll_interval must be positive")
	}
	if c.Backup.StepPages <= 0 {
		return fmt.Errorf("backup.step_pages must be positive")
	}
	if c.Backup.CopyBufferSize <= 0 {
		return fmt.Errorf("backup.copy_buffer_size must be positive")
	}
	if c.Backup.Schedule != "" && c.Backup.ScheduleDir == "" {
		return fmt.Errorf("backup.schedule_dir is required when backup.schedule is set")
	}
	if c.Backup.CleanupSchedule != "" && c.Backup.RetentionDays <= 0 {
		return fmt.Errorf("backup.retention_days must be positive when backup.cleanup_schedule is set")
	}

	if c.Backup.Archive.Enabled {
		if c.Backup.Archive.Dir == "" {
			return fmt.Errorf("backup.archive.dir is required when archiving is enabled")
		}
		if l := c.Backup.Archive.CompressionLevel; l < -2 || l > 9 {
			return fmt.Errorf("backup.archive.compression_level must be between -2 and 9, got %d", l)
		}
	}

	for i, target := range c.Backup.UploadTargets {
		if !target.Enabled {
			continue
		}
		if err := target.validate(); err != nil {
			return fmt.Errorf("backup.upload_targets[%d]: %w", i, err)
		}
	}

	return nil
}

func (t UploadTarget) validate() error {
	switch t.Type {
	case "s3":
		if t.Bucket == "" {
			return fmt.Errorf("bucket is required for s3")
		}
	case "gdrive":
		if t.CredentialsFile == "" {
			return fmt.Errorf("credentials_file is required for gdrive")
		}
	case "telegram":
		if t.BotToken == "" || t.ChatID == "" {
			return fmt.Errorf("bot_token and chat_id are required for telegram")
		}
	default:
		return fmt.Errorf("unknown upload target type %q", t.Type)
	}
	return nil
}

func (c *Config) GetEnabledUploadTargets() []UploadTarget {
	var enabled []UploadTarget
	for _, target := range c.Backup.UploadTargets {
		if target.Enabled {
			enabled = append(enabled, target)
		}
	}
	return enabled
}

// EnginePath is the absolute location of the embedded engine database.
func (c *Config) EnginePath() string {
	return filepath.Join(c.Server.DataDir, c.Server.EngineFile)
}
