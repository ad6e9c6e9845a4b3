package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // "console" or "json"
	} `yaml:"log"`

	Clinic ClinicConfig `yaml:"clinic"`

	Database struct {
		Path          string `yaml:"path"`
		BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
	} `yaml:"database"`

	Backup BackupConfig `yaml:"backup"`

	Redis struct {
		Address             string `yaml:"address"`
		Password            string `yaml:"password"`
		DB                  int    `yaml:"db"`
		SlotCacheTTLSeconds int    `yaml:"slot_cache_ttl_seconds"`
	} `yaml:"redis"`

	HTTP struct {
		Address       string  `yaml:"address"`
		RatePerSecond float64 `yaml:"rate_per_second"`
		Burst         int     `yaml:"burst"`
	} `yaml:"http"`

	Monitoring struct {
		HealthCheckPort   int  `yaml:"health_check_port"`
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Booking struct {
		TxTimeoutSeconds    int  `yaml:"tx_timeout_seconds"`
		AllowUnscheduled    bool `yaml:"allow_unscheduled"`
		ReminderHoursBefore int  `yaml:"reminder_hours_before"`
	} `yaml:"booking"`

	Notifications NotificationsConfig `yaml:"notifications"`

	Audit AuditConfig `yaml:"audit"`

	// ClinicFile points to clinic.yaml with doctors, rooms and windows.
	ClinicFile string `yaml:"clinic_file"`
}

// ClinicConfig fixes the clinic's time zone and booking grid.
type ClinicConfig struct {
	Timezone    string `yaml:"timezone"`
	OpenHour    int    `yaml:"open_hour"`
	CloseHour   int    `yaml:"close_hour"`
	GridMinutes int    `yaml:"grid_minutes"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	IntervalHours int    `yaml:"interval_hours"`
	StoragePath   string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// AuditConfig drives the monthly xlsx export sent to admin users.
type AuditConfig struct {
	Enabled       bool `yaml:"enabled"`
	ExportOnStart bool `yaml:"export_on_start"`
	// RetentionDays bounds how long cancelled and rescheduled appointments
	// are kept after the export.
	RetentionDays int `yaml:"retention_days"`
}

type NotificationsConfig struct {
	Workers         int     `yaml:"workers"`
	QueueSize       int     `yaml:"queue_size"`
	RatePerSecond   float64 `yaml:"rate_per_second"`
	Burst           int     `yaml:"burst"`
	MaxRetries      int     `yaml:"max_retries"`
	TelegramToken   string  `yaml:"telegram_token"`
	ReminderCheckMS int     `yaml:"reminder_check_interval_ms"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Support ${ENV_VAR} placeholders in YAML config.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Clinic.Timezone == "" {
		c.Clinic.Timezone = "America/Santiago"
	}
	if c.Clinic.OpenHour == 0 && c.Clinic.CloseHour == 0 {
		c.Clinic.OpenHour, c.Clinic.CloseHour = 8, 20
	}
	if c.Clinic.GridMinutes == 0 {
		c.Clinic.GridMinutes = 15
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/citas.db"
	}
	if c.Database.BusyTimeoutMS == 0 {
		c.Database.BusyTimeoutMS = 5000
	}
	if c.HTTP.Address == "" {
		c.HTTP.Address = ":8080"
	}
	if c.HTTP.RatePerSecond > 0 && c.HTTP.Burst == 0 {
		c.HTTP.Burst = int(c.HTTP.RatePerSecond) * 2
	}
	if c.Monitoring.HealthCheckPort == 0 {
		c.Monitoring.HealthCheckPort = 8090
	}
	if c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Booking.TxTimeoutSeconds == 0 {
		c.Booking.TxTimeoutSeconds = 5
	}
	if c.Booking.ReminderHoursBefore == 0 {
		c.Booking.ReminderHoursBefore = 24
	}
	if c.Notifications.Workers == 0 {
		c.Notifications.Workers = 4
	}
	if c.Notifications.QueueSize == 0 {
		c.Notifications.QueueSize = 256
	}
	if c.Notifications.RatePerSecond == 0 {
		c.Notifications.RatePerSecond = 25
	}
	if c.Notifications.Burst == 0 {
		c.Notifications.Burst = 5
	}
	if c.Notifications.MaxRetries == 0 {
		c.Notifications.MaxRetries = 3
	}
	if c.Backup.IntervalHours == 0 {
		c.Backup.IntervalHours = 24
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "data/backups"
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 365
	}
	if c.ClinicFile == "" {
		c.ClinicFile = "configs/clinic.yaml"
	}
}

// Validate checks values defaults cannot fix.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Clinic.Timezone); err != nil {
		return fmt.Errorf("clinic.timezone: %w", err)
	}
	if c.Clinic.OpenHour < 0 || c.Clinic.CloseHour > 24 || c.Clinic.OpenHour >= c.Clinic.CloseHour {
		return fmt.Errorf("clinic: open_hour %d must be before close_hour %d", c.Clinic.OpenHour, c.Clinic.CloseHour)
	}
	if c.Clinic.GridMinutes <= 0 || 60%c.Clinic.GridMinutes != 0 {
		return fmt.Errorf("clinic.grid_minutes must divide 60, got %d", c.Clinic.GridMinutes)
	}
	if c.Booking.TxTimeoutSeconds < 0 {
		return fmt.Errorf("booking.tx_timeout_seconds cannot be negative")
	}
	if c.Booking.ReminderHoursBefore < 0 {
		return fmt.Errorf("booking.reminder_hours_before cannot be negative")
	}
	if c.Notifications.Workers < 0 || c.Notifications.QueueSize < 0 {
		return fmt.Errorf("notifications: workers and queue_size cannot be negative")
	}
	return nil
}

func (c *Config) TxTimeout() time.Duration {
	return time.Duration(c.Booking.TxTimeoutSeconds) * time.Second
}

func (c *Config) ReminderLead() time.Duration {
	return time.Duration(c.Booking.ReminderHoursBefore) * time.Hour
}

func (c *Config) SlotCacheTTL() time.Duration {
	return time.Duration(c.Redis.SlotCacheTTLSeconds) * time.Second
}

func (c *Config) BackupInterval() time.Duration {
	return time.Duration(c.Backup.IntervalHours) * time.Hour
}

func (c *Config) ReminderCheckInterval() time.Duration {
	if c.Notifications.ReminderCheckMS <= 0 {
		return time.Minute
	}
	return time.Duration(c.Notifications.ReminderCheckMS) * time.Millisecond
}
