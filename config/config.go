package config

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// DBConfig Database config
type DBConfig struct {
	Type     string `yaml:"type" json:"type"` // postgres or sqlite
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Name     string `yaml:"name" json:"name"`
	User     string `yaml:"user" json:"user"`
	Passwd   string `yaml:"passwd" json:"passwd"`
	MaxConn  int    `yaml:"max_conn" json:"max_conn"`
	IdleConn int    `yaml:"idle_conn" json:"idle_conn"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

// SysConfig system config
type SysConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

// WebConfig admin api config
type WebConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// LogConfig logger config
type LogConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

// BrowserConfig controls the automated web client.
// Timeouts are in seconds.
type BrowserConfig struct {
	EntryURL         string   `yaml:"entry_url" json:"entry_url"`
	Headless         bool     `yaml:"headless" json:"headless"`
	ConnectTimeout   int      `yaml:"connect_timeout" json:"connect_timeout"`
	AuthCheckTimeout int      `yaml:"auth_check_timeout" json:"auth_check_timeout"`
	LoginTimeout     int      `yaml:"login_timeout" json:"login_timeout"`
	UserAgent        string   `yaml:"user_agent" json:"user_agent"`
	ViewportWidth    int      `yaml:"viewport_width" json:"viewport_width"`
	ViewportHeight   int      `yaml:"viewport_height" json:"viewport_height"`
	Args             []string `yaml:"args" json:"args"`
	InstallDriver    bool     `yaml:"install_driver" json:"install_driver"`
	MediaTimeout     int      `yaml:"media_timeout" json:"media_timeout"`
	MediaMaxBytes    int64    `yaml:"media_max_bytes" json:"media_max_bytes"`
}

// QueueConfig message queue processing config
type QueueConfig struct {
	Interval   string `yaml:"interval" json:"interval"` // cron expression
	BatchSize  int    `yaml:"batch_size" json:"batch_size"`
	MaxRetries int    `yaml:"max_retries" json:"max_retries"`
}

// BulkConfig bulk dispatch defaults
type BulkConfig struct {
	MaxWorkers    int `yaml:"max_workers" json:"max_workers"`
	RatePerMinute int `yaml:"rate_per_minute" json:"rate_per_minute"`
}

type AppConfig struct {
	System   SysConfig     `yaml:"system" json:"system"`
	Web      WebConfig     `yaml:"web" json:"web"`
	Database DBConfig      `yaml:"database" json:"database"`
	Logger   LogConfig     `yaml:"logger" json:"logger"`
	Browser  BrowserConfig `yaml:"browser" json:"browser"`
	Queue    QueueConfig   `yaml:"queue" json:"queue"`
	Bulk     BulkConfig    `yaml:"bulk" json:"bulk"`
}

func (c *AppConfig) GetLogDir() string {
	return path.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetDataDir() string {
	return path.Join(c.System.Workdir, "data")
}

func (c *AppConfig) GetBackupDir() string {
	return path.Join(c.System.Workdir, "backup")
}

func (c *AppConfig) initDirs() {
	_ = os.MkdirAll(c.GetLogDir(), 0o700)
	_ = os.MkdirAll(c.GetDataDir(), 0o700)
	_ = os.MkdirAll(c.GetBackupDir(), 0o700)
}

// DefaultAppConfig returns the built-in configuration.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		System: SysConfig{
			Appid:    "WaBlast",
			Location: "Asia/Jakarta",
			Workdir:  "/var/wablast",
		},
		Web: WebConfig{
			Host: "0.0.0.0",
			Port: 1880,
		},
		Database: DBConfig{
			Type:     "sqlite",
			Host:     "127.0.0.1",
			Port:     5432,
			Name:     "wablast",
			User:     "postgres",
			Passwd:   "myroot",
			MaxConn:  100,
			IdleConn: 10,
		},
		Logger: LogConfig{
			Mode:       "development",
			FileEnable: true,
			Filename:   "/var/wablast/logs/wablast.log",
		},
		Browser: BrowserConfig{
			EntryURL:         "https://web.whatsapp.com/",
			Headless:         true,
			ConnectTimeout:   60,
			AuthCheckTimeout: 15,
			LoginTimeout:     120,
			UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			ViewportWidth:    1280,
			ViewportHeight:   800,
			Args:             []string{"--no-sandbox", "--disable-dev-shm-usage", "--disable-gpu"},
			MediaTimeout:     30,
			MediaMaxBytes:    16 << 20,
		},
		Queue: QueueConfig{
			Interval:   "@every 30s",
			BatchSize:  50,
			MaxRetries: 3,
		},
		Bulk: BulkConfig{
			MaxWorkers:    5,
			RatePerMinute: 30,
		},
	}
}

// LoadConfig reads the yaml file (when present), then applies environment overrides.
func LoadConfig(cfile string) *AppConfig {
	cfg := DefaultAppConfig()
	if cfile == "" {
		cfile = "wablast.yml"
	}
	if data, err := os.ReadFile(cfile); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			panic(fmt.Errorf("parse config %s: %w", cfile, err))
		}
	}
	cfg.applyEnv()
	cfg.initDirs()
	return cfg
}

func (c *AppConfig) applyEnv() {
	setEnvValue("WABLAST_SYSTEM_WORKER_DIR", &c.System.Workdir)
	setEnvValue("WABLAST_SYSTEM_LOCATION", &c.System.Location)
	setEnvBoolValue("WABLAST_SYSTEM_DEBUG", &c.System.Debug)

	setEnvValue("WABLAST_WEB_HOST", &c.Web.Host)
	setEnvIntValue("WABLAST_WEB_PORT", &c.Web.Port)

	setEnvValue("WABLAST_DB_TYPE", &c.Database.Type)
	setEnvValue("WABLAST_DB_HOST", &c.Database.Host)
	setEnvValue("WABLAST_DB_NAME", &c.Database.Name)
	setEnvValue("WABLAST_DB_USER", &c.Database.User)
	setEnvValue("WABLAST_DB_PWD", &c.Database.Passwd)
	setEnvIntValue("WABLAST_DB_PORT", &c.Database.Port)
	setEnvBoolValue("WABLAST_DB_DEBUG", &c.Database.Debug)

	setEnvValue("WABLAST_LOGGER_MODE", &c.Logger.Mode)
	setEnvBoolValue("WABLAST_LOGGER_FILE_ENABLE", &c.Logger.FileEnable)

	setEnvValue("WABLAST_BROWSER_ENTRY_URL", &c.Browser.EntryURL)
	setEnvBoolValue("WABLAST_BROWSER_HEADLESS", &c.Browser.Headless)
	setEnvIntValue("WABLAST_BROWSER_CONNECT_TIMEOUT", &c.Browser.ConnectTimeout)
	setEnvIntValue("WABLAST_BROWSER_LOGIN_TIMEOUT", &c.Browser.LoginTimeout)
	setEnvBoolValue("WABLAST_BROWSER_INSTALL_DRIVER", &c.Browser.InstallDriver)

	setEnvValue("WABLAST_QUEUE_INTERVAL", &c.Queue.Interval)
	setEnvIntValue("WABLAST_QUEUE_BATCH_SIZE", &c.Queue.BatchSize)
	setEnvIntValue("WABLAST_QUEUE_MAX_RETRIES", &c.Queue.MaxRetries)

	setEnvIntValue("WABLAST_BULK_MAX_WORKERS", &c.Bulk.MaxWorkers)
	setEnvIntValue("WABLAST_BULK_RATE_PER_MINUTE", &c.Bulk.RatePerMinute)
}

func setEnvValue(name string, val *string) {
	var evalue = os.Getenv(name)
	if evalue != "" {
		*val = evalue
	}
}

func setEnvBoolValue(name string, val *bool) {
	var evalue = os.Getenv(name)
	if evalue != "" {
		*val = cast.ToBool(strings.ToLower(evalue))
	}
}

func setEnvIntValue(name string, val *int) {
	var evalue = os.Getenv(name)
	if evalue == "" {
		return
	}
	if p, err := cast.ToIntE(evalue); err == nil {
		*val = p
	}
}
