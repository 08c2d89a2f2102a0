package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upload   UploadConfig   `yaml:"upload"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	Oracle   OracleConfig   `yaml:"oracle"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	Users    []User         `yaml:"users"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimit       int           `yaml:"rate_limit"` // requests per minute per client IP
}

type UploadConfig struct {
	Dir               string   `yaml:"dir"`
	MaxSizeMB         int64    `yaml:"max_size_mb"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

// MaxBytes returns the upload limit in bytes
func (u UploadConfig) MaxBytes() int64 {
	return u.MaxSizeMB << 20
}

type StorageConfig struct {
	Backend string      `yaml:"backend"` // local, minio
	Minio   MinioConfig `yaml:"minio"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type OracleConfig struct {
	Provider         string        `yaml:"provider"` // gemini, openai
	APIKey           string        `yaml:"api_key"`
	Model            string        `yaml:"model"`
	BaseURL          string        `yaml:"base_url"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	Temperature      *float64      `yaml:"temperature"`
	StructuredOutput *bool         `yaml:"structured_output"`
}

const defaultTemperature = 0.4

// SamplingTemperature returns the configured temperature; an explicit 0 is kept
func (o OracleConfig) SamplingTemperature() float64 {
	if o.Temperature == nil {
		return defaultTemperature
	}
	return *o.Temperature
}

// Structured reports whether schema-constrained output is requested
func (o OracleConfig) Structured() bool {
	return o.StructuredOutput == nil || *o.StructuredOutput
}

type AnalysisConfig struct {
	Async         bool          `yaml:"async"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	StaleAfter    time.Duration `yaml:"stale_after"`
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	TokenExpireHours int    `yaml:"token_expire_hours"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// User is an operator account. PasswordHash is a bcrypt hash.
type User struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	Role         string `yaml:"role"`
}

const (
	RoleAdmin  = "admin"
	RoleEditor = "editor"
)

var GlobalConfig *Config

// Load reads the YAML file at path, then applies defaults and environment
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	GlobalConfig = &cfg
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("UPLOAD_DIR"); v != "" {
		cfg.Upload.Dir = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("SECRET_KEY"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("ORACLE_PROVIDER"); v != "" {
		cfg.Oracle.Provider = v
	}
	if cfg.Oracle.APIKey == "" {
		switch cfg.Oracle.Provider {
		case "openai":
			cfg.Oracle.APIKey = os.Getenv("OPENAI_API_KEY")
		default:
			cfg.Oracle.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.Storage.Minio.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.Storage.Minio.SecretKey = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 60 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		// a synchronous analyze holds the connection for several oracle calls
		cfg.Server.WriteTimeout = 10 * time.Minute
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = 100
	}
	if cfg.Upload.Dir == "" {
		cfg.Upload.Dir = "uploads"
	}
	if cfg.Upload.MaxSizeMB == 0 {
		cfg.Upload.MaxSizeMB = 50
	}
	if len(cfg.Upload.AllowedExtensions) == 0 {
		cfg.Upload.AllowedExtensions = []string{"txt", "pdf", "docx", "doc"}
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.Minio.Bucket == "" {
		cfg.Storage.Minio.Bucket = "manuscripts"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "manuscripts.db"
	}
	if cfg.Oracle.Provider == "" {
		cfg.Oracle.Provider = "gemini"
	}
	if cfg.Oracle.Model == "" {
		switch cfg.Oracle.Provider {
		case "openai":
			cfg.Oracle.Model = "gpt-4o-mini"
		default:
			cfg.Oracle.Model = "gemini-2.0-flash"
		}
	}
	if cfg.Oracle.Timeout == 0 {
		cfg.Oracle.Timeout = 2 * time.Minute
	}
	if cfg.Oracle.MaxAttempts == 0 {
		cfg.Oracle.MaxAttempts = 2
	}
	if cfg.Oracle.RetryDelay == 0 {
		cfg.Oracle.RetryDelay = 2 * time.Second
	}
	if cfg.Analysis.MaxConcurrent == 0 {
		cfg.Analysis.MaxConcurrent = 4
	}
	if cfg.Analysis.StaleAfter == 0 {
		cfg.Analysis.StaleAfter = 30 * time.Minute
	}
	if cfg.Auth.TokenExpireHours == 0 {
		cfg.Auth.TokenExpireHours = 24
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// FindUser finds a user by username
func (c *Config) FindUser(username string) *User {
	for i := range c.Users {
		if c.Users[i].Username == username {
			return &c.Users[i]
		}
	}
	return nil
}

// IsAllowedExtension reports whether ext (without dot, lower case) may be uploaded
func (c *Config) IsAllowedExtension(ext string) bool {
	for _, allowed := range c.Upload.AllowedExtensions {
		if allowed == ext {
			return true
		}
	}
	return false
}
