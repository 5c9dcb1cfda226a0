package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	Server        struct {
		Port            int           `mapstructure:"port"`
		TLSPort         int           `mapstructure:"tls_port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	DB struct {
		Driver      string `mapstructure:"driver"`
		Host        string `mapstructure:"host"`
		Port        int    `mapstructure:"port"`
		User        string `mapstructure:"user"`
		Password    string `mapstructure:"password"`
		Name        string `mapstructure:"name"`
		SSLMode     string `mapstructure:"sslmode"`
		Path        string `mapstructure:"path"`
		MaxConns    int32  `mapstructure:"max_conns"`
		AutoMigrate bool   `mapstructure:"auto_migrate"`
	} `mapstructure:"db"`
	Generator struct {
		BaseURL     string        `mapstructure:"base_url"`
		APIKey      string        `mapstructure:"api_key"`
		Model       string        `mapstructure:"model"`
		Temperature float64       `mapstructure:"temperature"`
		MaxTokens   int           `mapstructure:"max_tokens"`
		Timeout     time.Duration `mapstructure:"timeout"`
	} `mapstructure:"generator"`
	Workflow struct {
		MaxAttempts    int           `mapstructure:"max_attempts"`
		InitialBackoff time.Duration `mapstructure:"initial_backoff"`
		MaxBackoff     time.Duration `mapstructure:"max_backoff"`
		RunTimeout     time.Duration `mapstructure:"run_timeout"`
		MinWords       int           `mapstructure:"min_words"`
	} `mapstructure:"workflow"`
	Progress struct {
		Capacity  int           `mapstructure:"capacity"`
		Retention time.Duration `mapstructure:"retention"`
	} `mapstructure:"progress"`
	RateLimit struct {
		StartsPerMinute float64 `mapstructure:"starts_per_minute"`
		Burst           int     `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Auth struct {
		OktaDomain      string `mapstructure:"okta_domain"`
		ClientID        string `mapstructure:"client_id"`
		ClientSecret    string `mapstructure:"client_secret"`
		RedirectURL     string `mapstructure:"redirect_url"`
		SwaggerClientID string `mapstructure:"swagger_client_id"`
	} `mapstructure:"auth"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`

	// ConfigFile is the config file that was read, empty when running on
	// defaults and environment only.
	ConfigFile string `mapstructure:"-"`
}

// IsDev reports whether the service runs in the DEV environment.
func (c *Config) IsDev() bool {
	return strings.EqualFold(c.Environment, "DEV")
}

// PostgresDSN builds the pgx connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

// LoadConfig loads the configuration from an optional .env file, a config
// file and the environment. Environment variables use the SCRIPTFORGE_
// prefix with dots replaced by underscores (SCRIPTFORGE_DB_HOST).
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		// .env in the working directory is optional
		_ = godotenv.Load()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("SCRIPTFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	config.ConfigFile = v.ConfigFileUsed()

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)
	config.DB.Driver = strings.ToLower(strings.TrimSpace(config.DB.Driver))

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var problems []string
	switch c.DB.Driver {
	case "postgres", "sqlite", "memory":
	default:
		problems = append(problems, fmt.Sprintf("db.driver %q must be postgres, sqlite or memory", c.DB.Driver))
	}
	if c.DB.Driver == "sqlite" && strings.TrimSpace(c.DB.Path) == "" {
		problems = append(problems, "db.path is required for the sqlite driver")
	}
	if c.Workflow.MaxAttempts < 1 {
		problems = append(problems, "workflow.max_attempts must be at least 1")
	}
	if c.Workflow.RunTimeout <= 0 {
		problems = append(problems, "workflow.run_timeout must be positive")
	}
	if c.Progress.Capacity < 1 {
		problems = append(problems, "progress.capacity must be at least 1")
	}
	if c.Progress.Retention <= 0 {
		problems = append(problems, "progress.retention must be positive")
	}
	if c.TLS.Enable && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		problems = append(problems, "tls.cert_file and tls.key_file are required when tls is enabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "PROD")
	v.SetDefault("dev_mode_bypass", false)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.tls_port", 8443)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "scriptforge")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "scriptforge")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.path", "scriptforge.db")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.auto_migrate", true)

	v.SetDefault("generator.base_url", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("generator.api_key", "")
	v.SetDefault("generator.model", "gpt-4o-mini")
	v.SetDefault("generator.temperature", 0.7)
	v.SetDefault("generator.max_tokens", 2048)
	v.SetDefault("generator.timeout", 60*time.Second)

	v.SetDefault("workflow.max_attempts", 3)
	v.SetDefault("workflow.initial_backoff", 500*time.Millisecond)
	v.SetDefault("workflow.max_backoff", 5*time.Second)
	v.SetDefault("workflow.run_timeout", 5*time.Minute)
	v.SetDefault("workflow.min_words", 50)

	v.SetDefault("progress.capacity", 10000)
	v.SetDefault("progress.retention", 30*time.Minute)

	v.SetDefault("rate_limit.starts_per_minute", 6)
	v.SetDefault("rate_limit.burst", 3)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")

	v.SetDefault("auth.okta_domain", "")
	v.SetDefault("auth.client_id", "")
	v.SetDefault("auth.client_secret", "")
	v.SetDefault("auth.redirect_url", "")
	v.SetDefault("auth.swagger_client_id", "")

	v.SetDefault("tls.enable", false)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.hostnames", []string{})
}

// normalizeOktaIssuer ensures the provided Okta issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact. This allows users to paste the full URL from the Okta admin
// console without worrying about double prefixes.
func normalizeOktaIssuer(input string) string {
	iss := strings.TrimSpace(input)
	return strings.TrimRight(iss, "/")
}
