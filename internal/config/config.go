package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete orchestrator configuration
type Config struct {
	App          AppConfig          `yaml:"app"`
	Database     DatabaseConfig     `yaml:"database"`
	RabbitMQ     RabbitMQConfig     `yaml:"rabbitmq"`
	Logging      LoggingConfig      `yaml:"logging"`
	Automation   AutomationConfig   `yaml:"automation"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	Confirmation ConfirmationConfig `yaml:"confirmation"`
	Registration RegistrationConfig `yaml:"registration"`
	Ops          OpsConfig          `yaml:"ops"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds the wake-up queue configuration. The upstream
// producer publishes application IDs here after inserting them; the
// dispatcher treats the messages as advisory.
type RabbitMQConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	User          string        `yaml:"user"`
	Password      string        `yaml:"password"`
	VHost         string        `yaml:"vhost"`
	Exchange      string        `yaml:"exchange"`
	ExchangeType  string        `yaml:"exchange_type"`
	Queue         string        `yaml:"queue"`
	RoutingKey    string        `yaml:"routing_key"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AutomationConfig holds automation engine connection settings
type AutomationConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	SubmitAttempts int           `yaml:"submit_attempts"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxSteps       int           `yaml:"max_steps"`
	GoalsPath      string        `yaml:"goals_path"`
}

// TelegramConfig holds the messaging channel configuration. An empty
// token disables the channel and human waits fail open.
type TelegramConfig struct {
	Token string `yaml:"token"`
}

// DispatcherConfig holds scheduler settings
type DispatcherConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxTenants        int           `yaml:"max_tenants"`
	StaleThreshold    time.Duration `yaml:"stale_threshold"`
	ReaperInterval    time.Duration `yaml:"reaper_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
}

// ConfirmationConfig holds human-approval wait settings
type ConfirmationConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	ConfirmTimeout  time.Duration `yaml:"confirm_timeout"`
	PreviewTimeout  time.Duration `yaml:"preview_timeout"`
	QuestionTimeout time.Duration `yaml:"question_timeout"`
}

// RegistrationConfig holds account registration settings
type RegistrationConfig struct {
	DefaultEmail        string        `yaml:"default_email"`
	FlowTTL             time.Duration `yaml:"flow_ttl"`
	VerificationTimeout time.Duration `yaml:"verification_timeout"`
	PasswordLength      int           `yaml:"password_length"`
}

// OpsConfig holds the read-only status HTTP server settings
type OpsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Automation.PollInterval <= 0 {
		c.Automation.PollInterval = 10 * time.Second
	}
	if c.Automation.SubmitAttempts <= 0 {
		c.Automation.SubmitAttempts = 3
	}
	if c.Automation.RequestTimeout <= 0 {
		c.Automation.RequestTimeout = 30 * time.Second
	}
	if c.Automation.MaxSteps <= 0 {
		c.Automation.MaxSteps = 60
	}
	if c.Dispatcher.PollInterval <= 0 {
		c.Dispatcher.PollInterval = 10 * time.Second
	}
	if c.Dispatcher.MaxTenants <= 0 {
		c.Dispatcher.MaxTenants = 4
	}
	if c.Dispatcher.StaleThreshold <= 0 {
		c.Dispatcher.StaleThreshold = 30 * time.Minute
	}
	if c.Dispatcher.ReaperInterval <= 0 {
		c.Dispatcher.ReaperInterval = 5 * time.Minute
	}
	if c.Dispatcher.HeartbeatInterval <= 0 {
		c.Dispatcher.HeartbeatInterval = 30 * time.Second
	}
	if c.Dispatcher.LeaseTTL <= 0 {
		c.Dispatcher.LeaseTTL = 15 * time.Minute
	}
	if c.Confirmation.PollInterval <= 0 {
		c.Confirmation.PollInterval = 3 * time.Second
	}
	if c.Confirmation.ConfirmTimeout <= 0 {
		c.Confirmation.ConfirmTimeout = 300 * time.Second
	}
	if c.Confirmation.PreviewTimeout <= 0 {
		c.Confirmation.PreviewTimeout = 600 * time.Second
	}
	if c.Confirmation.QuestionTimeout <= 0 {
		c.Confirmation.QuestionTimeout = 300 * time.Second
	}
	if c.Registration.FlowTTL <= 0 {
		c.Registration.FlowTTL = 30 * time.Minute
	}
	if c.Registration.VerificationTimeout <= 0 {
		c.Registration.VerificationTimeout = 300 * time.Second
	}
	if c.Registration.PasswordLength < 16 {
		c.Registration.PasswordLength = 16
	}
	if c.Ops.ShutdownTimeout <= 0 {
		c.Ops.ShutdownTimeout = 10 * time.Second
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.Automation.BaseURL == "" {
		return fmt.Errorf("automation base_url is required")
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Queue == "" {
			return fmt.Errorf("rabbitmq queue name is required")
		}
	}

	if c.Ops.Enabled {
		if c.Ops.Port < MinPort || c.Ops.Port > MaxPort {
			return fmt.Errorf("invalid ops port: %d (must be between %d and %d)", c.Ops.Port, MinPort, MaxPort)
		}
	}

	return nil
}
