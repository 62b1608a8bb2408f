package config

import (
	"fmt"
	"log/slog"
	"time"

	env "github.com/caarlos0/env/v11"
)

// maxTimeoutS caps every payment-flow timeout knob at 10 minutes so a
// misconfigured environment cannot leave flows hanging indefinitely.
const maxTimeoutS = 600

const maxRetries = 10

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	JWTSecret   string `env:"JWT_SECRET,required"`
	Port        int    `env:"PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv      string `env:"APP_ENV" envDefault:"production"`

	PlatformAPIURL string `env:"PI_API_URL" envDefault:"https://api.minepi.com"`
	PlatformAPIKey string `env:"PI_API_KEY"`
	Sandbox        bool   `env:"PI_SANDBOX" envDefault:"true"`

	// Flow-level timeouts, seconds. Distinct from the per-call network
	// timeout below: these bound how long the coordinator waits for the
	// user/platform side of a stage to show up.
	ApprovalTimeoutS   int `env:"PI_APPROVAL_TIMEOUT_S" envDefault:"180"`
	CompletionTimeoutS int `env:"PI_COMPLETION_TIMEOUT_S" envDefault:"180"`
	DetectTimeoutS     int `env:"PI_DETECT_TIMEOUT_S" envDefault:"5"`

	RequestTimeoutS  int `env:"PI_REQUEST_TIMEOUT_S" envDefault:"10"`
	MaxRetries       int `env:"PI_MAX_RETRIES" envDefault:"2"`
	RetryBaseDelayMS int `env:"PI_RETRY_BASE_DELAY_MS" envDefault:"1000"`

	AccessTokenTTLMin   int `env:"ACCESS_TOKEN_TTL_MIN" envDefault:"15"`
	RefreshTokenTTLHour int `env:"REFRESH_TOKEN_TTL_H" envDefault:"168"`

	DBMaxOpenConns     int `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns     int `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBConnMaxLifetimeS int `env:"DB_CONN_MAX_LIFETIME_S" envDefault:"300"`
	DBConnMaxIdleTimeS int `env:"DB_CONN_MAX_IDLE_TIME_S" envDefault:"60"`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	cfg.clamp()
	return &cfg, nil
}

// clamp resets out-of-range knobs to their documented defaults rather than
// failing startup: a bad timeout value should degrade, not brick, the service.
func (c *Config) clamp() {
	clampInt(&c.ApprovalTimeoutS, 180, maxTimeoutS, "PI_APPROVAL_TIMEOUT_S")
	clampInt(&c.CompletionTimeoutS, 180, maxTimeoutS, "PI_COMPLETION_TIMEOUT_S")
	clampInt(&c.DetectTimeoutS, 5, maxTimeoutS, "PI_DETECT_TIMEOUT_S")
	clampInt(&c.RequestTimeoutS, 10, maxTimeoutS, "PI_REQUEST_TIMEOUT_S")
	clampInt(&c.MaxRetries, 2, maxRetries, "PI_MAX_RETRIES")
	clampInt(&c.RetryBaseDelayMS, 1000, maxTimeoutS*1000, "PI_RETRY_BASE_DELAY_MS")
}

func clampInt(v *int, def, ceiling int, name string) {
	if *v < 0 || *v > ceiling {
		slog.Warn("config value out of range, using default", "knob", name, "value", *v, "default", def)
		*v = def
	}
	if *v == 0 && def != 0 {
		*v = def
	}
}

func (c *Config) ApprovalTimeout() time.Duration   { return time.Duration(c.ApprovalTimeoutS) * time.Second }
func (c *Config) CompletionTimeout() time.Duration { return time.Duration(c.CompletionTimeoutS) * time.Second }
func (c *Config) DetectTimeout() time.Duration     { return time.Duration(c.DetectTimeoutS) * time.Second }
func (c *Config) RequestTimeout() time.Duration    { return time.Duration(c.RequestTimeoutS) * time.Second }
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}
