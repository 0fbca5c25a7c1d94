package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS / SNS push config
	AWSRegion string
	SNSRegion string // AWS region for the SNS platform application

	// PushDriver selects the outbound transport: "sns" or "log".
	// The log driver prints sends instead of delivering them, which is
	// what local development wants.
	PushDriver string

	// Scheduler config
	SweepHour int // local wall-clock hour for the daily reminder sweep

	// Dispatch config
	DispatchConcurrency int // max recipients processed in parallel
	HistoryTTLDays      int // delivery history retention

	// Rate limiting
	RateLimitPerMinute int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "showtime",
		DBPassword: "",
		DBName:     "showtime",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:  "us-east-1",
		PushDriver: "log",

		SweepHour:           6,
		DispatchConcurrency: 8,
		HistoryTTLDays:      30,
		RateLimitPerMinute:  120,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	// SNS config for push
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if driver := os.Getenv("PUSH_DRIVER"); driver != "" {
		if driver != "sns" && driver != "log" {
			return nil, fmt.Errorf("invalid PUSH_DRIVER: %q", driver)
		}
		cfg.PushDriver = driver
	}

	// Scheduler config
	if hour := os.Getenv("SWEEP_HOUR"); hour != "" {
		h, err := strconv.Atoi(hour)
		if err != nil || h < 0 || h > 23 {
			return nil, fmt.Errorf("invalid SWEEP_HOUR: %q", hour)
		}
		cfg.SweepHour = h
	}

	// Dispatch config
	if conc := os.Getenv("DISPATCH_CONCURRENCY"); conc != "" {
		c, err := strconv.Atoi(conc)
		if err != nil || c < 1 {
			return nil, fmt.Errorf("invalid DISPATCH_CONCURRENCY: %q", conc)
		}
		cfg.DispatchConcurrency = c
	}

	if days := os.Getenv("HISTORY_TTL_DAYS"); days != "" {
		d, err := strconv.Atoi(days)
		if err != nil || d < 1 {
			return nil, fmt.Errorf("invalid HISTORY_TTL_DAYS: %q", days)
		}
		cfg.HistoryTTLDays = d
	}

	// Rate limiting
	if limit := os.Getenv("RATE_LIMIT_PER_MINUTE"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil || l < 1 {
			return nil, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %q", limit)
		}
		cfg.RateLimitPerMinute = l
	}

	return cfg, nil
}
