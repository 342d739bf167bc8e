package config

import "time"

// RateLimitConfig controls the fixed-window limiter in front of the public
// webhook and return endpoints.  Limit requests are allowed per Window for
// each client key.
type RateLimitConfig struct {
	Enabled bool
	Limit   int
	Window  time.Duration
	Prefix  string
}

func LoadRateLimitConfig() RateLimitConfig {
	c := RateLimitConfig{
		Enabled: envBool("RATE_LIMIT_ENABLED", true),
		Limit:   envInt("RATE_LIMIT_LIMIT", 120),
		Window:  envDur("RATE_LIMIT_WINDOW", time.Minute),
		Prefix:  envStr("RATE_LIMIT_PREFIX", "rl"),
	}
	if c.Limit < 1 {
		c.Limit = 1
	}
	if c.Window < time.Second {
		c.Window = time.Second
	}
	return c
}

// DispatchConfig tunes post-commit event delivery.  Backoff is the delay
// before the second attempt and doubles on each retry.  SyncTimeout bounds
// each synchronous subscriber attempt.
type DispatchConfig struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	Backoff     time.Duration
	SyncTimeout time.Duration
}

func LoadDispatchConfig() DispatchConfig {
	c := DispatchConfig{
		Workers:     envInt("DISPATCH_WORKERS", 4),
		QueueSize:   envInt("DISPATCH_QUEUE_SIZE", 256),
		MaxAttempts: envInt("DISPATCH_MAX_ATTEMPTS", 5),
		Backoff:     envDur("DISPATCH_BACKOFF", 200*time.Millisecond),
		SyncTimeout: envDur("DISPATCH_SYNC_TIMEOUT", 3*time.Second),
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.QueueSize < 1 {
		c.QueueSize = 1
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	return c
}
