package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines session timeouts and limits shared by both runtimes.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	// CallTimeout bounds one forward call; zero waits indefinitely.
	CallTimeout    time.Duration
	ReleaseTimeout time.Duration
	ReleaseQueue   int
	Workers        int
	Backoff        BackoffConfig
}

// DefaultConfig returns the defaults used when no config file is given.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		CallTimeout:      0,
		ReleaseTimeout:   5 * time.Second,
		ReleaseQueue:     1024,
		Workers:          10,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   1.0,
			MaxDelay:     500 * time.Millisecond,
			Jitter:       false,
		},
	}
}
