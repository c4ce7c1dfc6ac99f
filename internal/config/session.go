package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/fcbridge/internal/protocol/session"
)

// sessionFile is the [session] table shared by both runtimes. Durations are
// strings in time.ParseDuration form.
type sessionFile struct {
	ConnectTimeout   string      `toml:"connect_timeout"`
	HandshakeTimeout string      `toml:"handshake_timeout"`
	CallTimeout      string      `toml:"call_timeout"`
	ReleaseTimeout   string      `toml:"release_timeout"`
	ReleaseQueue     int         `toml:"release_queue"`
	Workers          int         `toml:"workers"`
	Backoff          backoffFile `toml:"backoff"`
}

type backoffFile struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
}

func applySession(md toml.MetaData, raw sessionFile, cfg *session.Config) error {
	durations := []struct {
		key []string
		src string
		dst *time.Duration
		// zero allowed
		zero bool
	}{
		{[]string{"session", "connect_timeout"}, raw.ConnectTimeout, &cfg.ConnectTimeout, false},
		{[]string{"session", "handshake_timeout"}, raw.HandshakeTimeout, &cfg.HandshakeTimeout, false},
		{[]string{"session", "call_timeout"}, raw.CallTimeout, &cfg.CallTimeout, true},
		{[]string{"session", "release_timeout"}, raw.ReleaseTimeout, &cfg.ReleaseTimeout, false},
		{[]string{"session", "backoff", "initial_delay"}, raw.Backoff.InitialDelay, &cfg.Backoff.InitialDelay, false},
		{[]string{"session", "backoff", "max_delay"}, raw.Backoff.MaxDelay, &cfg.Backoff.MaxDelay, false},
	}
	for _, d := range durations {
		if !md.IsDefined(d.key...) {
			continue
		}
		v, err := parseDuration(strings.Join(d.key, "."), d.src, d.zero)
		if err != nil {
			return err
		}
		*d.dst = v
	}

	if md.IsDefined("session", "release_queue") {
		if raw.ReleaseQueue <= 0 {
			return fmt.Errorf("session.release_queue must be positive, got %d", raw.ReleaseQueue)
		}
		cfg.ReleaseQueue = raw.ReleaseQueue
	}
	if md.IsDefined("session", "workers") {
		if raw.Workers <= 0 {
			return fmt.Errorf("session.workers must be positive, got %d", raw.Workers)
		}
		cfg.Workers = raw.Workers
	}
	if md.IsDefined("session", "backoff", "multiplier") {
		if raw.Backoff.Multiplier < 1 {
			return fmt.Errorf("session.backoff.multiplier must be >= 1, got %v", raw.Backoff.Multiplier)
		}
		cfg.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if md.IsDefined("session", "backoff", "jitter") {
		cfg.Backoff.Jitter = raw.Backoff.Jitter
	}
	if cfg.Backoff.MaxDelay < cfg.Backoff.InitialDelay {
		return fmt.Errorf("session.backoff.max_delay %s is below initial_delay %s", cfg.Backoff.MaxDelay, cfg.Backoff.InitialDelay)
	}
	return nil
}

func parseDuration(key, raw string, zero bool) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 || (d == 0 && !zero) {
		return 0, fmt.Errorf("%s must be positive, got %s", key, raw)
	}
	return d, nil
}
