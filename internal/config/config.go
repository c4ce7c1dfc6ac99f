// Package config loads TOML configuration for both runtimes. Keys left out
// of a file keep the package defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/fcbridge/internal/bridge"
	"github.com/danmuck/fcbridge/internal/remote"
)

// driverFile is the fc-local config.toml key mapping.
type driverFile struct {
	ForwardSocket string      `toml:"forward_socket"`
	ReverseSocket string      `toml:"reverse_socket"`
	Exe           string      `toml:"exe"`
	Trace         string      `toml:"trace"`
	Args          []string    `toml:"args"`
	WaitAttempts  int         `toml:"wait_attempts"`
	Session       sessionFile `toml:"session"`
}

// remoteFile is the fc-remote config.toml key mapping.
type remoteFile struct {
	ForwardSocket string      `toml:"forward_socket"`
	ReverseSocket string      `toml:"reverse_socket"`
	DialAttempts  int         `toml:"dial_attempts"`
	Session       sessionFile `toml:"session"`
}

// LoadDriverConfig overlays the file at path on bridge.DefaultConfig.
func LoadDriverConfig(path string) (bridge.Config, error) {
	cfg := bridge.DefaultConfig()

	var raw driverFile
	md, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return bridge.Config{}, fmt.Errorf("load driver config: %w", err)
	}
	if err := rejectUndecoded(md); err != nil {
		return bridge.Config{}, fmt.Errorf("load driver config: %w", err)
	}

	if md.IsDefined("forward_socket") {
		cfg.ForwardSocket = strings.TrimSpace(raw.ForwardSocket)
	}
	if md.IsDefined("reverse_socket") {
		cfg.ReverseSocket = strings.TrimSpace(raw.ReverseSocket)
	}
	if md.IsDefined("exe") {
		cfg.Exe = strings.TrimSpace(raw.Exe)
	}
	if md.IsDefined("trace") {
		cfg.Trace = strings.TrimSpace(raw.Trace)
	}
	if md.IsDefined("args") {
		cfg.Args = raw.Args
	}
	if md.IsDefined("wait_attempts") {
		if raw.WaitAttempts <= 0 {
			return bridge.Config{}, fmt.Errorf("load driver config: wait_attempts must be positive, got %d", raw.WaitAttempts)
		}
		cfg.WaitAttempts = raw.WaitAttempts
	}
	if err := applySession(md, raw.Session, &cfg.Session); err != nil {
		return bridge.Config{}, fmt.Errorf("load driver config: %w", err)
	}
	if err := validateSockets(cfg.ForwardSocket, cfg.ReverseSocket); err != nil {
		return bridge.Config{}, fmt.Errorf("load driver config: %w", err)
	}
	return cfg, nil
}

// LoadRemoteConfig overlays the file at path on remote.DefaultConfig.
func LoadRemoteConfig(path string) (remote.Config, error) {
	cfg := remote.DefaultConfig()

	var raw remoteFile
	md, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return remote.Config{}, fmt.Errorf("load remote config: %w", err)
	}
	if err := rejectUndecoded(md); err != nil {
		return remote.Config{}, fmt.Errorf("load remote config: %w", err)
	}

	if md.IsDefined("forward_socket") {
		cfg.ForwardSocket = strings.TrimSpace(raw.ForwardSocket)
	}
	if md.IsDefined("reverse_socket") {
		cfg.ReverseSocket = strings.TrimSpace(raw.ReverseSocket)
	}
	if md.IsDefined("dial_attempts") {
		if raw.DialAttempts <= 0 {
			return remote.Config{}, fmt.Errorf("load remote config: dial_attempts must be positive, got %d", raw.DialAttempts)
		}
		cfg.DialAttempts = raw.DialAttempts
	}
	if err := applySession(md, raw.Session, &cfg.Session); err != nil {
		return remote.Config{}, fmt.Errorf("load remote config: %w", err)
	}
	// the remote may take its socket paths from the command line instead
	if cfg.ForwardSocket != "" || cfg.ReverseSocket != "" {
		if err := validateSockets(cfg.ForwardSocket, cfg.ReverseSocket); err != nil {
			return remote.Config{}, fmt.Errorf("load remote config: %w", err)
		}
	}
	return cfg, nil
}

func validateSockets(forward, reverse string) error {
	if forward == "" {
		return fmt.Errorf("forward_socket is required")
	}
	if reverse == "" {
		return fmt.Errorf("reverse_socket is required")
	}
	if forward == reverse {
		return fmt.Errorf("forward_socket and reverse_socket must differ (%s)", forward)
	}
	return nil
}

func rejectUndecoded(md toml.MetaData) error {
	keys := md.Undecoded()
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, k.String())
	}
	return fmt.Errorf("unknown keys: %s", strings.Join(names, ", "))
}
