package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a commented starter file for kind "local" or "remote".
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "local":
		return localTemplate, nil
	case "remote":
		return remoteTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads the file at path as kind.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "local":
		_, err := LoadDriverConfig(path)
		return err
	case "remote":
		_, err := LoadRemoteConfig(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

const sessionTemplate = `
[session]
connect_timeout = "5s"
handshake_timeout = "5s"
# 0s waits for forward calls indefinitely
call_timeout = "0s"
release_timeout = "5s"
release_queue = 1024
workers = 10

[session.backoff]
initial_delay = "500ms"
multiplier = 1.0
max_delay = "500ms"
jitter = false
`

const localTemplate = `forward_socket = "/tmp/fcbridge.sock"
reverse_socket = "/tmp/fcbridge-x.sock"
# empty searches FCBRIDGE_EXEC, FCBRIDGE_DIR, ~/.fcbridge/bin, then PATH
exe = ""
trace = ""
args = []
wait_attempts = 20
` + sessionTemplate

const remoteTemplate = `forward_socket = "/tmp/fcbridge.sock"
reverse_socket = "/tmp/fcbridge-x.sock"
dial_attempts = 20
` + sessionTemplate
