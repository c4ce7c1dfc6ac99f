package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

var (
	ErrSocketPathRequired = errors.New("session: socket path required")
	ErrSocketPathTooLong  = errors.New("session: socket path too long")
	ErrSocketPathsShared  = errors.New("session: forward and reverse sockets must differ")
)

// maxSocketPath is the usable sun_path length, leaving room for the NUL.
var maxSocketPath = len(unix.RawSockaddrUnix{}.Path) - 1

// ValidateSocketPaths checks the forward and reverse socket paths before any
// listener is opened.
func ValidateSocketPaths(forward, reverse string) error {
	for _, p := range []string{forward, reverse} {
		if strings.TrimSpace(p) == "" {
			return ErrSocketPathRequired
		}
		if len(p) > maxSocketPath {
			return fmt.Errorf("%w: %d bytes (max %d): %s", ErrSocketPathTooLong, len(p), maxSocketPath, p)
		}
	}
	if filepath.Clean(forward) == filepath.Clean(reverse) {
		return ErrSocketPathsShared
	}
	return nil
}
