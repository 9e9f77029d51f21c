// Package pathconv abstracts host path conventions behind a small strategy
// interface selected once at startup, instead of guessing the platform on
// every call.
package pathconv

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Convention describes how paths are built for the host the agent serves.
type Convention interface {
	// Separator returns the path separator as a string.
	Separator() string
	// HomeDir returns the user home directory.
	HomeDir() string
	// Join joins path components using the convention's separator.
	Join(parts ...string) string
}

// Native is the convention of the operating system the agent runs on.
type Native struct{}

// Separator implements Convention.
func (Native) Separator() string { return string(os.PathSeparator) }

// HomeDir implements Convention.
func (Native) HomeDir() string {
	home, err := os.UserHomeDir()
	if err == nil {
		return home
	}
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/tmp"
}

// Join implements Convention.
func (Native) Join(parts ...string) string { return filepath.Join(parts...) }

// Posix builds forward-slash paths regardless of the host OS, used when the
// destination filesystem is known to be POSIX (a mounted share, a container
// volume) even though the agent runs elsewhere.
type Posix struct {
	Home string
}

// Separator implements Convention.
func (Posix) Separator() string { return "/" }

// HomeDir implements Convention.
func (p Posix) HomeDir() string {
	if p.Home != "" {
		return p.Home
	}
	return "/tmp"
}

// Join implements Convention.
func (p Posix) Join(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, "/")
		if part != "" {
			cleaned = append(cleaned, part)
		}
	}
	joined := strings.Join(cleaned, "/")
	if len(parts) > 0 && strings.HasPrefix(parts[0], "/") {
		return "/" + joined
	}
	return joined
}

// Select returns the convention for the given name: "posix" forces POSIX
// paths, anything else uses the native convention.
func Select(name string) Convention {
	if strings.EqualFold(name, "posix") {
		return Posix{}
	}
	return Native{}
}
