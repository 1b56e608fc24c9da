// Package pause provides the process-wide pause control polled by scheduler
// workers. A paused worker keeps running but does not pick up new requests.
package pause

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// Control reports whether workers should hold off picking up new work
type Control interface {
	Paused() bool
}

// Never is a Control that is never paused
type Never struct{}

// Paused always returns false
func (Never) Paused() bool { return false }

// Switch is a programmatic Control
type Switch struct {
	paused atomic.Bool
}

// Set toggles the pause state
func (s *Switch) Set(paused bool) { s.paused.Store(paused) }

// Paused reports the current state
func (s *Switch) Paused() bool { return s.paused.Load() }

// File reads the pause flag from a file on every call: content "1" means
// paused, anything else (including a missing file) means running.
type File struct {
	Path string
}

// NewFile returns a file-backed Control
func NewFile(path string) *File {
	return &File{Path: path}
}

// Paused implements Control
func (f *File) Paused() bool {
	return readFlag(f.Path)
}

func readFlag(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return string(bytes.TrimSpace(data)) == "1"
}

// Write sets the pause file content, creating parent directories as needed
func Write(path string, paused bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create pause dir: %w", err)
	}
	content := "0"
	if paused {
		content = "1"
	}
	return os.WriteFile(path, []byte(content+"\n"), 0644)
}
