// Package fsprobe abstracts the live filesystem checks used by status and
// consistency reporting, so the probing logic stays deterministic in tests.
package fsprobe

import "os"

// Prober answers whether a path is currently reachable on this device.
type Prober interface {
	// DirExists reports whether path exists and is a directory.
	DirExists(path string) bool
}

// OSProber probes the real filesystem.
type OSProber struct{}

// NewOSProber creates a prober that operates on the real filesystem.
func NewOSProber() *OSProber {
	return &OSProber{}
}

func (*OSProber) DirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
