package testutil

import (
	"path/filepath"
	"strings"
	"sync"
)

// MapProber answers reachability from an in-memory set of directories.
// A registered directory implies all of its ancestors exist.
type MapProber struct {
	mu   sync.Mutex
	dirs map[string]bool
}

// NewMapProber creates an empty MapProber.
func NewMapProber(dirs ...string) *MapProber {
	p := &MapProber{dirs: make(map[string]bool)}
	for _, d := range dirs {
		p.AddDir(d)
	}
	return p
}

// AddDir marks a directory (and implicitly its ancestors) as existing.
func (p *MapProber) AddDir(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirs[filepath.Clean(path)] = true
}

// RemoveDir makes a directory unreachable again.
func (p *MapProber) RemoveDir(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.dirs, filepath.Clean(path))
}

func (p *MapProber) DirExists(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	path = filepath.Clean(path)
	if p.dirs[path] {
		return true
	}
	for d := range p.dirs {
		if strings.HasPrefix(d, path+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// NopLogger discards all log output.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
