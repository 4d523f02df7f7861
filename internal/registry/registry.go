// Package registry implements the shared entity model: devices, storages
// and backup jobs, persisted as YAML files inside the synchronized
// repository. Mutations only touch the in-memory snapshot; persisting and
// committing are separate, explicit steps chosen by the caller.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bsr-go/internal/portable"
)

// Registry file names inside the repository root.
const (
	DevicesFile  = "devices.yml"
	StoragesFile = "storages.yml"
	BackupsFile  = "backups.yml"
)

// SchemaVersion is the current registry file format. Version 0 (no version
// field) is the legacy format where backup paths were native strings; it is
// migrated on load. Versions above SchemaVersion are rejected.
const SchemaVersion = 1

// Registry is the complete in-memory snapshot of one backup scheme.
type Registry struct {
	Devices  map[string]*Device
	Storages map[string]*Storage
	Backups  map[string]*Backup

	dirtyDevices  bool
	dirtyStorages bool
	dirtyBackups  bool
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		Devices:  make(map[string]*Device),
		Storages: make(map[string]*Storage),
		Backups:  make(map[string]*Backup),
	}
}

type devicesFile struct {
	Version int                `yaml:"version"`
	Devices map[string]*Device `yaml:"devices"`
}

type storagesFile struct {
	Version  int                 `yaml:"version"`
	Storages map[string]*Storage `yaml:"storages"`
}

type backupsFile struct {
	Version int                `yaml:"version"`
	Backups map[string]*Backup `yaml:"backups"`
}

// backupV0 is the legacy backup record where the relative path was a
// single native string.
type backupV0 struct {
	Name        string     `yaml:"name"`
	Source      string     `yaml:"source"`
	Destination string     `yaml:"destination"`
	Path        string     `yaml:"path,omitempty"`
	LastDone    *time.Time `yaml:"last_done"`
	Notes       string     `yaml:"notes,omitempty"`
}

// Exists reports whether a registry has been initialized at root.
func Exists(root string) bool {
	_, err := os.Stat(filepath.Join(root, DevicesFile))
	return err == nil
}

// Load reads the full registry from the repository root. Any unreadable or
// corrupt file yields a *LoadError and no registry at all.
func Load(root string) (*Registry, error) {
	r := New()

	if err := loadFile(filepath.Join(root, DevicesFile), func(version int, data []byte) error {
		var f devicesFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return err
		}
		for id, d := range f.Devices {
			d.ID = id
			r.Devices[id] = d
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadFile(filepath.Join(root, StoragesFile), func(version int, data []byte) error {
		var f storagesFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return err
		}
		for id, s := range f.Storages {
			s.ID = id
			r.Storages[id] = s
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadFile(filepath.Join(root, BackupsFile), func(version int, data []byte) error {
		if version == 0 {
			return r.loadBackupsV0(data)
		}
		var f backupsFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return err
		}
		for id, b := range f.Backups {
			b.ID = id
			r.Backups[id] = b
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return r, nil
}

// loadBackupsV0 migrates the legacy backups format: relative paths stored
// as native strings become segment lists. The collection is marked dirty so
// the next save rewrites it at the current schema version.
func (r *Registry) loadBackupsV0(data []byte) error {
	var f struct {
		Backups map[string]*backupV0 `yaml:"backups"`
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return err
	}
	for id, old := range f.Backups {
		p, err := portable.ParseDisplay(old.Path)
		if err != nil {
			return fmt.Errorf("migrating backup %q path: %w", old.Name, err)
		}
		r.Backups[id] = &Backup{
			ID:          id,
			Name:        old.Name,
			Source:      old.Source,
			Destination: old.Destination,
			Path:        p,
			LastDone:    old.LastDone,
			Notes:       old.Notes,
		}
	}
	r.dirtyBackups = true
	return nil
}

// loadFile reads one registry file, checks its schema version and hands the
// raw bytes to the version-aware decoder.
func loadFile(path string, decode func(version int, data []byte) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &LoadError{Path: path, Err: err}
	}
	var header struct {
		Version int `yaml:"version"`
	}
	if err := yaml.Unmarshal(data, &header); err != nil {
		return &LoadError{Path: path, Err: err}
	}
	if header.Version > SchemaVersion {
		return &LoadError{Path: path, Err: fmt.Errorf("schema version %d is newer than supported version %d", header.Version, SchemaVersion)}
	}
	if err := decode(header.Version, data); err != nil {
		return &LoadError{Path: path, Err: err}
	}
	return nil
}

// Save writes the collections changed since load back to the repository
// root and returns the file names written, for the caller to commit. Each
// file is replaced atomically (write to temp, rename).
func (r *Registry) Save(root string) ([]string, error) {
	var written []string

	if r.dirtyDevices {
		if err := writeYAML(filepath.Join(root, DevicesFile), devicesFile{Version: SchemaVersion, Devices: r.Devices}); err != nil {
			return written, err
		}
		r.dirtyDevices = false
		written = append(written, DevicesFile)
	}
	if r.dirtyStorages {
		if err := writeYAML(filepath.Join(root, StoragesFile), storagesFile{Version: SchemaVersion, Storages: r.Storages}); err != nil {
			return written, err
		}
		r.dirtyStorages = false
		written = append(written, StoragesFile)
	}
	if r.dirtyBackups {
		if err := writeYAML(filepath.Join(root, BackupsFile), backupsFile{Version: SchemaVersion, Backups: r.Backups}); err != nil {
			return written, err
		}
		r.dirtyBackups = false
		written = append(written, BackupsFile)
	}

	return written, nil
}

// WriteAll persists every collection regardless of dirtiness. Used when
// initializing a fresh repository.
func (r *Registry) WriteAll(root string) ([]string, error) {
	r.dirtyDevices = true
	r.dirtyStorages = true
	r.dirtyBackups = true
	return r.Save(root)
}

// Dirty reports whether any collection has unsaved changes.
func (r *Registry) Dirty() bool {
	return r.dirtyDevices || r.dirtyStorages || r.dirtyBackups
}

// writeYAML marshals v and atomically replaces the file at path. YAML map
// keys marshal in sorted order, so identical registries always produce
// identical bytes and version-control diffs stay minimal.
func writeYAML(path string, v any) error {
	var sb strings.Builder
	enc := yaml.NewEncoder(&sb)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// SortedStorageIDs returns all storage ids in lexical order.
func (r *Registry) SortedStorageIDs() []string {
	return sortedKeys(r.Storages)
}

// SortedBackupIDs returns all backup ids in lexical order.
func (r *Registry) SortedBackupIDs() []string {
	return sortedKeys(r.Backups)
}

// SortedDeviceIDs returns all device ids in lexical order.
func (r *Registry) SortedDeviceIDs() []string {
	return sortedKeys(r.Devices)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
