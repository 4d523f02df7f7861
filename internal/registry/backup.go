package registry

import (
	"fmt"
	"time"

	"bsr-go/internal/portable"
)

// Backup is a declared backup job. It records which data (a portable path
// under the source storage) is backed up to which destination, and when the
// job last completed. The actual copying happens outside this tool; callers
// report completion via MarkBackupDone.
type Backup struct {
	ID          string        `yaml:"-"` // map key in backups.yml
	Name        string        `yaml:"name"`
	Source      string        `yaml:"source"`
	Destination string        `yaml:"destination"`
	Path        portable.Path `yaml:"path,omitempty"`
	LastDone    *time.Time    `yaml:"last_done"`
	Notes       string        `yaml:"notes,omitempty"`
}

// AddBackup registers a new backup job. Source and destination must both
// reference existing storages. Structural fields are immutable afterwards.
func (r *Registry) AddBackup(b *Backup) error {
	if b.ID == "" {
		return &ValidationError{Entity: "backup", ID: b.Name, Reason: "missing id"}
	}
	if b.Name == "" {
		return &ValidationError{Entity: "backup", ID: b.ID, Reason: "missing name"}
	}
	if _, ok := r.Backups[b.ID]; ok {
		return &ValidationError{Entity: "backup", ID: b.ID, Reason: "id already exists"}
	}
	for _, existing := range r.Backups {
		if existing.Name == b.Name {
			return &ValidationError{Entity: "backup", ID: b.Name, Reason: "name already in use"}
		}
	}
	if _, ok := r.Storages[b.Source]; !ok {
		return &ValidationError{Entity: "backup", ID: b.Name, Reason: fmt.Sprintf("source storage %q does not exist", b.Source)}
	}
	if _, ok := r.Storages[b.Destination]; !ok {
		return &ValidationError{Entity: "backup", ID: b.Name, Reason: fmt.Sprintf("destination storage %q does not exist", b.Destination)}
	}

	r.Backups[b.ID] = b
	r.dirtyBackups = true
	return nil
}

// MarkBackupDone records a completed run of the named backup at time t.
// A later timestamp replaces an earlier one; the structural fields are
// untouched.
func (r *Registry) MarkBackupDone(name string, t time.Time) error {
	b, ok := r.BackupByName(name)
	if !ok {
		return &ValidationError{Entity: "backup", ID: name, Reason: "unknown backup"}
	}
	done := t
	b.LastDone = &done
	r.dirtyBackups = true
	return nil
}

// BackupByName looks a backup up by name.
func (r *Registry) BackupByName(name string) (*Backup, bool) {
	for _, b := range r.Backups {
		if b.Name == name {
			return b, true
		}
	}
	return nil, false
}
