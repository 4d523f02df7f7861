package bsr

import (
	"context"
	"fmt"
	"sort"
	"time"

	"bsr-go/internal/portable"
	"bsr-go/internal/registry"
)

// BackupStatus is the derived state of one backup job: never run, or done
// at a timestamp.
type BackupStatus struct {
	Backup *registry.Backup
	Done   bool
	At     time.Time // valid only when Done
}

// StorageStatus is the derived state of one storage on the current device.
type StorageStatus struct {
	Storage   *registry.Storage
	Bound     bool
	MountPath string // valid only when Bound
	Reachable bool   // valid only when Bound; re-probed on every call
}

// Status is the full read-side report for the current device.
type Status struct {
	Device   *registry.Device
	Storages []StorageStatus
	Backups  []BackupStatus
}

// backupStatus derives the status variant for one backup.
func backupStatus(b *registry.Backup) BackupStatus {
	if b.LastDone == nil {
		return BackupStatus{Backup: b}
	}
	return BackupStatus{Backup: b, Done: true, At: *b.LastDone}
}

// storageStatus derives the status variant for one storage on a device,
// probing the filesystem for reachability. No caching: each call reflects
// the current mount state.
func (s *Service) storageStatus(reg *registry.Registry, st *registry.Storage, deviceID string) StorageStatus {
	mount, err := reg.MountPath(st.ID, deviceID)
	if err != nil {
		return StorageStatus{Storage: st}
	}
	return StorageStatus{
		Storage:   st,
		Bound:     true,
		MountPath: mount,
		Reachable: s.prober.DirExists(mount),
	}
}

// ComputeStatus derives the full status report from the registry plus live
// filesystem probes, ordered by entity name.
func (s *Service) ComputeStatus(ctx context.Context) (*Status, error) {
	reg, err := registry.Load(s.root)
	if err != nil {
		return nil, err
	}
	device, err := s.CurrentDevice(reg)
	if err != nil {
		return nil, err
	}

	report := &Status{Device: device}
	for _, st := range sortedStorages(reg) {
		report.Storages = append(report.Storages, s.storageStatus(reg, st, device.ID))
	}
	for _, b := range sortedBackups(reg) {
		report.Backups = append(report.Backups, backupStatus(b))
	}
	return report, nil
}

// Covering describes one backup whose source subtree contains a queried
// path, with the residual path from the backup root to the query.
type Covering struct {
	Backup *registry.Backup
	Rel    portable.Path
}

// CoveringBackups returns the backups covering the given native path on the
// current device, most specific first. A path nobody backs up returns an
// empty slice, not an error.
func (s *Service) CoveringBackups(ctx context.Context, nativePath string) ([]Covering, error) {
	reg, err := registry.Load(s.root)
	if err != nil {
		return nil, err
	}
	device, err := s.CurrentDevice(reg)
	if err != nil {
		return nil, err
	}

	var out []Covering
	for _, id := range reg.SortedBackupIDs() {
		b := reg.Backups[id]
		sourceMount, err := reg.MountPath(b.Source, device.ID)
		if err != nil {
			continue // source not bound here; this backup cannot cover the path
		}
		backupRoot := b.Path.Native(sourceMount)
		rel, err := portable.FromNative(nativePath, backupRoot)
		if err != nil {
			continue
		}
		out = append(out, Covering{Backup: b, Rel: rel})
	}

	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Rel) != len(out[j].Rel) {
			return len(out[i].Rel) < len(out[j].Rel)
		}
		return out[i].Backup.Name < out[j].Backup.Name
	})
	return out, nil
}

// CoveringStorage returns the closest storage whose mount on the current
// device contains the given native path, with the residual portable path.
func (s *Service) CoveringStorage(ctx context.Context, nativePath string) (*registry.Storage, portable.Path, error) {
	reg, err := registry.Load(s.root)
	if err != nil {
		return nil, nil, err
	}
	device, err := s.CurrentDevice(reg)
	if err != nil {
		return nil, nil, err
	}

	var (
		best    *registry.Storage
		bestRel portable.Path
		found   bool
	)
	for _, id := range reg.SortedStorageIDs() {
		st := reg.Storages[id]
		mount, err := reg.MountPath(id, device.ID)
		if err != nil {
			continue
		}
		rel, err := portable.FromNative(nativePath, mount)
		if err != nil {
			continue
		}
		if !found || len(rel) < len(bestRel) {
			best, bestRel, found = st, rel, true
		}
	}
	if !found {
		return nil, nil, fmt.Errorf("path %s is not inside any storage bound on this device", nativePath)
	}
	return best, bestRel, nil
}

// SummarizeAge renders a duration as a compact age: "3d", "5h" or "12min".
func SummarizeAge(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd", int(d.Hours())/24)
	case d >= time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dmin", int(d.Minutes()))
	}
}
