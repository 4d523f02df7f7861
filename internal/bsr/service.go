// Package bsr is the orchestration layer that coordinates the registry,
// the git repository and the filesystem prober to perform the high-level
// operations needed by the CLI. Every mutating operation follows the same
// discipline: load the registry, mutate the in-memory snapshot, save it,
// commit the written files. Synchronization is a separate, explicit step.
package bsr

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"bsr-go/internal/fsprobe"
	"bsr-go/internal/gitrepo"
	"bsr-go/internal/portable"
	"bsr-go/internal/registry"
)

// GitClient is the subset of repository operations the service needs.
// *gitrepo.Client satisfies it; tests substitute a stub.
type GitClient interface {
	IsRepo() bool
	Init(ctx context.Context) error
	Clone(ctx context.Context, url string) error
	CommitFiles(ctx context.Context, message string, paths ...string) error
	Remotes(ctx context.Context) ([]string, error)
	Synchronize(ctx context.Context, remote string) (*gitrepo.SyncOutcome, error)
}

// Service coordinates all components for one registry repository.
type Service struct {
	root         string // repository root (working tree)
	deviceIDPath string // local device identity file, outside the repo
	git          GitClient
	prober       fsprobe.Prober
	logger       Logger
	clock        Clock
	idgen        IDGenerator
}

// NewService creates a Service for the repository at root. deviceIDPath is
// the local device-identifier file; it must live outside the repository so
// it is never synchronized.
func NewService(root, deviceIDPath string, git GitClient, prober fsprobe.Prober, logger Logger, clock Clock, idgen IDGenerator) *Service {
	return &Service{
		root:         root,
		deviceIDPath: deviceIDPath,
		git:          git,
		prober:       prober,
		logger:       logger,
		clock:        clock,
		idgen:        idgen,
	}
}

// Load reads the registry snapshot from the repository working tree.
func (s *Service) Load() (*registry.Registry, error) {
	return registry.Load(s.root)
}

// CurrentDeviceID reads the locally persisted device identifier.
func (s *Service) CurrentDeviceID() (string, error) {
	data, err := os.ReadFile(s.deviceIDPath)
	if err != nil {
		return "", fmt.Errorf("reading device identity (run init first): %w", err)
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", fmt.Errorf("device identity file %s is empty", s.deviceIDPath)
	}
	return id, nil
}

// CurrentDevice resolves the local device identity against the registry.
func (s *Service) CurrentDevice(reg *registry.Registry) (*registry.Device, error) {
	id, err := s.CurrentDeviceID()
	if err != nil {
		return nil, err
	}
	d, ok := reg.Devices[id]
	if !ok {
		return nil, fmt.Errorf("device %q is not in the registry (was it initialized against a different repository?)", id)
	}
	return d, nil
}

// mutate runs one load-mutate-save-commit cycle. fn mutates the snapshot;
// nothing is written or committed if it fails.
func (s *Service) mutate(ctx context.Context, commitMsg string, fn func(reg *registry.Registry) error) error {
	reg, err := registry.Load(s.root)
	if err != nil {
		return err
	}
	if err := fn(reg); err != nil {
		return err
	}
	written, err := reg.Save(s.root)
	if err != nil {
		return err
	}
	if len(written) == 0 {
		return nil
	}
	if err := s.git.CommitFiles(ctx, commitMsg, written...); err != nil {
		return fmt.Errorf("committing registry change: %w", err)
	}
	s.logger.Info("registry updated", "commit", commitMsg, "files", strings.Join(written, ","))
	return nil
}

// InitDevice initializes this machine: clones the shared repository when
// repoURL is given, creates a fresh one otherwise, registers the device and
// persists its identity file. Returns the new device.
func (s *Service) InitDevice(ctx context.Context, name, hostname, osName, repoURL string) (*registry.Device, error) {
	if name == "" {
		return nil, &registry.ValidationError{Entity: "device", ID: "", Reason: "device name must not be empty"}
	}
	if _, err := os.Stat(s.deviceIDPath); err == nil {
		return nil, fmt.Errorf("this device is already initialized (%s exists)", s.deviceIDPath)
	}

	var reg *registry.Registry
	if repoURL != "" {
		if err := s.git.Clone(ctx, repoURL); err != nil {
			return nil, err
		}
		loaded, err := registry.Load(s.root)
		if err != nil {
			return nil, err
		}
		reg = loaded
	} else {
		if registry.Exists(s.root) {
			return nil, fmt.Errorf("a registry already exists at %s", s.root)
		}
		if err := s.git.Init(ctx); err != nil {
			return nil, err
		}
		reg = registry.New()
	}

	device := &registry.Device{
		ID:        s.idgen.New(),
		Name:      name,
		Hostname:  hostname,
		OS:        osName,
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := reg.AddDevice(device); err != nil {
		return nil, err
	}

	written, err := reg.WriteAll(s.root)
	if err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("Add device: %s", device.Name)
	if repoURL == "" {
		msg = fmt.Sprintf("Initialize registry with device: %s", device.Name)
	}
	if err := s.git.CommitFiles(ctx, msg, written...); err != nil {
		return nil, fmt.Errorf("committing initial registry: %w", err)
	}

	if err := os.WriteFile(s.deviceIDPath, []byte(device.ID+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("writing device identity file: %w", err)
	}

	s.logger.Info("device initialized", "device", device.Name, "id", device.ID)
	return device, nil
}

// StorageArgs carries the caller-supplied fields for CreateStorage.
type StorageArgs struct {
	Name string
	Kind registry.StorageKind

	// Online storages.
	Provider string
	Capacity uint64

	// Subdir storages: the parent storage name. The portable path from the
	// parent root is derived from MountPath against the parent's mount on
	// this device.
	ParentName string

	// Binding on the current device. Required for directory storages,
	// optional for online and subdir.
	MountPath string
	Alias     string

	Notes string
}

// CreateStorage registers a new storage and binds it on the current device.
func (s *Service) CreateStorage(ctx context.Context, args StorageArgs) (*registry.Storage, error) {
	var created *registry.Storage
	err := s.mutate(ctx, fmt.Sprintf("Add storage: %s", args.Name), func(reg *registry.Registry) error {
		deviceID, err := s.CurrentDeviceID()
		if err != nil {
			return err
		}
		if _, ok := reg.Devices[deviceID]; !ok {
			return &registry.ValidationError{Entity: "device", ID: deviceID, Reason: "unknown device"}
		}

		st := &registry.Storage{
			ID:       s.idgen.New(),
			Name:     args.Name,
			Kind:     args.Kind,
			Provider: args.Provider,
			Capacity: args.Capacity,
			Notes:    args.Notes,
		}

		switch args.Kind {
		case registry.KindDirectory:
			if args.MountPath == "" {
				return &registry.ValidationError{Entity: "storage", ID: args.Name, Reason: "directory storage requires a mount path"}
			}
		case registry.KindSubdir:
			parent, ok := reg.StorageByName(args.ParentName)
			if !ok {
				return &registry.ValidationError{Entity: "storage", ID: args.Name, Reason: fmt.Sprintf("parent storage %q does not exist", args.ParentName)}
			}
			st.Parent = parent.ID
			if args.MountPath == "" {
				return &registry.ValidationError{Entity: "storage", ID: args.Name, Reason: "subdir storage requires its path on this device"}
			}
			parentMount, err := reg.MountPath(parent.ID, deviceID)
			if err != nil {
				return fmt.Errorf("resolving parent mount: %w", err)
			}
			rel, err := portable.FromNative(args.MountPath, parentMount)
			if err != nil {
				return fmt.Errorf("storage %q: %w", args.Name, err)
			}
			st.PathFromParent = rel
		case registry.KindOnline:
			// Provider and capacity travel as given; binding optional.
		}

		if err := reg.AddStorage(st); err != nil {
			return err
		}
		if args.MountPath != "" {
			if err := reg.BindStorage(st.ID, deviceID, registry.Binding{MountPath: args.MountPath, Alias: args.Alias}); err != nil {
				return err
			}
		}
		created = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// BindStorage attaches an existing storage (by name) to the current device.
func (s *Service) BindStorage(ctx context.Context, storageName, mountPath, alias string) error {
	return s.mutate(ctx, fmt.Sprintf("Bind storage: %s", storageName), func(reg *registry.Registry) error {
		deviceID, err := s.CurrentDeviceID()
		if err != nil {
			return err
		}
		st, ok := reg.StorageByName(storageName)
		if !ok {
			return &registry.ValidationError{Entity: "storage", ID: storageName, Reason: "unknown storage"}
		}
		return reg.BindStorage(st.ID, deviceID, registry.Binding{MountPath: mountPath, Alias: alias})
	})
}

// CreateBackup registers a new backup job. dataPath is a native absolute
// path on this device; it is converted to a portable path relative to the
// source storage's root and fails if it is not under that root.
func (s *Service) CreateBackup(ctx context.Context, name, sourceName, destName, dataPath, notes string) (*registry.Backup, error) {
	var created *registry.Backup
	err := s.mutate(ctx, fmt.Sprintf("Add backup: %s", name), func(reg *registry.Registry) error {
		deviceID, err := s.CurrentDeviceID()
		if err != nil {
			return err
		}
		source, ok := reg.StorageByName(sourceName)
		if !ok {
			return &registry.ValidationError{Entity: "backup", ID: name, Reason: fmt.Sprintf("source storage %q does not exist", sourceName)}
		}
		dest, ok := reg.StorageByName(destName)
		if !ok {
			return &registry.ValidationError{Entity: "backup", ID: name, Reason: fmt.Sprintf("destination storage %q does not exist", destName)}
		}

		sourceMount, err := reg.MountPath(source.ID, deviceID)
		if err != nil {
			return fmt.Errorf("resolving source mount: %w", err)
		}
		rel, err := portable.FromNative(dataPath, sourceMount)
		if err != nil {
			return fmt.Errorf("backup %q: %w", name, err)
		}

		b := &registry.Backup{
			ID:          s.idgen.New(),
			Name:        name,
			Source:      source.ID,
			Destination: dest.ID,
			Path:        rel,
			Notes:       notes,
		}
		if err := reg.AddBackup(b); err != nil {
			return err
		}
		created = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// MarkDone records a completed run of the named backup at the current time.
func (s *Service) MarkDone(ctx context.Context, name string) error {
	return s.mutate(ctx, fmt.Sprintf("Mark backup done: %s", name), func(reg *registry.Registry) error {
		return reg.MarkBackupDone(name, s.clock.Now().UTC())
	})
}

// RenameDevice changes the current device's display name.
func (s *Service) RenameDevice(ctx context.Context, newName string) error {
	return s.mutate(ctx, fmt.Sprintf("Rename device: %s", newName), func(reg *registry.Registry) error {
		deviceID, err := s.CurrentDeviceID()
		if err != nil {
			return err
		}
		return reg.RenameDevice(deviceID, newName)
	})
}

// Devices returns all registered devices ordered by name.
func (s *Service) Devices(reg *registry.Registry) []*registry.Device {
	out := make([]*registry.Device, 0, len(reg.Devices))
	for _, d := range reg.Devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Synchronize pulls fast-forward-only and pushes. With an empty remote
// name, the repository's sole remote is used; several remotes require an
// explicit choice.
func (s *Service) Synchronize(ctx context.Context, remote string) (*gitrepo.SyncOutcome, error) {
	if remote == "" {
		remotes, err := s.git.Remotes(ctx)
		if err != nil {
			return nil, err
		}
		switch len(remotes) {
		case 0:
			return nil, fmt.Errorf("no remote configured for the registry repository")
		case 1:
			remote = remotes[0]
		default:
			return nil, fmt.Errorf("repository has %d remotes (%s): specify one", len(remotes), strings.Join(remotes, ", "))
		}
	}

	outcome, err := s.git.Synchronize(ctx, remote)
	if err != nil {
		return nil, err
	}
	s.logger.Info("synchronized", "remote", outcome.Remote, "result", outcome.String())
	return outcome, nil
}

// sortedStorages returns storages ordered by name for stable listings.
func sortedStorages(reg *registry.Registry) []*registry.Storage {
	out := make([]*registry.Storage, 0, len(reg.Storages))
	for _, st := range reg.Storages {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// sortedBackups returns backups ordered by name for stable listings.
func sortedBackups(reg *registry.Registry) []*registry.Backup {
	out := make([]*registry.Backup, 0, len(reg.Backups))
	for _, b := range reg.Backups {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
