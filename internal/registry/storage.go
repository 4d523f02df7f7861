package registry

import (
	"fmt"
	"path/filepath"

	"bsr-go/internal/portable"
)

// StorageKind discriminates the storage variants. This uses a tagged union
// pattern - the Kind field determines which other fields are relevant.
type StorageKind string

const (
	// KindOnline is a mounted online service (cloud drive, NAS share).
	KindOnline StorageKind = "online"
	// KindDirectory is a physical drive or a plain directory mount.
	KindDirectory StorageKind = "directory"
	// KindSubdir is a directory inside another storage.
	KindSubdir StorageKind = "subdir"
)

// Binding associates a storage with one device's local view of it.
type Binding struct {
	MountPath string `yaml:"mount_path"`
	Alias     string `yaml:"alias,omitempty"`
	Capacity  uint64 `yaml:"capacity,omitempty"`
	Used      uint64 `yaml:"used,omitempty"`
}

// Storage is a named logical storage location.
type Storage struct {
	ID   string      `yaml:"-"` // map key in storages.yml
	Name string      `yaml:"name"`
	Kind StorageKind `yaml:"kind"`

	// Online-only fields.
	Provider string `yaml:"provider,omitempty"`
	Capacity uint64 `yaml:"capacity,omitempty"`

	// Subdir-only fields.
	Parent         string        `yaml:"parent,omitempty"`
	PathFromParent portable.Path `yaml:"path,omitempty"`

	// Per-device bindings, keyed by device id.
	Bindings map[string]Binding `yaml:"bindings,omitempty"`

	Notes string `yaml:"notes,omitempty"`
}

// Binding returns the storage's own binding for the given device.
// Subdir storages without a direct binding resolve through their parent;
// use Registry.MountPath for that.
func (s *Storage) Binding(deviceID string) (Binding, bool) {
	b, ok := s.Bindings[deviceID]
	return b, ok
}

// AddStorage registers a new storage. Subdir storages must name an existing
// parent and must not introduce a parent cycle.
func (r *Registry) AddStorage(s *Storage) error {
	if s.ID == "" {
		return &ValidationError{Entity: "storage", ID: s.Name, Reason: "missing id"}
	}
	if s.Name == "" {
		return &ValidationError{Entity: "storage", ID: s.ID, Reason: "missing name"}
	}
	if _, ok := r.Storages[s.ID]; ok {
		return &ValidationError{Entity: "storage", ID: s.ID, Reason: "id already exists"}
	}
	for _, existing := range r.Storages {
		if existing.Name == s.Name {
			return &ValidationError{Entity: "storage", ID: s.Name, Reason: "name already in use"}
		}
	}

	switch s.Kind {
	case KindOnline, KindDirectory:
		if s.Parent != "" {
			return &ValidationError{Entity: "storage", ID: s.ID, Reason: "only subdir storages may have a parent"}
		}
	case KindSubdir:
		if s.Parent == "" {
			return &ValidationError{Entity: "storage", ID: s.ID, Reason: "subdir storage requires a parent"}
		}
		if s.Parent == s.ID {
			return &ValidationError{Entity: "storage", ID: s.ID, Reason: "storage cannot be its own parent"}
		}
		parent, ok := r.Storages[s.Parent]
		if !ok {
			return &ValidationError{Entity: "storage", ID: s.ID, Reason: fmt.Sprintf("parent storage %q does not exist", s.Parent)}
		}
		if _, err := r.ParentChain(parent); err != nil {
			return err
		}
	default:
		return &ValidationError{Entity: "storage", ID: s.ID, Reason: fmt.Sprintf("unknown kind %q", s.Kind)}
	}

	r.Storages[s.ID] = s
	r.dirtyStorages = true
	return nil
}

// BindStorage attaches an existing storage to a device at a local mount
// path. Rebinding an already-bound device replaces the previous binding;
// no new storage identifier is ever created by a bind.
func (r *Registry) BindStorage(storageID, deviceID string, b Binding) error {
	s, ok := r.Storages[storageID]
	if !ok {
		return &ValidationError{Entity: "storage", ID: storageID, Reason: "unknown storage"}
	}
	if _, ok := r.Devices[deviceID]; !ok {
		return &ValidationError{Entity: "device", ID: deviceID, Reason: "unknown device"}
	}
	if !filepath.IsAbs(b.MountPath) {
		return &ValidationError{Entity: "storage", ID: storageID, Reason: fmt.Sprintf("mount path %q is not absolute", b.MountPath)}
	}
	if s.Bindings == nil {
		s.Bindings = make(map[string]Binding)
	}
	s.Bindings[deviceID] = b
	r.dirtyStorages = true
	return nil
}

// StorageByName looks a storage up by name.
func (r *Registry) StorageByName(name string) (*Storage, bool) {
	for _, s := range r.Storages {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// ParentChain returns the chain of subdir parents starting at s, outermost
// last. It fails on a dangling parent reference or a cycle.
func (r *Registry) ParentChain(s *Storage) ([]*Storage, error) {
	chain := []*Storage{s}
	seen := map[string]bool{s.ID: true}
	for s.Kind == KindSubdir {
		parent, ok := r.Storages[s.Parent]
		if !ok {
			return nil, &ValidationError{Entity: "storage", ID: s.ID, Reason: fmt.Sprintf("parent storage %q does not exist", s.Parent)}
		}
		if seen[parent.ID] {
			return nil, &ValidationError{Entity: "storage", ID: s.ID, Reason: "cycle in parent storage chain"}
		}
		seen[parent.ID] = true
		chain = append(chain, parent)
		s = parent
	}
	return chain, nil
}

// MountPath resolves the native path of a storage on the given device.
// A subdir storage with its own binding uses it directly; otherwise the
// parent chain is walked until a bound storage is found and the portable
// relative paths are joined beneath it.
func (r *Registry) MountPath(storageID, deviceID string) (string, error) {
	s, ok := r.Storages[storageID]
	if !ok {
		return "", &ValidationError{Entity: "storage", ID: storageID, Reason: "unknown storage"}
	}

	var rel portable.Path
	seen := map[string]bool{}
	for {
		if seen[s.ID] {
			return "", &ValidationError{Entity: "storage", ID: s.ID, Reason: "cycle in parent storage chain"}
		}
		seen[s.ID] = true

		if b, ok := s.Bindings[deviceID]; ok {
			return rel.Native(b.MountPath), nil
		}
		if s.Kind != KindSubdir {
			return "", fmt.Errorf("storage %q is not bound on device %q", s.Name, deviceID)
		}
		rel = append(append(portable.Path{}, s.PathFromParent...), rel...)
		parent, ok := r.Storages[s.Parent]
		if !ok {
			return "", &ValidationError{Entity: "storage", ID: s.ID, Reason: fmt.Sprintf("parent storage %q does not exist", s.Parent)}
		}
		s = parent
	}
}
