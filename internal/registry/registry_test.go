package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bsr-go/internal/portable"
)

func testDevice(id, name string) *Device {
	return &Device{
		ID:        id,
		Name:      name,
		Hostname:  name + ".local",
		OS:        "linux",
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

// newTestRegistry builds a registry with two devices, a directory storage
// bound on device-a and a sub-directory storage beneath it.
func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New()
	if err := r.AddDevice(testDevice("dev-a", "laptop")); err != nil {
		t.Fatal(err)
	}
	if err := r.AddDevice(testDevice("dev-b", "desktop")); err != nil {
		t.Fatal(err)
	}
	if err := r.AddStorage(&Storage{
		ID:   "st-photos",
		Name: "photos",
		Kind: KindDirectory,
		Bindings: map[string]Binding{
			"dev-a": {MountPath: "/mnt/photos", Alias: "photos-drive"},
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.AddStorage(&Storage{
		ID:             "st-raw",
		Name:           "photos-raw",
		Kind:           KindSubdir,
		Parent:         "st-photos",
		PathFromParent: portable.Path{"raw"},
	}); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestAddStorage(t *testing.T) {
	t.Parallel()

	t.Run("duplicate name rejected", func(t *testing.T) {
		t.Parallel()
		r := newTestRegistry(t)
		err := r.AddStorage(&Storage{ID: "st-x", Name: "photos", Kind: KindDirectory})
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})

	t.Run("subdir requires existing parent", func(t *testing.T) {
		t.Parallel()
		r := newTestRegistry(t)
		err := r.AddStorage(&Storage{ID: "st-x", Name: "x", Kind: KindSubdir, Parent: "st-nope"})
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})

	t.Run("self parent rejected", func(t *testing.T) {
		t.Parallel()
		r := newTestRegistry(t)
		err := r.AddStorage(&Storage{ID: "st-x", Name: "x", Kind: KindSubdir, Parent: "st-x"})
		if err == nil {
			t.Fatal("expected error for self-parent storage")
		}
	})

	t.Run("unknown kind rejected", func(t *testing.T) {
		t.Parallel()
		r := newTestRegistry(t)
		err := r.AddStorage(&Storage{ID: "st-x", Name: "x", Kind: "tape"})
		if err == nil {
			t.Fatal("expected error for unknown kind")
		}
	})

	t.Run("online storage carries provider and capacity", func(t *testing.T) {
		t.Parallel()
		r := newTestRegistry(t)
		err := r.AddStorage(&Storage{
			ID: "st-cloud", Name: "cloud", Kind: KindOnline,
			Provider: "dropbox", Capacity: 2 << 40,
		})
		if err != nil {
			t.Fatalf("AddStorage() error = %v", err)
		}
	})
}

func TestBindStorage(t *testing.T) {
	t.Parallel()

	t.Run("add then bind keeps one storage with two bindings", func(t *testing.T) {
		t.Parallel()
		r := newTestRegistry(t)

		if err := r.BindStorage("st-photos", "dev-b", Binding{MountPath: "/Volumes/photos"}); err != nil {
			t.Fatalf("BindStorage() error = %v", err)
		}

		if len(r.Storages) != 2 {
			t.Fatalf("got %d storages, want 2 (bind must not create a new one)", len(r.Storages))
		}
		s := r.Storages["st-photos"]
		if len(s.Bindings) != 2 {
			t.Fatalf("got %d bindings, want 2", len(s.Bindings))
		}
		if s.Bindings["dev-a"].MountPath != "/mnt/photos" {
			t.Errorf("dev-a binding = %q", s.Bindings["dev-a"].MountPath)
		}
		if s.Bindings["dev-b"].MountPath != "/Volumes/photos" {
			t.Errorf("dev-b binding = %q", s.Bindings["dev-b"].MountPath)
		}
	})

	t.Run("rebind replaces the binding", func(t *testing.T) {
		t.Parallel()
		r := newTestRegistry(t)
		if err := r.BindStorage("st-photos", "dev-a", Binding{MountPath: "/mnt/photos2"}); err != nil {
			t.Fatalf("BindStorage() error = %v", err)
		}
		if got := r.Storages["st-photos"].Bindings["dev-a"].MountPath; got != "/mnt/photos2" {
			t.Errorf("binding = %q, want /mnt/photos2", got)
		}
	})

	t.Run("unknown storage and device rejected", func(t *testing.T) {
		t.Parallel()
		r := newTestRegistry(t)
		if err := r.BindStorage("st-nope", "dev-a", Binding{MountPath: "/x"}); err == nil {
			t.Error("expected error for unknown storage")
		}
		if err := r.BindStorage("st-photos", "dev-nope", Binding{MountPath: "/x"}); err == nil {
			t.Error("expected error for unknown device")
		}
	})

	t.Run("relative mount path rejected", func(t *testing.T) {
		t.Parallel()
		r := newTestRegistry(t)
		if err := r.BindStorage("st-photos", "dev-a", Binding{MountPath: "mnt/photos"}); err == nil {
			t.Error("expected error for relative mount path")
		}
	})
}

func TestMountPath(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	t.Run("direct binding", func(t *testing.T) {
		got, err := r.MountPath("st-photos", "dev-a")
		if err != nil {
			t.Fatalf("MountPath() error = %v", err)
		}
		if got != "/mnt/photos" {
			t.Errorf("MountPath() = %q", got)
		}
	})

	t.Run("subdir resolves through parent", func(t *testing.T) {
		got, err := r.MountPath("st-raw", "dev-a")
		if err != nil {
			t.Fatalf("MountPath() error = %v", err)
		}
		if got != filepath.Join("/mnt/photos", "raw") {
			t.Errorf("MountPath() = %q", got)
		}
	})

	t.Run("unbound device fails", func(t *testing.T) {
		if _, err := r.MountPath("st-raw", "dev-b"); err == nil {
			t.Error("expected error for unbound device")
		}
	})

	t.Run("own binding wins over parent chain", func(t *testing.T) {
		r2 := newTestRegistry(t)
		if err := r2.BindStorage("st-raw", "dev-b", Binding{MountPath: "/Volumes/raw"}); err != nil {
			t.Fatal(err)
		}
		got, err := r2.MountPath("st-raw", "dev-b")
		if err != nil {
			t.Fatalf("MountPath() error = %v", err)
		}
		if got != "/Volumes/raw" {
			t.Errorf("MountPath() = %q", got)
		}
	})

	t.Run("parent cycle detected", func(t *testing.T) {
		r2 := newTestRegistry(t)
		// Corrupt the snapshot directly: AddStorage would refuse this.
		r2.Storages["st-a"] = &Storage{ID: "st-a", Name: "a", Kind: KindSubdir, Parent: "st-b"}
		r2.Storages["st-b"] = &Storage{ID: "st-b", Name: "b", Kind: KindSubdir, Parent: "st-a"}
		if _, err := r2.MountPath("st-a", "dev-a"); err == nil {
			t.Error("expected error for parent cycle")
		}
	})
}

func TestAddBackup(t *testing.T) {
	t.Parallel()

	t.Run("valid backup", func(t *testing.T) {
		t.Parallel()
		r := newTestRegistry(t)
		err := r.AddBackup(&Backup{
			ID: "bk-1", Name: "nightly",
			Source: "st-photos", Destination: "st-raw",
			Path: portable.Path{"2024"},
		})
		if err != nil {
			t.Fatalf("AddBackup() error = %v", err)
		}
	})

	t.Run("unknown source rejected", func(t *testing.T) {
		t.Parallel()
		r := newTestRegistry(t)
		err := r.AddBackup(&Backup{ID: "bk-1", Name: "nightly", Source: "st-nope", Destination: "st-photos"})
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})

	t.Run("unknown destination rejected", func(t *testing.T) {
		t.Parallel()
		r := newTestRegistry(t)
		err := r.AddBackup(&Backup{ID: "bk-1", Name: "nightly", Source: "st-photos", Destination: "st-nope"})
		if err == nil {
			t.Fatal("expected error for unknown destination")
		}
	})

	t.Run("duplicate name rejected", func(t *testing.T) {
		t.Parallel()
		r := newTestRegistry(t)
		b := &Backup{ID: "bk-1", Name: "nightly", Source: "st-photos", Destination: "st-raw"}
		if err := r.AddBackup(b); err != nil {
			t.Fatal(err)
		}
		err := r.AddBackup(&Backup{ID: "bk-2", Name: "nightly", Source: "st-photos", Destination: "st-raw"})
		if err == nil {
			t.Fatal("expected error for duplicate name")
		}
	})
}

func TestMarkBackupDone(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	if err := r.AddBackup(&Backup{ID: "bk-1", Name: "nightly", Source: "st-photos", Destination: "st-raw"}); err != nil {
		t.Fatal(err)
	}

	b, _ := r.BackupByName("nightly")
	if b.LastDone != nil {
		t.Fatal("new backup should have no last_done")
	}

	t1 := time.Date(2025, 7, 1, 3, 0, 0, 0, time.UTC)
	if err := r.MarkBackupDone("nightly", t1); err != nil {
		t.Fatalf("MarkBackupDone() error = %v", err)
	}
	if b.LastDone == nil || !b.LastDone.Equal(t1) {
		t.Fatalf("last_done = %v, want %v", b.LastDone, t1)
	}

	t2 := t1.Add(24 * time.Hour)
	if err := r.MarkBackupDone("nightly", t2); err != nil {
		t.Fatalf("MarkBackupDone() error = %v", err)
	}
	if !b.LastDone.Equal(t2) {
		t.Fatalf("last_done = %v, want %v", b.LastDone, t2)
	}

	if err := r.MarkBackupDone("no-such", t1); err == nil {
		t.Error("expected error for unknown backup")
	}
}

func TestSaveLoad(t *testing.T) {
	t.Parallel()

	t.Run("round trip preserves everything", func(t *testing.T) {
		t.Parallel()
		root := t.TempDir()
		r := newTestRegistry(t)
		if err := r.AddBackup(&Backup{
			ID: "bk-1", Name: "nightly",
			Source: "st-photos", Destination: "st-raw",
			Path: portable.Path{"2024", "trip"},
		}); err != nil {
			t.Fatal(err)
		}
		if _, err := r.WriteAll(root); err != nil {
			t.Fatalf("WriteAll() error = %v", err)
		}

		got, err := Load(root)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if len(got.Devices) != 2 || len(got.Storages) != 2 || len(got.Backups) != 1 {
			t.Fatalf("loaded %d/%d/%d entities", len(got.Devices), len(got.Storages), len(got.Backups))
		}
		b := got.Backups["bk-1"]
		if b.ID != "bk-1" || b.Name != "nightly" {
			t.Errorf("backup = %+v", b)
		}
		if !b.Path.Equal(portable.Path{"2024", "trip"}) {
			t.Errorf("backup path = %v", b.Path)
		}
		if got.Storages["st-raw"].Parent != "st-photos" {
			t.Errorf("subdir parent = %q", got.Storages["st-raw"].Parent)
		}
	})

	t.Run("load then save is byte identical", func(t *testing.T) {
		t.Parallel()
		root := t.TempDir()
		r := newTestRegistry(t)
		if err := r.AddBackup(&Backup{ID: "bk-1", Name: "nightly", Source: "st-photos", Destination: "st-raw"}); err != nil {
			t.Fatal(err)
		}
		if _, err := r.WriteAll(root); err != nil {
			t.Fatal(err)
		}

		before := map[string][]byte{}
		for _, name := range []string{DevicesFile, StoragesFile, BackupsFile} {
			data, err := os.ReadFile(filepath.Join(root, name))
			if err != nil {
				t.Fatal(err)
			}
			before[name] = data
		}

		loaded, err := Load(root)
		if err != nil {
			t.Fatal(err)
		}
		if loaded.Dirty() {
			t.Fatal("freshly loaded registry should not be dirty")
		}
		if _, err := loaded.WriteAll(root); err != nil {
			t.Fatal(err)
		}

		for _, name := range []string{DevicesFile, StoragesFile, BackupsFile} {
			after, err := os.ReadFile(filepath.Join(root, name))
			if err != nil {
				t.Fatal(err)
			}
			if string(after) != string(before[name]) {
				t.Errorf("%s changed across load/save round trip:\n--- before\n%s\n--- after\n%s", name, before[name], after)
			}
		}
	})

	t.Run("missing file is a LoadError", func(t *testing.T) {
		t.Parallel()
		_, err := Load(t.TempDir())
		var lerr *LoadError
		if !errors.As(err, &lerr) {
			t.Fatalf("expected LoadError, got %v", err)
		}
	})

	t.Run("corrupt file is a LoadError", func(t *testing.T) {
		t.Parallel()
		root := t.TempDir()
		r := newTestRegistry(t)
		if _, err := r.WriteAll(root); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(root, StoragesFile), []byte("version: 1\nstorages: [not a mapping"), 0644); err != nil {
			t.Fatal(err)
		}
		_, err := Load(root)
		var lerr *LoadError
		if !errors.As(err, &lerr) {
			t.Fatalf("expected LoadError, got %v", err)
		}
	})

	t.Run("future schema version rejected", func(t *testing.T) {
		t.Parallel()
		root := t.TempDir()
		r := newTestRegistry(t)
		if _, err := r.WriteAll(root); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(root, BackupsFile), []byte("version: 99\nbackups: {}\n"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(root); err == nil {
			t.Fatal("expected error for future schema version")
		}
	})

	t.Run("save only writes dirty collections", func(t *testing.T) {
		t.Parallel()
		root := t.TempDir()
		r := newTestRegistry(t)
		if _, err := r.WriteAll(root); err != nil {
			t.Fatal(err)
		}

		loaded, err := Load(root)
		if err != nil {
			t.Fatal(err)
		}
		if err := loaded.MarkBackupDone("zzz", time.Now()); err == nil {
			t.Fatal("expected error")
		}
		written, err := loaded.Save(root)
		if err != nil {
			t.Fatal(err)
		}
		if len(written) != 0 {
			t.Fatalf("clean registry wrote %v", written)
		}

		if err := loaded.BindStorage("st-photos", "dev-b", Binding{MountPath: "/Volumes/photos"}); err != nil {
			t.Fatal(err)
		}
		written, err = loaded.Save(root)
		if err != nil {
			t.Fatal(err)
		}
		if len(written) != 1 || written[0] != StoragesFile {
			t.Fatalf("written = %v, want [%s]", written, StoragesFile)
		}
	})
}

func TestLoadV0Migration(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	r := newTestRegistry(t)
	if _, err := r.WriteAll(root); err != nil {
		t.Fatal(err)
	}

	// Legacy backups file: no version field, native string paths.
	legacy := `backups:
  bk-1:
    name: nightly
    source: st-photos
    destination: st-raw
    path: 2024/trip
    last_done: null
`
	if err := os.WriteFile(filepath.Join(root, BackupsFile), []byte(legacy), 0644); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	b := loaded.Backups["bk-1"]
	if b == nil {
		t.Fatal("migrated backup missing")
	}
	if !b.Path.Equal(portable.Path{"2024", "trip"}) {
		t.Errorf("migrated path = %v", b.Path)
	}
	if !loaded.Dirty() {
		t.Error("migrated registry must be dirty so the new format gets written")
	}

	written, err := loaded.Save(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(written) != 1 || written[0] != BackupsFile {
		t.Fatalf("written = %v", written)
	}

	// Reload: now at the current version, paths as segment lists.
	again, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if again.Dirty() {
		t.Error("migrated file should load clean")
	}
	if !again.Backups["bk-1"].Path.Equal(portable.Path{"2024", "trip"}) {
		t.Errorf("reloaded path = %v", again.Backups["bk-1"].Path)
	}
}

func TestDeviceOps(t *testing.T) {
	t.Parallel()

	t.Run("duplicate device name rejected", func(t *testing.T) {
		t.Parallel()
		r := newTestRegistry(t)
		if err := r.AddDevice(testDevice("dev-c", "laptop")); err == nil {
			t.Fatal("expected error for duplicate device name")
		}
	})

	t.Run("rename device", func(t *testing.T) {
		t.Parallel()
		r := newTestRegistry(t)
		if err := r.RenameDevice("dev-a", "laptop-2025"); err != nil {
			t.Fatalf("RenameDevice() error = %v", err)
		}
		if _, ok := r.DeviceByName("laptop-2025"); !ok {
			t.Error("renamed device not found by new name")
		}
		if err := r.RenameDevice("dev-a", "desktop"); err == nil {
			t.Error("expected error renaming onto an existing name")
		}
	})
}
