package bsr

import (
	"context"
	"fmt"
	"sort"

	"bsr-go/internal/registry"
)

// FindingKind classifies one consistency problem.
type FindingKind string

const (
	FindingDanglingParent     FindingKind = "dangling-parent"
	FindingParentCycle        FindingKind = "parent-cycle"
	FindingUnreachableStorage FindingKind = "unreachable-storage"
	FindingUnknownSource      FindingKind = "unknown-source"
	FindingUnknownDestination FindingKind = "unknown-destination"
	FindingDuplicateName      FindingKind = "duplicate-name"
)

// Finding is one reported consistency problem. Findings are non-fatal: the
// checker always produces the complete set in one pass.
type Finding struct {
	Entity string // "storage" or "backup"
	ID     string
	Name   string
	Kind   FindingKind
	Detail string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s %s (%s): %s", f.Entity, f.Name, f.Kind, f.Detail)
}

// RunCheck validates the loaded registry against itself and against the
// current device's filesystem. The result is ordered by entity type
// (storages before backups), then by entity id, so output is reproducible
// across runs on identical input.
func (s *Service) RunCheck(ctx context.Context) ([]Finding, error) {
	reg, err := registry.Load(s.root)
	if err != nil {
		return nil, err
	}
	deviceID, err := s.CurrentDeviceID()
	if err != nil {
		return nil, err
	}
	return s.check(reg, deviceID), nil
}

func (s *Service) check(reg *registry.Registry, deviceID string) []Finding {
	var findings []Finding

	// Storage checks, in id order.
	nameSeen := map[string]string{} // name -> first id
	for _, id := range reg.SortedStorageIDs() {
		st := reg.Storages[id]

		if firstID, ok := nameSeen[st.Name]; ok {
			findings = append(findings, Finding{
				Entity: "storage", ID: id, Name: st.Name, Kind: FindingDuplicateName,
				Detail: fmt.Sprintf("name already used by storage %s", firstID),
			})
		} else {
			nameSeen[st.Name] = id
		}

		if st.Kind == registry.KindSubdir {
			if _, ok := reg.Storages[st.Parent]; !ok {
				findings = append(findings, Finding{
					Entity: "storage", ID: id, Name: st.Name, Kind: FindingDanglingParent,
					Detail: fmt.Sprintf("parent storage %q does not exist", st.Parent),
				})
				continue
			}
			if _, err := reg.ParentChain(st); err != nil {
				findings = append(findings, Finding{
					Entity: "storage", ID: id, Name: st.Name, Kind: FindingParentCycle,
					Detail: "cycle in parent storage chain",
				})
				continue
			}
		}

		// Reachability on the current device. A storage that is simply not
		// bound here is not a finding; an unreachable bound one is.
		mount, err := reg.MountPath(id, deviceID)
		if err != nil {
			continue
		}
		if !s.prober.DirExists(mount) {
			findings = append(findings, Finding{
				Entity: "storage", ID: id, Name: st.Name, Kind: FindingUnreachableStorage,
				Detail: fmt.Sprintf("mount path %s does not exist on this device", mount),
			})
		}
	}

	// Backup checks, in id order.
	backupNames := map[string]string{}
	for _, id := range reg.SortedBackupIDs() {
		b := reg.Backups[id]

		if firstID, ok := backupNames[b.Name]; ok {
			findings = append(findings, Finding{
				Entity: "backup", ID: id, Name: b.Name, Kind: FindingDuplicateName,
				Detail: fmt.Sprintf("name already used by backup %s", firstID),
			})
		} else {
			backupNames[b.Name] = id
		}

		if _, ok := reg.Storages[b.Source]; !ok {
			findings = append(findings, Finding{
				Entity: "backup", ID: id, Name: b.Name, Kind: FindingUnknownSource,
				Detail: fmt.Sprintf("source storage %q does not exist", b.Source),
			})
		}
		if _, ok := reg.Storages[b.Destination]; !ok {
			findings = append(findings, Finding{
				Entity: "backup", ID: id, Name: b.Name, Kind: FindingUnknownDestination,
				Detail: fmt.Sprintf("destination storage %q does not exist", b.Destination),
			})
		}
	}

	// Entity-type order is already storages-then-backups; keep each group
	// id-sorted (the iteration above guarantees it, this documents it).
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Entity != findings[j].Entity {
			return findings[i].Entity == "storage"
		}
		return findings[i].ID < findings[j].ID
	})

	return findings
}
