// Package portable implements the device-independent path representation
// used by registry records. A portable path is an ordered list of plain
// path components with no separators or root markers, so the same record
// resolves correctly on devices with different path conventions.
package portable

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrNotUnderRoot is returned when a native path does not descend from the
// storage root it is being made relative to.
var ErrNotUnderRoot = errors.New("path is not under the storage root")

// Path is an ordered sequence of path segments. The zero value (nil) is the
// storage root itself. Path serializes to YAML as a plain string sequence.
type Path []string

// FromNative converts a native absolute path into a Path relative to root.
// Both arguments must be absolute. Paths are cleaned before comparison, so
// trailing separators and "." components are tolerated.
func FromNative(native, root string) (Path, error) {
	if !filepath.IsAbs(native) {
		return nil, fmt.Errorf("path %q is not absolute", native)
	}
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("storage root %q is not absolute", root)
	}

	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(native))
	if err != nil {
		return nil, fmt.Errorf("relativizing %q against %q: %w", native, root, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("%q outside %q: %w", native, root, ErrNotUnderRoot)
	}
	if rel == "." {
		return nil, nil
	}

	return Path(strings.Split(rel, string(filepath.Separator))), nil
}

// Native resolves the path under the given native storage root.
func (p Path) Native(root string) string {
	parts := make([]string, 0, len(p)+1)
	parts = append(parts, root)
	parts = append(parts, p...)
	return filepath.Join(parts...)
}

// String renders the path with "/" separators regardless of platform.
// It is for display and stable serialization only; use Native to build a
// path usable on the current device.
func (p Path) String() string {
	return strings.Join(p, "/")
}

// Equal reports whether two paths have identical segments.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// ParseDisplay parses the "/"-separated display form produced by String.
// Empty input yields the root path. It rejects absolute forms and segments
// that would escape the root.
func ParseDisplay(s string) (Path, error) {
	if s == "" || s == "." {
		return nil, nil
	}
	if strings.HasPrefix(s, "/") {
		return nil, fmt.Errorf("portable path %q must be relative", s)
	}
	segments := strings.Split(strings.ReplaceAll(s, "\\", "/"), "/")
	out := make(Path, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			return nil, fmt.Errorf("portable path %q must not contain %q", s, "..")
		}
		out = append(out, seg)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
