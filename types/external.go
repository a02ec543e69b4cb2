package types

import (
	"fmt"
	"sort"
)

// ExternalPolicy selects how a run's external file references are handled.
type ExternalPolicy string

const (
	// ExternalRecord records referenced files for later copying or listing.
	ExternalRecord ExternalPolicy = ""
	// ExternalFill inlines external data into the documents and drops
	// resource and datum documents from the output.
	ExternalFill ExternalPolicy = "fill"
	// ExternalIgnore skips file discovery entirely.
	ExternalIgnore ExternalPolicy = "ignore"
)

// ParseExternalPolicy validates a policy name. The empty string is the
// record policy.
func ParseExternalPolicy(s string) (ExternalPolicy, error) {
	switch p := ExternalPolicy(s); p {
	case ExternalRecord, ExternalFill, ExternalIgnore:
		return p, nil
	default:
		return "", fmt.Errorf("unknown external policy %q (valid: fill, ignore, or empty)", s)
	}
}

// String returns a printable name; the record policy prints as "record".
func (p ExternalPolicy) String() string {
	if p == ExternalRecord {
		return "record"
	}
	return string(p)
}

// RootKey identifies one external root referenced by a batch.
type RootKey struct {
	// RootInDocument is the root as recorded in the resource document.
	RootInDocument string
	// ResolvedRoot is RootInDocument after applying the catalog root map.
	ResolvedRoot string
	// UniqueID is the salted alias of ResolvedRoot.
	UniqueID string
}

// PathSet is an unordered set of paths.
type PathSet map[string]struct{}

// NewPathSet returns a set holding paths.
func NewPathSet(paths ...string) PathSet {
	s := make(PathSet, len(paths))
	s.Add(paths...)
	return s
}

// Add inserts paths into the set.
func (s PathSet) Add(paths ...string) {
	for _, p := range paths {
		s[p] = struct{}{}
	}
}

// Union adds every member of other to s.
func (s PathSet) Union(other PathSet) {
	for p := range other {
		s[p] = struct{}{}
	}
}

// Has reports membership.
func (s PathSet) Has(p string) bool {
	_, ok := s[p]
	return ok
}

// Sorted returns the members in ascending order.
func (s PathSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// FilesByKey maps each external root to the files referenced under it.
type FilesByKey map[RootKey]PathSet

// Add records files under key.
func (f FilesByKey) Add(key RootKey, files ...string) {
	set, ok := f[key]
	if !ok {
		set = make(PathSet, len(files))
		f[key] = set
	}
	set.Add(files...)
}

// Merge unions every key of other into f.
func (f FilesByKey) Merge(other FilesByKey) {
	for key, files := range other {
		set, ok := f[key]
		if !ok {
			set = make(PathSet, len(files))
			f[key] = set
		}
		set.Union(files)
	}
}

// Keys returns the keys ordered by unique ID, then resolved root, then
// root in document.
func (f FilesByKey) Keys() []RootKey {
	keys := make([]RootKey, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.UniqueID != b.UniqueID {
			return a.UniqueID < b.UniqueID
		}
		if a.ResolvedRoot != b.ResolvedRoot {
			return a.ResolvedRoot < b.ResolvedRoot
		}
		return a.RootInDocument < b.RootInDocument
	})
	return keys
}

// ArtifactsAll is the label serializers use for every document file.
const ArtifactsAll = "all"

// Artifacts maps a label to the locations written under it.
type Artifacts map[string]PathSet

// Add records locations under label.
func (a Artifacts) Add(label string, locations ...string) {
	set, ok := a[label]
	if !ok {
		set = make(PathSet, len(locations))
		a[label] = set
	}
	set.Add(locations...)
}

// Merge unions every label of other into a.
func (a Artifacts) Merge(other Artifacts) {
	for label, locs := range other {
		set, ok := a[label]
		if !ok {
			set = make(PathSet, len(locs))
			a[label] = set
		}
		set.Union(locs)
	}
}

// Sorted returns the locations recorded under label in ascending order.
func (a Artifacts) Sorted(label string) []string {
	return a[label].Sorted()
}
