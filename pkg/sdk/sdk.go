// Package sdk parses and formats SDK identifiers.
//
// An SDK identifier names one platform snapshot of system symbols, for example
// "iOS_10.3.1_14E8301": the platform name, the dotted version and the build
// number joined by underscores.
package sdk

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	version "github.com/hashicorp/go-version"
)

// MemDBExtension is the suffix of database objects in the bucket.
const MemDBExtension = ".memdb"

// Info is a parsed SDK identifier.
type Info struct {
	Name  string
	Major uint32
	Minor uint32
	Patch uint32
	Build string
}

// Parse parses an SDK identifier of the form Name_Major.Minor[.Patch]_Build.
func Parse(id string) (Info, error) {
	parts := strings.Split(id, "_")
	if len(parts) != 3 {
		return Info{}, fmt.Errorf("invalid sdk id %q: expected name_version_build", id)
	}
	name, ver, build := parts[0], parts[1], parts[2]
	if name == "" || build == "" {
		return Info{}, fmt.Errorf("invalid sdk id %q: empty name or build", id)
	}
	if !isAlnum(name) || !isAlnum(build) {
		return Info{}, fmt.Errorf("invalid sdk id %q: unexpected characters", id)
	}

	segments := strings.Split(ver, ".")
	if len(segments) < 2 || len(segments) > 3 {
		return Info{}, fmt.Errorf("invalid sdk id %q: bad version %q", id, ver)
	}
	var nums [3]uint32
	for i, s := range segments {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return Info{}, fmt.Errorf("invalid sdk id %q: bad version %q", id, ver)
		}
		nums[i] = uint32(n)
	}

	return Info{
		Name:  name,
		Major: nums[0],
		Minor: nums[1],
		Patch: nums[2],
		Build: build,
	}, nil
}

// ParseObjectName extracts the SDK info from a bucket object name such as
// "iOS_10.3.1_14E8301.memdb". Only the canonical name of an SDK is accepted:
// "iOS_10.3_14E277.memdb" or a nested "sdks/iOS_10.3.1_14E8301.memdb" would
// never be found by Load, so they are not reported either.
func ParseObjectName(name string) (Info, bool) {
	if !strings.HasSuffix(name, MemDBExtension) {
		return Info{}, false
	}
	info, err := Parse(strings.TrimSuffix(name, MemDBExtension))
	if err != nil || info.ObjectName() != name {
		return Info{}, false
	}
	return info, true
}

// ID returns the canonical identifier. The patch component is always written.
func (i Info) ID() string {
	return fmt.Sprintf("%s_%d.%d.%d_%s", i.Name, i.Major, i.Minor, i.Patch, i.Build)
}

func (i Info) String() string { return i.ID() }

// Version returns the dotted version of the SDK.
func (i Info) Version() string {
	return fmt.Sprintf("%d.%d.%d", i.Major, i.Minor, i.Patch)
}

// ObjectName returns the bucket object holding the database of this SDK.
func (i Info) ObjectName() string {
	return i.ID() + MemDBExtension
}

// Less orders by platform name, then version, then build.
func (i Info) Less(o Info) bool {
	if i.Name != o.Name {
		return i.Name < o.Name
	}
	vi, erri := version.NewVersion(i.Version())
	vo, erro := version.NewVersion(o.Version())
	if erri == nil && erro == nil && !vi.Equal(vo) {
		return vi.LessThan(vo)
	}
	return i.Build < o.Build
}

// Sort sorts infos in place, see Info.Less.
func Sort(infos []Info) {
	sort.Slice(infos, func(a, b int) bool {
		return infos[a].Less(infos[b])
	})
}

func isAlnum(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
