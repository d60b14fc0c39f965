// Package kversion fetches the linux kernel version,
// and parse them with semantic versioning.
package kversion

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// Version stores the kernel version using semantic
// versioning, but converted to a 64bit numeric value so
// that versions compare with plain integer operators.
type Version uint64

// Predefined component for composing into version.
const (
	offsetPreRelease = 0
	bitsPreRelease   = 32
	offsetPatch      = bitsPreRelease
	bitsPatch        = 16
	offsetMinor      = offsetPatch + bitsPatch
	bitsMinor        = 8
	offsetMajor      = offsetMinor + bitsMinor
	bitsMajor        = 64 - offsetMajor
)

// component extracts bits at offset from the version.
func (v Version) component(offset, bits uint) int64 {
	return (int64(v) >> offset) & ((1 << bits) - 1)
}

// Major returns the value of the major version.
func (v Version) Major() int64 { return v.component(offsetMajor, bitsMajor) }

// Minor returns the value of the minor version.
func (v Version) Minor() int64 { return v.component(offsetMinor, bitsMinor) }

// Patch returns the value of the patch version.
func (v Version) Patch() int64 { return v.component(offsetPatch, bitsPatch) }

// PreRelease returns the value of the pre-release version.
func (v Version) PreRelease() int64 {
	return v.component(offsetPreRelease, bitsPreRelease)
}

// String formats the kernel version as triplets.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d-%d",
		v.Major(), v.Minor(), v.Patch(), v.PreRelease())
}

// AtLeast reports whether v is not older than the version
// described by the string, which must be well formed.
func (v Version) AtLeast(version string) bool {
	return v >= Must(version)
}

var regexKv = regexp.MustCompile(
	`^([0-9]+)\.([0-9]+)(\.[0-9]+)?(-[0-9]+)?`)

// Parse the specified kernel version, trailing content
// such as "-generic" or "+" is ignored.
func Parse(version string) (Version, error) {
	m := regexKv.FindStringSubmatch(version)
	if m == nil {
		return Version(0), errors.Errorf("malformed %q", version)
	}

	// Each component is validated against its bit width,
	// the optional ones carry their separator.
	components := []struct {
		name   string
		text   string
		bits   int
		offset uint
	}{
		{"major", m[1], bitsMajor, offsetMajor},
		{"minor", m[2], bitsMinor, offsetMinor},
		{"patch", m[3], bitsPatch, offsetPatch},
		{"pre-release", m[4], bitsPreRelease, offsetPreRelease},
	}
	var result uint64
	for _, c := range components {
		if c.text == "" {
			continue
		}
		text := c.text
		if text[0] == '.' || text[0] == '-' {
			text = text[1:]
		}
		value, err := strconv.ParseUint(text, 10, c.bits)
		if err != nil {
			return Version(0), errors.Wrapf(
				err, "invalid %s %q", c.name, text)
		}
		result |= value << c.offset
	}
	return Version(result), nil
}

// Must forcefully parses the version and panics if
// the version specified cannot resolve.
func Must(version string) Version {
	v, err := Parse(version)
	if err != nil {
		panic(err)
	}
	return v
}

var (
	currentOnce    sync.Once
	currentVersion Version
	currentErr     error
)

// Current returns the version of the running kernel. It is
// read once from procfs on first use.
func Current() (Version, error) {
	currentOnce.Do(func() {
		kv, err := os.ReadFile("/proc/sys/kernel/osrelease")
		if err != nil {
			currentErr = errors.Wrap(err, "read kernel release")
			return
		}
		currentVersion, currentErr = Parse(string(kv))
	})
	return currentVersion, currentErr
}
