// Package uprobelist parses the listing of probes currently
// defined in "<tracefs>/uprobe_events", so that leftovers
// of previous runs can be located and removed.
package uprobelist

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
)

var regexpProbeItem = regexp.MustCompilePOSIX(
	`^([pr]):([^/ ]+)/([^ ]+) ([^ ]+):0x([0-9a-fA-F]+)(\([^)]*\))?( (.*))?$`)

func init() {
	regexpProbeItem.Longest()
}

// regexpInstanceSuffix matches what follows the logical
// name in "<name>_<pid>_<counter>_<event>". An event name
// never starts with a digit, which keeps the split unique
// even when the logical name ends with digits.
var regexpInstanceSuffix = regexp.MustCompile(
	`^_[0-9]+_[0-9]+_[A-Za-z_][A-Za-z0-9_]*$`)

// regexpEventName matches the names accepted by tracefs.
var regexpEventName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidEvent reports whether the event name is accepted
// by tracefs.
func ValidEvent(event string) bool {
	return regexpEventName.MatchString(event)
}

// InstanceOf reports whether the event was defined by any
// instance of the logical session name, whatever its pid
// and counter.
func InstanceOf(event, name string) bool {
	if name == "" || !strings.HasPrefix(event, name) {
		return false
	}
	return regexpInstanceSuffix.MatchString(event[len(name):])
}

// Probe is a single uprobe definition read back from
// the kernel.
type Probe struct {
	Return bool
	Group  string
	Event  string
	Path   string
	Offset uint64
	Args   []string
}

// Table is the parsed probe listing.
type Table struct {
	probes []Probe
}

// Len returns the number of probes in the table.
func (t *Table) Len() int {
	return len(t.probes)
}

// Probes returns all probes in the order they are listed.
func (t *Table) Probes() []Probe {
	return t.probes
}

// Instances returns the names of the events inside group
// which are defined by instances of the logical name.
func (t *Table) Instances(group, name string) []string {
	var result []string
	for _, probe := range t.probes {
		if probe.Group != group {
			continue
		}
		if InstanceOf(probe.Event, name) {
			result = append(result, probe.Event)
		}
	}
	return result
}

// Parse the content of uprobe_events. Lines that are not
// recognized are skipped.
func Parse(listing []byte) *Table {
	result := &Table{}
	for len(listing) > 0 {
		index := bytes.Index(listing, []byte("\n"))
		current := listing
		if index < 0 {
			listing = nil
		} else {
			current = listing[0:index]
			listing = listing[index+1:]
		}
		// 0: the whole string
		// 1: probe type
		// 2: group name
		// 3: event name
		// 4: binary path
		// 5: hexadecimal offset
		// 6: optional reference counter offset
		// 7: arguments with leading space
		// 8: arguments
		matches := regexpProbeItem.FindSubmatch(
			bytes.TrimRight(current, " \r"))
		if len(matches) == 0 {
			continue
		}
		offset, err := strconv.ParseUint(string(matches[5]), 16, 64)
		if err != nil {
			continue
		}
		probe := Probe{
			Return: matches[1][0] == 'r',
			Group:  string(matches[2]),
			Event:  string(matches[3]),
			Path:   string(matches[4]),
			Offset: offset,
		}
		if args := strings.TrimSpace(string(matches[8])); args != "" {
			probe.Args = strings.Fields(args)
		}
		result.probes = append(result.probes, probe)
	}
	return result
}
