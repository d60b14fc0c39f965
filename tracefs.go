package uprobetrace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/chaitin/uprobetrace/pkg/uprobelist"
)

// uprobeGroup is the group of events defined without an
// explicit group name.
const uprobeGroup = "uprobes"

// Well known tracefs locations, in order of preference.
var traceFSCandidates = []string{
	"/sys/kernel/tracing",
	"/sys/kernel/debug/tracing",
}

// setError represents a set of errors that could be returned
// by tracefs when operating on a set of entities.
type setError struct {
	Op  string
	Arg []string
	Err []error
}

// Error returns the formatted error string.
func (e *setError) Error() string {
	var errString []string
	for _, err := range e.Err {
		errString = append(errString, err.Error())
	}
	return fmt.Sprintf(
		"errors returned while %s(%q): %s", e.Op,
		strings.Join(e.Arg, ", "),
		strings.Join(errString, "\n"))
}

// add records err into the set, flattening nested sets.
func (e *setError) add(err error) {
	if err == nil {
		return
	}
	if subset, ok := err.(*setError); ok {
		e.Err = append(e.Err, subset.Err...)
		return
	}
	e.Err = append(e.Err, err)
}

// result returns the set or nil if nothing was recorded.
func (e *setError) result() error {
	if len(e.Err) > 0 {
		return e
	}
	return nil
}

// isTraceFS verifies that the specified file system is
// tracefs or debugfs, the debugfs directory must have last
// component name of tracing.
func isTraceFS(root string) bool {
	var fs unix.Statfs_t
	if err := unix.Statfs(root, &fs); err != nil {
		return false
	}
	if fs.Type == unix.TRACEFS_MAGIC {
		return true
	}
	return fs.Type == unix.DEBUGFS_MAGIC &&
		filepath.Base(root) == "tracing"
}

// detectTraceFS returns the first mounted tracefs.
func detectTraceFS() (string, error) {
	for _, candidate := range traceFSCandidates {
		if isTraceFS(candidate) {
			return candidate, nil
		}
	}
	return "", errors.Errorf(
		"no tracefs mounted at %s",
		strings.Join(traceFSCandidates, " or "))
}

// eventFilePath evaluates the path of a control file of
// the event, "<tracefs>/events/uprobes/<event>/<file>".
func eventFilePath(root, event, file string) string {
	return filepath.Join(root, "events", uprobeGroup, event, file)
}

// writeControl performs exactly one write of data into
// the control file.
func writeControl(path string, data []byte) error {
	fd, err := unix.Open(path,
		unix.O_WRONLY|unix.O_APPEND|unix.O_CLOEXEC, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = unix.Close(fd) }()
	n, err := unix.Write(fd, data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return errors.Errorf("short write %d of %d", n, len(data))
	}
	return nil
}

// defineProbe writes a rendered definition line into
// "<tracefs>/uprobe_events".
func defineProbe(root string, line []byte) error {
	err := writeControl(filepath.Join(root, "uprobe_events"), line)
	if err == nil {
		return nil
	}
	definition := strings.TrimSuffix(string(line), "\n")
	if err == syscall.EINVAL {
		return errors.Wrapf(ErrDefinitionWriteFailed,
			"probe expression %q syntax error", definition)
	}
	return errors.Wrapf(ErrDefinitionWriteFailed,
		"define %q: %s", definition, err)
}

// setProbeEnabled writes into the enable file of the event.
func setProbeEnabled(root, event string, enabled bool) error {
	value := []byte("0")
	if enabled {
		value = []byte("1")
	}
	if err := os.WriteFile(eventFilePath(root, event, "enable"),
		value, os.FileMode(0600)); err != nil {
		return errors.Wrapf(ErrDefinitionWriteFailed,
			"set event %q enabled=%t: %s", event, enabled, err)
	}
	return nil
}

// setProbeFilter writes the filter expression of the event.
func setProbeFilter(root, event, filter string) error {
	target := eventFilePath(root, event, "filter")
	err := os.WriteFile(target, []byte(filter), os.FileMode(0600))
	if err == nil {
		return nil
	}

	// Report error directly if it is not EINVAL, otherwise
	// the kernel leaves the cause inside the filter file.
	pathErr, ok := err.(*os.PathError)
	if !ok || pathErr.Err != syscall.EINVAL {
		return errors.Wrapf(ErrDefinitionWriteFailed,
			"set event %q filter: %s", event, err)
	}
	cause, readErr := os.ReadFile(target)
	if readErr != nil {
		return errors.Wrapf(ErrDefinitionWriteFailed,
			"set event %q filter: %s", event, err)
	}
	return errors.Wrapf(ErrDefinitionWriteFailed,
		"filter expression %q syntax error: %s",
		filter, strings.TrimSpace(string(cause)))
}

// removeProbe will attempt to remove a single probe. An
// already removed probe is not considered an error. The
// probe must have been disabled, the kernel refuses to
// remove an enabled probe with EBUSY.
func removeProbe(root, event string) error {
	var buf definitionBuffer
	line, err := buf.renderUndefine("", event)
	if err != nil {
		return err
	}
	err = writeControl(filepath.Join(root, "uprobe_events"), line)
	if err == nil || err == syscall.ENOENT {
		return nil
	}
	return errors.Wrapf(err, "remove %q", event)
}

// listProbes collects the names of defined uprobe events
// belonging to any instance of the logical session name,
// both from the uprobe_events listing and from the event
// directories.
func listProbes(root, name string) ([]string, error) {
	set := &setError{
		Op:  "listProbes",
		Arg: []string{root, name},
	}
	seen := make(map[string]struct{})
	var names []string
	collect := func(event string) {
		if _, ok := seen[event]; ok {
			return
		}
		seen[event] = struct{}{}
		names = append(names, event)
	}

	listing, err := os.ReadFile(filepath.Join(root, "uprobe_events"))
	if err != nil && !os.IsNotExist(err) {
		set.add(err)
	}
	for _, event := range uprobelist.Parse(listing).Instances(
		uprobeGroup, name) {
		collect(event)
	}

	dirents, err := os.ReadDir(filepath.Join(root, "events", uprobeGroup))
	if err != nil && !os.IsNotExist(err) {
		set.add(err)
	}
	for _, dirent := range dirents {
		if dirent.IsDir() && uprobelist.InstanceOf(dirent.Name(), name) {
			collect(dirent.Name())
		}
	}
	return names, set.result()
}

// removeAllProbe disables and removes every uprobe event
// of any instance of the logical session name.
func removeAllProbe(root, name string) ([]string, error) {
	if name == "" {
		return nil, errors.New("invalid empty session name")
	}
	set := &setError{
		Op:  "removeAllProbe",
		Arg: []string{root, name},
	}
	names, err := listProbes(root, name)
	set.add(err)
	for _, event := range names {
		_ = setProbeEnabled(root, event, false)
		set.add(removeProbe(root, event))
	}
	return names, set.result()
}
