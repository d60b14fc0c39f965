package uprobetrace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFakeTraceFS lays out the files of a tracefs in a
// temporary directory. Writes into the control files are
// only recorded, nothing is interpreted.
func newFakeTraceFS(t *testing.T, listing string, events ...string) string {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "uprobe_events"), []byte(listing), 0600))
	for _, event := range events {
		addFakeEvent(t, root, event)
	}
	return root
}

// addFakeEvent creates the control directory of an event.
func addFakeEvent(t *testing.T, root, event string) {
	dir := filepath.Join(root, "events", uprobeGroup, event)
	require.NoError(t, os.MkdirAll(dir, 0700))
	for _, file := range []string{"enable", "filter"} {
		require.NoError(t, os.WriteFile(
			filepath.Join(dir, file), nil, 0600))
	}
}

// readFakeFile returns the content of a tracefs file.
func readFakeFile(t *testing.T, path ...string) string {
	data, err := os.ReadFile(filepath.Join(path...))
	require.NoError(t, err)
	return string(data)
}

func TestDefineAndEnable(t *testing.T) {
	assert := assert.New(t)
	root := newFakeTraceFS(t, "", "s_1_1_Open")

	assert.NoError(defineProbe(root,
		[]byte("p:s_1_1_Open /bin/true:0x10\n")))
	assert.NoError(defineProbe(root,
		[]byte("r:s_1_1_Exit /bin/true:0x20\n")))
	assert.Equal("p:s_1_1_Open /bin/true:0x10\n"+
		"r:s_1_1_Exit /bin/true:0x20\n",
		readFakeFile(t, root, "uprobe_events"))

	assert.NoError(setProbeEnabled(root, "s_1_1_Open", true))
	assert.Equal("1", readFakeFile(t,
		eventFilePath(root, "s_1_1_Open", "enable")))
	assert.NoError(setProbeEnabled(root, "s_1_1_Open", false))
	assert.Equal("0", readFakeFile(t,
		eventFilePath(root, "s_1_1_Open", "enable")))
	assert.NoError(setProbeFilter(root, "s_1_1_Open", "_arg0 != 0"))
	assert.Equal("_arg0 != 0", readFakeFile(t,
		eventFilePath(root, "s_1_1_Open", "filter")))

	err := setProbeEnabled(root, "s_1_1_Missing", true)
	assert.True(errors.Is(err, ErrDefinitionWriteFailed))
	err = defineProbe(filepath.Join(root, "nonexistent"),
		[]byte("p:s_1_1_Open /bin/true:0x10\n"))
	assert.True(errors.Is(err, ErrDefinitionWriteFailed))
}

func TestRemoveAllProbe(t *testing.T) {
	assert := assert.New(t)
	listing := "p:uprobes/stale_1_1_Foo /bin/true:0x10\n" +
		"r:uprobes/other_1_1_Bar /bin/true:0x20 _arg0=$retval\n" +
		"p:custom/stale_1_1_Baz /bin/true:0x30\n" +
		"p:uprobes/stale_bar_4321_1_Live /bin/true:0x40\n"
	root := newFakeTraceFS(t, listing,
		"stale_9_9_Dir", "other_2_2_Dir", "stale_bar_4321_1_Live")
	require.NoError(t, setProbeEnabled(root, "stale_bar_4321_1_Live", true))

	names, err := listProbes(root, "stale")
	assert.NoError(err)
	assert.Equal([]string{"stale_1_1_Foo", "stale_9_9_Dir"}, names)

	names, err = removeAllProbe(root, "stale")
	assert.NoError(err)
	assert.Equal([]string{"stale_1_1_Foo", "stale_9_9_Dir"}, names)
	assert.Equal(listing+"-:stale_1_1_Foo\n-:stale_9_9_Dir\n",
		readFakeFile(t, root, "uprobe_events"))
	assert.Equal("0", readFakeFile(t,
		eventFilePath(root, "stale_9_9_Dir", "enable")))
	assert.Equal("", readFakeFile(t,
		eventFilePath(root, "other_2_2_Dir", "enable")))

	// Another session whose name only starts with the same
	// name is left running.
	assert.Equal("1", readFakeFile(t,
		eventFilePath(root, "stale_bar_4321_1_Live", "enable")))

	_, err = removeAllProbe(root, "")
	assert.Error(err)
}

func TestRemoveProbeMissing(t *testing.T) {
	root := t.TempDir()
	assert.NoError(t, removeProbe(root, "s_1_1_Open"))
}
