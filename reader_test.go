package uprobetrace

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chaitin/uprobetrace/pkg/bytepipe"
)

// chunkReader returns the chunks one read at a time, and
// never more than a chunk in a single read.
type chunkReader struct {
	chunks []string
	closed bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.chunks) > 0 && r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	return n, nil
}

func (r *chunkReader) Close() error {
	r.closed = true
	return nil
}

// tracedEntry is what the tests collect from an entry.
type tracedEntry struct {
	Event  string
	TID    int
	Arg    string
	Header string
}

// collectEntries runs the reader until the source is
// exhausted, and returns every entry yielded.
func collectEntries(t *testing.T, reader *traceReader) []tracedEntry {
	done := make(chan error, 1)
	go func() { done <- reader.runReaderThread() }()
	var result []tracedEntry
	for {
		entry, err := reader.next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		tid, err := entry.TID()
		require.NoError(t, err)
		arg, err := entry.StringArg(0)
		require.NoError(t, err)
		result = append(result, tracedEntry{
			Event:  entry.Event(),
			TID:    tid,
			Arg:    arg,
			Header: string(entry.header),
		})
	}
	require.NoError(t, <-done)
	return result
}

var (
	testTraceLines = strings.Join([]string{
		"            bash-24842   [006] d... 258544.995456: " +
			"s_1_1_ReadLine: (0x55ddc4d7e5fd <- 0x55ddc4d2a6b0) _arg0=\"ls -al\"",
		"            sshd-1000    [001] d... 258545.000000: " +
			"other_1_1_Accept: (0x1000) _arg0=\"foreign\"",
		"            sshd-1000    [001] d... 258545.050000: " +
			"other_1_1_Accept: (0x1000) _arg0=\"s_1_1_Open: (0x1) _arg0=x\"",
		"            bash-24843   [002] d... 258545.100000: " +
			"s_1_1_Open: (0x401000) _arg0=\"/etc/passwd\"",
		"",
	}, "\n")
	testTraceEntries = []tracedEntry{
		{
			Event: "ReadLine", TID: 24842, Arg: "ls -al",
			Header: "            bash-24842   [006] d... 258544.995456:  ",
		},
		{
			Event: "Open", TID: 24843, Arg: "/etc/passwd",
			Header: "            bash-24843   [002] d... 258545.100000:  ",
		},
	}
)

// TestReaderChunks feeds the same stream cut at every
// possible position, and into buffers smaller than a line.
func TestReaderChunks(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	for cut := 0; cut <= len(testTraceLines); cut++ {
		source := &chunkReader{chunks: []string{
			testTraceLines[:cut], testTraceLines[cut:],
		}}
		reader := newTraceReader(source, "s_1_1_", 1, 16, 32, logger)
		assert.Equal(t, testTraceEntries,
			collectEntries(t, reader), "cut %d", cut)
	}
	for _, segmentSize := range []int{1, 7, 64, 4096} {
		source := &chunkReader{chunks: []string{testTraceLines}}
		reader := newTraceReader(source, "s_1_1_", 1, 256,
			segmentSize, logger)
		assert.Equal(t, testTraceEntries,
			collectEntries(t, reader), "size %d", segmentSize)
	}
}

func TestReaderPartialLine(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	source := &chunkReader{chunks: []string{
		testTraceLines + "            bash-1 [000] d... 1.0: s_1_1_Open",
	}}
	reader := newTraceReader(source, "s_1_1_", 1, 8, 64, logger)
	assert.Equal(t, testTraceEntries, collectEntries(t, reader))
}

func TestReaderDropLongLine(t *testing.T) {
	assert := assert.New(t)
	logger := zaptest.NewLogger(t).Sugar()
	long := "a-1 [0] 1.0: p_Long: _arg0=" + strings.Repeat("x", 100)
	short := "a-2 [0] 1.0: p_Short: _arg0=7"
	source := &chunkReader{chunks: []string{long + "\n" + short + "\n"}}
	reader := newTraceReader(source, "p_", 1, 4, 16, logger)

	go func() { _ = reader.runReaderThread() }()
	entry, err := reader.next()
	require.NoError(t, err)
	assert.True(entry.IsEvent("Short"))
	value, err := entry.LongArg(0)
	assert.NoError(err)
	assert.Equal(int64(7), value)
	_, err = reader.next()
	assert.Equal(io.EOF, err)
}

// pipeSource wraps the read side of io.Pipe.
type pipeSource struct {
	*io.PipeReader
}

func TestReaderStop(t *testing.T) {
	assert := assert.New(t)
	logger := zaptest.NewLogger(t).Sugar()
	pr, pw := io.Pipe()
	reader := newTraceReader(pipeSource{pr}, "s_1_1_", 1, 2, 64, logger)
	done := make(chan error, 1)
	go func() { done <- reader.runReaderThread() }()

	go func() {
		_, _ = pw.Write([]byte(testTraceLines))
	}()
	entry, err := reader.next()
	require.NoError(t, err)
	assert.True(entry.IsEvent("ReadLine"))

	reader.stop()
	_, err = reader.next()
	assert.True(errors.Is(err, bytepipe.ErrCompleted))
	select {
	case err := <-done:
		assert.NoError(err)
	case <-time.After(5 * time.Second):
		t.Fatal("reader thread is not stopped")
	}
	reader.stop()
}
