package uprobetrace

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/chaitin/uprobetrace/pkg/bytepipe"
)

var (
	// bytesCPUEnd closes the CPU field of a trace line.
	bytesCPUEnd = []byte("] ")

	// bytesTimestampEnd closes the timestamp, and the event
	// name follows right after.
	bytesTimestampEnd = []byte(": ")
)

// traceSource is the live trace stream.
type traceSource interface {
	io.ReadCloser
}

// openTracePipe opens "<tracefs>/trace_pipe".
//
// Unless blocking is requested, the pipe is opened
// non-blocking so that os.NewFile registers it into the
// runtime poller: a pending read is then parked by the
// runtime and closing the file wakes it up immediately.
func openTracePipe(path string, blocking bool) (traceSource, error) {
	flags := unix.O_RDONLY | unix.O_CLOEXEC
	if !blocking {
		flags |= unix.O_NONBLOCK
	}
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %q", path)
	}
	return os.NewFile(uintptr(fd), "trace_pipe"), nil
}

// traceReader turns the trace stream into entries of a
// single session.
//
// The reader thread is the only one reading the source,
// and the consumer side is driven by the caller pulling
// entries. Both sides only meet inside the bytepipe.
type traceReader struct {
	source    traceSource
	pipe      *bytepipe.Pipe
	prefix    []byte
	logger    *zap.SugaredLogger
	stopped   uint32
	closeOnce sync.Once

	// Consumer state. segments holds committed buffers that
	// have not been released yet. The unframed data starts
	// at segments[head][off:], and the search for the next
	// line terminator resumes at segments[scanSeg][scanOff:].
	segments [][]byte
	head     int
	off      int
	scanSeg  int
	scanOff  int
	skipping bool
	line     [][]byte
	body     [][]byte
	header   [headerSize]byte
	entry    *Entry
}

// newTraceReader creates the reader of the session prefix,
// able to decode up to maxArgs arguments per entry.
func newTraceReader(
	source traceSource, prefix string, maxArgs int,
	segments, segmentSize int, logger *zap.SugaredLogger,
) *traceReader {
	return &traceReader{
		source: source,
		pipe:   bytepipe.New(segments, segmentSize),
		prefix: []byte(prefix),
		logger: logger,
		entry:  newEntry(maxArgs),
	}
}

// isStopped reports whether stop has been requested.
func (r *traceReader) isStopped() bool {
	return atomic.LoadUint32(&r.stopped) != 0
}

// stop requests the reader to stop. The consumer observes
// it on its next pull. A blocking read in progress is
// only interrupted when the source is pollable, otherwise
// the reader thread exits after the read returns.
func (r *traceReader) stop() {
	atomic.StoreUint32(&r.stopped, 1)
	r.pipe.Complete()
	r.closeOnce.Do(func() { _ = r.source.Close() })
}

// runReaderThread reads the source into the pipe until
// stopped or the source is exhausted.
func (r *traceReader) runReaderThread() (err error) {
	defer func() { r.pipe.CloseWrite(err) }()
	for {
		buf, acquireErr := r.pipe.Acquire()
		if acquireErr != nil {
			return nil
		}
		var n int
		var readErr error
		for n == 0 && readErr == nil {
			n, readErr = r.source.Read(buf)
			if readErr == syscall.EINTR {
				readErr = nil
			}
		}
		if r.isStopped() {
			return nil
		}
		if n > 0 {
			if r.pipe.Commit(buf[:n]) != nil {
				return nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF || errors.Is(readErr, os.ErrClosed) {
				return nil
			}
			return errors.Wrap(readErr, "read trace pipe")
		}
	}
}

// nextLine frames the next complete line out of the
// segments received so far, without the terminator.
func (r *traceReader) nextLine() ([][]byte, bool) {
	for r.scanSeg < len(r.segments) {
		seg := r.segments[r.scanSeg]
		index := -1
		for i := r.scanOff; i < len(seg); i++ {
			if seg[i] == '\n' {
				index = i
				break
			}
		}
		if index < 0 {
			r.scanSeg++
			r.scanOff = 0
			continue
		}

		// Collect the line from the head to the terminator.
		line := r.line[:0]
		for k := r.head; k <= r.scanSeg; k++ {
			from, to := 0, len(r.segments[k])
			if k == r.head {
				from = r.off
			}
			if k == r.scanSeg {
				to = index
			}
			if from < to {
				line = append(line, r.segments[k][from:to])
			}
		}
		r.line = line

		// Move the head past the terminator.
		r.head = r.scanSeg
		r.off = index + 1
		r.scanOff = index + 1
		if r.off == len(seg) {
			r.head++
			r.off = 0
			r.scanSeg++
			r.scanOff = 0
		}
		if r.skipping {
			r.skipping = false
			continue
		}
		return line, true
	}
	return nil, false
}

// compact releases the segments that are fully consumed.
func (r *traceReader) compact() {
	for k := 0; k < r.head; k++ {
		r.pipe.Release(r.segments[k])
		r.segments[k] = nil
	}
	n := copy(r.segments, r.segments[r.head:])
	for k := n; k < len(r.segments); k++ {
		r.segments[k] = nil
	}
	r.segments = r.segments[:n]
	r.scanSeg -= r.head
	r.head = 0

	// A line that occupies every segment can never be
	// completed since the reader thread has nothing left to
	// read into, so it is dropped up to its terminator.
	if len(r.segments) >= r.pipe.Cap() {
		r.logger.Warnf("drop trace line longer than %d buffers",
			r.pipe.Cap())
		for k := range r.segments {
			r.pipe.Release(r.segments[k])
			r.segments[k] = nil
		}
		r.segments = r.segments[:0]
		r.off, r.scanSeg, r.scanOff = 0, 0, 0
		r.skipping = true
	}
}

// sessionEvent checks whether the line belongs to the
// session, and if so, copies the header and points the
// entry to the body following the prefix.
//
// The event name is the first token after the timestamp,
// which ends with the first ": " following the CPU field.
// The prefix is only matched there, so that arguments of
// foreign events never yield entries.
func (r *traceReader) sessionEvent(line [][]byte) bool {
	if len(r.prefix) == 0 {
		return false
	}
	parts := segments(line)
	cpu := parts.indexFrom(0, bytesCPUEnd)
	if cpu < 0 {
		return false
	}
	name := parts.indexFrom(cpu+len(bytesCPUEnd), bytesTimestampEnd)
	if name < 0 {
		return false
	}
	seg, off := parts.locate(name + len(bytesTimestampEnd))
	if !parts.matchAt(seg, off, r.prefix) {
		return false
	}
	header := r.copyHeader(line, seg, off)
	r.body = r.lineAfter(r.body[:0], line, seg, off+len(r.prefix))
	r.entry.reset(header, r.body)
	return true
}

// copyHeader copies everything before line[seg][off] into
// the header buffer, followed by a space if it fits.
func (r *traceReader) copyHeader(line [][]byte, seg, off int) []byte {
	n := 0
	for k := 0; k <= seg && n < len(r.header); k++ {
		data := line[k]
		if k == seg {
			data = data[:off]
		}
		n += copy(r.header[n:], data)
	}
	if n < len(r.header) {
		r.header[n] = ' '
		n++
	}
	return r.header[:n]
}

// lineAfter appends the parts of the line starting at
// offset off of part seg, where off may run past the end
// of the part.
func (r *traceReader) lineAfter(
	body, line [][]byte, seg, off int,
) [][]byte {
	for ; seg < len(line); seg++ {
		data := line[seg]
		if off >= len(data) {
			off -= len(data)
			continue
		}
		body = append(body, data[off:])
		off = 0
	}
	return body
}

// next pulls the next entry of the session. The entry
// returned last is invalidated.
func (r *traceReader) next() (*Entry, error) {
	for {
		if r.isStopped() {
			return nil, bytepipe.ErrCompleted
		}
		if line, ok := r.nextLine(); ok {
			if r.sessionEvent(line) {
				return r.entry, nil
			}
			continue
		}

		// Every framed line has been yielded, acknowledge
		// them and wait for more data.
		r.compact()
		buf, err := r.pipe.Next()
		if err != nil {
			return nil, err
		}
		r.segments = append(r.segments, buf)
	}
}
