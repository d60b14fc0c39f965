// Package uprobetrace attaches user space probes to
// functions of running binaries and shared libraries
// through the linux tracefs, and streams the events
// fired by them together with their captured arguments.
//
// A Session owns a uniquely named set of probes. After the
// probes are registered and the session is enabled, the
// caller pulls entries from Session.Entries in the exact
// order the kernel emitted them, which allows correlating
// the entry and the return of a function on the same
// thread.
package uprobetrace

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrImageUnreadable is returned when the binary cannot
	// be opened or is not a valid ELF image.
	ErrImageUnreadable = errors.New("image unreadable")

	// ErrSymbolNotFound is returned when the dynamic symbol
	// table of the binary has no such symbol.
	ErrSymbolNotFound = errors.New("symbol not found")

	// ErrDefinitionWriteFailed is returned when the kernel
	// refuses a probe definition or its enable file.
	ErrDefinitionWriteFailed = errors.New("definition write failed")

	// ErrBufferOverflow is returned when a rendered probe
	// definition does not fit into the definition buffer.
	ErrBufferOverflow = errors.New("definition buffer overflow")

	// ErrFormat is returned when the header or an argument
	// of a trace entry cannot be decoded.
	ErrFormat = errors.New("malformed trace entry")

	// ErrFault is returned when the kernel could not fetch
	// the argument from the traced process.
	ErrFault = errors.New("argument fetch fault")

	// ErrSessionState is returned when an operation is not
	// allowed in the current state of the session.
	ErrSessionState = errors.New("invalid session state")
)

type option struct {
	tracefsPath   string
	pid           int
	segments      int
	segmentSize   int
	blockingRead  bool
	logger        *zap.Logger
	openSymbols   func(string) (symbolTable, error)
	openTracePipe func(string, bool) (traceSource, error)
}

// Option to initialize the session.
type Option func(*option)

// WithTraceFSPath is the path of the tracefs. The default
// is detected, preferring "/sys/kernel/tracing" and
// falling back to "/sys/kernel/debug/tracing".
func WithTraceFSPath(path string) Option {
	return func(opt *option) {
		opt.tracefsPath = path
	}
}

// WithPID overrides the process id embedded in the probe
// names. The default value is os.Getpid().
func WithPID(pid int) Option {
	return func(opt *option) {
		opt.pid = pid
	}
}

// WithPipeSegments specifies the amount of read buffers
// shared between the reader thread and the consumer. The
// default value is 16.
func WithPipeSegments(segments int) Option {
	return func(opt *option) {
		opt.segments = segments
	}
}

// WithSegmentSize specifies the size of each read buffer.
// The default value is 64KiB.
func WithSegmentSize(size int) Option {
	return func(opt *option) {
		opt.segmentSize = size
	}
}

// WithBlockingRead forces the reader thread to use plain
// blocking reads on the trace pipe. Stopping the session
// is then only noticed after the next event arrives. It is
// the default on kernels older than 3.11.
func WithBlockingRead(blocking bool) Option {
	return func(opt *option) {
		opt.blockingRead = blocking
	}
}

// WithLogger specifies the logger for the session.
// The default value is zap.L().
func WithLogger(logger *zap.Logger) Option {
	return func(opt *option) {
		opt.logger = logger
	}
}

// WithOptions aggregate a set of options together.
func WithOptions(opts ...Option) Option {
	return func(o *option) {
		for _, opt := range opts {
			opt(o)
		}
	}
}

// newOption creates the option with all default values.
func newOption() *option {
	return &option{
		segments:      16,
		segmentSize:   64 * 1024,
		logger:        zap.L(),
		openSymbols:   openELFSymbols,
		openTracePipe: openTracePipe,
	}
}
