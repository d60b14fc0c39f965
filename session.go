package uprobetrace

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chaitin/uprobetrace/pkg/bytepipe"
	"github.com/chaitin/uprobetrace/pkg/kversion"
	"github.com/chaitin/uprobetrace/pkg/uprobelist"
)

// sessionCounter numbers the sessions created inside this
// process. It starts at zero and is never reset, so that
// each session in the process has a distinct identity.
var sessionCounter uint64

// Identity is what makes the probes of a session distinct
// from those of any other session, in this process or in
// another one.
type Identity struct {
	Name    string
	PID     int
	Counter uint64
}

// newIdentity allocates the identity of a new session.
func newIdentity(name string, pid int) Identity {
	return Identity{
		Name:    name,
		PID:     pid,
		Counter: atomic.AddUint64(&sessionCounter, 1),
	}
}

// Prefix is the instance prefix "<name>_<pid>_<counter>_"
// of every event name defined by the session.
func (id Identity) Prefix() string {
	return id.Name + "_" + strconv.Itoa(id.PID) + "_" +
		strconv.FormatUint(id.Counter, 10) + "_"
}

// sessionState is the lifecycle of a session, it only
// moves forward.
type sessionState int

const (
	stateCreated = sessionState(iota)
	stateEnabled
	stateDisposed
)

// Session owns a set of probes and the kernel state they
// create, as well as the reader streaming their events.
//
// A session is not safe for concurrent use, except that
// Close may be called while another goroutine pulls from
// the iterator returned by Entries.
type Session struct {
	option   *option
	logger   *zap.SugaredLogger
	identity Identity
	prefix   string
	root     string
	probes   []Probe
	symbols  *symbolResolver
	reader   *traceReader
	group    *errgroup.Group
	state    sessionState

	// interruptible tells whether stopping the reader
	// wakes up its read immediately.
	interruptible bool
}

// New creates a session with the logical name. The name
// must be unique among concurrently running programs, as
// enabling the session removes the leftovers of previous
// sessions with the same name.
func New(name string, options ...Option) (*Session, error) {
	if name == "" {
		return nil, errors.New("invalid empty session name")
	}
	opt := newOption()
	WithOptions(options...)(opt)
	pid := opt.pid
	if pid == 0 {
		pid = os.Getpid()
	}
	identity := newIdentity(name, pid)
	logger := opt.logger.Named("uprobetrace").Sugar().With(
		zap.String("session", identity.Prefix()))
	return &Session{
		option:   opt,
		logger:   logger,
		identity: identity,
		prefix:   identity.Prefix(),
		symbols:  newSymbolResolver(opt.openSymbols),
	}, nil
}

// Identity returns the identity of the session.
func (s *Session) Identity() Identity {
	return s.identity
}

// Prefix returns the instance prefix of the session.
func (s *Session) Prefix() string {
	return s.prefix
}

// Add registers a probe. Probes can only be registered
// before the session is enabled.
func (s *Session) Add(probe Probe) error {
	if s.state != stateCreated {
		return errors.Wrap(ErrSessionState, "add probe")
	}
	if probe.Event == "" || probe.Path == "" || probe.Symbol == "" {
		return errors.Errorf(
			"probe requires event, path and symbol, got %+v", probe)
	}
	if !uprobelist.ValidEvent(probe.Event) {
		return errors.Errorf("invalid event name %q", probe.Event)
	}
	probe.Args = append([]FetchArg(nil), probe.Args...)
	s.probes = append(s.probes, probe)
	return nil
}

// AddProbe registers a probe on entry of the function.
func (s *Session) AddProbe(
	event, path, symbol string, args ...FetchArg,
) error {
	return s.Add(Probe{
		Event: event, Path: path, Symbol: symbol, Args: args,
	})
}

// AddReturnProbe registers a probe on return of the
// function.
func (s *Session) AddReturnProbe(
	event, path, symbol string, args ...FetchArg,
) error {
	return s.Add(Probe{
		Event: event, Path: path, Symbol: symbol, Args: args,
		Return: true,
	})
}

// traceRoot resolves the tracefs path.
func (s *Session) traceRoot() (string, error) {
	if s.option.tracefsPath != "" {
		return s.option.tracefsPath, nil
	}
	return detectTraceFS()
}

// blockingRead decides whether the trace pipe must be
// read with plain blocking reads.
//
// XXX: on linux version 3.10, the epoll will fail to
// generate edge trigger event for tracefs files, so the
// runtime poller would never wake the reader up.
func (s *Session) blockingRead() bool {
	if s.option.blockingRead {
		return true
	}
	current, err := kversion.Current()
	if err != nil {
		s.logger.Debugf("unknown kernel version: %s", err)
		return true
	}
	return !current.AtLeast("3.11")
}

// removeStaleProbes removes the probes left by previous
// instances with the same logical name. Failures are only
// logged.
func (s *Session) removeStaleProbes() {
	names, err := removeAllProbe(s.root, s.identity.Name)
	for _, name := range names {
		s.logger.Infof("removed stale probe %q", name)
	}
	if err != nil {
		s.logger.Warnf("remove stale probes: %s", err)
	}
}

// defineProbes resolves and writes every probe definition,
// followed by the filters of the probes.
func (s *Session) defineProbes() error {
	var buf definitionBuffer
	for i := range s.probes {
		probe := &s.probes[i]
		offset, err := s.symbols.resolve(probe.Path, probe.Symbol)
		if err != nil {
			return errors.Wrapf(err, "resolve probe %q", probe.Event)
		}
		line, err := buf.renderDefine(s.prefix, probe, offset)
		if err != nil {
			return errors.Wrapf(err, "render probe %q", probe.Event)
		}
		if err := defineProbe(s.root, line); err != nil {
			return err
		}
		s.logger.Debugf("defined probe %q at %s:0x%x",
			probe.Event, probe.Path, offset)
	}
	for i := range s.probes {
		probe := &s.probes[i]
		if probe.Filter == "" {
			continue
		}
		if err := setProbeFilter(s.root,
			s.prefix+probe.Event, probe.Filter); err != nil {
			return err
		}
	}
	return nil
}

// maxArgs is the largest argument count of the probes.
func (s *Session) maxArgs() int {
	result := 0
	for _, probe := range s.probes {
		if len(probe.Args) > result {
			result = len(probe.Args)
		}
	}
	return result
}

// Enable removes stale probes, defines and enables every
// registered probe, and starts reading their events.
//
// Enabling is not transactional. On error the probes
// defined so far are left in place, and Close must still
// be called to remove them.
func (s *Session) Enable() error {
	if s.state != stateCreated {
		return errors.Wrap(ErrSessionState, "enable")
	}
	if len(s.probes) == 0 {
		return errors.New("no probe registered")
	}
	root, err := s.traceRoot()
	if err != nil {
		return err
	}
	s.root = root
	s.removeStaleProbes()
	if err := s.defineProbes(); err != nil {
		return err
	}
	for _, probe := range s.probes {
		if err := setProbeEnabled(
			s.root, s.prefix+probe.Event, true); err != nil {
			return err
		}
	}

	blocking := s.blockingRead()
	source, err := s.option.openTracePipe(
		filepath.Join(s.root, "trace_pipe"), blocking)
	if err != nil {
		return err
	}
	s.interruptible = !blocking
	s.reader = newTraceReader(source, s.prefix, s.maxArgs(),
		s.option.segments, s.option.segmentSize, s.logger)
	s.group = &errgroup.Group{}
	reader := s.reader
	logger := s.logger
	s.group.Go(func() error {
		err := reader.runReaderThread()
		if err != nil {
			logger.Errorf("reader thread: %s", err)
		}
		return err
	})
	s.state = stateEnabled
	s.logger.Infof("enabled %d probes", len(s.probes))
	return nil
}

// Close stops the reader, then disables and removes every
// probe of the session. Every step is attempted whatever
// the failures of the previous ones, and closing more than
// once does nothing.
func (s *Session) Close() {
	if s.state == stateDisposed {
		return
	}
	if s.reader != nil {
		s.reader.stop()
		if s.interruptible {
			_ = s.group.Wait()
		}
	}
	if s.root != "" {
		for _, probe := range s.probes {
			if err := setProbeEnabled(s.root,
				s.prefix+probe.Event, false); err != nil {
				s.logger.Debugf("disable probe %q: %s", probe.Event, err)
			}
		}
		for _, probe := range s.probes {
			if err := removeProbe(s.root,
				s.prefix+probe.Event); err != nil {
				s.logger.Debugf("remove probe %q: %s", probe.Event, err)
			}
		}
	}
	s.symbols.reset()
	s.state = stateDisposed
}

// Iterator pulls the entries of the session.
type Iterator struct {
	ctx    context.Context
	reader *traceReader
	entry  *Entry
	err    error
	doneCh chan struct{}
	ended  bool
}

// Entries returns an iterator over the entries of the
// enabled session, in the order the kernel emitted them.
//
// Cancelling ctx requests the reader to stop. Only one
// iterator may be consumed at a time, and when it ends,
// the reader is stopped.
func (s *Session) Entries(ctx context.Context) *Iterator {
	it := &Iterator{ctx: ctx, doneCh: make(chan struct{})}
	if s.state != stateEnabled {
		it.err = errors.Wrap(ErrSessionState, "entries")
		it.ended = true
		close(it.doneCh)
		return it
	}
	it.reader = s.reader
	go func() {
		select {
		case <-ctx.Done():
			it.reader.stop()
		case <-it.reader.pipe.Done():
		case <-it.doneCh:
		}
	}()
	return it
}

// Next waits for the next entry, and returns false once
// the stream ends or the iterator is cancelled.
func (it *Iterator) Next() bool {
	if it.ended {
		return false
	}
	entry, err := it.reader.next()
	if err == nil {
		it.entry = entry
		return true
	}
	it.entry = nil
	it.ended = true
	close(it.doneCh)
	if ctxErr := it.ctx.Err(); ctxErr != nil {
		it.err = ctxErr
	} else if !errors.Is(err, bytepipe.ErrCompleted) &&
		!errors.Is(err, io.EOF) {
		it.err = err
	}
	return false
}

// Entry returns the current entry, which is only valid
// until the next call to Next.
func (it *Iterator) Entry() *Entry {
	return it.entry
}

// Err returns the error ending the iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}
