// Package bytepipe is a bounded pipe of byte segments
// between exactly one producer and exactly one consumer.
//
// The pipe owns a fixed number of segments. The producer
// acquires a free segment, fills it and commits it, while
// the consumer receives committed segments in order and
// releases them once it no longer references their bytes.
// When every segment is held by the consumer, the producer
// blocks in Acquire, which is the only flow control.
package bytepipe

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

// ErrCompleted is returned on both sides once the pipe has
// been completed through Complete.
var ErrCompleted = errors.New("pipe completed")

// Pipe is the segment pipe. The zero value is not usable,
// create one with New.
type Pipe struct {
	free     chan []byte
	full     chan []byte
	done     chan struct{}
	doneOnce sync.Once
	capacity int

	// err is written by the producer right before it closes
	// the full channel, and only read after that.
	err error
}

// New creates a pipe with the specified amount of segments,
// each of segmentSize bytes.
func New(segments, segmentSize int) *Pipe {
	if segments <= 0 {
		segments = 1
	}
	if segmentSize <= 0 {
		segmentSize = 4096
	}
	p := &Pipe{
		free:     make(chan []byte, segments),
		full:     make(chan []byte, segments),
		done:     make(chan struct{}),
		capacity: segments,
	}
	for i := 0; i < segments; i++ {
		p.free <- make([]byte, segmentSize)
	}
	return p
}

// Cap returns the amount of segments owned by the pipe.
func (p *Pipe) Cap() int {
	return p.capacity
}

// Acquire blocks until a free segment is available and
// returns it with its full length.
func (p *Pipe) Acquire() ([]byte, error) {
	select {
	case <-p.done:
		return nil, ErrCompleted
	case buf := <-p.free:
		return buf[:cap(buf)], nil
	}
}

// Commit hands a filled segment to the consumer. The slice
// must start at the beginning of an acquired segment.
func (p *Pipe) Commit(buf []byte) error {
	select {
	case <-p.done:
		return ErrCompleted
	case p.full <- buf:
		return nil
	}
}

// CloseWrite is called by the producer when there will be
// no more segments. The consumer drains committed segments
// and then receives err, or io.EOF if err is nil.
//
// Calling CloseWrite more than once panics.
func (p *Pipe) CloseWrite(err error) {
	p.err = err
	close(p.full)
}

// Next returns the next committed segment. Completion takes
// priority over segments that are still queued.
func (p *Pipe) Next() ([]byte, error) {
	select {
	case <-p.done:
		return nil, ErrCompleted
	default:
	}
	select {
	case <-p.done:
		return nil, ErrCompleted
	case buf, ok := <-p.full:
		if !ok {
			if p.err != nil {
				return nil, p.err
			}
			return nil, io.EOF
		}
		return buf, nil
	}
}

// Release returns a segment received from Next (or acquired
// and never committed) back to the producer.
func (p *Pipe) Release(buf []byte) {
	select {
	case p.free <- buf[:cap(buf)]:
	default:
	}
}

// Complete aborts the pipe on both sides. It is safe to
// call Complete multiple times and from any goroutine.
func (p *Pipe) Complete() {
	p.doneOnce.Do(func() { close(p.done) })
}

// Done is closed once the pipe has been completed.
func (p *Pipe) Done() <-chan struct{} {
	return p.done
}
