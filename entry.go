package uprobetrace

import (
	"bytes"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// bytesFault is what the kernel prints when an argument
// cannot be fetched from the traced process.
var bytesFault = []byte("(fault)")

// segments is a byte sequence split wherever the
// underlying read buffers are.
type segments [][]byte

// size is the total length of the sequence.
func (s segments) size() int {
	n := 0
	for _, data := range s {
		n += len(data)
	}
	return n
}

// locate converts an offset of the sequence into a
// segment and an offset inside it.
func (s segments) locate(offset int) (int, int) {
	for seg, data := range s {
		if offset < len(data) {
			return seg, offset
		}
		offset -= len(data)
	}
	return len(s), offset
}

// matchAt reports whether needle is at offset off of the
// segment seg, possibly continuing into next segments.
func (s segments) matchAt(seg, off int, needle []byte) bool {
	for len(needle) > 0 {
		if seg >= len(s) {
			return false
		}
		current := s[seg][off:]
		n := len(current)
		if n > len(needle) {
			n = len(needle)
		}
		if !bytes.Equal(current[:n], needle[:n]) {
			return false
		}
		needle = needle[n:]
		seg++
		off = 0
	}
	return true
}

// indexFrom returns the offset of the first needle at or
// after from, or -1 if there is none.
func (s segments) indexFrom(from int, needle []byte) int {
	base := 0
	for seg, data := range s {
		if base+len(data) <= from {
			base += len(data)
			continue
		}
		start := 0
		if from > base {
			start = from - base
		}
		for start < len(data) {
			i := bytes.IndexByte(data[start:], needle[0])
			if i < 0 {
				break
			}
			if s.matchAt(seg, start+i, needle) {
				return base + start + i
			}
			start += i + 1
		}
		base += len(data)
	}
	return -1
}

// argPosition is the location of an argument value
// relative to the start of the body.
type argPosition struct {
	offset int
	length int
}

// Entry is a single trace line of the session.
//
// Entry is a view into buffers owned by the reader, and is
// only valid until the next entry is pulled. Values needed
// afterwards must be copied out, which every accessor
// returning a string or an integer already does.
type Entry struct {
	// header is everything before the event name.
	header []byte

	// body starts with the event name without the session
	// prefix.
	body segments
	size int

	// args caches argument positions. Positions are always
	// resolved from left to right, so args[:known] is valid.
	args  []argPosition
	known int

	// scratch joins values spanning multiple buffers. It
	// only grows until the entry is reset, so that every
	// joined value stays intact for the whole line.
	scratch []byte
}

// newEntry creates an entry able to address maxArgs.
func newEntry(maxArgs int) *Entry {
	return &Entry{args: make([]argPosition, maxArgs)}
}

// reset points the entry to another line.
func (e *Entry) reset(header []byte, body [][]byte) {
	e.header = header
	e.body = body
	e.size = e.body.size()
	e.known = 0
	e.scratch = e.scratch[:0]
}

// slice returns the body bytes in [off, off+n). It refers
// to the read buffer directly unless the range crosses a
// buffer boundary, in which case it is joined into the
// scratch buffer.
func (e *Entry) slice(off, n int) []byte {
	seg, start := e.body.locate(off)
	if seg >= len(e.body) {
		return nil
	}
	data := e.body[seg]
	if start+n <= len(data) {
		return data[start : start+n]
	}
	mark := len(e.scratch)
	e.scratch = append(e.scratch, data[start:]...)
	for _, next := range e.body[seg+1:] {
		remain := n - (len(e.scratch) - mark)
		if remain <= len(next) {
			e.scratch = append(e.scratch, next[:remain]...)
			break
		}
		e.scratch = append(e.scratch, next...)
	}
	end := len(e.scratch)
	return e.scratch[mark:end:end]
}

// TID returns the id of the thread firing the probe.
func (e *Entry) TID() (int, error) {
	return parseTID(e.header)
}

// CPU returns the CPU the probe fired on.
func (e *Entry) CPU() (int, error) {
	return parseCPU(e.header)
}

// Timestamp returns the time of the event since boot,
// measured by the trace clock of the tracefs.
func (e *Entry) Timestamp() (time.Duration, error) {
	return parseTimestamp(e.header)
}

// Event returns the name of the event, without the
// instance prefix of the session.
func (e *Entry) Event() string {
	end := e.body.indexFrom(0, []byte(":"))
	if end < 0 {
		end = e.size
	}
	return string(e.slice(0, end))
}

// IsEvent reports whether the entry is of the named event,
// without allocating.
func (e *Entry) IsEvent(name string) bool {
	i := 0
	for _, data := range e.body {
		for _, c := range data {
			if i == len(name) {
				return c == ':'
			}
			if c != name[i] {
				return false
			}
			i++
		}
	}
	return false
}

// resolve locates every argument up to index, continuing
// after the last argument already located.
func (e *Entry) resolve(index int) error {
	cursor := 0
	if e.known > 0 {
		last := e.args[e.known-1]
		cursor = last.offset + last.length
	}
	var marker [32]byte
	for i := e.known; i <= index; i++ {
		name := append(marker[:0], argNamePrefix...)
		name = strconv.AppendInt(name, int64(i), 10)
		name = append(name, argNameSuffix...)
		start := e.body.indexFrom(cursor, name)
		if start < 0 {
			return errors.Wrapf(ErrFormat, "no argument %d", i)
		}
		offset := start + len(name)
		end := e.body.indexFrom(offset, []byte(argNamePrefix))
		if end < 0 {
			end = e.size
		}
		e.args[i] = argPosition{offset: offset, length: end - offset}
		e.known = i + 1
		cursor = end
	}
	return nil
}

// ArgBytes returns the raw text of the argument. The bytes
// are only valid until the next entry is pulled.
func (e *Entry) ArgBytes(index int) ([]byte, error) {
	if index < 0 || index >= len(e.args) {
		return nil, errors.Wrapf(ErrFormat,
			"argument %d out of range", index)
	}
	if index >= e.known {
		if err := e.resolve(index); err != nil {
			return nil, err
		}
	}
	position := e.args[index]
	return e.slice(position.offset, position.length), nil
}

// StringArg returns the argument as string, removing the
// quotes surrounding string typed arguments.
func (e *Entry) StringArg(index int) (string, error) {
	span, err := e.ArgBytes(index)
	if err != nil {
		return "", err
	}
	if len(span) > 1 && span[0] == '"' && span[len(span)-1] == '"' {
		span = span[1 : len(span)-1]
	}
	return string(span), nil
}

// LongArg returns the argument as integer. Values prefixed
// by "0x" are hexadecimal, others are decimal.
func (e *Entry) LongArg(index int) (int64, error) {
	span, err := e.ArgBytes(index)
	if err != nil {
		return 0, err
	}
	return parseLong(span)
}

// parseLong parses an integer printed by the kernel, where
// hexadecimal and unsigned values are two's complement.
func parseLong(span []byte) (int64, error) {
	if bytes.HasPrefix(span, bytesFault) {
		return 0, ErrFault
	}
	if len(span) > 2 && span[0] == '0' && span[1] == 'x' {
		v, err := strconv.ParseUint(string(span[2:]), 16, 64)
		if err != nil {
			return 0, errors.Wrapf(ErrFormat,
				"malformed hexadecimal %q", span)
		}
		return int64(v), nil
	}
	if len(span) > 0 && span[0] == '-' {
		v, err := strconv.ParseInt(string(span), 10, 64)
		if err != nil {
			return 0, errors.Wrapf(ErrFormat,
				"malformed decimal %q", span)
		}
		return v, nil
	}
	v, err := strconv.ParseUint(string(span), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrFormat,
			"malformed decimal %q", span)
	}
	return int64(v), nil
}
