package uprobetrace

import (
	"strconv"

	"github.com/pkg/errors"
)

// maxDefinitionSize is the size of the buffer a single
// definition line is rendered into.
const maxDefinitionSize = 4096

// argNamePrefix and argNameSuffix enclose the index of an
// argument in the definition, as well as in each line of
// the trace output. Names must be unique within a probe.
const (
	argNamePrefix = " _arg"
	argNameSuffix = "="
)

// Probe is the definition of a single uprobe.
type Probe struct {
	// Event is the name of the event, it is prefixed with
	// the instance prefix of the session in the kernel.
	Event string

	// Path is the binary or shared library to probe.
	Path string

	// Symbol is the function inside Path.
	Symbol string

	// Args are fetched every time the probe fires, they
	// are named "_arg0", "_arg1" and so on.
	Args []FetchArg

	// Return makes it a return probe.
	Return bool

	// Filter is an optional tracefs filter expression over
	// the arguments, e.g. "_arg1 != 0".
	Filter string
}

// definitionBuffer is the fixed size buffer for rendering
// one line written to uprobe_events.
type definitionBuffer struct {
	buf [maxDefinitionSize]byte
}

// checkedAppend appends unless the line would overflow.
func checkedAppend(line []byte, data ...string) ([]byte, error) {
	for _, s := range data {
		if len(line)+len(s) > maxDefinitionSize {
			return line, errors.Wrapf(ErrBufferOverflow,
				"exceeds %d bytes", maxDefinitionSize)
		}
		line = append(line, s...)
	}
	return line, nil
}

// renderDefine renders the line defining the probe:
//
//	<p|r>:<prefix><event> <path>:0x<offset>[ _arg<i>=<expr>]*\n
func (b *definitionBuffer) renderDefine(
	prefix string, probe *Probe, offset uint64,
) ([]byte, error) {
	typ := "p:"
	if probe.Return {
		typ = "r:"
	}
	var number [20]byte
	line, err := checkedAppend(b.buf[:0],
		typ, prefix, probe.Event, " ", probe.Path, ":0x",
		string(strconv.AppendUint(number[:0], offset, 16)))
	if err != nil {
		return nil, err
	}
	for i, arg := range probe.Args {
		line, err = checkedAppend(line, argNamePrefix,
			string(strconv.AppendInt(number[:0], int64(i), 10)),
			argNameSuffix, arg.String())
		if err != nil {
			return nil, err
		}
	}
	return checkedAppend(line, "\n")
}

// renderUndefine renders the line removing the probe.
func (b *definitionBuffer) renderUndefine(
	prefix, event string,
) ([]byte, error) {
	return checkedAppend(b.buf[:0], "-:", prefix, event, "\n")
}
