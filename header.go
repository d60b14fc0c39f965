package uprobetrace

import (
	"bytes"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// headerSize is the size of the buffer receiving the
// header of each trace line, which is everything before
// the event name. Longer headers are truncated.
const headerSize = 96

// tidColumn is the column of the thread id. The task name
// is right aligned into the 16 columns before, followed by
// a dash:
//
//	            bash-24842   [006] d... 258544.995456: <event>: ...
const tidColumn = 17

// pow10 is the series of exponents to 10^exponent values.
var pow10 = [10]uint64{
	1,
	10,
	100,
	1000,
	10000,
	100000,
	1000000,
	10000000,
	100000000,
	1000000000,
}

// parseSecond parses the number representing the value
// of second (with period dot).
func parseSecond(value []byte) (time.Duration, error) {
	dotIndex := bytes.IndexByte(value, '.')
	var beforeDot, afterDot []byte
	if dotIndex < 0 {
		beforeDot = value
	} else {
		beforeDot = value[:dotIndex]
		afterDot = value[dotIndex+1:]
	}
	var result int64

	// Parse the component before the dot.
	if len(beforeDot) > 0 {
		val, err := strconv.ParseUint(
			string(beforeDot), 10, 64)
		if err != nil {
			return time.Duration(0), err
		}
		result += int64(val * pow10[9])
	}

	// Parse the component after the dot.
	if len(afterDot) > 0 {
		if len(afterDot) > 9 {
			afterDot = afterDot[0:9]
		}
		val, err := strconv.ParseUint(
			string(afterDot), 10, 64)
		if err != nil {
			return time.Duration(0), err
		}
		result += int64(val * pow10[9-len(afterDot)])
	}

	return time.Duration(result), nil
}

// parseDecimal parses the leading digits of the input
// and returns the value and the amount of digits.
func parseDecimal(input []byte) (int, int) {
	var value, n int
	for n < len(input) && input[n] >= '0' && input[n] <= '9' {
		value = value*10 + int(input[n]-'0')
		n++
	}
	return value, n
}

// tidField locates the thread id inside the header. The
// fixed column is tried first, and when the task name has
// shifted the layout, the dash right before the CPU field
// is searched instead.
func tidField(header []byte) ([]byte, error) {
	if len(header) > tidColumn && header[tidColumn-1] == '-' {
		return header[tidColumn:], nil
	}
	cpu := bytes.Index(header, []byte(" ["))
	if cpu < 0 {
		return nil, errors.Wrapf(ErrFormat,
			"no thread id in header %q", header)
	}
	i := cpu
	for i > 0 && header[i-1] == ' ' {
		i--
	}
	end := i
	for i > 0 && header[i-1] >= '0' && header[i-1] <= '9' {
		i--
	}
	if i == end || i == 0 || header[i-1] != '-' {
		return nil, errors.Wrapf(ErrFormat,
			"no thread id in header %q", header)
	}
	return header[i:], nil
}

// parseTID parses the thread id out of the header.
func parseTID(header []byte) (int, error) {
	field, err := tidField(header)
	if err != nil {
		return 0, err
	}
	tid, n := parseDecimal(field)
	if n == 0 {
		return 0, errors.Wrapf(ErrFormat,
			"malformed thread id in header %q", header)
	}
	return tid, nil
}

// cpuField locates the "[nnn]" CPU field after the tid.
func cpuField(header []byte) ([]byte, int, error) {
	field, err := tidField(header)
	if err != nil {
		return nil, 0, err
	}
	start := bytes.IndexByte(field, '[')
	if start < 0 {
		return nil, 0, errors.Wrapf(ErrFormat,
			"no cpu in header %q", header)
	}
	end := bytes.IndexByte(field[start:], ']')
	if end < 0 {
		return nil, 0, errors.Wrapf(ErrFormat,
			"no cpu in header %q", header)
	}
	rest := len(header) - len(field) + start + end + 1
	return field[start+1 : start+end], rest, nil
}

// parseCPU parses the CPU id out of the header.
func parseCPU(header []byte) (int, error) {
	field, _, err := cpuField(header)
	if err != nil {
		return 0, err
	}
	cpu, n := parseDecimal(field)
	if n == 0 || n != len(field) {
		return 0, errors.Wrapf(ErrFormat,
			"malformed cpu %q", field)
	}
	return cpu, nil
}

// parseTimestamp parses the timestamp following the CPU
// field and the optional irq-info flags.
func parseTimestamp(header []byte) (time.Duration, error) {
	_, rest, err := cpuField(header)
	if err != nil {
		return 0, err
	}
	for _, token := range bytes.Fields(header[rest:]) {
		if token[len(token)-1] != ':' {
			continue
		}
		epoch, err := parseSecond(token[:len(token)-1])
		if err != nil {
			return 0, errors.Wrapf(ErrFormat,
				"parse epoch %q: %s", token, err)
		}
		return epoch, nil
	}
	return 0, errors.Wrapf(ErrFormat,
		"no timestamp in header %q", header)
}
