package uprobetrace

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestParseHeader(t *testing.T) {
	for _, testCase := range []struct {
		header    string
		tid       int
		cpu       int
		timestamp time.Duration
	}{
		{
			header:    "            bash-24842   [006] d... 258544.995456: ",
			tid:       24842,
			cpu:       6,
			timestamp: 258544*time.Second + 995456*time.Microsecond,
		},
		{
			header:    "          <idle>-0       [000] ..s. 12.000001: ",
			tid:       0,
			cpu:       0,
			timestamp: 12*time.Second + time.Microsecond,
		},
		{
			header:    "   very-long-command-name-1234 [011] d..1. 7.5: ",
			tid:       1234,
			cpu:       11,
			timestamp: 7*time.Second + 500*time.Millisecond,
		},
		{
			header:    "a-1 [0] 1.0: ",
			tid:       1,
			cpu:       0,
			timestamp: time.Second,
		},
	} {
		tid, err := parseTID([]byte(testCase.header))
		assert.NoError(t, err, testCase.header)
		assert.Equal(t, testCase.tid, tid, testCase.header)
		cpu, err := parseCPU([]byte(testCase.header))
		assert.NoError(t, err, testCase.header)
		assert.Equal(t, testCase.cpu, cpu, testCase.header)
		timestamp, err := parseTimestamp([]byte(testCase.header))
		assert.NoError(t, err, testCase.header)
		assert.Equal(t, testCase.timestamp, timestamp, testCase.header)
	}
}

func TestParseHeaderMalformed(t *testing.T) {
	assert := assert.New(t)
	for _, header := range []string{
		"", "garbage", "bash-x [006] 1.0: ", "bash-1 [0x] 1.0: ",
	} {
		_, tidErr := parseTID([]byte(header))
		_, cpuErr := parseCPU([]byte(header))
		assert.True(errors.Is(tidErr, ErrFormat) ||
			errors.Is(cpuErr, ErrFormat), "header %q", header)
	}
	_, err := parseTimestamp([]byte("bash-1 [000] d... "))
	assert.True(errors.Is(err, ErrFormat))
}
