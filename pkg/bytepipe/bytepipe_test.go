package bytepipe

import (
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeOrder(t *testing.T) {
	assert := assert.New(t)
	p := New(2, 8)
	go func() {
		for _, word := range []string{"abc", "defg", "h"} {
			buf, err := p.Acquire()
			if err != nil {
				return
			}
			n := copy(buf, word)
			if err := p.Commit(buf[:n]); err != nil {
				return
			}
		}
		p.CloseWrite(nil)
	}()

	var got []string
	for {
		buf, err := p.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, string(buf))
		p.Release(buf)
	}
	assert.Equal([]string{"abc", "defg", "h"}, got)
}

func TestPipeBackpressure(t *testing.T) {
	assert := assert.New(t)
	p := New(2, 4)
	acquired := make(chan struct{}, 3)
	go func() {
		for i := 0; i < 3; i++ {
			buf, err := p.Acquire()
			if err != nil {
				return
			}
			acquired <- struct{}{}
			_ = p.Commit(buf[:1])
		}
	}()

	// Only two segments exist, the third acquisition must
	// wait for a release from the consumer.
	<-acquired
	<-acquired
	select {
	case <-acquired:
		t.Fatal("producer was not blocked")
	case <-time.After(50 * time.Millisecond):
	}
	first, err := p.Next()
	require.NoError(t, err)
	p.Release(first)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("producer was not resumed")
	}
	assert.Equal(2, p.Cap())
}

func TestPipeComplete(t *testing.T) {
	assert := assert.New(t)
	p := New(1, 4)
	buf, err := p.Acquire()
	require.NoError(t, err)
	require.NoError(t, p.Commit(buf[:2]))

	// Completion wins over queued data.
	p.Complete()
	p.Complete()
	_, err = p.Next()
	assert.Equal(ErrCompleted, err)
	_, err = p.Acquire()
	assert.Equal(ErrCompleted, err)
	assert.Equal(ErrCompleted, p.Commit(buf))
}

func TestPipeCloseWriteError(t *testing.T) {
	p := New(1, 4)
	cause := errors.New("broken")
	p.CloseWrite(cause)
	_, err := p.Next()
	assert.Equal(t, cause, err)
}
