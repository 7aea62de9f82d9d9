package poll

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fdHandle is a minimal Handle around a raw descriptor.
type fdHandle struct {
	fd int
}

func (h *fdHandle) Fileno() int { return h.fd }

func newPipe(t *testing.T) (*fdHandle, int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return &fdHandle{fd: p[0]}, p[1]
}

func TestPollEmptyRegistryHonorsTimeout(t *testing.T) {
	r := New()
	start := time.Now()
	ready, err := r.Poll(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, ready)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPollReturnsReadableHandle(t *testing.T) {
	r := New()
	h, w := newPipe(t)
	r.Add(h)

	ready, err := r.Poll(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, ready)

	unix.Write(w, []byte("x"))
	ready, err = r.Poll(time.Second)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Same(t, h, ready[0].(*fdHandle))
}

func TestPollClosedWriteEndCountsAsReady(t *testing.T) {
	r := New()
	h, w := newPipe(t)
	r.Add(h)

	unix.Close(w)
	ready, err := r.Poll(time.Second)
	require.NoError(t, err)
	assert.Len(t, ready, 1)
}

func TestAddIgnoresInvalidAndDuplicate(t *testing.T) {
	r := New()
	r.Add(&fdHandle{fd: -1})
	assert.Equal(t, 0, r.Len())

	h, _ := newPipe(t)
	r.Add(h)
	r.Add(h)
	assert.Equal(t, 1, r.Len())
}

func TestRemove(t *testing.T) {
	r := New()
	h, w := newPipe(t)
	r.Add(h)
	r.Remove(h)
	assert.Equal(t, 0, r.Len())

	// Removing again, or removing something never added, is a no-op.
	r.Remove(h)
	r.Remove(&fdHandle{fd: -1})

	unix.Write(w, []byte("x"))
	ready, err := r.Poll(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, ready)
}
