package pool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sociomantic-tsunami/dlsnode/internal/asyncio"
	"github.com/sociomantic-tsunami/dlsnode/internal/iterator"
	"github.com/sociomantic-tsunami/dlsnode/internal/layout"
	"github.com/sociomantic-tsunami/dlsnode/internal/record"
)

func TestBufferAcquireReleaseReuses(t *testing.T) {
	p := New(16)
	buf := p.AcquireBuffer()
	assert.Equal(t, 0, len(buf))
	assert.GreaterOrEqual(t, cap(buf), 16)

	buf = append(buf, 1, 2, 3)
	p.ReleaseBuffer(buf)

	reused := p.AcquireBuffer()
	assert.Equal(t, 0, len(reused))
	assert.GreaterOrEqual(t, cap(reused), 3)
}

func TestWakerAcquireReleaseReuses(t *testing.T) {
	p := New(16)
	w1 := p.AcquireWaker()
	p.ReleaseWaker(w1)
	w2 := p.AcquireWaker()
	assert.Same(t, w1, w2)
}

func TestCompileFilterCaches(t *testing.T) {
	p := New(16)
	re1, err := p.CompileFilter("^a")
	require.NoError(t, err)
	require.NotNil(t, re1)

	re2, err := p.CompileFilter("^a")
	require.NoError(t, err)
	assert.Same(t, re1, re2)

	_, err = p.CompileFilter("(")
	assert.Error(t, err)
}

func TestCompileFilterEmptyPatternIsNilWithoutError(t *testing.T) {
	p := New(16)
	re, err := p.CompileFilter("")
	require.NoError(t, err)
	assert.Nil(t, re)
}

func TestHandleReleaseReturnsIteratorForReuse(t *testing.T) {
	dir := t.TempDir()
	path := layout.BucketPath(dir, 0)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	c := record.Codec{Framing: record.V1}
	var buf []byte
	buf = c.AppendRecord(buf, uint64(10)<<32|1, []byte("x"))
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	exec := asyncio.NewExecutor(2, nil)
	defer exec.Close()

	p := New(16)
	h := p.AcquireHandle(dir, exec, iterator.FullRange(), nil)
	first := h.It
	for {
		waker := asyncio.NewWaker()
		_, done, waiting, err := h.It.Next(waker)
		require.NoError(t, err)
		if waiting {
			<-waker.C()
			continue
		}
		if done {
			break
		}
	}
	h.Release()
	h.Release() // second call must be a no-op, not a double free

	h2 := p.AcquireHandle(dir, exec, iterator.FullRange(), nil)
	assert.Same(t, first, h2.It)
	h2.Release()
}
