// Package bucketfile implements the append-only bucket file abstraction:
// buffered reads with position tracking, a truncation-safe tail, and
// append-at-EOF writes, shared by the writer and by readers that may run
// concurrently with it.
package bucketfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/sociomantic-tsunami/dlsnode/internal/asyncio"
	"github.com/sociomantic-tsunami/dlsnode/internal/record"
)

// Mode selects how a bucket file is opened.
type Mode int

const (
	// ReadOnly opens an existing bucket file for reading only.
	ReadOnly Mode = iota
	// Append opens (creating if necessary) a bucket file for appending.
	Append
)

// BucketFile wraps an OS file descriptor with the read/append semantics
// bucket files need: a logical read position independent of the OS
// cursor (so ReadAt-based async reads and buffered reads can share one
// BucketFile), and a read buffer that async reads refill in the
// background via the executor.
type BucketFile struct {
	path   string
	f      *os.File
	mode   Mode
	pos    int64
	length int64

	bufCap  int
	buf     []byte
	bufBase int64
	bufLen  int
}

// Open opens path in the given mode. bufferBytes is the size of the
// internal read buffer; 0 disables buffering (every read goes straight
// to the executor or the OS). In Append mode, missing parent directories
// are created.
func Open(path string, bufferBytes int, mode Mode) (*BucketFile, error) {
	var f *os.File
	var err error

	switch mode {
	case Append:
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, fmt.Errorf("bucketfile: failed to mkdir %s: %w", filepath.Dir(path), mkErr)
		}
		f, err = retryOpen(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	default:
		f, err = retryOpen(path, os.O_RDONLY, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("bucketfile: failed to open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("bucketfile: failed to stat %s: %w", path, err)
	}

	bf := &BucketFile{
		path:   path,
		f:      f,
		mode:   mode,
		length: info.Size(),
		bufCap: bufferBytes,
	}
	if bufferBytes > 0 {
		bf.buf = make([]byte, bufferBytes)
	}
	return bf, nil
}

// Path returns the file path this BucketFile was opened with.
func (b *BucketFile) Path() string { return b.path }

// Pos returns the current logical read position.
func (b *BucketFile) Pos() int64 { return b.pos }

// Length returns the file's length as of the last observation: the size
// seen at Open, grown by each Append through this BucketFile. It is
// never re-read from disk, so a reader does not see bytes a concurrent
// writer appends after the reader opened the file.
func (b *BucketFile) Length() int64 { return b.length }

// IsOpen reports whether the underlying descriptor is still open.
func (b *BucketFile) IsOpen() bool { return b.f != nil }

// Seek repositions the logical read cursor, invalidating the read buffer.
func (b *BucketFile) Seek(offset int64) {
	b.pos = offset
	b.bufLen = 0
}

// Peek reads up to len(dst) bytes starting at the current position
// without advancing it — used once per file open for framing detection.
func (b *BucketFile) Peek(dst []byte) (int, error) {
	n, err := b.readAt(dst, b.pos)
	return n, err
}

// ReadExact performs a blocking read of len(dst) bytes at the current
// position, advancing it by the number of bytes actually read. It first
// drains whatever is available in the read buffer, then falls back to a
// direct, EINTR-retried read for the remainder. Used by the legacy
// synchronous iterator variant and by framing detection.
func (b *BucketFile) ReadExact(dst []byte) (int, error) {
	total := 0
	if n := b.copyFromBuffer(dst); n > 0 {
		total += n
		dst = dst[n:]
		b.pos += int64(n)
	}
	if len(dst) == 0 {
		return total, nil
	}

	n, err := b.readAt(dst, b.pos)
	b.pos += int64(n)
	total += n
	if err != nil && !errors.Is(err, io.EOF) {
		return total, fmt.Errorf("bucketfile: failed to read %s: %w", b.path, err)
	}
	if n < len(dst) {
		return total, io.EOF
	}
	return total, nil
}

// ReadAsync requests len(dst) bytes at the current position and advances
// the logical position optimistically by that amount (valid because a
// BucketFile only ever has one read in flight at a time — the iterator
// that owns it never issues a second read before consuming the first
// future's result). It returns an Awaitable that resolves either
// immediately (buffer hit) or once the executor's worker completes the
// underlying job.
func (b *BucketFile) ReadAsync(exec *asyncio.Executor, dst []byte, waker *asyncio.Waker) asyncio.Awaitable {
	n := len(dst)

	if b.pos >= b.bufBase && b.pos+int64(n) <= b.bufBase+int64(b.bufLen) {
		off := b.pos - b.bufBase
		copy(dst, b.buf[off:off+int64(n)])
		b.pos += int64(n)
		return asyncio.Resolved(n, nil)
	}

	if b.bufCap == 0 || n > b.bufCap {
		offset := b.pos
		future := asyncio.NewFuture()
		exec.Submit(asyncio.NewJob(b.f, offset, dst, future, waker))
		b.pos += int64(n)
		return future
	}

	// Refill the whole buffer starting at the current position, then
	// slice out the bytes the caller actually asked for once the
	// refill completes. This is the layered-transformation pattern the
	// design notes call for: a plain read future underneath, a
	// buffer-aware Awaitable on top.
	offset := b.pos
	future := asyncio.NewFuture()
	exec.Submit(asyncio.NewJob(b.f, offset, b.buf[:b.bufCap], future, waker))
	b.pos += int64(n)
	return &refillAwaitable{
		bf:     b,
		inner:  future,
		offset: offset,
		dst:    dst,
	}
}

// refillAwaitable wraps a buffer-refill Future. Once the underlying read
// completes, it updates the owning BucketFile's buffer bookkeeping and
// slices out exactly the bytes the original caller requested.
type refillAwaitable struct {
	bf      *BucketFile
	inner   *asyncio.Future
	offset  int64
	dst     []byte
	done    bool
	resultN int
	err     error
}

func (r *refillAwaitable) Ready() bool {
	return r.done || r.inner.Ready()
}

func (r *refillAwaitable) Get() (int, error) {
	if r.done {
		return r.resultN, r.err
	}
	n, err := r.inner.Get()

	r.bf.bufBase = r.offset
	r.bf.bufLen = n

	avail := len(r.dst)
	if n < avail {
		avail = n
	}
	copy(r.dst, r.bf.buf[:avail])

	r.resultN = avail
	if avail < len(r.dst) {
		if err == nil {
			err = io.EOF
		}
		r.err = err
	} else {
		r.err = nil
	}
	r.done = true
	return r.resultN, r.err
}

// copyFromBuffer copies as many bytes as available (and needed) from the
// read buffer into dst, returning how many bytes it supplied.
func (b *BucketFile) copyFromBuffer(dst []byte) int {
	if b.bufLen == 0 || b.pos < b.bufBase || b.pos >= b.bufBase+int64(b.bufLen) {
		return 0
	}
	off := b.pos - b.bufBase
	n := copy(dst, b.buf[off:b.bufLen])
	return n
}

// Append writes data at the current end of the file and updates the
// cached length. Only valid in Append mode; callers must serialize their
// own writes (single-writer-per-channel, per the storage engine).
func (b *BucketFile) Append(data []byte) error {
	n, err := retryWrite(b.f, data)
	b.length += int64(n)
	if err != nil {
		return fmt.Errorf("bucketfile: failed to append to %s: %w", b.path, err)
	}
	return nil
}

// Sync flushes the file to durable storage (os.File.Sync, an fsync).
func (b *BucketFile) Sync() error {
	if err := b.f.Sync(); err != nil {
		return fmt.Errorf("bucketfile: failed to sync %s: %w", b.path, err)
	}
	return nil
}

// Close closes the underlying descriptor. Safe to call once.
func (b *BucketFile) Close() error {
	if b.f == nil {
		return nil
	}
	err := retryClose(b.f)
	b.f = nil
	if err != nil {
		return fmt.Errorf("bucketfile: failed to close %s: %w", b.path, err)
	}
	return nil
}

// DetectFraming opens path read-only just long enough to peek its first
// bytes and decide which record framing it uses (see
// record.DetectFraming), then closes it. Detection runs once per file
// open, as the engine opens a bucket for reading.
func DetectFraming(path string) (record.Framing, error) {
	f, err := retryOpen(path, os.O_RDONLY, 0)
	if err != nil {
		return record.Legacy, fmt.Errorf("bucketfile: failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return record.Legacy, fmt.Errorf("bucketfile: failed to stat %s: %w", path, err)
	}

	peek := make([]byte, record.V1HeaderSize)
	n, err := f.ReadAt(peek, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return record.Legacy, fmt.Errorf("bucketfile: failed to read %s: %w", path, err)
	}
	return record.DetectFraming(peek[:n], info.Size()), nil
}

// readAt performs a single pread-equivalent at offset, retrying
// transparently on EINTR.
func (b *BucketFile) readAt(dst []byte, offset int64) (int, error) {
	for {
		n, err := b.f.ReadAt(dst, offset)
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		return n, err
	}
}

func retryOpen(path string, flag int, perm os.FileMode) (*os.File, error) {
	for {
		f, err := os.OpenFile(path, flag, perm)
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		return f, err
	}
}

func retryWrite(f *os.File, data []byte) (int, error) {
	total := 0
	for total < len(data) {
		n, err := f.Write(data[total:])
		total += n
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return total, err
		}
	}
	return total, nil
}

func retryClose(f *os.File) error {
	for {
		err := f.Close()
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		return err
	}
}
