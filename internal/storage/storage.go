// Package storage implements the storage engine (C5): one Engine per
// channel, owning the single writer bucket for that channel and the
// best-effort size counters surfaced through GetChannelSize.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/sociomantic-tsunami/dlsnode/internal/asyncio"
	"github.com/sociomantic-tsunami/dlsnode/internal/bucketfile"
	"github.com/sociomantic-tsunami/dlsnode/internal/checkpoint"
	"github.com/sociomantic-tsunami/dlsnode/internal/iterator"
	"github.com/sociomantic-tsunami/dlsnode/internal/layout"
	"github.com/sociomantic-tsunami/dlsnode/internal/record"
)

// ErrBadKey is returned when a value exceeds the configured maximum
// length for a channel.
var ErrBadKey = errors.New("storage: value exceeds maximum length")

// writerBufferBytes is unbuffered: the writer only ever appends, it
// never needs the read-side buffering bucketfile offers.
const writerBufferBytes = 0

// Engine is the per-channel storage engine. A single Engine instance
// must not be written to from more than one goroutine concurrently
// without going through its own Put/PutBatch (which serialize
// internally) — this mirrors the single-writer-per-channel invariant.
type Engine struct {
	mu sync.Mutex

	channelDir  string
	channelName string
	maxValueLen int64
	exec        *asyncio.Executor
	logger      *slog.Logger
	ckpt        *checkpoint.Store

	writer       *bucketfile.BucketFile
	writerTStart int64
	writerCodec  record.Codec

	records int64
	bytes   int64
}

// Options configures a new Engine.
type Options struct {
	ChannelDir  string
	ChannelName string
	MaxValueLen int64
	Exec        *asyncio.Executor
	Logger      *slog.Logger
	Checkpoint  *checkpoint.Store // optional; nil disables size-counter persistence
}

// New creates an Engine for one channel, seeding its byte counter from a
// checkpoint if one is available and the checkpoint store was supplied.
func New(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		channelDir:  opts.ChannelDir,
		channelName: opts.ChannelName,
		maxValueLen: opts.MaxValueLen,
		exec:        opts.Exec,
		logger:      logger,
		ckpt:        opts.Checkpoint,
	}

	if e.ckpt != nil {
		if st, ok, err := e.ckpt.Load(e.channelName); err != nil {
			return nil, fmt.Errorf("storage: failed to load checkpoint for channel %s: %w", e.channelName, err)
		} else if ok {
			e.bytes = st.SizeBytes
		}
	}

	return e, nil
}

// Put appends one record to the channel, rotating the writer bucket if
// key falls outside the currently open bucket's time window.
func (e *Engine) Put(key uint64, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.putLocked(key, value)
}

// PutBatch appends many records under a single lock acquisition. The
// writer bucket is rotated each time an entry's bucket window differs
// from the one currently open.
func (e *Engine) PutBatch(entries []Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ent := range entries {
		if err := e.putLocked(ent.Key, ent.Value); err != nil {
			return err
		}
	}
	return nil
}

// Entry is one (key, value) pair for PutBatch.
type Entry struct {
	Key   uint64
	Value []byte
}

func (e *Engine) putLocked(key uint64, value []byte) error {
	if int64(len(value)) > e.maxValueLen {
		return fmt.Errorf("storage: channel %s: %w", e.channelName, ErrBadKey)
	}

	tStart := layout.BucketStart(uint32(key >> 32))
	if e.writer == nil || tStart != e.writerTStart {
		if err := e.rotateLocked(tStart); err != nil {
			return err
		}
	}

	var buf []byte
	buf = e.writerCodec.AppendRecord(buf, key, value)
	if err := e.writer.Append(buf); err != nil {
		return fmt.Errorf("storage: failed to put record on channel %s: %w", e.channelName, err)
	}

	e.records++
	e.bytes += int64(len(buf))
	return nil
}

func (e *Engine) rotateLocked(tStart int64) error {
	if e.writer != nil {
		if err := e.writer.Close(); err != nil {
			return fmt.Errorf("storage: failed to close writer bucket while rotating channel %s: %w", e.channelName, err)
		}
		e.writer = nil
	}

	path := layout.BucketPath(e.channelDir, uint32(tStart))
	f, err := bucketfile.Open(path, writerBufferBytes, bucketfile.Append)
	if err != nil {
		return fmt.Errorf("storage: failed to open writer bucket for channel %s: %w", e.channelName, err)
	}

	// A bucket that already holds records keeps the framing it was
	// created with; a new (empty) bucket is always written v1.
	framing := record.V1
	if f.Length() > 0 {
		detected, derr := bucketfile.DetectFraming(path)
		if derr != nil {
			f.Close()
			return fmt.Errorf("storage: failed to detect framing of writer bucket for channel %s: %w", e.channelName, derr)
		}
		framing = detected
	}
	e.writer = f
	e.writerTStart = tStart
	e.writerCodec = record.Codec{Framing: framing}
	return nil
}

// FlushData syncs the channel's open writer, if any, so iterators
// started after this call observe records written before it.
func (e *Engine) FlushData() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writer == nil {
		return nil
	}
	if err := e.writer.Sync(); err != nil {
		return fmt.Errorf("storage: failed to flush channel %s: %w", e.channelName, err)
	}
	return nil
}

// OpenStepIterator flushes the channel's writer then returns a ready
// iterator positioned before the first record in rng.
func (e *Engine) OpenStepIterator(rng iterator.Range, filter *regexp.Regexp, ceder *iterator.LoopCeder) (*iterator.AsyncStepIterator, error) {
	if err := e.FlushData(); err != nil {
		return nil, err
	}
	return iterator.NewAsyncStepIterator(e.channelDir, e.exec, rng, filter, ceder, e.logger), nil
}

// GetChannelSize returns the best-effort record and byte counts. The
// record count covers records written since this Engine was created; the
// byte count starts from the loaded checkpoint, if any, and adds the
// framed size of every record written since.
func (e *Engine) GetChannelSize() (records, bytes int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.records, e.bytes
}

// Checkpoint persists the channel's current byte counter, if a
// checkpoint store was configured. A no-op otherwise.
func (e *Engine) Checkpoint() error {
	e.mu.Lock()
	bytes := e.bytes
	e.mu.Unlock()

	if e.ckpt == nil {
		return nil
	}
	return e.ckpt.Save(checkpoint.State{Channel: e.channelName, SizeBytes: bytes})
}

// Close syncs and closes the open writer, and checkpoints the final
// byte counter.
func (e *Engine) Close() error {
	e.mu.Lock()
	var closeErr error
	if e.writer != nil {
		closeErr = e.writer.Sync()
		if err := e.writer.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
		e.writer = nil
	}
	e.mu.Unlock()

	if err := e.Checkpoint(); err != nil {
		e.logger.Warn("checkpoint on close failed", "channel", e.channelName, "error", err)
	}
	if closeErr != nil {
		return fmt.Errorf("storage: failed to close channel %s: %w", e.channelName, closeErr)
	}
	return nil
}
