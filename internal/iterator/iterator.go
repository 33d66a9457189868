// Package iterator implements the step iterator (C7): a stateful cursor
// that walks one or many bucket files and yields (key, value) pairs,
// suspending cooperatively instead of blocking a request-handling thread.
//
// Two flavors share the same state machine: AsyncStepIterator drives
// reads through the asyncio executor and a Waker, suspending whenever a
// read is still in flight; SyncStepIterator performs the equivalent
// blocking reads directly, for callers that are already on a dedicated
// goroutine and have no suspension points to offer.
package iterator

import (
	"log/slog"
	"regexp"
	"runtime"

	"github.com/sociomantic-tsunami/dlsnode/internal/asyncio"
	"github.com/sociomantic-tsunami/dlsnode/internal/bucketfile"
	"github.com/sociomantic-tsunami/dlsnode/internal/layout"
	"github.com/sociomantic-tsunami/dlsnode/internal/record"
)

// readBufferBytes is the read-buffer size iterators open bucket files
// with; it only affects how often the async path touches the executor.
const readBufferBytes = 8192

// Range bounds a query by the full 64-bit record key (not just the
// timestamp bits) — see spec.md §4.7/§8.
type Range struct {
	Lo, Hi uint64
}

// FullRange spans every possible key, as used by get_all.
func FullRange() Range {
	return Range{Lo: 0, Hi: ^uint64(0)}
}

// Record is one yielded (key, value) pair.
type Record struct {
	Key   uint64
	Value []byte
}

type state int

const (
	stateInit state = iota
	stateNeedNextBucket
	stateWantHeader
	stateWantValue
	stateDone
)

// LoopCeder periodically yields the goroutine back to the scheduler
// during a long iteration, every N steps, so a single long-running
// iterator does not starve other requests sharing the same thread.
type LoopCeder struct {
	every int
	count int
}

// NewLoopCeder returns a LoopCeder that cedes every `every` steps.
func NewLoopCeder(every int) *LoopCeder {
	if every < 1 {
		every = 1
	}
	return &LoopCeder{every: every}
}

// Step records one state-machine step, cedes if the configured interval
// has elapsed.
func (c *LoopCeder) Step() {
	c.count++
	if c.count%c.every == 0 {
		runtime.Gosched()
	}
}

// Reset clears the step counter so a pooled LoopCeder can be reused.
func (c *LoopCeder) Reset() {
	c.count = 0
}

func inBucketWindow(key uint64, tStart int64) bool {
	ts := int64(uint32(key >> 32))
	return ts >= tStart && ts < tStart+layout.BucketSeconds
}

func keyTimestamp(key uint64) uint32 {
	return uint32(key >> 32)
}

// AsyncStepIterator is the request-facing, suspension-based iterator
// driven by the asyncio executor.
type AsyncStepIterator struct {
	channelDir string
	exec       *asyncio.Executor
	rng        Range
	filter     *regexp.Regexp
	ceder      *LoopCeder
	logger     *slog.Logger

	state     state
	file      *bucketfile.BucketFile
	codec     record.Codec
	curTStart int64

	headerBuf   []byte
	headerAwait asyncio.Awaitable
	curHeader   record.Header

	valueBuf   []byte
	valueAwait asyncio.Awaitable
}

// NewAsyncStepIterator builds an iterator positioned at Init, ready to
// open the first bucket in range on the first call to Next.
func NewAsyncStepIterator(channelDir string, exec *asyncio.Executor, rng Range, filter *regexp.Regexp, ceder *LoopCeder, logger *slog.Logger) *AsyncStepIterator {
	if logger == nil {
		logger = slog.Default()
	}
	if ceder == nil {
		ceder = NewLoopCeder(64)
	}
	return &AsyncStepIterator{
		channelDir: channelDir,
		exec:       exec,
		rng:        rng,
		filter:     filter,
		ceder:      ceder,
		logger:     logger,
	}
}

// Reset rebinds a pooled iterator to a new query, closing any bucket
// file it still held open from a previous request.
func (it *AsyncStepIterator) Reset(channelDir string, exec *asyncio.Executor, rng Range, filter *regexp.Regexp) {
	it.closeFile()
	it.channelDir = channelDir
	it.exec = exec
	it.rng = rng
	it.filter = filter
	it.state = stateInit
	it.headerAwait = nil
	it.valueAwait = nil
	it.ceder.Reset()
}

// Close releases any bucket file this iterator still has open. Safe to
// call multiple times and after Done.
func (it *AsyncStepIterator) Close() error {
	return it.closeFile()
}

func (it *AsyncStepIterator) closeFile() error {
	if it.file == nil {
		return nil
	}
	err := it.file.Close()
	it.file = nil
	return err
}

func (it *AsyncStepIterator) openBucket(b layout.Bucket) error {
	framing, err := bucketfile.DetectFraming(b.Path)
	if err != nil {
		return err
	}
	f, err := bucketfile.Open(b.Path, readBufferBytes, bucketfile.ReadOnly)
	if err != nil {
		return err
	}
	it.file = f
	it.codec = record.Codec{Framing: framing}
	it.curTStart = b.TStart
	return nil
}

func (it *AsyncStepIterator) loTimestamp() int64 { return int64(keyTimestamp(it.rng.Lo)) }
func (it *AsyncStepIterator) hiTimestamp() int64 { return int64(keyTimestamp(it.rng.Hi)) }

// Next advances the state machine until it has a record to yield, must
// suspend waiting on a pending read (waiting=true — the caller should
// block on waker.C() and call Next again), or is done. A non-nil err is
// a terminal I/O failure; the iterator should not be reused afterward.
func (it *AsyncStepIterator) Next(waker *asyncio.Waker) (rec *Record, done bool, waiting bool, err error) {
	for {
		it.ceder.Step()

		switch it.state {
		case stateInit:
			b, ok, ferr := layout.FirstBucketInRange(it.channelDir, it.loTimestamp(), it.hiTimestamp())
			if ferr != nil {
				it.state = stateDone
				return nil, true, false, ferr
			}
			if !ok {
				it.state = stateDone
				continue
			}
			if oerr := it.openBucket(b); oerr != nil {
				it.state = stateDone
				return nil, true, false, oerr
			}
			it.state = stateWantHeader

		case stateNeedNextBucket:
			it.closeFile()
			b, ok, ferr := layout.NextBucket(it.channelDir, it.curTStart, it.hiTimestamp())
			if ferr != nil {
				it.state = stateDone
				return nil, true, false, ferr
			}
			if !ok {
				it.state = stateDone
				continue
			}
			if oerr := it.openBucket(b); oerr != nil {
				it.state = stateDone
				return nil, true, false, oerr
			}
			it.state = stateWantHeader

		case stateWantHeader:
			if it.headerAwait == nil {
				it.headerBuf = make([]byte, it.codec.HeaderSize())
				it.headerAwait = it.file.ReadAsync(it.exec, it.headerBuf, waker)
			}
			if !it.headerAwait.Ready() {
				return nil, false, true, nil
			}
			n, rerr := it.headerAwait.Get()
			it.headerAwait = nil
			if rerr != nil || n < len(it.headerBuf) {
				it.state = stateNeedNextBucket
				continue
			}
			h, derr := it.codec.DecodeHeader(it.headerBuf)
			if derr != nil {
				it.logger.Warn("corrupt record header",
					"file", it.file.Path(),
					"offset", it.file.Pos()-int64(len(it.headerBuf)))
				it.state = stateNeedNextBucket
				continue
			}
			it.curHeader = h
			it.state = stateWantValue

		case stateWantValue:
			if it.valueAwait == nil {
				remaining := it.file.Length() - it.file.Pos()
				if !it.curHeader.FitsIn(remaining) {
					it.state = stateNeedNextBucket
					continue
				}
				it.valueBuf = make([]byte, it.curHeader.Len)
				it.valueAwait = it.file.ReadAsync(it.exec, it.valueBuf, waker)
			}
			if !it.valueAwait.Ready() {
				return nil, false, true, nil
			}
			n, rerr := it.valueAwait.Get()
			it.valueAwait = nil
			if rerr != nil || n < len(it.valueBuf) {
				it.state = stateNeedNextBucket
				continue
			}
			it.state = stateWantHeader

			key := it.curHeader.Key
			value := it.valueBuf
			if !inBucketWindow(key, it.curTStart) {
				continue
			}
			if key < it.rng.Lo || key > it.rng.Hi {
				continue
			}
			if it.filter != nil && !it.filter.Match(value) {
				continue
			}
			return &Record{Key: key, Value: value}, false, false, nil

		case stateDone:
			return nil, true, false, nil
		}
	}
}

// SyncStepIterator is the legacy, blocking-read variant of the same
// state machine: each header/value read blocks the calling goroutine
// directly instead of suspending through the asyncio executor.
type SyncStepIterator struct {
	channelDir string
	rng        Range
	filter     *regexp.Regexp
	ceder      *LoopCeder
	logger     *slog.Logger

	state     state
	file      *bucketfile.BucketFile
	codec     record.Codec
	curTStart int64
}

// NewSyncStepIterator builds a blocking step iterator.
func NewSyncStepIterator(channelDir string, rng Range, filter *regexp.Regexp, ceder *LoopCeder, logger *slog.Logger) *SyncStepIterator {
	if logger == nil {
		logger = slog.Default()
	}
	if ceder == nil {
		ceder = NewLoopCeder(64)
	}
	return &SyncStepIterator{
		channelDir: channelDir,
		rng:        rng,
		filter:     filter,
		ceder:      ceder,
		logger:     logger,
	}
}

// Close releases any bucket file this iterator still has open.
func (it *SyncStepIterator) Close() error {
	if it.file == nil {
		return nil
	}
	err := it.file.Close()
	it.file = nil
	return err
}

func (it *SyncStepIterator) openBucket(b layout.Bucket) error {
	framing, err := bucketfile.DetectFraming(b.Path)
	if err != nil {
		return err
	}
	f, err := bucketfile.Open(b.Path, readBufferBytes, bucketfile.ReadOnly)
	if err != nil {
		return err
	}
	it.file = f
	it.codec = record.Codec{Framing: framing}
	it.curTStart = b.TStart
	return nil
}

func (it *SyncStepIterator) loTimestamp() int64 { return int64(keyTimestamp(it.rng.Lo)) }
func (it *SyncStepIterator) hiTimestamp() int64 { return int64(keyTimestamp(it.rng.Hi)) }

// Next blocks until it has a record to yield or the iteration is done.
func (it *SyncStepIterator) Next() (*Record, bool, error) {
	for {
		it.ceder.Step()

		switch it.state {
		case stateInit:
			b, ok, err := layout.FirstBucketInRange(it.channelDir, it.loTimestamp(), it.hiTimestamp())
			if err != nil {
				it.state = stateDone
				return nil, true, err
			}
			if !ok {
				it.state = stateDone
				continue
			}
			if err := it.openBucket(b); err != nil {
				it.state = stateDone
				return nil, true, err
			}
			it.state = stateWantHeader

		case stateNeedNextBucket:
			it.Close()
			b, ok, err := layout.NextBucket(it.channelDir, it.curTStart, it.hiTimestamp())
			if err != nil {
				it.state = stateDone
				return nil, true, err
			}
			if !ok {
				it.state = stateDone
				continue
			}
			if err := it.openBucket(b); err != nil {
				it.state = stateDone
				return nil, true, err
			}
			it.state = stateWantHeader

		case stateWantHeader:
			buf := make([]byte, it.codec.HeaderSize())
			n, err := it.file.ReadExact(buf)
			if err != nil || n < len(buf) {
				it.state = stateNeedNextBucket
				continue
			}
			h, derr := it.codec.DecodeHeader(buf)
			if derr != nil {
				it.logger.Warn("corrupt record header",
					"file", it.file.Path(),
					"offset", it.file.Pos()-int64(len(buf)))
				it.state = stateNeedNextBucket
				continue
			}
			remaining := it.file.Length() - it.file.Pos()
			if !h.FitsIn(remaining) {
				it.state = stateNeedNextBucket
				continue
			}
			valBuf := make([]byte, h.Len)
			vn, verr := it.file.ReadExact(valBuf)
			it.state = stateWantHeader
			if verr != nil || vn < len(valBuf) {
				it.state = stateNeedNextBucket
				continue
			}
			key := h.Key
			if !inBucketWindow(key, it.curTStart) {
				continue
			}
			if key < it.rng.Lo || key > it.rng.Hi {
				continue
			}
			if it.filter != nil && !it.filter.Match(valBuf) {
				continue
			}
			return &Record{Key: key, Value: valBuf}, false, nil

		case stateDone:
			return nil, true, nil
		}
	}
}
