// Package pool implements the shared-resource pool (C8): free-lists for
// read buffers, step iterators, compiled regexes, and wakers, scoped to a
// single goroutine per spec.md §5 (no pool-internal locking — callers
// that share a Pool across goroutines must serialize their own access,
// exactly as the storage engine serializes writers per channel).
package pool

import (
	"regexp"

	"github.com/sociomantic-tsunami/dlsnode/internal/asyncio"
	"github.com/sociomantic-tsunami/dlsnode/internal/iterator"
)

// Pool holds free-lists of reusable resources. It is not safe for
// concurrent use; a caller that needs pooling from multiple goroutines
// should run one Pool per goroutine (e.g. per request-handling worker).
type Pool struct {
	buffers    [][]byte
	bufferSize int

	asyncIters []*iterator.AsyncStepIterator
	syncIters  []*iterator.SyncStepIterator

	wakers []*asyncio.Waker

	regexes map[string]*regexp.Regexp
}

// New returns an empty Pool. bufferSize is the capacity newly allocated
// scratch buffers get; buffers already the right size are reused as-is.
func New(bufferSize int) *Pool {
	return &Pool{
		bufferSize: bufferSize,
		regexes:    make(map[string]*regexp.Regexp),
	}
}

// AcquireBuffer returns an empty scratch byte slice: a freed one (with
// whatever capacity it was released with) when available, otherwise a
// new one with the pool's configured capacity.
func (p *Pool) AcquireBuffer() []byte {
	if n := len(p.buffers); n > 0 {
		buf := p.buffers[n-1]
		p.buffers = p.buffers[:n-1]
		return buf[:0]
	}
	return make([]byte, 0, p.bufferSize)
}

// ReleaseBuffer returns a scratch buffer to the free-list.
func (p *Pool) ReleaseBuffer(buf []byte) {
	p.buffers = append(p.buffers, buf)
}

// AcquireAsyncIterator returns a ready-to-use async step iterator bound
// to channelDir/rng/filter, reusing a freed one when available.
func (p *Pool) AcquireAsyncIterator(channelDir string, exec *asyncio.Executor, rng iterator.Range, filter *regexp.Regexp) *iterator.AsyncStepIterator {
	if n := len(p.asyncIters); n > 0 {
		it := p.asyncIters[n-1]
		p.asyncIters = p.asyncIters[:n-1]
		it.Reset(channelDir, exec, rng, filter)
		return it
	}
	return iterator.NewAsyncStepIterator(channelDir, exec, rng, filter, nil, nil)
}

// ReleaseAsyncIterator closes the iterator's bucket file (if any) and
// returns it to the free-list.
func (p *Pool) ReleaseAsyncIterator(it *iterator.AsyncStepIterator) {
	it.Close()
	p.asyncIters = append(p.asyncIters, it)
}

// AcquireSyncIterator returns a ready-to-use synchronous step iterator.
// Unlike the async flavor, it has no Reset method — legacy callers that
// pool this variant are expected to be short-lived, so a new one is
// always allocated. Kept as a pool method for call-site symmetry and so
// a release-counting caller doesn't need to special-case the flavor.
func (p *Pool) AcquireSyncIterator(channelDir string, rng iterator.Range, filter *regexp.Regexp) *iterator.SyncStepIterator {
	return iterator.NewSyncStepIterator(channelDir, rng, filter, nil, nil)
}

// ReleaseSyncIterator closes the iterator and returns it to the
// free-list. The returned iterator is stale (still bound to its old
// channelDir/rng); AcquireSyncIterator always allocates fresh instead of
// drawing from this list, so nothing released here is ever handed out
// again — this exists for symmetry with the async path.
func (p *Pool) ReleaseSyncIterator(it *iterator.SyncStepIterator) {
	it.Close()
	p.syncIters = append(p.syncIters, it)
}

// AcquireWaker returns a fresh Waker. Wakers carry no long-lived state
// worth pooling beyond their channel allocation, so this mainly exists
// to route waker creation through one place.
func (p *Pool) AcquireWaker() *asyncio.Waker {
	if n := len(p.wakers); n > 0 {
		w := p.wakers[n-1]
		p.wakers = p.wakers[:n-1]
		return w
	}
	return asyncio.NewWaker()
}

// ReleaseWaker returns a drained waker to the free-list. Callers must
// have already consumed any pending wake (e.g. by finishing the
// iteration it was waiting on).
func (p *Pool) ReleaseWaker(w *asyncio.Waker) {
	p.wakers = append(p.wakers, w)
}

// CompileFilter returns a compiled regexp for pattern, caching it so
// repeated queries against the same filter string do not recompile it.
func (p *Pool) CompileFilter(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	if re, ok := p.regexes[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	p.regexes[pattern] = re
	return re, nil
}

// Handle is a scoped acquire/release wrapper around one async iterator,
// guaranteeing the iterator goes back to the pool exactly once no
// matter which exit path a caller takes.
type Handle struct {
	pool *Pool
	It   *iterator.AsyncStepIterator
	done bool
}

// AcquireHandle acquires an iterator and wraps it in a Handle whose
// Release must be deferred by the caller.
func (p *Pool) AcquireHandle(channelDir string, exec *asyncio.Executor, rng iterator.Range, filter *regexp.Regexp) *Handle {
	return &Handle{pool: p, It: p.AcquireAsyncIterator(channelDir, exec, rng, filter)}
}

// Release returns the wrapped iterator to the pool. Safe to call more
// than once; only the first call has an effect.
func (h *Handle) Release() {
	if h.done {
		return
	}
	h.done = true
	h.pool.ReleaseAsyncIterator(h.It)
}
