// Package node is the facade the (out-of-scope) wire protocol layer
// calls into: it owns the registry, the async executor and the shared
// resource pool as explicit, passed-in dependencies rather than
// singletons, and exposes exactly the operation table external callers
// need (spec.md §6).
package node

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"

	"github.com/sociomantic-tsunami/dlsnode/internal/asyncio"
	"github.com/sociomantic-tsunami/dlsnode/internal/iterator"
	"github.com/sociomantic-tsunami/dlsnode/internal/pool"
	"github.com/sociomantic-tsunami/dlsnode/internal/registry"
	"github.com/sociomantic-tsunami/dlsnode/internal/storage"
	"github.com/sociomantic-tsunami/dlsnode/internal/version"
)

// ErrBadRequest marks malformed caller input: empty channel name, an
// inverted or non-positive range, or a range-filter pattern that fails
// to compile.
var ErrBadRequest = errors.New("node: bad request")

// ErrNotImplemented marks an operation whose internals are a documented
// out-of-scope collaborator — only its contract is modeled here.
var ErrNotImplemented = errors.New("node: not implemented")

// Node wires together the registry, the async executor and the
// resource pool for one running instance.
type Node struct {
	dataDir  string
	registry *registry.Registry
	pool     *pool.Pool
	exec     *asyncio.Executor
	logger   *slog.Logger
}

// Options configures a new Node. All fields are required except Logger.
type Options struct {
	DataDir  string
	Registry *registry.Registry
	Pool     *pool.Pool
	Exec     *asyncio.Executor
	Logger   *slog.Logger
}

// New returns a Node over the given registry, pool and executor.
func New(opts Options) *Node {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{
		dataDir:  opts.DataDir,
		registry: opts.Registry,
		pool:     opts.Pool,
		exec:     opts.Exec,
		logger:   logger,
	}
}

// Put appends one record to channel.
func (n *Node) Put(channel string, key uint64, value []byte) error {
	if channel == "" {
		return fmt.Errorf("node: put: %w", ErrBadRequest)
	}
	e, err := n.registry.GetOrCreate(channel)
	if err != nil {
		return err
	}
	return e.Put(key, value)
}

// PutBatch appends many records to channel in one call.
func (n *Node) PutBatch(channel string, entries []storage.Entry) error {
	if channel == "" {
		return fmt.Errorf("node: put_batch: %w", ErrBadRequest)
	}
	e, err := n.registry.GetOrCreate(channel)
	if err != nil {
		return err
	}
	return e.PutBatch(entries)
}

// Cursor is the caller-facing stream returned by GetAll/GetRange/
// GetRangeFilter: a simple blocking Next(), with the cooperative
// suspension of the underlying step iterator hidden behind a channel
// receive.
type Cursor struct {
	it     *iterator.AsyncStepIterator
	handle *pool.Handle
}

// Next blocks until the next record is available, the stream is
// exhausted (done=true), or a terminal I/O error occurs.
func (c *Cursor) Next() (rec *iterator.Record, done bool, err error) {
	for {
		waker := asyncio.NewWaker()
		rec, done, waiting, err := c.it.Next(waker)
		if err != nil {
			return nil, true, err
		}
		if waiting {
			<-waker.C()
			continue
		}
		return rec, done, nil
	}
}

// Close releases the cursor's iterator back to the pool it was
// acquired from, if any.
func (c *Cursor) Close() error {
	if c.handle != nil {
		c.handle.Release()
		return nil
	}
	return c.it.Close()
}

// GetAll streams every record in channel, in bucket order.
func (n *Node) GetAll(channel string) (*Cursor, error) {
	return n.GetRangeFilter(channel, iterator.FullRange(), "")
}

// GetRange streams records in channel whose key's timestamp bits fall
// in [tLo, tHi].
func (n *Node) GetRange(channel string, tLo, tHi uint32) (*Cursor, error) {
	if channel == "" || tLo > tHi {
		return nil, fmt.Errorf("node: get_range: %w", ErrBadRequest)
	}
	rng := iterator.Range{Lo: uint64(tLo) << 32, Hi: uint64(tHi)<<32 | 0xFFFFFFFF}
	return n.openCursor(channel, rng, nil)
}

// GetRangeFilter streams records in channel within rng whose value
// matches the compiled form of pattern. An empty pattern matches every
// value (equivalent to GetRange).
func (n *Node) GetRangeFilter(channel string, rng iterator.Range, pattern string) (*Cursor, error) {
	if channel == "" {
		return nil, fmt.Errorf("node: get_range_filter: %w", ErrBadRequest)
	}
	if rng.Lo > rng.Hi {
		return nil, fmt.Errorf("node: get_range_filter: %w", ErrBadRequest)
	}
	re, err := n.pool.CompileFilter(pattern)
	if err != nil {
		return nil, fmt.Errorf("node: get_range_filter: compile pattern: %w: %w", ErrBadRequest, err)
	}
	return n.openCursor(channel, rng, re)
}

func (n *Node) openCursor(channel string, rng iterator.Range, filter *regexp.Regexp) (*Cursor, error) {
	// Channel has never been written to: per spec.md §7 this is an
	// empty result, not an error, and must not create the channel. Only
	// an existing channel's writer needs a flush-before-read.
	if e, ok := n.registry.Lookup(channel); ok {
		if err := e.FlushData(); err != nil {
			return nil, err
		}
	}

	handle := n.pool.AcquireHandle(n.ChannelDir(channel), n.exec, rng, filter)
	return &Cursor{it: handle.It, handle: handle}, nil
}

// GetChannelSize returns the best-effort (records, bytes) counters for
// channel. A channel that has never been opened reports (0, 0) rather
// than creating it.
func (n *Node) GetChannelSize(channel string) (records, bytes int64) {
	e, ok := n.registry.Lookup(channel)
	if !ok {
		return 0, 0
	}
	return e.GetChannelSize()
}

// GetVersion returns this node's static version string.
func (n *Node) GetVersion() string {
	return version.Version
}

// Redistribute hands off approximately fraction of this node's data to
// newNodes. The peer redistribution client's internals are an
// out-of-scope external collaborator (spec.md §6/§9); only the
// contract is modeled here.
func (n *Node) Redistribute(newNodes []string, fraction float64) error {
	if len(newNodes) == 0 || fraction <= 0 || fraction > 1 {
		return fmt.Errorf("node: redistribute: %w", ErrBadRequest)
	}
	return ErrNotImplemented
}

// ChannelDir returns the on-disk directory for channel, whether or not
// it has been opened yet.
func (n *Node) ChannelDir(channel string) string {
	return filepath.Join(n.dataDir, channel)
}
