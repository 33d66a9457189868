// Package registry implements the storage channels registry (C6): a
// lazily populated mapping from channel name to its storage.Engine.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/sociomantic-tsunami/dlsnode/internal/asyncio"
	"github.com/sociomantic-tsunami/dlsnode/internal/checkpoint"
	"github.com/sociomantic-tsunami/dlsnode/internal/storage"
)

// Registry owns every open channel's storage.Engine, creating one lazily
// on first use.
type Registry struct {
	mu sync.RWMutex

	dataDir     string
	maxValueLen int64
	exec        *asyncio.Executor
	logger      *slog.Logger
	ckpt        *checkpoint.Store

	engines map[string]*storage.Engine
}

// Options configures a new Registry.
type Options struct {
	DataDir     string
	MaxValueLen int64
	Exec        *asyncio.Executor
	Logger      *slog.Logger
	Checkpoint  *checkpoint.Store
}

// New returns an empty Registry rooted at opts.DataDir.
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		dataDir:     opts.DataDir,
		maxValueLen: opts.MaxValueLen,
		exec:        opts.Exec,
		logger:      logger,
		ckpt:        opts.Checkpoint,
		engines:     make(map[string]*storage.Engine),
	}
}

// GetOrCreate returns the Engine for channel, creating it if this is the
// first reference to it. The channel directory itself is created by the
// channel's first write.
func (r *Registry) GetOrCreate(channel string) (*storage.Engine, error) {
	r.mu.RLock()
	e, ok := r.engines[channel]
	r.mu.RUnlock()
	if ok {
		return e, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[channel]; ok {
		return e, nil
	}

	e, err := storage.New(storage.Options{
		ChannelDir:  filepath.Join(r.dataDir, channel),
		ChannelName: channel,
		MaxValueLen: r.maxValueLen,
		Exec:        r.exec,
		Logger:      r.logger,
		Checkpoint:  r.ckpt,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: failed to create channel %s: %w", channel, err)
	}
	r.engines[channel] = e
	return e, nil
}

// Lookup returns the Engine for channel without creating it.
func (r *Registry) Lookup(channel string) (*storage.Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[channel]
	return e, ok
}

// Remove closes and deletes a channel: its Engine is closed, its
// directory removed from disk, and its checkpoint dropped.
func (r *Registry) Remove(channel string) error {
	r.mu.Lock()
	e, ok := r.engines[channel]
	delete(r.engines, channel)
	r.mu.Unlock()

	if ok {
		if err := e.Close(); err != nil {
			return fmt.Errorf("registry: failed to close channel %s: %w", channel, err)
		}
	}

	if err := os.RemoveAll(filepath.Join(r.dataDir, channel)); err != nil {
		return fmt.Errorf("registry: failed to remove channel dir %s: %w", channel, err)
	}
	if r.ckpt != nil {
		if err := r.ckpt.Remove(channel); err != nil {
			return fmt.Errorf("registry: failed to remove checkpoint for %s: %w", channel, err)
		}
	}
	return nil
}

// Channels returns the names of every channel currently open.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	return names
}

// CheckpointAll persists the size counter for every open channel. Meant
// to be called periodically by a caller-owned ticker.
func (r *Registry) CheckpointAll() error {
	r.mu.RLock()
	engines := make([]*storage.Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.mu.RUnlock()

	for _, e := range engines {
		if err := e.Checkpoint(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every open channel's Engine.
func (r *Registry) Close() error {
	r.mu.Lock()
	engines := r.engines
	r.engines = make(map[string]*storage.Engine)
	r.mu.Unlock()

	for name, e := range engines {
		if err := e.Close(); err != nil {
			return fmt.Errorf("registry: failed to close channel %s: %w", name, err)
		}
	}
	return nil
}
