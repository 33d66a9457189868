package iterator

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sociomantic-tsunami/dlsnode/internal/asyncio"
	"github.com/sociomantic-tsunami/dlsnode/internal/layout"
	"github.com/sociomantic-tsunami/dlsnode/internal/record"
)

func key(ts uint32, seq uint32) uint64 {
	return uint64(ts)<<32 | uint64(seq)
}

type kv struct {
	key   uint64
	value string
}

func writeBucket(t *testing.T, channelDir string, tStart int64, framing record.Framing, entries map[uint64]string) {
	t.Helper()
	ordered := make([]kv, 0, len(entries))
	for k, v := range entries {
		ordered = append(ordered, kv{k, v})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].key < ordered[j].key })
	writeBucketOrdered(t, channelDir, tStart, framing, ordered)
}

func writeBucketOrdered(t *testing.T, channelDir string, tStart int64, framing record.Framing, entries []kv) {
	t.Helper()
	path := layout.BucketPath(channelDir, uint32(tStart))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	c := record.Codec{Framing: framing}
	var buf []byte
	for _, e := range entries {
		buf = c.AppendRecord(buf, e.key, []byte(e.value))
	}
	require.NoError(t, os.WriteFile(path, buf, 0o644))
}

func drainAsync(t *testing.T, it *AsyncStepIterator) []*Record {
	t.Helper()
	var out []*Record
	for {
		waker := asyncio.NewWaker()
		rec, done, waiting, err := it.Next(waker)
		require.NoError(t, err)
		if waiting {
			<-waker.C()
			continue
		}
		if done {
			return out
		}
		out = append(out, rec)
	}
}

func drainSync(t *testing.T, it *SyncStepIterator) []*Record {
	t.Helper()
	var out []*Record
	for {
		rec, done, err := it.Next()
		require.NoError(t, err)
		if done {
			return out
		}
		out = append(out, rec)
	}
}

// Scenario A: a single legacy-framed bucket, read end to end.
func TestAsyncIterator_LegacyBucket(t *testing.T) {
	dir := t.TempDir()
	writeBucket(t, dir, 0, record.Legacy, map[uint64]string{
		key(10, 1): "alpha",
		key(20, 2): "beta",
	})

	exec := asyncio.NewExecutor(2, nil)
	defer exec.Close()

	it := NewAsyncStepIterator(dir, exec, FullRange(), nil, nil, nil)
	defer it.Close()

	recs := drainAsync(t, it)
	assert.Len(t, recs, 2)
}

// Scenario B: a single v1-framed bucket, read end to end.
func TestAsyncIterator_V1Bucket(t *testing.T) {
	dir := t.TempDir()
	writeBucket(t, dir, 0, record.V1, map[uint64]string{
		key(10, 1): "alpha",
		key(20, 2): "beta",
		key(30, 3): "gamma",
	})

	exec := asyncio.NewExecutor(2, nil)
	defer exec.Close()

	it := NewAsyncStepIterator(dir, exec, FullRange(), nil, nil, nil)
	defer it.Close()

	recs := drainAsync(t, it)
	assert.Len(t, recs, 3)
}

// Scenario C: a v1 bucket with a corrupted header partway through stops
// yielding records from that bucket but does not fail the iteration.
func TestAsyncIterator_V1CorruptionTruncatesBucket(t *testing.T) {
	dir := t.TempDir()
	path := layout.BucketPath(dir, 0)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	c := record.Codec{Framing: record.V1}
	var buf []byte
	buf = c.AppendRecord(buf, key(10, 1), []byte("alpha"))
	goodLen := len(buf)
	buf = c.AppendRecord(buf, key(20, 2), []byte("beta"))
	// Flip a byte inside the second record's header to break its parity.
	buf[goodLen] ^= 0xFF
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	exec := asyncio.NewExecutor(2, nil)
	defer exec.Close()

	it := NewAsyncStepIterator(dir, exec, FullRange(), nil, nil, nil)
	defer it.Close()

	recs := drainAsync(t, it)
	require.Len(t, recs, 1)
	assert.Equal(t, "alpha", string(recs[0].Value))
}

// A legacy header with a declared length that can't possibly fit in
// the rest of the file (here, corrupted to have its top bit set) must
// be treated as a tail truncation, not trusted into a value allocation
// — legacy headers carry no parity to catch this any earlier.
func TestAsyncIterator_LegacyHugeLengthTreatedAsTail(t *testing.T) {
	dir := t.TempDir()
	path := layout.BucketPath(dir, 0)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	c := record.Codec{Framing: record.Legacy}
	var buf []byte
	buf = c.AppendRecord(buf, key(10, 1), []byte("alpha"))

	corrupt := make([]byte, record.LegacyHeaderSize)
	record.EncodeLegacyHeader(corrupt, record.Header{Key: key(20, 2), Len: 1 << 63})
	buf = append(buf, corrupt...)
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	exec := asyncio.NewExecutor(2, nil)
	defer exec.Close()

	it := NewAsyncStepIterator(dir, exec, FullRange(), nil, nil, nil)
	defer it.Close()

	recs := drainAsync(t, it)
	require.Len(t, recs, 1)
	assert.Equal(t, "alpha", string(recs[0].Value))
}

func TestSyncIterator_LegacyHugeLengthTreatedAsTail(t *testing.T) {
	dir := t.TempDir()
	path := layout.BucketPath(dir, 0)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	c := record.Codec{Framing: record.Legacy}
	var buf []byte
	buf = c.AppendRecord(buf, key(10, 1), []byte("alpha"))

	corrupt := make([]byte, record.LegacyHeaderSize)
	record.EncodeLegacyHeader(corrupt, record.Header{Key: key(20, 2), Len: 1 << 63})
	buf = append(buf, corrupt...)
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	it := NewSyncStepIterator(dir, FullRange(), nil, nil, nil)
	defer it.Close()

	recs := drainSync(t, it)
	require.Len(t, recs, 1)
	assert.Equal(t, "alpha", string(recs[0].Value))
}

// Scenario D: mixed framings across buckets in the same channel — each
// bucket's framing is detected independently on open.
func TestAsyncIterator_MixedFramingAcrossBuckets(t *testing.T) {
	dir := t.TempDir()
	writeBucket(t, dir, 0, record.Legacy, map[uint64]string{
		key(10, 1): "alpha",
	})
	writeBucket(t, dir, layout.BucketSeconds, record.V1, map[uint64]string{
		key(uint32(layout.BucketSeconds)+10, 2): "beta",
	})

	exec := asyncio.NewExecutor(2, nil)
	defer exec.Close()

	it := NewAsyncStepIterator(dir, exec, FullRange(), nil, nil, nil)
	defer it.Close()

	recs := drainAsync(t, it)
	assert.Len(t, recs, 2)
}

// Scenario E: empty buckets interleaved with populated ones are skipped
// without stalling the iteration.
func TestAsyncIterator_EmptyBucketsInterleaved(t *testing.T) {
	dir := t.TempDir()
	writeBucket(t, dir, 0, record.V1, map[uint64]string{
		key(10, 1): "alpha",
	})
	// An empty bucket in between: create the path but write zero bytes.
	emptyPath := layout.BucketPath(dir, uint32(layout.BucketSeconds))
	require.NoError(t, os.MkdirAll(filepath.Dir(emptyPath), 0o755))
	require.NoError(t, os.WriteFile(emptyPath, nil, 0o644))

	writeBucket(t, dir, 2*layout.BucketSeconds, record.V1, map[uint64]string{
		key(uint32(2*layout.BucketSeconds)+5, 2): "beta",
	})

	exec := asyncio.NewExecutor(2, nil)
	defer exec.Close()

	it := NewAsyncStepIterator(dir, exec, FullRange(), nil, nil, nil)
	defer it.Close()

	recs := drainAsync(t, it)
	assert.Len(t, recs, 2)
}

// Scenario F: the synchronous iterator variant reproduces the same
// filtering and range semantics as the async one.
func TestSyncIterator_RangeAndFilter(t *testing.T) {
	dir := t.TempDir()
	writeBucket(t, dir, 0, record.V1, map[uint64]string{
		key(10, 1): "match-one",
		key(20, 2): "skip-two",
		key(30, 3): "match-three",
		key(40, 4): "match-too-late",
	})

	filter := regexp.MustCompile(`^match`)
	rng := Range{Lo: 0, Hi: key(35, 0xFFFFFFFF)}
	it := NewSyncStepIterator(dir, rng, filter, nil, nil)
	defer it.Close()

	recs := drainSync(t, it)
	require.Len(t, recs, 2)
	assert.Equal(t, "match-one", string(recs[0].Value))
	assert.Equal(t, "match-three", string(recs[1].Value))
}

func TestAsyncIterator_KeyRangeBounds(t *testing.T) {
	dir := t.TempDir()
	writeBucket(t, dir, 0, record.V1, map[uint64]string{
		key(10, 1): "too-early",
		key(20, 2): "in-range",
		key(30, 3): "too-late",
	})

	exec := asyncio.NewExecutor(2, nil)
	defer exec.Close()

	rng := Range{Lo: key(15, 0), Hi: key(25, 0xFFFFFFFF)}
	it := NewAsyncStepIterator(dir, exec, rng, nil, nil, nil)
	defer it.Close()

	recs := drainAsync(t, it)
	require.Len(t, recs, 1)
	assert.Equal(t, "in-range", string(recs[0].Value))
}

func TestAsyncIterator_EmptyChannelYieldsNoRecords(t *testing.T) {
	dir := t.TempDir()
	exec := asyncio.NewExecutor(1, nil)
	defer exec.Close()

	it := NewAsyncStepIterator(dir, exec, FullRange(), nil, nil, nil)
	defer it.Close()

	recs := drainAsync(t, it)
	assert.Empty(t, recs)
}

func TestAsyncIterator_ResetReusesIterator(t *testing.T) {
	dirA := t.TempDir()
	writeBucket(t, dirA, 0, record.V1, map[uint64]string{key(10, 1): "a"})
	dirB := t.TempDir()
	writeBucket(t, dirB, 0, record.V1, map[uint64]string{key(10, 1): "b1", key(20, 2): "b2"})

	exec := asyncio.NewExecutor(2, nil)
	defer exec.Close()

	it := NewAsyncStepIterator(dirA, exec, FullRange(), nil, nil, nil)
	recs := drainAsync(t, it)
	require.Len(t, recs, 1)

	it.Reset(dirB, exec, FullRange(), nil)
	recs2 := drainAsync(t, it)
	assert.Len(t, recs2, 2)
	it.Close()
}
