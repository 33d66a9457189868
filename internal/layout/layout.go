// Package layout implements the filesystem-layout convention that maps
// (channel, timestamp) to bucket paths, and enumerates buckets in a time
// range. A channel is a directory of "{B_hi}/{B_lo}" bucket files; see
// SPEC_FULL.md for the bit split pinned for this implementation.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// BucketSeconds is T_bucket: the fixed time window covered by one bucket file.
const BucketSeconds = 3600

// gzSuffix marks a bucket that the (out-of-core) rotation process has
// compressed; it is never a live bucket and must be skipped when scanning.
const gzSuffix = ".gz"

// Bucket identifies one bucket file on disk and the time window it covers.
type Bucket struct {
	Path   string
	TStart int64 // inclusive lower bound of the bucket's time window, in seconds
}

// TEnd returns the exclusive upper bound of the bucket's time window.
func (b Bucket) TEnd() int64 { return b.TStart + BucketSeconds }

// hourIndex is the bucket index: hourIndex*BucketSeconds == TStart.
type hourIndex uint64

// BucketPath returns the on-disk path for the bucket covering timestamp t,
// under channelDir.
func BucketPath(channelDir string, t uint32) string {
	hi := hourIndexFor(t)
	return filepath.Join(channelDir, hiName(hi), loName(hi))
}

// BucketStart returns the TStart of the bucket that timestamp t falls into.
func BucketStart(t uint32) int64 {
	return int64(hourIndexFor(t)) * BucketSeconds
}

func hourIndexFor(t uint32) hourIndex {
	return hourIndex(uint64(t) / BucketSeconds)
}

func hiName(h hourIndex) string {
	return fmt.Sprintf("%08x", uint64(h)>>12)
}

func loName(h hourIndex) string {
	return fmt.Sprintf("%03x", uint64(h)&0xFFF)
}

// parseBucketName reconstructs the hourIndex for a (B_hi, B_lo) path pair,
// or reports ok=false if the names are not a valid bucket (wrong length,
// non-hex, or a compressed/rotated-away bucket).
func parseBucketName(hiDir, loFile string) (hourIndex, bool) {
	if len(loFile) >= len(gzSuffix) && loFile[len(loFile)-len(gzSuffix):] == gzSuffix {
		return 0, false
	}
	if len(hiDir) != 8 || len(loFile) != 3 {
		return 0, false
	}
	hi, err := strconv.ParseUint(hiDir, 16, 32)
	if err != nil {
		return 0, false
	}
	lo, err := strconv.ParseUint(loFile, 16, 16)
	if err != nil || lo > 0xFFF {
		return 0, false
	}
	return hourIndex(hi<<12 | lo), true
}

// scanBuckets walks channelDir and returns every live bucket it finds,
// tolerating missing intermediate directories, empty directories, and
// non-bucket file/directory names (all silently skipped).
func scanBuckets(channelDir string) ([]Bucket, error) {
	hiEntries, err := os.ReadDir(channelDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("layout: failed to read channel dir %s: %w", channelDir, err)
	}

	var buckets []Bucket
	for _, hiEnt := range hiEntries {
		if !hiEnt.IsDir() {
			continue
		}
		hiDir := hiEnt.Name()
		hiPath := filepath.Join(channelDir, hiDir)

		loEntries, err := os.ReadDir(hiPath)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("layout: failed to read bucket group %s: %w", hiPath, err)
		}
		for _, loEnt := range loEntries {
			if loEnt.IsDir() {
				continue
			}
			idx, ok := parseBucketName(hiDir, loEnt.Name())
			if !ok {
				continue
			}
			buckets = append(buckets, Bucket{
				Path:   filepath.Join(hiPath, loEnt.Name()),
				TStart: int64(idx) * BucketSeconds,
			})
		}
	}

	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].TStart != buckets[j].TStart {
			return buckets[i].TStart < buckets[j].TStart
		}
		return buckets[i].Path < buckets[j].Path
	})
	return buckets, nil
}

// FirstBucketInRange returns the lexicographically-least (by TStart, then
// path) bucket under channelDir whose time window intersects [tLo, tHi].
// ok is false when no bucket matches (including a missing channel dir).
func FirstBucketInRange(channelDir string, tLo, tHi int64) (b Bucket, ok bool, err error) {
	buckets, err := scanBuckets(channelDir)
	if err != nil {
		return Bucket{}, false, err
	}
	for _, bucket := range buckets {
		if bucket.TEnd() <= tLo || bucket.TStart > tHi {
			continue
		}
		return bucket, true, nil
	}
	return Bucket{}, false, nil
}

// NextBucket returns the next bucket under channelDir after currentTStart
// whose TStart is <= tHi. ok is false when there is no such bucket.
func NextBucket(channelDir string, currentTStart, tHi int64) (b Bucket, ok bool, err error) {
	buckets, err := scanBuckets(channelDir)
	if err != nil {
		return Bucket{}, false, err
	}
	for _, bucket := range buckets {
		if bucket.TStart <= currentTStart {
			continue
		}
		if bucket.TStart > tHi {
			break
		}
		return bucket, true, nil
	}
	return Bucket{}, false, nil
}
