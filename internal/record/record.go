// Package record implements the two on-disk record framings used by
// bucket files: the legacy 16-byte header and the v1 24-byte header with
// an XOR parity word. Framing is a property of a bucket file, not a
// channel or a call site — a Codec is selected once per file open (see
// DetectFraming) and then used for every record in that file.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Framing identifies which on-disk header layout a bucket file uses.
type Framing int

const (
	// Legacy is the original 16-byte header: key(8) + len(8), no parity.
	Legacy Framing = iota
	// V1 is the 24-byte header: key(8) + len(8) + parity(8), where the
	// XOR of all three 64-bit words is zero on a valid record.
	V1
)

func (f Framing) String() string {
	if f == V1 {
		return "v1"
	}
	return "legacy"
}

// Header sizes in bytes.
const (
	LegacyHeaderSize = 16
	V1HeaderSize     = 24
)

// HeaderSize returns the on-disk header size for the given framing.
func HeaderSize(f Framing) int {
	if f == V1 {
		return V1HeaderSize
	}
	return LegacyHeaderSize
}

var (
	// ErrCorrupt indicates a v1 header whose parity XOR is nonzero.
	// Per the bucket-file invariants, a corrupt header ends the current
	// bucket; it is never fatal to the iterator as a whole.
	ErrCorrupt = errors.New("record: corrupt header (parity mismatch)")
	// ErrTail indicates a truncated record at the current end of file —
	// the normal shape of a bucket a writer is still appending to.
	ErrTail = errors.New("record: truncated tail record")
)

// Header is the decoded form of either framing: a 64-bit key (whose top
// 32 bits encode a POSIX timestamp) and a declared value length.
type Header struct {
	Key uint64
	Len uint64
}

// Timestamp returns the POSIX-seconds timestamp encoded in the header's key.
func (h Header) Timestamp() uint32 {
	return uint32(h.Key >> 32)
}

// DecodeLegacyHeader decodes a 16-byte legacy header. buf must be exactly
// LegacyHeaderSize bytes; the legacy framing carries no parity, so this
// never fails — tail detection happens before this is called, based on
// how many bytes were actually available.
func DecodeLegacyHeader(buf []byte) Header {
	return Header{
		Key: binary.LittleEndian.Uint64(buf[0:8]),
		Len: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// EncodeLegacyHeader writes a 16-byte legacy header into dst.
func EncodeLegacyHeader(dst []byte, h Header) {
	binary.LittleEndian.PutUint64(dst[0:8], h.Key)
	binary.LittleEndian.PutUint64(dst[8:16], h.Len)
}

// DecodeV1Header decodes a 24-byte v1 header. buf must be exactly
// V1HeaderSize bytes. Returns ErrCorrupt if the three 64-bit words do not
// XOR to zero.
func DecodeV1Header(buf []byte) (Header, error) {
	key := binary.LittleEndian.Uint64(buf[0:8])
	length := binary.LittleEndian.Uint64(buf[8:16])
	parity := binary.LittleEndian.Uint64(buf[16:24])
	if key^length^parity != 0 {
		return Header{}, ErrCorrupt
	}
	return Header{Key: key, Len: length}, nil
}

// EncodeV1Header writes a 24-byte v1 header into dst, computing parity
// such that key ^ len ^ parity == 0.
func EncodeV1Header(dst []byte, h Header) {
	parity := h.Key ^ h.Len
	binary.LittleEndian.PutUint64(dst[0:8], h.Key)
	binary.LittleEndian.PutUint64(dst[8:16], h.Len)
	binary.LittleEndian.PutUint64(dst[16:24], parity)
}

// DetectFraming inspects the first bytes of a newly opened bucket file
// and decides which framing it uses. peek should contain up to
// V1HeaderSize bytes read from the start of the file; fileLen is the
// total length of the file. Detection runs once per file open: if the
// first 24 bytes parse as a v1 header with correct parity and a
// plausible length (header + value fits within the file), the file is
// v1; otherwise it is legacy.
func DetectFraming(peek []byte, fileLen int64) Framing {
	if len(peek) < V1HeaderSize {
		return Legacy
	}
	h, err := DecodeV1Header(peek[:V1HeaderSize])
	if err != nil {
		return Legacy
	}
	if int64(V1HeaderSize)+int64(h.Len) <= fileLen {
		return V1
	}
	return Legacy
}

// Codec is the tagged-variant dispatch for the two framings (see the
// "Dynamic dispatch over protocol versions" design note): one value per
// bucket file, selected once by DetectFraming or by the writer when a
// new bucket is created.
type Codec struct {
	Framing Framing
}

// HeaderSize returns this codec's on-disk header size.
func (c Codec) HeaderSize() int { return HeaderSize(c.Framing) }

// DecodeHeader decodes a header of exactly c.HeaderSize() bytes.
func (c Codec) DecodeHeader(buf []byte) (Header, error) {
	if c.Framing == V1 {
		return DecodeV1Header(buf)
	}
	return DecodeLegacyHeader(buf), nil
}

// EncodeHeader writes a header of c.HeaderSize() bytes into dst.
func (c Codec) EncodeHeader(dst []byte, h Header) {
	if c.Framing == V1 {
		EncodeV1Header(dst, h)
		return
	}
	EncodeLegacyHeader(dst, h)
}

// AppendRecord appends one framed record (header + value) to dst,
// growing it as needed, and returns the extended slice. This is the
// write_record contract of §4.1: preformatting into scratch space so a
// later flush of dst never splits a record across a write boundary.
func (c Codec) AppendRecord(dst []byte, key uint64, value []byte) []byte {
	hs := c.HeaderSize()
	total := hs + len(value)

	off := len(dst)
	if cap(dst)-off < total {
		grown := make([]byte, off, off+total+512)
		copy(grown, dst)
		dst = grown
	}
	dst = dst[:off+total]
	rec := dst[off:]

	c.EncodeHeader(rec[:hs], Header{Key: key, Len: uint64(len(value))})
	copy(rec[hs:], value)
	return dst
}

// FitsIn reports whether a decoded header's declared length is
// plausible given the number of bytes actually remaining in the file
// (invariant 3: a header whose declared len would extend past the
// current file length is a Tail, not Corrupt). remaining is compared as
// a uint64 so a header whose Len has been corrupted into something huge
// (e.g. a bit-flip that sets the top bit) never wraps negative and
// slips past the check.
func (h Header) FitsIn(remaining int64) bool {
	if remaining < 0 {
		return false
	}
	return h.Len <= uint64(remaining)
}

// String renders a header for log messages.
func (h Header) String() string {
	return fmt.Sprintf("key=%#016x len=%d", h.Key, h.Len)
}
