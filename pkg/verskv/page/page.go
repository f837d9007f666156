// Package page defines the fixed-size physical page buffer that every
// other layer reads and writes: logical page ids, the reserved header
// slots, and the trailing CRC32C checksum keyed by page id (spec.md §3).
package page

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/oda/verskv/pkg/verskv/kverr"
)

// LPID is a logical page id. Stable across remaps; the pager resolves it
// to a physical page through the remap table.
type LPID uint64

// Invalid is the pager's sentinel "no page" id. Never allocated.
const Invalid LPID = ^LPID(0)

// Reserved logical page ids for the active and backup header (spec.md §3).
const (
	HeaderLPID       LPID = 0
	HeaderBackupLPID LPID = 1
	FirstDataLPID    LPID = 2
)

// ChecksumSize is the trailing footer width in bytes.
const ChecksumSize = 4

// castagnoli is the CRC32C polynomial table used throughout (spec.md §6).
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Buf is a fixed-size physical page buffer. Data() returns the usable
// region (logical size minus the checksum footer); the footer is
// maintained by Seal/Verify.
type Buf struct {
	raw []byte
}

// NewBuf allocates a zeroed page buffer of the given logical size.
func NewBuf(logicalSize int) *Buf {
	return &Buf{raw: make([]byte, logicalSize)}
}

// WrapBuf adapts an existing logical-size byte slice without copying.
// The caller must not mutate raw outside of the returned Buf afterward.
func WrapBuf(raw []byte) *Buf {
	return &Buf{raw: raw}
}

// Raw returns the full logical-size buffer, including the checksum
// footer. Used only by the file layer for I/O.
func (b *Buf) Raw() []byte { return b.raw }

// Data returns the usable region, excluding the trailing checksum.
func (b *Buf) Data() []byte { return b.raw[:len(b.raw)-ChecksumSize] }

// Seal computes and writes the checksum footer for lpid.
func (b *Buf) Seal(lpid LPID) {
	sum := checksum(b.Data(), lpid)
	binary.LittleEndian.PutUint32(b.raw[len(b.raw)-ChecksumSize:], sum)
}

// Verify reports whether the stored checksum matches lpid's content.
func (b *Buf) Verify(lpid LPID) bool {
	want := binary.LittleEndian.Uint32(b.raw[len(b.raw)-ChecksumSize:])
	return checksum(b.Data(), lpid) == want
}

// VerifyErr is Verify wrapped as a kverr.ErrChecksum for convenience at
// call sites that just want to propagate a failure.
func (b *Buf) VerifyErr(lpid LPID) error {
	if !b.Verify(lpid) {
		return kverr.WrapPage("checksum", uint64(lpid), kverr.ErrChecksum)
	}
	return nil
}

// checksum computes CRC32C of data with the page id mixed in, so a page
// written to the wrong offset fails verification (spec.md §3).
func checksum(data []byte, lpid LPID) uint32 {
	h := crc32.New(castagnoli)
	h.Write(data)
	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], uint64(lpid))
	h.Write(idBuf[:])
	return h.Sum32()
}

// Clone returns a deep copy of the buffer, used by leaf in-place updates
// that must not mutate the cached original while a snapshot may still
// reference it.
func (b *Buf) Clone() *Buf {
	out := make([]byte, len(b.raw))
	copy(out, b.raw)
	return &Buf{raw: out}
}
