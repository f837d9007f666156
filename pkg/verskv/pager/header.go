package pager

import (
	"encoding/binary"
	"fmt"

	"github.com/oda/verskv/pkg/verskv/kverr"
	"github.com/oda/verskv/pkg/verskv/page"
	"github.com/oda/verskv/pkg/verskv/queue"
)

// FormatVersion is rejected at recovery if the on-disk header carries a
// different value (spec.md §4.3 recovery step 4).
const FormatVersion uint16 = 1

// SmallestPhysicalBlock is the fixed size of pages 0 and 1, and the
// minimum logical page size (spec.md §6).
const SmallestPhysicalBlock = 4096

// Header is the pager's on-disk state, mirrored at LPIDs 0 and 1
// (spec.md §3 "Pager header", §6 "Header layout").
type Header struct {
	FormatVersion    uint16
	PageSize         uint32
	PageCount        int64
	FreeList         queue.State
	DelayedFreeList  queue.State
	RemapQueue       queue.State
	CommittedVersion int64
	OldestVersion    int64
	Meta             []byte
}

func marshalQueueState(buf []byte, st queue.State) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(st.HeadLPID))
	buf = binary.LittleEndian.AppendUint16(buf, st.HeadOffset)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(st.TailLPID))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(st.PageCount))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(st.EntryCount))
	return buf
}

func unmarshalQueueState(buf []byte) (queue.State, []byte) {
	st := queue.State{
		HeadLPID:   page.LPID(binary.LittleEndian.Uint64(buf[0:8])),
		HeadOffset: binary.LittleEndian.Uint16(buf[8:10]),
		TailLPID:   page.LPID(binary.LittleEndian.Uint64(buf[10:18])),
		PageCount:  int64(binary.LittleEndian.Uint64(buf[18:26])),
		EntryCount: int64(binary.LittleEndian.Uint64(buf[26:34])),
	}
	return st, buf[34:]
}

const queueStateSize = 34

// fixedHeaderSize is every field up to and including metaKeySize, before
// the variable-length meta bytes.
const fixedHeaderSize = 2 + 4 + 8 + 3*queueStateSize + 8 + 8 + 4

// HeaderDataSize is the usable region of the header's physical block,
// i.e. SmallestPhysicalBlock minus the trailing checksum footer
// (page.ChecksumSize) that page.Buf reserves.
const HeaderDataSize = SmallestPhysicalBlock - 4

// Marshal writes h into a HeaderDataSize buffer, padded with 0xFF, per
// spec.md §6. The caller copies the result into a page.Buf's Data()
// region and seals it.
func (h *Header) Marshal() ([]byte, error) {
	if fixedHeaderSize+len(h.Meta) > HeaderDataSize {
		return nil, fmt.Errorf("pager: header+meta (%d bytes) exceeds physical block", fixedHeaderSize+len(h.Meta))
	}
	buf := make([]byte, 0, HeaderDataSize)
	buf = binary.LittleEndian.AppendUint16(buf, h.FormatVersion)
	buf = binary.LittleEndian.AppendUint32(buf, h.PageSize)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.PageCount))
	buf = marshalQueueState(buf, h.FreeList)
	buf = marshalQueueState(buf, h.DelayedFreeList)
	buf = marshalQueueState(buf, h.RemapQueue)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.CommittedVersion))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.OldestVersion))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(h.Meta)))
	buf = append(buf, h.Meta...)

	out := make([]byte, HeaderDataSize)
	for i := range out {
		out[i] = 0xFF
	}
	copy(out, buf)
	return out, nil
}

// Unmarshal decodes a header from a SmallestPhysicalBlock-sized buffer.
func Unmarshal(buf []byte) (*Header, error) {
	if len(buf) < fixedHeaderSize {
		return nil, fmt.Errorf("pager: short header buffer (%d bytes)", len(buf))
	}
	h := &Header{}
	h.FormatVersion = binary.LittleEndian.Uint16(buf[0:2])
	h.PageSize = binary.LittleEndian.Uint32(buf[2:6])
	h.PageCount = int64(binary.LittleEndian.Uint64(buf[6:14]))
	rest := buf[14:]
	h.FreeList, rest = unmarshalQueueState(rest)
	h.DelayedFreeList, rest = unmarshalQueueState(rest)
	h.RemapQueue, rest = unmarshalQueueState(rest)
	h.CommittedVersion = int64(binary.LittleEndian.Uint64(rest[0:8]))
	h.OldestVersion = int64(binary.LittleEndian.Uint64(rest[8:16]))
	metaSize := binary.LittleEndian.Uint32(rest[16:20])
	rest = rest[20:]
	if uint32(len(rest)) < metaSize {
		return nil, fmt.Errorf("pager: truncated meta key (%d < %d)", len(rest), metaSize)
	}
	h.Meta = append([]byte(nil), rest[:metaSize]...)

	if h.FormatVersion != FormatVersion {
		return nil, kverr.WrapPage("header", uint64(page.HeaderLPID), kverr.ErrFormatMismatch)
	}
	return h, nil
}
