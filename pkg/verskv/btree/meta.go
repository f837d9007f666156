// Package btree implements the versioned B+tree that sits on top of the
// pager: commit reconciles a mutation buffer against existing subtrees,
// page writers pack leaf and internal pages via the delta tree, and a
// lazy subtree deletion queue frees cleared subtrees incrementally
// (spec.md §4.6).
//
// The teacher (pkg/bptree2/bptree2.go) is the closest thing in the pack
// to this: a single-version B+tree over bnode pages with a simple
// recursive insert/delete. This package keeps its shape — a tree type
// wrapping a pager, a persistent meta-key, page-level read/write through
// the pager — but replaces bnode's fixed-slot pages with delta-tree
// pages and its single-version insert with the recursive,
// mutation-buffer-driven commit of spec.md §4.6.
package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/oda/verskv/pkg/verskv/page"
	"github.com/oda/verskv/pkg/verskv/queue"
)

// FormatVersion is rejected at Open if the stored meta-key carries a
// different value.
const FormatVersion uint16 = 1

// Meta is the tree's persistent header, stored in the pager's meta-key
// field (spec.md §4.6 "Persistent header", §6 "B+tree meta-key"). Root
// is the whole tree's root BtreePageID — one LPID in the common case,
// more than one only when the root page itself grew past one physical
// block (spec.md §3, §4.6 "Page writer").
type Meta struct {
	FormatVersion   uint16
	Height          uint8
	LazyDeleteQueue queue.State
	Root            BtreePageID
}

// Marshal encodes m per spec.md §6's packed little-endian layout.
func (m *Meta) Marshal() []byte {
	buf := make([]byte, 0, 2+1+34+1+8*len(m.Root))
	buf = binary.LittleEndian.AppendUint16(buf, m.FormatVersion)
	buf = append(buf, m.Height)
	buf = marshalQueueState(buf, m.LazyDeleteQueue)
	buf = append(buf, byte(len(m.Root)))
	for _, id := range m.Root {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(id))
	}
	return buf
}

// Unmarshal decodes a Meta previously written by Marshal.
func Unmarshal(buf []byte) (*Meta, error) {
	if len(buf) < 2+1+34+1 {
		return nil, fmt.Errorf("btree: short meta-key (%d bytes)", len(buf))
	}
	m := &Meta{}
	m.FormatVersion = binary.LittleEndian.Uint16(buf[0:2])
	m.Height = buf[2]
	var rest []byte
	m.LazyDeleteQueue, rest = unmarshalQueueState(buf[3:])
	if len(rest) < 1 {
		return nil, fmt.Errorf("btree: truncated meta-key root count")
	}
	count := int(rest[0])
	rest = rest[1:]
	if len(rest) < 8*count {
		return nil, fmt.Errorf("btree: truncated meta-key root ids")
	}
	m.Root = make(BtreePageID, count)
	for i := 0; i < count; i++ {
		m.Root[i] = page.LPID(binary.LittleEndian.Uint64(rest[8*i : 8*i+8]))
	}
	return m, nil
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
