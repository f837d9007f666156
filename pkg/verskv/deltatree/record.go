// Package deltatree implements the prefix-compressed record encoding
// and the packed, sorted page format it is stored in (spec.md §4.4).
//
// The teacher has nothing resembling this — pkg/bptree2/bnode stores
// whole keys and values per slot with no compression at all
// (bnode/leaf.go, bnode/internal.go). This package is built straight
// from spec.md §3's "delta-tree node" and §4.4's byte-level
// description, since there is no example in the pack to ground it on.
package deltatree

import (
	"bytes"
	"encoding/binary"
)

// Record is one (key, version, optional value) entry. A record with
// Present == false represents a clear at Version (spec.md §3).
type Record struct {
	Key     []byte
	Version int64
	Value   []byte
	Present bool
}

// Less orders records by key, then version, then value, per spec.md
// §3's comparison order for B+tree records.
func Less(a, b Record) bool {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c < 0
	}
	if a.Version != b.Version {
		return a.Version < b.Version
	}
	return bytes.Compare(a.Value, b.Value) < 0
}

func sameKeyVersion(a Record, key []byte, version int64) bool {
	return bytes.Equal(a.Key, key) && a.Version == version
}

const (
	flagPrefixFromNext uint8 = 1 << 0
	flagHasValue       uint8 = 1 << 1
	verWidthShift            = 2
	verWidthMask       uint8 = 0b11 << verWidthShift
	lenFormatShift           = 4
	lenFormatMask      uint8 = 0b11 << lenFormatShift
)

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// lenFormat picks the smallest of the four length-field encodings that
// fits (prefixLen, suffixLen, valueLen): u8/u8/u8 (3 bytes), u8/u8/u16
// (4), u16/u16/u16 (6), u16/u16/u32 (8) — spec.md §4.4 "the length
// format is chosen as the smallest that fits."
func lenFormat(prefixLen, suffixLen, valueLen int) uint8 {
	switch {
	case prefixLen <= 0xFF && suffixLen <= 0xFF && valueLen <= 0xFF:
		return 0
	case prefixLen <= 0xFF && suffixLen <= 0xFF && valueLen <= 0xFFFF:
		return 1
	case prefixLen <= 0xFFFF && suffixLen <= 0xFFFF && valueLen <= 0xFFFF:
		return 2
	default:
		return 3
	}
}

func lenFieldSize(format uint8) int {
	switch format {
	case 0:
		return 3
	case 1:
		return 4
	case 2:
		return 6
	default:
		return 8
	}
}

func appendLenFields(out []byte, format uint8, prefixLen, suffixLen, valueLen int) []byte {
	switch format {
	case 0:
		return append(out, byte(prefixLen), byte(suffixLen), byte(valueLen))
	case 1:
		out = append(out, byte(prefixLen), byte(suffixLen))
		return binary.LittleEndian.AppendUint16(out, uint16(valueLen))
	case 2:
		out = binary.LittleEndian.AppendUint16(out, uint16(prefixLen))
		out = binary.LittleEndian.AppendUint16(out, uint16(suffixLen))
		return binary.LittleEndian.AppendUint16(out, uint16(valueLen))
	default:
		out = binary.LittleEndian.AppendUint16(out, uint16(prefixLen))
		out = binary.LittleEndian.AppendUint16(out, uint16(suffixLen))
		return binary.LittleEndian.AppendUint32(out, uint32(valueLen))
	}
}

func readLenFields(buf []byte, format uint8) (prefixLen, suffixLen, valueLen int, ok bool) {
	switch format {
	case 0:
		if len(buf) < 3 {
			return 0, 0, 0, false
		}
		return int(buf[0]), int(buf[1]), int(buf[2]), true
	case 1:
		if len(buf) < 4 {
			return 0, 0, 0, false
		}
		return int(buf[0]), int(buf[1]), int(binary.LittleEndian.Uint16(buf[2:4])), true
	case 2:
		if len(buf) < 6 {
			return 0, 0, 0, false
		}
		return int(binary.LittleEndian.Uint16(buf[0:2])), int(binary.LittleEndian.Uint16(buf[2:4])), int(binary.LittleEndian.Uint16(buf[4:6])), true
	default:
		if len(buf) < 8 {
			return 0, 0, 0, false
		}
		return int(binary.LittleEndian.Uint16(buf[0:2])), int(binary.LittleEndian.Uint16(buf[2:4])), int(binary.LittleEndian.Uint32(buf[4:8])), true
	}
}

// versionDeltaSize returns the narrowest of 0/4/6/8 bytes that can hold
// delta as a signed integer (spec.md §4.4).
func versionDeltaSize(delta int64) int {
	switch {
	case delta == 0:
		return 0
	case delta >= -(1<<31) && delta < (1<<31):
		return 4
	case delta >= -(1<<47) && delta < (1<<47):
		return 6
	default:
		return 8
	}
}

func verWidthCode(size int) uint8 {
	switch size {
	case 0:
		return 0
	case 4:
		return 1
	case 6:
		return 2
	default:
		return 3
	}
}

func verWidthFromCode(code uint8) int {
	switch code {
	case 0:
		return 0
	case 1:
		return 4
	case 2:
		return 6
	default:
		return 8
	}
}

func appendVersionDelta(out []byte, delta int64, width int) []byte {
	switch width {
	case 0:
		return out
	case 4:
		return binary.LittleEndian.AppendUint32(out, uint32(int32(delta)))
	case 6:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(delta)&0xFFFFFFFFFFFF)
		return append(out, b[:6]...)
	default:
		return binary.LittleEndian.AppendUint64(out, uint64(delta))
	}
}

func readVersionDelta(buf []byte, width int) int64 {
	switch width {
	case 0:
		return 0
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(buf[:4])))
	case 6:
		var b [8]byte
		copy(b[:6], buf[:6])
		u := binary.LittleEndian.Uint64(b[:])
		if u&(1<<47) != 0 {
			u |= 0xFFFF000000000000
		}
		return int64(u)
	default:
		return int64(binary.LittleEndian.Uint64(buf[:8]))
	}
}

// EncodeRecord encodes r against base with the shared key prefix
// elided, per spec.md §4.4. prefixFromNext records which sibling base
// actually is, for callers that reconstruct the key from either
// direction.
func EncodeRecord(r, base Record, prefixFromNext bool) []byte {
	prefixLen := commonPrefixLen(base.Key, r.Key)
	suffix := r.Key[prefixLen:]

	var value []byte
	if r.Present {
		value = r.Value
	}

	delta := r.Version - base.Version
	width := versionDeltaSize(delta)
	format := lenFormat(prefixLen, len(suffix), len(value))

	flags := format<<lenFormatShift | verWidthCode(width)<<verWidthShift
	if prefixFromNext {
		flags |= flagPrefixFromNext
	}
	if r.Present {
		flags |= flagHasValue
	}

	out := make([]byte, 0, 1+lenFieldSize(format)+len(suffix)+len(value)+width)
	out = append(out, flags)
	out = appendLenFields(out, format, prefixLen, len(suffix), len(value))
	out = append(out, suffix...)
	out = append(out, value...)
	out = appendVersionDelta(out, delta, width)
	return out
}

// DecodeRecord reverses EncodeRecord, reconstructing the full key from
// base. It reports how many bytes of buf it consumed.
func DecodeRecord(buf []byte, base Record) (Record, int, bool) {
	if len(buf) < 1 {
		return Record{}, 0, false
	}
	flags := buf[0]
	format := (flags & lenFormatMask) >> lenFormatShift
	width := verWidthFromCode((flags & verWidthMask) >> verWidthShift)
	hdrSize := lenFieldSize(format)
	if len(buf) < 1+hdrSize {
		return Record{}, 0, false
	}

	prefixLen, suffixLen, valueLen, ok := readLenFields(buf[1:], format)
	if !ok || prefixLen > len(base.Key) {
		return Record{}, 0, false
	}

	off := 1 + hdrSize
	need := off + suffixLen + valueLen + width
	if len(buf) < need {
		return Record{}, 0, false
	}

	key := make([]byte, prefixLen+suffixLen)
	copy(key, base.Key[:prefixLen])
	copy(key[prefixLen:], buf[off:off+suffixLen])
	off += suffixLen

	present := flags&flagHasValue != 0
	var value []byte
	if present {
		value = append([]byte(nil), buf[off:off+valueLen]...)
	}
	off += valueLen

	version := base.Version + readVersionDelta(buf[off:off+width], width)
	off += width

	return Record{Key: key, Version: version, Value: value, Present: present}, off, true
}
