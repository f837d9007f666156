package deltatree

import "encoding/binary"

// ValueOnly decodes just the value bytes of every record in a page,
// skipping key-suffix and version-delta reconstruction entirely. The
// lazy subtree deletion pass uses this to enumerate a page's child
// links (stored as the value of an internal-node record) without paying
// the cost of rebuilding every key (spec.md §4.4, §4.6 lazy deletion).
func ValueOnly(buf []byte) ([][]byte, error) {
	if len(buf) < pageHeaderSize {
		return nil, errShortPage
	}
	count := int(binary.LittleEndian.Uint16(buf[0:2]))
	off := pageHeaderSize
	if len(buf) < off+4*(count+1) {
		return nil, errShortPage
	}
	offsets := make([]int, count+1)
	for i := range offsets {
		offsets[i] = int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
	}
	body := buf[off:]

	values := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start, end := offsets[i], offsets[i+1]
		if end > len(body) || start > end {
			return nil, errShortPage
		}
		v, ok := decodeValueOnly(body[start:end])
		if !ok {
			return nil, errCorruptRecord
		}
		values = append(values, v)
	}
	return values, nil
}

func decodeValueOnly(buf []byte) ([]byte, bool) {
	if len(buf) < 1 {
		return nil, false
	}
	flags := buf[0]
	format := (flags & lenFormatMask) >> lenFormatShift
	hdrSize := lenFieldSize(format)
	if len(buf) < 1+hdrSize {
		return nil, false
	}
	_, suffixLen, valueLen, ok := readLenFields(buf[1:], format)
	if !ok {
		return nil, false
	}
	off := 1 + hdrSize + suffixLen
	if len(buf) < off+valueLen {
		return nil, false
	}
	if flags&flagHasValue == 0 {
		return nil, true
	}
	return append([]byte(nil), buf[off:off+valueLen]...), true
}
