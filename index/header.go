package index

import (
	"encoding/binary"
	"io"
)

// FullHeaderSize is the fixed layout occupying [0, FullHeaderSize) of the
// index file: two int64 counters followed by the NumSlots-entry directory.
const FullHeaderSize = 8 + 8 + NumSlots*BlockInfoSize

// header is the fixed-layout prologue of the index file.
type header struct {
	storageWrittenLength int64
	indexWrittenLength   int64
	directory            [NumSlots]BlockInfo
}

func newHeader() *header {
	return &header{}
}

// encode writes h in its fixed FullHeaderSize layout.
func (h *header) encode(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, h.storageWrittenLength); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, h.indexWrittenLength); err != nil {
		return err
	}
	for i := range h.directory {
		if err := h.directory[i].encode(w); err != nil {
			return err
		}
	}
	return nil
}

// decodeHeader reads a header from r, which must yield exactly
// FullHeaderSize bytes.
func decodeHeader(r io.Reader) (*header, error) {
	h := newHeader()

	if err := binary.Read(r, binary.LittleEndian, &h.storageWrittenLength); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.indexWrittenLength); err != nil {
		return nil, err
	}
	for i := range h.directory {
		bi, err := decodeBlockInfo(r)
		if err != nil {
			return nil, err
		}
		h.directory[i] = bi
	}
	return h, nil
}
