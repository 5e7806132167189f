package index

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf16"
)

// BlockInfo locates a block inside the index file. An Offset of 0 means
// "no block" — the index file's header occupies offset 0, so no real block
// can ever start there.
type BlockInfo struct {
	Offset int64
	Length int32
}

// BlockInfoSize is the fixed serialized size of a BlockInfo: int64 + int32.
const BlockInfoSize = 8 + 4

// IsZero reports whether bi denotes "no block".
func (bi BlockInfo) IsZero() bool {
	return bi.Offset == 0
}

func (bi BlockInfo) encode(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, bi.Offset); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, bi.Length)
}

func decodeBlockInfo(r io.Reader) (BlockInfo, error) {
	var bi BlockInfo
	if err := binary.Read(r, binary.LittleEndian, &bi.Offset); err != nil {
		return bi, err
	}
	if err := binary.Read(r, binary.LittleEndian, &bi.Length); err != nil {
		return bi, err
	}
	return bi, nil
}

// StreamMetadata is the persistent, per-key record installed into the index
// once a stream's bytes have been accepted by the append pipeline.
type StreamMetadata struct {
	Key        string
	Offset     int64
	Length     int64 // stored byte count; always the on-disk (possibly compressed) size
	Hash       [16]byte
	Compressed bool
}

// SerializedSize returns the exact on-disk size of m: 2*int64 + 16 + int32 +
// 2*len(utf16 code units in Key).
func (m StreamMetadata) SerializedSize() int32 {
	return 8 + 8 + 16 + 4 + 2*int32(len(utf16.Encode([]rune(m.Key))))
}

// encodedLength folds the Compressed flag into Length's sign bit, per the
// on-disk format: negative means compressed, magnitude is the byte count.
func (m StreamMetadata) encodedLength() int64 {
	if m.Compressed {
		return -m.Length
	}
	return m.Length
}

func decodeLength(raw int64) (length int64, compressed bool) {
	if raw < 0 {
		return -raw, true
	}
	return raw, false
}

// Encode writes m in the fixed on-disk layout:
// offset(int64) | length(int64, sign-encoded) | hash(16) | keyLen(int32) | key (UTF-16LE code units).
func (m StreamMetadata) Encode(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, m.Offset); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, m.encodedLength()); err != nil {
		return err
	}
	if _, err := w.Write(m.Hash[:]); err != nil {
		return err
	}

	units := utf16.Encode([]rune(m.Key))
	if err := binary.Write(w, binary.LittleEndian, int32(len(units))); err != nil {
		return err
	}
	for _, u := range units {
		if err := binary.Write(w, binary.LittleEndian, u); err != nil {
			return err
		}
	}
	return nil
}

// DecodeStreamMetadata reads one StreamMetadata from r.
func DecodeStreamMetadata(r io.Reader) (StreamMetadata, error) {
	var m StreamMetadata

	if err := binary.Read(r, binary.LittleEndian, &m.Offset); err != nil {
		return m, err
	}

	var rawLength int64
	if err := binary.Read(r, binary.LittleEndian, &rawLength); err != nil {
		return m, err
	}
	m.Length, m.Compressed = decodeLength(rawLength)

	if _, err := io.ReadFull(r, m.Hash[:]); err != nil {
		return m, err
	}

	var keyLen int32
	if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
		return m, err
	}
	if keyLen < 0 {
		return m, fmt.Errorf("index: negative key length %d", keyLen)
	}

	units := make([]uint16, keyLen)
	if err := binary.Read(r, binary.LittleEndian, units); err != nil {
		return m, err
	}
	m.Key = string(utf16.Decode(units))

	return m, nil
}
