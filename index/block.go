package index

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
)

// maxHeadBlockSize is the append-rewrite ceiling: a head block is extended
// in place (logically — a new version is appended) only while its combined
// serialized size stays under this bound; past it a new block is chained
// instead.
const maxHeadBlockSize = 256 * 1024 * 1024

// block is a sorted, variable-length chain link: {next, count, payload}.
type block struct {
	next    BlockInfo
	payload []StreamMetadata // sorted ascending by Key
}

func (b block) serializedSize() int32 {
	size := int32(BlockInfoSize + 4)
	for _, m := range b.payload {
		size += m.SerializedSize()
	}
	return size
}

func (b block) encode(w io.Writer) error {
	if err := b.next.encode(w); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, int32(len(b.payload))); err != nil {
		return err
	}
	for _, m := range b.payload {
		if err := m.Encode(w); err != nil {
			return err
		}
	}
	return nil
}

func decodeBlock(r io.Reader) (block, error) {
	var b block

	next, err := decodeBlockInfo(r)
	if err != nil {
		return b, err
	}
	b.next = next

	var count int32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return b, err
	}
	if count < 0 {
		return b, fmt.Errorf("index: negative block entry count %d", count)
	}

	b.payload = make([]StreamMetadata, count)
	for i := range b.payload {
		m, err := DecodeStreamMetadata(r)
		if err != nil {
			return b, fmt.Errorf("index: short read decoding block entry %d: %w", i, err)
		}
		b.payload[i] = m
	}
	return b, nil
}

// search performs a binary search over the sorted payload for key. It
// returns the index of an exact match and true, or the insertion point and
// false, always within ceil(log2(len(payload)+1)) comparisons.
func (b block) search(key string) (int, bool) {
	i := sort.Search(len(b.payload), func(i int) bool {
		return b.payload[i].Key >= key
	})
	if i < len(b.payload) && b.payload[i].Key == key {
		return i, true
	}
	return i, false
}

// withInserted returns a new payload slice with meta inserted in sorted
// position. Callers have already verified meta.Key is absent from the chain.
func (b block) withInserted(meta StreamMetadata) []StreamMetadata {
	i, _ := b.search(meta.Key)
	out := make([]StreamMetadata, 0, len(b.payload)+1)
	out = append(out, b.payload[:i]...)
	out = append(out, meta)
	out = append(out, b.payload[i:]...)
	return out
}

// readBlockAt reads the block located at bi from f.
func readBlockAt(f io.ReaderAt, bi BlockInfo) (block, error) {
	if bi.IsZero() {
		return block{}, fmt.Errorf("index: read of zero BlockInfo")
	}
	sr := io.NewSectionReader(f, bi.Offset, int64(bi.Length))
	br := bufio.NewReader(sr)
	b, err := decodeBlock(br)
	if err != nil {
		return block{}, fmt.Errorf("index: short read at block offset %d: %w", bi.Offset, err)
	}
	return b, nil
}

// appendBlock writes b at the current end of f (f must be positioned, or
// support, append-at-end semantics) and returns its new location. The write
// is flushed before returning: block writes append to the index file and
// flush before the directory entry is updated in memory.
func appendBlock(f *os.File, b block) (BlockInfo, error) {
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return BlockInfo{}, err
	}

	bw := bufio.NewWriter(f)
	if err := b.encode(bw); err != nil {
		return BlockInfo{}, err
	}
	if err := bw.Flush(); err != nil {
		return BlockInfo{}, err
	}
	if err := f.Sync(); err != nil {
		return BlockInfo{}, err
	}

	return BlockInfo{Offset: offset, Length: b.serializedSize()}, nil
}
