// Package index implements the on-disk hash directory and chained,
// sorted metadata blocks described by the store's index file format: a
// fixed 65535-slot directory at offset 0, fronting chains of
// append-rewritten IndexBlocks.
package index

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/calvinw/streamstore/errs"
)

// bloomEstimatedKeys and bloomFalsePositiveRate size the in-memory
// negative-lookup filter (4.C). The filter is never persisted; it is
// rebuilt by a full directory+chain walk every Open.
const (
	bloomEstimatedKeys     = 1 << 20
	bloomFalsePositiveRate = 0.01
)

// Index owns the index file exclusively: every method below holds mu for
// its duration, so the index file handle is owned exclusively by this
// component and never touched without the lock held.
type Index struct {
	mu     sync.Mutex
	f      *os.File
	h      *header
	bloom  *bloom.BloomFilter
	log    logrus.FieldLogger
	locked bool

	// readCount is incremented on every block read; exposed via ReadCount
	// so white-box tests can confirm the bloom filter actually short-circuits
	// negative lookups (testable property 9).
	readCount int
}

// Open opens (creating if absent) the index file at path, takes an
// advisory exclusive lock on it, and rebuilds the in-memory directory and
// bloom filter.
func Open(path string, log logrus.FieldLogger) (*Index, error) {
	if log == nil {
		log = discardLogger()
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open index file: %v", errs.ErrIO, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", errs.ErrLocked, err)
	}

	idx := &Index{
		f:      f,
		log:    log,
		locked: true,
		bloom:  bloom.NewWithEstimates(bloomEstimatedKeys, bloomFalsePositiveRate),
	}

	info, err := f.Stat()
	if err != nil {
		idx.unlockAndClose()
		return nil, fmt.Errorf("%w: stat index file: %v", errs.ErrIO, err)
	}

	if info.Size() == 0 {
		idx.h = newHeader()
		if err := idx.writeHeader(); err != nil {
			idx.unlockAndClose()
			return nil, err
		}
	} else {
		sr := io.NewSectionReader(f, 0, FullHeaderSize)
		h, err := decodeHeader(sr)
		if err != nil {
			idx.unlockAndClose()
			return nil, fmt.Errorf("%w: decode index header: %v", errs.ErrIO, err)
		}
		idx.h = h
	}

	if err := idx.rebuildBloom(); err != nil {
		idx.unlockAndClose()
		return nil, err
	}

	log.WithField("slots", NumSlots).Debug("index opened")
	return idx, nil
}

// discardLogger is the default when a caller doesn't supply one: embedding
// the index should be silent unless the caller opts into logging.
func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// rebuildBloom walks every directory slot's chain once, adding every key it
// finds to the in-memory filter. It is the one place Open pays for a full
// scan; everything after is incremental.
func (idx *Index) rebuildBloom() error {
	for slot := range idx.h.directory {
		bi := idx.h.directory[slot]
		for !bi.IsZero() {
			b, err := readBlockAt(idx.f, bi)
			if err != nil {
				return fmt.Errorf("%w: rebuilding bloom filter: %v", errs.ErrIO, err)
			}
			idx.readCount++
			for _, m := range b.payload {
				idx.bloom.AddString(m.Key)
			}
			bi = b.next
		}
	}
	return nil
}

func (idx *Index) unlockAndClose() {
	if idx.locked {
		unix.Flock(int(idx.f.Fd()), unix.LOCK_UN)
		idx.locked = false
	}
	idx.f.Close()
}

// writeHeader rewrites the fixed header at offset 0 and syncs. This
// happens only at Close (or at first creation of an empty file), never on
// every Set.
func (idx *Index) writeHeader() error {
	if _, err := idx.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek to header: %v", errs.ErrIO, err)
	}
	if err := idx.h.encode(idx.f); err != nil {
		return fmt.Errorf("%w: write header: %v", errs.ErrIO, err)
	}
	if err := idx.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync header: %v", errs.ErrIO, err)
	}
	return nil
}

// TotalLength returns the current logical end-of-data offset
// (storage_written_length), the offset the next accepted stream reserves.
func (idx *Index) TotalLength() int64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.h.storageWrittenLength
}

// IndexWrittenLength returns the logical index file length, excluding the
// header.
func (idx *Index) IndexWrittenLength() int64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.h.indexWrittenLength
}

// ReadCount returns the number of block reads performed so far (including
// during the initial bloom rebuild). Exposed for white-box tests only.
func (idx *Index) ReadCount() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.readCount
}

// chainLookup walks the chain for key's slot, returning the found metadata
// and block, or ok=false if absent.
func (idx *Index) chainLookup(key string) (meta StreamMetadata, ok bool, err error) {
	slot := slotHash(key)
	bi := idx.h.directory[slot]

	for !bi.IsZero() {
		b, rerr := readBlockAt(idx.f, bi)
		if rerr != nil {
			return StreamMetadata{}, false, fmt.Errorf("%w: %v", errs.ErrIO, rerr)
		}
		idx.readCount++

		if i, found := b.search(key); found {
			return b.payload[i], true, nil
		}
		bi = b.next
	}
	return StreamMetadata{}, false, nil
}

// Contains reports whether key has an installed record. A bloom-filter miss
// answers definitively without touching the index file; a hit falls through
// to the authoritative chain search.
func (idx *Index) Contains(key string) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if !idx.bloom.TestString(key) {
		return false, nil
	}
	_, ok, err := idx.chainLookup(key)
	return ok, err
}

// Get resolves key to its installed StreamMetadata. ok is false when the
// bloom filter or chain search finds no record.
func (idx *Index) Get(key string) (StreamMetadata, bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if !idx.bloom.TestString(key) {
		return StreamMetadata{}, false, nil
	}
	return idx.chainLookup(key)
}

// Set installs meta, rejecting duplicate keys before any I/O. On success it
// advances storage_written_length by meta.Length and index_written_length by
// the net change in on-disk block bytes.
func (idx *Index) Set(meta StreamMetadata) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok, err := idx.chainLookup(meta.Key); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: duplicate key %q", errs.ErrInvalidArgument, meta.Key)
	}

	slot := slotHash(meta.Key)
	head := idx.h.directory[slot]

	var newBlock block
	var oldLength int32

	if !head.IsZero() {
		oldLength = head.Length
		if int64(head.Length)+int64(meta.SerializedSize()) < maxHeadBlockSize {
			current, err := readBlockAt(idx.f, head)
			if err != nil {
				return fmt.Errorf("%w: %v", errs.ErrIO, err)
			}
			idx.readCount++
			newBlock = block{next: current.next, payload: current.withInserted(meta)}
		} else {
			newBlock = block{next: head, payload: []StreamMetadata{meta}}
		}
	} else {
		newBlock = block{next: BlockInfo{}, payload: []StreamMetadata{meta}}
	}

	newInfo, err := appendBlock(idx.f, newBlock)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}

	idx.h.directory[slot] = newInfo
	idx.h.indexWrittenLength += int64(newInfo.Length) - int64(oldLength)
	idx.h.storageWrittenLength += meta.Length

	idx.bloom.AddString(meta.Key)

	idx.log.WithField("key", meta.Key).
		WithField("slot", slot).
		WithField("block_bytes", newInfo.Length).
		WithField("block_bytes_human", humanize.Bytes(uint64(newInfo.Length))).
		Debug("index: block append-rewrite")

	return nil
}

// Skip advances storage_written_length without adding a record, used to
// account for bytes consumed from a failed admission so subsequent streams'
// offsets stay truthful.
func (idx *Index) Skip(length int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.h.storageWrittenLength += length
}

// Close rewrites the header (directory + counters) to offset 0, syncs,
// releases the advisory lock, and closes the file handle.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	err := idx.writeHeader()
	idx.unlockAndClose()
	if err != nil {
		return err
	}
	idx.log.Debug("index closed")
	return nil
}
