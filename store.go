// Package streamstore implements an embedded, single-process binary blob
// store: two files (storage.bin, index.bin) in a working folder, a hash-
// directory index fronting chained sorted metadata blocks, and a single-
// writer append pipeline staged through a bounded ring buffer.
package streamstore

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/calvinw/streamstore/errs"
	"github.com/calvinw/streamstore/index"
	"github.com/calvinw/streamstore/pipeline"
	"github.com/calvinw/streamstore/streamslice"
)

// StreamInfo carries the caller's optional hints for Add; a nil field means
// "unspecified, unchecked".
type StreamInfo = pipeline.StreamInfo

// BoundedStream is a read-only, positionable, length-known view over one
// uncompressed stream's bytes. Returned by Get directly for uncompressed
// records; compressed records are returned behind the narrower Stream
// interface instead, since gunzipping gives up seekability and a known
// length.
type BoundedStream = streamslice.BoundedStream

// Stream is the narrowest capability Get guarantees for every record:
// sequential, closeable bytes. Callers that need Seek or Len can type-assert
// to *BoundedStream, which succeeds for every uncompressed record.
type Stream interface {
	io.Reader
	io.Closer
}

const (
	storageFileName = "storage.bin"
	indexFileName   = "index.bin"
)

// Store is the façade over one working folder: an index, a data file, and
// the append pipeline serializing producers against it.
type Store struct {
	dataPath string
	pipe     *pipeline.Pipeline
	idx      *index.Index
	log      logrus.FieldLogger
}

// Open opens (creating if absent) the two files under config.WorkingFolder,
// recovers storage.bin back to the index's last durable length, and starts
// the append thread. A working folder already held by another open Store
// (in this process or another) fails with errs.ErrLocked.
func Open(config Config) (*Store, error) {
	log := config.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	log = log.WithField("session", uuid.NewString())

	if config.WorkingFolder == "" {
		return nil, fmt.Errorf("%w: empty working folder", errs.ErrInvalidArgument)
	}
	if err := os.MkdirAll(config.WorkingFolder, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create working folder: %v", errs.ErrIO, err)
	}

	indexPath := filepath.Join(config.WorkingFolder, indexFileName)
	idx, err := index.Open(indexPath, log)
	if err != nil {
		return nil, err
	}

	dataPath := filepath.Join(config.WorkingFolder, storageFileName)
	dataFile, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		idx.Close()
		return nil, fmt.Errorf("%w: open data file: %v", errs.ErrIO, err)
	}

	stat, err := dataFile.Stat()
	if err != nil {
		dataFile.Close()
		idx.Close()
		return nil, fmt.Errorf("%w: stat data file: %v", errs.ErrIO, err)
	}

	durable := idx.TotalLength()
	if stat.Size() < durable {
		dataFile.Close()
		idx.Close()
		return nil, fmt.Errorf("%w: data file is %d bytes, shorter than the index's recorded %d", errs.ErrCorruption, stat.Size(), durable)
	}
	if stat.Size() > durable {
		log.WithField("from_bytes", stat.Size()).WithField("to_bytes", durable).
			WithField("from_human", humanize.Bytes(uint64(stat.Size()))).
			WithField("to_human", humanize.Bytes(uint64(durable))).
			Info("streamstore: recovery truncation of data file")
		if err := dataFile.Truncate(durable); err != nil {
			dataFile.Close()
			idx.Close()
			return nil, fmt.Errorf("%w: recovery truncation: %v", errs.ErrIO, err)
		}
	}

	pipe, err := pipeline.Open(dataFile, idx, config.RingBlockSize, config.CompressionThreshold, log)
	if err != nil {
		dataFile.Close()
		idx.Close()
		return nil, err
	}

	log.Info("streamstore: store opened")
	return &Store{
		dataPath: dataPath,
		pipe:     pipe,
		idx:      idx,
		log:      log,
	}, nil
}

// Add admits one stream under key. It blocks until the append thread has
// durably drained its bytes, or returns promptly on validation failure,
// duplicate key, or ctx cancellation.
func (s *Store) Add(ctx context.Context, key string, data io.Reader, info StreamInfo) error {
	return s.pipe.Add(ctx, key, data, info)
}

// Contains reports whether key has an installed record.
func (s *Store) Contains(key string) bool {
	ok, _ := s.idx.Contains(key)
	return ok
}

// Get resolves key to a read stream over its bytes. Concurrent Get and Add
// are permitted: each Get opens its own read handle on the data file, and
// the resolved record's [offset, offset+length) is always within
// storage_written_length by invariant.
func (s *Store) Get(key string) (Stream, error) {
	meta, ok, err := s.idx.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: key %q", errs.ErrNotFound, key)
	}

	f, err := os.Open(s.dataPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open data file for read: %v", errs.ErrIO, err)
	}

	stream, err := streamslice.New(f, meta.Offset, meta.Length, s.idx.TotalLength())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", errs.ErrIO, err)
	}

	if !meta.Compressed {
		return stream, nil
	}
	return wrapGzip(stream)
}

// Close runs the pipeline's shutdown sequence (cancel in-flight waits,
// dispose the ring and join the append thread, shrink the data file to the
// index's recorded length, rewrite the index header) and releases the
// working-folder lock. Bytes still in the ring when it is disposed are not
// written to the data file.
func (s *Store) Close() error {
	s.log.Info("streamstore: store closing")
	return s.pipe.Close()
}

// gzipStream wraps a *BoundedStream with transparent gzip decompression.
// Closing it closes the underlying bounded stream (and so the data file
// handle it owns).
type gzipStream struct {
	gz    *gzip.Reader
	inner *BoundedStream
}

func wrapGzip(inner *BoundedStream) (Stream, error) {
	gz, err := gzip.NewReader(inner)
	if err != nil {
		inner.Close()
		return nil, fmt.Errorf("%w: gzip header: %v", errs.ErrCorruption, err)
	}
	return &gzipStream{gz: gz, inner: inner}, nil
}

func (g *gzipStream) Read(p []byte) (int, error) {
	return g.gz.Read(p)
}

func (g *gzipStream) Close() error {
	gzErr := g.gz.Close()
	innerErr := g.inner.Close()
	if gzErr != nil {
		return gzErr
	}
	return innerErr
}
