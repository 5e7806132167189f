// Package pipeline implements the append pipeline: the store's write path.
// One goroutine (the append thread) drains a staging ring into the data
// file; producers are admitted one at a time through a write lock, hash
// and stage their bytes while holding it, then wait on a completion ticket
// for the append thread to catch up before returning.
package pipeline

import (
	"compress/gzip"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/calvinw/streamstore/errs"
	"github.com/calvinw/streamstore/index"
	"github.com/calvinw/streamstore/ring"
)

// StreamInfo carries the caller's optional hints for Add. A nil field means
// "unspecified, unchecked".
type StreamInfo struct {
	Length     *int64
	Hash       *[16]byte
	Compressed bool
}

// ticket lets a producer wait until the append thread has drained at least
// required bytes from the ring.
type ticket struct {
	required int64
	done     chan error
}

// Pipeline is the store's write path: ring buffer + append thread + ticket
// queue + write lock, wired to an Index for metadata installation.
type Pipeline struct {
	writeLock sync.Mutex

	buf      *ring.Buffer
	dataFile *os.File
	idx      *index.Index
	log      logrus.FieldLogger

	compressionThreshold int64

	pending   atomic.Int64
	processed atomic.Int64

	ticketMu sync.Mutex
	tickets  []*ticket

	fatalMu  sync.Mutex
	fatalErr error

	disposeCtx    context.Context
	disposeCancel context.CancelFunc
	appendDone    chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

// Open wires a Pipeline to an already-open data file and Index, and starts
// its append thread.
func Open(dataFile *os.File, idx *index.Index, blockSize int, compressionThreshold int64, log logrus.FieldLogger) (*Pipeline, error) {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		buf:                  ring.New(blockSize),
		dataFile:             dataFile,
		idx:                  idx,
		log:                  log,
		compressionThreshold: compressionThreshold,
		disposeCtx:           ctx,
		disposeCancel:        cancel,
		appendDone:           make(chan struct{}),
	}
	p.processed.Store(idx.TotalLength())
	p.pending.Store(idx.TotalLength())

	go p.appendLoop()
	return p, nil
}

func (p *Pipeline) appendLoop() {
	defer close(p.appendDone)
	for {
		var sink io.Writer = p.dataFile
		if p.fatal() != nil {
			sink = io.Discard
		}

		n, err := p.buf.ReadInto(sink)
		if err != nil {
			p.setFatal(err)
			p.completeTickets()
			continue
		}
		if n == 0 {
			p.completeTickets()
			return
		}
		p.processed.Add(int64(n))
		p.completeTickets()
	}
}

func (p *Pipeline) setFatal(cause error) {
	p.fatalMu.Lock()
	defer p.fatalMu.Unlock()
	if p.fatalErr == nil {
		p.fatalErr = fmt.Errorf("%w: append thread write failed: %v", errs.ErrIO, cause)
		p.log.WithError(cause).Error("pipeline: append thread write failed, promoting to fatal state")
	}
}

func (p *Pipeline) fatal() error {
	p.fatalMu.Lock()
	defer p.fatalMu.Unlock()
	return p.fatalErr
}

func (p *Pipeline) completeTickets() {
	p.ticketMu.Lock()
	defer p.ticketMu.Unlock()

	processed := p.processed.Load()
	fatal := p.fatalErrLocked()

	i := 0
	for i < len(p.tickets) {
		t := p.tickets[i]
		if fatal != nil {
			t.done <- fatal
			i++
			continue
		}
		if t.required > processed {
			break
		}
		t.done <- nil
		i++
	}
	p.tickets = p.tickets[i:]
}

// fatalErrLocked reads fatalErr without the completeTickets caller having to
// juggle two locks in a particular order; fatalMu is fine-grained enough
// that taking it here, nested inside ticketMu, never participates in the
// reverse nesting order elsewhere.
func (p *Pipeline) fatalErrLocked() error {
	p.fatalMu.Lock()
	defer p.fatalMu.Unlock()
	return p.fatalErr
}

// enqueueTicket blocks until the append thread has drained at least
// required bytes, the pipeline enters a fatal state, or ctx/disposal cancels
// the wait. Cancellation here does not undo anything already installed in
// the index; it only stops the caller from waiting on it.
func (p *Pipeline) enqueueTicket(ctx context.Context, required int64) error {
	p.ticketMu.Lock()
	if err := p.fatalErrLocked(); err != nil {
		p.ticketMu.Unlock()
		return err
	}
	if required <= p.processed.Load() {
		p.ticketMu.Unlock()
		return nil
	}
	t := &ticket{required: required, done: make(chan error, 1)}
	p.tickets = append(p.tickets, t)
	p.ticketMu.Unlock()

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", errs.ErrCancelled, ctx.Err())
	case <-p.disposeCtx.Done():
		return fmt.Errorf("%w: %v", errs.ErrCancelled, p.disposeCtx.Err())
	}
}

// countingReader counts bytes as they pass through (hashing is done by the
// io.TeeReader it wraps), flagging an
// overrun once more than limit bytes have been read (limit < 0 means
// unbounded, used while compressing since the compressed size isn't known
// in advance).
type countingReader struct {
	r       io.Reader
	limit   int64
	n       int64
	overran bool
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.limit >= 0 && c.n > c.limit {
		c.overran = true
	}
	return n, err
}

// streamLength returns data's byte count if it is queryable, via io.Seeker
// (rewound back to its current position afterward) or a Len() int method
// (bytes.Reader, strings.Reader).
func streamLength(data io.Reader) (int64, bool) {
	if l, ok := data.(interface{ Len() int }); ok {
		return int64(l.Len()), true
	}
	if s, ok := data.(io.Seeker); ok {
		cur, err := s.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, false
		}
		end, err := s.Seek(0, io.SeekEnd)
		if err != nil {
			return 0, false
		}
		if _, err := s.Seek(cur, io.SeekStart); err != nil {
			return 0, false
		}
		return end - cur, true
	}
	return 0, false
}

func shouldCompress(info StreamInfo, srcLength, threshold int64) bool {
	if !info.Compressed {
		return false
	}
	return threshold == 0 || srcLength > threshold
}

// Add admits one stream: it validates info against the source, serializes
// against other producers, hashes and stages the (optionally compressed)
// bytes into the ring, installs the resulting metadata into the index, and
// does not return until the append thread has durably drained those bytes.
func (p *Pipeline) Add(ctx context.Context, key string, data io.Reader, info StreamInfo) error {
	if p.closed.Load() {
		return errs.ErrClosed
	}
	if key == "" {
		return fmt.Errorf("%w: empty key", errs.ErrInvalidArgument)
	}
	if data == nil {
		return fmt.Errorf("%w: nil data", errs.ErrInvalidArgument)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", errs.ErrCancelled, ctx.Err())
	default:
	}

	srcLength, known := streamLength(data)
	if !known {
		return fmt.Errorf("%w: source stream length not queryable", errs.ErrIO)
	}
	if info.Length != nil && *info.Length != srcLength {
		return fmt.Errorf("%w: declared length %d does not match source length %d", errs.ErrInvalidArgument, *info.Length, srcLength)
	}

	compressed := shouldCompress(info, srcLength, p.compressionThreshold)

	staged := data
	var pr *io.PipeReader
	var gzDone chan error
	if compressed {
		var pw *io.PipeWriter
		pr, pw = io.Pipe()
		gzDone = make(chan error, 1)
		go func() {
			gz := gzip.NewWriter(pw)
			_, werr := io.Copy(gz, data)
			if werr == nil {
				werr = gz.Close()
			}
			pw.CloseWithError(werr)
			gzDone <- werr
		}()
		staged = pr
	}

	p.writeLock.Lock()

	if err := p.fatal(); err != nil {
		p.writeLock.Unlock()
		return err
	}
	if p.closed.Load() {
		p.writeLock.Unlock()
		return errs.ErrClosed
	}

	exists, err := p.idx.Contains(key)
	if err != nil {
		p.writeLock.Unlock()
		return err
	}
	if exists {
		p.writeLock.Unlock()
		return fmt.Errorf("%w: duplicate key %q", errs.ErrInvalidArgument, key)
	}

	offset := p.idx.TotalLength()

	overrunLimit := int64(-1)
	if !compressed {
		overrunLimit = srcLength
	}

	hasher := md5.New()
	counting := &countingReader{r: io.TeeReader(staged, hasher), limit: overrunLimit}

	var stagedLength int64
	var streamErr error
loop:
	for {
		select {
		case <-ctx.Done():
			streamErr = fmt.Errorf("%w: %v", errs.ErrCancelled, ctx.Err())
			break loop
		default:
		}

		n, werr := p.buf.WriteFrom(counting)
		if n > 0 {
			stagedLength += int64(n)
			p.pending.Add(int64(n))
		}
		if werr != nil {
			streamErr = fmt.Errorf("%w: %v", errs.ErrIO, werr)
			break loop
		}
		if counting.overran {
			streamErr = fmt.Errorf("%w: stream exceeded declared length", errs.ErrInvalidArgument)
			break loop
		}
		if n == 0 {
			break loop
		}
	}

	if compressed {
		if streamErr == nil {
			if gzerr := <-gzDone; gzerr != nil {
				streamErr = fmt.Errorf("%w: compressing stream: %v", errs.ErrIO, gzerr)
			}
		} else {
			// Unblock the compressing goroutine, which may be stuck writing
			// into the pipe if we are abandoning the read loop early.
			pr.CloseWithError(streamErr)
			<-gzDone
		}
	}

	if streamErr != nil {
		p.idx.Skip(stagedLength)
		p.writeLock.Unlock()
		return streamErr
	}

	var finalHash [16]byte
	copy(finalHash[:], hasher.Sum(nil))

	meta := index.StreamMetadata{
		Key:        key,
		Offset:     offset,
		Length:     stagedLength,
		Hash:       finalHash,
		Compressed: compressed,
	}

	if !compressed && info.Length != nil && *info.Length != meta.Length {
		p.idx.Skip(stagedLength)
		p.writeLock.Unlock()
		return fmt.Errorf("%w: stored length %d does not match declared length %d", errs.ErrInvalidArgument, meta.Length, *info.Length)
	}
	if info.Hash != nil && *info.Hash != meta.Hash {
		p.idx.Skip(stagedLength)
		p.writeLock.Unlock()
		return fmt.Errorf("%w: computed hash does not match declared hash", errs.ErrInvalidArgument)
	}

	if err := p.idx.Set(meta); err != nil {
		p.idx.Skip(stagedLength)
		p.writeLock.Unlock()
		return err
	}

	required := p.pending.Load()
	p.writeLock.Unlock()

	return p.enqueueTicket(ctx, required)
}

// Close cancels in-flight waits, disposes the ring (unblocking any producer
// stuck writing into it), joins the append thread, shrinks the data file to
// the index's durable length, and closes the index (which rewrites its
// header).
//
// The write lock is taken before disposal so Close waits out any admission
// that is already mid-stream (holding the lock from offset reservation
// through ticket issuance) rather than disposing the ring underneath it;
// disposing mid-stream would make the streaming loop's "source exhausted"
// and "ring disposed" cases indistinguishable and could silently install a
// truncated record.
func (p *Pipeline) Close() error {
	var closeErr error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.writeLock.Lock()
		p.disposeCancel()
		p.buf.Dispose()
		p.writeLock.Unlock()
		<-p.appendDone

		total := p.idx.TotalLength()
		if err := p.dataFile.Truncate(total); err != nil {
			closeErr = fmt.Errorf("%w: truncating data file to %d: %v", errs.ErrIO, total, err)
		}
		if err := p.dataFile.Sync(); err != nil && closeErr == nil {
			closeErr = fmt.Errorf("%w: syncing data file: %v", errs.ErrIO, err)
		}
		if err := p.dataFile.Close(); err != nil && closeErr == nil {
			closeErr = fmt.Errorf("%w: closing data file: %v", errs.ErrIO, err)
		}
		if err := p.idx.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
		p.log.Debug("pipeline closed")
	})
	return closeErr
}
