package pipeline

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/md5"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/calvinw/streamstore/errs"
	"github.com/calvinw/streamstore/index"
)

func newTestPipeline(t *testing.T, compressionThreshold int64) (*Pipeline, string) {
	t.Helper()
	dir := t.TempDir()

	idxPath := filepath.Join(dir, "index.bin")
	idx, err := index.Open(idxPath, nil)
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}

	dataPath := filepath.Join(dir, "storage.bin")
	dataFile, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("open data file: %v", err)
	}

	p, err := Open(dataFile, idx, 4096, compressionThreshold, nil)
	if err != nil {
		t.Fatalf("pipeline.Open: %v", err)
	}
	return p, dataPath
}

func readStoredBytes(t *testing.T, dataPath string, offset, length int64) []byte {
	t.Helper()
	f, err := os.Open(dataPath)
	if err != nil {
		t.Fatalf("open data file for verification: %v", err)
	}
	defer f.Close()
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	return buf
}

func TestAddRoundTrip(t *testing.T) {
	p, dataPath := newTestPipeline(t, 0)
	defer p.Close()

	payload := []byte("hello, streaming world")
	if err := p.Add(context.Background(), "k1", bytes.NewReader(payload), StreamInfo{}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, ok, err := p.idx.Get("k1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Length != int64(len(payload)) {
		t.Fatalf("stored length = %d, want %d", got.Length, len(payload))
	}
	if got.Hash != md5.Sum(payload) {
		t.Fatalf("stored hash mismatch")
	}

	stored := readStoredBytes(t, dataPath, got.Offset, got.Length)
	if !bytes.Equal(stored, payload) {
		t.Fatalf("stored bytes = %q, want %q", stored, payload)
	}
}

func TestAddRejectsDuplicateKey(t *testing.T) {
	p, _ := newTestPipeline(t, 0)
	defer p.Close()

	if err := p.Add(context.Background(), "dup", bytes.NewReader([]byte("a")), StreamInfo{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := p.Add(context.Background(), "dup", bytes.NewReader([]byte("b")), StreamInfo{})
	if !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestAddRejectsDeclaredLengthMismatch(t *testing.T) {
	p, _ := newTestPipeline(t, 0)
	defer p.Close()

	bad := int64(99)
	err := p.Add(context.Background(), "k", bytes.NewReader([]byte("short")), StreamInfo{Length: &bad})
	if !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestAddRejectsDeclaredHashMismatch(t *testing.T) {
	p, _ := newTestPipeline(t, 0)
	defer p.Close()

	var wrongHash [16]byte
	copy(wrongHash[:], []byte("0123456789abcdef"))
	err := p.Add(context.Background(), "k", bytes.NewReader([]byte("payload")), StreamInfo{Hash: &wrongHash})
	if !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}

	if ok, _ := p.idx.Contains("k"); ok {
		t.Fatal("rejected stream must not be installed")
	}
}

func TestAddCompressesAboveThreshold(t *testing.T) {
	p, dataPath := newTestPipeline(t, 8)
	defer p.Close()

	payload := bytes.Repeat([]byte("x"), 4096)
	if err := p.Add(context.Background(), "big", bytes.NewReader(payload), StreamInfo{Compressed: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, ok, err := p.idx.Get("big")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if !got.Compressed {
		t.Fatal("expected record to be marked compressed")
	}
	if got.Length >= int64(len(payload)) {
		t.Fatalf("compressed length %d not smaller than original %d", got.Length, len(payload))
	}

	stored := readStoredBytes(t, dataPath, got.Offset, got.Length)
	gz, err := gzip.NewReader(bytes.NewReader(stored))
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	decoded, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Fatal("decompressed payload does not match original")
	}
}

func TestAddSkipsCompressionBelowThreshold(t *testing.T) {
	p, _ := newTestPipeline(t, 1<<20)
	defer p.Close()

	payload := []byte("small")
	if err := p.Add(context.Background(), "small", bytes.NewReader(payload), StreamInfo{Compressed: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, _, _ := p.idx.Get("small")
	if got.Compressed {
		t.Fatal("expected record to stay uncompressed below threshold")
	}
}

func TestAddRejectsCancelledContext(t *testing.T) {
	p, _ := newTestPipeline(t, 0)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Add(ctx, "k", bytes.NewReader([]byte("x")), StreamInfo{})
	if !errors.Is(err, errs.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if ok, _ := p.idx.Contains("k"); ok {
		t.Fatal("cancelled Add must not install a record")
	}
}

func TestConcurrentProducersAllInstalled(t *testing.T) {
	p, dataPath := newTestPipeline(t, 0)
	defer p.Close()

	const n = 16
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "key-" + string(rune('a'+i))
			payload := bytes.Repeat([]byte{byte('A' + i)}, 100)
			errCh <- p.Add(context.Background(), key, bytes.NewReader(payload), StreamInfo{})
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	for i := 0; i < n; i++ {
		key := "key-" + string(rune('a'+i))
		meta, ok, err := p.idx.Get(key)
		if err != nil || !ok {
			t.Fatalf("Get(%q): ok=%v err=%v", key, ok, err)
		}
		want := bytes.Repeat([]byte{byte('A' + i)}, 100)
		got := readStoredBytes(t, dataPath, meta.Offset, meta.Length)
		if !bytes.Equal(got, want) {
			t.Fatalf("stored bytes for %q mismatch", key)
		}
	}
}

func TestCloseTruncatesDataFile(t *testing.T) {
	p, dataPath := newTestPipeline(t, 0)

	if err := p.Add(context.Background(), "k", bytes.NewReader([]byte("payload")), StreamInfo{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	total := p.idx.TotalLength()

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := os.Stat(dataPath)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != total {
		t.Fatalf("data file size = %d, want %d", info.Size(), total)
	}
}

func TestFatalWritePromotionCompletesTicketsWithIOError(t *testing.T) {
	dir := t.TempDir()
	idxPath := filepath.Join(dir, "index.bin")
	idx, err := index.Open(idxPath, nil)
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}

	dataPath := filepath.Join(dir, "storage.bin")
	if err := os.WriteFile(dataPath, nil, 0o644); err != nil {
		t.Fatalf("create data file: %v", err)
	}
	dataFile, err := os.OpenFile(dataPath, os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("open data file read-only: %v", err)
	}

	p, err := Open(dataFile, idx, 4096, 0, nil)
	if err != nil {
		t.Fatalf("pipeline.Open: %v", err)
	}

	if err := p.Add(context.Background(), "k", bytes.NewReader([]byte("payload")), StreamInfo{}); !errors.Is(err, errs.ErrIO) {
		t.Fatalf("expected ErrIO from fatal write promotion, got %v", err)
	}

	// Once fatal, a later Add must also fail promptly with ErrIO rather
	// than hang waiting on a ticket that will never see real progress.
	if err := p.Add(context.Background(), "k2", bytes.NewReader([]byte("more")), StreamInfo{}); !errors.Is(err, errs.ErrIO) {
		t.Fatalf("expected ErrIO on second add, got %v", err)
	}

	_ = p.Close()
}

func TestAddAfterCloseFails(t *testing.T) {
	p, _ := newTestPipeline(t, 0)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err := p.Add(context.Background(), "k", bytes.NewReader([]byte("x")), StreamInfo{})
	if !errors.Is(err, errs.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
