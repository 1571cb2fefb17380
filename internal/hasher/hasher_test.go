package hasher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sauvegarde/sauvegarde"
)

func TestBlocksSmallFile(t *testing.T) {
	// 10 bytes 0x00..0x09 with blocksize 4 must yield exactly the
	// digests of [0..3], [4..7] and [8..9].
	data := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	h := New(4)
	got, err := h.Blocks(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	want := []sauvegarde.Hash{
		sha256.Sum256(data[0:4]),
		sha256.Sum256(data[4:8]),
		sha256.Sum256(data[8:10]),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("hash list: diff (-want +got):\n%s", diff)
	}
}

func TestBlocksEmpty(t *testing.T) {
	h := New(4096)
	got, err := h.Blocks(context.Background(), bytes.NewReader(nil))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("empty input: got %d hashes, want 0", len(got))
	}
}

func TestBlocksExactMultiple(t *testing.T) {
	data := bytes.Repeat([]byte{0xab}, 8192)
	h := New(4096)
	got, err := h.Blocks(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d hashes, want 2", len(got))
	}
	// Identical blocks hash identically.
	if got[0] != got[1] {
		t.Fatal("identical blocks produced different digests")
	}
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) > 0 {
		n := copy(p, r.data)
		r.data = r.data[n:]
		return n, nil
	}
	return 0, r.err
}

func TestReadErrorYieldsNoHashes(t *testing.T) {
	boom := errors.New("boom")
	h := New(4)
	_, err := h.Blocks(context.Background(), &failingReader{
		data: []byte{0, 1, 2, 3},
		err:  boom,
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want wrapped boom", err)
	}
}

func TestCancellationBetweenBlocks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := New(4)
	_, err := h.Blocks(ctx, bytes.NewReader(bytes.Repeat([]byte{1}, 64)))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "a.bin")
	data := bytes.Repeat([]byte{0x5a}, 10000)
	if err := os.WriteFile(fn, data, 0644); err != nil {
		t.Fatal(err)
	}
	h := New(4096)
	got, err := h.File(context.Background(), fn)
	if err != nil {
		t.Fatal(err)
	}
	// ceil(10000/4096) == 3
	if len(got) != 3 {
		t.Fatalf("got %d hashes, want 3", len(got))
	}
	want := sauvegarde.Hash(sha256.Sum256(data[8192:]))
	if got[2] != want {
		t.Fatal("trailing partial block digest does not cover the actual bytes read")
	}
}

func TestFileVanished(t *testing.T) {
	h := New(4096)
	_, err := h.File(context.Background(), filepath.Join(t.TempDir(), "gone"))
	if !os.IsNotExist(err) {
		t.Fatalf("got %v, want not-exist", err)
	}
}
