// Package hasher turns the contents of a regular file into an ordered
// sequence of per-block SHA-256 digests. Each block is hashed
// independently (the checksum state is reset between blocks) so the
// server can deduplicate identical blocks at any file offset.
package hasher

import (
	"context"
	"crypto/sha256"
	"io"
	"os"

	"golang.org/x/xerrors"

	"github.com/sauvegarde/sauvegarde"
)

// Hasher computes block hash lists with a fixed blocksize.
type Hasher struct {
	blocksize int64
}

// New returns a Hasher. A non-positive blocksize falls back to the
// default.
func New(blocksize int64) *Hasher {
	if blocksize <= 0 {
		blocksize = sauvegarde.DefaultBlocksize
	}
	return &Hasher{blocksize: blocksize}
}

// Blocksize returns the configured blocksize in bytes.
func (h *Hasher) Blocksize() int64 { return h.blocksize }

// Blocks reads r to EOF and returns one hash per blocksize-sized
// block, in byte order. The final block may be shorter; its digest
// covers only the bytes read. At most one block is held in memory.
// A read error aborts the whole file: no partial hash list is
// returned. Cancellation is checked between blocks.
func (h *Hasher) Blocks(ctx context.Context, r io.Reader) ([]sauvegarde.Hash, error) {
	var hashes []sauvegarde.Hash
	buf := make([]byte, h.blocksize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			hashes = append(hashes, sauvegarde.Hash(sha256.Sum256(buf[:n])))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return hashes, nil
		}
		if err != nil {
			return nil, xerrors.Errorf("read block %d: %w", len(hashes), err)
		}
	}
}

// File opens path and hashes its contents.
func (h *Hasher) File(ctx context.Context, path string) ([]sauvegarde.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return h.Blocks(ctx, f)
}
