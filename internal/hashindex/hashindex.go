// Package hashindex maintains the in-memory ordered set of block
// hashes that are already known to the local database, plus the
// buffer of freshly seen hashes awaiting persistence.
package hashindex

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/btree"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/sauvegarde/sauvegarde"
)

// Store is the slice of the local database the index needs. The
// sqlite implementation lives in internal/store.
type Store interface {
	LoadAllKnownHashes(ctx context.Context, fn func(sauvegarde.Hash) error) error
	RecordHashBatch(ctx context.Context, batch []sauvegarde.Hash) error
}

// btreeDegree is the branching factor of the in-memory tree. 32 lets a
// node hold up to 63 hashes, about 2 KiB of 32-byte keys.
const btreeDegree = 32

// Index is the process-wide ordered set of known hashes. Mutation is
// serialized under one lock; lookups may run concurrently.
type Index struct {
	log *zap.Logger

	mu      sync.RWMutex
	tree    *btree.BTreeG[sauvegarde.Hash]
	pending []sauvegarde.Hash

	// Flush failure state. While degraded, writes are only retried
	// once the backoff window has passed; in-memory answers stay
	// correct throughout.
	degraded    bool
	nextAttempt time.Time
	bo          *backoff.ExponentialBackOff
}

func newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0 // retry until storage recovers
	bo.Reset()
	return bo
}

// New returns an empty index, as used on a first run before anything
// was persisted.
func New(log *zap.Logger) *Index {
	return newIndex(log)
}

func newIndex(log *zap.Logger) *Index {
	return &Index{
		log:  log,
		tree: btree.NewG[sauvegarde.Hash](btreeDegree, sauvegarde.Hash.Less),
		bo:   newBackoff(),
	}
}

// Load builds the index from the hashes persisted in the local
// database. A failure here means the database is unusable and must be
// treated as fatal by the caller.
func Load(ctx context.Context, st Store, log *zap.Logger) (*Index, error) {
	ix := newIndex(log)
	err := st.LoadAllKnownHashes(ctx, func(h sauvegarde.Hash) error {
		ix.tree.ReplaceOrInsert(h)
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("load known hashes: %w", err)
	}
	log.Info("hash index loaded", zap.Int("hashes", ix.tree.Len()))
	return ix, nil
}

// Seen reports whether h is already in the index.
func (ix *Index) Seen(h sauvegarde.Hash) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.tree.Has(h)
}

// InsertIfAbsent adds h and reports whether it was new. New hashes
// are also appended to the pending-persist buffer.
func (ix *Index) InsertIfAbsent(h sauvegarde.Hash) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.tree.Has(h) {
		return false
	}
	ix.tree.ReplaceOrInsert(h)
	ix.pending = append(ix.pending, h)
	return true
}

// Len returns the number of known hashes.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.tree.Len()
}

// PendingLen returns the number of hashes awaiting persistence.
func (ix *Index) PendingLen() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.pending)
}

// Degraded reports whether the last persistence attempt failed.
func (ix *Index) Degraded() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.degraded
}

// Ascend walks the known hashes in unsigned lexicographic byte order.
func (ix *Index) Ascend(fn func(sauvegarde.Hash) bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ix.tree.Ascend(fn)
}

// TakePending removes and returns the pending-persist buffer, sorted
// lexicographically so persistence happens in a deterministic order.
func (ix *Index) TakePending() []sauvegarde.Hash {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	batch := ix.pending
	ix.pending = nil
	sort.Slice(batch, func(i, j int) bool { return batch[i].Less(batch[j]) })
	return batch
}

// restore puts a batch back in front of the pending buffer after a
// failed write.
func (ix *Index) restore(batch []sauvegarde.Hash) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.pending = append(batch, ix.pending...)
}

func (ix *Index) noteFailure(err error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	wait := ix.bo.NextBackOff()
	ix.degraded = true
	ix.nextAttempt = time.Now().Add(wait)
	ix.log.Warn("hash persistence failed, storage degraded",
		zap.Error(err), zap.Duration("retry_in", wait))
}

func (ix *Index) noteSuccess(n int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.degraded {
		ix.log.Info("hash persistence recovered", zap.Int("hashes", n))
	}
	ix.degraded = false
	ix.bo.Reset()
}

// retryDue reports whether a degraded index may attempt a write again.
func (ix *Index) retryDue() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return !ix.degraded || !time.Now().Before(ix.nextAttempt)
}

// WriteBatch persists one batch taken off the store queue. While the
// backoff window of a previous failure is still open the batch is
// folded back into the pending buffer and written later by Flush.
// Write errors are not fatal: the batch is restored and retried.
func (ix *Index) WriteBatch(ctx context.Context, st Store, batch []sauvegarde.Hash) error {
	if len(batch) == 0 {
		return nil
	}
	if !ix.retryDue() {
		ix.restore(batch)
		return nil
	}
	if err := st.RecordHashBatch(ctx, batch); err != nil {
		ix.restore(batch)
		ix.noteFailure(err)
		return xerrors.Errorf("record hash batch: %w", err)
	}
	ix.noteSuccess(len(batch))
	return nil
}

// Flush writes whatever is pending. Called periodically by the DB
// writer and once more before clean shutdown.
func (ix *Index) Flush(ctx context.Context, st Store) error {
	if ix.PendingLen() == 0 {
		return nil
	}
	if !ix.retryDue() {
		return nil
	}
	return ix.WriteBatch(ctx, st, ix.TakePending())
}
