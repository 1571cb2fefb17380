// Package carver walks the configured subtrees and turns every
// filesystem entry into a MetaData record on the metadata queue. For
// regular files it drives the block hasher and routes freshly seen
// hashes towards the local database via the store queue.
package carver

import (
	"context"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/sauvegarde/sauvegarde"
	"github.com/sauvegarde/sauvegarde/internal/hasher"
	"github.com/sauvegarde/sauvegarde/internal/hashindex"
	"github.com/sauvegarde/sauvegarde/internal/queue"
	"github.com/sauvegarde/sauvegarde/internal/trace"
)

// Counters tallies per-entry outcomes for the final summary. Per-entry
// errors never abort a carve.
type Counters struct {
	Emitted     atomic.Uint64 // MetaData records pushed downstream
	Skipped     atomic.Uint64 // entries skipped (permission, vanished)
	NewHashes   atomic.Uint64 // blocks never seen before
	DupHashes   atomic.Uint64 // blocks deduplicated against the index
	Directories atomic.Uint64
}

// Carver captures metadata. It runs on a single worker; cancellation
// is checked between entries and, inside the hasher, between blocks.
type Carver struct {
	log      *zap.Logger
	hasher   *hasher.Hasher
	index    *hashindex.Index
	meta     *queue.Queue[sauvegarde.QueueItem]
	stores   *queue.Queue[[]sauvegarde.Hash]
	hostname string

	Counters Counters

	// uid/gid to name, filled lazily. The carver is the only writer.
	users  map[uint32]string
	groups map[uint32]string
}

// New returns a Carver emitting into the given queues.
func New(log *zap.Logger, h *hasher.Hasher, ix *hashindex.Index,
	meta *queue.Queue[sauvegarde.QueueItem], stores *queue.Queue[[]sauvegarde.Hash],
	hostname string) *Carver {
	return &Carver{
		log:      log,
		hasher:   h,
		index:    ix,
		meta:     meta,
		stores:   stores,
		hostname: hostname,
		users:    make(map[uint32]string),
		groups:   make(map[uint32]string),
	}
}

// CarveAll performs the initial full carve over every configured
// directory. Per-entry failures are counted and skipped; only
// cancellation and a closed queue stop the carve.
func (c *Carver) CarveAll(ctx context.Context, dirnames []string) error {
	for _, dir := range dirnames {
		if err := c.CarvePath(ctx, dir); err != nil {
			return err
		}
	}
	return nil
}

// CarvePath captures a single path: a file becomes one record, a
// directory becomes a record plus a depth-first walk of its subtree.
// Re-carve requests from the change monitor enter here too.
func (c *Carver) CarvePath(ctx context.Context, path string) error {
	meta, err := c.capture(ctx, path)
	if err != nil {
		return err
	}
	if meta == nil {
		return nil // skipped
	}
	if err := c.emit(meta); err != nil {
		return err
	}
	if meta.FileType != sauvegarde.Directory {
		return nil
	}

	// Deep trees would blow the stack if this recursed, so directories
	// wait on an explicit work list instead (depth-first: newest
	// pending directory is carved next).
	pending := []string{path}
	for len(pending) > 0 {
		dir := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		children, err := c.enumerate(dir)
		if err != nil {
			// Logged and counted; the carve continues elsewhere.
			continue
		}
		for _, entry := range children {
			if err := ctx.Err(); err != nil {
				return err
			}
			child := filepath.Join(dir, entry.Name())
			meta, err := c.capture(ctx, child)
			if err != nil {
				return err
			}
			if meta == nil {
				continue
			}
			if err := c.emit(meta); err != nil {
				return err
			}
			if meta.FileType == sauvegarde.Directory {
				pending = append(pending, child)
			}
		}
	}
	return nil
}

// enumerate opens dir as a directory stream and returns its children
// in enumeration order.
func (c *Carver) enumerate(dir string) ([]os.DirEntry, error) {
	ev := trace.Event("carve "+dir, trace.TidCarver)
	defer ev.Done()

	f, err := os.Open(dir)
	if err != nil {
		c.skip(dir, "open directory", err)
		return nil, err
	}
	defer f.Close()
	children, err := f.ReadDir(-1)
	if err != nil {
		c.skip(dir, "enumerate directory", err)
		return nil, err
	}
	c.Counters.Directories.Add(1)
	return children, nil
}

// capture builds the MetaData for one entry, without following
// symlinks. A nil, nil return means the entry was skipped.
func (c *Carver) capture(ctx context.Context, path string) (*sauvegarde.MetaData, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		if err == unix.ENOENT {
			// Vanished between enumeration and stat: not an error.
			c.Counters.Skipped.Add(1)
			return nil, nil
		}
		c.skip(path, "lstat", err)
		return nil, nil
	}

	meta := &sauvegarde.MetaData{
		FileType: fileTypeOf(st.Mode),
		Path:     path,
		Inode:    st.Ino,
		Owner:    c.userName(st.Uid),
		Group:    c.groupName(st.Gid),
		UID:      st.Uid,
		GID:      st.Gid,
		Atime:    uint64(st.Atim.Sec),
		Ctime:    uint64(st.Ctim.Sec),
		Mtime:    uint64(st.Mtim.Sec),
		Mode:     st.Mode,
		Size:     uint64(st.Size),
		Hostname: c.hostname,
	}

	switch meta.FileType {
	case sauvegarde.Symlink:
		target, err := os.Readlink(path)
		if err != nil {
			c.skip(path, "readlink", err)
			return nil, nil
		}
		meta.LinkTarget = target

	case sauvegarde.Regular:
		hashes, err := c.hasher.File(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				// Cancellation mid-file: no partial record.
				return nil, ctx.Err()
			}
			if os.IsNotExist(err) {
				c.Counters.Skipped.Add(1)
				return nil, nil
			}
			c.skip(path, "hash", err)
			return nil, nil
		}
		meta.HashList = hashes
		if err := c.dedup(hashes); err != nil {
			return nil, err
		}
	}
	return meta, nil
}

// dedup feeds the file's hashes through the index and queues whatever
// is new for persistence.
func (c *Carver) dedup(hashes []sauvegarde.Hash) error {
	for _, h := range hashes {
		if c.index.InsertIfAbsent(h) {
			c.Counters.NewHashes.Add(1)
		} else {
			c.Counters.DupHashes.Add(1)
		}
	}
	batch := c.index.TakePending()
	if len(batch) == 0 {
		return nil
	}
	return c.stores.Push(batch)
}

func (c *Carver) emit(meta *sauvegarde.MetaData) error {
	if err := c.meta.Push(sauvegarde.QueueItem{Meta: meta}); err != nil {
		return err
	}
	c.Counters.Emitted.Add(1)
	return nil
}

func (c *Carver) skip(path, op string, err error) {
	c.Counters.Skipped.Add(1)
	c.log.Warn("entry skipped",
		zap.String("path", path), zap.String("op", op), zap.Error(err))
}

func fileTypeOf(mode uint32) sauvegarde.FileType {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return sauvegarde.Regular
	case unix.S_IFDIR:
		return sauvegarde.Directory
	case unix.S_IFLNK:
		return sauvegarde.Symlink
	default:
		return sauvegarde.Special
	}
}

func (c *Carver) userName(uid uint32) string {
	if name, ok := c.users[uid]; ok {
		return name
	}
	name := strconv.FormatUint(uint64(uid), 10)
	if u, err := user.LookupId(name); err == nil {
		name = u.Username
	}
	c.users[uid] = name
	return name
}

func (c *Carver) groupName(gid uint32) string {
	if name, ok := c.groups[gid]; ok {
		return name
	}
	name := strconv.FormatUint(uint64(gid), 10)
	if g, err := user.LookupGroupId(name); err == nil {
		name = g.Name
	}
	c.groups[gid] = name
	return name
}
