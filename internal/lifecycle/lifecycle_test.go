package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/sauvegarde/sauvegarde"
	"github.com/sauvegarde/sauvegarde/internal/hashindex"
	"github.com/sauvegarde/sauvegarde/internal/queue"
	"github.com/sauvegarde/sauvegarde/internal/store"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	got  []string
	fail error
}

func (f *fakeSubmitter) Submit(ctx context.Context, meta *sauvegarde.MetaData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, meta.Path)
	return f.fail
}

func testController(t *testing.T) (*Controller, *fakeSubmitter) {
	t.Helper()
	log := zaptest.NewLogger(t)
	sub := &fakeSubmitter{}
	c := &Controller{
		cfg:       &sauvegarde.ConfigRecord{Dircache: t.TempDir(), DBName: "cache.db"},
		log:       log,
		client:    sub,
		index:     hashindex.New(log),
		metaQ:     queue.New[sauvegarde.QueueItem](0),
		storeQ:    queue.New[[]sauvegarde.Hash](0),
		recarveQ:  queue.New[string](0),
		startedAt: time.Now(),
		flushStop: make(chan struct{}),
		forceExit: func(int) {},
	}
	return c, sub
}

func TestSenderStopsAtSentinel(t *testing.T) {
	c, sub := testController(t)
	for _, p := range []string{"/a", "/b"} {
		if err := c.metaQ.Push(sauvegarde.QueueItem{Meta: &sauvegarde.MetaData{Path: p}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.metaQ.Push(sauvegarde.QueueItem{Shutdown: true}); err != nil {
		t.Fatal(err)
	}
	// Anything behind the sentinel must stay unsent.
	if err := c.metaQ.Push(sauvegarde.QueueItem{Meta: &sauvegarde.MetaData{Path: "/late"}}); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		c.runSender(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sender did not stop at the sentinel")
	}
	if len(sub.got) != 2 || sub.got[0] != "/a" || sub.got[1] != "/b" {
		t.Fatalf("submitted %v, want [/a /b]", sub.got)
	}
}

func TestSenderKeepsDrainingAfterDrop(t *testing.T) {
	c, sub := testController(t)
	sub.fail = errors.New("permanent")
	for _, p := range []string{"/a", "/b", "/c"} {
		c.metaQ.Push(sauvegarde.QueueItem{Meta: &sauvegarde.MetaData{Path: p}})
	}
	c.metaQ.Push(sauvegarde.QueueItem{Shutdown: true})
	c.runSender(context.Background())
	if len(sub.got) != 3 {
		t.Fatalf("submitted %d records, want 3 despite failures", len(sub.got))
	}
}

func TestDBWriterPersistsBatches(t *testing.T) {
	c, _ := testController(t)
	ctx := context.Background()
	db, err := store.Open(ctx, c.cfg.Dircache, c.cfg.DBName)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	c.db = db

	h1 := sauvegarde.Hash(sha256.Sum256([]byte("one")))
	h2 := sauvegarde.Hash(sha256.Sum256([]byte("two")))
	c.storeQ.Push([]sauvegarde.Hash{h1})
	c.storeQ.Push([]sauvegarde.Hash{h2})
	c.storeQ.Close()

	c.runDBWriter(ctx)

	count := 0
	if err := db.LoadAllKnownHashes(ctx, func(sauvegarde.Hash) error {
		count++
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("persisted %d hashes, want 2", count)
	}
}

func TestWriteStateFile(t *testing.T) {
	c, _ := testController(t)
	if err := c.writeStateFile(map[string]uint64{"entries_emitted": 7}); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(c.cfg.Dircache, "client-state.json"))
	if err != nil {
		t.Fatal(err)
	}
	var st stateFile
	if err := json.Unmarshal(b, &st); err != nil {
		t.Fatal(err)
	}
	if st.Counters["entries_emitted"] != 7 {
		t.Fatalf("counters: %+v", st.Counters)
	}
	if st.StartedAt.IsZero() || st.FinishedAt.IsZero() {
		t.Fatal("timestamps missing")
	}
}
