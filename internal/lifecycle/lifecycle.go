// Package lifecycle owns the pipeline: it opens the local database,
// loads the hash index, dials the server, arms the change monitor,
// runs the initial carve and keeps the four long-lived workers
// (carver, monitor, sender, DB writer) connected through the bounded
// queues until a termination signal tears everything down in order.
package lifecycle

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/renameio"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/sauvegarde/sauvegarde"
	"github.com/sauvegarde/sauvegarde/internal/carver"
	"github.com/sauvegarde/sauvegarde/internal/hasher"
	"github.com/sauvegarde/sauvegarde/internal/hashindex"
	"github.com/sauvegarde/sauvegarde/internal/monitor"
	"github.com/sauvegarde/sauvegarde/internal/queue"
	"github.com/sauvegarde/sauvegarde/internal/store"
	"github.com/sauvegarde/sauvegarde/internal/trace"
	"github.com/sauvegarde/sauvegarde/internal/transport"
)

// shutdownDeadline is the soft bound on a clean shutdown; past it the
// process force-exits after releasing descriptors.
const shutdownDeadline = 30 * time.Second

// sentinelTimeout bounds queue sends during shutdown.
const sentinelTimeout = 5 * time.Second

// flushInterval is how often pending hashes are persisted outside of
// batch writes.
const flushInterval = 30 * time.Second

// submitter is the slice of the transport client the sender worker
// uses.
type submitter interface {
	Submit(ctx context.Context, meta *sauvegarde.MetaData) error
}

// Controller holds what used to be process-global state in the
// prototype: database, index, queues, descriptors. Constructed during
// startup, torn down in reverse order during shutdown.
type Controller struct {
	cfg *sauvegarde.ConfigRecord
	log *zap.Logger

	db     *store.DB
	index  *hashindex.Index
	client submitter
	sig    *monitor.SignalFD
	mon    *monitor.Monitor
	carv   *carver.Carver

	metaQ    *queue.Queue[sauvegarde.QueueItem]
	storeQ   *queue.Queue[[]sauvegarde.Hash]
	recarveQ *queue.Queue[string]

	startedAt    time.Time
	shutdownOnce sync.Once
	flushStop    chan struct{}

	// forceExit is swappable so tests do not kill the test binary.
	forceExit func(code int)
}

// Run executes the whole client lifetime: startup in the strict order
// configuration → storage → transport → signals → monitor → initial
// carve → event loop, then signal-driven shutdown. The error return
// is fatal-at-startup or a worker failure.
func Run(ctx context.Context, cfg *sauvegarde.ConfigRecord, log *zap.Logger) error {
	c := &Controller{
		cfg:       cfg,
		log:       log,
		metaQ:     queue.New[sauvegarde.QueueItem](0),
		storeQ:    queue.New[[]sauvegarde.Hash](0),
		recarveQ:  queue.New[string](0),
		startedAt: time.Now(),
		flushStop: make(chan struct{}),
		forceExit: os.Exit,
	}
	if err := c.startup(ctx); err != nil {
		return err
	}
	return c.loop(ctx)
}

func (c *Controller) startup(ctx context.Context) error {
	// (2) local storage and hash index; both fatal when unavailable.
	db, err := store.Open(ctx, c.cfg.Dircache, c.cfg.DBName)
	if err != nil {
		return err
	}
	c.db = db
	sauvegarde.RegisterAtExit(db.Close)

	c.index, err = hashindex.Load(ctx, db, c.log.Named("index"))
	if err != nil {
		return err
	}

	// (3) transport; a wrong server address should fail here, not
	// after an hour of hashing.
	client, err := transport.Dial(ctx, c.cfg.Host, c.cfg.Port, c.log.Named("sender"))
	if err != nil {
		return err
	}
	c.client = client

	// Blocks the server already knows need not be re-uploaded by this
	// client. Best effort: a missing endpoint changes nothing.
	if err := client.IngestKnownHashes(ctx, func(h sauvegarde.Hash) {
		c.index.InsertIfAbsent(h)
	}); err != nil {
		c.log.Warn("known-hash ingest failed, relying on local cache", zap.Error(err))
	}

	// (4) the signal descriptor, before any worker starts.
	c.sig, err = monitor.NewSignalFD()
	if err != nil {
		return err
	}
	sauvegarde.RegisterAtExit(c.sig.Close)

	// (5) the change monitor. One failed arm attempt gets a retry;
	// a second failure is fatal.
	hostname, _ := os.Hostname()
	h := hasher.New(c.cfg.Blocksize)
	c.carv = carver.New(c.log.Named("carver"), h, c.index, c.metaQ, c.storeQ, hostname)
	c.mon = monitor.New(c.log.Named("monitor"), c.cfg.DirnameList, c.sig, c.recarveQ)
	if err := c.mon.Arm(); err != nil {
		c.log.Warn("fanotify arm failed, retrying once", zap.Error(err))
		if err := c.mon.Rearm(); err != nil {
			return err
		}
	}
	sauvegarde.RegisterAtExit(c.mon.Close)
	return nil
}

func (c *Controller) loop(ctx context.Context) error {
	carveCtx, carveCancel := context.WithCancel(ctx)
	defer carveCancel()

	carverDone := make(chan struct{})
	senderDone := make(chan struct{})
	dbwDone := make(chan struct{})

	var eg errgroup.Group
	eg.Go(func() error {
		defer close(carverDone)
		return c.runCarver(carveCtx)
	})
	eg.Go(func() error {
		defer close(senderDone)
		c.runSender(ctx)
		return nil
	})
	eg.Go(func() error {
		defer close(dbwDone)
		c.runDBWriter(ctx)
		return nil
	})
	eg.Go(func() error {
		c.flushLoop(ctx)
		return nil
	})
	eg.Go(func() error {
		err := c.runMonitor(ctx)
		// Whatever ended the monitor (signal, stop request, fatal
		// notification failure) ends the pipeline.
		c.shutdown(carveCancel, carverDone, senderDone, dbwDone)
		return err
	})

	err := eg.Wait()
	c.finish()
	return err
}

// runCarver performs the initial carve, then serves re-carve requests
// from the monitor until shutdown.
func (c *Controller) runCarver(ctx context.Context) error {
	if err := c.carv.CarveAll(ctx, c.cfg.DirnameList); err != nil {
		if xerrors.Is(err, context.Canceled) || xerrors.Is(err, queue.ErrClosed) {
			return nil // cancellation is the clean path
		}
		c.sig.Stop() // take the monitor, and with it the pipeline, down
		return err
	}
	c.log.Info("initial carve complete",
		zap.Uint64("entries", c.carv.Counters.Emitted.Load()),
		zap.Uint64("skipped", c.carv.Counters.Skipped.Load()))

	for {
		path, ok := c.recarveQ.Pop()
		if !ok {
			return nil
		}
		if err := c.carv.CarvePath(ctx, path); err != nil {
			if xerrors.Is(err, context.Canceled) || xerrors.Is(err, queue.ErrClosed) {
				return nil
			}
			c.sig.Stop()
			return err
		}
	}
}

// runSender drains the metadata queue into the transport sink until
// the shutdown sentinel arrives. Submit failures are already counted
// and logged by the client; a dropped record must not stop the drain.
func (c *Controller) runSender(ctx context.Context) {
	for {
		item, ok := c.metaQ.Pop()
		if !ok {
			return
		}
		if item.Shutdown {
			c.log.Debug("sender drained, exiting")
			return
		}
		c.client.Submit(ctx, item.Meta)
		trace.Counter("queue depth", map[string]uint64{
			"metadata": uint64(c.metaQ.Len()),
			"store":    uint64(c.storeQ.Len()),
		})
	}
}

// runDBWriter persists hash batches from the store queue.
func (c *Controller) runDBWriter(ctx context.Context) {
	for {
		batch, ok := c.storeQ.Pop()
		if !ok {
			return
		}
		ev := trace.Event("record hash batch", trace.TidDBWriter)
		c.index.WriteBatch(ctx, c.db, batch)
		ev.Done()
	}
}

// flushLoop periodically persists whatever is pending, so a degraded
// index catches up once storage recovers even while no new batches
// arrive.
func (c *Controller) flushLoop(ctx context.Context) {
	t := time.NewTicker(flushInterval)
	defer t.Stop()
	for {
		select {
		case <-c.flushStop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			c.index.Flush(ctx, c.db)
		}
	}
}

// runMonitor runs the notification loop, re-arming once after a
// notification failure. A second failure is fatal.
func (c *Controller) runMonitor(ctx context.Context) error {
	err := c.mon.Loop(ctx)
	if err == nil {
		return nil
	}
	if !xerrors.Is(err, monitor.ErrNotify) {
		return err
	}
	c.log.Warn("kernel notification failed, restarting watcher", zap.Error(err))
	if rerr := c.mon.Rearm(); rerr != nil {
		return rerr
	}
	return c.mon.Loop(ctx)
}

// shutdown tears the pipeline down in the strict order: monitor,
// carver, sender (via sentinel), DB writer, index flush. A second
// signal or a blown deadline escalates to immediate exit.
func (c *Controller) shutdown(carveCancel context.CancelFunc, carverDone, senderDone, dbwDone <-chan struct{}) {
	c.shutdownOnce.Do(func() {
		c.log.Info("shutdown initiated")

		deadline := time.AfterFunc(shutdownDeadline, func() {
			c.log.Error("shutdown deadline exceeded, forcing exit")
			sauvegarde.RunAtExit()
			c.forceExit(1)
		})
		defer deadline.Stop()
		go c.escalateOnSecondSignal()

		// (1) no new events.
		c.mon.Close()
		c.recarveQ.Close()

		// (2) carver cancels at its next entry or block boundary.
		carveCancel()
		<-carverDone

		// (3) the sentinel is strictly the last metadata item.
		if err := c.metaQ.PushTimeout(sauvegarde.QueueItem{Shutdown: true}, sentinelTimeout); err != nil {
			c.log.Warn("could not enqueue shutdown sentinel", zap.Error(err))
			c.metaQ.Close()
		}
		<-senderDone

		// (4) hash persistence.
		c.storeQ.Close()
		<-dbwDone
		close(c.flushStop)
		if err := c.index.Flush(context.Background(), c.db); err != nil {
			c.log.Warn("final hash flush failed", zap.Error(err))
		}
	})
}

// escalateOnSecondSignal turns a second SIGINT/SIGTERM during
// shutdown into an immediate exit, descriptors released.
func (c *Controller) escalateOnSecondSignal() {
	sig, stop, err := c.sig.Read()
	if err != nil || stop {
		return
	}
	c.log.Warn("second signal, exiting immediately", zap.String("signal", sig.String()))
	sauvegarde.RunAtExit()
	code := 1
	if s, ok := sig.(syscall.Signal); ok {
		code = 128 + int(s)
	}
	c.forceExit(code)
}

// finish writes the state file and the final summary.
func (c *Controller) finish() {
	counters := c.counters()
	fields := make([]zap.Field, 0, len(counters))
	for k, v := range counters {
		fields = append(fields, zap.Uint64(k, v))
	}
	c.log.Info("final summary", fields...)

	if err := c.writeStateFile(counters); err != nil {
		c.log.Warn("state file not written", zap.Error(err))
	}
	if err := sauvegarde.RunAtExit(); err != nil {
		c.log.Warn("cleanup error", zap.Error(err))
	}
}

func (c *Controller) counters() map[string]uint64 {
	m := map[string]uint64{
		"entries_emitted":  c.carv.Counters.Emitted.Load(),
		"entries_skipped":  c.carv.Counters.Skipped.Load(),
		"hashes_new":       c.carv.Counters.NewHashes.Load(),
		"hashes_duplicate": c.carv.Counters.DupHashes.Load(),
		"events_matched":   c.mon.Counters.Matched.Load(),
		"events_discarded": c.mon.Counters.Discarded.Load(),
	}
	if cl, ok := c.client.(*transport.Client); ok {
		m["submits_acked"] = cl.Counters.Acked.Load()
		m["submits_retried"] = cl.Counters.Retried.Load()
		m["submits_dropped"] = cl.Counters.Dropped.Load()
	}
	return m
}

type stateFile struct {
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Counters   map[string]uint64 `json:"counters"`
}

// writeStateFile atomically replaces the state file in the cache
// directory.
func (c *Controller) writeStateFile(counters map[string]uint64) error {
	b, err := json.MarshalIndent(stateFile{
		StartedAt:  c.startedAt,
		FinishedAt: time.Now(),
		Counters:   counters,
	}, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(c.cfg.Dircache, "client-state.json"), append(b, '\n'), 0644)
}
