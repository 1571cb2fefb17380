// Package monitor watches the mounts covering the configured
// directories through fanotify and feeds the paths of modified files
// back into the pipeline as re-carve requests.
//
// One blocking poll multiplexes two descriptors, the signal descriptor
// and the fanotify descriptor, with no timeout. Events whose resolved
// path does not lie under a configured directory (case-insensitively)
// are discarded.
package monitor

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/text/cases"
	"golang.org/x/xerrors"

	"github.com/sauvegarde/sauvegarde/internal/queue"
)

// ErrNotify wraps kernel notification failures. The lifecycle
// controller re-arms the monitor once; a second failure is fatal.
var ErrNotify = errors.New("kernel notification failure")

// State of the watcher lifecycle.
type State int

const (
	Unarmed State = iota
	Armed
	Watching
	Failed
)

func (s State) String() string {
	switch s {
	case Unarmed:
		return "unarmed"
	case Armed:
		return "armed"
	case Watching:
		return "watching"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Counters tallies event outcomes for the final summary.
type Counters struct {
	Matched   atomic.Uint64
	Discarded atomic.Uint64
	Overflows atomic.Uint64
}

// Monitor owns the fanotify descriptor and shares the signal
// descriptor with the lifecycle controller.
type Monitor struct {
	log     *zap.Logger
	dirs    []string
	folded  []string // case-folded forms, precomputed at startup
	caser   cases.Caser
	sig     *SignalFD
	recarve *queue.Queue[string]

	fanFd int
	state State

	Counters Counters
}

// New returns an Unarmed monitor for the given directories.
func New(log *zap.Logger, dirs []string, sig *SignalFD, recarve *queue.Queue[string]) *Monitor {
	caser := cases.Fold()
	folded := make([]string, len(dirs))
	for i, d := range dirs {
		folded[i] = caser.String(d)
	}
	return &Monitor{
		log:     log,
		dirs:    dirs,
		folded:  folded,
		caser:   cases.Fold(),
		sig:     sig,
		recarve: recarve,
		fanFd:   -1,
		state:   Unarmed,
	}
}

// CurrentState returns the watcher lifecycle state.
func (m *Monitor) CurrentState() State { return m.state }

// match reports whether path lies under one of the configured
// directories, comparing the Unicode case-folded forms over the
// shorter of the two lengths, and returns the matching directory.
func (m *Monitor) match(path string) (string, bool) {
	folded := m.caser.String(path)
	for i, dir := range m.folded {
		n := len(dir)
		if len(folded) < n {
			n = len(folded)
		}
		if folded[:n] == dir[:n] {
			return m.dirs[i], true
		}
	}
	return "", false
}

// Loop blocks on the signal and fanotify descriptors until a
// termination signal or stop request arrives. On a notification I/O
// error the state moves to Failed and an ErrNotify-wrapped error is
// returned; the caller decides between re-arming and giving up.
func (m *Monitor) Loop(ctx context.Context) error {
	if m.state != Watching {
		return xerrors.Errorf("loop entered in state %s: %w", m.state, ErrNotify)
	}
	for {
		fds := []unix.PollFd{
			{Fd: int32(m.sig.Fd()), Events: unix.POLLIN},
			{Fd: int32(m.fanFd), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			m.state = Failed
			return xerrors.Errorf("poll: %v: %w", err, ErrNotify)
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			sig, stop, err := m.sig.Read()
			if err != nil {
				return err
			}
			if stop {
				m.log.Debug("monitor stop requested")
			} else {
				m.log.Info("termination signal received", zap.String("signal", sig.String()))
			}
			return nil
		}

		if fds[1].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			if err := m.drainEvents(ctx); err != nil {
				m.state = Failed
				return err
			}
		}
	}
}

// programName resolves the originating pid to its command line, for
// debug logs.
func programName(pid int32) string {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(int(pid)) + "/cmdline")
	if err != nil || len(b) == 0 {
		return "unknown"
	}
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
