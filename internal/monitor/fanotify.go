package monitor

import (
	"context"
	"os"
	"strconv"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// The events the backup agent cares about: content modifications and
// writable closes, on the directories themselves and on their
// children. fanotify does not report deletions; the design accepts
// that limitation.
const eventMask = unix.FAN_MODIFY |
	unix.FAN_CLOSE_WRITE |
	unix.FAN_ONDIR |
	unix.FAN_EVENT_ON_CHILD

const markFlags = unix.FAN_MARK_ADD | unix.FAN_MARK_MOUNT

// fanotifyBufferSize holds a batch of events per read; each event is
// sizeofFanotifyEventMetadata bytes.
const fanotifyBufferSize = 8192

var sizeofFanotifyEventMetadata = unsafe.Sizeof(unix.FanotifyEventMetadata{})

// Arm initializes the fanotify descriptor and marks the mount of
// every configured directory. Requires CAP_SYS_ADMIN.
func (m *Monitor) Arm() error {
	fd, err := unix.FanotifyInit(
		unix.FAN_CLOEXEC|unix.FAN_CLASS_NOTIF|unix.FAN_NONBLOCK,
		unix.O_RDONLY|unix.O_LARGEFILE|unix.O_CLOEXEC)
	if err != nil {
		m.state = Failed
		return xerrors.Errorf("fanotify_init: %v: %w", err, ErrNotify)
	}
	m.fanFd = fd
	m.state = Armed

	for _, dir := range m.dirs {
		if err := unix.FanotifyMark(fd, markFlags, eventMask, unix.AT_FDCWD, dir); err != nil {
			// One unmarkable directory degrades coverage, it does not
			// stop the watcher.
			m.log.Warn("cannot mark mount",
				zap.String("directory", dir), zap.Error(err))
			continue
		}
		m.log.Debug("monitoring mount", zap.String("directory", dir))
	}
	m.state = Watching
	return nil
}

// Rearm closes a failed descriptor and arms again. Called by the
// lifecycle controller for its single restart attempt.
func (m *Monitor) Rearm() error {
	if m.fanFd >= 0 {
		unix.Close(m.fanFd)
		m.fanFd = -1
	}
	m.state = Unarmed
	return m.Arm()
}

// Close removes the marks and releases the fanotify descriptor.
func (m *Monitor) Close() error {
	if m.fanFd < 0 {
		return nil
	}
	for _, dir := range m.dirs {
		unix.FanotifyMark(m.fanFd, unix.FAN_MARK_REMOVE|unix.FAN_MARK_MOUNT, eventMask, unix.AT_FDCWD, dir)
	}
	err := unix.Close(m.fanFd)
	m.fanFd = -1
	m.state = Unarmed
	return err
}

// drainEvents reads every ready event batch off the descriptor.
func (m *Monitor) drainEvents(ctx context.Context) error {
	buf := make([]byte, fanotifyBufferSize)
	for {
		n, err := unix.Read(m.fanFd, buf)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil // drained
		}
		if err != nil {
			return xerrors.Errorf("read fanotify descriptor: %v: %w", err, ErrNotify)
		}
		if n == 0 {
			return nil
		}

		off := 0
		for off+int(sizeofFanotifyEventMetadata) <= n {
			md := (*unix.FanotifyEventMetadata)(unsafe.Pointer(&buf[off]))
			if md.Event_len < uint32(sizeofFanotifyEventMetadata) ||
				off+int(md.Event_len) > n {
				break
			}
			m.processEvent(ctx, md)
			off += int(md.Event_len)
		}
	}
}

// processEvent resolves, filters and forwards one event. The event's
// file descriptor is closed on every path out of here; leaking it
// would exhaust the process descriptor table under load.
func (m *Monitor) processEvent(ctx context.Context, md *unix.FanotifyEventMetadata) {
	fd := int(md.Fd)
	if fd >= 0 {
		defer unix.Close(fd)
	}
	if md.Vers != unix.FANOTIFY_METADATA_VERSION {
		m.Counters.Discarded.Add(1)
		return
	}
	if md.Mask&unix.FAN_Q_OVERFLOW != 0 {
		m.Counters.Overflows.Add(1)
		m.log.Warn("fanotify queue overflow, events lost")
		return
	}
	path, err := pathOfFd(fd)
	if err != nil {
		m.Counters.Discarded.Add(1)
		return
	}
	dir, ok := m.match(path)
	if !ok {
		m.Counters.Discarded.Add(1)
		return
	}
	m.Counters.Matched.Add(1)

	kind := "modify"
	if md.Mask&unix.FAN_CLOSE_WRITE != 0 {
		kind = "close-write"
	}
	m.log.Debug("filesystem event",
		zap.String("path", path),
		zap.String("kind", kind),
		zap.String("directory", dir),
		zap.Int32("pid", md.Pid),
		zap.String("program", programName(md.Pid)))

	if ctx.Err() != nil {
		return // shutting down: accept no new work
	}
	if err := m.recarve.Push(path); err != nil {
		m.log.Debug("re-carve queue closed, event dropped", zap.String("path", path))
	}
}

// pathOfFd resolves an event descriptor to the absolute path it
// refers to, via the per-process descriptor directory.
func pathOfFd(fd int) (string, error) {
	if fd < 0 {
		return "", xerrors.New("event without descriptor")
	}
	path, err := os.Readlink("/proc/self/fd/" + strconv.Itoa(fd))
	if err != nil {
		return "", xerrors.Errorf("resolve fd %d: %w", fd, err)
	}
	return path, nil
}
