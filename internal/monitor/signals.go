package monitor

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Signal bytes written to the signal descriptor. The Go runtime owns
// the actual signal handlers, so SIGINT/SIGTERM are relayed through a
// pipe; that pipe plays the role a signalfd would play in a C
// implementation, and the monitor polls it next to the fanotify
// descriptor.
const (
	sigByteInt  = byte(syscall.SIGINT)
	sigByteTerm = byte(syscall.SIGTERM)
	sigByteStop = 0xff // internal stop request, not a signal
)

// SignalFD is the dedicated signal descriptor of the pipeline: SIGINT
// and SIGTERM arrive here and nowhere else, and SIGPIPE is ignored.
type SignalFD struct {
	r, w int
	ch   chan os.Signal
}

// NewSignalFD routes SIGINT and SIGTERM into a descriptor that can be
// polled.
func NewSignalFD() (*SignalFD, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return nil, xerrors.Errorf("signal pipe: %w", err)
	}
	s := &SignalFD{r: p[0], w: p[1], ch: make(chan os.Signal, 4)}
	signal.Ignore(syscall.SIGPIPE)
	signal.Notify(s.ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range s.ch {
			b := sigByteTerm
			if sig == syscall.SIGINT {
				b = sigByteInt
			}
			unix.Write(s.w, []byte{b})
		}
	}()
	return s, nil
}

// Fd returns the readable end for poll().
func (s *SignalFD) Fd() int { return s.r }

// Read consumes one byte. stop is true for an internal stop request,
// otherwise sig holds the relayed termination signal.
func (s *SignalFD) Read() (sig os.Signal, stop bool, err error) {
	var b [1]byte
	for {
		n, err := unix.Read(s.r, b[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, false, xerrors.Errorf("read signal descriptor: %w", err)
		}
		if n == 0 {
			return nil, false, xerrors.New("signal descriptor closed")
		}
		break
	}
	switch b[0] {
	case sigByteStop:
		return nil, true, nil
	case sigByteInt:
		return syscall.SIGINT, false, nil
	default:
		return syscall.SIGTERM, false, nil
	}
}

// Stop wakes a poller without a kernel signal, for internally
// initiated shutdown.
func (s *SignalFD) Stop() {
	unix.Write(s.w, []byte{sigByteStop})
}

// Close stops the relay and releases both pipe ends.
func (s *SignalFD) Close() error {
	signal.Stop(s.ch)
	close(s.ch)
	unix.Close(s.w)
	return unix.Close(s.r)
}
