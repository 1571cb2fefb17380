package monitor

import (
	"os"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
	"golang.org/x/text/cases"

	"github.com/sauvegarde/sauvegarde/internal/queue"
)

func newTestMonitor(t *testing.T, dirs []string) *Monitor {
	t.Helper()
	return New(zaptest.NewLogger(t), dirs, nil, queue.New[string](0))
}

func TestMatchIsCaseInsensitive(t *testing.T) {
	m := newTestMonitor(t, []string{"/home/Alice", "/SRV/data"})
	for _, tc := range []struct {
		path  string
		want  string
		match bool
	}{
		{"/home/alice/notes.txt", "/home/Alice", true},
		{"/HOME/ALICE/d/e/f", "/home/Alice", true},
		{"/srv/data/x", "/SRV/data", true},
		{"/var/log/syslog", "", false},
		{"/home/bob/file", "", false},
	} {
		dir, ok := m.match(tc.path)
		if ok != tc.match || dir != tc.want {
			t.Errorf("match(%q): got (%q, %v), want (%q, %v)",
				tc.path, dir, ok, tc.want, tc.match)
		}
	}
}

func TestMatchedPathHasFoldedPrefix(t *testing.T) {
	// Invariant: casefold(path) begins with casefold(dir) whenever the
	// path is at least as long as the directory.
	dirs := []string{"/home/Alice", "/tmp/Straße"}
	m := newTestMonitor(t, dirs)
	fold := cases.Fold()
	for _, path := range []string{
		"/home/alice/a", "/HOME/ALICE", "/tmp/strasse/x", "/TMP/STRASSE/y",
	} {
		dir, ok := m.match(path)
		if !ok {
			t.Errorf("match(%q): no match", path)
			continue
		}
		fp, fd := fold.String(path), fold.String(dir)
		if len(fp) >= len(fd) && !strings.HasPrefix(fp, fd) {
			t.Errorf("match(%q) = %q, but folded path lacks folded prefix", path, dir)
		}
	}
}

func TestMatchUsesShorterLength(t *testing.T) {
	// The comparison length is min(|path|, |dir|): a path that is a
	// strict prefix of a configured directory still matches, as in the
	// original filter.
	m := newTestMonitor(t, []string{"/home/alice/documents"})
	if _, ok := m.match("/home/alice"); !ok {
		t.Fatal("prefix-of-directory path did not match")
	}
}

func TestPathOfFd(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "ev")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, err := pathOfFd(int(f.Fd()))
	if err != nil {
		t.Fatal(err)
	}
	if got != f.Name() {
		t.Fatalf("pathOfFd: got %q, want %q", got, f.Name())
	}
}

func TestPathOfFdInvalid(t *testing.T) {
	if _, err := pathOfFd(-1); err == nil {
		t.Fatal("pathOfFd(-1) succeeded")
	}
}

func TestProgramName(t *testing.T) {
	got := programName(int32(os.Getpid()))
	if got == "unknown" || got == "" {
		t.Fatalf("programName(self): got %q", got)
	}
}

func TestStateTransitionsOnNew(t *testing.T) {
	m := newTestMonitor(t, []string{"/tmp"})
	if m.CurrentState() != Unarmed {
		t.Fatalf("new monitor state: %v, want Unarmed", m.CurrentState())
	}
}

func TestSignalFDStop(t *testing.T) {
	s, err := NewSignalFD()
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	s.Stop()
	sig, stop, err := s.Read()
	if err != nil {
		t.Fatal(err)
	}
	if !stop || sig != nil {
		t.Fatalf("Read after Stop: sig=%v stop=%v", sig, stop)
	}
}
