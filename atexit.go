package sauvegarde

import (
	"sync"
	"sync/atomic"
)

// atExit collects cleanup functions (closing the local database,
// removing fanotify marks, releasing descriptors) that must run on
// every exit path, including the escalated exit after a second
// termination signal.
var atExit struct {
	sync.Mutex
	fns    []func() error
	closed uint32
}

func RegisterAtExit(fn func() error) {
	if atomic.LoadUint32(&atExit.closed) != 0 {
		panic("BUG: RegisterAtExit must not be called from an atExit func")
	}
	atExit.Lock()
	defer atExit.Unlock()
	atExit.fns = append(atExit.fns, fn)
}

// RunAtExit runs the registered functions in reverse registration
// order (tear down in the opposite order of construction) and returns
// the first error. Safe to call more than once; later calls run
// nothing.
func RunAtExit() error {
	if !atomic.CompareAndSwapUint32(&atExit.closed, 0, 1) {
		return nil
	}
	atExit.Lock()
	defer atExit.Unlock()
	var first error
	for i := len(atExit.fns) - 1; i >= 0; i-- {
		if err := atExit.fns[i](); err != nil && first == nil {
			first = err
		}
	}
	atExit.fns = nil
	return first
}
