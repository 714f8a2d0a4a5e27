// Package native implements proc.Host on top of the Windows debugging API.
// On other operating systems every operation fails with
// ErrNativeBackendDisabled.
package native

import (
	"runtime"
	"sync"

	"github.com/go-delve/wdbg/pkg/logflags"
	"github.com/go-delve/wdbg/pkg/proc"
)

var _ proc.Host = (*Host)(nil)

// Host is the live debug host. Windows delivers debug notifications only
// to the thread that created or attached to the target, so every debug
// loop call runs on a single locked OS thread.
type Host struct {
	ptraceChan     chan func()
	ptraceDoneChan chan interface{}
	closeOnce      sync.Once
	closed         bool

	log logflags.Logger

	os osHostDetails
}

// New returns an initialized Host. Before returning, it will also launch
// a goroutine in order to handle debug API calls. For more information,
// see the documentation on handlePtraceFuncs.
func New() *Host {
	h := &Host{
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		log:            logflags.DebuggerLogger().WithField("layer", "native"),
	}
	go h.handlePtraceFuncs()
	return h
}

func (h *Host) handlePtraceFuncs() {
	// WaitForDebugEvent and ContinueDebugEvent only work on the thread that
	// called CreateProcess or DebugActiveProcess.
	runtime.LockOSThread()

	for fn := range h.ptraceChan {
		fn()
		h.ptraceDoneChan <- nil
	}
}

func (h *Host) execPtraceFunc(fn func()) {
	h.ptraceChan <- fn
	<-h.ptraceDoneChan
}

// Close stops the debug API goroutine. The host can not be used after
// Close.
func (h *Host) Close() error {
	h.closeOnce.Do(func() {
		h.closed = true
		close(h.ptraceChan)
		h.release()
	})
	return nil
}
