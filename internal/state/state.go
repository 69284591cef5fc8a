// Package state holds the per-daemon mutable state shared by every
// control and data session.
package state

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"etran/internal/flog"
	"etran/internal/protocol"
	"etran/internal/tnet"
	"etran/internal/xfer"
)

// lockRetry is how long a lock-both attempt sleeps before re-finding the
// transfer and trying again.
const lockRetry = 42 * time.Microsecond

// Transfer is one prepared file I/O. XferLock is held for the whole of a
// push or pull; only one goroutine touches File or the data conn at a time.
type Transfer struct {
	Path     string
	File     tnet.FileIO
	OpenMode protocol.OpenMode

	XferLock  sync.Mutex
	Cancelled atomic.Bool

	dmu  sync.Mutex
	data tnet.Conn
}

// SetData records the active data-channel connection for the duration of
// a copy loop.
func (t *Transfer) SetData(c tnet.Conn) {
	t.dmu.Lock()
	t.data = c
	t.dmu.Unlock()
}

// ClearData forgets the data connection without closing it.
func (t *Transfer) ClearData() { t.SetData(nil) }

// CloseData closes the active data connection, if any. Closing unblocks a
// copy loop stuck in read or write.
func (t *Transfer) CloseData() {
	t.dmu.Lock()
	c := t.data
	t.data = nil
	t.dmu.Unlock()
	if c != nil {
		c.Close()
	}
}

// Close releases everything the transfer holds. Close on the file is
// idempotent for re-entrance via the cancellation path.
func (t *Transfer) Close() {
	if t.File != nil {
		t.File.Close()
	}
	t.CloseData()
}

// State is the shared per-daemon state.
type State struct {
	// Mu guards Transfers. It is always acquired before a per-transfer
	// XferLock; LockTransfer implements the try-lock retry that keeps
	// that ordering deadlock-free.
	Mu        sync.Mutex
	Transfers map[string]*Transfer

	// DataAddrs is populated at startup and read-only afterwards.
	DataAddrs []tnet.Sockname

	// Default transport tuning applied to every data connection this
	// daemon initiates.
	BufSize int
	MSS     int
	MaxBW   int64

	Cancelled atomic.Bool

	cmu     sync.Mutex
	cancels *list.List

	wg sync.WaitGroup
}

const defaultBufSize = 32 * 1024 * 1024

func New() *State {
	return &State{
		Transfers: make(map[string]*Transfer),
		BufSize:   defaultBufSize,
		MaxBW:     -1,
		cancels:   list.New(),
	}
}

// PathInUse reports whether some transfer already claims nPath. The caller
// must hold Mu. /dev/null is exempt and may be claimed any number of times.
func (s *State) PathInUse(nPath string) bool {
	if nPath == tnet.DevNull {
		return false
	}
	for _, t := range s.Transfers {
		if t.Path == nPath {
			return true
		}
	}
	return false
}

// ReaderConflict reports whether nPath is claimed by a non-Read transfer.
// The caller must hold Mu.
func (s *State) ReaderConflict(nPath string) bool {
	for _, t := range s.Transfers {
		if t.Path == nPath && t.OpenMode != protocol.OpenRead {
			return true
		}
	}
	return false
}

// LockTransfer finds uuid and acquires its XferLock without ever holding
// it together with Mu for longer than a try-lock. On contention it backs
// off and re-finds the record, because the holder may remove it.
func (s *State) LockTransfer(uuid string) (*Transfer, error) {
	for {
		if s.Cancelled.Load() {
			return nil, xfer.ErrCancelled
		}
		s.Mu.Lock()
		t, ok := s.Transfers[uuid]
		if !ok {
			s.Mu.Unlock()
			return nil, fmt.Errorf("%w: no transfer for UUID %s", xfer.ErrConflict, uuid)
		}
		if t.Cancelled.Load() {
			s.Mu.Unlock()
			return nil, xfer.ErrCancelled
		}
		if t.XferLock.TryLock() {
			s.Mu.Unlock()
			return t, nil
		}
		s.Mu.Unlock()
		time.Sleep(lockRetry)
	}
}

// Remove erases uuid from the map. It closes the record's file and data
// conn first so a copy loop holding the transfer lock unblocks, then spins
// on try-lock until it can take the record out. Returns false when the
// UUID has no record.
func (s *State) Remove(uuid string) bool {
	for {
		s.Mu.Lock()
		t, ok := s.Transfers[uuid]
		if !ok {
			s.Mu.Unlock()
			return false
		}
		// Closing the FDs unblocks whoever holds the transfer lock.
		t.Close()
		if t.XferLock.TryLock() {
			delete(s.Transfers, uuid)
			s.Mu.Unlock()
			t.XferLock.Unlock()
			flog.Debugf("removed transfer %s (%s)", uuid, t.Path)
			return true
		}
		s.Mu.Unlock()
		time.Sleep(lockRetry)
	}
}

// CancelTransfer flags uuid as cancelled and closes its data conn. It
// never blocks on the transfer lock; the copy loop observes the flag or
// the closed conn.
func (s *State) CancelTransfer(uuid string) bool {
	s.Mu.Lock()
	t, ok := s.Transfers[uuid]
	s.Mu.Unlock()
	if !ok {
		return false
	}
	t.Cancelled.Store(true)
	t.CloseData()
	return true
}

// OnCancel registers a callback run when the daemon is cancelled. The
// returned function deregisters it; workers call that on clean exit.
func (s *State) OnCancel(fn func()) func() {
	s.cmu.Lock()
	el := s.cancels.PushBack(fn)
	s.cmu.Unlock()
	return func() {
		// When the daemon is going down the signal path owns the list;
		// leaving the entry in place is harmless then.
		if s.Cancelled.Load() {
			return
		}
		s.cmu.Lock()
		s.cancels.Remove(el)
		s.cmu.Unlock()
	}
}

// CancelAll flips the global flag and runs every registered cancellation
// hook. Blocking reads and accepts return with errors once their FDs
// close, and the workers observe the flag.
func (s *State) CancelAll() {
	s.Cancelled.Store(true)
	s.cmu.Lock()
	fns := make([]func(), 0, s.cancels.Len())
	for el := s.cancels.Front(); el != nil; el = el.Next() {
		fns = append(fns, el.Value.(func()))
	}
	s.cmu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Go runs fn on a tracked worker goroutine. Wait blocks until every
// worker has exited.
func (s *State) Go(fn func()) {
	if s.Cancelled.Load() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *State) Wait() { s.wg.Wait() }
