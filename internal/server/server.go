// Package server implements the daemon side of the transfer service: the
// per-session transfer server, the control-channel wrapper and the
// data-channel wrapper.
package server

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"etran/internal/flog"
	"etran/internal/protocol"
	"etran/internal/state"
	"etran/internal/tnet"
	"etran/internal/xfer"
)

// ETD is the in-process transfer server. One instance serves one control
// session; its UUID names the single transfer the session may have
// outstanding at a time.
type ETD struct {
	uuid string
	st   *state.State
}

func New(st *state.State) *ETD {
	return &ETD{uuid: uuid.NewString(), st: st}
}

// UUID returns the session identifier transfers are registered under.
func (s *ETD) UUID() string { return s.uuid }

// normalizePath collapses duplicate separators and dot segments and
// resolves ".." where it is not at the root.
func normalizePath(p string) string {
	return path.Clean(p)
}

func (s *ETD) ListPath(pattern string, allowTilde bool) ([]string, error) {
	if tnet.IsDevZero(pattern) {
		return []string{pattern}, nil
	}
	if strings.HasPrefix(pattern, "~") {
		if !allowTilde {
			return nil, fmt.Errorf("tilde expansion is not enabled")
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("tilde expansion: %w", err)
		}
		if pattern == "~" {
			pattern = home
		} else if strings.HasPrefix(pattern, "~/") {
			pattern = home + pattern[1:]
		} else {
			return nil, fmt.Errorf("cannot expand %q: only the current user's home is supported", pattern)
		}
	}
	if strings.HasSuffix(pattern, "/") {
		pattern += "*"
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", pattern, err)
	}
	// Directories get a trailing slash, like GLOB_MARK.
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil && fi.IsDir() && !strings.HasSuffix(m, "/") {
			m += "/"
		}
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *ETD) RequestFileWrite(file string, mode protocol.OpenMode) (xfer.WriteHandle, error) {
	if !mode.Writable() {
		return xfer.WriteHandle{}, fmt.Errorf("invalid open mode %s for requestFileWrite(%s)", mode, file)
	}
	nPath := normalizePath(file)

	// Check-and-insert must be atomic, so the shared lock is held across
	// the open as well.
	s.st.Mu.Lock()
	defer s.st.Mu.Unlock()

	if _, busy := s.st.Transfers[s.uuid]; busy {
		return xfer.WriteHandle{}, fmt.Errorf("%w: requestFileWrite: this server is already busy", xfer.ErrConflict)
	}
	if s.st.PathInUse(nPath) {
		return xfer.WriteHandle{}, fmt.Errorf("%w: requestFileWrite(%s) - the path is already in use", xfer.ErrConflict, file)
	}

	fd, err := openForWrite(nPath, mode)
	if err != nil {
		return xfer.WriteHandle{}, err
	}
	have, err := fd.Seek(0, io.SeekEnd)
	if err != nil {
		fd.Close()
		return xfer.WriteHandle{}, fmt.Errorf("requestFileWrite(%s): %w", file, err)
	}

	s.st.Transfers[s.uuid] = &state.Transfer{Path: nPath, File: fd, OpenMode: mode}
	flog.Debugf("requestFileWrite(%s) mode=%s uuid=%s alreadyHave=%d", nPath, mode, s.uuid, have)
	return xfer.WriteHandle{UUID: s.uuid, AlreadyHave: have}, nil
}

func openForWrite(nPath string, mode protocol.OpenMode) (tnet.FileIO, error) {
	if nPath == tnet.DevNull {
		return tnet.NullFile(), nil
	}
	if err := os.MkdirAll(filepath.Dir(nPath), 0o755); err != nil {
		return nil, fmt.Errorf("create directories for %s: %w", nPath, err)
	}
	// SkipExisting resolves here: open as if resuming, and the returned
	// file position makes the source skip everything already present.
	m := mode
	if m == protocol.OpenSkipExisting {
		m = protocol.OpenResume
	}
	flags, err := m.OSFlags()
	if err != nil {
		return nil, err
	}
	fd, err := os.OpenFile(nPath, flags, 0o644)
	if err != nil {
		if mode == protocol.OpenNew && errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", xfer.ErrFileExists, nPath)
		}
		return nil, fmt.Errorf("open %s: %w", nPath, err)
	}
	return fd, nil
}

func (s *ETD) RequestFileRead(file string, alreadyHave int64) (xfer.ReadHandle, error) {
	nPath := normalizePath(file)

	s.st.Mu.Lock()
	defer s.st.Mu.Unlock()

	if _, busy := s.st.Transfers[s.uuid]; busy {
		return xfer.ReadHandle{}, fmt.Errorf("%w: requestFileRead: this server is already busy", xfer.ErrConflict)
	}
	// Multiple readers are fine; a writer on the same path is not.
	if s.st.ReaderConflict(nPath) {
		return xfer.ReadHandle{}, fmt.Errorf("%w: requestFileRead(%s) - the path is already in use", xfer.ErrConflict, file)
	}

	var (
		fd  tnet.FileIO
		err error
	)
	if tnet.IsDevZero(nPath) {
		fd, err = tnet.OpenDevZero(nPath)
	} else {
		fd, err = os.OpenFile(nPath, os.O_RDONLY, 0)
	}
	if err != nil {
		return xfer.ReadHandle{}, fmt.Errorf("requestFileRead(%s): %w", file, err)
	}
	size, err := fd.Seek(0, io.SeekEnd)
	if err != nil {
		fd.Close()
		return xfer.ReadHandle{}, fmt.Errorf("requestFileRead(%s): %w", file, err)
	}
	if _, err = fd.Seek(alreadyHave, io.SeekStart); err != nil {
		fd.Close()
		return xfer.ReadHandle{}, fmt.Errorf("cannot seek to position %d in file %s: %w", alreadyHave, file, err)
	}

	s.st.Transfers[s.uuid] = &state.Transfer{Path: nPath, File: fd, OpenMode: protocol.OpenRead}
	flog.Debugf("requestFileRead(%s) uuid=%s remain=%d", nPath, s.uuid, size-alreadyHave)
	return xfer.ReadHandle{UUID: s.uuid, Remain: size - alreadyHave}, nil
}

func (s *ETD) DataChannelAddr() ([]tnet.Sockname, error) {
	s.st.Mu.Lock()
	defer s.st.Mu.Unlock()
	out := make([]tnet.Sockname, len(s.st.DataAddrs))
	copy(out, s.st.DataAddrs)
	return out, nil
}

// negotiate merges our tuning with the peer's announced endpoint
// parameters: minimum where both sides set a value, the set side where
// only one does. An MSS nobody set stays untouched; a bandwidth nobody
// capped is unlimited.
func negotiate(ourMSS int, ourBW int64, peer tnet.Sockname) (int, int64) {
	var mss int
	switch {
	case ourMSS > 0 && peer.MSS > 0:
		mss = min(ourMSS, peer.MSS)
	case ourMSS > 0:
		mss = ourMSS
	case peer.MSS > 0:
		mss = peer.MSS
	}
	var bw int64 = -1
	switch {
	case ourBW > 0 && peer.MaxBW > 0:
		bw = min(ourBW, peer.MaxBW)
	case ourBW > 0:
		bw = ourBW
	case peer.MaxBW > 0:
		bw = peer.MaxBW
	}
	return mss, bw
}

// dialData connects to the first reachable peer data endpoint, with the
// negotiated per-connection tuning.
func (s *ETD) dialData(addrs []tnet.Sockname, cancelled func() bool) (tnet.Conn, error) {
	var tried []string
	for _, addr := range addrs {
		if cancelled() {
			return nil, xfer.ErrCancelled
		}
		mss, bw := negotiate(s.st.MSS, s.st.MaxBW, addr)
		flog.Debugf("data connect %s: mss=%d max-bw=%d", addr, mss, bw)
		conn, err := tnet.Dial(addr, tnet.Options{
			BufSize:   s.st.BufSize,
			MSS:       mss,
			MaxBW:     bw,
			Cancelled: cancelled,
		})
		if err == nil {
			return conn, nil
		}
		tried = append(tried, fmt.Sprintf("%s: %v", addr, err))
	}
	return nil, fmt.Errorf("failed to connect to any of the data servers: %s", strings.Join(tried, ", "))
}

func (s *ETD) SendFile(srcUUID, dstUUID string, todo int64, dstAddrs []tnet.Sockname) (protocol.Result, error) {
	if srcUUID != s.uuid {
		return protocol.Result{}, fmt.Errorf("cannot send using someone else's UUID")
	}
	t, err := s.st.LockTransfer(srcUUID)
	if err != nil {
		if errors.Is(err, xfer.ErrCancelled) {
			return protocol.Result{Reason: "Cancelled"}, nil
		}
		return protocol.Result{}, err
	}
	defer t.XferLock.Unlock()

	if t.OpenMode != protocol.OpenRead {
		return protocol.Result{}, fmt.Errorf("this server was initialized, but not for reading a file")
	}

	cancelled := func() bool { return s.st.Cancelled.Load() || t.Cancelled.Load() }

	conn, err := s.dialData(dstAddrs, cancelled)
	if err != nil {
		if errors.Is(err, xfer.ErrCancelled) {
			return protocol.Result{Reason: "Cancelled"}, nil
		}
		return protocol.Result{}, err
	}
	t.SetData(conn)
	defer func() {
		t.ClearData()
		conn.Close()
	}()

	flog.Infof("sendFile[%s] start sending to %s", t.Path, conn.RemoteSockname())

	var (
		sent     int64
		reason   string
		remoteOK = true
		nTodo    = todo
	)
	start := time.Now()
	if _, err := io.WriteString(conn, protocol.FormatDataHeader(dstUUID, false, todo)); err != nil {
		return protocol.Result{Reason: err.Error()}, nil
	}

	buf := make([]byte, s.st.BufSize)
	for todo > 0 && !cancelled() {
		n := int64(len(buf))
		if todo < n {
			n = todo
		}
		nRead, rerr := t.File.Read(buf[:n])
		if nRead > 0 {
			if _, werr := conn.Write(buf[:nRead]); werr != nil {
				reason, remoteOK = werr.Error(), false
				break
			}
			sent += int64(nRead)
			todo -= int64(nRead)
		}
		if rerr != nil {
			if rerr != io.EOF {
				reason = rerr.Error()
			} else if todo > 0 {
				reason = "read() returned 0 - hung up"
			}
			break
		}
	}

	// The destination ACKs once it has flushed the last byte; without
	// the ACK the transfer does not count as finished.
	ackOK := false
	if remoteOK && !cancelled() {
		var ack [1]byte
		if _, err := io.ReadFull(conn, ack[:]); err == nil {
			ackOK = true
		} else if reason == "" {
			reason = fmt.Sprintf("no ACK from destination: %v", err)
		}
	}

	if cancelled() {
		return protocol.Result{Bytes: sent, Reason: "Cancelled"}, nil
	}
	res := protocol.Result{
		Finished: todo == 0 && ackOK,
		Bytes:    nTodo - todo,
		Reason:   reason,
		Duration: time.Since(start),
	}
	flog.Infof("sendFile[%s]: finished=%v %s %d bytes in %v", t.Path, res.Finished, res.Reason, res.Bytes, res.Duration)
	return res, nil
}

func (s *ETD) GetFile(srcUUID, dstUUID string, todo int64, srcAddrs []tnet.Sockname) (protocol.Result, error) {
	if dstUUID != s.uuid {
		return protocol.Result{}, fmt.Errorf("cannot receive using someone else's UUID")
	}
	t, err := s.st.LockTransfer(dstUUID)
	if err != nil {
		if errors.Is(err, xfer.ErrCancelled) {
			return protocol.Result{Reason: "Cancelled"}, nil
		}
		return protocol.Result{}, err
	}
	defer t.XferLock.Unlock()

	switch t.OpenMode {
	case protocol.OpenNew, protocol.OpenOverWrite, protocol.OpenResume:
	default:
		return protocol.Result{}, fmt.Errorf("this server was initialized, but not for writing a file")
	}

	cancelled := func() bool { return s.st.Cancelled.Load() || t.Cancelled.Load() }

	conn, err := s.dialData(srcAddrs, cancelled)
	if err != nil {
		if errors.Is(err, xfer.ErrCancelled) {
			return protocol.Result{Reason: "Cancelled"}, nil
		}
		return protocol.Result{}, err
	}
	t.SetData(conn)
	defer func() {
		t.ClearData()
		conn.Close()
	}()

	flog.Infof("getFile[%s] start receiving from %s", t.Path, conn.RemoteSockname())

	var (
		reason string
		nTodo  = todo
	)
	start := time.Now()
	if _, err := io.WriteString(conn, protocol.FormatDataHeader(srcUUID, true, todo)); err != nil {
		return protocol.Result{Reason: err.Error()}, nil
	}

	buf := make([]byte, s.st.BufSize)
	for todo > 0 && !cancelled() {
		n := int64(len(buf))
		if todo < n {
			n = todo
		}
		nRead, rerr := conn.Read(buf[:n])
		if nRead > 0 {
			if _, werr := t.File.Write(buf[:nRead]); werr != nil {
				reason = werr.Error()
				break
			}
			todo -= int64(nRead)
		}
		if rerr != nil {
			if rerr != io.EOF {
				reason = rerr.Error()
			} else if todo > 0 {
				reason = "read() returned 0 - hung up"
			}
			break
		}
	}

	finished := false
	if todo == 0 && !cancelled() {
		// All bytes are on disk; tell the source so.
		if _, err := conn.Write([]byte{'y'}); err == nil {
			finished = true
			// Wait for the source to hang up so the ACK is not lost in
			// the close; bounded because not every transport propagates
			// the remote close.
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			var drain [1]byte
			conn.Read(drain[:])
		} else if reason == "" {
			reason = fmt.Sprintf("failed to send ACK: %v", err)
		}
	}

	if cancelled() {
		return protocol.Result{Bytes: nTodo - todo, Reason: "Cancelled"}, nil
	}
	res := protocol.Result{
		Finished: finished,
		Bytes:    nTodo - todo,
		Reason:   reason,
		Duration: time.Since(start),
	}
	flog.Infof("getFile[%s]: finished=%v %s %d bytes in %v", t.Path, res.Finished, res.Reason, res.Bytes, res.Duration)
	return res, nil
}

func (s *ETD) RemoveUUID(id string) (bool, error) {
	if id != s.uuid {
		return false, fmt.Errorf("cannot remove someone else's UUID")
	}
	return s.st.Remove(id), nil
}

func (s *ETD) Cancel(id string) error {
	if id != s.uuid {
		return fmt.Errorf("cannot cancel someone else's UUID")
	}
	s.st.CancelTransfer(id)
	return nil
}

func (s *ETD) ProtocolVersion() (int, error) { return protocol.Version, nil }

// Close tears down whatever transfer the session still has outstanding.
func (s *ETD) Close() error {
	s.st.Remove(s.uuid)
	return nil
}
