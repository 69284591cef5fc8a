package server

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"etran/internal/flog"
	"etran/internal/protocol"
	"etran/internal/state"
	"etran/internal/tnet"
)

// The destination-side copy buffer. Deliberately large; it does not need
// to match the initiator's configured buffer.
const dataBufSize = 8 * 1024 * 1024

var dataBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, dataBufSize)
		return &b
	},
}

// ServeData runs on the daemon side of an accepted data connection: read
// the brace-delimited header, lock the referenced transfer, run the push
// or pull loop.
func ServeData(st *state.State, conn tnet.Conn) {
	defer conn.Close()

	deregister := st.OnCancel(func() { conn.Close() })
	defer deregister()

	if err := serveData(st, conn); err != nil && !st.Cancelled.Load() {
		flog.Warnf("data session %s: %v", conn.RemoteSockname(), err)
	}
}

func serveData(st *state.State, conn tnet.Conn) error {
	kv, payload, err := readHeader(conn)
	if err != nil {
		return err
	}

	id, ok := kv["uuid"]
	if !ok {
		return fmt.Errorf("%w: data header misses uuid", protocol.ErrProtocol)
	}
	szStr, ok := kv["sz"]
	if !ok {
		return fmt.Errorf("%w: data header misses sz", protocol.ErrProtocol)
	}
	sz, err := strconv.ParseInt(szStr, 10, 64)
	if err != nil || sz < 0 {
		return fmt.Errorf("%w: bad sz %q in data header", protocol.ErrProtocol, szStr)
	}
	push := false
	if v, ok := kv["push"]; ok {
		if v != "1" {
			return fmt.Errorf("%w: push keyword may only take one specific value", protocol.ErrProtocol)
		}
		push = true
	}

	t, err := st.LockTransfer(id)
	if err != nil {
		return err
	}
	defer t.XferLock.Unlock()

	if push {
		if t.OpenMode != protocol.OpenRead {
			return fmt.Errorf("transfer %s is not open for reading", id)
		}
	} else {
		switch t.OpenMode {
		case protocol.OpenNew, protocol.OpenOverWrite, protocol.OpenResume:
		default:
			return fmt.Errorf("transfer %s is not open for writing", id)
		}
	}

	t.SetData(conn)
	defer t.ClearData()

	dir := "PULL"
	if push {
		dir = "PUSH"
	}
	flog.Infof("data %s %s %d bytes with %s", dir, t.Path, sz, conn.RemoteSockname())

	cancelled := func() bool { return st.Cancelled.Load() || t.Cancelled.Load() }
	if push {
		return pushLoop(t, conn, sz, cancelled)
	}
	return pullLoop(t, conn, sz, payload, cancelled)
}

// readHeader collects bytes until the header's closing brace shows up and
// returns the parsed pairs plus whatever payload followed it in the same
// reads.
func readHeader(conn tnet.Conn) (map[string]string, []byte, error) {
	buf := make([]byte, 0, protocol.MaxHeaderSize)
	rd := make([]byte, protocol.MaxHeaderSize)
	for {
		n, err := conn.Read(rd)
		if n > 0 {
			buf = append(buf, rd[:n]...)
			kv, consumed, perr := protocol.ParseDataHeader(buf)
			if perr == nil {
				return kv, buf[consumed:], nil
			}
			if !errors.Is(perr, protocol.ErrHeaderIncomplete) {
				return nil, nil, perr
			}
			if len(buf) >= protocol.MaxHeaderSize {
				return nil, nil, fmt.Errorf("%w: no closing brace in first %d bytes", protocol.ErrProtocol, len(buf))
			}
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reading data header: %w", err)
		}
	}
}

// pullLoop sinks sz bytes from the connection into the transfer's file.
// Payload that arrived in the same reads as the header is flushed first.
// The one-byte ACK goes out after the last byte hit the file.
func pullLoop(t *state.Transfer, conn tnet.Conn, sz int64, payload []byte, cancelled func() bool) error {
	todo := sz
	if int64(len(payload)) > todo {
		payload = payload[:todo]
	}
	if len(payload) > 0 {
		if _, err := t.File.Write(payload); err != nil {
			return fmt.Errorf("write %s: %w", t.Path, err)
		}
		todo -= int64(len(payload))
	}

	bufp := dataBufPool.Get().(*[]byte)
	defer dataBufPool.Put(bufp)
	buf := *bufp

	for todo > 0 && !cancelled() {
		n := int64(len(buf))
		if todo < n {
			n = todo
		}
		nRead, err := conn.Read(buf[:n])
		if nRead > 0 {
			if _, werr := t.File.Write(buf[:nRead]); werr != nil {
				return fmt.Errorf("write %s: %w", t.Path, werr)
			}
			todo -= int64(nRead)
		}
		if err != nil {
			if err == io.EOF && todo == 0 {
				break
			}
			return fmt.Errorf("data channel read (%d bytes left): %w", todo, err)
		}
	}
	if cancelled() {
		return nil
	}
	if _, err := conn.Write([]byte{'y'}); err != nil {
		return fmt.Errorf("sending ACK: %w", err)
	}
	// Let the initiator see the ACK and hang up first; closing right
	// away can drop it on transports that discard unflushed data. Not
	// every transport propagates the remote close, hence the bound.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var drain [1]byte
	conn.Read(drain[:])
	return nil
}

// pushLoop streams sz bytes from the transfer's file into the connection,
// then waits for the destination's ACK.
func pushLoop(t *state.Transfer, conn tnet.Conn, sz int64, cancelled func() bool) error {
	bufp := dataBufPool.Get().(*[]byte)
	defer dataBufPool.Put(bufp)
	buf := *bufp

	todo := sz
	for todo > 0 && !cancelled() {
		n := int64(len(buf))
		if todo < n {
			n = todo
		}
		nRead, err := t.File.Read(buf[:n])
		if nRead > 0 {
			if _, werr := conn.Write(buf[:nRead]); werr != nil {
				return fmt.Errorf("data channel write: %w", werr)
			}
			todo -= int64(nRead)
		}
		if err != nil {
			if err == io.EOF && todo == 0 {
				break
			}
			return fmt.Errorf("read %s (%d bytes left): %w", t.Path, todo, err)
		}
	}
	if cancelled() {
		return nil
	}
	var ack [1]byte
	if _, err := io.ReadFull(conn, ack[:]); err != nil {
		return fmt.Errorf("waiting for ACK: %w", err)
	}
	return nil
}
