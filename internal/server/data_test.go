package server

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"etran/internal/protocol"
	"etran/internal/state"
	"etran/internal/tnet"
)

// dataPipe hands the daemon side of a synthetic data connection to
// ServeData and returns the initiator side.
func dataPipe(t *testing.T, st *state.State) net.Conn {
	t.Helper()
	mine, theirs := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		ServeData(st, tnet.Wrap(theirs, tnet.ProtoTCP))
	}()
	t.Cleanup(func() {
		mine.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("data session did not terminate")
		}
	})
	return mine
}

func TestServeDataPull(t *testing.T) {
	st := state.New()
	path := filepath.Join(t.TempDir(), "x")
	fd, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	st.Transfers["u-dst"] = &state.Transfer{Path: path, File: fd, OpenMode: protocol.OpenNew}

	conn := dataPipe(t, st)
	payload := []byte("0123456789abcdef")

	// Header and the first payload bytes arrive in one write, the rest
	// in a second one.
	hdr := protocol.FormatDataHeader("u-dst", false, int64(len(payload)))
	if _, err := conn.Write(append([]byte(hdr), payload[:10]...)); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(payload[10:]); err != nil {
		t.Fatal(err)
	}

	ack := make([]byte, 1)
	if _, err := io.ReadFull(conn, ack); err != nil || ack[0] != 'y' {
		t.Fatalf("ACK: %q, %v", ack, err)
	}
	conn.Close()

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("file mismatch: %q", got)
	}
}

func TestServeDataPush(t *testing.T) {
	st := state.New()
	path := filepath.Join(t.TempDir(), "x")
	content := []byte("the quick brown fox")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	fd, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	st.Transfers["u-src"] = &state.Transfer{Path: path, File: fd, OpenMode: protocol.OpenRead}

	conn := dataPipe(t, st)
	hdr := protocol.FormatDataHeader("u-src", true, int64(len(content)))
	if _, err := conn.Write([]byte(hdr)); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(content))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("reading pushed bytes: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("payload mismatch: %q", got)
	}
	if _, err := conn.Write([]byte{'y'}); err != nil {
		t.Fatal(err)
	}
}

func TestServeDataRejectsBadPushValue(t *testing.T) {
	st := state.New()
	st.Transfers["u"] = &state.Transfer{Path: "/x", File: tnet.NullFile(), OpenMode: protocol.OpenRead}

	conn := dataPipe(t, st)
	if _, err := conn.Write([]byte("{ uuid:u, push:2, sz:1}")); err != nil {
		t.Fatal(err)
	}
	// The connection is terminated without any payload exchange.
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected the session to be torn down")
	}
}

func TestServeDataModeMismatch(t *testing.T) {
	st := state.New()
	st.Transfers["u"] = &state.Transfer{Path: "/x", File: tnet.NullFile(), OpenMode: protocol.OpenNew}

	conn := dataPipe(t, st)
	// push against a write-mode transfer is refused.
	if _, err := conn.Write([]byte("{ uuid:u, push:1, sz:1}")); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected the session to be torn down")
	}
}
