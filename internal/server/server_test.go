package server

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"etran/internal/protocol"
	"etran/internal/state"
	"etran/internal/tnet"
	"etran/internal/xfer"
)

func TestNormalizePathIdempotent(t *testing.T) {
	for _, p := range []string{
		"/data//x",
		"/data/./x",
		"/data/a/../x",
		"/../x",
		"relative/../y",
		"/",
	} {
		once := normalizePath(p)
		if twice := normalizePath(once); twice != once {
			t.Errorf("normalize not idempotent for %q: %q -> %q", p, once, twice)
		}
	}
	if got := normalizePath("/data//./a/../x"); got != "/data/x" {
		t.Errorf("unexpected normalization: %q", got)
	}
	if got := normalizePath("/../x"); got != "/x" {
		t.Errorf(".. at the root must stay put: %q", got)
	}
}

func TestRequestFileWriteNew(t *testing.T) {
	st := state.New()
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "x")

	s := New(st)
	h, err := s.RequestFileWrite(path, protocol.OpenNew)
	if err != nil {
		t.Fatalf("write request: %v", err)
	}
	if h.UUID != s.UUID() || h.AlreadyHave != 0 {
		t.Fatalf("unexpected handle: %+v", h)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file (and parents) should exist: %v", err)
	}

	// Another session targeting the same path must be refused.
	if _, err := New(st).RequestFileWrite(path, protocol.OpenOverWrite); !errors.Is(err, xfer.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if ok, err := s.RemoveUUID(s.UUID()); !ok || err != nil {
		t.Fatalf("remove: %v %v", ok, err)
	}

	// The path is free again, but the file exists: mode New must now
	// fail with the distinguished kind.
	if _, err := New(st).RequestFileWrite(path, protocol.OpenNew); !errors.Is(err, xfer.ErrFileExists) {
		t.Fatalf("expected FileExists, got %v", err)
	}
}

func TestRequestFileWriteResume(t *testing.T) {
	st := state.New()
	path := filepath.Join(t.TempDir(), "x")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := New(st).RequestFileWrite(path, protocol.OpenResume)
	if err != nil {
		t.Fatalf("resume request: %v", err)
	}
	if h.AlreadyHave != 5 {
		t.Fatalf("expected alreadyHave=5, got %d", h.AlreadyHave)
	}
}

func TestRequestFileWriteSkipExisting(t *testing.T) {
	st := state.New()
	path := filepath.Join(t.TempDir(), "x")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := New(st).RequestFileWrite(path, protocol.OpenSkipExisting)
	if err != nil {
		t.Fatalf("skip-existing request: %v", err)
	}
	if h.AlreadyHave != 5 {
		t.Fatalf("expected the full existing size back, got %d", h.AlreadyHave)
	}

	fresh := filepath.Join(t.TempDir(), "y")
	h, err = New(st).RequestFileWrite(fresh, protocol.OpenSkipExisting)
	if err != nil {
		t.Fatalf("skip-existing on absent file: %v", err)
	}
	if h.AlreadyHave != 0 {
		t.Fatalf("fresh file should report 0, got %d", h.AlreadyHave)
	}
}

func TestRequestFileWriteBusySession(t *testing.T) {
	st := state.New()
	dir := t.TempDir()
	s := New(st)
	if _, err := s.RequestFileWrite(filepath.Join(dir, "a"), protocol.OpenNew); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := s.RequestFileWrite(filepath.Join(dir, "b"), protocol.OpenNew); !errors.Is(err, xfer.ErrConflict) {
		t.Fatalf("expected busy conflict, got %v", err)
	}
}

func TestRequestFileWriteRejectsReadMode(t *testing.T) {
	st := state.New()
	if _, err := New(st).RequestFileWrite(filepath.Join(t.TempDir(), "x"), protocol.OpenRead); err == nil {
		t.Fatal("Read mode must be rejected")
	}
}

func TestRequestFileWriteDevNull(t *testing.T) {
	st := state.New()
	// Unlimited concurrent writers on /dev/null.
	for i := 0; i < 3; i++ {
		if _, err := New(st).RequestFileWrite(tnet.DevNull, protocol.OpenOverWrite); err != nil {
			t.Fatalf("writer %d: %v", i, err)
		}
	}
}

func TestRequestFileRead(t *testing.T) {
	st := state.New()
	path := filepath.Join(t.TempDir(), "x")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}

	s1 := New(st)
	h, err := s1.RequestFileRead(path, 2)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	if h.Remain != 8 {
		t.Fatalf("expected remain=8, got %d", h.Remain)
	}

	// Concurrent readers on the same path are fine.
	if _, err := New(st).RequestFileRead(path, 0); err != nil {
		t.Fatalf("second reader: %v", err)
	}
}

func TestRequestFileReadWriterConflict(t *testing.T) {
	st := state.New()
	path := filepath.Join(t.TempDir(), "x")

	if _, err := New(st).RequestFileWrite(path, protocol.OpenNew); err != nil {
		t.Fatalf("write request: %v", err)
	}
	if _, err := New(st).RequestFileRead(path, 0); !errors.Is(err, xfer.ErrConflict) {
		t.Fatalf("expected conflict against the writer, got %v", err)
	}
}

func TestRequestFileReadDevZero(t *testing.T) {
	st := state.New()
	h, err := New(st).RequestFileRead("/dev/zero:16MiB", 0)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	if h.Remain != 16*1024*1024 {
		t.Fatalf("expected 16MiB, got %d", h.Remain)
	}
}

func TestListPath(t *testing.T) {
	st := state.New()
	dir := t.TempDir()
	for _, name := range []string{"a.dat", "b.dat"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	s := New(st)
	entries, err := s.ListPath(dir+"/", false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %v", entries)
	}
	foundDir := false
	for _, e := range entries {
		if strings.HasSuffix(e, "sub/") {
			foundDir = true
		}
	}
	if !foundDir {
		t.Fatalf("directories must carry a trailing slash: %v", entries)
	}

	// The synthetic endpoint is passed through untouched.
	entries, err = s.ListPath("/dev/zero:1GiB", false)
	if err != nil || len(entries) != 1 || entries[0] != "/dev/zero:1GiB" {
		t.Fatalf("dev-zero listing: %v, %v", entries, err)
	}

	if _, err := s.ListPath("~/x", false); err == nil {
		t.Fatal("tilde without expansion enabled must fail")
	}
}

func TestRemoveAndCancelForeignUUID(t *testing.T) {
	st := state.New()
	s := New(st)
	if _, err := s.RemoveUUID("someone-else"); err == nil {
		t.Fatal("expected refusal to remove a foreign UUID")
	}
	if err := s.Cancel("someone-else"); err == nil {
		t.Fatal("expected refusal to cancel a foreign UUID")
	}
}

func TestSendFileRequiresReadMode(t *testing.T) {
	st := state.New()
	s := New(st)
	if _, err := s.RequestFileWrite(filepath.Join(t.TempDir(), "x"), protocol.OpenNew); err != nil {
		t.Fatalf("write request: %v", err)
	}
	if _, err := s.SendFile(s.UUID(), "dst", 1, nil); err == nil {
		t.Fatal("sendFile on a write transfer must fail")
	}
}

func TestNegotiate(t *testing.T) {
	cases := []struct {
		ourMSS  int
		ourBW   int64
		peer    tnet.Sockname
		wantMSS int
		wantBW  int64
	}{
		// Both MSS set: minimum wins; only the peer caps bandwidth.
		{1500, -1, tnet.Sockname{MSS: 1400, MaxBW: 125000000}, 1400, 125000000},
		// Only one side sets a value: that side wins.
		{0, -1, tnet.Sockname{MSS: 1400}, 1400, -1},
		{1500, 250000000, tnet.Sockname{}, 1500, 250000000},
		// Neither: MSS untouched, bandwidth unlimited.
		{0, -1, tnet.Sockname{MaxBW: -1}, 0, -1},
		// Both caps set: minimum.
		{0, 100, tnet.Sockname{MaxBW: 200}, 0, 100},
	}
	for i, c := range cases {
		mss, bw := negotiate(c.ourMSS, c.ourBW, c.peer)
		if mss != c.wantMSS || bw != c.wantBW {
			t.Errorf("case %d: got (%d,%d), want (%d,%d)", i, mss, bw, c.wantMSS, c.wantBW)
		}
	}
}
