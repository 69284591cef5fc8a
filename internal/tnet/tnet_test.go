package tnet

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestListenAcceptDialTCP(t *testing.T) {
	ln, err := Listen(Sockname{Proto: ProtoTCP, Host: "127.0.0.1", Port: 0}, Options{})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	sn := ln.Sockname()
	if sn.Proto != ProtoTCP || sn.Port == 0 {
		t.Fatalf("listener sockname not resolved: %+v", sn)
	}

	type accepted struct {
		conn Conn
		err  error
	}
	acc := make(chan accepted, 1)
	go func() {
		c, err := ln.Accept()
		acc <- accepted{c, err}
	}()

	client, err := Dial(sn, Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	a := <-acc
	if a.err != nil {
		t.Fatalf("accept: %v", a.err)
	}
	defer a.conn.Close()

	if a.conn.RemoteSockname().Proto != ProtoTCP {
		t.Fatalf("accepted conn lost its protocol: %+v", a.conn.RemoteSockname())
	}

	msg := []byte("across the wire")
	if _, err := client.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(a.conn, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("payload mismatch: %q", got)
	}
}

func TestDialEmptyHostFails(t *testing.T) {
	_, err := Dial(Sockname{Proto: ProtoTCP, Port: 4004}, Options{})
	if !errors.Is(err, ErrResolution) {
		t.Fatalf("expected resolution error, got %v", err)
	}
}

func TestDialObservesCancellation(t *testing.T) {
	_, err := Dial(
		Sockname{Proto: ProtoUDT, Host: "127.0.0.1", Port: 1},
		Options{Cancelled: func() bool { return true }})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
}

func TestDialUnsupportedProto(t *testing.T) {
	if _, err := Dial(Sockname{Proto: "ftp", Host: "h", Port: 21}, Options{}); err == nil {
		t.Fatal("expected error for unsupported protocol")
	}
	if _, err := Listen(Sockname{Proto: "ftp"}, Options{}); err == nil {
		t.Fatal("expected error for unsupported protocol")
	}
}
