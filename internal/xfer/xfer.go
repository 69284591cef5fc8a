// Package xfer defines the transfer API spoken by both the in-process
// server and the remote proxy, so a client can treat a local path and a
// remote daemon uniformly.
package xfer

import (
	"errors"

	"etran/internal/protocol"
	"etran/internal/tnet"
)

// WriteHandle is the outcome of RequestFileWrite: the UUID naming the
// prepared sink and how many bytes the destination already has.
type WriteHandle struct {
	UUID        string
	AlreadyHave int64
}

// ReadHandle is the outcome of RequestFileRead: the UUID naming the
// prepared source and how many bytes remain past the requested offset.
type ReadHandle struct {
	UUID   string
	Remain int64
}

// Server is the transfer API. One instance serves one control session;
// its UUID names the single transfer it may have outstanding.
type Server interface {
	ListPath(path string, allowTilde bool) ([]string, error)
	RequestFileWrite(path string, mode protocol.OpenMode) (WriteHandle, error)
	RequestFileRead(path string, alreadyHave int64) (ReadHandle, error)
	DataChannelAddr() ([]tnet.Sockname, error)
	SendFile(srcUUID, dstUUID string, todo int64, dstAddrs []tnet.Sockname) (protocol.Result, error)
	GetFile(srcUUID, dstUUID string, todo int64, srcAddrs []tnet.Sockname) (protocol.Result, error)
	RemoveUUID(uuid string) (bool, error)
	Cancel(uuid string) error
	ProtocolVersion() (int, error)
	Close() error
}

var (
	// ErrFileExists is the distinguished failure of a mode-New open. Its
	// text is the exact wire literal so the control wrapper and proxy can
	// round-trip it.
	ErrFileExists = errors.New("File exists")

	// ErrConflict covers a path already in use or a server that already
	// has its transfer outstanding.
	ErrConflict = errors.New("transfer conflict")

	// ErrCancelled reports a transfer aborted by cancel() or daemon
	// shutdown.
	ErrCancelled = errors.New("Cancelled")
)
