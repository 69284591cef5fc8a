// Package protocol holds the line-oriented control grammar and the
// data-channel framing shared by daemons and clients.
package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"etran/internal/tnet"
)

// Version is the protocol version this implementation speaks.
// VersionUnknown marks a peer whose version has not been queried yet.
const (
	Version        = 1
	VersionUnknown = -1
)

// ErrProtocol marks malformed commands, unknown keywords and broken
// framing. A connection that produced one is terminated.
var ErrProtocol = errors.New("protocol error")

type CommandKind int

const (
	CmdList CommandKind = iota
	CmdWriteFile
	CmdReadFile
	CmdDataChannelAddr
	CmdSendFile
	CmdRemoveUUID
	CmdCancel
	CmdProtocolVersion
)

// Command is one parsed control line. Only the fields relevant to Kind
// are populated.
type Command struct {
	Kind        CommandKind
	Path        string
	Mode        OpenMode
	AlreadyHave int64
	SrcUUID     string
	DstUUID     string
	UUID        string
	Todo        int64
	Addrs       []tnet.Sockname
	Ext         bool
}

var (
	rxList        = regexp.MustCompile(`^list\s+(\S.*)$`)
	rxWriteFile   = regexp.MustCompile(`^write-file-(\S+)\s+(\S.*)$`)
	rxReadFile    = regexp.MustCompile(`^read-file\s+([0-9]+)\s+(\S.*)$`)
	rxSendFile    = regexp.MustCompile(`^send-file\s+(\S+)\s+(\S+)\s+([0-9]+)\s+(\S+)$`)
	rxDataChannel = regexp.MustCompile(`^data-channel-addr(-ext)?$`)
	rxRemoveUUID  = regexp.MustCompile(`^(remove-uuid|cancel)\s+(\S+)$`)
	rxVersion     = regexp.MustCompile(`^protocol-version$`)
)

// ParseCommand parses one control line (without its terminator).
func ParseCommand(line string) (Command, error) {
	if m := rxList.FindStringSubmatch(line); m != nil {
		return Command{Kind: CmdList, Path: m[1]}, nil
	}
	if m := rxWriteFile.FindStringSubmatch(line); m != nil {
		mode, err := ParseOpenMode(m[1])
		if err != nil {
			return Command{}, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return Command{Kind: CmdWriteFile, Mode: mode, Path: m[2]}, nil
	}
	if m := rxReadFile.FindStringSubmatch(line); m != nil {
		have, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return Command{}, fmt.Errorf("%w: bad offset %q", ErrProtocol, m[1])
		}
		return Command{Kind: CmdReadFile, AlreadyHave: have, Path: m[2]}, nil
	}
	if m := rxSendFile.FindStringSubmatch(line); m != nil {
		todo, err := strconv.ParseInt(m[3], 10, 64)
		if err != nil {
			return Command{}, fmt.Errorf("%w: bad byte count %q", ErrProtocol, m[3])
		}
		addrs, err := tnet.ParseList(m[4])
		if err != nil {
			return Command{}, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return Command{Kind: CmdSendFile, SrcUUID: m[1], DstUUID: m[2], Todo: todo, Addrs: addrs}, nil
	}
	if m := rxDataChannel.FindStringSubmatch(line); m != nil {
		return Command{Kind: CmdDataChannelAddr, Ext: m[1] != ""}, nil
	}
	if m := rxRemoveUUID.FindStringSubmatch(line); m != nil {
		kind := CmdRemoveUUID
		if m[1] == "cancel" {
			kind = CmdCancel
		}
		return Command{Kind: kind, UUID: m[2]}, nil
	}
	if rxVersion.MatchString(line) {
		return Command{Kind: CmdProtocolVersion}, nil
	}
	return Command{}, fmt.Errorf("%w: unknown command %q", ErrProtocol, line)
}
