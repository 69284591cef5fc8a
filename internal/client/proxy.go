// Package client implements the remote side of the transfer API: every
// call is serialized as a single text line on the control connection and
// the line-oriented reply parsed back.
package client

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"etran/internal/flog"
	"etran/internal/protocol"
	"etran/internal/tnet"
	"etran/internal/xfer"
)

// Proxy speaks the control protocol to a remote daemon. It satisfies
// xfer.Server so callers cannot tell it from the in-process server.
type Proxy struct {
	conn tnet.Conn
	rd   *bufio.Reader

	// Peer protocol version, learned on first use and cached.
	version int
}

func New(conn tnet.Conn) *Proxy {
	return &Proxy{conn: conn, rd: bufio.NewReader(conn), version: protocol.VersionUnknown}
}

func (p *Proxy) send(line string) error {
	flog.Debugf("proxy -> %q", line)
	if _, err := p.conn.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("control write: %w", err)
	}
	return nil
}

func (p *Proxy) readLine() (string, error) {
	line, err := p.rd.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("control read: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	flog.Debugf("proxy <- %q", line)
	return line, nil
}

// readStatus splits a terminal reply line into its OK/ERR keyword and the
// free-form remainder.
func readStatus(line string) (status, detail string) {
	status = line
	if i := strings.IndexByte(line, ' '); i >= 0 {
		status, detail = line[:i], line[i+1:]
	}
	return status, detail
}

// collectOK reads "OK <item>" lines until the bare terminal "OK" (or an
// "ERR <reason>").
func (p *Proxy) collectOK(op string) ([]string, error) {
	var items []string
	for {
		line, err := p.readLine()
		if err != nil {
			return nil, err
		}
		status, detail := readStatus(line)
		switch {
		case status == "OK" && detail == "":
			return items, nil
		case status == "OK":
			items = append(items, detail)
		case status == "ERR":
			return nil, fmt.Errorf("%s failed - %s", op, detail)
		default:
			return nil, fmt.Errorf("%w: unexpected reply %q to %s", protocol.ErrProtocol, line, op)
		}
	}
}

func (p *Proxy) ListPath(path string, _ bool) ([]string, error) {
	if err := p.send("list " + path); err != nil {
		return nil, err
	}
	return p.collectOK("listPath(" + path + ")")
}

var (
	rxUUID        = regexp.MustCompile(`^UUID:(\S+)$`)
	rxAlreadyHave = regexp.MustCompile(`^AlreadyHave:([0-9]+)$`)
	rxRemain      = regexp.MustCompile(`^Remain:(-?[0-9]+)$`)
)

func (p *Proxy) RequestFileWrite(path string, mode protocol.OpenMode) (xfer.WriteHandle, error) {
	if err := p.send(fmt.Sprintf("write-file-%s %s", mode, path)); err != nil {
		return xfer.WriteHandle{}, err
	}
	var (
		h        xfer.WriteHandle
		haveSeen bool
		uuidSeen bool
	)
	for {
		line, err := p.readLine()
		if err != nil {
			return xfer.WriteHandle{}, err
		}
		if m := rxAlreadyHave.FindStringSubmatch(line); m != nil {
			h.AlreadyHave, _ = strconv.ParseInt(m[1], 10, 64)
			haveSeen = true
			continue
		}
		if m := rxUUID.FindStringSubmatch(line); m != nil {
			h.UUID, uuidSeen = m[1], true
			continue
		}
		status, detail := readStatus(line)
		if status == "ERR" {
			// Losing the create race to another writer is a kind the
			// caller must be able to react to.
			if strings.Contains(detail, "File exists") {
				return xfer.WriteHandle{}, fmt.Errorf("requestFileWrite(%s): %w", path, xfer.ErrFileExists)
			}
			return xfer.WriteHandle{}, fmt.Errorf("requestFileWrite(%s) failed - %s", path, detail)
		}
		if status != "OK" {
			return xfer.WriteHandle{}, fmt.Errorf("%w: unexpected reply %q to write-file", protocol.ErrProtocol, line)
		}
		if !haveSeen || !uuidSeen {
			return xfer.WriteHandle{}, fmt.Errorf("%w: write-file reply misses UUID or AlreadyHave", protocol.ErrProtocol)
		}
		return h, nil
	}
}

func (p *Proxy) RequestFileRead(path string, alreadyHave int64) (xfer.ReadHandle, error) {
	if err := p.send(fmt.Sprintf("read-file %d %s", alreadyHave, path)); err != nil {
		return xfer.ReadHandle{}, err
	}
	var (
		h          xfer.ReadHandle
		remainSeen bool
		uuidSeen   bool
	)
	for {
		line, err := p.readLine()
		if err != nil {
			return xfer.ReadHandle{}, err
		}
		if m := rxRemain.FindStringSubmatch(line); m != nil {
			h.Remain, _ = strconv.ParseInt(m[1], 10, 64)
			remainSeen = true
			continue
		}
		if m := rxUUID.FindStringSubmatch(line); m != nil {
			h.UUID, uuidSeen = m[1], true
			continue
		}
		status, detail := readStatus(line)
		if status == "ERR" {
			return xfer.ReadHandle{}, fmt.Errorf("requestFileRead(%s) failed - %s", path, detail)
		}
		if status != "OK" {
			return xfer.ReadHandle{}, fmt.Errorf("%w: unexpected reply %q to read-file", protocol.ErrProtocol, line)
		}
		if !remainSeen || !uuidSeen {
			return xfer.ReadHandle{}, fmt.Errorf("%w: read-file reply misses UUID or Remain", protocol.ErrProtocol)
		}
		return h, nil
	}
}

// peerVersion resolves (and caches) the remote protocol version. Peers
// predating protocol-version are treated as version 0.
func (p *Proxy) peerVersion() int {
	if p.version == protocol.VersionUnknown {
		v, err := p.ProtocolVersion()
		if err != nil {
			flog.Debugf("protocol-version probe failed, assuming 0: %v", err)
			v = 0
		}
		p.version = v
	}
	return p.version
}

func (p *Proxy) DataChannelAddr() ([]tnet.Sockname, error) {
	cmd := "data-channel-addr"
	if p.peerVersion() >= 1 {
		cmd = "data-channel-addr-ext"
	}
	if err := p.send(cmd); err != nil {
		return nil, err
	}
	items, err := p.collectOK(cmd)
	if err != nil {
		return nil, err
	}
	addrs := make([]tnet.Sockname, 0, len(items))
	for _, it := range items {
		sn, err := tnet.ParseSockname(it)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrProtocol, err)
		}
		addrs = append(addrs, sn)
	}
	return addrs, nil
}

func (p *Proxy) SendFile(srcUUID, dstUUID string, todo int64, dstAddrs []tnet.Sockname) (protocol.Result, error) {
	// Encode the endpoints the way the peer can parse them.
	version := 0
	if p.peerVersion() >= 1 {
		version = 1
	}
	enc, err := tnet.EncodeList(dstAddrs, version)
	if err != nil {
		return protocol.Result{}, err
	}
	if err := p.send(fmt.Sprintf("send-file %s %s %d %s", srcUUID, dstUUID, todo, enc)); err != nil {
		return protocol.Result{}, err
	}
	line, err := p.readLine()
	if err != nil {
		return protocol.Result{}, err
	}
	return protocol.ParseResult(line)
}

func (p *Proxy) GetFile(srcUUID, dstUUID string, todo int64, srcAddrs []tnet.Sockname) (protocol.Result, error) {
	return protocol.Result{}, fmt.Errorf("getFile is initiated by the destination daemon, not over a proxy")
}

func (p *Proxy) RemoveUUID(id string) (bool, error) {
	if err := p.send("remove-uuid " + id); err != nil {
		return false, err
	}
	line, err := p.readLine()
	if err != nil {
		return false, err
	}
	status, detail := readStatus(line)
	switch {
	case status == "OK":
		return true, nil
	case status == "ERR" && strings.Contains(detail, "Failed to remove UUID"):
		return false, nil
	case status == "ERR":
		return false, fmt.Errorf("removeUUID failed: %s", detail)
	}
	return false, fmt.Errorf("%w: unexpected reply %q to remove-uuid", protocol.ErrProtocol, line)
}

func (p *Proxy) Cancel(id string) error {
	// A version-0 peer has no cancel command; removeUUID gets close
	// enough by yanking the transfer's descriptors.
	if p.peerVersion() < 1 {
		_, err := p.RemoveUUID(id)
		return err
	}
	return p.send("cancel " + id)
}

func (p *Proxy) ProtocolVersion() (int, error) {
	if p.version != protocol.VersionUnknown {
		return p.version, nil
	}
	if err := p.send("protocol-version"); err != nil {
		return 0, err
	}
	line, err := p.readLine()
	if err != nil {
		return 0, err
	}
	status, detail := readStatus(line)
	if status != "OK" {
		return 0, fmt.Errorf("protocolVersion failed: %s", detail)
	}
	v, err := strconv.Atoi(detail)
	if err != nil {
		return 0, fmt.Errorf("%w: bad protocol version %q", protocol.ErrProtocol, detail)
	}
	p.version = v
	return v, nil
}

func (p *Proxy) Close() error { return p.conn.Close() }
