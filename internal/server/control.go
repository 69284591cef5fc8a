package server

import (
	"errors"
	"fmt"
	"io"
	"regexp"

	"etran/internal/flog"
	"etran/internal/protocol"
	"etran/internal/state"
	"etran/internal/tnet"
	"etran/internal/xfer"
)

const controlBufSize = 4096

var rxLine = regexp.MustCompile(`^([^\r\n]+)[\r\n]+`)

// ControlSession runs on the daemon side of an accepted control
// connection. It owns a fresh per-session server instance and dispatches
// one command per parsed line.
type ControlSession struct {
	st   *state.State
	conn tnet.Conn
	etd  *ETD
}

// ServeControl handles one control connection until EOF, a protocol
// error, or daemon shutdown.
func ServeControl(st *state.State, conn tnet.Conn) {
	cs := &ControlSession{st: st, conn: conn, etd: New(st)}
	defer cs.etd.Close()
	defer conn.Close()

	// Shutdown closes the connection, which unblocks the read loop.
	deregister := st.OnCancel(func() { conn.Close() })
	defer deregister()

	flog.Infof("control connection from %s", conn.RemoteSockname())
	if err := cs.run(); err != nil && !st.Cancelled.Load() {
		flog.Warnf("control session %s: %v", conn.RemoteSockname(), err)
	}
}

func (cs *ControlSession) run() error {
	buf := make([]byte, 0, controlBufSize)
	rd := make([]byte, controlBufSize)
	for {
		for {
			// Drop bare terminators, then extract the next full line.
			for len(buf) > 0 && (buf[0] == '\r' || buf[0] == '\n') {
				buf = buf[1:]
			}
			m := rxLine.FindSubmatchIndex(buf)
			if m == nil {
				break
			}
			line := string(buf[m[2]:m[3]])
			buf = buf[m[1]:]
			if err := cs.dispatch(line); err != nil {
				return err
			}
		}
		if len(buf) >= controlBufSize {
			return fmt.Errorf("%w: control line longer than %d bytes", protocol.ErrProtocol, controlBufSize)
		}
		n, err := cs.conn.Read(rd)
		if n > 0 {
			buf = append(buf, rd[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (cs *ControlSession) reply(lines ...string) error {
	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	_, err := io.WriteString(cs.conn, out)
	return err
}

func (cs *ControlSession) replyErr(err error) error {
	// The exact text "File exists" is what lets the peer's proxy turn a
	// lost create race back into the distinguished error kind.
	if errors.Is(err, xfer.ErrFileExists) {
		return cs.reply("ERR File exists")
	}
	return cs.reply("ERR " + err.Error())
}

func (cs *ControlSession) dispatch(line string) error {
	flog.Debugf("control <- %q", line)
	cmd, err := protocol.ParseCommand(line)
	if err != nil {
		// Unknown commands terminate the connection.
		return err
	}

	switch cmd.Kind {
	case protocol.CmdList:
		entries, err := cs.etd.ListPath(cmd.Path, true)
		if err != nil {
			return cs.replyErr(err)
		}
		lines := make([]string, 0, len(entries)+1)
		for _, e := range entries {
			lines = append(lines, "OK "+e)
		}
		lines = append(lines, "OK")
		return cs.reply(lines...)

	case protocol.CmdWriteFile:
		h, err := cs.etd.RequestFileWrite(cmd.Path, cmd.Mode)
		if err != nil {
			return cs.replyErr(err)
		}
		return cs.reply(
			fmt.Sprintf("AlreadyHave:%d", h.AlreadyHave),
			"UUID:"+h.UUID,
			"OK",
		)

	case protocol.CmdReadFile:
		h, err := cs.etd.RequestFileRead(cmd.Path, cmd.AlreadyHave)
		if err != nil {
			return cs.replyErr(err)
		}
		return cs.reply(
			fmt.Sprintf("Remain:%d", h.Remain),
			"UUID:"+h.UUID,
			"OK",
		)

	case protocol.CmdDataChannelAddr:
		addrs, err := cs.etd.DataChannelAddr()
		if err != nil {
			return cs.replyErr(err)
		}
		version := 0
		if cmd.Ext {
			version = 1
		}
		lines := make([]string, 0, len(addrs)+1)
		for _, a := range addrs {
			enc, err := a.Encode(version)
			if err != nil {
				return cs.replyErr(err)
			}
			lines = append(lines, "OK "+enc)
		}
		lines = append(lines, "OK")
		return cs.reply(lines...)

	case protocol.CmdSendFile:
		// Long running; a detached worker keeps the control channel
		// responsive and writes the single reply line when done.
		cs.st.Go(func() {
			res, err := cs.etd.SendFile(cmd.SrcUUID, cmd.DstUUID, cmd.Todo, cmd.Addrs)
			if err != nil {
				res = protocol.Result{Reason: err.Error()}
			}
			if werr := cs.reply(res.Encode()); werr != nil {
				flog.Warnf("send-file reply: %v", werr)
			}
		})
		return nil

	case protocol.CmdRemoveUUID:
		removed, err := cs.etd.RemoveUUID(cmd.UUID)
		if err != nil {
			return cs.replyErr(err)
		}
		if !removed {
			return cs.reply("ERR Failed to remove UUID")
		}
		return cs.reply("OK")

	case protocol.CmdCancel:
		// No reply.
		if err := cs.etd.Cancel(cmd.UUID); err != nil {
			flog.Warnf("cancel %s: %v", cmd.UUID, err)
		}
		return nil

	case protocol.CmdProtocolVersion:
		return cs.reply(fmt.Sprintf("OK %d", protocol.Version))
	}
	return fmt.Errorf("%w: unhandled command kind %d", protocol.ErrProtocol, cmd.Kind)
}
