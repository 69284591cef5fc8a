package tnet

import (
	"context"
	"fmt"
	"time"

	kcp "github.com/xtaci/kcp-go/v5"
	"golang.org/x/time/rate"

	"etran/internal/flog"
)

// The udt transport rides on KCP over UDP. No FEC shards and no block
// cipher: reliability comes from the ARQ layer, and encryption is not this
// service's business.

const (
	defaultUDTMTU   = 1400
	defaultUDTBuf   = 32 * 1024 * 1024
	maxLimiterBurst = 8 * 1024 * 1024
)

// fcWindow sizes the flow-control window in MSS-sized packets:
// ceil(recvBuf / (MSS-28)) + 256.
func fcWindow(bufSize, mss int) int {
	if bufSize <= 0 {
		bufSize = defaultUDTBuf
	}
	if mss <= 28 {
		mss = defaultUDTMTU
	}
	pkt := mss - 28
	return (bufSize+pkt-1)/pkt + 256
}

func tuneSession(s *kcp.UDPSession, opt Options) {
	s.SetStreamMode(true)
	s.SetNoDelay(1, 10, 2, 1)
	s.SetACKNoDelay(false)
	if opt.MSS > 0 {
		if !s.SetMtu(opt.MSS) {
			flog.Warnf("udt: cannot set MSS %d on session", opt.MSS)
		}
	}
	wnd := fcWindow(opt.BufSize, opt.MSS)
	s.SetWindowSize(wnd, wnd)
	if opt.BufSize > 0 {
		// Only sessions that own their UDP socket accept buffer sizing;
		// accepted sessions share the listener's socket.
		if err := s.SetReadBuffer(opt.BufSize); err == nil {
			s.SetWriteBuffer(opt.BufSize)
		}
	}
}

// udtConn wraps a KCP session. Writes pass through a rate limiter when a
// bandwidth cap was negotiated for the connection.
type udtConn struct {
	sess  *kcp.UDPSession
	proto string
	mss   int
	maxBW int64
	lim   *rate.Limiter
}

func newUDTConn(s *kcp.UDPSession, proto string, opt Options) *udtConn {
	c := &udtConn{sess: s, proto: proto, mss: opt.MSS, maxBW: opt.MaxBW}
	if opt.MaxBW > 0 {
		burst := int(opt.MaxBW)
		if burst > maxLimiterBurst {
			burst = maxLimiterBurst
		}
		c.lim = rate.NewLimiter(rate.Limit(opt.MaxBW), burst)
	}
	return c
}

func (c *udtConn) Read(p []byte) (int, error) { return c.sess.Read(p) }

func (c *udtConn) Write(p []byte) (int, error) {
	if c.lim == nil {
		return c.sess.Write(p)
	}
	written := 0
	for written < len(p) {
		n := len(p) - written
		if n > c.lim.Burst() {
			n = c.lim.Burst()
		}
		if err := c.lim.WaitN(context.Background(), n); err != nil {
			return written, err
		}
		w, err := c.sess.Write(p[written : written+n])
		written += w
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (c *udtConn) Close() error { return c.sess.Close() }

func (c *udtConn) SetReadDeadline(t time.Time) error { return c.sess.SetReadDeadline(t) }

func (c *udtConn) LocalSockname() Sockname {
	sn := addrSockname(c.proto, c.sess.LocalAddr())
	sn.MSS, sn.MaxBW = c.mss, c.maxBW
	return sn
}

func (c *udtConn) RemoteSockname() Sockname {
	sn := addrSockname(c.proto, c.sess.RemoteAddr())
	sn.MSS, sn.MaxBW = c.mss, c.maxBW
	return sn
}

type udtListener struct {
	ln    *kcp.Listener
	proto string
	opt   Options
}

func listenUDT(sn Sockname, opt Options) (Listener, error) {
	ln, err := kcp.ListenWithOptions(sn.HostPort(), nil, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", sn, err)
	}
	bufSize := opt.BufSize
	if bufSize <= 0 {
		bufSize = defaultUDTBuf
	}
	if err := ln.SetReadBuffer(bufSize); err != nil {
		flog.Debugf("udt listener read buffer: %v", err)
	}
	if err := ln.SetWriteBuffer(bufSize); err != nil {
		flog.Debugf("udt listener write buffer: %v", err)
	}
	flog.Debugf("%s listener on %s", sn.Proto, ln.Addr())
	return &udtListener{ln: ln, proto: sn.Proto, opt: opt}, nil
}

func (l *udtListener) Accept() (Conn, error) {
	s, err := l.ln.AcceptKCP()
	if err != nil {
		return nil, err
	}
	tuneSession(s, l.opt)
	return newUDTConn(s, l.proto, l.opt), nil
}

func (l *udtListener) Close() error { return l.ln.Close() }

func (l *udtListener) Sockname() Sockname {
	sn := addrSockname(l.proto, l.ln.Addr())
	sn.MSS, sn.MaxBW = l.opt.MSS, l.opt.MaxBW
	return sn
}

func dialUDT(sn Sockname, opt Options) (Conn, error) {
	s, err := kcp.DialWithOptions(sn.HostPort(), nil, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", sn, err)
	}
	tuneSession(s, opt)
	return newUDTConn(s, sn.Proto, opt), nil
}
