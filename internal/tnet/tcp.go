package tnet

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"etran/internal/flog"
)

func tcpNetwork(proto string) string {
	if proto == ProtoTCP6 {
		return "tcp6"
	}
	return "tcp4"
}

// sockControl applies the protocol-specific socket option defaults before
// bind/connect: SO_REUSEADDR always, buffer sizes and TCP_MAXSEG when
// configured, IPV6_V6ONLY for tcp6.
func sockControl(proto string, opt Options) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			s := int(fd)
			if serr = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); serr != nil {
				return
			}
			if opt.BufSize > 0 {
				if serr = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_SNDBUF, opt.BufSize); serr != nil {
					return
				}
				if serr = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_RCVBUF, opt.BufSize); serr != nil {
					return
				}
			}
			if proto == ProtoTCP6 {
				if serr = unix.SetsockoptInt(s, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); serr != nil {
					return
				}
			}
			if opt.MSS > 0 {
				// TCP_MAXSEG is advisory on some kernels; don't fail the
				// whole connection over it.
				if err := unix.SetsockoptInt(s, unix.IPPROTO_TCP, unix.TCP_MAXSEG, opt.MSS); err != nil {
					flog.Debugf("set TCP_MAXSEG=%d: %v", opt.MSS, err)
				}
			}
		})
		if err != nil {
			return err
		}
		return serr
	}
}

type tcpListener struct {
	ln    net.Listener
	proto string
	opt   Options
}

func listenTCP(sn Sockname, opt Options) (Listener, error) {
	network := tcpNetwork(sn.Proto)
	// Empty host means every interface.
	if _, err := net.ResolveTCPAddr(network, sn.HostPort()); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrResolution, sn, err)
	}
	lc := net.ListenConfig{Control: sockControl(sn.Proto, opt)}
	ln, err := lc.Listen(context.Background(), network, sn.HostPort())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", sn, err)
	}
	flog.Debugf("%s listener on %s", sn.Proto, ln.Addr())
	return &tcpListener{ln: ln, proto: sn.Proto, opt: opt}, nil
}

func (l *tcpListener) Accept() (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return Wrap(c, l.proto), nil
}

func (l *tcpListener) Close() error { return l.ln.Close() }

func (l *tcpListener) Sockname() Sockname { return addrSockname(l.proto, l.ln.Addr()) }

func dialTCP(sn Sockname, opt Options) (Conn, error) {
	network := tcpNetwork(sn.Proto)
	if _, err := net.ResolveTCPAddr(network, sn.HostPort()); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrResolution, sn, err)
	}
	d := net.Dialer{Control: sockControl(sn.Proto, opt)}
	c, err := d.Dial(network, sn.HostPort())
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", sn, err)
	}
	return Wrap(c, sn.Proto), nil
}
