package tnet

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"etran/internal/flog"
)

// Conn is one end of an established control or data connection. The data
// path treats every protocol the same: a byte stream with a descriptor for
// each end.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer

	// SetReadDeadline bounds the next reads; the zero time clears it.
	SetReadDeadline(t time.Time) error

	// LocalSockname and RemoteSockname describe the two ends of the
	// connection. For udt connections the descriptor carries the live
	// MSS and bandwidth cap in effect on the session.
	LocalSockname() Sockname
	RemoteSockname() Sockname
}

// Listener accepts connections on one configured endpoint.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Sockname() Sockname
}

// FileIO is the file side of a transfer: a regular file, the /dev/null
// sink, or a synthetic /dev/zero:<size> source.
type FileIO interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
}

// Options carries the socket tuning the endpoint factories apply.
// Zero values mean "leave the protocol default alone"; MaxBW -1 means
// explicitly unlimited.
type Options struct {
	BufSize    int
	MSS        int
	MaxBW      int64
	RetryCount int
	RetryDelay time.Duration

	// Cancelled is polled between connect retries so a daemon shutdown
	// aborts a dial that would otherwise keep retrying.
	Cancelled func() bool
}

var (
	ErrResolution = errors.New("cannot resolve endpoint")
	ErrCancelled  = errors.New("dial cancelled")
)

// Listen creates a listening endpoint for sn.Proto with the given tuning.
func Listen(sn Sockname, opt Options) (Listener, error) {
	switch sn.Proto {
	case ProtoTCP, ProtoTCP6:
		return listenTCP(sn, opt)
	case ProtoUDT, ProtoUDT6:
		return listenUDT(sn, opt)
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", sn.Proto)
	}
}

// Dial connects to sn, retrying per the options. The default policy is no
// retry for tcp and two retries spaced five seconds apart for udt.
func Dial(sn Sockname, opt Options) (Conn, error) {
	if sn.Host == "" {
		return nil, fmt.Errorf("%w: empty host in %s endpoint", ErrResolution, sn.Proto)
	}
	nRetry := opt.RetryCount
	if nRetry == 0 && (sn.Proto == ProtoUDT || sn.Proto == ProtoUDT6) {
		nRetry = 2
	}
	delay := opt.RetryDelay
	if delay == 0 {
		delay = 5 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= nRetry; attempt++ {
		if opt.Cancelled != nil && opt.Cancelled() {
			return nil, ErrCancelled
		}
		if attempt > 0 {
			flog.Debugf("dial %s/%s:%d failed (%v), retry %d/%d in %v",
				sn.Proto, sn.Host, sn.Port, lastErr, attempt, nRetry, delay)
			time.Sleep(delay)
			if opt.Cancelled != nil && opt.Cancelled() {
				return nil, ErrCancelled
			}
		}
		var (
			c   Conn
			err error
		)
		switch sn.Proto {
		case ProtoTCP, ProtoTCP6:
			c, err = dialTCP(sn, opt)
		case ProtoUDT, ProtoUDT6:
			c, err = dialUDT(sn, opt)
		default:
			return nil, fmt.Errorf("unsupported protocol: %s", sn.Proto)
		}
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// netConn adapts a net.Conn to the Conn interface. The tcp factories and
// tests build on it directly.
type netConn struct {
	net.Conn
	proto string
}

// Wrap exposes an established net.Conn as a Conn of the given protocol.
func Wrap(c net.Conn, proto string) Conn {
	return &netConn{Conn: c, proto: proto}
}

func (c *netConn) LocalSockname() Sockname  { return addrSockname(c.proto, c.LocalAddr()) }
func (c *netConn) RemoteSockname() Sockname { return addrSockname(c.proto, c.RemoteAddr()) }

func addrSockname(proto string, a net.Addr) Sockname {
	sn := Sockname{Proto: proto}
	if a == nil {
		return sn
	}
	host, port, err := net.SplitHostPort(a.String())
	if err != nil {
		sn.Host = a.String()
		return sn
	}
	sn.Host = host
	fmt.Sscanf(port, "%d", &sn.Port)
	return sn
}
