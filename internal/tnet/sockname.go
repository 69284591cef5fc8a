package tnet

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Supported wire protocols.
const (
	ProtoTCP  = "tcp"
	ProtoTCP6 = "tcp6"
	ProtoUDT  = "udt"
	ProtoUDT6 = "udt6"
)

// Default ports for the two channel types.
const (
	DefaultCommandPort = 4004
	DefaultDataPort    = 8008
)

// Sockname describes one end of a connection. MSS 0 means unset; MaxBW 0
// means unset and -1 means explicitly unlimited.
type Sockname struct {
	Proto string
	Host  string
	Port  int
	MSS   int
	MaxBW int64
}

func validProto(p string) bool {
	switch p {
	case ProtoTCP, ProtoTCP6, ProtoUDT, ProtoUDT6:
		return true
	}
	return false
}

// HostPort renders host:port with IPv6 literals bracketed, suitable for
// net.Dial style addresses.
func (sn Sockname) HostPort() string {
	host := sn.Host
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s:%d", host, sn.Port)
}

func (sn Sockname) String() string { return sn.Proto + "/" + sn.HostPort() }

// Encode renders the wire form for the given protocol version:
//
//	v0: <proto/host:port>
//	v1: <proto/host:port/mss=M,max-bw=B>
func (sn Sockname) Encode(version int) (string, error) {
	switch version {
	case 0:
		return fmt.Sprintf("<%s/%s>", sn.Proto, sn.HostPort()), nil
	case 1:
		return fmt.Sprintf("<%s/%s/mss=%d,max-bw=%d>", sn.Proto, sn.HostPort(), sn.MSS, sn.MaxBW), nil
	}
	return "", fmt.Errorf("no sockname encoding for protocol version %d", version)
}

// EncodeList renders socknames comma-joined, as carried by send-file.
func EncodeList(sns []Sockname, version int) (string, error) {
	parts := make([]string, 0, len(sns))
	for _, sn := range sns {
		s, err := sn.Encode(version)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ","), nil
}

var rxSockname = regexp.MustCompile(`^<([a-z0-9]+)/(\[[^\]]+\]|[^:/>]*):([0-9]+)(?:/([^>]*))?>$`)

// ParseSockname decodes either wire form back into a Sockname. A v0 string
// yields unset mss/max-bw.
func ParseSockname(s string) (Sockname, error) {
	m := rxSockname.FindStringSubmatch(s)
	if m == nil {
		return Sockname{}, fmt.Errorf("malformed sockname %q", s)
	}
	port, err := strconv.Atoi(m[3])
	if err != nil || port < 0 || port > 65535 {
		return Sockname{}, fmt.Errorf("sockname %q: port out of range", s)
	}
	sn := Sockname{Proto: m[1], Host: unbracket(m[2]), Port: port}
	if !validProto(sn.Proto) {
		return Sockname{}, fmt.Errorf("sockname %q: unknown protocol %q", s, sn.Proto)
	}
	if m[4] != "" {
		for _, kv := range strings.Split(m[4], ",") {
			key, val, ok := strings.Cut(kv, "=")
			if !ok {
				return Sockname{}, fmt.Errorf("sockname %q: malformed option %q", s, kv)
			}
			switch key {
			case "mss":
				if sn.MSS, err = strconv.Atoi(val); err != nil {
					return Sockname{}, fmt.Errorf("sockname %q: bad mss: %v", s, err)
				}
			case "max-bw":
				if sn.MaxBW, err = strconv.ParseInt(val, 10, 64); err != nil {
					return Sockname{}, fmt.Errorf("sockname %q: bad max-bw: %v", s, err)
				}
			default:
				return Sockname{}, fmt.Errorf("sockname %q: unknown option %q", s, key)
			}
		}
	}
	return sn, nil
}

// ParseList decodes a comma-joined sockname list.
func ParseList(s string) ([]Sockname, error) {
	if s == "" {
		return nil, nil
	}
	// A v1 sockname's own options are comma-separated too, so the list is
	// split only where one sockname's '>' meets the next one's '<'.
	parts := strings.Split(s, ">,<")
	var out []Sockname
	for i, part := range parts {
		if i > 0 {
			part = "<" + part
		}
		if i < len(parts)-1 {
			part += ">"
		}
		sn, err := ParseSockname(part)
		if err != nil {
			return nil, err
		}
		out = append(out, sn)
	}
	return out, nil
}

var rxEndpoint = regexp.MustCompile(`^(tcp6?|udt6?)://(\[[^\]]+\]|[^:/]*)(?::([0-9]+))?$`)

// ParseEndpoint parses a listen/target address of the form
// (tcp|tcp6|udt|udt6)://[host][:port]. An empty host means every interface
// for listeners; defPort applies when the port is absent.
func ParseEndpoint(s string, defPort int) (Sockname, error) {
	m := rxEndpoint.FindStringSubmatch(s)
	if m == nil {
		return Sockname{}, fmt.Errorf("%w: malformed endpoint %q", ErrResolution, s)
	}
	sn := Sockname{Proto: m[1], Host: unbracket(m[2]), Port: defPort}
	if m[3] != "" {
		port, err := strconv.Atoi(m[3])
		if err != nil || port > 65535 {
			return Sockname{}, fmt.Errorf("%w: port out of range in %q", ErrResolution, s)
		}
		sn.Port = port
	}
	return sn, nil
}

func unbracket(h string) string {
	if strings.HasPrefix(h, "[") && strings.HasSuffix(h, "]") {
		return h[1 : len(h)-1]
	}
	return h
}
