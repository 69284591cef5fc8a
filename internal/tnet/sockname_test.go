package tnet

import (
	"testing"
)

func TestSocknameRoundTripV1(t *testing.T) {
	in := Sockname{Proto: ProtoUDT, Host: "10.0.0.2", Port: 8008, MSS: 1400, MaxBW: 125000000}
	enc, err := in.Encode(1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if enc != "<udt/10.0.0.2:8008/mss=1400,max-bw=125000000>" {
		t.Fatalf("unexpected v1 encoding: %s", enc)
	}
	out, err := ParseSockname(enc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestSocknameRoundTripV0DropsParams(t *testing.T) {
	in := Sockname{Proto: ProtoTCP, Host: "10.0.0.2", Port: 8008, MSS: 1500, MaxBW: 1000}
	enc, err := in.Encode(0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if enc != "<tcp/10.0.0.2:8008>" {
		t.Fatalf("unexpected v0 encoding: %s", enc)
	}
	out, err := ParseSockname(enc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.Proto != in.Proto || out.Host != in.Host || out.Port != in.Port {
		t.Fatalf("address mismatch: %+v", out)
	}
	if out.MSS != 0 || out.MaxBW != 0 {
		t.Fatalf("v0 decode should leave mss/max-bw unset, got %+v", out)
	}
}

func TestSocknameIPv6Bracketing(t *testing.T) {
	in := Sockname{Proto: ProtoTCP6, Host: "fe80::1%eth0", Port: 4004}
	enc, err := in.Encode(0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if enc != "<tcp6/[fe80::1%eth0]:4004>" {
		t.Fatalf("unexpected encoding: %s", enc)
	}
	out, err := ParseSockname(enc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.Host != "fe80::1%eth0" {
		t.Fatalf("scope lost: %q", out.Host)
	}
}

func TestEncodeListAndParseList(t *testing.T) {
	sns := []Sockname{
		{Proto: ProtoTCP, Host: "10.0.0.2", Port: 8008},
		{Proto: ProtoUDT6, Host: "2001:db8::1", Port: 8009, MSS: 1400, MaxBW: -1},
	}
	enc, err := EncodeList(sns, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := ParseList(enc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 socknames, got %d", len(out))
	}
	if out[1] != sns[1] {
		t.Fatalf("mismatch: %+v != %+v", out[1], sns[1])
	}
}

func TestParseSocknameRejectsJunk(t *testing.T) {
	for _, bad := range []string{
		"",
		"<tcp/host>",
		"<tcp/host:99999>",
		"<ftp/host:21>",
		"<udt/host:8008/mss=x>",
		"<udt/host:8008/frob=1>",
		"tcp/host:8008",
	} {
		if _, err := ParseSockname(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestParseEndpoint(t *testing.T) {
	sn, err := ParseEndpoint("tcp://0.0.0.0:4004", DefaultCommandPort)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sn.Proto != ProtoTCP || sn.Host != "0.0.0.0" || sn.Port != 4004 {
		t.Fatalf("mismatch: %+v", sn)
	}

	sn, err = ParseEndpoint("udt://", DefaultDataPort)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sn.Host != "" || sn.Port != DefaultDataPort {
		t.Fatalf("expected any-interface default port, got %+v", sn)
	}

	sn, err = ParseEndpoint("tcp6://[::1]:8008", DefaultDataPort)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sn.Host != "::1" || sn.Port != 8008 {
		t.Fatalf("mismatch: %+v", sn)
	}

	for _, bad := range []string{"http://x:1", "tcp://host:port", "tcp:/host", "udt://h:70000"} {
		if _, err := ParseEndpoint(bad, 1); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
