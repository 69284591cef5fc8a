package tnet

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
)

// DevNull is exempt from the one-writer-per-path rule and swallows
// unlimited writes.
const DevNull = "/dev/null"

var rxDevZero = regexp.MustCompile(`^/dev/zero:([0-9]+)([kMGT]i?B)?$`)

// IsDevZero reports whether path names a synthetic zero source.
func IsDevZero(path string) bool { return rxDevZero.MatchString(path) }

// ParseDevZero extracts the byte size from a /dev/zero:<N>[kMGT][i]B path.
func ParseDevZero(path string) (int64, error) {
	m := rxDevZero.FindStringSubmatch(path)
	if m == nil {
		return 0, fmt.Errorf("not a /dev/zero endpoint: %q", path)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad size in %q: %v", path, err)
	}
	if m[2] == "" {
		return n, nil
	}
	base := int64(1000)
	suffix := m[2]
	if len(suffix) == 3 { // e.g. MiB
		base = 1024
	}
	var mult int64 = 1
	switch suffix[0] {
	case 'k':
		mult = base
	case 'M':
		mult = base * base
	case 'G':
		mult = base * base * base
	case 'T':
		mult = base * base * base * base
	}
	return n * mult, nil
}

// zeroFile is a read-only file of a fixed size producing zero bytes. It
// exists so throughput can be measured without touching storage.
type zeroFile struct {
	size int64
	pos  int64
}

// OpenDevZero opens a /dev/zero:<size> path as a readable, seekable file.
func OpenDevZero(path string) (FileIO, error) {
	size, err := ParseDevZero(path)
	if err != nil {
		return nil, err
	}
	return &zeroFile{size: size}, nil
}

func (z *zeroFile) Read(p []byte) (int, error) {
	if z.pos >= z.size {
		return 0, io.EOF
	}
	n := int64(len(p))
	if left := z.size - z.pos; left < n {
		n = left
	}
	clear(p[:n])
	z.pos += n
	return int(n), nil
}

func (z *zeroFile) Write(p []byte) (int, error) {
	return 0, fmt.Errorf("zero endpoint is read-only")
}

func (z *zeroFile) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = z.pos + offset
	case io.SeekEnd:
		pos = z.size + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if pos < 0 {
		return 0, fmt.Errorf("negative seek position")
	}
	z.pos = pos
	return pos, nil
}

func (z *zeroFile) Close() error { return nil }

// nullFile accepts unlimited writes and reads nothing.
type nullFile struct{}

// NullFile opens the /dev/null sink.
func NullFile() FileIO { return nullFile{} }

func (nullFile) Read(p []byte) (int, error)                { return 0, io.EOF }
func (nullFile) Write(p []byte) (int, error)               { return len(p), nil }
func (nullFile) Seek(off int64, whence int) (int64, error) { return 0, nil }
func (nullFile) Close() error                              { return nil }
