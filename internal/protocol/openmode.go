package protocol

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// OpenMode restricts how a transfer's file may be opened.
type OpenMode int

const (
	// OpenNew creates the file and fails if it already exists.
	OpenNew OpenMode = iota
	// OpenOverWrite creates or truncates.
	OpenOverWrite
	// OpenResume creates or appends.
	OpenResume
	// OpenRead opens read-only.
	OpenRead
	// OpenSkipExisting creates, but skips the write entirely when the
	// file is already there. Resolved at request time; it never maps to
	// OS open flags of its own.
	OpenSkipExisting
)

var modeNames = map[OpenMode]string{
	OpenNew:          "New",
	OpenOverWrite:    "OverWrite",
	OpenResume:       "Resume",
	OpenRead:         "Read",
	OpenSkipExisting: "SkipExisting",
}

func (m OpenMode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("OpenMode(%d)", int(m))
}

// ParseOpenMode matches a printed mode name, case-insensitively.
func ParseOpenMode(s string) (OpenMode, error) {
	for m, name := range modeNames {
		if strings.EqualFold(s, name) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown open mode %q", s)
}

// OSFlags returns the open(2) flags for the mode. OpenSkipExisting has no
// flag form of its own: the caller resolves it at request time.
func (m OpenMode) OSFlags() (int, error) {
	switch m {
	case OpenNew:
		return unix.O_WRONLY | unix.O_CREAT | unix.O_EXCL, nil
	case OpenOverWrite:
		return unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC, nil
	case OpenResume:
		return unix.O_WRONLY | unix.O_CREAT | unix.O_APPEND, nil
	case OpenRead:
		return unix.O_RDONLY, nil
	}
	return 0, fmt.Errorf("no open flags for mode %s", m)
}

// Writable reports whether the mode is acceptable for requestFileWrite.
func (m OpenMode) Writable() bool {
	switch m {
	case OpenNew, OpenOverWrite, OpenResume, OpenSkipExisting:
		return true
	}
	return false
}
