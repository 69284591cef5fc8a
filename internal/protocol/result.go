package protocol

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Result is the outcome of a sendFile/getFile bulk transfer.
type Result struct {
	Finished bool
	Bytes    int64
	Reason   string
	Duration time.Duration
}

// Encode renders the single-line send-file reply:
//
//	OK,<bytes>,<seconds>[ <reason>]
//	ERR,<bytes>,<seconds>[ <reason>]
func (r Result) Encode() string {
	status := "ERR"
	if r.Finished {
		status = "OK"
	}
	line := fmt.Sprintf("%s,%d,%.2f", status, r.Bytes, r.Duration.Seconds())
	if r.Reason != "" {
		line += " " + r.Reason
	}
	return line
}

// The byte-count and timing fields arrived with protocol version 1; a v0
// daemon sends a bare OK/ERR. The parser permits both.
var rxResult = regexp.MustCompile(`^(OK|ERR)(?:,([0-9]+),([0-9.]+))?(?:[ \t]+(.*))?$`)

// ParseResult decodes a send-file reply line.
func ParseResult(line string) (Result, error) {
	m := rxResult.FindStringSubmatch(line)
	if m == nil {
		return Result{}, fmt.Errorf("%w: malformed transfer result %q", ErrProtocol, line)
	}
	r := Result{Finished: m[1] == "OK", Reason: m[4]}
	if m[2] != "" {
		var err error
		if r.Bytes, err = strconv.ParseInt(m[2], 10, 64); err != nil {
			return Result{}, fmt.Errorf("%w: bad byte count in %q", ErrProtocol, line)
		}
		secs, err := strconv.ParseFloat(m[3], 64)
		if err != nil {
			return Result{}, fmt.Errorf("%w: bad duration in %q", ErrProtocol, line)
		}
		r.Duration = time.Duration(secs * float64(time.Second))
	}
	return r, nil
}
