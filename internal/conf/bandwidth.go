package conf

import (
	"fmt"
	"regexp"
	"strconv"
)

// Bandwidth literals are an integer number of bytes/second, or a number
// with a rate suffix: <int>{k,M,G,T}{i,}{B,b}ps. Lowercase b means bits,
// uppercase B bytes; an i selects base 1024 instead of 1000. -1 is the
// unlimited sentinel.
var rxBandwidth = regexp.MustCompile(`^(-?[0-9]+)(?:([kMGT])(i?)([Bb])ps)?$`)

func ParseBandwidth(s string) (int64, error) {
	m := rxBandwidth.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("malformed bandwidth %q", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed bandwidth %q: %v", s, err)
	}
	if m[2] == "" {
		return n, nil
	}
	if n < 0 {
		return 0, fmt.Errorf("negative bandwidth %q cannot carry a unit", s)
	}
	base := int64(1000)
	if m[3] == "i" {
		base = 1024
	}
	mult := base
	switch m[2] {
	case "M":
		mult = base * base
	case "G":
		mult = base * base * base
	case "T":
		mult = base * base * base * base
	}
	v := n * mult
	if m[4] == "b" {
		v /= 8
	}
	return v, nil
}
