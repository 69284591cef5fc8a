package conf

import (
	"fmt"

	"etran/internal/flog"
)

// Log holds the diagnostics settings.
type Log struct {
	Level int `yaml:"level"`

	levelSet bool
}

func (l *Log) setDefaults() {
	if !l.levelSet && l.Level == 0 {
		l.Level = int(flog.Info)
	}
}

// SetLevel records an explicit verbosity, e.g. from the -m flag.
func (l *Log) SetLevel(v int) {
	l.Level = v
	l.levelSet = true
}

func (l *Log) validate() []error {
	var errors []error
	if l.Level < -1 || l.Level > 5 {
		errors = append(errors, fmt.Errorf("log level must be in [-1,5]"))
	}
	return errors
}

// Tuning holds the default transport parameters applied to every data
// connection the daemon initiates.
type Tuning struct {
	Buffer int    `yaml:"buffer"`
	MSS    int    `yaml:"mss"`
	MaxBW_ string `yaml:"max_bw"`
	MaxBW  int64  `yaml:"-"` // parsed bytes/second, -1 = unlimited
}

func (t *Tuning) setDefaults() {
	if t.Buffer == 0 {
		t.Buffer = 32 * 1024 * 1024
	}
	if t.MaxBW_ == "" {
		t.MaxBW = -1
	}
}

func (t *Tuning) validate() []error {
	var errors []error

	if t.Buffer < 4096 {
		errors = append(errors, fmt.Errorf("buffer must be >= 4096 bytes"))
	}
	if t.MSS != 0 && (t.MSS < 64 || t.MSS > 65536) {
		errors = append(errors, fmt.Errorf("mss must be 0 (unset) or in [64,65536]"))
	}
	switch {
	case t.MaxBW_ != "":
		bw, err := ParseBandwidth(t.MaxBW_)
		if err != nil {
			errors = append(errors, fmt.Errorf("max_bw: %v", err))
		} else if bw == 0 || bw < -1 {
			errors = append(errors, fmt.Errorf("max_bw must be -1 (unlimited) or positive"))
		} else {
			t.MaxBW = bw
		}
	case t.MaxBW == 0 || t.MaxBW < -1:
		errors = append(errors, fmt.Errorf("max_bw must be -1 (unlimited) or positive"))
	}

	return errors
}
