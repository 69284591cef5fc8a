package conf

import (
	"os"
	"path/filepath"
	"testing"

	"etran/internal/tnet"
)

func TestTuningDefaults(t *testing.T) {
	var tu Tuning
	tu.setDefaults()
	if tu.Buffer != 32*1024*1024 {
		t.Errorf("expected 32MiB default buffer, got %d", tu.Buffer)
	}
	if tu.MSS != 0 {
		t.Errorf("expected unset MSS, got %d", tu.MSS)
	}
	if tu.MaxBW != -1 {
		t.Errorf("expected unlimited max_bw, got %d", tu.MaxBW)
	}
	if errs := tu.validate(); len(errs) != 0 {
		t.Errorf("defaults should validate, got %v", errs)
	}
}

func TestTuningValidate(t *testing.T) {
	tu := Tuning{Buffer: 16, MSS: 30, MaxBW_: "slow"}
	errs := tu.validate()
	if len(errs) != 3 {
		t.Fatalf("expected 3 validation errors, got %v", errs)
	}

	tu = Tuning{Buffer: 1 << 20, MSS: 1400, MaxBW_: "1Gbps"}
	if errs := tu.validate(); len(errs) != 0 {
		t.Fatalf("expected clean validate, got %v", errs)
	}
	if tu.MaxBW != 125_000_000 {
		t.Fatalf("max_bw not derived: %d", tu.MaxBW)
	}
}

func TestConfValidateRequiresEndpoints(t *testing.T) {
	c := &Conf{}
	c.SetDefaults()
	if err := c.Validate(); err == nil {
		t.Fatal("expected validation error without endpoints")
	}

	c.Command = []string{"tcp://0.0.0.0:4004"}
	c.Data = []string{"udt://", "tcp://:8008"}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if len(c.DataAddrs) != 2 || c.DataAddrs[0].Port != tnet.DefaultDataPort {
		t.Fatalf("data endpoints not resolved: %+v", c.DataAddrs)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etran.yaml")
	doc := `
log:
  level: 0
tuning:
  buffer: 8388608
  mss: 1500
  max_bw: 1Gbps
command:
  - tcp://0.0.0.0:4004
data:
  - udt://0.0.0.0:8008
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if c.Tuning.Buffer != 8388608 || c.Tuning.MSS != 1500 || c.Tuning.MaxBW != 125_000_000 {
		t.Fatalf("tuning not applied: %+v", c.Tuning)
	}
	if len(c.CommandAddrs) != 1 || c.CommandAddrs[0].Proto != tnet.ProtoTCP {
		t.Fatalf("command endpoints: %+v", c.CommandAddrs)
	}
}
