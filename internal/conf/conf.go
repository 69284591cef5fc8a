package conf

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"etran/internal/tnet"
)

// Conf is the daemon configuration. Flags override file values; the
// zero Conf with defaults applied is a valid starting point.
type Conf struct {
	Log     Log      `yaml:"log"`
	Tuning  Tuning   `yaml:"tuning"`
	Command []string `yaml:"command"`
	Data    []string `yaml:"data"`

	// Resolved endpoint lists, derived during validation.
	CommandAddrs []tnet.Sockname `yaml:"-"`
	DataAddrs    []tnet.Sockname `yaml:"-"`
}

func LoadFromFile(path string) (*Conf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var conf Conf
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return &conf, err
	}
	return &conf, nil
}

func (c *Conf) SetDefaults() {
	c.Log.setDefaults()
	c.Tuning.setDefaults()
}

func (c *Conf) Validate() error {
	var allErrors []error

	allErrors = append(allErrors, c.Log.validate()...)
	allErrors = append(allErrors, c.Tuning.validate()...)

	if len(c.Command) == 0 {
		allErrors = append(allErrors, fmt.Errorf("at least one command endpoint is required"))
	}
	if len(c.Data) == 0 {
		allErrors = append(allErrors, fmt.Errorf("at least one data endpoint is required"))
	}

	c.CommandAddrs = c.CommandAddrs[:0]
	for i, ep := range c.Command {
		sn, err := tnet.ParseEndpoint(ep, tnet.DefaultCommandPort)
		if err != nil {
			allErrors = append(allErrors, fmt.Errorf("command[%d] %v", i, err))
			continue
		}
		c.CommandAddrs = append(c.CommandAddrs, sn)
	}
	c.DataAddrs = c.DataAddrs[:0]
	for i, ep := range c.Data {
		sn, err := tnet.ParseEndpoint(ep, tnet.DefaultDataPort)
		if err != nil {
			allErrors = append(allErrors, fmt.Errorf("data[%d] %v", i, err))
			continue
		}
		c.DataAddrs = append(c.DataAddrs, sn)
	}

	return writeErr(allErrors)
}

func writeErr(allErrors []error) error {
	if len(allErrors) > 0 {
		var messages []string
		for _, err := range allErrors {
			messages = append(messages, err.Error())
		}
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}
	return nil
}
