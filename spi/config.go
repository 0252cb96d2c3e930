package spi

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"
)

// Prefill sets the initial idle size of each template-fragment cache.
type Prefill struct {
	Setup    int `yaml:"setup"`
	Transfer int `yaml:"transfer"`
	Deselect int `yaml:"deselect"`
	Delay    int `yaml:"delay"`
	Trigger  int `yaml:"trigger"`
}

// Options configures an engine.
type Options struct {
	// CoreClockHz is the clock the SPI divider divides down from.
	CoreClockHz uint32 `yaml:"core_clock_hz"`

	// DelayBytesPerUsec scales a requested delay into the length of the
	// dummy-transfer span that realizes it in the chain.
	DelayBytesPerUsec int `yaml:"delay_bytes_per_usec"`

	// CSSettleBytes is the dummy-span length inserted after a
	// chip-deselect, giving the line time to settle.
	CSSettleBytes int `yaml:"cs_settle_bytes"`

	// Prefill sets per-cache initial idle sizes.
	Prefill Prefill `yaml:"prefill"`
}

// DefaultOptions returns the options an engine runs with when no
// configuration file is supplied.
func DefaultOptions() Options {
	return Options{
		CoreClockHz:       250_000_000,
		DelayBytesPerUsec: 4,
		CSSettleBytes:     4,
		Prefill: Prefill{
			Setup:    4,
			Transfer: 4,
			Deselect: 4,
			Delay:    2,
			Trigger:  4,
		},
	}
}

// LoadOptions reads a YAML options file over the defaults, so a file only
// needs to name the settings it changes.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, err
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parsing %s: %w", path, err)
	}
	return opts, nil
}
