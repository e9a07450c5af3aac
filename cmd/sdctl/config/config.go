// Package config loads the YAML device configuration sdctl reads to
// decide which transport/chip-select backend to wire up and at what
// clock speeds.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Backend names accepted by the `chipSelect.backend` config key.
const (
	BackendGPIOD    = "gpiod"
	BackendMCP23017 = "mcp23017"
	BackendMCP2221  = "mcp2221"
)

type Config struct {
	// Device is the SPI transport device path, e.g. "/dev/spidev0.0"
	// for transport/periphspi or "spi" for transport/gobotspi.
	Device string `yaml:"device"`
	// Transport selects the Transceiver backend: "periph" or "gobot".
	Transport string `yaml:"transport"`

	InitClockHz     uint32 `yaml:"initClockHz"`
	TransferClockHz uint32 `yaml:"transferClockHz"`

	ChipSelect ChipSelectConfig `yaml:"chipSelect"`
}

type ChipSelectConfig struct {
	Backend string `yaml:"backend"`

	// gpiod backend
	Chip string `yaml:"chip"`
	Line int    `yaml:"line"`

	// mcp23017 backend
	I2CDevice string `yaml:"i2cDevice"`
	Address   byte   `yaml:"address"`
	Pin       byte   `yaml:"pin"`

	// mcp2221 backend
	GPIOLine int `yaml:"gpioLine"`
}

// Default returns the configuration sdctl falls back to when no
// --config file is given: a gpiod-driven CS line on the default SPI
// device, at this driver's default init/transfer clocks.
func Default() Config {
	return Config{
		Device:          "/dev/spidev0.0",
		Transport:       "periph",
		InitClockHz:     400_000,
		TransferClockHz: 25_000_000,
		ChipSelect: ChipSelectConfig{
			Backend: BackendGPIOD,
			Chip:    "gpiochip0",
			Line:    8,
		},
	}
}

// Load reads and parses a YAML config file, filling in defaults for
// any zero-valued field left unset.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("could not read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("could not parse config file %s: %w", path, err)
	}
	return cfg, nil
}
