package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// ClientBinding is one entry of the §6 configuration surface's
// per-client bindings list.
type ClientBinding struct {
	CapabilityName      string `yaml:"capability_name"`
	DeviceUUID          string `yaml:"device_uuid"`
	MaxDataspaces       int    `yaml:"max_dataspaces"`
	ReadOnly            bool   `yaml:"read_only_flag"`
	MaxInFlightOverride int    `yaml:"max_in_flight_override"`
}

// FeatureDisables toggles off optional capabilities the §6 surface
// allows disabling, mirroring dswarbrick-smart's drivedb quirk-table
// approach of overriding discovered capability bits from configuration
// rather than trusting hardware reports unconditionally.
type FeatureDisables struct {
	NoSGL  bool `yaml:"no_sgl"`
	NoMSI  bool `yaml:"no_msi"`
	NoMSIX bool `yaml:"no_msix"`
}

// Config is the full per-process configuration: the flag-driven
// options plus the YAML-loaded binding table and feature disables (§6).
type Config struct {
	Verbosity     string          `yaml:"verbosity"`
	AddressWidth  int             `yaml:"address_width"` // 0 = no override; only 32 restricts DMA to 32-bit addresses
	Bindings      []ClientBinding `yaml:"bindings"`
	Disables      FeatureDisables `yaml:"disables"`
}

// LoadConfig reads and parses a YAML bindings/feature-disables file. A missing
// path is not an error: the launcher runs with an empty binding table
// and default feature set.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// Find returns the binding matching deviceUUID, if any.
func (c Config) Find(deviceUUID string) (ClientBinding, bool) {
	for _, b := range c.Bindings {
		if b.DeviceUUID == deviceUUID {
			return b, true
		}
	}
	return ClientBinding{}, false
}
