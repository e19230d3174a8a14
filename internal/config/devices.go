package config

import (
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Device is one simulated camera from the device list file.
type Device struct {
	DeviceID     string    `yaml:"device_id"`
	Name         string    `yaml:"name"`
	Manufacturer string    `yaml:"manufacturer"`
	Model        string    `yaml:"model"`
	Firmware     string    `yaml:"firmware"`
	SIPUser      string    `yaml:"sip_user"`     // defaults to device_id
	SIPPassword  string    `yaml:"sip_password"`
	Channels     []Channel `yaml:"channels"`

	// Overrides holds per-device AgentConfig field overrides, e.g.
	// keepalive_interval or unregister_on_stop for a single camera.
	Overrides map[string]interface{} `yaml:"overrides,omitempty"`
}

// Channel is one video channel of a device.
type Channel struct {
	ChannelID string `yaml:"channel_id"`
	Name      string `yaml:"name"`
}

type devicesFile struct {
	Devices []Device `yaml:"devices"`
}

// LoadDevices reads and validates the device list YAML file.
func LoadDevices(path string) ([]Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read devices file: %w", err)
	}

	var f devicesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse devices file: %w", err)
	}
	if len(f.Devices) == 0 {
		return nil, fmt.Errorf("devices file %s contains no devices", path)
	}

	seen := make(map[string]bool)
	for i := range f.Devices {
		d := &f.Devices[i]
		if err := validateGBID(d.DeviceID); err != nil {
			return nil, fmt.Errorf("device #%d: %w", i+1, err)
		}
		if seen[d.DeviceID] {
			return nil, fmt.Errorf("duplicate device_id %s", d.DeviceID)
		}
		seen[d.DeviceID] = true

		if d.SIPUser == "" {
			d.SIPUser = d.DeviceID
		}
		if d.SIPPassword == "" {
			return nil, fmt.Errorf("device %s: sip_password is required", d.DeviceID)
		}
		if d.Name == "" {
			d.Name = "Camera " + d.DeviceID
		}

		// IPC devices commonly expose the device itself as the only channel.
		if len(d.Channels) == 0 {
			d.Channels = []Channel{{ChannelID: d.DeviceID, Name: d.Name}}
		}
		for j, ch := range d.Channels {
			if err := validateGBID(ch.ChannelID); err != nil {
				return nil, fmt.Errorf("device %s channel #%d: %w", d.DeviceID, j+1, err)
			}
			if seen[ch.ChannelID] && ch.ChannelID != d.DeviceID {
				return nil, fmt.Errorf("duplicate channel_id %s", ch.ChannelID)
			}
			seen[ch.ChannelID] = true
		}
	}

	return f.Devices, nil
}

// AgentConfig merges the device's overrides map onto a copy of the base
// agent config. Unknown keys are rejected so typos fail at load time.
func (d *Device) AgentConfig(base AgentConfig) (AgentConfig, error) {
	if len(d.Overrides) == 0 {
		return base, nil
	}
	cfg := base
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &cfg,
		ErrorUnused: true,
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return base, err
	}
	if err := dec.Decode(d.Overrides); err != nil {
		return base, fmt.Errorf("device %s overrides: %w", d.DeviceID, err)
	}
	return cfg, nil
}

// validateGBID checks the GB/T 28181 20-digit numeric ID format.
func validateGBID(id string) error {
	if len(id) != 20 {
		return fmt.Errorf("invalid GB ID %q: must be 20 digits, got %d", id, len(id))
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return fmt.Errorf("invalid GB ID %q: must be numeric", id)
		}
	}
	return nil
}
