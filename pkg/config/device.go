package config

import (
	"fmt"
	"math/rand"

	"github.com/paulannetts/foxess-hapa/pkg/foxess"
)

// simulatorSerial stands in when simulate mode is on and no serial is
// configured.
const simulatorSerial = "SIM001"

// NewDevice builds the device the daemon polls: the cloud client, or the
// deterministic simulator when poll.simulate is set.
func (c *Config) NewDevice() (foxess.Device, error) {
	proto, ok := foxess.ProtocolByName(c.Device.Protocol)
	if !ok {
		return nil, fmt.Errorf("unknown protocol %q", c.Device.Protocol)
	}

	if c.Poll.Simulate {
		sn := c.Device.SerialNumber
		if sn == "" {
			sn = simulatorSerial
		}
		opts := &foxess.SimulatorOptions{Protocol: proto}
		if c.Poll.SimulateSeed != 0 {
			opts.Rand = rand.New(rand.NewSource(c.Poll.SimulateSeed))
		}
		return foxess.NewSimulator(sn, opts), nil
	}

	return foxess.NewClient(c.Device.SerialNumber, c.Device.APIKey, &foxess.ClientOptions{
		Protocol: proto,
		BaseURL:  c.Device.BaseURL,
	}), nil
}
