package foxess

import "encoding/json"

// DeviceInfo is the per-inverter metadata snapshot from the device detail
// endpoint. Fetched once per poll cycle; the serial doubles as the stable
// unique identifier during setup.
type DeviceInfo struct {
	StationName    string `json:"stationName"`
	DeviceSN       string `json:"deviceSN"`
	DeviceType     string `json:"deviceType"`
	HasBattery     bool   `json:"hasBattery"`
	MasterVersion  string `json:"masterVersion"`
	ManagerVersion string `json:"managerVersion"`
	SlaveVersion   string `json:"slaveVersion"`
	// BatteryList entries are opaque vendor records whose shape varies by
	// battery model, so they are carried through undecoded.
	BatteryList []json.RawMessage `json:"batteryList,omitempty"`
}
