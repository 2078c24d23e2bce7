package foxess

import "context"

// Device is the façade shared by the live cloud client and the simulator.
// Operations a protocol generation lacks return ErrNotSupported.
type Device interface {
	// GetDeviceDetail returns the metadata snapshot for the inverter.
	GetDeviceDetail(ctx context.Context) (DeviceInfo, error)

	// GetRealTimeData returns one telemetry snapshot.
	GetRealTimeData(ctx context.Context) (RealTimeData, error)

	// GetSchedule returns the scheduler state with the verbatim period list.
	GetSchedule(ctx context.Context) (Schedule, error)

	// SetSchedule writes the full period list, enabling or disabling the
	// scheduler.
	SetSchedule(ctx context.Context, periods []SchedulePeriod, enable bool) error

	// GetBatterySettings returns the standalone battery floors (legacy
	// generation only).
	GetBatterySettings(ctx context.Context) (BatterySettings, error)

	// SetBatterySettings writes the standalone battery floors (legacy
	// generation only).
	SetBatterySettings(ctx context.Context, settings BatterySettings) error

	// GetData performs one coordinated poll of everything above.
	GetData(ctx context.Context) (Data, error)

	// DeviceSN returns the serial the device was constructed for.
	DeviceSN() string

	// Protocol returns the API generation descriptor in use.
	Protocol() *Protocol
}

// Data is one coordinated poll result. Exactly one of SchedulePeriods and
// BatterySettings is populated on battery systems, depending on which
// settings family the protocol generation exposes; both are empty on
// battery-less inverters.
type Data struct {
	DeviceInfo DeviceInfo   `json:"device_info"`
	RealTime   RealTimeData `json:"real_time"`

	// SchedulePeriods is placeholder-filtered.
	SchedulePeriods []SchedulePeriod `json:"scheduler_groups,omitempty"`
	BatterySettings *BatterySettings `json:"battery_settings,omitempty"`
}
