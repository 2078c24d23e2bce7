package foxess

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RealTimeData is one telemetry snapshot, flattened from the cloud's
// variable list into typed fields. Absent or malformed variables degrade to
// zero values; decoding never fails. Raw keeps the original name to value
// mapping so variables without a typed field remain reachable.
type RealTimeData struct {
	// Main power metrics (kW)
	PVPower              float64 `json:"pv_power"`
	BatterySOC           float64 `json:"battery_soc"`
	BatteryPower         float64 `json:"battery_power"`
	GridPower            float64 `json:"grid_power"`
	LoadPower            float64 `json:"load_power"`
	FeedInPower          float64 `json:"feed_in_power"`
	GridConsumptionPower float64 `json:"grid_consumption_power"`
	GenerationPower      float64 `json:"generation_power"`

	// PV strings
	PV1Volt    float64 `json:"pv1_volt"`
	PV1Current float64 `json:"pv1_current"`
	PV1Power   float64 `json:"pv1_power"`
	PV2Volt    float64 `json:"pv2_volt"`
	PV2Current float64 `json:"pv2_current"`
	PV2Power   float64 `json:"pv2_power"`
	PV3Volt    float64 `json:"pv3_volt"`
	PV3Current float64 `json:"pv3_current"`
	PV3Power   float64 `json:"pv3_power"`
	PV4Volt    float64 `json:"pv4_volt"`
	PV4Current float64 `json:"pv4_current"`
	PV4Power   float64 `json:"pv4_power"`

	// EPS (emergency power supply)
	EPSPower    float64 `json:"eps_power"`
	EPSCurrentR float64 `json:"eps_current_r"`
	EPSVoltR    float64 `json:"eps_volt_r"`
	EPSPowerR   float64 `json:"eps_power_r"`

	// Grid R phase
	RCurrent float64 `json:"r_current"`
	RVolt    float64 `json:"r_volt"`
	RFreq    float64 `json:"r_freq"`
	RPower   float64 `json:"r_power"`

	// Temperatures (C)
	AmbientTemp  float64 `json:"ambient_temp"`
	InverterTemp float64 `json:"inverter_temp"`
	BatteryTemp  float64 `json:"battery_temp"`

	// Inverter battery interface
	InvBatVolt    float64 `json:"inv_bat_volt"`
	InvBatCurrent float64 `json:"inv_bat_current"`
	InvBatPower   float64 `json:"inv_bat_power"`

	// Battery charge/discharge split and direct measurements
	BatChargePower    float64 `json:"bat_charge_power"`
	BatDischargePower float64 `json:"bat_discharge_power"`
	BatVolt           float64 `json:"bat_volt"`
	BatCurrent        float64 `json:"bat_current"`

	MeterPower2 float64 `json:"meter_power_2"`

	// Energy totals (kWh)
	GenerationTotal      float64 `json:"generation_total"`
	ResidualEnergy       float64 `json:"residual_energy"`
	EnergyThroughput     float64 `json:"energy_throughput"`
	GridConsumptionTotal float64 `json:"grid_consumption_total"`
	LoadsTotal           float64 `json:"loads_total"`
	FeedInTotal          float64 `json:"feed_in_total"`
	ChargeEnergyTotal    float64 `json:"charge_energy_total"`
	DischargeEnergyTotal float64 `json:"discharge_energy_total"`
	PVEnergyTotal        float64 `json:"pv_energy_total"`

	// Status
	RunningState      string `json:"running_state"`
	BatteryStatus     string `json:"battery_status"`
	BatteryStatusName string `json:"battery_status_name"`
	CurrentFault      string `json:"current_fault"`
	CurrentFaultCount int    `json:"current_fault_count"`

	Raw map[string]any `json:"raw_variables,omitempty"`
}

// realQueryDevice is one device entry in the realtime query result.
type realQueryDevice struct {
	DeviceSN string     `json:"deviceSN"`
	Datas    []varDatum `json:"datas"`
}

type varDatum struct {
	Variable string `json:"variable"`
	Value    any    `json:"value"`
	Unit     string `json:"unit"`
}

// varMap holds the raw variable name to value mapping with typed accessors
// that fall back to a default instead of failing.
type varMap map[string]any

func (m varMap) float(key string, def float64) float64 {
	v, ok := m[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case float64:
		return t
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f
		}
	}
	return def
}

func (m varMap) int(key string, def int) int {
	v, ok := m[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return int(f)
		}
	}
	return def
}

func (m varMap) str(key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, isStr := v.(string); isStr {
		return s
	}
	return fmt.Sprint(v)
}

// decodeRealTime shapes a realtime query result into a RealTimeData. The
// result is normally a list of devices, each carrying a datas list of
// variable/value pairs; the first device wins. A bare datas list and a
// single unwrapped device are tolerated because older endpoint generations
// skip the outer nesting.
func decodeRealTime(result json.RawMessage, residualEnergyScale float64) RealTimeData {
	vars := make(varMap)
	for _, d := range realQueryDatas(result) {
		vars[d.Variable] = d.Value
	}
	return newRealTimeData(vars, residualEnergyScale)
}

func realQueryDatas(result json.RawMessage) []varDatum {
	var devices []realQueryDevice
	if err := json.Unmarshal(result, &devices); err == nil && len(devices) > 0 {
		return devices[0].Datas
	}
	var single realQueryDevice
	if err := json.Unmarshal(result, &single); err == nil && len(single.Datas) > 0 {
		return single.Datas
	}
	var bare []varDatum
	if err := json.Unmarshal(result, &bare); err == nil {
		return bare
	}
	return nil
}

func newRealTimeData(vars varMap, residualEnergyScale float64) RealTimeData {
	if residualEnergyScale == 0 {
		residualEnergyScale = 1
	}
	return RealTimeData{
		PVPower:    vars.float("pvPower", 0),
		BatterySOC: vars.float("SoC", 0),
		// positive while charging, negative while discharging
		BatteryPower:         vars.float("batChargePower", 0) - vars.float("batDischargePower", 0),
		GridPower:            vars.float("meterPower", 0),
		LoadPower:            vars.float("loadsPower", 0),
		FeedInPower:          vars.float("feedinPower", 0),
		GridConsumptionPower: vars.float("gridConsumptionPower", 0),
		GenerationPower:      vars.float("generationPower", 0),

		PV1Volt:    vars.float("pv1Volt", 0),
		PV1Current: vars.float("pv1Current", 0),
		PV1Power:   vars.float("pv1Power", 0),
		PV2Volt:    vars.float("pv2Volt", 0),
		PV2Current: vars.float("pv2Current", 0),
		PV2Power:   vars.float("pv2Power", 0),
		PV3Volt:    vars.float("pv3Volt", 0),
		PV3Current: vars.float("pv3Current", 0),
		PV3Power:   vars.float("pv3Power", 0),
		PV4Volt:    vars.float("pv4Volt", 0),
		PV4Current: vars.float("pv4Current", 0),
		PV4Power:   vars.float("pv4Power", 0),

		EPSPower:    vars.float("epsPower", 0),
		EPSCurrentR: vars.float("epsCurrentR", 0),
		EPSVoltR:    vars.float("epsVoltR", 0),
		EPSPowerR:   vars.float("epsPowerR", 0),

		RCurrent: vars.float("RCurrent", 0),
		RVolt:    vars.float("RVolt", 0),
		RFreq:    vars.float("RFreq", 0),
		RPower:   vars.float("RPower", 0),

		AmbientTemp:  vars.float("ambientTemperation", 0),
		InverterTemp: vars.float("invTemperation", 0),
		BatteryTemp:  vars.float("batTemperature", 0),

		InvBatVolt:    vars.float("invBatVolt", 0),
		InvBatCurrent: vars.float("invBatCurrent", 0),
		InvBatPower:   vars.float("invBatPower", 0),

		BatChargePower:    vars.float("batChargePower", 0),
		BatDischargePower: vars.float("batDischargePower", 0),
		BatVolt:           vars.float("batVolt", 0),
		BatCurrent:        vars.float("batCurrent", 0),

		MeterPower2: vars.float("meterPower2", 0),

		GenerationTotal: vars.float("generation", 0),
		// the cloud reports this in hundredths of a kWh on the current
		// generation
		ResidualEnergy:       vars.float("ResidualEnergy", 0) * residualEnergyScale,
		EnergyThroughput:     vars.float("energyThroughput", 0),
		GridConsumptionTotal: vars.float("gridConsumption", 0),
		LoadsTotal:           vars.float("loads", 0),
		FeedInTotal:          vars.float("feedin", 0),
		// yes, ToTal is how the cloud spells these two
		ChargeEnergyTotal:    vars.float("chargeEnergyToTal", 0),
		DischargeEnergyTotal: vars.float("dischargeEnergyToTal", 0),
		PVEnergyTotal:        vars.float("PVEnergyTotal", 0),

		RunningState:      vars.str("runningState"),
		BatteryStatus:     vars.str("batStatus"),
		BatteryStatusName: vars.str("batStatusV2"),
		CurrentFault:      vars.str("currentFault"),
		CurrentFaultCount: vars.int("currentFaultCount", 0),

		Raw: vars,
	}
}
