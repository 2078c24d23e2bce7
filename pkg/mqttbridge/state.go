package mqttbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/paulannetts/foxess-hapa/pkg/foxess"
	"github.com/paulannetts/foxess-hapa/pkg/log"
	"github.com/paulannetts/foxess-hapa/pkg/poller"
)

// stateDocument is the retained state message. Field keys line up with the
// discovery value templates, so renaming one means renaming both. Binary
// sensor fields carry Home Assistant's ON/OFF payloads directly.
type stateDocument struct {
	Timestamp string `json:"timestamp"`
	Health    string `json:"health"`

	PVPower              float64 `json:"pv_power"`
	GenerationPower      float64 `json:"generation_power"`
	GridPower            float64 `json:"grid_power"`
	LoadPower            float64 `json:"load_power"`
	FeedInPower          float64 `json:"feed_in_power"`
	GridConsumptionPower float64 `json:"grid_consumption_power"`
	AmbientTemp          float64 `json:"ambient_temp"`
	InverterTemp         float64 `json:"inverter_temp"`
	RunningState         string  `json:"running_state"`

	GenerationTotal      float64 `json:"generation_total"`
	FeedInTotal          float64 `json:"feed_in_total"`
	GridConsumptionTotal float64 `json:"grid_consumption_total"`
	LoadsTotal           float64 `json:"loads_total"`

	Exporting  string `json:"exporting"`
	HasBattery string `json:"has_battery"`

	BatterySOC           float64 `json:"battery_soc"`
	BatteryPower         float64 `json:"battery_power"`
	BatteryTemp          float64 `json:"battery_temp"`
	ResidualEnergy       float64 `json:"residual_energy"`
	ChargeEnergyTotal    float64 `json:"charge_energy_total"`
	DischargeEnergyTotal float64 `json:"discharge_energy_total"`
	BatteryCharging      string  `json:"battery_charging,omitempty"`
	BatteryDischarging   string  `json:"battery_discharging,omitempty"`

	WorkMode     string `json:"work_mode,omitempty"`
	MinSoc       *int   `json:"min_soc,omitempty"`
	MinSocOnGrid *int   `json:"min_soc_on_grid,omitempty"`
}

// newStateDocument flattens a poll snapshot for publishing. The settings
// block mirrors whichever family the protocol generation polled: schedule
// periods resolve to the period covering now, standalone battery floors
// pass through as-is.
func newStateDocument(snap poller.Snapshot, now time.Time) stateDocument {
	rt := snap.Data.RealTime
	info := snap.Data.DeviceInfo
	doc := stateDocument{
		Timestamp: snap.UpdatedAt.UTC().Format(time.RFC3339),
		Health:    string(snap.Health),

		PVPower:              rt.PVPower,
		GenerationPower:      rt.GenerationPower,
		GridPower:            rt.GridPower,
		LoadPower:            rt.LoadPower,
		FeedInPower:          rt.FeedInPower,
		GridConsumptionPower: rt.GridConsumptionPower,
		AmbientTemp:          rt.AmbientTemp,
		InverterTemp:         rt.InverterTemp,
		RunningState:         rt.RunningState,

		GenerationTotal:      rt.GenerationTotal,
		FeedInTotal:          rt.FeedInTotal,
		GridConsumptionTotal: rt.GridConsumptionTotal,
		LoadsTotal:           rt.LoadsTotal,

		Exporting:  onOff(rt.FeedInPower > 0),
		HasBattery: onOff(info.HasBattery),
	}
	if !info.HasBattery {
		return doc
	}

	doc.BatterySOC = rt.BatterySOC
	doc.BatteryPower = rt.BatteryPower
	doc.BatteryTemp = rt.BatteryTemp
	doc.ResidualEnergy = rt.ResidualEnergy
	doc.ChargeEnergyTotal = rt.ChargeEnergyTotal
	doc.DischargeEnergyTotal = rt.DischargeEnergyTotal
	doc.BatteryCharging = onOff(rt.BatteryPower > 0)
	doc.BatteryDischarging = onOff(rt.BatteryPower < 0)

	if snap.Data.BatterySettings != nil {
		minSoc := snap.Data.BatterySettings.MinSoc
		minSocOnGrid := snap.Data.BatterySettings.MinSocOnGrid
		doc.MinSoc = &minSoc
		doc.MinSocOnGrid = &minSocOnGrid
		return doc
	}

	mode, floor := currentModeAndFloor(snap.Data.SchedulePeriods, now)
	doc.WorkMode = string(mode)
	doc.MinSocOnGrid = &floor
	return doc
}

// currentModeAndFloor resolves the schedule to the period covering now.
// Outside every configured window the inverter follows its default
// self-use behaviour.
func currentModeAndFloor(periods []foxess.SchedulePeriod, now time.Time) (foxess.WorkMode, int) {
	idx, ok := foxess.FindCurrentPeriodIndex(periods, now)
	if !ok {
		return foxess.WorkModeSelfUse, foxess.DefaultMinSocOnGrid
	}
	p := periods[idx]
	floor := foxess.DefaultMinSocOnGrid
	if v, ok := p.GridFloor(); ok {
		floor = v
	}
	return p.WorkMode, floor
}

func onOff(v bool) string {
	if v {
		return "ON"
	}
	return "OFF"
}

func (b *Bridge) publishState(ctx context.Context, snap poller.Snapshot) {
	doc := newStateDocument(snap, b.now())
	payload, err := json.Marshal(doc)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "state payload marshal failed", slog.Any("error", err))
		return
	}
	b.publish(b.stateTopic(), payload, true)
	log.Ctx(ctx).DebugContext(ctx, "published state",
		slog.String("topic", b.stateTopic()),
		slog.String("health", string(snap.Health)),
	)
}
