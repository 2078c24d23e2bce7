package foxess

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/paulannetts/foxess-hapa/pkg/log"
)

// Simulated plant ratings and the daylight window for the generation curve.
const (
	simPanelCapacityKW    = 6.0
	simBatteryCapacityKWH = 10.0
	simStartingSOC        = 50.0
	simSunriseHour        = 6.0
	simSunsetHour         = 20.0
	// charge and discharge are both capped at the inverter's battery rating
	simBatteryRateCapKW = 3.0
	// one telemetry read advances the model by roughly a minute
	simStepHours = 0.016
)

var _ Device = (*Simulator)(nil)

// Simulator implements the Device contract with a small physical model
// instead of network calls: a sine solar curve over the daylight window,
// time-of-day household load bands, and battery charge/discharge integration
// against the remaining surplus or deficit. Schedule writes mutate the
// simulated work mode and floors through the same current-period lookup the
// live write path uses, so tests exercise identical behavior.
type Simulator struct {
	mu sync.Mutex

	deviceSN        string
	protocol        *Protocol
	soc             float64
	minSoc          int
	minSocOnGrid    int
	workMode        WorkMode
	scheduleEnabled bool

	rng *rand.Rand
	now func() time.Time
}

// SimulatorOptions configures a Simulator. The zero value is a
// nondeterministic simulation on the current API generation.
type SimulatorOptions struct {
	// Protocol selects the API generation to mimic. Nil means
	// ProtocolCurrent.
	Protocol *Protocol
	// Rand supplies the weather and load noise. Tests pass a fixed-seed
	// source to get reproducible telemetry; nil seeds from the clock.
	Rand *rand.Rand
	// Now supplies wall-clock time. Nil means time.Now.
	Now func() time.Time
}

// NewSimulator builds a simulated inverter with a 6kW array and a 10kWh
// battery, starting at 50% charge in SelfUse mode.
func NewSimulator(deviceSN string, opts *SimulatorOptions) *Simulator {
	s := &Simulator{
		deviceSN:        deviceSN,
		protocol:        ProtocolCurrent,
		soc:             simStartingSOC,
		minSoc:          DefaultMinSocOnGrid,
		minSocOnGrid:    DefaultMinSocOnGrid,
		workMode:        WorkModeSelfUse,
		scheduleEnabled: true,
		now:             time.Now,
	}
	if opts != nil {
		if opts.Protocol != nil {
			s.protocol = opts.Protocol
		}
		s.rng = opts.Rand
		if opts.Now != nil {
			s.now = opts.Now
		}
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return s
}

// DeviceSN returns the serial the simulator reports.
func (s *Simulator) DeviceSN() string { return s.deviceSN }

// Protocol returns the API generation descriptor the simulator mimics.
func (s *Simulator) Protocol() *Protocol { return s.protocol }

// solarGenerationKW models the array output at t: a sine over the daylight
// window scaled by a bounded cloud factor, zero at night.
func (s *Simulator) solarGenerationKW(t time.Time) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60.0
	if hour < simSunriseHour || hour > simSunsetHour {
		return 0
	}
	dayProgress := (hour - simSunriseHour) / (simSunsetHour - simSunriseHour)
	generationFactor := math.Sin(dayProgress * math.Pi)
	cloudFactor := 0.8 + s.rng.Float64()*0.2
	return simPanelCapacityKW * generationFactor * cloudFactor
}

// loadPowerKW models the household draw at t: a time-of-day base band with
// plus or minus 30% noise.
func (s *Simulator) loadPowerKW(t time.Time) float64 {
	var baseLoad float64
	switch hour := t.Hour(); {
	case hour >= 6 && hour < 9: // morning peak
		baseLoad = 1.5
	case hour >= 9 && hour < 17: // daytime, away at work
		baseLoad = 0.5
	case hour >= 17 && hour < 22: // evening peak
		baseLoad = 2.0
	default: // night
		baseLoad = 0.3
	}
	return baseLoad * (0.7 + s.rng.Float64()*0.6)
}

// updateSOC integrates one step of battery power into the state of charge.
// Positive power charges. The result is clamped to [0, 100].
func (s *Simulator) updateSOC(chargePowerKW float64) {
	energyKWH := chargePowerKW * simStepHours
	s.soc += (energyKWH / simBatteryCapacityKWH) * 100
	s.soc = math.Max(0, math.Min(100, s.soc))
}

// GetDeviceDetail returns the fixed metadata of the simulated plant.
func (s *Simulator) GetDeviceDetail(ctx context.Context) (DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	battery, err := json.Marshal(map[string]any{
		"sn":       s.deviceSN + "-BAT1",
		"type":     "HV2600",
		"capacity": simBatteryCapacityKWH,
	})
	if err != nil {
		return DeviceInfo{}, err
	}

	return DeviceInfo{
		StationName:    "Mock Solar Station",
		DeviceSN:       s.deviceSN,
		DeviceType:     "H3-6.0-E",
		HasBattery:     true,
		MasterVersion:  "1.54",
		ManagerVersion: "1.02",
		SlaveVersion:   "1.01",
		BatteryList:    []json.RawMessage{battery},
	}, nil
}

// GetRealTimeData advances the physical model by one step and returns the
// resulting telemetry. Surplus solar charges the battery up to the rate cap
// and exports the remainder; a deficit discharges the battery down to the
// minSoc floor and imports the rest. Grid sign follows the cloud convention:
// negative is export.
func (s *Simulator) GetRealTimeData(ctx context.Context) (RealTimeData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	pvPower := s.solarGenerationKW(now)
	loadPower := s.loadPowerKW(now)

	surplus := pvPower - loadPower
	batteryPower := 0.0
	gridPower := 0.0

	if surplus > 0 {
		if s.soc < 100 {
			batteryPower = math.Min(surplus, simBatteryRateCapKW)
			surplus -= batteryPower
		}
		if surplus > 0 {
			gridPower = -surplus
		}
	} else {
		deficit := -surplus
		if s.soc > float64(s.minSoc) {
			batteryPower = -math.Min(deficit, simBatteryRateCapKW)
			deficit += batteryPower
		}
		if deficit > 0 {
			gridPower = deficit
		}
	}

	s.updateSOC(batteryPower)

	feedInPower := math.Max(0, -gridPower)
	gridConsumptionPower := math.Max(0, gridPower)

	raw := map[string]any{
		"pvPower":              round2(pvPower),
		"SoC":                  round1(s.soc),
		"batChargePower":       round2(math.Max(0, batteryPower)),
		"batDischargePower":    round2(math.Max(0, -batteryPower)),
		"meterPower":           round2(gridPower),
		"loadsPower":           round2(loadPower),
		"feedinPower":          round2(feedInPower),
		"gridConsumptionPower": round2(gridConsumptionPower),
		"generationPower":      round2(pvPower),
	}

	return RealTimeData{
		PVPower:              round2(pvPower),
		BatterySOC:           round1(s.soc),
		BatteryPower:         round2(batteryPower),
		GridPower:            round2(gridPower),
		LoadPower:            round2(loadPower),
		FeedInPower:          round2(feedInPower),
		GridConsumptionPower: round2(gridConsumptionPower),
		GenerationPower:      round2(pvPower),
		BatChargePower:       round2(math.Max(0, batteryPower)),
		BatDischargePower:    round2(math.Max(0, -batteryPower)),
		Raw:                  raw,
	}, nil
}

// GetSchedule reports a single full-day period carrying the simulated work
// mode and grid floor.
func (s *Simulator) GetSchedule(ctx context.Context) (Schedule, error) {
	if !s.protocol.SupportsScheduler() {
		return Schedule{}, ErrNotSupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return Schedule{
		Enable:  IntBool(s.scheduleEnabled),
		Periods: []SchedulePeriod{DefaultPeriod(s.workMode, s.minSocOnGrid)},
	}, nil
}

// SetSchedule applies the period covering the current time to the simulator
// state, mirroring how the inverter picks the active period.
func (s *Simulator) SetSchedule(ctx context.Context, periods []SchedulePeriod, enable bool) error {
	if !s.protocol.SupportsScheduler() {
		return ErrNotSupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "simulator schedule write",
		slog.Int("periods", len(periods)),
		slog.Bool("enable", enable),
	)

	if idx, ok := FindCurrentPeriodIndex(periods, s.now()); ok {
		period := periods[idx]
		if period.WorkMode != "" {
			s.workMode = period.WorkMode
		}
		if floor, ok := period.GridFloor(); ok {
			s.minSocOnGrid = floor
		}
		if period.MinSoc != nil {
			s.minSoc = *period.MinSoc
		}
	}
	s.scheduleEnabled = enable
	return nil
}

// GetBatterySettings returns the simulated floors when the mimicked
// generation exposes the soc endpoints.
func (s *Simulator) GetBatterySettings(ctx context.Context) (BatterySettings, error) {
	if !s.protocol.SupportsBatterySettings() {
		return BatterySettings{}, ErrNotSupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return BatterySettings{MinSoc: s.minSoc, MinSocOnGrid: s.minSocOnGrid}, nil
}

// SetBatterySettings updates the simulated floors when the mimicked
// generation exposes the soc endpoints.
func (s *Simulator) SetBatterySettings(ctx context.Context, settings BatterySettings) error {
	if !s.protocol.SupportsBatterySettings() {
		return ErrNotSupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minSoc = settings.MinSoc
	s.minSocOnGrid = settings.MinSocOnGrid
	return nil
}

// GetData mirrors the live client's coordinated poll against the simulated
// state.
func (s *Simulator) GetData(ctx context.Context) (Data, error) {
	info, err := s.GetDeviceDetail(ctx)
	if err != nil {
		return Data{}, err
	}
	realTime, err := s.GetRealTimeData(ctx)
	if err != nil {
		return Data{}, err
	}

	d := Data{DeviceInfo: info, RealTime: realTime}
	switch {
	case s.protocol.SupportsScheduler():
		sched, err := s.GetSchedule(ctx)
		if err != nil {
			return Data{}, err
		}
		d.SchedulePeriods = sched.ActivePeriods()
	case s.protocol.SupportsBatterySettings():
		settings, err := s.GetBatterySettings(ctx)
		if err != nil {
			return Data{}, err
		}
		d.BatterySettings = &settings
	}
	return d, nil
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round1(v float64) float64 { return math.Round(v*10) / 10 }
