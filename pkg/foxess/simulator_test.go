package foxess

import (
	"context"
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simAt(t *testing.T, hour, minute int, seed int64) *Simulator {
	t.Helper()
	clock := time.Date(2024, 6, 1, hour, minute, 0, 0, time.UTC)
	return NewSimulator("SIM001", &SimulatorOptions{
		Rand: rand.New(rand.NewSource(seed)),
		Now:  func() time.Time { return clock },
	})
}

func TestSimulatorDeterministic(t *testing.T) {
	ctx := context.Background()
	a, err := simAt(t, 12, 0, 7).GetRealTimeData(ctx)
	require.NoError(t, err)
	b, err := simAt(t, 12, 0, 7).GetRealTimeData(ctx)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := simAt(t, 12, 0, 8).GetRealTimeData(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestSimulatorEnergyBalance(t *testing.T) {
	// generation minus load always equals battery flow minus grid flow,
	// whatever the hour
	for _, hour := range []int{0, 3, 6, 9, 12, 15, 18, 21, 23} {
		data, err := simAt(t, hour, 30, 42).GetRealTimeData(context.Background())
		require.NoError(t, err)
		assert.InDelta(t, data.PVPower-data.LoadPower, data.BatteryPower-data.GridPower, 0.03,
			"hour %d", hour)
	}
}

func TestSimulatorNoon(t *testing.T) {
	s := simAt(t, 12, 0, 42)
	data, err := s.GetRealTimeData(context.Background())
	require.NoError(t, err)

	// near-peak sun on a 6kW array beats the daytime load by more than the
	// battery can absorb, so the battery charges at its cap and the rest
	// exports
	assert.Greater(t, data.PVPower, 4.0)
	assert.Equal(t, simBatteryRateCapKW, data.BatteryPower)
	assert.Less(t, data.GridPower, 0.0)

	// one charging step moves the 10kWh battery up half a percent
	assert.Equal(t, 50.5, data.BatterySOC)
}

func TestSimulatorNight(t *testing.T) {
	t.Run("batteryCoversLoad", func(t *testing.T) {
		s := simAt(t, 23, 0, 42)
		data, err := s.GetRealTimeData(context.Background())
		require.NoError(t, err)

		assert.Zero(t, data.PVPower)
		assert.Equal(t, -data.LoadPower, data.BatteryPower)
		assert.Zero(t, data.GridPower)
		// a single step can round away in the reported value, the internal
		// state must still have moved
		assert.Less(t, s.soc, simStartingSOC)
	})

	t.Run("depletedBatteryImports", func(t *testing.T) {
		s := simAt(t, 23, 0, 42)
		s.soc = float64(s.minSoc)

		data, err := s.GetRealTimeData(context.Background())
		require.NoError(t, err)
		assert.Zero(t, data.BatteryPower)
		assert.Equal(t, data.LoadPower, data.GridPower)
		assert.Equal(t, 10.0, data.BatterySOC)
	})
}

func TestSimulatorFullBatteryExports(t *testing.T) {
	s := simAt(t, 12, 0, 42)
	s.soc = 100

	data, err := s.GetRealTimeData(context.Background())
	require.NoError(t, err)
	assert.Zero(t, data.BatteryPower)
	assert.InDelta(t, -(data.PVPower - data.LoadPower), data.GridPower, 0.03)
	assert.Equal(t, 100.0, data.BatterySOC)
}

func TestSimulatorSOCClamped(t *testing.T) {
	s := simAt(t, 12, 0, 42)
	s.soc = 99.99

	for i := 0; i < 20; i++ {
		data, err := s.GetRealTimeData(context.Background())
		require.NoError(t, err)
		assert.LessOrEqual(t, data.BatterySOC, 100.0)
	}
	assert.Equal(t, 100.0, s.soc)
}

func TestSimulatorDeviceDetail(t *testing.T) {
	info, err := simAt(t, 12, 0, 1).GetDeviceDetail(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Mock Solar Station", info.StationName)
	assert.Equal(t, "SIM001", info.DeviceSN)
	assert.Equal(t, "H3-6.0-E", info.DeviceType)
	assert.True(t, info.HasBattery)
	assert.Equal(t, "1.54", info.MasterVersion)
	require.Len(t, info.BatteryList, 1)

	var battery map[string]any
	require.NoError(t, json.Unmarshal(info.BatteryList[0], &battery))
	assert.Equal(t, "SIM001-BAT1", battery["sn"])
	assert.Equal(t, "HV2600", battery["type"])
}

func TestSimulatorSchedule(t *testing.T) {
	s := simAt(t, 23, 30, 1)

	sched, err := s.GetSchedule(context.Background())
	require.NoError(t, err)
	assert.True(t, bool(sched.Enable))
	require.Len(t, sched.Periods, 1)
	assert.Equal(t, WorkModeSelfUse, sched.Periods[0].WorkMode)
	floor, ok := sched.Periods[0].GridFloor()
	require.True(t, ok)
	assert.Equal(t, DefaultMinSocOnGrid, floor)

	t.Run("writeAppliesCoveringPeriod", func(t *testing.T) {
		minSoc := 12
		overnight := SchedulePeriod{
			Enable:    true,
			StartHour: 22, EndHour: 6,
			WorkMode: WorkModeForceCharge,
			MinSoc:   &minSoc,
			Extra: map[string]json.RawMessage{
				"extraParam": json.RawMessage(`{"minSocOnGrid": 30}`),
			},
		}
		require.NoError(t, s.SetSchedule(context.Background(), []SchedulePeriod{overnight}, true))

		sched, err := s.GetSchedule(context.Background())
		require.NoError(t, err)
		assert.Equal(t, WorkModeForceCharge, sched.Periods[0].WorkMode)
		floor, ok := sched.Periods[0].GridFloor()
		require.True(t, ok)
		assert.Equal(t, 30, floor)
		assert.Equal(t, 12, s.minSoc)
	})

	t.Run("writeIgnoresNonCoveringPeriod", func(t *testing.T) {
		daytime := SchedulePeriod{
			StartHour: 9, EndHour: 17,
			WorkMode: WorkModeForceDischarge,
		}
		// 23:30 is outside 09:00..17:00, so only the enable flag lands
		require.NoError(t, s.SetSchedule(context.Background(), []SchedulePeriod{daytime}, false))

		sched, err := s.GetSchedule(context.Background())
		require.NoError(t, err)
		assert.False(t, bool(sched.Enable))
		assert.Equal(t, WorkModeForceCharge, sched.Periods[0].WorkMode)
	})

	t.Run("legacyUnsupported", func(t *testing.T) {
		s := NewSimulator("SIM001", &SimulatorOptions{
			Protocol: ProtocolLegacy,
			Rand:     rand.New(rand.NewSource(1)),
		})
		_, err := s.GetSchedule(context.Background())
		require.ErrorIs(t, err, ErrNotSupported)
		require.ErrorIs(t, s.SetSchedule(context.Background(), nil, true), ErrNotSupported)
	})
}

func TestSimulatorBatterySettings(t *testing.T) {
	t.Run("currentUnsupported", func(t *testing.T) {
		s := simAt(t, 12, 0, 1)
		_, err := s.GetBatterySettings(context.Background())
		require.ErrorIs(t, err, ErrNotSupported)
		require.ErrorIs(t, s.SetBatterySettings(context.Background(), BatterySettings{}), ErrNotSupported)
	})

	t.Run("legacy", func(t *testing.T) {
		s := NewSimulator("SIM001", &SimulatorOptions{
			Protocol: ProtocolLegacy,
			Rand:     rand.New(rand.NewSource(1)),
		})

		settings, err := s.GetBatterySettings(context.Background())
		require.NoError(t, err)
		assert.Equal(t, BatterySettings{MinSoc: 10, MinSocOnGrid: 10}, settings)

		require.NoError(t, s.SetBatterySettings(context.Background(),
			BatterySettings{MinSoc: 15, MinSocOnGrid: 20}))
		settings, err = s.GetBatterySettings(context.Background())
		require.NoError(t, err)
		assert.Equal(t, BatterySettings{MinSoc: 15, MinSocOnGrid: 20}, settings)
	})
}

func TestSimulatorGetData(t *testing.T) {
	t.Run("current", func(t *testing.T) {
		data, err := simAt(t, 12, 0, 42).GetData(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Mock Solar Station", data.DeviceInfo.StationName)
		assert.Greater(t, data.RealTime.PVPower, 0.0)
		assert.Len(t, data.SchedulePeriods, 1)
		assert.Nil(t, data.BatterySettings)
	})

	t.Run("legacy", func(t *testing.T) {
		s := NewSimulator("SIM001", &SimulatorOptions{
			Protocol: ProtocolLegacy,
			Rand:     rand.New(rand.NewSource(42)),
		})
		data, err := s.GetData(context.Background())
		require.NoError(t, err)
		assert.Nil(t, data.SchedulePeriods)
		require.NotNil(t, data.BatterySettings)
		assert.Equal(t, 10, data.BatterySettings.MinSoc)
	})
}
