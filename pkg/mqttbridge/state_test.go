package mqttbridge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulannetts/foxess-hapa/pkg/foxess"
	"github.com/paulannetts/foxess-hapa/pkg/poller"
)

func intPtr(v int) *int { return &v }

func batteryData() foxess.Data {
	return foxess.Data{
		DeviceInfo: foxess.DeviceInfo{
			StationName: "Home Array",
			DeviceSN:    "X9",
			DeviceType:  "H1-5.0-E",
			HasBattery:  true,
		},
		RealTime: foxess.RealTimeData{
			PVPower:      3.5,
			LoadPower:    1.1,
			GridPower:    -2.4,
			FeedInPower:  2.4,
			BatteryPower: 1.2,
			BatterySOC:   77,
			RunningState: "164",
		},
		SchedulePeriods: []foxess.SchedulePeriod{{
			Enable:       foxess.IntBool(true),
			StartHour:    0,
			EndHour:      23,
			EndMinute:    59,
			WorkMode:     foxess.WorkModeForceDischarge,
			MinSocOnGrid: intPtr(25),
		}},
	}
}

func TestStateDocument(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("telemetryAndFlags", func(t *testing.T) {
		snap := poller.Snapshot{
			Data:      batteryData(),
			UpdatedAt: now,
			Health:    poller.HealthOK,
		}
		doc := newStateDocument(snap, now)

		assert.Equal(t, "2024-06-01T12:00:00Z", doc.Timestamp)
		assert.Equal(t, "ok", doc.Health)
		assert.Equal(t, 3.5, doc.PVPower)
		assert.Equal(t, "164", doc.RunningState)
		assert.Equal(t, "ON", doc.HasBattery)
		assert.Equal(t, "ON", doc.Exporting)
		assert.Equal(t, "ON", doc.BatteryCharging)
		assert.Equal(t, "OFF", doc.BatteryDischarging)
	})

	t.Run("dischargingFlag", func(t *testing.T) {
		data := batteryData()
		data.RealTime.BatteryPower = -0.8
		data.RealTime.FeedInPower = 0
		doc := newStateDocument(poller.Snapshot{Data: data, UpdatedAt: now}, now)

		assert.Equal(t, "OFF", doc.BatteryCharging)
		assert.Equal(t, "ON", doc.BatteryDischarging)
		assert.Equal(t, "OFF", doc.Exporting)
	})

	t.Run("scheduleResolvesCoveringPeriod", func(t *testing.T) {
		doc := newStateDocument(poller.Snapshot{Data: batteryData(), UpdatedAt: now}, now)

		assert.Equal(t, string(foxess.WorkModeForceDischarge), doc.WorkMode)
		require.NotNil(t, doc.MinSocOnGrid)
		assert.Equal(t, 25, *doc.MinSocOnGrid)
		assert.Nil(t, doc.MinSoc)
	})

	t.Run("noCoveringPeriodFallsBackToSelfUse", func(t *testing.T) {
		data := batteryData()
		data.SchedulePeriods = []foxess.SchedulePeriod{{
			Enable:    foxess.IntBool(true),
			StartHour: 1,
			EndHour:   2,
			WorkMode:  foxess.WorkModeForceCharge,
		}}
		doc := newStateDocument(poller.Snapshot{Data: data, UpdatedAt: now}, now)

		assert.Equal(t, string(foxess.WorkModeSelfUse), doc.WorkMode)
		require.NotNil(t, doc.MinSocOnGrid)
		assert.Equal(t, foxess.DefaultMinSocOnGrid, *doc.MinSocOnGrid)
	})

	t.Run("legacySettingsPassThrough", func(t *testing.T) {
		data := batteryData()
		data.SchedulePeriods = nil
		data.BatterySettings = &foxess.BatterySettings{MinSoc: 12, MinSocOnGrid: 15}
		doc := newStateDocument(poller.Snapshot{Data: data, UpdatedAt: now}, now)

		assert.Empty(t, doc.WorkMode)
		require.NotNil(t, doc.MinSoc)
		assert.Equal(t, 12, *doc.MinSoc)
		require.NotNil(t, doc.MinSocOnGrid)
		assert.Equal(t, 15, *doc.MinSocOnGrid)
	})

	t.Run("noBatteryOmitsBatteryFields", func(t *testing.T) {
		data := batteryData()
		data.DeviceInfo.HasBattery = false
		data.SchedulePeriods = nil
		doc := newStateDocument(poller.Snapshot{Data: data, UpdatedAt: now}, now)

		assert.Equal(t, "OFF", doc.HasBattery)
		assert.Empty(t, doc.WorkMode)
		assert.Nil(t, doc.MinSoc)
		assert.Nil(t, doc.MinSocOnGrid)

		// omitempty keeps the binary battery fields out of the payload
		payload, err := json.Marshal(doc)
		require.NoError(t, err)
		assert.NotContains(t, string(payload), "battery_charging")
		assert.NotContains(t, string(payload), "min_soc_on_grid")
	})
}
