package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/paulannetts/foxess-hapa/pkg/foxess"
	"github.com/paulannetts/foxess-hapa/pkg/poller"
)

// Snapshotter is the poller surface the collector reads.
type Snapshotter interface {
	Snapshot() (poller.Snapshot, bool)
}

// Collector implements prometheus.Collector over the latest poll snapshot.
// Scrapes never hit the cloud; the poll cadence is what the vendor quota
// allows, so stale readings stay exported and foxess_up plus the update
// timestamp are what flag staleness.
type Collector struct {
	source   Snapshotter
	deviceSN string
	now      func() time.Time

	up           *prometheus.Desc
	lastUpdate   *prometheus.Desc
	pollFailures *prometheus.Desc

	pvPower              *prometheus.Desc
	batterySOC           *prometheus.Desc
	batteryPower         *prometheus.Desc
	gridPower            *prometheus.Desc
	loadPower            *prometheus.Desc
	feedInPower          *prometheus.Desc
	gridConsumptionPower *prometheus.Desc
	generationPower      *prometheus.Desc
	residualEnergy       *prometheus.Desc
	faultCount           *prometheus.Desc

	ambientTemp  *prometheus.Desc
	inverterTemp *prometheus.Desc
	batteryTemp  *prometheus.Desc

	generationTotal      *prometheus.Desc
	feedInTotal          *prometheus.Desc
	gridConsumptionTotal *prometheus.Desc
	loadsTotal           *prometheus.Desc
	chargeTotal          *prometheus.Desc
	dischargeTotal       *prometheus.Desc

	info            *prometheus.Desc
	schedulePeriods *prometheus.Desc
	activePeriod    *prometheus.Desc
	periodEnabled   *prometheus.Desc
	minSoc          *prometheus.Desc
	minSocOnGrid    *prometheus.Desc
}

// NewCollector builds a collector reading from source for the given serial.
func NewCollector(source Snapshotter, deviceSN string) *Collector {
	labels := []string{"device_sn"}
	return &Collector{
		source:   source,
		deviceSN: deviceSN,
		now:      time.Now,

		up: prometheus.NewDesc(
			"foxess_up",
			"Whether the last cloud poll succeeded (1=yes, 0=no)",
			labels, nil,
		),
		lastUpdate: prometheus.NewDesc(
			"foxess_last_update_timestamp_seconds",
			"Unix time of the poll the exported data came from",
			labels, nil,
		),
		pollFailures: prometheus.NewDesc(
			"foxess_poll_consecutive_failures",
			"Consecutive failed polls since the last success",
			labels, nil,
		),
		pvPower: prometheus.NewDesc(
			"foxess_pv_power_kw",
			"Current solar generation in kilowatts",
			labels, nil,
		),
		batterySOC: prometheus.NewDesc(
			"foxess_battery_soc_percent",
			"Battery state of charge in percent",
			labels, nil,
		),
		batteryPower: prometheus.NewDesc(
			"foxess_battery_power_kw",
			"Battery power in kilowatts (positive=charging, negative=discharging)",
			labels, nil,
		),
		gridPower: prometheus.NewDesc(
			"foxess_grid_power_kw",
			"Grid power in kilowatts (positive=import, negative=export)",
			labels, nil,
		),
		loadPower: prometheus.NewDesc(
			"foxess_load_power_kw",
			"House load in kilowatts",
			labels, nil,
		),
		feedInPower: prometheus.NewDesc(
			"foxess_feed_in_power_kw",
			"Grid export in kilowatts",
			labels, nil,
		),
		gridConsumptionPower: prometheus.NewDesc(
			"foxess_grid_consumption_power_kw",
			"Grid import in kilowatts",
			labels, nil,
		),
		generationPower: prometheus.NewDesc(
			"foxess_generation_power_kw",
			"Inverter output power in kilowatts",
			labels, nil,
		),
		residualEnergy: prometheus.NewDesc(
			"foxess_battery_residual_energy_kwh",
			"Energy remaining in the battery in kilowatt-hours",
			labels, nil,
		),
		faultCount: prometheus.NewDesc(
			"foxess_fault_count",
			"Faults the inverter is currently reporting",
			labels, nil,
		),
		ambientTemp: prometheus.NewDesc(
			"foxess_ambient_temperature_celsius",
			"Ambient temperature at the inverter in celsius",
			labels, nil,
		),
		inverterTemp: prometheus.NewDesc(
			"foxess_inverter_temperature_celsius",
			"Inverter temperature in celsius",
			labels, nil,
		),
		batteryTemp: prometheus.NewDesc(
			"foxess_battery_temperature_celsius",
			"Battery temperature in celsius",
			labels, nil,
		),
		generationTotal: prometheus.NewDesc(
			"foxess_generation_energy_kwh_total",
			"Lifetime solar generation in kilowatt-hours",
			labels, nil,
		),
		feedInTotal: prometheus.NewDesc(
			"foxess_feed_in_energy_kwh_total",
			"Lifetime grid export in kilowatt-hours",
			labels, nil,
		),
		gridConsumptionTotal: prometheus.NewDesc(
			"foxess_grid_consumption_energy_kwh_total",
			"Lifetime grid import in kilowatt-hours",
			labels, nil,
		),
		loadsTotal: prometheus.NewDesc(
			"foxess_load_energy_kwh_total",
			"Lifetime house consumption in kilowatt-hours",
			labels, nil,
		),
		chargeTotal: prometheus.NewDesc(
			"foxess_battery_charge_energy_kwh_total",
			"Lifetime battery charge in kilowatt-hours",
			labels, nil,
		),
		dischargeTotal: prometheus.NewDesc(
			"foxess_battery_discharge_energy_kwh_total",
			"Lifetime battery discharge in kilowatt-hours",
			labels, nil,
		),
		info: prometheus.NewDesc(
			"foxess_device_info",
			"Inverter metadata",
			[]string{"device_sn", "station_name", "device_type", "master_version", "manager_version", "slave_version"},
			nil,
		),
		schedulePeriods: prometheus.NewDesc(
			"foxess_schedule_periods",
			"Active scheduler periods on the device",
			labels, nil,
		),
		activePeriod: prometheus.NewDesc(
			"foxess_schedule_active_period",
			"Index of the scheduler period covering the current time, -1 when none",
			labels, nil,
		),
		periodEnabled: prometheus.NewDesc(
			"foxess_schedule_period_enabled",
			"Whether the scheduler period at this index is enabled",
			[]string{"device_sn", "period"}, nil,
		),
		minSoc: prometheus.NewDesc(
			"foxess_battery_min_soc_percent",
			"Configured minimum state of charge in percent",
			labels, nil,
		),
		minSocOnGrid: prometheus.NewDesc(
			"foxess_battery_min_soc_on_grid_percent",
			"Configured on-grid minimum state of charge in percent",
			labels, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.lastUpdate
	ch <- c.pollFailures
	ch <- c.pvPower
	ch <- c.batterySOC
	ch <- c.batteryPower
	ch <- c.gridPower
	ch <- c.loadPower
	ch <- c.feedInPower
	ch <- c.gridConsumptionPower
	ch <- c.generationPower
	ch <- c.residualEnergy
	ch <- c.faultCount
	ch <- c.ambientTemp
	ch <- c.inverterTemp
	ch <- c.batteryTemp
	ch <- c.generationTotal
	ch <- c.feedInTotal
	ch <- c.gridConsumptionTotal
	ch <- c.loadsTotal
	ch <- c.chargeTotal
	ch <- c.dischargeTotal
	ch <- c.info
	ch <- c.schedulePeriods
	ch <- c.activePeriod
	ch <- c.periodEnabled
	ch <- c.minSoc
	ch <- c.minSocOnGrid
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap, ok := c.source.Snapshot()
	if !ok {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0, c.deviceSN)
		return
	}

	up := 0.0
	if snap.Health == poller.HealthOK {
		up = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up, c.deviceSN)
	ch <- prometheus.MustNewConstMetric(c.pollFailures, prometheus.GaugeValue, float64(snap.ConsecutiveFailures), c.deviceSN)

	if snap.UpdatedAt.IsZero() {
		// never had a successful poll, nothing else to export
		return
	}
	ch <- prometheus.MustNewConstMetric(c.lastUpdate, prometheus.GaugeValue, float64(snap.UpdatedAt.Unix()), c.deviceSN)

	rt := snap.Data.RealTime
	ch <- prometheus.MustNewConstMetric(c.pvPower, prometheus.GaugeValue, rt.PVPower, c.deviceSN)
	ch <- prometheus.MustNewConstMetric(c.batterySOC, prometheus.GaugeValue, rt.BatterySOC, c.deviceSN)
	ch <- prometheus.MustNewConstMetric(c.batteryPower, prometheus.GaugeValue, rt.BatteryPower, c.deviceSN)
	ch <- prometheus.MustNewConstMetric(c.gridPower, prometheus.GaugeValue, rt.GridPower, c.deviceSN)
	ch <- prometheus.MustNewConstMetric(c.loadPower, prometheus.GaugeValue, rt.LoadPower, c.deviceSN)
	ch <- prometheus.MustNewConstMetric(c.feedInPower, prometheus.GaugeValue, rt.FeedInPower, c.deviceSN)
	ch <- prometheus.MustNewConstMetric(c.gridConsumptionPower, prometheus.GaugeValue, rt.GridConsumptionPower, c.deviceSN)
	ch <- prometheus.MustNewConstMetric(c.generationPower, prometheus.GaugeValue, rt.GenerationPower, c.deviceSN)
	ch <- prometheus.MustNewConstMetric(c.residualEnergy, prometheus.GaugeValue, rt.ResidualEnergy, c.deviceSN)
	ch <- prometheus.MustNewConstMetric(c.faultCount, prometheus.GaugeValue, float64(rt.CurrentFaultCount), c.deviceSN)
	ch <- prometheus.MustNewConstMetric(c.ambientTemp, prometheus.GaugeValue, rt.AmbientTemp, c.deviceSN)
	ch <- prometheus.MustNewConstMetric(c.inverterTemp, prometheus.GaugeValue, rt.InverterTemp, c.deviceSN)
	ch <- prometheus.MustNewConstMetric(c.batteryTemp, prometheus.GaugeValue, rt.BatteryTemp, c.deviceSN)

	ch <- prometheus.MustNewConstMetric(c.generationTotal, prometheus.CounterValue, rt.GenerationTotal, c.deviceSN)
	ch <- prometheus.MustNewConstMetric(c.feedInTotal, prometheus.CounterValue, rt.FeedInTotal, c.deviceSN)
	ch <- prometheus.MustNewConstMetric(c.gridConsumptionTotal, prometheus.CounterValue, rt.GridConsumptionTotal, c.deviceSN)
	ch <- prometheus.MustNewConstMetric(c.loadsTotal, prometheus.CounterValue, rt.LoadsTotal, c.deviceSN)
	ch <- prometheus.MustNewConstMetric(c.chargeTotal, prometheus.CounterValue, rt.ChargeEnergyTotal, c.deviceSN)
	ch <- prometheus.MustNewConstMetric(c.dischargeTotal, prometheus.CounterValue, rt.DischargeEnergyTotal, c.deviceSN)

	di := snap.Data.DeviceInfo
	ch <- prometheus.MustNewConstMetric(c.info, prometheus.GaugeValue, 1,
		c.deviceSN, di.StationName, di.DeviceType, di.MasterVersion, di.ManagerVersion, di.SlaveVersion)

	ch <- prometheus.MustNewConstMetric(c.schedulePeriods, prometheus.GaugeValue,
		float64(len(snap.Data.SchedulePeriods)), c.deviceSN)

	active, covered := foxess.FindCurrentPeriodIndex(snap.Data.SchedulePeriods, c.now())
	if !covered {
		active = -1
	}
	ch <- prometheus.MustNewConstMetric(c.activePeriod, prometheus.GaugeValue, float64(active), c.deviceSN)
	for i, p := range snap.Data.SchedulePeriods {
		enabled := 0.0
		if p.Enable {
			enabled = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.periodEnabled, prometheus.GaugeValue, enabled, c.deviceSN, strconv.Itoa(i))
	}

	if settings := snap.Data.BatterySettings; settings != nil {
		ch <- prometheus.MustNewConstMetric(c.minSoc, prometheus.GaugeValue, float64(settings.MinSoc), c.deviceSN)
		ch <- prometheus.MustNewConstMetric(c.minSocOnGrid, prometheus.GaugeValue, float64(settings.MinSocOnGrid), c.deviceSN)
	}
}
