package mqttbridge

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/paulannetts/foxess-hapa/pkg/common"
	"github.com/paulannetts/foxess-hapa/pkg/foxess"
	"github.com/paulannetts/foxess-hapa/pkg/log"
)

const (
	componentSensor       = "sensor"
	componentBinarySensor = "binary_sensor"
	componentNumber       = "number"
	componentSelect       = "select"

	stateClassMeasurement     = "measurement"
	stateClassTotalIncreasing = "total_increasing"

	categoryDiagnostic = "diagnostic"
	categoryConfig     = "config"
)

// discoveryDevice is the device block shared by every entity so Home
// Assistant groups them under one device page.
type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
	HWVersion    string   `json:"hw_version,omitempty"`
}

// discoveryPayload is the Home Assistant MQTT discovery config message.
// "~" abbreviates the bridge base topic in state/command/availability
// references.
type discoveryPayload struct {
	BaseTopic         string          `json:"~"`
	Name              string          `json:"name"`
	UniqueID          string          `json:"unique_id"`
	StateTopic        string          `json:"state_topic"`
	CommandTopic      string          `json:"command_topic,omitempty"`
	AvailabilityTopic string          `json:"availability_topic"`
	ValueTemplate     string          `json:"value_template,omitempty"`
	UnitOfMeasurement string          `json:"unit_of_measurement,omitempty"`
	DeviceClass       string          `json:"device_class,omitempty"`
	StateClass        string          `json:"state_class,omitempty"`
	EntityCategory    string          `json:"entity_category,omitempty"`
	Icon              string          `json:"icon,omitempty"`
	Options           []string        `json:"options,omitempty"`
	Min               float64         `json:"min,omitempty"`
	Max               float64         `json:"max,omitempty"`
	Step              float64         `json:"step,omitempty"`
	Mode              string          `json:"mode,omitempty"`
	Device            discoveryDevice `json:"device"`
}

type entity struct {
	component string
	id        string
	payload   discoveryPayload
}

// discoveryEntities builds the entity set for the device: telemetry
// sensors for every system, battery sensors and the settings controls only
// when the inverter reports a battery, and the controls gated on what the
// protocol generation can write.
func (b *Bridge) discoveryEntities(info foxess.DeviceInfo) []entity {
	ents := []entity{
		b.sensor("pv_power", "PV power", "kW", "power"),
		b.sensor("generation_power", "Generation power", "kW", "power"),
		b.sensor("grid_power", "Grid power", "kW", "power"),
		b.sensor("load_power", "Load power", "kW", "power"),
		b.sensor("feed_in_power", "Feed-in power", "kW", "power"),
		b.sensor("grid_consumption_power", "Grid consumption power", "kW", "power"),
		b.sensor("ambient_temp", "Ambient temperature", "°C", "temperature"),
		b.sensor("inverter_temp", "Inverter temperature", "°C", "temperature"),
		b.totalSensor("generation_total", "Generation total"),
		b.totalSensor("feed_in_total", "Feed-in total"),
		b.totalSensor("grid_consumption_total", "Grid consumption total"),
		b.totalSensor("loads_total", "Load total"),
		b.diagnosticSensor("running_state", "Running state"),
		b.binarySensor("exporting", "Exporting", "mdi:transmission-tower-export"),
	}

	hasBattery := b.binarySensor("has_battery", "Has battery", "mdi:battery-check")
	hasBattery.payload.EntityCategory = categoryDiagnostic
	ents = append(ents, hasBattery)

	if !info.HasBattery {
		return ents
	}

	soc := b.sensor("battery_soc", "Battery SoC", "%", "battery")
	ents = append(ents,
		soc,
		b.sensor("battery_power", "Battery power", "kW", "power"),
		b.sensor("battery_temp", "Battery temperature", "°C", "temperature"),
		b.sensor("residual_energy", "Battery residual energy", "kWh", "energy_storage"),
		b.totalSensor("charge_energy_total", "Battery charge total"),
		b.totalSensor("discharge_energy_total", "Battery discharge total"),
		b.binarySensor("battery_charging", "Battery charging", "mdi:battery-plus"),
		b.binarySensor("battery_discharging", "Battery discharging", "mdi:battery-minus"),
		b.socNumber(entityMinSocOnGrid, "Min SoC on grid"),
	)

	if b.device.Protocol().SupportsScheduler() {
		modes := b.device.Protocol().WorkModes()
		options := make([]string, len(modes))
		for i, m := range modes {
			options[i] = string(m)
		}
		sel := b.entity(componentSelect, "work_mode", "Work mode")
		sel.payload.CommandTopic = "~/" + entityWorkMode + "/set"
		sel.payload.Options = options
		sel.payload.EntityCategory = categoryConfig
		sel.payload.Icon = "mdi:home-battery"
		ents = append(ents, sel)
	}
	if b.device.Protocol().SupportsBatterySettings() {
		ents = append(ents, b.socNumber(entityMinSoc, "Min SoC"))
	}
	return ents
}

// entity fills the fields every discovery payload shares. The device block
// is attached at publish time, when the metadata snapshot is in hand.
func (b *Bridge) entity(component, id, name string) entity {
	return entity{
		component: component,
		id:        id,
		payload: discoveryPayload{
			BaseTopic:         b.baseTopic,
			Name:              name,
			UniqueID:          b.nodeID + "_" + id,
			StateTopic:        "~/state",
			AvailabilityTopic: "~/status",
			ValueTemplate:     "{{ value_json." + id + " }}",
		},
	}
}

func (b *Bridge) sensor(id, name, unit, deviceClass string) entity {
	e := b.entity(componentSensor, id, name)
	e.payload.UnitOfMeasurement = unit
	e.payload.DeviceClass = deviceClass
	e.payload.StateClass = stateClassMeasurement
	return e
}

func (b *Bridge) totalSensor(id, name string) entity {
	e := b.sensor(id, name, "kWh", "energy")
	e.payload.StateClass = stateClassTotalIncreasing
	return e
}

func (b *Bridge) diagnosticSensor(id, name string) entity {
	e := b.entity(componentSensor, id, name)
	e.payload.EntityCategory = categoryDiagnostic
	return e
}

func (b *Bridge) binarySensor(id, name, icon string) entity {
	e := b.entity(componentBinarySensor, id, name)
	e.payload.Icon = icon
	return e
}

// socNumber is a 10..100 percent box matching the floor range the vendor
// accepts.
func (b *Bridge) socNumber(id, name string) entity {
	e := b.entity(componentNumber, id, name)
	e.payload.CommandTopic = "~/" + id + "/set"
	e.payload.UnitOfMeasurement = "%"
	e.payload.Min = 10
	e.payload.Max = 100
	e.payload.Step = 1
	e.payload.Mode = "box"
	e.payload.EntityCategory = categoryConfig
	return e
}

func (b *Bridge) deviceBlock(info foxess.DeviceInfo) discoveryDevice {
	name := info.StationName
	if name == "" {
		name = "FoxESS " + b.device.DeviceSN()
	}
	return discoveryDevice{
		Identifiers:  []string{b.device.DeviceSN()},
		Name:         name,
		Manufacturer: "FoxESS",
		Model:        info.DeviceType,
		SWVersion:    "foxess-hapa " + common.Version(),
		HWVersion:    info.MasterVersion,
	}
}

func (b *Bridge) discoveryTopic(component, id string) string {
	return b.opts.DiscoveryPrefix + "/" + component + "/" + b.nodeID + "/" + id + "/config"
}

// publishDiscovery announces the entity set, retained so Home Assistant
// picks it up on its own restarts too.
func (b *Bridge) publishDiscovery(ctx context.Context, info foxess.DeviceInfo) {
	dev := b.deviceBlock(info)
	ents := b.discoveryEntities(info)
	for _, e := range ents {
		e.payload.Device = dev
		payload, err := json.Marshal(e.payload)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "discovery payload marshal failed",
				slog.String("entity", e.id),
				slog.Any("error", err),
			)
			continue
		}
		b.publish(b.discoveryTopic(e.component, e.id), payload, true)
	}

	b.mu.Lock()
	b.discovered = true
	b.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "published home assistant discovery",
		slog.Int("entities", len(ents)),
		slog.String("nodeID", b.nodeID),
	)
}
