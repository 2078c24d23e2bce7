package mqttbridge

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/paulannetts/foxess-hapa/pkg/foxess"
	"github.com/paulannetts/foxess-hapa/pkg/log"
)

const (
	entityWorkMode     = "work_mode"
	entityMinSoc       = "min_soc"
	entityMinSocOnGrid = "min_soc_on_grid"
)

// subscribeCommands registers the writable entities' command topics,
// gated on what the protocol generation can actually write. Called from
// the connect handler so reconnects restore the subscriptions.
func (b *Bridge) subscribeCommands(ctx context.Context) {
	type command struct {
		entity  string
		handler func(ctx context.Context, payload string) error
	}
	cmds := []command{{entityMinSocOnGrid, b.setMinSocOnGrid}}
	if b.device.Protocol().SupportsScheduler() {
		cmds = append(cmds, command{entityWorkMode, b.setWorkMode})
	}
	if b.device.Protocol().SupportsBatterySettings() {
		cmds = append(cmds, command{entityMinSoc, b.setMinSoc})
	}

	for _, cmd := range cmds {
		topic := b.commandTopic(cmd.entity)
		token := b.client.Subscribe(topic, b.opts.QoS, b.commandHandler(cmd.entity, cmd.handler))
		if !token.WaitTimeout(publishTimeout) {
			log.Ctx(ctx).WarnContext(ctx, "mqtt subscribe timed out", slog.String("topic", topic))
			continue
		}
		if err := token.Error(); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "mqtt subscribe failed",
				slog.String("topic", topic),
				slog.Any("error", err),
			)
		}
	}
}

// commandHandler adapts a write func to a paho callback. A successful
// write schedules an out-of-band poll so the new state is read back from
// the cloud rather than assumed.
func (b *Bridge) commandHandler(entity string, fn func(context.Context, string) error) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		ctx := b.context()
		payload := strings.TrimSpace(string(msg.Payload()))
		if err := fn(ctx, payload); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "mqtt command rejected",
				slog.String("entity", entity),
				slog.String("payload", payload),
				slog.Any("error", err),
			)
			return
		}
		log.Ctx(ctx).InfoContext(ctx, "mqtt command applied",
			slog.String("entity", entity),
			slog.String("payload", payload),
		)
		b.source.RequestRefresh()
	}
}

func (b *Bridge) setWorkMode(ctx context.Context, payload string) error {
	mode := foxess.WorkMode(payload)
	if !b.device.Protocol().ValidWorkMode(mode) {
		return fmt.Errorf("work mode %q not supported by the %s generation", payload, b.device.Protocol().Name())
	}
	return b.patchSchedule(ctx, foxess.PeriodPatch{WorkMode: &mode})
}

func (b *Bridge) setMinSocOnGrid(ctx context.Context, payload string) error {
	v, err := parsePercent(payload)
	if err != nil {
		return err
	}
	if b.device.Protocol().SupportsScheduler() {
		return b.patchSchedule(ctx, foxess.PeriodPatch{MinSocOnGrid: &v})
	}
	settings, err := b.device.GetBatterySettings(ctx)
	if err != nil {
		return fmt.Errorf("read battery settings: %w", err)
	}
	settings.MinSocOnGrid = v
	if err := b.device.SetBatterySettings(ctx, settings); err != nil {
		return fmt.Errorf("write battery settings: %w", err)
	}
	return nil
}

func (b *Bridge) setMinSoc(ctx context.Context, payload string) error {
	v, err := parsePercent(payload)
	if err != nil {
		return err
	}
	settings, err := b.device.GetBatterySettings(ctx)
	if err != nil {
		return fmt.Errorf("read battery settings: %w", err)
	}
	settings.MinSoc = v
	if err := b.device.SetBatterySettings(ctx, settings); err != nil {
		return fmt.Errorf("write battery settings: %w", err)
	}
	return nil
}

// patchSchedule is the read-patch-write path: fetch the current periods,
// apply the change to every real one (or synthesize a full-day period on an
// empty schedule), and write the list back enabled.
func (b *Bridge) patchSchedule(ctx context.Context, patch foxess.PeriodPatch) error {
	sched, err := b.device.GetSchedule(ctx)
	if err != nil {
		return fmt.Errorf("read schedule: %w", err)
	}
	periods := foxess.PatchPeriods(sched.ActivePeriods(), patch)
	if err := b.device.SetSchedule(ctx, periods, true); err != nil {
		return fmt.Errorf("write schedule: %w", err)
	}
	return nil
}

// parsePercent accepts the string forms Home Assistant's number entity
// sends, including "15.0".
func parsePercent(payload string) (int, error) {
	f, err := strconv.ParseFloat(payload, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", payload)
	}
	v := int(math.Round(f))
	if v < 0 || v > 100 {
		return 0, fmt.Errorf("soc %d out of range 0..100", v)
	}
	return v, nil
}
