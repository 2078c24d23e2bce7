// Package mqttbridge publishes poll snapshots to an MQTT broker in a shape
// Home Assistant discovers automatically, and executes inverter writes for
// the command topics it subscribes to.
package mqttbridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/paulannetts/foxess-hapa/pkg/foxess"
	"github.com/paulannetts/foxess-hapa/pkg/log"
	"github.com/paulannetts/foxess-hapa/pkg/poller"
)

const (
	statusOnline  = "online"
	statusOffline = "offline"

	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	keepAlive      = 60 * time.Second
	// maxReconnectInterval caps paho's backoff while the broker is away.
	maxReconnectInterval = time.Minute
	// disconnectQuiesceMS gives pending publishes a chance to flush on
	// shutdown.
	disconnectQuiesceMS = 500
)

// Poller is the snapshot source the bridge publishes from. Subscribe must
// deliver every completed poll cycle; RequestRefresh schedules an
// out-of-band cycle after a successful write.
type Poller interface {
	Snapshot() (poller.Snapshot, bool)
	Subscribe(fn func(poller.Snapshot))
	RequestRefresh()
}

// mqttClient is the slice of paho's client the bridge uses. Narrowed so
// tests can stand in for the broker.
type mqttClient interface {
	Connect() pahomqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	IsConnected() bool
}

var _ mqttClient = pahomqtt.Client(nil)

// Options configures the broker connection and topic layout.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// TopicPrefix is the root of the state/command tree. The device serial
	// is appended, so one broker can carry several inverters.
	TopicPrefix string
	// DiscoveryPrefix is Home Assistant's discovery root, normally
	// "homeassistant".
	DiscoveryPrefix string
	QoS             byte
}

// Bridge mirrors one inverter onto an MQTT broker. State and discovery
// messages are retained so Home Assistant recovers them across restarts;
// availability rides on a Last Will so entities go unavailable when the
// daemon dies.
type Bridge struct {
	device foxess.Device
	source Poller
	opts   Options

	client    mqttClient
	baseTopic string
	nodeID    string

	mu         sync.Mutex
	runCtx     context.Context
	discovered bool

	now func() time.Time
}

// New wires a bridge for the given device. The poller listener is
// registered here, before the poll loop starts, so no cycle is missed; state
// publishes are skipped until the broker connection is up.
func New(device foxess.Device, source Poller, opts Options) *Bridge {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "foxess"
	}
	if opts.DiscoveryPrefix == "" {
		opts.DiscoveryPrefix = "homeassistant"
	}
	if opts.ClientID == "" {
		opts.ClientID = "foxess-hapa"
	}

	b := &Bridge{
		device: device,
		source: source,
		opts:   opts,
		now:    time.Now,
	}
	sn := sanitizeTopicPart(device.DeviceSN())
	b.baseTopic = opts.TopicPrefix + "/" + sn
	b.nodeID = "foxess_" + sn
	b.client = pahomqtt.NewClient(b.clientOptions())
	source.Subscribe(b.onSnapshot)
	return b
}

// clientOptions builds the paho configuration: auto-reconnect with capped
// backoff, and the offline Will on the status topic.
func (b *Bridge) clientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(b.opts.BrokerURL)
	opts.SetClientID(b.opts.ClientID)
	if b.opts.Username != "" {
		opts.SetUsername(b.opts.Username)
		opts.SetPassword(b.opts.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetWill(b.statusTopic(), statusOffline, b.opts.QoS, true)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		b.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		ctx := b.context()
		log.Ctx(ctx).WarnContext(ctx, "mqtt connection lost", slog.Any("error", err))
	})
	return opts
}

// Run connects and blocks until ctx is canceled, then publishes a graceful
// offline status and disconnects. Connection retry is handled by paho, so a
// broker outage at startup delays the bridge rather than failing it.
func (b *Bridge) Run(ctx context.Context) error {
	b.mu.Lock()
	b.runCtx = ctx
	b.mu.Unlock()

	token := b.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
	case <-ctx.Done():
		b.client.Disconnect(disconnectQuiesceMS)
		return nil
	}
	log.Ctx(ctx).InfoContext(ctx, "mqtt bridge connected",
		slog.String("broker", b.opts.BrokerURL),
		slog.String("baseTopic", b.baseTopic),
	)

	<-ctx.Done()
	b.publishStatus(statusOffline)
	b.client.Disconnect(disconnectQuiesceMS)
	return nil
}

// handleConnect runs on every (re)connect: announce availability, restore
// command subscriptions, and replay discovery plus the latest state so a
// restarted broker is repopulated.
func (b *Bridge) handleConnect() {
	ctx := b.context()
	b.publishStatus(statusOnline)
	b.subscribeCommands(ctx)

	snap, ok := b.source.Snapshot()
	if !ok {
		return
	}
	b.publishDiscovery(ctx, snap.Data.DeviceInfo)
	b.publishState(ctx, snap)
}

// onSnapshot is the poller listener. Discovery goes out before the first
// state message so Home Assistant has the entities ready.
func (b *Bridge) onSnapshot(snap poller.Snapshot) {
	if !b.client.IsConnected() {
		return
	}
	ctx := b.context()
	b.mu.Lock()
	discovered := b.discovered
	b.mu.Unlock()
	if !discovered {
		b.publishDiscovery(ctx, snap.Data.DeviceInfo)
	}
	b.publishState(ctx, snap)
}

func (b *Bridge) publishStatus(status string) {
	b.publish(b.statusTopic(), []byte(status), true)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, b.opts.QoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		ctx := b.context()
		log.Ctx(ctx).WarnContext(ctx, "mqtt publish timed out", slog.String("topic", topic))
		return
	}
	if err := token.Error(); err != nil {
		ctx := b.context()
		log.Ctx(ctx).WarnContext(ctx, "mqtt publish failed",
			slog.String("topic", topic),
			slog.Any("error", err),
		)
	}
}

func (b *Bridge) statusTopic() string { return b.baseTopic + "/status" }

func (b *Bridge) stateTopic() string { return b.baseTopic + "/state" }

func (b *Bridge) commandTopic(entity string) string {
	return b.baseTopic + "/" + entity + "/set"
}

// context returns the Run context once the bridge is running. Paho invokes
// its callbacks on its own goroutines, which is why this is fetched rather
// than passed.
func (b *Bridge) context() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runCtx != nil {
		return b.runCtx
	}
	return context.Background()
}

// sanitizeTopicPart lowercases a serial for use in topics and entity IDs,
// replacing anything outside [a-z0-9_-].
func sanitizeTopicPart(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
