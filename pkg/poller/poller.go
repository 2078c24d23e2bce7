package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/paulannetts/foxess-hapa/pkg/foxess"
	"github.com/paulannetts/foxess-hapa/pkg/log"
)

// DefaultInterval is the live-cloud cadence. The vendor budgets calls per
// day and a coordinated poll spends up to three of them, so the default
// stays at an hour; the simulator profile shortens it.
const DefaultInterval = time.Hour

// Health summarizes the last poll outcome.
type Health string

const (
	HealthOK Health = "ok"
	// HealthDegraded means the last poll failed for a transient reason and
	// the snapshot is stale. The cadence continues unchanged.
	HealthDegraded Health = "degraded"
	// HealthAuthRequired means the cloud rejected the API key. Polling
	// continues so a key fixed on the account side recovers without a
	// restart.
	HealthAuthRequired Health = "auth_required"
)

// Snapshot is the latest poll result. On failure the previous data and its
// UpdatedAt are retained, so UpdatedAt always stamps the data shown, not
// the attempt.
type Snapshot struct {
	Data      foxess.Data `json:"data"`
	UpdatedAt time.Time   `json:"updated_at"`
	Health    Health      `json:"health"`
	LastError string      `json:"last_error,omitempty"`
	// ConsecutiveFailures counts polls since the last success.
	ConsecutiveFailures int `json:"consecutive_failures,omitempty"`
}

// Device is the slice of the device contract the poller consumes. Both the
// live client and the simulator satisfy it.
type Device interface {
	GetData(ctx context.Context) (foxess.Data, error)
}

// Poller drives the poll cadence against a device and owns the latest
// snapshot. Readers take Snapshot; push consumers register with Subscribe.
type Poller struct {
	device   Device
	interval time.Duration

	mu        sync.RWMutex
	snapshot  Snapshot
	polled    bool
	listeners []func(Snapshot)

	refreshCh chan struct{}

	now func() time.Time
}

// New builds a poller for device. A non-positive interval selects
// DefaultInterval.
func New(device Device, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		device:    device,
		interval:  interval,
		refreshCh: make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Subscribe registers fn to run after every completed poll, successful or
// not. Listeners run synchronously on the poll goroutine, so they must be
// fast and must not call back into the poller. Register before Run.
func (p *Poller) Subscribe(fn func(Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Snapshot returns the latest poll result. ok is false until the first poll
// completes.
func (p *Poller) Snapshot() (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot, p.polled
}

// RequestRefresh schedules an immediate extra poll without disturbing the
// cadence. Requests arriving while one is already pending coalesce.
func (p *Poller) RequestRefresh() {
	select {
	case p.refreshCh <- struct{}{}:
	default:
	}
}

// Run polls once immediately, then on the configured cadence until ctx is
// canceled.
func (p *Poller) Run(ctx context.Context) error {
	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.poll(ctx)
		case <-p.refreshCh:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	data, err := p.device.GetData(ctx)
	if err != nil && ctx.Err() != nil {
		// shutdown mid-poll, not a device problem
		return
	}

	p.mu.Lock()
	next := p.snapshot
	if err != nil {
		next.LastError = err.Error()
		next.ConsecutiveFailures++
		var authErr *foxess.AuthError
		if errors.As(err, &authErr) {
			next.Health = HealthAuthRequired
		} else {
			next.Health = HealthDegraded
		}
		log.Ctx(ctx).WarnContext(ctx, "poll failed",
			slog.Any("error", err),
			slog.String("health", string(next.Health)),
			slog.Int("consecutiveFailures", next.ConsecutiveFailures),
		)
	} else {
		next = Snapshot{Data: data, UpdatedAt: p.now(), Health: HealthOK}
		log.Ctx(ctx).DebugContext(ctx, "poll completed",
			slog.Float64("pvKW", data.RealTime.PVPower),
			slog.Float64("soc", data.RealTime.BatterySOC),
			slog.Float64("gridKW", data.RealTime.GridPower),
		)
	}
	p.snapshot = next
	p.polled = true
	listeners := p.listeners
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
}
