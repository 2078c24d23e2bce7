package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulannetts/foxess-hapa/pkg/foxess"
)

type response struct {
	data foxess.Data
	err  error
}

// scriptedDevice plays back a fixed response sequence, repeating the last
// entry once exhausted.
type scriptedDevice struct {
	mu        sync.Mutex
	calls     int
	responses []response
}

func (d *scriptedDevice) GetData(ctx context.Context) (foxess.Data, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	if i >= len(d.responses) {
		i = len(d.responses) - 1
	}
	d.calls++
	return d.responses[i].data, d.responses[i].err
}

func (d *scriptedDevice) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func goodData(soc float64) foxess.Data {
	return foxess.Data{
		DeviceInfo: foxess.DeviceInfo{DeviceSN: "TEST123", HasBattery: true},
		RealTime:   foxess.RealTimeData{BatterySOC: soc, PVPower: 2.0},
	}
}

// runPoller starts p and returns a channel of completed-poll snapshots.
func runPoller(t *testing.T, p *Poller) <-chan Snapshot {
	t.Helper()
	ch := make(chan Snapshot, 16)
	p.Subscribe(func(s Snapshot) { ch <- s })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ch
}

func waitSnapshot(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a poll")
		return Snapshot{}
	}
}

func TestPollerFirstPollImmediate(t *testing.T) {
	device := &scriptedDevice{responses: []response{{data: goodData(55)}}}
	p := New(device, time.Hour)

	_, ok := p.Snapshot()
	assert.False(t, ok)

	ch := runPoller(t, p)
	got := waitSnapshot(t, ch)

	assert.Equal(t, HealthOK, got.Health)
	assert.Equal(t, 55.0, got.Data.RealTime.BatterySOC)
	assert.False(t, got.UpdatedAt.IsZero())
	assert.Empty(t, got.LastError)

	snap, ok := p.Snapshot()
	require.True(t, ok)
	assert.Equal(t, got, snap)
}

func TestPollerKeepsStaleDataOnFailure(t *testing.T) {
	device := &scriptedDevice{responses: []response{
		{data: goodData(55)},
		{err: &foxess.CommunicationError{Cause: context.DeadlineExceeded}},
		{err: &foxess.APIError{Errno: 40400, Message: "device offline"}},
	}}
	p := New(device, time.Hour)
	ch := runPoller(t, p)

	first := waitSnapshot(t, ch)
	require.Equal(t, HealthOK, first.Health)

	p.RequestRefresh()
	second := waitSnapshot(t, ch)
	assert.Equal(t, HealthDegraded, second.Health)
	assert.Equal(t, 1, second.ConsecutiveFailures)
	assert.NotEmpty(t, second.LastError)
	// previous data and its timestamp stay in place
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)

	p.RequestRefresh()
	third := waitSnapshot(t, ch)
	assert.Equal(t, HealthDegraded, third.Health)
	assert.Equal(t, 2, third.ConsecutiveFailures)
}

func TestPollerAuthFailure(t *testing.T) {
	device := &scriptedDevice{responses: []response{
		{err: &foxess.AuthError{Message: "token is invalid"}},
	}}
	p := New(device, time.Hour)
	ch := runPoller(t, p)

	got := waitSnapshot(t, ch)
	assert.Equal(t, HealthAuthRequired, got.Health)
	assert.Contains(t, got.LastError, "token is invalid")
	assert.True(t, got.UpdatedAt.IsZero())
}

func TestPollerRecovery(t *testing.T) {
	device := &scriptedDevice{responses: []response{
		{err: &foxess.CommunicationError{Cause: context.DeadlineExceeded}},
		{data: goodData(60)},
	}}
	p := New(device, time.Hour)
	ch := runPoller(t, p)

	require.Equal(t, HealthDegraded, waitSnapshot(t, ch).Health)

	p.RequestRefresh()
	got := waitSnapshot(t, ch)
	assert.Equal(t, HealthOK, got.Health)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.Empty(t, got.LastError)
	assert.Equal(t, 60.0, got.Data.RealTime.BatterySOC)
}

func TestPollerRefreshCoalesces(t *testing.T) {
	device := &scriptedDevice{responses: []response{{data: goodData(55)}}}
	p := New(device, time.Hour)

	// both land before the loop starts; only one refresh token is buffered
	p.RequestRefresh()
	p.RequestRefresh()

	ch := runPoller(t, p)
	waitSnapshot(t, ch) // startup poll
	waitSnapshot(t, ch) // the single coalesced refresh

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, device.callCount())
}

func TestPollerTicks(t *testing.T) {
	device := &scriptedDevice{responses: []response{{data: goodData(55)}}}
	p := New(device, 20*time.Millisecond)
	ch := runPoller(t, p)

	waitSnapshot(t, ch)
	waitSnapshot(t, ch)
	waitSnapshot(t, ch)
	assert.GreaterOrEqual(t, device.callCount(), 3)
}

func TestPollerSimulatorEndToEnd(t *testing.T) {
	p := New(foxess.NewSimulator("SIM001", nil), time.Hour)
	ch := runPoller(t, p)

	got := waitSnapshot(t, ch)
	assert.Equal(t, HealthOK, got.Health)
	assert.Equal(t, "Mock Solar Station", got.Data.DeviceInfo.StationName)
	assert.Len(t, got.Data.SchedulePeriods, 1)
}
