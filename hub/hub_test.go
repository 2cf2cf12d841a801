package hub

import (
	"context"
	baseerrors "errors"
	"testing"
	"time"

	"github.com/MatthiasValvekens/usbhub-portd/bus"
	"github.com/MatthiasValvekens/usbhub-portd/hubsim"
	"github.com/MatthiasValvekens/usbhub-portd/usb"
	"github.com/efficientgo/core/errors"
	"github.com/efficientgo/core/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
)

type testHub struct {
	*Controller
	sim *hubsim.Hub
	hc  *hubsim.HostController
}

type testOptions struct {
	sim          hubsim.Config
	retry        time.Duration
	resetTimeout time.Duration
	pollFailures int
	reg          prometheus.Registerer
}

func newTestHub(t *testing.T, opts testOptions) *testHub {
	t.Helper()
	if opts.retry == 0 {
		opts.retry = time.Minute
	}
	sim := hubsim.NewHub(opts.sim)
	hc := hubsim.NewHostController(nil)
	c, err := New(context.Background(), Config{
		Name:            "test-hub",
		ResetTimeout:    opts.resetTimeout,
		MaxPollFailures: opts.pollFailures,
		Registerer:      opts.reg,
	}, Device{
		Control:      sim,
		StatusChange: sim,
		Bus:          hc,
		Speed:        opts.sim.Speed,
		Depth:        1,
	}, bus.NewArbiter(opts.retry, nil, nil))
	testutil.Ok(t, err)
	t.Cleanup(c.Shutdown)
	return &testHub{Controller: c, sim: sim, hc: hc}
}

// run polls the hub in the background and returns the channel Run's result
// is delivered on.
func (h *testHub) run(t *testing.T) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- h.Run(ctx)
	}()
	t.Cleanup(cancel)
	return result
}

// pump delivers the next pending status change bitmap by hand.
func (h *testHub) pump(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	buf := make([]byte, usb.StatusChangeBitmapSize(h.Ports()))
	n, err := h.sim.Read(ctx, buf)
	testutil.Ok(t, err)
	testutil.Ok(t, h.OnStatusChangeBitmap(context.Background(), buf[:n]))
}

func (h *testHub) writes(request uint8, port int, f usb.Feature) int {
	return h.sim.Writes(hubsim.WriteKey{Request: request, Port: port, Feature: f})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *testHub) waitState(t *testing.T, port int, want State) {
	t.Helper()
	waitFor(t, "port "+want.String(), func() bool { return h.PortState(port) == want })
}

func (h *testHub) waitSettled(t *testing.T, port int, want State) {
	t.Helper()
	waitFor(t, "port "+want.String()+" without workers", func() bool {
		return h.PortState(port) == want && h.PendingOperations() == 0
	})
}

func TestConnectionChangeStartsEnumeration(t *testing.T) {
	h := newTestHub(t, testOptions{sim: hubsim.Config{Ports: 4}})
	// someone else on the bus is enumerating
	testutil.Assert(t, h.hc.HoldDefaultAddress())

	h.sim.Plug(2, usb.SpeedFull)
	testutil.Ok(t, h.OnStatusChangeBitmap(context.Background(), []byte{0b00000100}))

	testutil.Equals(t, 1, h.writes(usb.RequestClearFeature, 2, usb.FeatureCPortConnection))
	testutil.Equals(t, StateConnecting, h.PortState(2))
	testutil.Equals(t, usb.SpeedFull, h.Snapshot()[1].Speed)
	waitFor(t, "reservation attempt", func() bool { return h.hc.ReserveAttempts() > 0 })
	time.Sleep(20 * time.Millisecond)
	testutil.Equals(t, 1, h.hc.ReserveAttempts())
	for _, n := range []int{1, 3, 4} {
		testutil.Equals(t, StateIdle, h.PortState(n))
	}

	before := h.sim.TotalWrites()
	testutil.Ok(t, h.OnStatusChangeBitmap(context.Background(), []byte{0b00000100}))
	testutil.Equals(t, before, h.sim.TotalWrites())
	testutil.Equals(t, StateConnecting, h.PortState(2))
}

func TestBitsBeyondPortCountAreIgnored(t *testing.T) {
	h := newTestHub(t, testOptions{sim: hubsim.Config{Ports: 4}})

	for _, tc := range []struct {
		name   string
		bitmap []byte
	}{
		{name: "empty", bitmap: []byte{}},
		{name: "high bits of first byte", bitmap: []byte{0b11100000}},
		{name: "extra bytes", bitmap: []byte{0b11100000, 0xff, 0xff, 0xff, 0xff}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testutil.Ok(t, h.OnStatusChangeBitmap(context.Background(), tc.bitmap))
			testutil.Equals(t, 0, h.sim.StatusReads())
		})
	}
}

func TestEnumerateAndRemove(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newTestHub(t, testOptions{sim: hubsim.Config{Ports: 4, Power: hubsim.PowerPerPort}, reg: reg})
	h.run(t)

	h.sim.Plug(3, usb.SpeedHigh)
	h.waitSettled(t, 3, StateEnabled)

	testutil.Assert(t, !h.hc.Reserved(), "default address still reserved")
	testutil.Equals(t, 1, h.writes(usb.RequestSetFeature, 3, usb.FeaturePortReset))
	devices := h.hc.Devices()
	testutil.Equals(t, 1, len(devices))
	testutil.Equals(t, 3, devices[0].Port)
	testutil.Equals(t, usb.SpeedHigh, devices[0].Speed)

	info := h.Snapshot()[2]
	testutil.Equals(t, usb.SpeedHigh, info.Speed)
	testutil.Assert(t, info.Device != nil)
	testutil.Equals(t, devices[0].Address, info.Device.Address)
	testutil.Equals(t, float64(1), promtestutil.ToFloat64(h.metrics.attachedDevices))
	testutil.Equals(t, float64(1), promtestutil.ToFloat64(h.metrics.enumerations.WithLabelValues(resultOK)))

	h.sim.Unplug(3)
	h.waitSettled(t, 3, StateIdle)
	testutil.Equals(t, 0, len(h.hc.Devices()))
	testutil.Equals(t, float64(0), promtestutil.ToFloat64(h.metrics.attachedDevices))

	n, err := promtestutil.GatherAndCount(reg, "usbhub_enumerations_total")
	testutil.Ok(t, err)
	testutil.Equals(t, 1, n)
}

func TestReplugBetweenPolls(t *testing.T) {
	h := newTestHub(t, testOptions{sim: hubsim.Config{Ports: 2}})

	h.sim.Plug(1, usb.SpeedFull)
	h.pump(t)
	h.pump(t)
	h.waitSettled(t, 1, StateEnabled)
	first := h.hc.Devices()[0]

	h.sim.Unplug(1)
	h.sim.Plug(1, usb.SpeedLow)
	h.pump(t)
	state := h.PortState(1)
	testutil.Assert(t, state == StateConnecting || state == StateResetting, "unexpected state %s", state)
	h.pump(t)
	h.waitSettled(t, 1, StateEnabled)

	devices := h.hc.Devices()
	testutil.Equals(t, 1, len(devices))
	testutil.Assert(t, devices[0].Handle != first.Handle, "old device was not removed")
	testutil.Equals(t, usb.SpeedLow, devices[0].Speed)
}

func TestUnplugWhileWaitingForReset(t *testing.T) {
	h := newTestHub(t, testOptions{sim: hubsim.Config{Ports: 2, ResetDelay: -1}})
	h.run(t)

	h.sim.Plug(1, usb.SpeedFull)
	h.waitState(t, 1, StateResetting)
	testutil.Assert(t, h.hc.Reserved())

	h.sim.Unplug(1)
	h.waitSettled(t, 1, StateIdle)
	testutil.Assert(t, !h.hc.Reserved(), "default address leaked")
	testutil.Equals(t, 0, len(h.hc.Devices()))
}

func TestStatusReadFailureKeepsState(t *testing.T) {
	h := newTestHub(t, testOptions{sim: hubsim.Config{Ports: 2}})
	h.run(t)
	h.sim.Plug(1, usb.SpeedFull)
	h.waitSettled(t, 1, StateEnabled)

	h.sim.SetFault(func(s usb.SetupPacket) error {
		if s.Request == usb.RequestGetStatus {
			return hubsim.ErrTransport
		}
		return nil
	})
	testutil.NotOk(t, h.processInterrupt(context.Background(), 1))
	testutil.Equals(t, StateEnabled, h.PortState(1))
	testutil.Equals(t, 1, len(h.hc.Devices()))

	h.sim.SetFault(nil)
	h.sim.Unplug(1)
	h.waitSettled(t, 1, StateIdle)
	testutil.Equals(t, 0, len(h.hc.Devices()))
}

func TestUnplugDuringEnumeration(t *testing.T) {
	h := newTestHub(t, testOptions{sim: hubsim.Config{Ports: 2}})
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	h.hc.SetEnumerateFunc(func(context.Context, int, usb.Speed) error {
		started <- struct{}{}
		<-release
		return nil
	})
	h.run(t)

	h.sim.Plug(1, usb.SpeedHigh)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("enumeration did not start")
	}
	testutil.Equals(t, StateResetting, h.PortState(1))

	h.sim.Unplug(1)
	h.waitState(t, 1, StateRemoving)

	// The device gets its address after it already left.
	close(release)
	h.waitSettled(t, 1, StateIdle)
	testutil.Equals(t, 0, len(h.hc.Devices()))
	testutil.Assert(t, !h.hc.Reserved(), "default address leaked")
	testutil.Equals(t, float64(1), promtestutil.ToFloat64(h.metrics.enumerations.WithLabelValues(resultSuperseded)))
	testutil.Equals(t, float64(0), promtestutil.ToFloat64(h.metrics.enumerations.WithLabelValues(resultOK)))
	testutil.Equals(t, float64(0), promtestutil.ToFloat64(h.metrics.attachedDevices))
}

func TestUnplugWhileWaitingForDefaultAddress(t *testing.T) {
	h := newTestHub(t, testOptions{sim: hubsim.Config{Ports: 2}})
	testutil.Assert(t, h.hc.HoldDefaultAddress())
	h.run(t)

	h.sim.Plug(2, usb.SpeedFull)
	waitFor(t, "reservation attempt", func() bool { return h.hc.ReserveAttempts() > 0 })

	h.sim.Unplug(2)
	h.waitSettled(t, 2, StateIdle)
	testutil.Equals(t, float64(1), promtestutil.ToFloat64(h.metrics.enumerations.WithLabelValues(resultGone)))

	// The abandoned wait took nothing: the outside holder still has it.
	testutil.Assert(t, h.hc.Reserved())
	exch, err := h.hc.BeginExchange(context.Background())
	testutil.Ok(t, err)
	testutil.Ok(t, exch.ReleaseDefaultAddress(context.Background()))
	testutil.Assert(t, !h.hc.Reserved())
}

func TestResetTimeout(t *testing.T) {
	h := newTestHub(t, testOptions{
		sim:          hubsim.Config{Ports: 1, ResetDelay: -1},
		resetTimeout: 20 * time.Millisecond,
	})
	h.run(t)

	h.sim.Plug(1, usb.SpeedFull)
	h.waitSettled(t, 1, StateDisabled)
	testutil.Assert(t, !h.hc.Reserved())
	testutil.Equals(t, float64(1), promtestutil.ToFloat64(h.metrics.enumerations.WithLabelValues(resultReset)))

	h.sim.Unplug(1)
	h.waitSettled(t, 1, StateIdle)
}

func TestEnumerationFailure(t *testing.T) {
	enumErr := errors.New("device does not answer")

	t.Run("usb2 port is disabled", func(t *testing.T) {
		h := newTestHub(t, testOptions{sim: hubsim.Config{Ports: 2}})
		h.hc.SetEnumerateFunc(func(context.Context, int, usb.Speed) error { return enumErr })
		h.run(t)

		h.sim.Plug(1, usb.SpeedFull)
		h.waitSettled(t, 1, StateDisabled)
		testutil.Equals(t, 1, h.writes(usb.RequestClearFeature, 1, usb.FeaturePortEnable))
		testutil.Assert(t, !h.sim.PortEnabled(1))
		testutil.Assert(t, !h.hc.Reserved())

		h.sim.Unplug(1)
		h.waitSettled(t, 1, StateIdle)
	})

	t.Run("usb2 port cannot be disabled", func(t *testing.T) {
		h := newTestHub(t, testOptions{sim: hubsim.Config{Ports: 2}})
		h.hc.SetEnumerateFunc(func(context.Context, int, usb.Speed) error { return enumErr })
		h.sim.SetFault(func(s usb.SetupPacket) error {
			if s.Request == usb.RequestClearFeature && usb.Feature(s.Value) == usb.FeaturePortEnable {
				return hubsim.ErrTransport
			}
			return nil
		})
		h.run(t)

		h.sim.Plug(1, usb.SpeedFull)
		h.waitSettled(t, 1, StateDisabled)
		testutil.Assert(t, h.hc.Reserved(), "default address must stay with the port")

		h.sim.Unplug(1)
		h.waitSettled(t, 1, StateIdle)
		testutil.Assert(t, !h.hc.Reserved(), "default address not released after unplug")
	})

	t.Run("usb3 link is left alone", func(t *testing.T) {
		h := newTestHub(t, testOptions{sim: hubsim.Config{Ports: 2, Speed: usb.HubSpeedSuper}})
		h.hc.SetEnumerateFunc(func(context.Context, int, usb.Speed) error { return enumErr })
		h.run(t)

		h.sim.Plug(2, usb.SpeedSuper)
		h.waitSettled(t, 2, StateDisabled)
		testutil.Equals(t, 0, h.writes(usb.RequestClearFeature, 2, usb.FeaturePortEnable))
		testutil.Assert(t, !h.hc.Reserved())
	})
}

func TestSuperSpeedHub(t *testing.T) {
	h := newTestHub(t, testOptions{sim: hubsim.Config{Ports: 2, Speed: usb.HubSpeedSuper, Power: hubsim.PowerPerPort}})
	testutil.Equals(t, uint16(1), h.sim.Depth())
	h.run(t)

	h.sim.Plug(2, usb.SpeedSuper)
	h.waitSettled(t, 2, StateEnabled)
	testutil.Equals(t, 1, h.writes(usb.RequestSetFeature, 2, usb.FeatureBHPortReset))
	testutil.Equals(t, 0, h.writes(usb.RequestSetFeature, 2, usb.FeaturePortReset))
	testutil.Equals(t, 1, h.writes(usb.RequestClearFeature, 2, usb.FeatureCBHPortReset))
	testutil.Equals(t, usb.SpeedSuper, h.hc.Devices()[0].Speed)

	h.sim.Unplug(2)
	h.waitSettled(t, 2, StateIdle)
	testutil.Equals(t, 0, len(h.hc.Devices()))
}

func TestPortOverCurrent(t *testing.T) {
	h := newTestHub(t, testOptions{sim: hubsim.Config{Ports: 2, Power: hubsim.PowerPerPort}})
	h.run(t)

	h.sim.Plug(1, usb.SpeedFull)
	h.waitSettled(t, 1, StateEnabled)

	h.sim.SetOverCurrent(1, true)
	h.waitSettled(t, 1, StateIdle)
	testutil.Equals(t, 0, len(h.hc.Devices()))
	testutil.Assert(t, !h.sim.PortPowered(1))

	h.sim.SetOverCurrent(1, false)
	waitFor(t, "port power", func() bool { return h.sim.PortPowered(1) })
	testutil.Equals(t, 2, h.writes(usb.RequestSetFeature, 1, usb.FeaturePortPower))
	testutil.Equals(t, 2, h.writes(usb.RequestClearFeature, 1, usb.FeatureCPortOverCurrent))
}

func TestErrorDisabledPort(t *testing.T) {
	h := newTestHub(t, testOptions{sim: hubsim.Config{Ports: 1}})
	h.run(t)

	h.sim.Plug(1, usb.SpeedFull)
	h.waitSettled(t, 1, StateEnabled)

	h.sim.ErrorDisable(1)
	h.waitSettled(t, 1, StateIdle)
	testutil.Equals(t, 1, h.writes(usb.RequestClearFeature, 1, usb.FeatureCPortEnable))
	testutil.Equals(t, 0, len(h.hc.Devices()))
}

func TestSuspendChangeIsAcknowledged(t *testing.T) {
	h := newTestHub(t, testOptions{sim: hubsim.Config{Ports: 1}})
	h.run(t)

	h.sim.Plug(1, usb.SpeedFull)
	h.waitSettled(t, 1, StateEnabled)

	h.sim.Suspend(1)
	waitFor(t, "suspend change cleared", func() bool {
		return h.writes(usb.RequestClearFeature, 1, usb.FeatureCPortSuspend) == 1
	})
	testutil.Equals(t, StateEnabled, h.PortState(1))
}

func TestHubOverCurrent(t *testing.T) {
	for _, tc := range []struct {
		name  string
		power hubsim.PowerMode
		// writes of PORT_POWER per port once over-current has cleared
		want []int
	}{
		{name: "per-port", power: hubsim.PowerPerPort, want: []int{2, 2, 2, 2}},
		{name: "ganged", power: hubsim.PowerGanged, want: []int{2, 0, 0, 0}},
		{name: "not switched", power: hubsim.PowerNone, want: []int{0, 0, 0, 0}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHub(t, testOptions{sim: hubsim.Config{Ports: 4, Power: tc.power}})
			h.run(t)

			h.sim.SetHubOverCurrent(true)
			waitFor(t, "hub over-current acknowledged", func() bool {
				return h.writes(usb.RequestClearFeature, 0, usb.FeatureCHubOverCurrent) == 1
			})
			testutil.Equals(t, float64(1), promtestutil.ToFloat64(h.metrics.overCurrent.WithLabelValues("hub")))

			h.sim.SetHubOverCurrent(false)
			waitFor(t, "hub over-current cleared", func() bool {
				return h.writes(usb.RequestClearFeature, 0, usb.FeatureCHubOverCurrent) == 2
			})
			waitFor(t, "port power", func() bool {
				for n := 1; n <= 4; n++ {
					if !h.sim.PortPowered(n) {
						return false
					}
				}
				return true
			})
			for n := 1; n <= 4; n++ {
				testutil.Equals(t, tc.want[n-1], h.writes(usb.RequestSetFeature, n, usb.FeaturePortPower))
			}
		})
	}
}

func TestLocalPowerChange(t *testing.T) {
	h := newTestHub(t, testOptions{sim: hubsim.Config{Ports: 2}})
	h.run(t)

	h.sim.LocalPowerChange(true)
	waitFor(t, "local power change acknowledged", func() bool {
		return h.writes(usb.RequestClearFeature, 0, usb.FeatureCHubLocalPower) == 1
	})
}

func TestPollingStopsWhenHubDies(t *testing.T) {
	h := newTestHub(t, testOptions{sim: hubsim.Config{Ports: 2}})
	result := h.run(t)

	h.sim.Kill()
	select {
	case err := <-result:
		testutil.Assert(t, baseerrors.Is(err, ErrPollingFailed), "unexpected error %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("polling did not stop")
	}
}

func TestPollingToleratesTransportErrors(t *testing.T) {
	h := newTestHub(t, testOptions{sim: hubsim.Config{Ports: 2}, pollFailures: 3})
	h.sim.FailReads(3)
	result := h.run(t)

	h.sim.Plug(1, usb.SpeedFull)
	h.waitSettled(t, 1, StateEnabled)
	testutil.Equals(t, float64(3), promtestutil.ToFloat64(h.metrics.pollFailures))

	h.sim.FailReads(4)
	select {
	case err := <-result:
		testutil.Assert(t, baseerrors.Is(err, ErrPollingFailed), "unexpected error %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("polling did not give up")
	}
}

func TestRunEndsOnShutdown(t *testing.T) {
	h := newTestHub(t, testOptions{sim: hubsim.Config{Ports: 2}})
	result := h.run(t)

	h.Shutdown()
	select {
	case err := <-result:
		testutil.Ok(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	testutil.Assert(t, baseerrors.Is(h.OnStatusChangeBitmap(context.Background(), []byte{0x2}), ErrShutdown))
	testutil.Ok(t, h.Run(context.Background()))
}

func TestConcurrentShutdownWaitsForDrain(t *testing.T) {
	h := newTestHub(t, testOptions{sim: hubsim.Config{Ports: 2}})
	release := make(chan struct{})
	h.hc.SetEnumerateFunc(func(context.Context, int, usb.Speed) error {
		<-release
		return nil
	})
	h.run(t)

	h.sim.Plug(1, usb.SpeedFull)
	waitFor(t, "worker enumerating", func() bool { return h.PendingOperations() == 1 && h.hc.Reserved() })

	first := make(chan struct{})
	go func() {
		h.Shutdown()
		close(first)
	}()
	waitFor(t, "shutdown started", h.isClosed)

	second := make(chan struct{})
	go func() {
		h.Shutdown()
		close(second)
	}()
	select {
	case <-second:
		t.Fatal("second shutdown returned while the first was still draining")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	for _, done := range []chan struct{}{first, second} {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("shutdown did not return")
		}
	}
	testutil.Equals(t, 0, h.PendingOperations())
	testutil.Equals(t, int64(0), h.staleWrites.Load())
	testutil.Equals(t, StateIdle, h.PortState(1))
	testutil.Equals(t, 0, len(h.hc.Devices()))
}

func TestShutdownDrainsWorkers(t *testing.T) {
	h := newTestHub(t, testOptions{sim: hubsim.Config{Ports: 3}})
	started := make(chan int, 3)
	release := make(chan struct{})
	h.hc.SetEnumerateFunc(func(_ context.Context, port int, _ usb.Speed) error {
		started <- port
		<-release
		return nil
	})
	h.run(t)

	for n := 1; n <= 3; n++ {
		h.sim.Plug(n, usb.SpeedFull)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("no enumeration started")
	}
	waitFor(t, "all workers running", func() bool { return h.PendingOperations() == 3 })

	done := make(chan struct{})
	go func() {
		h.Shutdown()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("shutdown returned while a worker was still enumerating")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not return")
	}
	testutil.Equals(t, 0, h.PendingOperations())
	testutil.Equals(t, int64(0), h.staleWrites.Load())
	for n := 1; n <= 3; n++ {
		testutil.Equals(t, StateIdle, h.PortState(n))
	}
	testutil.Equals(t, 0, len(h.hc.Devices()))
	testutil.Assert(t, !h.hc.Reserved(), "default address leaked")
}

func TestShutdownWithStuckReset(t *testing.T) {
	h := newTestHub(t, testOptions{sim: hubsim.Config{Ports: 2, ResetDelay: -1}})
	h.run(t)

	h.sim.Plug(1, usb.SpeedFull)
	h.waitState(t, 1, StateResetting)

	done := make(chan struct{})
	go func() {
		h.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown hung on a reset that never completes")
	}
	testutil.Equals(t, 0, h.PendingOperations())
	testutil.Equals(t, StateIdle, h.PortState(1))
	testutil.Assert(t, !h.hc.Reserved())
}
