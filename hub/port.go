// SPDX-License-Identifier: GPL-2.0-only

package hub

import (
	"context"
	"fmt"
	"sync"

	"github.com/MatthiasValvekens/usbhub-portd/portstatus"
	"github.com/MatthiasValvekens/usbhub-portd/usb"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateResetting
	StateEnabled
	StateDisabled
	StateRemoving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateResetting:
		return "resetting"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	case StateRemoving:
		return "removing"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// resetWaiter is handed to the enumeration worker for one port reset.
// ok and speed are written before done is closed.
type resetWaiter struct {
	done  chan struct{}
	ok    bool
	speed usb.Speed
}

// Port is the state of one downstream port. mu is held for the whole of
// processInterrupt, which keeps change processing for a port sequential,
// and for every read or write of the fields below.
type Port struct {
	number int

	mu     sync.Mutex
	state  State
	speed  usb.Speed
	device *usb.AttachedDevice

	// attempt identifies the current connection; workers of older attempts
	// must not touch the port any more.
	attempt       uint64
	cancelAttempt context.CancelFunc
	reset         *resetWaiter

	// holdsDefaultAddress is set when a failed enumeration could not disable
	// the port, so the device may still answer at address 0.
	holdsDefaultAddress bool
}

func (p *Port) Number() int {
	return p.number
}

// Event is one decoded change of a port status word. Every event is
// acknowledged by clearing its change feature before it is handled.
type Event interface {
	ChangeFeature() usb.Feature
}

type ConnectionChanged struct {
	Connected bool
	Speed     usb.Speed
}

type OverCurrentChanged struct {
	Active bool
}

type ResetChanged struct {
	Enabled bool
	Speed   usb.Speed
}

type EnableChanged struct {
	Enabled bool
}

type SuspendChanged struct{}

type WarmResetChanged struct {
	Enabled bool
	Speed   usb.Speed
}

type LinkStateChanged struct {
	LinkState uint8
}

type ConfigErrorChanged struct{}

func (ConnectionChanged) ChangeFeature() usb.Feature  { return usb.FeatureCPortConnection }
func (OverCurrentChanged) ChangeFeature() usb.Feature { return usb.FeatureCPortOverCurrent }
func (ResetChanged) ChangeFeature() usb.Feature       { return usb.FeatureCPortReset }
func (EnableChanged) ChangeFeature() usb.Feature      { return usb.FeatureCPortEnable }
func (SuspendChanged) ChangeFeature() usb.Feature     { return usb.FeatureCPortSuspend }
func (WarmResetChanged) ChangeFeature() usb.Feature   { return usb.FeatureCBHPortReset }
func (LinkStateChanged) ChangeFeature() usb.Feature   { return usb.FeatureCPortLinkState }
func (ConfigErrorChanged) ChangeFeature() usb.Feature { return usb.FeatureCPortConfigError }

// Events lists the changes in f in processing order. Connection comes first
// so that a reset completion for a device that has since left is never
// taken as a reason to enumerate.
func Events(f portstatus.Flags, hubSpeed usb.HubSpeed) []Event {
	var events []Event
	if f.ConnectionChange {
		events = append(events, ConnectionChanged{Connected: f.Connection, Speed: f.Speed})
	}
	if f.OverCurrentChange {
		events = append(events, OverCurrentChanged{Active: f.OverCurrent})
	}
	if f.ResetChange {
		events = append(events, ResetChanged{Enabled: f.Enabled, Speed: f.Speed})
	}
	if hubSpeed == usb.HubSpeedSuper {
		if f.BHResetChange {
			events = append(events, WarmResetChanged{Enabled: f.Enabled, Speed: f.Speed})
		}
		if f.LinkStateChange {
			events = append(events, LinkStateChanged{LinkState: f.LinkState})
		}
		if f.ConfigErrorChange {
			events = append(events, ConfigErrorChanged{})
		}
		return events
	}
	if f.EnabledChange {
		events = append(events, EnableChanged{Enabled: f.Enabled})
	}
	if f.SuspendedChange {
		events = append(events, SuspendChanged{})
	}
	return events
}

func (c *Controller) port(n int) *Port {
	return c.ports[n-1]
}

func (c *Controller) portLogger(p *Port) log.Logger {
	return log.With(c.logger, "port", p.number)
}

// processInterrupt reads the status of port n and handles every change it reports.
func (c *Controller) processInterrupt(ctx context.Context, n int) error {
	p := c.port(n)
	p.mu.Lock()
	defer p.mu.Unlock()

	raw, err := c.getPortStatus(ctx, n)
	if err != nil {
		// The state is left as is; the next change notification retries.
		return err
	}
	flags := portstatus.Decode(raw, c.speed)
	logger := c.portLogger(p)
	_ = level.Debug(logger).Log("msg", "port interrupt", "status", fmt.Sprintf("%#08x", raw), "state", p.state)

	for _, ev := range Events(flags, c.speed) {
		if err := c.clearPortFeature(ctx, n, ev.ChangeFeature()); err != nil {
			_ = level.Warn(logger).Log("msg", "failed to acknowledge port change", "err", err)
		}
		c.handle(ctx, p, ev)
	}
	return nil
}

// handle applies one event to the port state machine. p.mu must be held.
func (c *Controller) handle(ctx context.Context, p *Port, ev Event) {
	logger := c.portLogger(p)
	switch ev := ev.(type) {
	case ConnectionChanged:
		_ = level.Debug(logger).Log("msg", "connection change", "connected", ev.Connected, "speed", ev.Speed)
		if !ev.Connected {
			c.deviceGone(ctx, p)
			return
		}
		switch p.state {
		case StateEnabled:
			// replugged between two polls
			c.deviceGone(ctx, p)
		case StateConnecting, StateResetting, StateRemoving:
			c.abortAttempt(p)
		case StateDisabled:
			c.releaseHeldDefaultAddress(ctx, p)
		}
		c.startAttempt(p, ev.Speed)

	case OverCurrentChanged:
		if ev.Active {
			_ = level.Warn(logger).Log("msg", "port over-current reported")
			c.metrics.overCurrent.WithLabelValues("port").Inc()
			c.deviceGone(ctx, p)
			return
		}
		// The hub cut power itself; bringing it back is up to us.
		_ = level.Info(logger).Log("msg", "port over-current gone, restoring power")
		if err := c.setPortFeature(ctx, p.number, usb.FeaturePortPower); err != nil {
			_ = level.Error(logger).Log("msg", "failed to power port after over-current", "err", err)
		}

	case ResetChanged:
		c.resetCompleted(p, ev.Enabled, ev.Speed)

	case WarmResetChanged:
		c.resetCompleted(p, ev.Enabled, ev.Speed)

	case EnableChanged:
		if ev.Enabled {
			return
		}
		switch p.state {
		case StateEnabled:
			_ = level.Info(logger).Log("msg", "port disabled because of errors")
			c.deviceGone(ctx, p)
		case StateResetting:
			c.failReset(p)
		}

	case SuspendChanged:
		_ = level.Error(logger).Log("msg", "port went to suspend state, which is not supported")

	case LinkStateChanged:
		_ = level.Debug(logger).Log("msg", "link state change", "link_state", ev.LinkState)

	case ConfigErrorChanged:
		_ = level.Warn(logger).Log("msg", "port link configuration error")
	}
}

func (c *Controller) setState(p *Port, s State) {
	if p.state == s {
		return
	}
	_ = level.Debug(c.portLogger(p)).Log("msg", "port state change", "from", p.state, "to", s)
	p.state = s
	c.metrics.transitions.WithLabelValues(s.String()).Inc()
}

// startAttempt begins a new connection and hands enumeration off to a worker.
func (c *Controller) startAttempt(p *Port, speed usb.Speed) {
	p.attempt++
	p.speed = speed
	ctx, cancel := context.WithCancel(c.ctx)
	p.cancelAttempt = cancel
	p.reset = nil
	c.setState(p, StateConnecting)
	c.spawnEnumeration(ctx, cancel, p, p.attempt, speed)
}

// abortAttempt makes an in-flight worker give up: a reservation wait is
// cancelled and a reset wait is woken with a failure.
func (c *Controller) abortAttempt(p *Port) {
	if p.cancelAttempt != nil {
		p.cancelAttempt()
	}
	c.failReset(p)
}

func (c *Controller) failReset(p *Port) {
	c.resolveReset(p, false, usb.SpeedUnknown)
}

func (c *Controller) resolveReset(p *Port, ok bool, speed usb.Speed) {
	if p.reset == nil {
		return
	}
	p.reset.ok = ok
	p.reset.speed = speed
	close(p.reset.done)
	p.reset = nil
}

// resetCompleted hands the outcome of a port reset to the waiting worker.
// The negotiated speed is only known from this point on.
func (c *Controller) resetCompleted(p *Port, enabled bool, speed usb.Speed) {
	logger := c.portLogger(p)
	if p.state != StateResetting || p.reset == nil {
		_ = level.Debug(logger).Log("msg", "ignoring reset change outside of enumeration", "state", p.state)
		return
	}
	if enabled {
		_ = level.Debug(logger).Log("msg", "port reset complete")
	} else {
		_ = level.Warn(logger).Log("msg", "port reset complete but port not enabled")
	}
	c.resolveReset(p, enabled, speed)
}

// deviceGone handles removal, over-current and error-disable alike. p.mu must be held.
func (c *Controller) deviceGone(ctx context.Context, p *Port) {
	switch p.state {
	case StateConnecting, StateResetting:
		// the worker finishes the transition to idle
		c.abortAttempt(p)
		c.setState(p, StateRemoving)
	case StateEnabled:
		c.setState(p, StateRemoving)
		c.removeDevice(ctx, p)
		c.setState(p, StateIdle)
	case StateDisabled:
		c.releaseHeldDefaultAddress(ctx, p)
		c.setState(p, StateIdle)
	}
}

// removeDevice tells the host controller the device is gone. p.mu must be held.
func (c *Controller) removeDevice(ctx context.Context, p *Port) {
	if p.device == nil {
		return
	}
	logger := c.portLogger(p)
	dev := *p.device
	p.device = nil
	c.metrics.attachedDevices.Dec()

	exch, err := c.dev.Bus.BeginExchange(ctx)
	if err != nil {
		_ = level.Error(logger).Log("msg", "failed to begin bus exchange", "err", err)
		return
	}
	defer exch.Close()
	if err := exch.RemoveDevice(ctx, dev.Handle); err != nil {
		_ = level.Error(logger).Log("msg", "failed to remove device", "address", dev.Address, "err", err)
		return
	}
	_ = level.Info(logger).Log("msg", "device removed", "address", dev.Address)
}

func (c *Controller) releaseHeldDefaultAddress(ctx context.Context, p *Port) {
	if !p.holdsDefaultAddress {
		return
	}
	logger := c.portLogger(p)
	exch, err := c.dev.Bus.BeginExchange(ctx)
	if err != nil {
		_ = level.Error(logger).Log("msg", "failed to begin bus exchange", "err", err)
		return
	}
	defer exch.Close()
	if err := c.arbiter.Release(ctx, exch); err != nil {
		_ = level.Error(logger).Log("msg", "failed to release default address", "err", err)
		return
	}
	p.holdsDefaultAddress = false
	_ = level.Info(logger).Log("msg", "released default address kept since failed enumeration")
}
