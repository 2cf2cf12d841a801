// SPDX-License-Identifier: GPL-2.0-only

package hub

import (
	"context"
	baseerrors "errors"
	"time"

	"github.com/MatthiasValvekens/usbhub-portd/bus"
	"github.com/MatthiasValvekens/usbhub-portd/usb"
	"github.com/go-kit/log/level"
)

const (
	resultOK         = "ok"
	resultGone       = "gone"
	resultReserve    = "reserve_failed"
	resultReset      = "reset_failed"
	resultFailed     = "enumerate_failed"
	resultSuperseded = "superseded"
)

// spawnEnumeration runs the reset and enumeration of one connection on its
// own goroutine. The hub's pending counter covers the goroutine's lifetime.
func (c *Controller) spawnEnumeration(ctx context.Context, cancel context.CancelFunc, p *Port, attempt uint64, speed usb.Speed) {
	c.operationStarted()
	go func() {
		defer c.operationDone()
		defer cancel()
		c.enumerate(ctx, p, attempt, speed)
	}()
}

func (c *Controller) operationStarted() {
	c.pendingMu.Lock()
	c.pending++
	c.metrics.pendingOps.Inc()
	c.pendingMu.Unlock()
}

func (c *Controller) operationDone() {
	c.pendingMu.Lock()
	c.pending--
	c.metrics.pendingOps.Dec()
	c.drained.Broadcast()
	c.pendingMu.Unlock()
}

func (c *Controller) waitPending() {
	c.pendingMu.Lock()
	for c.pending > 0 {
		c.drained.Wait()
	}
	c.pendingMu.Unlock()
}

// lockPort is how workers get at their port. Any worker still doing so once
// the hub has shut down is counted.
func (c *Controller) lockPort(p *Port) {
	p.mu.Lock()
	if c.retired.Load() {
		c.staleWrites.Add(1)
	}
}

func (c *Controller) enumerate(ctx context.Context, p *Port, attempt uint64, speed usb.Speed) {
	logger := c.portLogger(p)
	cleanupCtx := context.WithoutCancel(ctx)

	exch, err := c.dev.Bus.BeginExchange(ctx)
	if err != nil {
		_ = level.Error(logger).Log("msg", "failed to begin bus exchange", "err", err)
		c.finishAttempt(p, attempt, resultReserve)
		return
	}
	defer exch.Close()

	stillWanted := func() bool {
		c.lockPort(p)
		defer p.mu.Unlock()
		return p.attempt == attempt && p.state == StateConnecting
	}
	if err := c.arbiter.Reserve(ctx, exch, speed, stillWanted); err != nil {
		if baseerrors.Is(err, bus.ErrConnectionGone) {
			_ = level.Debug(logger).Log("msg", "device left while waiting for default address")
			c.finishAttempt(p, attempt, resultGone)
			return
		}
		_ = level.Error(logger).Log("msg", "failed to reserve default address", "err", err)
		c.finishAttempt(p, attempt, resultReserve)
		return
	}

	waiter := c.beginReset(p, attempt)
	if waiter == nil {
		c.releaseDefaultAddress(cleanupCtx, exch, p)
		c.finishAttempt(p, attempt, resultGone)
		return
	}

	resetFeature := usb.FeaturePortReset
	if c.speed == usb.HubSpeedSuper {
		resetFeature = usb.FeatureBHPortReset
	}
	if err := c.setPortFeature(ctx, p.number, resetFeature); err != nil {
		_ = level.Error(logger).Log("msg", "failed to issue port reset", "err", err)
		c.releaseDefaultAddress(cleanupCtx, exch, p)
		c.finishAttempt(p, attempt, resultReset)
		return
	}

	ok, resetSpeed := c.waitReset(ctx, waiter)
	if !ok {
		_ = level.Warn(logger).Log("msg", "port reset did not complete", "err", ErrResetFailed)
		c.releaseDefaultAddress(cleanupCtx, exch, p)
		c.finishAttempt(p, attempt, resultReset)
		return
	}
	if resetSpeed != usb.SpeedUnknown {
		speed = resetSpeed
	}

	dev, err := exch.EnumerateDevice(ctx, p.number, speed)
	if err != nil {
		_ = level.Error(logger).Log("msg", "failed to enumerate device", "speed", speed, "err", err)
		c.enumerationFailed(cleanupCtx, exch, p, attempt)
		return
	}

	c.releaseDefaultAddress(cleanupCtx, exch, p)
	if !c.commitDevice(p, attempt, speed, dev) {
		// The device went away or was replaced during enumeration.
		if err := exch.RemoveDevice(cleanupCtx, dev.Handle); err != nil {
			_ = level.Error(logger).Log("msg", "failed to remove superseded device", "address", dev.Address, "err", err)
		}
		c.finishAttempt(p, attempt, resultSuperseded)
		return
	}
	_ = level.Info(logger).Log("msg", "device enumerated", "speed", speed, "address", dev.Address, "handle", dev.Handle)
}

// beginReset moves the port to Resetting and installs the waiter the reset
// completion is reported to. It returns nil if the attempt was abandoned.
func (c *Controller) beginReset(p *Port, attempt uint64) *resetWaiter {
	c.lockPort(p)
	defer p.mu.Unlock()
	if p.attempt != attempt || p.state != StateConnecting {
		return nil
	}
	p.reset = &resetWaiter{done: make(chan struct{})}
	c.setState(p, StateResetting)
	return p.reset
}

// waitReset blocks until the reset outcome is known. A zero reset timeout
// waits for as long as the device stays connected.
func (c *Controller) waitReset(ctx context.Context, w *resetWaiter) (bool, usb.Speed) {
	var timeout <-chan time.Time
	if c.resetTimeout > 0 {
		t := time.NewTimer(c.resetTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-w.done:
		return w.ok, w.speed
	case <-ctx.Done():
		return false, usb.SpeedUnknown
	case <-timeout:
		return false, usb.SpeedUnknown
	}
}

func (c *Controller) releaseDefaultAddress(ctx context.Context, exch bus.Exchange, p *Port) {
	if err := c.arbiter.Release(ctx, exch); err != nil {
		_ = level.Error(c.portLogger(p)).Log("msg", "failed to release default address", "err", err)
	}
}

// enumerationFailed disables a USB 2 port so the device stops answering at
// the default address. If that fails and the device is still there, the
// port keeps the address until the device leaves.
func (c *Controller) enumerationFailed(ctx context.Context, exch bus.Exchange, p *Port, attempt uint64) {
	if c.speed == usb.HubSpeedSuper {
		c.releaseDefaultAddress(ctx, exch, p)
		c.finishAttempt(p, attempt, resultFailed)
		return
	}
	err := c.clearPortFeature(ctx, p.number, usb.FeaturePortEnable)
	if err == nil {
		c.releaseDefaultAddress(ctx, exch, p)
		c.finishAttempt(p, attempt, resultFailed)
		return
	}

	logger := c.portLogger(p)
	c.lockPort(p)
	keep := p.attempt == attempt && p.state == StateResetting && !c.isClosed()
	if keep {
		p.holdsDefaultAddress = true
	}
	p.mu.Unlock()

	if keep {
		_ = level.Error(logger).Log("msg", "failed to disable port after failed enumeration, keeping default address", "err", err)
	} else {
		_ = level.Warn(logger).Log("msg", "failed to disable port after failed enumeration", "err", err)
		c.releaseDefaultAddress(ctx, exch, p)
	}
	c.finishAttempt(p, attempt, resultFailed)
}

// commitDevice records the enumerated device and enables the port, unless
// the attempt was abandoned in the meantime.
func (c *Controller) commitDevice(p *Port, attempt uint64, speed usb.Speed, dev usb.AttachedDevice) bool {
	c.lockPort(p)
	defer p.mu.Unlock()
	if p.attempt != attempt || p.state != StateResetting {
		return false
	}
	p.device = &dev
	p.speed = speed
	p.cancelAttempt = nil
	c.setState(p, StateEnabled)
	c.metrics.attachedDevices.Inc()
	c.metrics.enumerations.WithLabelValues(resultOK).Inc()
	return true
}

// finishAttempt settles the port after an attempt that did not end with an
// enabled device. Attempts that were superseded by a newer connection leave
// the port alone.
func (c *Controller) finishAttempt(p *Port, attempt uint64, result string) {
	c.metrics.enumerations.WithLabelValues(result).Inc()

	c.lockPort(p)
	defer p.mu.Unlock()
	if p.attempt != attempt {
		return
	}
	p.cancelAttempt = nil
	p.reset = nil
	switch p.state {
	case StateRemoving:
		c.setState(p, StateIdle)
	case StateConnecting, StateResetting:
		if c.isClosed() {
			c.setState(p, StateIdle)
			return
		}
		c.setState(p, StateDisabled)
	}
}
