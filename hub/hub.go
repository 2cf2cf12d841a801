// SPDX-License-Identifier: GPL-2.0-only

package hub

import (
	"context"
	baseerrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MatthiasValvekens/usbhub-portd/bus"
	"github.com/MatthiasValvekens/usbhub-portd/portstatus"
	"github.com/MatthiasValvekens/usbhub-portd/usb"
	"github.com/boljen/go-bitmap"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrShortStatus   = baseerrors.New("status word has unexpected size")
	ErrPollingFailed = baseerrors.New("status change polling failed")
	ErrResetFailed   = baseerrors.New("port reset failed")
	ErrShutdown      = baseerrors.New("hub is shut down")
)

const DefaultMaxPollFailures = 3

type Config struct {
	// Name identifies the hub in logs, metrics and the port table.
	Name string
	// ResetTimeout bounds the wait for a port reset to complete. Zero waits
	// until the reset completes or the device leaves.
	ResetTimeout time.Duration
	// MaxPollFailures is the number of consecutive transport errors on the
	// status change endpoint tolerated before the hub is given up.
	MaxPollFailures int
	Logger          log.Logger
	Registerer      prometheus.Registerer
}

// Controller manages the downstream ports of one hub.
type Controller struct {
	name            string
	dev             Device
	speed           usb.HubSpeed
	desc            Descriptor
	arbiter         *bus.Arbiter
	logger          log.Logger
	metrics         *metrics
	resetTimeout    time.Duration
	maxPollFailures int

	ports []*Port

	// ctx is cancelled on shutdown; every attempt context derives from it.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	// down is closed once the first Shutdown has finished.
	down chan struct{}
	// active counts the poll loop and bitmap dispatches in progress.
	active sync.WaitGroup

	pendingMu sync.Mutex
	pending   int
	drained   *sync.Cond

	retired     atomic.Bool
	staleWrites atomic.Int64
}

// New brings up a hub: it reads the hub descriptor, tells a USB 3 hub its
// depth and powers the ports. arbiter must be the one shared by every hub on
// dev.Bus.
func New(ctx context.Context, cfg Config, dev Device, arbiter *bus.Arbiter) (*Controller, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = log.With(logger, "hub", cfg.Name)

	reg := cfg.Registerer
	if reg != nil {
		reg = prometheus.WrapRegistererWith(prometheus.Labels{"hub": cfg.Name}, reg)
	}
	maxPollFailures := cfg.MaxPollFailures
	if maxPollFailures <= 0 {
		maxPollFailures = DefaultMaxPollFailures
	}

	c := &Controller{
		name:            cfg.Name,
		dev:             dev,
		speed:           dev.Speed,
		arbiter:         arbiter,
		logger:          logger,
		resetTimeout:    cfg.ResetTimeout,
		maxPollFailures: maxPollFailures,
		down:            make(chan struct{}),
	}
	c.drained = sync.NewCond(&c.pendingMu)

	desc, err := c.readDescriptor(ctx)
	if err != nil {
		return nil, err
	}
	c.desc = desc
	c.ports = make([]*Port, desc.Ports)
	for i := range c.ports {
		c.ports[i] = &Port{number: i + 1}
	}
	c.metrics = newMetrics(reg)
	_ = level.Info(logger).Log("msg", "hub descriptor read", "ports", desc.Ports, "power", desc.Power, "speed", c.speed)

	if c.speed == usb.HubSpeedSuper {
		if err := c.dev.Control.ControlWrite(ctx, usb.SetHubDepthRequest(dev.Depth), nil); err != nil {
			return nil, errors.Wrapf(err, "failed to set hub depth %d", dev.Depth)
		}
	}
	if err := c.powerPorts(ctx); err != nil {
		return nil, err
	}
	if desc.Power != PowerNotSwitched && desc.PowerOnToGood > 0 {
		select {
		case <-time.After(desc.PowerOnToGood):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

func (c *Controller) Name() string {
	return c.name
}

func (c *Controller) Ports() int {
	return len(c.ports)
}

// PortState returns the state of port n, counting from 1.
func (c *Controller) PortState(n int) State {
	p := c.port(n)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PendingOperations is the number of enumeration workers still running.
func (c *Controller) PendingOperations() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.pending
}

func (c *Controller) enter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.active.Add(1)
	return true
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// OnStatusChangeBitmap processes one status change bitmap as delivered by the
// hub's interrupt endpoint. Bit 0 is the hub itself, bit n is port n. Ports
// are processed concurrently; the call returns once every changed port has
// been handled. Enumeration continues in the background.
func (c *Controller) OnStatusChangeBitmap(ctx context.Context, data []byte) error {
	if !c.enter() {
		return ErrShutdown
	}
	defer c.active.Done()

	changed := bitmap.Bitmap(data)
	if changed.Len() == 0 {
		return nil
	}
	if changed.Get(usb.HubChangeBit) {
		c.processHubInterrupt(ctx)
	}

	var g errgroup.Group
	for n := 1; n <= len(c.ports) && n < changed.Len(); n++ {
		if !changed.Get(n) {
			continue
		}
		n := n // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			if err := c.processInterrupt(ctx, n); err != nil {
				_ = level.Warn(c.logger).Log("msg", "failed to process port change", "port", n, "err", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *Controller) processHubInterrupt(ctx context.Context) {
	raw, err := c.getHubStatus(ctx)
	if err != nil {
		_ = level.Error(c.logger).Log("msg", "failed to process hub change", "err", err)
		return
	}
	flags := portstatus.DecodeHub(raw)

	if flags.OverCurrentChange {
		if err := c.clearHubFeature(ctx, usb.FeatureCHubOverCurrent); err != nil {
			_ = level.Warn(c.logger).Log("msg", "failed to acknowledge hub over-current change", "err", err)
		}
		c.hubOverCurrentChanged(ctx, flags.OverCurrent)
	}
	if flags.LocalPowerChange {
		if err := c.clearHubFeature(ctx, usb.FeatureCHubLocalPower); err != nil {
			_ = level.Warn(c.logger).Log("msg", "failed to acknowledge local power change", "err", err)
		}
		// No power budget is kept, so there is nothing to renegotiate.
		_ = level.Info(c.logger).Log("msg", "hub local power source changed", "lost", flags.LocalPowerLost)
	}
}

func (c *Controller) hubOverCurrentChanged(ctx context.Context, active bool) {
	if active {
		// The hub removes power from its ports by itself.
		_ = level.Warn(c.logger).Log("msg", "hub over-current reported")
		c.metrics.overCurrent.WithLabelValues("hub").Inc()
		return
	}
	_ = level.Info(c.logger).Log("msg", "hub over-current gone, restoring port power", "power", c.desc.Power)
	if err := c.powerPorts(ctx); err != nil {
		_ = level.Error(c.logger).Log("msg", "failed to restore port power", "err", err)
	}
}

// powerPorts switches on port power. Ganged hubs power every port with the
// first request that succeeds.
func (c *Controller) powerPorts(ctx context.Context) error {
	switch c.desc.Power {
	case PowerNotSwitched:
		return nil
	case PowerGanged:
		var err error
		for _, p := range c.ports {
			if err = c.setPortFeature(ctx, p.number, usb.FeaturePortPower); err == nil {
				return nil
			}
			_ = level.Warn(c.logger).Log("msg", "failed to power ganged ports", "port", p.number, "err", err)
		}
		return errors.Wrap(err, "no port accepted power on")
	default:
		var firstErr error
		for _, p := range c.ports {
			if err := c.setPortFeature(ctx, p.number, usb.FeaturePortPower); err != nil {
				_ = level.Warn(c.logger).Log("msg", "failed to power port", "port", p.number, "err", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		return firstErr
	}
}

// Shutdown stops the hub. New interrupts are refused, running dispatches and
// the poll loop are waited for, every enumeration worker is made to give up
// and waited for, and finally devices still attached are removed from the bus.
// No worker touches a port after Shutdown returns. Concurrent calls all
// return once the first one is done.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.down
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.active.Wait()

	for _, p := range c.ports {
		p.mu.Lock()
		c.abortAttempt(p)
		p.mu.Unlock()
	}
	c.waitPending()

	ctx := context.Background()
	for _, p := range c.ports {
		p.mu.Lock()
		c.removeDevice(ctx, p)
		c.releaseHeldDefaultAddress(ctx, p)
		c.setState(p, StateIdle)
		p.mu.Unlock()
	}
	c.retired.Store(true)
	close(c.down)
	_ = level.Info(c.logger).Log("msg", "hub shut down")
}
