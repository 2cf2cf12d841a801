// SPDX-License-Identifier: GPL-2.0-only

package bus

import (
	"context"
	baseerrors "errors"
	"sync"
	"time"

	"github.com/MatthiasValvekens/usbhub-portd/usb"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

const DefaultRetryInterval = 2 * time.Second

// Arbiter serializes use of the default address between all hubs attached
// to one host controller. Construct exactly one per bus and share it.
//
// The host controller's own reservation is authoritative; the arbiter only
// makes waiters sleep until a release happens somewhere on the bus, or until
// the retry interval elapses in case that wakeup got lost.
type Arbiter struct {
	retryInterval time.Duration
	logger        log.Logger

	mu sync.Mutex
	// released is closed and replaced on every release.
	released chan struct{}

	waitSeconds prometheus.Histogram
	busyRetries prometheus.Counter
	abandoned   prometheus.Counter
}

func NewArbiter(retryInterval time.Duration, logger log.Logger, reg prometheus.Registerer) *Arbiter {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	a := &Arbiter{
		retryInterval: retryInterval,
		logger:        logger,
		released:      make(chan struct{}),
		waitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "default_address_wait_seconds",
			Help:    "Time spent waiting for the default address to become available.",
			Buckets: []float64{.001, .01, .1, .5, 1, 2, 5, 10, 30},
		}),
		busyRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "default_address_busy_retries_total",
			Help: "The number of times a reservation attempt found the default address busy.",
		}),
		abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "default_address_abandoned_total",
			Help: "The number of reservations given up because the device went away.",
		}),
	}
	if reg != nil {
		reg.MustRegister(a.waitSeconds, a.busyRetries, a.abandoned)
	}
	return a
}

// Reserve blocks until the default address could be reserved through exch.
//
// stillWanted is evaluated right after a successful reservation; if it
// reports false the address is released again and ErrConnectionGone is
// returned. Cancelling ctx abandons the wait with ErrConnectionGone as well.
// Errors other than ErrBusy from the host controller are returned as is.
func (a *Arbiter) Reserve(ctx context.Context, exch Exchange, speed usb.Speed, stillWanted func() bool) error {
	start := time.Now()
	timer := time.NewTimer(a.retryInterval)
	defer timer.Stop()

	for {
		// Grab the wakeup channel before trying, so a release that happens
		// between a busy answer and the wait is not missed.
		a.mu.Lock()
		released := a.released
		a.mu.Unlock()

		if ctx.Err() != nil {
			a.abandoned.Inc()
			return ErrConnectionGone
		}

		err := exch.ReserveDefaultAddress(ctx, speed)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			a.abandoned.Inc()
			return ErrConnectionGone
		}
		if !baseerrors.Is(err, ErrBusy) {
			return errors.Wrap(err, "failed to reserve default address")
		}
		a.busyRetries.Inc()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(a.retryInterval)
		select {
		case <-released:
		case <-timer.C:
			_ = level.Debug(a.logger).Log("msg", "default address still busy after retry interval", "speed", speed)
		case <-ctx.Done():
		}
	}
	a.waitSeconds.Observe(time.Since(start).Seconds())

	if stillWanted != nil && !stillWanted() {
		a.abandoned.Inc()
		if err := a.Release(context.WithoutCancel(ctx), exch); err != nil {
			_ = level.Warn(a.logger).Log("msg", "failed to give back default address", "err", err)
		}
		return ErrConnectionGone
	}
	return nil
}

// Release frees the default address and wakes every waiter on the bus.
// Waiters re-check availability themselves.
func (a *Arbiter) Release(ctx context.Context, exch Exchange) error {
	err := exch.ReleaseDefaultAddress(ctx)
	a.mu.Lock()
	close(a.released)
	a.released = make(chan struct{})
	a.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "failed to release default address")
	}
	return nil
}
