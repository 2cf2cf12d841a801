// SPDX-License-Identifier: GPL-2.0-only

package hub

import (
	"context"
	baseerrors "errors"

	"github.com/MatthiasValvekens/usbhub-portd/usb"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log/level"
)

// Run polls the hub's status change endpoint and dispatches every bitmap it
// reads until ctx is cancelled or the hub is shut down, in which case it
// returns nil. A read that yields no data at all, or more consecutive
// transport errors than configured, stops polling with ErrPollingFailed.
func (c *Controller) Run(ctx context.Context) error {
	if !c.enter() {
		return nil
	}
	defer c.active.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	buf := make([]byte, usb.StatusChangeBitmapSize(len(c.ports)))
	failures := 0
	for {
		clear(buf)
		n, err := c.dev.StatusChange.Read(ctx, buf)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			failures++
			c.metrics.pollFailures.Inc()
			if failures > c.maxPollFailures {
				_ = level.Error(c.logger).Log("msg", "giving up on status change endpoint", "failures", failures, "err", err)
				return errors.Wrapf(ErrPollingFailed, "%d consecutive read errors, last: %v", failures, err)
			}
			_ = level.Warn(c.logger).Log("msg", "failed to read status change endpoint", "failures", failures, "err", err)
			continue
		}
		failures = 0
		if n < 1 {
			_ = level.Error(c.logger).Log("msg", "status change endpoint returned no data, hub considered dead")
			return errors.Wrapf(ErrPollingFailed, "read %d bytes of status change bitmap", n)
		}

		if err := c.OnStatusChangeBitmap(ctx, buf[:n]); err != nil {
			if baseerrors.Is(err, ErrShutdown) {
				return nil
			}
			return err
		}
	}
}
