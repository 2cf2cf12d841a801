// SPDX-License-Identifier: GPL-2.0-only

package hub

import (
	"context"
	"encoding/binary"

	"github.com/MatthiasValvekens/usbhub-portd/bus"
	"github.com/MatthiasValvekens/usbhub-portd/usb"
	"github.com/efficientgo/core/errors"
)

// ControlPipe carries hub class requests to endpoint 0 of the hub.
type ControlPipe interface {
	ControlRead(ctx context.Context, setup usb.SetupPacket, data []byte) (int, error)
	ControlWrite(ctx context.Context, setup usb.SetupPacket, data []byte) error
}

// InterruptPipe is the hub's status change endpoint. Read blocks until the
// hub reports a change and fills buf with the change bitmap.
type InterruptPipe interface {
	Read(ctx context.Context, buf []byte) (int, error)
}

// Device bundles everything a Controller needs to drive one physical hub.
type Device struct {
	Control      ControlPipe
	StatusChange InterruptPipe
	Bus          bus.Controller
	Speed        usb.HubSpeed
	// Depth is the number of hubs between this one and the root hub. Only USB 3 hubs use it.
	Depth uint16
}

func (c *Controller) readStatusWord(ctx context.Context, setup usb.SetupPacket) (uint32, error) {
	var buf [usb.StatusWordSize]byte
	n, err := c.dev.Control.ControlRead(ctx, setup, buf[:])
	if err != nil {
		return 0, err
	}
	if n != usb.StatusWordSize {
		return 0, errors.Wrapf(ErrShortStatus, "got %d bytes", n)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (c *Controller) getPortStatus(ctx context.Context, port int) (uint32, error) {
	status, err := c.readStatusWord(ctx, usb.GetPortStatusRequest(port))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to get status of port %d", port)
	}
	return status, nil
}

func (c *Controller) getHubStatus(ctx context.Context) (uint32, error) {
	status, err := c.readStatusWord(ctx, usb.GetHubStatusRequest())
	if err != nil {
		return 0, errors.Wrap(err, "failed to get hub status")
	}
	return status, nil
}

func (c *Controller) setPortFeature(ctx context.Context, port int, f usb.Feature) error {
	if err := c.dev.Control.ControlWrite(ctx, usb.SetPortFeatureRequest(port, f), nil); err != nil {
		return errors.Wrapf(err, "failed to set %s on port %d", f, port)
	}
	return nil
}

func (c *Controller) clearPortFeature(ctx context.Context, port int, f usb.Feature) error {
	if err := c.dev.Control.ControlWrite(ctx, usb.ClearPortFeatureRequest(port, f), nil); err != nil {
		return errors.Wrapf(err, "failed to clear %s on port %d", f, port)
	}
	return nil
}

func (c *Controller) clearHubFeature(ctx context.Context, f usb.Feature) error {
	if err := c.dev.Control.ControlWrite(ctx, usb.ClearHubFeatureRequest(f), nil); err != nil {
		return errors.Wrapf(err, "failed to clear hub feature %d", f)
	}
	return nil
}
