// SPDX-License-Identifier: GPL-2.0-only

package hub

import (
	"context"
	"time"

	"github.com/MatthiasValvekens/usbhub-portd/usb"
	"github.com/efficientgo/core/errors"
)

type PowerSwitching uint8

const (
	PowerGanged PowerSwitching = iota
	PowerPerPort
	PowerNotSwitched
)

func (p PowerSwitching) String() string {
	switch p {
	case PowerGanged:
		return "ganged"
	case PowerPerPort:
		return "per-port"
	default:
		return "none"
	}
}

const (
	hubCharPowerMask    = 0x3
	hubCharPowerPerPort = 0x1
	hubCharNoSwitching  = 0x2
	hubDescriptorHeader = 7
)

// Descriptor holds the fields of the hub descriptor the port manager uses.
type Descriptor struct {
	Ports         int
	Power         PowerSwitching
	PowerOnToGood time.Duration
}

// ParseDescriptor reads the common header of a USB 2.0 or SuperSpeed hub descriptor.
func ParseDescriptor(data []byte, hubSpeed usb.HubSpeed) (Descriptor, error) {
	if len(data) < hubDescriptorHeader {
		return Descriptor{}, errors.Newf("hub descriptor too short: %d bytes", len(data))
	}
	want := usb.DescriptorTypeHub
	if hubSpeed == usb.HubSpeedSuper {
		want = usb.DescriptorTypeSuperHub
	}
	if data[1] != want {
		return Descriptor{}, errors.Newf("unexpected descriptor type %#02x, want %#02x", data[1], want)
	}
	ports := int(data[2])
	if ports < 1 || ports > usb.MaxPorts {
		return Descriptor{}, errors.Newf("hub reports %d ports", ports)
	}

	characteristics := uint16(data[3]) | uint16(data[4])<<8
	var power PowerSwitching
	switch {
	case characteristics&hubCharNoSwitching != 0:
		power = PowerNotSwitched
	case characteristics&hubCharPowerMask == hubCharPowerPerPort:
		power = PowerPerPort
	default:
		power = PowerGanged
	}
	return Descriptor{
		Ports:         ports,
		Power:         power,
		PowerOnToGood: time.Duration(data[5]) * 2 * time.Millisecond,
	}, nil
}

func (c *Controller) readDescriptor(ctx context.Context) (Descriptor, error) {
	buf := make([]byte, usb.MaxHubDescriptorSize)
	n, err := c.dev.Control.ControlRead(ctx, usb.GetHubDescriptorRequest(c.speed), buf)
	if err != nil {
		return Descriptor{}, errors.Wrap(err, "failed to read hub descriptor")
	}
	return ParseDescriptor(buf[:n], c.speed)
}
