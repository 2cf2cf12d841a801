// SPDX-License-Identifier: GPL-2.0-only

package usb

import "fmt"

type Speed uint8

const (
	SpeedUnknown Speed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
	SpeedSuper
)

func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	case SpeedSuper:
		return "super"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ShortName renders the speed in the two-letter form used by the port table.
func (s Speed) ShortName() string {
	switch s {
	case SpeedLow:
		return "ls"
	case SpeedFull:
		return "fs"
	case SpeedHigh:
		return "hs"
	case SpeedSuper:
		return "ss"
	default:
		return "--"
	}
}

// HubSpeed selects the status register layout and the enumeration flavor of a hub.
type HubSpeed uint8

const (
	HubSpeedHigh HubSpeed = iota
	HubSpeedSuper
)

func (h HubSpeed) String() string {
	if h == HubSpeedSuper {
		return "ss"
	}
	return "hs"
}

// Speed is the upstream link speed of the hub itself.
func (h HubSpeed) Speed() Speed {
	if h == HubSpeedSuper {
		return SpeedSuper
	}
	return SpeedHigh
}

type DeviceAddress uint8

const DefaultAddress DeviceAddress = 0

// DeviceHandle identifies an enumerated device towards the host controller.
type DeviceHandle uint32

// AttachedDevice is what a port remembers about the device it enumerated.
type AttachedDevice struct {
	Address DeviceAddress
	Handle  DeviceHandle
}
