// SPDX-License-Identifier: GPL-2.0-only

// Package portstatus translates the 32-bit wPortStatus/wPortChange and
// wHubStatus/wHubChange words returned by the hub class GET_STATUS request.
// The low 16 bits carry status, the high 16 bits carry change flags.
package portstatus

import "github.com/MatthiasValvekens/usbhub-portd/usb"

// Port status bits shared by USB 2.0 and USB 3 hubs.
const (
	StatusConnection  uint32 = 1 << 0
	StatusEnabled     uint32 = 1 << 1
	StatusSuspended   uint32 = 1 << 2
	StatusOverCurrent uint32 = 1 << 3
	StatusReset       uint32 = 1 << 4
)

// USB 2.0 only.
const (
	StatusPower     uint32 = 1 << 8
	StatusLowSpeed  uint32 = 1 << 9
	StatusHighSpeed uint32 = 1 << 10
	StatusTest      uint32 = 1 << 11
	StatusIndicator uint32 = 1 << 12
)

// USB 3 only.
const (
	Status3LinkStateShift        = 5
	Status3LinkStateMask  uint32 = 0xF << Status3LinkStateShift
	Status3Power          uint32 = 1 << 9
	Status3SpeedShift            = 10
	Status3SpeedMask      uint32 = 0x7 << Status3SpeedShift
)

// Change bits.
const (
	ChangeConnection  uint32 = 1 << 16
	ChangeEnabled     uint32 = 1 << 17
	ChangeSuspended   uint32 = 1 << 18
	ChangeOverCurrent uint32 = 1 << 19
	ChangeReset       uint32 = 1 << 20

	Change3BHReset     uint32 = 1 << 21
	Change3LinkState   uint32 = 1 << 22
	Change3ConfigError uint32 = 1 << 23
)

// Hub status and change bits.
const (
	HubStatusLocalPower  uint32 = 1 << 0
	HubStatusOverCurrent uint32 = 1 << 1
	HubChangeLocalPower  uint32 = 1 << 16
	HubChangeOverCurrent uint32 = 1 << 17
)

const (
	usb2StatusMask = StatusConnection | StatusEnabled | StatusSuspended | StatusOverCurrent | StatusReset | StatusPower | StatusLowSpeed | StatusHighSpeed
	usb2ChangeMask = ChangeConnection | ChangeEnabled | ChangeSuspended | ChangeOverCurrent | ChangeReset
	usb3StatusMask = StatusConnection | StatusEnabled | StatusOverCurrent | StatusReset | Status3LinkStateMask | Status3Power
	usb3ChangeMask = ChangeConnection | ChangeOverCurrent | ChangeReset | Change3BHReset | Change3LinkState | Change3ConfigError
)

// Flags is the decoded form of a port status word. Fields that do not exist
// for the hub's generation are always false/zero.
type Flags struct {
	Connection  bool
	Enabled     bool
	Suspended   bool
	OverCurrent bool
	Reset       bool
	Power       bool
	LinkState   uint8
	Speed       usb.Speed

	ConnectionChange  bool
	EnabledChange     bool
	SuspendedChange   bool
	OverCurrentChange bool
	ResetChange       bool
	BHResetChange     bool
	LinkStateChange   bool
	ConfigErrorChange bool
}

// AnyChange reports whether any change flag is set.
func (f Flags) AnyChange() bool {
	return f.ConnectionChange || f.EnabledChange || f.SuspendedChange || f.OverCurrentChange ||
		f.ResetChange || f.BHResetChange || f.LinkStateChange || f.ConfigErrorChange
}

// Decode never fails; reserved bits are dropped.
func Decode(raw uint32, hubSpeed usb.HubSpeed) Flags {
	f := Flags{
		Connection:        raw&StatusConnection != 0,
		Enabled:           raw&StatusEnabled != 0,
		OverCurrent:       raw&StatusOverCurrent != 0,
		Reset:             raw&StatusReset != 0,
		Speed:             SpeedOf(hubSpeed, raw),
		ConnectionChange:  raw&ChangeConnection != 0,
		OverCurrentChange: raw&ChangeOverCurrent != 0,
		ResetChange:       raw&ChangeReset != 0,
	}
	if hubSpeed == usb.HubSpeedSuper {
		f.Power = raw&Status3Power != 0
		f.LinkState = uint8((raw & Status3LinkStateMask) >> Status3LinkStateShift)
		f.BHResetChange = raw&Change3BHReset != 0
		f.LinkStateChange = raw&Change3LinkState != 0
		f.ConfigErrorChange = raw&Change3ConfigError != 0
		return f
	}
	f.Suspended = raw&StatusSuspended != 0
	f.Power = raw&StatusPower != 0
	f.EnabledChange = raw&ChangeEnabled != 0
	f.SuspendedChange = raw&ChangeSuspended != 0
	return f
}

// SpeedOf decodes the attached device speed. On USB 2.0 hubs the low-speed
// bit wins over the high-speed bit and full speed is the default; devices
// behind a USB 3 hub run at the hub's own speed.
func SpeedOf(hubSpeed usb.HubSpeed, raw uint32) usb.Speed {
	if hubSpeed == usb.HubSpeedSuper {
		return usb.SpeedSuper
	}
	switch {
	case raw&StatusLowSpeed != 0:
		return usb.SpeedLow
	case raw&StatusHighSpeed != 0:
		return usb.SpeedHigh
	default:
		return usb.SpeedFull
	}
}

// Encode builds a status word from flags. Decode(Encode(f)) == f holds for
// flags that are meaningful for the hub generation; Encode(Decode(r)) == r
// does not hold in general.
func Encode(f Flags, hubSpeed usb.HubSpeed) uint32 {
	var raw uint32
	set := func(cond bool, bit uint32) {
		if cond {
			raw |= bit
		}
	}
	set(f.Connection, StatusConnection)
	set(f.Enabled, StatusEnabled)
	set(f.OverCurrent, StatusOverCurrent)
	set(f.Reset, StatusReset)
	set(f.ConnectionChange, ChangeConnection)
	set(f.OverCurrentChange, ChangeOverCurrent)
	set(f.ResetChange, ChangeReset)
	if hubSpeed == usb.HubSpeedSuper {
		set(f.Power, Status3Power)
		raw |= (uint32(f.LinkState) << Status3LinkStateShift) & Status3LinkStateMask
		set(f.BHResetChange, Change3BHReset)
		set(f.LinkStateChange, Change3LinkState)
		set(f.ConfigErrorChange, Change3ConfigError)
		return raw
	}
	set(f.Suspended, StatusSuspended)
	set(f.Power, StatusPower)
	set(f.Speed == usb.SpeedLow, StatusLowSpeed)
	set(f.Speed == usb.SpeedHigh, StatusHighSpeed)
	set(f.EnabledChange, ChangeEnabled)
	set(f.SuspendedChange, ChangeSuspended)
	return raw
}

// Mask returns the bits Decode looks at for the given hub generation.
func Mask(hubSpeed usb.HubSpeed) uint32 {
	if hubSpeed == usb.HubSpeedSuper {
		return usb3StatusMask | usb3ChangeMask
	}
	return usb2StatusMask | usb2ChangeMask
}

type HubFlags struct {
	LocalPowerLost    bool
	OverCurrent       bool
	LocalPowerChange  bool
	OverCurrentChange bool
}

func DecodeHub(raw uint32) HubFlags {
	return HubFlags{
		LocalPowerLost:    raw&HubStatusLocalPower != 0,
		OverCurrent:       raw&HubStatusOverCurrent != 0,
		LocalPowerChange:  raw&HubChangeLocalPower != 0,
		OverCurrentChange: raw&HubChangeOverCurrent != 0,
	}
}
