// SPDX-License-Identifier: GPL-2.0-only

package hub

import (
	"fmt"
	"io"

	"github.com/MatthiasValvekens/usbhub-portd/usb"
	"github.com/efficientgo/core/errors"
)

const TableHeader = "hub              port state      spd adr handle\n"

type PortInfo struct {
	Port   int
	State  State
	Speed  usb.Speed
	Device *usb.AttachedDevice
}

// Snapshot returns the current state of every port. Ports are locked one at
// a time, so the result is not an atomic view of the whole hub.
func (c *Controller) Snapshot() []PortInfo {
	infos := make([]PortInfo, 0, len(c.ports))
	for _, p := range c.ports {
		p.mu.Lock()
		info := PortInfo{Port: p.number, State: p.state}
		if p.state != StateIdle {
			info.Speed = p.speed
		}
		if p.device != nil {
			dev := *p.device
			info.Device = &dev
		}
		p.mu.Unlock()
		infos = append(infos, info)
	}
	return infos
}

// WriteTable renders the ports of the given hubs, one line per port.
func WriteTable(w io.Writer, hubs ...*Controller) error {
	if _, err := io.WriteString(w, TableHeader); err != nil {
		return errors.Wrap(err, "failed to write port table")
	}
	for _, c := range hubs {
		for _, info := range c.Snapshot() {
			addr, handle := "---", "--------"
			if info.Device != nil {
				addr = fmt.Sprintf("%03d", info.Device.Address)
				handle = fmt.Sprintf("%08x", info.Device.Handle)
			}
			_, err := fmt.Fprintf(w, "%-16s %04d %-10s %-3s %s %s\n",
				c.name, info.Port, info.State, info.Speed.ShortName(), addr, handle)
			if err != nil {
				return errors.Wrap(err, "failed to write port table")
			}
		}
	}
	return nil
}
