// SPDX-License-Identifier: GPL-2.0-only

package hubsim

import (
	"context"
	"sync"
	"time"

	"github.com/MatthiasValvekens/usbhub-portd/bus"
	"github.com/MatthiasValvekens/usbhub-portd/usb"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const maxAddress usb.DeviceAddress = 127

type EnumerateFunc func(ctx context.Context, port int, speed usb.Speed) error

type Device struct {
	Address usb.DeviceAddress
	Handle  usb.DeviceHandle
	Port    int
	Speed   usb.Speed
}

// HostController keeps the default address slot and the address space of
// one simulated bus. It implements bus.Controller.
type HostController struct {
	logger log.Logger

	mu              sync.Mutex
	reserved        bool
	reserveAttempts int
	nextHandle      usb.DeviceHandle
	devices         map[usb.DeviceHandle]Device
	enumerate       EnumerateFunc
	enumerateDelay  time.Duration
}

func NewHostController(logger log.Logger) *HostController {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &HostController{
		logger:  logger,
		devices: make(map[usb.DeviceHandle]Device),
	}
}

func (hc *HostController) BeginExchange(context.Context) (bus.Exchange, error) {
	return &exchange{hc: hc}, nil
}

// SetEnumerateFunc installs a hook that runs before a device is given an
// address. A non-nil result fails the enumeration.
func (hc *HostController) SetEnumerateFunc(f EnumerateFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.enumerate = f
}

func (hc *HostController) SetEnumerateDelay(d time.Duration) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.enumerateDelay = d
}

// HoldDefaultAddress takes the default address on behalf of a device outside
// the simulation. It reports false if the address was already taken.
func (hc *HostController) HoldDefaultAddress() bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if hc.reserved {
		return false
	}
	hc.reserved = true
	return true
}

func (hc *HostController) Reserved() bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.reserved
}

// ReserveAttempts counts calls to ReserveDefaultAddress, busy ones included.
func (hc *HostController) ReserveAttempts() int {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.reserveAttempts
}

func (hc *HostController) Devices() []Device {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	devices := make([]Device, 0, len(hc.devices))
	for _, d := range hc.devices {
		devices = append(devices, d)
	}
	return devices
}

func (hc *HostController) allocateAddress() (usb.DeviceAddress, bool) {
	used := make(map[usb.DeviceAddress]bool, len(hc.devices))
	for _, d := range hc.devices {
		used[d.Address] = true
	}
	for addr := usb.DeviceAddress(1); addr <= maxAddress; addr++ {
		if !used[addr] {
			return addr, true
		}
	}
	return 0, false
}

type exchange struct {
	hc *HostController
}

func (e *exchange) ReserveDefaultAddress(_ context.Context, speed usb.Speed) error {
	hc := e.hc
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.reserveAttempts++
	if hc.reserved {
		return bus.ErrBusy
	}
	hc.reserved = true
	_ = level.Debug(hc.logger).Log("msg", "default address reserved", "speed", speed)
	return nil
}

func (e *exchange) ReleaseDefaultAddress(context.Context) error {
	hc := e.hc
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if !hc.reserved {
		return errors.New("default address is not reserved")
	}
	hc.reserved = false
	return nil
}

func (e *exchange) EnumerateDevice(ctx context.Context, port int, speed usb.Speed) (usb.AttachedDevice, error) {
	hc := e.hc
	hc.mu.Lock()
	reserved, hook, delay := hc.reserved, hc.enumerate, hc.enumerateDelay
	hc.mu.Unlock()

	if !reserved {
		return usb.AttachedDevice{}, errors.New("enumeration without default address")
	}
	if hook != nil {
		if err := hook(ctx, port, speed); err != nil {
			return usb.AttachedDevice{}, errors.Wrapf(err, "enumeration of device on port %d failed", port)
		}
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return usb.AttachedDevice{}, errors.Wrap(ctx.Err(), "enumeration aborted")
		}
	}

	hc.mu.Lock()
	defer hc.mu.Unlock()
	addr, ok := hc.allocateAddress()
	if !ok {
		return usb.AttachedDevice{}, errors.New("no free device address")
	}
	hc.nextHandle++
	dev := Device{Address: addr, Handle: hc.nextHandle, Port: port, Speed: speed}
	hc.devices[dev.Handle] = dev
	_ = level.Debug(hc.logger).Log("msg", "device enumerated", "port", port, "speed", speed, "address", addr)
	return usb.AttachedDevice{Address: addr, Handle: dev.Handle}, nil
}

func (e *exchange) RemoveDevice(_ context.Context, handle usb.DeviceHandle) error {
	hc := e.hc
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if _, ok := hc.devices[handle]; !ok {
		return errors.Newf("no device with handle %d", handle)
	}
	delete(hc.devices, handle)
	return nil
}

func (e *exchange) Close() {}
