// SPDX-License-Identifier: GPL-2.0-only

package bus

import (
	"context"
	baseerrors "errors"

	"github.com/MatthiasValvekens/usbhub-portd/usb"
)

var (
	// ErrBusy is returned by the host controller when the default address is
	// held by someone else. It is the only retryable reservation error.
	ErrBusy = baseerrors.New("default address busy, try later")

	// ErrConnectionGone is returned by Arbiter.Reserve when the requesting
	// port no longer wants the default address.
	ErrConnectionGone = baseerrors.New("connection gone while waiting for default address")
)

// Controller is the host controller a hub's downstream devices live on.
type Controller interface {
	// BeginExchange opens an RPC session towards the host controller.
	// The caller must Close the returned exchange.
	BeginExchange(ctx context.Context) (Exchange, error)
}

// Exchange is one RPC session with the host controller. Every call returns
// nil on success, ErrBusy where documented, or any other error as fatal for
// that call only.
type Exchange interface {
	// ReserveDefaultAddress claims USB address 0 for a device of the given speed.
	// It fails with ErrBusy when the address is already reserved.
	ReserveDefaultAddress(ctx context.Context, speed usb.Speed) error
	ReleaseDefaultAddress(ctx context.Context) error
	// EnumerateDevice runs enumeration on the device currently answering at the
	// default address behind the given hub port.
	EnumerateDevice(ctx context.Context, port int, speed usb.Speed) (usb.AttachedDevice, error)
	RemoveDevice(ctx context.Context, handle usb.DeviceHandle) error
	Close()
}
