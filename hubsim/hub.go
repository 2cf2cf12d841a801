// SPDX-License-Identifier: GPL-2.0-only

// Package hubsim simulates a hub's control and status change endpoints and
// a host controller, so the port manager can run without hardware.
package hubsim

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/MatthiasValvekens/usbhub-portd/portstatus"
	"github.com/MatthiasValvekens/usbhub-portd/usb"
	"github.com/boljen/go-bitmap"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var (
	ErrStall     = errors.New("request stalled")
	ErrTransport = errors.New("transfer failed")
)

type PowerMode uint8

const (
	PowerGanged PowerMode = iota
	PowerPerPort
	PowerNone
)

func ParsePowerMode(s string) (PowerMode, error) {
	switch s {
	case "", "ganged":
		return PowerGanged, nil
	case "per-port":
		return PowerPerPort, nil
	case "none":
		return PowerNone, nil
	default:
		return 0, errors.Newf("unknown power switching mode %q", s)
	}
}

// DefaultResetDelay is how long a simulated port reset takes.
const DefaultResetDelay = 10 * time.Millisecond

type Config struct {
	Ports int
	Speed usb.HubSpeed
	Power PowerMode
	// PowerOnToGood is bPwrOn2PwrGood, in units of 2ms.
	PowerOnToGood uint8
	// ResetDelay is the time a port reset takes. Negative means resets
	// never complete.
	ResetDelay time.Duration
	Logger     log.Logger
}

type port struct {
	present     bool
	speed       usb.Speed
	powered     bool
	enabled     bool
	suspended   bool
	overCurrent bool
	resetting   bool
	linkState   uint8
	change      uint32
	// resets counts reset requests, so a stale completion is dropped.
	resets int
}

// WriteKey identifies a control write for counting. Port is 0 for hub requests.
type WriteKey struct {
	Request uint8
	Port    int
	Feature usb.Feature
}

// Hub is the register model of one hub. It implements the hub package's
// ControlPipe and InterruptPipe.
type Hub struct {
	cfg    Config
	logger log.Logger

	mu        sync.Mutex
	ports     []port
	hubStatus uint32
	hubChange uint32
	depth     uint16
	dead      bool
	failReads int
	fault     func(usb.SetupPacket) error
	writes    map[WriteKey]int
	reads     int
	// changed is closed and replaced whenever a change bit gets set.
	changed chan struct{}
}

func NewHub(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	if cfg.ResetDelay == 0 {
		cfg.ResetDelay = DefaultResetDelay
	}
	h := &Hub{
		cfg:     cfg,
		logger:  cfg.Logger,
		ports:   make([]port, cfg.Ports),
		writes:  make(map[WriteKey]int),
		changed: make(chan struct{}),
	}
	if cfg.Power == PowerNone {
		for i := range h.ports {
			h.ports[i].powered = true
		}
	}
	return h
}

func (h *Hub) notify() {
	close(h.changed)
	h.changed = make(chan struct{})
}

func (h *Hub) port(n int) (*port, error) {
	if n < 1 || n > len(h.ports) {
		return nil, errors.Wrapf(ErrStall, "no port %d", n)
	}
	return &h.ports[n-1], nil
}

func (h *Hub) super() bool {
	return h.cfg.Speed == usb.HubSpeedSuper
}

func (h *Hub) statusWord(p *port) uint32 {
	raw := p.change
	if p.present {
		raw |= portstatus.StatusConnection
	}
	if p.enabled {
		raw |= portstatus.StatusEnabled
	}
	if p.overCurrent {
		raw |= portstatus.StatusOverCurrent
	}
	if p.resetting {
		raw |= portstatus.StatusReset
	}
	if h.super() {
		raw |= (uint32(p.linkState) << portstatus.Status3LinkStateShift) & portstatus.Status3LinkStateMask
		if p.powered {
			raw |= portstatus.Status3Power
		}
		return raw
	}
	if p.suspended {
		raw |= portstatus.StatusSuspended
	}
	if p.powered {
		raw |= portstatus.StatusPower
	}
	if p.present {
		switch p.speed {
		case usb.SpeedLow:
			raw |= portstatus.StatusLowSpeed
		case usb.SpeedHigh:
			raw |= portstatus.StatusHighSpeed
		}
	}
	return raw
}

func (h *Hub) descriptor() []byte {
	var characteristics uint16
	switch h.cfg.Power {
	case PowerPerPort:
		characteristics = 0x1
	case PowerNone:
		characteristics = 0x2
	}
	if h.super() {
		d := make([]byte, 12)
		d[0] = 12
		d[1] = usb.DescriptorTypeSuperHub
		d[2] = uint8(len(h.ports))
		binary.LittleEndian.PutUint16(d[3:], characteristics)
		d[5] = h.cfg.PowerOnToGood
		return d
	}
	// DeviceRemovable and PortPwrCtrlMask, one bit per port plus bit 0.
	maskLen := usb.StatusChangeBitmapSize(len(h.ports))
	d := make([]byte, 7+2*maskLen)
	d[0] = uint8(len(d))
	d[1] = usb.DescriptorTypeHub
	d[2] = uint8(len(h.ports))
	binary.LittleEndian.PutUint16(d[3:], characteristics)
	d[5] = h.cfg.PowerOnToGood
	for i := 0; i < maskLen; i++ {
		d[7+maskLen+i] = 0xff
	}
	return d
}

func (h *Hub) ControlRead(_ context.Context, setup usb.SetupPacket, data []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fault != nil {
		if err := h.fault(setup); err != nil {
			return 0, err
		}
	}

	var payload []byte
	switch {
	case setup.RequestType == usb.RequestTypeGetHubDescriptor && setup.Request == usb.RequestGetDescriptor:
		payload = h.descriptor()
	case setup.RequestType == usb.RequestTypeGetPortStatus && setup.Request == usb.RequestGetStatus:
		p, err := h.port(int(setup.Index))
		if err != nil {
			return 0, err
		}
		h.reads++
		payload = binary.LittleEndian.AppendUint32(nil, h.statusWord(p))
	case setup.RequestType == usb.RequestTypeGetHubStatus && setup.Request == usb.RequestGetStatus:
		h.reads++
		payload = binary.LittleEndian.AppendUint32(nil, h.hubStatus|h.hubChange)
	default:
		return 0, errors.Wrapf(ErrStall, "unsupported request %#02x/%d", setup.RequestType, setup.Request)
	}
	if int(setup.Length) < len(payload) {
		payload = payload[:setup.Length]
	}
	return copy(data, payload), nil
}

func (h *Hub) ControlWrite(_ context.Context, setup usb.SetupPacket, _ []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fault != nil {
		if err := h.fault(setup); err != nil {
			return err
		}
	}

	feature := usb.Feature(setup.Value)
	switch {
	case setup.Request == usb.RequestSetHubDepth && setup.RequestType == usb.RequestTypeSetHubFeature:
		h.writes[WriteKey{Request: setup.Request}]++
		h.depth = setup.Value
		return nil
	case setup.RequestType == usb.RequestTypeClearHubFeature && setup.Request == usb.RequestClearFeature:
		h.writes[WriteKey{Request: setup.Request, Feature: feature}]++
		return h.clearHubFeature(feature)
	}

	n := int(setup.Index)
	p, err := h.port(n)
	if err != nil {
		return err
	}
	h.writes[WriteKey{Request: setup.Request, Port: n, Feature: feature}]++
	switch {
	case setup.RequestType == usb.RequestTypeSetPortFeature && setup.Request == usb.RequestSetFeature:
		return h.setPortFeature(n, p, feature)
	case setup.RequestType == usb.RequestTypeClearPortFeature && setup.Request == usb.RequestClearFeature:
		return h.clearPortFeature(p, feature)
	default:
		return errors.Wrapf(ErrStall, "unsupported request %#02x/%d", setup.RequestType, setup.Request)
	}
}

func (h *Hub) clearHubFeature(f usb.Feature) error {
	switch f {
	case usb.FeatureCHubLocalPower:
		h.hubChange &^= portstatus.HubChangeLocalPower
	case usb.FeatureCHubOverCurrent:
		h.hubChange &^= portstatus.HubChangeOverCurrent
	default:
		return errors.Wrapf(ErrStall, "unsupported hub feature %d", f)
	}
	return nil
}

var changeBits = map[usb.Feature]uint32{
	usb.FeatureCPortConnection:  portstatus.ChangeConnection,
	usb.FeatureCPortEnable:      portstatus.ChangeEnabled,
	usb.FeatureCPortSuspend:     portstatus.ChangeSuspended,
	usb.FeatureCPortOverCurrent: portstatus.ChangeOverCurrent,
	usb.FeatureCPortReset:       portstatus.ChangeReset,
	usb.FeatureCBHPortReset:     portstatus.Change3BHReset,
	usb.FeatureCPortLinkState:   portstatus.Change3LinkState,
	usb.FeatureCPortConfigError: portstatus.Change3ConfigError,
}

func (h *Hub) clearPortFeature(p *port, f usb.Feature) error {
	if bit, ok := changeBits[f]; ok {
		p.change &^= bit
		return nil
	}
	switch f {
	case usb.FeaturePortEnable:
		// No change bit: the host asked for it.
		p.enabled = false
	case usb.FeaturePortSuspend:
		p.suspended = false
	case usb.FeaturePortPower:
		if h.cfg.Power == PowerNone {
			return errors.Wrap(ErrStall, "port power is not switched")
		}
		p.powered = false
		p.enabled = false
	default:
		return errors.Wrapf(ErrStall, "cannot clear %s", f)
	}
	return nil
}

func (h *Hub) setPortFeature(n int, p *port, f usb.Feature) error {
	switch f {
	case usb.FeaturePortPower:
		if h.cfg.Power == PowerGanged {
			for i := range h.ports {
				h.ports[i].powered = true
			}
			return nil
		}
		p.powered = true
	case usb.FeaturePortReset:
		if h.super() {
			return errors.Wrap(ErrStall, "use BH_PORT_RESET on a USB 3 hub")
		}
		h.startReset(n, p, portstatus.ChangeReset)
	case usb.FeatureBHPortReset:
		if !h.super() {
			return errors.Wrap(ErrStall, "BH_PORT_RESET on a USB 2 hub")
		}
		h.startReset(n, p, portstatus.Change3BHReset)
	default:
		return errors.Wrapf(ErrStall, "cannot set %s", f)
	}
	return nil
}

func (h *Hub) startReset(n int, p *port, changeBit uint32) {
	p.resets++
	p.resetting = true
	p.enabled = false
	if h.cfg.ResetDelay < 0 {
		return
	}
	gen := p.resets
	time.AfterFunc(h.cfg.ResetDelay, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		p := &h.ports[n-1]
		if p.resets != gen || !p.resetting {
			return
		}
		p.resetting = false
		p.enabled = p.present && p.powered && !p.overCurrent
		p.change |= changeBit
		_ = level.Debug(h.logger).Log("msg", "simulated reset complete", "port", n, "enabled", p.enabled)
		h.notify()
	})
}

// Read blocks until a change bit is pending and fills buf with the status
// change bitmap.
func (h *Hub) Read(ctx context.Context, buf []byte) (int, error) {
	size := usb.StatusChangeBitmapSize(len(h.ports))
	if len(buf) < size {
		return 0, errors.Newf("buffer of %d bytes too small for %d byte bitmap", len(buf), size)
	}
	for {
		h.mu.Lock()
		if h.dead {
			h.mu.Unlock()
			return 0, nil
		}
		if h.failReads > 0 {
			h.failReads--
			h.mu.Unlock()
			return 0, ErrTransport
		}
		changed := bitmap.Bitmap(buf[:size])
		clear(changed)
		pending := false
		if h.hubChange != 0 {
			changed.Set(usb.HubChangeBit, true)
			pending = true
		}
		for i := range h.ports {
			if h.ports[i].change != 0 {
				changed.Set(i+1, true)
				pending = true
			}
		}
		wait := h.changed
		h.mu.Unlock()

		if pending {
			return size, nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (h *Hub) Plug(n int, speed usb.Speed) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := &h.ports[n-1]
	p.present = true
	p.speed = speed
	if h.super() {
		p.speed = usb.SpeedSuper
	}
	p.change |= portstatus.ChangeConnection
	h.notify()
}

func (h *Hub) Unplug(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := &h.ports[n-1]
	p.present = false
	p.enabled = false
	p.resetting = false
	p.suspended = false
	p.change |= portstatus.ChangeConnection
	h.notify()
}

// ErrorDisable disables port n the way a babbling device gets it disabled.
func (h *Hub) ErrorDisable(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := &h.ports[n-1]
	p.enabled = false
	p.change |= portstatus.ChangeEnabled
	h.notify()
}

func (h *Hub) Suspend(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := &h.ports[n-1]
	p.suspended = true
	p.change |= portstatus.ChangeSuspended
	h.notify()
}

func (h *Hub) SetOverCurrent(n int, active bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := &h.ports[n-1]
	p.overCurrent = active
	if active && h.cfg.Power != PowerNone {
		p.powered = false
		p.enabled = false
	}
	p.change |= portstatus.ChangeOverCurrent
	h.notify()
}

func (h *Hub) SetHubOverCurrent(active bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if active {
		h.hubStatus |= portstatus.HubStatusOverCurrent
		if h.cfg.Power != PowerNone {
			for i := range h.ports {
				h.ports[i].powered = false
				h.ports[i].enabled = false
			}
		}
	} else {
		h.hubStatus &^= portstatus.HubStatusOverCurrent
	}
	h.hubChange |= portstatus.HubChangeOverCurrent
	h.notify()
}

func (h *Hub) LocalPowerChange(lost bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if lost {
		h.hubStatus |= portstatus.HubStatusLocalPower
	} else {
		h.hubStatus &^= portstatus.HubStatusLocalPower
	}
	h.hubChange |= portstatus.HubChangeLocalPower
	h.notify()
}

// Kill makes every further read of the status change endpoint return no data.
func (h *Hub) Kill() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dead = true
	h.notify()
}

// FailReads makes the next n reads of the status change endpoint fail.
func (h *Hub) FailReads(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failReads = n
	h.notify()
}

// SetFault installs a hook run before every control transfer; a non-nil
// result fails the transfer.
func (h *Hub) SetFault(fault func(usb.SetupPacket) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fault = fault
}

func (h *Hub) Writes(key WriteKey) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writes[key]
}

func (h *Hub) TotalWrites() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, n := range h.writes {
		total += n
	}
	return total
}

// StatusReads counts GET_STATUS requests for the hub and its ports.
func (h *Hub) StatusReads() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reads
}

func (h *Hub) PortPowered(n int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ports[n-1].powered
}

func (h *Hub) PortEnabled(n int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ports[n-1].enabled
}

func (h *Hub) Depth() uint16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.depth
}
