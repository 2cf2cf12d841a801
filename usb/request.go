// SPDX-License-Identifier: GPL-2.0-only

package usb

import (
	"encoding/binary"
	"strconv"
)

// Standard and hub class request codes.
const (
	RequestGetStatus     uint8 = 0
	RequestClearFeature  uint8 = 1
	RequestSetFeature    uint8 = 3
	RequestGetDescriptor uint8 = 6
	RequestSetHubDepth   uint8 = 12
)

// bmRequestType values used by the hub class.
const (
	RequestTypeGetHubStatus     uint8 = 0xA0
	RequestTypeGetPortStatus    uint8 = 0xA3
	RequestTypeClearHubFeature  uint8 = 0x20
	RequestTypeClearPortFeature uint8 = 0x23
	RequestTypeSetHubFeature    uint8 = 0x20
	RequestTypeSetPortFeature   uint8 = 0x23
	RequestTypeGetHubDescriptor uint8 = 0xA0
)

const (
	DescriptorTypeHub      uint8 = 0x29
	DescriptorTypeSuperHub uint8 = 0x2A
	MaxHubDescriptorSize         = 71
	StatusWordSize               = 4
	SetupPacketSize              = 8
	MaxPorts                     = 32
	HubChangeBit                 = 0
)

// Feature is a hub class feature selector (USB 2.0 table 11-17, USB 3.2 table 10-9).
type Feature uint16

const (
	FeatureCHubLocalPower  Feature = 0
	FeatureCHubOverCurrent Feature = 1

	FeaturePortConnection   Feature = 0
	FeaturePortEnable       Feature = 1
	FeaturePortSuspend      Feature = 2
	FeaturePortOverCurrent  Feature = 3
	FeaturePortReset        Feature = 4
	FeaturePortLinkState    Feature = 5
	FeaturePortPower        Feature = 8
	FeaturePortLowSpeed     Feature = 9
	FeatureCPortConnection  Feature = 16
	FeatureCPortEnable      Feature = 17
	FeatureCPortSuspend     Feature = 18
	FeatureCPortOverCurrent Feature = 19
	FeatureCPortReset       Feature = 20
	FeatureCPortLinkState   Feature = 25
	FeatureCPortConfigError Feature = 26
	FeatureBHPortReset      Feature = 28
	FeatureCBHPortReset     Feature = 29
)

var featureNames = map[Feature]string{
	FeaturePortEnable:       "PORT_ENABLE",
	FeaturePortReset:        "PORT_RESET",
	FeaturePortPower:        "PORT_POWER",
	FeatureCPortConnection:  "C_PORT_CONNECTION",
	FeatureCPortEnable:      "C_PORT_ENABLE",
	FeatureCPortSuspend:     "C_PORT_SUSPEND",
	FeatureCPortOverCurrent: "C_PORT_OVER_CURRENT",
	FeatureCPortReset:       "C_PORT_RESET",
	FeatureCPortLinkState:   "C_PORT_LINK_STATE",
	FeatureCPortConfigError: "C_PORT_CONFIG_ERROR",
	FeatureBHPortReset:      "BH_PORT_RESET",
	FeatureCBHPortReset:     "C_BH_PORT_RESET",
}

// String names port features; hub features share their low selectors and are not named.
func (f Feature) String() string {
	if name, ok := featureNames[f]; ok {
		return name
	}
	return "feature(" + strconv.Itoa(int(f)) + ")"
}

// SetupPacket is the 8-byte SETUP stage of a control transfer.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// MarshalTo writes the packet in wire order. It returns 0 if buf is too small.
func (s SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:], s.Value)
	binary.LittleEndian.PutUint16(buf[4:], s.Index)
	binary.LittleEndian.PutUint16(buf[6:], s.Length)
	return SetupPacketSize
}

// ParseSetupPacket is the inverse of MarshalTo.
func ParseSetupPacket(data []byte) (SetupPacket, bool) {
	if len(data) < SetupPacketSize {
		return SetupPacket{}, false
	}
	return SetupPacket{
		RequestType: data[0],
		Request:     data[1],
		Value:       binary.LittleEndian.Uint16(data[2:]),
		Index:       binary.LittleEndian.Uint16(data[4:]),
		Length:      binary.LittleEndian.Uint16(data[6:]),
	}, true
}

// GetPortStatusRequest returns the hub class GET_STATUS for a port. Unlike the
// standard GET_STATUS it transfers 4 bytes: status in the low word, change in the high word.
func GetPortStatusRequest(port int) SetupPacket {
	return SetupPacket{
		RequestType: RequestTypeGetPortStatus,
		Request:     RequestGetStatus,
		Index:       uint16(port),
		Length:      StatusWordSize,
	}
}

func GetHubStatusRequest() SetupPacket {
	return SetupPacket{
		RequestType: RequestTypeGetHubStatus,
		Request:     RequestGetStatus,
		Length:      StatusWordSize,
	}
}

func SetPortFeatureRequest(port int, f Feature) SetupPacket {
	return SetupPacket{
		RequestType: RequestTypeSetPortFeature,
		Request:     RequestSetFeature,
		Value:       uint16(f),
		Index:       uint16(port),
	}
}

func ClearPortFeatureRequest(port int, f Feature) SetupPacket {
	return SetupPacket{
		RequestType: RequestTypeClearPortFeature,
		Request:     RequestClearFeature,
		Value:       uint16(f),
		Index:       uint16(port),
	}
}

func ClearHubFeatureRequest(f Feature) SetupPacket {
	return SetupPacket{
		RequestType: RequestTypeClearHubFeature,
		Request:     RequestClearFeature,
		Value:       uint16(f),
	}
}

func SetHubDepthRequest(depth uint16) SetupPacket {
	return SetupPacket{
		RequestType: RequestTypeSetHubFeature,
		Request:     RequestSetHubDepth,
		Value:       depth,
	}
}

func GetHubDescriptorRequest(hubSpeed HubSpeed) SetupPacket {
	descType := DescriptorTypeHub
	if hubSpeed == HubSpeedSuper {
		descType = DescriptorTypeSuperHub
	}
	return SetupPacket{
		RequestType: RequestTypeGetHubDescriptor,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType) << 8,
		Length:      MaxHubDescriptorSize,
	}
}

// StatusChangeBitmapSize is the interrupt payload size: one bit for the hub plus one per port.
func StatusChangeBitmapSize(ports int) int {
	return (ports + 1 + 7) / 8
}
