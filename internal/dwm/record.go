package dwm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrInvalidLength is returned when a record payload does not match the
	// fixed size required by its layout.
	ErrInvalidLength = errors.New("invalid record length")

	// ErrInvalidType is returned when a position payload carries an
	// unrecognized type tag.
	ErrInvalidType = errors.New("invalid record type")
)

// PositionKind is the type tag carried by position records delivered from
// the location data channel.
type PositionKind uint8

const (
	// PositionOnly marks a bare position record.
	PositionOnly PositionKind = 0

	// PositionWithDistances marks a position record that the node produced
	// alongside per-anchor ranging distances.
	PositionWithDistances PositionKind = 2
)

// PositionRecord is a decoded position fix. Coordinates are millimetres,
// quality is the node-reported confidence percentage (0-100).
type PositionRecord struct {
	Kind    PositionKind
	X       int32
	Y       int32
	Z       int32
	Quality uint8
}

// AnchorStaticPosition is the persisted position of an anchor node, written
// and read through the anchor position channel. Unlike live position records
// it carries no leading type byte.
type AnchorStaticPosition struct {
	X       int32
	Y       int32
	Z       int32
	Quality uint8
}

// Role is the node operating role.
type Role uint8

const (
	RoleTag Role = iota
	RoleAnchor
)

func (r Role) String() string {
	if r == RoleAnchor {
		return "anchor"
	}
	return "tag"
}

// UWBMode is the ultra-wideband radio mode of a node.
type UWBMode uint8

const (
	UWBOff UWBMode = iota
	UWBPassive
	UWBActive
	UWBReserved
)

func (m UWBMode) String() string {
	switch m {
	case UWBOff:
		return "off"
	case UWBPassive:
		return "passive"
	case UWBActive:
		return "active"
	default:
		return "reserved"
	}
}

// ModeConfig is the node operating-mode configuration, a two byte
// bit-packed record on the wire.
//
// Byte 0: bit 7 role (1 = anchor), bits 6-5 UWB mode, bit 4 firmware
// revision, bit 3 accelerometer, bit 2 LED, bit 1 firmware update,
// bit 0 Bluetooth. Byte 1: bit 7 initiator, bit 6 low power, bit 5
// location engine; the remaining bits are reserved by the firmware and
// round-trip unchanged.
type ModeConfig struct {
	Role            Role
	UWB             UWBMode
	FirmwareRev     bool
	Accelerometer   bool
	LED             bool
	FirmwareUpdate  bool
	BLE             bool
	Initiator       bool
	LowPower        bool
	LocationEngine  bool
	reservedLowBits uint8
}

// PanID is the 16-bit network identifier shared by nodes in the same
// ranging network.
type PanID struct {
	Value uint16
}

func (p PanID) String() string {
	return fmt.Sprintf("0x%04X", p.Value)
}

// Byte sizes of the fixed wire layouts.
const (
	positionShortLen = 13
	positionFullLen  = 14
	anchorStaticLen  = 13
	modeConfigLen    = 2
	panIDLen         = 2
)

// DisconnectRequest is the single-byte control record instructing the node
// to drop the connection.
var DisconnectRequest = []byte{1}

// DecodePosition decodes a live position payload. Accepts the 14-byte
// layout (type, x, y, z, quality) and the 13-byte variant without the
// trailing quality byte, in which case quality defaults to zero.
func DecodePosition(data []byte) (PositionRecord, error) {
	if len(data) != positionShortLen && len(data) != positionFullLen {
		return PositionRecord{}, fmt.Errorf("%w: position payload is %d bytes, want %d or %d",
			ErrInvalidLength, len(data), positionShortLen, positionFullLen)
	}

	kind := PositionKind(data[0])
	if kind != PositionOnly && kind != PositionWithDistances {
		return PositionRecord{}, fmt.Errorf("%w: unknown position type 0x%02X", ErrInvalidType, data[0])
	}

	rec := PositionRecord{
		Kind: kind,
		X:    int32(binary.LittleEndian.Uint32(data[1:5])),
		Y:    int32(binary.LittleEndian.Uint32(data[5:9])),
		Z:    int32(binary.LittleEndian.Uint32(data[9:13])),
	}
	if len(data) == positionFullLen {
		rec.Quality = data[13]
	}
	return rec, nil
}

// EncodeAnchorStatic encodes an anchor static position as the 13-byte
// layout used for anchor position writes. Quality range enforcement is the
// caller's concern; the codec packs whatever it is given.
func EncodeAnchorStatic(p AnchorStaticPosition) []byte {
	buf := make([]byte, anchorStaticLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.X))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.Y))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.Z))
	buf[12] = p.Quality
	return buf
}

// DecodeAnchorStatic decodes a 13-byte anchor static position payload.
func DecodeAnchorStatic(data []byte) (AnchorStaticPosition, error) {
	if len(data) != anchorStaticLen {
		return AnchorStaticPosition{}, fmt.Errorf("%w: anchor position payload is %d bytes, want %d",
			ErrInvalidLength, len(data), anchorStaticLen)
	}
	return AnchorStaticPosition{
		X:       int32(binary.LittleEndian.Uint32(data[0:4])),
		Y:       int32(binary.LittleEndian.Uint32(data[4:8])),
		Z:       int32(binary.LittleEndian.Uint32(data[8:12])),
		Quality: data[12],
	}, nil
}

// EncodeModeConfig packs a mode configuration into its two byte layout.
func EncodeModeConfig(c ModeConfig) []byte {
	var b0, b1 uint8

	if c.Role == RoleAnchor {
		b0 |= 1 << 7
	}
	b0 |= (uint8(c.UWB) & 0x03) << 5
	if c.FirmwareRev {
		b0 |= 1 << 4
	}
	if c.Accelerometer {
		b0 |= 1 << 3
	}
	if c.LED {
		b0 |= 1 << 2
	}
	if c.FirmwareUpdate {
		b0 |= 1 << 1
	}
	if c.BLE {
		b0 |= 1 << 0
	}

	if c.Initiator {
		b1 |= 1 << 7
	}
	if c.LowPower {
		b1 |= 1 << 6
	}
	if c.LocationEngine {
		b1 |= 1 << 5
	}
	b1 |= c.reservedLowBits & 0x1F

	return []byte{b0, b1}
}

// DecodeModeConfig unpacks a mode configuration. Every bit pattern is
// representable, so decoding only fails on short input; extra trailing
// bytes are ignored.
func DecodeModeConfig(data []byte) (ModeConfig, error) {
	if len(data) < modeConfigLen {
		return ModeConfig{}, fmt.Errorf("%w: mode payload is %d bytes, want at least %d",
			ErrInvalidLength, len(data), modeConfigLen)
	}

	b0, b1 := data[0], data[1]

	c := ModeConfig{
		UWB:             UWBMode((b0 >> 5) & 0x03),
		FirmwareRev:     b0&(1<<4) != 0,
		Accelerometer:   b0&(1<<3) != 0,
		LED:             b0&(1<<2) != 0,
		FirmwareUpdate:  b0&(1<<1) != 0,
		BLE:             b0&(1<<0) != 0,
		Initiator:       b1&(1<<7) != 0,
		LowPower:        b1&(1<<6) != 0,
		LocationEngine:  b1&(1<<5) != 0,
		reservedLowBits: b1 & 0x1F,
	}
	if b0&(1<<7) != 0 {
		c.Role = RoleAnchor
	}
	return c, nil
}

// EncodePanID encodes a PAN ID as two little-endian bytes.
func EncodePanID(p PanID) []byte {
	buf := make([]byte, panIDLen)
	binary.LittleEndian.PutUint16(buf, p.Value)
	return buf
}

// DecodePanID decodes a PAN ID, ignoring any trailing bytes beyond the
// first two.
func DecodePanID(data []byte) (PanID, error) {
	if len(data) < panIDLen {
		return PanID{}, fmt.Errorf("%w: PAN ID payload is %d bytes, want at least %d",
			ErrInvalidLength, len(data), panIDLen)
	}
	return PanID{Value: binary.LittleEndian.Uint16(data[:panIDLen])}, nil
}

// DefaultModeConfig returns the standard operating profile for the given
// role: UWB active, accelerometer, LED, firmware update and Bluetooth
// enabled. Anchors act as initiators; tags enable low power and the
// on-board location engine.
func DefaultModeConfig(role Role) ModeConfig {
	c := ModeConfig{
		Role:           role,
		UWB:            UWBActive,
		Accelerometer:  true,
		LED:            true,
		FirmwareUpdate: true,
		BLE:            true,
	}
	if role == RoleAnchor {
		c.Initiator = true
	} else {
		c.LowPower = true
		c.LocationEngine = true
	}
	return c
}
