package cpu

import (
	"encoding/binary"

	"github.com/hnu-osdesign/kcore/kernel"
)

const (
	// FXAreaSize is the size of the memory area used by the FXSAVE and
	// FXRSTOR instructions.
	FXAreaSize = 512

	// FXAreaAlign is the alignment required for an FXSAVE area.
	FXAreaAlign = 16

	defaultFCW   = 0x037f
	defaultMXCSR = 0x1f80
)

var errShortFXArea = &kernel.Error{Module: "cpu", Message: "FXSAVE area is too small", Kind: kernel.ContractViolation}

// STReservedMask selects the bits of an x87 register slot that do not hold
// part of the 80-bit value.
var STReservedMask = Uint128{Hi: 0xffff_ffff_ffff_0000}

// Uint128 holds the contents of a 128-bit register slot.
type Uint128 struct {
	Lo, Hi uint64
}

// AndNot returns the bits of v that are not set in mask.
func (v Uint128) AndNot(mask Uint128) Uint128 {
	return Uint128{Lo: v.Lo &^ mask.Lo, Hi: v.Hi &^ mask.Hi}
}

// And returns the bits of v that are also set in mask.
func (v Uint128) And(mask Uint128) Uint128 {
	return Uint128{Lo: v.Lo & mask.Lo, Hi: v.Hi & mask.Hi}
}

// Or returns the union of the bits of v and other.
func (v Uint128) Or(other Uint128) Uint128 {
	return Uint128{Lo: v.Lo | other.Lo, Hi: v.Hi | other.Hi}
}

// FloatRegisters mirrors the first 416 bytes of the 64-bit FXSAVE layout.
// The field order and sizes match the hardware format so the structure can
// be copied to and from an FXSAVE area without padding.
type FloatRegisters struct {
	FCW       uint16
	FSW       uint16
	FTW       uint8
	Reserved  uint8
	FOP       uint16
	FIP       uint64
	FDP       uint64
	MXCSR     uint32
	MXCSRMask uint32
	ST        [8]Uint128
	XMM       [16]Uint128
}

// Decode loads the registers from an FXSAVE area. Passing an area shorter
// than FXAreaSize is a contract violation.
func (fr *FloatRegisters) Decode(area []byte) {
	kernel.Assert(len(area) >= FXAreaSize, errShortFXArea)

	_, err := binary.Decode(area[:FXAreaSize], binary.LittleEndian, fr)
	kernel.Assert(err == nil, errShortFXArea)
}

// Encode stores the registers into an FXSAVE area. The trailing reserved
// bytes of the area are left untouched. Passing an area shorter than
// FXAreaSize is a contract violation.
func (fr *FloatRegisters) Encode(area []byte) {
	kernel.Assert(len(area) >= FXAreaSize, errShortFXArea)

	_, err := binary.Encode(area[:FXAreaSize], binary.LittleEndian, fr)
	kernel.Assert(err == nil, errShortFXArea)
}

// NewFXArea returns a zeroed FXSAVE area.
func NewFXArea() []byte {
	return make([]byte, FXAreaSize)
}
