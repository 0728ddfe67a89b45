// Package ade talks to ADE7753 single-phase energy metering ICs sharing one
// SPI bus, one chip per channel, selected through the channel mux.
package ade

import (
	"fmt"
	"strings"

	"github.com/ericogr/circuit-meter/pkg/errcode"
)

// Access is the read/write legality of a register.
type Access uint8

const (
	R Access = 1 << iota
	W

	RW = R | W
)

// Decoding is how the raw register bits become a value.
type Decoding uint8

const (
	Unsigned Decoding = iota
	Signed            // two's complement of the register width
	// SignMagnitude is the CH1OS/CH2OS layout: bit 5 sign, bits 4..0
	// magnitude, bit 7 integrator enable (CH1OS only).
	SignMagnitude
)

// Register describes one on-chip register.
type Register struct {
	Name   string
	Addr   uint8
	Bits   uint8
	Access Access
	Decode Decoding
}

// Bytes returns the number of data bytes on the wire.
func (r Register) Bytes() int { return (int(r.Bits) + 7) / 8 }

func (r Register) Readable() bool { return r.Access&R != 0 }
func (r Register) Writable() bool { return r.Access&W != 0 }

func (r Register) String() string { return r.Name }

const (
	cmdWrite = 0x80
	addrMask = 0x3F
)

var (
	WAVEFORM   = Register{"WAVEFORM", 0x01, 24, R, Signed}
	AENERGY    = Register{"AENERGY", 0x02, 24, R, Signed}
	RAENERGY   = Register{"RAENERGY", 0x03, 24, R, Signed} // read clears
	LAENERGY   = Register{"LAENERGY", 0x04, 24, R, Signed} // line-cycle accumulation
	VAENERGY   = Register{"VAENERGY", 0x05, 24, R, Unsigned}
	RVAENERGY  = Register{"RVAENERGY", 0x06, 24, R, Unsigned}
	LVAENERGY  = Register{"LVAENERGY", 0x07, 24, R, Unsigned}
	LVARENERGY = Register{"LVARENERGY", 0x08, 24, R, Signed}
	MODE       = Register{"MODE", 0x09, 16, RW, Unsigned}
	IRQEN      = Register{"IRQEN", 0x0A, 16, RW, Unsigned}
	STATUS     = Register{"STATUS", 0x0B, 16, R, Unsigned}
	RSTSTATUS  = Register{"RSTSTATUS", 0x0C, 16, R, Unsigned} // read clears STATUS
	CH1OS      = Register{"CH1OS", 0x0D, 8, RW, SignMagnitude}
	CH2OS      = Register{"CH2OS", 0x0E, 8, RW, SignMagnitude}
	GAIN       = Register{"GAIN", 0x0F, 8, RW, Unsigned}
	PHCAL      = Register{"PHCAL", 0x10, 6, RW, Signed}
	APOS       = Register{"APOS", 0x11, 16, RW, Signed}
	WGAIN      = Register{"WGAIN", 0x12, 12, RW, Signed}
	WDIV       = Register{"WDIV", 0x13, 8, RW, Unsigned}
	CFNUM      = Register{"CFNUM", 0x14, 12, RW, Unsigned}
	CFDEN      = Register{"CFDEN", 0x15, 12, RW, Unsigned}
	IRMS       = Register{"IRMS", 0x16, 24, R, Unsigned}
	VRMS       = Register{"VRMS", 0x17, 24, R, Unsigned}
	IRMSOS     = Register{"IRMSOS", 0x18, 12, RW, Signed}
	VRMSOS     = Register{"VRMSOS", 0x19, 12, RW, Signed}
	VAGAIN     = Register{"VAGAIN", 0x1A, 12, RW, Signed}
	VADIV      = Register{"VADIV", 0x1B, 8, RW, Unsigned}
	LINECYC    = Register{"LINECYC", 0x1C, 16, RW, Unsigned}
	ZXTOUT     = Register{"ZXTOUT", 0x1D, 12, RW, Unsigned}
	SAGCYC     = Register{"SAGCYC", 0x1E, 8, RW, Unsigned}
	SAGLVL     = Register{"SAGLVL", 0x1F, 8, RW, Unsigned}
	IPKLVL     = Register{"IPKLVL", 0x20, 8, RW, Unsigned}
	VPKLVL     = Register{"VPKLVL", 0x21, 8, RW, Unsigned}
	IPEAK      = Register{"IPEAK", 0x22, 24, R, Unsigned}
	RSTIPEAK   = Register{"RSTIPEAK", 0x23, 24, R, Unsigned}
	VPEAK      = Register{"VPEAK", 0x24, 24, R, Unsigned}
	RSTVPEAK   = Register{"RSTVPEAK", 0x25, 24, R, Unsigned}
	TEMP       = Register{"TEMP", 0x26, 8, R, Signed}
	PERIOD     = Register{"PERIOD", 0x27, 16, R, Unsigned}
	TMODE      = Register{"TMODE", 0x3D, 8, RW, Unsigned}
	CHKSUM     = Register{"CHKSUM", 0x3E, 6, R, Unsigned}
	DIEREV     = Register{"DIEREV", 0x3F, 8, R, Unsigned}
)

// Registers is the full register map in address order.
var Registers = []Register{
	WAVEFORM, AENERGY, RAENERGY, LAENERGY, VAENERGY, RVAENERGY, LVAENERGY,
	LVARENERGY, MODE, IRQEN, STATUS, RSTSTATUS, CH1OS, CH2OS, GAIN, PHCAL,
	APOS, WGAIN, WDIV, CFNUM, CFDEN, IRMS, VRMS, IRMSOS, VRMSOS, VAGAIN,
	VADIV, LINECYC, ZXTOUT, SAGCYC, SAGLVL, IPKLVL, VPKLVL, IPEAK, RSTIPEAK,
	VPEAK, RSTVPEAK, TEMP, PERIOD, TMODE, CHKSUM, DIEREV,
}

// Lookup finds a register by name, case-insensitively.
func Lookup(name string) (Register, error) {
	for _, r := range Registers {
		if strings.EqualFold(r.Name, name) {
			return r, nil
		}
	}
	return Register{}, errcode.New(errcode.InvalidArgument, "ade: lookup", fmt.Sprintf("unknown register %q", name))
}

// ByAddr finds a register by address.
func ByAddr(addr uint8) (Register, bool) {
	for _, r := range Registers {
		if r.Addr == addr&addrMask {
			return r, true
		}
	}
	return Register{}, false
}

// Interrupt bits of IRQEN, STATUS and RSTSTATUS.
const (
	IrqAEHF   uint16 = 1 << 0
	IrqSAG    uint16 = 1 << 1
	IrqCYCEND uint16 = 1 << 2
	IrqWSMP   uint16 = 1 << 3
	IrqZX     uint16 = 1 << 4
	IrqTEMP   uint16 = 1 << 5
	IrqRESET  uint16 = 1 << 6
	IrqAEOF   uint16 = 1 << 7
	IrqPKV    uint16 = 1 << 8
	IrqPKI    uint16 = 1 << 9
	IrqVAEHF  uint16 = 1 << 10
	IrqVAEOF  uint16 = 1 << 11
	IrqZXTO   uint16 = 1 << 12
	IrqPPOS   uint16 = 1 << 13
	IrqPNEG   uint16 = 1 << 14
)

// MODE register bits.
const (
	ModeDISHPF   = 0
	ModeDISLPF2  = 1
	ModeDISCF    = 2
	ModeDISSAG   = 3
	ModeASUSPEND = 4
	ModeTEMPSEL  = 5
	ModeSWRST    = 6
	ModeCYCMODE  = 7
	ModeDISCH1   = 8
	ModeDISCH2   = 9
	ModeSWAP     = 10
	ModeDTRT0    = 11
	ModeDTRT1    = 12
	ModeWAVSEL0  = 13
	ModeWAVSEL1  = 14
	ModePOAM     = 15
)

// CH1OS layout.
const (
	chosIntegrator = 1 << 7
	chosSign       = 1 << 5
	chosMagnitude  = 0x1F
)
