// Package nvstore persists the experiment schedule: a header holding the
// outstanding-experiment counter and a fixed array of paired energy
// readings, one slot per experiment, stored as raw fixed-size blocks.
package nvstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/snksoft/crc"
)

const (
	HeaderSize = 20
	RecordSize = 8

	DefaultCapacity = 400
)

var (
	ErrNoHeader = errors.New("nvstore: no header")
	ErrCorrupt  = errors.New("nvstore: header checksum mismatch")
	ErrSlot     = errors.New("nvstore: slot out of range")
)

var crcTable = crc.NewTable(crc.XMODEM)

// Header is the schedule state that survives a power loss.
type Header struct {
	Slots           uint32 // experiments in the armed run
	Remaining       uint32
	IntervalSeconds uint32
	Switchings      uint32
	Channel         uint16
}

// MarshalBinary encodes h little-endian followed by its CRC-16/XMODEM.
func (h Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:], h.Slots)
	binary.LittleEndian.PutUint32(b[4:], h.Remaining)
	binary.LittleEndian.PutUint32(b[8:], h.IntervalSeconds)
	binary.LittleEndian.PutUint32(b[12:], h.Switchings)
	binary.LittleEndian.PutUint16(b[16:], h.Channel)
	binary.LittleEndian.PutUint16(b[18:], checksum(b[:18]))
	return b, nil
}

func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) != HeaderSize {
		return fmt.Errorf("nvstore: header is %d bytes, want %d", len(b), HeaderSize)
	}
	if got, want := binary.LittleEndian.Uint16(b[18:]), checksum(b[:18]); got != want {
		return fmt.Errorf("%w: %#04x != %#04x", ErrCorrupt, got, want)
	}
	h.Slots = binary.LittleEndian.Uint32(b[0:])
	h.Remaining = binary.LittleEndian.Uint32(b[4:])
	h.IntervalSeconds = binary.LittleEndian.Uint32(b[8:])
	h.Switchings = binary.LittleEndian.Uint32(b[12:])
	h.Channel = binary.LittleEndian.Uint16(b[16:])
	return nil
}

func checksum(b []byte) uint16 {
	c := crcTable.InitCrc()
	c = crcTable.UpdateCrc(c, b)
	return crcTable.CRC16(c)
}

// Record is one completed experiment: the accumulator read with the circuit
// switched off and with it switched on.
type Record struct {
	Off int32 `json:"off"`
	On  int32 `json:"on"`
}

// PlaceholderOff marks a slot that was reset but never written. A real
// reading is a 24-bit value and cannot take it.
const PlaceholderOff = math.MinInt32

// Placeholder is the reset value of slot i.
func Placeholder(i int) Record { return Record{Off: PlaceholderOff, On: int32(i)} }

// Placeholder reports whether r was never overwritten by an experiment.
func (r Record) Placeholder() bool { return r.Off == PlaceholderOff }

func (r Record) MarshalBinary() ([]byte, error) {
	b := make([]byte, RecordSize)
	binary.LittleEndian.PutUint32(b[0:], uint32(r.Off))
	binary.LittleEndian.PutUint32(b[4:], uint32(r.On))
	return b, nil
}

func (r *Record) UnmarshalBinary(b []byte) error {
	if len(b) != RecordSize {
		return fmt.Errorf("nvstore: record is %d bytes, want %d", len(b), RecordSize)
	}
	r.Off = int32(binary.LittleEndian.Uint32(b[0:]))
	r.On = int32(binary.LittleEndian.Uint32(b[4:]))
	return nil
}

// Store is the non-volatile layout. Every call is synchronous: when it
// returns nil the data is durable.
type Store interface {
	Capacity() int
	ReadHeader() (Header, error)
	WriteHeader(Header) error
	ReadSlot(i int) (Record, error)
	WriteSlot(i int, r Record) error
	// Reset writes h and fills slots 0..h.Slots-1 with placeholders.
	Reset(h Header) error
	Close() error
}

func checkSlot(i, capacity int) error {
	if i < 0 || i >= capacity {
		return fmt.Errorf("%w: %d not in 0..%d", ErrSlot, i, capacity-1)
	}
	return nil
}

// Completed returns the written records of the run described by the header,
// first experiment first. Experiments fill slots from Slots-1 down to 0.
func Completed(s Store) ([]Record, error) {
	h, err := s.ReadHeader()
	if errors.Is(err, ErrNoHeader) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	n := int(h.Slots)
	if n > s.Capacity() {
		n = s.Capacity()
	}
	out := make([]Record, 0, n)
	for i := n - 1; i >= 0; i-- {
		r, err := s.ReadSlot(i)
		if err != nil {
			return nil, err
		}
		if !r.Placeholder() {
			out = append(out, r)
		}
	}
	return out, nil
}
