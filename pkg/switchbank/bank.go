// Package switchbank keeps the commanded relay state of every channel and
// serialises it through a shift register chain.
//
// The relays are wired normally-closed: an energised circuit has a
// de-energised coil, so every register bit is the negation of the logical
// state. Encode and Decode are the only places that know about it.
package switchbank

import (
	"fmt"

	"github.com/ericogr/circuit-meter/pkg/channel"
	"github.com/ericogr/circuit-meter/pkg/errcode"
	"github.com/ericogr/circuit-meter/pkg/metrics"
)

// State is the logical switch vector, true meaning the circuit is on.
type State []bool

func (s State) clone() State { return append(State(nil), s...) }

// IdentityMap returns the register-to-switch map used when the board routes
// register output i to switch i.
func IdentityMap(width int) []int {
	m := make([]int, width)
	for i := range m {
		m[i] = i
	}
	return m
}

// Encode returns the register bits for s. Bit i drives register output i,
// which is wired to switch regMap[i].
func Encode(s State, regMap []int) []bool {
	bits := make([]bool, len(regMap))
	for i, sw := range regMap {
		bits[i] = !s[sw]
	}
	return bits
}

// Decode is the inverse of Encode.
func Decode(bits []bool, regMap []int) State {
	s := make(State, len(regMap))
	for i, sw := range regMap {
		s[sw] = !bits[i]
	}
	return s
}

// ValidateMap checks that regMap is a permutation of 0..width-1.
func ValidateMap(regMap []int, width int) error {
	if len(regMap) != width {
		return fmt.Errorf("switchbank: map has %d entries, want %d", len(regMap), width)
	}
	seen := make([]bool, width)
	for i, sw := range regMap {
		if sw < 0 || sw >= width || seen[sw] {
			return fmt.Errorf("switchbank: map[%d]=%d is not a permutation", i, sw)
		}
		seen[sw] = true
	}
	return nil
}

// Bank is the commanded switch state. It is owned by the control loop.
type Bank struct {
	sr      *ShiftRegister
	regMap  []int
	state   State
	metrics *metrics.Metrics
	latches uint64
}

// NewBank wraps sr. A nil regMap means the identity map. The initial
// commanded state is all off; nothing is shifted until the first mutation.
func NewBank(sr *ShiftRegister, regMap []int, m *metrics.Metrics) (*Bank, error) {
	if regMap == nil {
		regMap = IdentityMap(sr.Width())
	}
	if err := ValidateMap(regMap, sr.Width()); err != nil {
		return nil, err
	}
	return &Bank{
		sr:      sr,
		regMap:  append([]int(nil), regMap...),
		state:   make(State, sr.Width()),
		metrics: m,
	}, nil
}

// Width returns the number of switches.
func (b *Bank) Width() int { return len(b.state) }

// SetState commands the whole vector.
func (b *Bank) SetState(s State) error {
	if len(s) != len(b.state) {
		return errcode.New(errcode.InvalidArgument, "switchbank: set state", fmt.Sprintf("got %d switches, want %d", len(s), len(b.state)))
	}
	return b.write(s.clone())
}

// SetOne commands a single switch. An invalid id leaves both the vector
// and the relays untouched.
func (b *Bank) SetOne(id channel.ID, on bool) error {
	if err := b.check(id); err != nil {
		return err
	}
	next := b.state.clone()
	next[id] = on
	return b.write(next)
}

// Toggle flips a single switch and returns its new state.
func (b *Bank) Toggle(id channel.ID) (bool, error) {
	if err := b.check(id); err != nil {
		return false, err
	}
	on := !b.state[id]
	return on, b.SetOne(id, on)
}

// AllOn turns every circuit on by clearing the register: a zero bit leaves
// the coil de-energised.
func (b *Bank) AllOn() error {
	if err := b.sr.Clear(); err != nil {
		return err
	}
	if err := b.latch(); err != nil {
		return err
	}
	for i := range b.state {
		b.state[i] = true
	}
	return nil
}

// AllOff turns every circuit off.
func (b *Bank) AllOff() error {
	return b.write(make(State, len(b.state)))
}

// State returns a copy of the last commanded vector.
func (b *Bank) State() State { return b.state.clone() }

// IsOn returns the commanded state of id.
func (b *Bank) IsOn(id channel.ID) (bool, error) {
	if err := b.check(id); err != nil {
		return false, err
	}
	return b.state[id], nil
}

// Latches returns the number of vectors committed to the relays.
func (b *Bank) Latches() uint64 { return b.latches }

func (b *Bank) check(id channel.ID) error {
	if int(id) < 0 || int(id) >= len(b.state) {
		return errcode.New(errcode.InvalidArgument, "switchbank", fmt.Sprintf("switch %d outside 0..%d", int(id), len(b.state)-1))
	}
	return nil
}

// write shifts the full vector and latches it. The commanded state only
// changes once the latch succeeded.
func (b *Bank) write(next State) error {
	if err := b.sr.Shift(Encode(next, b.regMap)); err != nil {
		return err
	}
	if err := b.latch(); err != nil {
		return err
	}
	b.state = next
	return nil
}

func (b *Bank) latch() error {
	if err := b.sr.Latch(); err != nil {
		return err
	}
	b.latches++
	b.metrics.ObserveLatch()
	return nil
}
