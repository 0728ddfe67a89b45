package switchbank_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/ericogr/circuit-meter/pkg/channel"
	"github.com/ericogr/circuit-meter/pkg/errcode"
	"github.com/ericogr/circuit-meter/pkg/sim"
	"github.com/ericogr/circuit-meter/pkg/switchbank"
	"github.com/google/go-cmp/cmp"
)

const width = 21

func newBank(t *testing.T, regMap []int) (*switchbank.Bank, *sim.ShiftChain) {
	t.Helper()
	chain := sim.NewShiftChain(width)
	sr, err := switchbank.NewShiftRegister(switchbank.RegisterPins{
		Data:     chain.Data,
		Clock:    chain.Clock,
		Latch:    chain.Latch,
		NotClear: chain.NotClear,
	}, width)
	if err != nil {
		t.Fatalf("NewShiftRegister: %v", err)
	}
	b, err := switchbank.NewBank(sr, regMap, nil)
	if err != nil {
		t.Fatalf("NewBank: %v", err)
	}
	return b, chain
}

func negate(s switchbank.State) []bool {
	out := make([]bool, len(s))
	for i, v := range s {
		out[i] = !v
	}
	return out
}

func TestSetStateRoundTripAndNegation(t *testing.T) {
	b, chain := newBank(t, nil)
	rng := rand.New(rand.NewSource(7))
	vectors := []switchbank.State{
		make(switchbank.State, width),
		negateState(make(switchbank.State, width)),
	}
	for i := 0; i < 50; i++ {
		v := make(switchbank.State, width)
		for j := range v {
			v[j] = rng.Intn(2) == 1
		}
		vectors = append(vectors, v)
	}
	for i, v := range vectors {
		if err := b.SetState(v); err != nil {
			t.Fatalf("vector %d: SetState: %v", i, err)
		}
		if diff := cmp.Diff(v, b.State()); diff != "" {
			t.Fatalf("vector %d: State() mismatch (-want +got):\n%s", i, diff)
		}
		if diff := cmp.Diff(negate(v), chain.Outputs()); diff != "" {
			t.Fatalf("vector %d: register outputs are not the negation (-want +got):\n%s", i, diff)
		}
	}
	if chain.Latches() != len(vectors) {
		t.Fatalf("latches=%d want one per update (%d)", chain.Latches(), len(vectors))
	}
}

func negateState(s switchbank.State) switchbank.State {
	for i := range s {
		s[i] = !s[i]
	}
	return s
}

func TestStateReturnsCopy(t *testing.T) {
	b, _ := newBank(t, nil)
	s := b.State()
	s[0] = true
	if on, _ := b.IsOn(0); on {
		t.Fatalf("mutating the returned vector changed the bank")
	}
}

func TestSetOne(t *testing.T) {
	b, chain := newBank(t, nil)
	if err := b.SetOne(4, true); err != nil {
		t.Fatalf("SetOne: %v", err)
	}
	out := chain.Outputs()
	for i, bit := range out {
		if want := i != 4; bit != want {
			t.Fatalf("output %d=%v want %v", i, bit, want)
		}
	}
	if on, err := b.IsOn(4); err != nil || !on {
		t.Fatalf("IsOn(4)=%v,%v", on, err)
	}
}

func TestSetOneInvalidLeavesEverythingUnchanged(t *testing.T) {
	b, chain := newBank(t, nil)
	_ = b.SetOne(2, true)
	before, latches, outs := b.State(), chain.Latches(), chain.Outputs()
	for _, id := range []int{-1, width, 99} {
		err := b.SetOne(channel.ID(id), true)
		if errcode.Of(err) != errcode.InvalidArgument {
			t.Fatalf("SetOne(%d) err=%v want argument_error", id, err)
		}
	}
	if diff := cmp.Diff(before, b.State()); diff != "" {
		t.Fatalf("state changed (-want +got):\n%s", diff)
	}
	if chain.Latches() != latches {
		t.Fatalf("hardware was updated on invalid index")
	}
	if diff := cmp.Diff(outs, chain.Outputs()); diff != "" {
		t.Fatalf("outputs changed (-want +got):\n%s", diff)
	}
}

func TestToggle(t *testing.T) {
	b, _ := newBank(t, nil)
	on, err := b.Toggle(3)
	if err != nil || !on {
		t.Fatalf("Toggle=%v,%v want true", on, err)
	}
	on, err = b.Toggle(3)
	if err != nil || on {
		t.Fatalf("Toggle=%v,%v want false", on, err)
	}
}

func TestAllOnAllOff(t *testing.T) {
	b, chain := newBank(t, nil)
	if err := b.AllOff(); err != nil {
		t.Fatalf("AllOff: %v", err)
	}
	for i, bit := range chain.Outputs() {
		if !bit {
			t.Fatalf("AllOff: output %d low", i)
		}
	}
	if err := b.AllOn(); err != nil {
		t.Fatalf("AllOn: %v", err)
	}
	for i, bit := range chain.Outputs() {
		if bit {
			t.Fatalf("AllOn: output %d high", i)
		}
	}
	for i, on := range b.State() {
		if !on {
			t.Fatalf("AllOn: switch %d reported off", i)
		}
	}
}

func TestAllOnWithoutClearPin(t *testing.T) {
	chain := sim.NewShiftChain(width)
	sr, err := switchbank.NewShiftRegister(switchbank.RegisterPins{
		Data: chain.Data, Clock: chain.Clock, Latch: chain.Latch,
	}, width)
	if err != nil {
		t.Fatalf("NewShiftRegister: %v", err)
	}
	b, _ := switchbank.NewBank(sr, nil, nil)
	_ = b.AllOff()
	if err := b.AllOn(); err != nil {
		t.Fatalf("AllOn: %v", err)
	}
	for i, bit := range chain.Outputs() {
		if bit {
			t.Fatalf("output %d high after AllOn", i)
		}
	}
}

func TestRegisterMap(t *testing.T) {
	rev := make([]int, width)
	for i := range rev {
		rev[i] = width - 1 - i
	}
	b, chain := newBank(t, rev)
	_ = b.AllOff()
	if err := b.SetOne(0, true); err != nil {
		t.Fatalf("SetOne: %v", err)
	}
	out := chain.Outputs()
	if out[width-1] {
		t.Fatalf("switch 0 should drive the last register output")
	}
	if diff := cmp.Diff(b.State(), switchbank.Decode(out, rev)); diff != "" {
		t.Fatalf("Decode(outputs) mismatch (-want +got):\n%s", diff)
	}
}

func TestBadRegisterMap(t *testing.T) {
	chain := sim.NewShiftChain(3)
	sr, _ := switchbank.NewShiftRegister(switchbank.RegisterPins{
		Data: chain.Data, Clock: chain.Clock, Latch: chain.Latch,
	}, 3)
	for _, m := range [][]int{{0, 1}, {0, 0, 1}, {0, 1, 3}} {
		if _, err := switchbank.NewBank(sr, m, nil); err == nil {
			t.Fatalf("map %v accepted", m)
		}
	}
}

func TestPinFailureKeepsCommandedState(t *testing.T) {
	b, chain := newBank(t, nil)
	_ = b.SetOne(1, true)
	chain.Latch.Fail(errors.New("stuck"))
	err := b.SetOne(5, true)
	if errcode.Of(err) != errcode.BusFault {
		t.Fatalf("err=%v want bus_fault", err)
	}
	if on, _ := b.IsOn(5); on {
		t.Fatalf("failed update must not change the commanded state")
	}
}

func TestSetStateWrongWidth(t *testing.T) {
	b, _ := newBank(t, nil)
	if err := b.SetState(make(switchbank.State, width-1)); errcode.Of(err) != errcode.InvalidArgument {
		t.Fatalf("err=%v want argument_error", err)
	}
}
