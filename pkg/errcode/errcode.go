package errcode

import "errors"

// Code is a stable result identifier for hardware operations.
// It is a string newtype, comparable and implements error.
// Success is reported as a nil error; OK exists for logging and metrics.
type Code string

func (c Code) Error() string { return string(c) }

const (
	OK              Code = "ok"
	Timeout         Code = "timeout"
	BusFault        Code = "bus_fault"
	InvalidArgument Code = "argument_error"
	StorageCapacity Code = "storage_capacity"
	ReadOnly        Code = "read_only"
	Busy            Code = "busy"

	Error Code = "error" // generic fallback
)

// E carries a Code together with the failing operation and an optional cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is(err, errcode.Timeout) match a wrapped *E.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// Wrap returns an *E for op with code c caused by err.
func Wrap(c Code, op string, err error) error {
	return &E{C: c, Op: op, Err: err}
}

// New returns an *E for op with code c and a message.
func New(c Code, op, msg string) error {
	return &E{C: c, Op: op, Msg: msg}
}

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	return Error
}

// Recoverable reports whether err is a transient hardware failure that
// callers are expected to absorb with a sentinel value.
func Recoverable(err error) bool {
	switch Of(err) {
	case Timeout, BusFault:
		return true
	default:
		return false
	}
}

func severity(c Code) int {
	switch c {
	case OK:
		return 0
	case Timeout:
		return 1
	case BusFault:
		return 2
	case Busy:
		return 3
	case StorageCapacity:
		return 4
	case ReadOnly, InvalidArgument:
		return 6
	default:
		return 5
	}
}

// Worst returns whichever of a and b is more severe.
func Worst(a, b Code) Code {
	if severity(b) > severity(a) {
		return b
	}
	return a
}

// Tracker accumulates the worst outcome of a group of calls.
// The zero value is ready and reports OK.
//
// Reset must be called before every group that is judged as a whole, so a
// failure from an earlier group cannot be mistaken for a current one.
type Tracker struct {
	worst Code
	err   error
}

// Note records err and returns it unchanged.
func (t *Tracker) Note(err error) error {
	if err == nil {
		return nil
	}
	c := Of(err)
	if t.err == nil || severity(c) > severity(t.worst) {
		t.worst = c
		t.err = err
	}
	return err
}

// Reset forgets everything noted so far.
func (t *Tracker) Reset() {
	t.worst = OK
	t.err = nil
}

// Code returns the worst code noted since the last Reset.
func (t *Tracker) Code() Code {
	if t.err == nil {
		return OK
	}
	return t.worst
}

// Err returns the error behind the worst code, or nil.
func (t *Tracker) Err() error { return t.err }

// Failed reports whether anything failed since the last Reset.
func (t *Tracker) Failed() bool { return t.err != nil }
