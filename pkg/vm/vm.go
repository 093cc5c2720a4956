// Package vm implements the boot-code virtual machine.
//
// The machine has a single signed accumulator and a program counter. It
// executes a fully loaded program until the counter reaches one past the
// last instruction (termination) or returns to an address it has already
// executed (loop). A VM is single-use: construct a new one per attempt.
package vm

import (
	"errors"
	"fmt"
	"math"
)

// Errors.
var (
	ErrAlreadyTerminated        = errors.New("program already terminated")
	ErrLoopDetected             = errors.New("loop detected")
	ErrNegativeProgramCounter   = errors.New("jump to negative address")
	ErrProgramCounterOutOfRange = errors.New("jump beyond end of program")
	ErrAccumulatorOverflow      = errors.New("accumulator overflow")
	ErrInvalidInstruction       = errors.New("invalid instruction")
)

// LoopError reports re-entry into an already executed address.
type LoopError struct {
	Address int
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("%v at address %d", ErrLoopDetected, e.Address)
}

// Is matches ErrLoopDetected.
func (e *LoopError) Is(target error) bool {
	return target == ErrLoopDetected
}

// JumpError reports a jump whose target lies outside [0, N].
type JumpError struct {
	Address int   // Address of the jmp
	Offset  int64 // Its operand
	Err     error // ErrNegativeProgramCounter or ErrProgramCounterOutOfRange
}

func (e *JumpError) Error() string {
	return fmt.Sprintf("%v: jmp %+d at address %d", e.Err, e.Offset, e.Address)
}

// Unwrap returns the cause.
func (e *JumpError) Unwrap() error {
	return e.Err
}

// State is the externally visible machine state.
type State int

// Machine states. Terminated and Looped are absorbing.
const (
	StateRunning State = iota
	StateTerminated
	StateLooped
	StateFaulted // A fatal error stopped execution
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	case StateLooped:
		return "looped"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TraceEvent describes one executed instruction.
type TraceEvent struct {
	Address     int
	Instruction Instruction
	Accumulator int64 // Value after execution
	NextPC      int
}

// Option configures a VM.
type Option func(*VM)

// WithStepLimit caps the number of executed instructions. Zero means no cap.
func WithStepLimit(limit uint64) Option {
	return func(m *VM) {
		m.meter = NewStepMeter(limit)
	}
}

// WithTrace registers a callback invoked after every executed instruction.
func WithTrace(fn func(TraceEvent)) Option {
	return func(m *VM) {
		m.trace = fn
	}
}

// VM executes a boot-code program.
type VM struct {
	// Program
	text Program

	// Execution state
	pc      int
	acc     int64
	visited []bool
	seen    int
	fault   error

	meter *StepMeter
	trace func(TraceEvent)
}

// New creates a VM over a private copy of the program.
func New(p Program, opts ...Option) *VM {
	m := &VM{
		text:    p.Clone(),
		visited: make([]bool, len(p)),
		meter:   NewStepMeter(0),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Step executes the instruction at the program counter.
//
// It returns ErrAlreadyTerminated at the terminal address and a *LoopError
// when the counter points at an address executed before. Neither mutates
// state, so repeated calls return the same result.
func (m *VM) Step() error {
	if m.fault != nil {
		return m.fault
	}

	pc := m.pc
	if pc == len(m.text) {
		return ErrAlreadyTerminated
	}
	if m.visited[pc] {
		return &LoopError{Address: pc}
	}

	ins := m.text[pc]
	acc := m.acc
	next := pc + 1

	switch ins.Op {
	case OpAcc:
		sum, ok := addInt64(acc, ins.Arg)
		if !ok {
			return m.fail(fmt.Errorf("%w: %d %+d at address %d", ErrAccumulatorOverflow, acc, ins.Arg, pc))
		}
		acc = sum

	case OpJmp:
		target, ok := addInt64(int64(pc), ins.Arg)
		switch {
		case !ok && ins.Arg < 0, ok && target < 0:
			return m.fail(&JumpError{Address: pc, Offset: ins.Arg, Err: ErrNegativeProgramCounter})
		case !ok, target > int64(len(m.text)):
			return m.fail(&JumpError{Address: pc, Offset: ins.Arg, Err: ErrProgramCounterOutOfRange})
		}
		next = int(target)

	case OpNop:

	default:
		return m.fail(fmt.Errorf("%w: %v at address %d", ErrInvalidInstruction, ins.Op, pc))
	}

	if err := m.meter.Consume(); err != nil {
		return m.fail(err)
	}

	m.visited[pc] = true
	m.seen++
	m.acc = acc
	m.pc = next

	if m.trace != nil {
		m.trace(TraceEvent{Address: pc, Instruction: ins, Accumulator: acc, NextPC: next})
	}

	return nil
}

func (m *VM) fail(err error) error {
	m.fault = err
	return err
}

// addInt64 returns a+b and false if the sum overflows.
func addInt64(a, b int64) (int64, bool) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, false
	}
	return a + b, true
}

// Outcome summarizes a finished run.
type Outcome struct {
	State       State
	Accumulator int64
	PC          int // Terminal address, or the re-entered address for a loop
	Steps       uint64
}

// Run steps until the program terminates or loops. Loop and termination
// are reported in the Outcome; any other error is fatal and returned.
func (m *VM) Run() (Outcome, error) {
	for {
		err := m.Step()
		if err == nil {
			continue
		}

		var loop *LoopError
		switch {
		case errors.Is(err, ErrAlreadyTerminated):
			return m.outcome(StateTerminated), nil
		case errors.As(err, &loop):
			return m.outcome(StateLooped), nil
		default:
			return m.outcome(StateFaulted), err
		}
	}
}

func (m *VM) outcome(s State) Outcome {
	return Outcome{
		State:       s,
		Accumulator: m.acc,
		PC:          m.pc,
		Steps:       m.meter.Used(),
	}
}

// Terminates runs the program and reports whether it reaches the terminal
// address. A loop yields false; fatal errors are returned.
func (m *VM) Terminates() (bool, error) {
	out, err := m.Run()
	if err != nil {
		return false, err
	}
	return out.State == StateTerminated, nil
}

// State returns the current machine state.
func (m *VM) State() State {
	switch {
	case m.fault != nil:
		return StateFaulted
	case m.pc == len(m.text):
		return StateTerminated
	case m.visited[m.pc]:
		return StateLooped
	default:
		return StateRunning
	}
}

// Accumulator returns the current accumulator value.
func (m *VM) Accumulator() int64 {
	return m.acc
}

// PC returns the current program counter.
func (m *VM) PC() int {
	return m.pc
}

// Len returns the program length, i.e. the terminal address.
func (m *VM) Len() int {
	return len(m.text)
}

// Steps returns the number of executed instructions.
func (m *VM) Steps() uint64 {
	return m.meter.Used()
}

// Visited reports whether addr has been executed.
func (m *VM) Visited(addr int) bool {
	if addr < 0 || addr >= len(m.visited) {
		return false
	}
	return m.visited[addr]
}

// VisitedCount returns the number of distinct executed addresses.
func (m *VM) VisitedCount() int {
	return m.seen
}

// VisitedAddresses returns executed addresses in ascending order.
func (m *VM) VisitedAddresses() []int {
	out := make([]int, 0, m.seen)
	for addr, ok := range m.visited {
		if ok {
			out = append(out, addr)
		}
	}
	return out
}
