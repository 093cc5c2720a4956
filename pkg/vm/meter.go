package vm

import "errors"

// ErrStepLimitExceeded is returned when a VM runs past its step budget.
var ErrStepLimitExceeded = errors.New("step limit exceeded")

// StepMeter counts executed instructions against an optional budget.
type StepMeter struct {
	used  uint64
	limit uint64 // 0 means unlimited
}

// NewStepMeter creates a meter. A zero limit disables the budget.
func NewStepMeter(limit uint64) *StepMeter {
	return &StepMeter{limit: limit}
}

// Consume charges one step.
func (m *StepMeter) Consume() error {
	if m.limit != 0 && m.used >= m.limit {
		return ErrStepLimitExceeded
	}
	m.used++
	return nil
}

// Used returns the number of steps charged so far.
func (m *StepMeter) Used() uint64 {
	return m.used
}
