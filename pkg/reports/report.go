// Package reports memoizes VM run and repair results per program.
package reports

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/fortiblox/bootcode/internal/types"
	"github.com/fortiblox/bootcode/pkg/repair"
	"github.com/fortiblox/bootcode/pkg/vm"
)

var (
	// ErrReportNotFound is returned when no report is stored.
	ErrReportNotFound = errors.New("report not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("report store closed")

	// ErrInvalidKind is returned for unknown report kinds.
	ErrInvalidKind = errors.New("invalid report kind")

	// ErrMissingProgram is returned for reports without a program ID.
	ErrMissingProgram = errors.New("report has no program id")
)

// Kind identifies which operation produced a report.
type Kind uint8

const (
	// KindRun is a plain run to loop or termination.
	KindRun Kind = iota + 1

	// KindRepair is a repair search.
	KindRepair
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindRun:
		return "run"
	case KindRepair:
		return "repair"
	default:
		return "unknown"
	}
}

// Report is a memoized result for one program and kind.
type Report struct {
	// Program is the program identity.
	Program types.ProgramID

	// Kind is the producing operation.
	Kind Kind

	// Outcome is "looped", "terminated", "repaired" or "no-fix".
	Outcome string

	// Accumulator is the reported value: at the loop point or termination
	// for runs, at termination of the repaired program for repairs.
	Accumulator int64

	// PC is the final program counter for runs.
	PC int

	// Steps is the number of executed instructions.
	Steps uint64

	// Address is the flipped address for repairs, -1 otherwise.
	Address int

	// Patched is the replacement instruction for repairs.
	Patched string

	// CreatedAt is when the report was stored.
	CreatedAt time.Time
}

// Outcome labels for repairs.
const (
	OutcomeRepaired = "repaired"
	OutcomeNoFix    = "no-fix"
)

// FromOutcome builds a run report.
func FromOutcome(id types.ProgramID, out vm.Outcome) *Report {
	return &Report{
		Program:     id,
		Kind:        KindRun,
		Outcome:     out.State.String(),
		Accumulator: out.Accumulator,
		PC:          out.PC,
		Steps:       out.Steps,
		Address:     -1,
	}
}

// FromRepair builds a repair report. A nil result records a search that
// found no fix.
func FromRepair(id types.ProgramID, res *repair.Result) *Report {
	if res == nil {
		return &Report{Program: id, Kind: KindRepair, Outcome: OutcomeNoFix, Address: -1}
	}
	return &Report{
		Program:     id,
		Kind:        KindRepair,
		Outcome:     OutcomeRepaired,
		Accumulator: res.Accumulator,
		PC:          len(res.Program),
		Steps:       res.Steps,
		Address:     res.Address,
		Patched:     res.Patched.String(),
	}
}

// Serialize encodes the report.
func (r *Report) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return buf.Bytes(), nil
}

// DeserializeReport decodes a report.
func DeserializeReport(data []byte) (*Report, error) {
	var r Report
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}
