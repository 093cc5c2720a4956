package vm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Decode errors.
var (
	ErrMalformedInstruction = errors.New("malformed instruction")
	ErrTokenCount           = errors.New("expected mnemonic and operand")
	ErrUnknownMnemonic      = errors.New("unknown mnemonic")
	ErrInvalidOperand       = errors.New("invalid operand")
	ErrLineTooLong          = errors.New("line too long")
)

// MalformedInstructionError identifies the source line that failed to decode.
type MalformedInstructionError struct {
	Line int    // 1-based physical line number
	Text string // Offending line as read
	Err  error  // Specific cause
}

func (e *MalformedInstructionError) Error() string {
	return fmt.Sprintf("line %d: %q: %v", e.Line, e.Text, e.Err)
}

// Unwrap returns the cause.
func (e *MalformedInstructionError) Unwrap() error {
	return e.Err
}

// Is matches ErrMalformedInstruction.
func (e *MalformedInstructionError) Is(target error) bool {
	return target == ErrMalformedInstruction
}

// DecodeLine decodes a single "<mnemonic> <sign><digits>" line.
func DecodeLine(line string) (Instruction, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return Instruction{}, fmt.Errorf("%w: got %d tokens", ErrTokenCount, len(fields))
	}

	op, ok := ParseOp(fields[0])
	if !ok {
		return Instruction{}, fmt.Errorf("%w: %s", ErrUnknownMnemonic, fields[0])
	}

	arg, err := parseOperand(fields[1])
	if err != nil {
		return Instruction{}, err
	}

	return Instruction{Op: op, Arg: arg}, nil
}

// parseOperand requires an explicit sign followed by base-10 digits.
func parseOperand(s string) (int64, error) {
	if len(s) < 2 || (s[0] != '+' && s[0] != '-') {
		return 0, fmt.Errorf("%w: %q needs an explicit sign", ErrInvalidOperand, s)
	}
	for _, c := range s[1:] {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %q is not a signed integer", ErrInvalidOperand, s)
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidOperand, err)
	}
	return v, nil
}

// Decode reads a program listing, one instruction per non-empty line.
// Either the whole program decodes or an error is returned.
func Decode(r io.Reader) (Program, error) {
	var prog Program

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := scanner.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}

		ins, err := DecodeLine(text)
		if err != nil {
			return nil, &MalformedInstructionError{Line: lineNo, Text: text, Err: err}
		}
		prog = append(prog, ins)
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, &MalformedInstructionError{Line: lineNo + 1, Err: ErrLineTooLong}
		}
		return nil, fmt.Errorf("read listing: %w", err)
	}

	return prog, nil
}

// DecodeString decodes a listing held in memory.
func DecodeString(s string) (Program, error) {
	return Decode(strings.NewReader(s))
}

// MustDecode is like DecodeString but panics on error. Intended for fixtures.
func MustDecode(s string) Program {
	prog, err := DecodeString(s)
	if err != nil {
		panic(err)
	}
	return prog
}
