package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgramIDRoundTrip(t *testing.T) {
	id := ComputeProgramID([]byte("nop +0\nacc +1\n"))
	assert.False(t, id.IsZero())

	parsed, err := ProgramIDFromBase58(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	text, err := id.MarshalText()
	require.NoError(t, err)

	var decoded ProgramID
	require.NoError(t, decoded.UnmarshalText(text))
	assert.Equal(t, id, decoded)
}

func TestProgramIDDeterministic(t *testing.T) {
	a := ComputeProgramID([]byte("acc +1\n"))
	b := ComputeProgramID([]byte("acc +1\n"))
	c := ComputeProgramID([]byte("acc +2\n"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a.Hex(), 2*ProgramIDSize)
}

func TestProgramIDFromBytes(t *testing.T) {
	_, err := ProgramIDFromBytes(make([]byte, 31))
	assert.ErrorIs(t, err, ErrInvalidProgramID)

	_, err = ProgramIDFromBase58("0OIl")
	assert.Error(t, err)

	var zero ProgramID
	assert.True(t, zero.IsZero())
}
