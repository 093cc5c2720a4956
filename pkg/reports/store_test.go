package reports

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/bootcode/internal/types"
	"github.com/fortiblox/bootcode/pkg/repair"
	"github.com/fortiblox/bootcode/pkg/vm"
)

const sampleListing = "nop +0\nacc +1\njmp +4\nacc +3\njmp -3\nacc -99\nacc +1\njmp -4\nacc +6"

func openMemStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig("")
	cfg.InMemory = true
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleReports(t *testing.T) (types.ProgramID, *Report, *Report) {
	t.Helper()
	prog := vm.MustDecode(sampleListing)
	id := types.ComputeProgramID([]byte(prog.String()))

	out, err := vm.New(prog).Run()
	require.NoError(t, err)

	res, err := repair.Search(context.Background(), prog)
	require.NoError(t, err)

	return id, FromOutcome(id, out), FromRepair(id, res)
}

func TestPutGet(t *testing.T) {
	s := openMemStore(t)
	id, run, rep := sampleReports(t)

	require.NoError(t, s.Put(run))
	require.NoError(t, s.Put(rep))

	got, err := s.Get(id, KindRun)
	require.NoError(t, err)
	assert.Equal(t, "looped", got.Outcome)
	assert.Equal(t, int64(5), got.Accumulator)
	assert.Equal(t, 1, got.PC)
	assert.Equal(t, -1, got.Address)
	assert.False(t, got.CreatedAt.IsZero())

	got, err = s.Get(id, KindRepair)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRepaired, got.Outcome)
	assert.Equal(t, int64(8), got.Accumulator)
	assert.Equal(t, 7, got.Address)
	assert.Equal(t, "nop -4", got.Patched)
	assert.Equal(t, id, got.Program)

	all, err := s.ForProgram(id)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, KindRun, all[0].Kind)
	assert.Equal(t, KindRepair, all[1].Kind)

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

func TestPutReplaces(t *testing.T) {
	s := openMemStore(t)
	id, run, _ := sampleReports(t)

	require.NoError(t, s.Put(run))
	run.Accumulator = 42
	require.NoError(t, s.Put(run))

	got, err := s.Get(id, KindRun)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.Accumulator)

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestNoFixReport(t *testing.T) {
	s := openMemStore(t)
	id := types.ComputeProgramID([]byte("jmp +0\n"))

	require.NoError(t, s.Put(FromRepair(id, nil)))
	got, err := s.Get(id, KindRepair)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoFix, got.Outcome)
	assert.Equal(t, -1, got.Address)
}

func TestDelete(t *testing.T) {
	s := openMemStore(t)
	id, run, rep := sampleReports(t)
	require.NoError(t, s.Put(run))
	require.NoError(t, s.Put(rep))

	other := types.ComputeProgramID([]byte("acc +1\n"))
	require.NoError(t, s.Put(&Report{Program: other, Kind: KindRun, Outcome: "terminated"}))

	require.NoError(t, s.Delete(id))
	_, err := s.Get(id, KindRun)
	assert.ErrorIs(t, err, ErrReportNotFound)

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	require.NoError(t, s.Delete(id), "deleting twice is a no-op")

	_, err = s.Get(other, KindRun)
	assert.NoError(t, err)
}

func TestInvalidKind(t *testing.T) {
	s := openMemStore(t)
	id := types.ComputeProgramID([]byte("acc +1\n"))
	err := s.Put(&Report{Program: id, Kind: 9})
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestMissingProgram(t *testing.T) {
	s := openMemStore(t)
	err := s.Put(&Report{Kind: KindRun})
	assert.ErrorIs(t, err, ErrMissingProgram)

	n, err := s.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	id, run, _ := sampleReports(t)

	s, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, s.Put(run))
	require.NoError(t, s.Close())

	_, err = s.Get(id, KindRun)
	assert.ErrorIs(t, err, ErrClosed)

	s, err = Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(id, KindRun)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Accumulator)

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "run", KindRun.String())
	assert.Equal(t, "repair", KindRepair.String())
	assert.Equal(t, "unknown", Kind(0).String())
}
