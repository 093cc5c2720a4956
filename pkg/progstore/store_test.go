package progstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/bootcode/internal/types"
	"github.com/fortiblox/bootcode/pkg/vm"
)

const sampleListing = "nop +0\nacc +1\njmp +4\nacc +3\njmp -3\nacc -99\nacc +1\njmp -4\nacc +6"

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "programs.db")
	store, err := Open(DefaultConfig(path))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestPutGet(t *testing.T) {
	store, _ := openTestStore(t)
	prog := vm.MustDecode(sampleListing)

	id, err := store.Put(prog, "sample")
	require.NoError(t, err)
	assert.Equal(t, types.ComputeProgramID([]byte(prog.String())), id)
	assert.True(t, store.Has(id))

	rec, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "sample", rec.Name)
	assert.Equal(t, uint64(1), rec.Sequence)
	assert.Equal(t, 9, rec.Instructions)
	assert.Equal(t, 4, rec.ControlFlow)
	assert.False(t, rec.StoredAt.IsZero())
	assert.True(t, prog.Equal(rec.Program))

	byName, err := store.Lookup("sample")
	require.NoError(t, err)
	assert.Equal(t, id, byName.ID)
}

func TestPutIsIdempotent(t *testing.T) {
	store, _ := openTestStore(t)

	// Same program, different formatting.
	first, err := store.Put(vm.MustDecode("acc +1\njmp +0"), "")
	require.NoError(t, err)
	second, err := store.Put(vm.MustDecode("\n  acc  +1\n\njmp   +0\n"), "loop")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	rec, err := store.Get(first)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Sequence)
	assert.Equal(t, "loop", rec.Name, "name attaches to an unnamed record")

	_, err = store.Put(vm.MustDecode("acc +1\njmp +0"), "other")
	require.NoError(t, err)
	rec, err = store.Get(first)
	require.NoError(t, err)
	assert.Equal(t, "loop", rec.Name, "existing name is kept")

	stats, err := store.GetStats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.ProgramCount)
	assert.Equal(t, uint64(1), stats.NamedCount)
	assert.Greater(t, stats.DatabaseSize, int64(0))
}

func TestNameTaken(t *testing.T) {
	store, _ := openTestStore(t)

	_, err := store.Put(vm.Program{vm.Acc(1)}, "boot")
	require.NoError(t, err)

	_, err = store.Put(vm.Program{vm.Acc(2)}, "boot")
	assert.ErrorIs(t, err, ErrNameTaken)
}

func TestNotFound(t *testing.T) {
	store, _ := openTestStore(t)

	_, err := store.Get(types.ComputeProgramID([]byte("missing")))
	assert.ErrorIs(t, err, ErrProgramNotFound)

	_, err = store.Lookup("missing")
	assert.ErrorIs(t, err, ErrNameNotFound)

	assert.ErrorIs(t, store.Delete(types.ProgramID{}), ErrProgramNotFound)
}

func TestListAndDelete(t *testing.T) {
	store, _ := openTestStore(t)

	var ids []types.ProgramID
	for i := int64(1); i <= 5; i++ {
		id, err := store.Put(vm.Program{vm.Acc(i), vm.Jmp(0)}, "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	entries, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, ids[i], e.ID)
		assert.Equal(t, uint64(i+1), e.Sequence)
		assert.Equal(t, 2, e.Instructions)
	}

	limited, err := store.List(2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	require.NoError(t, store.Delete(ids[1]))
	assert.False(t, store.Has(ids[1]))

	entries, err = store.List(0)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
	assert.Equal(t, ids[2], entries[1].ID)
}

func TestDeleteReleasesName(t *testing.T) {
	store, _ := openTestStore(t)

	id, err := store.Put(vm.Program{vm.Nop(0)}, "n")
	require.NoError(t, err)
	require.NoError(t, store.Delete(id))

	_, err = store.Lookup("n")
	assert.ErrorIs(t, err, ErrNameNotFound)

	_, err = store.Put(vm.Program{vm.Nop(1)}, "n")
	assert.NoError(t, err)
}

func TestReopenAndReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "programs.db")

	store, err := Open(DefaultConfig(path))
	require.NoError(t, err)
	id, err := store.Put(vm.MustDecode(sampleListing), "sample")
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "double close is harmless")

	_, err = store.Get(id)
	assert.ErrorIs(t, err, ErrClosed)

	cfg := DefaultConfig(path)
	cfg.ReadOnly = true
	ro, err := Open(cfg)
	require.NoError(t, err)
	defer ro.Close()

	rec, err := ro.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "sample", rec.Name)

	_, err = ro.Put(vm.Program{vm.Acc(1)}, "")
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestCompressRoundTrip(t *testing.T) {
	data := []byte(sampleListing)
	compressed, err := compressZstd(data)
	require.NoError(t, err)

	out, err := decompressZstd(compressed)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}
