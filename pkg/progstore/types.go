// Package progstore provides persistent storage for decoded boot-code programs.
//
// Programs are stored under their ProgramID (the BLAKE3 digest of the
// canonical listing) so that re-archiving the same program is a no-op.
// Listings are zstd-compressed at rest. The archive keeps:
// - Program records keyed by ID
// - An insertion-order index for listing
// - An optional name index
//
// The store uses BoltDB, which gives ACID updates and cheap reads for a
// single-process CLI.
package progstore

import (
	"encoding/binary"
	"time"

	"github.com/fortiblox/bootcode/internal/types"
	"github.com/fortiblox/bootcode/pkg/vm"
)

// Record is an archived program.
type Record struct {
	// ID is the program identity.
	ID types.ProgramID

	// Name is an optional label given at archive time.
	Name string

	// Sequence is the insertion order, starting at 1.
	Sequence uint64

	// Instructions is the program length.
	Instructions int

	// ControlFlow is the number of jmp/nop instructions.
	ControlFlow int

	// StoredAt is when the program was first archived.
	StoredAt time.Time

	// Program is the decoded program, rebuilt from the stored listing.
	Program vm.Program
}

// storedRecord is the on-disk form of a Record.
type storedRecord struct {
	Name         string
	Sequence     uint64
	Instructions int
	ControlFlow  int
	StoredAt     int64
	Listing      []byte // zstd-compressed canonical listing
}

// Entry is a summary row returned by List.
type Entry struct {
	ID           types.ProgramID
	Name         string
	Sequence     uint64
	Instructions int
	StoredAt     time.Time
}

// Stats contains archive statistics.
type Stats struct {
	// ProgramCount is the number of archived programs.
	ProgramCount uint64

	// NamedCount is the number of programs with a name.
	NamedCount uint64

	// DatabaseSize is the size of the database file in bytes.
	DatabaseSize int64
}

// EncodeSeqKey encodes a sequence number as a big-endian 8-byte key.
func EncodeSeqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// DecodeSeqKey decodes a sequence number from a big-endian 8-byte key.
func DecodeSeqKey(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key)
}

func countControlFlow(p vm.Program) int {
	n := 0
	for _, ins := range p {
		if ins.IsControlFlow() {
			n++
		}
	}
	return n
}
