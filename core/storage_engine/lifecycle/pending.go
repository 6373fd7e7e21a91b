package lifecycle

import (
	"encoding/binary"
	"fmt"

	"github.com/kyodb/kyodb/core/storage_engine/smgr"
)

// PendingDelete is one storage create-or-drop intent awaiting the owning
// transaction's outcome. Entries form a stack: the most recently pushed
// intent is resolved first.
type PendingDelete struct {
	Node smgr.RelFileNode
	// AtCommit is true for a deferred drop (delete when the transaction
	// commits) and false for a create undo (delete when it aborts).
	AtCommit bool
	// Level is the subtransaction nesting level that created the intent.
	Level int
	// Temp marks a session-temporary relation. Ordinary commit/abort
	// processing treats these like any other entry, but they matter to
	// the two-phase snapshot, which must record them explicitly.
	Temp bool
	// WholeDB marks a whole-database-directory drop. It fires as a
	// singleton: the ledger must contain nothing else when it resolves.
	WholeDB bool
}

// EncodedPendingDeleteSize is the wire size of one encoded intent:
// database id, relation id, flags byte. Shared with the two-phase state
// codec, which sizes its delete sections with it.
const EncodedPendingDeleteSize = 8 + 8 + 1

const (
	pendingFlagTemp    = 1 << 0
	pendingFlagWholeDB = 1 << 1
)

// encode appends the intent's two-phase wire form to buf. The nesting
// level is not serialized: by PREPARE time every surviving intent belongs
// to the top level.
func (p PendingDelete) encode(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, p.Node.Database)
	buf = binary.LittleEndian.AppendUint64(buf, p.Node.Relation)
	var flags byte
	if p.Temp {
		flags |= pendingFlagTemp
	}
	if p.WholeDB {
		flags |= pendingFlagWholeDB
	}
	return append(buf, flags)
}

func decodePendingDelete(data []byte) (PendingDelete, error) {
	if len(data) < EncodedPendingDeleteSize {
		return PendingDelete{}, fmt.Errorf("pending delete entry truncated: %d bytes", len(data))
	}
	flags := data[16]
	return PendingDelete{
		Node: smgr.RelFileNode{
			Database: binary.LittleEndian.Uint64(data),
			Relation: binary.LittleEndian.Uint64(data[8:]),
		},
		Temp:    flags&pendingFlagTemp != 0,
		WholeDB: flags&pendingFlagWholeDB != 0,
	}, nil
}

// EncodePendingDeletes serializes a snapshot of intents for inclusion in a
// two-phase state record.
func EncodePendingDeletes(entries []PendingDelete) []byte {
	buf := make([]byte, 0, len(entries)*EncodedPendingDeleteSize)
	for _, entry := range entries {
		buf = entry.encode(buf)
	}
	return buf
}

// DecodePendingDeletes parses count intents from data.
func DecodePendingDeletes(data []byte, count int) ([]PendingDelete, error) {
	entries := make([]PendingDelete, 0, count)
	for i := 0; i < count; i++ {
		entry, err := decodePendingDelete(data[i*EncodedPendingDeleteSize:])
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Nodes projects the relation file identifiers out of a list of intents.
func Nodes(entries []PendingDelete) []smgr.RelFileNode {
	nodes := make([]smgr.RelFileNode, 0, len(entries))
	for _, entry := range entries {
		nodes = append(nodes, entry.Node)
	}
	return nodes
}
