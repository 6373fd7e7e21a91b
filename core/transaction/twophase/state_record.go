package twophase

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/kyodb/kyodb/core/invalidation"
	"github.com/kyodb/kyodb/core/storage_engine/lifecycle"
	"github.com/kyodb/kyodb/core/write_engine/wal"
)

// State is the complete serialized state of a prepared transaction: enough
// to finish it after a crash with no help from the preparing session.
type State struct {
	Xid        uint64
	Database   uint64
	Owner      uint64
	PreparedAt time.Time
	GID        string

	SubXids       []uint64
	CommitDeletes []lifecycle.PendingDelete
	AbortDeletes  []lifecycle.PendingDelete
	InvalMsgs     []invalidation.Message
	InitFileInval bool

	RMRecords []StateRMRecord
}

// StateRMRecord is one resource-manager continuation record carried inside
// a state record. The payload is opaque to the serializer.
type StateRMRecord struct {
	RMID    uint8
	Info    uint16
	Payload []byte
}

// On-disk layout (little-endian). The fixed header is followed by the gid,
// then by the variable sections, each padded to an 8-byte boundary:
// subtransaction ids, commit-time deletes, abort-time deletes,
// invalidation messages, resource-manager records (terminated by an
// all-zero block whose rmid is the reserved value 0), and a trailing CRC32
// over everything before it.
const (
	stateMagic   uint32 = 0x4B594F32
	stateVersion uint16 = 1

	stateFlagInitFileInval uint8 = 1 << 0

	stateHeaderFixedSize = 66 // through the gid length field

	offMagic          = 0
	offVersion        = 4
	offFlags          = 6
	offTotalLen       = 8
	offXid            = 16
	offDatabase       = 24
	offOwner          = 32
	offPreparedAt     = 40
	offNSubXids       = 48
	offNCommitDeletes = 52
	offNAbortDeletes  = 56
	offNInvalMsgs     = 60
	offGIDLen         = 64
)

const rmRecordHeaderSize = 8 // rmid(1) + pad(1) + info(2) + payload len(4)

func pad8(buf []byte) []byte {
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	return buf
}

// EncodeState serializes st. The result is bounded by the single-record
// payload ceiling; oversized states fail with ErrStateTooLarge before any
// log insertion can happen.
func EncodeState(st *State) ([]byte, error) {
	buf := make([]byte, stateHeaderFixedSize, 1024)
	binary.LittleEndian.PutUint32(buf[offMagic:], stateMagic)
	binary.LittleEndian.PutUint16(buf[offVersion:], stateVersion)
	var flags uint8
	if st.InitFileInval {
		flags |= stateFlagInitFileInval
	}
	buf[offFlags] = flags
	binary.LittleEndian.PutUint64(buf[offXid:], st.Xid)
	binary.LittleEndian.PutUint64(buf[offDatabase:], st.Database)
	binary.LittleEndian.PutUint64(buf[offOwner:], st.Owner)
	binary.LittleEndian.PutUint64(buf[offPreparedAt:], uint64(st.PreparedAt.UnixNano()))
	binary.LittleEndian.PutUint32(buf[offNSubXids:], uint32(len(st.SubXids)))
	binary.LittleEndian.PutUint32(buf[offNCommitDeletes:], uint32(len(st.CommitDeletes)))
	binary.LittleEndian.PutUint32(buf[offNAbortDeletes:], uint32(len(st.AbortDeletes)))
	binary.LittleEndian.PutUint32(buf[offNInvalMsgs:], uint32(len(st.InvalMsgs)))
	binary.LittleEndian.PutUint16(buf[offGIDLen:], uint16(len(st.GID)))
	buf = append(buf, st.GID...)
	buf = pad8(buf)

	for _, xid := range st.SubXids {
		buf = binary.LittleEndian.AppendUint64(buf, xid)
	}
	buf = pad8(append(buf, lifecycle.EncodePendingDeletes(st.CommitDeletes)...))
	buf = pad8(append(buf, lifecycle.EncodePendingDeletes(st.AbortDeletes)...))
	for _, msg := range st.InvalMsgs {
		buf = msg.Encode(buf)
	}
	buf = pad8(buf)

	for _, rec := range st.RMRecords {
		if rec.RMID == 0 {
			return nil, fmt.Errorf("%w: resource manager id 0 is reserved", ErrCorruptState)
		}
		hdr := make([]byte, rmRecordHeaderSize)
		hdr[0] = rec.RMID
		binary.LittleEndian.PutUint16(hdr[2:], rec.Info)
		binary.LittleEndian.PutUint32(hdr[4:], uint32(len(rec.Payload)))
		buf = append(buf, hdr...)
		buf = pad8(append(buf, rec.Payload...))
	}
	buf = append(buf, make([]byte, rmRecordHeaderSize)...) // terminator

	totalLen := uint64(len(buf) + 4)
	binary.LittleEndian.PutUint64(buf[offTotalLen:], totalLen)
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf[:len(buf)]))

	if len(buf) > wal.MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrStateTooLarge, len(buf))
	}
	return buf, nil
}

type stateReader struct {
	data []byte
	off  int
}

func (r *stateReader) take(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.data) {
		return nil, fmt.Errorf("%w: truncated at offset %d", ErrCorruptState, r.off)
	}
	out := r.data[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *stateReader) align8() error {
	for r.off%8 != 0 {
		if _, err := r.take(1); err != nil {
			return err
		}
	}
	return nil
}

// DecodeState parses and validates a serialized state record. Any
// structural or checksum violation yields ErrCorruptState; a valid record
// round-trips exactly.
func DecodeState(data []byte) (*State, error) {
	if len(data) < stateHeaderFixedSize+4 {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrCorruptState, len(data))
	}
	if magic := binary.LittleEndian.Uint32(data[offMagic:]); magic != stateMagic {
		return nil, fmt.Errorf("%w: bad magic %08x", ErrCorruptState, magic)
	}
	if version := binary.LittleEndian.Uint16(data[offVersion:]); version != stateVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptState, version)
	}
	if totalLen := binary.LittleEndian.Uint64(data[offTotalLen:]); totalLen != uint64(len(data)) {
		return nil, fmt.Errorf("%w: recorded length %d, actual %d", ErrCorruptState, totalLen, len(data))
	}
	body := data[:len(data)-4]
	storedCRC := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc := crc32.ChecksumIEEE(body); crc != storedCRC {
		return nil, fmt.Errorf("%w: stored crc %08x, computed %08x", ErrCorruptState, storedCRC, crc)
	}

	st := &State{
		Xid:           binary.LittleEndian.Uint64(data[offXid:]),
		Database:      binary.LittleEndian.Uint64(data[offDatabase:]),
		Owner:         binary.LittleEndian.Uint64(data[offOwner:]),
		PreparedAt:    time.Unix(0, int64(binary.LittleEndian.Uint64(data[offPreparedAt:]))),
		InitFileInval: data[offFlags]&stateFlagInitFileInval != 0,
	}
	nSubXids := int(binary.LittleEndian.Uint32(data[offNSubXids:]))
	nCommit := int(binary.LittleEndian.Uint32(data[offNCommitDeletes:]))
	nAbort := int(binary.LittleEndian.Uint32(data[offNAbortDeletes:]))
	nInval := int(binary.LittleEndian.Uint32(data[offNInvalMsgs:]))
	gidLen := int(binary.LittleEndian.Uint16(data[offGIDLen:]))

	r := &stateReader{data: body, off: stateHeaderFixedSize}
	gid, err := r.take(gidLen)
	if err != nil {
		return nil, err
	}
	st.GID = string(gid)
	if err := r.align8(); err != nil {
		return nil, err
	}

	raw, err := r.take(nSubXids * 8)
	if err != nil {
		return nil, err
	}
	for i := 0; i < nSubXids; i++ {
		st.SubXids = append(st.SubXids, binary.LittleEndian.Uint64(raw[i*8:]))
	}

	if raw, err = r.take(nCommit * lifecycle.EncodedPendingDeleteSize); err != nil {
		return nil, err
	}
	if st.CommitDeletes, err = lifecycle.DecodePendingDeletes(raw, nCommit); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if err := r.align8(); err != nil {
		return nil, err
	}

	if raw, err = r.take(nAbort * lifecycle.EncodedPendingDeleteSize); err != nil {
		return nil, err
	}
	if st.AbortDeletes, err = lifecycle.DecodePendingDeletes(raw, nAbort); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if err := r.align8(); err != nil {
		return nil, err
	}

	if raw, err = r.take(nInval * invalidation.EncodedMessageSize); err != nil {
		return nil, err
	}
	for i := 0; i < nInval; i++ {
		msg, err := invalidation.DecodeMessage(raw[i*invalidation.EncodedMessageSize:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
		}
		st.InvalMsgs = append(st.InvalMsgs, msg)
	}
	if err := r.align8(); err != nil {
		return nil, err
	}

	for {
		hdr, err := r.take(rmRecordHeaderSize)
		if err != nil {
			return nil, err
		}
		if hdr[0] == 0 {
			break
		}
		payloadLen := int(binary.LittleEndian.Uint32(hdr[4:]))
		payload, err := r.take(payloadLen)
		if err != nil {
			return nil, err
		}
		st.RMRecords = append(st.RMRecords, StateRMRecord{
			RMID:    hdr[0],
			Info:    binary.LittleEndian.Uint16(hdr[2:]),
			Payload: append([]byte(nil), payload...),
		})
		if err := r.align8(); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// Decision records are the durable commit/abort outcome of a prepared
// transaction. They carry the subtransaction set and the delete list for
// the chosen outcome, so replay after a crash can finish the status update
// and file removal without the prepare record.
func encodeDecision(subXids []uint64, deletes []lifecycle.PendingDelete) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(subXids)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(deletes)))
	for _, xid := range subXids {
		buf = binary.LittleEndian.AppendUint64(buf, xid)
	}
	return append(buf, lifecycle.EncodePendingDeletes(deletes)...)
}

func decodeDecision(data []byte) ([]uint64, []lifecycle.PendingDelete, error) {
	if len(data) < 8 {
		return nil, nil, fmt.Errorf("%w: decision record truncated", ErrCorruptState)
	}
	nSubXids := int(binary.LittleEndian.Uint32(data))
	nDeletes := int(binary.LittleEndian.Uint32(data[4:]))
	if len(data) < 8+nSubXids*8+nDeletes*lifecycle.EncodedPendingDeleteSize {
		return nil, nil, fmt.Errorf("%w: decision record truncated", ErrCorruptState)
	}
	subXids := make([]uint64, 0, nSubXids)
	for i := 0; i < nSubXids; i++ {
		subXids = append(subXids, binary.LittleEndian.Uint64(data[8+i*8:]))
	}
	deletes, err := lifecycle.DecodePendingDeletes(data[8+nSubXids*8:], nDeletes)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return subXids, deletes, nil
}
