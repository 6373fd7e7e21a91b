package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// LSN is a global byte offset into the log stream, spanning all segments.
// Segment headers are part of the stream, so no record ever sits at offset
// zero and InvalidLSN is unambiguous.
type LSN uint64

const InvalidLSN LSN = 0

// RecordType defines the type of operation logged.
type RecordType byte

const (
	// RecordPrepare carries the full serialized two-phase state of a
	// prepared transaction.
	RecordPrepare RecordType = iota + 1
	// RecordCommitPrepared records the commit decision for a previously
	// prepared transaction (subtransaction ids + commit-time delete list).
	RecordCommitPrepared
	// RecordAbortPrepared records the abort decision for a previously
	// prepared transaction (subtransaction ids + abort-time delete list).
	RecordAbortPrepared
	// RecordSmgrCreate records the creation of a relation's physical
	// storage so replay can recreate the file.
	RecordSmgrCreate
	// RecordSmgrTruncate records a relation truncation; it is flushed
	// before the physical truncate happens.
	RecordSmgrTruncate
)

var (
	ErrCorruptRecord  = errors.New("wal: log record failed checksum validation, data corruption suspected")
	ErrRecordTooLarge = errors.New("wal: log record exceeds maximum record size")
	ErrTornRecord     = errors.New("wal: truncated log record at end of segment")
)

// Record is a single entry in the write-ahead log. The payload is opaque to
// the log manager; each consumer owns its payload encoding.
type Record struct {
	LSN     LSN
	Type    RecordType
	Xid     uint64
	Payload []byte
}

// On-disk framing:
//
//	+----------+--------+----------+--------------+-----------+
//	| crc (4)  | type(1)| xid (8)  | payload len(4)| payload  |
//	+----------+--------+----------+--------------+-----------+
//
// The CRC covers everything after the crc field.
const recordHeaderSize = 4 + 1 + 8 + 4

// MaxRecordSize bounds a single log record. It doubles as the maximum
// single-allocation ceiling for two-phase state payloads, which are
// validated against it before any WAL insertion.
const MaxRecordSize = 1 << 30

// MaxPayloadSize is the largest payload a single record can carry.
const MaxPayloadSize = MaxRecordSize - recordHeaderSize

// SerializedSize returns the on-disk size of the record.
func (r *Record) SerializedSize() int {
	return recordHeaderSize + len(r.Payload)
}

// encode serializes the record into its on-disk framing.
func (r *Record) encode() ([]byte, error) {
	if len(r.Payload) > MaxRecordSize-recordHeaderSize {
		return nil, fmt.Errorf("%w: payload is %d bytes", ErrRecordTooLarge, len(r.Payload))
	}
	buf := make([]byte, recordHeaderSize+len(r.Payload))
	buf[4] = byte(r.Type)
	binary.LittleEndian.PutUint64(buf[5:], r.Xid)
	binary.LittleEndian.PutUint32(buf[13:], uint32(len(r.Payload)))
	copy(buf[recordHeaderSize:], r.Payload)
	binary.LittleEndian.PutUint32(buf[:4], crc32.ChecksumIEEE(buf[4:]))
	return buf, nil
}

// readRecord reads and validates one record from the reader. It returns
// io.EOF at a clean record boundary and ErrTornRecord when the stream ends
// mid-record.
func readRecord(reader io.Reader, rec *Record) error {
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(reader, header); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return ErrTornRecord
		}
		return fmt.Errorf("failed to read log record header: %w", err)
	}

	storedCRC := binary.LittleEndian.Uint32(header[:4])
	rec.Type = RecordType(header[4])
	rec.Xid = binary.LittleEndian.Uint64(header[5:])
	payloadLen := binary.LittleEndian.Uint32(header[13:])
	if payloadLen > MaxRecordSize-recordHeaderSize {
		return fmt.Errorf("%w: claimed payload length %d", ErrCorruptRecord, payloadLen)
	}

	rec.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(reader, rec.Payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return ErrTornRecord
		}
		return fmt.Errorf("failed to read log record payload: %w", err)
	}

	crc := crc32.ChecksumIEEE(header[4:])
	crc = crc32.Update(crc, crc32.IEEETable, rec.Payload)
	if crc != storedCRC {
		return fmt.Errorf("%w: stored crc %08x, computed %08x", ErrCorruptRecord, storedCRC, crc)
	}
	return nil
}
