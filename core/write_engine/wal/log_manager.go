package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Every segment file begins with a fixed header so that a segment is
// self-identifying and no record can occupy global offset zero.
const (
	segmentMagic      uint32 = 0x4B594F57
	segmentVersion    uint16 = 1
	segmentHeaderSize        = 16
)

const (
	defaultBufferSize       = 256 * 1024
	defaultSegmentSizeLimit = 16 * 1024 * 1024
	flushInterval           = 100 * time.Millisecond
)

// segmentInfo locates one segment file within the global LSN space.
type segmentInfo struct {
	path  string
	id    uint64
	start LSN // global LSN of the segment's first byte (its header)
	size  int64
}

// Manager owns the write-ahead log: it appends records, rotates and archives
// segments, guarantees durability via Flush, and serves point reads and
// ordered scans for the recovery and finish paths.
type Manager struct {
	logDir     string
	archiveDir string
	logger     *zap.Logger

	mu               sync.Mutex
	logFile          *os.File
	currentSegmentID uint64
	segmentStart     LSN // global LSN of the active segment's first byte
	currentLSN       LSN // next byte to be assigned
	syncedLSN        LSN // everything below this is durable
	buffer           *bytes.Buffer
	bufferSize       int
	segmentSizeLimit int64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Options tunes the log manager. Zero values select defaults.
type Options struct {
	BufferSize       int   `yaml:"buffer_size"`
	SegmentSizeLimit int64 `yaml:"segment_size_limit"`
}

// NewManager opens (or initializes) the log in dir. Archived segments are
// moved to dir/archive on rotation and remain scannable.
func NewManager(dir string, logger *zap.Logger, opts Options) (*Manager, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.SegmentSizeLimit <= 0 {
		opts.SegmentSizeLimit = defaultSegmentSizeLimit
	}
	if opts.SegmentSizeLimit < int64(opts.BufferSize) {
		return nil, fmt.Errorf("wal: segment size limit (%d) must be >= buffer size (%d)",
			opts.SegmentSizeLimit, opts.BufferSize)
	}

	archiveDir := filepath.Join(dir, "archive")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory %s: %w", archiveDir, err)
	}

	m := &Manager{
		logDir:           dir,
		archiveDir:       archiveDir,
		logger:           logger,
		buffer:           bytes.NewBuffer(make([]byte, 0, opts.BufferSize)),
		bufferSize:       opts.BufferSize,
		segmentSizeLimit: opts.SegmentSizeLimit,
		stopChan:         make(chan struct{}),
	}

	if err := m.openLatestSegment(); err != nil {
		return nil, fmt.Errorf("failed to initialize log segment: %w", err)
	}

	m.wg.Add(1)
	go m.flusher()

	m.logger.Info("wal manager initialized",
		zap.String("log_dir", dir),
		zap.Uint64("segment_id", m.currentSegmentID),
		zap.Uint64("current_lsn", uint64(m.currentLSN)))
	return m, nil
}

// CurrentLSN returns the next LSN to be assigned.
func (m *Manager) CurrentLSN() LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLSN
}

// orderedSegments lists all segments (archived first, then active) with
// their global LSN ranges. Segment sizes are cumulative, so the global
// offset of any segment is the sum of the sizes before it.
func (m *Manager) orderedSegments() ([]segmentInfo, error) {
	var segs []segmentInfo
	for _, dir := range []string{m.archiveDir, m.logDir} {
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
		}
		for _, file := range files {
			if file.IsDir() || !strings.HasPrefix(file.Name(), "log_") || !strings.HasSuffix(file.Name(), ".log") {
				continue
			}
			idStr := strings.TrimSuffix(strings.TrimPrefix(file.Name(), "log_"), ".log")
			id, parseErr := strconv.ParseUint(idStr, 10, 64)
			if parseErr != nil {
				continue
			}
			info, statErr := file.Info()
			if statErr != nil {
				return nil, fmt.Errorf("failed to stat segment %s: %w", file.Name(), statErr)
			}
			segs = append(segs, segmentInfo{
				path: filepath.Join(dir, file.Name()),
				id:   id,
				size: info.Size(),
			})
		}
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].id < segs[j].id })

	var offset LSN
	for i := range segs {
		segs[i].start = offset
		offset += LSN(segs[i].size)
	}
	return segs, nil
}

// openLatestSegment positions the manager at the end of the existing log,
// creating the first segment when none exists.
func (m *Manager) openLatestSegment() error {
	segs, err := m.orderedSegments()
	if err != nil {
		return err
	}

	if len(segs) == 0 {
		m.currentSegmentID = 1
		m.segmentStart = 0
		return m.createSegmentFile()
	}

	last := segs[len(segs)-1]
	if filepath.Dir(last.path) != m.logDir {
		// All segments were archived; continue in a fresh one.
		m.currentSegmentID = last.id + 1
		m.segmentStart = last.start + LSN(last.size)
		return m.createSegmentFile()
	}

	valid, err := m.validTailSize(last)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(last.path, os.O_RDWR|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("failed to open log segment %s: %w", last.path, err)
	}
	if valid < last.size {
		// An append interrupted by a crash left unreadable bytes at the
		// tail. They must go before anything new is written behind them,
		// or every later scan would trip over them mid-stream.
		m.logger.Warn("discarding torn log tail",
			zap.String("segment", last.path),
			zap.Int64("valid_bytes", valid),
			zap.Int64("torn_bytes", last.size-valid))
		if err := file.Truncate(valid); err != nil {
			file.Close()
			return fmt.Errorf("failed to truncate torn log tail in %s: %w", last.path, err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return fmt.Errorf("failed to sync repaired log segment %s: %w", last.path, err)
		}
		last.size = valid
	}
	m.logFile = file
	m.currentSegmentID = last.id
	m.segmentStart = last.start
	m.currentLSN = last.start + LSN(last.size)
	m.syncedLSN = m.currentLSN
	return nil
}

// validTailSize scans the active segment and returns the size of its valid
// prefix. A record torn by an interrupted append always runs to end-of-file,
// as does a record whose final sector was lost mid-write; both mark where
// the previous run's durable writes stop. A failed checksum with further
// data behind it is genuine mid-log corruption and is left in place for
// Scan to report.
func (m *Manager) validTailSize(seg segmentInfo) (int64, error) {
	file, err := os.Open(seg.path)
	if err != nil {
		return 0, fmt.Errorf("failed to open log segment %s: %w", seg.path, err)
	}
	defer file.Close()

	header := make([]byte, segmentHeaderSize)
	if _, err := io.ReadFull(file, header); err != nil {
		return 0, fmt.Errorf("%w: segment %s has no header", ErrCorruptRecord, seg.path)
	}
	if binary.LittleEndian.Uint32(header[0:]) != segmentMagic {
		return 0, fmt.Errorf("%w: segment %s has bad magic", ErrCorruptRecord, seg.path)
	}

	reader := bufio.NewReader(file)
	size := int64(segmentHeaderSize)
	for {
		rec := &Record{}
		err := readRecord(reader, rec)
		if err == io.EOF {
			return size, nil
		}
		if errors.Is(err, ErrTornRecord) {
			return size, nil
		}
		if errors.Is(err, ErrCorruptRecord) {
			if _, peekErr := reader.ReadByte(); peekErr == io.EOF {
				return size, nil
			}
			return seg.size, nil
		}
		if err != nil {
			return 0, fmt.Errorf("log record at lsn %d: %w", uint64(seg.start)+uint64(size), err)
		}
		size += int64(rec.SerializedSize())
	}
}

// createSegmentFile creates the active segment and writes its header. The
// header bytes advance the global LSN like any other payload.
func (m *Manager) createSegmentFile() error {
	path := m.segmentPath(m.currentSegmentID)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("failed to create log segment %s: %w", path, err)
	}

	header := make([]byte, segmentHeaderSize)
	binary.LittleEndian.PutUint32(header[0:], segmentMagic)
	binary.LittleEndian.PutUint16(header[4:], segmentVersion)
	binary.LittleEndian.PutUint64(header[6:], m.currentSegmentID)
	if _, err := file.Write(header); err != nil {
		file.Close()
		return fmt.Errorf("failed to write segment header: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync new segment: %w", err)
	}

	m.logFile = file
	m.currentLSN = m.segmentStart + segmentHeaderSize
	m.syncedLSN = m.currentLSN
	return nil
}

func (m *Manager) segmentPath(id uint64) string {
	return filepath.Join(m.logDir, fmt.Sprintf("log_%05d.log", id))
}

// Append assigns the record its LSN and buffers it. The record is not
// durable until Flush returns for an LSN past its end. It returns the
// record's begin LSN and the LSN one past its last byte.
func (m *Manager) Append(rec *Record) (LSN, LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	encoded, err := rec.encode()
	if err != nil {
		return InvalidLSN, InvalidLSN, err
	}

	if m.buffer.Len()+len(encoded) > m.bufferSize {
		if err := m.flushLocked(); err != nil {
			return InvalidLSN, InvalidLSN, fmt.Errorf("failed to flush log buffer before append: %w", err)
		}
	}

	segmentUsed := int64(m.currentLSN - m.segmentStart)
	if segmentUsed+int64(len(encoded)) > m.segmentSizeLimit {
		if err := m.rollSegmentLocked(); err != nil {
			return InvalidLSN, InvalidLSN, fmt.Errorf("failed to roll log segment before append: %w", err)
		}
	}

	rec.LSN = m.currentLSN
	// Re-encode is not needed: the LSN is positional, not part of the framing.
	if _, err := m.buffer.Write(encoded); err != nil {
		return InvalidLSN, InvalidLSN, fmt.Errorf("failed to buffer log record: %w", err)
	}
	m.currentLSN += LSN(len(encoded))

	m.logger.Debug("appended log record",
		zap.Uint64("lsn", uint64(rec.LSN)),
		zap.Uint8("type", uint8(rec.Type)),
		zap.Uint64("xid", rec.Xid),
		zap.Int("size", len(encoded)))
	return rec.LSN, m.currentLSN, nil
}

// Flush makes every record below upto durable. InvalidLSN flushes the whole
// buffered tail. It blocks on the fsync.
func (m *Manager) Flush(upto LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if upto != InvalidLSN && upto <= m.syncedLSN {
		return nil
	}
	return m.syncLocked()
}

func (m *Manager) syncLocked() error {
	if err := m.flushLocked(); err != nil {
		return err
	}
	if m.logFile != nil {
		if err := m.logFile.Sync(); err != nil {
			return fmt.Errorf("failed to sync log file: %w", err)
		}
	}
	m.syncedLSN = m.currentLSN
	return nil
}

// flushLocked writes the buffer to the active segment without syncing.
func (m *Manager) flushLocked() error {
	if m.buffer.Len() == 0 {
		return nil
	}
	if m.logFile == nil {
		return fmt.Errorf("log file is not open, cannot flush")
	}
	n, err := m.logFile.Write(m.buffer.Bytes())
	if err != nil {
		return fmt.Errorf("failed to write log buffer to file: %w", err)
	}
	if n != m.buffer.Len() {
		return fmt.Errorf("short write to log file: expected %d, wrote %d", m.buffer.Len(), n)
	}
	m.buffer.Reset()
	return nil
}

// rollSegmentLocked syncs and archives the active segment, then starts the
// next one.
func (m *Manager) rollSegmentLocked() error {
	if err := m.syncLocked(); err != nil {
		return err
	}
	if m.logFile != nil {
		if err := m.logFile.Close(); err != nil {
			return fmt.Errorf("failed to close log segment: %w", err)
		}
		m.logFile = nil
	}

	oldPath := m.segmentPath(m.currentSegmentID)
	archivePath := filepath.Join(m.archiveDir, filepath.Base(oldPath))
	if err := os.Rename(oldPath, archivePath); err != nil {
		return fmt.Errorf("failed to archive log segment %s: %w", oldPath, err)
	}
	m.logger.Info("archived log segment",
		zap.Uint64("segment_id", m.currentSegmentID),
		zap.String("path", archivePath))

	m.segmentStart = m.currentLSN
	m.currentSegmentID++
	return m.createSegmentFile()
}

// ReadAt re-reads a single record from its durable location. The buffered
// tail is synced first so that any assigned LSN is readable. The finish
// protocol uses this to re-decode a PREPARE record rather than trusting
// in-memory state.
func (m *Manager) ReadAt(lsn LSN) (*Record, error) {
	m.mu.Lock()
	if err := m.syncLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	segs, err := m.orderedSegments()
	if err != nil {
		return nil, err
	}
	var seg *segmentInfo
	for i := range segs {
		if lsn >= segs[i].start && lsn < segs[i].start+LSN(segs[i].size) {
			seg = &segs[i]
			break
		}
	}
	if seg == nil {
		return nil, fmt.Errorf("%w: no segment contains lsn %d", ErrCorruptRecord, lsn)
	}

	file, err := os.Open(seg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log segment %s: %w", seg.path, err)
	}
	defer file.Close()

	if _, err := file.Seek(int64(lsn-seg.start), io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek log segment %s: %w", seg.path, err)
	}

	rec := &Record{}
	if err := readRecord(bufio.NewReader(file), rec); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: no record at lsn %d", ErrCorruptRecord, lsn)
		}
		return nil, err
	}
	rec.LSN = lsn
	return rec, nil
}

// Scan walks every record in global order and hands it to fn. A torn record
// at the very tail of the last segment ends the scan cleanly (an interrupted
// append that never became durable); corruption anywhere else is surfaced as
// ErrCorruptRecord. fn returning an error stops the scan.
func (m *Manager) Scan(fn func(rec *Record) error) error {
	m.mu.Lock()
	if err := m.syncLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	segs, err := m.orderedSegments()
	if err != nil {
		return err
	}

	for i, seg := range segs {
		lastSegment := i == len(segs)-1
		if err := m.scanSegment(seg, lastSegment, fn); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) scanSegment(seg segmentInfo, lastSegment bool, fn func(rec *Record) error) error {
	file, err := os.Open(seg.path)
	if err != nil {
		return fmt.Errorf("failed to open log segment %s: %w", seg.path, err)
	}
	defer file.Close()

	header := make([]byte, segmentHeaderSize)
	if _, err := io.ReadFull(file, header); err != nil {
		return fmt.Errorf("%w: segment %s has no header", ErrCorruptRecord, seg.path)
	}
	if binary.LittleEndian.Uint32(header[0:]) != segmentMagic {
		return fmt.Errorf("%w: segment %s has bad magic", ErrCorruptRecord, seg.path)
	}
	if id := binary.LittleEndian.Uint64(header[6:]); id != seg.id {
		return fmt.Errorf("%w: segment %s header claims id %d", ErrCorruptRecord, seg.path, id)
	}

	reader := bufio.NewReader(file)
	offset := LSN(segmentHeaderSize)
	for {
		rec := &Record{}
		err := readRecord(reader, rec)
		if err == io.EOF {
			return nil
		}
		if err == ErrTornRecord && lastSegment {
			m.logger.Warn("torn record at end of log, discarding tail",
				zap.Uint64("lsn", uint64(seg.start+offset)))
			return nil
		}
		if err != nil {
			return fmt.Errorf("log record at lsn %d: %w", uint64(seg.start+offset), err)
		}
		rec.LSN = seg.start + offset
		offset += LSN(rec.SerializedSize())
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// flusher periodically pushes the buffer to disk so a slow commit path
// cannot pin dirty log data in memory indefinitely.
func (m *Manager) flusher() {
	defer m.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			m.mu.Lock()
			if err := m.syncLocked(); err != nil {
				m.logger.Error("final wal flush failed", zap.Error(err))
			}
			m.mu.Unlock()
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.buffer.Len() > 0 {
				if err := m.syncLocked(); err != nil {
					m.logger.Error("periodic wal flush failed", zap.Error(err))
				}
			}
			m.mu.Unlock()
		}
	}
}

// Close stops the flusher, syncs the tail, and closes the active segment.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.syncLocked(); err != nil {
		return err
	}
	if m.logFile != nil {
		if err := m.logFile.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
		m.logFile = nil
	}
	return nil
}
