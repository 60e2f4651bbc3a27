package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/probedb/probedb/core/storage/disk"
	"github.com/probedb/probedb/core/storage/page"
)

// LSN is the global, monotonically increasing log sequence number.
type LSN uint64

const InvalidLSN LSN = 0

// LogRecordType defines the kind of operation a record describes.
type LogRecordType byte

const (
	LogRecordTypeUpdate LogRecordType = iota + 1
	LogRecordTypeNewPage
	LogRecordTypeFreePage
	LogRecordTypeCheckpoint
)

// LogRecord is a single entry in the write-ahead log.
type LogRecord struct {
	LSN     LSN
	PrevLSN LSN // previous record of the same transaction, for undo chains
	TxnID   uint64
	Type    LogRecordType
	PageID  page.PageID
	Data    []byte
}

// record framing: u32 payload length | payload | u32 crc32(payload)
const (
	recordHeaderSize  = 29 // LSN(8) + PrevLSN(8) + TxnID(8) + Type(1) + PageID(4)
	recordFramingSize = 8  // length prefix + trailing checksum
)

func encodeRecord(buf *bytes.Buffer, r *LogRecord) {
	payloadLen := recordHeaderSize + len(r.Data)
	var scratch [recordHeaderSize]byte
	binary.LittleEndian.PutUint64(scratch[0:8], uint64(r.LSN))
	binary.LittleEndian.PutUint64(scratch[8:16], uint64(r.PrevLSN))
	binary.LittleEndian.PutUint64(scratch[16:24], r.TxnID)
	scratch[24] = byte(r.Type)
	binary.LittleEndian.PutUint32(scratch[25:29], uint32(r.PageID))

	var lenPrefix [4]byte
	binary.LittleEndian.PutUint32(lenPrefix[:], uint32(payloadLen))
	buf.Write(lenPrefix[:])
	buf.Write(scratch[:])
	buf.Write(r.Data)

	crc := crc32.NewIEEE()
	crc.Write(scratch[:])
	crc.Write(r.Data)
	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], crc.Sum32())
	buf.Write(sum[:])
}

// DecodeLogRecord parses one framed payload (without the length prefix and
// checksum, which the Reader strips and verifies).
func DecodeLogRecord(payload []byte) (*LogRecord, error) {
	if len(payload) < recordHeaderSize {
		return nil, fmt.Errorf("%w: truncated log record (%d bytes)", disk.ErrDeserialization, len(payload))
	}
	r := &LogRecord{
		LSN:     LSN(binary.LittleEndian.Uint64(payload[0:8])),
		PrevLSN: LSN(binary.LittleEndian.Uint64(payload[8:16])),
		TxnID:   binary.LittleEndian.Uint64(payload[16:24]),
		Type:    LogRecordType(payload[24]),
		PageID:  page.PageID(binary.LittleEndian.Uint32(payload[25:29])),
	}
	if len(payload) > recordHeaderSize {
		r.Data = append([]byte(nil), payload[recordHeaderSize:]...)
	}
	return r, nil
}

// LogManager appends records to segment files under one directory. Records
// accumulate in an in-memory buffer flushed when it fills, on Sync, and on
// Close; a flush that would push the active segment past its size limit
// rotates to a new segment first. The buffer pool holds a LogManager reference but
// never invokes it; durability orchestration lives with the caller.
type LogManager struct {
	logDir           string
	logFile          *os.File
	currentSegmentID uint64
	currentOffset    int64
	nextLSN          LSN
	buffer           *bytes.Buffer
	bufferSize       int
	segmentSizeLimit int64
	mu               sync.Mutex
	log              *zap.Logger
}

// NewLogManager opens (or creates) the log directory, recovers the next LSN
// from any existing segments, and resumes appending to the newest one.
func NewLogManager(logDir string, bufferSize int, segmentSizeLimit int64, log *zap.Logger) (*LogManager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if bufferSize <= 0 {
		return nil, fmt.Errorf("%w: log buffer size must be positive", disk.ErrLogFileError)
	}
	if segmentSizeLimit < int64(bufferSize) {
		return nil, fmt.Errorf("%w: segment size limit (%d) below buffer size (%d)", disk.ErrLogFileError, segmentSizeLimit, bufferSize)
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating log directory %s: %v", disk.ErrLogFileError, logDir, err)
	}

	lm := &LogManager{
		logDir:           logDir,
		buffer:           bytes.NewBuffer(make([]byte, 0, bufferSize)),
		bufferSize:       bufferSize,
		segmentSizeLimit: segmentSizeLimit,
		nextLSN:          1,
		currentSegmentID: 1,
		log:              log,
	}
	if err := lm.recover(); err != nil {
		return nil, err
	}
	log.Info("log manager initialized",
		zap.String("dir", logDir),
		zap.Uint64("segment", lm.currentSegmentID),
		zap.Uint64("next_lsn", uint64(lm.nextLSN)))
	return lm, nil
}

func segmentFileName(id uint64) string {
	return fmt.Sprintf("wal-%020d.log", id)
}

func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading log directory %s: %v", disk.ErrLogFileError, dir, err)
	}
	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "wal-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		id, parseErr := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "wal-"), ".log"), 10, 64)
		if parseErr != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// recover scans existing segments to find the highest LSN, then opens the
// newest segment for appending. Must be called before any Append.
func (lm *LogManager) recover() error {
	ids, err := listSegments(lm.logDir)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		reader, err := NewReader(lm.logDir)
		if err != nil {
			return err
		}
		for {
			r, err := reader.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				reader.Close()
				return err
			}
			if r.LSN >= lm.nextLSN {
				lm.nextLSN = r.LSN + 1
			}
		}
		reader.Close()
		lm.currentSegmentID = ids[len(ids)-1]
	}

	path := filepath.Join(lm.logDir, segmentFileName(lm.currentSegmentID))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("%w: opening segment %s: %v", disk.ErrLogFileError, path, err)
	}
	fi, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("%w: stating segment %s: %v", disk.ErrLogFileError, path, err)
	}
	lm.logFile = file
	lm.currentOffset = fi.Size()
	return nil
}

// AppendRecord assigns the record its LSN and stages it in the log buffer.
// The buffer drains to the current segment when it fills.
func (lm *LogManager) AppendRecord(r *LogRecord) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.logFile == nil {
		return InvalidLSN, fmt.Errorf("%w: log manager closed", disk.ErrLogFileError)
	}
	encodedSize := recordHeaderSize + len(r.Data) + recordFramingSize
	if encodedSize > lm.bufferSize {
		return InvalidLSN, fmt.Errorf("%w: record of %d bytes exceeds buffer of %d", disk.ErrLogRecordTooLarge, encodedSize, lm.bufferSize)
	}
	if lm.buffer.Len()+encodedSize > lm.bufferSize {
		if err := lm.flushBufferLocked(); err != nil {
			return InvalidLSN, err
		}
	}
	r.LSN = lm.nextLSN
	lm.nextLSN++
	encodeRecord(lm.buffer, r)
	return r.LSN, nil
}

// flushBufferLocked drains the buffer to the active segment, rotating first
// when the segment would exceed its size limit.
func (lm *LogManager) flushBufferLocked() error {
	if lm.buffer.Len() == 0 {
		return nil
	}
	if lm.currentOffset+int64(lm.buffer.Len()) > lm.segmentSizeLimit && lm.currentOffset > 0 {
		if err := lm.rotateSegmentLocked(); err != nil {
			return err
		}
	}
	n, err := lm.logFile.Write(lm.buffer.Bytes())
	if err != nil {
		return fmt.Errorf("%w: writing log buffer: %v", disk.ErrLogFileError, err)
	}
	lm.currentOffset += int64(n)
	lm.buffer.Reset()
	return nil
}

func (lm *LogManager) rotateSegmentLocked() error {
	if err := lm.logFile.Sync(); err != nil {
		return fmt.Errorf("%w: syncing segment before rotation: %v", disk.ErrLogFileError, err)
	}
	if err := lm.logFile.Close(); err != nil {
		return fmt.Errorf("%w: closing segment: %v", disk.ErrLogFileError, err)
	}
	lm.currentSegmentID++
	path := filepath.Join(lm.logDir, segmentFileName(lm.currentSegmentID))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("%w: creating segment %s: %v", disk.ErrLogFileError, path, err)
	}
	lm.logFile = file
	lm.currentOffset = 0
	lm.log.Debug("rotated log segment", zap.Uint64("segment", lm.currentSegmentID))
	return nil
}

// Sync drains the buffer and fsyncs the active segment.
func (lm *LogManager) Sync() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.logFile == nil {
		return nil
	}
	if err := lm.flushBufferLocked(); err != nil {
		return err
	}
	if err := lm.logFile.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", disk.ErrLogFileError, err)
	}
	return nil
}

// CurrentLSN returns the next LSN to be assigned minus one, i.e. the LSN of
// the most recently appended record.
func (lm *LogManager) CurrentLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.nextLSN - 1
}

// Close drains and syncs the log, then closes the active segment.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.logFile == nil {
		return nil
	}
	var errs error
	errs = multierr.Append(errs, lm.flushBufferLocked())
	errs = multierr.Append(errs, lm.logFile.Sync())
	errs = multierr.Append(errs, lm.logFile.Close())
	lm.logFile = nil
	return errs
}

// Reader replays every record across all segments of a log directory in LSN
// order. It reads a point-in-time snapshot of the files on disk; callers
// Sync the manager first when they need the latest records visible.
type Reader struct {
	dir      string
	segments []uint64
	segIdx   int
	br       *bytes.Reader
}

// NewReader opens a reader positioned before the first record.
func NewReader(dir string) (*Reader, error) {
	ids, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	return &Reader{dir: dir, segments: ids}, nil
}

// Next returns the next record, or io.EOF after the last one. A corrupt
// frame surfaces as ErrChecksumMismatch.
func (r *Reader) Next() (*LogRecord, error) {
	for {
		if r.br == nil {
			if r.segIdx >= len(r.segments) {
				return nil, io.EOF
			}
			path := filepath.Join(r.dir, segmentFileName(r.segments[r.segIdx]))
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("%w: reading segment %s: %v", disk.ErrLogFileError, path, err)
			}
			r.br = bytes.NewReader(data)
			r.segIdx++
		}
		var lenPrefix [4]byte
		if _, err := io.ReadFull(r.br, lenPrefix[:]); err != nil {
			// End of this segment; advance to the next.
			r.br = nil
			continue
		}
		payloadLen := binary.LittleEndian.Uint32(lenPrefix[:])
		frame := make([]byte, int(payloadLen)+4)
		if _, err := io.ReadFull(r.br, frame); err != nil {
			return nil, fmt.Errorf("%w: truncated log frame: %v", disk.ErrLogFileError, err)
		}
		payload := frame[:payloadLen]
		wantSum := binary.LittleEndian.Uint32(frame[payloadLen:])
		if crc32.ChecksumIEEE(payload) != wantSum {
			return nil, fmt.Errorf("%w: log record checksum", disk.ErrChecksumMismatch)
		}
		return DecodeLogRecord(payload)
	}
}

// Close releases the reader. Safe to call multiple times.
func (r *Reader) Close() error {
	r.br = nil
	r.segIdx = len(r.segments)
	return nil
}
