package outbox

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/ilyrer/ImmoNow-sub004/domain"
)

// Segment frame: 4 bytes payload length, 4 bytes CRC32C, 8 bytes offset.
const frameHeaderSize = 16

const (
	segmentPattern = "segment-*.wal"
	checkpointFile = "checkpoint"
)

var (
	errWALClosed = errors.New("wal closed")
	crcTable     = crc32.MakeTable(crc32.Castagnoli)
)

type walConfig struct {
	dir          string
	segmentBytes int64
	syncEvery    int
	logger       *log.Logger
}

// walRecord is one durable event awaiting delivery. Attempt and LastErr
// survive restarts so redelivered records resume their backoff history.
type walRecord struct {
	Offset    uint64                `json:"offset"`
	Envelope  domain.ChangeEnvelope `json:"envelope"`
	Timestamp time.Time             `json:"timestamp"`
	Attempt   int                   `json:"attempt"`
	LastErr   string                `json:"lastErr,omitempty"`

	encodedSize int64
}

type walSegment struct {
	baseOffset uint64
	lastOffset uint64
	file       *os.File
	writer     *bufio.Writer
	size       int64
	path       string
}

// wal is an append-only event journal with offset-based acknowledgement.
// Records above the checkpoint are undelivered; openWAL returns them for
// requeueing. Callers hold mu across append/sync/rollback sequences.
type wal struct {
	cfg             walConfig
	mu              sync.Mutex
	segments        []*walSegment
	nextOffset      uint64
	committedOffset uint64
	pendingSync     int
	closed          bool
}

func openWAL(cfg walConfig) (*wal, []*walRecord, error) {
	if cfg.dir == "" {
		return nil, nil, fmt.Errorf("wal dir required")
	}
	if err := os.MkdirAll(cfg.dir, 0o755); err != nil {
		return nil, nil, err
	}

	w := &wal{cfg: cfg}
	checkpoint, err := w.readCheckpoint()
	if err != nil {
		return nil, nil, err
	}
	w.committedOffset = checkpoint
	w.nextOffset = checkpoint + 1

	paths, err := filepath.Glob(filepath.Join(cfg.dir, segmentPattern))
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(paths)

	var pending []*walRecord
	for _, path := range paths {
		seg, records, err := w.loadSegment(path)
		if err != nil {
			return nil, nil, err
		}
		if seg == nil {
			continue
		}
		w.segments = append(w.segments, seg)
		for _, rec := range records {
			if rec.Offset >= w.nextOffset {
				w.nextOffset = rec.Offset + 1
			}
			if rec.Offset > w.committedOffset {
				pending = append(pending, rec)
			}
		}
	}

	if len(w.segments) == 0 {
		if err := w.openSegmentLocked(); err != nil {
			return nil, nil, err
		}
	} else {
		last := w.segments[len(w.segments)-1]
		if _, err := last.file.Seek(last.size, io.SeekStart); err != nil {
			return nil, nil, err
		}
		last.writer = bufio.NewWriterSize(last.file, 64*1024)
	}

	return w, pending, nil
}

func (w *wal) readCheckpoint() (uint64, error) {
	data, err := os.ReadFile(filepath.Join(w.cfg.dir, checkpointFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return 0, nil
	}
	val, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid checkpoint: %w", err)
	}
	return val, nil
}

// loadSegment replays one segment file. A torn tail, a short payload or
// a CRC mismatch truncates the file at the last intact frame; everything
// before it is kept.
func (w *wal) loadSegment(path string) (*walSegment, []*walRecord, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	seg := &walSegment{path: path, file: f}
	reader := bufio.NewReaderSize(f, 64*1024)
	var records []*walRecord
	var pos int64
	for {
		start := pos
		hdr := make([]byte, frameHeaderSize)
		n, err := io.ReadFull(reader, hdr)
		pos += int64(n)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				if err := f.Truncate(start); err != nil {
					f.Close()
					return nil, nil, err
				}
				pos = start
				break
			}
			f.Close()
			return nil, nil, err
		}

		length := binary.LittleEndian.Uint32(hdr[0:4])
		crc := binary.LittleEndian.Uint32(hdr[4:8])
		frameOffset := binary.LittleEndian.Uint64(hdr[8:16])
		if length == 0 {
			continue
		}
		payload := make([]byte, length)
		n, err = io.ReadFull(reader, payload)
		pos += int64(n)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				if err := f.Truncate(start); err != nil {
					f.Close()
					return nil, nil, err
				}
				pos = start
				break
			}
			f.Close()
			return nil, nil, err
		}
		if crc32.Checksum(payload, crcTable) != crc {
			if err := f.Truncate(start); err != nil {
				f.Close()
				return nil, nil, err
			}
			pos = start
			break
		}

		var rec walRecord
		if err := sonic.ConfigStd.Unmarshal(payload, &rec); err != nil {
			f.Close()
			return nil, nil, err
		}
		if rec.Offset != frameOffset {
			f.Close()
			return nil, nil, fmt.Errorf("wal offset mismatch: frame=%d payload=%d", frameOffset, rec.Offset)
		}
		rec.encodedSize = frameHeaderSize + int64(length)
		if seg.baseOffset == 0 {
			seg.baseOffset = rec.Offset
		}
		seg.lastOffset = rec.Offset
		records = append(records, &rec)
	}

	seg.size = pos
	return seg, records, nil
}

func (w *wal) openSegmentLocked() error {
	if w.closed {
		return errWALClosed
	}
	path := filepath.Join(w.cfg.dir, fmt.Sprintf("segment-%020d.wal", w.nextOffset))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w.segments = append(w.segments, &walSegment{
		baseOffset: w.nextOffset,
		lastOffset: w.nextOffset - 1,
		file:       f,
		writer:     bufio.NewWriterSize(f, 64*1024),
		path:       path,
	})
	return nil
}

// appendLocked assigns the record its offset and writes the frame. The
// write is flushed to the OS but not fsynced; pair with syncNowLocked
// or syncBatchedLocked before reporting success.
func (w *wal) appendLocked(rec *walRecord) error {
	if w.closed {
		return errWALClosed
	}
	if len(w.segments) == 0 {
		if err := w.openSegmentLocked(); err != nil {
			return err
		}
	}
	current := w.segments[len(w.segments)-1]
	if current.size >= w.cfg.segmentBytes {
		if err := current.writer.Flush(); err != nil {
			return err
		}
		if err := current.file.Sync(); err != nil {
			return err
		}
		current.writer = nil
		if err := current.file.Close(); err != nil {
			return err
		}
		if err := w.openSegmentLocked(); err != nil {
			return err
		}
		current = w.segments[len(w.segments)-1]
	}

	rec.Offset = w.nextOffset
	w.nextOffset++

	payload, err := sonic.ConfigStd.Marshal(rec)
	if err != nil {
		return err
	}
	frame := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.Checksum(payload, crcTable))
	binary.LittleEndian.PutUint64(frame[8:16], rec.Offset)

	if _, err := current.writer.Write(frame); err != nil {
		return err
	}
	if _, err := current.writer.Write(payload); err != nil {
		return err
	}
	if err := current.writer.Flush(); err != nil {
		return err
	}

	rec.encodedSize = int64(len(frame) + len(payload))
	current.size += rec.encodedSize
	current.lastOffset = rec.Offset
	w.pendingSync++
	return nil
}

// rollbackLocked undoes the most recent append, for when the record was
// written but could not be handed to a worker.
func (w *wal) rollbackLocked(rec *walRecord) error {
	if len(w.segments) == 0 {
		return nil
	}
	current := w.segments[len(w.segments)-1]
	if rec.Offset != current.lastOffset {
		return fmt.Errorf("rollback mismatch: offset=%d last=%d", rec.Offset, current.lastOffset)
	}
	if current.size < rec.encodedSize {
		return fmt.Errorf("rollback underflow")
	}
	current.size -= rec.encodedSize
	if err := current.file.Truncate(current.size); err != nil {
		return err
	}
	if _, err := current.file.Seek(current.size, io.SeekStart); err != nil {
		return err
	}
	current.writer = bufio.NewWriterSize(current.file, 64*1024)
	w.nextOffset = rec.Offset
	current.lastOffset--
	return nil
}

// syncBatchedLocked fsyncs once enough appends accumulated; below the
// threshold it leaves durability to the interval sync loop.
func (w *wal) syncBatchedLocked() error {
	if w.cfg.syncEvery <= 1 || w.pendingSync >= w.cfg.syncEvery {
		return w.syncNowLocked()
	}
	return nil
}

func (w *wal) syncNowLocked() error {
	if w.closed {
		return errWALClosed
	}
	if len(w.segments) == 0 {
		return nil
	}
	current := w.segments[len(w.segments)-1]
	if current.writer != nil {
		if err := current.writer.Flush(); err != nil {
			return err
		}
	}
	if err := current.file.Sync(); err != nil {
		return err
	}
	w.pendingSync = 0
	return nil
}

// commitLocked advances the checkpoint and drops segments that hold only
// acknowledged records. The checkpoint write is atomic via rename.
func (w *wal) commitLocked(offset uint64) error {
	if offset <= w.committedOffset {
		return nil
	}
	w.committedOffset = offset
	path := filepath.Join(w.cfg.dir, checkpointFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(offset, 10)), 0o644); err != nil {
		return err
	}
	if err := fsyncPath(tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	if err := fsyncPath(w.cfg.dir); err != nil {
		return err
	}
	w.pruneLocked()
	return nil
}

func (w *wal) pruneLocked() {
	for len(w.segments) > 1 {
		seg := w.segments[0]
		if seg.lastOffset > w.committedOffset {
			break
		}
		if seg.writer != nil {
			seg.writer.Flush()
		}
		seg.file.Close()
		if err := os.Remove(seg.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			if w.cfg.logger != nil {
				w.cfg.logger.WithError(err).Warnf("failed to remove wal segment %s", seg.path)
			}
			break
		}
		w.segments = w.segments[1:]
	}
}

func (w *wal) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	for _, seg := range w.segments {
		if seg.writer != nil {
			seg.writer.Flush()
		}
		seg.file.Close()
	}
	return nil
}

func fsyncPath(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
