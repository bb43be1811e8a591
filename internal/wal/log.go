package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Log is the append-only WAL file. Appends are serialized; a record's LSN is
// assigned under the same lock that writes it, so the on-disk order and the
// LSN order always agree.
type Log struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *bufio.Writer
	nextLSN  LSN
	flushed  LSN // highest LSN known durable
	appended LSN // highest LSN written to the buffer
}

// Open opens (or creates) the log at path. An incomplete record at the tail,
// left by a crash mid-append, is truncated away; everything before it is kept.
func Open(path string) (*Log, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}

	validEnd, lastLSN, err := scanTail(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	if err := file.Truncate(validEnd); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: truncate torn tail: %v", ErrIO, err)
	}
	if _, err := file.Seek(validEnd, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: seek: %v", ErrIO, err)
	}

	return &Log{
		path:     path,
		file:     file,
		writer:   bufio.NewWriter(file),
		nextLSN:  lastLSN + 1,
		flushed:  lastLSN,
		appended: lastLSN,
	}, nil
}

// scanTail walks the frames of an open log file and returns the offset just
// past the last intact record along with its LSN.
func scanTail(file *os.File) (int64, LSN, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return 0, 0, fmt.Errorf("%w: seek: %v", ErrIO, err)
	}

	var (
		offset  int64
		lastLSN LSN
		reader  = bufio.NewReader(file)
		lenBuf  [4]byte
	)
	for {
		if _, err := io.ReadFull(reader, lenBuf[:]); err != nil {
			// Clean EOF or a torn length prefix both end the valid region.
			break
		}
		frameLen := binary.BigEndian.Uint32(lenBuf[:])
		payload := make([]byte, frameLen)
		if _, err := io.ReadFull(reader, payload); err != nil {
			break
		}
		rec, err := Decode(payload)
		if err != nil {
			break
		}
		offset += 4 + int64(frameLen)
		lastLSN = rec.LSN
	}
	return offset, lastLSN, nil
}

// Append assigns the next LSN to rec and writes it to the log buffer. The
// record is not durable until Flush returns.
func (l *Log) Append(rec *Record) (LSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return 0, fmt.Errorf("%w: log is closed", ErrIO)
	}

	rec.LSN = l.nextLSN
	payload := rec.Encode()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := l.writer.Write(lenBuf[:]); err != nil {
		return 0, fmt.Errorf("%w: append: %v", ErrIO, err)
	}
	if _, err := l.writer.Write(payload); err != nil {
		return 0, fmt.Errorf("%w: append: %v", ErrIO, err)
	}

	l.nextLSN++
	l.appended = rec.LSN
	return rec.LSN, nil
}

// Flush makes every appended record up to lsn durable. Commit must not be
// acknowledged before Flush of the Commit record's LSN returns.
func (l *Log) Flush(lsn LSN) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked(lsn)
}

func (l *Log) flushLocked(lsn LSN) error {
	if l.file == nil {
		return fmt.Errorf("%w: log is closed", ErrIO)
	}
	if lsn <= l.flushed {
		return nil
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("%w: flush: %v", ErrIO, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrIO, err)
	}
	l.flushed = l.appended
	return nil
}

// ReadAll returns every intact record in LSN order. A corrupt or torn record
// ends the scan; records before it are still returned.
func (l *Log) ReadAll() ([]*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(l.appended); err != nil {
		return nil, err
	}
	return readFile(l.path)
}

func readFile(path string) ([]*Record, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}
	defer file.Close()

	var (
		records []*Record
		reader  = bufio.NewReader(file)
		lenBuf  [4]byte
	)
	for {
		if _, err := io.ReadFull(reader, lenBuf[:]); err != nil {
			break
		}
		payload := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
		if _, err := io.ReadFull(reader, payload); err != nil {
			break
		}
		rec, err := Decode(payload)
		if err != nil {
			break
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReadFile parses a standalone record file (a snapshot, or a log that is not
// open) and returns its intact records in order. A missing file yields nil.
func ReadFile(path string) ([]*Record, error) {
	return readFile(path)
}

// WriteFile writes records to path in log frame format, atomically via a
// temp file and rename. Snapshots written this way replay with the same code
// path as the log itself.
func WriteFile(path string, records []*Record) error {
	tmpPath := path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrIO, path, err)
	}
	writer := bufio.NewWriter(file)

	for _, rec := range records {
		payload := rec.Encode()
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
		if _, err := writer.Write(lenBuf[:]); err != nil {
			file.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("%w: write %s: %v", ErrIO, path, err)
		}
		if _, err := writer.Write(payload); err != nil {
			file.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("%w: write %s: %v", ErrIO, path, err)
		}
	}

	if err := writer.Flush(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: write %s: %v", ErrIO, path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: write %s: %v", ErrIO, path, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: write %s: %v", ErrIO, path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: write %s: %v", ErrIO, path, err)
	}
	return nil
}

// Replay feeds every intact record to apply in LSN order and returns the
// highest LSN seen. Callers are responsible for making apply idempotent.
func (l *Log) Replay(apply func(*Record) error) (LSN, error) {
	records, err := l.ReadAll()
	if err != nil {
		return 0, err
	}
	var last LSN
	for _, rec := range records {
		if err := apply(rec); err != nil {
			return last, err
		}
		last = rec.LSN
	}
	return last, nil
}

// Checkpoint drops every record with an LSN below keepFrom and appends a
// checkpoint marker. keepFrom must not exceed the start LSN of the oldest
// active transaction, which is the caller's invariant to uphold.
func (l *Log) Checkpoint(keepFrom LSN) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("%w: log is closed", ErrIO)
	}
	if err := l.flushLocked(l.appended); err != nil {
		return err
	}

	records, err := readFile(l.path)
	if err != nil {
		return err
	}

	tmpPath := l.path + ".ckpt"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: checkpoint: %v", ErrIO, err)
	}
	writer := bufio.NewWriter(tmp)

	writeFrame := func(rec *Record) error {
		payload := rec.Encode()
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
		if _, err := writer.Write(lenBuf[:]); err != nil {
			return err
		}
		_, err := writer.Write(payload)
		return err
	}

	for _, rec := range records {
		if rec.LSN < keepFrom {
			continue
		}
		if err := writeFrame(rec); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("%w: checkpoint: %v", ErrIO, err)
		}
	}
	marker := &Record{LSN: l.nextLSN, Kind: KindCheckpoint}
	if err := writeFrame(marker); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: checkpoint: %v", ErrIO, err)
	}

	if err := writer.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: checkpoint: %v", ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: checkpoint: %v", ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: checkpoint: %v", ErrIO, err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: checkpoint: %v", ErrIO, err)
	}

	l.file.Close()
	file, err := os.OpenFile(l.path, os.O_RDWR, 0o644)
	if err != nil {
		l.file = nil
		return fmt.Errorf("%w: reopen after checkpoint: %v", ErrIO, err)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		l.file = nil
		return fmt.Errorf("%w: seek after checkpoint: %v", ErrIO, err)
	}

	l.file = file
	l.writer = bufio.NewWriter(file)
	l.nextLSN = marker.LSN + 1
	l.appended = marker.LSN
	l.flushed = marker.LSN
	return nil
}

// LastLSN returns the highest LSN appended so far.
func (l *Log) LastLSN() LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appended
}

// Close flushes and closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.flushLocked(l.appended); err != nil {
		l.file.Close()
		l.file = nil
		return err
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("%w: close: %v", ErrIO, err)
	}
	return nil
}
