package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/TheusHen/alicecrypto/alicecrypto/protocol"
)

// LogStore appends records to a single file. Each record is a JSON object
// compressed into its own LZ4 frame and written as a length-prefixed frame,
// so a torn write only ever loses the last record.
type LogStore struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	w      io.Writer
	lastID int64
}

// OpenLog opens (creating if needed) the log at path for appending. A
// truncated trailing frame left by a crash is cut off, so only the single
// writing process may call it. Readers use OpenLogReader.
func OpenLog(path string) (*LogStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	var (
		count int64
		good  int64
	)
	br := bufio.NewReader(f)
	for {
		payload, err := protocol.ReadFrame(br)
		if err == io.EOF {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			logrus.WithFields(logrus.Fields{
				"function": "OpenLog",
				"path":     path,
				"offset":   good,
			}).Warn("Truncating torn record at end of message log")
			if err := f.Truncate(good); err != nil {
				f.Close()
				return nil, err
			}
			break
		}
		if err != nil {
			f.Close()
			return nil, err
		}
		good += int64(4 + len(payload))
		count++
	}
	if _, err := f.Seek(good, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}

	return &LogStore{path: path, f: f, w: f, lastID: count}, nil
}

func (s *LogStore) Append(_ context.Context, rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return Record{}, ErrClosed
	}

	rec = stamp(rec)
	rec.ID = s.lastID + 1

	body, err := json.Marshal(rec)
	if err != nil {
		return Record{}, err
	}
	packed, err := compress(body)
	if err != nil {
		return Record{}, err
	}

	offset, err := s.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return Record{}, err
	}
	if err := protocol.WriteFrame(s.w, packed); err != nil {
		return Record{}, s.rollback(offset, err)
	}
	if err := s.f.Sync(); err != nil {
		return Record{}, s.rollback(offset, err)
	}

	s.lastID = rec.ID
	return rec, nil
}

// rollback cuts a partially written frame so the next append starts on a
// frame boundary.
func (s *LogStore) rollback(offset int64, cause error) error {
	if err := s.f.Truncate(offset); err != nil {
		return fmt.Errorf("%w (rollback: %v)", cause, err)
	}
	if _, err := s.f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("%w (rollback: %v)", cause, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "rollback",
		"path":     s.path,
		"offset":   offset,
		"error":    cause,
	}).Warn("Discarded partially written record")
	return cause
}

func (s *LogStore) List(ctx context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil, ErrClosed
	}
	return readLog(ctx, s.path, limit)
}

// readLog decodes every complete frame in the file at path. A trailing
// partial frame is an append in progress and is skipped.
func readLog(ctx context.Context, path string, limit int) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	br := bufio.NewReader(f)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		packed, err := protocol.ReadFrame(br)
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		body, err := decompress(packed)
		if err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal(body, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
		if limit > 0 && len(out) > limit {
			out = out[1:]
		}
	}
	return out, nil
}

func (s *LogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	s.w = nil
	return err
}

// LogReader lists a log that another process may be appending to. It never
// modifies the file.
type LogReader struct {
	path string
}

// OpenLogReader checks that path exists and is readable.
func OpenLogReader(path string) (*LogReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	f.Close()
	return &LogReader{path: path}, nil
}

func (r *LogReader) Append(context.Context, Record) (Record, error) {
	return Record{}, ErrReadOnly
}

func (r *LogReader) List(ctx context.Context, limit int) ([]Record, error) {
	return readLog(ctx, r.path, limit)
}

func (r *LogReader) Close() error { return nil }
