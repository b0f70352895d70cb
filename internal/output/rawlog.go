// Package output persists detection results: a binary log of per-frame records and a
// per-session summary table.
package output

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"detect-stream-go/internal/types"
)

// RawLogMagic starts every detection log. Records follow as
// [8 byte LE unix nanos][4 byte LE length][CBOR DetectionRecord].
const RawLogMagic = "DETRAW01"

var ErrBadMagic = errors.New("not a detection log")

type RawLogWriter struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
}

func NewRawLogWriter(outputDir string, prefix string) (*RawLogWriter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create log dir")
	}
	timestamp := time.Now().Format("20060102_150405")
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.bin", timestamp, prefix))
	f, err := os.Create(filename)
	if err != nil {
		return nil, errors.Wrap(err, "create detection log")
	}
	w := bufio.NewWriterSize(f, 64*1024)
	if _, err := w.WriteString(RawLogMagic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &RawLogWriter{path: filename, f: f, w: w}, nil
}

func (r *RawLogWriter) Path() string {
	return r.path
}

// Record appends one detection record.
func (r *RawLogWriter) Record(rec types.DetectionRecord) error {
	payload, err := cbor.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode detection record")
	}
	return r.write(payload)
}

func (r *RawLogWriter) write(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return errors.New("raw log writer is closed")
	}
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := r.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := r.w.Write(payload); err != nil {
		return err
	}
	return r.w.Flush()
}

func (r *RawLogWriter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	if err := r.w.Flush(); err != nil {
		_ = r.f.Close()
		r.w = nil
		return err
	}
	err := r.f.Close()
	r.w = nil
	return err
}

// RawEntry is one framed record as read back from a log.
type RawEntry struct {
	Written time.Time
	Payload []byte
}

// Decode unpacks the entry into a DetectionRecord.
func (e RawEntry) Decode() (types.DetectionRecord, error) {
	var rec types.DetectionRecord
	err := cbor.Unmarshal(e.Payload, &rec)
	return rec, err
}

// RawLogReader walks a detection log written by RawLogWriter.
type RawLogReader struct {
	r io.Reader
}

// NewRawLogReader checks the magic and returns a reader positioned at the first record.
func NewRawLogReader(r io.Reader) (*RawLogReader, error) {
	header := make([]byte, len(RawLogMagic))
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "read magic")
	}
	if string(header) != RawLogMagic {
		return nil, errors.Wrapf(ErrBadMagic, "magic %q", string(header))
	}
	return &RawLogReader{r: r}, nil
}

// Next returns io.EOF after the last complete record. A truncated tail also ends the log.
func (l *RawLogReader) Next() (RawEntry, error) {
	var meta [12]byte
	if _, err := io.ReadFull(l.r, meta[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return RawEntry{}, io.EOF
		}
		return RawEntry{}, err
	}
	ts := int64(binary.LittleEndian.Uint64(meta[:8]))
	size := binary.LittleEndian.Uint32(meta[8:12])
	payload := make([]byte, size)
	if _, err := io.ReadFull(l.r, payload); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return RawEntry{}, io.EOF
		}
		return RawEntry{}, errors.Wrap(err, "read payload")
	}
	return RawEntry{Written: time.Unix(0, ts), Payload: payload}, nil
}
