// Package framelog records raw capture payloads to disk so a session can be
// replayed or inspected later.
//
// File layout: the 8-byte magic "TALLYLOG", then records of
//
//	[8]byte little-endian unix nanoseconds
//	[4]byte little-endian payload length
//	payload (a CBOR frame message)
package framelog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	Magic      = "TALLYLOG"
	headerSize = 12
)

var ErrClosed = errors.New("frame log closed")

type Writer struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
	now  func() time.Time
}

// Create opens a new log file <dir>/<timestamp>_<prefix>.bin.
func Create(dir, prefix string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	timestamp := time.Now().Format("20060102_150405")
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.bin", timestamp, prefix))
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 1<<20)
	if _, err := w.WriteString(Magic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{path: path, f: f, w: w, now: time.Now}, nil
}

func (w *Writer) Path() string {
	return w.path
}

// Record appends one payload. Each record is flushed so a crash loses at
// most the record being written.
func (w *Writer) Record(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return ErrClosed
	}
	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(w.now().UnixNano()))
	binary.LittleEndian.PutUint32(header[8:], uint32(len(payload)))
	if _, err := w.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(payload); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return nil
	}
	err := w.w.Flush()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.w = nil
	return err
}
