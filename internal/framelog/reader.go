package framelog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

var ErrBadMagic = errors.New("not a frame log")

// maxRecord guards against reading a corrupt length as a huge allocation.
const maxRecord = 64 << 20

type Record struct {
	At      time.Time
	Payload []byte
}

type Reader struct {
	r *bufio.Reader
}

// NewReader checks the magic and positions r at the first record.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(r, 1<<20)
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != Magic {
		return nil, fmt.Errorf("%w: magic %q", ErrBadMagic, magic)
	}
	return &Reader{r: br}, nil
}

// Next returns the next record, or io.EOF after the last complete one. A
// truncated trailing record is reported as io.ErrUnexpectedEOF.
func (r *Reader) Next() (Record, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		return Record{}, err
	}
	ts := int64(binary.LittleEndian.Uint64(header[:8]))
	size := binary.LittleEndian.Uint32(header[8:])
	if size > maxRecord {
		return Record{}, fmt.Errorf("record of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Record{}, err
	}
	return Record{At: time.Unix(0, ts), Payload: payload}, nil
}
