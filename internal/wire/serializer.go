package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrUnderflow is returned by Reader's Get* methods when the bounded
// buffer doesn't hold enough bytes to satisfy the request. A message
// that underflows is malformed and fails the whole message, not just
// the field being decoded.
var ErrUnderflow = errors.New("wire: payload underflow")

// ErrOverflow is returned by Writer's Put* methods when appending
// would exceed the writer's configured capacity.
var ErrOverflow = errors.New("wire: payload overflow")

// Writer is a bounded, self-describing payload serializer. It backs
// SELECT_IMAGE and GET_SERVERS payloads; GET_BLOCK payloads are raw
// bytes and don't go through it.
type Writer struct {
	buf []byte
	cap int
}

// NewWriter returns a Writer that will refuse to grow past capacity
// bytes.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity), cap: capacity}
}

// Bytes returns the serialized payload built so far.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) reserve(n int) error {
	if len(w.buf)+n > w.cap {
		return ErrOverflow
	}
	return nil
}

// PutUint8 appends a single byte.
func (w *Writer) PutUint8(v uint8) error {
	if err := w.reserve(1); err != nil {
		return err
	}
	w.buf = append(w.buf, v)
	return nil
}

// PutUint16 appends a little-endian uint16.
func (w *Writer) PutUint16(v uint16) error {
	if err := w.reserve(2); err != nil {
		return err
	}
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
	return nil
}

// PutUint32 appends a little-endian uint32.
func (w *Writer) PutUint32(v uint32) error {
	if err := w.reserve(4); err != nil {
		return err
	}
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
	return nil
}

// PutUint64 appends a little-endian uint64.
func (w *Writer) PutUint64(v uint64) error {
	if err := w.reserve(8); err != nil {
		return err
	}
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
	return nil
}

// PutBytes appends a u32 length prefix followed by b.
func (w *Writer) PutBytes(b []byte) error {
	if err := w.reserve(4 + len(b)); err != nil {
		return err
	}
	if err := w.PutUint32(uint32(len(b))); err != nil {
		return err
	}
	w.buf = append(w.buf, b...)
	return nil
}

// PutString appends a length-prefixed UTF-8 string.
func (w *Writer) PutString(s string) error {
	return w.PutBytes([]byte(s))
}

// Reader decodes a payload written by Writer. A read cursor tracks
// remaining bytes and every Get* fails the whole message on
// underflow rather than returning a truncated value.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential typed reads.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining reports how many bytes are left to read.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return ErrUnderflow
	}
	return nil
}

// GetUint8 reads a single byte.
func (r *Reader) GetUint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

// GetUint16 reads a little-endian uint16.
func (r *Reader) GetUint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// GetUint32 reads a little-endian uint32.
func (r *Reader) GetUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// GetUint64 reads a little-endian uint64.
func (r *Reader) GetUint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// GetBytes reads a u32 length prefix followed by that many bytes. The
// returned slice aliases the reader's backing array; callers that
// retain it beyond the message's lifetime must copy.
func (r *Reader) GetBytes() ([]byte, error) {
	n, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

// GetString reads a length-prefixed UTF-8 string.
func (r *Reader) GetString() (string, error) {
	b, err := r.GetBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
