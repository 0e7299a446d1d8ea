// Package wire implements the deterministic, length-prefixed binary
// encoding used for every value stored in the cluster's KV maps and every
// message carried on a pub/sub channel (spec §6), and for the
// length-prefixed persisted-record file format used by the recorder.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameLen is the largest payload a length-prefixed frame may carry.
// Readers must reject anything larger — it is almost certainly a
// corrupted or foreign stream rather than a legitimate record.
const MaxFrameLen = 65500

var ErrFrameTooLarge = errors.New("wire: frame exceeds MaxFrameLen")

// WriteFrame writes a 4-byte big-endian length prefix followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameLen {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame, rejecting lengths beyond
// MaxFrameLen without attempting to read the (likely bogus) payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameLen {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return buf, nil
}

// Encoder appends fields to an internal byte buffer in a fixed, documented
// order — "self-describing" in the sense that each variable-length field
// is itself length-prefixed, so a Decoder never has to guess a boundary.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder { return &Encoder{buf: make([]byte, 0, 64)} }

func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) PutUint8(v uint8) *Encoder {
	e.buf = append(e.buf, v)
	return e
}

func (e *Encoder) PutBool(v bool) *Encoder {
	if v {
		return e.PutUint8(1)
	}
	return e.PutUint8(0)
}

func (e *Encoder) PutUint16(v uint16) *Encoder {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

func (e *Encoder) PutUint32(v uint32) *Encoder {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

func (e *Encoder) PutUint64(v uint64) *Encoder {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

func (e *Encoder) PutInt8(v int8) *Encoder { return e.PutUint8(uint8(v)) }

// PutString writes a uint16 length prefix followed by the UTF-8 bytes.
func (e *Encoder) PutString(s string) *Encoder {
	e.PutUint16(uint16(len(s)))
	e.buf = append(e.buf, s...)
	return e
}

// PutBytes writes a uint32 length prefix followed by raw bytes.
func (e *Encoder) PutBytes(b []byte) *Encoder {
	e.PutUint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
	return e
}

// Decoder reads fields back off a byte slice in the same order an Encoder
// wrote them. All Get* methods advance the internal cursor and return
// io.ErrUnexpectedEOF if the buffer is exhausted.
type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(b []byte) *Decoder { return &Decoder{buf: b} }

func (d *Decoder) need(n int) error {
	if d.pos+n > len(d.buf) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (d *Decoder) GetUint8() (uint8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

func (d *Decoder) GetBool() (bool, error) {
	v, err := d.GetUint8()
	return v != 0, err
}

func (d *Decoder) GetInt8() (int8, error) {
	v, err := d.GetUint8()
	return int8(v), err
}

func (d *Decoder) GetUint16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *Decoder) GetUint32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *Decoder) GetUint64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *Decoder) GetString() (string, error) {
	n, err := d.GetUint16()
	if err != nil {
		return "", err
	}
	if err := d.need(int(n)); err != nil {
		return "", err
	}
	s := string(d.buf[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return s, nil
}

func (d *Decoder) GetBytes() ([]byte, error) {
	n, err := d.GetUint32()
	if err != nil {
		return nil, err
	}
	if err := d.need(int(n)); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, d.buf[d.pos:d.pos+int(n)])
	d.pos += int(n)
	return b, nil
}

// Done reports whether the whole buffer has been consumed.
func (d *Decoder) Done() bool { return d.pos == len(d.buf) }
