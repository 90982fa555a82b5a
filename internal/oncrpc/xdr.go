// Package oncrpc implements the subset of ONC RPC version 2 (RFC 5531) and
// XDR (RFC 4506) that statd needs: call decoding and reply encoding for the
// server side, TCP record marking, and a retransmitting UDP client.
package oncrpc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrShortBuffer reports XDR input that ends before a complete item.
	ErrShortBuffer = errors.New("xdr: short buffer")
	// ErrTooLong reports a variable-length item above its declared bound.
	ErrTooLong = errors.New("xdr: item exceeds maximum length")
)

// Encoder appends XDR items to a byte slice.
type Encoder struct {
	buf []byte
}

func (e *Encoder) Uint32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) Int32(v int32) { e.Uint32(uint32(v)) }

func (e *Encoder) Bool(v bool) {
	if v {
		e.Uint32(1)
	} else {
		e.Uint32(0)
	}
}

// FixedOpaque writes b padded to a four-byte boundary without a length.
func (e *Encoder) FixedOpaque(b []byte) {
	e.buf = append(e.buf, b...)
	if pad := padding(len(b)); pad > 0 {
		e.buf = append(e.buf, make([]byte, pad)...)
	}
}

// Opaque writes variable-length opaque data.
func (e *Encoder) Opaque(b []byte) {
	e.Uint32(uint32(len(b)))
	e.FixedOpaque(b)
}

func (e *Encoder) String(s string) { e.Opaque([]byte(s)) }

// Bytes returns the encoded buffer.
func (e *Encoder) Bytes() []byte { return e.buf }

// Decoder consumes XDR items from a byte slice.
type Decoder struct {
	buf []byte
	off int
}

func NewDecoder(b []byte) *Decoder { return &Decoder{buf: b} }

func (d *Decoder) Uint32() (uint32, error) {
	if len(d.buf)-d.off < 4 {
		return 0, ErrShortBuffer
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *Decoder) Int32() (int32, error) {
	v, err := d.Uint32()
	return int32(v), err
}

func (d *Decoder) Bool() (bool, error) {
	v, err := d.Uint32()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("xdr: invalid bool %d", v)
	}
}

// FixedOpaque reads n bytes plus padding.
func (d *Decoder) FixedOpaque(n int) ([]byte, error) {
	total := n + padding(n)
	if n < 0 || len(d.buf)-d.off < total {
		return nil, ErrShortBuffer
	}
	out := d.buf[d.off : d.off+n : d.off+n]
	d.off += total
	return out, nil
}

// Opaque reads variable-length opaque data of at most max bytes.
func (d *Decoder) Opaque(max int) ([]byte, error) {
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if int64(n) > int64(max) {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLong, n, max)
	}
	return d.FixedOpaque(int(n))
}

func (d *Decoder) String(max int) (string, error) {
	b, err := d.Opaque(max)
	return string(b), err
}

// Rest returns the undecoded remainder.
func (d *Decoder) Rest() []byte { return d.buf[d.off:] }

func padding(n int) int { return (4 - n%4) % 4 }
