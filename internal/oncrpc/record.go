package oncrpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const lastFragment = 1 << 31

// MaxRecordSize bounds a reassembled TCP record.
const MaxRecordSize = 64 * 1024

// ErrRecordTooLarge reports a record above the reassembly limit.
var ErrRecordTooLarge = errors.New("rpc: record too large")

// ReadRecord reads one record-marked message, joining its fragments.
func ReadRecord(r io.Reader, max int) ([]byte, error) {
	var record []byte
	var header [4]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if len(record) > 0 && errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		mark := binary.BigEndian.Uint32(header[:])
		size := int(mark &^ lastFragment)
		if len(record)+size > max {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrRecordTooLarge, max)
		}
		start := len(record)
		record = append(record, make([]byte, size)...)
		if _, err := io.ReadFull(r, record[start:]); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if mark&lastFragment != 0 {
			return record, nil
		}
	}
}

// WriteRecord writes msg as a single last fragment.
func WriteRecord(w io.Writer, msg []byte) error {
	if uint64(len(msg)) >= lastFragment {
		return ErrRecordTooLarge
	}
	frame := make([]byte, 4, 4+len(msg))
	binary.BigEndian.PutUint32(frame, uint32(len(msg))|lastFragment)
	frame = append(frame, msg...)
	_, err := w.Write(frame)
	return err
}
