// Package serializer provides the length-prefixed primitive framing
// shared by the snapshot codec and the wire command encoding. Every
// multi-byte field on the wire is little-endian.
package serializer

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// WriteFieldBytes writes a uint32 length prefix followed by b.
func WriteFieldBytes(w io.Writer, b []byte) error {
	size := uint32(len(b))
	if err := binary.Write(w, binary.LittleEndian, &size); err != nil {
		return errors.Wrap(err, "write field length")
	}
	n, err := w.Write(b)
	if err != nil {
		return errors.Wrap(err, "write field bytes")
	}
	if uint32(n) != size {
		return errors.Errorf("short write: expected %d bytes, wrote %d", size, n)
	}
	return nil
}

// ReadFieldBytes reads a uint32 length prefix followed by that many bytes.
func ReadFieldBytes(r io.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, errors.Wrap(err, "read field length")
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, errors.Wrap(err, "read field bytes")
	}
	return b, nil
}

// WriteUint8 writes a single tag/flag byte.
func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return errors.Wrap(err, "write uint8")
}

// ReadUint8 reads a single tag/flag byte.
func ReadUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errors.Wrap(err, "read uint8")
	}
	return b[0], nil
}

// WriteUint16 writes a little-endian uint16.
func WriteUint16(w io.Writer, v uint16) error {
	return errors.Wrap(binary.Write(w, binary.LittleEndian, v), "write uint16")
}

// ReadUint16 reads a little-endian uint16.
func ReadUint16(r io.Reader) (uint16, error) {
	var v uint16
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, errors.Wrap(err, "read uint16")
	}
	return v, nil
}

// WriteUint32 writes a little-endian uint32.
func WriteUint32(w io.Writer, v uint32) error {
	return errors.Wrap(binary.Write(w, binary.LittleEndian, v), "write uint32")
}

// ReadUint32 reads a little-endian uint32.
func ReadUint32(r io.Reader) (uint32, error) {
	var v uint32
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, errors.Wrap(err, "read uint32")
	}
	return v, nil
}

// WriteUint64 writes a little-endian uint64.
func WriteUint64(w io.Writer, v uint64) error {
	return errors.Wrap(binary.Write(w, binary.LittleEndian, v), "write uint64")
}

// ReadUint64 reads a little-endian uint64.
func ReadUint64(r io.Reader) (uint64, error) {
	var v uint64
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, errors.Wrap(err, "read uint64")
	}
	return v, nil
}

// WriteInt64 writes a little-endian int64 (used for expires_at, whose
// absence callers mark with a separate flag byte and a zero value).
func WriteInt64(w io.Writer, v int64) error {
	return errors.Wrap(binary.Write(w, binary.LittleEndian, v), "write int64")
}

// ReadInt64 reads a little-endian int64.
func ReadInt64(r io.Reader) (int64, error) {
	var v int64
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, errors.Wrap(err, "read int64")
	}
	return v, nil
}

// WriteString writes a length-prefixed UTF-8 string.
func WriteString(w io.Writer, s string) error {
	return WriteFieldBytes(w, []byte(s))
}

// ReadString reads a length-prefixed UTF-8 string.
func ReadString(r io.Reader) (string, error) {
	b, err := ReadFieldBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
