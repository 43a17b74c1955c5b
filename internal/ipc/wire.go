// Package ipc implements the daemon's socket wire format: native 32-bit
// integers, length-prefixed strings and integer vectors, and file
// descriptor passing.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxStringLen caps a single string read from a peer.
const MaxStringLen = 1 << 20

// ErrTooLong is returned when a peer announces an oversized payload.
var ErrTooLong = errors.New("ipc: payload too long")

// ReadInt reads one host-order (little endian) 32-bit integer.
func ReadInt(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

// ReadIntBE reads one big endian 32-bit integer. The companion app writes
// its verdict this way.
func ReadIntBE(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

// WriteInt writes one host-order 32-bit integer.
func WriteInt(w io.Writer, v int32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	_, err := w.Write(buf[:])
	return err
}

// WriteIntBE writes one big endian 32-bit integer.
func WriteIntBE(w io.Writer, v int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	_, err := w.Write(buf[:])
	return err
}

// ReadBool reads an integer and reports whether it is non-zero.
func ReadBool(r io.Reader) (bool, error) {
	v, err := ReadInt(r)
	return v != 0, err
}

// WriteBool writes 1 or 0.
func WriteBool(w io.Writer, b bool) error {
	if b {
		return WriteInt(w, 1)
	}
	return WriteInt(w, 0)
}

// ReadString reads a 32-bit length followed by that many raw bytes.
func ReadString(r io.Reader) (string, error) {
	n, err := ReadInt(r)
	if err != nil {
		return "", err
	}
	if n < 0 || n > MaxStringLen {
		return "", fmt.Errorf("%w: string of %d bytes", ErrTooLong, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteString writes a 32-bit length followed by the raw bytes.
func WriteString(w io.Writer, s string) error {
	if len(s) > MaxStringLen {
		return fmt.Errorf("%w: string of %d bytes", ErrTooLong, len(s))
	}
	if err := WriteInt(w, int32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadInts reads a 32-bit count followed by that many integers.
func ReadInts(r io.Reader) ([]int, error) {
	n, err := ReadInt(r)
	if err != nil {
		return nil, err
	}
	if n < 0 || n > MaxStringLen/4 {
		return nil, fmt.Errorf("%w: vector of %d ints", ErrTooLong, n)
	}
	out := make([]int, 0, n)
	for i := int32(0); i < n; i++ {
		v, err := ReadInt(r)
		if err != nil {
			return nil, err
		}
		out = append(out, int(v))
	}
	return out, nil
}

// WriteInts writes a 32-bit count followed by the integers.
func WriteInts(w io.Writer, vs []int) error {
	if err := WriteInt(w, int32(len(vs))); err != nil {
		return err
	}
	for _, v := range vs {
		if err := WriteInt(w, int32(v)); err != nil {
			return err
		}
	}
	return nil
}
