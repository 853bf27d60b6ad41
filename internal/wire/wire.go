// Package wire implements the small slice of the SSH binary packet
// format this engine needs: the length-prefixed string/uint32
// encoding from RFC 4251 §5, and a reflection-based Marshal/Unmarshal
// pair for the KEXINIT message struct in internal/negotiate.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"reflect"
)

// ErrShortBuffer is returned by Unmarshal when the wire payload ends
// before a field can be fully decoded.
var ErrShortBuffer = errors.New("wire: buffer too short")

// PutUint32 appends a big-endian uint32.
func PutUint32(buf []byte, n uint32) []byte {
	return append(buf, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}

// PutString appends an SSH string: a uint32 length prefix followed by
// the raw bytes.
func PutString(buf []byte, s []byte) []byte {
	buf = PutUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// PutBigInt appends an SSH mpint: a uint32 length prefix followed by
// the two's-complement, big-endian encoding of n, with a leading zero
// byte inserted if the high bit of the first byte would otherwise be
// set (RFC 4251 §5).
func PutBigInt(buf []byte, n *big.Int) []byte {
	b := n.Bytes()
	if len(b) > 0 && b[0]&0x80 != 0 {
		b = append([]byte{0}, b...)
	}
	return PutString(buf, b)
}

// GetString reads one SSH string from the front of buf, returning the
// value and the remainder.
func GetString(buf []byte) (s, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, ErrShortBuffer
	}
	n := binary.BigEndian.Uint32(buf)
	buf = buf[4:]
	if uint64(len(buf)) < uint64(n) {
		return nil, nil, ErrShortBuffer
	}
	return buf[:n], buf[n:], nil
}

// GetBigInt reads one SSH mpint from the front of buf.
func GetBigInt(buf []byte) (n *big.Int, rest []byte, err error) {
	b, rest, err := GetString(buf)
	if err != nil {
		return nil, nil, err
	}
	return new(big.Int).SetBytes(b), rest, nil
}

// Marshal encodes msgType followed by the fields of v (a pointer to a
// struct) in declaration order. Supported field kinds: [16]byte,
// string, []string, bool, uint32 -- exactly what KexInitMsg needs.
func Marshal(msgType byte, v interface{}) []byte {
	buf := []byte{msgType}
	rv := reflect.ValueOf(v).Elem()
	for i := 0; i < rv.NumField(); i++ {
		buf = marshalField(buf, rv.Field(i))
	}
	return buf
}

func marshalField(buf []byte, f reflect.Value) []byte {
	switch f.Kind() {
	case reflect.Array:
		for i := 0; i < f.Len(); i++ {
			buf = append(buf, byte(f.Index(i).Uint()))
		}
	case reflect.String:
		buf = PutString(buf, []byte(f.String()))
	case reflect.Slice:
		if f.Type().Elem().Kind() == reflect.String {
			list := make([]byte, 0)
			for i := 0; i < f.Len(); i++ {
				if i > 0 {
					list = append(list, ',')
				}
				list = append(list, []byte(f.Index(i).String())...)
			}
			buf = PutString(buf, list)
		}
	case reflect.Bool:
		if f.Bool() {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case reflect.Uint32:
		buf = PutUint32(buf, uint32(f.Uint()))
	}
	return buf
}

// Unmarshal decodes a packet whose first byte must equal msgType into
// v (a pointer to a struct), the inverse of Marshal.
func Unmarshal(packet []byte, msgType byte, v interface{}) error {
	if len(packet) == 0 || packet[0] != msgType {
		return fmt.Errorf("wire: unexpected message type %d (expected %d)", packetType(packet), msgType)
	}
	rest := packet[1:]
	rv := reflect.ValueOf(v).Elem()
	var err error
	for i := 0; i < rv.NumField(); i++ {
		rest, err = unmarshalField(rest, rv.Field(i))
		if err != nil {
			return err
		}
	}
	return nil
}

func packetType(p []byte) int {
	if len(p) == 0 {
		return -1
	}
	return int(p[0])
}

func unmarshalField(buf []byte, f reflect.Value) ([]byte, error) {
	switch f.Kind() {
	case reflect.Array:
		n := f.Len()
		if len(buf) < n {
			return nil, ErrShortBuffer
		}
		for i := 0; i < n; i++ {
			f.Index(i).SetUint(uint64(buf[i]))
		}
		return buf[n:], nil
	case reflect.String:
		s, rest, err := GetString(buf)
		if err != nil {
			return nil, err
		}
		f.SetString(string(s))
		return rest, nil
	case reflect.Slice:
		if f.Type().Elem().Kind() == reflect.String {
			s, rest, err := GetString(buf)
			if err != nil {
				return nil, err
			}
			f.Set(reflect.ValueOf(splitCSV(string(s))))
			return rest, nil
		}
		return buf, nil
	case reflect.Bool:
		if len(buf) < 1 {
			return nil, ErrShortBuffer
		}
		f.SetBool(buf[0] != 0)
		return buf[1:], nil
	case reflect.Uint32:
		if len(buf) < 4 {
			return nil, ErrShortBuffer
		}
		f.SetUint(uint64(binary.BigEndian.Uint32(buf)))
		return buf[4:], nil
	}
	return buf, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
