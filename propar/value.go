package propar

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DataType identifies the client-side type of a parameter value.
//
// The wire only distinguishes four widths (byte, word, double word and
// string); signedness and float interpretation live in this type and in the
// parameter database, the way the instruments' DDE sheets describe them.
type DataType byte

const (
	TypeInt8    DataType = iota // 1 byte, signed
	TypeInt16                   // 2 bytes, big-endian, unsigned
	TypeSInt16                  // 2 bytes, big-endian, signed
	TypeBSInt16                 // 2 bytes, big-endian, signed, Bronkhorst legacy scaling
	TypeInt32                   // 4 bytes, big-endian, unsigned
	TypeFloat                   // 4 bytes, IEEE-754 big-endian
	TypeString                  // length byte plus ASCII bytes, null-terminated
)

// Wire type codes, stored in bits 6..5 of the parameter index byte.
const (
	wireInt8   byte = 0x00
	wireInt16  byte = 0x20
	wireInt32  byte = 0x40
	wireString byte = 0x60

	wireTypeMask byte = 0x60
)

// MaxStringWireLen is the maximum on-wire size of a string value, including
// the length byte and the terminating null.
const MaxStringWireLen = 61

// chainBit marks "more follows" in proc and parameter index bytes.
const chainBit byte = 0x80

func (t DataType) String() string {
	switch t {
	case TypeInt8:
		return "int8"
	case TypeInt16:
		return "int16"
	case TypeSInt16:
		return "sint16"
	case TypeBSInt16:
		return "bsint16"
	case TypeInt32:
		return "int32"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	default:
		return fmt.Sprintf("DataType(%d)", byte(t))
	}
}

// wireCode returns the 2-bit wire type code for t, positioned in bits 6..5.
func (t DataType) wireCode() byte {
	switch t {
	case TypeInt8:
		return wireInt8
	case TypeInt16, TypeSInt16, TypeBSInt16:
		return wireInt16
	case TypeInt32, TypeFloat:
		return wireInt32
	case TypeString:
		return wireString
	default:
		return wireInt8
	}
}

// typeFromWire maps a wire code back to the generic DataType used when the
// true client-side type is unknown (e.g. while decoding a response on its
// own). Sized integers come back unsigned; double words come back as Int32.
func typeFromWire(code byte) (DataType, error) {
	switch code & wireTypeMask {
	case wireInt8:
		return TypeInt8, nil
	case wireInt16:
		return TypeInt16, nil
	case wireInt32:
		return TypeInt32, nil
	case wireString:
		return TypeString, nil
	default:
		return 0, ErrUnknownType
	}
}

// AppendValue serializes v as type t and appends the wire bytes to dst.
//
// Accepted Go types per DataType:
//
//	TypeInt8, TypeInt16, TypeSInt16, TypeBSInt16, TypeInt32:
//	                      int, int8, int16, int32, int64, uint8, uint16,
//	                      uint32 or uint64, range-checked against the type
//	TypeFloat:            float32, float64 or any of the integer types above
//	TypeString:           string
func AppendValue(dst []byte, t DataType, v any) ([]byte, error) {
	switch t {
	case TypeInt8:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		if n < math.MinInt8 || n > math.MaxInt8 {
			return nil, fmt.Errorf("%w: %d out of int8 range", ErrValueRange, n)
		}
		return append(dst, byte(int8(n))), nil

	case TypeInt16:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		if n < 0 || n > math.MaxUint16 {
			return nil, fmt.Errorf("%w: %d out of uint16 range", ErrValueRange, n)
		}
		return binary.BigEndian.AppendUint16(dst, uint16(n)), nil

	case TypeSInt16, TypeBSInt16:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		if n < math.MinInt16 || n > math.MaxInt16 {
			return nil, fmt.Errorf("%w: %d out of int16 range", ErrValueRange, n)
		}
		return binary.BigEndian.AppendUint16(dst, uint16(int16(n))), nil

	case TypeInt32:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		if n < 0 || n > math.MaxUint32 {
			return nil, fmt.Errorf("%w: %d out of uint32 range", ErrValueRange, n)
		}
		return binary.BigEndian.AppendUint32(dst, uint32(n)), nil

	case TypeFloat:
		var f float64
		switch fv := v.(type) {
		case float32:
			f = float64(fv)
		case float64:
			f = fv
		default:
			n, err := toInt64(v)
			if err != nil {
				return nil, err
			}
			f = float64(n)
		}
		return binary.BigEndian.AppendUint32(dst, math.Float32bits(float32(f))), nil

	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not a string", ErrValueRange, v)
		}
		// length byte + bytes + null terminator
		if len(s)+2 > MaxStringWireLen {
			return nil, fmt.Errorf("%w: string of %d bytes exceeds wire limit", ErrValueRange, len(s))
		}
		dst = append(dst, byte(len(s)+1))
		dst = append(dst, s...)
		return append(dst, 0), nil

	default:
		return nil, ErrUnknownType
	}
}

// decodeValue reads one value of type t from buf and returns the decoded
// value and the number of bytes consumed.
//
// Returned Go types: int8, uint16, int16, uint32, float32 or string.
func decodeValue(t DataType, buf []byte) (any, int, error) {
	switch t {
	case TypeInt8:
		if len(buf) < 1 {
			return nil, 0, ErrTruncatedValue
		}
		return int8(buf[0]), 1, nil

	case TypeInt16:
		if len(buf) < 2 {
			return nil, 0, ErrTruncatedValue
		}
		return binary.BigEndian.Uint16(buf), 2, nil

	case TypeSInt16, TypeBSInt16:
		if len(buf) < 2 {
			return nil, 0, ErrTruncatedValue
		}
		return int16(binary.BigEndian.Uint16(buf)), 2, nil

	case TypeInt32:
		if len(buf) < 4 {
			return nil, 0, ErrTruncatedValue
		}
		return binary.BigEndian.Uint32(buf), 4, nil

	case TypeFloat:
		if len(buf) < 4 {
			return nil, 0, ErrTruncatedValue
		}
		return math.Float32frombits(binary.BigEndian.Uint32(buf)), 4, nil

	case TypeString:
		return decodeString(buf)

	default:
		return nil, 0, ErrUnknownType
	}
}

// decodeString reads a string value: a length byte followed by the
// characters. A zero length byte means the string runs to the next null.
// The trailing null, when present, is stripped.
func decodeString(buf []byte) (any, int, error) {
	if len(buf) < 1 {
		return nil, 0, ErrTruncatedValue
	}

	n := int(buf[0])
	if n == 0 {
		// null-terminated form
		for i := 1; i < len(buf); i++ {
			if buf[i] == 0 {
				return string(buf[1:i]), i + 1, nil
			}
		}
		return nil, 0, ErrTruncatedValue
	}

	if 1+n > len(buf) {
		return nil, 0, ErrTruncatedValue
	}
	s := buf[1 : 1+n]
	// strip the terminating null if the device included it in the count
	if s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}

	return string(s), 1 + n, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d overflows", ErrValueRange, n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("%w: unsupported value type %T", ErrValueRange, v)
	}
}
