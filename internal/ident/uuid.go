package ident

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrMalformed is returned by Parse for input that is neither the 36-char
// canonical form nor the 22-char compact form.
var ErrMalformed = errors.New("malformed uuid")

// UUID is the 128-bit identity of an item or kind.
//
// UUIDs are totally ordered by their byte representation, which is the
// order used for index keys and for every deterministic listing in the store.
type UUID [16]byte

// Nil is the zero UUID. It stands for "no item" (the parent of a root).
var Nil UUID

// compactAlphabet maps 6-bit digits to characters of the compact form.
const compactAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ_$"

// CompactLen and CanonicalLen are the lengths of the two textual forms.
const (
	CompactLen   = 22
	CanonicalLen = 36
)

var compactDigits [256]int8

func init() {
	for i := range compactDigits {
		compactDigits[i] = -1
	}
	for i := 0; i < len(compactAlphabet); i++ {
		compactDigits[compactAlphabet[i]] = int8(i)
	}
}

// New returns a fresh time-ordered UUID (version 7).
func New() UUID {
	return UUID(uuid.Must(uuid.NewV7()))
}

// Named derives a stable UUID from a namespace and a name (SHA-1, version 5).
func Named(namespace UUID, name string) UUID {
	return UUID(uuid.NewSHA1(uuid.UUID(namespace), []byte(name)))
}

// Parse accepts either textual form.
func Parse(s string) (UUID, error) {
	switch len(s) {
	case CanonicalLen:
		u, err := uuid.Parse(s)
		if err != nil {
			return Nil, fmt.Errorf("%w: %q", ErrMalformed, s)
		}
		return UUID(u), nil
	case CompactLen:
		hi, ok := decodeHalf(s[:11])
		if !ok {
			return Nil, fmt.Errorf("%w: %q", ErrMalformed, s)
		}
		lo, ok := decodeHalf(s[11:])
		if !ok {
			return Nil, fmt.Errorf("%w: %q", ErrMalformed, s)
		}
		var u UUID
		binary.BigEndian.PutUint64(u[:8], hi)
		binary.BigEndian.PutUint64(u[8:], lo)
		return u, nil
	default:
		return Nil, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
}

// MustParse is like Parse but panics on error.
// Use only in tests or for constants.
func MustParse(s string) UUID {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// FromBytes converts a 16-byte slice.
func FromBytes(b []byte) (UUID, error) {
	if len(b) != 16 {
		return Nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	var u UUID
	copy(u[:], b)
	return u, nil
}

// String returns the 36-char canonical form.
func (u UUID) String() string {
	return uuid.UUID(u).String()
}

// Compact returns the 22-char compact form: two 11-digit groups, each the
// big-endian 64-bit half written most significant digit first.
func (u UUID) Compact() string {
	var buf [CompactLen]byte
	encodeHalf(buf[:11], binary.BigEndian.Uint64(u[:8]))
	encodeHalf(buf[11:], binary.BigEndian.Uint64(u[8:]))
	return string(buf[:])
}

// Bytes returns a copy of the raw bytes.
func (u UUID) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, u[:])
	return b
}

// IsNil reports whether u is the zero UUID.
func (u UUID) IsNil() bool {
	return u == Nil
}

// Compare orders UUIDs by bytes.
func (u UUID) Compare(other UUID) int {
	return bytes.Compare(u[:], other[:])
}

// MarshalText implements encoding.TextMarshaler (canonical form).
func (u UUID) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler (either form).
func (u *UUID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

func encodeHalf(dst []byte, n uint64) {
	for i := len(dst) - 1; i >= 0; i-- {
		dst[i] = compactAlphabet[n&0x3f]
		n >>= 6
	}
}

func decodeHalf(s string) (uint64, bool) {
	var n uint64
	for i := 0; i < len(s); i++ {
		d := compactDigits[s[i]]
		if d < 0 {
			return 0, false
		}
		// 11 digits carry 66 bits; the leading digit may only use 4.
		if i == 0 && d > 0x0f {
			return 0, false
		}
		n = n<<6 | uint64(d)
	}
	return n, true
}
