// Package nixbase32 implements the base32 variant Nix uses to render hashes
// in store paths and binary cache keys.
//
// The alphabet omits e, o, u and t, and the string is produced from the last
// byte to the first, so it does not decode with encoding/base32.
package nixbase32

import (
	"fmt"
)

const alphabet = "0123456789abcdfghijklmnpqrsvwxyz"

var decodeMap [256]byte

func init() {
	for i := range decodeMap {
		decodeMap[i] = 0xff
	}
	for i := 0; i < len(alphabet); i++ {
		decodeMap[alphabet[i]] = byte(i)
	}
}

// EncodedLen returns the length of the encoding of n source bytes.
func EncodedLen(n int) int {
	if n == 0 {
		return 0
	}
	return (n*8-1)/5 + 1
}

func decodedLen(n int) int {
	return n * 5 / 8
}

// EncodeToString returns the nixbase32 encoding of src.
func EncodeToString(src []byte) string {
	l := EncodedLen(len(src))
	dst := make([]byte, l)

	for n := l - 1; n >= 0; n-- {
		b := uint(n * 5)
		i := b / 8
		j := b % 8

		c := uint16(src[i]) >> j
		if int(i)+1 < len(src) {
			c |= uint16(src[i+1]) << (8 - j)
		}
		dst[l-1-n] = alphabet[c&0x1f]
	}

	return string(dst)
}

// DecodeString returns the bytes represented by the nixbase32 string s.
// Characters outside the alphabet and set padding bits are rejected.
func DecodeString(s string) ([]byte, error) {
	dst := make([]byte, decodedLen(len(s)))

	for n := 0; n < len(s); n++ {
		c := s[len(s)-n-1]
		digit := decodeMap[c]
		if digit == 0xff {
			return nil, fmt.Errorf("nixbase32: invalid character %q at position %d", c, len(s)-n-1)
		}

		b := uint(n * 5)
		i := b / 8
		j := b % 8

		if int(i) < len(dst) {
			dst[i] |= digit << j
		} else if digit != 0 {
			return nil, fmt.Errorf("nixbase32: invalid padding in %q", s)
		}

		carry := uint16(digit) >> (8 - j)
		if int(i)+1 < len(dst) {
			dst[i+1] |= byte(carry)
		} else if carry != 0 {
			return nil, fmt.Errorf("nixbase32: invalid padding in %q", s)
		}
	}

	return dst, nil
}
