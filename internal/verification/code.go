package verification

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// CodeGenerator returns a fresh fixed-width numeric code
type CodeGenerator func() (string, error)

// RandomDigits returns a generator drawing each digit from crypto/rand
func RandomDigits(digits int) CodeGenerator {
	return func() (string, error) {
		if digits < 4 || digits > 10 {
			return "", fmt.Errorf("invalid code length %d", digits)
		}

		var b strings.Builder
		b.Grow(digits)

		ten := big.NewInt(10)
		for i := 0; i < digits; i++ {
			n, err := rand.Int(rand.Reader, ten)
			if err != nil {
				return "", fmt.Errorf("read random digit: %w", err)
			}
			b.WriteByte(byte('0' + n.Int64()))
		}
		return b.String(), nil
	}
}

// FixedCode always returns code. Used in dev mode and tests.
func FixedCode(code string) CodeGenerator {
	return func() (string, error) {
		if code == "" {
			return "", errors.New("empty fixed code")
		}
		return code, nil
	}
}

func hashCode(code string) [32]byte {
	return sha256.Sum256([]byte(code))
}

func hashesEqual(a, b [32]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
